// Copyright 2024 The RINA Normal IPCP Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dtp

import (
	"sync/atomic"

	"github.com/irati-labs/rina-normal/internal/pci"
	"github.com/irati-labs/rina-normal/pdubuf"
)

// SDUWrite implements the send path. buf must be writable, with its
// payload already in place and enough head reserve for a DT PCI.
//
// On success the caller no longer owns buf: it was either dispatched,
// parked in the closed-window queue, or (on ErrWouldBlock / ErrNoSpace /
// ErrOutOfMemory) is the caller's to discard.
func (d *DTP) SDUWrite(buf *pdubuf.Buf, maySleep bool) error {
	d.mu.Lock()

	if d.cfg.DTCPPresent {
		d.rearmSndInactTmr()
	}

	if d.cfg.windowFC() && d.nextSeqNumToSend > d.sndRWE && len(d.cwq) >= d.cfg.DTCP.FC.Window.MaxCwqLen {
		d.mu.Unlock()
		return ErrWouldBlock
	}
	if d.cfg.rtxControl() && len(d.rtxq) >= d.cfg.DTCP.MaxRtxqLen {
		d.mu.Unlock()
		return ErrWouldBlock
	}

	payloadLen := buf.Len()

	hdrBytes, err := buf.PushPCI(pci.Size)
	if err != nil {
		d.mu.Unlock()
		return err
	}

	hdr := d.stampDT()
	hdr.Type = pci.TypeDT
	if d.setDRF {
		hdr.Flags = pci.DRF
	}
	hdr.Len = uint16(payloadLen)

	seqnum := d.nextSeqNumToSend
	hdr.Seqnum = seqnum
	d.nextSeqNumToSend++

	copy(hdrBytes, hdr.Marshal())

	atomic.AddUint64(&d.counters.TxPkt, 1)
	atomic.AddUint64(&d.counters.TxByte, uint64(payloadLen))
	d.setDRF = false

	owned := true

	switch {
	case !d.cfg.DTCPPresent:
		d.sndLWE = d.nextSeqNumToSend
		d.lastSeqNumSent = seqnum

	case d.cfg.windowFC():
		if seqnum > d.sndRWE {
			item := &queuedPDU{buf: buf, seqnum: seqnum}
			buf.MarkQueued(pdubuf.TagCWQ)
			d.cwq = append(d.cwq, item)
			owned = false
		} else {
			d.sndLWE = d.nextSeqNumToSend
			d.lastSeqNumSent = seqnum
		}

	default:
		d.sndLWE = d.nextSeqNumToSend
		d.lastSeqNumSent = seqnum
	}

	if owned && d.cfg.rtxControl() {
		clone, cerr := d.cloneFn(buf)
		if cerr != nil {
			d.mu.Unlock()
			atomic.AddUint64(&d.counters.TxPkt, ^uint64(0))
			atomic.AddUint64(&d.counters.TxByte, ^(uint64(payloadLen) - 1))
			atomic.AddUint64(&d.counters.TxErr, 1)
			return ErrOutOfMemory
		}

		clone.RtxDeadline = d.now().Add(d.rtxTmrInt)
		clone.MarkQueued(pdubuf.TagRTXQ)
		item := &queuedPDU{buf: clone, seqnum: seqnum}
		d.rtxq = append(d.rtxq, item)

		if d.rtxTimerNext == nil {
			d.rtxTimerNext = item
			d.armRtxTimer(clone.RtxDeadline)
		}
	}

	d.mu.Unlock()

	if !owned {
		return nil
	}

	if err := d.tx(d.ep.PeerAddr, buf, maySleep); err != nil {
		atomic.AddUint64(&d.counters.TxErr, 1)
		return err
	}

	return nil
}
