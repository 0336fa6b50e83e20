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

	"go.uber.org/zap"

	"github.com/irati-labs/rina-normal/internal/pci"
	"github.com/irati-labs/rina-normal/pdubuf"
)

// HandleData implements the data-PDU branch of the receive path. hdr is
// the DT PCI already parsed from buf's front (buf still carries the
// header bytes; they are popped only at delivery time).
func (d *DTP) HandleData(hdr pci.DT, buf *pdubuf.Buf) {
	d.mu.Lock()

	if d.cfg.DTCPPresent {
		d.rearmRcvInactTmr()
	}

	s := hdr.Seqnum

	var toDeliver []*pdubuf.Buf
	var ctrlBuf *pdubuf.Buf

	switch {
	case hdr.Flags&pci.DRF != 0:
		// Case A: run start.
		d.rcvLWE = s + 1
		d.rcvLWEPriv = s + 1
		d.maxSeqNumRcvd = s
		ctrlBuf = d.svUpdate()
		toDeliver = append(toDeliver, buf)

	case s < d.rcvLWEPriv:
		// Case B: duplicate.
		atomic.AddUint64(&d.counters.RxErr, 1)
		if d.cfg.DTCP.FlowControl && d.rcvLWE >= d.lastSndDataAck {
			ctrlBuf = d.ackFCCtrl(d.rcvLWE)
			d.lastSndDataAck = d.rcvLWE
		}

	default:
		if s > d.maxSeqNumRcvd {
			d.maxSeqNumRcvd = s
		}
		gap := int64(s) - int64(d.rcvLWEPriv)

		drop := (d.cfg.InOrderDelivery || d.cfg.DTCPPresent) &&
			dropRuleATimer == 0 &&
			!d.cfg.rtxControl() &&
			gap > d.cfg.MaxSDUGap
		deliver := !drop && gap <= d.cfg.MaxSDUGap

		switch {
		case deliver:
			d.rcvLWEPriv = s + 1
			toDeliver = append(toDeliver, buf)
			toDeliver = append(toDeliver, d.popContiguousSeqq()...)

			if d.deliver != nil {
				d.rcvLWE = d.rcvLWEPriv
				ctrlBuf = d.svUpdate()
			}

		case drop:
			atomic.AddUint64(&d.counters.RxErr, 1)
			ctrlBuf = d.svUpdate()

		default:
			d.holdInSeqq(buf, s)
			ctrlBuf = d.svUpdate()
		}
	}

	d.mu.Unlock()

	for _, b := range toDeliver {
		d.stripAndDeliver(b)
	}

	if ctrlBuf != nil {
		if err := d.tx(d.ep.PeerAddr, ctrlBuf, false); err != nil {
			d.logger.Warn("dtp: ctrl dispatch failed", zap.Error(err))
		}
	}
}

// holdInSeqq inserts buf into the out-of-order holding queue, in seqnum
// order, dropping exact duplicates already present and dropping (without
// inserting) if the queue is already at capacity. Must be called with
// d.mu held.
func (d *DTP) holdInSeqq(buf *pdubuf.Buf, seqnum uint64) {
	if len(d.seqq) >= d.cfg.SeqqMax {
		return
	}

	item := &queuedPDU{buf: buf, seqnum: seqnum}

	list, ok := insertSorted(d.seqq, item)
	if !ok {
		return
	}

	buf.MarkQueued(pdubuf.TagSeqQ)
	d.seqq = list
}

// popContiguousSeqq pops the prefix of the (seqnum-sorted) holding queue
// whose gap from the current RcvLWEPriv is within MaxSDUGap, advancing
// RcvLWEPriv past each popped entry. Must be called with d.mu held.
func (d *DTP) popContiguousSeqq() []*pdubuf.Buf {
	var out []*pdubuf.Buf

	for len(d.seqq) > 0 {
		head := d.seqq[0]
		gap := int64(head.seqnum) - int64(d.rcvLWEPriv)
		if gap > d.cfg.MaxSDUGap {
			break
		}

		d.seqq = removeAt(d.seqq, 0)
		head.buf.MarkDequeued(pdubuf.TagSeqQ)
		out = append(out, head.buf)
		d.rcvLWEPriv = head.seqnum + 1
	}

	return out
}

// stripAndDeliver pops the DT PCI from buf and hands the payload to the
// upper layer, recording the PDU's seqnum (read from the header before
// it is popped) for a later SDURxConsumed.
func (d *DTP) stripAndDeliver(buf *pdubuf.Buf) {
	hdr, err := pci.Unmarshal(buf.Bytes())
	if err != nil {
		d.logger.Warn("dtp: parse pci for delivery failed", zap.Error(err))
		return
	}

	if _, err := buf.PopPCI(pci.Size); err != nil {
		d.logger.Warn("dtp: pop pci for delivery failed", zap.Error(err))
		return
	}

	buf.Seqnum = hdr.Seqnum
	atomic.AddUint64(&d.counters.RxPkt, 1)
	atomic.AddUint64(&d.counters.RxByte, uint64(buf.Len()))

	if d.deliver == nil {
		return
	}
	if err := d.deliver(buf); err != nil {
		d.logger.Warn("dtp: deliver failed", zap.Error(err))
	}
}

// svUpdate is the control-PDU synthesis rule, called under d.mu: refresh
// RcvRWE from the current credit, and build an ACK (with FC piggybacked)
// or an FC-only control PDU, or none when neither discipline is active.
func (d *DTP) svUpdate() *pdubuf.Buf {
	if d.cfg.windowFC() {
		d.rcvRWE = d.rcvLWE + d.cfg.DTCP.FC.Window.InitialCredit
	}

	typ := pci.CtrlMask
	var extra pci.Ctrl

	switch {
	case d.cfg.rtxControl():
		typ |= pci.AckBit | pci.AckSubACK
		if d.rcvLWE > 0 {
			extra.AckNackSeqNum = d.rcvLWE - 1
		}
		if d.cfg.windowFC() {
			typ |= pci.FCBit
		}

	case d.cfg.windowFC():
		typ |= pci.FCBit

	default:
		return nil
	}

	return d.buildCtrl(typ, extra)
}

// ackFCCtrl builds an explicit ACK(+FC) control PDU carrying
// ackNackSeqNum, used by the duplicate-data-PDU branch (Case B).
func (d *DTP) ackFCCtrl(ackNackSeqNum uint64) *pdubuf.Buf {
	typ := pci.CtrlMask | pci.AckBit | pci.AckSubACK
	if d.cfg.windowFC() {
		typ |= pci.FCBit
	}

	return d.buildCtrl(typ, pci.Ctrl{AckNackSeqNum: ackNackSeqNum})
}

// buildCtrl stamps and marshals a CTRL PDU, filling in the window and
// control-sequence advertisements from current state. Must be called
// with d.mu held.
func (d *DTP) buildCtrl(typ pci.PDUType, extra pci.Ctrl) *pdubuf.Buf {
	base := d.stampDT()
	base.Type = typ
	base.Seqnum = d.nextSndCtlSeq
	d.nextSndCtlSeq++

	ctrl := extra
	ctrl.DT = base
	ctrl.NewLWE = d.rcvLWE
	ctrl.NewRWE = d.rcvRWE
	ctrl.MyLWE = d.sndLWE
	ctrl.MyRWE = d.sndRWE
	ctrl.LastCtrlSeqNumRcvd = d.lastCtrlSeqNumRcvd

	b, err := ctrl.Marshal()
	if err != nil {
		d.logger.Warn("dtp: marshal ctrl pdu failed", zap.Error(err))
		return nil
	}

	return pdubuf.New(0, b)
}

// HandleControl implements the control-PDU branch of the receive path.
func (d *DTP) HandleControl(hdr pci.Ctrl) error {
	if !hdr.Type.IsCtrl() {
		return ErrNotControlPDU
	}

	d.mu.Lock()

	accept := true
	switch {
	case hdr.Seqnum > d.lastCtrlSeqNumRcvd+1:
		d.logger.Warn("dtp: control pdu loss detected",
			zap.Uint64("seqnum", hdr.Seqnum),
			zap.Uint64("last_seen", d.lastCtrlSeqNumRcvd),
		)
	case hdr.Seqnum <= d.lastCtrlSeqNumRcvd && d.lastCtrlSeqNumRcvd != 0:
		accept = false
	}

	if accept {
		d.lastCtrlSeqNumRcvd = hdr.Seqnum
	}

	var drained []*pdubuf.Buf

	if accept && hdr.Type.HasFC() {
		drained = d.applyFC(hdr)
	}

	if accept && hdr.Type.HasAck() {
		switch hdr.Type.AckSubtype() {
		case pci.AckSubACK:
			d.ackRtxq(hdr.AckNackSeqNum)
		case pci.AckSubNACK, pci.AckSubSACK, pci.AckSubSNACK:
			d.logger.Warn("dtp: unsupported ack subtype, ignoring",
				zap.Uint8("subtype", uint8(hdr.Type.AckSubtype())),
			)
		}
	}

	d.mu.Unlock()

	for _, b := range drained {
		if err := d.tx(d.ep.PeerAddr, b, false); err != nil {
			d.logger.Warn("dtp: cwq drain dispatch failed", zap.Error(err))
		}
	}

	d.signalWriteRestart()

	return nil
}

// applyFC processes the FC bit: rejects a regressing window, otherwise
// advances SndRWE and drains the closed-window queue in FIFO order,
// cloning each drained buffer into the retransmission queue when rtx
// control is active. Must be called with d.mu held; returns the drained
// buffers for dispatch after the lock is released.
func (d *DTP) applyFC(hdr pci.Ctrl) []*pdubuf.Buf {
	if hdr.NewRWE < d.sndRWE {
		d.logger.Warn("dtp: broken peer, NewRWE regressed",
			zap.Uint64("new_rwe", hdr.NewRWE),
			zap.Uint64("snd_rwe", d.sndRWE),
		)
		return nil
	}

	d.sndRWE = hdr.NewRWE

	var drained []*pdubuf.Buf

	for len(d.cwq) > 0 && d.sndLWE < d.sndRWE {
		item := d.cwq[0]
		d.cwq = removeAt(d.cwq, 0)
		item.buf.MarkDequeued(pdubuf.TagCWQ)

		d.lastSeqNumSent = d.sndLWE
		d.sndLWE++

		if d.cfg.rtxControl() {
			if clone, err := d.cloneFn(item.buf); err != nil {
				d.logger.Warn("dtp: rtx clone on cwq drain failed", zap.Error(err))
			} else {
				clone.RtxDeadline = d.now().Add(d.rtxTmrInt)
				clone.MarkQueued(pdubuf.TagRTXQ)
				rtxItem := &queuedPDU{buf: clone, seqnum: item.seqnum}
				d.rtxq = append(d.rtxq, rtxItem)

				if d.rtxTimerNext == nil {
					d.rtxTimerNext = rtxItem
					d.armRtxTimer(clone.RtxDeadline)
				}
			}
		}

		drained = append(drained, item.buf)
	}

	return drained
}

// ackRtxq removes every retransmission-queue entry with seqnum <=
// ackNackSeqNum. Must be called with d.mu held.
func (d *DTP) ackRtxq(ackNackSeqNum uint64) {
	kept := d.rtxq[:0]
	for _, item := range d.rtxq {
		if item.seqnum <= ackNackSeqNum {
			item.buf.MarkDequeued(pdubuf.TagRTXQ)
			if item == d.rtxTimerNext {
				d.rtxTimerNext = nil
			}
			continue
		}
		kept = append(kept, item)
	}
	d.rtxq = kept

	if len(d.rtxq) == 0 {
		d.cancelRtxTimer()
		return
	}

	if d.rtxTimerNext == nil {
		d.rtxTimerNext = d.rtxq[0]
		d.armRtxTimer(d.rtxq[0].buf.RtxDeadline)
	}
}

// SDURxConsumed records that the upper layer has finished consuming the
// buffer delivered with the given seqnum: advance RcvLWE past it,
// synthesise a control PDU, and send it.
func (d *DTP) SDURxConsumed(seqnum uint64) error {
	d.mu.Lock()
	if seqnum+1 > d.rcvLWE {
		d.rcvLWE = seqnum + 1
	}
	ctrlBuf := d.svUpdate()
	d.mu.Unlock()

	if ctrlBuf == nil {
		return nil
	}

	return d.tx(d.ep.PeerAddr, ctrlBuf, false)
}
