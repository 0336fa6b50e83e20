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
	"time"

	"go.uber.org/zap"

	"github.com/irati-labs/rina-normal/pdubuf"
)

// rearmSndInactTmr (re)arms the sender-inactivity timer at now + 3*MplRA.
// Must be called with d.mu held.
func (d *DTP) rearmSndInactTmr() {
	dur := 3 * d.mplRA
	if d.sndInactTmr == nil {
		d.sndInactTmr = time.AfterFunc(dur, d.fireSenderInactive)
	} else {
		d.sndInactTmr.Reset(dur)
	}
}

// rearmRcvInactTmr (re)arms the receiver-inactivity timer at now +
// 2*MplRA. Must be called with d.mu held.
func (d *DTP) rearmRcvInactTmr() {
	dur := 2 * d.mplRA
	if d.rcvInactTmr == nil {
		d.rcvInactTmr = time.AfterFunc(dur, d.fireReceiverInactive)
	} else {
		d.rcvInactTmr.Reset(dur)
	}
}

// fireSenderInactive marks the next DT to carry DRF, per the sender
// inactivity policy (see SPEC_FULL.md §9 for the open question this
// resolves by inaction).
func (d *DTP) fireSenderInactive() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.setDRF = true
	hook := d.onSenderIdle
	d.mu.Unlock()

	hook()
}

// fireReceiverInactive is a logging hook only, reserved for future
// policy (see SPEC_FULL.md §4.6).
func (d *DTP) fireReceiverInactive() {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()

	if !closed {
		d.logger.Debug("dtp: receiver inactivity timer fired", zap.Uint64("peer_addr", d.ep.PeerAddr))
	}
}

// armRtxTimer arms the retransmission timer to fire at deadline. Must be
// called with d.mu held.
func (d *DTP) armRtxTimer(deadline time.Time) {
	dur := deadline.Sub(d.now())
	if dur < 0 {
		dur = 0
	}
	if d.rtxTimer == nil {
		d.rtxTimer = time.AfterFunc(dur, d.fireRtxTimer)
	} else {
		d.rtxTimer.Reset(dur)
	}
}

// cancelRtxTimer stops the retransmission timer and clears the cursor.
// Must be called with d.mu held.
func (d *DTP) cancelRtxTimer() {
	if d.rtxTimer != nil {
		d.rtxTimer.Stop()
	}
	d.rtxTimerNext = nil
}

func indexOfQueuedPDU(list []*queuedPDU, item *queuedPDU) int {
	for i, e := range list {
		if e == item {
			return i
		}
	}

	return -1
}

// fireRtxTimer implements the circular-scan retransmission loop: starting
// at rtxTimerNext, walk the (seqnum-sorted) retransmission queue in ring
// order, retransmitting every entry whose deadline has elapsed and
// stopping (re-arming) at the first that hasn't, or after a full
// revolution if every entry had elapsed.
func (d *DTP) fireRtxTimer() {
	d.mu.Lock()

	if d.closed || d.rtxTimerNext == nil || len(d.rtxq) == 0 {
		d.mu.Unlock()
		return
	}

	now := d.now()
	n := len(d.rtxq)

	startIdx := indexOfQueuedPDU(d.rtxq, d.rtxTimerNext)
	if startIdx < 0 {
		startIdx = 0
	}

	var toSend []*pdubuf.Buf
	rearmed := false

	i := startIdx
	for count := 0; count < n; count++ {
		item := d.rtxq[i]

		if item.buf.RtxDeadline.After(now) {
			d.rtxTimerNext = item
			d.armRtxTimer(item.buf.RtxDeadline)
			rearmed = true
			break
		}

		item.buf.RtxDeadline = now.Add(d.rtxTmrInt)
		if clone, err := d.cloneFn(item.buf); err != nil {
			d.logger.Warn("dtp: rtx clone failed", zap.Error(err))
		} else {
			toSend = append(toSend, clone)
		}

		i = (i + 1) % n
	}

	if !rearmed {
		// Every entry had elapsed: restart the ring at the same cursor,
		// now carrying a fresh deadline.
		d.rtxTimerNext = d.rtxq[startIdx]
		d.armRtxTimer(d.rtxTimerNext.buf.RtxDeadline)
	}

	d.mu.Unlock()

	for _, c := range toSend {
		if err := d.tx(d.ep.PeerAddr, c, false); err != nil {
			d.logger.Warn("dtp: rtx dispatch failed", zap.Error(err))
		}
	}
}
