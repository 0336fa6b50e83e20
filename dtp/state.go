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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/irati-labs/rina-normal/internal/pci"
	"github.com/irati-labs/rina-normal/pdubuf"
)

// Endpoint carries the addressing a DTP needs to stamp and validate
// PCIs: the local and peer IPCP addresses and this connection's CEP ids.
type Endpoint struct {
	LocalAddr uint64
	PeerAddr  uint64
	QosID     uint8
	SrcCEP    uint64
	DstCEP    uint64
}

// Counters are the per-flow statistics named in the external interface
// (flow_get_stats). They are updated with atomic operations so a
// Prometheus collector can read them concurrently with the send/receive
// paths without taking the DTP lock.
type Counters struct {
	TxPkt  uint64
	TxByte uint64
	TxErr  uint64
	RxPkt  uint64
	RxByte uint64
	RxErr  uint64
}

type queuedPDU struct {
	buf    *pdubuf.Buf
	seqnum uint64
}

// TxFunc dispatches an owned buffer toward dstAddr, normally wired to
// rmt.Tx bound to the owning IPCP.
type TxFunc func(dstAddr uint64, buf *pdubuf.Buf, maySleep bool) error

// DeliverFunc hands a payload-only buffer to the upper layer.
type DeliverFunc func(buf *pdubuf.Buf) error

// CloneFunc produces an independent, owned copy of buf for the
// retransmission queue. The default is buf.Clone, which never fails;
// tests inject a failing CloneFunc to exercise ErrOutOfMemory.
type CloneFunc func(buf *pdubuf.Buf) (*pdubuf.Buf, error)

func defaultClone(buf *pdubuf.Buf) (*pdubuf.Buf, error) {
	return buf.Clone(), nil
}

// Option configures a DTP at construction time.
type Option func(*DTP)

// WithLogger attaches a structured logger. The default is a no-op
// logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *DTP) { d.logger = l }
}

// WithCloneFunc overrides the function used to clone buffers into the
// retransmission queue, for injecting allocation-failure tests.
func WithCloneFunc(fn CloneFunc) Option {
	return func(d *DTP) { d.cloneFn = fn }
}

// WithOnSenderIdle installs the hook invoked when the sender-inactivity
// timer fires, after SetDRF has been set. The default is a no-op; the
// policy questions this hook exists for (discarding rtxq/cwq contents,
// notifying the upper layer of idleness) are open questions preserved
// from the distilled spec (see SPEC_FULL.md §9).
func WithOnSenderIdle(fn func()) Option {
	return func(d *DTP) { d.onSenderIdle = fn }
}

// WithNow overrides the clock, for deterministic timer tests.
func WithNow(fn func() time.Time) Option {
	return func(d *DTP) { d.now = fn }
}

// DTP is one flow's Data Transfer Protocol state machine: sender and
// receiver sequence spaces, their queues, and the timers that drive
// retransmission and inactivity. All mutation of this state happens
// under mu; it is a leaf lock, never held while acquiring any other
// lock (a PDUFT lock or another flow's DTP lock).
type DTP struct {
	mu sync.Mutex

	cfg FlowConfig
	ep  Endpoint

	logger       *zap.Logger
	cloneFn      CloneFunc
	onSenderIdle func()
	now          func() time.Time

	tx      TxFunc
	deliver DeliverFunc

	// Sender state.
	nextSeqNumToSend uint64
	sndLWE           uint64
	sndRWE           uint64
	lastSeqNumSent   uint64
	cwq              []*queuedPDU
	rtxq             []*queuedPDU
	rtxTimerNext     *queuedPDU
	rtxTimer         *time.Timer
	sndInactTmr      *time.Timer

	// Receiver state.
	rcvLWE         uint64
	rcvLWEPriv     uint64
	rcvRWE         uint64
	maxSeqNumRcvd  uint64
	seqq           []*queuedPDU
	lastSndDataAck uint64
	rcvInactTmr    *time.Timer

	// Control state.
	nextSndCtlSeq      uint64
	lastCtrlSeqNumRcvd uint64
	setDRF             bool

	mplRA     time.Duration
	rtxTmrInt time.Duration

	counters Counters

	// writeRestart is signalled (non-blocking) whenever the CWQ drains or
	// an ACK frees rtxq slots, so a blocked upper-layer writer can retry.
	writeRestart chan struct{}

	closed bool
}

// New constructs a DTP for one flow. tx dispatches outbound buffers
// (data and control) toward a destination address; deliver hands
// payload-only buffers to the upper layer. Both must be non-nil.
func New(cfg FlowConfig, ep Endpoint, tx TxFunc, deliver DeliverFunc, opts ...Option) *DTP {
	cfg = cfg.normalized()

	d := &DTP{
		cfg:          cfg,
		ep:           ep,
		logger:       zap.NewNop(),
		cloneFn:      defaultClone,
		onSenderIdle: func() {},
		now:          time.Now,
		tx:           tx,
		deliver:      deliver,
		setDRF:       true,
		mplRA:        cfg.mplRA(),
		rtxTmrInt:    cfg.rtxTmrInt(),
		writeRestart: make(chan struct{}, 1),
	}

	if cfg.windowFC() {
		// RcvRWE is the advertisement this end sends the peer (SV-update);
		// the symmetric initial SndRWE (the credit this end starts out
		// believing it has from the peer) is derived the same way, using
		// the ">" convention for the comparison in SDUWrite: SndRWE holds
		// the last seqnum still inside the window, not an exclusive bound.
		d.rcvRWE = d.rcvLWE + cfg.DTCP.FC.Window.InitialCredit
		if cfg.DTCP.FC.Window.InitialCredit > 0 {
			d.sndRWE = cfg.DTCP.FC.Window.InitialCredit - 1
		}
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// WriteRestart signals when the upper layer may be able to write again
// (the CWQ drained, or an ACK freed retransmission-queue slots).
func (d *DTP) WriteRestart() <-chan struct{} {
	return d.writeRestart
}

func (d *DTP) signalWriteRestart() {
	select {
	case d.writeRestart <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the flow's current counters.
func (d *DTP) Snapshot() Counters {
	return Counters{
		TxPkt:  atomic.LoadUint64(&d.counters.TxPkt),
		TxByte: atomic.LoadUint64(&d.counters.TxByte),
		TxErr:  atomic.LoadUint64(&d.counters.TxErr),
		RxPkt:  atomic.LoadUint64(&d.counters.RxPkt),
		RxByte: atomic.LoadUint64(&d.counters.RxByte),
		RxErr:  atomic.LoadUint64(&d.counters.RxErr),
	}
}

// Close cancels every timer owned by this DTP and marks it closed, so a
// timer callback that is already running returns without acting. It is
// called during flow teardown; it does not empty the DTP's queues.
func (d *DTP) Close() {
	d.mu.Lock()
	d.closed = true
	if d.sndInactTmr != nil {
		d.sndInactTmr.Stop()
	}
	if d.rcvInactTmr != nil {
		d.rcvInactTmr.Stop()
	}
	if d.rtxTimer != nil {
		d.rtxTimer.Stop()
	}
	d.mu.Unlock()
}

// QueueDepths reports the current lengths of the three DTP-owned queues,
// for gauges and tests. It takes the lock.
func (d *DTP) QueueDepths() (cwqLen, rtxqLen, seqqLen int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.cwq), len(d.rtxq), len(d.seqq)
}

// stampDT fills in a DT PCI's addressing and connection fields, leaving
// Type, Flags, Len and Seqnum to the caller.
func (d *DTP) stampDT() pci.DT {
	return pci.DT{
		DstAddr: d.ep.PeerAddr,
		SrcAddr: d.ep.LocalAddr,
		ConnID: pci.ConnID{
			QosID:  d.ep.QosID,
			SrcCEP: d.ep.SrcCEP,
			DstCEP: d.ep.DstCEP,
		},
	}
}

// insertSorted inserts e into a seqnum-ascending-sorted slice, returning
// the updated slice. Exact-seqnum duplicates are rejected (ok=false).
func insertSorted(list []*queuedPDU, e *queuedPDU) (_ []*queuedPDU, ok bool) {
	i := 0
	for ; i < len(list); i++ {
		if list[i].seqnum == e.seqnum {
			return list, false
		}
		if list[i].seqnum > e.seqnum {
			break
		}
	}

	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e

	return list, true
}

// removeAt removes the element at index i, preserving order.
func removeAt(list []*queuedPDU, i int) []*queuedPDU {
	copy(list[i:], list[i+1:])
	return list[:len(list)-1]
}
