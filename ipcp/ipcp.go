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

// Package ipcp is the Normal IPC Process façade: it owns a flow table, the
// PDU Forwarding Table, the RMT deferred-send queue and a Prometheus
// collector, and wires them to per-flow dtp.DTP instances. It is the one
// package that knows about all three of dtp, rmt and pduft at once.
package ipcp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/irati-labs/rina-normal/dtp"
	"github.com/irati-labs/rina-normal/internal/pci"
	"github.com/irati-labs/rina-normal/pduft"
	"github.com/irati-labs/rina-normal/pdubuf"
	"github.com/irati-labs/rina-normal/rmt"
)

// ErrInvalid is returned by configuration and flow-lookup calls given bad
// input.
var ErrInvalid = errors.New("ipcp: invalid argument")

// Option configures an IPCP at construction time.
type Option func(*IPCP)

// WithLogger attaches a structured logger. The default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(ipc *IPCP) { ipc.logger = l }
}

// IPCP is one Normal IPC Process: a flow table keyed by local CEP id, a
// PDU Forwarding Table routing destination addresses to flows acting as
// lower-flow handles for other flows' traffic, and the supporting
// machinery (deferred queue, stats, logger, lifecycle).
type IPCP struct {
	addr atomic.Uint64

	mu    sync.Mutex
	flows map[uint64]*Flow

	pduft    *pduft.Table[*Flow]
	deferred *rmt.DeferredQueue
	stats    *Stats

	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	watchedMu sync.Mutex
	watched   map[rmt.LowerFlow]bool
}

// New constructs an IPCP bound to addr. It wires logging and starts no
// goroutines; FlowInit starts the per-flow supervisor that tears down that
// flow's DTP when the IPCP is closed, and Defer lazily starts one
// deferred-queue drain watcher per distinct lower flow the first time a
// write is parked against it.
func New(addr uint64, opts ...Option) *IPCP {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	ipc := &IPCP{
		flows:   make(map[uint64]*Flow),
		pduft:   pduft.New[*Flow](),
		logger:  zap.NewNop(),
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
		watched: make(map[rmt.LowerFlow]bool),
	}
	ipc.addr.Store(addr)

	for _, opt := range opts {
		opt(ipc)
	}

	ipc.deferred = rmt.NewDeferredQueue(ipc.logger)
	ipc.stats = newStats(ipc)

	return ipc
}

// Addr returns the local IPCP's address, for rmt.Tx loopback detection.
func (ipc *IPCP) Addr() uint64 { return ipc.addr.Load() }

// Logger returns the IPCP's structured logger.
func (ipc *IPCP) Logger() *zap.Logger { return ipc.logger }

// Stats returns the Prometheus collector for this IPCP's flows and
// deferred queue, for registration with a prometheus.Registry.
func (ipc *IPCP) Stats() *Stats { return ipc.stats }

// Config applies one configuration key/value pair. Only "address" is
// currently defined.
func (ipc *IPCP) Config(key, value string) error {
	switch key {
	case "address":
		addr, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: address %q is not a uint64", ErrInvalid, value)
		}
		ipc.addr.Store(addr)
		return nil

	default:
		return fmt.Errorf("%w: unknown config key %q", ErrInvalid, key)
	}
}

// PDUFTSet installs a route to dstAddr through flow.
func (ipc *IPCP) PDUFTSet(dstAddr uint64, flow *Flow) *pduft.Entry[*Flow] {
	return ipc.pduft.Set(dstAddr, flow)
}

// PDUFTDel removes a previously installed route.
func (ipc *IPCP) PDUFTDel(e *pduft.Entry[*Flow]) {
	ipc.pduft.Del(e)
}

// PDUFTFlush drops every route.
func (ipc *IPCP) PDUFTFlush() {
	ipc.pduft.Flush()
}

// PDUFTLookup implements rmt.Target: it resolves the lower flow routing to
// dstAddr, widened to the rmt.LowerFlow interface.
func (ipc *IPCP) PDUFTLookup(dstAddr uint64) (rmt.LowerFlow, bool) {
	flow, ok := ipc.pduft.Lookup(dstAddr)
	if !ok {
		return nil, false
	}
	return flow, true
}

// Defer implements rmt.Target: it parks buf on the IPCP-wide deferred
// queue and, the first time a given lower flow is deferred against, starts
// a goroutine that drains the queue whenever that lower flow signals it
// may accept writes again.
func (ipc *IPCP) Defer(buf *pdubuf.Buf, lower rmt.LowerFlow) bool {
	ok := ipc.deferred.Push(buf, lower)
	if ok {
		ipc.watchLower(lower)
	}
	return ok
}

func (ipc *IPCP) watchLower(lower rmt.LowerFlow) {
	ipc.watchedMu.Lock()
	if ipc.watched[lower] {
		ipc.watchedMu.Unlock()
		return
	}
	ipc.watched[lower] = true
	ipc.watchedMu.Unlock()

	ipc.group.Go(func() error {
		for {
			select {
			case <-ipc.ctx.Done():
				return nil
			case <-lower.WriteReady():
				ipc.deferred.Drain()
			}
		}
	})
}

// SDURx implements rmt.Target and is also the entry point a lower flow
// (or a loopback Tx) calls with a PDU addressed to this IPCP. It parses
// the DT header, relays onward if the PDU is not addressed here, and
// otherwise dispatches to the owning flow's DTP.
func (ipc *IPCP) SDURx(buf *pdubuf.Buf) error {
	hdr, err := pci.Unmarshal(buf.Bytes())
	if err != nil {
		return fmt.Errorf("ipcp: sdu rx: %w", err)
	}

	if hdr.DstAddr != ipc.Addr() {
		return rmt.Tx(ipc, hdr.DstAddr, buf, false)
	}

	flow, ok := ipc.lookupFlow(hdr.ConnID.DstCEP)
	if !ok {
		ipc.logger.Debug("ipcp: sdu rx to unknown cep, dropping",
			zap.Uint64("dst_cep", hdr.ConnID.DstCEP),
			zap.String("correlation_id", xid.New().String()),
		)
		return nil
	}

	if hdr.Type.IsCtrl() {
		ctrl, err := pci.UnmarshalCtrl(buf.Bytes())
		if err != nil {
			return fmt.Errorf("ipcp: sdu rx: parse ctrl pci: %w", err)
		}
		return flow.dtp.HandleControl(ctrl)
	}

	flow.dtp.HandleData(hdr, buf)
	return nil
}

func (ipc *IPCP) lookupFlow(cep uint64) (*Flow, bool) {
	ipc.mu.Lock()
	defer ipc.mu.Unlock()

	f, ok := ipc.flows[cep]
	return f, ok
}

// SDUWrite submits an SDU for transmission on flow.
func (ipc *IPCP) SDUWrite(flow *Flow, buf *pdubuf.Buf, maySleep bool) error {
	return flow.dtp.SDUWrite(buf, maySleep)
}

// SDURxConsumed tells flow's DTP that the upper layer has finished with a
// previously delivered buffer, identified by the seqnum the receive path
// stamped onto it before delivery.
func (ipc *IPCP) SDURxConsumed(flow *Flow, buf *pdubuf.Buf) error {
	return flow.dtp.SDURxConsumed(buf.Seqnum)
}

// FlowGetStats returns flow's current counters and queue depths.
func (ipc *IPCP) FlowGetStats(flow *Flow) FlowStats {
	c := flow.dtp.Snapshot()
	cwqLen, rtxqLen, seqqLen := flow.dtp.QueueDepths()

	return FlowStats{
		TxPkt:   c.TxPkt,
		TxByte:  c.TxByte,
		TxErr:   c.TxErr,
		RxPkt:   c.RxPkt,
		RxByte:  c.RxByte,
		RxErr:   c.RxErr,
		CwqLen:  cwqLen,
		RtxqLen: rtxqLen,
		SeqqLen: seqqLen,
	}
}

// FlowStats is the external view of a flow's counters and queue depths.
type FlowStats struct {
	TxPkt, TxByte, TxErr uint64
	RxPkt, RxByte, RxErr uint64
	CwqLen, RtxqLen, SeqqLen int
}

// MgmtHeader addresses a management SDU, either to a destination address
// (resolved through the PDUFT) or directly to a local port (one of this
// IPCP's own flows acting as a lower flow for relayed traffic).
type MgmtHeader struct {
	DstAddr      uint64
	LocalPort    uint64
	UseLocalPort bool
}

// MgmtSDUWrite resolves the lower IPCP and flow a management SDU should be
// written through, and stamps buf with an MGMT-type DT header addressed to
// hdr.DstAddr. It does not itself call Write: the caller uses the returned
// flow as a rmt.LowerFlow.
func (ipc *IPCP) MgmtSDUWrite(hdr *MgmtHeader, buf *pdubuf.Buf) (lowerIPCP *IPCP, lowerFlow *Flow, err error) {
	var lower *Flow

	if hdr.UseLocalPort {
		f, ok := ipc.lookupFlow(hdr.LocalPort)
		if !ok {
			return nil, nil, fmt.Errorf("%w: local port %d not bound on this ipcp", ErrInvalid, hdr.LocalPort)
		}
		lower = f
	} else {
		f, ok := ipc.pduft.Lookup(hdr.DstAddr)
		if !ok {
			return nil, nil, fmt.Errorf("ipcp: mgmt write to %d: %w", hdr.DstAddr, rmt.ErrHostUnreachable)
		}
		lower = f
	}

	hdrBytes, err := buf.PushPCI(pci.Size)
	if err != nil {
		return nil, nil, fmt.Errorf("ipcp: mgmt write: %w", err)
	}

	dt := pci.DT{
		DstAddr: hdr.DstAddr,
		SrcAddr: ipc.Addr(),
		Type:    pci.TypeMGMT,
	}
	copy(hdrBytes, dt.Marshal())

	return lower.ipc, lower, nil
}

// Close cancels every background goroutine (deferred-queue watchers and
// per-flow timer supervisors), waits for them to exit, then tears down
// every remaining flow's DTP and flushes the PDUFT.
func (ipc *IPCP) Close() error {
	ipc.cancel()
	err := ipc.group.Wait()

	ipc.mu.Lock()
	flows := ipc.flows
	ipc.flows = make(map[uint64]*Flow)
	ipc.mu.Unlock()

	for _, f := range flows {
		ipc.pduft.UnlinkFlow(f)
		f.dtp.Close()
	}
	ipc.pduft.Flush()

	return err
}
