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

package ipcp

import (
	"fmt"

	"github.com/irati-labs/rina-normal/dtp"
	"github.com/irati-labs/rina-normal/pdubuf"
	"github.com/irati-labs/rina-normal/rmt"
)

// A Flow is one N-flow allocated over this IPCP: it owns the dtp.DTP that
// drives its send and receive paths. It doubles as a rmt.LowerFlow handle:
// when this IPCP is relaying traffic for other flows, the PDUFT may route
// a destination address through this Flow, in which case Write/WriteReady
// delegate to transport, the actual lower-DIF (or test) conduit this flow
// rides on.
//
// A Flow with a nil transport is a pure upper-layer endpoint: nothing
// routes through it, and it is never installed in the PDUFT as a lower
// flow.
type Flow struct {
	ipc       *IPCP
	dtp       *dtp.DTP
	transport rmt.LowerFlow

	localCEP, peerCEP uint64
	peerAddr          uint64
}

// Write implements rmt.LowerFlow by delegating to the bound transport.
func (f *Flow) Write(buf *pdubuf.Buf, maySleep bool) error {
	if f.transport == nil {
		return fmt.Errorf("ipcp: flow has no bound transport")
	}
	return f.transport.Write(buf, maySleep)
}

// WriteReady implements rmt.LowerFlow by delegating to the bound
// transport. A Flow with no transport never signals.
func (f *Flow) WriteReady() <-chan struct{} {
	if f.transport == nil {
		return nil
	}
	return f.transport.WriteReady()
}

// LocalCEP returns this flow's local connection endpoint id, the key it is
// registered under in its owning IPCP's flow table.
func (f *Flow) LocalCEP() uint64 { return f.localCEP }

// DTP exposes the flow's underlying state machine, for callers that need
// direct access beyond the IPCP façade (tests, and Stats.Collect).
func (f *Flow) DTP() *dtp.DTP { return f.dtp }

// FlowInit allocates a Flow for a new connection, wiring its DTP's send
// path to rmt.Tx (bound to this IPCP) and its receive path to deliver, and
// registers it in the flow table under ep.SrcCEP. transport may be nil for
// a flow that is never used as a relay's lower-flow handle. It starts one
// supervisor goroutine, scoped to the IPCP's lifetime, that tears down the
// flow's DTP timers when the IPCP is closed.
func (ipc *IPCP) FlowInit(cfg dtp.FlowConfig, ep dtp.Endpoint, transport rmt.LowerFlow, deliver dtp.DeliverFunc, opts ...dtp.Option) (*Flow, error) {
	flow := &Flow{
		ipc:       ipc,
		transport: transport,
		localCEP:  ep.SrcCEP,
		peerCEP:   ep.DstCEP,
		peerAddr:  ep.PeerAddr,
	}

	txFn := func(dstAddr uint64, buf *pdubuf.Buf, maySleep bool) error {
		return rmt.Tx(ipc, dstAddr, buf, maySleep)
	}

	allOpts := append([]dtp.Option{dtp.WithLogger(ipc.logger)}, opts...)
	flow.dtp = dtp.New(cfg, ep, txFn, deliver, allOpts...)

	ipc.mu.Lock()
	if _, exists := ipc.flows[ep.SrcCEP]; exists {
		ipc.mu.Unlock()
		return nil, fmt.Errorf("%w: cep %d already bound", ErrInvalid, ep.SrcCEP)
	}
	ipc.flows[ep.SrcCEP] = flow
	ipc.mu.Unlock()

	ipc.group.Go(func() error {
		<-ipc.ctx.Done()
		flow.dtp.Close()
		return nil
	})

	return flow, nil
}

// FlowFini tears down flow: it unlinks every PDUFT entry that routed
// through it (in case it was also serving as a relay's lower-flow
// handle), stops its DTP's timers, and removes it from the flow table.
func (ipc *IPCP) FlowFini(flow *Flow) {
	ipc.pduft.UnlinkFlow(flow)
	flow.dtp.Close()

	ipc.mu.Lock()
	delete(ipc.flows, flow.localCEP)
	ipc.mu.Unlock()
}
