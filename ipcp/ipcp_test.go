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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irati-labs/rina-normal/dtp"
	"github.com/irati-labs/rina-normal/internal/pci"
	"github.com/irati-labs/rina-normal/pdubuf"
	"github.com/irati-labs/rina-normal/rmt"
)

// fakeTransport is a rmt.LowerFlow double standing in for a lower-DIF
// conduit, capturing every write it accepts.
type fakeTransport struct {
	mu      sync.Mutex
	written []*pdubuf.Buf
	ready   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ready: make(chan struct{})}
}

func (t *fakeTransport) Write(buf *pdubuf.Buf, maySleep bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, buf)
	return nil
}

func (t *fakeTransport) WriteReady() <-chan struct{} { return t.ready }

func (t *fakeTransport) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.written)
}

func collectPayloads(mu *sync.Mutex, delivered *[][]byte) dtp.DeliverFunc {
	return func(buf *pdubuf.Buf) error {
		mu.Lock()
		defer mu.Unlock()
		b := make([]byte, buf.Len())
		copy(b, buf.Bytes())
		*delivered = append(*delivered, b)
		return nil
	}
}

func TestLoopbackSelfAddressedFlowDelivers(t *testing.T) {
	ipc := New(1)
	defer ipc.Close()

	var mu sync.Mutex
	var delivered [][]byte

	ep := dtp.Endpoint{LocalAddr: 1, PeerAddr: 1, SrcCEP: 10, DstCEP: 10}
	flow, err := ipc.FlowInit(dtp.FlowConfig{InOrderDelivery: true}, ep, nil, collectPayloads(&mu, &delivered))
	require.NoError(t, err)

	for _, payload := range [][]byte{[]byte("one"), []byte("two"), []byte("three")} {
		buf := pdubuf.New(pci.Size, payload)
		require.NoError(t, ipc.SDUWrite(flow, buf, false))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 3)
	assert.Equal(t, []byte("one"), delivered[0])
	assert.Equal(t, []byte("two"), delivered[1])
	assert.Equal(t, []byte("three"), delivered[2])
}

func TestFlowInitDuplicateCEPErrors(t *testing.T) {
	ipc := New(1)
	defer ipc.Close()

	ep := dtp.Endpoint{LocalAddr: 1, PeerAddr: 1, SrcCEP: 10, DstCEP: 10}
	_, err := ipc.FlowInit(dtp.FlowConfig{}, ep, nil, func(*pdubuf.Buf) error { return nil })
	require.NoError(t, err)

	_, err = ipc.FlowInit(dtp.FlowConfig{}, ep, nil, func(*pdubuf.Buf) error { return nil })
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPDUFTRoutingThroughRelayFlow(t *testing.T) {
	ipc := New(1)
	defer ipc.Close()

	transport := newFakeTransport()
	relayEp := dtp.Endpoint{LocalAddr: 1, PeerAddr: 2, SrcCEP: 30, DstCEP: 40}
	relay, err := ipc.FlowInit(dtp.FlowConfig{}, relayEp, transport, func(*pdubuf.Buf) error { return nil })
	require.NoError(t, err)

	ipc.PDUFTSet(99, relay)

	buf := pdubuf.New(pci.Size, []byte("relayed"))
	hdrBytes, err := buf.PushPCI(pci.Size)
	require.NoError(t, err)
	dt := pci.DT{DstAddr: 99, SrcAddr: 1, Type: pci.TypeDT}
	copy(hdrBytes, dt.Marshal())

	require.NoError(t, ipc.SDURx(buf))
	assert.Equal(t, 1, transport.len())
}

func TestMgmtSDUWriteResolvesLowerFlowByAddr(t *testing.T) {
	ipc := New(1)
	defer ipc.Close()

	transport := newFakeTransport()
	relayEp := dtp.Endpoint{LocalAddr: 1, PeerAddr: 2, SrcCEP: 30, DstCEP: 40}
	relay, err := ipc.FlowInit(dtp.FlowConfig{}, relayEp, transport, func(*pdubuf.Buf) error { return nil })
	require.NoError(t, err)
	ipc.PDUFTSet(99, relay)

	buf := pdubuf.New(pci.Size, []byte("mgmt"))
	lowerIPCP, lowerFlow, err := ipc.MgmtSDUWrite(&MgmtHeader{DstAddr: 99}, buf)
	require.NoError(t, err)
	assert.Same(t, ipc, lowerIPCP)
	assert.Same(t, relay, lowerFlow)

	hdr, err := pci.Unmarshal(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, pci.TypeMGMT, hdr.Type)
	assert.Equal(t, uint64(99), hdr.DstAddr)
}

func TestMgmtSDUWriteNoRouteIsHostUnreachable(t *testing.T) {
	ipc := New(1)
	defer ipc.Close()

	buf := pdubuf.New(pci.Size, []byte("mgmt"))
	_, _, err := ipc.MgmtSDUWrite(&MgmtHeader{DstAddr: 404}, buf)
	require.ErrorIs(t, err, rmt.ErrHostUnreachable)
}

func TestConfigAddress(t *testing.T) {
	ipc := New(1)
	defer ipc.Close()

	require.NoError(t, ipc.Config("address", "42"))
	assert.Equal(t, uint64(42), ipc.Addr())

	assert.ErrorIs(t, ipc.Config("bogus", "x"), ErrInvalid)
}

func TestCloseUnlinksPDUFTAndStopsTimers(t *testing.T) {
	ipc := New(1)

	transport := newFakeTransport()
	relayEp := dtp.Endpoint{LocalAddr: 1, PeerAddr: 2, SrcCEP: 30, DstCEP: 40}
	relay, err := ipc.FlowInit(dtp.FlowConfig{}, relayEp, transport, func(*pdubuf.Buf) error { return nil })
	require.NoError(t, err)
	ipc.PDUFTSet(99, relay)

	require.Equal(t, 1, ipc.pduft.Len())
	require.NoError(t, ipc.Close())
	assert.Equal(t, 0, ipc.pduft.Len())
}

func TestRegistry(t *testing.T) {
	Register("test-variant", func(addr uint64, opts ...Option) *IPCP {
		return New(addr, opts...)
	})

	ipc, err := NewFromRegistry("test-variant", 7)
	require.NoError(t, err)
	defer ipc.Close()
	assert.Equal(t, uint64(7), ipc.Addr())

	_, err = NewFromRegistry("no-such-variant", 7)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFlowGetStatsReflectsDTPCounters(t *testing.T) {
	ipc := New(1)
	defer ipc.Close()

	ep := dtp.Endpoint{LocalAddr: 1, PeerAddr: 1, SrcCEP: 11, DstCEP: 11}
	flow, err := ipc.FlowInit(dtp.FlowConfig{}, ep, nil, func(*pdubuf.Buf) error { return nil })
	require.NoError(t, err)

	require.NoError(t, ipc.SDUWrite(flow, pdubuf.New(pci.Size, []byte("x")), false))

	stats := ipc.FlowGetStats(flow)
	assert.Equal(t, uint64(1), stats.TxPkt)
}
