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

package rmt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/irati-labs/rina-normal/pdubuf"
)

type fakeLowerFlow struct {
	writes   []*pdubuf.Buf
	blockN   int // number of calls to refuse with ErrWouldBlock before accepting
	failWith error
	ready    chan struct{}
}

func newFakeLowerFlow() *fakeLowerFlow {
	return &fakeLowerFlow{ready: make(chan struct{}, 1)}
}

func (f *fakeLowerFlow) Write(buf *pdubuf.Buf, maySleep bool) error {
	if f.failWith != nil {
		return f.failWith
	}
	if f.blockN > 0 {
		f.blockN--
		return ErrWouldBlock
	}
	f.writes = append(f.writes, buf)
	return nil
}

func (f *fakeLowerFlow) WriteReady() <-chan struct{} { return f.ready }

type fakeTarget struct {
	addr     uint64
	routes   map[uint64]LowerFlow
	deferred *DeferredQueue
	rxed     []*pdubuf.Buf
}

func newFakeTarget(addr uint64) *fakeTarget {
	return &fakeTarget{
		addr:     addr,
		routes:   make(map[uint64]LowerFlow),
		deferred: NewDeferredQueue(zap.NewNop()),
	}
}

func (t *fakeTarget) Addr() uint64 { return t.addr }

func (t *fakeTarget) PDUFTLookup(dstAddr uint64) (LowerFlow, bool) {
	f, ok := t.routes[dstAddr]
	return f, ok
}

func (t *fakeTarget) SDURx(buf *pdubuf.Buf) error {
	t.rxed = append(t.rxed, buf)
	return nil
}

func (t *fakeTarget) Defer(buf *pdubuf.Buf, lower LowerFlow) bool {
	return t.deferred.Push(buf, lower)
}

func (t *fakeTarget) Logger() *zap.Logger { return zap.NewNop() }

func TestTxLoopback(t *testing.T) {
	target := newFakeTarget(1)
	buf := pdubuf.New(0, []byte("x"))

	err := Tx(target, 1, buf, false)
	require.NoError(t, err)
	assert.Len(t, target.rxed, 1)
}

func TestTxNoRoute(t *testing.T) {
	target := newFakeTarget(1)
	buf := pdubuf.New(0, []byte("x"))

	err := Tx(target, 99, buf, false)
	assert.True(t, errors.Is(err, ErrNoRoute))
}

func TestTxWritesThroughLowerFlow(t *testing.T) {
	target := newFakeTarget(1)
	lower := newFakeLowerFlow()
	target.routes[2] = lower
	buf := pdubuf.New(0, []byte("x"))

	err := Tx(target, 2, buf, false)
	require.NoError(t, err)
	assert.Equal(t, []*pdubuf.Buf{buf}, lower.writes)
}

func TestTxDefersOnWouldBlockNoSleep(t *testing.T) {
	target := newFakeTarget(1)
	lower := newFakeLowerFlow()
	lower.blockN = 1000 // never accepts directly
	target.routes[2] = lower
	buf := pdubuf.New(0, []byte("x"))

	err := Tx(target, 2, buf, false)
	require.NoError(t, err)
	assert.Equal(t, 1, target.deferred.Len())
	assert.True(t, buf.TxCompleteFlow != nil)
}

func TestTxDeferredQueueFullDrops(t *testing.T) {
	target := newFakeTarget(1)
	lower := newFakeLowerFlow()
	lower.blockN = 1000
	target.routes[2] = lower

	for i := 0; i < MaxDeferredQueueLen; i++ {
		buf := pdubuf.New(0, []byte("x"))
		require.NoError(t, Tx(target, 2, buf, false))
	}
	assert.Equal(t, MaxDeferredQueueLen, target.deferred.Len())

	overflow := pdubuf.New(0, []byte("overflow"))
	require.NoError(t, Tx(target, 2, overflow, false))
	assert.Equal(t, MaxDeferredQueueLen, target.deferred.Len())
}

func TestDeferredQueueDrainRetriesInOrder(t *testing.T) {
	q := NewDeferredQueue(zap.NewNop())
	lower := newFakeLowerFlow()
	lower.blockN = 1

	bufs := []*pdubuf.Buf{
		pdubuf.New(0, []byte("a")),
		pdubuf.New(0, []byte("b")),
		pdubuf.New(0, []byte("c")),
	}
	for _, b := range bufs {
		require.True(t, q.Push(b, lower))
	}

	// Drain: the first Write call (for "a") still blocks (blockN=1), so
	// "a" stays queued; "b" and "c" succeed once blockN reaches zero.
	q.Drain()
	assert.Equal(t, 1, q.Len())
}

func TestDeferredQueueDropsOnHardError(t *testing.T) {
	q := NewDeferredQueue(zap.NewNop())
	lower := newFakeLowerFlow()
	lower.failWith = errors.New("boom")

	buf := pdubuf.New(0, []byte("x"))
	require.True(t, q.Push(buf, lower))

	q.Drain()
	assert.Equal(t, 0, q.Len())
	assert.True(t, buf.Detached())
}
