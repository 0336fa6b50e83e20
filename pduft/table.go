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

// Package pduft implements the PDU Forwarding Table: a concurrent map
// from destination address to a lower-flow handle, with entries also
// linked off their lower flow so that flow teardown can remove every
// entry referencing it.
package pduft

import "sync"

// An Entry is one PDUFT routing entry. It is owned by the Table it is
// linked into, and is additionally linked into the entry list of the
// lower flow it routes through, so UnlinkFlow can remove it in O(1) per
// entry without a table-wide scan.
type Entry[F comparable] struct {
	addr uint64
	flow F
	idx  int
}

// Addr returns the destination address this entry routes.
func (e *Entry[F]) Addr() uint64 { return e.addr }

// Flow returns the lower-flow handle this entry routes to.
func (e *Entry[F]) Flow() F { return e.flow }

// A Table is a concurrent PDU Forwarding Table, mapping a destination
// address to the lower-flow handle (of type F, typically a pointer to
// the caller's flow type) that reaches it.
//
// One mutex protects both the address index and every flow's entry list;
// Set, Del and Lookup are O(1) amortised, Flush is O(1) by discarding the
// backing maps (equivalent to, but cheaper than, deleting every entry one
// at a time).
type Table[F comparable] struct {
	mu     sync.Mutex
	byAddr map[uint64]*Entry[F]
	byFlow map[F][]*Entry[F]
}

// New returns an empty Table.
func New[F comparable]() *Table[F] {
	return &Table[F]{
		byAddr: make(map[uint64]*Entry[F]),
		byFlow: make(map[F][]*Entry[F]),
	}
}

// Set inserts a route to dstAddr through flow, or replaces the existing
// one. Replacement unlinks the prior entry from its previous flow's list
// and relinks it under flow.
func (t *Table[F]) Set(dstAddr uint64, flow F) *Entry[F] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byAddr[dstAddr]; ok {
		t.unlinkFromFlow(e)
		e.flow = flow
		t.linkToFlow(e)
		return e
	}

	e := &Entry[F]{addr: dstAddr, flow: flow}
	t.byAddr[dstAddr] = e
	t.linkToFlow(e)

	return e
}

// Del unlinks entry from the table and from its flow's entry list.
func (t *Table[F]) Del(e *Entry[F]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.unlinkFromFlow(e)
	delete(t.byAddr, e.addr)
}

// Flush drops all entries.
func (t *Table[F]) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byAddr = make(map[uint64]*Entry[F])
	t.byFlow = make(map[F][]*Entry[F])
}

// Lookup returns the lower-flow handle routing dstAddr, if any.
func (t *Table[F]) Lookup(dstAddr uint64) (flow F, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byAddr[dstAddr]
	if !ok {
		return flow, false
	}

	return e.flow, true
}

// UnlinkFlow removes every entry that routes through flow. It is called
// during flow teardown, before the flow itself is released, and returns
// the number of entries removed.
func (t *Table[F]) UnlinkFlow(flow F) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.byFlow[flow]
	for _, e := range list {
		delete(t.byAddr, e.addr)
	}
	delete(t.byFlow, flow)

	return len(list)
}

// Len returns the number of routing entries currently in the table. It
// is intended for tests and metrics, not for the hot path.
func (t *Table[F]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.byAddr)
}

// linkToFlow and unlinkFromFlow must be called with t.mu held.

func (t *Table[F]) linkToFlow(e *Entry[F]) {
	list := t.byFlow[e.flow]
	e.idx = len(list)
	t.byFlow[e.flow] = append(list, e)
}

func (t *Table[F]) unlinkFromFlow(e *Entry[F]) {
	list := t.byFlow[e.flow]
	last := len(list) - 1

	list[e.idx] = list[last]
	list[e.idx].idx = e.idx
	list = list[:last]

	if len(list) == 0 {
		delete(t.byFlow, e.flow)
	} else {
		t.byFlow[e.flow] = list
	}
}
