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

package pduft

import "testing"

// flowHandle is a stand-in for the caller's lower-flow type: the table is
// generic over any comparable handle, and in this package nothing but
// identity matters.
type flowHandle struct {
	name string
}

func TestSetLookup(t *testing.T) {
	tbl := New[*flowHandle]()
	f1 := &flowHandle{name: "f1"}

	tbl.Set(10, f1)

	got, ok := tbl.Lookup(10)
	if !ok || got != f1 {
		t.Fatalf("Lookup(10) = %v, %v; want %v, true", got, ok, f1)
	}

	if _, ok := tbl.Lookup(99); ok {
		t.Fatalf("Lookup(99) unexpectedly found an entry")
	}
}

func TestSetReplaceRelinksFlow(t *testing.T) {
	tbl := New[*flowHandle]()
	f1 := &flowHandle{name: "f1"}
	f2 := &flowHandle{name: "f2"}

	tbl.Set(10, f1)
	tbl.Set(10, f2)

	got, ok := tbl.Lookup(10)
	if !ok || got != f2 {
		t.Fatalf("Lookup(10) = %v, %v; want %v, true", got, ok, f2)
	}

	if n := tbl.UnlinkFlow(f1); n != 0 {
		t.Fatalf("UnlinkFlow(f1) = %d, want 0 (entry was relinked to f2)", n)
	}
	if n := tbl.UnlinkFlow(f2); n != 1 {
		t.Fatalf("UnlinkFlow(f2) = %d, want 1", n)
	}
}

func TestDel(t *testing.T) {
	tbl := New[*flowHandle]()
	f1 := &flowHandle{name: "f1"}

	e := tbl.Set(10, f1)
	tbl.Del(e)

	if _, ok := tbl.Lookup(10); ok {
		t.Fatalf("Lookup(10) found an entry after Del")
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", tbl.Len())
	}
}

func TestUnlinkFlowRemovesAllEntriesForThatFlow(t *testing.T) {
	tbl := New[*flowHandle]()
	f1 := &flowHandle{name: "f1"}
	f2 := &flowHandle{name: "f2"}

	tbl.Set(10, f1)
	tbl.Set(20, f1)
	tbl.Set(30, f1)
	tbl.Set(40, f2)

	n := tbl.UnlinkFlow(f1)
	if n != 3 {
		t.Fatalf("UnlinkFlow(f1) = %d, want 3", n)
	}

	for _, addr := range []uint64{10, 20, 30} {
		if _, ok := tbl.Lookup(addr); ok {
			t.Fatalf("Lookup(%d) found an entry after UnlinkFlow(f1)", addr)
		}
	}

	if _, ok := tbl.Lookup(40); !ok {
		t.Fatalf("Lookup(40) lost its entry for an unrelated flow")
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
}

func TestUnlinkFlowMiddleOfListPreservesSiblings(t *testing.T) {
	tbl := New[*flowHandle]()
	f1 := &flowHandle{name: "f1"}

	tbl.Set(10, f1)
	e20 := tbl.Set(20, f1)
	tbl.Set(30, f1)

	// Delete the middle-indexed entry directly (not via UnlinkFlow) and
	// confirm the swap-with-last removal didn't corrupt a sibling's idx.
	tbl.Del(e20)

	if n := tbl.UnlinkFlow(f1); n != 2 {
		t.Fatalf("UnlinkFlow(f1) after Del = %d, want 2", n)
	}
}

func TestFlush(t *testing.T) {
	tbl := New[*flowHandle]()
	f1 := &flowHandle{name: "f1"}

	tbl.Set(10, f1)
	tbl.Set(20, f1)
	tbl.Flush()

	if tbl.Len() != 0 {
		t.Fatalf("Len() after Flush = %d, want 0", tbl.Len())
	}
	if n := tbl.UnlinkFlow(f1); n != 0 {
		t.Fatalf("UnlinkFlow(f1) after Flush = %d, want 0", n)
	}
}
