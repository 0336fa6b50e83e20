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
	"testing"

	"pgregory.net/rapid"

	"github.com/irati-labs/rina-normal/internal/pci"
	"github.com/irati-labs/rina-normal/pdubuf"
)

// randomPermutation draws a random permutation of 0..n-1 without relying
// on a specific rapid combinator for permutations: it repeatedly draws an
// index into a shrinking pool.
func randomPermutation(t *rapid.T, n int) []int {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}

	out := make([]int, 0, n)
	for len(pool) > 0 {
		idx := rapid.IntRange(0, len(pool)-1).Draw(t, "idx")
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	return out
}

// TestPropertyReceiveInvariants checks, across random arrival orders of a
// run of consecutive seqnums, that RcvLWEPriv never regresses and that the
// out-of-order holding queue always stays seqnum-sorted with no
// duplicates, each strictly bounded below by RcvLWEPriv and above by
// MaxSeqNumRcvd.
func TestPropertyReceiveInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		order := randomPermutation(t, n)

		u := &fakeUpper{}
		cfg := FlowConfig{
			DTCPPresent: true,
			MaxSDUGap:   int64(n),
			DTCP:        DTCPConfig{RtxControl: true},
		}
		d := New(cfg, testEndpoint(), u.tx, u.deliver)

		var prevLWEPriv uint64
		for _, s := range order {
			hdr := pci.DT{Type: pci.TypeDT, Seqnum: uint64(s)}
			if s == 0 {
				hdr.Flags = pci.DRF
			}
			_, buf := dataBuf(hdr, []byte("p"))
			d.HandleData(hdr, buf)

			d.mu.Lock()
			if d.rcvLWEPriv < prevLWEPriv {
				d.mu.Unlock()
				t.Fatalf("rcvLWEPriv regressed: %d -> %d", prevLWEPriv, d.rcvLWEPriv)
			}
			prevLWEPriv = d.rcvLWEPriv

			seen := make(map[uint64]bool, len(d.seqq))
			for i, item := range d.seqq {
				if seen[item.seqnum] {
					d.mu.Unlock()
					t.Fatalf("seqq has duplicate seqnum %d", item.seqnum)
				}
				seen[item.seqnum] = true

				if item.seqnum <= d.rcvLWEPriv {
					d.mu.Unlock()
					t.Fatalf("seqq entry %d not above rcvLWEPriv %d", item.seqnum, d.rcvLWEPriv)
				}
				if item.seqnum > d.maxSeqNumRcvd {
					d.mu.Unlock()
					t.Fatalf("seqq entry %d above maxSeqNumRcvd %d", item.seqnum, d.maxSeqNumRcvd)
				}
				if i > 0 && d.seqq[i-1].seqnum >= item.seqnum {
					d.mu.Unlock()
					t.Fatalf("seqq not strictly sorted at index %d", i)
				}
			}
			d.mu.Unlock()
		}
	})
}

// TestPropertyRtxqSortedAndPostAckInvariant checks that the retransmission
// queue stays strictly seqnum-sorted through a run of sends, and that
// acknowledging up to a random seqnum removes every entry at or below it
// while preserving the sort order of what remains.
func TestPropertyRtxqSortedAndPostAckInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		u := &fakeUpper{}
		cfg := FlowConfig{DTCPPresent: true, DTCP: DTCPConfig{RtxControl: true}}
		d := New(cfg, testEndpoint(), u.tx, u.deliver)

		nWrites := rapid.IntRange(1, 15).Draw(t, "nWrites")
		for i := 0; i < nWrites; i++ {
			if err := d.SDUWrite(pdubuf.New(pci.Size, []byte("x")), false); err != nil {
				t.Fatalf("unexpected SDUWrite error: %v", err)
			}
		}

		d.mu.Lock()
		for i := 1; i < len(d.rtxq); i++ {
			if d.rtxq[i-1].seqnum >= d.rtxq[i].seqnum {
				d.mu.Unlock()
				t.Fatalf("rtxq not strictly sorted before ack at index %d", i)
			}
		}
		maxSeqnum := d.rtxq[len(d.rtxq)-1].seqnum
		d.mu.Unlock()

		ackUpTo := rapid.Uint64Range(0, maxSeqnum).Draw(t, "ackUpTo")
		ackCtrl := pci.Ctrl{
			DT:            pci.DT{Type: pci.CtrlMask | pci.AckBit | pci.AckSubACK},
			AckNackSeqNum: ackUpTo,
		}
		if err := d.HandleControl(ackCtrl); err != nil {
			t.Fatalf("HandleControl: %v", err)
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		for i, item := range d.rtxq {
			if item.seqnum <= ackUpTo {
				t.Fatalf("rtxq retains acked seqnum %d <= %d", item.seqnum, ackUpTo)
			}
			if i > 0 && d.rtxq[i-1].seqnum >= item.seqnum {
				t.Fatalf("rtxq not strictly sorted after ack at index %d", i)
			}
		}
	})
}
