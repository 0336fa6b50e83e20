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

// Package pdubuf implements the owned PDU buffer used to carry payloads
// and stacked protocol headers (PCIs) through the send and receive paths.
package pdubuf

import (
	"errors"
	"time"
)

// ErrNoSpace is returned by PushPCI when the buffer's head reserve is
// exhausted.
var ErrNoSpace = errors.New("pdubuf: no space left in head reserve")

// ErrUnderflow is returned by PopPCI when the requested header is larger
// than the remaining payload.
var ErrUnderflow = errors.New("pdubuf: payload underflow")

// A QueueTag names one of the three DTP queues or the RMT deferred queue,
// used to enforce that a Buf is linked into at most one queue at a time.
// This is the Go translation of the intrusive list-node discipline
// described in the design notes: a discriminated owner field instead of a
// literal linked-list pointer.
type QueueTag string

// Queue tag values. A Buf not linked into any queue has the zero tag.
const (
	TagCWQ         QueueTag = "cwq"
	TagRTXQ        QueueTag = "rtxq"
	TagSeqQ        QueueTag = "seqq"
	TagRMTDeferred QueueTag = "rmtq"
)

// A Buf is an owned byte buffer with a reserved header prefix, used to
// carry a PDU (and, while staged for retransmission, its scheduling
// metadata) through the stack.
//
// A Buf is exclusively owned by whoever holds a reference to it until it
// is enqueued on one of the DTP queues or the RMT deferred queue, at
// which point ownership transfers to that queue. Clone produces an
// independent owned copy suitable for parking in a different queue while
// the original continues its own life (e.g. dispatch now, but also sit in
// rtxq for retransmission later).
type Buf struct {
	data  []byte
	start int
	end   int

	tag QueueTag

	// RtxDeadline is the monotonic time at which this Buf (when parked in
	// a retransmission queue) should be retransmitted. Zero means "not
	// scheduled".
	RtxDeadline time.Time

	// TxCompleteFlow is an opaque back-reference to the lower flow this
	// Buf is waiting to be written to, set only while parked on the RMT
	// deferred-send queue so the drain worker knows where to retry the
	// write. Callers that enqueue onto that queue set it; nothing else
	// should read or write it.
	TxCompleteFlow interface{}

	// Seqnum is set by the receive path, just before delivering this Buf
	// to the upper layer, to the seqnum of the DT PCI that was just
	// stripped. It lets a later SDURxConsumed call identify which seqnum
	// is being acknowledged without needing the (already popped) header.
	Seqnum uint64
}

// New allocates a Buf with room for headroom bytes of stacked headers in
// front of payload. The returned Buf owns a copy of payload.
func New(headroom int, payload []byte) *Buf {
	data := make([]byte, headroom+len(payload))
	copy(data[headroom:], payload)

	return &Buf{
		data:  data,
		start: headroom,
		end:   headroom + len(payload),
	}
}

// NewCtrl allocates a headroom-only Buf intended to carry a control PCI
// with no payload; the entire headroom is available to PushPCI.
func NewCtrl(headroom int) *Buf {
	return &Buf{
		data:  make([]byte, headroom),
		start: headroom,
		end:   headroom,
	}
}

// Len returns the number of payload bytes currently between the logical
// start and end of the buffer (i.e. excluding consumed head reserve).
func (b *Buf) Len() int {
	return b.end - b.start
}

// Headroom returns the number of bytes still available for PushPCI.
func (b *Buf) Headroom() int {
	return b.start
}

// Bytes returns the current logical contents of the buffer (header(s)
// still present, if any, followed by payload).
func (b *Buf) Bytes() []byte {
	return b.data[b.start:b.end]
}

// PushPCI reserves n bytes immediately before the current logical start
// of the buffer and returns them for the caller to fill with a stamped
// PCI. It fails with ErrNoSpace if the head reserve is exhausted.
func (b *Buf) PushPCI(n int) ([]byte, error) {
	if b.start < n {
		return nil, ErrNoSpace
	}

	b.start -= n
	return b.data[b.start : b.start+n], nil
}

// PopPCI returns the n bytes at the current logical start of the buffer
// (the PCI to be parsed) and advances the logical start past them. It
// fails with ErrUnderflow if fewer than n bytes of payload remain.
func (b *Buf) PopPCI(n int) ([]byte, error) {
	if b.end-b.start < n {
		return nil, ErrUnderflow
	}

	pci := b.data[b.start : b.start+n]
	b.start += n
	return pci, nil
}

// Clone returns an independent owned copy of b, including any unconsumed
// head reserve, but with no queue membership and no TxCompleteFlow. It is
// used to stage a retransmittable copy of a Buf that is also being
// dispatched immediately, and by the retransmission timer to produce the
// copies it hands off to RMT.
func (b *Buf) Clone() *Buf {
	data := make([]byte, len(b.data))
	copy(data, b.data)

	return &Buf{
		data:  data,
		start: b.start,
		end:   b.end,
	}
}

// MarkQueued and MarkDequeued are used by the DTP queues and the RMT
// deferred queue to enforce single-queue-membership at the point of
// enqueue and dequeue. They panic on misuse because a double-queued Buf
// is a bug in this package's callers, not a runtime condition a caller
// can recover from.
func (b *Buf) MarkQueued(t QueueTag) {
	if b.tag != "" {
		panic("pdubuf: Buf already linked into queue " + string(b.tag))
	}
	b.tag = t
}

// MarkDequeued clears the queue tag previously set by MarkQueued. It
// panics if t does not match the current tag.
func (b *Buf) MarkDequeued(t QueueTag) {
	if b.tag != t {
		panic("pdubuf: Buf queue tag mismatch on dequeue")
	}
	b.tag = ""
}

// Detached reports whether b is not currently linked into any queue. It
// is exported for use by tests verifying the no-double-queueing
// invariant from the design notes.
func (b *Buf) Detached() bool {
	return b.tag == ""
}
