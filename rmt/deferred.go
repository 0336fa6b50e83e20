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
	"sync"

	"go.uber.org/zap"

	"github.com/irati-labs/rina-normal/pdubuf"
)

// MaxDeferredQueueLen is the bound on the IPCP-wide deferred-send queue
// (RMTQMaxLen in the design notes).
const MaxDeferredQueueLen = 64

type deferredEntry struct {
	buf   *pdubuf.Buf
	lower LowerFlow
}

// A DeferredQueue holds PDUs that a non-sleeping Tx could not write
// immediately because the lower flow reported ErrWouldBlock. It is
// drained by a background worker each time a lower flow signals
// WriteReady.
type DeferredQueue struct {
	mu      sync.Mutex
	entries []deferredEntry
	logger  *zap.Logger
}

// NewDeferredQueue returns an empty DeferredQueue. logger may be nil in
// tests.
func NewDeferredQueue(logger *zap.Logger) *DeferredQueue {
	return &DeferredQueue{logger: logger}
}

// Push parks buf for later delivery through lower. It returns false,
// leaving buf untouched, if the queue is already at MaxDeferredQueueLen.
func (q *DeferredQueue) Push(buf *pdubuf.Buf, lower LowerFlow) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= MaxDeferredQueueLen {
		return false
	}

	buf.MarkQueued(pdubuf.TagRMTDeferred)
	buf.TxCompleteFlow = lower
	q.entries = append(q.entries, deferredEntry{buf: buf, lower: lower})

	return true
}

// Len reports the current queue depth. Used by ipcp.Stats as a gauge.
func (q *DeferredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Drain retries every queued write, in FIFO order, against its lower
// flow. Entries that still would block stay queued, in their original
// order; entries that fail with any other error are dropped and logged.
func (q *DeferredQueue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := q.entries[:0]
	for _, e := range q.entries {
		err := e.lower.Write(e.buf, false)
		switch {
		case err == nil:
			e.buf.MarkDequeued(pdubuf.TagRMTDeferred)
			e.buf.TxCompleteFlow = nil

		case errors.Is(err, ErrWouldBlock):
			remaining = append(remaining, e)

		default:
			if q.logger != nil {
				q.logger.Warn("rmt: deferred write failed, dropping PDU", zap.Error(err))
			}
			e.buf.MarkDequeued(pdubuf.TagRMTDeferred)
			e.buf.TxCompleteFlow = nil
		}
	}
	q.entries = remaining
}
