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

// Package rmt implements the Relay and Multiplexing Task: given a
// destination address and an owned buffer, it resolves a lower flow
// through the PDU Forwarding Table and writes to it, looping back to the
// local IPCP on a self-addressed PDU and deferring on backpressure.
package rmt

import (
	"errors"
	"fmt"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/irati-labs/rina-normal/pdubuf"
)

// ErrWouldBlock is returned by a LowerFlow's Write when it cannot accept
// the buffer without blocking.
var ErrWouldBlock = errors.New("rmt: lower flow write would block")

// ErrNoRoute is returned by Tx when the PDUFT has no route for dstAddr and
// dstAddr does not name the local IPCP.
var ErrNoRoute = errors.New("rmt: no route to destination")

// ErrHostUnreachable is returned by management-PDU sends to an address
// with no route.
var ErrHostUnreachable = errors.New("rmt: host unreachable")

// A LowerFlow is anything Tx can hand an owned buffer to: a flow in a
// lower-ranked DIF, or (conceptually) a shim to the physical medium.
type LowerFlow interface {
	// Write attempts to send buf. It returns nil on success, ErrWouldBlock
	// if the flow cannot accept it right now, or another error.
	Write(buf *pdubuf.Buf, maySleep bool) error

	// WriteReady is closed or signals whenever the flow may be able to
	// accept a write again after having returned ErrWouldBlock.
	WriteReady() <-chan struct{}
}

// A Target is the subset of the IPCP that Tx needs. It is declared here,
// rather than depending on package ipcp directly, because ipcp in turn
// depends on rmt for the LowerFlow contract and the deferred queue.
type Target interface {
	// Addr returns the local IPCP's address, for loopback detection.
	Addr() uint64

	// PDUFTLookup resolves the lower flow routing to dstAddr, if any.
	PDUFTLookup(dstAddr uint64) (LowerFlow, bool)

	// SDURx delivers a loopback PDU addressed to this IPCP to itself.
	SDURx(buf *pdubuf.Buf) error

	// Defer parks buf on the bounded deferred-send queue for lower,
	// returning false if the queue is full (the buffer was dropped).
	Defer(buf *pdubuf.Buf, lower LowerFlow) bool

	// Logger returns the IPCP's structured logger.
	Logger() *zap.Logger
}

// Tx implements the RMT send procedure: resolve a route, loop back on a
// self-addressed PDU, or write to the lower flow — deferring on
// backpressure when the caller may not sleep, and cooperatively waiting
// on the lower flow's write-ready signal when it may.
func Tx(t Target, dstAddr uint64, buf *pdubuf.Buf, maySleep bool) error {
	lower, ok := t.PDUFTLookup(dstAddr)
	if !ok {
		if dstAddr == t.Addr() {
			return t.SDURx(buf)
		}

		return fmt.Errorf("rmt: tx to %d: %w", dstAddr, ErrNoRoute)
	}

	for {
		err := lower.Write(buf, maySleep)
		switch {
		case err == nil:
			return nil

		case errors.Is(err, ErrWouldBlock) && !maySleep:
			if !t.Defer(buf, lower) {
				t.Logger().Warn("rmt: deferred-send queue full, dropping PDU",
					zap.Uint64("dst_addr", dstAddr),
					zap.String("correlation_id", xid.New().String()),
				)
			}

			return nil

		case errors.Is(err, ErrWouldBlock):
			<-lower.WriteReady()
			continue

		default:
			return fmt.Errorf("rmt: tx to %d: %w", dstAddr, err)
		}
	}
}
