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

// Package pci implements the wire encoding of the DT and CTRL PCIs (the
// per-PDU headers described in the data model). The spec mandates only
// field semantics, not a byte-exact layout, so this package is free to
// pick one: the fixed-size DT fields are packed with encoding/binary, and
// the CTRL-only fields are appended as a block of netlink-style
// attributes using github.com/mdlayher/netlink, the same TLV codec the
// lineage of this repository uses for OVS flow keys — repurposed here
// away from a live generic-netlink socket (out of scope) and toward a
// plain, socket-free attribute codec.
package pci

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

// PDUType is the type/flag octet of a PCI. The low bits of a CTRL PCI's
// PDUType carry the ACK/NACK/SACK/SNACK subtype; the high bits are a
// bitmap over {CTRL, ACK_BIT, FC_BIT}.
type PDUType uint8

// Base PDU types and CTRL bitmap/subtype bits.
const (
	TypeDT   PDUType = 0x01
	TypeMGMT PDUType = 0x02

	CtrlMask PDUType = 0x80
	AckBit   PDUType = 0x40
	FCBit    PDUType = 0x20

	AckSubMask  PDUType = 0x07
	AckSubNone  PDUType = 0x00
	AckSubACK   PDUType = 0x01
	AckSubNACK  PDUType = 0x02
	AckSubSACK  PDUType = 0x03
	AckSubSNACK PDUType = 0x04
)

// IsCtrl reports whether t carries the CTRL bitmap bit.
func (t PDUType) IsCtrl() bool { return t&CtrlMask == CtrlMask }

// HasAck reports whether t carries the ACK bit.
func (t PDUType) HasAck() bool { return t&AckBit == AckBit }

// HasFC reports whether t carries the FC bit.
func (t PDUType) HasFC() bool { return t&FCBit == FCBit }

// AckSubtype extracts the ACK/NACK/SACK/SNACK subtype bits.
func (t PDUType) AckSubtype() PDUType { return t & AckSubMask }

// PDUFlags is the flags octet of a DT PCI. Only the low bit (DRF) is
// currently meaningful.
type PDUFlags uint8

// DRF is the Data-Run Flag: set on the first PDU of a new run.
const DRF PDUFlags = 0x01

// ConnID identifies a connection endpoint pair.
type ConnID struct {
	QosID  uint8
	SrcCEP uint64
	DstCEP uint64
}

// DT is the header carried by data/management PDUs.
type DT struct {
	DstAddr uint64
	SrcAddr uint64
	ConnID  ConnID
	Type    PDUType
	Flags   PDUFlags
	Len     uint16
	Seqnum  uint64
}

// Size is the on-wire size, in bytes, of a marshaled DT header.
const Size = 8 + 8 + 1 + 8 + 8 + 1 + 1 + 2 + 8

// Marshal encodes h into a Size-byte slice.
func (h *DT) Marshal() []byte {
	b := make([]byte, Size)
	off := 0
	binary.BigEndian.PutUint64(b[off:], h.DstAddr)
	off += 8
	binary.BigEndian.PutUint64(b[off:], h.SrcAddr)
	off += 8
	b[off] = h.ConnID.QosID
	off++
	binary.BigEndian.PutUint64(b[off:], h.ConnID.SrcCEP)
	off += 8
	binary.BigEndian.PutUint64(b[off:], h.ConnID.DstCEP)
	off += 8
	b[off] = byte(h.Type)
	off++
	b[off] = byte(h.Flags)
	off++
	binary.BigEndian.PutUint16(b[off:], h.Len)
	off += 2
	binary.BigEndian.PutUint64(b[off:], h.Seqnum)

	return b
}

// Unmarshal decodes a DT header from b, which must be at least Size bytes.
func Unmarshal(b []byte) (DT, error) {
	var h DT
	if len(b) < Size {
		return h, fmt.Errorf("pci: short DT header: %d bytes", len(b))
	}

	off := 0
	h.DstAddr = binary.BigEndian.Uint64(b[off:])
	off += 8
	h.SrcAddr = binary.BigEndian.Uint64(b[off:])
	off += 8
	h.ConnID.QosID = b[off]
	off++
	h.ConnID.SrcCEP = binary.BigEndian.Uint64(b[off:])
	off += 8
	h.ConnID.DstCEP = binary.BigEndian.Uint64(b[off:])
	off += 8
	h.Type = PDUType(b[off])
	off++
	h.Flags = PDUFlags(b[off])
	off++
	h.Len = binary.BigEndian.Uint16(b[off:])
	off += 2
	h.Seqnum = binary.BigEndian.Uint64(b[off:])

	return h, nil
}

// Ctrl extends DT with the fields used by control PDUs.
type Ctrl struct {
	DT

	LastCtrlSeqNumRcvd uint64
	AckNackSeqNum      uint64
	NewRWE             uint64
	NewLWE             uint64
	MyRWE              uint64
	MyLWE              uint64
}

// Attribute type codes for the CTRL extension block.
const (
	attrLastCtrlSeqNumRcvd uint16 = iota + 1
	attrAckNackSeqNum
	attrNewRWE
	attrNewLWE
	attrMyRWE
	attrMyLWE
)

// ErrUnknownAttribute is returned by UnmarshalCtrl if the extension block
// contains an attribute type this codec does not recognize.
var ErrUnknownAttribute = errors.New("pci: unknown ctrl attribute")

// Marshal encodes c's DT header followed by its CTRL-only fields as a
// netlink attribute block.
func (c *Ctrl) Marshal() ([]byte, error) {
	attrs := []netlink.Attribute{
		{Type: attrLastCtrlSeqNumRcvd, Data: nlenc.Uint64Bytes(c.LastCtrlSeqNumRcvd)},
		{Type: attrAckNackSeqNum, Data: nlenc.Uint64Bytes(c.AckNackSeqNum)},
		{Type: attrNewRWE, Data: nlenc.Uint64Bytes(c.NewRWE)},
		{Type: attrNewLWE, Data: nlenc.Uint64Bytes(c.NewLWE)},
		{Type: attrMyRWE, Data: nlenc.Uint64Bytes(c.MyRWE)},
		{Type: attrMyLWE, Data: nlenc.Uint64Bytes(c.MyLWE)},
	}

	ext, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return nil, fmt.Errorf("pci: marshal ctrl attributes: %w", err)
	}

	return append(c.DT.Marshal(), ext...), nil
}

// UnmarshalCtrl decodes a Ctrl header from b: Size bytes of DT header
// followed by a netlink attribute block carrying the CTRL-only fields.
func UnmarshalCtrl(b []byte) (Ctrl, error) {
	var c Ctrl

	base, err := Unmarshal(b)
	if err != nil {
		return c, err
	}
	c.DT = base

	attrs, err := netlink.UnmarshalAttributes(b[Size:])
	if err != nil {
		return c, fmt.Errorf("pci: unmarshal ctrl attributes: %w", err)
	}

	for _, a := range attrs {
		switch a.Type {
		case attrLastCtrlSeqNumRcvd:
			c.LastCtrlSeqNumRcvd = nlenc.Uint64(a.Data)
		case attrAckNackSeqNum:
			c.AckNackSeqNum = nlenc.Uint64(a.Data)
		case attrNewRWE:
			c.NewRWE = nlenc.Uint64(a.Data)
		case attrNewLWE:
			c.NewLWE = nlenc.Uint64(a.Data)
		case attrMyRWE:
			c.MyRWE = nlenc.Uint64(a.Data)
		case attrMyLWE:
			c.MyLWE = nlenc.Uint64(a.Data)
		default:
			return c, fmt.Errorf("%w: type %d", ErrUnknownAttribute, a.Type)
		}
	}

	return c, nil
}
