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

// Package dtp implements the Data Transfer Protocol state machine: the
// per-flow send and receive paths, their sliding windows and queues, and
// the retransmission and inactivity timers that drive them.
package dtp

import "time"

// Defaults applied by New when a FlowConfig leaves the corresponding
// field at its zero value.
const (
	DefaultInitialTRMs   = 1000
	DefaultDataRxMsMax   = 10
	DefaultMPLMs         = 10000
	DefaultSeqqMax       = 64
	DefaultMaxCwqLen     = 16
	DefaultMaxRtxqLen    = 64
	DefaultInitialCredit = 64

	// dropRuleATimer is a documented deviation from the configured
	// initial_a_ms: the drop rule in the receive path always treats the
	// receiver's A-timer as zero, matching the literal the lineage of
	// this implementation hardcodes rather than reading initial_a_ms.
	dropRuleATimer = 0
)

// FCType names a flow-control discipline.
type FCType string

// Supported FCType values.
const (
	FCWindow FCType = "Window"
	FCNone   FCType = "None"
)

// WindowConfig parameterises window-based flow control.
type WindowConfig struct {
	InitialCredit uint64 `yaml:"initial_credit"`
	MaxCwqLen     int    `yaml:"max_cwq_len"`
}

// FCConfig is the dtcp.fc block.
type FCConfig struct {
	Type   FCType       `yaml:"type"`
	Window WindowConfig `yaml:"window"`
}

// RtxConfig is the dtcp.rtx block.
type RtxConfig struct {
	InitialTRMs int64 `yaml:"initial_tr_ms"`
	DataRxMsMax int64 `yaml:"data_rxms_max"`
}

// DTCPConfig is the dtcp block of a FlowConfig.
type DTCPConfig struct {
	FlowControl bool       `yaml:"flow_control"`
	FC          FCConfig   `yaml:"fc"`
	RtxControl  bool       `yaml:"rtx_control"`
	Rtx         RtxConfig  `yaml:"rtx"`
	InitialAMs  int64      `yaml:"initial_a_ms"`
	MaxRtxqLen  int        `yaml:"max_rtxq_len"`
}

// FlowConfig is the YAML-loadable per-flow configuration described in the
// data model: whether DTCP is present, in-order delivery and gap
// tolerance, and (when DTCP is present) flow-control and
// retransmission-control parameters.
type FlowConfig struct {
	DTCPPresent     bool       `yaml:"dtcp_present"`
	InOrderDelivery bool       `yaml:"in_order_delivery"`
	MaxSDUGap       int64      `yaml:"max_sdu_gap"`
	SeqqMax         int        `yaml:"seqq_max"`
	DTCP            DTCPConfig `yaml:"dtcp"`
	MPLMs           int64      `yaml:"mpl_ms"`
}

// windowFC reports whether window-based flow control is active.
func (c FlowConfig) windowFC() bool {
	return c.DTCPPresent && c.DTCP.FlowControl && c.DTCP.FC.Type == FCWindow
}

// rtxControl reports whether retransmission control is active.
func (c FlowConfig) rtxControl() bool {
	return c.DTCPPresent && c.DTCP.RtxControl
}

// normalized returns a copy of c with every unset field replaced by its
// documented default.
func (c FlowConfig) normalized() FlowConfig {
	if c.DTCP.Rtx.InitialTRMs == 0 {
		c.DTCP.Rtx.InitialTRMs = DefaultInitialTRMs
	}
	if c.DTCP.Rtx.DataRxMsMax == 0 {
		c.DTCP.Rtx.DataRxMsMax = DefaultDataRxMsMax
	}
	if c.MPLMs == 0 {
		c.MPLMs = DefaultMPLMs
	}
	if c.SeqqMax == 0 {
		c.SeqqMax = DefaultSeqqMax
	}
	if c.DTCP.FC.Window.MaxCwqLen == 0 {
		c.DTCP.FC.Window.MaxCwqLen = DefaultMaxCwqLen
	}
	if c.DTCP.FC.Window.InitialCredit == 0 {
		c.DTCP.FC.Window.InitialCredit = DefaultInitialCredit
	}
	if c.DTCP.MaxRtxqLen == 0 {
		c.DTCP.MaxRtxqLen = DefaultMaxRtxqLen
	}

	return c
}

// mplRA computes MPL + R + A, where R = initial_tr * data_rxms_max and A
// is the configured dtcp.initial_a_ms. This A is distinct from the drop
// rule's own A (see dropRuleATimer), which the drop rule always treats as
// zero regardless of this configured value.
func (c FlowConfig) mplRA() time.Duration {
	mpl := time.Duration(c.MPLMs) * time.Millisecond
	r := time.Duration(c.DTCP.Rtx.InitialTRMs*c.DTCP.Rtx.DataRxMsMax) * time.Millisecond
	a := time.Duration(c.DTCP.InitialAMs) * time.Millisecond

	return mpl + r + a
}

func (c FlowConfig) rtxTmrInt() time.Duration {
	return time.Duration(c.DTCP.Rtx.InitialTRMs) * time.Millisecond
}
