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
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMplRAIncludesConfiguredA(t *testing.T) {
	cfg := FlowConfig{
		MPLMs: 10000,
		DTCP: DTCPConfig{
			Rtx:        RtxConfig{InitialTRMs: 100, DataRxMsMax: 10},
			InitialAMs: 500,
		},
	}.normalized()

	want := 10000*time.Millisecond + 100*10*time.Millisecond + 500*time.Millisecond
	assert.Equal(t, want, cfg.mplRA())
}

func TestMplRAZeroAIsNoOp(t *testing.T) {
	cfg := FlowConfig{
		MPLMs: 10000,
		DTCP:  DTCPConfig{Rtx: RtxConfig{InitialTRMs: 100, DataRxMsMax: 10}},
	}.normalized()

	want := 10000*time.Millisecond + 100*10*time.Millisecond
	assert.Equal(t, want, cfg.mplRA())
}
