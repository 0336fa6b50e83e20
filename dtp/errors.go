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

import "errors"

// ErrWouldBlock is returned by SDUWrite when admission is refused: the
// closed-window queue or the retransmission queue is at capacity. The
// caller is expected to retry.
var ErrWouldBlock = errors.New("dtp: send would block")

// ErrOutOfMemory is returned by SDUWrite when cloning a buffer for the
// retransmission queue fails. Clone failures on the control path (CWQ
// drain, retransmission timer) and control-PDU build failures are logged
// and do not return it. In this Go implementation failure is injected
// through a constructor hook for tests rather than arising from real
// allocator exhaustion.
var ErrOutOfMemory = errors.New("dtp: allocation failed")

// ErrNotControlPDU is returned by HandleControl when given a PDU whose
// type does not carry the CTRL bitmap bit.
var ErrNotControlPDU = errors.New("dtp: not a control PDU")
