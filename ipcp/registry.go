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

package ipcp

import (
	"fmt"
	"sync"
)

// Factory constructs an IPCP for a named process type (e.g. "normal",
// or a variant carrying a non-default Stats label set).
type Factory func(addr uint64, opts ...Option) *IPCP

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a Factory under name, overwriting any previous
// registration. It is normally called from an init function by whatever
// package assembles a concrete IPCP variant.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = f
}

// NewFromRegistry constructs the IPCP registered under name. It returns an error if no
// factory was registered under that name.
func NewFromRegistry(name string, addr uint64, opts ...Option) (*IPCP, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: no ipcp factory registered under %q", ErrInvalid, name)
	}

	return f(addr, opts...), nil
}
