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
	"os"

	"gopkg.in/yaml.v3"

	"github.com/irati-labs/rina-normal/dtp"
)

// LoadFlowConfig reads a dtp.FlowConfig from a YAML file at path. Fields
// left unset in the file take the defaults dtp.New applies.
func LoadFlowConfig(path string) (dtp.FlowConfig, error) {
	var cfg dtp.FlowConfig

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("ipcp: load flow config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("ipcp: parse flow config %s: %w", path, err)
	}

	return cfg, nil
}
