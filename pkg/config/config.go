// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

// FullConfig is the servers file.
type FullConfig struct {
	Servers []opc.ClientConfiguration `yaml:"servers"`
	Buffer  BufferConfig              `yaml:"buffer,omitempty"`
}

// BufferConfig sizes the subscription buffer.
type BufferConfig struct {
	// Capacity is the default per-subscription capacity, 0 keeps the built-in default.
	Capacity int `yaml:"capacity,omitempty"`
}

// Server returns the configuration of the server with the given id.
func (c FullConfig) Server(id string) (opc.ClientConfiguration, bool) {
	for _, s := range c.Servers {
		if s.ServerID == id {
			return s, true
		}
	}
	return opc.ClientConfiguration{}, false
}

// normalize resolves protocol aliases and validates every server.
func (c *FullConfig) normalize() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.ServerID == "" {
			return fmt.Errorf("server %d has no serverId", i)
		}
		if _, dup := seen[s.ServerID]; dup {
			return fmt.Errorf("duplicate serverId %q", s.ServerID)
		}
		seen[s.ServerID] = struct{}{}

		if p, ok := opc.ParseProtocolType(string(s.Protocol)); ok {
			s.Protocol = p
		}
		if err := s.Validate(); err != nil {
			return err
		}
	}
	if c.Buffer.Capacity < 0 {
		return fmt.Errorf("buffer capacity must be positive, got %d", c.Buffer.Capacity)
	}
	return nil
}
