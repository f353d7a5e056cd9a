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

package opc

import (
	"fmt"
	"strings"
)

// NodeAddress identifies a tag or item within a server's namespace.
//
// DA, HDA and A&C servers use flat item paths and leave the namespace unset.
// UA addresses carry the namespace index next to the identifier ("s=Tag", "i=85", ...).
// NodeAddress is a comparable value type, two addresses are equal when identifier
// and namespace are equal.
type NodeAddress struct {
	Identifier   string
	Namespace    uint16
	HasNamespace bool
}

// NewNodeAddress returns a flat item address as used by DA, HDA and A&C servers.
func NewNodeAddress(identifier string) NodeAddress {
	return NodeAddress{Identifier: identifier}
}

// NewUANodeAddress returns an address inside the given UA namespace.
func NewUANodeAddress(namespace uint16, identifier string) NodeAddress {
	return NodeAddress{Identifier: identifier, Namespace: namespace, HasNamespace: true}
}

// IsRoot reports whether the address denotes the root of the server's namespace.
func (n NodeAddress) IsRoot() bool {
	return strings.TrimSpace(n.Identifier) == ""
}

func (n NodeAddress) String() string {
	if n.HasNamespace {
		return fmt.Sprintf("ns=%d;%s", n.Namespace, n.Identifier)
	}
	return n.Identifier
}

// IsRootAddress reports whether a Browse start node means "browse from the root".
// A nil start node is treated like an empty one.
func IsRootAddress(n *NodeAddress) bool {
	return n == nil || n.IsRoot()
}
