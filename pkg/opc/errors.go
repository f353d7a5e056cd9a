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
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is, one per typed error below.
var (
	ErrNotConnected         = errors.New("not connected")
	ErrCommunication        = errors.New("communication error")
	ErrConfiguration        = errors.New("configuration error")
	ErrProtocolNotSupported = errors.New("protocol not supported")
	ErrConversion           = errors.New("conversion error")
)

// errContext is the identity shared by all typed errors so that log lines can
// name the server, protocol, operation and node involved.
type errContext struct {
	Protocol ProtocolType
	ServerID string
	Op       string
	Node     *NodeAddress
}

func (c errContext) describe(kind string, cause error) string {
	var sb strings.Builder
	sb.WriteString(kind)
	var parts []string
	if c.Protocol != "" {
		parts = append(parts, "protocol="+string(c.Protocol))
	}
	if c.ServerID != "" {
		parts = append(parts, "server="+c.ServerID)
	}
	if c.Op != "" {
		parts = append(parts, "op="+c.Op)
	}
	if c.Node != nil {
		parts = append(parts, "node="+c.Node.String())
	}
	if len(parts) > 0 {
		sb.WriteString(" [")
		sb.WriteString(strings.Join(parts, " "))
		sb.WriteString("]")
	}
	if cause != nil {
		sb.WriteString(": ")
		sb.WriteString(cause.Error())
	}
	return sb.String()
}

// NotConnectedError is returned when an operation is attempted without an
// active session, including after Disconnect or a cancelled Connect. It is a
// communication failure too, so it matches both ErrNotConnected and
// ErrCommunication.
type NotConnectedError struct {
	Protocol ProtocolType
	ServerID string
	Op       string
	Err      error
}

func (e *NotConnectedError) Error() string {
	return errContext{Protocol: e.Protocol, ServerID: e.ServerID, Op: e.Op}.describe("not connected", e.Err)
}

func (e *NotConnectedError) Unwrap() error { return e.Err }
func (e *NotConnectedError) Is(target error) bool {
	return target == ErrNotConnected || target == ErrCommunication
}

// CommunicationError is a protocol-level failure during an otherwise valid operation.
type CommunicationError struct {
	Protocol ProtocolType
	ServerID string
	Op       string
	Node     *NodeAddress
	Err      error
}

func (e *CommunicationError) Error() string {
	return errContext{Protocol: e.Protocol, ServerID: e.ServerID, Op: e.Op, Node: e.Node}.describe("communication error", e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }
func (e *CommunicationError) Is(target error) bool { return target == ErrCommunication }

// ConfigurationError is an invalid or missing setup, detected before any network activity.
type ConfigurationError struct {
	Protocol ProtocolType
	ServerID string
	Op       string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return errContext{Protocol: e.Protocol, ServerID: e.ServerID, Op: e.Op}.describe("configuration error", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ProtocolNotSupportedError is returned for an operation that has no meaning for
// the protocol (Write on HDA). With an empty Op it reports a protocol value
// nobody can serve.
type ProtocolNotSupportedError struct {
	Protocol ProtocolType
	ServerID string
	Op       string
}

func (e *ProtocolNotSupportedError) Error() string {
	if e.Op == "" {
		return errContext{ServerID: e.ServerID}.describe("protocol not supported", fmt.Errorf("unknown protocol %q", string(e.Protocol)))
	}
	return errContext{Protocol: e.Protocol, ServerID: e.ServerID}.describe("protocol not supported", fmt.Errorf("%s is not available for %s", e.Op, e.Protocol))
}

func (e *ProtocolNotSupportedError) Is(target error) bool { return target == ErrProtocolNotSupported }

// ConversionError is a value or type that the converter cannot represent. It
// names the offending type so the failing tag can be fixed.
type ConversionError struct {
	Protocol ProtocolType
	Node     *NodeAddress
	TypeName string
	Err      error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("unsupported type %s", e.TypeName)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return errContext{Protocol: e.Protocol, Node: e.Node}.describe("conversion error", errors.New(msg))
}

func (e *ConversionError) Unwrap() error { return e.Err }
func (e *ConversionError) Is(target error) bool { return target == ErrConversion }

// NodeRef returns a pointer to a copy of n for use in error context fields.
func NodeRef(n NodeAddress) *NodeAddress {
	return &n
}

// AttachNode sets the node of a ConversionError that does not name one yet.
// Other errors are returned unchanged.
func AttachNode(err error, n NodeAddress) error {
	var convErr *ConversionError
	if errors.As(err, &convErr) && convErr.Node == nil {
		cp := *convErr
		cp.Node = NodeRef(n)
		return &cp
	}
	return err
}
