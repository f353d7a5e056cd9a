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
	"context"
	"time"
)

// Client is the contract every communicator implements.
//
// Protocol specific operations (UA subscriptions, HDA history queries, A&C
// acknowledgements) live on the concrete communicator types. A caller that
// needs them type-asserts to the concrete type.
type Client interface {
	Protocol() ProtocolType

	// Configure applies the configuration used by the next Connect. It never
	// performs network activity.
	Configure(cfg ClientConfiguration) error

	// Connect establishes the session. On any failure, including ctx
	// cancellation, no partial session is kept and the client stays disconnected.
	Connect(ctx context.Context) (Status, error)

	Disconnect(ctx context.Context)
	IsConnected() bool

	// Browse lists the children of start. A nil or empty start browses from the
	// server's root.
	Browse(ctx context.Context, start *NodeAddress) ([]NodeAddress, error)

	// Read returns one DataValue per requested node, in request order.
	Read(ctx context.Context, nodes []NodeAddress) ([]DataValue, error)

	// Write reports true only if the server accepted every value. Rejected items
	// are logged with their status.
	Write(ctx context.Context, values []DataValue) (bool, error)
}

// ConnectionState is the server state reported after Connect.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateRunning
	StateFailed
	StateNoConfig
	StateSuspended
	StateTest
	StateCommFault
	StateUnknown
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateRunning:
		return "Running"
	case StateFailed:
		return "Failed"
	case StateNoConfig:
		return "NoConfig"
	case StateSuspended:
		return "Suspended"
	case StateTest:
		return "Test"
	case StateCommFault:
		return "CommFault"
	default:
		return "Unknown"
	}
}

// Status describes the server after a successful Connect.
type Status struct {
	State      ConnectionState
	ServerName string
	Version    string
	Vendor     string
	StartTime  time.Time
}

// Logger is satisfied by both *zap.SugaredLogger and the benthos *service.Logger.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any) {}
func (NopLogger) Warnf(string, ...any) {}
func (NopLogger) Errorf(string, ...any) {}
