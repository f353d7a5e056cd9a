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

package com

import (
	"context"
	"time"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

// ServerState is the OPCSERVERSTATE reported by GetStatus.
type ServerState int

const (
	ServerStateUnknown   ServerState = 0
	ServerStateRunning   ServerState = 1
	ServerStateFailed    ServerState = 2
	ServerStateNoConfig  ServerState = 3
	ServerStateSuspended ServerState = 4
	ServerStateTest      ServerState = 5
	ServerStateCommFault ServerState = 6
)

// ConnectionState maps a server state onto the protocol neutral enumeration.
func (s ServerState) ConnectionState() opc.ConnectionState {
	switch s {
	case ServerStateRunning:
		return opc.StateRunning
	case ServerStateFailed:
		return opc.StateFailed
	case ServerStateNoConfig:
		return opc.StateNoConfig
	case ServerStateSuspended:
		return opc.StateSuspended
	case ServerStateTest:
		return opc.StateTest
	case ServerStateCommFault:
		return opc.StateCommFault
	default:
		return opc.StateUnknown
	}
}

func (s ServerState) String() string { return s.ConnectionState().String() }

// ServerStatus is the result of GetStatus.
type ServerStatus struct {
	State          ServerState
	ProductName    string
	ProductVersion string
	VendorInfo     string
	StartTime      time.Time
}

// ItemValue is one item of a read result. Err is set when the server rejected
// the item; Value and Quality are then meaningless.
type ItemValue struct {
	ItemID    string
	Value     Variant
	Quality   uint16
	Timestamp time.Time
	Err       error
}

// ItemWrite is one item of a write request.
type ItemWrite struct {
	ItemID string
	Value  Variant
}

// ItemResult is the per-item outcome of a batch call. A nil Err means success.
type ItemResult struct {
	ItemID string
	Err    error
}

// Session is the part shared by DA, HDA and A&C server objects.
type Session interface {
	// Connect creates the server object. It may return before the server is
	// usable, callers check Status afterwards.
	Connect(ctx context.Context) error
	Status(ctx context.Context) (ServerStatus, error)
	Close() error
}

// DASession is a DA (or XML-DA) server connection.
type DASession interface {
	Session
	// Browse returns the fully qualified item IDs below branch. An empty branch
	// is the root of the address space.
	Browse(ctx context.Context, branch string) ([]string, error)
	// Read may return items in any order and may omit items.
	Read(ctx context.Context, itemIDs []string) ([]ItemValue, error)
	Write(ctx context.Context, items []ItemWrite) ([]ItemResult, error)
}

// AggregateInfo is one aggregate function a HDA server supports.
type AggregateInfo struct {
	ID   uint32
	Name string
}

// HistoryRawRequest reads stored values of each item in [Start, End].
type HistoryRawRequest struct {
	ItemIDs       []string
	Start         time.Time
	End           time.Time
	MaxValues     uint32
	IncludeBounds bool
}

// HistoryProcessedRequest computes AggregateID over intervals of ResampleInterval.
type HistoryProcessedRequest struct {
	ItemIDs          []string
	Start            time.Time
	End              time.Time
	AggregateID      uint32
	ResampleInterval time.Duration
}

// HistoryItem holds the values of one item in time order.
type HistoryItem struct {
	ItemID string
	Values []ItemValue
	Err    error
}

// HDASession is a HDA server connection.
type HDASession interface {
	Session
	Browse(ctx context.Context, branch string) ([]string, error)
	Aggregates(ctx context.Context) ([]AggregateInfo, error)
	ReadRaw(ctx context.Context, req HistoryRawRequest) ([]HistoryItem, error)
	ReadProcessed(ctx context.Context, req HistoryProcessedRequest) ([]HistoryItem, error)
}

// EventNotification is one event of an ONEVENTSTRUCT batch.
type EventNotification struct {
	Source        string
	Cookie        string
	ConditionName string
	SubCondition  string
	Severity      uint32
	Message       string
	Time          time.Time
	ActiveTime    time.Time
	AckRequired   bool
	Quality       uint16
}

// AckRequest acknowledges one condition. Cookie identifies the event occurrence.
type AckRequest struct {
	Source         string
	ConditionName  string
	ActiveTime     time.Time
	Cookie         string
	AcknowledgerID string
	Comment        string
}

// AESession is an A&C (Alarms and Events) server connection.
type AESession interface {
	Session
	// BrowseAreas lists the child areas and sources of area.
	BrowseAreas(ctx context.Context, area string) ([]string, error)
	// Subscribe installs the event sink. The session calls onEvents from its own
	// goroutine, one call per batch sent by the server.
	Subscribe(ctx context.Context, onEvents func([]EventNotification)) error
	// Acknowledge returns one result per request, ItemID holding the cookie.
	Acknowledge(ctx context.Context, acks []AckRequest) ([]ItemResult, error)
}

// Dialers create an unconnected session for a server. A platform bridge
// provides them; none is built in for classic COM.
type (
	DialDA  func(cfg opc.ClientConfiguration) (DASession, error)
	DialHDA func(cfg opc.ClientConfiguration) (HDASession, error)
	DialAE  func(cfg opc.ClientConfiguration) (AESession, error)
)
