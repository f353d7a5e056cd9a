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
	"strings"
	"time"
)

// SubscriptionStatus is the lifecycle state of a UA monitored-item group.
type SubscriptionStatus int

const (
	SubscriptionInitializing SubscriptionStatus = iota
	SubscriptionActive
	SubscriptionError
	SubscriptionDisconnected
)

func (s SubscriptionStatus) String() string {
	switch s {
	case SubscriptionInitializing:
		return "Initializing"
	case SubscriptionActive:
		return "Active"
	case SubscriptionError:
		return "Error"
	case SubscriptionDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// SubscriptionParameters describe a monitored-item group to create.
type SubscriptionParameters struct {
	PublishingInterval time.Duration
	SamplingInterval   time.Duration
	QueueSize          uint32
	Nodes              []NodeAddress
}

// Subscription is a snapshot of an active monitored-item group.
type Subscription struct {
	ID                 string
	ServerID           string
	Nodes              []NodeAddress
	PublishingInterval time.Duration
	Status             SubscriptionStatus
}

// NotificationHandler receives one batch of data changes per notification, in
// the order the server delivered them. It runs on the session's notification
// goroutine and must hand slow work off instead of blocking.
type NotificationHandler func(subscriptionID string, values []DataValue)

// AlarmEvent is an alarm or condition notification from an A&C server.
type AlarmEvent struct {
	Source         NodeAddress
	EventID        string
	ConditionName  string
	Severity       uint32
	Message        string
	OccurrenceTime time.Time
	ActiveTime     time.Time
	AckRequired    bool
}

// AlarmHandler receives alarm events pushed by the server.
type AlarmHandler func(event AlarmEvent)

// AlarmAcknowledgement acknowledges one condition occurrence.
type AlarmAcknowledgement struct {
	Source         NodeAddress
	EventID        string
	ConditionName  string
	ActiveTime     time.Time
	AcknowledgerID string
	Comment        string
}

// Aggregate is a historical aggregate function.
type Aggregate int

const (
	AggregateRaw Aggregate = iota
	AggregateInterpolative
	AggregateAverage
	AggregateTimeAverage
	AggregateTotal
	AggregateMinimum
	AggregateMaximum
	AggregateStart
	AggregateEnd
	AggregateCount
	AggregateDelta
)

var aggregateNames = map[Aggregate]string{
	AggregateRaw:           "raw",
	AggregateInterpolative: "interpolative",
	AggregateAverage:       "average",
	AggregateTimeAverage:   "timeaverage",
	AggregateTotal:         "total",
	AggregateMinimum:       "minimum",
	AggregateMaximum:       "maximum",
	AggregateStart:         "start",
	AggregateEnd:           "end",
	AggregateCount:         "count",
	AggregateDelta:         "delta",
}

// aggregateAliases are the short names used in historical reports.
var aggregateAliases = map[string]Aggregate{
	"avg":          AggregateAverage,
	"min":          AggregateMinimum,
	"max":          AggregateMaximum,
	"interpolated": AggregateInterpolative,
	"time_average": AggregateTimeAverage,
}

func (a Aggregate) String() string {
	if name, ok := aggregateNames[a]; ok {
		return name
	}
	return "unknown"
}

// ParseAggregate matches name case-insensitively. ok is false for unknown names.
func ParseAggregate(name string) (Aggregate, bool) {
	norm := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aggregateAliases[norm]; ok {
		return alias, true
	}
	for agg, n := range aggregateNames {
		if n == norm {
			return agg, true
		}
	}
	return AggregateRaw, false
}
