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

package uaclient

import (
	"github.com/gopcua/opcua/ua"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure reasons that are not a monitored item status.
const (
	reasonCreateFailed = "create_failed"
	reasonPublishError = "publish_error"
	reasonConversion   = "conversion_error"
)

var subscriptionFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "opc_subscription_failures_total",
		Help: "Total number of OPC UA subscription failures by reason",
	},
	[]string{"reason"},
)

func recordSubscriptionFailure(reason string) {
	subscriptionFailuresTotal.WithLabelValues(reason).Inc()
}

// classifyFailureReason maps a monitored item status code to a metric label.
func classifyFailureReason(statusCode ua.StatusCode) string {
	switch statusCode {
	case ua.StatusBadFilterNotAllowed:
		return "filter_not_allowed"
	case ua.StatusBadMonitoredItemFilterUnsupported:
		return "filter_unsupported"
	case ua.StatusBadNodeIDUnknown:
		return "node_id_unknown"
	case ua.StatusBadNodeIDInvalid:
		return "node_id_invalid"
	case ua.StatusBadTooManyMonitoredItems:
		return "too_many_monitored_items"
	default:
		return "other"
	}
}
