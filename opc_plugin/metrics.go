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


package opc_plugin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// valuesTotal counts values turned into messages, by how they were obtained.
	valuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opc_input_values_total",
			Help: "Total number of OPC values emitted as messages",
		},
		[]string{"server_id", "mode"},
	)

	droppedAlarmsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opc_input_dropped_alarms_total",
			Help: "Total number of alarm events dropped because the input was not reading",
		},
		[]string{"server_id"},
	)

	reconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opc_connection_attempts_total",
			Help: "Total number of connection attempts by result",
		},
		[]string{"server_id", "result"},
	)

	writesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opc_output_writes_total",
			Help: "Total number of write requests by result",
		},
		[]string{"server_id", "result"},
	)
)

const (
	modePoll      = "poll"
	modeSubscribe = "subscribe"
	modeHistory   = "history"
	modeAlarm     = "alarm"

	writeOK       = "ok"
	writeRejected = "rejected"
	writeError    = "error"
)
