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
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

const timestampFormat = "2006-01-02T15:04:05.000000Z07:00"

var errPublisherFull = errors.New("message channel is full")

// createMessageFromValue encodes the value as JSON and carries the rest of the
// DataValue in metadata.
func createMessageFromValue(cfg opc.ClientConfiguration, dv opc.DataValue) (*service.Message, error) {
	b, err := json.Marshal(dv.Value().Interface())
	if err != nil {
		return nil, err
	}
	msg := service.NewMessage(b)
	msg.MetaSet("opc_server_id", cfg.ServerID)
	msg.MetaSet("opc_protocol", string(cfg.Protocol))
	msg.MetaSet("opc_node", dv.Node().String())
	msg.MetaSet("opc_quality", dv.Quality().Status.String())
	msg.MetaSet("opc_status_code", "0x"+strconv.FormatUint(uint64(dv.Quality().SubCode), 16))
	msg.MetaSet("opc_data_type", dv.Value().Kind().String())
	if ts := dv.Timestamp(); !ts.IsZero() {
		msg.MetaSet("opc_source_timestamp", ts.Format(timestampFormat))
	}
	return msg, nil
}

// createBatch converts values, skipping the ones that cannot be encoded.
func createBatch(cfg opc.ClientConfiguration, values []opc.DataValue, log *service.Logger) service.MessageBatch {
	batch := make(service.MessageBatch, 0, len(values))
	for _, dv := range values {
		msg, err := createMessageFromValue(cfg, dv)
		if err != nil {
			log.Warnf("Skipping value of %s: %v", dv.Node(), err)
			continue
		}
		batch = append(batch, msg)
	}
	return batch
}

type alarmPayload struct {
	EventID        string    `json:"eventId"`
	Source         string    `json:"source"`
	Condition      string    `json:"condition"`
	Severity       uint32    `json:"severity"`
	Message        string    `json:"message"`
	OccurrenceTime time.Time `json:"occurrenceTime"`
	ActiveTime     time.Time `json:"activeTime"`
	AckRequired    bool      `json:"ackRequired"`
}

func createMessageFromAlarm(cfg opc.ClientConfiguration, ev opc.AlarmEvent) (*service.Message, error) {
	b, err := json.Marshal(alarmPayload{
		EventID:        ev.EventID,
		Source:         ev.Source.String(),
		Condition:      ev.ConditionName,
		Severity:       ev.Severity,
		Message:        ev.Message,
		OccurrenceTime: ev.OccurrenceTime,
		ActiveTime:     ev.ActiveTime,
		AckRequired:    ev.AckRequired,
	})
	if err != nil {
		return nil, err
	}
	msg := service.NewMessage(b)
	msg.MetaSet("opc_server_id", cfg.ServerID)
	msg.MetaSet("opc_protocol", string(cfg.Protocol))
	msg.MetaSet("opc_node", ev.Source.String())
	msg.MetaSet("opc_alarm_condition", ev.ConditionName)
	msg.MetaSet("opc_alarm_severity", strconv.FormatUint(uint64(ev.Severity), 10))
	if !ev.OccurrenceTime.IsZero() {
		msg.MetaSet("opc_source_timestamp", ev.OccurrenceTime.Format(timestampFormat))
	}
	return msg, nil
}

// channelPublisher hands subscription batches to ReadBatch. It never blocks:
// a full channel makes it unhealthy so the forwarder buffers instead.
type channelPublisher struct {
	cfg      opc.ClientConfiguration
	log      *service.Logger
	messages chan service.MessageBatch
}

func newChannelPublisher(cfg opc.ClientConfiguration, log *service.Logger, size int) *channelPublisher {
	return &channelPublisher{cfg: cfg, log: log, messages: make(chan service.MessageBatch, size)}
}

func (p *channelPublisher) Publish(_ context.Context, _ string, values []opc.DataValue) error {
	batch := createBatch(p.cfg, values, p.log)
	if len(batch) == 0 {
		return nil
	}
	select {
	case p.messages <- batch:
		valuesTotal.WithLabelValues(p.cfg.ServerID, modeSubscribe).Add(float64(len(batch)))
		return nil
	default:
		return errPublisherFull
	}
}

func (p *channelPublisher) Healthy() bool {
	return len(p.messages) < cap(p.messages)
}
