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
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"
	"golang.org/x/time/rate"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/buffer"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/factory"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/forward"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/hda"
)

const (
	SubscribeTimeoutContext   = 3 * time.Second
	DefaultPollRate           = 1000
	DefaultQueueSize          = 10
	DefaultPublishingInterval = 1000
	DefaultSamplingInterval   = 0

	messageChannelSize = 100
	alarmChannelSize   = 1000
	maxAlarmsPerBatch  = 100
)

var OPCConfigSpec = OPCConnectionConfigSpec.
	Summary("OPC input plugin").
	Description("The OPC input plugin reads values from an OPC UA, DA, XML-DA or HDA server, or alarm events from an A&C server, and sends them to Benthos.").
	Field(service.NewStringListField("nodeIDs").
		Description("List of nodes to read. UA node IDs (ns=2;s=Tag) or DA item IDs (Channel1.Device1.Tag1).").
		Default([]string{})).
	Field(service.NewBoolField("subscribeEnabled").
		Description("Set to true to subscribe to UA nodes instead of polling them. Other protocols always poll.").
		Default(false)).
	Field(service.NewIntField("publishingInterval").
		Description("The UA publishing interval in milliseconds.").
		Default(DefaultPublishingInterval)).
	Field(service.NewIntField("samplingInterval").
		Description("The UA sampling interval in milliseconds. 0 gets updates as fast as the server allows.").
		Default(DefaultSamplingInterval).
		Advanced()).
	Field(service.NewIntField("pollRate").
		Description("The rate in milliseconds at which to poll the server when not using subscriptions.").
		Default(DefaultPollRate)).
	Field(service.NewIntField("queueSize").
		Description("The size of the server side queue of each monitored UA node.").
		Default(DefaultQueueSize)).
	Field(service.NewIntField("bufferCapacity").
		Description("How many subscription values are kept per subscription while the pipeline is not reading. The oldest values are dropped first.").
		Default(buffer.DefaultCapacity).
		Advanced()).
	Field(service.NewStringField("aggregation").
		Description("HDA only: aggregate computed over each poll interval, e.g. average or maximum. Empty reads raw history.").
		Default("").
		Advanced())

func init() {
	err := service.RegisterBatchInput(
		"opc", OPCConfigSpec,
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchInput, error) {
			mgr.Logger().Infof("Created & maintained by the United Manufacturing Hub. About us: www.umh.app")
			in, err := newOPCInput(conf, mgr, registeredFactoryOptions()...)
			if err != nil {
				return nil, err
			}
			return service.AutoRetryNacksBatched(in), nil
		})
	if err != nil {
		panic(err)
	}
}

// subscriber is implemented by communicators that push data changes.
type subscriber interface {
	CreateSubscription(ctx context.Context, params opc.SubscriptionParameters, handler opc.NotificationHandler) (string, error)
	RemoveSubscription(ctx context.Context, subscriptionID string) error
	Subscriptions() []opc.Subscription
}

type alarmSource interface {
	SetAlarmHandler(h opc.AlarmHandler)
}

type historian interface {
	QueryHistoricalData(ctx context.Context, q hda.HistoryQuery) ([]opc.DataValue, error)
}

type OPCInput struct {
	*OPCConnection

	Nodes              []opc.NodeAddress
	SubscribeEnabled   bool
	PublishingInterval time.Duration
	SamplingInterval   time.Duration
	PollRate           int
	QueueSize          uint32
	Aggregation        string

	limiter        *rate.Limiter
	buf            *buffer.Buffer
	publisher      *channelPublisher
	forwarder      *forward.Forwarder
	forwarderOnce  sync.Once
	alarms         chan opc.AlarmEvent
	subscriptionID string
	historyFrom    time.Time
	historyPolled  bool
}

func newOPCInput(conf *service.ParsedConfig, mgr *service.Resources, opts ...factory.Option) (*OPCInput, error) {
	conn, err := ParseConnectionConfig(conf, mgr, opts...)
	if err != nil {
		return nil, err
	}

	nodeIDs, err := conf.FieldStringList("nodeIDs")
	if err != nil {
		return nil, err
	}
	subscribeEnabled, err := conf.FieldBool("subscribeEnabled")
	if err != nil {
		return nil, err
	}
	publishingInterval, err := conf.FieldInt("publishingInterval")
	if err != nil {
		return nil, err
	}
	samplingInterval, err := conf.FieldInt("samplingInterval")
	if err != nil {
		return nil, err
	}
	pollRate, err := conf.FieldInt("pollRate")
	if err != nil {
		return nil, err
	}
	queueSize, err := conf.FieldInt("queueSize")
	if err != nil {
		return nil, err
	}
	bufferCapacity, err := conf.FieldInt("bufferCapacity")
	if err != nil {
		return nil, err
	}
	aggregation, err := conf.FieldString("aggregation")
	if err != nil {
		return nil, err
	}

	// alarm inputs receive every event of the server, everything else needs nodes
	if len(nodeIDs) == 0 && conn.Config.Protocol != opc.ProtocolAC {
		return nil, errors.New("no nodeIDs provided")
	}
	if pollRate <= 0 {
		pollRate = DefaultPollRate
	}
	if queueSize < 0 {
		return nil, fmt.Errorf("queueSize must not be negative, got %d", queueSize)
	}

	nodes := make([]opc.NodeAddress, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes = append(nodes, opc.NewNodeAddress(id))
	}

	g := &OPCInput{
		OPCConnection:      conn,
		Nodes:              nodes,
		SubscribeEnabled:   subscribeEnabled,
		PublishingInterval: time.Duration(publishingInterval) * time.Millisecond,
		SamplingInterval:   time.Duration(samplingInterval) * time.Millisecond,
		PollRate:           pollRate,
		QueueSize:          uint32(queueSize),
		Aggregation:        aggregation,
		limiter:            rate.NewLimiter(rate.Every(time.Duration(pollRate)*time.Millisecond), 1),
		alarms:             make(chan opc.AlarmEvent, alarmChannelSize),
	}
	g.initPipeline(bufferCapacity, messageChannelSize)
	return g, nil
}

// initPipeline wires the subscription path: notifications go through the
// forwarder to the message channel and into the buffer while it is full.
func (g *OPCInput) initPipeline(bufferCapacity, channelSize int) {
	g.buf = buffer.New(buffer.WithLogger(g.Log), buffer.WithCapacity(bufferCapacity))
	g.publisher = newChannelPublisher(g.Config, g.Log, channelSize)
	g.forwarder = forward.New(g.publisher, g.buf, forward.WithLogger(g.Log))
}

func (g *OPCInput) prepare(client opc.Client) {
	if src, ok := client.(alarmSource); ok {
		src.SetAlarmHandler(g.onAlarm)
	}
}

func (g *OPCInput) onAlarm(ev opc.AlarmEvent) {
	select {
	case g.alarms <- ev:
	default:
		droppedAlarmsTotal.WithLabelValues(g.Config.ServerID).Inc()
		g.Log.Warnf("Dropping alarm %s of %s, the alarm channel is full", ev.EventID, ev.Source)
	}
}

// Connect establishes the connection and, for UA with subscribeEnabled,
// creates the subscription that feeds the forwarder.
func (g *OPCInput) Connect(ctx context.Context) error {
	if g.Client != nil {
		return nil
	}

	g.forwarderOnce.Do(func() {
		go func() {
			_ = g.forwarder.Run(context.Background())
		}()
	})

	if err := g.connect(ctx, g.prepare); err != nil {
		return err
	}

	g.historyFrom = time.Now()
	g.historyPolled = false
	g.subscriptionID = ""

	if !g.SubscribeEnabled || g.Config.Protocol == opc.ProtocolAC {
		return nil
	}
	sub, ok := g.Client.(subscriber)
	if !ok {
		g.Log.Warnf("Protocol %s does not support subscriptions, polling every %dms instead", g.Config.Protocol, g.PollRate)
		return nil
	}

	id, err := sub.CreateSubscription(ctx, opc.SubscriptionParameters{
		PublishingInterval: g.PublishingInterval,
		SamplingInterval:   g.SamplingInterval,
		QueueSize:          g.QueueSize,
		Nodes:              g.Nodes,
	}, g.forwarder.Deliver)
	if err != nil {
		g.disconnect(ctx)
		return fmt.Errorf("subscribe: %w", err)
	}
	g.subscriptionID = id
	g.Log.Infof("Subscribed to %d nodes of %s (subscription %s)", len(g.Nodes), g.Config.ServerID, id)
	return nil
}

// ReadBatch returns the next batch of messages. Subscriptions and alarm
// inputs wait for pushed data, everything else polls at PollRate.
func (g *OPCInput) ReadBatch(ctx context.Context) (service.MessageBatch, service.AckFunc, error) {
	if g.Client == nil {
		return nil, nil, service.ErrNotConnected
	}

	var (
		msgs service.MessageBatch
		err  error
	)
	switch {
	case g.Config.Protocol == opc.ProtocolAC:
		msgs, err = g.readAlarms(ctx)
	case g.subscriptionID != "":
		msgs, err = g.readSubscription(ctx)
	case g.Config.Protocol == opc.ProtocolHDA:
		msgs, err = g.readHistory(ctx)
	default:
		msgs, err = g.readPoll(ctx)
	}
	if err != nil {
		if errors.Is(err, opc.ErrNotConnected) {
			g.Log.Warnf("Connection to %s lost: %v", g.Config.ServerID, err)
			g.disconnect(ctx)
			return nil, nil, service.ErrNotConnected
		}
		return nil, nil, err
	}

	return msgs, func(ctx context.Context, err error) error {
		// Nacks are retried automatically when we use service.AutoRetryNacks
		return nil
	}, nil
}

func (g *OPCInput) readPoll(ctx context.Context) (service.MessageBatch, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	values, err := g.Client.Read(ctx, g.Nodes)
	if err != nil {
		return nil, err
	}
	batch := createBatch(g.Config, values, g.Log)
	valuesTotal.WithLabelValues(g.Config.ServerID, modePoll).Add(float64(len(batch)))
	return batch, nil
}

// readHistory polls the values the historian stored since the previous poll.
func (g *OPCInput) readHistory(ctx context.Context) (service.MessageBatch, error) {
	h, ok := g.Client.(historian)
	if !ok {
		return nil, &opc.ProtocolNotSupportedError{Protocol: g.Config.Protocol, ServerID: g.Config.ServerID, Op: "QueryHistoricalData"}
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start, end := g.historyFrom, time.Now()
	values, err := h.QueryHistoricalData(ctx, hda.HistoryQuery{
		Nodes:       g.Nodes,
		Start:       start,
		End:         end,
		Aggregation: g.Aggregation,
	})
	if err != nil {
		return nil, err
	}
	// consecutive windows share their boundary, values on it went out with the previous window
	if g.historyPolled {
		values = slices.DeleteFunc(values, func(dv opc.DataValue) bool { return dv.Timestamp().Equal(start) })
	}
	g.historyFrom = end
	g.historyPolled = true
	batch := createBatch(g.Config, values, g.Log)
	valuesTotal.WithLabelValues(g.Config.ServerID, modeHistory).Add(float64(len(batch)))
	return batch, nil
}

func (g *OPCInput) readSubscription(ctx context.Context) (service.MessageBatch, error) {
	ctxSubscribe, cancel := context.WithTimeout(ctx, SubscribeTimeoutContext)
	defer cancel()

	select {
	case batch := <-g.publisher.messages:
		return batch, nil
	case <-ctxSubscribe.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := g.checkSubscription(); err != nil {
			return nil, err
		}
		g.Log.Debugf("No data changes within %v", SubscribeTimeoutContext)
		return nil, nil
	}
}

// checkSubscription reports a lost connection when the session is gone or
// the server stopped publishing.
func (g *OPCInput) checkSubscription() error {
	notConnected := &opc.NotConnectedError{Protocol: g.Config.Protocol, ServerID: g.Config.ServerID, Op: "ReadBatch"}
	if !g.Client.IsConnected() {
		return notConnected
	}
	sub, ok := g.Client.(subscriber)
	if !ok {
		return nil
	}
	for _, s := range sub.Subscriptions() {
		if s.ID != g.subscriptionID {
			continue
		}
		if s.Status == opc.SubscriptionError || s.Status == opc.SubscriptionDisconnected {
			notConnected.Err = fmt.Errorf("subscription %s is %s", s.ID, s.Status)
			return notConnected
		}
		return nil
	}
	notConnected.Err = fmt.Errorf("subscription %s is gone", g.subscriptionID)
	return notConnected
}

func (g *OPCInput) readAlarms(ctx context.Context) (service.MessageBatch, error) {
	ctxAlarm, cancel := context.WithTimeout(ctx, SubscribeTimeoutContext)
	defer cancel()

	var events []opc.AlarmEvent
	select {
	case ev := <-g.alarms:
		events = append(events, ev)
	case <-ctxAlarm.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !g.Client.IsConnected() {
			return nil, &opc.NotConnectedError{Protocol: g.Config.Protocol, ServerID: g.Config.ServerID, Op: "ReadBatch"}
		}
		return nil, nil
	}

collect:
	for len(events) < maxAlarmsPerBatch {
		select {
		case ev := <-g.alarms:
			events = append(events, ev)
		default:
			break collect
		}
	}

	batch := make(service.MessageBatch, 0, len(events))
	for _, ev := range events {
		msg, err := createMessageFromAlarm(g.Config, ev)
		if err != nil {
			g.Log.Warnf("Skipping alarm %s: %v", ev.EventID, err)
			continue
		}
		batch = append(batch, msg)
	}
	valuesTotal.WithLabelValues(g.Config.ServerID, modeAlarm).Add(float64(len(batch)))
	return batch, nil
}

// Close removes the subscription, disconnects and stops the forwarder.
// Values still queued are kept in the buffer.
func (g *OPCInput) Close(ctx context.Context) error {
	if g.Client != nil && g.subscriptionID != "" {
		if sub, ok := g.Client.(subscriber); ok {
			if err := sub.RemoveSubscription(ctx, g.subscriptionID); err != nil {
				g.Log.Infof("Failed to remove subscription %s: %v", g.subscriptionID, err)
			}
		}
		g.subscriptionID = ""
	}
	g.disconnect(ctx)
	g.forwarder.Close()
	for _, id := range g.buf.SubscriptionIDs() {
		if n := g.buf.RemoveSubscription(id); n > 0 {
			g.Log.Warnf("Closing with %d buffered values of subscription %s", n, id)
		}
	}
	return nil
}
