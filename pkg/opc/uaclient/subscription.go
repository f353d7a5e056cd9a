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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

const (
	// monitorBatchSize keeps CreateMonitoredItems requests below the limits of
	// small embedded servers.
	monitorBatchSize = 100
	notifyBuffer     = 256
	defaultQueueSize = 1
)

type subscription struct {
	id       string
	serverID string
	interval time.Duration
	handler  opc.NotificationHandler
	group    MonitorGroup
	notify   chan *opcua.PublishNotificationData

	// nodes and types are indexed by client handle.
	nodes []opc.NodeAddress
	types []ua.TypeID

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	status    opc.SubscriptionStatus
	monitored []opc.NodeAddress
}

func (s *subscription) setStatus(status opc.SubscriptionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *subscription) snapshot() opc.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return opc.Subscription{
		ID:                 s.id,
		ServerID:           s.serverID,
		Nodes:              append([]opc.NodeAddress(nil), s.monitored...),
		PublishingInterval: s.interval,
		Status:             s.status,
	}
}

// CreateSubscription creates a monitored-item group for params.Nodes and
// returns its id. handler is called once per data change notification, in
// the order the server published them, on a goroutine owned by the
// subscription. Nodes the server refuses to monitor are logged and counted;
// the call fails only if no node could be monitored.
func (c *Client) CreateSubscription(ctx context.Context, params opc.SubscriptionParameters, handler opc.NotificationHandler) (string, error) {
	session, serverID, err := c.active("CreateSubscription")
	if err != nil {
		return "", err
	}
	if handler == nil {
		return "", &opc.ConfigurationError{Protocol: opc.ProtocolUA, ServerID: serverID, Op: "CreateSubscription",
			Err: errors.New("notification handler is required")}
	}
	if len(params.Nodes) == 0 {
		return "", &opc.ConfigurationError{Protocol: opc.ProtocolUA, ServerID: serverID, Op: "CreateSubscription",
			Err: errors.New("no nodes to monitor")}
	}
	ids, err := c.parseNodes(serverID, "CreateSubscription", params.Nodes)
	if err != nil {
		return "", err
	}
	types, err := c.declaredTypes(ctx, session, ids)
	if err != nil {
		return "", c.failed(ctx, session, serverID, "CreateSubscription", nil, err)
	}

	interval := params.PublishingInterval
	if interval <= 0 {
		interval = opcua.DefaultSubscriptionInterval
	}
	s := &subscription{
		id:       uuid.NewString(),
		serverID: serverID,
		interval: interval,
		handler:  handler,
		notify:   make(chan *opcua.PublishNotificationData, notifyBuffer),
		nodes:    append([]opc.NodeAddress(nil), params.Nodes...),
		types:    types,
		done:     make(chan struct{}),
		status:   opc.SubscriptionInitializing,
	}

	s.group, err = session.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: interval}, s.notify)
	if err != nil {
		recordSubscriptionFailure(reasonCreateFailed)
		return "", c.failed(ctx, session, serverID, "CreateSubscription", nil, err)
	}

	if err := c.monitor(ctx, s, ids, params); err != nil {
		if cancelErr := s.group.Cancel(ctx); cancelErr != nil {
			c.log.Warnf("Cancelling subscription %s on %s: %v", s.id, serverID, cancelErr)
		}
		return "", c.failed(ctx, session, serverID, "CreateSubscription", nil, err)
	}
	if len(s.monitored) == 0 {
		if cancelErr := s.group.Cancel(ctx); cancelErr != nil {
			c.log.Warnf("Cancelling subscription %s on %s: %v", s.id, serverID, cancelErr)
		}
		return "", &opc.CommunicationError{Protocol: opc.ProtocolUA, ServerID: serverID, Op: "CreateSubscription",
			Err: fmt.Errorf("none of %d nodes could be monitored", len(params.Nodes))}
	}

	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		_ = s.group.Cancel(ctx)
		return "", &opc.NotConnectedError{Protocol: opc.ProtocolUA, ServerID: serverID, Op: "CreateSubscription"}
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.status = opc.SubscriptionActive
	c.subs[s.id] = s
	c.mu.Unlock()

	go s.run(pumpCtx, c.log)

	c.log.Infof("Subscription %s on %s monitors %d/%d nodes every %s", s.id, serverID, len(s.monitored), len(params.Nodes), interval)
	return s.id, nil
}

// monitor registers the monitored items in batches. The client handle of an
// item is its index in params.Nodes.
func (c *Client) monitor(ctx context.Context, s *subscription, ids []*ua.NodeID, params opc.SubscriptionParameters) error {
	queueSize := params.QueueSize
	if queueSize == 0 {
		queueSize = defaultQueueSize
	}
	sampling := float64(params.SamplingInterval) / float64(time.Millisecond)

	for start := 0; start < len(ids); start += monitorBatchSize {
		end := min(start+monitorBatchSize, len(ids))
		reqs := make([]*ua.MonitoredItemCreateRequest, 0, end-start)
		for i := start; i < end; i++ {
			reqs = append(reqs, &ua.MonitoredItemCreateRequest{
				ItemToMonitor: &ua.ReadValueID{
					NodeID:       ids[i],
					AttributeID:  ua.AttributeIDValue,
					DataEncoding: &ua.QualifiedName{},
				},
				MonitoringMode: ua.MonitoringModeReporting,
				RequestedParameters: &ua.MonitoringParameters{
					ClientHandle:     uint32(i),
					DiscardOldest:    true,
					QueueSize:        queueSize,
					SamplingInterval: sampling,
				},
			})
		}

		resp, err := s.group.Monitor(ctx, ua.TimestampsToReturnBoth, reqs...)
		if err != nil {
			recordSubscriptionFailure(reasonCreateFailed)
			return fmt.Errorf("monitor nodes %d-%d: %w", start, end-1, err)
		}
		if resp == nil {
			recordSubscriptionFailure(reasonCreateFailed)
			return errors.New("received nil response from Monitor")
		}
		for j, result := range resp.Results {
			i := start + j
			if i >= end {
				break
			}
			if result.StatusCode != ua.StatusOK {
				recordSubscriptionFailure(classifyFailureReason(result.StatusCode))
				c.log.Errorf("Failed to monitor %s on %s: %v", s.nodes[i], s.serverID, result.StatusCode)
				continue
			}
			s.monitored = append(s.monitored, s.nodes[i])
		}
	}
	return nil
}

func (s *subscription) run(ctx context.Context, log opc.Logger) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.notify:
			s.handle(msg, log)
		}
	}
}

func (s *subscription) handle(msg *opcua.PublishNotificationData, log opc.Logger) {
	if msg == nil {
		return
	}
	if msg.Error != nil {
		recordSubscriptionFailure(reasonPublishError)
		log.Errorf("Subscription %s on %s: %v", s.id, s.serverID, msg.Error)
		s.setStatus(opc.SubscriptionError)
		return
	}

	switch n := msg.Value.(type) {
	case *ua.DataChangeNotification:
		values := make([]opc.DataValue, 0, len(n.MonitoredItems))
		for _, item := range n.MonitoredItems {
			if item == nil {
				continue
			}
			h := int(item.ClientHandle)
			if h >= len(s.nodes) {
				log.Warnf("Subscription %s: notification for unknown handle %d", s.id, item.ClientHandle)
				continue
			}
			dv, err := toDataValue(s.nodes[h], item.Value, s.types[h])
			if err != nil {
				recordSubscriptionFailure(reasonConversion)
				log.Warnf("Subscription %s: dropping value of %s: %v", s.id, s.nodes[h], err)
				continue
			}
			values = append(values, dv)
		}
		s.setStatus(opc.SubscriptionActive)
		if len(values) > 0 {
			s.handler(s.id, values)
		}
	default:
		log.Debugf("Subscription %s: ignoring %T", s.id, msg.Value)
	}
}

// stop ends the notification pump, cancels the server side subscription and
// marks it disconnected.
func (s *subscription) stop(ctx context.Context, log opc.Logger) {
	s.cancel()
	<-s.done
	if err := s.group.Cancel(ctx); err != nil {
		log.Warnf("Cancelling subscription %s on %s: %v", s.id, s.serverID, err)
	}
	s.setStatus(opc.SubscriptionDisconnected)
}

// RemoveSubscription cancels the subscription with the given id.
func (c *Client) RemoveSubscription(ctx context.Context, subscriptionID string) error {
	c.mu.Lock()
	s, ok := c.subs[subscriptionID]
	delete(c.subs, subscriptionID)
	serverID := c.serverIDLocked()
	c.mu.Unlock()
	if !ok {
		return &opc.ConfigurationError{Protocol: opc.ProtocolUA, ServerID: serverID, Op: "RemoveSubscription",
			Err: fmt.Errorf("unknown subscription %s", subscriptionID)}
	}
	s.stop(ctx, c.log)
	c.log.Infof("Removed subscription %s on %s", subscriptionID, serverID)
	return nil
}

// Subscriptions returns a snapshot of the active subscriptions.
func (c *Client) Subscriptions() []opc.Subscription {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	out := make([]opc.Subscription, len(subs))
	for i, s := range subs {
		out[i] = s.snapshot()
	}
	return out
}
