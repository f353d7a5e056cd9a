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

// Package ac implements the Alarms & Conditions communicator. Alarms arrive
// through the handler installed with SetAlarmHandler and are acknowledged with
// AcknowledgeAlarms.
package ac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/united-manufacturing-hub/opc-connector/pkg/logger"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger replaces the default zap logger.
func WithLogger(l opc.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client talks to one A&C server.
type Client struct {
	log  opc.Logger
	conn *com.Conn[com.AESession]

	mu      sync.RWMutex
	handler opc.AlarmHandler
}

var _ opc.Client = (*Client)(nil)

func New(dial com.DialAE, opts ...Option) *Client {
	c := &Client{}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logger.For(logger.ComponentAC)
	}
	c.conn = com.NewConn[com.AESession](opc.ProtocolAC, dial, c.log)
	return c
}

func (c *Client) Protocol() opc.ProtocolType { return opc.ProtocolAC }

func (c *Client) Configure(cfg opc.ClientConfiguration) error { return c.conn.Configure(cfg) }

// SetAlarmHandler installs the callback for alarm events. It may be called at
// any time; events arriving without a handler are dropped.
func (c *Client) SetAlarmHandler(h opc.AlarmHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect establishes the session and subscribes to its events.
func (c *Client) Connect(ctx context.Context) (opc.Status, error) {
	return c.conn.Connect(ctx, func(ctx context.Context, s com.AESession) error {
		if err := s.Subscribe(ctx, c.dispatch); err != nil {
			return fmt.Errorf("subscribe to events: %w", err)
		}
		return nil
	})
}

func (c *Client) dispatch(events []com.EventNotification) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		c.log.Debugf("Dropping %d alarm events, no handler installed", len(events))
		return
	}
	for _, ev := range events {
		h(toAlarmEvent(ev))
	}
}

func toAlarmEvent(ev com.EventNotification) opc.AlarmEvent {
	return opc.AlarmEvent{
		Source:         opc.NewNodeAddress(ev.Source),
		EventID:        ev.Cookie,
		ConditionName:  ev.ConditionName,
		Severity:       ev.Severity,
		Message:        ev.Message,
		OccurrenceTime: ev.Time.UTC(),
		ActiveTime:     ev.ActiveTime.UTC(),
		AckRequired:    ev.AckRequired,
	}
}

func (c *Client) Disconnect(context.Context) { c.conn.Disconnect() }

func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

// Browse lists the areas and sources below start.
func (c *Client) Browse(ctx context.Context, start *opc.NodeAddress) ([]opc.NodeAddress, error) {
	session, serverID, err := c.conn.Active("Browse")
	if err != nil {
		return nil, err
	}
	area := ""
	if !opc.IsRootAddress(start) {
		area = start.Identifier
	}
	children, err := session.BrowseAreas(ctx, area)
	if err != nil {
		return nil, &opc.CommunicationError{Protocol: opc.ProtocolAC, ServerID: serverID, Op: "Browse", Node: start, Err: err}
	}
	out := make([]opc.NodeAddress, len(children))
	for i, id := range children {
		out[i] = opc.NewNodeAddress(id)
	}
	return out, nil
}

// Read is not available on A&C servers.
func (c *Client) Read(context.Context, []opc.NodeAddress) ([]opc.DataValue, error) {
	return nil, &opc.ProtocolNotSupportedError{Protocol: opc.ProtocolAC, ServerID: c.conn.ServerID(), Op: "Read"}
}

// Write is not available on A&C servers.
func (c *Client) Write(context.Context, []opc.DataValue) (bool, error) {
	return false, &opc.ProtocolNotSupportedError{Protocol: opc.ProtocolAC, ServerID: c.conn.ServerID(), Op: "Write"}
}

// AcknowledgeAlarms sends all acknowledgements in one batch. Every entry needs
// an EventID and an AcknowledgerID. If the server rejects any of them the
// returned CommunicationError lists the failed event IDs.
func (c *Client) AcknowledgeAlarms(ctx context.Context, acks []opc.AlarmAcknowledgement) error {
	for i, a := range acks {
		var missing []string
		if a.EventID == "" {
			missing = append(missing, "event id")
		}
		if a.AcknowledgerID == "" {
			missing = append(missing, "acknowledger id")
		}
		if len(missing) > 0 {
			return &opc.ConfigurationError{Protocol: opc.ProtocolAC, ServerID: c.conn.ServerID(), Op: "AcknowledgeAlarms",
				Err: fmt.Errorf("acknowledgement %d: missing %s", i, strings.Join(missing, " and "))}
		}
	}

	session, serverID, err := c.conn.Active("AcknowledgeAlarms")
	if err != nil {
		return err
	}
	if len(acks) == 0 {
		return nil
	}

	reqs := make([]com.AckRequest, len(acks))
	for i, a := range acks {
		reqs[i] = com.AckRequest{
			Source:         a.Source.Identifier,
			ConditionName:  a.ConditionName,
			ActiveTime:     a.ActiveTime,
			Cookie:         a.EventID,
			AcknowledgerID: a.AcknowledgerID,
			Comment:        a.Comment,
		}
	}
	results, err := session.Acknowledge(ctx, reqs)
	if err != nil {
		return &opc.CommunicationError{Protocol: opc.ProtocolAC, ServerID: serverID, Op: "AcknowledgeAlarms", Err: err}
	}

	byID := make(map[string]error, len(results))
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		byID[r.ItemID] = r.Err
		seen[r.ItemID] = true
	}
	var failed []string
	for _, a := range acks {
		switch {
		case !seen[a.EventID]:
			c.log.Warnf("Server %s returned no acknowledgement result for event %s", serverID, a.EventID)
			failed = append(failed, a.EventID)
		case byID[a.EventID] != nil:
			c.log.Warnf("Server %s rejected acknowledgement of event %s: %v", serverID, a.EventID, byID[a.EventID])
			failed = append(failed, a.EventID)
		}
	}
	if len(failed) > 0 {
		return &opc.CommunicationError{Protocol: opc.ProtocolAC, ServerID: serverID, Op: "AcknowledgeAlarms",
			Err: errors.New("acknowledgement failed for events " + strings.Join(failed, ", "))}
	}
	return nil
}
