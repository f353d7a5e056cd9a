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
	"errors"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

// Conn is the connection lifecycle shared by the DA, HDA and A&C
// communicators: configuration, session creation through a dialer,
// establishment with rollback, and the not-connected guard.
type Conn[S Session] struct {
	protocol opc.ProtocolType
	dial     func(cfg opc.ClientConfiguration) (S, error)
	log      opc.Logger

	mu        sync.Mutex
	cfg       *opc.ClientConfiguration
	session   S
	connected bool
}

// NewConn returns an unconfigured connection. dial may be nil, Configure then
// reports that no dialer is registered.
func NewConn[S Session](protocol opc.ProtocolType, dial func(cfg opc.ClientConfiguration) (S, error), log opc.Logger) *Conn[S] {
	return &Conn[S]{protocol: protocol, dial: dial, log: log}
}

func (c *Conn[S]) Protocol() opc.ProtocolType { return c.protocol }

func (c *Conn[S]) Configure(cfg opc.ClientConfiguration) error {
	if cfg.Protocol != c.protocol {
		return &opc.ConfigurationError{Protocol: c.protocol, ServerID: cfg.ServerID, Op: "Configure",
			Err: fmt.Errorf("configuration is for protocol %s", cfg.Protocol)}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.dial == nil {
		return &opc.ConfigurationError{Protocol: c.protocol, ServerID: cfg.ServerID, Op: "Configure",
			Err: errors.New("no session dialer registered")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = &cfg
	return nil
}

// ServerID is the configured server, empty before Configure.
func (c *Conn[S]) ServerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverID()
}

func (c *Conn[S]) serverID() string {
	if c.cfg == nil {
		return ""
	}
	return c.cfg.ServerID
}

// Connect creates the session and checks that the server is running. An
// existing session is closed first. setup, when not nil, runs on the
// established session before it is published; its failure rolls back too.
func (c *Conn[S]) Connect(ctx context.Context, setup func(ctx context.Context, s S) error) (opc.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg == nil {
		return opc.Status{}, &opc.ConfigurationError{Protocol: c.protocol, Op: "Connect", Err: errors.New("client is not configured")}
	}
	c.dropLocked()

	session, err := c.dial(*c.cfg)
	if err != nil {
		return opc.Status{}, &opc.CommunicationError{Protocol: c.protocol, ServerID: c.cfg.ServerID, Op: "Connect", Err: err}
	}
	status, err := Establish(ctx, session)
	if err == nil && setup != nil {
		if err = setup(ctx, session); err != nil {
			_ = session.Close()
		}
	}
	if err != nil {
		c.log.Warnf("Connecting to %s failed: %v", c.cfg.ServerID, err)
		return opc.Status{}, &opc.CommunicationError{Protocol: c.protocol, ServerID: c.cfg.ServerID, Op: "Connect", Err: err}
	}

	c.session = session
	c.connected = true
	c.log.Infof("Connected to %s (%s %s %s)", c.cfg.ServerID, status.VendorInfo, status.ProductName, status.ProductVersion)
	return status.ToStatus(), nil
}

func (c *Conn[S]) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.dropLocked()
	c.log.Infof("Disconnected from %s", c.serverID())
}

func (c *Conn[S]) dropLocked() {
	if !c.connected {
		return
	}
	if err := c.session.Close(); err != nil {
		c.log.Warnf("Closing session to %s: %v", c.serverID(), err)
	}
	var zero S
	c.session = zero
	c.connected = false
}

func (c *Conn[S]) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Active returns the live session and the server ID, or a NotConnectedError
// naming op.
func (c *Conn[S]) Active(op string) (S, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		var zero S
		return zero, c.serverID(), &opc.NotConnectedError{Protocol: c.protocol, ServerID: c.serverID(), Op: op}
	}
	return c.session, c.cfg.ServerID, nil
}
