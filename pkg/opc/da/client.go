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

// Package da implements the DA communicator. Classic DA and XML-DA share it;
// they differ only in the dialer that creates the session.
package da

import (
	"context"
	"errors"
	"time"

	"github.com/united-manufacturing-hub/opc-connector/pkg/logger"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/convert"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger replaces the default zap logger.
func WithLogger(l opc.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithProtocol makes the client serve XmlDA instead of DA.
func WithProtocol(p opc.ProtocolType) Option {
	return func(c *Client) { c.protocol = p }
}

// Client talks to one DA server.
type Client struct {
	protocol opc.ProtocolType
	log      opc.Logger
	conn     *com.Conn[com.DASession]
}

var _ opc.Client = (*Client)(nil)

// New returns an unconfigured client that creates sessions with dial.
func New(dial com.DialDA, opts ...Option) *Client {
	c := &Client{protocol: opc.ProtocolDA}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		if c.protocol == opc.ProtocolXmlDA {
			c.log = logger.For(logger.ComponentXmlDA)
		} else {
			c.log = logger.For(logger.ComponentDA)
		}
	}
	c.conn = com.NewConn[com.DASession](c.protocol, dial, c.log)
	return c
}

func (c *Client) Protocol() opc.ProtocolType { return c.protocol }

func (c *Client) Configure(cfg opc.ClientConfiguration) error { return c.conn.Configure(cfg) }

// Connect creates the session and checks that the server is running. An
// existing session is closed first.
func (c *Client) Connect(ctx context.Context) (opc.Status, error) {
	return c.conn.Connect(ctx, nil)
}

func (c *Client) Disconnect(context.Context) { c.conn.Disconnect() }

func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

// Browse lists the item IDs below start. DA namespaces are flat, so the result
// holds leaf items only.
func (c *Client) Browse(ctx context.Context, start *opc.NodeAddress) ([]opc.NodeAddress, error) {
	session, serverID, err := c.conn.Active("Browse")
	if err != nil {
		return nil, err
	}
	branch := ""
	if !opc.IsRootAddress(start) {
		branch = start.Identifier
	}
	items, err := session.Browse(ctx, branch)
	if err != nil {
		return nil, &opc.CommunicationError{Protocol: c.protocol, ServerID: serverID, Op: "Browse", Node: start, Err: err}
	}
	out := make([]opc.NodeAddress, len(items))
	for i, id := range items {
		out[i] = opc.NewNodeAddress(id)
	}
	return out, nil
}

// Read returns one DataValue per node in request order. Items the server
// rejected or left out of its answer are reported with bad quality.
func (c *Client) Read(ctx context.Context, nodes []opc.NodeAddress) ([]opc.DataValue, error) {
	session, serverID, err := c.conn.Active("Read")
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	itemIDs := make([]string, len(nodes))
	for i, n := range nodes {
		itemIDs[i] = n.Identifier
	}
	results, err := session.Read(ctx, itemIDs)
	if err != nil {
		return nil, &opc.CommunicationError{Protocol: c.protocol, ServerID: serverID, Op: "Read", Err: err}
	}

	byID := make(map[string]com.ItemValue, len(results))
	for _, r := range results {
		if _, dup := byID[r.ItemID]; !dup {
			byID[r.ItemID] = r
		}
	}

	now := time.Now()
	out := make([]opc.DataValue, len(nodes))
	for i, n := range nodes {
		r, ok := byID[n.Identifier]
		switch {
		case !ok:
			c.log.Warnf("Server %s returned no result for %s", serverID, n)
			out[i] = opc.NewDataValue(n, opc.Null(), convert.DAQuality(com.QualityBad), now)
		case errors.Is(r.Err, opc.ErrConversion):
			return nil, opc.AttachNode(r.Err, n)
		case r.Err != nil:
			c.log.Warnf("Server %s rejected read of %s: %v", serverID, n, r.Err)
			out[i] = opc.NewDataValue(n, opc.Null(), convert.DAQuality(com.QualityBadConfigError), now)
		default:
			v, err := convert.FromVariant(r.Value)
			if err != nil {
				return nil, opc.AttachNode(err, n)
			}
			out[i] = opc.NewDataValue(n, v, convert.DAQuality(r.Quality), r.Timestamp)
		}
	}
	return out, nil
}

// Write converts all values before sending a single batch. It reports true
// only if the server accepted every item.
func (c *Client) Write(ctx context.Context, values []opc.DataValue) (bool, error) {
	session, serverID, err := c.conn.Active("Write")
	if err != nil {
		return false, err
	}
	if len(values) == 0 {
		return true, nil
	}

	items := make([]com.ItemWrite, len(values))
	for i, dv := range values {
		variant, err := convert.ToVariant(dv.Value())
		if err != nil {
			return false, opc.AttachNode(err, dv.Node())
		}
		items[i] = com.ItemWrite{ItemID: dv.Node().Identifier, Value: variant}
	}

	results, err := session.Write(ctx, items)
	if err != nil {
		return false, &opc.CommunicationError{Protocol: c.protocol, ServerID: serverID, Op: "Write", Err: err}
	}
	return aggregate(c.log, serverID, items, results), nil
}

func aggregate(log opc.Logger, serverID string, items []com.ItemWrite, results []com.ItemResult) bool {
	byID := make(map[string]error, len(results))
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		byID[r.ItemID] = r.Err
		seen[r.ItemID] = true
	}
	ok := true
	for _, it := range items {
		switch {
		case !seen[it.ItemID]:
			log.Warnf("Server %s returned no write result for %s", serverID, it.ItemID)
			ok = false
		case byID[it.ItemID] != nil:
			log.Warnf("Server %s rejected write of %s: %v", serverID, it.ItemID, byID[it.ItemID])
			ok = false
		}
	}
	return ok
}
