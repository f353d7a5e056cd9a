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

// Package hda implements the HDA communicator. It has no current values to
// read or write; history is queried through QueryHistoricalData.
package hda

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/opc-connector/pkg/logger"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/convert"
)

// aggregateIDs are the OPCHDA_AGGREGATE values of the standard aggregates.
var aggregateIDs = map[opc.Aggregate]uint32{
	opc.AggregateInterpolative: 1,
	opc.AggregateTotal:         2,
	opc.AggregateAverage:       3,
	opc.AggregateTimeAverage:   4,
	opc.AggregateCount:         5,
	opc.AggregateMinimum:       8,
	opc.AggregateMaximum:       10,
	opc.AggregateStart:         11,
	opc.AggregateEnd:           12,
	opc.AggregateDelta:         13,
}

// HistoryQuery selects stored values of Nodes in [Start, End]. An empty
// Aggregation reads raw values; otherwise the named aggregate is computed over
// intervals of ResampleInterval (the whole range when zero).
type HistoryQuery struct {
	Nodes            []opc.NodeAddress
	Start            time.Time
	End              time.Time
	MaxValues        uint32
	IncludeBounds    bool
	Aggregation      string
	ResampleInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger replaces the default zap logger.
func WithLogger(l opc.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client talks to one HDA server.
type Client struct {
	log  opc.Logger
	conn *com.Conn[com.HDASession]

	mu        sync.Mutex
	supported map[uint32]bool
}

var _ opc.Client = (*Client)(nil)

func New(dial com.DialHDA, opts ...Option) *Client {
	c := &Client{}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logger.For(logger.ComponentHDA)
	}
	c.conn = com.NewConn[com.HDASession](opc.ProtocolHDA, dial, c.log)
	return c
}

func (c *Client) Protocol() opc.ProtocolType { return opc.ProtocolHDA }

func (c *Client) Configure(cfg opc.ClientConfiguration) error { return c.conn.Configure(cfg) }

// Connect establishes the session and loads the aggregates the server
// supports. A server that cannot list them is still usable for raw reads.
func (c *Client) Connect(ctx context.Context) (opc.Status, error) {
	return c.conn.Connect(ctx, c.loadAggregates)
}

func (c *Client) loadAggregates(ctx context.Context, s com.HDASession) error {
	supported := map[uint32]bool{}
	aggs, err := s.Aggregates(ctx)
	if err != nil {
		c.log.Warnf("Listing aggregates failed, only raw history is available: %v", err)
	}
	for _, a := range aggs {
		supported[a.ID] = true
	}
	c.mu.Lock()
	c.supported = supported
	c.mu.Unlock()
	return ctx.Err()
}

func (c *Client) Disconnect(context.Context) { c.conn.Disconnect() }

func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

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
		return nil, &opc.CommunicationError{Protocol: opc.ProtocolHDA, ServerID: serverID, Op: "Browse", Node: start, Err: err}
	}
	out := make([]opc.NodeAddress, len(items))
	for i, id := range items {
		out[i] = opc.NewNodeAddress(id)
	}
	return out, nil
}

// Read is not available on HDA servers.
func (c *Client) Read(context.Context, []opc.NodeAddress) ([]opc.DataValue, error) {
	return nil, &opc.ProtocolNotSupportedError{Protocol: opc.ProtocolHDA, ServerID: c.conn.ServerID(), Op: "Read"}
}

// Write is not available on HDA servers.
func (c *Client) Write(context.Context, []opc.DataValue) (bool, error) {
	return false, &opc.ProtocolNotSupportedError{Protocol: opc.ProtocolHDA, ServerID: c.conn.ServerID(), Op: "Write"}
}

// resolveAggregate picks the aggregate to request. ok is false when the query
// falls back to a raw read.
func (c *Client) resolveAggregate(serverID, name string) (uint32, bool) {
	if name == "" {
		return 0, false
	}
	agg, known := opc.ParseAggregate(name)
	if !known {
		c.log.Warnf("Unknown aggregation %q for %s, reading raw history", name, serverID)
		return 0, false
	}
	if agg == opc.AggregateRaw {
		return 0, false
	}
	id := aggregateIDs[agg]
	c.mu.Lock()
	supported := c.supported[id]
	c.mu.Unlock()
	if !supported {
		c.log.Warnf("Server %s does not support aggregation %s, reading raw history", serverID, agg)
		return 0, false
	}
	return id, true
}

// QueryHistoricalData returns the stored values of every node, grouped by node
// in request order and in time order within a node. A node the server rejects
// is reported as one bad value at End.
func (c *Client) QueryHistoricalData(ctx context.Context, q HistoryQuery) ([]opc.DataValue, error) {
	session, serverID, err := c.conn.Active("QueryHistoricalData")
	if err != nil {
		return nil, err
	}
	if q.Start.After(q.End) {
		return nil, &opc.ConfigurationError{Protocol: opc.ProtocolHDA, ServerID: serverID, Op: "QueryHistoricalData",
			Err: fmt.Errorf("start %s is after end %s", q.Start.Format(time.RFC3339), q.End.Format(time.RFC3339))}
	}
	if len(q.Nodes) == 0 {
		return nil, nil
	}

	itemIDs := make([]string, len(q.Nodes))
	for i, n := range q.Nodes {
		itemIDs[i] = n.Identifier
	}

	var items []com.HistoryItem
	if aggID, ok := c.resolveAggregate(serverID, q.Aggregation); ok {
		interval := q.ResampleInterval
		if interval <= 0 {
			interval = q.End.Sub(q.Start)
		}
		items, err = session.ReadProcessed(ctx, com.HistoryProcessedRequest{
			ItemIDs:          itemIDs,
			Start:            q.Start,
			End:              q.End,
			AggregateID:      aggID,
			ResampleInterval: interval,
		})
	} else {
		items, err = session.ReadRaw(ctx, com.HistoryRawRequest{
			ItemIDs:       itemIDs,
			Start:         q.Start,
			End:           q.End,
			MaxValues:     q.MaxValues,
			IncludeBounds: q.IncludeBounds,
		})
	}
	if err != nil {
		return nil, &opc.CommunicationError{Protocol: opc.ProtocolHDA, ServerID: serverID, Op: "QueryHistoricalData", Err: err}
	}

	byID := make(map[string]com.HistoryItem, len(items))
	for _, it := range items {
		if _, dup := byID[it.ItemID]; !dup {
			byID[it.ItemID] = it
		}
	}

	var out []opc.DataValue
	for _, n := range q.Nodes {
		it, ok := byID[n.Identifier]
		switch {
		case !ok:
			c.log.Warnf("Server %s returned no history for %s", serverID, n)
			out = append(out, opc.NewDataValue(n, opc.Null(), convert.DAQuality(com.QualityBad), q.End))
			continue
		case errors.Is(it.Err, opc.ErrConversion):
			return nil, opc.AttachNode(it.Err, n)
		case it.Err != nil:
			c.log.Warnf("Server %s rejected history read of %s: %v", serverID, n, it.Err)
			out = append(out, opc.NewDataValue(n, opc.Null(), convert.DAQuality(com.QualityBadConfigError), q.End))
			continue
		}

		values := make([]opc.DataValue, 0, len(it.Values))
		for _, iv := range it.Values {
			v, err := convert.FromVariant(iv.Value)
			if err != nil {
				return nil, opc.AttachNode(err, n)
			}
			values = append(values, opc.NewDataValue(n, v, convert.DAQuality(iv.Quality), iv.Timestamp))
		}
		slices.SortStableFunc(values, func(a, b opc.DataValue) int {
			return a.Timestamp().Compare(b.Timestamp())
		})
		out = append(out, values...)
	}
	return out, nil
}
