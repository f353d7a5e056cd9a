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
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	lru "github.com/hashicorp/golang-lru"

	"github.com/united-manufacturing-hub/opc-connector/pkg/logger"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/convert"
)

const (
	defaultTypeCacheSize = 10_000
	defaultBrowseWorkers = 8
	closeTimeout         = 5 * time.Second
)

// ErrServerNotRunning is returned by Connect when the session was created but
// the server does not report the Running state.
var ErrServerNotRunning = errors.New("server is not running")

// Server status nodes of namespace 0.
var (
	serverStateNodeID     = ua.NewNumericNodeID(0, id.Server_ServerStatus_State)
	serverStartTimeNodeID = ua.NewNumericNodeID(0, id.Server_ServerStatus_StartTime)
	productNameNodeID     = ua.NewNumericNodeID(0, id.Server_ServerStatus_BuildInfo_ProductName)
	manufacturerNodeID    = ua.NewNumericNodeID(0, id.Server_ServerStatus_BuildInfo_ManufacturerName)
)

// serverStates maps the ServerState enumeration to the connection state.
var serverStates = map[int32]opc.ConnectionState{
	0: opc.StateRunning,
	1: opc.StateFailed,
	2: opc.StateNoConfig,
	3: opc.StateSuspended,
	4: opc.StateFailed, // Shutdown
	5: opc.StateTest,
	6: opc.StateCommFault,
	7: opc.StateUnknown,
}

// Option configures a Client.
type Option func(*Client)

// WithLogger replaces the default zap logger.
func WithLogger(l opc.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithDialer replaces the gopcua dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithBrowseWorkers bounds the number of concurrent browse requests of BrowseTree.
func WithBrowseWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.browseWorkers = n
		}
	}
}

// WithTypeCacheSize sets how many declared data types are remembered.
func WithTypeCacheSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.typeCacheSize = n
		}
	}
}

// Client is the UA communicator. Besides the common contract it manages
// subscriptions, which are delivered through a NotificationHandler.
type Client struct {
	dial          Dialer
	log           opc.Logger
	browseWorkers int
	typeCacheSize int

	// connectMu serializes Connect and Disconnect. mu guards the fields below
	// and is never held during network calls.
	connectMu sync.Mutex

	mu      sync.Mutex
	cfg     *opc.ClientConfiguration
	session Session
	subs    map[string]*subscription

	types *lru.Cache
}

var _ opc.Client = (*Client)(nil)

// New returns an unconfigured client.
func New(opts ...Option) *Client {
	c := &Client{
		dial:          Dial,
		browseWorkers: defaultBrowseWorkers,
		typeCacheSize: defaultTypeCacheSize,
		subs:          make(map[string]*subscription),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logger.For(logger.ComponentUA)
	}
	// lru.New only fails for a non-positive size.
	c.types, _ = lru.New(c.typeCacheSize)
	return c
}

func (c *Client) Protocol() opc.ProtocolType { return opc.ProtocolUA }

func (c *Client) Configure(cfg opc.ClientConfiguration) error {
	if cfg.Protocol != opc.ProtocolUA {
		return &opc.ConfigurationError{Protocol: opc.ProtocolUA, ServerID: cfg.ServerID, Op: "Configure",
			Err: fmt.Errorf("configuration is for protocol %s", cfg.Protocol)}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = &cfg
	return nil
}

// ServerID is the configured server, empty before Configure.
func (c *Client) ServerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverIDLocked()
}

func (c *Client) serverIDLocked() string {
	if c.cfg == nil {
		return ""
	}
	return c.cfg.ServerID
}

// Connect opens a session and reads the server status. An existing session
// and its subscriptions are dropped first. On failure the new session is
// closed and the client stays disconnected.
func (c *Client) Connect(ctx context.Context) (opc.Status, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()
	if cfg == nil {
		return opc.Status{}, &opc.ConfigurationError{Protocol: opc.ProtocolUA, Op: "Connect", Err: errors.New("client is not configured")}
	}
	c.drop(ctx, nil)

	session, err := c.dial(*cfg)
	if err != nil {
		return opc.Status{}, &opc.CommunicationError{Protocol: opc.ProtocolUA, ServerID: cfg.ServerID, Op: "Connect", Err: err}
	}
	status, err := c.establish(ctx, session)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = session.Close(closeCtx)
		cancel()
		c.log.Warnf("Connecting to %s failed: %v", cfg.ServerID, err)
		return opc.Status{}, &opc.CommunicationError{Protocol: opc.ProtocolUA, ServerID: cfg.ServerID, Op: "Connect", Err: err}
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	// Data types may have changed while we were away.
	c.types.Purge()

	c.log.Infof("Connected to %s (%s %s)", cfg.ServerID, status.Vendor, status.ServerName)
	return status, nil
}

func (c *Client) establish(ctx context.Context, session Session) (opc.Status, error) {
	if err := ctx.Err(); err != nil {
		return opc.Status{}, err
	}
	if err := session.Connect(ctx); err != nil {
		return opc.Status{}, fmt.Errorf("connect: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return opc.Status{}, err
	}
	status, err := readServerStatus(ctx, session)
	if err != nil {
		return opc.Status{}, fmt.Errorf("read server status: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return opc.Status{}, err
	}
	if status.State != opc.StateRunning {
		return opc.Status{}, fmt.Errorf("%w: state %s", ErrServerNotRunning, status.State)
	}
	return status, nil
}

func readServerStatus(ctx context.Context, session Session) (opc.Status, error) {
	req := &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{
			{NodeID: serverStateNodeID, AttributeID: ua.AttributeIDValue},
			{NodeID: serverStartTimeNodeID, AttributeID: ua.AttributeIDValue},
			{NodeID: productNameNodeID, AttributeID: ua.AttributeIDValue},
			{NodeID: manufacturerNodeID, AttributeID: ua.AttributeIDValue},
		},
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	}
	resp, err := session.Read(ctx, req)
	if err != nil {
		return opc.Status{}, err
	}
	if len(resp.Results) != len(req.NodesToRead) {
		return opc.Status{}, fmt.Errorf("got %d results for %d nodes", len(resp.Results), len(req.NodesToRead))
	}

	if dv := resp.Results[0]; dv == nil || dv.Status != ua.StatusOK {
		return opc.Status{}, errors.New("server state is not readable")
	}
	status := opc.Status{State: opc.StateUnknown}
	if state, ok := goodValue(resp.Results[0]).(int32); ok {
		if s, known := serverStates[state]; known {
			status.State = s
		}
	}
	if t, ok := goodValue(resp.Results[1]).(time.Time); ok {
		status.StartTime = t.UTC()
	}
	if s, ok := goodValue(resp.Results[2]).(string); ok {
		status.ServerName = s
	}
	if s, ok := goodValue(resp.Results[3]).(string); ok {
		status.Vendor = s
	}
	return status, nil
}

// goodValue returns the Go value of a good result, nil otherwise.
func goodValue(dv *ua.DataValue) any {
	if dv == nil || dv.Status != ua.StatusOK || dv.Value == nil {
		return nil
	}
	return dv.Value.Value()
}

// Disconnect cancels every subscription and closes the session.
func (c *Client) Disconnect(ctx context.Context) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.drop(ctx, nil) {
		c.log.Infof("Disconnected from %s", c.ServerID())
	}
}

// drop detaches the session and its subscriptions and shuts them down outside
// the lock, so notification handlers that call back into the client do not
// deadlock. With only != nil the session is dropped only if it is still the
// current one.
func (c *Client) drop(ctx context.Context, only Session) bool {
	c.mu.Lock()
	session := c.session
	if session == nil || (only != nil && session != only) {
		c.mu.Unlock()
		return false
	}
	subs := c.subs
	c.session = nil
	c.subs = make(map[string]*subscription)
	serverID := c.serverIDLocked()
	c.mu.Unlock()

	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
	}
	for _, s := range subs {
		s.stop(ctx, c.log)
	}
	if err := session.Close(ctx); err != nil {
		c.log.Warnf("Closing session to %s: %v", serverID, err)
	}
	return true
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

func (c *Client) active(op string) (Session, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, c.serverIDLocked(), &opc.NotConnectedError{Protocol: opc.ProtocolUA, ServerID: c.serverIDLocked(), Op: op}
	}
	return c.session, c.cfg.ServerID, nil
}

// sessionLost reports whether err means the server no longer knows our session.
func sessionLost(err error) bool {
	return errors.Is(err, ua.StatusBadSessionIDInvalid) ||
		errors.Is(err, ua.StatusBadSessionClosed) ||
		errors.Is(err, ua.StatusBadCommunicationError) ||
		errors.Is(err, ua.StatusBadConnectionClosed) ||
		errors.Is(err, ua.StatusBadTimeout) ||
		errors.Is(err, ua.StatusBadConnectionRejected) ||
		errors.Is(err, ua.StatusBadServerNotConnected)
}

// failed converts a request error into the error returned to the caller. A
// lost session is torn down and reported as not connected.
func (c *Client) failed(ctx context.Context, session Session, serverID, op string, node *opc.NodeAddress, err error) error {
	if sessionLost(err) {
		c.log.Warnf("Session to %s lost during %s: %v", serverID, op, err)
		c.drop(ctx, session)
		return &opc.NotConnectedError{Protocol: opc.ProtocolUA, ServerID: serverID, Op: op, Err: err}
	}
	return &opc.CommunicationError{Protocol: opc.ProtocolUA, ServerID: serverID, Op: op, Node: node, Err: err}
}

// nodeID parses an address. Addresses without a namespace carry the full
// node id string ("ns=2;s=Tag") as identifier.
func nodeID(n opc.NodeAddress) (*ua.NodeID, error) {
	s := n.Identifier
	if n.HasNamespace {
		s = n.String()
	}
	return ua.ParseNodeID(s)
}

func nodeAddress(nid *ua.NodeID) opc.NodeAddress {
	s := nid.String()
	if strings.HasPrefix(s, "ns=") {
		if i := strings.IndexByte(s, ';'); i >= 0 {
			s = s[i+1:]
		}
	}
	return opc.NewUANodeAddress(nid.Namespace(), s)
}

func (c *Client) parseNodes(serverID, op string, nodes []opc.NodeAddress) ([]*ua.NodeID, error) {
	ids := make([]*ua.NodeID, len(nodes))
	for i, n := range nodes {
		nid, err := nodeID(n)
		if err != nil {
			return nil, &opc.ConfigurationError{Protocol: opc.ProtocolUA, ServerID: serverID, Op: op,
				Err: fmt.Errorf("invalid node id %q: %w", n.String(), err)}
		}
		ids[i] = nid
	}
	return ids, nil
}

// declaredTypes returns the built-in type of each node's DataType attribute.
// Known types come from the cache, the rest is read in one request. Nodes
// whose type cannot be read get TypeIDNull so the wire type is used.
func (c *Client) declaredTypes(ctx context.Context, session Session, ids []*ua.NodeID) ([]ua.TypeID, error) {
	types := make([]ua.TypeID, len(ids))
	var missing []int
	for i, nid := range ids {
		if t, ok := c.types.Get(nid.String()); ok {
			types[i] = t.(ua.TypeID)
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return types, nil
	}

	req := &ua.ReadRequest{TimestampsToReturn: ua.TimestampsToReturnNeither}
	for _, i := range missing {
		req.NodesToRead = append(req.NodesToRead, &ua.ReadValueID{NodeID: ids[i], AttributeID: ua.AttributeIDDataType})
	}
	resp, err := session.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		if j >= len(resp.Results) {
			break
		}
		dt, ok := goodValue(resp.Results[j]).(*ua.NodeID)
		if !ok {
			continue
		}
		types[i] = convert.DeclaredTypeID(dt)
		c.types.Add(ids[i].String(), types[i])
	}
	return types, nil
}

// toDataValue converts a UA data value. The timestamp is the source
// timestamp, then the server timestamp, then the receive time.
func toDataValue(node opc.NodeAddress, dv *ua.DataValue, declared ua.TypeID) (opc.DataValue, error) {
	if dv == nil {
		return opc.NewDataValue(node, opc.Null(), opc.Quality{Status: opc.QualityBad}, time.Now()), nil
	}
	ts := dv.SourceTimestamp
	if ts.IsZero() {
		ts = dv.ServerTimestamp
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	v, err := convert.FromUAVariant(dv.Value, declared)
	if err != nil {
		return opc.DataValue{}, opc.AttachNode(err, node)
	}
	return opc.NewDataValue(node, v, convert.UAQuality(dv.Status), ts), nil
}

// Read returns one DataValue per node in request order. Values are converted
// with the node's declared DataType.
func (c *Client) Read(ctx context.Context, nodes []opc.NodeAddress) ([]opc.DataValue, error) {
	session, serverID, err := c.active("Read")
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	ids, err := c.parseNodes(serverID, "Read", nodes)
	if err != nil {
		return nil, err
	}
	types, err := c.declaredTypes(ctx, session, ids)
	if err != nil {
		return nil, c.failed(ctx, session, serverID, "Read", nil, err)
	}

	req := &ua.ReadRequest{
		NodesToRead:        make([]*ua.ReadValueID, len(ids)),
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
	for i, nid := range ids {
		req.NodesToRead[i] = &ua.ReadValueID{NodeID: nid, AttributeID: ua.AttributeIDValue}
	}
	resp, err := session.Read(ctx, req)
	if err != nil {
		return nil, c.failed(ctx, session, serverID, "Read", nil, err)
	}

	out := make([]opc.DataValue, len(nodes))
	for i, n := range nodes {
		var dv *ua.DataValue
		if i < len(resp.Results) {
			dv = resp.Results[i]
		} else {
			c.log.Warnf("Server %s returned no result for %s", serverID, n)
		}
		if dv != nil && dv.Status != ua.StatusOK {
			c.log.Debugf("Read %s on %s: %v", n, serverID, dv.Status)
		}
		v, err := toDataValue(n, dv, types[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Write converts each value to its node's declared type before anything is
// sent. It reports true only if the server accepted every value.
func (c *Client) Write(ctx context.Context, values []opc.DataValue) (bool, error) {
	session, serverID, err := c.active("Write")
	if err != nil {
		return false, err
	}
	if len(values) == 0 {
		return true, nil
	}
	nodes := make([]opc.NodeAddress, len(values))
	for i, v := range values {
		nodes[i] = v.Node()
	}
	ids, err := c.parseNodes(serverID, "Write", nodes)
	if err != nil {
		return false, err
	}
	types, err := c.declaredTypes(ctx, session, ids)
	if err != nil {
		return false, c.failed(ctx, session, serverID, "Write", nil, err)
	}

	req := &ua.WriteRequest{NodesToWrite: make([]*ua.WriteValue, len(values))}
	for i, v := range values {
		variant, err := convert.ToUAVariant(v.Value(), types[i])
		if err != nil {
			return false, opc.AttachNode(err, v.Node())
		}
		req.NodesToWrite[i] = &ua.WriteValue{
			NodeID:      ids[i],
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}
	}

	resp, err := session.Write(ctx, req)
	if err != nil {
		return false, c.failed(ctx, session, serverID, "Write", nil, err)
	}

	ok := len(resp.Results) == len(values)
	for i, v := range values {
		if i >= len(resp.Results) {
			c.log.Warnf("Server %s returned no write result for %s", serverID, v.Node())
			continue
		}
		if code := resp.Results[i]; code != ua.StatusOK {
			c.log.Warnf("Writing %s to %s on %s failed: %v", v.Value(), v.Node(), serverID, code)
			ok = false
			continue
		}
		c.log.Debugf("Wrote %s to %s on %s", v.Value(), v.Node(), serverID)
	}
	return ok, nil
}
