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

package uaclient_test

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/uaclient"
)

// fakeServer is an in-memory UA server behind the uaclient.Session interface.
type fakeServer struct {
	mu sync.Mutex

	state     int32
	startTime time.Time

	values    map[string]*ua.DataValue
	dataTypes map[string]*ua.NodeID
	children  map[string][]*ua.ReferenceDescription
	pageSize  int
	pages     map[string][]*ua.ReferenceDescription

	connectErr    error
	readErr       error
	writeStatus   map[string]ua.StatusCode
	monitorStatus map[string]ua.StatusCode

	connects      int
	closes        int
	dataTypeReads int
	written       []*ua.WriteValue
	monitored     []*ua.MonitoredItemCreateRequest
	groups        []*fakeGroup
	notify        chan<- *opcua.PublishNotificationData
	interval      time.Duration
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		startTime:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		values:        map[string]*ua.DataValue{},
		dataTypes:     map[string]*ua.NodeID{},
		children:      map[string][]*ua.ReferenceDescription{},
		pages:         map[string][]*ua.ReferenceDescription{},
		writeStatus:   map[string]ua.StatusCode{},
		monitorStatus: map[string]ua.StatusCode{},
	}
}

func (f *fakeServer) dialer() uaclient.Dialer {
	return func(opc.ClientConfiguration) (uaclient.Session, error) { return f, nil }
}

// variable adds a variable node with its declared data type and value.
func (f *fakeServer) variable(nodeID string, dataType uint32, value any, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dataTypes[nodeID] = ua.NewNumericNodeID(0, dataType)
	f.values[nodeID] = &ua.DataValue{Value: ua.MustVariant(value), SourceTimestamp: ts}
}

func (f *fakeServer) child(parent, child string, class ua.NodeClass) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[parent] = append(f.children[parent], &ua.ReferenceDescription{
		NodeID:    &ua.ExpandedNodeID{NodeID: ua.MustParseNodeID(child)},
		NodeClass: class,
	})
}

func (f *fakeServer) publish(msg *opcua.PublishNotificationData) {
	f.mu.Lock()
	ch := f.notify
	f.mu.Unlock()
	ch <- msg
}

func (f *fakeServer) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeServer) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeServer) Read(_ context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	resp := &ua.ReadResponse{Results: make([]*ua.DataValue, len(req.NodesToRead))}
	for i, r := range req.NodesToRead {
		key := r.NodeID.String()
		if r.AttributeID == ua.AttributeIDDataType {
			f.dataTypeReads++
			if dt, ok := f.dataTypes[key]; ok {
				resp.Results[i] = &ua.DataValue{Value: ua.MustVariant(dt)}
			} else {
				resp.Results[i] = &ua.DataValue{Status: ua.StatusBadAttributeIDInvalid}
			}
			continue
		}
		resp.Results[i] = f.valueLocked(r.NodeID)
	}
	return resp, nil
}

func (f *fakeServer) valueLocked(nid *ua.NodeID) *ua.DataValue {
	if nid.Namespace() == 0 {
		switch nid.IntID() {
		case id.Server_ServerStatus_State:
			return &ua.DataValue{Value: ua.MustVariant(f.state)}
		case id.Server_ServerStatus_StartTime:
			return &ua.DataValue{Value: ua.MustVariant(f.startTime)}
		case id.Server_ServerStatus_BuildInfo_ProductName:
			return &ua.DataValue{Value: ua.MustVariant("Simulation Server")}
		case id.Server_ServerStatus_BuildInfo_ManufacturerName:
			return &ua.DataValue{Value: ua.MustVariant("Prosys OPC")}
		}
	}
	if dv, ok := f.values[nid.String()]; ok {
		return dv
	}
	return &ua.DataValue{Status: ua.StatusBadNodeIDUnknown}
}

func (f *fakeServer) Write(_ context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &ua.WriteResponse{Results: make([]ua.StatusCode, len(req.NodesToWrite))}
	for i, w := range req.NodesToWrite {
		f.written = append(f.written, w)
		resp.Results[i] = f.writeStatus[w.NodeID.String()]
	}
	return resp, nil
}

func (f *fakeServer) Browse(_ context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := req.NodesToBrowse[0].NodeID.String()
	return &ua.BrowseResponse{Results: []*ua.BrowseResult{f.pageLocked(key, f.children[key])}}, nil
}

func (f *fakeServer) BrowseNext(_ context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := string(req.ContinuationPoints[0])
	refs, ok := f.pages[cp]
	if !ok {
		return &ua.BrowseNextResponse{Results: []*ua.BrowseResult{{StatusCode: ua.StatusBadContinuationPointInvalid}}}, nil
	}
	delete(f.pages, cp)
	return &ua.BrowseNextResponse{Results: []*ua.BrowseResult{f.pageLocked(cp, refs)}}, nil
}

func (f *fakeServer) pageLocked(key string, refs []*ua.ReferenceDescription) *ua.BrowseResult {
	if f.pageSize == 0 || len(refs) <= f.pageSize {
		return &ua.BrowseResult{References: refs}
	}
	cp := key + "#" + strconv.Itoa(len(refs))
	f.pages[cp] = refs[f.pageSize:]
	return &ua.BrowseResult{References: refs[:f.pageSize], ContinuationPoint: []byte(cp)}
}

func (f *fakeServer) Subscribe(_ context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (uaclient.MonitorGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = notifyCh
	f.interval = params.Interval
	g := &fakeGroup{server: f}
	f.groups = append(f.groups, g)
	return g, nil
}

type fakeGroup struct {
	server    *fakeServer
	cancelled bool
}

func (g *fakeGroup) Monitor(_ context.Context, _ ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error) {
	f := g.server
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &ua.CreateMonitoredItemsResponse{Results: make([]*ua.MonitoredItemCreateResult, len(items))}
	for i, item := range items {
		f.monitored = append(f.monitored, item)
		resp.Results[i] = &ua.MonitoredItemCreateResult{StatusCode: f.monitorStatus[item.ItemToMonitor.NodeID.String()]}
	}
	return resp, nil
}

func (g *fakeGroup) Cancel(context.Context) error {
	g.server.mu.Lock()
	defer g.server.mu.Unlock()
	g.cancelled = true
	return nil
}

func (g *fakeGroup) isCancelled() bool {
	g.server.mu.Lock()
	defer g.server.mu.Unlock()
	return g.cancelled
}
