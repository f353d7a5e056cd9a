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
	"sync"
	"time"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/hda"
)

// fakeClient stands in for every communicator: it polls, subscribes,
// raises alarms and answers history queries.
type fakeClient struct {
	mu sync.Mutex

	protocol   opc.ProtocolType
	cfg        opc.ClientConfiguration
	connected  bool
	connects   int
	connectErr error

	readValues []opc.DataValue
	readErr    error

	written  [][]opc.DataValue
	writeOK  bool
	writeErr error

	params    opc.SubscriptionParameters
	handler   opc.NotificationHandler
	subStatus opc.SubscriptionStatus
	removed   []string

	alarmHandler opc.AlarmHandler

	history    []hda.HistoryQuery
	historyOut []opc.DataValue
	historyAt  func(hda.HistoryQuery) []opc.DataValue
}

func newFakeClient(p opc.ProtocolType) *fakeClient {
	return &fakeClient{protocol: p, writeOK: true, subStatus: opc.SubscriptionActive}
}

func (f *fakeClient) Protocol() opc.ProtocolType { return f.protocol }

func (f *fakeClient) Configure(cfg opc.ClientConfiguration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	return nil
}

func (f *fakeClient) Connect(context.Context) (opc.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return opc.Status{}, f.connectErr
	}
	f.connected = true
	return opc.Status{State: opc.StateRunning, ServerName: "fake", Vendor: "UMH", StartTime: time.Now()}, nil
}

func (f *fakeClient) Disconnect(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Browse(context.Context, *opc.NodeAddress) ([]opc.NodeAddress, error) {
	return nil, nil
}

func (f *fakeClient) Read(_ context.Context, nodes []opc.NodeAddress) ([]opc.DataValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.readValues, nil
}

func (f *fakeClient) Write(_ context.Context, values []opc.DataValue) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return false, f.writeErr
	}
	f.written = append(f.written, values)
	return f.writeOK, nil
}

func (f *fakeClient) CreateSubscription(_ context.Context, params opc.SubscriptionParameters, handler opc.NotificationHandler) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = params
	f.handler = handler
	return "sub-1", nil
}

func (f *fakeClient) RemoveSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeClient) Subscriptions() []opc.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler == nil {
		return nil
	}
	return []opc.Subscription{{ID: "sub-1", Nodes: f.params.Nodes, Status: f.subStatus}}
}

func (f *fakeClient) SetAlarmHandler(h opc.AlarmHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alarmHandler = h
}

func (f *fakeClient) QueryHistoricalData(_ context.Context, q hda.HistoryQuery) ([]opc.DataValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, q)
	if f.historyAt != nil {
		return f.historyAt(q), nil
	}
	return f.historyOut, nil
}

// publish calls the subscription handler like the UA pump does.
func (f *fakeClient) publish(values ...opc.DataValue) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h("sub-1", values)
}

func (f *fakeClient) raise(ev opc.AlarmEvent) {
	f.mu.Lock()
	h := f.alarmHandler
	f.mu.Unlock()
	h(ev)
}

func (f *fakeClient) set(fn func(f *fakeClient)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}
