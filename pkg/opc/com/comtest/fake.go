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

// Package comtest provides in-memory COM sessions for tests of the DA, HDA and
// A&C communicators.
package comtest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/com"
)

// ErrClosed is returned by every call on a closed fake session.
var ErrClosed = errors.New("session closed")

// Base implements com.Session.
type Base struct {
	mu sync.Mutex

	// ConnectErr is returned by Connect.
	ConnectErr error
	// BlockConnect makes Connect wait until its context is cancelled.
	BlockConnect bool
	// ConnectStarted is closed when Connect is entered, if set.
	ConnectStarted chan struct{}

	ServerStatus com.ServerStatus
	StatusErr    error

	startedOnce sync.Once
	connected   bool
	closed      bool
}

func (b *Base) Connect(ctx context.Context) error {
	if b.ConnectStarted != nil {
		b.startedOnce.Do(func() { close(b.ConnectStarted) })
	}
	if b.BlockConnect {
		<-ctx.Done()
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ConnectErr != nil {
		return b.ConnectErr
	}
	b.connected = true
	b.closed = false
	return nil
}

func (b *Base) Status(context.Context) (com.ServerStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return com.ServerStatus{}, ErrClosed
	}
	return b.ServerStatus, b.StatusErr
}

func (b *Base) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.connected = false
	return nil
}

// Closed reports whether Close was called.
func (b *Base) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Base) usable() error {
	if b.closed || !b.connected {
		return ErrClosed
	}
	return nil
}

// Running is the status of a healthy server.
var Running = com.ServerStatus{State: com.ServerStateRunning, ProductName: "Fake OPC Server", ProductVersion: "1.0.0", VendorInfo: "UMH"}

// DASession is an in-memory DA server.
type DASession struct {
	Base

	// Items holds the current value of every item.
	Items map[string]com.ItemValue
	// Tree maps a branch to its children. The root branch is "".
	Tree map[string][]string
	// Rejects makes Write fail the listed items with the given error.
	Rejects map[string]error
	// Omit drops items from read and write responses.
	Omit map[string]bool

	ReadErr  error
	WriteErr error

	Writes [][]com.ItemWrite
}

// NewDASession returns a running server with no items.
func NewDASession() *DASession {
	return &DASession{
		Base:    Base{ServerStatus: Running},
		Items:   map[string]com.ItemValue{},
		Tree:    map[string][]string{},
		Rejects: map[string]error{},
		Omit:    map[string]bool{},
	}
}

func (s *DASession) Browse(_ context.Context, branch string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	return append([]string(nil), s.Tree[branch]...), nil
}

// Read answers in reverse item ID order to exercise result correlation.
func (s *DASession) Read(_ context.Context, itemIDs []string) ([]com.ItemValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	out := make([]com.ItemValue, 0, len(itemIDs))
	for _, id := range itemIDs {
		if s.Omit[id] {
			continue
		}
		iv, ok := s.Items[id]
		if !ok {
			out = append(out, com.ItemValue{ItemID: id, Err: errors.New("OPC_E_UNKNOWNITEMID")})
			continue
		}
		iv.ItemID = id
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID > out[j].ItemID })
	return out, nil
}

func (s *DASession) Write(_ context.Context, items []com.ItemWrite) ([]com.ItemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.WriteErr != nil {
		return nil, s.WriteErr
	}
	s.Writes = append(s.Writes, append([]com.ItemWrite(nil), items...))
	out := make([]com.ItemResult, 0, len(items))
	for _, it := range items {
		if s.Omit[it.ItemID] {
			continue
		}
		if err := s.Rejects[it.ItemID]; err != nil {
			out = append(out, com.ItemResult{ItemID: it.ItemID, Err: err})
			continue
		}
		s.Items[it.ItemID] = com.ItemValue{ItemID: it.ItemID, Value: it.Value, Quality: com.QualityGood}
		out = append(out, com.ItemResult{ItemID: it.ItemID})
	}
	return out, nil
}

// WriteCount returns the number of Write batches received.
func (s *DASession) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Writes)
}

// HDASession is an in-memory HDA server.
type HDASession struct {
	Base

	// History holds the stored values of every item in time order.
	History map[string][]com.ItemValue
	Tree    map[string][]string
	// Supported lists the aggregates the server reports.
	Supported []com.AggregateInfo

	RawRequests       []com.HistoryRawRequest
	ProcessedRequests []com.HistoryProcessedRequest
}

// NewHDASession returns a running server supporting average, minimum and maximum.
func NewHDASession() *HDASession {
	return &HDASession{
		Base:    Base{ServerStatus: Running},
		History: map[string][]com.ItemValue{},
		Tree:    map[string][]string{},
		Supported: []com.AggregateInfo{
			{ID: 3, Name: "Average"},
			{ID: 8, Name: "Minimum"},
			{ID: 10, Name: "Maximum"},
		},
	}
}

func (s *HDASession) Browse(_ context.Context, branch string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	return append([]string(nil), s.Tree[branch]...), nil
}

func (s *HDASession) Aggregates(context.Context) ([]com.AggregateInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	return append([]com.AggregateInfo(nil), s.Supported...), nil
}

func (s *HDASession) ReadRaw(_ context.Context, req com.HistoryRawRequest) ([]com.HistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	s.RawRequests = append(s.RawRequests, req)
	out := make([]com.HistoryItem, 0, len(req.ItemIDs))
	for i := len(req.ItemIDs) - 1; i >= 0; i-- {
		id := req.ItemIDs[i]
		values, ok := s.History[id]
		if !ok {
			out = append(out, com.HistoryItem{ItemID: id, Err: errors.New("OPC_E_UNKNOWNITEMID")})
			continue
		}
		var sel []com.ItemValue
		for _, v := range values {
			inRange := !v.Timestamp.Before(req.Start) && !v.Timestamp.After(req.End)
			if !inRange {
				continue
			}
			sel = append(sel, v)
			if req.MaxValues > 0 && uint32(len(sel)) >= req.MaxValues {
				break
			}
		}
		out = append(out, com.HistoryItem{ItemID: id, Values: sel})
	}
	return out, nil
}

// ReadProcessed returns a single value per item holding the aggregate ID as
// an int32, timestamped at the start of the range.
func (s *HDASession) ReadProcessed(_ context.Context, req com.HistoryProcessedRequest) ([]com.HistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	s.ProcessedRequests = append(s.ProcessedRequests, req)
	out := make([]com.HistoryItem, 0, len(req.ItemIDs))
	for _, id := range req.ItemIDs {
		out = append(out, com.HistoryItem{ItemID: id, Values: []com.ItemValue{{
			ItemID:    id,
			Value:     com.Variant{Type: com.VTI4, Val: int32(req.AggregateID)},
			Quality:   com.QualityGood,
			Timestamp: req.Start,
		}}})
	}
	return out, nil
}

// AESession is an in-memory A&C server.
type AESession struct {
	Base

	Areas map[string][]string
	// AckRejects fails acknowledgements of the listed cookies.
	AckRejects map[string]error
	Acks       [][]com.AckRequest

	SubscribeErr error
	handler      func([]com.EventNotification)
}

// NewAESession returns a running A&C server.
func NewAESession() *AESession {
	return &AESession{
		Base:       Base{ServerStatus: Running},
		Areas:      map[string][]string{},
		AckRejects: map[string]error{},
	}
}

func (s *AESession) BrowseAreas(_ context.Context, area string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	return append([]string(nil), s.Areas[area]...), nil
}

func (s *AESession) Subscribe(_ context.Context, onEvents func([]com.EventNotification)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if s.SubscribeErr != nil {
		return s.SubscribeErr
	}
	s.handler = onEvents
	return nil
}

// Emit delivers a batch of events to the installed sink. It reports false when
// nothing is subscribed or the session is closed.
func (s *AESession) Emit(events ...com.EventNotification) bool {
	s.mu.Lock()
	h := s.handler
	closed := s.closed
	s.mu.Unlock()
	if h == nil || closed {
		return false
	}
	h(events)
	return true
}

func (s *AESession) Acknowledge(_ context.Context, acks []com.AckRequest) ([]com.ItemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	s.Acks = append(s.Acks, append([]com.AckRequest(nil), acks...))
	out := make([]com.ItemResult, len(acks))
	for i, a := range acks {
		out[i] = com.ItemResult{ItemID: a.Cookie, Err: s.AckRejects[a.Cookie]}
	}
	return out, nil
}

// DialDA returns a dialer that always hands out s.
func DialDA(s *DASession) com.DialDA {
	return func(opc.ClientConfiguration) (com.DASession, error) { return s, nil }
}

// DialHDA returns a dialer that always hands out s.
func DialHDA(s *HDASession) com.DialHDA {
	return func(opc.ClientConfiguration) (com.HDASession, error) { return s, nil }
}

// DialAE returns a dialer that always hands out s.
func DialAE(s *AESession) com.DialAE {
	return func(opc.ClientConfiguration) (com.AESession, error) { return s, nil }
}
