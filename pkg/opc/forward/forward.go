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

// Package forward hands subscription notifications to the outbound publisher
// and diverts them into the subscription buffer while the publisher is
// unavailable. Per subscription, values reach the publisher in the order they
// were delivered, whether they went straight through or via the buffer.
package forward

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/united-manufacturing-hub/opc-connector/pkg/logger"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/buffer"
	"github.com/united-manufacturing-hub/opc-connector/pkg/retry"
)

const (
	DefaultDrainInterval  = 500 * time.Millisecond
	DefaultDrainBatchSize = 500
)

var forwardedValuesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "opc_forwarded_values_total",
		Help: "Total number of data values handed to the publisher, by path",
	},
	[]string{"path"}, // direct, diverted, drained
)

// Publisher is the outbound path. Healthy reports whether Publish is expected
// to succeed right now; it must not block.
type Publisher interface {
	Publish(ctx context.Context, subID string, values []opc.DataValue) error
	Healthy() bool
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithLogger replaces the default zap logger.
func WithLogger(l opc.Logger) Option {
	return func(f *Forwarder) { f.log = l }
}

// WithDrainInterval sets how often Run looks for buffered data.
func WithDrainInterval(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.drainInterval = d
		}
	}
}

// WithDrainBatchSize limits how many buffered values go into one Publish call.
func WithDrainBatchSize(n int) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.drainBatch = n
		}
	}
}

// WithRetry replaces the gate that paces drain retries.
func WithRetry(g *retry.Gate) Option {
	return func(f *Forwarder) { f.retry = g }
}

// lane serializes everything that is published for one subscription.
type lane struct {
	subID   string
	pending deque.Deque[[]opc.DataValue]
	busy    bool
	drain   bool
	wake    chan struct{}
}

func (l *lane) idle() bool { return !l.busy && l.pending.Len() == 0 && !l.drain }

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Forwarder connects notification handlers, the buffer and the publisher.
type Forwarder struct {
	pub           Publisher
	buf           *buffer.Buffer
	log           opc.Logger
	retry         *retry.Gate
	drainInterval time.Duration
	drainBatch    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
}

// New returns a forwarder. Call Close to stop its lanes.
func New(pub Publisher, buf *buffer.Buffer, opts ...Option) *Forwarder {
	f := &Forwarder{
		pub:           pub,
		buf:           buf,
		drainInterval: DefaultDrainInterval,
		drainBatch:    DefaultDrainBatchSize,
		lanes:         make(map[string]*lane),
	}
	for _, o := range opts {
		o(f)
	}
	if f.log == nil {
		f.log = logger.For(logger.ComponentForwarder)
	}
	if f.retry == nil {
		f.retry = retry.New(retry.Config{Name: "buffer drain", Logger: logger.For(logger.ComponentForwarder)})
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	return f
}

// Deliver accepts a notification batch. It never waits for the publisher:
// the batch is queued on the subscription's lane, or buffered when the
// publisher is unhealthy or older data is still buffered. It has the
// signature of opc.NotificationHandler.
func (f *Forwarder) Deliver(subID string, values []opc.DataValue) {
	if len(values) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.buf.AddBatch(subID, values)
		return
	}
	l := f.laneLocked(subID)
	if l.idle() && (!f.pub.Healthy() || f.buf.HasBufferedData(subID)) {
		f.buf.AddBatch(subID, values)
		forwardedValuesTotal.WithLabelValues("diverted").Add(float64(len(values)))
		return
	}
	l.pending.PushBack(values)
	l.signal()
}

func (f *Forwarder) laneLocked(subID string) *lane {
	l, ok := f.lanes[subID]
	if !ok {
		l = &lane{subID: subID, wake: make(chan struct{}, 1)}
		f.lanes[subID] = l
		f.wg.Add(1)
		go f.runLane(l)
	}
	return l
}

func (f *Forwarder) runLane(l *lane) {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-l.wake:
		}
		for f.step(l) {
		}
	}
}

// step runs one unit of work of the lane and reports whether there was any.
func (f *Forwarder) step(l *lane) bool {
	f.mu.Lock()
	if f.ctx.Err() != nil {
		f.mu.Unlock()
		return false
	}
	switch {
	case l.drain:
		l.drain = false
		l.busy = true
		f.mu.Unlock()
		f.drain(l.subID)
	case l.pending.Len() > 0:
		batch := l.pending.PopFront()
		l.busy = true
		f.mu.Unlock()
		f.forward(l.subID, batch)
	default:
		f.mu.Unlock()
		return false
	}
	f.mu.Lock()
	l.busy = false
	f.mu.Unlock()
	return true
}

func (f *Forwarder) forward(subID string, batch []opc.DataValue) {
	if !f.pub.Healthy() || f.buf.HasBufferedData(subID) {
		f.buf.AddBatch(subID, batch)
		forwardedValuesTotal.WithLabelValues("diverted").Add(float64(len(batch)))
		return
	}
	if err := f.pub.Publish(f.ctx, subID, batch); err != nil {
		f.log.Warnf("Publishing %d values of subscription %s failed, buffering them: %v", len(batch), subID, err)
		f.buf.AddBatch(subID, batch)
		forwardedValuesTotal.WithLabelValues("diverted").Add(float64(len(batch)))
		f.retry.Fail(err)
		return
	}
	forwardedValuesTotal.WithLabelValues("direct").Add(float64(len(batch)))
}

// drain publishes the backlog of subID in chunks. Whatever could not be
// published goes back in front of the buffer.
func (f *Forwarder) drain(subID string) {
	if !f.pub.Healthy() {
		return
	}
	items := f.buf.Drain(subID)
	for start := 0; start < len(items); start += f.drainBatch {
		end := min(start+f.drainBatch, len(items))
		values := make([]opc.DataValue, end-start)
		for i, it := range items[start:end] {
			values[i] = it.Value
		}
		if err := f.pub.Publish(f.ctx, subID, values); err != nil {
			f.log.Warnf("Draining subscription %s failed after %d of %d values: %v", subID, start, len(items), err)
			f.buf.Restore(subID, items[start:])
			f.retry.Fail(err)
			return
		}
		forwardedValuesTotal.WithLabelValues("drained").Add(float64(len(values)))
	}
	if len(items) > 0 {
		f.log.Infof("Drained %d buffered values of subscription %s", len(items), subID)
		if f.retry.Failing() {
			f.retry.Reset()
		}
	}
}

// Run drains buffered data whenever the publisher is healthy, pacing retries
// after failures with the retry gate. It returns when ctx is done.
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.ctx.Done():
			return errors.New("forwarder closed")
		case <-ticker.C:
		}
		f.requestDrains()
	}
}

func (f *Forwarder) requestDrains() {
	if !f.pub.Healthy() || f.retry.Allow() != nil {
		return
	}
	ids := f.buf.SubscriptionIDs()
	if len(ids) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, id := range ids {
		l := f.laneLocked(id)
		l.drain = true
		l.signal()
	}
}

// Close stops the lanes. Batches still queued on a lane are buffered so they
// are not lost; later deliveries go straight to the buffer.
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	for id, l := range f.lanes {
		for l.pending.Len() > 0 {
			f.buf.AddBatch(id, l.pending.PopFront())
		}
	}
}
