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

// Package buffer retains subscription data while the outbound path is down.
//
// Every subscription has its own bounded FIFO queue. When a queue is full the
// oldest item is evicted, so under a long outage the most recent data
// survives. All operations are safe for concurrent use.
package buffer

import (
	"slices"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/united-manufacturing-hub/opc-connector/pkg/logger"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

// DefaultCapacity applies to queues without their own capacity until
// SetCapacity changes it.
const DefaultCapacity = 1000

var (
	bufferedItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opc_buffered_items",
			Help: "Number of data values waiting in the subscription buffer",
		},
		[]string{"subscription"},
	)
	bufferEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opc_buffer_evictions_total",
			Help: "Total number of buffered data values dropped because a queue was full",
		},
	)
)

// BufferedDataItem is a value held back from the publisher.
type BufferedDataItem struct {
	Value      opc.DataValue
	BufferedAt time.Time
	// Retries counts how often the item was drained and put back.
	Retries int
}

type queue struct {
	items    deque.Deque[BufferedDataItem]
	capacity int // 0 means the default capacity
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithLogger replaces the default zap logger.
func WithLogger(l opc.Logger) Option {
	return func(b *Buffer) { b.log = l }
}

// WithCapacity sets the default capacity. Non-positive values are ignored.
func WithCapacity(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.defaultCapacity = n
		}
	}
}

// Buffer is the subscription data buffer.
type Buffer struct {
	log opc.Logger

	mu              sync.Mutex
	defaultCapacity int
	queues          map[string]*queue
}

// New returns an empty buffer with DefaultCapacity.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		defaultCapacity: DefaultCapacity,
		queues:          make(map[string]*queue),
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = logger.For(logger.ComponentBuffer)
	}
	return b
}

func (b *Buffer) queueLocked(subID string) *queue {
	q, ok := b.queues[subID]
	if !ok {
		q = &queue{}
		b.queues[subID] = q
	}
	return q
}

func (b *Buffer) capacityLocked(q *queue) int {
	if q.capacity > 0 {
		return q.capacity
	}
	return b.defaultCapacity
}

// evictLocked drops the oldest items until the queue fits its capacity.
func (b *Buffer) evictLocked(subID string, q *queue, room int) {
	limit := b.capacityLocked(q) - room
	for q.items.Len() > limit && q.items.Len() > 0 {
		dropped := q.items.PopFront()
		bufferEvictionsTotal.Inc()
		b.log.Warnf("Buffer for subscription %s is full, dropping value of %s from %s",
			subID, dropped.Value.Node(), dropped.Value.Timestamp().Format(time.RFC3339Nano))
	}
}

func (b *Buffer) updateGaugeLocked(subID string, q *queue) {
	bufferedItems.WithLabelValues(subID).Set(float64(q.items.Len()))
}

// AddData appends value to the queue of subID, evicting the oldest item when
// the queue is full.
func (b *Buffer) AddData(subID string, value opc.DataValue) {
	b.AddBatch(subID, []opc.DataValue{value})
}

// AddBatch appends values in order as one atomic step, so a concurrent drain
// sees either none or all of them.
func (b *Buffer) AddBatch(subID string, values []opc.DataValue) {
	if len(values) == 0 {
		return
	}
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(subID)
	for _, v := range values {
		b.evictLocked(subID, q, 1)
		q.items.PushBack(BufferedDataItem{Value: v, BufferedAt: now})
	}
	b.updateGaugeLocked(subID, q)
}

// forgetLocked drops the queue of subID and its gauge series.
func (b *Buffer) forgetLocked(subID string) {
	delete(b.queues, subID)
	bufferedItems.DeleteLabelValues(subID)
}

// Drain removes and returns every item of subID, oldest first. Values added
// while the caller works on the result start a fresh queue. An emptied queue
// without its own capacity is forgotten, so subscriptions replaced on
// reconnect leave nothing behind.
func (b *Buffer) Drain(subID string) []BufferedDataItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[subID]
	if !ok || q.items.Len() == 0 {
		return nil
	}
	out := make([]BufferedDataItem, q.items.Len())
	for i := range out {
		out[i] = q.items.PopFront()
	}
	if q.capacity == 0 {
		b.forgetLocked(subID)
	} else {
		b.updateGaugeLocked(subID, q)
	}
	return out
}

// RemoveSubscription drops the queue of subID together with its capacity and
// returns the number of values that were still buffered.
func (b *Buffer) RemoveSubscription(subID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[subID]
	if !ok {
		return 0
	}
	dropped := q.items.Len()
	b.forgetLocked(subID)
	if dropped > 0 {
		b.log.Infof("Removed subscription %s with %d buffered values", subID, dropped)
	}
	return dropped
}

// GetAndClearBuffer drains the queue of subID and returns its values in FIFO order.
func (b *Buffer) GetAndClearBuffer(subID string) []opc.DataValue {
	items := b.Drain(subID)
	if items == nil {
		return nil
	}
	out := make([]opc.DataValue, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out
}

// Restore puts drained items that could not be delivered back in front of
// the queue, ahead of anything buffered since the drain. The capacity rule
// still holds: if the queue overflows, the oldest items go first.
func (b *Buffer) Restore(subID string, items []BufferedDataItem) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(subID)
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		it.Retries++
		q.items.PushFront(it)
	}
	b.evictLocked(subID, q, 0)
	b.updateGaugeLocked(subID, q)
}

// HasBufferedData reports whether subID has anything queued.
func (b *Buffer) HasBufferedData(subID string) bool {
	return b.GetBufferedItemCount(subID) > 0
}

// GetBufferedItemCount returns the queue length of subID.
func (b *Buffer) GetBufferedItemCount(subID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[subID]; ok {
		return q.items.Len()
	}
	return 0
}

// SubscriptionIDs lists the subscriptions with queued data, sorted.
func (b *Buffer) SubscriptionIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.queues))
	for id, q := range b.queues {
		if q.items.Len() > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// SetCapacity sets the capacity of subID, or the default capacity when subID
// is empty. Non-positive capacities are ignored with a warning. Queues longer
// than their new capacity are trimmed right away.
func (b *Buffer) SetCapacity(capacity int, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if capacity <= 0 {
		current := b.defaultCapacity
		if q, ok := b.queues[subID]; ok && subID != "" {
			current = b.capacityLocked(q)
		}
		b.log.Warnf("Ignoring buffer capacity %d, keeping %d", capacity, current)
		return
	}
	if subID == "" {
		b.defaultCapacity = capacity
		for id, q := range b.queues {
			if q.capacity == 0 {
				b.evictLocked(id, q, 0)
				b.updateGaugeLocked(id, q)
			}
		}
		return
	}
	q := b.queueLocked(subID)
	q.capacity = capacity
	b.evictLocked(subID, q, 0)
	b.updateGaugeLocked(subID, q)
}

// ClearAllBuffers drops all buffered data. Per-subscription capacities are kept.
func (b *Buffer) ClearAllBuffers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for id, q := range b.queues {
		dropped += q.items.Len()
		if q.capacity == 0 {
			b.forgetLocked(id)
			continue
		}
		bufferedItems.DeleteLabelValues(id)
		q.items.Clear()
	}
	if dropped > 0 {
		b.log.Infof("Cleared %d buffered values", dropped)
	}
}
