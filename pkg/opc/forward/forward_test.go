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

package forward_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/buffer"
	"github.com/united-manufacturing-hub/opc-connector/pkg/opc/forward"
	"github.com/united-manufacturing-hub/opc-connector/pkg/retry"
)

type fakePublisher struct {
	mu        sync.Mutex
	healthy   bool
	failures  int
	failCalls map[int]bool
	calls     int
	published map[string][]string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{healthy: true, failCalls: map[int]bool{}, published: map[string][]string{}}
}

func (p *fakePublisher) Publish(_ context.Context, subID string, values []opc.DataValue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures > 0 || p.failCalls[p.calls] {
		if p.failures > 0 {
			p.failures--
		}
		return errors.New("broker unavailable")
	}
	for _, v := range values {
		p.published[subID] = append(p.published[subID], v.Node().Identifier)
	}
	return nil
}

func (p *fakePublisher) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *fakePublisher) setHealthy(h bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = h
}

func (p *fakePublisher) failNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
}

func (p *fakePublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakePublisher) got(subID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published[subID]...)
}

func values(names ...string) []opc.DataValue {
	out := make([]opc.DataValue, len(names))
	for i, n := range names {
		out[i] = opc.NewDataValue(opc.NewNodeAddress(n), opc.Int32(int32(i)), opc.Good, time.Now())
	}
	return out
}

var _ = Describe("Forwarder", func() {
	var (
		pub    *fakePublisher
		buf    *buffer.Buffer
		fwd    *forward.Forwarder
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		pub = newFakePublisher()
		buf = buffer.New(buffer.WithLogger(opc.NopLogger{}))
		fwd = forward.New(pub, buf,
			forward.WithLogger(opc.NopLogger{}),
			forward.WithDrainInterval(5*time.Millisecond),
			forward.WithRetry(retry.New(retry.Config{
				InitialInterval: time.Millisecond,
				MaxInterval:     5 * time.Millisecond,
			})),
		)
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		fwd.Close()
	})

	It("publishes batches directly while the publisher is healthy", func() {
		fwd.Deliver("sub", values("A", "B"))
		fwd.Deliver("sub", values("C"))
		Eventually(func() []string { return pub.got("sub") }).Should(Equal([]string{"A", "B", "C"}))
		Expect(buf.HasBufferedData("sub")).To(BeFalse())
	})

	It("diverts to the buffer while the publisher is unhealthy", func() {
		pub.setHealthy(false)
		fwd.Deliver("sub", values("A"))
		fwd.Deliver("sub", values("B"))
		Eventually(func() int { return buf.GetBufferedItemCount("sub") }).Should(Equal(2))
		Consistently(func() []string { return pub.got("sub") }, 50*time.Millisecond).Should(BeEmpty())
	})

	It("drains the backlog before newer data once the publisher recovers", func() {
		go func() { _ = fwd.Run(ctx) }()

		pub.setHealthy(false)
		fwd.Deliver("sub", values("A", "B"))
		Eventually(func() int { return buf.GetBufferedItemCount("sub") }).Should(Equal(2))

		pub.setHealthy(true)
		fwd.Deliver("sub", values("C"))
		Eventually(func() []string { return pub.got("sub") }).Should(Equal([]string{"A", "B", "C"}))
		Expect(buf.HasBufferedData("sub")).To(BeFalse())
	})

	It("buffers a batch whose publish fails and keeps later batches behind it", func() {
		pub.failNext(1)
		fwd.Deliver("sub", values("A"))
		fwd.Deliver("sub", values("B"))
		Eventually(func() int { return buf.GetBufferedItemCount("sub") }).Should(Equal(2))
		Expect(pub.got("sub")).To(BeEmpty())

		go func() { _ = fwd.Run(ctx) }()
		Eventually(func() []string { return pub.got("sub") }).Should(Equal([]string{"A", "B"}))
	})

	It("restores what a failed drain could not publish", func() {
		fwd.Close()
		fwd = forward.New(pub, buf,
			forward.WithLogger(opc.NopLogger{}),
			forward.WithDrainInterval(5*time.Millisecond),
			forward.WithDrainBatchSize(2),
			forward.WithRetry(retry.New(retry.Config{
				InitialInterval: time.Millisecond,
				MaxInterval:     5 * time.Millisecond,
			})),
		)
		buf.AddBatch("sub", values("A", "B", "C", "D"))

		// The first chunk goes through, the second fails once and is retried.
		pub.failCalls[2] = true
		go func() { _ = fwd.Run(ctx) }()

		Eventually(func() []string { return pub.got("sub") }).Should(Equal([]string{"A", "B", "C", "D"}))
		Expect(pub.callCount()).To(Equal(3))
		Expect(buf.HasBufferedData("sub")).To(BeFalse())
	})

	It("keeps per-subscription order across healthy and unhealthy phases", func() {
		go func() { _ = fwd.Run(ctx) }()

		var want []string
		for i := range 60 {
			if i%20 == 10 {
				pub.setHealthy(false)
			}
			if i%20 == 0 {
				pub.setHealthy(true)
			}
			if i == 35 {
				pub.failNext(2)
			}
			name := fmt.Sprintf("v%02d", i)
			want = append(want, name)
			fwd.Deliver("sub", values(name))
			fwd.Deliver("other", values(name))
		}
		pub.setHealthy(true)

		Eventually(func() []string { return pub.got("sub") }, 5*time.Second).Should(Equal(want))
		Eventually(func() []string { return pub.got("other") }, 5*time.Second).Should(Equal(want))
	})

	It("buffers undelivered lane batches on Close", func() {
		pub.setHealthy(false)
		fwd.Close()
		fwd.Deliver("sub", values("late"))
		Expect(buf.GetAndClearBuffer("sub")).To(HaveLen(1))
	})
})
