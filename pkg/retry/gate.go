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

// Package retry paces attempts of operations that fail for transient reasons,
// such as connects and buffer drains, with exponential backoff. A failure that
// a retry cannot cure closes the gate until it is reset.
package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/opc-connector/pkg/opc"
)

const (
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
)

// ErrSuspended matches every *SuspendedError.
var ErrSuspended = errors.New("suspended after failure")

// SuspendedError is returned by Allow while a backoff period runs. It wraps the
// failure that started the period.
type SuspendedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("suspended after failure (retry after %v): %v", e.RetryAfter.Round(time.Millisecond), e.Err)
}

func (e *SuspendedError) Unwrap() error        { return e.Err }
func (e *SuspendedError) Is(target error) bool { return target == ErrSuspended }

// Retryable reports whether another attempt can succeed after err. Invalid
// configurations and unsupported protocols fail the same way every time.
func Retryable(err error) bool {
	return !errors.Is(err, opc.ErrConfiguration) && !errors.Is(err, opc.ErrProtocolNotSupported)
}

// IsPermanent reports whether err is the error of a closed gate.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Config sizes a Gate. Zero intervals use the defaults.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Name            string
	Logger          *zap.SugaredLogger
}

// Gate decides whether a failing operation may be attempted again.
type Gate struct {
	name string
	log  *zap.SugaredLogger

	mu      sync.Mutex
	policy  *backoff.ExponentialBackOff
	lastErr error
	until   time.Time
	closed  bool
}

func New(cfg Config) *Gate {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultInitialInterval
	}
	policy.MaxInterval = cfg.MaxInterval
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultMaxInterval
	}
	policy.MaxElapsedTime = 0
	policy.Reset()

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gate{name: cfg.Name, log: log, policy: policy}
}

// Allow returns nil when the operation may run. While a backoff period runs
// it returns a *SuspendedError; once a non-retryable failure was recorded it
// returns that failure wrapped in a *backoff.PermanentError.
func (g *Gate) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return backoff.Permanent(g.lastErr)
	}
	if g.lastErr == nil {
		return nil
	}
	if d := time.Until(g.until); d > 0 {
		return &SuspendedError{RetryAfter: d, Err: g.lastErr}
	}
	return nil
}

// Fail records a failed attempt and returns the wait before the next one.
// A non-retryable err closes the gate and Fail returns zero.
func (g *Gate) Fail(err error) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastErr = err
	if !Retryable(err) {
		g.closed = true
		g.until = time.Time{}
		g.log.Errorf("%s failed and will not be retried: %v", g.name, err)
		return 0
	}
	next := g.policy.NextBackOff()
	g.until = time.Now().Add(next)
	g.log.Debugf("Suspending %s for %s: %v", g.name, next, err)
	return next
}

// Reset forgets all failures, typically after a successful attempt.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastErr = nil
	g.until = time.Time{}
	g.closed = false
	g.policy.Reset()
}

// Failing reports whether a failure was recorded since the last Reset.
func (g *Gate) Failing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr != nil
}

// Remaining is the rest of the current backoff period.
func (g *Gate) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d := time.Until(g.until); d > 0 {
		return d
	}
	return 0
}
