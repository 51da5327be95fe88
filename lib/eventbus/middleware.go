/*
Copyright 2024 WebSSH2 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package eventbus

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// PublishFunc is the shape a Middleware wraps.
type PublishFunc func(Event) error

// Middleware composes around every Publish call, in the order it was
// registered with Bus.Use (the first registered is outermost).
type Middleware func(PublishFunc) PublishFunc

func chain(mws []Middleware, terminal PublishFunc) PublishFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		terminal = mws[i](terminal)
	}
	return terminal
}

// ErrDuplicate is returned (and swallowed by Bus.Publish, not treated as
// a caller-visible failure) when the Dedup middleware drops a repeat.
var ErrDuplicate = errors.New("eventbus: duplicate event suppressed")

// LoggingMiddleware logs every publish at debug level, matching the
// teacher's logrus.WithFields convention.
func LoggingMiddleware(log *logrus.Entry) Middleware {
	return func(next PublishFunc) PublishFunc {
		return func(ev Event) error {
			err := next(ev)
			fields := logrus.Fields{"type": string(ev.Type), "priority": ev.Priority.String()}
			if err != nil {
				log.WithFields(fields).WithError(err).Debug("event publish rejected")
			} else {
				log.WithFields(fields).Debug("event published")
			}
			return err
		}
	}
}

// RateLimiter token-buckets publishes per event type.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[EventType]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewRateLimiter(eventsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[EventType]*rate.Limiter),
		rps:      rate.Limit(eventsPerSecond),
		burst:    burst,
	}
}

func (r *RateLimiter) limiterFor(t EventType) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[t]
	if !ok {
		l = rate.NewLimiter(r.rps, r.burst)
		r.limiters[t] = l
	}
	return l
}

// Middleware returns a Middleware enforcing this limiter.
func (r *RateLimiter) Middleware() Middleware {
	return func(next PublishFunc) PublishFunc {
		return func(ev Event) error {
			if !r.limiterFor(ev.Type).Allow() {
				return &ErrQueueFull{} // rate-limited publishes are reported the same way as overflow: a rejected publish, not a panic or block.
			}
			return next(ev)
		}
	}
}

// Dedup suppresses repeat (type, payload) pairs seen within window.
type Dedup struct {
	window time.Duration
	clock  clockwork.Clock
	cache  *lru.Cache
}

func NewDedup(window time.Duration, capacity int, clock clockwork.Clock) *Dedup {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cache, _ := lru.New(capacity)
	return &Dedup{window: window, clock: clock, cache: cache}
}

func dedupKey(ev Event) uint64 {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%v", ev.Type, ev.Payload)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

func (d *Dedup) Middleware() Middleware {
	return func(next PublishFunc) PublishFunc {
		return func(ev Event) error {
			key := dedupKey(ev)
			if v, ok := d.cache.Get(key); ok {
				if d.clock.Now().Sub(v.(time.Time)) < d.window {
					return ErrDuplicate
				}
			}
			d.cache.Add(key, d.clock.Now())
			return next(ev)
		}
	}
}

// CircuitBreaker opens for an event type after Threshold consecutive
// handler failures and resets after Cooldown. It is driven two ways:
// as a Middleware (rejects publishes while open) and via RecordResult,
// called by the drain loop after each handler invocation.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration
	clock     clockwork.Clock

	mu    sync.Mutex
	state map[EventType]*breakerState
}

type breakerState struct {
	consecutiveFailures int
	openUntil           time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration, clock clockwork.Clock) *CircuitBreaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		clock:     clock,
		state:     make(map[EventType]*breakerState),
	}
}

func (c *CircuitBreaker) Allow(t EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[t]
	if !ok {
		return true
	}
	if s.openUntil.IsZero() {
		return true
	}
	if c.clock.Now().After(s.openUntil) {
		s.openUntil = time.Time{}
		s.consecutiveFailures = 0
		return true
	}
	return false
}

func (c *CircuitBreaker) RecordResult(t EventType, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[t]
	if !ok {
		s = &breakerState{}
		c.state[t] = s
	}
	if err == nil {
		s.consecutiveFailures = 0
		s.openUntil = time.Time{}
		return
	}
	s.consecutiveFailures++
	if s.consecutiveFailures >= c.Threshold {
		s.openUntil = c.clock.Now().Add(c.Cooldown)
	}
}

func (c *CircuitBreaker) Middleware() Middleware {
	return func(next PublishFunc) PublishFunc {
		return func(ev Event) error {
			if !c.Allow(ev.Type) {
				return &ErrCircuitOpen{Type: ev.Type}
			}
			return next(ev)
		}
	}
}
