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

package logging

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// target is subsystem+event, the unit sampling and rate limiting key on.
func target(ev Event) string { return ev.Subsystem + "." + ev.EventName }

// sampler down-samples a high-volume target to roughly 1-in-N by
// counting events per target and emitting only every Nth one, rather
// than flipping a coin, so behavior is deterministic and testable.
type sampler struct {
	mu      sync.Mutex
	every   map[string]int
	counter map[string]int
}

func newSampler(rates map[string]int) *sampler {
	return &sampler{every: rates, counter: make(map[string]int)}
}

func (s *sampler) allow(t string) bool {
	n, ok := s.every[t]
	if !ok || n <= 1 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter[t]++
	return s.counter[t]%n == 1
}

// Config controls an Emitter's sampling and rate-limiting policy.
type Config struct {
	// SampleEvery maps a "subsystem.event" target to N, emitting 1 of
	// every N occurrences. Targets absent from the map are never
	// sampled down.
	SampleEvery map[string]int
	// RateLimit maps a target to a per-second budget; events beyond the
	// budget are dropped. Targets absent from the map are unlimited.
	RateLimit map[string]float64
	RateBurst int
	Sink      Sink
	Log       *logrus.Logger
	Clock     clockwork.Clock
}

func (c *Config) setDefaults() {
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Sink receives every Event that survives sampling and rate limiting,
// in addition to the logrus line Emitter always writes. TLSSyslogSink
// implements this for remote log shipping.
type Sink interface {
	Write(Event)
}

// Emitter is the structured event logger from spec.md §4.K.
type Emitter struct {
	cfg     Config
	sampler *sampler
	mu      sync.Mutex
	limiter map[string]*rate.Limiter

	droppedSampled int64
	droppedLimited int64
}

func NewEmitter(cfg Config) *Emitter {
	cfg.setDefaults()
	return &Emitter{
		cfg:     cfg,
		sampler: newSampler(cfg.SampleEvery),
		limiter: make(map[string]*rate.Limiter),
	}
}

func (e *Emitter) limiterFor(t string) *rate.Limiter {
	budget, ok := e.cfg.RateLimit[t]
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiter[t]
	if !ok {
		l = rate.NewLimiter(rate.Limit(budget), e.cfg.RateBurst)
		e.limiter[t] = l
	}
	return l
}

// Emit applies sampling then rate limiting and, if both pass, writes a
// structured log line and forwards to the configured Sink.
func (e *Emitter) Emit(ev Event) {
	t := target(ev)

	if !e.sampler.allow(t) {
		e.mu.Lock()
		e.droppedSampled++
		e.mu.Unlock()
		eventsDropped.WithLabelValues("sampled").Inc()
		return
	}
	if l := e.limiterFor(t); l != nil && !l.Allow() {
		e.mu.Lock()
		e.droppedLimited++
		e.mu.Unlock()
		eventsDropped.WithLabelValues("rate_limited").Inc()
		return
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.cfg.Clock.Now()
	}

	entry := e.cfg.Log.WithFields(ev.fields()).WithTime(ev.Timestamp)
	level := ev.Level
	if level == logrus.PanicLevel {
		// An unset Level is logrus's zero value, PanicLevel, on which
		// entry.Log panics; log at info (warn for failures) instead.
		level = logrus.InfoLevel
		if ev.Status == StatusFailure {
			level = logrus.WarnLevel
		}
	}
	entry.Log(level, ev.EventName)

	if e.cfg.Sink != nil {
		e.cfg.Sink.Write(ev)
	}
}

// Dropped returns the counts of events suppressed by sampling and by
// rate limiting respectively, for diagnostics.
func (e *Emitter) Dropped() (sampled, limited int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.droppedSampled, e.droppedLimited
}
