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
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures a Bus. MaxRetries defaults to 3 and QueueCap to
// 10000. The circuit breaker is not part of Config: its failure
// threshold and cool-down are NewCircuitBreaker arguments, attached with
// UseCircuitBreaker (cmd/webssh2 passes 5 failures / 60s cool-down).
type Config struct {
	QueueCap   int
	MaxRetries int
	Log        *logrus.Entry
}

func (c *Config) setDefaults() {
	if c.QueueCap <= 0 {
		c.QueueCap = 10000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "eventbus")
	}
}

type subscription struct {
	id       int
	evType   EventType // empty means subscribeAll
	handler  Handler
	opts     SubscribeOptions
}

// Bus is the process-wide event bus singleton.
type Bus struct {
	cfg Config

	queue *priorityQueue

	subMu     sync.Mutex
	nextSubID int
	byType    map[EventType][]*subscription
	all       []*subscription

	mwMu sync.Mutex
	mws  []Middleware

	breaker *CircuitBreaker

	published      uint64
	processed      uint64
	failed         uint64
	processingNano int64

	inFlightMu sync.Mutex
	inFlight   int
	drainCond  *sync.Cond

	doneOnce sync.Once
	done     chan struct{}
}

// New starts a Bus and its drain loop. Callers should call Close (or
// cancel a parent context and call Close) on shutdown.
func New(cfg Config) *Bus {
	cfg.setDefaults()
	b := &Bus{
		cfg:    cfg,
		queue:  newPriorityQueue(cfg.QueueCap),
		byType: make(map[EventType][]*subscription),
		done:   make(chan struct{}),
	}
	b.drainCond = sync.NewCond(&b.inFlightMu)
	go b.drainLoop()
	return b
}

// Use registers a Middleware. Order matters: the first registered wraps
// the others, and therefore sees a Publish call before they do.
func (b *Bus) Use(mw Middleware) {
	b.mwMu.Lock()
	defer b.mwMu.Unlock()
	b.mws = append(b.mws, mw)
}

// UseCircuitBreaker both registers cb's Middleware (rejecting publishes
// for a tripped event type) and gives the drain loop a handle to call
// RecordResult against after every handler invocation, closing the
// loop between handler failures and the breaker's trip state.
func (b *Bus) UseCircuitBreaker(cb *CircuitBreaker) {
	b.Use(cb.Middleware())
	b.breaker = cb
}

// Subscribe registers handler for exactly evType.
func (b *Bus) Subscribe(evType EventType, handler Handler, opts SubscribeOptions) Unsubscribe {
	return b.subscribe(evType, handler, opts)
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler, opts SubscribeOptions) Unsubscribe {
	return b.subscribe("", handler, opts)
}

func (b *Bus) subscribe(evType EventType, handler Handler, opts SubscribeOptions) Unsubscribe {
	b.subMu.Lock()
	id := b.nextSubID
	b.nextSubID++
	sub := &subscription{id: id, evType: evType, handler: handler, opts: opts}
	if evType == "" {
		b.all = append(b.all, sub)
	} else {
		b.byType[evType] = append(b.byType[evType], sub)
	}
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		if evType == "" {
			b.all = removeSub(b.all, id)
		} else {
			b.byType[evType] = removeSub(b.byType[evType], id)
		}
	}
}

func removeSub(subs []*subscription, id int) []*subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish runs the middleware chain and enqueues ev. It never blocks: a
// full queue (or a middleware rejection such as a tripped circuit
// breaker or exceeded rate limit) returns an error instead.
func (b *Bus) Publish(ev Event, priority Priority) error {
	ev.Priority = priority

	b.mwMu.Lock()
	mws := append([]Middleware(nil), b.mws...)
	b.mwMu.Unlock()

	terminal := func(e Event) error {
		atomic.AddUint64(&b.published, 1)
		if !b.queue.push(e) {
			return &ErrQueueFull{Cap: b.cfg.QueueCap}
		}
		b.inFlightMu.Lock()
		b.inFlight++
		b.inFlightMu.Unlock()
		return nil
	}

	err := chain(mws, terminal)(ev)
	if err == ErrDuplicate {
		return nil
	}
	return err
}

// PublishMany publishes every event at priority and returns one error
// per event, in order (nil where that publish succeeded). An overflow
// does not stop the remaining publishes.
func (b *Bus) PublishMany(events []Event, priority Priority) []error {
	errs := make([]error, len(events))
	for i, ev := range events {
		errs[i] = b.Publish(ev, priority)
	}
	return errs
}

// Flush blocks until the queue is drained and no handler is in flight,
// or ctx is done.
func (b *Bus) Flush(ctx context.Context) error {
	for {
		b.inFlightMu.Lock()
		idle := b.queue.size() == 0 && b.inFlight == 0
		b.inFlightMu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Clear discards all queued (not in-flight) events.
func (b *Bus) Clear() {
	b.queue.clear()
}

// GetStats returns a point-in-time snapshot.
func (b *Bus) GetStats() Stats {
	return Stats{
		Published:      atomic.LoadUint64(&b.published),
		Processed:      atomic.LoadUint64(&b.processed),
		Failed:         atomic.LoadUint64(&b.failed),
		QueueSize:      b.queue.size(),
		ProcessingTime: time.Duration(atomic.LoadInt64(&b.processingNano)),
	}
}

// Close stops the drain loop. Queued events are discarded.
func (b *Bus) Close() {
	b.doneOnce.Do(func() {
		close(b.done)
		b.queue.close()
	})
}

func (b *Bus) drainLoop() {
	for {
		ev, ok := b.queue.pop()
		if !ok {
			return
		}
		b.process(ev)

		b.inFlightMu.Lock()
		b.inFlight--
		b.inFlightMu.Unlock()

		select {
		case <-b.done:
			return
		default:
		}
	}
}

func (b *Bus) process(ev Event) {
	start := time.Now()
	defer func() {
		atomic.AddInt64(&b.processingNano, int64(time.Since(start)))
		atomic.AddUint64(&b.processed, 1)
	}()

	subs := b.matching(ev.Type)

	anyFailed := false
	for _, sub := range subs {
		if sub.opts.Filter != nil && !sub.opts.Filter(ev) {
			continue
		}
		err := sub.handler(ev)
		if b.breaker != nil {
			b.breaker.RecordResult(ev.Type, err)
		}
		if err != nil {
			anyFailed = true
			atomic.AddUint64(&b.failed, 1)
			b.cfg.Log.WithError(err).WithField("type", string(ev.Type)).Warn("event handler failed")
			if ev.Type != EventSystemError {
				b.queue.push(Event{
					Type:     EventSystemError,
					Priority: High,
					Payload: map[string]interface{}{
						"original_type": ev.Type,
						"error":         err.Error(),
					},
				})
			}
		}
		if sub.opts.Once {
			b.unsubscribeByID(sub.evType, sub.id)
		}
	}

	if anyFailed && ev.retries < b.cfg.MaxRetries {
		ev.retries++
		b.queue.pushTail(ev)
	}
}

func (b *Bus) unsubscribeByID(evType EventType, id int) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if evType == "" {
		b.all = removeSub(b.all, id)
	} else {
		b.byType[evType] = removeSub(b.byType[evType], id)
	}
}

func (b *Bus) matching(evType EventType) []*subscription {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	combined := make([]*subscription, 0, len(b.all)+len(b.byType[evType]))
	combined = append(combined, b.byType[evType]...)
	combined = append(combined, b.all...)

	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].opts.Priority > combined[j].opts.Priority
	})
	return combined
}
