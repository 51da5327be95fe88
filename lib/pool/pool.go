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

// Package pool is the process-wide registry of live SSH/Telnet
// transport connections, indexed by connection id and by session id.
package pool

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/billchurch/webssh2-go/lib/apperr"
	"github.com/billchurch/webssh2-go/lib/ids"
)

// Protocol identifies the transport underlying a Connection.
type Protocol string

const (
	SSH    Protocol = "ssh"
	Telnet Protocol = "telnet"
)

// Status is the transport lifecycle of a Connection.
type Status string

const (
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Disconnected Status = "disconnected"
	Error        Status = "error"
)

// Client is the minimal shape the pool needs from an underlying
// transport handle in order to close it politely on eviction. The SSH
// and Telnet adapters' client types satisfy this.
type Client interface {
	End() error
}

// Connection is owned by the Pool; only the Pool's methods and the
// adapter that created it (via Touch/SetStatus) mutate it.
type Connection struct {
	ID           ids.ConnectionId
	SessionId    ids.SessionId
	Protocol     Protocol
	Client       Client
	Host         string
	Port         int
	Username     string
	CreatedAt    time.Time
	lastActivity time.Time
	status       Status
	mu           sync.Mutex
}

// LastActivity returns the last recorded I/O time.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// StatusNow returns the current status.
func (c *Connection) StatusNow() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Touch updates lastActivity to now; called by the adapter on every I/O
// completion.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
}

// SetStatus transitions the connection's status.
func (c *Connection) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

var poolSize = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "webssh2_connection_pool_size",
	Help: "Number of live connections currently tracked by the pool.",
})

func init() {
	prometheus.MustRegister(poolSize)
}

// Pool is the process-wide connection registry singleton.
type Pool struct {
	clock clockwork.Clock
	log   *logrus.Entry

	mu        sync.RWMutex
	byID      map[ids.ConnectionId]*Connection
	bySession map[ids.SessionId]map[ids.ConnectionId]struct{}
}

// New constructs an empty Pool.
func New(clock clockwork.Clock, log *logrus.Entry) *Pool {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.WithField("component", "pool")
	}
	return &Pool{
		clock:     clock,
		log:       log,
		byID:      make(map[ids.ConnectionId]*Connection),
		bySession: make(map[ids.SessionId]map[ids.ConnectionId]struct{}),
	}
}

// NewConnection builds a Connection ready to Add, stamping CreatedAt and
// lastActivity to now.
func (p *Pool) NewConnection(sessionId ids.SessionId, proto Protocol, client Client, host string, port int, username string) *Connection {
	now := p.clock.Now()
	return &Connection{
		ID:           ids.NewConnectionId(),
		SessionId:    sessionId,
		Protocol:     proto,
		Client:       client,
		Host:         host,
		Port:         port,
		Username:     username,
		CreatedAt:    now,
		lastActivity: now,
		status:       Connecting,
	}
}

// Add registers conn. It fails if the id is already present: no two
// pool entries may share an id.
func (p *Pool) Add(conn *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byID[conn.ID]; exists {
		return apperr.New(apperr.KindInternal, "", nil, "connection id %s already registered", conn.ID)
	}

	p.byID[conn.ID] = conn
	if p.bySession[conn.SessionId] == nil {
		p.bySession[conn.SessionId] = make(map[ids.ConnectionId]struct{})
	}
	p.bySession[conn.SessionId][conn.ID] = struct{}{}
	poolSize.Set(float64(len(p.byID)))
	return nil
}

// Get looks up a connection by id.
func (p *Pool) Get(id ids.ConnectionId) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.byID[id]
	return c, ok
}

// Remove deletes the connection from both indices, atomically, and
// returns it so the caller can close its underlying client.
func (p *Pool) Remove(id ids.ConnectionId) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	delete(p.byID, id)
	if sessionSet, ok := p.bySession[c.SessionId]; ok {
		delete(sessionSet, id)
		if len(sessionSet) == 0 {
			delete(p.bySession, c.SessionId)
		}
	}
	poolSize.Set(float64(len(p.byID)))
	return c, true
}

// GetBySession returns all connections currently registered for
// sessionId.
func (p *Pool) GetBySession(sessionId ids.SessionId) []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()

	connIDs := p.bySession[sessionId]
	out := make([]*Connection, 0, len(connIDs))
	for id := range connIDs {
		out = append(out, p.byID[id])
	}
	return out
}

// Clear terminates every underlying client politely (fire-and-forget
// End()), ignoring individual close failures, and empties both indices.
func (p *Pool) Clear() {
	p.mu.Lock()
	all := make([]*Connection, 0, len(p.byID))
	for _, c := range p.byID {
		all = append(all, c)
	}
	p.byID = make(map[ids.ConnectionId]*Connection)
	p.bySession = make(map[ids.SessionId]map[ids.ConnectionId]struct{})
	poolSize.Set(0)
	p.mu.Unlock()

	for _, c := range all {
		if c.Client == nil {
			continue
		}
		if err := c.Client.End(); err != nil {
			p.log.WithError(err).WithField("connection_id", string(c.ID)).
				Debug("error closing connection during pool clear")
		}
	}
}
