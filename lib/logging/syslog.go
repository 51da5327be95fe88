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
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// TLSSyslogConfig configures the optional remote syslog sink.
type TLSSyslogConfig struct {
	Addr          string
	TLSConfig     *tls.Config
	FlushInterval time.Duration
	BufferSize    int
	Tag           string
}

func (c *TLSSyslogConfig) setDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Tag == "" {
		c.Tag = "webssh2"
	}
}

// TLSSyslogSink buffers Events and periodically flushes them over a TLS
// connection as RFC 5424-ish lines. Connection failures are swallowed
// and retried on the next flush; this sink never blocks Emit.
type TLSSyslogSink struct {
	cfg  TLSSyslogConfig
	mu   sync.Mutex
	buf  []Event
	conn net.Conn

	stop chan struct{}
	done chan struct{}
}

// NewTLSSyslogSink constructs and starts the periodic flush loop.
func NewTLSSyslogSink(cfg TLSSyslogConfig) *TLSSyslogSink {
	cfg.setDefaults()
	s := &TLSSyslogSink{
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

func (s *TLSSyslogSink) Write(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) >= s.cfg.BufferSize {
		s.buf = s.buf[1:]
	}
	s.buf = append(s.buf, ev)
}

func (s *TLSSyslogSink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

func (s *TLSSyslogSink) flush() {
	s.mu.Lock()
	pending := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	conn, err := s.connection()
	if err != nil {
		s.mu.Lock()
		s.buf = append(pending, s.buf...)
		s.mu.Unlock()
		return
	}

	for _, ev := range pending {
		line := fmt.Sprintf("<%d>1 %s %s %s - - - %s %s\n",
			facilityPriority(ev.Status), ev.Timestamp.Format(time.RFC3339), s.cfg.Tag,
			ev.Subsystem, ev.EventName, ev.Reason)
		if _, err := conn.Write([]byte(line)); err != nil {
			s.closeConn()
			s.mu.Lock()
			s.buf = append(pending, s.buf...)
			s.mu.Unlock()
			return
		}
	}
}

func facilityPriority(status Status) int {
	// local0 facility (16<<3 == 128); severity 3 (err) on failure, 6
	// (info) otherwise.
	if status == StatusFailure {
		return 128 + 3
	}
	return 128 + 6
}

func (s *TLSSyslogSink) connection() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := tls.Dial("tcp", s.cfg.Addr, s.cfg.TLSConfig)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *TLSSyslogSink) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close stops the flush loop, flushing any buffered events first.
func (s *TLSSyslogSink) Close() {
	close(s.stop)
	<-s.done
	s.closeConn()
}
