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

// Package logging emits the gateway's structured operational events
// through logrus, with per-target sampling and rate limiting and an
// optional TLS syslog sink, separate from the per-connection debug
// logging the adapters do directly through logrus.FieldLogger.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the outcome field every Event carries.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Event is one structured operational record, per spec.md §4.K.
type Event struct {
	Timestamp    time.Time
	Level        logrus.Level
	EventName    string
	Subsystem    string
	ConnectionId string
	SessionId    string
	Status       Status
	DurationMs   int64
	BytesIn      int64
	BytesOut     int64
	Reason       string
	Data         map[string]interface{}
}

func (e Event) fields() logrus.Fields {
	f := logrus.Fields{
		"event":     e.EventName,
		"subsystem": e.Subsystem,
		"status":    string(e.Status),
	}
	if e.ConnectionId != "" {
		f["connection_id"] = e.ConnectionId
	}
	if e.SessionId != "" {
		f["session_id"] = e.SessionId
	}
	if e.DurationMs != 0 {
		f["duration_ms"] = e.DurationMs
	}
	if e.BytesIn != 0 {
		f["bytes_in"] = e.BytesIn
	}
	if e.BytesOut != 0 {
		f["bytes_out"] = e.BytesOut
	}
	if e.Reason != "" {
		f["reason"] = e.Reason
	}
	for k, v := range e.Data {
		f[k] = v
	}
	return f
}
