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

package terminal

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestGeometryRoundTrip(t *testing.T) {
	s := NewService(clockwork.NewFakeClock(), 4)
	s.SetGeometry("sess1", Geometry{Term: "xterm", Rows: 24, Cols: 80, Environment: map[string]string{"LANG": "en_US.UTF-8"}})
	g := s.Geometry("sess1")
	require.Equal(t, "xterm", g.Term)
	require.Equal(t, 24, g.Rows)

	s.Resize("sess1", 40, 120)
	g = s.Geometry("sess1")
	require.Equal(t, 40, g.Rows)
	require.Equal(t, 120, g.Cols)
	require.Equal(t, "xterm", g.Term, "resize must not touch term")
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	s := NewService(clockwork.NewFakeClock(), 2)
	s.EnableRecording("sess1")
	s.Append("sess1", []byte("a"))
	s.Append("sess1", []byte("b"))
	s.Append("sess1", []byte("c")) // overwrites "a"

	var got []string
	s.StartRecording("sess1", func(c Chunk) { got = append(got, string(c.Bytes)) })
	require.Equal(t, []string{"b", "c"}, got)
}

func TestAppendNoOpWithoutRecording(t *testing.T) {
	s := NewService(clockwork.NewFakeClock(), 4)
	s.Append("sess1", []byte("ignored"))

	var got []string
	s.StartRecording("sess1", func(c Chunk) { got = append(got, string(c.Bytes)) })
	require.Empty(t, got)
}

func TestDestroyClearsState(t *testing.T) {
	s := NewService(clockwork.NewFakeClock(), 4)
	s.SetGeometry("sess1", Geometry{Rows: 10, Cols: 10})
	s.Destroy("sess1")
	g := s.Geometry("sess1")
	require.Equal(t, 0, g.Rows, "destroyed session state starts fresh")
}
