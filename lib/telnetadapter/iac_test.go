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

package telnetadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeedStripsSimpleNegotiation(t *testing.T) {
	n := newNegotiation("xterm")
	in := append([]byte("hello "), iacIAC, iacDO, optNAWS)
	in = append(in, []byte(" world")...)

	clean, reply := n.Feed(in)
	require.Equal(t, "hello  world", string(clean))
	require.Equal(t, []byte{iacIAC, iacWILL, optNAWS}, reply)
}

func TestFeedDecodesEscapedIACAsSingleByte(t *testing.T) {
	n := newNegotiation("xterm")
	in := []byte{'a', iacIAC, iacIAC, 'b'}

	clean, reply := n.Feed(in)
	require.Equal(t, []byte{'a', 0xFF, 'b'}, clean)
	require.Empty(t, reply)
}

func TestFeedHandlesPartialIACSplitAcrossCalls(t *testing.T) {
	n := newNegotiation("xterm")

	clean1, reply1 := n.Feed([]byte{'x', iacIAC})
	require.Equal(t, []byte{'x'}, clean1)
	require.Empty(t, reply1)

	clean2, reply2 := n.Feed([]byte{iacDO, optTermType, 'y'})
	require.Equal(t, []byte{'y'}, clean2)
	require.Equal(t, []byte{iacIAC, iacWILL, optTermType}, reply2)
}

func TestFeedRefusesUnsupportedOption(t *testing.T) {
	n := newNegotiation("xterm")
	const unsupportedOpt byte = 99

	_, reply := n.Feed([]byte{iacIAC, iacDO, unsupportedOpt})
	require.Equal(t, []byte{iacIAC, iacWONT, unsupportedOpt}, reply)
}

func TestTerminalTypeSubnegotiationRespondsWithIS(t *testing.T) {
	n := newNegotiation("vt100")
	sb := []byte{iacIAC, iacSB, optTermType, ttSend, iacIAC, iacSE}

	_, reply := n.Feed(sb)
	want := append([]byte{iacIAC, iacSB, optTermType, ttIS}, []byte("vt100")...)
	want = append(want, iacIAC, iacSE)
	require.Equal(t, want, reply)
}

func TestSubnegotiationWithEscapedIACByteYieldsNoCleanData(t *testing.T) {
	n := newNegotiation("xterm")
	// SB NAWS containing a literal 0xFF (escaped as IAC IAC) followed by SE.
	sb := []byte{iacIAC, iacSB, optNAWS, 0x00, iacIAC, iacIAC, 0x00, 0x18, iacIAC, iacSE}

	clean, _ := n.Feed(sb)
	require.Empty(t, clean, "subnegotiation bytes never reach the clean data stream")
}

func TestNAWSEncodesDimensionsBigEndianWithEscaping(t *testing.T) {
	out := NAWS(0xFF, 24)
	want := []byte{iacIAC, iacSB, optNAWS, 0x00, iacIAC, iacIAC, 0x00, 24, iacIAC, iacSE}
	require.Equal(t, want, out)
}
