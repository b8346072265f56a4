// Copyright 2023 The emqx-lite Authors
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

package mqtt

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectFrame(name string, level byte, clientID string) []byte {
	payload := []byte{0x00, byte(len(name))}
	payload = append(payload, name...)
	payload = append(payload,
		level,      // Protocol Level
		0x02,       // Connect Flags (Clean Session)
		0x00, 0x3C, // Keep Alive
	)
	payload = append(payload, 0x00, byte(len(clientID)))
	payload = append(payload, clientID...)
	return append([]byte{TypeCONNECT << 4, byte(len(payload))}, payload...)
}

func TestDecodeFixedHeader(t *testing.T) {
	// PINGREQ packet with RemLength 0
	fh, err := DecodeFixedHeader([]byte{0xC0, 0x00})
	require.NoError(t, err)
	assert.Equal(t, byte(0x0C), fh.PacketType)
	assert.Equal(t, byte(0x00), fh.Flags)
	assert.Equal(t, 0, fh.RemLength)
	assert.Equal(t, 2, fh.HeaderLen)

	_, err = DecodeFixedHeader([]byte{0xC0})
	assert.ErrorIs(t, err, ErrTruncatedPacket)
}

func TestDecodeConnect(t *testing.T) {
	pk, err := Decode(connectFrame("MQTT", 4, "dev1"))
	require.NoError(t, err)
	connect, ok := pk.(*Connect)
	require.True(t, ok, "expected *Connect, got %T", pk)
	assert.Equal(t, "MQTT", connect.ProtocolName)
	assert.Equal(t, byte(4), connect.ProtocolLevel)
	assert.True(t, connect.CleanSession)
	assert.Equal(t, uint16(60), connect.KeepAlive)
	assert.Equal(t, "dev1", connect.ClientID)
}

func TestDecodeConnect_ProtocolMismatch(t *testing.T) {
	_, err := Decode(connectFrame("MQTX", 4, "dev1"))
	assert.ErrorIs(t, err, ErrProtocolMismatch)
}

func TestDecodeConnect_UnsupportedLevel(t *testing.T) {
	_, err := Decode(connectFrame("MQTT", 3, "dev1"))
	assert.ErrorIs(t, err, ErrUnsupportedLevel)
}

func TestDecodeConnect_Truncated(t *testing.T) {
	frame := connectFrame("MQTT", 4, "dev1")
	// Claim a longer client ID than the frame carries.
	frame[len(frame)-5] = 0x20
	_, err := Decode(frame)
	assert.ErrorIs(t, err, ErrTruncatedPacket)

	// Body cut short of the declared remaining length.
	_, err = Decode(connectFrame("MQTT", 4, "dev1")[:8])
	assert.ErrorIs(t, err, ErrTruncatedPacket)
}

func TestDecodeConnect_FromReferenceEncoder(t *testing.T) {
	for _, level := range []byte{4, 5} {
		pk := packets.Packet{
			FixedHeader:     packets.FixedHeader{Type: packets.Connect},
			ProtocolVersion: level,
			Connect: packets.ConnectParams{
				ProtocolName:     []byte("MQTT"),
				ClientIdentifier: "sensor-42",
				Keepalive:        30,
				Clean:            true,
			},
		}
		var buf bytes.Buffer
		require.NoError(t, pk.ConnectEncode(&buf))

		decoded, err := Decode(buf.Bytes())
		require.NoError(t, err, "level %d", level)
		connect := decoded.(*Connect)
		assert.Equal(t, level, connect.ProtocolLevel)
		assert.Equal(t, uint16(30), connect.KeepAlive)
		assert.Equal(t, "sensor-42", connect.ClientID)
	}
}

func TestDecodePublish(t *testing.T) {
	frame, err := EncodePublish("sensor/data", []byte(`{"t":1}`))
	require.NoError(t, err)

	pk, err := Decode(frame)
	require.NoError(t, err)
	publish := pk.(*Publish)
	assert.Equal(t, "sensor/data", publish.Topic)
	assert.Equal(t, []byte(`{"t":1}`), publish.Payload)
}

func TestDecodePublish_EmptyPayload(t *testing.T) {
	frame, err := EncodePublish("a", nil)
	require.NoError(t, err)

	pk, err := Decode(frame)
	require.NoError(t, err)
	publish := pk.(*Publish)
	assert.Equal(t, "a", publish.Topic)
	assert.Empty(t, publish.Payload)
}

func TestDecodePublish_QoS1DropsPacketID(t *testing.T) {
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "a/b",
		PacketID:    7,
		Payload:     []byte("hi"),
	}
	var buf bytes.Buffer
	require.NoError(t, pk.PublishEncode(&buf))

	decoded, err := Decode(buf.Bytes())
	require.NoError(t, err)
	publish := decoded.(*Publish)
	assert.Equal(t, "a/b", publish.Topic)
	assert.Equal(t, []byte("hi"), publish.Payload)
}

func TestDecodeSubscribe(t *testing.T) {
	payload := []byte{
		0x00, 0x0A, // Message ID
		0x00, 0x03, 'a', '/', 'b', // Topic
		0x01, // QoS
	}
	frame := append([]byte{TypeSUBSCRIBE<<4 | 0x02, byte(len(payload))}, payload...)
	pk, err := Decode(frame)
	require.NoError(t, err)
	sub := pk.(*Subscribe)
	assert.Equal(t, uint16(10), sub.PacketID)
	assert.Equal(t, "a/b", sub.Topic)
	assert.Equal(t, byte(1), sub.QoS)

	_, err = Decode(append([]byte{TypeSUBSCRIBE << 4, 6}, payload[:6]...))
	assert.ErrorIs(t, err, ErrTruncatedPacket)
}

func TestDecodeSubscribe_FromReferenceEncoder(t *testing.T) {
	pk := packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		ProtocolVersion: 4,
		PacketID:        513,
		Filters:         packets.Subscriptions{{Filter: "sensor/data", Qos: 0}},
	}
	var buf bytes.Buffer
	require.NoError(t, pk.SubscribeEncode(&buf))

	decoded, err := Decode(buf.Bytes())
	require.NoError(t, err)
	sub := decoded.(*Subscribe)
	assert.Equal(t, uint16(513), sub.PacketID)
	assert.Equal(t, "sensor/data", sub.Topic)
	assert.Equal(t, byte(0), sub.QoS)
}

func TestDecodeControlPackets(t *testing.T) {
	pk, err := Decode([]byte{0xC0, 0x00})
	require.NoError(t, err)
	assert.IsType(t, &Pingreq{}, pk)

	pk, err = Decode([]byte{0xE0, 0x00})
	require.NoError(t, err)
	assert.IsType(t, &Disconnect{}, pk)
}

func TestDecode_UnknownType(t *testing.T) {
	// UNSUBSCRIBE is outside the supported set.
	_, err := Decode([]byte{TypeUNSUBSCRIBE<<4 | 0x02, 0x00})
	assert.ErrorIs(t, err, ErrUnknownPacketType)

	_, err = Decode([]byte{0xF0, 0x00})
	assert.ErrorIs(t, err, ErrUnknownPacketType)
}

func TestEncodeConnack(t *testing.T) {
	assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x00}, EncodeConnack())
}

func TestEncodePingresp(t *testing.T) {
	assert.Equal(t, []byte{0xD0, 0x00}, EncodePingresp())
}

func TestEncodeSuback(t *testing.T) {
	assert.Equal(t, []byte{0x90, 0x03, 0x01, 0x02, 0x00}, EncodeSuback(0x0102, 0))

	// The reference decoder reads it as a single-code SUBACK.
	frame := EncodeSuback(99, CodeSubscribeFailure)
	pk := packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Suback, Remaining: 3}, ProtocolVersion: 4}
	require.NoError(t, pk.SubackDecode(frame[2:]))
	assert.Equal(t, uint16(99), pk.PacketID)
	assert.Equal(t, []byte{CodeSubscribeFailure}, pk.ReasonCodes)
}

func TestEncodePublish(t *testing.T) {
	frame, err := EncodePublish("t", []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x04, 0x00, 0x01, 't', 'v'}, frame)

	// Bodies past 127 bytes take a multi-byte remaining length.
	payload := []byte(strings.Repeat("x", 300))
	frame, err = EncodePublish("sensor/data", payload)
	require.NoError(t, err)

	r := bytes.NewReader(frame[1:])
	rem, n, err := packets.DecodeLength(r)
	require.NoError(t, err)
	assert.Equal(t, 2+len("sensor/data")+len(payload), rem)
	assert.Equal(t, 2, n)

	ref := packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Publish, Remaining: rem}}
	require.NoError(t, ref.PublishDecode(frame[1+n:]))
	assert.Equal(t, "sensor/data", ref.TopicName)
	assert.Equal(t, payload, ref.Payload)
}

func TestEncodePublish_TopicTooLong(t *testing.T) {
	_, err := EncodePublish(strings.Repeat("t", 0x10000), nil)
	assert.Error(t, err)
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "CONNECT", TypeName(TypeCONNECT))
	assert.Equal(t, "UNSUBSCRIBE", TypeName(TypeUNSUBSCRIBE))
	assert.Equal(t, "DISCONNECT", TypeName(TypeDISCONNECT))
	assert.Equal(t, "UNKNOWN", TypeName(0))
	assert.Equal(t, "UNKNOWN", TypeName(15))
}
