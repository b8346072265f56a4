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
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	connackFrame  = []byte{TypeCONNACK << 4, 0x02, 0x00, CodeAccepted}
	pingrespFrame = []byte{TypePINGRESP << 4, 0x00}
)

// FixedHeader represents the fixed header present in all MQTT control packets.
type FixedHeader struct {
	// PacketType is the type of the MQTT control packet (e.g., CONNECT, PUBLISH).
	PacketType byte
	// Flags are specific to each packet type.
	Flags byte
	// RemLength is the length of the variable header and payload.
	RemLength int
	// HeaderLen is the number of bytes taken by the type byte and the length field.
	HeaderLen int
}

// DecodeFixedHeader decodes the fixed header at the start of b.
func DecodeFixedHeader(b []byte) (FixedHeader, error) {
	if len(b) < 2 {
		return FixedHeader{}, ErrTruncatedPacket
	}
	rem, n, err := DecodeLength(b[1:])
	if err != nil {
		return FixedHeader{}, err
	}
	return FixedHeader{
		PacketType: b[0] >> 4,
		Flags:      b[0] & 0x0F,
		RemLength:  rem,
		HeaderLen:  1 + n,
	}, nil
}

// Decode decodes one complete frame, as produced by Reader.Next, into a
// typed packet.
func Decode(frame []byte) (Packet, error) {
	fh, err := DecodeFixedHeader(frame)
	if err != nil {
		return nil, err
	}
	end := fh.HeaderLen + fh.RemLength
	if len(frame) < end {
		return nil, errors.Wrapf(ErrTruncatedPacket, "frame has %d bytes, header declares %d", len(frame), end)
	}
	body := frame[fh.HeaderLen:end]

	switch fh.PacketType {
	case TypeCONNECT:
		return decodeConnect(body)
	case TypePUBLISH:
		return decodePublish(fh, body)
	case TypeSUBSCRIBE:
		return decodeSubscribe(body)
	case TypePINGREQ:
		return &Pingreq{}, nil
	case TypeDISCONNECT:
		return &Disconnect{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownPacketType, "type %d", fh.PacketType)
	}
}

func decodeConnect(buf []byte) (*Connect, error) {
	pk := &Connect{}
	var offset int
	var err error

	pk.ProtocolName, offset, err = readString(buf, offset)
	if err != nil {
		return nil, errors.Wrap(err, "protocol name")
	}
	if pk.ProtocolName != ProtocolName {
		return nil, errors.Wrapf(ErrProtocolMismatch, "got %q", pk.ProtocolName)
	}

	pk.ProtocolLevel, offset, err = readByte(buf, offset)
	if err != nil {
		return nil, errors.Wrap(err, "protocol level")
	}
	if pk.ProtocolLevel != LevelV311 && pk.ProtocolLevel != LevelV5 {
		return nil, errors.Wrapf(ErrUnsupportedLevel, "level %d", pk.ProtocolLevel)
	}

	pk.Flags, offset, err = readByte(buf, offset)
	if err != nil {
		return nil, errors.Wrap(err, "connect flags")
	}
	pk.CleanSession = (pk.Flags>>1)&1 == 1

	pk.KeepAlive, offset, err = readUint16(buf, offset)
	if err != nil {
		return nil, errors.Wrap(err, "keep alive")
	}

	if pk.ProtocolLevel == LevelV5 {
		// Properties are not interpreted, only skipped.
		propLen, n, err := DecodeLength(buf[offset:])
		if err != nil {
			return nil, errors.Wrap(err, "connect properties")
		}
		offset += n
		if len(buf) < offset+propLen {
			return nil, errors.Wrap(ErrTruncatedPacket, "connect properties")
		}
		offset += propLen
	}

	pk.ClientID, _, err = readString(buf, offset)
	if err != nil {
		return nil, errors.Wrap(err, "client id")
	}
	return pk, nil
}

func decodePublish(fh FixedHeader, buf []byte) (*Publish, error) {
	topic, offset, err := readString(buf, 0)
	if err != nil {
		return nil, errors.Wrap(err, "topic name")
	}
	if qos := (fh.Flags >> 1) & 0x03; qos > 0 {
		// Delivery stays QoS 0; the packet identifier is read and dropped.
		if _, offset, err = readUint16(buf, offset); err != nil {
			return nil, errors.Wrap(err, "packet id")
		}
	}
	payload := make([]byte, len(buf)-offset)
	copy(payload, buf[offset:])
	return &Publish{Topic: topic, Payload: payload}, nil
}

func decodeSubscribe(buf []byte) (*Subscribe, error) {
	pk := &Subscribe{}
	var offset int
	var err error

	pk.PacketID, offset, err = readUint16(buf, offset)
	if err != nil {
		return nil, errors.Wrap(err, "packet id")
	}
	pk.Topic, offset, err = readString(buf, offset)
	if err != nil {
		return nil, errors.Wrap(err, "topic filter")
	}
	pk.QoS, _, err = readByte(buf, offset)
	if err != nil {
		return nil, errors.Wrap(err, "requested qos")
	}
	return pk, nil
}

// EncodeConnack returns the accept-all CONNACK frame.
func EncodeConnack() []byte {
	return append([]byte(nil), connackFrame...)
}

// EncodePingresp returns the PINGRESP frame.
func EncodePingresp() []byte {
	return append([]byte(nil), pingrespFrame...)
}

// EncodeSuback encodes a SUBACK for a single filter: type byte, a remaining
// length of 3, the echoed packet identifier and the return code.
func EncodeSuback(packetID uint16, code byte) []byte {
	return []byte{TypeSUBACK << 4, 0x03, byte(packetID >> 8), byte(packetID), code}
}

// EncodePublish encodes a QoS 0 PUBLISH without retain or dup flags.
func EncodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, errors.Errorf("topic name of %d bytes exceeds 65535", len(topic))
	}
	rem := 2 + len(topic) + len(payload)
	length, err := EncodeLength(rem)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(length)+rem)
	out = append(out, TypePUBLISH<<4)
	out = append(out, length...)
	out = append(out, byte(len(topic)>>8), byte(len(topic)))
	out = append(out, topic...)
	out = append(out, payload...)
	return out, nil
}

// readString reads a UTF-8 string prefixed with a 2-byte big-endian length.
func readString(b []byte, offset int) (string, int, error) {
	length, offset, err := readUint16(b, offset)
	if err != nil {
		return "", 0, err
	}
	if len(b) < offset+int(length) {
		return "", 0, ErrTruncatedPacket
	}
	return string(b[offset : offset+int(length)]), offset + int(length), nil
}

func readUint16(b []byte, offset int) (uint16, int, error) {
	if len(b) < offset+2 {
		return 0, 0, ErrTruncatedPacket
	}
	return binary.BigEndian.Uint16(b[offset : offset+2]), offset + 2, nil
}

func readByte(b []byte, offset int) (byte, int, error) {
	if len(b) < offset+1 {
		return 0, 0, ErrTruncatedPacket
	}
	return b[offset], offset + 1, nil
}
