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

// Package mqtt implements the subset of the MQTT 3.1.1 wire protocol spoken
// by the broker: the remaining length codec, a stream reassembler and the
// packet encoders and decoders.
package mqtt

const (
	_               byte = iota // 0: Reserved
	TypeCONNECT                 // 1: Client request to connect to Server
	TypeCONNACK                 // 2: Connect acknowledgment
	TypePUBLISH                 // 3: Publish message
	TypePUBACK                  // 4: Publish acknowledgment
	TypePUBREC                  // 5: Publish received (assured delivery part 1)
	TypePUBREL                  // 6: Publish release (assured delivery part 2)
	TypePUBCOMP                 // 7: Publish complete (assured delivery part 3)
	TypeSUBSCRIBE               // 8: Client subscribe request
	TypeSUBACK                  // 9: Subscribe acknowledgment
	TypeUNSUBSCRIBE             // 10: Unsubscribe request
	TypeUNSUBACK                // 11: Unsubscribe acknowledgment
	TypePINGREQ                 // 12: PING request
	TypePINGRESP                // 13: PING response
	TypeDISCONNECT              // 14: Client is disconnecting
	_                           // 15: Reserved
)

const (
	// ProtocolName is the only protocol name accepted in a CONNECT.
	ProtocolName = "MQTT"
	// LevelV311 is the protocol level of MQTT 3.1.1.
	LevelV311 byte = 4
	// LevelV5 is the protocol level of MQTT 5.0.
	LevelV5 byte = 5

	// CodeAccepted means the connection was accepted by the server.
	CodeAccepted byte = 0
	// CodeSubscribeFailure is the SUBACK return code for a rejected filter.
	CodeSubscribeFailure byte = 0x80

	// MaxQoS is the highest QoS the broker grants.
	MaxQoS byte = 0
)

// TypeName returns a printable name for a packet type nibble.
func TypeName(t byte) string {
	switch t {
	case TypeCONNECT:
		return "CONNECT"
	case TypeCONNACK:
		return "CONNACK"
	case TypePUBLISH:
		return "PUBLISH"
	case TypePUBACK:
		return "PUBACK"
	case TypePUBREC:
		return "PUBREC"
	case TypePUBREL:
		return "PUBREL"
	case TypePUBCOMP:
		return "PUBCOMP"
	case TypeSUBSCRIBE:
		return "SUBSCRIBE"
	case TypeSUBACK:
		return "SUBACK"
	case TypeUNSUBSCRIBE:
		return "UNSUBSCRIBE"
	case TypeUNSUBACK:
		return "UNSUBACK"
	case TypePINGREQ:
		return "PINGREQ"
	case TypePINGRESP:
		return "PINGRESP"
	case TypeDISCONNECT:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// Packet is a decoded control packet. The concrete type is one of *Connect,
// *Publish, *Subscribe, *Pingreq or *Disconnect.
type Packet interface {
	// Type returns the packet type nibble.
	Type() byte
}

// Connect is a decoded CONNECT packet.
type Connect struct {
	// ProtocolName is the name of the protocol, which must be "MQTT".
	ProtocolName string
	// ProtocolLevel is the revision of the protocol, 4 or 5.
	ProtocolLevel byte
	// Flags holds the raw connect flags byte.
	Flags byte
	// CleanSession mirrors bit 1 of Flags.
	CleanSession bool
	// KeepAlive is the client-declared keep-alive interval in seconds. The
	// broker records it but enforces its own idle threshold.
	KeepAlive uint16
	// ClientID is the client identifier. Any value, including empty, is accepted.
	ClientID string
}

// Type implements Packet.
func (*Connect) Type() byte { return TypeCONNECT }

// Publish is a decoded PUBLISH packet.
type Publish struct {
	// Topic is the topic to which the message is being published.
	Topic string
	// Payload is the message body, possibly empty.
	Payload []byte
}

// Type implements Packet.
func (*Publish) Type() byte { return TypePUBLISH }

// Subscribe is a decoded SUBSCRIBE packet carrying a single topic filter.
type Subscribe struct {
	// PacketID is echoed back in the SUBACK.
	PacketID uint16
	// Topic is the exact topic name subscribed to.
	Topic string
	// QoS is the requested quality of service.
	QoS byte
}

// Type implements Packet.
func (*Subscribe) Type() byte { return TypeSUBSCRIBE }

// Pingreq is a decoded PINGREQ packet.
type Pingreq struct{}

// Type implements Packet.
func (*Pingreq) Type() byte { return TypePINGREQ }

// Disconnect is a decoded DISCONNECT packet.
type Disconnect struct{}

// Type implements Packet.
func (*Disconnect) Type() byte { return TypeDISCONNECT }
