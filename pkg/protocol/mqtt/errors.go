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

import "github.com/pkg/errors"

var (
	// ErrTruncatedPacket is returned when a declared field length runs past the
	// end of the available bytes.
	ErrTruncatedPacket = errors.New("truncated packet")
	// ErrProtocolMismatch is returned when a CONNECT carries a protocol name
	// other than "MQTT".
	ErrProtocolMismatch = errors.New("protocol name mismatch")
	// ErrUnsupportedLevel is returned when a CONNECT protocol level is not 4 or 5.
	ErrUnsupportedLevel = errors.New("unsupported protocol level")
	// ErrMalformedLength is returned when a remaining length needs more than
	// four bytes or is out of range.
	ErrMalformedLength = errors.New("malformed remaining length")
	// ErrUnknownPacketType is returned for a type nibble outside the supported set.
	ErrUnknownPacketType = errors.New("unknown packet type")
	// ErrPacketTooLarge is returned by the Reader when a frame exceeds its
	// configured maximum size.
	ErrPacketTooLarge = errors.New("packet too large")
)
