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

const (
	// MaxRemainingLength is the largest value a four byte remaining length
	// field can carry.
	MaxRemainingLength = 268435455

	maxLengthBytes = 4
)

// EncodeLength encodes n using the MQTT variable byte integer scheme.
func EncodeLength(n int) ([]byte, error) {
	if n < 0 || n > MaxRemainingLength {
		return nil, errors.Wrapf(ErrMalformedLength, "length %d out of range", n)
	}
	out := make([]byte, 0, maxLengthBytes)
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out, nil
		}
	}
}

// DecodeLength decodes a variable byte integer from the start of b. It
// returns the value and the number of bytes consumed. ErrTruncatedPacket means
// b ended before the terminating byte; ErrMalformedLength means a fifth
// continuation byte was found.
func DecodeLength(b []byte) (int, int, error) {
	value := 0
	multiplier := 1
	for i := 0; i < maxLengthBytes; i++ {
		if i >= len(b) {
			return 0, 0, ErrTruncatedPacket
		}
		value += int(b[i]&0x7F) * multiplier
		if b[i]&0x80 == 0 {
			return value, i + 1, nil
		}
		multiplier *= 128
	}
	return 0, 0, ErrMalformedLength
}
