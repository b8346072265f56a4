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

// Reader reassembles length-delimited frames from an arbitrarily fragmented
// byte stream. It is not safe for concurrent use; each connection owns one.
type Reader struct {
	buf     []byte
	start   int
	maxSize int
}

// NewReader creates a Reader. maxSize bounds the size of a single frame
// including its fixed header; zero or negative means no bound beyond what
// the remaining length field can express.
func NewReader(maxSize int) *Reader {
	return &Reader{maxSize: maxSize}
}

// Feed appends p to the internal buffer. p may be reused by the caller after
// Feed returns.
func (r *Reader) Feed(p []byte) {
	if r.start > 0 && r.start == len(r.buf) {
		r.buf = r.buf[:0]
		r.start = 0
	}
	r.buf = append(r.buf, p...)
}

// Buffered returns the number of bytes held that have not yet been returned
// as part of a frame.
func (r *Reader) Buffered() int {
	return len(r.buf) - r.start
}

// Next returns the next complete frame, or nil with a nil error when more
// data is needed. The returned slice is owned by the caller. An error is
// terminal for the stream.
func (r *Reader) Next() ([]byte, error) {
	pending := r.buf[r.start:]
	if len(pending) < 2 {
		return nil, nil
	}
	rem, n, err := DecodeLength(pending[1:])
	if errors.Is(err, ErrTruncatedPacket) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	total := 1 + n + rem
	if r.maxSize > 0 && total > r.maxSize {
		return nil, errors.Wrapf(ErrPacketTooLarge, "frame of %d bytes exceeds %d", total, r.maxSize)
	}
	if len(pending) < total {
		return nil, nil
	}

	frame := make([]byte, total)
	copy(frame, pending[:total])
	r.start += total
	r.compact()
	return frame, nil
}

// compact drops consumed bytes once they dominate the buffer.
func (r *Reader) compact() {
	if r.start == len(r.buf) {
		r.buf = r.buf[:0]
		r.start = 0
		return
	}
	if r.start > len(r.buf)/2 {
		n := copy(r.buf, r.buf[r.start:])
		r.buf = r.buf[:n]
		r.start = 0
	}
}
