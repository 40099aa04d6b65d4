// Copyright 2016 The Sandpass Authors
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

// Package obfuscate implements the Salsa20 keystream masking that KeePass2
// applies to protected fields.  A single Stream is shared by all protected
// values of one document; reader and writer must consume keystream bytes in
// the same order or every field after the first divergence is garbage.
package obfuscate

import (
	"encoding/binary"

	"golang.org/x/crypto/salsa20/salsa"
)

// A Stream produces the keystream lazily in 64-byte blocks and XORs it
// with whatever is passed to Process.
type Stream struct {
	key     [32]byte
	nonce   [8]byte
	counter uint64
	buf     [64]byte
	pos     int
}

// New returns a stream keyed with key and nonce.  The KeePass2 format
// derives key by hashing the inner random stream key from the file header;
// that is the caller's business.
func New(key [32]byte, nonce [8]byte) *Stream {
	return &Stream{key: key, nonce: nonce, pos: 64}
}

// Process XORs the next len(p) keystream bytes with p and returns the
// result as a fresh slice; p itself is not modified.  Processing the output again with a stream in
// the same state yields the input.
func (s *Stream) Process(p []byte) []byte {
	out := make([]byte, len(p))
	for i := range p {
		if s.pos == len(s.buf) {
			s.fill()
		}
		out[i] = p[i] ^ s.buf[s.pos]
		s.pos++
	}
	return out
}

func (s *Stream) fill() {
	var counter [16]byte
	copy(counter[:8], s.nonce[:])
	binary.LittleEndian.PutUint64(counter[8:], s.counter)
	for i := range s.buf {
		s.buf[i] = 0
	}
	salsa.XORKeyStream(s.buf[:], s.buf[:], &counter, &s.key)
	s.counter++
	s.pos = 0
}
