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

package obfuscate

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	testKey   = sha256.Sum256([]byte("inner random stream key"))
	testNonce = [8]byte{0xe8, 0x30, 0x09, 0x4b, 0x97, 0x20, 0x5d, 0x2a}
)

func TestSymmetry(t *testing.T) {
	plain := []byte("a protected value that crosses a 64-byte keystream block boundary, to exercise a refill")
	masked := New(testKey, testNonce).Process(plain)
	assert.False(t, bytes.Equal(masked, plain))
	got := New(testKey, testNonce).Process(masked)
	assert.Equal(t, plain, got)
}

func TestChunkingDoesNotChangeKeystream(t *testing.T) {
	plain := bytes.Repeat([]byte("0123456789"), 20)
	oneShot := New(testKey, testNonce).Process(plain)

	s := New(testKey, testNonce)
	var chunked []byte
	for _, n := range []int{1, 2, 3, 5, 8, 13, 21, 34, 55, 58} {
		chunked = append(chunked, s.Process(plain[len(chunked):len(chunked)+n])...)
	}
	assert.Equal(t, oneShot, chunked)
}

func TestConsumptionOrderMatters(t *testing.T) {
	a, b := []byte("first field"), []byte("second field")

	w := New(testKey, testNonce)
	maskedA := w.Process(a)
	maskedB := w.Process(b)

	// Reading in the writer's order recovers both values.
	r := New(testKey, testNonce)
	assert.Equal(t, a, r.Process(maskedA))
	assert.Equal(t, b, r.Process(maskedB))

	// Reading out of order corrupts everything.
	r = New(testKey, testNonce)
	assert.NotEqual(t, b, r.Process(maskedB))
}

func TestEmptyProcessConsumesNothing(t *testing.T) {
	s := New(testKey, testNonce)
	assert.Empty(t, s.Process(nil))
	ref := New(testKey, testNonce)
	plain := []byte("unchanged")
	assert.Equal(t, ref.Process(plain), s.Process(plain))
}
