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

package blockstream

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, payload []byte, blockSize int) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w := NewWriter(buf, blockSize)
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("a"),
		[]byte("hello, hashed world"),
		bytes.Repeat([]byte{0xab}, 4096),
	}
	for _, blockSize := range []int{1, 128, 1024} {
		for _, payload := range payloads {
			framed := frame(t, payload, blockSize)
			got, err := io.ReadAll(NewReader(bytes.NewReader(framed)))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got), "block size %d, payload %d bytes: got %d bytes back", blockSize, len(payload), len(got))
		}
	}
}

func TestEmptyStreamHasTerminator(t *testing.T) {
	framed := frame(t, nil, 128)
	// index + zero hash + zero size
	assert.Len(t, framed, 40)
	got, err := io.ReadAll(NewReader(bytes.NewReader(framed)))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCorruptPayload(t *testing.T) {
	framed := frame(t, []byte("the quick brown fox jumps over the lazy dog"), 16)
	// Flip one bit inside the first block's payload.
	framed[40] ^= 0x01
	_, err := io.ReadAll(NewReader(bytes.NewReader(framed)))
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestCorruptIndex(t *testing.T) {
	framed := frame(t, []byte("payload"), 128)
	framed[0] ^= 0x01
	_, err := io.ReadAll(NewReader(bytes.NewReader(framed)))
	assert.ErrorIs(t, err, ErrIndex)
}

func TestCorruptTerminator(t *testing.T) {
	framed := frame(t, nil, 128)
	framed[10] ^= 0x01 // hash byte of the empty terminator
	_, err := io.ReadAll(NewReader(bytes.NewReader(framed)))
	assert.ErrorIs(t, err, ErrTerminator)
}

func TestTruncatedStream(t *testing.T) {
	framed := frame(t, []byte("some payload that spans a block"), 16)
	for _, cut := range []int{1, 20, len(framed) - 1} {
		_, err := io.ReadAll(NewReader(bytes.NewReader(framed[:len(framed)-cut])))
		assert.Error(t, err, "cut %d bytes", cut)
	}
}

func TestMissingTerminator(t *testing.T) {
	framed := frame(t, []byte("abc"), 128)
	// Drop the trailing empty block entirely.
	_, err := io.ReadAll(NewReader(bytes.NewReader(framed[:len(framed)-40])))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriterSplitsBlocks(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 300)
	framed := frame(t, payload, 128)
	// 3 data blocks (128+128+44) plus the terminator.
	assert.Len(t, framed, 4*40+300)
	got, err := io.ReadAll(NewReader(bytes.NewReader(framed)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
