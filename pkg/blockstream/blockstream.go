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

// Package blockstream reads and writes the hashed block framing used by
// KeePass2 payloads.  A stream is a sequence of frames, each carrying a
// little-endian block index, the SHA-256 of the payload, a little-endian
// payload size and the payload itself.  A frame of size zero with an
// all-zero hash terminates the stream.
package blockstream

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
)

// DefaultBlockSize is the write buffer size used when none is given.
const DefaultBlockSize = 1 << 20

// Errors
var (
	ErrIndex      = errors.New("blockstream: block index mismatch")
	ErrChecksum   = errors.New("blockstream: block checksum mismatch")
	ErrTerminator = errors.New("blockstream: corrupt end-of-stream block")
)

var zeroHash [sha256.Size]byte

// A Reader verifies and unframes a hashed block stream.
type Reader struct {
	r     io.Reader
	index uint32
	block bytes.Buffer
	err   error
}

// NewReader returns a reader that yields the payload bytes of the hashed
// block stream in r, verifying each block as it goes.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) Read(p []byte) (int, error) {
	for r.block.Len() == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.err = r.readBlock()
	}
	return r.block.Read(p)
}

func (r *Reader) readBlock() error {
	var head [4 + sha256.Size + 4]byte
	if _, err := io.ReadFull(r.r, head[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	index := binary.LittleEndian.Uint32(head[:4])
	if index != r.index {
		return ErrIndex
	}
	r.index++
	hash := head[4 : 4+sha256.Size]
	size := binary.LittleEndian.Uint32(head[4+sha256.Size:])
	if size == 0 {
		if !bytes.Equal(hash, zeroHash[:]) {
			return ErrTerminator
		}
		return io.EOF
	}
	r.block.Reset()
	r.block.Grow(int(size))
	if _, err := io.CopyN(&r.block, r.r, int64(size)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	sum := sha256.Sum256(r.block.Bytes())
	if !bytes.Equal(sum[:], hash) {
		r.block.Reset()
		return ErrChecksum
	}
	return nil
}

// A Writer frames its input into hashed blocks.  Closing the writer emits
// any buffered partial block followed by the stream terminator; it does not
// close the underlying writer.
type Writer struct {
	w     io.Writer
	size  int
	index uint32
	block bytes.Buffer
	err   error
}

// NewWriter returns a writer framing to w with the given block size.
// A blockSize that is zero or negative uses DefaultBlockSize.
func NewWriter(w io.Writer, blockSize int) *Writer {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Writer{w: w, size: blockSize}
}

func (w *Writer) Write(p []byte) (n int, err error) {
	if w.err != nil {
		return 0, w.err
	}
	for len(p) > 0 {
		room := w.size - w.block.Len()
		if room > len(p) {
			room = len(p)
		}
		w.block.Write(p[:room])
		n += room
		p = p[room:]
		if w.block.Len() == w.size {
			if w.err = w.flushBlock(); w.err != nil {
				return n, w.err
			}
		}
	}
	return n, nil
}

// Close flushes any buffered data and writes the terminating block.
func (w *Writer) Close() error {
	if w.err == errClosed {
		return nil
	} else if w.err != nil {
		return w.err
	}
	if w.block.Len() > 0 {
		if err := w.flushBlock(); err != nil {
			w.err = err
			return err
		}
	}
	// The terminator is an empty block with a zero hash.
	err := w.flushBlock()
	w.err = errClosed
	return err
}

func (w *Writer) flushBlock() error {
	var head [4 + sha256.Size + 4]byte
	binary.LittleEndian.PutUint32(head[:4], w.index)
	if w.block.Len() > 0 {
		sum := sha256.Sum256(w.block.Bytes())
		copy(head[4:4+sha256.Size], sum[:])
	}
	binary.LittleEndian.PutUint32(head[4+sha256.Size:], uint32(w.block.Len()))
	w.index++
	if _, err := w.w.Write(head[:]); err != nil {
		return err
	}
	if w.block.Len() > 0 {
		if _, err := w.w.Write(w.block.Bytes()); err != nil {
			return err
		}
		w.block.Reset()
	}
	return nil
}

var errClosed = errors.New("blockstream: write on closed writer")
