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

package keepass

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// reader reads little-endian fields, remembering the first error.
type reader struct {
	r   io.Reader
	err error
}

func (r *reader) readFull(p []byte) {
	if r.err != nil {
		return
	}
	_, r.err = io.ReadFull(r.r, p)
}

func (r *reader) readUint16() uint16 {
	var buf [2]byte
	r.readFull(buf[:])
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(buf[:])
}

func (r *reader) readUint32() uint32 {
	var buf [4]byte
	r.readFull(buf[:])
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// writer writes little-endian fields, remembering the first error.
type writer struct {
	w   io.Writer
	err error
}

func (w *writer) write(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

func (w *writer) writeUint16(i uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], i)
	w.write(buf[:])
}

func (w *writer) writeUint32(i uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], i)
	w.write(buf[:])
}

// fieldReader iterates over the TLV fields of one KDB record.
type fieldReader struct {
	r   reader
	buf []byte
}

func newFieldReader(r io.Reader) *fieldReader {
	return &fieldReader{
		r:   reader{r: r},
		buf: make([]byte, 0, 1024),
	}
}

// next returns the next field in the record.  val is valid until the
// subsequent call to next.  After the record terminator, the error is
// io.EOF.
func (fr *fieldReader) next() (key uint16, val []byte, err error) {
	if fr.r.err != nil {
		return 0, nil, fr.r.err
	}
	key = fr.r.readUint16()
	sz := int(fr.r.readUint32())
	if cap(fr.buf) < sz {
		fr.buf = make([]byte, sz)
	}
	fr.buf = fr.buf[:sz]
	fr.r.readFull(fr.buf)
	if fr.r.err != nil {
		return 0, nil, fr.r.err
	}
	if key == fieldTerminator {
		fr.r.err = io.EOF
	}
	return key, fr.buf, fr.r.err
}

func stripNull(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == 0 {
		return b[:n-1]
	}
	return b
}

func writeField(w *writer, key uint16, val []byte) {
	w.writeUint16(key)
	w.writeUint32(uint32(len(val)))
	w.write(val)
}

func writeUint16Field(w *writer, key uint16, val uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], val)
	writeField(w, key, buf[:])
}

func writeUint32Field(w *writer, key uint16, val uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	writeField(w, key, buf[:])
}

func writeStringField(w *writer, key uint16, s string) {
	buf := make([]byte, len(s)+1) // null byte at end
	copy(buf, s)
	writeField(w, key, buf)
}

func writeDateField(w *writer, key uint16, t time.Time) {
	b := packKdbTime(t)
	writeField(w, key, b[:])
}

func verifyFieldSize(name string, val []byte, want int) error {
	if n := len(val); n != want {
		return fmt.Errorf("%s field size is %d, should be %d", name, n, want)
	}
	return nil
}
