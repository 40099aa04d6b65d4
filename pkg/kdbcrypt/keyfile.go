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

package kdbcrypt

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"io"
)

// ErrKeyFile is returned when a key file matches none of the known formats.
var ErrKeyFile = errors.New("kdbcrypt: unknown key file format")

// maxKeyFileSize bounds the read; both accepted formats are tiny.
const maxKeyFileSize = 1 << 20

// ReadKeyFile reads a key file and returns the 32-byte sub-key it holds.
// Two formats are accepted, tried in order:
//
//  1. An XML document <KeyFile><Key><Data> holding base64 of exactly 32
//     bytes.
//  2. A 64-character hex string of 32 bytes.
//
// Anything else fails with ErrKeyFile.
func ReadKeyFile(r io.Reader) ([32]byte, error) {
	var sub [32]byte
	data, err := io.ReadAll(io.LimitReader(r, maxKeyFileSize))
	if err != nil {
		return sub, err
	}
	if key, ok := parseXMLKeyFile(data); ok {
		return key, nil
	}
	return parseHexKeyFile(data)
}

type xmlKeyFile struct {
	XMLName xml.Name `xml:"KeyFile"`
	Data    string   `xml:"Key>Data"`
}

func parseXMLKeyFile(data []byte) ([32]byte, bool) {
	var sub [32]byte
	var kf xmlKeyFile
	if err := xml.Unmarshal(data, &kf); err != nil {
		return sub, false
	}
	raw, err := base64.StdEncoding.DecodeString(kf.Data)
	if err != nil || len(raw) != len(sub) {
		return sub, false
	}
	copy(sub[:], raw)
	return sub, true
}

func parseHexKeyFile(data []byte) ([32]byte, error) {
	var sub [32]byte
	data = bytes.TrimRight(data, "\r\n")
	if len(data) != hex.EncodedLen(len(sub)) {
		return sub, ErrKeyFile
	}
	if _, err := hex.Decode(sub[:], data); err != nil {
		return sub, ErrKeyFile
	}
	return sub, nil
}
