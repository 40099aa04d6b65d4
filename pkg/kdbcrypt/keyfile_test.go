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
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubKey() [32]byte {
	var sub [32]byte
	for i := range sub {
		sub[i] = byte(0xc0 + i)
	}
	return sub
}

func TestReadKeyFileXML(t *testing.T) {
	want := testSubKey()
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<KeyFile>
	<Meta><Version>1.00</Version></Meta>
	<Key><Data>%s</Data></Key>
</KeyFile>`, base64.StdEncoding.EncodeToString(want[:]))

	got, err := ReadKeyFile(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadKeyFileXMLWrongSize(t *testing.T) {
	doc := fmt.Sprintf(`<KeyFile><Key><Data>%s</Data></Key></KeyFile>`,
		base64.StdEncoding.EncodeToString([]byte("too short")))
	_, err := ReadKeyFile(strings.NewReader(doc))
	assert.ErrorIs(t, err, ErrKeyFile)
}

func TestReadKeyFileHex(t *testing.T) {
	want := testSubKey()
	for _, text := range []string{
		hex.EncodeToString(want[:]),
		strings.ToUpper(hex.EncodeToString(want[:])),
		hex.EncodeToString(want[:]) + "\n",
	} {
		got, err := ReadKeyFile(strings.NewReader(text))
		require.NoError(t, err, "input %q", text)
		assert.Equal(t, want, got, "input %q", text)
	}
}

func TestReadKeyFileRejectsOtherFormats(t *testing.T) {
	inputs := []string{
		"",
		"deadbeef",
		strings.Repeat("zz", 32),
		strings.Repeat("0", 63),
		strings.Repeat("0", 65),
		"<KeyFile><Key><Data>not base64</Data></Key></KeyFile>",
	}
	for _, in := range inputs {
		_, err := ReadKeyFile(strings.NewReader(in))
		assert.ErrorIs(t, err, ErrKeyFile, "input %q", in)
	}
}

func TestKeySubKeyTracking(t *testing.T) {
	k := new(Key)
	assert.True(t, k.Empty())
	k.SetPassword("")
	assert.False(t, k.Empty())

	kf := new(Key)
	sub := testSubKey()
	err := kf.SetKeyFile(strings.NewReader(hex.EncodeToString(sub[:])))
	require.NoError(t, err)
	assert.False(t, kf.Empty())
}
