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
	"bytes"
	"fmt"
	"time"
)

// TimeInfo holds all of the temporal data for a group or entry.  The zero
// time means "unset"; both file formats carry an explicit never sentinel
// that maps to it in both directions.
type TimeInfo struct {
	CreationTime         time.Time
	LastModificationTime time.Time
	LastAccessTime       time.Time
	ExpiryTime           time.Time
	MoveTime             time.Time // KDBX LocationChanged
}

// neverDateTime is the KeePass2 sentinel for an unset timestamp.
const neverDateTime = "2999-12-28T22:59:59Z"

func parseDateTime(s string) (time.Time, error) {
	if s == "" || s == neverDateTime {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05Z", s)
	if err != nil {
		// Some generators omit the zone suffix.
		t, err = time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad timestamp %q", s)
		}
	}
	return t.UTC(), nil
}

func formatDateTime(t time.Time) string {
	if t.IsZero() {
		return neverDateTime
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// kdbNeverTime is the packed KDB sentinel for an unset timestamp.
var kdbNeverTime = [5]byte{0x2e, 0xdf, 0x39, 0x7e, 0xfb}

// unpackKdbTime decodes the packed KDB layout
// 00YYYYYY YYYYYYMM MMDDDDDH HHHHMMMM MMSSSSSS.
func unpackKdbTime(b []byte) time.Time {
	if bytes.Equal(b, kdbNeverTime[:]) {
		return time.Time{}
	}
	year := int(b[0])<<6 | int(b[1])>>2
	month := time.Month((b[1]&0x03)<<2 | b[2]>>6)
	day := int((b[2] >> 1) & 0x1f)
	hour := int((b[2]&0x01)<<4 | b[3]>>4)
	minute := int((b[3]&0x0f)<<2 | b[4]>>6)
	second := int(b[4] & 0x3f)
	return time.Date(year, month, day, hour, minute, second, 0, time.UTC)
}

func packKdbTime(t time.Time) [5]byte {
	if t.IsZero() {
		return kdbNeverTime
	}
	t = t.UTC()
	year, month, day := t.Date()
	hour, minute, second := t.Clock()
	var b [5]byte
	b[0] = byte(year >> 6)
	b[1] = byte(year&0x3f)<<2 | byte(month)>>2
	b[2] = byte(month&0x03)<<6 | byte(day)<<1 | byte(hour)>>4
	b[3] = byte(hour&0x0f)<<4 | byte(minute)>>2
	b[4] = byte(minute&0x03)<<6 | byte(second)
	return b
}
