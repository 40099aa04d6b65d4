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

import "github.com/google/uuid"

// A ProtectedString is a string value together with the flag saying
// whether it travels through the inner random stream on the wire.
type ProtectedString struct {
	Value     string
	Protected bool
}

// An Entry stores one credential record.
type Entry struct {
	UUID       uuid.UUID
	Icon       uint32
	CustomIcon uuid.UUID // zero when unset; references Metadata.Icons

	Title    ProtectedString
	URL      ProtectedString
	Username ProtectedString
	Password ProtectedString
	Notes    ProtectedString

	OverrideURL string
	Tags        string

	TimeInfo
	Expires    bool
	UsageCount uint32

	ForegroundColor string
	BackgroundColor string

	AutoType     AutoType
	Attachments  []*Attachment
	History      []*Entry
	CustomFields []Field
}

// An Attachment gives a binary a name within an entry.  In KDBX the
// binary may be shared with the metadata pool.
type Attachment struct {
	Name   string
	Binary *Binary
}

// AutoType holds the auto-type settings of an entry.
type AutoType struct {
	Enabled      bool
	Obfuscation  uint32
	Sequence     string
	Associations []Association
}

// An Association maps a window title to a keystroke sequence.
type Association struct {
	Window   string
	Sequence string
}

// A Field is an arbitrary key/value pair attached to an entry.
type Field struct {
	Key   string
	Value ProtectedString
}

// IsMetaEntry reports whether the entry is a KeePass1 meta stream: a
// fixed sentinel pattern hidden from user-visible renderings but kept in
// the data model so that it survives a round trip.
func (e *Entry) IsMetaEntry() bool {
	if e.Title.Value != "Meta-Info" || e.URL.Value != "$" || e.Username.Value != "SYSTEM" || e.Notes.Value == "" {
		return false
	}
	for _, a := range e.Attachments {
		if a.Name == "bin-stream" {
			return true
		}
	}
	return false
}
