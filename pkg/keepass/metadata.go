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
	"time"

	"github.com/google/uuid"
)

// A Temporal is a string value paired with the time it last changed.
type Temporal struct {
	Value string
	Time  time.Time
}

// MemoryProtection records which standard string fields should be
// protected in memory by a consuming application.
type MemoryProtection struct {
	Title    bool
	Username bool
	Password bool
	URL      bool
	Notes    bool
}

// An Icon is a custom image owned by the metadata and referenced by
// groups and entries through its UUID.
type Icon struct {
	UUID uuid.UUID
	Data []byte
}

// A Binary is an attachment payload.  In KDBX binaries live in a pool
// owned by the metadata and may be shared by several attachments.
type Binary struct {
	Data      []byte
	Protected bool // travels through the inner random stream on the wire
	Compress  bool // gzip-compressed when written unprotected
}

// A CustomDataItem is an arbitrary key/value pair in the metadata.
type CustomDataItem struct {
	Key   string
	Value string
}

// Metadata is the KDBX database header information that lives inside the
// encrypted payload.
type Metadata struct {
	Generator           string
	DatabaseName        Temporal
	DatabaseDescription Temporal
	DefaultUserName     Temporal

	MaintenanceHistoryDays uint32
	Color                  string

	MasterKeyChanged     time.Time
	MasterKeyChangeRec   int64 // advisory; never enforced
	MasterKeyChangeForce int64

	MemoryProtection MemoryProtection

	RecycleBin            uuid.UUID // zero when the recycle bin is disabled
	RecycleBinChanged     time.Time
	EntryTemplates        uuid.UUID
	EntryTemplatesChanged time.Time

	HistoryMaxItems int32
	HistoryMaxSize  int64

	LastSelectedGroup   uuid.UUID
	LastTopVisibleGroup uuid.UUID

	Icons      []*Icon
	Binaries   []*Binary
	CustomData []CustomDataItem
}

// NewMetadata returns metadata with the format's default values.
func NewMetadata() *Metadata {
	return &Metadata{
		MaintenanceHistoryDays: 365,
		MasterKeyChangeRec:     -1,
		MasterKeyChangeForce:   -1,
		MemoryProtection:       MemoryProtection{Password: true},
		HistoryMaxItems:        -1,
		HistoryMaxSize:         -1,
	}
}

// FindIcon returns the custom icon with the given UUID, or nil.
func (m *Metadata) FindIcon(id uuid.UUID) *Icon {
	for _, icon := range m.Icons {
		if icon.UUID == id {
			return icon
		}
	}
	return nil
}
