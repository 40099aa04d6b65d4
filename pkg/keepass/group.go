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

// A Group is a hierarchial collection of entries.  A group exclusively
// owns its child groups and entries.
type Group struct {
	UUID       uuid.UUID
	Name       string
	Notes      string
	Icon       uint32
	CustomIcon uuid.UUID // zero when unset; references Metadata.Icons
	Flags      uint16    // KDB only

	TimeInfo
	Expires    bool
	Expanded   bool
	UsageCount uint32

	DefaultAutoTypeSequence string
	EnableAutoType          bool
	EnableSearching         bool

	// LastTopVisibleEntry names an entry of this group by UUID; it is
	// zero when no such entry exists.
	LastTopVisibleEntry uuid.UUID

	Groups  []*Group
	Entries []*Entry
}

// FindGroup returns the group with the given UUID in the subtree rooted
// at g (including g itself), or nil.
func (g *Group) FindGroup(id uuid.UUID) *Group {
	if id == uuid.Nil {
		return nil
	}
	if g.UUID == id {
		return g
	}
	for _, sub := range g.Groups {
		if found := sub.FindGroup(id); found != nil {
			return found
		}
	}
	return nil
}

// FindEntry returns the entry with the given UUID in the subtree rooted
// at g, or nil.
func (g *Group) FindEntry(id uuid.UUID) *Entry {
	if id == uuid.Nil {
		return nil
	}
	for _, e := range g.Entries {
		if e.UUID == id {
			return e
		}
	}
	for _, sub := range g.Groups {
		if found := sub.FindEntry(id); found != nil {
			return found
		}
	}
	return nil
}

// HasNonMetaEntries reports whether the group holds at least one entry
// that is not a meta stream.
func (g *Group) HasNonMetaEntries() bool {
	for _, e := range g.Entries {
		if !e.IsMetaEntry() {
			return true
		}
	}
	return false
}
