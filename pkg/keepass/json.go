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
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The JSON view renders the group tree for comparison against fixtures.
// Field order and omission rules are fixed: icon always comes first,
// string and time fields appear only when set, child arrays only when
// non-empty, and meta entries are hidden.

func jsonTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// JSON renders the group subtree.
func (g *Group) JSON() string {
	var sb strings.Builder
	g.writeJSON(&sb)
	return sb.String()
}

func (g *Group) writeJSON(sb *strings.Builder) {
	sb.WriteByte('{')
	fmt.Fprintf(sb, `"icon":%d`, g.Icon)
	if g.CustomIcon != uuid.Nil {
		sb.WriteString(`,"custom_icon":"1"`)
	}
	if g.Name != "" {
		fmt.Fprintf(sb, `,"name":%q`, g.Name)
	}
	if g.Notes != "" {
		fmt.Fprintf(sb, `,"notes":%q`, g.Notes)
	}
	if !g.CreationTime.IsZero() {
		fmt.Fprintf(sb, `,"creation_time":"%s"`, jsonTime(g.CreationTime))
	}
	if !g.LastModificationTime.IsZero() {
		fmt.Fprintf(sb, `,"modification_time":"%s"`, jsonTime(g.LastModificationTime))
	}
	if !g.LastAccessTime.IsZero() {
		fmt.Fprintf(sb, `,"access_time":"%s"`, jsonTime(g.LastAccessTime))
	}
	if !g.ExpiryTime.IsZero() {
		fmt.Fprintf(sb, `,"expiry_time":"%s"`, jsonTime(g.ExpiryTime))
	}
	if !g.MoveTime.IsZero() {
		fmt.Fprintf(sb, `,"move_time":"%s"`, jsonTime(g.MoveTime))
	}
	if g.Flags != 0 {
		fmt.Fprintf(sb, `,"flags":%d`, g.Flags)
	}
	if len(g.Groups) > 0 {
		sb.WriteString(`,"groups":[`)
		for i, sub := range g.Groups {
			if i > 0 {
				sb.WriteByte(',')
			}
			sub.writeJSON(sb)
		}
		sb.WriteByte(']')
	}
	if g.HasNonMetaEntries() {
		sb.WriteString(`,"entries":[`)
		first := true
		for _, e := range g.Entries {
			if e.IsMetaEntry() {
				continue
			}
			if !first {
				sb.WriteByte(',')
			}
			first = false
			e.writeJSON(sb)
		}
		sb.WriteByte(']')
	}
	sb.WriteByte('}')
}

// JSON renders the entry.
func (e *Entry) JSON() string {
	var sb strings.Builder
	e.writeJSON(&sb)
	return sb.String()
}

func (e *Entry) writeJSON(sb *strings.Builder) {
	sb.WriteByte('{')
	fmt.Fprintf(sb, `"icon":%d`, e.Icon)
	if e.Title.Value != "" {
		fmt.Fprintf(sb, `,"title":%q`, e.Title.Value)
	}
	if e.URL.Value != "" {
		fmt.Fprintf(sb, `,"url":%q`, e.URL.Value)
	}
	if e.Username.Value != "" {
		fmt.Fprintf(sb, `,"username":%q`, e.Username.Value)
	}
	if e.Password.Value != "" {
		fmt.Fprintf(sb, `,"password":%q`, e.Password.Value)
	}
	if e.Notes.Value != "" {
		fmt.Fprintf(sb, `,"notes":%q`, e.Notes.Value)
	}
	if !e.CreationTime.IsZero() {
		fmt.Fprintf(sb, `,"creation_time":"%s"`, jsonTime(e.CreationTime))
	}
	if !e.LastModificationTime.IsZero() {
		fmt.Fprintf(sb, `,"modification_time":"%s"`, jsonTime(e.LastModificationTime))
	}
	if !e.LastAccessTime.IsZero() {
		fmt.Fprintf(sb, `,"access_time":"%s"`, jsonTime(e.LastAccessTime))
	}
	if !e.ExpiryTime.IsZero() {
		fmt.Fprintf(sb, `,"expiry_time":"%s"`, jsonTime(e.ExpiryTime))
	}
	for _, att := range e.Attachments {
		sb.WriteString(`,"attachment":`)
		att.writeJSON(sb)
	}
	sb.WriteByte('}')
}

// JSON renders the attachment.
func (a *Attachment) JSON() string {
	var sb strings.Builder
	a.writeJSON(&sb)
	return sb.String()
}

func (a *Attachment) writeJSON(sb *strings.Builder) {
	sb.WriteByte('{')
	if a.Name != "" {
		fmt.Fprintf(sb, `"name":%q`, a.Name)
	}
	if a.Binary != nil && len(a.Binary.Data) > 0 {
		if a.Name != "" {
			sb.WriteByte(',')
		}
		fmt.Fprintf(sb, `"data":%q`, string(a.Binary.Data))
	}
	sb.WriteByte('}')
}
