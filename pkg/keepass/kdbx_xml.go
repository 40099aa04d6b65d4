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
	"compress/gzip"
	"encoding/base64"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/keepass/pkg/obfuscate"
)

// kdbxParser walks the KDBX XML document with a pull decoder.  Protected
// values are deobfuscated in document order; the order is shared with the
// writer and must not change.
type kdbxParser struct {
	d          *xml.Decoder
	obf        *obfuscate.Stream
	headerHash []byte
	binaryPool map[string]*Binary
}

func (p *kdbxParser) parse(src io.Reader, db *Database) error {
	p.d = xml.NewDecoder(src)
	root, err := p.nextStart()
	if err != nil {
		return err
	}
	if root.Name.Local != "KeePassFile" {
		return formatError("import", "no KeePassFile element in KDBX XML")
	}
	sawMeta := false
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "Meta":
				if err := p.parseMeta(db.Meta); err != nil {
					return err
				}
				sawMeta = true
			case "Root":
				if err := p.parseRoot(db); err != nil {
					return err
				}
			default:
				if err := p.d.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			if !sawMeta {
				return formatError("import", "no Meta element in KDBX XML")
			}
			if db.Root == nil {
				return formatError("import", "no Root or Group element in KDBX XML")
			}
			return nil
		}
	}
}

func (p *kdbxParser) parseRoot(db *Database) error {
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "Group" && db.Root == nil {
				g, err := p.parseGroup(db.Meta)
				if err != nil {
					return err
				}
				db.Root = g
			} else if err := p.d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

// nextStart returns the next start element at any depth.
func (p *kdbxParser) nextStart() (xml.StartElement, error) {
	for {
		tok, err := p.d.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

// text collects the character data of the current element and consumes
// its end tag.
func (p *kdbxParser) text() (string, error) {
	var sb strings.Builder
	for {
		tok, err := p.d.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.StartElement:
			if err := p.d.Skip(); err != nil {
				return "", err
			}
		case xml.EndElement:
			return sb.String(), nil
		}
	}
}

func (p *kdbxParser) timeValue() (time.Time, error) {
	s, err := p.text()
	if err != nil {
		return time.Time{}, err
	}
	t, err := parseDateTime(s)
	if err != nil {
		return time.Time{}, formatError("import", "%v", err)
	}
	return t, nil
}

func (p *kdbxParser) boolValue(def bool) (bool, error) {
	s, err := p.text()
	if err != nil {
		return def, err
	}
	return parseXMLBool(s, def), nil
}

func (p *kdbxParser) uintValue(def uint32) (uint32, error) {
	s, err := p.text()
	if err != nil {
		return def, err
	}
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return def, nil
	}
	return uint32(v), nil
}

func (p *kdbxParser) intValue(def int64) (int64, error) {
	s, err := p.text()
	if err != nil {
		return def, err
	}
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return def, nil
	}
	return v, nil
}

func (p *kdbxParser) uuidValue() (uuid.UUID, error) {
	s, err := p.text()
	if err != nil {
		return uuid.Nil, err
	}
	return parseXMLUUID(s)
}

func (p *kdbxParser) base64Value() ([]byte, error) {
	s, err := p.text()
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, formatError("import", "bad base64 value: %v", err)
	}
	return raw, nil
}

// parseXMLBool follows the lenient element-text boolean of the format:
// missing or empty means the default, anything starting with 1, t, T, y
// or Y is true.
func parseXMLBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	switch s[0] {
	case '1', 't', 'T', 'y', 'Y':
		return true
	}
	return false
}

func parseXMLUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 16 {
		return uuid.Nil, formatError("import", "bad UUID value %q", s)
	}
	var id uuid.UUID
	copy(id[:], raw)
	return id, nil
}

func (p *kdbxParser) parseMeta(m *Metadata) error {
	recycleBinEnabled := true
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if !recycleBinEnabled {
				m.RecycleBin = uuid.Nil
			}
			return nil
		case xml.StartElement:
			switch t.Name.Local {
			case "HeaderHash":
				raw, err := p.base64Value()
				if err != nil {
					return err
				}
				p.headerHash = raw
			case "Generator":
				if m.Generator, err = p.text(); err != nil {
					return err
				}
			case "DatabaseName":
				if m.DatabaseName.Value, err = p.text(); err != nil {
					return err
				}
			case "DatabaseNameChanged":
				if m.DatabaseName.Time, err = p.timeValue(); err != nil {
					return err
				}
			case "DatabaseDescription":
				if m.DatabaseDescription.Value, err = p.text(); err != nil {
					return err
				}
			case "DatabaseDescriptionChanged":
				if m.DatabaseDescription.Time, err = p.timeValue(); err != nil {
					return err
				}
			case "DefaultUserName":
				if m.DefaultUserName.Value, err = p.text(); err != nil {
					return err
				}
			case "DefaultUserNameChanged":
				if m.DefaultUserName.Time, err = p.timeValue(); err != nil {
					return err
				}
			case "MaintenanceHistoryDays":
				if m.MaintenanceHistoryDays, err = p.uintValue(365); err != nil {
					return err
				}
			case "Color":
				if m.Color, err = p.text(); err != nil {
					return err
				}
			case "MasterKeyChanged":
				if m.MasterKeyChanged, err = p.timeValue(); err != nil {
					return err
				}
			case "MasterKeyChangeRec":
				if m.MasterKeyChangeRec, err = p.intValue(-1); err != nil {
					return err
				}
			case "MasterKeyChangeForce":
				if m.MasterKeyChangeForce, err = p.intValue(-1); err != nil {
					return err
				}
			case "MemoryProtection":
				if err := p.parseMemoryProtection(&m.MemoryProtection); err != nil {
					return err
				}
			case "RecycleBinEnabled":
				if recycleBinEnabled, err = p.boolValue(true); err != nil {
					return err
				}
			case "RecycleBinUUID":
				if m.RecycleBin, err = p.uuidValue(); err != nil {
					return err
				}
			case "RecycleBinChanged":
				if m.RecycleBinChanged, err = p.timeValue(); err != nil {
					return err
				}
			case "EntryTemplatesGroup":
				if m.EntryTemplates, err = p.uuidValue(); err != nil {
					return err
				}
			case "EntryTemplatesGroupChanged":
				if m.EntryTemplatesChanged, err = p.timeValue(); err != nil {
					return err
				}
			case "HistoryMaxItems":
				v, err := p.intValue(-1)
				if err != nil {
					return err
				}
				m.HistoryMaxItems = int32(v)
			case "HistoryMaxSize":
				if m.HistoryMaxSize, err = p.intValue(-1); err != nil {
					return err
				}
			case "LastSelectedGroup":
				if m.LastSelectedGroup, err = p.uuidValue(); err != nil {
					return err
				}
			case "LastTopVisibleGroup":
				if m.LastTopVisibleGroup, err = p.uuidValue(); err != nil {
					return err
				}
			case "CustomIcons":
				if err := p.parseCustomIcons(m); err != nil {
					return err
				}
			case "Binaries":
				if err := p.parseBinaryPool(m); err != nil {
					return err
				}
			case "CustomData":
				if err := p.parseCustomData(m); err != nil {
					return err
				}
			default:
				if err := p.d.Skip(); err != nil {
					return err
				}
			}
		}
	}
}

func (p *kdbxParser) parseMemoryProtection(mp *MemoryProtection) error {
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			switch t.Name.Local {
			case "ProtectTitle":
				if mp.Title, err = p.boolValue(false); err != nil {
					return err
				}
			case "ProtectUserName":
				if mp.Username, err = p.boolValue(false); err != nil {
					return err
				}
			case "ProtectPassword":
				if mp.Password, err = p.boolValue(true); err != nil {
					return err
				}
			case "ProtectURL":
				if mp.URL, err = p.boolValue(false); err != nil {
					return err
				}
			case "ProtectNotes":
				if mp.Notes, err = p.boolValue(false); err != nil {
					return err
				}
			default:
				if err := p.d.Skip(); err != nil {
					return err
				}
			}
		}
	}
}

func (p *kdbxParser) parseCustomIcons(m *Metadata) error {
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			if t.Name.Local != "Icon" {
				if err := p.d.Skip(); err != nil {
					return err
				}
				continue
			}
			icon := new(Icon)
			for {
				tok, err := p.d.Token()
				if err != nil {
					return err
				}
				if _, ok := tok.(xml.EndElement); ok {
					break
				}
				se, ok := tok.(xml.StartElement)
				if !ok {
					continue
				}
				switch se.Name.Local {
				case "UUID":
					if icon.UUID, err = p.uuidValue(); err != nil {
						return err
					}
				case "Data":
					if icon.Data, err = p.base64Value(); err != nil {
						return err
					}
				default:
					if err := p.d.Skip(); err != nil {
						return err
					}
				}
			}
			if len(icon.Data) > 0 {
				m.Icons = append(m.Icons, icon)
			}
		}
	}
}

func (p *kdbxParser) parseBinaryPool(m *Metadata) error {
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			if t.Name.Local != "Binary" {
				if err := p.d.Skip(); err != nil {
					return err
				}
				continue
			}
			id := attrValue(t, "ID")
			bin, err := p.parseBinaryValue(t)
			if err != nil {
				return err
			}
			m.Binaries = append(m.Binaries, bin)
			if id != "" {
				p.binaryPool[id] = bin
			}
		}
	}
}

// parseBinaryValue decodes the text of a binary element according to its
// Protected/Compressed/ProtectedInMemory attributes.  It consumes the
// element's end tag.
func (p *kdbxParser) parseBinaryValue(se xml.StartElement) (*Binary, error) {
	protected := boolAttr(se, "Protected")
	compressed := boolAttr(se, "Compressed")
	inMemory := boolAttr(se, "ProtectedInMemory")
	raw, err := p.base64Value()
	if err != nil {
		return nil, err
	}
	bin := new(Binary)
	switch {
	case protected:
		bin.Data = p.obf.Process(raw)
		bin.Protected = true
	case compressed:
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, wrapError(KindIO, "import", err)
		}
		data, err := io.ReadAll(gz)
		if err != nil {
			return nil, wrapError(KindIO, "import", err)
		}
		if err := gz.Close(); err != nil {
			return nil, wrapError(KindIO, "import", err)
		}
		bin.Data = data
		bin.Compress = true
		bin.Protected = inMemory
	default:
		bin.Data = raw
		bin.Protected = inMemory
	}
	return bin, nil
}

func (p *kdbxParser) parseCustomData(m *Metadata) error {
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			if t.Name.Local != "Item" {
				if err := p.d.Skip(); err != nil {
					return err
				}
				continue
			}
			var item CustomDataItem
			for {
				tok, err := p.d.Token()
				if err != nil {
					return err
				}
				if _, ok := tok.(xml.EndElement); ok {
					break
				}
				se, ok := tok.(xml.StartElement)
				if !ok {
					continue
				}
				switch se.Name.Local {
				case "Key":
					if item.Key, err = p.text(); err != nil {
						return err
					}
				case "Value":
					if item.Value, err = p.text(); err != nil {
						return err
					}
				default:
					if err := p.d.Skip(); err != nil {
						return err
					}
				}
			}
			if item.Key != "" {
				m.CustomData = append(m.CustomData, item)
			}
		}
	}
}

func (p *kdbxParser) parseTimes(ti *TimeInfo, expires *bool, usageCount *uint32) error {
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			switch t.Name.Local {
			case "CreationTime":
				if ti.CreationTime, err = p.timeValue(); err != nil {
					return err
				}
			case "LastModificationTime":
				if ti.LastModificationTime, err = p.timeValue(); err != nil {
					return err
				}
			case "LastAccessTime":
				if ti.LastAccessTime, err = p.timeValue(); err != nil {
					return err
				}
			case "ExpiryTime":
				if ti.ExpiryTime, err = p.timeValue(); err != nil {
					return err
				}
			case "LocationChanged":
				if ti.MoveTime, err = p.timeValue(); err != nil {
					return err
				}
			case "Expires":
				if *expires, err = p.boolValue(false); err != nil {
					return err
				}
			case "UsageCount":
				if *usageCount, err = p.uintValue(0); err != nil {
					return err
				}
			default:
				if err := p.d.Skip(); err != nil {
					return err
				}
			}
		}
	}
}

func (p *kdbxParser) parseGroup(m *Metadata) (*Group, error) {
	g := new(Group)
	for {
		tok, err := p.d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			// The last-top-visible reference is only meaningful when it
			// names one of the group's own entries.
			if g.LastTopVisibleEntry != uuid.Nil {
				found := false
				for _, e := range g.Entries {
					if e.UUID == g.LastTopVisibleEntry {
						found = true
						break
					}
				}
				if !found {
					g.LastTopVisibleEntry = uuid.Nil
				}
			}
			return g, nil
		case xml.StartElement:
			switch t.Name.Local {
			case "UUID":
				if g.UUID, err = p.uuidValue(); err != nil {
					return nil, err
				}
			case "Name":
				if g.Name, err = p.text(); err != nil {
					return nil, err
				}
			case "Notes":
				if g.Notes, err = p.text(); err != nil {
					return nil, err
				}
			case "IconID":
				if g.Icon, err = p.uintValue(0); err != nil {
					return nil, err
				}
			case "CustomIconUUID":
				id, err := p.uuidValue()
				if err != nil {
					return nil, err
				}
				if m.FindIcon(id) != nil {
					g.CustomIcon = id
				}
			case "Times":
				if err := p.parseTimes(&g.TimeInfo, &g.Expires, &g.UsageCount); err != nil {
					return nil, err
				}
			case "IsExpanded":
				if g.Expanded, err = p.boolValue(false); err != nil {
					return nil, err
				}
			case "DefaultAutoTypeSequence":
				if g.DefaultAutoTypeSequence, err = p.text(); err != nil {
					return nil, err
				}
			case "EnableAutoType":
				if g.EnableAutoType, err = p.boolValue(false); err != nil {
					return nil, err
				}
			case "EnableSearching":
				if g.EnableSearching, err = p.boolValue(false); err != nil {
					return nil, err
				}
			case "LastTopVisibleEntry":
				if g.LastTopVisibleEntry, err = p.uuidValue(); err != nil {
					return nil, err
				}
			case "Entry":
				e, err := p.parseEntry(m)
				if err != nil {
					return nil, err
				}
				g.Entries = append(g.Entries, e)
			case "Group":
				sub, err := p.parseGroup(m)
				if err != nil {
					return nil, err
				}
				g.Groups = append(g.Groups, sub)
			default:
				if err := p.d.Skip(); err != nil {
					return nil, err
				}
			}
		}
	}
}

func (p *kdbxParser) parseEntry(m *Metadata) (*Entry, error) {
	e := new(Entry)
	for {
		tok, err := p.d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return e, nil
		case xml.StartElement:
			switch t.Name.Local {
			case "UUID":
				if e.UUID, err = p.uuidValue(); err != nil {
					return nil, err
				}
			case "IconID":
				if e.Icon, err = p.uintValue(0); err != nil {
					return nil, err
				}
			case "ForegroundColor":
				if e.ForegroundColor, err = p.text(); err != nil {
					return nil, err
				}
			case "BackgroundColor":
				if e.BackgroundColor, err = p.text(); err != nil {
					return nil, err
				}
			case "OverrideURL":
				if e.OverrideURL, err = p.text(); err != nil {
					return nil, err
				}
			case "Tags":
				if e.Tags, err = p.text(); err != nil {
					return nil, err
				}
			case "CustomIconUUID":
				id, err := p.uuidValue()
				if err != nil {
					return nil, err
				}
				if m.FindIcon(id) != nil {
					e.CustomIcon = id
				}
			case "Times":
				if err := p.parseTimes(&e.TimeInfo, &e.Expires, &e.UsageCount); err != nil {
					return nil, err
				}
			case "AutoType":
				if err := p.parseAutoType(&e.AutoType); err != nil {
					return nil, err
				}
			case "String":
				if err := p.parseString(e); err != nil {
					return nil, err
				}
			case "Binary":
				if err := p.parseEntryBinary(e); err != nil {
					return nil, err
				}
			case "History":
				if err := p.parseHistory(m, e); err != nil {
					return nil, err
				}
			default:
				if err := p.d.Skip(); err != nil {
					return nil, err
				}
			}
		}
	}
}

func (p *kdbxParser) parseAutoType(at *AutoType) error {
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			switch t.Name.Local {
			case "Enabled":
				if at.Enabled, err = p.boolValue(false); err != nil {
					return err
				}
			case "DataTransferObfuscation":
				if at.Obfuscation, err = p.uintValue(0); err != nil {
					return err
				}
			case "DefaultSequence":
				if at.Sequence, err = p.text(); err != nil {
					return err
				}
			case "Association":
				var assoc Association
				for {
					tok, err := p.d.Token()
					if err != nil {
						return err
					}
					if _, ok := tok.(xml.EndElement); ok {
						break
					}
					se, ok := tok.(xml.StartElement)
					if !ok {
						continue
					}
					switch se.Name.Local {
					case "Window":
						if assoc.Window, err = p.text(); err != nil {
							return err
						}
					case "KeystrokeSequence":
						if assoc.Sequence, err = p.text(); err != nil {
							return err
						}
					default:
						if err := p.d.Skip(); err != nil {
							return err
						}
					}
				}
				at.Associations = append(at.Associations, assoc)
			default:
				if err := p.d.Skip(); err != nil {
					return err
				}
			}
		}
	}
}

func (p *kdbxParser) parseString(e *Entry) error {
	var key string
	var val ProtectedString
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			switch key {
			case "Title":
				e.Title = val
			case "URL":
				e.URL = val
			case "UserName":
				e.Username = val
			case "Password":
				e.Password = val
			case "Notes":
				e.Notes = val
			default:
				e.CustomFields = append(e.CustomFields, Field{Key: key, Value: val})
			}
			return nil
		case xml.StartElement:
			switch t.Name.Local {
			case "Key":
				if key, err = p.text(); err != nil {
					return err
				}
			case "Value":
				if val, err = p.parseProtectedValue(t); err != nil {
					return err
				}
			default:
				if err := p.d.Skip(); err != nil {
					return err
				}
			}
		}
	}
}

// parseProtectedValue decodes a Value element.  Protected values arrive
// base64-encoded and XORed with the inner random stream; unprotected
// values are plain text, and a true ProtectedInMemory attribute marks the
// result as Protected.
func (p *kdbxParser) parseProtectedValue(se xml.StartElement) (ProtectedString, error) {
	protected := boolAttr(se, "Protected")
	inMemory := boolAttr(se, "ProtectedInMemory")
	s, err := p.text()
	if err != nil {
		return ProtectedString{}, err
	}
	if protected {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return ProtectedString{}, formatError("import", "bad base64 value: %v", err)
		}
		return ProtectedString{Value: string(p.obf.Process(raw)), Protected: true}, nil
	}
	return ProtectedString{Value: s, Protected: inMemory}, nil
}

func (p *kdbxParser) parseEntryBinary(e *Entry) error {
	att := &Attachment{Binary: new(Binary)}
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			e.Attachments = append(e.Attachments, att)
			return nil
		case xml.StartElement:
			switch t.Name.Local {
			case "Key":
				if att.Name, err = p.text(); err != nil {
					return err
				}
			case "Value":
				if ref := attrValue(t, "Ref"); ref != "" {
					if _, err := p.text(); err != nil {
						return err
					}
					bin := p.binaryPool[ref]
					if bin == nil {
						return formatError("import", "entry attachment refers to non-existing binary data")
					}
					att.Binary = bin
				} else {
					bin, err := p.parseBinaryValue(t)
					if err != nil {
						return err
					}
					att.Binary = bin
				}
			default:
				if err := p.d.Skip(); err != nil {
					return err
				}
			}
		}
	}
}

func (p *kdbxParser) parseHistory(m *Metadata, e *Entry) error {
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			if t.Name.Local != "Entry" {
				if err := p.d.Skip(); err != nil {
					return err
				}
				continue
			}
			sub, err := p.parseEntry(m)
			if err != nil {
				return err
			}
			e.History = append(e.History, sub)
		}
	}
}

func attrValue(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func boolAttr(se xml.StartElement, name string) bool {
	return parseXMLBool(attrValue(se, name), false)
}

// kdbxWriter emits the KDBX XML document through an encoder, remembering
// the first error.  Elements are written in the same order the parser
// consumes them so that the obfuscation stream stays aligned.
type kdbxWriter struct {
	enc       *xml.Encoder
	obf       *obfuscate.Stream
	binaryIDs map[*Binary]int
	err       error
}

func writeKDBXDocument(dst io.Writer, root *Group, meta *Metadata, obf *obfuscate.Stream, headerHash []byte) error {
	if _, err := io.WriteString(dst, xml.Header); err != nil {
		return err
	}
	w := &kdbxWriter{
		enc:       xml.NewEncoder(dst),
		obf:       obf,
		binaryIDs: make(map[*Binary]int),
	}
	w.start("KeePassFile")
	w.writeMeta(meta, headerHash)
	w.start("Root")
	w.start("Group")
	w.writeGroup(root)
	w.end("Group")
	w.end("Root")
	w.end("KeePassFile")
	if w.err != nil {
		return w.err
	}
	return w.enc.Flush()
}

func (w *kdbxWriter) token(tok xml.Token) {
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeToken(tok)
}

func (w *kdbxWriter) start(name string, attrs ...xml.Attr) {
	w.token(xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs})
}

func (w *kdbxWriter) end(name string) {
	w.token(xml.EndElement{Name: xml.Name{Local: name}})
}

func (w *kdbxWriter) element(name, value string) {
	w.start(name)
	if value != "" {
		w.token(xml.CharData(value))
	}
	w.end(name)
}

func (w *kdbxWriter) boolElement(name string, v bool) {
	if v {
		w.element(name, "True")
	} else {
		w.element(name, "False")
	}
}

func (w *kdbxWriter) timeElement(name string, t time.Time) {
	w.element(name, formatDateTime(t))
}

func (w *kdbxWriter) uintElement(name string, v uint32) {
	w.element(name, strconv.FormatUint(uint64(v), 10))
}

func (w *kdbxWriter) intElement(name string, v int64) {
	w.element(name, strconv.FormatInt(v, 10))
}

func (w *kdbxWriter) uuidElement(name string, id uuid.UUID) {
	w.element(name, base64.StdEncoding.EncodeToString(id[:]))
}

func (w *kdbxWriter) protectedElement(name string, v ProtectedString) {
	if v.Protected {
		attr := xml.Attr{Name: xml.Name{Local: "Protected"}, Value: "True"}
		w.start(name, attr)
		masked := w.obf.Process([]byte(v.Value))
		if len(masked) > 0 {
			w.token(xml.CharData(base64.StdEncoding.EncodeToString(masked)))
		}
		w.end(name)
	} else {
		w.element(name, v.Value)
	}
}

func (w *kdbxWriter) writeMeta(m *Metadata, headerHash []byte) {
	w.start("Meta")
	w.element("HeaderHash", base64.StdEncoding.EncodeToString(headerHash))
	w.element("Generator", m.Generator)
	w.element("DatabaseName", m.DatabaseName.Value)
	w.timeElement("DatabaseNameChanged", m.DatabaseName.Time)
	w.element("DatabaseDescription", m.DatabaseDescription.Value)
	w.timeElement("DatabaseDescriptionChanged", m.DatabaseDescription.Time)
	w.element("DefaultUserName", m.DefaultUserName.Value)
	w.timeElement("DefaultUserNameChanged", m.DefaultUserName.Time)
	w.uintElement("MaintenanceHistoryDays", m.MaintenanceHistoryDays)
	w.element("Color", m.Color)
	w.timeElement("MasterKeyChanged", m.MasterKeyChanged)
	w.intElement("MasterKeyChangeRec", m.MasterKeyChangeRec)
	w.intElement("MasterKeyChangeForce", m.MasterKeyChangeForce)

	w.start("MemoryProtection")
	w.boolElement("ProtectTitle", m.MemoryProtection.Title)
	w.boolElement("ProtectUserName", m.MemoryProtection.Username)
	w.boolElement("ProtectPassword", m.MemoryProtection.Password)
	w.boolElement("ProtectURL", m.MemoryProtection.URL)
	w.boolElement("ProtectNotes", m.MemoryProtection.Notes)
	w.end("MemoryProtection")

	if m.RecycleBin != uuid.Nil {
		w.boolElement("RecycleBinEnabled", true)
		w.uuidElement("RecycleBinUUID", m.RecycleBin)
	} else {
		w.boolElement("RecycleBinEnabled", false)
	}
	w.timeElement("RecycleBinChanged", m.RecycleBinChanged)

	if m.EntryTemplates != uuid.Nil {
		w.uuidElement("EntryTemplatesGroup", m.EntryTemplates)
	}
	w.timeElement("EntryTemplatesGroupChanged", m.EntryTemplatesChanged)

	w.intElement("HistoryMaxItems", int64(m.HistoryMaxItems))
	w.intElement("HistoryMaxSize", m.HistoryMaxSize)

	if m.LastSelectedGroup != uuid.Nil {
		w.uuidElement("LastSelectedGroup", m.LastSelectedGroup)
	}
	if m.LastTopVisibleGroup != uuid.Nil {
		w.uuidElement("LastTopVisibleGroup", m.LastTopVisibleGroup)
	}

	w.start("CustomIcons")
	for _, icon := range m.Icons {
		w.start("Icon")
		w.uuidElement("UUID", icon.UUID)
		w.element("Data", base64.StdEncoding.EncodeToString(icon.Data))
		w.end("Icon")
	}
	w.end("CustomIcons")

	w.start("Binaries")
	for i, bin := range m.Binaries {
		w.binaryIDs[bin] = i
		idAttr := xml.Attr{Name: xml.Name{Local: "ID"}, Value: strconv.Itoa(i)}
		w.binaryElement("Binary", bin, idAttr)
	}
	w.end("Binaries")

	w.start("CustomData")
	for _, item := range m.CustomData {
		w.start("Item")
		w.element("Key", item.Key)
		w.element("Value", item.Value)
		w.end("Item")
	}
	w.end("CustomData")
	w.end("Meta")
}

// binaryElement writes the element holding a binary payload, encoding
// the content according to the binary's Protected/Compressed flags the
// same way for pool entries and inline attachment values.
func (w *kdbxWriter) binaryElement(name string, bin *Binary, attrs ...xml.Attr) {
	switch {
	case bin != nil && bin.Protected:
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "Protected"}, Value: "True"})
		w.start(name, attrs...)
		masked := w.obf.Process(bin.Data)
		if len(masked) > 0 {
			w.token(xml.CharData(base64.StdEncoding.EncodeToString(masked)))
		}
		w.end(name)
	case bin != nil && bin.Compress:
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "Compressed"}, Value: "True"})
		w.start(name, attrs...)
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(bin.Data); err != nil && w.err == nil {
			w.err = err
		}
		if err := gz.Close(); err != nil && w.err == nil {
			w.err = err
		}
		w.token(xml.CharData(base64.StdEncoding.EncodeToString(buf.Bytes())))
		w.end(name)
	default:
		var data []byte
		if bin != nil {
			data = bin.Data
		}
		w.start(name, attrs...)
		if len(data) > 0 {
			w.token(xml.CharData(base64.StdEncoding.EncodeToString(data)))
		}
		w.end(name)
	}
}

func (w *kdbxWriter) writeTimes(ti TimeInfo, expires bool, usageCount uint32) {
	w.start("Times")
	w.timeElement("CreationTime", ti.CreationTime)
	w.timeElement("LastModificationTime", ti.LastModificationTime)
	w.timeElement("LastAccessTime", ti.LastAccessTime)
	w.timeElement("ExpiryTime", ti.ExpiryTime)
	w.timeElement("LocationChanged", ti.MoveTime)
	w.boolElement("Expires", expires)
	w.uintElement("UsageCount", usageCount)
	w.end("Times")
}

func (w *kdbxWriter) writeGroup(g *Group) {
	w.uuidElement("UUID", g.UUID)
	w.element("Name", g.Name)
	w.element("Notes", g.Notes)
	w.uintElement("IconID", g.Icon)
	if g.CustomIcon != uuid.Nil {
		w.uuidElement("CustomIconUUID", g.CustomIcon)
	}
	w.writeTimes(g.TimeInfo, g.Expires, g.UsageCount)
	w.boolElement("IsExpanded", g.Expanded)
	w.element("DefaultAutoTypeSequence", g.DefaultAutoTypeSequence)
	w.boolElement("EnableAutoType", g.EnableAutoType)
	w.boolElement("EnableSearching", g.EnableSearching)
	if g.LastTopVisibleEntry != uuid.Nil {
		w.uuidElement("LastTopVisibleEntry", g.LastTopVisibleEntry)
	}
	for _, e := range g.Entries {
		w.start("Entry")
		w.writeEntry(e)
		w.end("Entry")
	}
	for _, sub := range g.Groups {
		w.start("Group")
		w.writeGroup(sub)
		w.end("Group")
	}
}

func (w *kdbxWriter) writeEntry(e *Entry) {
	w.uuidElement("UUID", e.UUID)
	w.uintElement("IconID", e.Icon)
	w.element("ForegroundColor", e.ForegroundColor)
	w.element("BackgroundColor", e.BackgroundColor)
	w.element("OverrideURL", e.OverrideURL)
	w.element("Tags", e.Tags)
	if e.CustomIcon != uuid.Nil {
		w.uuidElement("CustomIconUUID", e.CustomIcon)
	}
	w.writeTimes(e.TimeInfo, e.Expires, e.UsageCount)

	w.start("AutoType")
	w.boolElement("Enabled", e.AutoType.Enabled)
	w.uintElement("DataTransferObfuscation", e.AutoType.Obfuscation)
	w.element("DefaultSequence", e.AutoType.Sequence)
	for _, assoc := range e.AutoType.Associations {
		w.start("Association")
		w.element("Window", assoc.Window)
		w.element("KeystrokeSequence", assoc.Sequence)
		w.end("Association")
	}
	w.end("AutoType")

	w.writeString("Title", e.Title)
	w.writeString("URL", e.URL)
	w.writeString("UserName", e.Username)
	w.writeString("Password", e.Password)
	w.writeString("Notes", e.Notes)
	for _, f := range e.CustomFields {
		w.writeString(f.Key, f.Value)
	}

	for _, att := range e.Attachments {
		w.start("Binary")
		w.element("Key", att.Name)
		if id, ok := w.binaryIDs[att.Binary]; ok {
			w.start("Value", xml.Attr{Name: xml.Name{Local: "Ref"}, Value: strconv.Itoa(id)})
			w.end("Value")
		} else {
			w.binaryElement("Value", att.Binary)
		}
		w.end("Binary")
	}

	w.start("History")
	for _, sub := range e.History {
		w.start("Entry")
		w.writeEntry(sub)
		w.end("Entry")
	}
	w.end("History")
}

func (w *kdbxWriter) writeString(key string, value ProtectedString) {
	w.start("String")
	w.element("Key", key)
	w.protectedElement("Value", value)
	w.end("String")
}
