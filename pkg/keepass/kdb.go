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
	"crypto/sha256"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"zombiezen.com/go/keepass/pkg/kdbcrypt"
)

// KDB header layout.
const (
	kdbHeaderSize = 124

	kdbFileVersion     = 0x00030002
	kdbVersionMask     = 0xffffff00
	kdbSupportedFamily = 0x00030000
)

// Encryption flags
const (
	kdbFlagSHA2     uint32 = 1
	kdbFlagRijndael uint32 = 2
	kdbFlagArcFour  uint32 = 4
	kdbFlagTwofish  uint32 = 8
)

// Group field types
const (
	groupIDField               = 0x0001
	groupNameField             = 0x0002
	groupCreationTimeField     = 0x0003
	groupModificationTimeField = 0x0004
	groupAccessTimeField       = 0x0005
	groupExpiryTimeField       = 0x0006
	groupIconField             = 0x0007
	groupLevelField            = 0x0008
	groupFlagsField            = 0x0009
)

// Entry field types
const (
	entryUUIDField             = 0x0001
	entryGroupIDField          = 0x0002
	entryIconField             = 0x0003
	entryTitleField            = 0x0004
	entryURLField              = 0x0005
	entryUsernameField         = 0x0006
	entryPasswordField         = 0x0007
	entryNotesField            = 0x0008
	entryCreationTimeField     = 0x0009
	entryModificationTimeField = 0x000a
	entryAccessTimeField       = 0x000b
	entryExpiryTimeField       = 0x000c
	entryAttachmentNameField   = 0x000d
	entryAttachmentDataField   = 0x000e

	fieldTerminator = 0xffff
)

// kdbHeader stores the non-magic values of a KDB file header.
type kdbHeader struct {
	flags           uint32
	version         uint32
	masterSeed      [16]byte
	initVector      [16]byte
	numGroups       uint32
	numEntries      uint32
	contentHash     [32]byte
	transformSeed   [32]byte
	transformRounds uint32
}

func (h *kdbHeader) read(r io.Reader) error {
	rr := reader{r: r}
	signature0 := rr.readUint32()
	signature1 := rr.readUint32()
	h.flags = rr.readUint32()
	h.version = rr.readUint32()
	rr.readFull(h.masterSeed[:])
	rr.readFull(h.initVector[:])
	h.numGroups = rr.readUint32()
	h.numEntries = rr.readUint32()
	rr.readFull(h.contentHash[:])
	rr.readFull(h.transformSeed[:])
	h.transformRounds = rr.readUint32()
	if rr.err != nil {
		return formatError("import", "not a KDB database")
	}
	if signature0 != fileSignature0 || signature1 != kdbSignature1 {
		return formatError("import", "not a KDB database")
	}
	switch h.version & kdbVersionMask {
	case kdbSupportedFamily:
		return nil
	case 0x00010000:
		return formatError("import", "KDB version 1 is not supported")
	case 0x00020000:
		return formatError("import", "KDB version 2 is not supported")
	default:
		return formatError("import", "unknown KDB version %#08x", h.version)
	}
}

func (h *kdbHeader) write(w io.Writer) error {
	ww := writer{w: w}
	ww.writeUint32(fileSignature0)
	ww.writeUint32(kdbSignature1)
	ww.writeUint32(h.flags)
	ww.writeUint32(h.version)
	ww.write(h.masterSeed[:])
	ww.write(h.initVector[:])
	ww.writeUint32(h.numGroups)
	ww.writeUint32(h.numEntries)
	ww.write(h.contentHash[:])
	ww.write(h.transformSeed[:])
	ww.writeUint32(h.transformRounds)
	return ww.err
}

func (h *kdbHeader) cipher() (Cipher, error) {
	switch {
	case h.flags&kdbFlagRijndael != 0:
		return AESCipher, nil
	case h.flags&kdbFlagTwofish != 0:
		return TwofishCipher, nil
	default:
		return 0, formatError("import", "unknown cipher in KDB")
	}
}

func decodeKDB(data []byte, key *Key, opts *Options) (*Database, error) {
	var h kdbHeader
	if err := h.read(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	c, err := h.cipher()
	if err != nil {
		return nil, err
	}
	transformed, err := key.Transform(&h.transformSeed, uint64(h.transformRounds), kdbcrypt.HashSubKeysOnlyIfCompositeKey)
	if err != nil {
		return nil, internalError("import", "key transform: %v", err)
	}
	finalKey := kdbcrypt.FinalKey(h.masterSeed[:], transformed)
	crypt, _ := c.crypt()
	body := data[kdbHeaderSize:]
	if len(body)%kdbcrypt.BlockSize != 0 {
		return nil, passwordError("import")
	}
	dec, err := kdbcrypt.NewDecrypter(bytes.NewReader(body), crypt, &finalKey, &h.initVector)
	if err != nil {
		return nil, internalError("import", "decrypter: %v", err)
	}
	plain, err := io.ReadAll(dec)
	if err != nil {
		// Padding failures here almost always mean a wrong key.
		return nil, passwordError("import")
	}
	if sha256.Sum256(plain) != h.contentHash {
		return nil, passwordError("import")
	}
	opts.logger().Debug("decrypted KDB body",
		zap.Uint32("version", h.version),
		zap.Uint32("groups", h.numGroups),
		zap.Uint32("entries", h.numEntries),
		zap.Int("plaintext_size", len(plain)))

	r := bytes.NewReader(plain)
	type levelGroup struct {
		group *Group
		level uint16
	}
	groups := make([]levelGroup, 0, h.numGroups)
	groupsByID := make(map[uint32]*Group, h.numGroups)
	for i := uint32(0); i < h.numGroups; i++ {
		g, id, level, err := readKDBGroup(r)
		if err != nil {
			return nil, err
		}
		groups = append(groups, levelGroup{g, level})
		groupsByID[id] = g
	}
	type groupedEntry struct {
		entry *Entry
		gid   uint32
	}
	entries := make([]groupedEntry, 0, h.numEntries)
	for i := uint32(0); i < h.numEntries; i++ {
		e, gid, err := readKDBEntry(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, groupedEntry{e, gid})
	}

	rootUUID, err := uuid.NewRandomFromReader(opts.rand())
	if err != nil {
		return nil, internalError("import", "uuid: %v", err)
	}
	root := &Group{UUID: rootUUID}

	// KDB groups carry no UUID on disk; every imported group gets a
	// fresh one so the in-memory invariants hold.
	for _, lg := range groups {
		id, err := uuid.NewRandomFromReader(opts.rand())
		if err != nil {
			return nil, internalError("import", "uuid: %v", err)
		}
		lg.group.UUID = id
	}

	// Rebuild the tree from the level fields.  byLevel holds the current
	// group at each depth, the root at level zero; each group at on-disk
	// level L becomes a child of the group most recently seen at level L
	// and truncates everything deeper.
	byLevel := []*Group{root}
	for _, lg := range groups {
		level := int(lg.level) + 1
		// A group may descend at most one level past its predecessor.
		if level > len(byLevel) {
			return nil, formatError("import", "malformed group tree")
		}
		parent := byLevel[level-1]
		parent.Groups = append(parent.Groups, lg.group)
		byLevel = append(byLevel[:level], lg.group)
	}

	for _, ge := range entries {
		g := groupsByID[ge.gid]
		if g == nil {
			return nil, formatError("import", "database contains an orphaned entry")
		}
		g.Entries = append(g.Entries, ge.entry)
	}

	return &Database{
		Root:            root,
		Cipher:          c,
		MasterSeed:      append([]byte(nil), h.masterSeed[:]...),
		InitVector:      h.initVector,
		TransformSeed:   h.transformSeed,
		TransformRounds: uint64(h.transformRounds),
	}, nil
}

func readKDBGroup(r io.Reader) (g *Group, id uint32, level uint16, err error) {
	g = new(Group)
	fr := newFieldReader(r)
	idSet, levelSet := false, false
	for {
		key, val, err := fr.next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, 0, 0, wrapError(KindIO, "import", err)
		}
		switch key {
		case 0x0000:
			// ignore
		case groupIDField:
			if err := verifyFieldSize("group ID", val, 4); err != nil {
				return nil, 0, 0, formatError("import", "%v", err)
			}
			id = leUint32(val)
			idSet = true
		case groupNameField:
			g.Name = string(stripNull(val))
		case groupCreationTimeField:
			if g.CreationTime, err = readKDBDate("group creation time", val); err != nil {
				return nil, 0, 0, err
			}
		case groupModificationTimeField:
			if g.LastModificationTime, err = readKDBDate("group modification time", val); err != nil {
				return nil, 0, 0, err
			}
		case groupAccessTimeField:
			if g.LastAccessTime, err = readKDBDate("group access time", val); err != nil {
				return nil, 0, 0, err
			}
		case groupExpiryTimeField:
			if g.ExpiryTime, err = readKDBDate("group expiry time", val); err != nil {
				return nil, 0, 0, err
			}
		case groupIconField:
			if err := verifyFieldSize("group icon", val, 4); err != nil {
				return nil, 0, 0, formatError("import", "%v", err)
			}
			g.Icon = leUint32(val)
		case groupLevelField:
			if err := verifyFieldSize("group level", val, 2); err != nil {
				return nil, 0, 0, formatError("import", "%v", err)
			}
			level = leUint16(val)
			levelSet = true
		case groupFlagsField:
			if err := verifyFieldSize("group flags", val, 2); err != nil {
				return nil, 0, 0, formatError("import", "%v", err)
			}
			g.Flags = leUint16(val)
		default:
			return nil, 0, 0, formatError("import", "unknown group field %04x", key)
		}
	}
	if !idSet || !levelSet {
		return nil, 0, 0, formatError("import", "missing group ID or level")
	}
	return g, id, level, nil
}

func readKDBEntry(r io.Reader) (e *Entry, gid uint32, err error) {
	e = new(Entry)
	fr := newFieldReader(r)
	var att *Attachment
	for {
		key, val, err := fr.next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, 0, wrapError(KindIO, "import", err)
		}
		switch key {
		case 0x0000:
			// ignore
		case entryUUIDField:
			if err := verifyFieldSize("entry UUID", val, 16); err != nil {
				return nil, 0, formatError("import", "%v", err)
			}
			copy(e.UUID[:], val)
		case entryGroupIDField:
			if err := verifyFieldSize("entry group ID", val, 4); err != nil {
				return nil, 0, formatError("import", "%v", err)
			}
			gid = leUint32(val)
		case entryIconField:
			if err := verifyFieldSize("entry icon", val, 4); err != nil {
				return nil, 0, formatError("import", "%v", err)
			}
			e.Icon = leUint32(val)
		case entryTitleField:
			e.Title = ProtectedString{Value: string(stripNull(val))}
		case entryURLField:
			e.URL = ProtectedString{Value: string(stripNull(val))}
		case entryUsernameField:
			e.Username = ProtectedString{Value: string(stripNull(val))}
		case entryPasswordField:
			e.Password = ProtectedString{Value: string(stripNull(val))}
		case entryNotesField:
			e.Notes = ProtectedString{Value: string(stripNull(val))}
		case entryCreationTimeField:
			if e.CreationTime, err = readKDBDate("entry creation time", val); err != nil {
				return nil, 0, err
			}
		case entryModificationTimeField:
			if e.LastModificationTime, err = readKDBDate("entry modification time", val); err != nil {
				return nil, 0, err
			}
		case entryAccessTimeField:
			if e.LastAccessTime, err = readKDBDate("entry access time", val); err != nil {
				return nil, 0, err
			}
		case entryExpiryTimeField:
			if e.ExpiryTime, err = readKDBDate("entry expiry time", val); err != nil {
				return nil, 0, err
			}
		case entryAttachmentNameField:
			// KeePass 1.x writes an attachment name holding only a NUL
			// when the entry has no attachment.
			name := string(stripNull(val))
			if name == "" {
				continue
			}
			if att == nil {
				att = &Attachment{Binary: new(Binary)}
			}
			att.Name = name
		case entryAttachmentDataField:
			if len(val) > 0 {
				if att == nil {
					att = &Attachment{Binary: new(Binary)}
				}
				att.Binary.Data = append([]byte(nil), val...)
			}
		default:
			return nil, 0, formatError("import", "unknown entry field %04x", key)
		}
	}
	if att != nil {
		e.Attachments = append(e.Attachments, att)
	}
	return e, gid, nil
}

func readKDBDate(name string, val []byte) (t time.Time, err error) {
	if err := verifyFieldSize(name, val, 5); err != nil {
		return t, formatError("import", "%v", err)
	}
	return unpackKdbTime(val), nil
}

func encodeKDB(w io.Writer, db *Database, key *Key, opts *Options) error {
	type orderedGroup struct {
		group *Group
		level int
	}
	var ordered []orderedGroup
	var walk func(g *Group, level int) error
	walk = func(g *Group, level int) error {
		for _, sub := range g.Groups {
			if level > math.MaxUint16 {
				return internalError("export", "group hierarchy exceeds KDB maximum")
			}
			ordered = append(ordered, orderedGroup{sub, level})
			if err := walk(sub, level+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(db.Root, 0); err != nil {
		return err
	}
	if len(ordered) > math.MaxInt32 {
		return internalError("export", "group count exceeds KDB maximum")
	}

	content := new(bytes.Buffer)
	cw := &writer{w: content}
	for i, og := range ordered {
		writeKDBGroup(cw, og.group, uint32(i), uint16(og.level))
	}
	numEntries := 0
	for i, og := range ordered {
		for _, e := range og.group.Entries {
			writeKDBEntry(cw, e, uint32(i))
			numEntries++
		}
	}
	if cw.err != nil {
		return wrapError(KindIO, "export", cw.err)
	}

	crypt, err := db.Cipher.crypt()
	if err != nil {
		return internalError("export", "%v", err)
	}
	if db.TransformRounds > math.MaxUint32 {
		return internalError("export", "transform rounds exceed KDB maximum")
	}
	h := kdbHeader{
		version:         kdbFileVersion,
		numGroups:       uint32(len(ordered)),
		numEntries:      uint32(numEntries),
		transformSeed:   db.TransformSeed,
		transformRounds: uint32(db.TransformRounds),
		initVector:      db.InitVector,
		contentHash:     sha256.Sum256(content.Bytes()),
	}
	switch db.Cipher {
	case TwofishCipher:
		h.flags = kdbFlagSHA2 | kdbFlagTwofish
	default:
		h.flags = kdbFlagSHA2 | kdbFlagRijndael
	}
	// The KDB master seed is fixed at 16 bytes; databases converted from
	// KDBX carry a longer one and get a fresh seed.
	if len(db.MasterSeed) == 16 {
		copy(h.masterSeed[:], db.MasterSeed)
	} else {
		if _, err := io.ReadFull(opts.rand(), h.masterSeed[:]); err != nil {
			return internalError("export", "seed: %v", err)
		}
	}

	transformed, err := key.Transform(&h.transformSeed, uint64(h.transformRounds), kdbcrypt.HashSubKeysOnlyIfCompositeKey)
	if err != nil {
		return internalError("export", "key transform: %v", err)
	}
	finalKey := kdbcrypt.FinalKey(h.masterSeed[:], transformed)

	if err := h.write(w); err != nil {
		return wrapError(KindIO, "export", err)
	}
	enc, err := kdbcrypt.NewEncrypter(w, crypt, &finalKey, &h.initVector)
	if err != nil {
		return internalError("export", "encrypter: %v", err)
	}
	if _, err := enc.Write(content.Bytes()); err != nil {
		return wrapError(KindIO, "export", err)
	}
	if err := enc.Close(); err != nil {
		return wrapError(KindIO, "export", err)
	}
	opts.logger().Debug("wrote KDB database",
		zap.Int("groups", len(ordered)),
		zap.Int("entries", numEntries))
	return nil
}

func writeKDBGroup(w *writer, g *Group, id uint32, level uint16) {
	writeUint32Field(w, groupIDField, id)
	writeStringField(w, groupNameField, g.Name)
	writeDateField(w, groupCreationTimeField, g.CreationTime)
	writeDateField(w, groupModificationTimeField, g.LastModificationTime)
	writeDateField(w, groupAccessTimeField, g.LastAccessTime)
	writeDateField(w, groupExpiryTimeField, g.ExpiryTime)
	writeUint32Field(w, groupIconField, g.Icon)
	writeUint16Field(w, groupLevelField, level)
	writeUint16Field(w, groupFlagsField, g.Flags)
	writeField(w, fieldTerminator, nil)
}

func writeKDBEntry(w *writer, e *Entry, gid uint32) {
	writeField(w, entryUUIDField, e.UUID[:])
	writeUint32Field(w, entryGroupIDField, gid)
	writeUint32Field(w, entryIconField, e.Icon)
	writeStringField(w, entryTitleField, e.Title.Value)
	writeStringField(w, entryURLField, e.URL.Value)
	writeStringField(w, entryUsernameField, e.Username.Value)
	writeStringField(w, entryPasswordField, e.Password.Value)
	writeStringField(w, entryNotesField, e.Notes.Value)
	writeDateField(w, entryCreationTimeField, e.CreationTime)
	writeDateField(w, entryModificationTimeField, e.LastModificationTime)
	writeDateField(w, entryAccessTimeField, e.LastAccessTime)
	writeDateField(w, entryExpiryTimeField, e.ExpiryTime)
	if len(e.Attachments) > 0 {
		att := e.Attachments[0]
		if att.Name != "" {
			writeStringField(w, entryAttachmentNameField, att.Name)
		}
		if att.Binary != nil && len(att.Binary.Data) > 0 {
			writeField(w, entryAttachmentDataField, att.Binary.Data)
		}
	}
	writeField(w, fieldTerminator, nil)
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
