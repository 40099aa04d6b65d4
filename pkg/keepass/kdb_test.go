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
	"io"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildKDBDatabase returns a database shaped like a KDB file: no
// metadata, a 16-byte master seed and entries only below the root.
func buildKDBDatabase(t *testing.T) *Database {
	t.Helper()
	db := &Database{
		Root:            &Group{UUID: uuid.MustParse("11111111-2222-3333-4444-555555555555")},
		Cipher:          AESCipher,
		MasterSeed:      bytes.Repeat([]byte{0x5c}, 16),
		TransformRounds: 600,
	}
	for i := range db.InitVector {
		db.InitVector[i] = byte(i)
	}
	for i := range db.TransformSeed {
		db.TransformSeed[i] = byte(0x80 + i)
	}

	internet := &Group{
		Name: "Internet",
		Icon: 1,
	}
	internet.CreationTime = mustTime(t, "2014-01-02T03:04:05Z")
	internet.LastModificationTime = mustTime(t, "2014-01-03T03:04:05Z")
	internet.LastAccessTime = mustTime(t, "2014-01-04T03:04:05Z")

	email := &Group{Name: "Email", Icon: 19}
	email.CreationTime = mustTime(t, "2014-02-02T03:04:05Z")
	internet.Groups = append(internet.Groups, email)

	backup := &Group{Name: "Backup", Icon: 4, Flags: 2}
	db.Root.Groups = append(db.Root.Groups, internet, backup)

	entry := &Entry{
		UUID:     uuid.MustParse("99999999-8888-7777-6666-555555555555"),
		Icon:     2,
		Title:    ProtectedString{Value: "Example"},
		URL:      ProtectedString{Value: "https://example.com/"},
		Username: ProtectedString{Value: "user"},
		Password: ProtectedString{Value: "hunter2"},
		Notes:    ProtectedString{Value: "some notes"},
	}
	entry.CreationTime = mustTime(t, "2014-03-01T12:30:45Z")
	entry.LastModificationTime = mustTime(t, "2014-03-02T12:30:45Z")
	entry.ExpiryTime = mustTime(t, "2015-03-01T00:00:00Z")
	internet.Entries = append(internet.Entries, entry)

	attached := &Entry{
		UUID:  uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"),
		Title: ProtectedString{Value: "With file"},
		Attachments: []*Attachment{
			{Name: "note.txt", Binary: &Binary{Data: []byte("attachment payload")}},
		},
	}
	email.Entries = append(email.Entries, attached)

	meta := &Entry{
		UUID:     uuid.MustParse("0f0f0f0f-0f0f-0f0f-0f0f-0f0f0f0f0f0f"),
		Title:    ProtectedString{Value: "Meta-Info"},
		URL:      ProtectedString{Value: "$"},
		Username: ProtectedString{Value: "SYSTEM"},
		Notes:    ProtectedString{Value: "KPX_GROUP_TREE_STATE"},
		Attachments: []*Attachment{
			{Name: "bin-stream", Binary: &Binary{Data: []byte{0x01, 0x02}}},
		},
	}
	internet.Entries = append(internet.Entries, meta)

	return db
}

// clearGroupUUIDs zeroes group identifiers for comparison: the KDB
// format does not persist them, so they are regenerated on import.
func clearGroupUUIDs(g *Group) {
	g.UUID = uuid.Nil
	for _, sub := range g.Groups {
		clearGroupUUIDs(sub)
	}
}

func TestKDBRoundTrip(t *testing.T) {
	db := buildKDBDatabase(t)
	key := NewKey("swordfish")
	path := filepath.Join(t.TempDir(), "test.kdb")

	require.NoError(t, ExportKDB(path, db, key, testOptions()))
	got, err := ImportKDB(path, key, testOptions())
	require.NoError(t, err)

	assert.Nil(t, got.Meta)
	assert.Equal(t, db.Cipher, got.Cipher)
	assert.Equal(t, db.MasterSeed, got.MasterSeed)
	assert.Equal(t, db.InitVector, got.InitVector)
	assert.Equal(t, db.TransformSeed, got.TransformSeed)
	assert.Equal(t, db.TransformRounds, got.TransformRounds)

	assert.Equal(t, db.Root.JSON(), got.Root.JSON())
	clearGroupUUIDs(db.Root)
	clearGroupUUIDs(got.Root)
	assert.Equal(t, db.Root, got.Root)
}

func TestKDBRoundTripIsFixpoint(t *testing.T) {
	db := buildKDBDatabase(t)
	key := NewKey("swordfish")
	dir := t.TempDir()
	first := filepath.Join(dir, "first.kdb")
	second := filepath.Join(dir, "second.kdb")

	require.NoError(t, ExportKDB(first, db, key, testOptions()))
	db1, err := ImportKDB(first, key, testOptions())
	require.NoError(t, err)
	require.NoError(t, ExportKDB(second, db1, key, testOptions()))
	db2, err := ImportKDB(second, key, testOptions())
	require.NoError(t, err)

	assert.Equal(t, db1.Root.JSON(), db2.Root.JSON())
	clearGroupUUIDs(db1.Root)
	clearGroupUUIDs(db2.Root)
	assert.Equal(t, db1.Root, db2.Root)
}

func TestKDBDeepSiblingSubtrees(t *testing.T) {
	// Two sibling subtrees of depth three serialize to on-disk levels
	// 0,1,2,0,1,2; reconstruction must pop back to the root between them.
	a := &Group{Name: "A"}
	b := &Group{Name: "B"}
	c := &Group{Name: "C"}
	d := &Group{Name: "D"}
	e := &Group{Name: "E"}
	f := &Group{Name: "F"}
	a.Groups = []*Group{b}
	b.Groups = []*Group{c}
	d.Groups = []*Group{e}
	e.Groups = []*Group{f}
	db := &Database{
		Root:            &Group{Groups: []*Group{a, d}},
		Cipher:          AESCipher,
		MasterSeed:      bytes.Repeat([]byte{0x11}, 16),
		TransformRounds: 600,
	}
	key := NewKey("swordfish")
	path := filepath.Join(t.TempDir(), "deep.kdb")

	require.NoError(t, ExportKDB(path, db, key, testOptions()))
	got, err := ImportKDB(path, key, testOptions())
	require.NoError(t, err)

	require.Len(t, got.Root.Groups, 2)
	gotA, gotD := got.Root.Groups[0], got.Root.Groups[1]
	assert.Equal(t, "A", gotA.Name)
	require.Len(t, gotA.Groups, 1)
	assert.Equal(t, "B", gotA.Groups[0].Name)
	require.Len(t, gotA.Groups[0].Groups, 1)
	assert.Equal(t, "C", gotA.Groups[0].Groups[0].Name)
	assert.Empty(t, gotA.Groups[0].Groups[0].Groups)
	assert.Equal(t, "D", gotD.Name)
	require.Len(t, gotD.Groups, 1)
	assert.Equal(t, "E", gotD.Groups[0].Name)
	require.Len(t, gotD.Groups[0].Groups, 1)
	assert.Equal(t, "F", gotD.Groups[0].Groups[0].Name)
	assert.Equal(t, db.Root.JSON(), got.Root.JSON())
}

func TestKDBMetaEntrySurvivesRoundTrip(t *testing.T) {
	db := buildKDBDatabase(t)
	key := NewKey("swordfish")
	path := filepath.Join(t.TempDir(), "test.kdb")

	require.NoError(t, ExportKDB(path, db, key, testOptions()))
	got, err := ImportKDB(path, key, testOptions())
	require.NoError(t, err)

	internet := got.Root.Groups[0]
	require.Len(t, internet.Entries, 2)
	assert.True(t, internet.Entries[1].IsMetaEntry())
	assert.NotContains(t, got.Root.JSON(), "Meta-Info")
}

func TestKDBTwofish(t *testing.T) {
	db := buildKDBDatabase(t)
	db.Cipher = TwofishCipher
	key := NewKey("swordfish")
	path := filepath.Join(t.TempDir(), "twofish.kdb")

	require.NoError(t, ExportKDB(path, db, key, testOptions()))
	got, err := ImportKDB(path, key, testOptions())
	require.NoError(t, err)
	assert.Equal(t, TwofishCipher, got.Cipher)
	assert.Equal(t, db.Root.JSON(), got.Root.JSON())
}

func TestKDBWrongPassword(t *testing.T) {
	db := buildKDBDatabase(t)
	path := filepath.Join(t.TempDir(), "test.kdb")

	require.NoError(t, ExportKDB(path, db, NewKey("swordfish"), testOptions()))
	_, err := ImportKDB(path, NewKey("wrong_password"), testOptions())
	assert.ErrorIs(t, err, ErrPassword)
}

func TestKDBAutoDetect(t *testing.T) {
	db := buildKDBDatabase(t)
	key := NewKey("swordfish")
	path := filepath.Join(t.TempDir(), "test.kdb")

	require.NoError(t, Export(path, db, key, testOptions()))
	got, err := Import(path, key, testOptions())
	require.NoError(t, err)
	assert.Nil(t, got.Meta)
	assert.Equal(t, db.Root.JSON(), got.Root.JSON())
}

func TestReadKDBGroupUnknownField(t *testing.T) {
	buf := new(bytes.Buffer)
	w := &writer{w: buf}
	writeUint32Field(w, groupIDField, 1)
	writeUint16Field(w, groupLevelField, 0)
	writeUint32Field(w, 0x00aa, 42)
	writeField(w, fieldTerminator, nil)
	require.NoError(t, w.err)

	_, _, _, err := readKDBGroup(bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestReadKDBGroupMissingLevel(t *testing.T) {
	buf := new(bytes.Buffer)
	w := &writer{w: buf}
	writeUint32Field(w, groupIDField, 1)
	writeStringField(w, groupNameField, "no level")
	writeField(w, fieldTerminator, nil)
	require.NoError(t, w.err)

	_, _, _, err := readKDBGroup(bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestReadKDBEntryIgnoresEmptyAttachmentName(t *testing.T) {
	buf := new(bytes.Buffer)
	w := &writer{w: buf}
	var id [16]byte
	id[0] = 1
	writeField(w, entryUUIDField, id[:])
	writeUint32Field(w, entryGroupIDField, 0)
	writeStringField(w, entryTitleField, "plain")
	writeStringField(w, entryAttachmentNameField, "")
	writeField(w, entryAttachmentDataField, nil)
	writeField(w, fieldTerminator, nil)
	require.NoError(t, w.err)

	e, _, err := readKDBEntry(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Empty(t, e.Attachments)
}

func TestReadKDBEntryTruncated(t *testing.T) {
	buf := new(bytes.Buffer)
	w := &writer{w: buf}
	writeStringField(w, entryTitleField, "cut off")
	require.NoError(t, w.err)
	data := buf.Bytes()[:buf.Len()-2]

	_, _, err := readKDBEntry(bytes.NewReader(data))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
