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
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildKDBXDatabase builds a database exercising the whole KDBX surface:
// metadata, custom icons, a shared binary pool, protected strings, custom
// fields, auto-type and history.
func buildKDBXDatabase(t *testing.T) *Database {
	t.Helper()
	opts := testOptions()
	db, err := New(opts)
	require.NoError(t, err)
	db.TransformRounds = 600

	m := db.Meta
	m.DatabaseName = Temporal{Value: "Test Database", Time: mustTime(t, "2014-06-01T10:00:00Z")}
	m.DatabaseDescription = Temporal{Value: "round trip fixture", Time: mustTime(t, "2014-06-01T10:00:01Z")}
	m.DefaultUserName = Temporal{Value: "nobody", Time: mustTime(t, "2014-06-01T10:00:02Z")}
	m.Color = "#CC0000"
	m.MasterKeyChanged = mustTime(t, "2014-06-02T10:00:00Z")
	m.CustomData = append(m.CustomData, CustomDataItem{Key: "origin", Value: "unit test"})

	icon := &Icon{
		UUID: uuid.MustParse("3e4a1fc1-15a4-4bd4-94d2-7c2c2c17dd6b"),
		Data: []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a},
	}
	m.Icons = append(m.Icons, icon)

	sharedBin := &Binary{Data: []byte("shared attachment body"), Compress: true}
	secretBin := &Binary{Data: []byte("secret attachment body"), Protected: true}
	m.Binaries = append(m.Binaries, sharedBin, secretBin)

	root := db.Root
	root.Name = "General"
	root.Expanded = true
	root.CreationTime = mustTime(t, "2014-06-01T09:00:00Z")
	root.LastModificationTime = mustTime(t, "2014-06-01T09:00:01Z")

	internet := &Group{
		UUID:            uuid.MustParse("c7bf3f10-21b0-45a0-bb02-f95fca23a221"),
		Name:            "Internet",
		Notes:           "web accounts",
		Icon:            1,
		Expanded:        true,
		EnableSearching: true,
		UsageCount:      3,
	}
	internet.CreationTime = mustTime(t, "2014-06-03T09:00:00Z")
	internet.MoveTime = mustTime(t, "2014-06-04T09:00:00Z")

	recycled := &Group{
		UUID: uuid.MustParse("5d9a8f22-6f60-4f7a-8a0d-51f319fdd231"),
		Name: "Recycle Bin",
		Icon: 43,
	}
	root.Groups = append(root.Groups, internet, recycled)

	m.RecycleBin = recycled.UUID
	m.RecycleBinChanged = mustTime(t, "2014-06-05T09:00:00Z")
	m.EntryTemplates = internet.UUID
	m.EntryTemplatesChanged = mustTime(t, "2014-06-05T09:00:01Z")
	m.LastSelectedGroup = internet.UUID
	m.LastTopVisibleGroup = root.UUID

	old := &Entry{
		UUID:     uuid.MustParse("88a2c14e-3c39-4b0f-94a1-51f2cc9f0e25"),
		Icon:     2,
		Title:    ProtectedString{Value: "Example (old)"},
		Username: ProtectedString{Value: "user"},
		Password: ProtectedString{Value: "old password", Protected: true},
	}
	old.CreationTime = mustTime(t, "2014-06-06T09:00:00Z")

	entry := &Entry{
		UUID:            uuid.MustParse("88a2c14e-3c39-4b0f-94a1-51f2cc9f0e25"),
		Icon:            2,
		CustomIcon:      icon.UUID,
		Title:           ProtectedString{Value: "Example"},
		URL:             ProtectedString{Value: "https://example.com/"},
		Username:        ProtectedString{Value: "user"},
		Password:        ProtectedString{Value: "hunter2", Protected: true},
		Notes:           ProtectedString{Value: "multi\nline\nnotes"},
		OverrideURL:     "cmd://firefox {URL}",
		Tags:            "web;login",
		ForegroundColor: "#000000",
		BackgroundColor: "#FFFFF0",
		Expires:         true,
		UsageCount:      7,
		AutoType: AutoType{
			Enabled:     true,
			Obfuscation: 1,
			Sequence:    "{USERNAME}{TAB}{PASSWORD}{ENTER}",
			Associations: []Association{
				{Window: "Example - *", Sequence: "{PASSWORD}{ENTER}"},
			},
		},
		CustomFields: []Field{
			{Key: "PIN", Value: ProtectedString{Value: "1234", Protected: true}},
			{Key: "Branch", Value: ProtectedString{Value: "downtown"}},
		},
		Attachments: []*Attachment{
			{Name: "shared.txt", Binary: sharedBin},
			{Name: "inline.bin", Binary: &Binary{Data: []byte("inline payload")}},
			{Name: "inline-secret.bin", Binary: &Binary{Data: []byte("inline secret payload"), Protected: true}},
			{Name: "inline-packed.bin", Binary: &Binary{Data: []byte("inline compressed payload"), Compress: true}},
		},
		History: []*Entry{old},
	}
	entry.CreationTime = mustTime(t, "2014-06-06T09:00:00Z")
	entry.LastModificationTime = mustTime(t, "2014-06-07T09:00:00Z")
	entry.ExpiryTime = mustTime(t, "2015-06-06T09:00:00Z")

	secretEntry := &Entry{
		UUID:  uuid.MustParse("e1bb5a4e-9be7-4876-a431-8a8c2e50cf91"),
		Title: ProtectedString{Value: "Secret file"},
		Attachments: []*Attachment{
			{Name: "secret.bin", Binary: secretBin},
		},
	}

	internet.Entries = append(internet.Entries, entry, secretEntry)
	internet.LastTopVisibleEntry = entry.UUID

	return db
}

func exportImportKDBX(t *testing.T, db *Database, key *Key) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.kdbx")
	require.NoError(t, ExportKDBX(path, db, key, testOptions()))
	got, err := ImportKDBX(path, key, testOptions())
	require.NoError(t, err)
	return got
}

func assertDatabasesEqual(t *testing.T, want, got *Database) {
	t.Helper()
	assert.Equal(t, want.Cipher, got.Cipher)
	assert.Equal(t, want.Compress, got.Compress)
	assert.Equal(t, want.MasterSeed, got.MasterSeed)
	assert.Equal(t, want.InitVector, got.InitVector)
	assert.Equal(t, want.TransformSeed, got.TransformSeed)
	assert.Equal(t, want.InnerRandomStreamKey, got.InnerRandomStreamKey)
	assert.Equal(t, want.TransformRounds, got.TransformRounds)
	assert.Equal(t, want.Meta, got.Meta)
	assert.Equal(t, want.Root, got.Root)
	assert.Equal(t, want.Root.JSON(), got.Root.JSON())
}

func TestKDBXRoundTrip(t *testing.T) {
	db := buildKDBXDatabase(t)
	got := exportImportKDBX(t, db, NewKey("password"))
	assertDatabasesEqual(t, db, got)
}

func TestKDBXRoundTripCompressed(t *testing.T) {
	db := buildKDBXDatabase(t)
	db.Compress = true
	got := exportImportKDBX(t, db, NewKey("password"))
	assert.True(t, got.Compress)
	assertDatabasesEqual(t, db, got)
}

func TestKDBXSharedBinaryStaysPooled(t *testing.T) {
	db := buildKDBXDatabase(t)
	got := exportImportKDBX(t, db, NewKey("password"))

	internet := got.Root.Groups[0]
	entry := internet.Entries[0]
	secretEntry := internet.Entries[1]
	require.Len(t, entry.Attachments, 4)
	// The pooled attachment must share the pool object, not copy it.
	assert.Same(t, got.Meta.Binaries[0], entry.Attachments[0].Binary)
	assert.Same(t, got.Meta.Binaries[1], secretEntry.Attachments[0].Binary)
	assert.True(t, got.Meta.Binaries[0].Compress)
	assert.True(t, got.Meta.Binaries[1].Protected)
	// Inline attachments must not join the pool and must keep their
	// Protected/Compressed flags.
	for _, att := range entry.Attachments[1:] {
		assert.NotContains(t, got.Meta.Binaries, att.Binary)
	}
	assert.Equal(t, &Binary{Data: []byte("inline payload")}, entry.Attachments[1].Binary)
	assert.Equal(t, &Binary{Data: []byte("inline secret payload"), Protected: true}, entry.Attachments[2].Binary)
	assert.Equal(t, &Binary{Data: []byte("inline compressed payload"), Compress: true}, entry.Attachments[3].Binary)
}

func TestKDBXProtectedFieldsSurvive(t *testing.T) {
	db := buildKDBXDatabase(t)
	got := exportImportKDBX(t, db, NewKey("password"))

	entry := got.Root.Groups[0].Entries[0]
	assert.Equal(t, ProtectedString{Value: "hunter2", Protected: true}, entry.Password)
	assert.Equal(t, ProtectedString{Value: "1234", Protected: true}, entry.CustomFields[0].Value)
	assert.Equal(t, ProtectedString{Value: "downtown"}, entry.CustomFields[1].Value)
	require.Len(t, entry.History, 1)
	assert.Equal(t, ProtectedString{Value: "old password", Protected: true}, entry.History[0].Password)
}

func TestKDBXWrongPassword(t *testing.T) {
	db := buildKDBXDatabase(t)
	path := filepath.Join(t.TempDir(), "test.kdbx")
	require.NoError(t, ExportKDBX(path, db, NewKey("password"), testOptions()))

	_, err := ImportKDBX(path, NewKey("wrong_password"), testOptions())
	assert.ErrorIs(t, err, ErrPassword)
}

func TestKDBXKeyFileCredentials(t *testing.T) {
	db := buildKDBXDatabase(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "test.kdbx")

	sub := strings.Repeat("4b", 32)
	keyfilePath := filepath.Join(dir, "test.key")
	require.NoError(t, os.WriteFile(keyfilePath, []byte(sub), 0600))

	openKeyFile := func(withPassword bool) *Key {
		key := new(Key)
		if withPassword {
			key.SetPassword("password")
		}
		f, err := os.Open(keyfilePath)
		require.NoError(t, err)
		defer f.Close()
		require.NoError(t, key.SetKeyFile(f))
		return key
	}

	// Password plus key file.
	both := openKeyFile(true)
	require.NoError(t, ExportKDBX(path, db, both, testOptions()))
	got, err := ImportKDBX(path, openKeyFile(true), testOptions())
	require.NoError(t, err)
	assert.Equal(t, db.Root.JSON(), got.Root.JSON())

	// Neither credential alone opens the database.
	_, err = ImportKDBX(path, NewKey("password"), testOptions())
	assert.ErrorIs(t, err, ErrPassword)
	_, err = ImportKDBX(path, openKeyFile(false), testOptions())
	assert.ErrorIs(t, err, ErrPassword)

	// Key file only.
	keyOnly := openKeyFile(false)
	require.NoError(t, ExportKDBX(path, db, keyOnly, testOptions()))
	got, err = ImportKDBX(path, openKeyFile(false), testOptions())
	require.NoError(t, err)
	assert.Equal(t, db.Root.JSON(), got.Root.JSON())
}

func TestKDBXUnresolvedBackReferencesCleared(t *testing.T) {
	db := buildKDBXDatabase(t)
	db.Meta.LastSelectedGroup = uuid.MustParse("deaddead-dead-dead-dead-deaddeaddead")
	got := exportImportKDBX(t, db, NewKey("password"))
	assert.Equal(t, uuid.Nil, got.Meta.LastSelectedGroup)
}

func TestKDBXRecycleBinDisabled(t *testing.T) {
	db := buildKDBXDatabase(t)
	db.Meta.RecycleBin = uuid.Nil
	got := exportImportKDBX(t, db, NewKey("password"))
	assert.Equal(t, uuid.Nil, got.Meta.RecycleBin)
}

func TestKDBXRejectsTwofishExport(t *testing.T) {
	db := buildKDBXDatabase(t)
	db.Cipher = TwofishCipher
	path := filepath.Join(t.TempDir(), "test.kdbx")
	err := ExportKDBX(path, db, NewKey("password"), testOptions())
	assert.ErrorIs(t, err, ErrFormat)
}

func TestKDBXAutoDetect(t *testing.T) {
	db := buildKDBXDatabase(t)
	key := NewKey("password")
	path := filepath.Join(t.TempDir(), "test.kdbx")

	require.NoError(t, Export(path, db, key, testOptions()))
	got, err := Import(path, key, testOptions())
	require.NoError(t, err)
	require.NotNil(t, got.Meta)
	assert.Equal(t, db.Root.JSON(), got.Root.JSON())
}

func TestKDBXHeaderTamperDetected(t *testing.T) {
	db := buildKDBXDatabase(t)
	key := NewKey("password")
	path := filepath.Join(t.TempDir(), "test.kdbx")
	require.NoError(t, ExportKDBX(path, db, key, testOptions()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte of the inner random stream key.  Decryption still
	// succeeds, but the header hash embedded in the XML no longer
	// matches the bytes on disk.
	off := findHeaderField(t, data, kdbxInnerRandomStreamKey)
	data[off] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = ImportKDBX(path, key, testOptions())
	assert.ErrorIs(t, err, ErrFormat)
}

// findHeaderField returns the offset of the value of the first header
// field with the given id.
func findHeaderField(t *testing.T, data []byte, id byte) int {
	t.Helper()
	off := 12
	for {
		require.Less(t, off+3, len(data))
		fieldID := data[off]
		size := int(data[off+1]) | int(data[off+2])<<8
		off += 3
		if fieldID == id {
			return off
		}
		require.NotEqual(t, byte(kdbxEndOfHeader), fieldID, "field %d not present", id)
		off += size
	}
}

func TestKDBXGarbageInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.kdbx")
	garbage, err := hex.DecodeString("0399a29a65fb4bb5")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, garbage, 0600))
	_, err = ImportKDBX(path, NewKey("password"), testOptions())
	assert.ErrorIs(t, err, ErrFormat)
}

func TestImportKDBRejectsKDBX(t *testing.T) {
	db := buildKDBXDatabase(t)
	key := NewKey("password")
	path := filepath.Join(t.TempDir(), "test.kdbx")
	require.NoError(t, ExportKDBX(path, db, key, testOptions()))

	_, err := ImportKDB(path, key, testOptions())
	assert.ErrorIs(t, err, ErrFormat)
}
