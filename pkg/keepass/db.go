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

// Package keepass reads and writes the KeePass password database formats:
// the legacy binary KDB format and the KDBX v3 header-plus-XML format.
package keepass

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/google/uuid"
	"zombiezen.com/go/keepass/pkg/kdbcrypt"
)

// Key is the composite credential used to encrypt and decrypt databases.
type Key = kdbcrypt.Key

// NewKey returns a key holding the password sub-key for password.
func NewKey(password string) *Key {
	return kdbcrypt.NewKey(password)
}

// Cipher selects the payload block cipher recorded on a database.
type Cipher int

// Available ciphers.  KDBX files accept only AES at the file boundary.
const (
	AESCipher Cipher = iota
	TwofishCipher
)

func (c Cipher) crypt() (kdbcrypt.Cipher, error) {
	switch c {
	case AESCipher:
		return kdbcrypt.RijndaelCipher, nil
	case TwofishCipher:
		return kdbcrypt.TwofishCipher, nil
	default:
		return 0, kdbcrypt.ErrUnknownCipher
	}
}

// A Database is the in-memory form of a KeePass file.
type Database struct {
	Root *Group
	Meta *Metadata // nil for databases read from KDB files

	Cipher               Cipher
	Compress             bool
	MasterSeed           []byte // 16 bytes in KDB, variable in KDBX
	InitVector           [16]byte
	TransformSeed        [32]byte
	InnerRandomStreamKey [32]byte // KDBX only
	TransformRounds      uint64
}

// New creates a new empty KDBX database with fresh random seeds.
func New(opts *Options) (*Database, error) {
	rnd := opts.rand()
	rootUUID, err := uuid.NewRandomFromReader(rnd)
	if err != nil {
		return nil, wrapError(KindInternal, "new", err)
	}
	db := &Database{
		Root:            &Group{UUID: rootUUID},
		Meta:            NewMetadata(),
		Cipher:          opts.cipher(),
		Compress:        opts.compress(),
		MasterSeed:      make([]byte, 32),
		TransformRounds: opts.keyRounds(),
	}
	db.Meta.Generator = generator
	if _, err := io.ReadFull(rnd, db.MasterSeed); err != nil {
		return nil, wrapError(KindInternal, "new", err)
	}
	if _, err := io.ReadFull(rnd, db.InitVector[:]); err != nil {
		return nil, wrapError(KindInternal, "new", err)
	}
	if _, err := io.ReadFull(rnd, db.TransformSeed[:]); err != nil {
		return nil, wrapError(KindInternal, "new", err)
	}
	if _, err := io.ReadFull(rnd, db.InnerRandomStreamKey[:]); err != nil {
		return nil, wrapError(KindInternal, "new", err)
	}
	return db, nil
}

// generator is the value written to Meta/Generator for new databases.
const generator = "keepass"

// File signatures shared by both formats.
const (
	fileSignature0 = 0x9aa2d903
	kdbSignature1  = 0xb54bfb65
	kdbxSignature1 = 0xb54bfb67
)

// Import opens the file at path, identifies the format by its header
// signature and returns the decrypted database.
func Import(path string, key *Key, opts *Options) (*Database, error) {
	data, err := readDatabaseFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 || binary.LittleEndian.Uint32(data) != fileSignature0 {
		return nil, formatError("import", "not a KeePass database")
	}
	switch binary.LittleEndian.Uint32(data[4:]) {
	case kdbSignature1:
		return decodeKDB(data, key, opts)
	case kdbxSignature1:
		return decodeKDBX(data, key, opts)
	default:
		return nil, formatError("import", "not a KeePass database")
	}
}

// ImportKDB opens the file at path as a legacy KDB database.
func ImportKDB(path string, key *Key, opts *Options) (*Database, error) {
	data, err := readDatabaseFile(path)
	if err != nil {
		return nil, err
	}
	return decodeKDB(data, key, opts)
}

// ImportKDBX opens the file at path as a KDBX database.
func ImportKDBX(path string, key *Key, opts *Options) (*Database, error) {
	data, err := readDatabaseFile(path)
	if err != nil {
		return nil, err
	}
	return decodeKDBX(data, key, opts)
}

func readDatabaseFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, wrapError(KindNotFound, "import", err)
	} else if err != nil {
		return nil, wrapError(KindIO, "import", err)
	}
	return data, nil
}

// Export serializes the database to the file at path.  Databases carrying
// metadata are written as KDBX; databases without are written as KDB.  A
// partial file may remain on failure; removing it is the caller's concern.
func Export(path string, db *Database, key *Key, opts *Options) error {
	if db.Meta != nil {
		return ExportKDBX(path, db, key, opts)
	}
	return ExportKDB(path, db, key, opts)
}

// ExportKDB serializes the database to path in the legacy KDB format.
func ExportKDB(path string, db *Database, key *Key, opts *Options) error {
	return exportFile(path, func(f io.Writer) error {
		return encodeKDB(f, db, key, opts)
	})
}

// ExportKDBX serializes the database to path in the KDBX format.
func ExportKDBX(path string, db *Database, key *Key, opts *Options) error {
	return exportFile(path, func(f io.Writer) error {
		return encodeKDBX(f, db, key, opts)
	})
}

func exportFile(path string, encode func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return wrapError(KindIO, "export", err)
	}
	if err := encode(f); err != nil {
		f.Close()
		return wrapError(KindIO, "export", err)
	}
	if err := f.Close(); err != nil {
		return wrapError(KindIO, "export", err)
	}
	return nil
}
