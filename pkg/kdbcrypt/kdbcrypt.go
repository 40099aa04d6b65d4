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

// Package kdbcrypt implements the KeePass encryption scheme shared by the
// KDB and KDBX file formats: composite credentials, the iterated AES key
// transform and the CBC payload ciphers.
package kdbcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/twofish"
	"zombiezen.com/go/keepass/pkg/cipherio"
	"zombiezen.com/go/keepass/pkg/padding"
)

// Errors
var (
	ErrUnknownCipher = errors.New("kdbcrypt: unknown cipher")
	ErrSize          = errors.New("kdbcrypt: data size not a multiple of 16")
)

// BlockSize is the cipher block size in bytes.
const BlockSize = 16

// SubKeyResolution selects how the password and key file sub-keys combine
// into the base transform input.
type SubKeyResolution int

const (
	// HashSubKeys hashes the concatenation of the sub-keys that are
	// present.  This is the KDBX policy.
	HashSubKeys SubKeyResolution = iota

	// HashSubKeysOnlyIfCompositeKey hashes the concatenation only when
	// both sub-keys are present; a lone sub-key is used directly.  This is
	// the KDB policy.
	HashSubKeysOnlyIfCompositeKey
)

// A Key is a composite credential built from an optional password and an
// optional key file.  The zero value has neither; such a Key is only
// usable after SetPassword or SetKeyFile.
type Key struct {
	password    [sha256.Size]byte
	hasPassword bool
	keyFile     [sha256.Size]byte
	hasKeyFile  bool
}

// NewKey returns a key holding the password sub-key for password.
func NewKey(password string) *Key {
	k := new(Key)
	k.SetPassword(password)
	return k
}

// SetPassword replaces the password sub-key with the SHA-256 of the
// password's UTF-8 bytes.
func (k *Key) SetPassword(password string) {
	k.password = sha256.Sum256([]byte(password))
	k.hasPassword = true
}

// SetKeyFile replaces the key file sub-key with the key read from r.
// See ReadKeyFile for the accepted formats.
func (k *Key) SetKeyFile(r io.Reader) error {
	sub, err := ReadKeyFile(r)
	if err != nil {
		return err
	}
	k.keyFile = sub
	k.hasKeyFile = true
	return nil
}

// Empty reports whether the key has no sub-keys at all.
func (k *Key) Empty() bool {
	return !k.hasPassword && !k.hasKeyFile
}

// resolve combines the sub-keys according to the given policy.
func (k *Key) resolve(resolution SubKeyResolution) [sha256.Size]byte {
	if resolution == HashSubKeysOnlyIfCompositeKey {
		if k.hasPassword && !k.hasKeyFile {
			return k.password
		}
		if k.hasKeyFile && !k.hasPassword {
			return k.keyFile
		}
	}
	h := sha256.New()
	if k.hasPassword {
		h.Write(k.password[:])
	}
	if k.hasKeyFile {
		h.Write(k.keyFile[:])
	}
	var sum [sha256.Size]byte
	h.Sum(sum[:0])
	return sum
}

// Transform derives the key material fed into the final key hash.  The
// resolved composite key is encrypted rounds times with AES-ECB keyed by
// seed, then hashed.  Transform does not modify k.
func (k *Key) Transform(seed *[32]byte, rounds uint64, resolution SubKeyResolution) ([sha256.Size]byte, error) {
	tk := k.resolve(resolution)
	// The two halves are independent under ECB, so they are stretched in
	// parallel.
	var wg sync.WaitGroup
	wg.Add(2)
	errs := make([]error, 2)
	go transformHalf(&wg, tk[:aes.BlockSize], seed[:], rounds, &errs[0])
	go transformHalf(&wg, tk[aes.BlockSize:], seed[:], rounds, &errs[1])
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return [sha256.Size]byte{}, err
		}
	}
	return sha256.Sum256(tk[:]), nil
}

// transformHalf encrypts half in place rounds times with AES keyed by seed.
func transformHalf(wg *sync.WaitGroup, half, seed []byte, rounds uint64, errp *error) {
	defer wg.Done()
	c, err := aes.NewCipher(seed)
	if err != nil {
		*errp = err
		return
	}
	ecb := cipherio.NewECBEncrypter(c)
	for i := uint64(0); i < rounds; i++ {
		ecb.CryptBlocks(half, half)
	}
}

// FinalKey computes the payload cipher key from the master seed and the
// transformed composite key.
func FinalKey(masterSeed []byte, transformed [sha256.Size]byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write(masterSeed)
	h.Write(transformed[:])
	var sum [sha256.Size]byte
	h.Sum(sum[:0])
	return sum
}

// Cipher is a payload cipher algorithm.
type Cipher int

// Available ciphers
const (
	RijndaelCipher Cipher = iota
	TwofishCipher
)

func (c Cipher) block(key []byte) (cipher.Block, error) {
	switch c {
	case RijndaelCipher:
		return aes.NewCipher(key)
	case TwofishCipher:
		return twofish.NewCipher(key)
	default:
		return nil, ErrUnknownCipher
	}
}

// NewEncrypter creates a writer that CBC-encrypts to w with the given
// cipher, key and IV.  Closing the new writer writes the final, padded
// block but does not close w.
func NewEncrypter(w io.Writer, c Cipher, key *[32]byte, iv *[16]byte) (io.WriteCloser, error) {
	blk, err := c.block(key[:])
	if err != nil {
		return nil, err
	}
	e := cipher.NewCBCEncrypter(blk, iv[:])
	return cipherio.NewWriter(w, e, padding.PKCS7), nil
}

// NewDecrypter creates a reader that CBC-decrypts and strips padding from r.
func NewDecrypter(r io.Reader, c Cipher, key *[32]byte, iv *[16]byte) (io.Reader, error) {
	blk, err := c.block(key[:])
	if err != nil {
		return nil, err
	}
	d := cipher.NewCBCDecrypter(blk, iv[:])
	return cipherio.NewReader(r, d, padding.PKCS7), nil
}
