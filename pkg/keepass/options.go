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
	"crypto/rand"
	"io"

	"go.uber.org/zap"
	"zombiezen.com/go/keepass/pkg/blockstream"
)

// Options is the set of parameters for creating, importing or exporting a
// database.  Nil is treated the same as the zero value.
type Options struct {
	// Random number source, used for seeds and ID generation.
	// Defaults to crypto/rand.Reader.
	Rand io.Reader

	// Logger receives debug traces from the codecs.
	// Defaults to a nop logger.
	Logger *zap.Logger

	// Number of rounds to encrypt the key with.  Higher values mean key
	// derivation takes longer, thus harder to brute force.  If zero, the
	// format default is used.  Only used for creation.
	KeyRounds uint64

	// Cipher to encrypt with.  Defaults to AES.  Only used for creation.
	Cipher Cipher

	// Compress enables gzip compression of the KDBX payload.
	// Only used for creation.
	Compress bool

	// BlockSize overrides the hashed stream block size on export.
	// If zero, blockstream.DefaultBlockSize is used.
	BlockSize int
}

// defaultKeyRounds matches the format default for new databases.
const defaultKeyRounds = 8192

func (opts *Options) rand() io.Reader {
	if opts == nil || opts.Rand == nil {
		return rand.Reader
	}
	return opts.Rand
}

func (opts *Options) logger() *zap.Logger {
	if opts == nil || opts.Logger == nil {
		return zap.NewNop()
	}
	return opts.Logger
}

func (opts *Options) keyRounds() uint64 {
	if opts == nil || opts.KeyRounds == 0 {
		return defaultKeyRounds
	}
	return opts.KeyRounds
}

func (opts *Options) cipher() Cipher {
	if opts == nil {
		return AESCipher
	}
	return opts.Cipher
}

func (opts *Options) compress() bool {
	return opts != nil && opts.Compress
}

func (opts *Options) blockSize() int {
	if opts == nil || opts.BlockSize <= 0 {
		return blockstream.DefaultBlockSize
	}
	return opts.BlockSize
}
