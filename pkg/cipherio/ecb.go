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

package cipherio

import "crypto/cipher"

// ECB applies a block cipher to each block independently.  The standard
// library deliberately omits this mode; the KeePass key transform needs it
// for the iterated encryption of the composite key.

type ecbEncrypter struct {
	b cipher.Block
}

// NewECBEncrypter returns a BlockMode which encrypts each block of src
// independently with b.
func NewECBEncrypter(b cipher.Block) cipher.BlockMode {
	return ecbEncrypter{b}
}

func (e ecbEncrypter) BlockSize() int {
	return e.b.BlockSize()
}

func (e ecbEncrypter) CryptBlocks(dst, src []byte) {
	bs := e.b.BlockSize()
	if len(src)%bs != 0 {
		panic("cipherio: input not full blocks")
	}
	if len(dst) < len(src) {
		panic("cipherio: output smaller than input")
	}
	for len(src) > 0 {
		e.b.Encrypt(dst[:bs], src[:bs])
		dst, src = dst[bs:], src[bs:]
	}
}

type ecbDecrypter struct {
	b cipher.Block
}

// NewECBDecrypter returns a BlockMode which decrypts each block of src
// independently with b.
func NewECBDecrypter(b cipher.Block) cipher.BlockMode {
	return ecbDecrypter{b}
}

func (d ecbDecrypter) BlockSize() int {
	return d.b.BlockSize()
}

func (d ecbDecrypter) CryptBlocks(dst, src []byte) {
	bs := d.b.BlockSize()
	if len(src)%bs != 0 {
		panic("cipherio: input not full blocks")
	}
	if len(dst) < len(src) {
		panic("cipherio: output smaller than input")
	}
	for len(src) > 0 {
		d.b.Decrypt(dst[:bs], src[:bs])
		dst, src = dst[bs:], src[bs:]
	}
}
