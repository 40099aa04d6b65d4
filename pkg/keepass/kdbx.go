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
	"crypto/sha256"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"io"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"zombiezen.com/go/keepass/pkg/blockstream"
	"zombiezen.com/go/keepass/pkg/kdbcrypt"
	"zombiezen.com/go/keepass/pkg/obfuscate"
)

const (
	kdbxFileVersion = 0x00030001
	kdbxVersionMask = 0xffff0000
)

// kdbxCipherAES is the only cipher UUID the KDBX codec accepts.
var kdbxCipherAES = [16]byte{
	0x31, 0xc1, 0xf2, 0xe6, 0xbf, 0x71, 0x43, 0x50,
	0xbe, 0x58, 0x05, 0x21, 0x6a, 0xfc, 0x5a, 0xff,
}

// innerStreamNonce is the fixed Salsa20 nonce of the inner random stream.
var innerStreamNonce = [8]byte{0xe8, 0x30, 0x09, 0x4b, 0x97, 0x20, 0x5d, 0x2a}

// Header field ids
const (
	kdbxEndOfHeader             = 0
	kdbxCipherID                = 2
	kdbxCompressionFlags        = 3
	kdbxMasterSeed              = 4
	kdbxTransformSeed           = 5
	kdbxTransformRounds         = 6
	kdbxEncryptionIV            = 7
	kdbxInnerRandomStreamKey    = 8
	kdbxContentStreamStartBytes = 9
	kdbxInnerRandomStreamID     = 10
)

const (
	compressionNone = 0
	compressionGzip = 1

	randomStreamSalsa20 = 2
)

func decodeKDBX(data []byte, key *Key, opts *Options) (*Database, error) {
	if len(data) < 12 {
		return nil, formatError("import", "not a KDBX database")
	}
	sig0 := binary.LittleEndian.Uint32(data)
	sig1 := binary.LittleEndian.Uint32(data[4:])
	version := binary.LittleEndian.Uint32(data[8:])
	if sig0 != fileSignature0 || sig1 != kdbxSignature1 {
		return nil, formatError("import", "not a KDBX database")
	}
	if version&kdbxVersionMask > kdbxFileVersion&kdbxVersionMask {
		return nil, formatError("import", "KDBX version %#08x is not supported", version)
	}

	db := &Database{
		Cipher:          AESCipher,
		Meta:            NewMetadata(),
		TransformRounds: defaultKeyRounds,
	}
	var startBytes [32]byte
	off := 12
	for done := false; !done; {
		if off+3 > len(data) {
			return nil, formatError("import", "truncated KDBX header")
		}
		id := data[off]
		size := int(binary.LittleEndian.Uint16(data[off+1 : off+3]))
		off += 3
		if off+size > len(data) {
			return nil, formatError("import", "truncated KDBX header")
		}
		val := data[off : off+size]
		off += size
		switch id {
		case kdbxEndOfHeader:
			done = true
		case kdbxCipherID:
			if !bytes.Equal(val, kdbxCipherAES[:]) {
				return nil, formatError("import", "unknown cipher in KDBX")
			}
			db.Cipher = AESCipher
		case kdbxCompressionFlags:
			if len(val) != 4 {
				return nil, formatError("import", "illegal compression flags size in KDBX")
			}
			flags := leUint32(val)
			if flags > compressionGzip {
				return nil, formatError("import", "unknown compression method in KDBX")
			}
			db.Compress = flags == compressionGzip
		case kdbxMasterSeed:
			db.MasterSeed = append([]byte(nil), val...)
		case kdbxTransformSeed:
			if len(val) != 32 {
				return nil, formatError("import", "illegal transform seed size in KDBX")
			}
			copy(db.TransformSeed[:], val)
		case kdbxTransformRounds:
			if len(val) != 8 {
				return nil, formatError("import", "illegal transform rounds size in KDBX")
			}
			db.TransformRounds = binary.LittleEndian.Uint64(val)
		case kdbxEncryptionIV:
			if len(val) != 16 {
				return nil, formatError("import", "illegal initialization vector size in KDBX")
			}
			copy(db.InitVector[:], val)
		case kdbxInnerRandomStreamKey:
			if len(val) != 32 {
				return nil, formatError("import", "illegal protected stream key size in KDBX")
			}
			copy(db.InnerRandomStreamKey[:], val)
		case kdbxContentStreamStartBytes:
			if len(val) != 32 {
				return nil, formatError("import", "illegal stream start sequence size in KDBX")
			}
			copy(startBytes[:], val)
		case kdbxInnerRandomStreamID:
			if len(val) != 4 || leUint32(val) != randomStreamSalsa20 {
				return nil, formatError("import", "unknown random stream in KDBX")
			}
		default:
			return nil, formatError("import", "illegal header field in KDBX")
		}
	}
	headerHash := sha256.Sum256(data[:off])

	transformed, err := key.Transform(&db.TransformSeed, db.TransformRounds, kdbcrypt.HashSubKeys)
	if err != nil {
		return nil, internalError("import", "key transform: %v", err)
	}
	finalKey := kdbcrypt.FinalKey(db.MasterSeed, transformed)
	dec, err := kdbcrypt.NewDecrypter(bytes.NewReader(data[off:]), kdbcrypt.RijndaelCipher, &finalKey, &db.InitVector)
	if err != nil {
		return nil, internalError("import", "decrypter: %v", err)
	}
	plain, err := io.ReadAll(dec)
	if err != nil {
		return nil, passwordError("import")
	}
	if len(plain) < 32 || !bytes.Equal(plain[:32], startBytes[:]) {
		return nil, passwordError("import")
	}
	opts.logger().Debug("decrypted KDBX body",
		zap.Uint32("version", version),
		zap.Bool("compressed", db.Compress),
		zap.Int("plaintext_size", len(plain)))

	obfKey := sha256.Sum256(db.InnerRandomStreamKey[:])
	obf := obfuscate.New(obfKey, innerStreamNonce)
	var src io.Reader = blockstream.NewReader(bytes.NewReader(plain[32:]))
	if db.Compress {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return nil, wrapError(KindIO, "import", err)
		}
		defer gz.Close()
		src = gz
	}
	p := &kdbxParser{obf: obf, binaryPool: make(map[string]*Binary)}
	if err := p.parse(src, db); err != nil {
		return nil, classifyParseError("import", err)
	}
	if !bytes.Equal(p.headerHash, headerHash[:]) {
		return nil, formatError("import", "header checksum error in KDBX")
	}

	// Group back-references can only be resolved once the whole tree is
	// known.
	if db.Root.FindGroup(db.Meta.LastSelectedGroup) == nil {
		db.Meta.LastSelectedGroup = uuid.Nil
	}
	if db.Root.FindGroup(db.Meta.LastTopVisibleGroup) == nil {
		db.Meta.LastTopVisibleGroup = uuid.Nil
	}
	return db, nil
}

func classifyParseError(op string, err error) error {
	var ke *Error
	if errors.As(err, &ke) {
		return err
	}
	var syn *xml.SyntaxError
	if errors.As(err, &syn) {
		return formatError(op, "malformed XML: %v", syn)
	}
	return wrapError(KindIO, op, err)
}

func encodeKDBX(w io.Writer, db *Database, key *Key, opts *Options) error {
	if db.Cipher != AESCipher {
		return formatError("export", "KDBX supports only the AES cipher")
	}
	meta := db.Meta
	if meta == nil {
		meta = NewMetadata()
		meta.Generator = generator
	}
	masterSeed := db.MasterSeed
	if len(masterSeed) == 0 {
		masterSeed = make([]byte, 32)
		if _, err := io.ReadFull(opts.rand(), masterSeed); err != nil {
			return internalError("export", "seed: %v", err)
		}
	}
	if len(masterSeed) > math.MaxUint16 {
		return internalError("export", "master seed size exceeds KDBX maximum")
	}
	transformed, err := key.Transform(&db.TransformSeed, db.TransformRounds, kdbcrypt.HashSubKeys)
	if err != nil {
		return internalError("export", "key transform: %v", err)
	}
	finalKey := kdbcrypt.FinalKey(masterSeed, transformed)
	var startBytes [32]byte
	if _, err := io.ReadFull(opts.rand(), startBytes[:]); err != nil {
		return internalError("export", "start bytes: %v", err)
	}

	// The header is built in memory first: its hash is embedded in the
	// XML payload.
	header := new(bytes.Buffer)
	hw := &writer{w: header}
	hw.writeUint32(fileSignature0)
	hw.writeUint32(kdbxSignature1)
	hw.writeUint32(kdbxFileVersion)
	writeKDBXHeaderField(hw, kdbxCipherID, kdbxCipherAES[:])
	var compFlags [4]byte
	if db.Compress {
		binary.LittleEndian.PutUint32(compFlags[:], compressionGzip)
	}
	writeKDBXHeaderField(hw, kdbxCompressionFlags, compFlags[:])
	writeKDBXHeaderField(hw, kdbxMasterSeed, masterSeed)
	writeKDBXHeaderField(hw, kdbxTransformSeed, db.TransformSeed[:])
	var rounds [8]byte
	binary.LittleEndian.PutUint64(rounds[:], db.TransformRounds)
	writeKDBXHeaderField(hw, kdbxTransformRounds, rounds[:])
	writeKDBXHeaderField(hw, kdbxEncryptionIV, db.InitVector[:])
	writeKDBXHeaderField(hw, kdbxInnerRandomStreamKey, db.InnerRandomStreamKey[:])
	writeKDBXHeaderField(hw, kdbxContentStreamStartBytes, startBytes[:])
	var streamID [4]byte
	binary.LittleEndian.PutUint32(streamID[:], randomStreamSalsa20)
	writeKDBXHeaderField(hw, kdbxInnerRandomStreamID, streamID[:])
	writeKDBXHeaderField(hw, kdbxEndOfHeader, nil)
	if hw.err != nil {
		return internalError("export", "header: %v", hw.err)
	}
	headerHash := sha256.Sum256(header.Bytes())
	if _, err := w.Write(header.Bytes()); err != nil {
		return wrapError(KindIO, "export", err)
	}

	obfKey := sha256.Sum256(db.InnerRandomStreamKey[:])
	obf := obfuscate.New(obfKey, innerStreamNonce)
	content := new(bytes.Buffer)
	content.Write(startBytes[:])
	bs := blockstream.NewWriter(content, opts.blockSize())
	var xmlDst io.Writer = bs
	var gz *gzip.Writer
	if db.Compress {
		gz = gzip.NewWriter(bs)
		xmlDst = gz
	}
	if err := writeKDBXDocument(xmlDst, db.Root, meta, obf, headerHash[:]); err != nil {
		return wrapError(KindIO, "export", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return wrapError(KindIO, "export", err)
		}
	}
	if err := bs.Close(); err != nil {
		return wrapError(KindIO, "export", err)
	}

	enc, err := kdbcrypt.NewEncrypter(w, kdbcrypt.RijndaelCipher, &finalKey, &db.InitVector)
	if err != nil {
		return internalError("export", "encrypter: %v", err)
	}
	if _, err := enc.Write(content.Bytes()); err != nil {
		return wrapError(KindIO, "export", err)
	}
	if err := enc.Close(); err != nil {
		return wrapError(KindIO, "export", err)
	}
	opts.logger().Debug("wrote KDBX database",
		zap.Bool("compressed", db.Compress),
		zap.Int("plaintext_size", content.Len()))
	return nil
}

func writeKDBXHeaderField(w *writer, id byte, val []byte) {
	w.write([]byte{id})
	w.writeUint16(uint16(len(val)))
	w.write(val)
}
