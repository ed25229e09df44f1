// Package codec implements the per-object wire format: a fixed
// header carrying the object id, algorithm byte, and nonce inline (so that a
// backend that mangles server-side object metadata never affects
// correctness), followed by an AEAD-encrypted,
// optionally compressed payload.
package codec

import (
	"bytes"
	"compress/bzip2"
	"compress/zlib"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
	"golang.org/x/crypto/pbkdf2"

	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

// Magic identifies an s3ql data/metadata object. Version 1 is the only
// format this build emits or understands.
var Magic = [5]byte{'s', '3', 'q', 'l', '_'}

const FormatVersion = 1

// Algorithm identifies a compression scheme. The low nibble of the on-wire
// algorithm byte; the high nibble is reserved for future cipher variants.
type Algorithm byte

const (
	AlgNone  Algorithm = 0
	AlgZlib  Algorithm = 1
	AlgBzip2 Algorithm = 2
	AlgLZMA  Algorithm = 3
)

func (a Algorithm) String() string {
	switch a {
	case AlgNone:
		return "none"
	case AlgZlib:
		return "zlib"
	case AlgBzip2:
		return "bzip2"
	case AlgLZMA:
		return "lzma"
	default:
		return "unknown"
	}
}

// ParseAlgorithm maps a configuration string to its wire Algorithm. bzip2 is
// accepted here only because the read path must still decode it; write-time
// selection is rejected one layer up in config.Validate.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "none":
		return AlgNone, nil
	case "zlib":
		return AlgZlib, nil
	case "bzip2":
		return AlgBzip2, nil
	case "lzma":
		return AlgLZMA, nil
	default:
		return 0, fmt.Errorf("invalid-argument: unknown compression algorithm %q", name)
	}
}

const (
	nonceSize  = 16
	headerSize = len(Magic) + 1 /*version*/ + 8 /*obj_id*/ + 1 /*alg*/ + nonceSize + 8 /*ct_len*/
)

// Header is the fixed-size object prefix:
// magic(5) | version(1) | obj_id(8) | alg(1) | nonce(16) | ct_len(8)
type Header struct {
	ObjID     uint64
	Algorithm Algorithm
	Nonce     [nonceSize]byte
	CTLen     uint64
}

func (h *Header) marshal() []byte {
	buf := make([]byte, headerSize)
	off := copy(buf, Magic[:])
	buf[off] = FormatVersion
	off++
	binary.BigEndian.PutUint64(buf[off:], h.ObjID)
	off += 8
	buf[off] = byte(h.Algorithm)
	off++
	off += copy(buf[off:], h.Nonce[:])
	binary.BigEndian.PutUint64(buf[off:], h.CTLen)
	return buf
}

func unmarshalHeader(buf []byte) (*Header, error) {
	if len(buf) < headerSize {
		return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeCorruption, "object header truncated")
	}
	if !bytes.Equal(buf[:len(Magic)], Magic[:]) {
		return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeCorruption, "bad object magic")
	}
	off := len(Magic)
	version := buf[off]
	off++
	if version != FormatVersion {
		return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeVersionMismatch, fmt.Sprintf("object format version %d not supported", version))
	}
	h := &Header{}
	h.ObjID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	h.Algorithm = Algorithm(buf[off])
	off++
	copy(h.Nonce[:], buf[off:off+nonceSize])
	off += nonceSize
	h.CTLen = binary.BigEndian.Uint64(buf[off:])
	return h, nil
}

// deriveSubkey computes the per-object AEAD key: HMAC(master_key, obj_id ||
// nonce).
func deriveSubkey(masterKey []byte, objID uint64, nonce []byte) []byte {
	mac := hmac.New(sha256.New, masterKey)
	var objIDBuf [8]byte
	binary.BigEndian.PutUint64(objIDBuf[:], objID)
	mac.Write(objIDBuf[:])
	mac.Write(nonce)
	return mac.Sum(nil)
}

// Encode compresses plaintext with alg, encrypts it under a subkey derived
// from masterKey and a fresh random nonce, and returns the full on-wire
// object body (header + ciphertext + tag).
func Encode(masterKey []byte, objID uint64, alg Algorithm, level int, plaintext []byte) ([]byte, error) {
	compressed, err := compress(alg, level, plaintext)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	subkey := deriveSubkey(masterKey, objID, nonce[:])
	block, err := aes.NewCipher(subkey[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	// GCM is widened to consume the full 16-byte on-wire nonce.
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	header := &Header{ObjID: objID, Algorithm: alg, Nonce: nonce, CTLen: uint64(len(compressed) + aead.Overhead())}
	headerBytes := header.marshal()

	ciphertext := aead.Seal(nil, nonce[:aead.NonceSize()], compressed, headerBytes)

	out := make([]byte, 0, len(headerBytes)+len(ciphertext))
	out = append(out, headerBytes...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decode authenticates and decrypts an on-wire object body, decompresses it
// per the algorithm named in the header, and returns the plaintext. Any
// tampering with header or payload fails with checksum-mismatch (which
// callers escalate to corruption).
func Decode(masterKey []byte, body []byte) (plaintext []byte, objID uint64, err error) {
	header, err := unmarshalHeader(body)
	if err != nil {
		return nil, 0, err
	}
	headerBytes := body[:headerSize]
	ciphertext := body[headerSize:]

	subkey := deriveSubkey(masterKey, header.ObjID, header.Nonce[:])
	block, err := aes.NewCipher(subkey[:32])
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create AEAD: %w", err)
	}

	compressed, err := aead.Open(nil, header.Nonce[:aead.NonceSize()], ciphertext, headerBytes)
	if err != nil {
		return nil, 0, s3qlerrors.NewError(s3qlerrors.ErrCodeChecksumMismatch, "AEAD authentication failed").WithCause(err)
	}

	plaintext, err = decompress(header.Algorithm, compressed)
	if err != nil {
		return nil, 0, err
	}
	return plaintext, header.ObjID, nil
}

func compress(alg Algorithm, level int, data []byte) ([]byte, error) {
	switch alg {
	case AlgNone:
		return data, nil
	case AlgZlib:
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, clampZlibLevel(level))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case AlgLZMA:
		var buf bytes.Buffer
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case AlgBzip2:
		// bzip2 is supported for read compatibility only; Go's stdlib
		// compress/bzip2 has no encoder (documented limitation).
		return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeInvalidArgument, "bzip2 is not a supported write-time algorithm")
	default:
		return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeInvalidArgument, fmt.Sprintf("unknown compression algorithm %d", alg))
	}
}

func decompress(alg Algorithm, data []byte) ([]byte, error) {
	switch alg {
	case AlgNone:
		return data, nil
	case AlgZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeCorruption, "zlib decompress failed").WithCause(err)
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)
	case AlgBzip2:
		r := bzip2.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	case AlgLZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeCorruption, "lzma decompress failed").WithCause(err)
		}
		return io.ReadAll(r)
	default:
		return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeVersionMismatch, fmt.Sprintf("unknown compression algorithm %d in object header", alg))
	}
}

func clampZlibLevel(level int) int {
	if level < zlib.NoCompression || level > zlib.BestCompression {
		return zlib.DefaultCompression
	}
	return level
}

// Hash returns the 256-bit content digest of a block's plaintext, the key
// the dedup table is indexed by.
func Hash(plaintext []byte) [32]byte {
	return sha256.Sum256(plaintext)
}

const (
	passphraseSaltSize = 16
	pbkdf2Iterations   = 200000
	pbkdf2KeyLen       = 32
)

// WrapMasterKey derives a key from passphrase with PBKDF2-HMAC-SHA256 and
// uses it to AES-256-GCM encrypt masterKey, producing the body stored at
// the backend's s3ql_passphrase object: a fresh random salt,
// followed by the GCM-sealed master key. mkfs calls this once, at
// filesystem creation; the passphrase itself is never stored.
func WrapMasterKey(passphrase string, masterKey []byte) ([]byte, error) {
	var salt [passphraseSaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("failed to generate passphrase salt: %w", err)
	}
	aead, err := passphraseAEAD(passphrase, salt[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate passphrase nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, masterKey, nil)
	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt[:]...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// UnwrapMasterKey reverses WrapMasterKey. A wrong passphrase surfaces as
// ErrCodeAuth, matching the mount command's authentication exit code.
func UnwrapMasterKey(passphrase string, wrapped []byte) ([]byte, error) {
	if len(wrapped) < passphraseSaltSize {
		return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeCorruption, "s3ql_passphrase object truncated")
	}
	salt := wrapped[:passphraseSaltSize]
	aead, err := passphraseAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	rest := wrapped[passphraseSaltSize:]
	if len(rest) < aead.NonceSize() {
		return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeCorruption, "s3ql_passphrase object truncated")
	}
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	masterKey, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeAuth, "wrong passphrase or corrupted s3ql_passphrase object").WithCause(err)
	}
	return masterKey, nil
}

func passphraseAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create passphrase cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
