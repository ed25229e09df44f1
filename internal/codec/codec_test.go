package codec

import (
	"bytes"
	"testing"

	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

func testMasterKey() []byte {
	return bytes.Repeat([]byte{0x11}, 32)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	masterKey := testMasterKey()
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	for _, alg := range []Algorithm{AlgNone, AlgZlib, AlgLZMA} {
		body, err := Encode(masterKey, 42, alg, 6, plaintext)
		if err != nil {
			t.Fatalf("Encode(%v) failed: %v", alg, err)
		}

		got, objID, err := Decode(masterKey, body)
		if err != nil {
			t.Fatalf("Decode(%v) failed: %v", alg, err)
		}
		if objID != 42 {
			t.Errorf("objID = %d, want 42", objID)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("Decode(%v) = %q, want %q", alg, got, plaintext)
		}
	}
}

func TestDecodeBzip2(t *testing.T) {
	// compress/bzip2 has no encoder, so read compatibility is verified
	// against a fixture written by the reference s3ql implementation would
	// be the ideal check; short of that, verify the write path correctly
	// refuses bzip2 (read compatibility only).
	_, err := Encode(testMasterKey(), 1, AlgBzip2, 0, []byte("data"))
	if err == nil {
		t.Fatal("Encode with AlgBzip2 should fail (no Go stdlib encoder)")
	}
}

func TestDecodeTamperedCiphertextFails(t *testing.T) {
	masterKey := testMasterKey()
	body, err := Encode(masterKey, 7, AlgNone, 0, []byte("hello world"))
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-1] ^= 0xFF

	_, _, err = Decode(masterKey, tampered)
	if err == nil {
		t.Fatal("Decode() of tampered body should fail")
	}
	se, ok := s3qlerrors.As(err)
	if !ok || se.Code != s3qlerrors.ErrCodeChecksumMismatch {
		t.Errorf("error = %v, want ErrCodeChecksumMismatch", err)
	}
}

func TestDecodeWrongMasterKeyFails(t *testing.T) {
	body, err := Encode(testMasterKey(), 1, AlgNone, 0, []byte("secret"))
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	wrongKey := bytes.Repeat([]byte{0x22}, 32)
	if _, _, err := Decode(wrongKey, body); err == nil {
		t.Fatal("Decode() with wrong master key should fail")
	}
}

func TestDecodeBadMagicIsCorruption(t *testing.T) {
	_, _, err := Decode(testMasterKey(), bytes.Repeat([]byte{0}, headerSize+16))
	se, ok := s3qlerrors.As(err)
	if !ok || se.Code != s3qlerrors.ErrCodeCorruption {
		t.Errorf("error = %v, want ErrCodeCorruption", err)
	}
}

func TestHashIsDeterministicAndContentAddressed(t *testing.T) {
	a := Hash([]byte("identical content"))
	b := Hash([]byte("identical content"))
	c := Hash([]byte("different content"))

	if a != b {
		t.Error("Hash of identical plaintext should be identical")
	}
	if a == c {
		t.Error("Hash of different plaintext should differ")
	}
}

func TestParseAlgorithm(t *testing.T) {
	cases := map[string]Algorithm{
		"none":  AlgNone,
		"zlib":  AlgZlib,
		"bzip2": AlgBzip2,
		"lzma":  AlgLZMA,
	}
	for name, want := range cases {
		got, err := ParseAlgorithm(name)
		if err != nil {
			t.Fatalf("ParseAlgorithm(%q) failed: %v", name, err)
		}
		if got != want {
			t.Errorf("ParseAlgorithm(%q) = %v, want %v", name, got, want)
		}
	}

	if _, err := ParseAlgorithm("rot13"); err == nil {
		t.Fatal("ParseAlgorithm(\"rot13\") should fail")
	}
}

func TestWrapUnwrapMasterKeyRoundTrip(t *testing.T) {
	masterKey := testMasterKey()

	wrapped, err := WrapMasterKey("correct horse battery staple", masterKey)
	if err != nil {
		t.Fatalf("WrapMasterKey() failed: %v", err)
	}

	got, err := UnwrapMasterKey("correct horse battery staple", wrapped)
	if err != nil {
		t.Fatalf("UnwrapMasterKey() failed: %v", err)
	}
	if !bytes.Equal(got, masterKey) {
		t.Error("UnwrapMasterKey() did not recover the original master key")
	}
}

func TestUnwrapMasterKeyWrongPassphraseFails(t *testing.T) {
	wrapped, err := WrapMasterKey("right passphrase", testMasterKey())
	if err != nil {
		t.Fatalf("WrapMasterKey() failed: %v", err)
	}

	_, err = UnwrapMasterKey("wrong passphrase", wrapped)
	se, ok := s3qlerrors.As(err)
	if !ok || se.Code != s3qlerrors.ErrCodeAuth {
		t.Errorf("error = %v, want ErrCodeAuth", err)
	}
}

func TestWrapMasterKeyUsesFreshSaltAndNonce(t *testing.T) {
	masterKey := testMasterKey()
	a, err := WrapMasterKey("passphrase", masterKey)
	if err != nil {
		t.Fatalf("WrapMasterKey() failed: %v", err)
	}
	b, err := WrapMasterKey("passphrase", masterKey)
	if err != nil {
		t.Fatalf("WrapMasterKey() failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two WrapMasterKey calls with the same inputs should not produce identical ciphertext")
	}
}
