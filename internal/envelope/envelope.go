// Package envelope seals and opens secret values with a data encryption key.
//
// Each 32-byte DEK is split with HKDF-SHA3-384 into an AES-256-GCM key and a
// KMAC-256 key. A sealed value carries the GCM nonce and tag plus a KMAC tag
// over ciphertext||AAD; both must verify before plaintext is released.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/rendis/tokaysec/pkg/schema"
)

// KeySize is the required DEK and KEK length in bytes.
const KeySize = 32

const (
	gcmTagSize = 16
	macSize    = 32

	infoAES  = "AES-256-GCM"
	infoKMAC = "KMAC-256"
)

// Sealed is the at-rest form of one secret value.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
	MAC        []byte
}

// AAD binds a ciphertext to the location it was written for, so a row copied
// to another secret or version fails to open.
func AAD(namespaceID, projectID, name string, version int) []byte {
	return []byte("ns=" + namespaceID + ";proj=" + projectID + ";name=" + name + ";v=" + strconv.Itoa(version))
}

// Seal encrypts plaintext under dek.
func Seal(dek, plaintext, aad []byte) (*Sealed, error) {
	aesKey, macKey, err := splitKey(dek)
	if err != nil {
		return nil, err
	}
	defer wipe(aesKey)
	defer wipe(macKey)

	aead, err := newGCM(aesKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := aead.Seal(nil, nonce, plaintext, aad)
	ct := out[:len(out)-gcmTagSize]
	tag := out[len(out)-gcmTagSize:]

	return &Sealed{
		Ciphertext: ct,
		Nonce:      nonce,
		Tag:        tag,
		MAC:        kmac256(macKey, macSize, ct, aad),
	}, nil
}

// Open verifies and decrypts s. Any integrity failure returns AUTHENTICATION_FAILURE.
func Open(dek []byte, s *Sealed, aad []byte) ([]byte, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeAuthFailure, "sealed value is empty")
	}
	aesKey, macKey, err := splitKey(dek)
	if err != nil {
		return nil, err
	}
	defer wipe(aesKey)
	defer wipe(macKey)

	expected := kmac256(macKey, macSize, s.Ciphertext, aad)
	if subtle.ConstantTimeCompare(expected, s.MAC) != 1 {
		return nil, schema.NewError(schema.ErrCodeAuthFailure, "integrity check failed")
	}

	aead, err := newGCM(aesKey)
	if err != nil {
		return nil, err
	}
	if len(s.Nonce) != aead.NonceSize() || len(s.Tag) != gcmTagSize {
		return nil, schema.NewError(schema.ErrCodeAuthFailure, "malformed nonce or tag")
	}

	buf := make([]byte, 0, len(s.Ciphertext)+gcmTagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)
	plaintext, err := aead.Open(nil, s.Nonce, buf, aad)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAuthFailure, "decrypt failed").WithCause(err)
	}
	return plaintext, nil
}

// Wrap encrypts key material under a key-encryption key with plain AES-256-GCM.
// The returned blob is nonce||ciphertext||tag.
func Wrap(kek, key, aad []byte) ([]byte, error) {
	if len(kek) != KeySize {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "key-encryption key must be %d bytes, got %d", KeySize, len(kek))
	}
	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, key, aad), nil
}

// Unwrap reverses Wrap.
func Unwrap(kek, blob, aad []byte) ([]byte, error) {
	if len(kek) != KeySize {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "key-encryption key must be %d bytes, got %d", KeySize, len(kek))
	}
	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(blob) < nonceSize+gcmTagSize {
		return nil, schema.NewError(schema.ErrCodeAuthFailure, "wrapped key too short")
	}
	key, err := aead.Open(nil, blob[:nonceSize], blob[nonceSize:], aad)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAuthFailure, "unwrap failed").WithCause(err)
	}
	return key, nil
}

// NewKey returns KeySize random bytes.
func NewKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

func splitKey(dek []byte) (aesKey, macKey []byte, err error) {
	if len(dek) != KeySize {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "data encryption key must be %d bytes, got %d", KeySize, len(dek))
	}
	aesKey = make([]byte, KeySize)
	macKey = make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha3.New384, dek, nil, []byte(infoAES)), aesKey); err != nil {
		return nil, nil, fmt.Errorf("derive aes key: %w", err)
	}
	if _, err := io.ReadFull(hkdf.New(sha3.New384, dek, nil, []byte(infoKMAC)), macKey); err != nil {
		return nil, nil, fmt.Errorf("derive kmac key: %w", err)
	}
	return aesKey, macKey, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
