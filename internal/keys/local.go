package keys

import (
	"context"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"

	"github.com/rendis/tokaysec/internal/envelope"
	"github.com/rendis/tokaysec/pkg/schema"
)

const keySize = envelope.KeySize

// Argon2id parameters for passphrase-derived root keys.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4

	minSaltLength = 16
)

// LocalProvider holds the root key in process memory, sealed in a memguard
// enclave between calls.
type LocalProvider struct {
	name  string
	kekID string
	kek   *memguard.Enclave
}

// NewLocalProvider takes ownership of a 32-byte master key. The slice is wiped.
func NewLocalProvider(masterKey []byte) (*LocalProvider, error) {
	return newLocalProvider("local", masterKey)
}

// NewPassphraseProvider derives the root key from a passphrase with Argon2id.
func NewPassphraseProvider(passphrase string, salt []byte) (*LocalProvider, error) {
	if passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "passphrase is empty")
	}
	if len(salt) < minSaltLength {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "salt must be at least %d bytes", minSaltLength)
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keySize)
	return newLocalProvider("local", key)
}

func newLocalProvider(name string, key []byte) (*LocalProvider, error) {
	if len(key) != keySize {
		memguard.WipeBytes(key)
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "master key must be %d bytes, got %d", keySize, len(key))
	}
	id := fingerprint(key)
	// NewEnclave wipes key.
	return &LocalProvider{name: name, kekID: id, kek: memguard.NewEnclave(key)}, nil
}

func (p *LocalProvider) Name() string  { return p.name }
func (p *LocalProvider) KEKID() string { return p.kekID }

func (p *LocalProvider) Wrap(_ context.Context, dek, aad []byte) ([]byte, error) {
	kek, err := p.kek.Open()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeKeyUnavailable, "open root key").WithCause(err)
	}
	defer kek.Destroy()
	return envelope.Wrap(kek.Bytes(), dek, aad)
}

// Unwrap refuses DEKs recorded under a different root key; the enclave holds
// exactly one.
func (p *LocalProvider) Unwrap(_ context.Context, kekID string, wrapped, aad []byte) ([]byte, error) {
	if kekID != "" && kekID != p.kekID {
		return nil, schema.NewErrorf(schema.ErrCodeKeyUnavailable,
			"data key was wrapped under root key %s, %s provider holds %s", kekID, p.name, p.kekID)
	}
	kek, err := p.kek.Open()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeKeyUnavailable, "open root key").WithCause(err)
	}
	defer kek.Destroy()
	return envelope.Unwrap(kek.Bytes(), wrapped, aad)
}
