// Package keys manages data encryption keys (DEKs) and the root key (KEK)
// that wraps them.
//
// DEKs are generated per scope, wrapped by a KEKProvider, and persisted in the
// store. Unwrapped DEKs live only inside memguard enclaves.
package keys

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/rendis/tokaysec/pkg/schema"
)

// KEKProvider wraps and unwraps DEKs under a root key.
// Implementations must be safe for concurrent use.
type KEKProvider interface {
	// Name identifies the provider kind ("local", "keyring", "remote").
	Name() string
	// KEKID identifies the root key in use. Stored alongside each wrapped DEK.
	KEKID() string
	Wrap(ctx context.Context, dek, aad []byte) ([]byte, error)
	// Unwrap recovers a DEK wrapped under the root key kekID, the id stored
	// with the DEK when it was created.
	Unwrap(ctx context.Context, kekID string, wrapped, aad []byte) ([]byte, error)
}

// ParseMasterKey decodes a 32-byte root key given as hex or base64.
func ParseMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "master key is empty")
	}
	if len(s) == 2*keySize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(b) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "master key must decode to %d bytes, got %d", keySize, len(b))
		}
		return b, nil
	}
	return nil, schema.NewError(schema.ErrCodeValidation, "master key must be hex or base64")
}

// fingerprint is a short public identifier for key material.
func fingerprint(key []byte) string {
	sum := sha3.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
