package keys

import (
	"encoding/base64"
	"errors"

	"github.com/zalando/go-keyring"

	"github.com/rendis/tokaysec/internal/envelope"
	"github.com/rendis/tokaysec/pkg/schema"
)

// KeyringService is the OS keyring service the root key is stored under.
const KeyringService = "tokaysec"

// NewKeyringProvider loads the root key for user from the OS keyring.
// With create set, a missing entry is generated and stored.
func NewKeyringProvider(user string, create bool) (*LocalProvider, error) {
	if user == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "keyring user is required")
	}

	encoded, err := keyring.Get(KeyringService, user)
	switch {
	case errors.Is(err, keyring.ErrNotFound) && create:
		key, genErr := envelope.NewKey()
		if genErr != nil {
			return nil, genErr
		}
		encoded = base64.StdEncoding.EncodeToString(key)
		if setErr := keyring.Set(KeyringService, user, encoded); setErr != nil {
			return nil, schema.NewError(schema.ErrCodeKeyUnavailable, "store root key in keyring").WithCause(setErr)
		}
		return newLocalProvider("keyring", key)
	case errors.Is(err, keyring.ErrNotFound):
		return nil, schema.NewErrorf(schema.ErrCodeKeyUnavailable, "no root key in keyring for user %q", user)
	case err != nil:
		return nil, schema.NewError(schema.ErrCodeKeyUnavailable, "read root key from keyring").WithCause(err)
	}

	key, err := ParseMasterKey(encoded)
	if err != nil {
		return nil, err
	}
	return newLocalProvider("keyring", key)
}
