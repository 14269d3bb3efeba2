package secrets

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/rendis/homeos/pkg/schema"
)

// SigningKeyName is the vault entry holding the approval token HMAC key.
const SigningKeyName = "approval.signing_key"

// SigningKey returns the approval signing key, generating and storing a random
// one on first use.
func SigningKey(ctx context.Context, v Vault) ([]byte, error) {
	key, err := v.Resolve(ctx, SigningKeyName)
	if err == nil {
		return key, nil
	}
	if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}
	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := v.Store(ctx, SigningKeyName, key); err != nil {
		return nil, fmt.Errorf("store signing key: %w", err)
	}
	return key, nil
}
