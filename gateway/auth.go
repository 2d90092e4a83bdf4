package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/c360/streamgate/config"
	"github.com/c360/streamgate/errors"
)

// Identity is the authenticated principal behind a connection
type Identity struct {
	UserID string
}

// TokenValidator checks a pre-issued bearer token at Identify. Token
// issuance lives outside the gateway.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// StaticTokenValidator validates against a fixed token table from
// configuration. Suitable for self-hosted deployments; larger installations
// plug in their own TokenValidator.
type StaticTokenValidator struct {
	tokens []config.TokenConfig
}

// NewStaticTokenValidator builds a validator over the configured token table
func NewStaticTokenValidator(tokens []config.TokenConfig) *StaticTokenValidator {
	return &StaticTokenValidator{tokens: tokens}
}

// Validate resolves a token to its identity. Comparison is constant-time
// per entry so timing does not leak token prefixes.
func (v *StaticTokenValidator) Validate(_ context.Context, token string) (Identity, error) {
	for _, entry := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(entry.Token), []byte(token)) == 1 {
			return Identity{UserID: entry.UserID}, nil
		}
	}
	return Identity{}, errors.WrapInvalid(
		fmt.Errorf("%w: unknown token", errors.ErrAuthFailed),
		"StaticTokenValidator", "Validate", "resolve token")
}
