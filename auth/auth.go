// Package auth validates bearer tokens presented at the websocket handshake
// and resolves them to an immutable Principal. Tokens are JWTs signed with a
// symmetric secret; validation is synchronous and performs exactly one user
// lookup through the repository collaborator.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatbridge/chat-server-go/store"
)

// Failure kinds. Each maps to authentication_required at the wire boundary;
// the distinction is for logs and telemetry.
var (
	ErrTokenMalformed        = errors.New("auth: token malformed")
	ErrTokenExpired          = errors.New("auth: token expired")
	ErrTokenInvalidSignature = errors.New("auth: token signature invalid")
	ErrUserInactive          = errors.New("auth: user inactive")
	ErrUserUnknown           = errors.New("auth: user unknown")
)

// Principal is the authenticated identity bound to a connection for its
// lifetime.
type Principal struct {
	UserID string
	Admin  bool
}

// Config controls token validation.
type Config struct {
	// Secret is the shared HMAC key.
	Secret []byte
	// Algorithm is the expected signing algorithm identifier (default HS256).
	Algorithm string
	// Leeway tolerates small clock skew on time-based claims.
	Leeway time.Duration
}

// Validator checks tokens and resolves principals.
type Validator struct {
	cfg   Config
	users store.UserRepository
}

// New constructs a Validator. The secret is required.
func New(cfg Config, users store.UserRepository) (*Validator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: secret is required")
	}
	if users == nil {
		return nil, errors.New("auth: user repository is required")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "HS256"
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	return &Validator{cfg: cfg, users: users}, nil
}

// Validate verifies the token's signature and expiry, then resolves the
// subject to an active user. The returned Principal is immutable for the
// connection's lifetime.
func (v *Validator) Validate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.cfg.Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(token, func(t *jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Principal{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Principal{}, fmt.Errorf("%w: %v", ErrTokenInvalidSignature, err)
		default:
			return Principal{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("%w: unexpected claims type", ErrTokenMalformed)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, fmt.Errorf("%w: missing sub", ErrTokenMalformed)
	}

	user, err := v.users.FindByID(ctx, sub)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: user lookup: %w", err)
	}
	if user == nil {
		return Principal{}, fmt.Errorf("%w: %s", ErrUserUnknown, sub)
	}
	if !user.Active {
		return Principal{}, fmt.Errorf("%w: %s", ErrUserInactive, sub)
	}

	return Principal{UserID: user.ID, Admin: user.Admin}, nil
}

// Mint issues a token for the given subject. Intended for tests and tooling;
// the production issuer lives outside this service.
func (v *Validator) Mint(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.GetSigningMethod(v.cfg.Algorithm), jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return tok.SignedString(v.cfg.Secret)
}
