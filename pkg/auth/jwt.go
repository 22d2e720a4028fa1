package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for a bearer token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// JWTConfig configures the JWT authenticator.
type JWTConfig struct {
	// Issuer is the expected iss claim.
	Issuer string

	// SigningKey is the HMAC key used to verify signatures.
	SigningKey []byte

	// RolesClaim names the claim holding the caller's roles. Defaults to
	// "roles".
	RolesClaim string
}

// JWTAuthenticator validates HMAC-signed bearer tokens issued for the
// stream API.
type JWTAuthenticator struct {
	cfg    JWTConfig
	parser *jwt.Parser
}

// NewJWTAuthenticator creates a new JWT authenticator.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("jwt issuer is required")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("jwt signing key is required")
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}
	return &JWTAuthenticator{
		cfg: cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Authenticate validates the JWT and returns user info.
func (a *JWTAuthenticator) Authenticate(ctx context.Context) (*UserContext, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, ErrNoCredentials
	}

	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.cfg.SigningKey, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	name, _ := claims["name"].(string)

	var roles []string
	if raw, ok := claims[a.cfg.RolesClaim].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}

	return &UserContext{
		UserID:   "jwt:" + sub,
		Name:     name,
		Roles:    roles,
		AuthType: "jwt",
	}, nil
}

// Chain tries each authenticator in order and returns the first success.
func Chain(auths ...Authenticator) Authenticator {
	if len(auths) == 1 {
		return auths[0]
	}
	return chained(auths)
}

type chained []Authenticator

func (c chained) Authenticate(ctx context.Context) (*UserContext, error) {
	if GetToken(ctx) == "" {
		return nil, ErrNoCredentials
	}
	errs := make([]error, 0, len(c))
	for _, a := range c {
		uc, err := a.Authenticate(ctx)
		if err == nil {
			return uc, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// Verify interface compliance.
var (
	_ Authenticator = (*JWTAuthenticator)(nil)
	_ Authenticator = chained(nil)
)
