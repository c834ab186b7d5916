package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rendis/tokaysec/pkg/schema"
)

// PrincipalHeader carries the caller identity in header mode.
const PrincipalHeader = "X-Tokay-Principal"

// Authenticator extracts the principal of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts PrincipalHeader as set by a fronting proxy.
type HeaderAuthenticator struct{}

// Authenticate returns the header value.
func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	p := strings.TrimSpace(r.Header.Get(PrincipalHeader))
	if p == "" {
		return "", schema.NewError(schema.ErrCodeUnauthenticated, PrincipalHeader+" header is required")
	}
	return p, nil
}

// JWTConfig configures bearer token checks. Exactly one of Secret or JWKSURL
// must be set.
type JWTConfig struct {
	Secret  []byte
	JWKSURL string
	Issuer  string
}

// JWTAuthenticator validates bearer tokens and returns their subject.
type JWTAuthenticator struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewJWTAuthenticator creates a JWTAuthenticator. With a JWKS URL the key set
// is fetched and refreshed in the background until ctx is done.
func NewJWTAuthenticator(ctx context.Context, cfg JWTConfig) (*JWTAuthenticator, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	switch {
	case len(cfg.Secret) > 0 && cfg.JWKSURL != "":
		return nil, schema.NewError(schema.ErrCodeValidation, "auth: set either jwt_secret or jwks_url, not both")
	case len(cfg.Secret) > 0:
		secret := cfg.Secret
		opts = append(opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		return &JWTAuthenticator{
			keyfunc: func(*jwt.Token) (any, error) { return secret, nil },
			parser:  jwt.NewParser(opts...),
		}, nil
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "auth: load JWKS").WithCause(err)
		}
		return &JWTAuthenticator{keyfunc: jwks.Keyfunc, parser: jwt.NewParser(opts...)}, nil
	}
	return nil, schema.NewError(schema.ErrCodeValidation, "auth: jwt mode needs jwt_secret or jwks_url")
}

// Authenticate validates the bearer token and returns its sub claim.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", schema.NewError(schema.ErrCodeUnauthenticated, "bearer token is required")
	}

	claims := jwt.RegisteredClaims{}
	if _, err := a.parser.ParseWithClaims(raw, &claims, a.keyfunc); err != nil {
		msg := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token has expired"
		}
		return "", schema.NewError(schema.ErrCodeUnauthenticated, msg).WithCause(err)
	}
	if claims.Subject == "" {
		return "", schema.NewError(schema.ErrCodeUnauthenticated, "token has no subject")
	}
	return claims.Subject, nil
}
