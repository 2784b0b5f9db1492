package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fairyhunter13/testdock/internal/config"
	"github.com/fairyhunter13/testdock/internal/domain"
)

// Claims is the JWT payload minted by the (out-of-scope) auth service.
type Claims struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Role           string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier implements domain.TokenVerifier for HS256 tokens.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	maxTTL   time.Duration
}

// NewJWTVerifier constructs a verifier from config.
func NewJWTVerifier(cfg config.Config) *JWTVerifier {
	return &JWTVerifier{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		maxTTL:   cfg.JWTTTL,
	}
}

// Verify parses and validates the token, returning the tenant identity.
// Issuer and audience must match the platform values and the token's
// lifetime may not exceed the configured TTL.
func (v *JWTVerifier) Verify(tokenStr string) (domain.Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("op=auth.verify: %w: %v", domain.ErrUnauthorized, err)
	}
	if claims.OrganizationID == "" || claims.UserID == "" {
		return domain.Identity{}, fmt.Errorf("op=auth.verify: %w: missing identity claims", domain.ErrUnauthorized)
	}
	if claims.IssuedAt != nil && claims.ExpiresAt != nil {
		if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > v.maxTTL {
			return domain.Identity{}, fmt.Errorf("op=auth.verify: %w: token lifetime exceeds %s", domain.ErrUnauthorized, v.maxTTL)
		}
	}
	return domain.Identity{
		UserID:         claims.UserID,
		OrganizationID: claims.OrganizationID,
		Role:           claims.Role,
	}, nil
}

type identityKey struct{}

// RequireAuth rejects requests without a valid bearer token and stores the
// verified identity in the request context.
func RequireAuth(verifier domain.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized), nil)
				return
			}
			ident, err := verifier.Verify(token)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey{}, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFrom extracts the verified identity stored by RequireAuth.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	ident, ok := ctx.Value(identityKey{}).(domain.Identity)
	return ident, ok
}
