package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"nftledger/services/settlementd/models"
)

type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

// Claims is the caller identity extracted from a bearer token. Subject is the
// caller's wallet address.
type Claims struct {
	Subject string
	Role    string
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	Secret    []byte
	Issuer    string
	Leeway    time.Duration
	RoleClaim string
}

// Authenticator verifies HS256 bearer tokens.
type Authenticator struct {
	secret    []byte
	issuer    string
	leeway    time.Duration
	roleClaim string
	now       func() time.Time
}

// NewAuthenticator validates cfg and builds an Authenticator.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("HS256 secret must not be empty")
	}
	roleClaim := strings.TrimSpace(cfg.RoleClaim)
	if roleClaim == "" {
		roleClaim = "role"
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &Authenticator{
		secret:    cfg.Secret,
		issuer:    strings.TrimSpace(cfg.Issuer),
		leeway:    leeway,
		roleClaim: roleClaim,
		now:       time.Now,
	}, nil
}

// Verify parses token and extracts its claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, errors.New("token subject missing")
	}
	role, _ := claims[a.roleClaim].(string)
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return nil, errors.New("token role missing")
	}
	return &Claims{Subject: models.NormalizeAddress(subject), Role: role}, nil
}

// Middleware rejects requests without a valid bearer token and attaches the
// claims to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization")
			return
		}
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "invalid authorization scheme")
			return
		}
		claims, err := a.Verify(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the Claims attached by Middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("missing identity")
}

// RequireRole ensures the caller holds one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[strings.ToLower(r)] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "missing identity")
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
