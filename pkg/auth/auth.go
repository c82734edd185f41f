// Package auth resolves the caller of an API request into a Principal.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"matchstream-go/pkg/types"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role claim granting admin visibility.
const RoleAdmin = "admin"

// apiPasswordUser is the user id assigned to API password callers.
const apiPasswordUser = "api"

var (
	// ErrInvalidToken is returned for a bearer token that fails verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokensDisabled is returned when no signing secret is configured.
	ErrTokensDisabled = errors.New("token authentication is not configured")
)

type contextKey struct{}

// Authenticator verifies API passwords and HS256 bearer tokens.
type Authenticator struct {
	apiPassword string
	secret      []byte
	now         func() time.Time
}

// New creates an Authenticator. Empty values disable the matching method.
func New(apiPassword, jwtSecret string) *Authenticator {
	a := &Authenticator{apiPassword: apiPassword, now: time.Now}
	if jwtSecret != "" {
		a.secret = []byte(jwtSecret)
	}
	return a
}

// PasswordRequired reports whether an API password is configured.
func (a *Authenticator) PasswordRequired() bool {
	return a.apiPassword != ""
}

// Authenticate returns the caller of r. Requests without credentials yield
// the anonymous principal; a bearer token that does not verify is an error.
func (a *Authenticator) Authenticate(r *http.Request) (types.Principal, error) {
	if token, ok := bearerToken(r); ok {
		return a.VerifyToken(token)
	}

	if a.apiPassword != "" {
		supplied := r.Header.Get("X-API-Password")
		if supplied == "" {
			supplied = r.URL.Query().Get("api_password")
		}
		if supplied != "" && subtle.ConstantTimeCompare([]byte(supplied), []byte(a.apiPassword)) == 1 {
			return types.Principal{UserID: apiPasswordUser, IsAdmin: true}, nil
		}
	}

	return types.Principal{}, nil
}

// VerifyToken validates an HS256 token and maps its sub and role claims.
func (a *Authenticator) VerifyToken(tokenString string) (types.Principal, error) {
	if a.secret == nil {
		return types.Principal{}, ErrTokensDisabled
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return types.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return types.Principal{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return types.Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role, _ := claims["role"].(string)

	return types.Principal{UserID: sub, IsAdmin: role == RoleAdmin}, nil
}

// CreateToken signs a token for userID with the given role, valid for ttl.
func (a *Authenticator) CreateToken(userID, role string, ttl time.Duration) (string, error) {
	if a.secret == nil {
		return "", ErrTokensDisabled
	}

	now := a.now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p types.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, or the anonymous one.
func PrincipalFrom(ctx context.Context) types.Principal {
	p, _ := ctx.Value(contextKey{}).(types.Principal)
	return p
}
