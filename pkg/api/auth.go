package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned by auth providers when the request carries
// no usable identity.
var ErrUnauthorized = errors.New("unauthorized")

// AuthProvider resolves the owners a request is allowed to act for.
// Deployments plug in their own; the JWT provider is the default.
type AuthProvider interface {
	Owners(r *http.Request) ([]string, error)
}

// JWTProvider authenticates bearer tokens signed with a shared HMAC
// secret. The owner list comes from the "owners" claim, falling back to
// "email" and "sub".
type JWTProvider struct {
	secret []byte
}

func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret)}
}

func (p *JWTProvider) Owners(r *http.Request) ([]string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, ErrUnauthorized
	}

	token, err := jwt.Parse(strings.TrimPrefix(header, prefix), func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return p.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthorized
	}

	var owners []string
	if raw, ok := claims["owners"].([]any); ok {
		for _, v := range raw {
			if owner, ok := v.(string); ok && owner != "" {
				owners = append(owners, owner)
			}
		}
	}
	for _, claim := range []string{"email", "sub"} {
		if owner, ok := claims[claim].(string); ok && owner != "" {
			owners = append(owners, owner)
			break
		}
	}
	if len(owners) == 0 {
		return nil, ErrUnauthorized
	}
	return owners, nil
}
