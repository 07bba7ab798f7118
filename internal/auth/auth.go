package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mesaya/payment-service/internal"
)

// Claims identify the MesaYA service calling the API.
type Claims struct {
	Service string   `json:"service"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok && c != nil
}

// TokenVerifier checks RS256 tokens issued to internal services.
type TokenVerifier struct {
	key    *rsa.PublicKey
	issuer string
}

// NewTokenVerifier parses a PEM public key, given raw or base64 encoded.
func NewTokenVerifier(publicKey, issuer string) (*TokenVerifier, error) {
	pem := []byte(publicKey)
	if !strings.Contains(publicKey, "BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(publicKey)
		if err != nil {
			return nil, fmt.Errorf("decode jwt public key: %w", err)
		}
		pem = decoded
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return &TokenVerifier{key: key, issuer: issuer}, nil
}

func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, internal.ErrTokenExpired
		}
		return nil, internal.ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, internal.ErrInvalidToken
	}
	return claims, nil
}

// AdminKey guards partner management with a bcrypt hashed shared key.
type AdminKey struct {
	hash []byte
}

func NewAdminKey(hash string) *AdminKey {
	return &AdminKey{hash: []byte(hash)}
}

func (a *AdminKey) Check(key string) error {
	if a == nil || key == "" || len(a.hash) == 0 {
		return internal.ErrInvalidAdminKey
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(key)); err != nil {
		return internal.ErrInvalidAdminKey
	}
	return nil
}

func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
