// Package auth issues and validates the control plane's bearer tokens.
package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token scopes. API tokens authorize the full control plane; terminal
// tokens only authorize session traffic.
const (
	ScopeAPI      = "api"
	ScopeTerminal = "terminal"
)

// Claims carried by every token the control plane issues.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Scope  string `json:"scope"`
}

// TokenManager signs and validates ES256 tokens.
type TokenManager struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	issuer     string
}

// NewTokenManager creates a manager with a freshly generated P-256 key
// pair. Tokens do not survive a restart; use NewTokenManagerFromKey for
// that.
func NewTokenManager(issuer string) (*TokenManager, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &TokenManager{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		issuer:     issuer,
	}, nil
}

// NewTokenManagerFromKey creates a manager from a PEM-encoded EC private
// key.
func NewTokenManagerFromKey(privateKeyPEM []byte, issuer string) (*TokenManager, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse EC private key: %w", err)
	}
	return &TokenManager{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		issuer:     issuer,
	}, nil
}

// GenerateToken issues a token for userID with the given scope.
func (tm *TokenManager) GenerateToken(userID, scope string, duration time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tm.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        fmt.Sprintf("%s-%d", scope, now.UnixNano()),
		},
		UserID: userID,
		Scope:  scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(tm.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token, returning its claims.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	if claims.Issuer != tm.issuer {
		return nil, fmt.Errorf("invalid issuer")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token missing user")
	}
	return claims, nil
}

// PrivateKeyPEM returns the signing key in PEM format for persistence.
func (tm *TokenManager) PrivateKeyPEM() ([]byte, error) {
	encoded, err := x509.MarshalECPrivateKey(tm.privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: encoded,
	}), nil
}
