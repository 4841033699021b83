package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 24 * time.Hour

var (
	ErrNoSecret     = errors.New("JWT secret not set")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims represents the JWT payload
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Authority signs and verifies tenant tokens with one HMAC secret.
type Authority struct {
	secret []byte
	ttl    time.Duration
}

func NewAuthority(secret string) *Authority {
	return &Authority{secret: []byte(secret), ttl: defaultTokenTTL}
}

// GenerateToken creates a signed JWT for the given tenant
func (a *Authority) GenerateToken(tenantID string) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}

	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses and verifies a JWT string
func (a *Authority) ValidateToken(tokenStr string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrNoSecret
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.TenantID == "" {
		return nil, errors.New("invalid claims")
	}

	return claims, nil
}
