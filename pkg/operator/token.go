package operator

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the operator identity, the action scope and the host binding.
type Claims struct {
	Operator string   `json:"op"`
	Machine  string   `json:"machine"`
	Scopes   []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the token grants scope (an empty scope list grants all).
func (c *Claims) Allows(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// CreateToken signs a short-lived operator token bound to machine.
func CreateToken(secret, operator, machine string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Operator: operator,
		Machine:  machine,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies the signature and expiry and returns claims.
func ParseToken(secret, token string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := tok.Claims.(*Claims); ok && tok.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
