package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	ScopeRead   = "read"
	ScopeWrite  = "write"
	ScopeReplay = "replay"
)

// OperatorClaims identify a human or tool calling the operator API. An
// empty Brands list grants every brand.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Brands []string `json:"brands,omitempty"`
	Scope  string   `json:"scope"`
}

type OperatorTokenManager struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
}

func NewOperatorTokenManager(signingKey []byte, ttl time.Duration, issuer string) *OperatorTokenManager {
	if issuer == "" {
		issuer = "reelflow"
	}
	return &OperatorTokenManager{signingKey: signingKey, ttl: ttl, issuer: issuer}
}

func (m *OperatorTokenManager) Generate(subject string, brands []string, scopes ...string) (string, error) {
	if len(m.signingKey) == 0 {
		return "", errors.New("signing key is not configured")
	}
	now := time.Now()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   subject,
			Issuer:    m.issuer,
		},
		Brands: brands,
		Scope:  strings.Join(scopes, ","),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *OperatorTokenManager) Validate(tokenString string) (*OperatorClaims, error) {
	if len(m.signingKey) == 0 {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (c *OperatorClaims) HasScope(required string) bool {
	scopes := strings.Split(c.Scope, ",")
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}

func (c *OperatorClaims) AllowsBrand(brand string) bool {
	if len(c.Brands) == 0 {
		return true
	}
	for _, b := range c.Brands {
		if strings.EqualFold(b, brand) {
			return true
		}
	}
	return false
}
