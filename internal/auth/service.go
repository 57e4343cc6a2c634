package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/terminal-bench/payhub/internal/token"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoAddress    = errors.New("token carries no ledger address")
)

// Claims bind a bearer token to a ledger address. Admin marks the
// administrative principal for the policy endpoints.
type Claims struct {
	Address string `json:"address"`
	Admin   bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and verifies the HMAC-signed tokens used by the HTTP
// surface to identify callers by ledger address.
type Service struct {
	secret []byte
}

func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// IssueToken signs a token for the given address.
func (s *Service) IssueToken(addr token.Address, admin bool, ttl time.Duration) (string, error) {
	claims := &Claims{
		Address: string(addr),
		Admin:   admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// VerifyToken parses a bearer token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Address == "" {
		return nil, ErrNoAddress
	}
	return claims, nil
}
