package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the owner an access token was issued to.
type Claims struct {
	Sub   string `json:"sub"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	JTI   string `json:"jti"`
	Exp   int64  `json:"exp"`
}

// ExpiresAt reports the expiry as a time.
func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0).UTC()
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type tokenClaims struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 access tokens.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// WithClock returns a copy of the signer that reads the time from now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	return &Signer{secret: s.secret, now: now}
}

func (s *Signer) Issue(claims Claims) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("token secret is empty")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Name:  claims.Name,
		Email: claims.Email,
		Role:  claims.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Sub,
			ID:        claims.JTI,
			ExpiresAt: jwt.NewNumericDate(time.Unix(claims.Exp, 0)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and expiry. An expired token still returns
// its claims together with ErrExpiredToken.
func (s *Signer) Parse(token string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	var parsed tokenClaims
	_, err := parser.ParseWithClaims(strings.TrimSpace(token), &parsed, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})

	claims := Claims{
		Sub:   parsed.Subject,
		Name:  parsed.Name,
		Email: parsed.Email,
		Role:  parsed.Role,
		JTI:   parsed.ID,
	}
	if parsed.ExpiresAt != nil {
		claims.Exp = parsed.ExpiresAt.Unix()
	}

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && claims.Sub != "" {
			return claims, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.JTI == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// HashToken is the storage form of refresh tokens.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
