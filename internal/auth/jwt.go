package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/driverme/internal/models"
)

// ErrInvalidToken covers expired, malformed, and badly-signed tokens.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified caller the gate asserts. The core trusts it
// verbatim and performs no credential checks of its own.
type Identity struct {
	ID   string
	Role models.Role
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens issued by the account service.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses the token and returns the asserted identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	role, ok := models.ParseRole(c.Role)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{ID: c.Subject, Role: role}, nil
}

// Sign issues a token for an identity. Used by tooling and tests; the
// account service normally issues tokens.
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return t.SignedString(v.secret)
}
