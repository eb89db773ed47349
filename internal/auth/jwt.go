// Package auth issues and verifies the bearer tokens accepted by the
// hostlane control API. Tokens are HS256 JWTs carrying the actor id as the
// subject and the actor's role as a custom claim.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hostlane/hostlane/internal/models"
)

const (
	issuer = "hostlane"

	// minSecretBytes keeps HS256 keys at the hash size.
	minSecretBytes = 32

	DefaultTokenTTL = 24 * time.Hour
)

var (
	// ErrInvalidToken is returned when a token fails signature or claim checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a token is past its expiry.
	ErrExpiredToken = errors.New("token has expired")
	// ErrWeakSecret is returned when the signing key is too short.
	ErrWeakSecret = errors.New("jwt signing key must be at least 32 bytes")
)

// Claims are the JWT claims of an actor token.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Service signs and verifies actor tokens with one shared secret.
type Service struct {
	secret []byte
	now    func() time.Time
}

// NewService builds a token service over secret.
func NewService(secret string) (*Service, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minSecretBytes {
		return nil, ErrWeakSecret
	}
	return &Service{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for actor valid for ttl. A non-positive ttl uses DefaultTokenTTL.
func (s *Service) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return "", errors.New("actor id is required")
	}
	if !actor.Role.Valid() {
		return "", fmt.Errorf("unknown role %q", actor.Role)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := s.now()
	claims := Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   actor.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks tokenString and returns the actor it was issued for.
// The returned actor carries no source address.
func (s *Service) Verify(tokenString string) (models.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.Actor{}, ErrExpiredToken
		}
		return models.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return models.Actor{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || !claims.Role.Valid() {
		return models.Actor{}, fmt.Errorf("%w: missing subject or role", ErrInvalidToken)
	}
	return models.Actor{ID: claims.Subject, Role: claims.Role}, nil
}
