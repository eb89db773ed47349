package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hostlane/hostlane/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T, now time.Time) *Service {
	t.Helper()
	svc, err := NewService(testSecret)
	require.NoError(t, err)
	svc.now = func() time.Time { return now }
	return svc
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)

	token, err := svc.Issue(models.Actor{ID: "user-1", Role: models.RoleCustomer, SourceAddress: "ignored"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(token, ".")))

	actor, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, models.Actor{ID: "user-1", Role: models.RoleCustomer}, actor)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, now)
	token, err := svc.Issue(models.Actor{ID: "admin-1", Role: models.RoleAdmin}, time.Minute)
	require.NoError(t, err)

	svc.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, now)
	other, err := NewService("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	token, err := other.Issue(models.Actor{ID: "admin-1", Role: models.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsUnknownRole(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, now)
	claims := Claims{
		Role: models.Role("root"),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsUnsignedToken(t *testing.T) {
	svc := newTestService(t, time.Now())
	claims := Claims{
		Role:             models.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin-1", Issuer: issuer},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueValidatesActor(t *testing.T) {
	svc := newTestService(t, time.Now())
	_, err := svc.Issue(models.Actor{Role: models.RoleAdmin}, time.Hour)
	assert.Error(t, err)
	_, err = svc.Issue(models.Actor{ID: "x", Role: "root"}, time.Hour)
	assert.Error(t, err)
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	_, err := NewService("short")
	assert.ErrorIs(t, err, ErrWeakSecret)
}
