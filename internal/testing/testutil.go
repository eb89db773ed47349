// Package testing provides shared test utilities and helper functions for hostlane.
//
// Key utilities:
//   - Model factories: NewTestServer, NewTestActivity
//   - Test helpers: TempFile, MkdirTempInDir, AssertJSONEqual
//   - Test constants: FixedTime, TestOwnerID, TestSpec
//
// The package is designed to work with github.com/stretchr/testify for
// assertions.
package testing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostlane/hostlane/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

const (
	TestOwnerID  = "user-1"
	TestPrice    = "12.50"
	TestTermDays = 30
)

// TestSpec is a valid sizing accepted by every server type.
var TestSpec = models.ServerSpec{CPU: 2, MemoryMB: 4096, StorageGB: 50, BandwidthGB: 1000}

// AssertJSONEqual asserts that two values marshal to semantically equal JSON,
// ignoring whitespace and key order.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile writes content to a file in the test's temporary directory and
// chmods it to perm, bypassing the umask. It returns the file's path.
func TempFile(t *testing.T, name, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write temp file")
	require.NoError(t, os.Chmod(path, perm), "failed to chmod temp file")
	return path
}

// MkdirTempInDir creates a temporary directory under parentDir that is
// removed when the test completes.
func MkdirTempInDir(t *testing.T, parentDir string) string {
	t.Helper()
	path, err := os.MkdirTemp(parentDir, "testdir*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		_ = os.RemoveAll(path)
	})
	return path
}

// ServerOpts holds optional parameters for NewTestServer. Zero fields take
// defaults.
type ServerOpts struct {
	ID           string
	OwnerID      string
	Name         string
	Type         models.ServerType
	Status       models.ServerStatus
	ExternalID   string
	IPAddress    string
	Spec         models.ServerSpec
	PriceMonthly string
	ExpiresAt    time.Time
	NoExpiry     bool
	CreatedAt    time.Time
}

// NewTestServer creates a VPS owned by TestOwnerID with a 30-day term from
// FixedTime, applying overrides from opts.
//
// Example:
//
//	server := testutil.NewTestServer(testutil.ServerOpts{
//	    ID:     "srv-1",
//	    Status: models.ServerStopped,
//	})
func NewTestServer(opts ServerOpts) models.Server {
	if opts.ID == "" {
		opts.ID = "srv-test-1"
	}
	if opts.OwnerID == "" {
		opts.OwnerID = TestOwnerID
	}
	if opts.Name == "" {
		opts.Name = "srv-" + opts.ID
	}
	if opts.Type == "" {
		opts.Type = models.ServerTypeVPS
	}
	if opts.Status == "" {
		opts.Status = models.ServerRequested
	}
	if opts.Spec == (models.ServerSpec{}) {
		opts.Spec = TestSpec
	}
	if opts.PriceMonthly == "" {
		opts.PriceMonthly = TestPrice
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}
	if opts.ExpiresAt.IsZero() && !opts.NoExpiry {
		opts.ExpiresAt = opts.CreatedAt.Add(TestTermDays * 24 * time.Hour)
	}

	return models.Server{
		ID:           opts.ID,
		OwnerID:      opts.OwnerID,
		Name:         opts.Name,
		Type:         opts.Type,
		Status:       opts.Status,
		ExternalID:   opts.ExternalID,
		IPAddress:    opts.IPAddress,
		Spec:         opts.Spec,
		PriceMonthly: decimal.RequireFromString(opts.PriceMonthly),
		ExpiresAt:    opts.ExpiresAt,
		CreatedAt:    opts.CreatedAt,
		UpdatedAt:    opts.CreatedAt,
	}
}

// NewTestActivity creates an audit entry for serverID at FixedTime.
func NewTestActivity(serverID string, action models.ActivityAction) models.ActivityLogEntry {
	return models.ActivityLogEntry{
		ServerID:  serverID,
		ActorID:   TestOwnerID,
		Action:    action,
		Timestamp: FixedTime,
		Details:   "test",
	}
}

// ParseTime parses an RFC3339 timestamp or fails the test.
func ParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err, "failed to parse time %q", s)
	return ts
}
