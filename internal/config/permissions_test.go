package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	testutil "github.com/hostlane/hostlane/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConfigPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on Windows")
	}

	cases := []struct {
		mode    os.FileMode
		warn    string
		errText string
	}{
		{mode: 0o600},
		{mode: 0o640, warn: "group-readable"},
		{mode: 0o644, errText: "must not be accessible by others"},
		{mode: 0o620, errText: "group-writable"},
		{mode: 0o000, errText: "readable by owner"},
	}
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			path := writeTempFile(t, "config.yaml", tc.mode)
			warn, err := CheckConfigPermissions(path)
			if tc.errText != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errText)
				return
			}
			require.NoError(t, err)
			if tc.warn == "" {
				assert.Empty(t, warn)
			} else {
				assert.Contains(t, warn, tc.warn)
			}
		})
	}
}

func TestCheckKeyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on Windows")
	}
	assert.NoError(t, CheckKeyPermissions(writeTempFile(t, "age.key", 0o600)))
	assert.NoError(t, CheckKeyPermissions(writeTempFile(t, "age.key", 0o400)))

	err := CheckKeyPermissions(writeTempFile(t, "age.key", 0o640))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner-only")

	err = CheckKeyPermissions(filepath.Join(t.TempDir(), "missing.key"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stat age key")
}

func writeTempFile(t *testing.T, name string, mode os.FileMode) string {
	t.Helper()
	return testutil.TempFile(t, name, "{}", mode)
}
