package auth_test

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmem-sh/cmem/internal/auth"
)

func TestLoadOrCreateToken_FirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "auth.token")

	token, err := auth.LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), token)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestLoadOrCreateToken_StableAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.token")

	first, err := auth.LoadOrCreateToken(path)
	require.NoError(t, err)
	second, err := auth.LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateToken_TrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.token")
	require.NoError(t, os.WriteFile(path, []byte("  mytoken123  \n"), 0o600))

	token, err := auth.LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Equal(t, "mytoken123", token)
}

func TestLoadOrCreateToken_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.token")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))

	_, err := auth.LoadOrCreateToken(path)
	assert.Error(t, err)
}

func TestVerifyBearer(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"exact match", "Bearer secret-token", true},
		{"case-insensitive scheme", "bearer secret-token", true},
		{"trailing whitespace", "Bearer secret-token  ", true},
		{"wrong token", "Bearer other-token", false},
		{"missing scheme", "secret-token", false},
		{"empty header", "", false},
		{"scheme only", "Bearer ", false},
		{"basic scheme", "Basic secret-token", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, auth.VerifyBearer(tt.header, "secret-token"))
		})
	}
}
