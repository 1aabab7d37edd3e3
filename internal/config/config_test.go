package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetEnv clears every variable Load consults so tests do not leak into
// each other or pick up the developer's real keys.
func resetEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"CMEM_DATA_DIR", "CMEM_HOST", "CMEM_PORT", "CMEM_DB_PATH",
		"CMEM_CONTEXT_TOKENS", "CMEM_MODEL", "CMEM_LLM_PROVIDER",
		"CMEM_LLM_ENDPOINT", "CMEM_API_KEY", "ANTHROPIC_API_KEY",
		"OPENAI_API_KEY", "GEMINI_API_KEY",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoad_DefaultsAndFirstRunSettingsFile(t *testing.T) {
	resetEnv(t)
	dir := t.TempDir()
	t.Setenv("CMEM_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultContextTokens, cfg.ContextTokens)
	assert.Equal(t, DefaultStuckTimeout, cfg.StuckTimeout())
	assert.Equal(t, filepath.Join(dir, "cmem.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "auth.token"), cfg.TokenPath)
	assert.Empty(t, cfg.Provider)

	// First run writes settings.json, hardened.
	info, err := os.Stat(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoad_SettingsFileMergesOverDefaults(t *testing.T) {
	resetEnv(t)
	dir := t.TempDir()
	t.Setenv("CMEM_DATA_DIR", dir)
	settings := `{"port": 38888, "context_tokens": 900}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 38888, cfg.Port)
	assert.Equal(t, 900, cfg.ContextTokens)
	assert.Equal(t, DefaultHost, cfg.Host)
}

func TestLoad_EnvBeatsSettingsFile(t *testing.T) {
	resetEnv(t)
	dir := t.TempDir()
	t.Setenv("CMEM_DATA_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{"port": 38888}`), 0o600))
	t.Setenv("CMEM_PORT", "39999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 39999, cfg.Port)
}

func TestLoad_AnthropicKeySelectsProvider(t *testing.T) {
	resetEnv(t)
	t.Setenv("CMEM_DATA_DIR", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "sk-ant-test", cfg.APIKey)
	assert.Equal(t, "https://api.anthropic.com/v1/messages", cfg.Endpoint)
	assert.Equal(t, "claude-3-5-haiku-20241022", cfg.Model)
}

func TestLoad_ExplicitProviderKeepsKey(t *testing.T) {
	resetEnv(t)
	t.Setenv("CMEM_DATA_DIR", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-openai-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"privileged port", map[string]string{"CMEM_PORT": "80"}},
		{"port out of range", map[string]string{"CMEM_PORT": "70000"}},
		{"context tokens too small", map[string]string{"CMEM_CONTEXT_TOKENS": "10"}},
		{"context tokens too large", map[string]string{"CMEM_CONTEXT_TOKENS": "500000"}},
		{"model off allowlist", map[string]string{"CMEM_MODEL": "mystery-model-9000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetEnv(t)
			t.Setenv("CMEM_DATA_DIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_ModelAllowlistAccepts(t *testing.T) {
	for _, model := range []string{
		"claude-3-5-haiku-20241022",
		"anthropic.claude-3-5-sonnet-20241022-v2:0",
		"gpt-4o-mini",
		"o3-mini",
		"gemini-2.0-flash",
	} {
		t.Run(model, func(t *testing.T) {
			resetEnv(t)
			t.Setenv("CMEM_DATA_DIR", t.TempDir())
			t.Setenv("CMEM_MODEL", model)
			_, err := Load()
			assert.NoError(t, err)
		})
	}
}

func TestLoad_NonNumericEnvIgnored(t *testing.T) {
	resetEnv(t)
	t.Setenv("CMEM_DATA_DIR", t.TempDir())
	t.Setenv("CMEM_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestExpandEnvWithDefaults(t *testing.T) {
	t.Setenv("CMEM_TEST_SET", "value")
	os.Unsetenv("CMEM_TEST_UNSET")

	tests := []struct {
		in   string
		want string
	}{
		{"${CMEM_TEST_SET}", "value"},
		{"${CMEM_TEST_UNSET}", ""},
		{"${CMEM_TEST_UNSET:-fallback}", "fallback"},
		{"${CMEM_TEST_SET:-fallback}", "value"},
		{"plain text", "plain text"},
		{"a ${CMEM_TEST_SET} b", "a value b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandEnvWithDefaults(tt.in), tt.in)
	}
}

func TestLoad_SettingsFileToleratesYAMLExtras(t *testing.T) {
	resetEnv(t)
	dir := t.TempDir()
	t.Setenv("CMEM_DATA_DIR", dir)
	// A comment: invalid JSON, valid YAML.
	settings := "# hand edited\n{\"port\": 38888}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 38888, cfg.Port)
}

func TestStuckTimeout_Conversion(t *testing.T) {
	cfg := &Config{StuckTimeoutSeconds: 90}
	assert.Equal(t, 90*time.Second, cfg.StuckTimeout())
}
