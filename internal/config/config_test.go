package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_CreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docchat.yaml")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err, "default config file should be written")

	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, filepath.Join(dir, "data", "registry.json"), cfg.Storage.RegistryFile)
	assert.NoError(t, cfg.Validate())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-test", "API keys must not be written to disk")
}

func TestLoadConfig_ReadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docchat.yaml")
	content := `
llm:
  provider: anthropic
  model: claude-sonnet-4-20250514
  maxTokens: 2048
  replyTimeoutSeconds: 30
assistant:
  name: Helper
  organization: Acme
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("ANTHROPIC_API_KEY", "anthropic-key")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderAnthropic, cfg.LLM.Provider)
	assert.Equal(t, "anthropic-key", cfg.LLM.APIKey)
	assert.Equal(t, 2048, cfg.LLM.MaxTokens)
	assert.Equal(t, "Helper", cfg.Assistant.Name)
	// untouched sections keep defaults
	assert.Equal(t, 8089, cfg.Server.Port)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docchat.yaml")
	dataDir := filepath.Join(dir, "elsewhere")
	t.Setenv("PORT", "9100")
	t.Setenv("DATA_DIR", dataDir)
	t.Setenv("LLM_PROVIDER", "Gemini")
	t.Setenv("GEMINI_API_KEY", "g-key")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, ProviderGemini, cfg.LLM.Provider)
	assert.Equal(t, "g-key", cfg.LLM.APIKey)
	assert.Equal(t, filepath.Join(dataDir, "registry.json"), cfg.Storage.RegistryFile)
}

func TestValidate(t *testing.T) {
	t.Run("missing credential is fatal", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.APIKey = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "OPENAI_API_KEY")
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.Provider = "llamafile"
		cfg.LLM.APIKey = "x"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad body limit", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LLM.APIKey = "x"
		cfg.Server.BodyLimit = "lots"
		assert.Error(t, cfg.Validate())
	})
}

func TestParseByteSize(t *testing.T) {
	tests := map[string]int64{
		"512":  512,
		"4K":   4 << 10,
		"50M":  50 << 20,
		"2g":   2 << 30,
		" 1M ": 1 << 20,
	}
	for in, want := range tests {
		got, err := ParseByteSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseByteSize("")
	assert.Error(t, err)
	_, err = ParseByteSize("-3M")
	assert.Error(t, err)
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.resolvePaths(dir)

	require.NoError(t, cfg.EnsureDirectories())
	for _, p := range []string{cfg.Storage.DataDirectory, cfg.Storage.UploadsDirectory, filepath.Dir(cfg.Logging.File)} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
