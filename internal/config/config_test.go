package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("STORE_TABLE", "chat-state")
	t.Setenv("MEMORY_TOP_K", "3")
	t.Setenv("GENERATOR_PROVIDER", "openai")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, "dynamodb", cfg.Store.Backend)
	require.Equal(t, "chat-state", cfg.Store.Table)
	require.Equal(t, "openai", cfg.Generator.Provider)
	require.Equal(t, 3, cfg.Memory.TopK)
	require.Equal(t, "none", cfg.Upload.Backend)
	require.True(t, cfg.Media.FetchImages)
	require.Equal(t, 1568, cfg.Media.MaxDimension)
	require.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
store:
  backend: postgres
  dsn: postgres://localhost/chat
memory:
  backend: local
  dir: /tmp/mem
upload:
  backend: uploadcare
  public_key: pk
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Store.Backend)
	require.Equal(t, "postgres://localhost/chat", cfg.Store.DSN)
	require.Equal(t, "local", cfg.Memory.Backend)
	require.Equal(t, "pk", cfg.Upload.PublicKey)
	require.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  table: from-file\n"), 0o600))
	t.Setenv("STORE_TABLE", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Store.Table)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("STORE_BACKEND", "mongo")
	t.Setenv("MEMORY_BACKEND", "redis")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "store.backend")
	require.Contains(t, err.Error(), "memory.backend")
}

func TestValidate_RequiredStoreSettings(t *testing.T) {
	cfg := &Config{
		Store:     StoreConfig{Backend: "dynamodb"},
		Generator: GeneratorConfig{Provider: "gemini"},
		Memory:    MemoryConfig{Backend: "none"},
		Upload:    UploadConfig{Backend: "none"},
	}
	require.ErrorContains(t, cfg.Validate(), "store.table")

	cfg.Store = StoreConfig{Backend: "postgres"}
	require.ErrorContains(t, cfg.Validate(), "store.dsn")
}

func TestSlogLevel_Unknown(t *testing.T) {
	cfg := &Config{Log: LogConfig{Level: "chatty"}}
	require.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}
