package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "mesh.yaml", `
server:
  bind_address: ":9090"
resolver:
  cache_ttl: 300s
`)

	loader, err := New(
		WithConfigName("mesh"),
		WithConfigPaths(dir),
	)
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background()))

	assert.Equal(t, ":9090", loader.Get("server.bind_address"))

	var cfg struct {
		Server struct {
			BindAddress string `mapstructure:"bind_address"`
		} `mapstructure:"server"`
	}
	require.NoError(t, loader.Unmarshal(&cfg))
	assert.Equal(t, ":9090", cfg.Server.BindAddress)
}

func TestUnmarshalKey(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "mesh.yaml", `
breaker:
  failure_threshold: 7
`)

	loader, err := New(WithConfigName("mesh"), WithConfigPaths(dir))
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background()))

	var cfg struct {
		FailureThreshold int `mapstructure:"failure_threshold"`
	}
	require.NoError(t, loader.UnmarshalKey("breaker", &cfg))
	assert.Equal(t, 7, cfg.FailureThreshold)
}

func TestDefaults(t *testing.T) {
	loader, err := New(
		WithConfigName("does-not-exist"),
		WithConfigPaths(t.TempDir()),
		WithDefault("resolver.cache_ttl", "300s"),
	)
	require.NoError(t, err)

	// 配置文件缺失时不报错，回退到默认值
	require.NoError(t, loader.Load(context.Background()))
	assert.Equal(t, "300s", loader.Get("resolver.cache_ttl"))
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "mesh.yaml", `
server:
  bind_address: ":9090"
`)

	t.Setenv("MESHKIT_SERVER_BIND_ADDRESS", ":7070")

	loader, err := New(
		WithConfigName("mesh"),
		WithConfigPaths(dir),
		WithEnvPrefix("MESHKIT"),
	)
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background()))

	assert.Equal(t, ":7070", loader.Get("server.bind_address"))
}

func TestUnmarshalBeforeLoad(t *testing.T) {
	loader, err := New()
	require.NoError(t, err)

	var v map[string]any
	assert.ErrorIs(t, loader.Unmarshal(&v), ErrNotLoaded)
	assert.ErrorIs(t, loader.UnmarshalKey("x", &v), ErrNotLoaded)
}
