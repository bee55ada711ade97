package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log_level = "debug"

[paths]
results = "/srv/ref/results"

[db]
url = "postgres://ref@dbhost/ref"
max_backups = 3

[executor]
kind = "local-pool"
workers = 8

[[diagnostic_providers]]
slug = "example"

[[diagnostic_providers]]
slug = "pcmdi"
setting = {obs_dir = "/srv/obs"}
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), Filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, testConfig)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "/srv/ref/results", c.Paths.Results)
	// Unset paths keep defaults rooted at the config directory.
	assert.Equal(t, filepath.Join(filepath.Dir(path), "scratch"), c.Paths.Scratch)
	assert.Equal(t, "postgres://ref@dbhost/ref", c.DB.URL)
	assert.Equal(t, 3, c.DB.MaxBackups)
	// Unset, so the default applies.
	assert.True(t, c.DB.RunMigrations)
	assert.Equal(t, "local-pool", c.Executor.Kind)
	assert.Equal(t, 8, c.Executor.Workers)
	require.Len(t, c.DiagnosticProviders, 2)
	assert.Equal(t, "pcmdi", c.DiagnosticProviders[1].Slug)
}

func TestLoad_MigrationsDisabled(t *testing.T) {
	path := writeConfig(t, `
[db]
run_migrations = false
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.False(t, c.DB.RunMigrations)
}

func TestLoad_BadExecutorKind(t *testing.T) {
	path := writeConfig(t, `
[executor]
kind = "cloud"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor.kind")
}

func TestLoad_DuplicateProvider(t *testing.T) {
	path := writeConfig(t, `
[[diagnostic_providers]]
slug = "example"

[[diagnostic_providers]]
slug = "example"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestDiscover_ExplicitPath(t *testing.T) {
	path := writeConfig(t, testConfig)
	c, used, err := Discover(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestDiscover_ConfigDirEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, Filename), []byte(testConfig), 0644))
	t.Setenv(configDirEnv, dir)

	c, used, err := Discover("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, Filename), used)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestDiscover_MissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(configDirEnv, dir)

	c, _, err := Discover("")
	require.NoError(t, err)
	assert.Equal(t, "synchronous", c.Executor.Kind)
	assert.Equal(t, filepath.Join(dir, "ref.db"), c.DB.URL)
}

func TestDatabaseURLEnvOverride(t *testing.T) {
	path := writeConfig(t, testConfig)
	t.Setenv(databaseURLEnv, "postgres://ref@other/ref")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://ref@other/ref", c.DB.URL)
}

func TestExecutorEnvOverride(t *testing.T) {
	path := writeConfig(t, testConfig)
	t.Setenv(executorEnv, "local-pool")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "local-pool", c.Executor.Kind)
}

func TestExecutorEnvOverride_StillValidated(t *testing.T) {
	path := writeConfig(t, testConfig)
	t.Setenv(executorEnv, "cloud")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor.kind")
}

func TestValidateDefaults(t *testing.T) {
	require.NoError(t, Default(t.TempDir()).Validate())
}
