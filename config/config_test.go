package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 15*time.Second, c.Server.ReadTimeout)
	assert.Equal(t, "farm-payroll.db", c.Database.Path)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, "@every 1h", c.Audit.Schedule)
	assert.Len(t, c.CORS.AllowedOrigins, 2)
	assert.Equal(t, ":8080", c.Addr())
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A YAML file and an env override for one of its keys
	// WHEN: Config is loaded
	// THEN: The env var wins, the rest comes from the file

	path := writeFile(t, "farm.yaml", `
server:
  port: 9090
  write_timeout: 30s
database:
  path: /var/lib/farm/payroll.db
log:
  level: debug
  format: console
audit:
  schedule: "0 3 * * *"
cors:
  allowed_origins: ["https://farm.example"]
`)
	t.Setenv("FARMPAYROLL_DATABASE_PATH", ":memory:")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, 30*time.Second, c.Server.WriteTimeout)
	assert.Equal(t, 15*time.Second, c.Server.ReadTimeout)
	assert.Equal(t, ":memory:", c.Database.Path)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "console", c.Log.Format)
	assert.Equal(t, "0 3 * * *", c.Audit.Schedule)
	assert.Equal(t, []string{"https://farm.example"}, c.CORS.AllowedOrigins)
}

func TestLoad_TOMLAndConfigEnv(t *testing.T) {
	path := writeFile(t, "farm.toml", "[server]\nport = 7000\n\n[audit]\nschedule = \"\"\n")
	t.Setenv("FARMPAYROLL_CONFIG", path)

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, c.Server.Port)
	assert.Empty(t, c.Audit.Schedule)
}

func TestLoad_EmptyEnvDisablesAudit(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FARMPAYROLL_AUDIT_SCHEDULE", "")

	c, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, c.Audit.Schedule)
	assert.Equal(t, 8080, c.Server.Port)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"bad port", "c.yaml", "server:\n  port: 70000\n"},
		{"bad level", "c.yaml", "log:\n  level: loud\n"},
		{"bad format", "c.yaml", "log:\n  format: xml\n"},
		{"bad duration", "c.yaml", "server:\n  read_timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")
}
