package config

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePort(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"3100", 3100, false},
		{" 8080 ", 8080, false},
		{"1", 1, false},
		{"65535", 65535, false},
		{"0", 0, true},
		{"65536", 0, true},
		{"-1", 0, true},
		{"http", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePort(tt.in)
		if tt.wantErr {
			require.Error(t, err, "input %q", tt.in)
			assert.Contains(t, err.Error(), "Invalid port")
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseTransport(t *testing.T) {
	got, err := ParseTransport(" HTTP ")
	require.NoError(t, err)
	assert.Equal(t, TransportHTTP, got)

	got, err = ParseTransport("stdio")
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, got)

	_, err = ParseTransport("grpc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid transport")
}

func TestParseDBMode(t *testing.T) {
	got, err := ParseDBMode("Global")
	require.NoError(t, err)
	assert.Equal(t, DBModeGlobal, got)

	_, err = ParseDBMode("local")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid db mode")
}

func TestLoadDefaults(t *testing.T) {
	repo := t.TempDir()

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, cfg.Transport)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DBModeRepository, cfg.DBMode)

	// With an explicit repo path the database nests under it.
	v := viper.New()
	v.Set("repo_path", repo)
	cfg, err = Load(v)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, ".caw", "caw.db"), cfg.DBPath)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CAW_TRANSPORT", "http")
	t.Setenv("CAW_PORT", "9044")
	t.Setenv("CAW_DB_MODE", "repository")
	t.Setenv("CAW_DB_PATH", "/var/lib/caw/state.db")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, TransportHTTP, cfg.Transport)
	assert.Equal(t, 9044, cfg.Port)
	assert.Equal(t, "/var/lib/caw/state.db", cfg.DBPath)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CAW_PORT", "no")
	_, err := Load(nil)
	require.Error(t, err)
	assert.Equal(t, "Invalid port: 'no'. Must be an integer between 1 and 65535.", err.Error())

	t.Setenv("CAW_PORT", "3100")
	t.Setenv("CAW_TRANSPORT", "carrier-pigeon")
	_, err = Load(nil)
	require.Error(t, err)
}

func TestLockFilePath(t *testing.T) {
	cfg := &Config{DBPath: "/srv/repo/.caw/caw.db"}
	assert.Equal(t, "/srv/repo/.caw/server.lock", cfg.LockFilePath())
}
