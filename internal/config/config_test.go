package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:7464", cfg.Agent.ListenAddr)
	assert.Equal(t, "ws://localhost:8080/ws/signaling", cfg.Backend.SignalURL)
	assert.True(t, cfg.History.Enabled)
	assert.False(t, cfg.Rules.Enabled)
	assert.NotEmpty(t, cfg.Media.StunServers)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinal.json")

	cfg := Default()
	cfg.Agent.ListenAddr = "127.0.0.1:9000"
	cfg.Backend.UserID = "u-42"
	cfg.Backend.DisplayName = "Avery"
	cfg.Media.PreferredMic = "USB Microphone"
	cfg.Rules.Enabled = true
	cfg.Rules.TimeoutSeconds = 5
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadFillsMissingFieldsFromDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinal.json")
	partial := `{"backend": {"user_id": "u-42", "display_name": "Avery"}}`
	require.NoError(t, os.WriteFile(path, []byte(partial), 0o644))

	got, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "u-42", got.Backend.UserID)
	assert.Equal(t, "Avery", got.Backend.DisplayName)

	// Everything the file omits keeps its default.
	assert.Equal(t, "127.0.0.1:7464", got.Agent.ListenAddr)
	assert.Equal(t, "http://localhost:8080", got.Backend.APIBase)
	assert.Equal(t, "data/token", got.Backend.TokenFile)
	assert.Equal(t, 90, got.History.KeepDays)
	assert.Equal(t, "info", got.Log.Level)
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinal.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"log": {"level": "debug"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", got.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.Agent.ListenAddr = "" }},
		{"listen addr without port", func(c *Config) { c.Agent.ListenAddr = "127.0.0.1" }},
		{"api base with bad scheme", func(c *Config) { c.Backend.APIBase = "ftp://example.com" }},
		{"api base without host", func(c *Config) { c.Backend.APIBase = "http://" }},
		{"signal url with http scheme", func(c *Config) { c.Backend.SignalURL = "http://example.com/ws" }},
		{"history without db path", func(c *Config) { c.History.DBPath = " " }},
		{"negative keep days", func(c *Config) { c.History.KeepDays = -1 }},
		{"rules timeout too low", func(c *Config) { c.Rules.Enabled = true; c.Rules.TimeoutSeconds = 0 }},
		{"rules timeout too high", func(c *Config) { c.Rules.Enabled = true; c.Rules.TimeoutSeconds = 31 }},
		{"rules memory cap too high", func(c *Config) { c.Rules.Enabled = true; c.Rules.MaxMemoryMB = 2048 }},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRuleLimitsOnlyCheckedWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Rules.Enabled = false
	cfg.Rules.TimeoutSeconds = 0
	assert.NoError(t, cfg.Validate())
}

func TestEmptyUserIDIsValid(t *testing.T) {
	// A freshly created config has no user yet; setup fills it in later.
	cfg := Default()
	cfg.Backend.UserID = ""
	assert.NoError(t, cfg.Validate())
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinal.json")
	cfg := Default()
	cfg.Backend.SignalURL = "not a url at all ://"
	require.Error(t, Save(path, cfg))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "invalid config must not be written")
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sentinal.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)
	require.FileExists(t, path)

	again, created, err := Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg, again)
}
