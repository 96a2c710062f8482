package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "carrier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Loader{Getenv: env(map[string]string{
		"CARRIER_APP_ID":     "app-1",
		"CARRIER_APP_SECRET": "s3cret",
	})}.Load()
	require.NoError(t, err)

	assert.Equal(t, "services.gocarrot.com", cfg.DiscoveryHost)
	assert.Equal(t, "https", cfg.Scheme)
	assert.Equal(t, "go", cfg.SDKType)
	assert.Equal(t, "carrier.db", cfg.StorePath)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 72*time.Hour, cfg.MaxAge)
	assert.Zero(t, cfg.MaxRetries)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoad_Precedence(t *testing.T) {
	path := writeYAML(t, `
app_id: from-file
app_secret: file-secret
app_version: "1.0"
store_path: /var/lib/carrier/file.db
request_timeout: 10s
max_retries: 3
log_level: warn
`)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--store-path", "/tmp/flag.db", "--replay-rate", "2.5"}))

	cfg, err := Loader{
		Path: path,
		Getenv: env(map[string]string{
			"CARRIER_APP_VERSION": "2.0",
			"CARRIER_STORE_PATH":  "/tmp/env.db",
			"CARRIER_MAX_AGE":     "1h",
		}),
		Flags: fs,
	}.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.AppID)
	assert.Equal(t, "2.0", cfg.AppVersion, "env beats file")
	assert.Equal(t, "/tmp/flag.db", cfg.StorePath, "flag beats env")
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Hour, cfg.MaxAge)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2.5, cfg.ReplayRate)
	assert.Equal(t, slog.LevelWarn, cfg.Level())
}

func TestLoad_SchemaViolations(t *testing.T) {
	tests := map[string]struct {
		yaml string
		want []string
	}{
		"missing credentials": {
			yaml: `scheme: https`,
			want: []string{"app_id", "app_secret"},
		},
		"bad scheme": {
			yaml: "app_id: a\napp_secret: s\nscheme: ftp",
			want: []string{"scheme"},
		},
		"negative retries": {
			yaml: "app_id: a\napp_secret: s\nmax_retries: -1",
			want: []string{"max_retries"},
		},
		"zero timeout": {
			yaml: "app_id: a\napp_secret: s\nrequest_timeout: 0s",
			want: []string{"request_timeout_seconds"},
		},
		"unknown log level": {
			yaml: "app_id: a\napp_secret: s\nlog_level: loud",
			want: []string{"log_level"},
		},
		"host with path": {
			yaml: "app_id: a\napp_secret: s\ndiscovery_host: example.com/x",
			want: []string{"discovery_host"},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Loader{Path: writeYAML(t, tt.yaml), Getenv: env(nil)}.Load()
			require.ErrorIs(t, err, ErrInvalid)
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestLoad_BadValues(t *testing.T) {
	_, err := Loader{Getenv: env(map[string]string{"CARRIER_MAX_RETRIES": "lots"})}.Load()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "CARRIER_MAX_RETRIES")

	_, err = Loader{Path: writeYAML(t, "app_id: [unclosed"), Getenv: env(nil)}.Load()
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Loader{Path: filepath.Join(t.TempDir(), "missing.yaml")}.Load()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestSettingsAndRedaction(t *testing.T) {
	cfg := Default()
	cfg.AppID = "app-1"
	cfg.AppSecret = "s3cret"
	cfg.LaunchURL = "https://example.com/l"

	s := cfg.Settings()
	assert.Equal(t, "app-1", s.AppID)
	assert.Equal(t, "s3cret", s.AppSecret)
	assert.Equal(t, "https://example.com/l", s.LaunchURL)
	assert.NoError(t, s.Validate())

	assert.Equal(t, "<redacted>", cfg.Redacted().AppSecret)
	assert.Equal(t, "s3cret", cfg.AppSecret)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "CARRIER_DISCOVERY_HOST", EnvName("discovery_host"))
	assert.Equal(t, "discovery-host", FlagName("discovery_host"))
}
