// Package config loads carrier settings.
//
// Sources apply in order: built-in defaults, a YAML file, CARRIER_*
// environment variables, then command-line flags. The merged result is
// checked against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/roach88/carrier/internal/engine"
	"github.com/roach88/carrier/internal/store"
	"github.com/roach88/carrier/internal/transport"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CARRIER_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the merged configuration.
type Config struct {
	AppID         string `yaml:"app_id"`
	AppSecret     string `yaml:"app_secret"`
	AppVersion    string `yaml:"app_version"`
	AppBuildID    string `yaml:"app_build_id"`
	SDKPlatform   string `yaml:"sdk_platform"`
	SDKType       string `yaml:"sdk_type"`
	DiscoveryHost string `yaml:"discovery_host"`
	Scheme        string `yaml:"scheme"`
	LaunchURL     string `yaml:"launch_url"`

	StorePath      string        `yaml:"store_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	MaxAge         time.Duration `yaml:"max_age"`
	ReplayRate     float64       `yaml:"replay_rate"`
	ReplayBurst    int           `yaml:"replay_burst"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns the built-in defaults. AppID and AppSecret have none.
func Default() Config {
	return Config{
		SDKType:        engine.DefaultSDKType,
		DiscoveryHost:  engine.DefaultDiscoveryHost,
		Scheme:         engine.DefaultScheme,
		StorePath:      "carrier.db",
		RequestTimeout: transport.DefaultTimeout,
		MaxAge:         store.DefaultMaxAge,
		ReplayBurst:    1,
		LogLevel:       "info",
	}
}

// field binds one setting to its YAML key, environment variable and flag.
type field struct {
	key   string
	usage string
	set   func(*Config, string) error
}

func stringField(key, usage string, ptr func(*Config) *string) field {
	return field{key: key, usage: usage, set: func(c *Config, v string) error {
		*ptr(c) = v
		return nil
	}}
}

func durationField(key, usage string, ptr func(*Config) *time.Duration) field {
	return field{key: key, usage: usage, set: func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*ptr(c) = d
		return nil
	}}
}

func intField(key, usage string, ptr func(*Config) *int) field {
	return field{key: key, usage: usage, set: func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*ptr(c) = n
		return nil
	}}
}

var fields = []field{
	stringField("app_id", "application id", func(c *Config) *string { return &c.AppID }),
	stringField("app_secret", "application secret used for signing", func(c *Config) *string { return &c.AppSecret }),
	stringField("app_version", "application version reported with every request", func(c *Config) *string { return &c.AppVersion }),
	stringField("app_build_id", "application build id", func(c *Config) *string { return &c.AppBuildID }),
	stringField("sdk_platform", "platform reported as sdk_platform (default: GOOS)", func(c *Config) *string { return &c.SDKPlatform }),
	stringField("sdk_type", "client type reported as sdk_type", func(c *Config) *string { return &c.SDKType }),
	stringField("discovery_host", "bootstrap host for service discovery", func(c *Config) *string { return &c.DiscoveryHost }),
	stringField("scheme", "URL scheme (http|https)", func(c *Config) *string { return &c.Scheme }),
	stringField("launch_url", "launch URL reported to discovery", func(c *Config) *string { return &c.LaunchURL }),
	stringField("store_path", "path to the pending-request store", func(c *Config) *string { return &c.StorePath }),
	durationField("request_timeout", "per-request transport timeout", func(c *Config) *time.Duration { return &c.RequestTimeout }),
	intField("max_retries", "drop a stored request after this many retries (0: never)", func(c *Config) *int { return &c.MaxRetries }),
	durationField("max_age", "discard stored requests older than this at load (0: never)", func(c *Config) *time.Duration { return &c.MaxAge }),
	{key: "replay_rate", usage: "replayed deliveries per second (0: unlimited)", set: func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.ReplayRate = f
		return nil
	}},
	intField("replay_burst", "replay limiter burst", func(c *Config) *int { return &c.ReplayBurst }),
	stringField("metrics_addr", "listen address for /metrics (empty: disabled)", func(c *Config) *string { return &c.MetricsAddr }),
	stringField("log_level", "log level (debug|info|warn|error)", func(c *Config) *string { return &c.LogLevel }),
}

// EnvName returns the environment variable for a YAML key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(key)
}

// FlagName returns the command-line flag for a YAML key.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// Loader merges configuration sources.
type Loader struct {
	// Path is the YAML file. Empty skips the file.
	Path string

	// Getenv reads the environment. Nil uses os.Getenv.
	Getenv func(string) string

	// Flags holds overrides registered with RegisterFlags. Only flags the
	// user set are applied.
	Flags *pflag.FlagSet
}

// RegisterFlags adds one flag per setting to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, f := range fields {
		fs.String(FlagName(f.key), "", f.usage)
	}
}

// Load merges the sources and validates the result.
func (l Loader) Load() (Config, error) {
	cfg, err := l.Merge()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Merge applies the sources without schema validation. Commands that only
// touch the local store use it so they run without credentials.
func (l Loader) Merge() (Config, error) {
	cfg := Default()

	if l.Path != "" {
		data, err := os.ReadFile(l.Path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", l.Path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, l.Path, err)
		}
	}

	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, f := range fields {
		name := EnvName(f.key)
		if v := getenv(name); v != "" {
			if err := f.set(&cfg, v); err != nil {
				return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
			}
		}
	}

	if l.Flags != nil {
		for _, f := range fields {
			flag := l.Flags.Lookup(FlagName(f.key))
			if flag == nil || !flag.Changed {
				continue
			}
			if err := f.set(&cfg, flag.Value.String()); err != nil {
				return Config{}, fmt.Errorf("%w: --%s: %v", ErrInvalid, flag.Name, err)
			}
		}
	}

	return cfg, nil
}

// Validate unifies the config with the embedded schema. All violations are
// reported in one error wrapping ErrInvalid.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config: schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c.document()))
	err := v.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		path := strings.Join(e.Path(), ".")
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path != "" {
			msg = path + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// document is the schema view of c. Durations become seconds.
func (c Config) document() map[string]any {
	return map[string]any{
		"app_id":                  c.AppID,
		"app_secret":              c.AppSecret,
		"app_version":             c.AppVersion,
		"app_build_id":            c.AppBuildID,
		"sdk_platform":            c.SDKPlatform,
		"sdk_type":                c.SDKType,
		"discovery_host":          c.DiscoveryHost,
		"scheme":                  c.Scheme,
		"launch_url":              c.LaunchURL,
		"store_path":              c.StorePath,
		"request_timeout_seconds": c.RequestTimeout.Seconds(),
		"max_retries":             c.MaxRetries,
		"max_age_seconds":         c.MaxAge.Seconds(),
		"replay_rate":             c.ReplayRate,
		"replay_burst":            c.ReplayBurst,
		"metrics_addr":            c.MetricsAddr,
		"log_level":               c.LogLevel,
	}
}

// Settings returns the engine settings.
func (c Config) Settings() engine.Settings {
	return engine.Settings{
		AppID:         c.AppID,
		AppSecret:     c.AppSecret,
		AppVersion:    c.AppVersion,
		AppBuildID:    c.AppBuildID,
		SDKPlatform:   c.SDKPlatform,
		SDKType:       c.SDKType,
		DiscoveryHost: c.DiscoveryHost,
		Scheme:        c.Scheme,
		LaunchURL:     c.LaunchURL,
	}
}

// Level returns the slog level for LogLevel.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.AppSecret != "" {
		c.AppSecret = "<redacted>"
	}
	return c
}
