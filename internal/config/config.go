package config

// Configuration loading and validation for ucops

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/errors"
	"github.com/tturner/ucops/internal/logging"
	"github.com/tturner/ucops/internal/orch/poller"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "UCOPS_"

// Config holds the client configuration.
// Every field maps to a UCOPS_* environment variable.
type Config struct {
	APIURL   string `env:"API_URL" envDefault:"http://localhost:8000"`
	APIToken string `env:"API_TOKEN"`

	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	LongTimeout      time.Duration `env:"LONG_TIMEOUT" envDefault:"4m"`
	DiscoveryTimeout time.Duration `env:"DISCOVERY_TIMEOUT" envDefault:"2m"`

	// Poll cadence per operation phase.
	SetupInterval      time.Duration `env:"POLL_SETUP_INTERVAL" envDefault:"3s"`
	ActiveInterval     time.Duration `env:"POLL_ACTIVE_INTERVAL" envDefault:"2s"`
	FinalizingInterval time.Duration `env:"POLL_FINALIZING_INTERVAL" envDefault:"2s"`

	DownloadDir     string        `env:"DOWNLOAD_DIR" envDefault:"~/ucops"`
	DownloadStagger time.Duration `env:"DOWNLOAD_STAGGER" envDefault:"500ms"`
	MaxTargets      int           `env:"MAX_TARGETS" envDefault:"10"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile   string `env:"LOG_FILE"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	HistoryDB   string `env:"HISTORY_DB" envDefault:"~/.ucops/history.db"`
	MetricsAddr string `env:"METRICS_ADDR"`

	// Optional per-tick trace files.
	TraceCSV  string `env:"TRACE_CSV"`
	TraceJSON string `env:"TRACE_JSON"`
}

// Load reads the given .env files (".env" when none are named), then the
// process environment. Missing .env files are ignored; variables already
// set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		path, err := homedir.Expand(f)
		if err != nil {
			return nil, errors.WrapConfigError(err, f)
		}
		if err := godotenv.Load(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.WrapConfigError(fmt.Errorf("read env file: %w", err), path)
		}
	}
	return parse(env.Options{Prefix: EnvPrefix})
}

// FromMap builds a config from explicit variables instead of the process
// environment. Keys carry the UCOPS_ prefix.
func FromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Prefix: EnvPrefix, Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, errors.WrapConfigError(fmt.Errorf("parse environment: %w", err), "environment")
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, errors.WrapConfigError(err, "environment")
	}
	if err := Validate(&cfg); err != nil {
		return nil, errors.WrapConfigError(err, "environment")
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.DownloadDir, &c.HistoryDB, &c.LogFile, &c.TraceCSV, &c.TraceJSON} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %s: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks a configuration for values the client cannot run with.
func Validate(cfg *Config) error {
	u, err := url.Parse(cfg.APIURL)
	if err != nil {
		return fmt.Errorf("%sAPI_URL: %w", EnvPrefix, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%sAPI_URL must be an http or https URL, got %q", EnvPrefix, cfg.APIURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%sAPI_URL has no host", EnvPrefix)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"REQUEST_TIMEOUT", cfg.RequestTimeout},
		{"LONG_TIMEOUT", cfg.LongTimeout},
		{"DISCOVERY_TIMEOUT", cfg.DiscoveryTimeout},
		{"POLL_SETUP_INTERVAL", cfg.SetupInterval},
		{"POLL_ACTIVE_INTERVAL", cfg.ActiveInterval},
		{"POLL_FINALIZING_INTERVAL", cfg.FinalizingInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s%s must be > 0", EnvPrefix, d.name)
		}
	}
	if cfg.DownloadStagger < 0 {
		return fmt.Errorf("%sDOWNLOAD_STAGGER must be >= 0", EnvPrefix)
	}
	if cfg.MaxTargets < 1 {
		return fmt.Errorf("%sMAX_TARGETS must be >= 1", EnvPrefix)
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%sLOG_LEVEL: %w", EnvPrefix, err)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%sLOG_FORMAT must be 'text' or 'json', got %q", EnvPrefix, cfg.LogFormat)
	}
	return nil
}

// Policy returns the poll cadence.
func (c *Config) Policy() poller.Policy {
	return poller.Policy{
		SetupInterval:      c.SetupInterval,
		ActiveInterval:     c.ActiveInterval,
		FinalizingInterval: c.FinalizingInterval,
		RequestTimeout:     c.RequestTimeout,
	}
}

// Timeouts returns the per-request deadlines of the backend client.
func (c *Config) Timeouts() backend.Timeouts {
	return backend.Timeouts{
		Request:   c.RequestTimeout,
		Long:      c.LongTimeout,
		Discovery: c.DiscoveryTimeout,
	}
}

// Level returns the parsed log level. Validate has already accepted it.
func (c *Config) Level() logging.LogLevel {
	level, _ := logging.ParseLevel(c.LogLevel)
	return level
}
