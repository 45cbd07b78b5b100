package main

import (
	"os"

	"github.com/mattn/go-isatty"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/config"
	"github.com/tturner/ucops/internal/errors"
	"github.com/tturner/ucops/internal/logging"
)

// globalFlags are shared by every command that talks to the backend.
type globalFlags struct {
	envFiles []string
	apiURL   string
	logLevel string
}

// session bundles what a backend command needs.
type session struct {
	cfg    *config.Config
	logger *logging.Logger
	client *backend.HTTPClient
}

func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.envFiles...)
	if err != nil {
		return nil, err
	}
	if g.apiURL != "" {
		cfg.APIURL = g.apiURL
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, errors.WrapConfigError(err, "command line")
	}
	return cfg, nil
}

func openSession(g *globalFlags) (*session, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLoggerWithOptions(cfg.Level(), cfg.LogFile, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	client := backend.NewHTTPClient(cfg.APIURL, cfg.APIToken, nil, cfg.Timeouts(), logger)
	return &session{cfg: cfg, logger: logger, client: client}, nil
}

func (s *session) Close() {
	s.client.Close()
	s.logger.Close()
}

// backendError explains a failed backend call in user terms.
func (s *session) backendError(err error) error {
	return errors.WrapBackendError(err, s.cfg.APIURL)
}

func interactive() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd())
}
