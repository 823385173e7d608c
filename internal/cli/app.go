package cli

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"fallora/internal/config"
	"fallora/internal/engine"
	"fallora/internal/generators"
	"fallora/internal/history"
	"fallora/internal/interfaces"
	"fallora/internal/logging"
	"fallora/internal/lora"
	"fallora/internal/session"
	"fallora/internal/storage"
)

// app is the set of long-lived collaborators every command shares.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	kv       interfaces.KVStore
	client   *generators.APIClient
	analyzer interfaces.ImageAnalyzer
	catalog  *lora.Catalog
	history  *history.Store
	orch     *generators.Orchestrator

	closeLog func() error
}

func newApp(o *rootOptions) (*app, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.apiURL != "" {
		cfg.API.BaseURL = o.apiURL
	}

	out, closeLog, err := logging.Output(cfg.Logging.Output)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, out)
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	kv, err := storage.Open(cfg.Storage)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		kv:       kv,
		closeLog: closeLog,
	}
	a.client = generators.NewAPIClient(cfg.API.BaseURL, cfg.API.Timeout.Duration,
		logger.With().Str("component", "api").Logger())

	a.analyzer = a.client
	if cfg.Analyzer.Provider == "vision" {
		vc, err := engine.NewVisionClient(cfg.Analyzer.Vision, logger.With().Str("component", "vision").Logger())
		if err != nil {
			// Without a key the API endpoint still serves analysis.
			logger.Warn().Err(err).Msg("vision analyzer unavailable, using the API endpoint")
		} else {
			a.analyzer = vc
		}
	}

	a.catalog = lora.NewCatalog(a.client, cfg.Catalog.TTL.Duration, logger.With().Str("component", "catalog").Logger())
	a.history = history.New(kv,
		history.WithCapacity(cfg.History.Capacity),
		history.WithLogger(logger.With().Str("component", "history").Logger()))
	a.orch = generators.NewOrchestrator(a.client,
		generators.WithPollInterval(cfg.Poll.Interval.Duration),
		generators.WithMaxAttempts(cfg.Poll.MaxAttempts),
		generators.WithLogger(logger.With().Str("component", "orchestrator").Logger()))

	logger.Debug().
		Str("api", cfg.API.BaseURL).
		Str("storage", cfg.Storage.Backend).
		Str("analyzer", cfg.Analyzer.Provider).
		Msg("initialized")
	return a, nil
}

func (a *app) deps() session.Deps {
	return session.Deps{
		Orchestrator: a.orch,
		Catalog:      a.catalog,
		History:      a.history,
		Uploader:     a.client,
		Analyzer:     a.analyzer,
		KV:           a.kv,
		Logger:       a.logger,
	}
}

func (a *app) Close() error {
	return errors.Join(a.kv.Close(), a.closeLog())
}
