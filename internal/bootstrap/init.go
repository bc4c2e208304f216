// InitApp startup
//     │
//     ├─ 1. load hot-reload manager, watch config file
//     │
//     ├─ 2. build AI auditor + speech transcriber (optional, env-gated)
//     │
//     ├─ 3. build case store and transport hub
//     │
//     ├─ 4. build source factory, process-lifetime broadcaster, IPC router,
//     │     then start the broadcaster
//     │
//     └─ 5. build rate limiter and PC handler, pack and return AppDependencies

package bootstrap

import (
	"context"
	"fmt"
	"os"

	"meterengine/config"
	"meterengine/internal/ai"
	"meterengine/internal/broadcaster"
	"meterengine/internal/casestore"
	"meterengine/internal/logger"
	"meterengine/internal/meter"
	"meterengine/internal/middleware"
	"meterengine/internal/orchestrator"
	"meterengine/internal/pcapi"
	"meterengine/internal/r3r"
	"meterengine/internal/router"
	"meterengine/internal/source"
	"meterengine/internal/stt"
	"meterengine/internal/ws"
)

// AppDependencies holds all application dependencies.
// This is the root dependency container for the application.
type AppDependencies struct {
	Config       *config.Config
	Store        casestore.Store
	Broadcaster  *broadcaster.Broadcaster
	Hub          *ws.Hub
	Router       *router.Router
	PCHandler    *pcapi.Handler
	RateLimiter  *middleware.RateLimiter
	HotReloadMgr *config.HotReloadManager
}

// buildAuditor constructs the AI collaborator if cfg.AI.Enabled, returning
// nil (not an error) if disabled or if no API key is configured, matching
// ai.New's own nil-on-missing-key behavior.
func buildAuditor(cfg *config.Config) ai.Collaborator {
	if !cfg.AI.Enabled {
		return nil
	}
	var apiKey string
	if cfg.AI.APIKeyEnvVar != "" {
		apiKey = os.Getenv(cfg.AI.APIKeyEnvVar)
	}
	auditor, err := ai.New(ai.Config{
		APIKey:               apiKey,
		ModelName:            cfg.AI.ModelName,
		RequestTimeoutSecs:   cfg.AI.RequestTimeoutSecs,
		HistoryLimit:         cfg.AI.HistoryLimit,
		SystemPromptOverride: cfg.AI.SystemPromptOverride,
	})
	if err != nil {
		logger.Warn("failed_to_initialize_ai_auditor", "error", err)
		return nil
	}
	if auditor == nil {
		logger.Warn("ai_auditor_disabled_missing_api_key", "env_var", cfg.AI.APIKeyEnvVar)
		return nil
	}
	return auditor
}

// buildTranscriber constructs the speech-to-text collaborator if
// cfg.Speech.Enabled.
func buildTranscriber(cfg *config.Config) stt.Transcriber {
	if !cfg.Speech.Enabled {
		return nil
	}
	t := stt.New(stt.Config{APIKeyEnvVar: cfg.Speech.APIKeyEnvVar})
	if !t.Available() {
		logger.Warn("stt_transcriber_disabled_missing_api_key", "env_var", cfg.Speech.APIKeyEnvVar)
		return nil
	}
	return t
}

// buildBroadcaster constructs the process-lifetime broadcaster (component
// G), probing the source factory once up front and wiring it to rebuild
// on stall via the same factory.
func buildBroadcaster(cfg *config.Config, factory *source.Factory, sink broadcaster.EventSink) (*broadcaster.Broadcaster, error) {
	src, err := factory.Build(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to build meter source: %w", err)
	}

	classifier := meter.NewClassifier(cfg.Classifier.ToMeterClassifierConfig())

	rebuild := func() (source.Source, error) {
		return factory.Build(cfg.Meter)
	}

	bc := broadcaster.New("", src, classifier, cfg.Classifier.WindowSize, sink, rebuild)
	bc.SetTATrackerConfig(cfg.TATracker.ToTrackerConfig())
	bc.SetChargeConfig(cfg.Charge.ToTrackerConfig())
	return bc, nil
}

// InitApp initializes all core components and returns the dependency container.
func InitApp(cfg *config.Config, configPath string) (*AppDependencies, error) {
	logger.Info("initializing_components")

	logger.Info("initializing_hot_reload_manager")
	hotReloadMgr := config.NewHotReloadManager(cfg, configPath)
	hotReloadMgr.OnChange(func(newCfg *config.Config) {
		logger.SetLevel(newCfg.Logging.Level)
		logger.Info("configuration_reloaded",
			"log_level", newCfg.Logging.Level,
			"meter_mode", newCfg.Meter.Mode,
			"rate_limit_enabled", newCfg.RateLimit.Enabled,
		)
	})
	if err := hotReloadMgr.StartWatching(); err != nil {
		logger.Warn("failed_to_start_config_file_watching", "error", err)
	}

	auditor := buildAuditor(cfg)
	transcriber := buildTranscriber(cfg)

	store := casestore.NewMemoryStore()

	// The transport hub is the broadcaster's event sink and the router's
	// broadcast fan-out, so both sides need it before the broadcaster or
	// the router can be built. It needs the router as a Dispatcher too,
	// so it's constructed with a nil Dispatcher and patched once the
	// router exists (see below) — the two are mutually referential by
	// construction, not by accident.
	hub := ws.NewHub(cfg, nil)

	sourceFactory := source.NewFactory()
	bc, err := buildBroadcaster(cfg, sourceFactory, hub)
	if err != nil {
		logger.Error("failed_to_initialize_broadcaster", "error", err)
		return nil, fmt.Errorf("failed to initialize broadcaster: %w", err)
	}

	defaultMode := orchestrator.Mode(cfg.Session.DefaultMode)
	if defaultMode != orchestrator.ModeStructured && defaultMode != orchestrator.ModeConversational {
		defaultMode = orchestrator.ModeStructured
	}

	r := router.New(router.Deps{
		Store:          store,
		Auditor:        auditor,
		Transcriber:    transcriber,
		Broadcaster:    bc,
		Broadcast:      hub.Broadcast,
		DefaultMode:    defaultMode,
		StartRudiments: cfg.Session.StartRudiments,
		EndRudiments:   cfg.Session.EndRudiments,
		NewR3RMachine: func() *r3r.Machine {
			return r3r.New(cfg.R3R.ToFlowLabels(), cfg.R3R.ToCommands())
		},
	})
	hub.SetDispatcher(r)

	logger.Info("starting_broadcaster")
	bc.Start(context.Background())

	rateLimiter := middleware.NewRateLimiter(
		cfg.RateLimit.Enabled,
		cfg.RateLimit.RequestsPerSecond,
		cfg.RateLimit.BurstSize,
		cfg.RateLimit.MaxConnections,
	)

	pcHandler := pcapi.NewHandler(store)

	logger.Info("all_components_initialized_successfully")
	return &AppDependencies{
		Config:       cfg,
		Store:        store,
		Broadcaster:  bc,
		Hub:          hub,
		Router:       r,
		PCHandler:    pcHandler,
		RateLimiter:  rateLimiter,
		HotReloadMgr: hotReloadMgr,
	}, nil
}
