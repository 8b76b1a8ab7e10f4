package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"voice-platform/internal/agents"
	"voice-platform/internal/audit"
	"voice-platform/internal/auth"
	"voice-platform/internal/calls"
	"voice-platform/internal/config"
	"voice-platform/internal/events"
	"voice-platform/internal/httpapi"
	"voice-platform/internal/mediastream"
	"voice-platform/internal/metrics"
	"voice-platform/internal/profile"
	"voice-platform/internal/store"
	"voice-platform/internal/telephony"
	"voice-platform/internal/voiceprovider"
	"voice-platform/internal/voicesocket"
	"voice-platform/pkg/logger"
	"voice-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// admissionTTL bounds how long a leaked admission slot can linger when a
// completed status callback never arrives.
const admissionTTL = 2 * time.Hour

// app is everything registerRoutes needs.
type app struct {
	cfg  config.Config
	auth *auth.Manager

	calls     *calls.Service
	ledger    *events.Ledger
	providers *voiceprovider.Registry
	profiles  profile.Builder
	audit     *audit.Service

	bridge    *mediastream.Bridge
	sockets   *voicesocket.Manager
	admission telephony.Admission

	registry *prometheus.Registry
	webhooks *metrics.Webhooks
	limiter  *httpapi.IPRateLimiter
}

func runServe(ctx context.Context, cfg config.Config) error {
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}

	db, err := store.Open(ctx, cfg.DB.Driver, cfg.DatabaseDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	if !cfg.IsProduction() {
		// Production runs `api migrate` as a release step.
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		return fmt.Errorf("redis init: %w", err)
	}
	defer rdb.Close()

	agentFile, err := agents.Load(cfg.Agents.File)
	if err != nil {
		return err
	}
	directory := agents.New(agentFile, cfg.Agents.DefaultAgentID, rdb, cfg.Agents.OverrideTTL)

	callSvc := calls.NewService(calls.NewSQLRepo(db))
	ledger := events.NewLedger(events.NewSQLRepo(db), callSvc)

	dialer := telephony.NewTwilioDialer(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.App.PublicURL, cfg.Twilio.FromNumber)
	providers := voiceprovider.Build(cfg, voiceprovider.Deps{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Dialer:     dialer,
		Agents:     directory,
	})
	active, err := providers.Active()
	if err != nil {
		return fmt.Errorf("voice provider: %w", err)
	}
	if missing := providers.MissingSecrets(); len(missing) > 0 && cfg.IsProduction() {
		log.Warn("voice providers without webhook secret reject every webhook", "providers", missing)
	}
	log.Info("voice providers registered", "active", active.Name(), "all", providers.Names())

	bridge := mediastream.NewBridge(nil, directory, callSvc)
	sockets := voicesocket.NewManager(voicesocket.Config{
		URL:               cfg.Voice.AwazSocketURL,
		APIKey:            cfg.Voice.Awaz.APIKey,
		HeartbeatInterval: cfg.Voice.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Voice.HeartbeatTimeout,
	}, bridge, log)
	if cfg.Voice.AwazSocketURL != "" {
		bridge.SetRelay(sockets)
	} else {
		log.Warn("AWAZ_SOCKET_URL not set; media streams are accepted but not relayed")
	}
	sockets.Start(ctx)

	a := &app{
		cfg:       cfg,
		auth:      authManager,
		calls:     callSvc,
		ledger:    ledger,
		providers: providers,
		profiles:  profile.NewBuilder(profile.OpenAIConfig{APIKey: cfg.OpenAI.APIKey, Model: cfg.OpenAI.Model}),
		audit:     audit.NewService(audit.NewSQLRepo(db)),
		bridge:    bridge,
		sockets:   sockets,
		registry:  prometheus.NewRegistry(),
		webhooks:  metrics.NewWebhooks(),
		limiter: httpapi.NewIPRateLimiter(httpapi.RateLimitConfig{
			Rate:  rate.Limit(cfg.RateLimit.WebhookRPS),
			Burst: cfg.RateLimit.WebhookBurst,
		}),
	}
	if n := cfg.Voice.MaxConcurrentStreams; n > 0 {
		capacity, err := utils.NewConcurrencyCap(rdb, n, admissionTTL)
		if err != nil {
			return err
		}
		a.admission = capacity
	}
	if err := metrics.Register(a.registry,
		metrics.NewCollector(bridge, sockets, callSvc, time.Now()),
		a.webhooks,
	); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	go a.limiter.Run(ctx)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, logger.Options{
		QuietPaths: []string{"/webhooks/twilio/stream", "/webhooks/twilio/audio"},
	}))
	registerRoutes(r, a)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "public_url", cfg.App.PublicURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	sockets.Shutdown()
	bridge.Shutdown()
	log.Info("shutdown complete")
	return runErr
}
