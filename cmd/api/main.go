// Package main is the entry point for the scheduling assistant server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/meeting-scheduler/internal/config"
	"github.com/capitalize-ai/meeting-scheduler/internal/db"
	"github.com/capitalize-ai/meeting-scheduler/internal/gcal"
	"github.com/capitalize-ai/meeting-scheduler/internal/handler"
	"github.com/capitalize-ai/meeting-scheduler/internal/llm"
	"github.com/capitalize-ai/meeting-scheduler/internal/middleware"
	natsclient "github.com/capitalize-ai/meeting-scheduler/internal/nats"
	"github.com/capitalize-ai/meeting-scheduler/internal/oauth"
	"github.com/capitalize-ai/meeting-scheduler/internal/service"
	"github.com/capitalize-ai/meeting-scheduler/internal/slack"
	"github.com/capitalize-ai/meeting-scheduler/internal/slots"
	"github.com/capitalize-ai/meeting-scheduler/internal/store"
	"github.com/capitalize-ai/meeting-scheduler/internal/tools"
	"github.com/capitalize-ai/meeting-scheduler/pkg/logger"
	"github.com/capitalize-ai/meeting-scheduler/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log.Info("starting scheduler", zap.String("store", cfg.StoreBackend), zap.String("llm", cfg.DefaultLLM))

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "meeting-scheduler", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Business calendar
	cal := slots.DefaultCalendar()
	if cfg.BusinessCalendarFile != "" {
		loaded, err := config.LoadCalendar(cfg.BusinessCalendarFile)
		if err != nil {
			return err
		}
		cal = loaded
	}

	checks := map[string]handler.Check{}

	// NATS backs the KV store and the audit stream
	var natsClient *natsclient.Client
	if cfg.StoreBackend == config.StoreNATS || cfg.AuditEnabled {
		var err error
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "meeting-scheduler",
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()
		checks["nats"] = natsClient.Ping
	}

	st, err := openStore(ctx, cfg, natsClient, checks)
	if err != nil {
		return err
	}
	defer st.Close()
	if p, ok := st.(store.Purger); ok && cfg.PurgeInterval > 0 {
		purgeCtx, stopPurge := context.WithCancel(ctx)
		defer stopPurge()
		go store.RunPurger(purgeCtx, p, cfg.PurgeInterval, log)
	}

	// Audit trail
	var (
		auditor *service.Auditor
		events  handler.EventReader
	)
	if cfg.AuditEnabled {
		streams := natsclient.NewStreamManager(natsClient)
		if err := streams.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure audit stream: %w", err)
		}
		auditor = service.NewAuditor(streams, log)
		events = streams
	}

	// AI engine
	engine, err := newEngine(cfg, log)
	if err != nil {
		return err
	}

	// Calendar, chat and credentials
	renderer := slack.NewRenderer(cal.Location)
	chat := slack.NewClient(cfg.SlackBotToken, renderer, log)
	gate := oauth.NewGate(st, oauth.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthRedirectURL()), oauth.GateConfig{
		StateSecret:   []byte(cfg.JWTSecret),
		StateTTL:      cfg.OAuthStateTTL,
		RefreshMargin: cfg.TokenRefreshSkew,
	}, log)
	executor := tools.NewExecutor(slots.NewEngine(cal), gcal.NewSource(cal.Location, log), gate, chat, log)

	// Services
	convs := service.NewConversationService(st, cfg.ConversationTTL, auditor, log)
	loop := service.NewToolLoop(convs, engine, executor, gate, st, st, auditor, service.LoopConfig{
		MaxIterations: cfg.MaxIterations,
		ActionTTL:     cfg.ActionTTL,
		DeferredTTL:   cfg.DeferredTTL,
		Calendar:      cal,
	}, log)
	controller := service.NewController(convs, st, executor, auditor, cal.Location, log)
	resume := service.NewResumeController(gate, st, loop, chat, auditor, log)

	// Handlers
	dispatch := handler.AsyncDispatcher(cfg.HandlerTimeout)
	healthHandler := handler.NewHealthHandler(checks)
	slackHandler := handler.NewSlackHandler(loop, controller, chat, dispatch, log)
	if botID, err := chat.BotUserID(ctx); err != nil {
		log.Warn("bot user unknown, only leading mentions will be removed", zap.Error(err))
	} else {
		slackHandler.WithBotUserID(botID)
	}
	oauthHandler := handler.NewOAuthHandler(resume, dispatch, log)
	messageHandler := handler.NewMessageHandler(loop, convs, controller, gate, log)
	conversationHandler := handler.NewConversationHandler(convs, events, log)
	streamHandler := handler.NewStreamHandler(convs, events, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Slack webhooks are authenticated by request signature
	r.Route("/slack", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests*10, cfg.RateLimitWindow))
		r.Use(middleware.SlackVerify(cfg.SlackSigningSecret))
		r.Post("/events", slackHandler.Events)
		r.Post("/interactive", slackHandler.Interactive)
	})

	r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).
		Get("/oauth/google/callback", oauthHandler.Callback)

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS())
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", conversationHandler.Get)
			r.Delete("/", conversationHandler.Delete)
			r.Post("/messages", messageHandler.Send)
			r.Get("/events", conversationHandler.Events)
			r.Get("/stream", streamHandler.Stream)
		})
		r.Post("/actions/{token}", messageHandler.Action)
		r.Get("/oauth/authorize", messageHandler.Authorize)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// openStore selects the persistence backend.
func openStore(ctx context.Context, cfg *config.Config, nc *natsclient.Client, checks map[string]handler.Check) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreNATS:
		kv, err := natsclient.NewKVStore(ctx, nc, natsclient.KVConfig{
			ConversationTTL: cfg.ConversationTTL,
			ActionTTL:       cfg.ActionTTL,
			DeferredTTL:     cfg.DeferredTTL,
			Replicas:        cfg.NATSReplicas,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open KV store: %w", err)
		}
		return kv, nil
	case config.StoreSQL:
		gs, err := db.NewGormStore(cfg.DatabaseDriver, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		checks["database"] = gs.Ping
		return gs, nil
	default:
		return store.NewMemory(), nil
	}
}

func newEngine(cfg *config.Config, log *logger.Logger) (llm.Client, error) {
	opts := llm.Options{APIKey: cfg.AnthropicAPIKey, Model: cfg.AnthropicModel}
	if llm.Provider(cfg.DefaultLLM) == llm.ProviderOpenAI {
		opts = llm.Options{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel}
	}
	client, err := llm.NewClient(llm.Provider(cfg.DefaultLLM), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return llm.NewRetryClient(client, cfg.LLMMaxRetries, cfg.LLMTimeout, log), nil
}
