package app

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tsagent/internal/config"
	"tsagent/internal/errors"
	"tsagent/internal/infrastructure"
	"tsagent/internal/license"
	customMiddleware "tsagent/internal/middleware"
	"tsagent/internal/security"
	"tsagent/internal/services"
	handlers "tsagent/internal/transport/http"
	"tsagent/internal/updater"
	ws "tsagent/internal/websocket"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
)

var (
	// BuildTime is set at compile time via -ldflags; the fallback keeps
	// development builds honest about when they were produced.
	BuildTime = time.Now().UTC().Format(time.RFC3339)
	// BuildID identifies this build in health and version responses.
	BuildID = generateBuildID()
)

func generateBuildID() string {
	h := sha256.New()
	h.Write([]byte(config.AppVersion))
	h.Write([]byte(time.Now().Format("2006-01-02")))
	return fmt.Sprintf("%x", h.Sum(nil))[:12]
}

// Application is the main container: it owns every long-lived component
// of the agent process and coordinates startup and shutdown between them.
type Application struct {
	Config *config.Config
	Paths  *config.Paths
	Router *chi.Mux
	Server *http.Server

	LicenseManager *license.Manager
	Distributor    *license.Distributor
	Scheduler      *license.RefreshScheduler

	Updater       *updater.Updater
	UpdateChecker *updater.AutoUpdateChecker

	Vault           *security.Vault
	CredentialStore *security.CredentialStore

	LicenseService services.LicenseService
	UpdateService  services.UpdateService
	VaultService   services.VaultService
	HealthService  *services.HealthService

	WebSocketHub *ws.Hub
	LicenseGate  *customMiddleware.LicenseGate

	Logger         *slog.Logger
	OTelProviders  *infrastructure.OTelProviders
	RuntimeMetrics *infrastructure.RuntimeMetricsCollector
}

// NewApplication creates a fully wired application instance. Components
// that need a configured remote (license distributor, updater) degrade
// to nil when their endpoint is absent; the services layer answers for
// them with explicit "not configured" responses instead.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("build_id", BuildID))

	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}
	paths.LogPathResolution()

	// Missing artifacts are not fatal here; the manager reports the
	// unlicensed state and refresh can install one later.
	if !config.FileExists(paths.LicenseFile) {
		logger.Warn("License artifact not found",
			slog.String("path", paths.LicenseFile),
			slog.String("action", "agent starts unlicensed until an artifact is installed"))
	}

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	if err := ws.InitOTelMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize WebSocket metrics: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Paths:         paths,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices builds the licensing core, the vault, the update
// machinery and the service layer in dependency order.
func (a *Application) initializeServices() error {
	manager, err := license.NewManager(a.Config, a.Paths)
	if err != nil {
		return fmt.Errorf("failed to initialize license manager: %w", err)
	}
	a.LicenseManager = manager

	hub := ws.NewHub(a.Logger)
	hub.Start()
	a.WebSocketHub = hub

	// State transitions reach operator consoles as they happen, not on
	// the next poll.
	manager.SetStateChangeHandler(func(previous, current license.State) {
		hub.PublishLicenseStatus(previous.String(), current.String())
	})

	keyPath := a.Config.Vault.KeyFile
	if keyPath == "" {
		keyPath = a.Paths.VaultKeyFile
	}
	a.Vault = security.NewVault(keyPath)
	a.CredentialStore = security.NewCredentialStore(a.Paths.CredentialsFile, a.Vault)

	if a.Config.Licensing.SourceURL != "" {
		distributor, err := license.NewDistributor(a.Config.Licensing, a.Paths, manager)
		if err != nil {
			return fmt.Errorf("failed to initialize license distributor: %w", err)
		}
		a.Distributor = distributor
	} else {
		a.Logger.Warn("No license source configured",
			slog.String("action", "remote refresh disabled, installed artifact only"))
	}

	notifyRefresh := func(event license.SchedulerEvent) {
		hub.PublishRefreshComplete(event.Outcome.String(), event.State.String(), event.CheckedAt)
	}
	if a.Distributor != nil && a.Config.Licensing.RefreshEnabled {
		a.Scheduler = license.NewRefreshScheduler(
			manager,
			a.Distributor,
			a.Config.Licensing.RefreshInterval,
			notifyRefresh,
		)
	}

	if a.Config.Update.Enabled && a.Config.Update.ManifestURL != "" {
		upd, err := updater.NewUpdater(a.Config.Update, a.Paths)
		if err != nil {
			return fmt.Errorf("failed to initialize updater: %w", err)
		}
		a.Updater = upd
	} else {
		a.Logger.Info("Self-update disabled",
			slog.Bool("enabled", a.Config.Update.Enabled),
			slog.Bool("manifest_url_set", a.Config.Update.ManifestURL != ""))
	}

	a.LicenseService = services.NewLicenseService(manager, a.Distributor, a.Paths, a.Logger, notifyRefresh)
	a.UpdateService = services.NewUpdateService(a.Updater, a.Logger)
	a.VaultService = services.NewVaultService(a.Vault, a.CredentialStore, a.Paths, a.Logger)
	a.HealthService = services.NewHealthService(
		config.AppVersion,
		BuildTime,
		BuildID,
		a.Paths,
		manager,
		hub,
		a.Logger,
	)

	if a.Updater != nil {
		a.UpdateChecker = updater.NewAutoUpdateChecker(
			a.Updater,
			a.Config.Update.CheckInterval,
			func(manifest *updater.UpdateManifest) {
				a.UpdateService.RecordAvailable(manifest)
				hub.PublishUpdateAvailable(manifest.Version, manifest.Notes)
			},
		)
	}

	// Meters are optional: a nil metrics handle means instruments were
	// unavailable and recording becomes a no-op.
	if a.OTelProviders.Meter != nil {
		if metrics, err := license.InitializeLicenseMetrics(a.OTelProviders.Meter); err != nil {
			a.Logger.Warn("License metrics unavailable", slog.String("error", err.Error()))
		} else {
			manager.SetMetrics(metrics)
			if a.Distributor != nil {
				a.Distributor.SetMetrics(metrics)
			}
		}

		if collector, err := infrastructure.NewRuntimeMetricsCollector(a.OTelProviders.Meter, 30*time.Second); err != nil {
			a.Logger.Warn("Runtime metrics unavailable", slog.String("error", err.Error()))
		} else {
			a.RuntimeMetrics = collector
		}
	}

	return nil
}

// setupRouter configures the HTTP router with all routes.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// Minimal middleware that does not wrap the ResponseWriter; the
	// WebSocket upgrade needs the raw one.
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	// WebSocket route stays outside the full group: logging middleware
	// that wraps the writer breaks the hijack.
	r.With(customMiddleware.WebSocketTraceMiddleware(a.Logger)).HandleFunc(config.WebSocketEndpoint, a.handleWebSocket)

	r.Group(func(r chi.Router) {
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}

		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.SecurityHeaders)

		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(a.corsConfig()))
		}

		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(a.Config.Security.RateLimit, a.Logger).Handler)
		}

		gate := customMiddleware.NewLicenseGate(a.LicenseManager, a.Logger)
		if a.OTelProviders.Meter != nil {
			if gateMetrics, err := customMiddleware.NewMiddlewareMetrics(a.OTelProviders.Meter); err != nil {
				a.Logger.Warn("Gate metrics unavailable", slog.String("error", err.Error()))
			} else {
				gate.SetMetrics(gateMetrics)
			}
		}
		a.LicenseGate = gate
		r.Use(gate.Handler)

		a.setupAPIRoutes(r)
	})

	// Prometheus scrape endpoint outside the group: no gate, no logger.
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle(config.MetricsEndpoint, a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// setupAPIRoutes configures the /api surface.
func (a *Application) setupAPIRoutes(r chi.Router) {
	errorHandler := errors.NewErrorHandler(a.Logger, false)
	validation := customMiddleware.NewValidationMiddleware(a.Logger, errorHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		// Probes and version info answer fast or not at all.
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.Timeout(a.Config.Server.ReadTimeout, a.Logger))

			healthHandler := handlers.NewHealthHandler(a.HealthService, a.Logger)
			r.Mount("/health", healthHandler.Routes())
			r.Get("/version", healthHandler.Version)
			r.Get("/stats", healthHandler.Stats)
		})

		// The remaining handlers carry their own timeouts: refresh and
		// apply take longer than any sane outer read deadline.
		licenseHandler := handlers.NewLicenseHandler(a.LicenseService, a.Logger)
		r.Mount("/license", licenseHandler.Routes())

		updateHandler := handlers.NewUpdateHandler(a.UpdateService, a.Logger)
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.AuditLog(a.Logger))
			r.Mount("/update", updateHandler.Routes())
		})

		vaultHandler := handlers.NewVaultHandler(a.VaultService, validation, a.Logger)
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.AuditLog(a.Logger))
			r.Use(validation.ValidateRequest)
			r.Use(customMiddleware.ContentTypeValidator("application/json"))
			r.Mount("/vault", vaultHandler.Routes())
		})
	})
}

// corsConfig builds the CORS policy for the local control plane. The
// agent binds loopback, so cross-origin callers are browser consoles on
// the same machine.
func (a *Application) corsConfig() customMiddleware.CORSConfig {
	cfg := customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Content-Type",
			"X-Request-ID",
			"X-Requested-With",
		},
		ExposedHeaders: []string{
			"X-Request-ID",
		},
		AllowCredentials: true,
		MaxAge:           300,
		Logger:           a.Logger,
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)}
	}

	return cfg
}

// createServer creates the HTTP server. The agent is a local control
// plane: it binds loopback only, which is also why the API carries no
// authentication of its own.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf("127.0.0.1:%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start validates the license once synchronously, then brings up the
// background loops and the HTTP server. A failed validation is not
// fatal: the gate holds the door while refresh tries to recover.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.Int("port", a.Config.Server.Port))

	result, err := a.LicenseManager.Validate(ctx)
	switch {
	case err != nil:
		a.Logger.WarnContext(ctx, "Initial license validation failed",
			slog.String("error", err.Error()))
	case result.State == license.StateValid:
		a.Logger.InfoContext(ctx, "License validated",
			slog.String("state", result.State.String()),
			slog.Bool("degraded", result.Degraded))
	default:
		a.Logger.WarnContext(ctx, "Agent starting without valid license",
			slog.String("state", result.State.String()),
			slog.String("action", "protected endpoints return 403 until refresh succeeds"))
	}

	if a.Scheduler != nil {
		a.Scheduler.Start(ctx)
	}
	if a.UpdateChecker != nil {
		a.UpdateChecker.Start(ctx)
	}
	if a.RuntimeMetrics != nil {
		a.RuntimeMetrics.Start(ctx)
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if err := a.performStartupHealthCheck(ctx); err != nil {
		a.Logger.WarnContext(ctx, "Startup health check warnings",
			slog.String("warnings", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", fmt.Sprintf("http://127.0.0.1:%d", a.Config.Server.Port)))

	return nil
}

// Stop shuts the application down in reverse dependency order: stop
// accepting requests, stop the background loops, then flush telemetry.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.UpdateChecker != nil {
		a.UpdateChecker.Stop()
	}
	if a.RuntimeMetrics != nil {
		a.RuntimeMetrics.Stop()
	}
	a.WebSocketHub.Stop()

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry",
				slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return nil
}

// Run runs the application until interrupted.
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case <-ctx.Done():
		a.Logger.WarnContext(ctx, "Shutting down after internal error")
	}

	return a.Stop(context.Background())
}

// handleWebSocket upgrades a connection and hands it to the hub.
func (a *Application) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = fmt.Sprintf("ws-%d", time.Now().UnixNano())
	}

	ctx := infrastructure.WithTraceID(r.Context(), reqID)
	a.Logger.InfoContext(ctx, "WebSocket upgrade request",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("origin", r.Header.Get("Origin")))

	upgrader := websocket.Upgrader{
		ReadBufferSize:  a.Config.WebSocket.ReadBufferSize,
		WriteBufferSize: a.Config.WebSocket.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin; the loopback bind is
			// the access control for those.
			if origin == "" {
				return true
			}
			for _, allowed := range a.Config.Security.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			a.Logger.WarnContext(ctx, "WebSocket origin rejected",
				slog.String("origin", origin))
			return false
		},
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			a.Logger.ErrorContext(ctx, "WebSocket upgrade error",
				slog.Int("status", status),
				slog.String("reason", reason.Error()))
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.ErrorContext(ctx, "WebSocket upgrade failed",
			slog.String("error", err.Error()))
		return
	}

	client := ws.ServeWS(a.WebSocketHub, conn, reqID, a.Logger)

	a.Logger.InfoContext(ctx, "WebSocket client connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("client_id", client.ID()))
}

// performStartupHealthCheck verifies the critical directories are
// writable. Failures are warnings: a read-only updates directory should
// not keep licensing down.
func (a *Application) performStartupHealthCheck(ctx context.Context) error {
	var warnings []string

	directories := map[string]string{
		"base":    a.Paths.BaseDir,
		"license": a.Paths.LicenseDir,
		"updates": a.Paths.UpdatesDir,
		"logs":    a.Paths.LogsDir,
		"temp":    a.Paths.TempDir,
	}

	for name, dir := range directories {
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0600); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s directory not writable: %s", name, dir))
		} else {
			os.Remove(testFile)
		}
	}

	if len(warnings) > 0 {
		a.Logger.WarnContext(ctx, "Startup health check found issues",
			slog.Int("warning_count", len(warnings)))
		return fmt.Errorf("startup health check warnings: %s", strings.Join(warnings, "; "))
	}

	a.Logger.DebugContext(ctx, "Startup health check passed")
	return nil
}
