package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/provia/docchat/internal/api"
	"github.com/provia/docchat/internal/chat"
	"github.com/provia/docchat/internal/config"
	"github.com/provia/docchat/internal/extract"
	"github.com/provia/docchat/internal/llm"
	"github.com/provia/docchat/internal/logger"
	"github.com/provia/docchat/internal/maintenance"
	"github.com/provia/docchat/internal/session"
	"github.com/provia/docchat/internal/storage"
	"github.com/provia/docchat/internal/upload"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := os.Getenv("DOCCHAT_CONFIG")
	if configPath == "" {
		// Default to a config file next to the executable
		exePath, err := os.Executable()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get executable path: %v\n", err)
			os.Exit(1)
		}
		configPath = filepath.Join(filepath.Dir(exePath), "docchat.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create directories: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging)
	defer log.Sync()

	if err := run(cfg, configPath, log); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, configPath string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway := extract.NewGateway(cfg.Extraction, log)

	// Initialize storage
	store, err := storage.NewLocalStore(cfg.Storage.UploadsDirectory, cfg.Storage.RegistryFile, gateway, log)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	gen, err := llm.New(ctx, cfg.LLM, log)
	if err != nil {
		return fmt.Errorf("initializing generator: %w", err)
	}

	persona := session.Persona{Name: cfg.Assistant.Name, Organization: cfg.Assistant.Organization}
	sessionMgr := session.NewManager(store, gateway, persona, log)
	engine := chat.NewEngine(gen, cfg.ReplyTimeout(), log)

	bodyLimit, _ := config.ParseByteSize(cfg.Server.BodyLimit)

	uploadMgr, err := upload.NewManager(cfg.Storage.UploadsDirectory, store, bodyLimit, log)
	if err != nil {
		return fmt.Errorf("initializing upload manager: %w", err)
	}

	// Start background session and upload cleanup
	sessionTimeout := time.Duration(cfg.Session.TimeoutMinutes) * time.Minute
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Session.CleanupIntervalMinutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sessions := sessionMgr.CleanupOldSessions(sessionTimeout)
				jobs := uploadMgr.CleanupOldJobs(sessionTimeout)
				chunks := uploadMgr.CleanupStaleChunks(sessionTimeout)
				if sessions+jobs+chunks > 0 {
					log.Info("cleanup finished", zap.Int("sessions", sessions), zap.Int("jobs", jobs), zap.Int("chunkDirs", chunks))
				}
			}
		}
	}()

	// Registry scan reports missing artifacts; repair stays explicit
	if schedule := cfg.Maintenance.RegistryScanSchedule; schedule != "" {
		scheduler := maintenance.NewScheduler(store, log)
		if err := scheduler.Start(schedule); err != nil {
			return fmt.Errorf("invalid maintenance.registryScanSchedule: %w", err)
		}
		defer scheduler.Stop()
		scheduler.Scan()
	}

	e := echo.New()
	e.HideBanner = true
	api.SetupMiddleware(e, log)

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/api/health"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error("panic recovered", zap.Error(err), zap.ByteString("stack", stack))
			return err
		},
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/ask") ||
				strings.HasSuffix(path, "/ingest") ||
				strings.HasSuffix(path, "/activate") ||
				strings.Contains(path, "/upload")
		},
		ErrorMessage: "Request timeout",
	}))

	// Body limit middleware
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	// CORS configuration
	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		Store:        store,
		Sessions:     sessionMgr,
		Engine:       engine,
		Uploads:      uploadMgr,
		Provider:     gen.Provider(),
		Model:        gen.Model(),
		Version:      Version,
		MaxFileBytes: bodyLimit,
		Log:          log,
	}))

	// Configure server with settings from config
	s := &http.Server{
		Addr:        cfg.GetServerAddr(),
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// Zero keeps streamed replies open as long as they run
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	log.Info("docchat server starting",
		zap.String("version", Version),
		zap.String("buildTime", BuildTime),
		zap.String("config", configPath),
		zap.String("listen", cfg.GetServerAddr()),
		zap.String("dataDir", cfg.Storage.DataDirectory),
		zap.String("provider", gen.Provider()),
		zap.String("model", gen.Model()),
		zap.Int("documents", store.Count()))

	errCh := make(chan error, 1)
	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	uploadMgr.Wait()
	return nil
}
