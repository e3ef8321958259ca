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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"zk-bridge/bot"
	"zk-bridge/config"
	"zk-bridge/internal/adapter"
	"zk-bridge/internal/device"
	"zk-bridge/internal/device/zkteco"
	"zk-bridge/internal/handlers"
	"zk-bridge/internal/metrics"
	"zk-bridge/internal/repository"
	"zk-bridge/internal/services"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if !cfg.EnvFileLoaded {
		logger.Debug("no .env file loaded, using environment only")
	}

	// Create application context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := initApplication(cfg, logger)

	// Telegram alerts are optional
	if cfg.TelegramBotToken != "" {
		b, err := bot.New(cfg.TelegramBotToken, cfg.AuthorizedChatID, logger.Named("bot"))
		if err != nil {
			logger.Warn("failed to init telegram bot", zap.Error(err))
		} else {
			app.scheduler.SetNotifier(b)
			b.StartPolling(ctx, app.statusText)
		}
	}

	if cfg.AutoSyncOnStart {
		st := app.scheduler.Start(cfg.AutoSyncInterval)
		logger.Info(st.Message)
	}

	server := &http.Server{
		Addr:        cfg.Addr,
		Handler:     app.router,
		ReadTimeout: 10 * time.Second,
		// enrollment blocks until the employee has scanned three times
		WriteTimeout: cfg.EnrollTimeout + cfg.ConnectTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("bridge listening", zap.String("addr", cfg.Addr), zap.String("version", version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	app.scheduler.Stop()
	app.pool.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	logger.Info("bridge stopped")
}

type application struct {
	pool      *device.Pool
	scheduler *services.Scheduler
	router    *gin.Engine
}

func (a *application) statusText() string {
	st := a.scheduler.Status()
	return fmt.Sprintf("%s\nActive device connections: %d", st.Message, a.pool.Active())
}

// initApplication initializes all application dependencies
func initApplication(cfg *config.Config, logger *zap.Logger) *application {
	dialer := adapter.NewDialer(zkteco.Options{
		ConnectTimeout:  cfg.ConnectTimeout,
		ResponseTimeout: cfg.ResponseTimeout,
		EnrollTimeout:   cfg.EnrollTimeout,
		Location:        time.Local,
	}, logger.Named("adapter"))
	pool := device.NewPool(dialer.DialOrSimulate, logger.Named("pool"))
	m := metrics.New(func() float64 { return float64(pool.Active()) })

	// Initialize repositories with PocketBase REST API
	pb := repository.NewClient(cfg.PocketBaseURL, cfg.PocketBaseToken, logger.Named("pocketbase"))
	deviceRepo := repository.NewPocketBaseDeviceRepository(pb)
	employeeRepo := repository.NewPocketBaseEmployeeRepository(pb)
	attendanceRepo := repository.NewPocketBaseAttendanceRepository(pb, cfg.BatchSize)
	auditRepo := repository.NewPocketBaseSyncAuditRepository(pb)
	templateRepo := repository.NewPocketBaseTemplateRepository(pb)

	// Initialize services
	syncService := services.NewSyncService(pool, employeeRepo, attendanceRepo, auditRepo, deviceRepo, m,
		logger.Named("sync"), services.SyncOptions{
			ConnectTimeout: cfg.ConnectTimeout,
			Window:         cfg.SyncWindow,
		})
	deviceService := services.NewDeviceService(pool, deviceRepo, templateRepo, m, logger.Named("device"), cfg.ConnectTimeout)
	scheduler := services.NewScheduler(syncService, deviceRepo, bot.Nop{}, logger.Named("scheduler"))

	// Initialize handlers
	gin.SetMode(gin.ReleaseMode)
	handler := handlers.NewDeviceHandler(deviceService, syncService, scheduler, pool, version, logger.Named("http"))
	router := handlers.NewRouter(handler, m.Handler(), logger.Named("http"))

	return &application{pool: pool, scheduler: scheduler, router: router}
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}
