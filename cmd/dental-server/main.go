package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/dentalchart/internal/config"
	"github.com/ehr/dentalchart/internal/domain/chartsession"
	"github.com/ehr/dentalchart/internal/domain/consultation"
	"github.com/ehr/dentalchart/internal/domain/dentalchart"
	"github.com/ehr/dentalchart/internal/platform/db"
	"github.com/ehr/dentalchart/internal/platform/middleware"
	"github.com/ehr/dentalchart/internal/platform/websocket"
)

const writeTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "dental-server",
		Short: "Dental chart and consultation API server",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dental chart API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				var (
					count int
					err   error
				)
				if target > 0 {
					count, err = m.UpTo(ctx, target)
				} else {
					count, err = m.Up(ctx)
				}
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this migration version (0 applies all)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd, statuses)
				return nil
			})
		},
	})
	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, db.Migrations()))
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-8s %-40s %s\n", "VERSION", "NAME", "APPLIED")
	for _, s := range statuses {
		applied := "pending"
		if s.AppliedAt != nil {
			applied = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%-8d %-40s %s\n", s.Version, s.Name, applied)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if !cfg.IsDev() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	hub := websocket.NewHub(logger)
	registerHubMetrics(hub)
	rt, err := buildRealtime(cfg, pool, hub, connectNATS, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start realtime feed")
	}
	defer rt.Close()
	logger.Info().Str("source", cfg.RealtimeSource).Msg("realtime feed ready")

	teeth := dentalchart.NewService(dentalchart.NewToothRecordRepoPG(pool), rt.Publisher, logger)
	consultations := consultation.NewService(consultation.NewConsultationRepoPG(pool), logger)
	if rt.Messages != nil {
		consultations.SetCompletionNotifier(&completionNotifier{pub: rt.Messages, logger: logger})
	}

	mgr := chartsession.NewManager(chartsession.Deps{
		Teeth:         teeth,
		Consultations: consultations,
		Feed:          rt.Feed,
		Hub:           hub,
		Logger:        logger,
		Config: chartsession.Config{
			QuietPeriod:       cfg.AutosaveQuietPeriod,
			ReloadDelay:       cfg.ReloadDelay,
			WriteTimeout:      writeTimeout,
			MinConfidence:     cfg.ExtractionMinConfidence,
			NoEvidencePenalty: cfg.SuggestionNoEvidencePenalty,
		},
	})

	e := newEcho(cfg, logger)

	var checks []db.Check
	if rt.NATS != nil {
		nc := rt.NATS
		checks = append(checks, db.Check{Name: "nats", Fn: func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}})
	}
	e.GET("/health", db.HealthHandler(pool, checks...))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	websocket.NewHandler(hub).RegisterRoutes(e.Group(""))

	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rl))
	chartsession.NewHandler(mgr).RegisterRoutes(apiV1)
	consultation.NewHandler(consultations).RegisterRoutes(apiV1)
	dentalchart.NewHandler(teeth).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Int("sessions", mgr.Len()).Msg("closing chart sessions")
	mgr.CloseAll()
	logger.Info().Msg("server stopped")
	return nil
}

func registerHubMetrics(hub *websocket.Hub) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dental",
		Subsystem: "ws",
		Name:      "clients",
		Help:      "Connected websocket clients",
	}, func() float64 { return float64(hub.ClientCount()) })
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "dental",
		Subsystem: "ws",
		Name:      "dropped_events_total",
		Help:      "Events dropped because a client send buffer was full",
	}, func() float64 { return float64(hub.Dropped()) })
}

func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	return e
}
