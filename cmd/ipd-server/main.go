package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ehr/ipd/internal/config"
	"github.com/ehr/ipd/internal/domain/admission"
	"github.com/ehr/ipd/internal/domain/bed"
	"github.com/ehr/ipd/internal/domain/discharge"
	"github.com/ehr/ipd/internal/domain/ledger"
	"github.com/ehr/ipd/internal/platform/auth"
	"github.com/ehr/ipd/internal/platform/db"
	"github.com/ehr/ipd/internal/platform/logging"
	"github.com/ehr/ipd/internal/platform/metrics"
	"github.com/ehr/ipd/internal/platform/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ipd-server",
		Short: "In-patient admission, billing and discharge API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(bedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// connect loads configuration and opens the pool shared by every command.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	logger := logging.Setup(cfg.LogFormat, cfg.LogLevel)
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:              cfg.DatabaseURL,
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		StatementTimeout: cfg.DBStatementTimeout,
	})
	if err != nil {
		return nil, nil, logger, err
	}
	return cfg, pool, logger, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, logger, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, db.Migrations(), logger).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, logger, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations(), logger).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func bedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bed",
		Short: "Manage the bed register",
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Register beds from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			beds, err := parseSeed(f)
			if err != nil {
				return err
			}

			ctx := context.Background()
			_, pool, logger, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			res, err := seedBeds(ctx, bed.NewRegistry(bed.NewRepo(pool), logger, nil), beds)
			if err != nil {
				return err
			}
			fmt.Printf("Registered %d bed(s), skipped %d existing.\n", res.created, res.skipped)
			return nil
		},
	}
	seedCmd.Flags().String("file", "", "JSON array of beds: code, ward_name, room_category, daily_rate")
	cmd.AddCommand(seedCmd)

	return cmd
}

// app is the wired service graph.
type app struct {
	echo         *echo.Echo
	orchestrator *discharge.Orchestrator
	idempotency  *middleware.MemoryIdempotencyStore
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, m *metrics.Collector) *app {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, middleware.IdempotencyKeyHeader},
	}))

	// Repositories and services
	txm := db.NewTxManager(pool)
	beds := bed.NewRegistry(bed.NewRepo(pool), logger, m)
	entries := ledger.NewService(ledger.NewRepo(pool), logger, m)
	admissions := admission.NewService(admission.NewRepo(pool), beds, entries, txm, logger, m)
	entries.SetTotalsRefresher(admissions)
	orch := discharge.New(discharge.NewRepo(pool), admissions, entries, beds, discharge.Config{
		StepAttempts: cfg.DischargeStepAttempts,
		StepBackoff:  cfg.DischargeStepBackoff,
	}, logger, m)

	// API
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	}
	if len(cfg.AuthSigningKey) > 0 {
		jwt := auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
		if cfg.IsDev() {
			// Token-less dev requests already carry the dev user.
			apiV1.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
				protected := jwt(next)
				return func(c echo.Context) error {
					if c.Request().Header.Get("Authorization") == "" {
						return next(c)
					}
					return protected(c)
				}
			})
		} else {
			apiV1.Use(jwt)
		}
	}
	store := middleware.NewMemoryIdempotencyStore(cfg.IdempotencyTTL)
	apiV1.Use(middleware.Idempotency(store))

	bed.NewHandler(beds).RegisterRoutes(apiV1)
	ledger.NewHandler(entries).RegisterRoutes(apiV1)
	admission.NewHandler(admissions).RegisterRoutes(apiV1)
	discharge.NewHandler(orch).RegisterRoutes(apiV1)

	// Operational endpoints
	migrator := db.NewMigrator(pool, db.Migrations(), logger)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, migrator))
	e.GET("/metrics", m.Handler())

	return &app{echo: e, orchestrator: orch, idempotency: store}
}

func runServer() error {
	ctx := context.Background()
	cfg, pool, logger, err := connect(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer pool.Close()
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	logger.Info().Msg("connected to database")

	a := newApp(cfg, pool, logger, metrics.NewCollector())
	defer a.idempotency.Stop()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	// In-flight discharges run detached from the request context; give them
	// the same window to reach a resumable state.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
