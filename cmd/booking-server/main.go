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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/docbook/booking/internal/config"
	"github.com/docbook/booking/internal/domain/appointment"
	"github.com/docbook/booking/internal/domain/doctor"
	"github.com/docbook/booking/internal/platform/auth"
	"github.com/docbook/booking/internal/platform/cache"
	"github.com/docbook/booking/internal/platform/db"
	"github.com/docbook/booking/internal/platform/middleware"
	"github.com/docbook/booking/internal/platform/webhook"
	"github.com/docbook/booking/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "booking-server",
		Short: "Appointment slot booking API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(doctorsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			feed, _ := cmd.Flags().GetString("doctors-feed")
			return runServer(migrate, feed)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving (postgres only)")
	cmd.Flags().String("doctors-feed", "", "JSON doctor feed to import at startup")
	return cmd
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
			return withPool(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

// withPool connects to DATABASE_URL and hands fn a migrator over the embedded migrations.
func withPool(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Store != "postgres" {
		return fmt.Errorf("migrations need STORE=postgres, got %q", cfg.Store)
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, db.Migrations()))
}

func doctorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctors",
		Short: "Manage the doctor availability feed",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert doctors from a JSON feed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Store != "postgres" {
				return fmt.Errorf("doctors import needs STORE=postgres; use serve --doctors-feed with the memory store")
			}

			ctx := context.Background()
			logger := newLogger(cfg)
			st, err := openStores(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer st.close()

			n, err := importFeed(ctx, doctor.NewService(st.doctors, st.tx, logger), path)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d doctor(s).\n", n)
			return nil
		},
	}
	importCmd.Flags().String("file", "", "Path to a JSON array of doctor records")
	cmd.AddCommand(importCmd)
	return cmd
}

func importFeed(ctx context.Context, svc *doctor.Service, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()
	return svc.Import(ctx, f)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// stores is the persistence backing selected by STORE.
type stores struct {
	appts   appointment.Repository
	doctors doctor.Repository
	tx      doctor.TxRunner
	checks  map[string]db.Check
	close   func()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrate bool) (*stores, error) {
	if cfg.Store == "memory" {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return &stores{
			appts:   appointment.NewMemoryRepo(),
			doctors: doctor.NewMemoryRepo(),
			checks:  map[string]db.Check{},
			close:   func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	if migrate {
		n, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	return &stores{
		appts:   appointment.NewRepoPG(pool),
		doctors: doctor.NewRepoPG(pool),
		tx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		},
		checks: map[string]db.Check{"postgres": db.PoolCheck(pool)},
		close:  pool.Close,
	}, nil
}

// server is the assembled HTTP surface plus what must be released on shutdown.
type server struct {
	echo    *echo.Echo
	closers []func(ctx context.Context) error
}

func (s *server) shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	for _, c := range s.closers {
		if cerr := c(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, st *stores) (*server, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	srv := &server{}

	checks := make(map[string]db.Check, len(st.checks)+1)
	for name, c := range st.checks {
		checks[name] = c
	}

	// Dashboard cache (optional)
	var dashCache appointment.Cache
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL, 5, 2*time.Second, logger)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to redis")
		dashCache = cache.NewJSONCache(rdb, "booking:")
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		srv.closers = append(srv.closers, closeRedis(rdb))
	}

	// Outbound events: the live feed always, webhooks when configured
	hub := websocket.NewHub(logger)
	srv.closers = append(srv.closers, hub.Close)
	pubs := appointment.Publishers{hub}
	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			if err := webhook.ValidateURL(u); err != nil {
				return nil, fmt.Errorf("WEBHOOK_URLS: %w", err)
			}
			endpoints = append(endpoints, webhook.Endpoint{URL: u})
		}
		wp := webhook.NewPublisher(endpoints, cfg.WebhookSecret, logger)
		pubs = append(pubs, wp)
		srv.closers = append(srv.closers, wp.Close)
		logger.Info().Int("endpoints", len(endpoints)).Msg("webhook publisher started")
	}

	var pub appointment.Publisher = pubs

	// Services
	doctorSvc := doctor.NewService(st.doctors, st.tx, logger)
	calendar := appointment.NewCalendar(st.appts, st.doctors, loc, time.Now)
	booking := appointment.NewBookingService(st.appts, st.doctors, calendar, pub, logger)
	lifecycle := appointment.NewLifecycleService(st.appts, pub, logger)
	payments := appointment.NewPaymentReconciler(st.appts, pub, logger)
	dashboard := appointment.NewDashboardAggregator(st.appts, doctorSvc, dashCache, cfg.DashboardCacheTTL, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	srv.echo = e

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.Secure())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", db.HealthHandler(checks))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	doctor.NewHandler(doctorSvc).RegisterRoutes(apiV1)
	appointment.NewHandler(st.appts, calendar, booking, lifecycle, payments, dashboard).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, appointment.FeedTopics, cfg.CORSOrigins).RegisterRoutes(apiV1)

	return srv, nil
}

func closeRedis(rdb *redis.Client) func(context.Context) error {
	return func(context.Context) error { return rdb.Close() }
}

func runServer(migrate bool, feedPath string) error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger, migrate)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.close()

	if feedPath != "" {
		n, err := importFeed(ctx, doctor.NewService(st.doctors, st.tx, logger), feedPath)
		if err != nil {
			logger.Fatal().Err(err).Str("file", feedPath).Msg("failed to import doctor feed")
		}
		logger.Info().Int("doctors", n).Msg("doctor feed loaded")
	}

	srv, err := newServer(ctx, cfg, logger, st)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
