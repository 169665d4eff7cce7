package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/formengine/internal/config"
	"github.com/ehr/formengine/internal/domain/adapters"
	"github.com/ehr/formengine/internal/domain/encounter"
	"github.com/ehr/formengine/internal/domain/form"
	"github.com/ehr/formengine/internal/domain/session"
	"github.com/ehr/formengine/internal/platform/auth"
	"github.com/ehr/formengine/internal/platform/db"
	"github.com/ehr/formengine/internal/platform/middleware"
	"github.com/ehr/formengine/internal/platform/recordstore"
	"github.com/ehr/formengine/internal/platform/telemetry"
	"github.com/ehr/formengine/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "form-engine",
		Short: "Clinical form engine API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(lintCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the form engine API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationFiles returns the embedded migrations unless dir overrides them.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationFiles(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(dir)).Status(ctx)
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
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func lintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint <schema.json>",
		Short: "Check a form schema's expressions and calculation order",
		Long: "Flattens a form schema, compiles every expression it carries and prints " +
			"the order calculated fields are initialized in. Use - to read from stdin.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			ok, err := lintSchema(in, cmd.OutOrStdout(), asJSON)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("schema has invalid expressions")
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print the report as JSON")
	return cmd
}

// lintSchema writes a lint report for the schema read from in and reports
// whether every expression compiled.
func lintSchema(in io.Reader, out io.Writer, asJSON bool) (bool, error) {
	var f form.Form
	if err := json.NewDecoder(in).Decode(&f); err != nil {
		return false, fmt.Errorf("decode schema: %w", err)
	}
	report, err := session.Lint(&f, adapters.NewRegistry())
	if err != nil {
		return false, err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return report.OK(), enc.Encode(report)
	}

	fmt.Fprintf(out, "%s: %d field(s)\n", firstNonEmpty(f.Name, "form"), report.Fields)
	if len(report.Order) > 0 {
		fmt.Fprintln(out, "calculation order:")
		for i, id := range report.Order {
			fmt.Fprintf(out, "  %2d. %s\n", i+1, id)
		}
	}
	for _, c := range report.Cycles {
		fmt.Fprintf(out, "cycle: %s\n", c)
	}
	for _, u := range report.Unknowns {
		fmt.Fprintf(out, "warning: %s\n", u)
	}
	for _, is := range report.Issues {
		loc := is.Field
		if loc == "" {
			loc = is.Container
		}
		fmt.Fprintf(out, "error: %s %s: %s\n    %s\n", loc, is.Property, is.Message, is.Expression)
	}
	return report.OK(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newEcho builds the HTTP server: global middleware, auth, health and
// metrics endpoints, and the form session API under /api/v1.
func newEcho(cfg *config.Config, logger zerolog.Logger, h *session.Handler, pinger db.Pinger, metrics *telemetry.Provider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.SchemaBodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pinger))
	e.GET("/metrics", metrics.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/submit"))
	h.RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.NewProvider("form-engine")

	// Record store
	records := encounter.NewRepo(pool)
	var store recordstore.Submitter
	if cfg.UsesRemoteRecordStore() {
		var opts []recordstore.ClientOption
		if cfg.RecordStoreToken != "" {
			opts = append(opts, recordstore.WithToken(cfg.RecordStoreToken))
		}
		store = recordstore.NewClient(cfg.RecordStoreURL, logger, opts...)
		logger.Info().Str("url", cfg.RecordStoreURL).Msg("submitting change-sets to remote record store")
	} else {
		store = recordstore.NewLocal(records)
	}

	svc := session.NewService(session.NewFormRepoPG(pool), records, store, adapters.NewRegistry(), logger, session.Options{
		BindingConcurrency: cfg.BindingConcurrency,
		SessionTTL:         cfg.SessionTTL,
		SubmitTimeout:      cfg.SubmitTimeout,
		Metrics:            metrics,
	})

	e := newEcho(cfg, logger, session.NewHandler(svc), pool, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server error")
		return err
	}
	logger.Info().Int("open_sessions", svc.Len()).Msg("server stopped")
	return nil
}
