package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/auth"
	"github.com/MarcoPoloResearchLab/voyager/internal/config"
	"github.com/MarcoPoloResearchLab/voyager/internal/database"
	"github.com/MarcoPoloResearchLab/voyager/internal/gets"
	"github.com/MarcoPoloResearchLab/voyager/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/voyager/internal/ledger"
	"github.com/MarcoPoloResearchLab/voyager/internal/logging"
	"github.com/MarcoPoloResearchLab/voyager/internal/preferences"
	"github.com/MarcoPoloResearchLab/voyager/internal/server"
	"github.com/MarcoPoloResearchLab/voyager/internal/social"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const programName = "voyager-gets"

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "GET claim and ranking service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMigrateCommand(), newReconcileCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Storage driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Service token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("reconcile-interval", defaults.GetDuration("reconcile.interval"), "Interval between leaderboard reconciliation passes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "reconcile.interval", "reconcile-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and data migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadStorage(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDatabase(db)
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild leaderboard totals from the claim ledger once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadStorage(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDatabase(db)

			stack, err := buildStack(cmd.Context(), appConfig, db, logger, nil)
			if err != nil {
				return err
			}
			report, err := stack.reconciler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d entries, corrected %d\n", report.Checked, len(report.Corrected))
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		admin   bool
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for a transport adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			var roles []string
			if admin {
				roles = append(roles, auth.RoleAdmin)
			}
			token, expiresAt, err := issuer.Issue(subject, roles...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "transport", "Token subject naming the adapter")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	return database.Open(database.Config{
		Driver:  appConfig.DatabaseDriver,
		Path:    appConfig.DatabasePath,
		DSN:     appConfig.DatabaseDSN,
		Tracing: appConfig.DatabaseTracing,
	}, logger)
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

type serviceStack struct {
	ledger      *ledger.Ledger
	graph       *social.Graph
	board       *leaderboard.Board
	preferences *preferences.Store
	reconciler  *gets.Reconciler
	announcer   *gets.Announcer
	coordinator *gets.Coordinator
}

// buildStack wires the claim services over one database handle and loads the leaderboard.
func buildStack(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger, registry prometheus.Registerer) (*serviceStack, error) {
	claimLedger, err := ledger.New(ledger.Config{
		Database:          db,
		Logger:            logger.Named("ledger"),
		StorageTimeout:    appConfig.StorageTimeout,
		RequireOpenMarker: appConfig.RequireOpenMarker,
		MarkerTTL:         appConfig.MarkerTTL,
	})
	if err != nil {
		return nil, err
	}
	graph, err := social.NewGraph(social.Config{
		Database:       db,
		Logger:         logger.Named("social"),
		StorageTimeout: appConfig.StorageTimeout,
	})
	if err != nil {
		return nil, err
	}
	board, err := leaderboard.New(leaderboard.Config{
		Database:       db,
		Tallies:        gets.LedgerTallies{Ledger: claimLedger},
		Logger:         logger.Named("leaderboard"),
		StorageTimeout: appConfig.StorageTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := board.Load(ctx); err != nil {
		return nil, err
	}
	store, err := preferences.NewStore(preferences.Config{
		Database:       db,
		Logger:         logger.Named("preferences"),
		StorageTimeout: appConfig.StorageTimeout,
		Limits: preferences.Limits{
			MaxBytes: appConfig.PreferencesMaxBytes,
			MaxDepth: appConfig.PreferencesMaxDepth,
		},
	})
	if err != nil {
		return nil, err
	}

	var metrics *gets.Metrics
	if registry != nil {
		metrics = gets.NewMetrics(registry, board.Len)
	}
	reconciler, err := gets.NewReconciler(gets.ReconcilerConfig{
		Board:    board,
		Interval: appConfig.ReconcileInterval,
		Metrics:  metrics,
		Logger:   logger.Named("reconciler"),
	})
	if err != nil {
		return nil, err
	}
	announcer := gets.NewAnnouncer()
	coordinator, err := gets.NewCoordinator(gets.Config{
		Ledger:      claimLedger,
		Graph:       graph,
		Board:       board,
		Preferences: store,
		Reconciler:  reconciler,
		Announcer:   announcer,
		Metrics:     metrics,
		Logger:      logger.Named("coordinator"),
	})
	if err != nil {
		return nil, err
	}

	return &serviceStack{
		ledger:      claimLedger,
		graph:       graph,
		board:       board,
		preferences: store,
		reconciler:  reconciler,
		announcer:   announcer,
		coordinator: coordinator,
	}, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof)); err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stack, err := buildStack(ctx, appConfig, db, logger, registry)
	if err != nil {
		return err
	}

	tokenValidator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Coordinator:    stack.coordinator,
		Markers:        stack.ledger,
		Graph:          stack.graph,
		Standings:      stack.board,
		Preferences:    stack.preferences,
		Reconciler:     stack.reconciler,
		Announcer:      stack.announcer,
		Tokens:         tokenValidator,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		ClaimRateLimit: server.ClaimRateLimit{
			PerSecond: appConfig.ClaimsPerSecond,
			Burst:     appConfig.ClaimBurst,
		},
		Logger: logger.Named("http"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Request contexts derive from signalCtx so open announcement streams end on shutdown.
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return signalCtx },
	}

	stack.reconciler.Start(signalCtx)
	defer stack.reconciler.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.Int("leaderboard_entries", stack.board.Len()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownGracePeriod)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
