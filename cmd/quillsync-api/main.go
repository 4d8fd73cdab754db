package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/CorvidWorks/quillsync/backend/internal/auth"
	"github.com/CorvidWorks/quillsync/backend/internal/collab"
	"github.com/CorvidWorks/quillsync/backend/internal/config"
	"github.com/CorvidWorks/quillsync/backend/internal/database"
	"github.com/CorvidWorks/quillsync/backend/internal/logging"
	"github.com/CorvidWorks/quillsync/backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quillsync-api",
		Short: "QuillSync collaborative editing backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("lock-ttl", defaults.GetDuration("collab.lock_ttl"), "Document lock lease duration")
	cmd.PersistentFlags().Duration("presence-timeout", defaults.GetDuration("collab.presence_timeout"), "Presence entry expiry")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("collab.sweep_interval"), "Expiry sweep interval")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "collab.lock_ttl", "lock-ttl")
	bindFlag(cmd, "collab.presence_timeout", "presence-timeout")
	bindFlag(cmd, "collab.sweep_interval", "sweep-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		Audience:      appConfig.Auth.Audience,
		TokenTTL:      appConfig.Auth.TokenTTL,
	})
	if err != nil {
		return err
	}

	store, err := collab.NewStore(collab.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	changeLog := collab.NewChangeLog(collab.ChangeLogConfig{
		Retention: appConfig.Collaboration.ChangeLogRetention,
	})
	engine, err := collab.NewEngine(collab.EngineConfig{
		Store:            store,
		Log:              changeLog,
		IDProvider:       collab.NewUUIDProvider(),
		Logger:           logger,
		CompactThreshold: appConfig.Collaboration.CompactThreshold,
	})
	if err != nil {
		return err
	}
	comments, err := collab.NewCommentManager(collab.CommentManagerConfig{
		IDProvider: collab.NewUUIDProvider(),
		Store:      store,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	gateway, err := server.NewGateway(server.GatewayConfig{
		Engine: engine,
		Presence: collab.NewPresenceTracker(collab.PresenceTrackerConfig{
			Timeout: appConfig.Collaboration.PresenceTimeout,
		}),
		Locks: collab.NewLockManager(collab.LockManagerConfig{
			TTL: appConfig.Collaboration.LockTTL,
		}),
		Log:           changeLog,
		Comments:      comments,
		Dispatcher:    server.NewDispatcher(),
		Logger:        logger,
		SweepInterval: appConfig.Collaboration.SweepInterval,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokens,
		Gateway:        gateway,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go gateway.RunSweeper(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
