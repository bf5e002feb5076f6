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

	"github.com/macrat/markdown-board/internal/config"
	"github.com/macrat/markdown-board/internal/database"
	"github.com/macrat/markdown-board/internal/logging"
	"github.com/macrat/markdown-board/internal/pages"
	"github.com/macrat/markdown-board/internal/retention"
	"github.com/macrat/markdown-board/internal/rooms"
	"github.com/macrat/markdown-board/internal/server"
	"github.com/macrat/markdown-board/internal/updates"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "markdown-board",
		Short: "Collaborative markdown notes sync server",
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
	cmd.PersistentFlags().Duration("title-debounce-interval", defaults.GetDuration("title.debounce_interval"), "Quiet period before the title is projected")
	cmd.PersistentFlags().Duration("title-max-wait", defaults.GetDuration("title.max_wait"), "Upper bound on title staleness under continuous typing")
	cmd.PersistentFlags().Duration("sync-load-timeout", defaults.GetDuration("sync.load_timeout"), "Bound on the initial document load on room activation")
	cmd.PersistentFlags().Duration("retention-window", defaults.GetDuration("retention.window"), "How long archived pages are kept")
	cmd.PersistentFlags().Duration("retention-interval", defaults.GetDuration("retention.interval"), "How often the retention sweep runs")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "title.debounce_interval", "title-debounce-interval")
	bindFlag(cmd, "title.max_wait", "title-max-wait")
	bindFlag(cmd, "sync.load_timeout", "sync-load-timeout")
	bindFlag(cmd, "retention.window", "retention-window")
	bindFlag(cmd, "retention.interval", "retention-interval")
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

	pagesService, err := pages.NewService(pages.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: pages.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	updateStore, err := updates.NewStore(updates.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry, err := rooms.NewRegistry(rooms.RegistryConfig{
		Store:            updateStore,
		Pages:            pagesService,
		Logger:           logger,
		DebounceInterval: appConfig.DebounceInterval,
		MaxWait:          appConfig.MaxWait,
		LoadTimeout:      appConfig.LoadTimeout,
	})
	if err != nil {
		return err
	}

	cleaner, err := retention.NewCleaner(retention.CleanerConfig{
		Database: db,
		Logger:   logger,
		Window:   appConfig.RetentionWindow,
		Interval: appConfig.RetentionInterval,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry: registry,
		Logger:   logger,
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

	go cleaner.Run(signalCtx)

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
		err := httpServer.Shutdown(shutdownCtx)
		// Flush every active room so the catalog and log reflect the final
		// in-memory state.
		registry.Shutdown(shutdownCtx)
		return err
	case err := <-errCh:
		return err
	}
}
