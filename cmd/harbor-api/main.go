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

	"github.com/MarcoPoloResearchLab/harbor/internal/auth"
	"github.com/MarcoPoloResearchLab/harbor/internal/calendar"
	"github.com/MarcoPoloResearchLab/harbor/internal/config"
	"github.com/MarcoPoloResearchLab/harbor/internal/database"
	"github.com/MarcoPoloResearchLab/harbor/internal/events"
	"github.com/MarcoPoloResearchLab/harbor/internal/ids"
	"github.com/MarcoPoloResearchLab/harbor/internal/logging"
	"github.com/MarcoPoloResearchLab/harbor/internal/mural"
	"github.com/MarcoPoloResearchLab/harbor/internal/realtime"
	"github.com/MarcoPoloResearchLab/harbor/internal/resources"
	"github.com/MarcoPoloResearchLab/harbor/internal/server"
	"github.com/MarcoPoloResearchLab/harbor/internal/storage"
	"github.com/MarcoPoloResearchLab/harbor/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "harbor-api",
		Short: "Harbor community calendar backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newImportCommand())

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
	cmd.PersistentFlags().String("storage-dir", defaults.GetString("storage.dir"), "Directory for uploaded media")
	cmd.PersistentFlags().String("timezone", defaults.GetString("calendar.timezone"), "IANA timezone used to resolve today")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "storage.dir", "storage-dir")
	bindFlag(cmd, "calendar.timezone", "timezone")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newImportCommand() *cobra.Command {
	var (
		filePath string
		source   string
	)
	cmd := &cobra.Command{
		Use:   "import-ics",
		Short: "Import an iCalendar file into the shared events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), filePath, source)
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "Path to the .ics file")
	cmd.Flags().StringVar(&source, "source", "", "Feed name that owns the imported events")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runImport(ctx context.Context, filePath, source string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	body, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read calendar file: %w", err)
	}

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	eventsService, err := newEventsService(appConfig, db, ids.NewUUIDProvider(), logger)
	if err != nil {
		return err
	}
	result, err := eventsService.ImportICS(ctx, source, body)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "created=%d updated=%d removed=%d skipped=%d\n",
		result.Created, result.Updated, result.Removed, result.Skipped)
	return nil
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func newEventsService(appConfig config.AppConfig, db *gorm.DB, idProvider *ids.UUIDProvider, logger *zap.Logger) (*events.Service, error) {
	return events.NewService(events.ServiceConfig{
		Database:      db,
		Clock:         time.Now,
		IDProvider:    idProvider,
		Logger:        logger,
		Dispatcher:    realtime.NewDispatcher[[]calendar.SharedEvent](0),
		Location:      appConfig.Location,
		ImportHorizon: appConfig.ImportHorizon,
	})
}

func loadResources(path string) (*resources.Catalog, error) {
	if path == "" {
		return resources.Default()
	}
	return resources.LoadFile(path)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	idProvider := ids.NewUUIDProvider()

	eventsService, err := newEventsService(appConfig, db, idProvider, logger)
	if err != nil {
		return err
	}

	reminderStore, err := calendar.NewGormReminderStore(db, time.Now)
	if err != nil {
		return err
	}
	registry, err := calendar.NewSessionRegistry(calendar.RegistryConfig{
		Store:      reminderStore,
		IDProvider: idProvider,
		Source:     eventsService,
		Clock:      time.Now,
		Location:   appConfig.Location,
		Logger:     logger,
		IdleTTL:    appConfig.SessionIdleTTL,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	muralService, err := mural.NewService(mural.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
		Dispatcher: realtime.NewDispatcher[mural.ChangeNotice](0),
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	adminUserIDs, err := resolveAdmins(ctx, userService, appConfig.AdminPhoneNumbers)
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        config.TokenIssuer,
		Audience:      config.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	phoneVerifier, err := auth.NewPhoneVerifier(auth.PhoneVerifierConfig{
		Database:   db,
		Sender:     auth.LogSMSSender{Logger: logger},
		IDProvider: idProvider,
		CodeTTL:    appConfig.CodeTTL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	mediaStore, err := storage.NewDiskBlobStore(appConfig.StorageDir, appConfig.MaxUploadBytes)
	if err != nil {
		return err
	}

	catalog, err := loadResources(appConfig.ResourcesPath)
	if err != nil {
		return err
	}

	feeds := make([]events.Feed, 0, len(appConfig.Feeds))
	for _, feed := range appConfig.Feeds {
		feeds = append(feeds, events.Feed{Source: feed.Source, URL: feed.URL})
	}
	scheduler, err := events.NewFeedScheduler(events.FeedSchedulerConfig{
		Importer: eventsService,
		Feeds:    feeds,
		Schedule: appConfig.RefreshCron,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Location: appConfig.Location,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:      tokenIssuer,
		PhoneVerifier:     phoneVerifier,
		Users:             userService,
		Calendar:          registry,
		Events:            eventsService,
		Mural:             muralService,
		Resources:         catalog,
		Media:             mediaStore,
		AllowedOrigins:    appConfig.AllowedOrigins,
		AdminUserIDs:      adminUserIDs,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		MaxUploadBytes:    appConfig.MaxUploadBytes,
		Location:          appConfig.Location,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Request contexts end with the signal so open event streams return.
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	scheduler.Start(signalCtx)
	defer scheduler.Stop()

	go purgeVerifications(signalCtx, phoneVerifier, appConfig.CodeTTL, logger)
	go evictIdleSessions(signalCtx, registry, appConfig.SessionIdleTTL/2, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("timezone", appConfig.Timezone),
			zap.Int("feeds", len(feeds)),
			zap.Int("admins", len(adminUserIDs)))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		registry.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// resolveAdmins maps administrator phone numbers to the user ids their
// logins resolve to, creating the users on first start.
func resolveAdmins(ctx context.Context, directory *users.Service, phoneNumbers []string) ([]string, error) {
	userIDs := make([]string, 0, len(phoneNumbers))
	for _, phoneNumber := range phoneNumbers {
		userID, err := directory.ResolveUserID(ctx, users.ProviderPhone, phoneNumber)
		if err != nil {
			return nil, fmt.Errorf("resolve administrator %q: %w", phoneNumber, err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func evictIdleSessions(ctx context.Context, registry *calendar.SessionRegistry, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if closed := registry.EvictIdle(); closed > 0 {
				logger.Debug("closed idle calendar sessions", zap.Int("count", closed))
			}
		}
	}
}

func purgeVerifications(ctx context.Context, verifier *auth.PhoneVerifier, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := verifier.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("failed to purge expired verifications", zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Debug("purged expired verifications", zap.Int64("count", purged))
			}
		}
	}
}
