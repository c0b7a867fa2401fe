package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/fuelwatch/internal/httpapi"
	"github.com/MarkoPoloResearchLab/fuelwatch/internal/notify"
	"github.com/MarkoPoloResearchLab/fuelwatch/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/fuelwatch/internal/tasks"
	"github.com/MarkoPoloResearchLab/fuelwatch/internal/wshub"
	"github.com/MarkoPoloResearchLab/fuelwatch/pkg/fuelwatch"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagSigningSecret  = "signing-secret"
	flagJWTSecret      = "jwt-secret"
	flagAllowedOrigins = "allowed-origins"
	flagSMSEndpoint    = "sms-endpoint"
	flagSMSAPIKey      = "sms-api-key"
	flagVerifyBaseURL  = "verify-base-url"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeySigningSecret  = "signing_secret"
	configKeyJWTSecret      = "jwt_secret"
	configKeyAllowedOrigins = "allowed_origins"
	configKeySMSEndpoint    = "sms_endpoint"
	configKeySMSAPIKey      = "sms_api_key"
	configKeyVerifyBaseURL  = "verify_base_url"

	defaultDatabaseURL = "sqlite:///tmp/fuelwatch.db"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	SigningSecret  string
	JWTSecret      string
	AllowedOrigins []string
	SMSEndpoint    string
	SMSAPIKey      string
	VerifyBaseURL  string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fuelwatchd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "fuelwatchd",
		Short:         "Fuel station monitoring server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.PersistentFlags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.PersistentFlags().String(flagSigningSecret, "", "HMAC secret for receipt signatures")
	cmd.PersistentFlags().String(flagJWTSecret, "", "HMAC secret for session tokens")
	cmd.PersistentFlags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.PersistentFlags().String(flagSMSEndpoint, "", "SMS gateway endpoint for receipt delivery")
	cmd.PersistentFlags().String(flagSMSAPIKey, "", "SMS gateway API key")
	cmd.PersistentFlags().String(flagVerifyBaseURL, "", "public base URL embedded in receipt messages")

	cmd.AddCommand(newSeedCommand(cfg))

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeySigningSecret:  "SIGNING_SECRET",
		configKeyJWTSecret:      "JWT_SECRET",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeySMSEndpoint:    "SMS_ENDPOINT",
		configKeySMSAPIKey:      "SMS_API_KEY",
		configKeyVerifyBaseURL:  "VERIFY_BASE_URL",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeySigningSecret:  flagSigningSecret,
		configKeyJWTSecret:      flagJWTSecret,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeySMSEndpoint:    flagSMSEndpoint,
		configKeySMSAPIKey:      flagSMSAPIKey,
		configKeyVerifyBaseURL:  flagVerifyBaseURL,
	}
	for key, flag := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.SigningSecret = viper.GetString(configKeySigningSecret)
	cfg.JWTSecret = viper.GetString(configKeyJWTSecret)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.SMSEndpoint = viper.GetString(configKeySMSEndpoint)
	cfg.SMSAPIKey = viper.GetString(configKeySMSAPIKey)
	cfg.VerifyBaseURL = viper.GetString(configKeyVerifyBaseURL)

	if cfg.SigningSecret == "" {
		return fmt.Errorf("signing secret is required")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	signer, err := fuelwatch.NewReceiptSigner([]byte(cfg.SigningSecret))
	if err != nil {
		return fmt.Errorf("signer init: %w", err)
	}

	hub := wshub.New(logger)
	defer hub.Close()

	clock := func() time.Time { return time.Now().UTC() }
	service, err := fuelwatch.NewService(store, signer, clock,
		fuelwatch.WithLogger(logger),
		fuelwatch.WithPublisher(hub),
	)
	if err != nil {
		return fmt.Errorf("service init: %w", err)
	}

	queue := tasks.NewQueue(4, 256, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = queue.Shutdown(shutdownCtx)
	}()

	var sender notify.Sender = &notify.LogSender{Logger: logger}
	if cfg.SMSEndpoint != "" {
		sender = &notify.HTTPSender{Endpoint: cfg.SMSEndpoint, APIKey: cfg.SMSAPIKey}
	}
	deliverer := notify.NewDeliverer(service, sender, logger, notify.WithVerifyBase(cfg.VerifyBaseURL))

	server := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		VerifyBaseURL:  cfg.VerifyBaseURL,
	}, logger, service, store, hub, queue, deliverer)

	return server.Run(ctx)
}

func newSeedCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load a demo station with tanks, pumps, users, and rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer cleanup()
			if err := prepareSchema(gormDB, driver); err != nil {
				return err
			}
			return seedDemoData(ctx, gormstore.New(gormDB), cfg)
		},
	}
}

func seedDemoData(ctx context.Context, store *gormstore.Store, cfg *runtimeConfig) error {
	station, err := store.CreateStation(ctx, fuelwatch.Station{
		Name:     "Demo Station",
		Code:     "DEMO-01",
		Timezone: "UTC",
	})
	if err != nil {
		return fmt.Errorf("seed station: %w", err)
	}

	tank, err := store.CreateTank(ctx, fuelwatch.Tank{
		StationID:     station.StationID,
		FuelType:      "Diesel",
		CapacityL:     decimal.NewFromInt(10000),
		CurrentLevelL: decimal.NewFromInt(8000),
	})
	if err != nil {
		return fmt.Errorf("seed tank: %w", err)
	}

	for pumpNumber := 1; pumpNumber <= 2; pumpNumber++ {
		if _, err := store.CreatePump(ctx, fuelwatch.Pump{
			StationID:  station.StationID,
			PumpNumber: pumpNumber,
			FuelType:   "Diesel",
			Status:     fuelwatch.PumpOnline,
		}); err != nil {
			return fmt.Errorf("seed pump %d: %w", pumpNumber, err)
		}
	}

	users := []struct {
		username string
		password string
		role     fuelwatch.Role
	}{
		{username: "admin", password: "admin", role: fuelwatch.RoleAdmin},
		{username: "owner", password: "owner", role: fuelwatch.RoleOwner},
		{username: "attendant", password: "attendant", role: fuelwatch.RoleAttendant},
		{username: "regulator", password: "regulator", role: fuelwatch.RoleRegulator},
	}
	for _, seed := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(seed.password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash %s password: %w", seed.username, err)
		}
		stationID := station.StationID
		if _, err := store.CreateUser(ctx, fuelwatch.User{
			Username:     seed.username,
			PasswordHash: hash,
			Role:         seed.role,
			StationID:    &stationID,
		}); err != nil {
			return fmt.Errorf("seed user %s: %w", seed.username, err)
		}
	}

	rules := []fuelwatch.Rule{
		{
			Name:     "Under-dispense detection",
			Slug:     fuelwatch.RuleTypeUnderDispense,
			RuleType: fuelwatch.RuleTypeUnderDispense,
			Config:   map[string]any{"min_volume_l": "0.5"},
			Enabled:  true,
		},
		{
			Name:     "Rate spike detection",
			Slug:     fuelwatch.RuleTypeRateSpike,
			RuleType: fuelwatch.RuleTypeRateSpike,
			Config:   map[string]any{"window_minutes": 60, "multiplier": "1.5"},
			Enabled:  true,
		},
		{
			Name:     "Rapid-fire transactions",
			Slug:     fuelwatch.RuleTypeRapidFire,
			RuleType: fuelwatch.RuleTypeRapidFire,
			Config:   map[string]any{"window_seconds": 10, "count_threshold": 3},
			Enabled:  true,
		},
		{
			Name:     "Tank mismatch",
			Slug:     fuelwatch.RuleTypeTankMismatch,
			RuleType: fuelwatch.RuleTypeTankMismatch,
			Config:   map[string]any{"tolerance_l": "50"},
			Enabled:  true,
		},
	}
	for _, rule := range rules {
		if _, err := store.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %s: %w", rule.Slug, err)
		}
	}

	// Readings and sales that come up 100 L short on the first reconcile.
	now := time.Now().UTC()
	if _, err := store.InsertReading(ctx, fuelwatch.TankReading{
		TankID:     tank.TankID,
		LevelL:     decimal.NewFromInt(8000),
		MeasuredAt: now.Add(-time.Hour),
		Source:     fuelwatch.ReadingSourceSeed,
	}); err != nil {
		return fmt.Errorf("seed reading: %w", err)
	}
	unitPrice := decimal.RequireFromString("1.50")
	for index, volume := range []int64{200, 250, 150} {
		volumeL := decimal.NewFromInt(volume)
		if _, err := store.InsertTransaction(ctx, fuelwatch.Transaction{
			StationID:   station.StationID,
			Timestamp:   now.Add(-time.Duration(50-10*index) * time.Minute),
			VolumeL:     volumeL,
			UnitPrice:   unitPrice,
			TotalAmount: volumeL.Mul(unitPrice).Round(2),
			Status:      fuelwatch.TransactionCompleted,
		}); err != nil {
			return fmt.Errorf("seed transaction: %w", err)
		}
	}
	if _, err := store.InsertReading(ctx, fuelwatch.TankReading{
		TankID:     tank.TankID,
		LevelL:     decimal.NewFromInt(7500),
		MeasuredAt: now,
		Source:     fuelwatch.ReadingSourceSeed,
	}); err != nil {
		return fmt.Errorf("seed reading: %w", err)
	}

	fmt.Printf("seeded station %s (%s) with tank %s\n", station.Name, station.StationID, tank.TankID)
	return nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "fuelwatch.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
