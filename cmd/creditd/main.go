package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/groeimetai/CVeetje-sub004/internal/httpapi"
	"github.com/groeimetai/CVeetje-sub004/internal/notify"
	"github.com/groeimetai/CVeetje-sub004/internal/payments"
	"github.com/groeimetai/CVeetje-sub004/internal/provider"
	"github.com/groeimetai/CVeetje-sub004/internal/store/gormstore"
	"github.com/groeimetai/CVeetje-sub004/internal/store/pgstore"
	"github.com/groeimetai/CVeetje-sub004/pkg/credits"
)

const (
	flagDatabaseURL         = "database-url"
	flagStoreBackend        = "store-backend"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookieName   = "session-cookie-name"
	flagCredentialKey       = "credential-key"
	flagPlatformAPIKey      = "platform-api-key"
	flagStripeAPIKey        = "stripe-api-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagCheckoutSuccessURL  = "checkout-success-url"
	flagCheckoutCancelURL   = "checkout-cancel-url"
	flagSMTPHost            = "smtp-host"
	flagSMTPPort            = "smtp-port"
	flagSMTPUsername        = "smtp-username"
	flagSMTPPassword        = "smtp-password"
	flagSMTPFrom            = "smtp-from"

	defaultDatabaseURL = "sqlite://credits.db"
	defaultListenAddr  = ":8080"
	backendGorm        = "gorm"
	backendPgx         = "pgx"
)

type runtimeConfig struct {
	DatabaseURL         string
	StoreBackend        string
	ListenAddr          string
	AllowedOrigins      string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookieName   string
	CredentialKeyHex    string
	PlatformAPIKey      string
	StripeAPIKey        string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	SMTPHost            string
	SMTPPort            int
	SMTPUsername        string
	SMTPPassword        string
	SMTPFrom            string
}

func main() {
	_ = godotenv.Load()
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and AI provider resolution API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite://)")
	cmd.Flags().String(flagStoreBackend, backendGorm, "store backend for postgres databases (gorm or pgx)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "JWT signing key shared with the identity provider")
	cmd.Flags().String(flagSessionIssuer, "", "JWT issuer")
	cmd.Flags().String(flagSessionCookieName, "", "session cookie name")
	cmd.Flags().String(flagCredentialKey, "", "hex-encoded 32-byte key sealing stored API credentials")
	cmd.Flags().String(flagPlatformAPIKey, "", "platform-wide AI provider API key")
	cmd.Flags().String(flagStripeAPIKey, "", "Stripe secret key")
	cmd.Flags().String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	cmd.Flags().String(flagCheckoutSuccessURL, "", "checkout success redirect URL")
	cmd.Flags().String(flagCheckoutCancelURL, "", "checkout cancel redirect URL")
	cmd.Flags().String(flagSMTPHost, "", "SMTP host for notification email")
	cmd.Flags().Int(flagSMTPPort, 587, "SMTP port")
	cmd.Flags().String(flagSMTPUsername, "", "SMTP username")
	cmd.Flags().String(flagSMTPPassword, "", "SMTP password")
	cmd.Flags().String(flagSMTPFrom, "", "notification sender address")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:         "DATABASE_URL",
		flagStoreBackend:        "STORE_BACKEND",
		flagListenAddr:          "LISTEN_ADDR",
		flagAllowedOrigins:      "ALLOWED_ORIGINS",
		flagSessionSigningKey:   "SESSION_SIGNING_KEY",
		flagSessionIssuer:       "SESSION_ISSUER",
		flagSessionCookieName:   "SESSION_COOKIE_NAME",
		flagCredentialKey:       "CREDENTIAL_KEY",
		flagPlatformAPIKey:      "PLATFORM_API_KEY",
		flagStripeAPIKey:        "STRIPE_API_KEY",
		flagStripeWebhookSecret: "STRIPE_WEBHOOK_SECRET",
		flagCheckoutSuccessURL:  "CHECKOUT_SUCCESS_URL",
		flagCheckoutCancelURL:   "CHECKOUT_CANCEL_URL",
		flagSMTPHost:            "SMTP_HOST",
		flagSMTPPort:            "SMTP_PORT",
		flagSMTPUsername:        "SMTP_USERNAME",
		flagSMTPPassword:        "SMTP_PASSWORD",
		flagSMTPFrom:            "SMTP_FROM",
	}
	for flagName, envName := range bindings {
		key := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.StoreBackend = viper.GetString("store_backend")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")
	cfg.SessionSigningKey = viper.GetString("session_signing_key")
	cfg.SessionIssuer = viper.GetString("session_issuer")
	cfg.SessionCookieName = viper.GetString("session_cookie_name")
	cfg.CredentialKeyHex = viper.GetString("credential_key")
	cfg.PlatformAPIKey = viper.GetString("platform_api_key")
	cfg.StripeAPIKey = viper.GetString("stripe_api_key")
	cfg.StripeWebhookSecret = viper.GetString("stripe_webhook_secret")
	cfg.CheckoutSuccessURL = viper.GetString("checkout_success_url")
	cfg.CheckoutCancelURL = viper.GetString("checkout_cancel_url")
	cfg.SMTPHost = viper.GetString("smtp_host")
	cfg.SMTPPort = viper.GetInt("smtp_port")
	cfg.SMTPUsername = viper.GetString("smtp_username")
	cfg.SMTPPassword = viper.GetString("smtp_password")
	cfg.SMTPFrom = viper.GetString("smtp_from")

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.CredentialKeyHex == "" {
		return fmt.Errorf("credential key is required")
	}
	if cfg.StoreBackend != backendGorm && cfg.StoreBackend != backendPgx {
		return fmt.Errorf("store backend must be %q or %q", backendGorm, backendPgx)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	credentialKey, err := hex.DecodeString(cfg.CredentialKeyHex)
	if err != nil {
		return fmt.Errorf("credential key decode: %w", err)
	}
	keybox, err := provider.NewKeybox(credentialKey)
	if err != nil {
		return fmt.Errorf("keybox init: %w", err)
	}

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	mailer := notify.NewMailer(buildEmailSender(cfg), logger)
	defer mailer.Flush()

	service, err := credits.NewService(store, func() time.Time { return time.Now().UTC() },
		credits.WithLowBalanceNotifier(mailer),
		credits.WithOperationLogger(zapOperationLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	resolver, err := provider.NewResolver(service, keybox, cfg.PlatformAPIKey, provider.DefaultCostTable(), logger)
	if err != nil {
		return fmt.Errorf("resolver init: %w", err)
	}

	catalog := payments.DefaultCatalog()
	gateway := payments.NewStripeGateway(payments.StripeConfig{
		APIKey:     cfg.StripeAPIKey,
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
	})
	processor, err := payments.NewProcessor(service, catalog, gateway, cfg.StripeWebhookSecret, mailer, logger)
	if err != nil {
		return fmt.Errorf("webhook processor init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
	}
	return httpapi.Run(ctx, apiConfig, httpapi.Deps{
		Logger:   logger,
		Service:  service,
		Resolver: resolver,
		Webhooks: processor,
		Gateway:  gateway,
		Catalog:  catalog,
	})
}

func openStore(ctx context.Context, cfg *runtimeConfig) (credits.Store, func() error, error) {
	isPostgres := strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://")
	if isPostgres && cfg.StoreBackend == backendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() error { pool.Close(); return nil }, nil
	}

	gormDB, cleanup, err := openGormDatabase(ctx, cfg.DatabaseURL, isPostgres)
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.New(gormDB)
	if err := store.Migrate(); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

func openGormDatabase(ctx context.Context, dsn string, isPostgres bool) (*gorm.DB, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	if isPostgres {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	} else {
		sqlitePath, pathErr := resolveSQLitePath(dsn)
		if pathErr != nil {
			return nil, nil, pathErr
		}
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
	}
	if path == "" || path == "/" {
		path = "credits.db"
	}
	return normalizeSQLitePath(path)
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if !strings.HasPrefix(path, "/") {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func buildEmailSender(cfg *runtimeConfig) notify.EmailSender {
	if cfg.SMTPHost == "" {
		return notify.NoOpSender{}
	}
	return notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger zapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("type", string(entry.Type)),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	operationLogger.logger.Info("credit operation", fields...)
}
