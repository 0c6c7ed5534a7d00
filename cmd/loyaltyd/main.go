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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/loyalty/internal/httpserver"
	"github.com/MarkoPoloResearchLab/loyalty/internal/oplog"
	"github.com/MarkoPoloResearchLab/loyalty/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/loyalty/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/loyalty/pkg/points"
)

const (
	flagDatabaseURL    = "database-url"
	flagStoreBackend   = "store-backend"
	flagListenAddr     = "listen-addr"
	flagAllowedOrigins = "allowed-origins"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagJWTCookieName  = "jwt-cookie-name"
	flagAdminRole      = "admin-role"
	flagRequestTimeout = "request-timeout"
	flagSweepKind      = "kind"
	flagSweepAsOf      = "as-of"
	envPrefix          = "LOYALTY"

	defaultDatabaseURL = "sqlite:///tmp/loyalty.db"

	backendGorm = "gorm"
	backendPgx  = "pgx"

	sweepKindMaturation = "maturation"
	sweepKindExpiration = "expiration"
	sweepKindAll        = "all"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loyaltyd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loyaltyd",
		Short:         "Loyalty point ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newSweepCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	var databaseURL string
	var storeBackend string
	cfg := httpserver.Config{}
	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Run the HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindFlags(cmd,
				flagDatabaseURL, flagStoreBackend, flagListenAddr, flagAllowedOrigins,
				flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
				flagAdminRole, flagRequestTimeout,
			)
			if err != nil {
				return err
			}
			databaseURL = resolvedString(v, flagDatabaseURL, defaultDatabaseURL)
			storeBackend = resolvedString(v, flagStoreBackend, backendGorm)
			cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
			cfg.AllowedOrigins = httpserver.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
			cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
			cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
			cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
			cfg.AdminRole = strings.TrimSpace(v.GetString(flagAdminRole))
			cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, databaseURL, storeBackend, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (sqlite path or postgres URL)")
	cmd.Flags().String(flagStoreBackend, backendGorm, "store backend: gorm or pgx (pgx requires a postgres URL)")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "session JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "session cookie name")
	cmd.Flags().String(flagAdminRole, "", "role required for admin endpoints")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request store timeout (e.g. 3s)")

	return cmd
}

func newSweepCommand() *cobra.Command {
	var (
		databaseURL  string
		storeBackend string
		sweepKind    string
		asOfUnixUTC  int64
	)
	cmd := &cobra.Command{
		Use:           "sweep",
		Short:         "Run a maturation or expiration pass and exit",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindFlags(cmd, flagDatabaseURL, flagStoreBackend, flagSweepKind, flagSweepAsOf)
			if err != nil {
				return err
			}
			databaseURL = resolvedString(v, flagDatabaseURL, defaultDatabaseURL)
			storeBackend = resolvedString(v, flagStoreBackend, backendGorm)
			sweepKind = strings.TrimSpace(v.GetString(flagSweepKind))
			asOfUnixUTC = v.GetInt64(flagSweepAsOf)
			switch sweepKind {
			case sweepKindMaturation, sweepKindExpiration, sweepKindAll:
				return nil
			}
			return fmt.Errorf("kind must be one of %s, %s, %s", sweepKindMaturation, sweepKindExpiration, sweepKindAll)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSweep(ctx, databaseURL, storeBackend, sweepKind, asOfUnixUTC)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (sqlite path or postgres URL)")
	cmd.Flags().String(flagStoreBackend, backendGorm, "store backend: gorm or pgx (pgx requires a postgres URL)")
	cmd.Flags().String(flagSweepKind, sweepKindAll, "which sweep to run: maturation, expiration, or all")
	cmd.Flags().Int64(flagSweepAsOf, 0, "unix timestamp to evaluate against (0 means now)")

	return cmd
}

func bindFlags(cmd *cobra.Command, flagNames ...string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func resolvedString(v *viper.Viper, key string, fallback string) string {
	value := strings.TrimSpace(v.GetString(key))
	if value == "" {
		return fallback
	}
	return value
}

func runServe(ctx context.Context, databaseURL string, storeBackend string, cfg httpserver.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, cleanup, err := openService(ctx, databaseURL, storeBackend, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return httpserver.Run(ctx, cfg, service, logger)
}

func runSweep(ctx context.Context, databaseURL string, storeBackend string, sweepKind string, asOfUnixUTC int64) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, cleanup, err := openService(ctx, databaseURL, storeBackend, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if sweepKind == sweepKindMaturation || sweepKind == sweepKindAll {
		report, err := service.SweepMaturation(ctx, asOfUnixUTC)
		if err != nil {
			return fmt.Errorf("maturation sweep: %w", err)
		}
		logSweepReport(logger, sweepKindMaturation, report)
	}
	if sweepKind == sweepKindExpiration || sweepKind == sweepKindAll {
		report, err := service.SweepExpiration(ctx, asOfUnixUTC)
		if err != nil {
			return fmt.Errorf("expiration sweep: %w", err)
		}
		logSweepReport(logger, sweepKindExpiration, report)
	}
	return nil
}

func logSweepReport(logger *zap.Logger, sweepKind string, report points.SweepReport) {
	logger.Info("sweep finished",
		zap.String("kind", sweepKind),
		zap.Int("scanned", report.Scanned),
		zap.Int("transitioned", report.Transitioned),
		zap.Int("skipped", report.Skipped),
		zap.Int("failures", len(report.Failures)),
	)
	for _, failure := range report.Failures {
		logger.Warn("sweep entry failed",
			zap.String("kind", sweepKind),
			zap.String("entry_id", failure.EntryID),
			zap.Error(failure.Err),
		)
	}
}

func openService(ctx context.Context, databaseURL string, storeBackend string, logger *zap.Logger) (*points.Service, func(), error) {
	store, cleanup, err := openStore(ctx, databaseURL, storeBackend)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := points.NewService(store, clock,
		points.WithOperationLogger(oplog.NewZapOperationLogger(logger)),
	)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("service init: %w", err)
	}
	return service, cleanup, nil
}

// openStore picks the adapter. The pgx backend talks to postgres through a
// raw pool and expects the schema to exist; the gorm backend drives postgres
// URLs through the postgres driver and anything else as a sqlite path, with
// auto-migration applied on sqlite.
func openStore(ctx context.Context, databaseURL string, storeBackend string) (points.Store, func(), error) {
	isPostgres := strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://")

	switch storeBackend {
	case backendPgx:
		if !isPostgres {
			return nil, nil, fmt.Errorf("the pgx backend requires a postgres URL, got %q", databaseURL)
		}
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
	case backendGorm:
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", storeBackend)
	}

	var (
		db  *gorm.DB
		err error
	)
	if isPostgres {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	} else {
		var sqlitePath string
		sqlitePath, err = resolveSQLitePath(databaseURL)
		if err != nil {
			return nil, nil, err
		}
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	}
	if err != nil {
		return nil, nil, err
	}
	if !isPostgres {
		if err := gormstore.AutoMigrate(db); err != nil {
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = sqlDB.Close() }
	return gormstore.New(db.WithContext(ctx)), cleanup, nil
}

func resolveSQLitePath(databaseURL string) (string, error) {
	path := databaseURL
	if strings.HasPrefix(databaseURL, "sqlite://") {
		parsed, err := url.Parse(databaseURL)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
	}
	if path == "" || path == "/" {
		path = "loyalty.db"
	}
	return normalizeSQLitePath(path)
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
