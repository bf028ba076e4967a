package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mcp-memory/authz"
	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/server"
)

const (
	configKey      = "config"
	logLevelKey    = "log.level"
	logFormatKey   = "log.format"
	storeDriverKey = "store.driver"
	storeDSNKey    = "store.dsn"
	redisAddrsKey  = "store.redis.addrs"
	redisPassKey   = "store.redis.password"
	redisDBKey     = "store.redis.db"
	redisPrefixKey = "store.redis.key_prefix"
	connectTimeKey = "store.connect_timeout"

	issuerKey          = "server.issuer"
	scopesKey          = "server.supported_scopes"
	codeTTLKey         = "server.authorization_code_ttl"
	accessTTLKey       = "server.access_token_ttl"
	refreshTTLKey      = "server.refresh_token_ttl"
	bcryptCostKey      = "server.bcrypt_cost"
	secretMaxAgeKey    = "server.client_secret_max_age"
	refreshCapKey      = "server.max_refresh_tokens_per_user_client"
	retentionKey       = "server.expired_retention"
	disableReplayKey   = "server.disable_replay_revocation"
	allowPKCEPlainKey  = "server.allow_pkce_plain"
	requirePKCEKey     = "server.require_pkce"
	insecureURIsKey    = "server.allow_insecure_redirect_uris"
	authAttemptsKey    = "server.client_auth_attempts_per_minute"
	auditEnabledKey    = "audit.enabled"
	auditRateKey       = "audit.events_per_second"
	serviceVersionKey  = "instrumentation.service_version"
	defaultStoreDriver = "sqlite"
	defaultSQLiteDSN   = "authz.db"
	envPrefix          = "AUTHZ"
)

// app carries state shared by every subcommand.
type app struct {
	v      *viper.Viper
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "authzctl",
		Short:         "authzctl administers the memory service authorization server",
		SilenceErrors: true,
		Example: `
  # Create the schema in a local SQLite file
  authzctl --store.dsn ./authz.db migrate

  # Register a client against PostgreSQL
  AUTHZ_STORE_DRIVER=postgres AUTHZ_STORE_DSN=postgres://authz@db/authz \
    authzctl client register --name "Notes App" --owner alice \
      --redirect-uri https://notes.example.com/callback --scope memories:read

  # Sweep expired rows every five minutes and expose /metrics
  authzctl --store.driver redis --store.redis.addr localhost:6379 gc --interval 5m --metrics-listen :9090
`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			if err := a.loadConfigFile(); err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), a.v.GetString(logLevelKey), a.v.GetString(logFormatKey))
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to a YAML, JSON or TOML config file")
	flags.String("log-level", "warn", "log level (debug|info|warn|error)")
	flags.String("log-format", "text", "log format (text|json)")
	flags.String("store.driver", defaultStoreDriver, "store backend (memory|sqlite|postgres|redis)")
	flags.String("store.dsn", defaultSQLiteDSN, "SQLite path or PostgreSQL connection string")
	flags.StringSlice("store.redis.addr", []string{"localhost:6379"}, "Redis address (repeatable for cluster or sentinel)")
	flags.Int("store.redis.db", 0, "Redis database number")
	flags.String("store.redis.key-prefix", "", "Redis key prefix")
	flags.Duration("store.connect-timeout", defaultConnectTimeout, "how long to keep retrying the store connection")
	flags.String("issuer", "", "issuer URL advertised in metadata")

	mustBindFlag(a.v, configKey, "AUTHZ_CONFIG", flags.Lookup("config"))
	mustBindFlag(a.v, logLevelKey, "AUTHZ_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(a.v, logFormatKey, "AUTHZ_LOG_FORMAT", flags.Lookup("log-format"))
	mustBindFlag(a.v, storeDriverKey, "AUTHZ_STORE_DRIVER", flags.Lookup("store.driver"))
	mustBindFlag(a.v, storeDSNKey, "AUTHZ_STORE_DSN", flags.Lookup("store.dsn"))
	mustBindFlag(a.v, redisAddrsKey, "AUTHZ_STORE_REDIS_ADDRS", flags.Lookup("store.redis.addr"))
	mustBindFlag(a.v, redisDBKey, "AUTHZ_STORE_REDIS_DB", flags.Lookup("store.redis.db"))
	mustBindFlag(a.v, redisPrefixKey, "AUTHZ_STORE_REDIS_KEY_PREFIX", flags.Lookup("store.redis.key-prefix"))
	mustBindFlag(a.v, connectTimeKey, "AUTHZ_STORE_CONNECT_TIMEOUT", flags.Lookup("store.connect-timeout"))
	mustBindFlag(a.v, issuerKey, "AUTHZ_ISSUER", flags.Lookup("issuer"))
	// the password is never a flag so it stays out of shell history
	mustBindEnv(a.v, redisPassKey, "AUTHZ_STORE_REDIS_PASSWORD")

	cmd.AddCommand(
		newMigrateCommand(a),
		newClientCommand(a),
		newTokenCommand(a),
		newGCCommand(a),
	)
	return cmd
}

func mustBindFlag(v *viper.Viper, key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	mustBindEnv(v, key, env)
}

func mustBindEnv(v *viper.Viper, key, env string) {
	if env == "" {
		return
	}
	if err := v.BindEnv(key, env); err != nil {
		panic(err)
	}
}

func (a *app) loadConfigFile() error {
	path := strings.TrimSpace(a.v.GetString(configKey))
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("config file %q: %w", abs, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", abs)
	}
	a.v.SetConfigFile(abs)
	if err := a.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", abs, err)
	}
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// serverConfig reads server settings. Unset keys keep their zero value so
// the server applies its own defaults.
func (a *app) serverConfig() server.Config {
	return server.Config{
		Issuer:                        a.v.GetString(issuerKey),
		SupportedScopes:               a.v.GetStringSlice(scopesKey),
		AuthorizationCodeTTL:          a.v.GetInt64(codeTTLKey),
		AccessTokenTTL:                a.v.GetInt64(accessTTLKey),
		RefreshTokenTTL:               a.v.GetInt64(refreshTTLKey),
		BcryptCost:                    a.v.GetInt(bcryptCostKey),
		ClientSecretMaxAge:            a.v.GetInt64(secretMaxAgeKey),
		MaxRefreshTokensPerUserClient: a.v.GetInt(refreshCapKey),
		ExpiredRetention:              a.v.GetInt64(retentionKey),
		DisableReplayRevocation:       a.v.GetBool(disableReplayKey),
		AllowPKCEPlain:                a.v.GetBool(allowPKCEPlainKey),
		RequirePKCE:                   a.v.GetBool(requirePKCEKey),
		AllowInsecureRedirectURIs:     a.v.GetBool(insecureURIsKey),
		ClientAuthAttemptsPerMinute:   a.v.GetInt(authAttemptsKey),
	}
}

// openServer opens the configured store and builds a server over it. The
// returned cleanup closes both.
func (a *app) openServer(ctx context.Context, inst instrumentation.Config, cleanupInterval int64) (*authz.Server, func(), error) {
	store, driver, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	config := authz.Config{
		Server: a.serverConfig(),
		Audit: authz.AuditConfig{
			Enabled:         a.v.GetBool(auditEnabledKey),
			EventsPerSecond: a.v.GetFloat64(auditRateKey),
		},
		Instrumentation: inst,
		StoreBackend:    driver,
		DisableJanitor:  true,
		Logger:          a.logger,
	}
	config.Server.CleanupInterval = cleanupInterval

	srv, err := authz.New(store, config)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := srv.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("Failed to close server", "error", err)
		}
		if err := store.Close(); err != nil {
			a.logger.Warn("Failed to close store", "error", err)
		}
	}
	return srv, cleanup, nil
}

// describeError renders err the way a protocol client would see it, plus the
// internal kind for operators.
func describeError(err error) error {
	oerr := authz.ToOAuthError(err)
	if oerr == nil {
		return err
	}
	return fmt.Errorf("%s: %s (%s)", oerr.Code, oerr.Description, server.KindOf(err))
}
