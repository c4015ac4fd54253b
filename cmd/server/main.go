package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/greenhouse-auth/internal/authkit"
	"github.com/tyemirov/greenhouse-auth/internal/authkitpg"
	"github.com/tyemirov/greenhouse-auth/internal/revocation"
	"github.com/tyemirov/greenhouse-auth/internal/web"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

var notifyShutdownSignals = func(signals chan<- os.Signal) func() {
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	return func() { signal.Stop(signals) }
}

const (
	shutdownGracePeriod          = 10 * time.Second
	banSubscriptionRetryDelay    = time.Second
	banSubscriptionMaxRetryDelay = 30 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "greenhouse-auth",
		Short:   "OAuth2 authorization server issuing RS256 tokens for the greenhouse game ecosystem",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("public_base_url", "", "External base URL advertised in the discovery document; derived from requests when empty")
	rootCmd.Flags().String("jwt_issuer", authkit.DefaultIssuer, "iss claim stamped on every token")
	rootCmd.Flags().String("jwt_private_key_path", "", "PEM file holding the RS256 signing key")
	rootCmd.Flags().StringSlice("jwt_verification_key_paths", []string{}, "PEM public keys accepted for verification only (key rotation)")
	rootCmd.Flags().String("game_server_audience", authkit.DefaultGameServerAudience, "Audience of user access tokens")
	rootCmd.Flags().String("game_client_audience", authkit.DefaultGameClientAudience, "Audience of ID tokens")
	rootCmd.Flags().Duration("access_token_ttl", time.Hour, "Access and ID token TTL")
	rootCmd.Flags().Duration("refresh_token_ttl", 30*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("authorization_code_ttl", 10*time.Minute, "Authorization code TTL")
	rootCmd.Flags().Duration("login_state_ttl", 5*time.Minute, "Lifetime of a pending federated login")
	rootCmd.Flags().Bool("rotate_refresh_tokens", false, "Replace the refresh token on every refresh_token grant")
	rootCmd.Flags().Bool("id_token_requires_openid_scope", false, "Issue ID tokens only when the openid scope was granted")
	rootCmd.Flags().String("clients_file", "configs/clients.example.yaml", "YAML or JSON document listing registered clients")
	rootCmd.Flags().String("credential_store", credentialStoreMemory, "Credential backend: memory, redis, or postgres")
	rootCmd.Flags().String("redis_url", "", "Redis URL for the credential store and ban broadcasts")
	rootCmd.Flags().String("credential_database_url", "", "Postgres URL for the postgres credential store")
	rootCmd.Flags().Duration("credential_purge_interval", 10*time.Minute, "How often expired postgres credentials are deleted")
	rootCmd.Flags().String("database_url", "", "Database URL for users (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client ID; empty disables /auth/google")
	rootCmd.Flags().String("google_client_secret", "", "Google OAuth client secret")
	rootCmd.Flags().String("google_callback_url", "", "Absolute URL of /auth/google/callback registered with Google")
	rootCmd.Flags().Duration("session_heartbeat", 15*time.Second, "Heartbeat interval on session streams")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	rootCmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	credentialStoreMemory   = "memory"
	credentialStoreRedis    = "redis"
	credentialStorePostgres = "postgres"

	configCodeMissingJWTPrivateKeyPath  = "config.missing_jwt_private_key_path"
	configCodeMissingAudience           = "config.missing_audience"
	configCodeInvalidAccessTokenTTL     = "config.invalid_access_token_ttl"
	configCodeInvalidRefreshTokenTTL    = "config.invalid_refresh_token_ttl"
	configCodeInvalidAuthorizationTTL   = "config.invalid_authorization_code_ttl"
	configCodeInvalidLoginStateTTL      = "config.invalid_login_state_ttl"
	configCodeMissingClientsFile        = "config.missing_clients_file"
	configCodeIncompleteGoogleSettings  = "config.incomplete_google_settings"
	configCodeUnsupportedCredentialType = "config.unsupported_credential_store"
	configCodeMissingRedisURL           = "config.missing_redis_url"
	configCodeMissingCredentialDatabase = "config.missing_credential_database_url"
	configCodeUninitializedServerConf   = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit       = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig validates the settings the grant engine depends on.
func LoadServerConfig() (authkit.ServerConfig, error) {
	if strings.TrimSpace(viper.GetString("jwt_private_key_path")) == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTPrivateKeyPath, "jwt_private_key_path must be provided")
	}
	if strings.TrimSpace(viper.GetString("clients_file")) == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingClientsFile, "clients_file must be provided")
	}

	issuer := viper.GetString("jwt_issuer")
	if strings.TrimSpace(issuer) == "" {
		issuer = authkit.DefaultIssuer
	}
	gameServerAudience := viper.GetString("game_server_audience")
	gameClientAudience := viper.GetString("game_client_audience")
	if strings.TrimSpace(gameServerAudience) == "" || strings.TrimSpace(gameClientAudience) == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAudience, "game_server_audience and game_client_audience must be provided")
	}

	durations := []struct {
		key  string
		code string
	}{
		{key: "access_token_ttl", code: configCodeInvalidAccessTokenTTL},
		{key: "refresh_token_ttl", code: configCodeInvalidRefreshTokenTTL},
		{key: "authorization_code_ttl", code: configCodeInvalidAuthorizationTTL},
		{key: "login_state_ttl", code: configCodeInvalidLoginStateTTL},
	}
	for _, duration := range durations {
		if viper.GetDuration(duration.key) <= 0 {
			return authkit.ServerConfig{}, configError(duration.code, duration.key+" must be greater than zero")
		}
	}

	googleSettings := []string{
		viper.GetString("google_client_id"),
		viper.GetString("google_client_secret"),
		viper.GetString("google_callback_url"),
	}
	providedGoogleSettings := 0
	for _, value := range googleSettings {
		if strings.TrimSpace(value) != "" {
			providedGoogleSettings++
		}
	}
	if providedGoogleSettings != 0 && providedGoogleSettings != len(googleSettings) {
		return authkit.ServerConfig{}, configError(configCodeIncompleteGoogleSettings, "google_client_id, google_client_secret, and google_callback_url must be provided together")
	}

	return authkit.ServerConfig{
		Issuer:                     issuer,
		GameServerAudience:         gameServerAudience,
		GameClientAudience:         gameClientAudience,
		AccessTokenTTL:             viper.GetDuration("access_token_ttl"),
		RefreshTokenTTL:            viper.GetDuration("refresh_token_ttl"),
		AuthorizationCodeTTL:       viper.GetDuration("authorization_code_ttl"),
		LoginStateTTL:              viper.GetDuration("login_state_ttl"),
		RotateRefreshTokens:        viper.GetBool("rotate_refresh_tokens"),
		IDTokenRequiresOpenIDScope: viper.GetBool("id_token_requires_openid_scope"),
	}, nil
}

type banBus interface {
	revocation.Publisher
	revocation.Subscriber
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	runContext, cancelRun := context.WithCancel(commandContext)
	defer cancelRun()

	listenAddr := viper.GetString("listen_addr")
	redisURL := viper.GetString("redis_url")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	clock := authkit.NewSystemClock()
	codec, codecErr := buildTokenCodec(serverConfig, clock)
	if codecErr != nil {
		return codecErr
	}

	clients, clientsErr := authkit.LoadClientRegistry(viper.GetString("clients_file"))
	if clientsErr != nil {
		return clientsErr
	}

	var userStore authkit.UserStore
	if databaseURL != "" {
		persistentStore, storeErr := authkit.NewDatabaseUserStore(runContext, databaseURL)
		if storeErr != nil {
			return storeErr
		}
		defer func() { _ = persistentStore.Close() }()
		userStore = persistentStore
		logger.Info("using persistent user store", zap.String("driver", persistentStore.Driver()))
	} else {
		userStore = authkit.NewMemoryUserStore()
		logger.Info("using in-memory user store")
	}

	var redisClient *redis.Client
	if redisURL != "" {
		client, redisErr := authkit.OpenRedisClient(runContext, redisURL)
		if redisErr != nil {
			return redisErr
		}
		defer func() { _ = client.Close() }()
		redisClient = client
	}

	credentialStore, closeCredentials, credentialsErr := buildCredentialStore(runContext, viper.GetString("credential_store"), redisClient, clock, logger)
	if credentialsErr != nil {
		return credentialsErr
	}
	defer closeCredentials()

	var bus banBus
	if redisClient != nil {
		bus = revocation.NewRedisBus(redisClient, revocation.DefaultBanChannel, logger)
		logger.Info("broadcasting bans over redis", zap.String("channel", revocation.DefaultBanChannel))
	} else {
		bus = revocation.NewMemoryBus()
		logger.Info("broadcasting bans in-process")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsRecorder, metricsErr := authkit.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		return metricsErr
	}

	sessions := revocation.NewSessionRegistry(logger)
	go subscribeBans(runContext, sessions, bus, logger, banSubscriptionRetryDelay, banSubscriptionMaxRetryDelay)

	dispatcher := authkit.NewGrantDispatcher(serverConfig, clients, userStore, credentialStore, codec, logger, metricsRecorder)
	verifier := authkit.NewBearerVerifier(codec, clients, userStore, credentialStore, logger, metricsRecorder)
	admin := authkit.NewAdminService(userStore, bus, logger, metricsRecorder)

	dependencies := authkit.RouteDependencies{
		Dispatcher:       dispatcher,
		Verifier:         verifier,
		Admin:            admin,
		Codec:            codec,
		Users:            userStore,
		Sessions:         sessions,
		SessionHeartbeat: viper.GetDuration("session_heartbeat"),
		Logger:           logger,
		Metrics:          metricsRecorder,
	}
	if googleClientID := viper.GetString("google_client_id"); googleClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(runContext)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		provider, providerErr := authkit.NewGoogleIdentityProvider(authkit.GoogleProviderConfig{
			ClientID:     googleClientID,
			ClientSecret: viper.GetString("google_client_secret"),
			CallbackURL:  viper.GetString("google_callback_url"),
		}, validator)
		if providerErr != nil {
			return providerErr
		}
		dependencies.Identity = provider
		dependencies.LoginStates = authkit.NewMemoryLoginStateStore(serverConfig.LoginStateTTL)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	authkit.MountAuthRoutes(router, dependencies)

	router.GET("/.well-known/openid-configuration", web.ServeDiscovery(web.DiscoveryConfig{
		Issuer:  serverConfig.Issuer,
		BaseURL: viper.GetString("public_base_url"),
		GrantTypes: []string{
			authkit.GrantTypeAuthorizationCode,
			authkit.GrantTypeImplicit,
			authkit.GrantTypePassword,
			authkit.GrantTypeClientCredentials,
			authkit.GrantTypeRefreshToken,
		},
		Scopes:           clients.Scopes(),
		FederatedLogin:   dependencies.Identity != nil,
		SessionStreaming: true,
	}))

	protected := router.Group("/api")
	protected.Use(authkit.RequireBearer(verifier))
	protected.GET("/me", web.HandleWhoAmI(logger))

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		closedSessions := sessions.Close()
		logger.Info("closing live sessions", zap.String("code", "server.shutdown"), zap.Int("sessions", closedSessions))
	})

	stopWatching := make(chan struct{})
	shutdownComplete := make(chan struct{})
	go func() {
		defer close(shutdownComplete)
		stopSignals := make(chan os.Signal, 1)
		stopNotify := notifyShutdownSignals(stopSignals)
		defer stopNotify()
		select {
		case <-stopSignals:
		case <-stopWatching:
			return
		}
		logger.Info("draining in-flight requests", zap.String("code", "server.shutdown"), zap.Duration("grace", shutdownGracePeriod))
		graceCtx, graceCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.String("issuer", serverConfig.Issuer),
		zap.Bool("federated_login", dependencies.Identity != nil))
	serveErr := serveHTTP(server)
	close(stopWatching)
	<-shutdownComplete
	cancelRun()
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

// subscribeBans keeps the session registry subscribed to bans until ctx is done,
// resubscribing with exponential backoff after a failure.
func subscribeBans(ctx context.Context, sessions *revocation.SessionRegistry, subscriber revocation.Subscriber, logger *zap.Logger, retryDelay time.Duration, maxRetryDelay time.Duration) {
	delay := retryDelay
	for {
		err := sessions.Run(ctx, subscriber)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("ban subscription interrupted",
			zap.String("code", "revocation.subscribe"),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func buildTokenCodec(serverConfig authkit.ServerConfig, clock authkit.Clock) (*authkit.TokenCodec, error) {
	signingKey, err := authkit.LoadSigningKey(viper.GetString("jwt_private_key_path"))
	if err != nil {
		return nil, err
	}
	var verificationKeys []authkit.VerificationKey
	for _, path := range viper.GetStringSlice("jwt_verification_key_paths") {
		if strings.TrimSpace(path) == "" {
			continue
		}
		key, loadErr := authkit.LoadVerificationKey(path)
		if loadErr != nil {
			return nil, loadErr
		}
		verificationKeys = append(verificationKeys, key)
	}
	return authkit.NewTokenCodec(serverConfig.Issuer, signingKey, clock, verificationKeys...)
}

func buildCredentialStore(ctx context.Context, backend string, redisClient *redis.Client, clock authkit.Clock, logger *zap.Logger) (authkit.CredentialStore, func(), error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", credentialStoreMemory:
		logger.Info("using in-memory credential store")
		return authkit.NewMemoryCredentialStore(), func() {}, nil
	case credentialStoreRedis:
		if redisClient == nil {
			return nil, nil, configError(configCodeMissingRedisURL, "redis_url must be provided for the redis credential store")
		}
		logger.Info("using redis credential store", zap.String("prefix", authkit.DefaultRedisKeyPrefix))
		return authkit.NewRedisCredentialStore(redisClient, authkit.DefaultRedisKeyPrefix), func() {}, nil
	case credentialStorePostgres:
		databaseURL := viper.GetString("credential_database_url")
		if databaseURL == "" {
			return nil, nil, configError(configCodeMissingCredentialDatabase, "credential_database_url must be provided for the postgres credential store")
		}
		pool, err := authkitpg.BuildPool(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, schemaErr
		}
		store := authkitpg.NewPostgresCredentialStore(pool, clock)
		go purgeExpiredCredentials(ctx, store, viper.GetDuration("credential_purge_interval"), logger)
		logger.Info("using postgres credential store")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("%s: %w: %s", configCodeUnsupportedCredentialType, authkit.ErrUnsupportedCredentialBackend, backend)
	}
}

type credentialPurger interface {
	Purge(ctx context.Context) (int64, error)
}

func purgeExpiredCredentials(ctx context.Context, purger credentialPurger, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := purger.Purge(ctx)
			if err != nil {
				logger.Warn("credential purge failed", zap.String("code", "credential_store.purge"), zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Info("expired credentials purged", zap.Int64("rows", purged))
			}
		}
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
