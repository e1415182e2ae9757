package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/cache/jetstreamkv"
	"github.com/pitabwire/frame/cache/valkey"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/util"

	aconfig "github.com/antinvestor/service-realtime/apps/default/config"
	"github.com/antinvestor/service-realtime/apps/default/service/business"
	"github.com/antinvestor/service-realtime/apps/default/service/clients"
	"github.com/antinvestor/service-realtime/apps/default/service/gateway"
	"github.com/antinvestor/service-realtime/apps/default/service/handlers"
	"github.com/antinvestor/service-realtime/apps/default/service/repository"
	"github.com/antinvestor/service-realtime/internal/health"
)

const (
	healthCheckTimeout    = 5 * time.Second
	connectionWarnPercent = 90
)

var errDraining = errors.New("instance is draining connections")

// runService wires the realtime service and blocks until it stops.
func runService(ctx context.Context) error {
	cfg, err := config.FromEnv[aconfig.RealtimeConfig]()
	if err != nil {
		util.Log(ctx).WithError(err).Error("could not process configs")
		return err
	}

	if err = cfg.Validate(); err != nil {
		util.Log(ctx).WithError(err).Error("invalid configuration")
		return err
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_realtime"
	}

	rawCache, err := setupCache(ctx, cfg)
	if err != nil {
		util.Log(ctx).WithError(err).Error("could not setup cache")
		return err
	}

	ctx, svc := frame.NewServiceWithContext(ctx, frame.WithConfig(&cfg), frame.WithDatastore())
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	dbPool := svc.DatastoreManager().GetPool(ctx, datastore.DefaultPoolName)

	if cfg.DoDatabaseMigrate() {
		if err = repository.Migrate(ctx, dbPool); err != nil {
			log.WithError(err).Fatal("main -- Could not migrate successfully")
		}
		return nil
	}

	directory, mediaStore, err := setupCollaborators(cfg)
	if err != nil {
		log.WithError(err).Fatal("main -- Could not setup collaborators")
	}

	auth := clients.NewJWTAuthenticator(cfg.AuthJWTSecret, cfg.AuthJWTIssuer, cfg.AuthJWTAudience)
	presence := business.NewPresenceTracker()

	connectionManager := gateway.NewConnectionManager(ctx, gateway.SettingsFromConfig(&cfg), auth, presence)

	chat := setupChatBusiness(&cfg, dbPool, rawCache, directory, mediaStore, presence, connectionManager)
	connectionManager.SetChatService(chat)

	// The stop signal cancels ctx. Readiness fails and clients are asked to leave at once,
	// while frame keeps the listener up until the process exits.
	stopCtx, stop := context.WithCancel(ctx)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-stopCtx.Done()

		drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownDrain()/2)
		defer drainCancel()
		connectionManager.DrainConnections(drainCtx)
	}()

	// Defers run LIFO: connections drain and close before svc.Stop.
	defer func() {
		stop()
		<-drained

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownDrain()/2)
		defer shutdownCancel()
		if shutdownErr := connectionManager.Shutdown(shutdownCtx); shutdownErr != nil {
			util.Log(shutdownCtx).WithError(shutdownErr).Error("connection manager shutdown error")
		}
	}()

	healthHandler := setupHealthChecks(dbPool, rawCache, connectionManager)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthHandler.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/readyz", healthHandler.ReadinessHandler).Methods(http.MethodGet)
	handlers.NewChatServer(chat, auth, connectionManager, cfg.MaxFrameBytes).Routes(router)

	svc.Init(ctx, frame.WithHTTPHandler(router))

	log.WithFields(map[string]any{
		"max_connections":   cfg.MaxConnections,
		"protocol_versions": cfg.SupportedProtocolVersions,
	}).Info("realtime service starting")

	return svc.Run(ctx, "")
}

func main() {
	ctx := context.Background()
	if err := runService(ctx); err != nil {
		util.Log(ctx).WithError(err).Fatal("could not run service")
	}
}

// setupCache picks the media lookup cache backend from the cache URI scheme.
func setupCache(_ context.Context, cfg aconfig.RealtimeConfig) (cache.RawCache, error) {
	cacheDSN := data.DSN(cfg.CacheURI)

	cacheOptions := []cache.Option{
		cache.WithDSN(cacheDSN),
	}

	if cfg.CacheCredentialsFile != "" {
		cacheOptions = append(cacheOptions, cache.WithCredsFile(cfg.CacheCredentialsFile))
	}

	switch {
	case cacheDSN.IsNats():
		return jetstreamkv.New(cacheOptions...)
	case cacheDSN.IsRedis():
		return valkey.New(cacheOptions...)
	default:
		return cache.NewInMemoryCache(), nil
	}
}

// setupCollaborators builds the user directory and media store clients.
// Without a directory URI every user id is accepted.
func setupCollaborators(cfg aconfig.RealtimeConfig) (business.UserDirectory, business.MediaStore, error) {
	httpClient := &http.Client{Timeout: cfg.CollaboratorTimeout()}
	breaker := clients.BreakerSettings{
		MaxFailures:  int64(cfg.BreakerMaxFailures),
		ResetTimeout: cfg.BreakerResetTimeout(),
	}

	var directory business.UserDirectory = clients.AllowAllDirectory{}
	if cfg.UserDirectoryURI != "" {
		httpDirectory, err := clients.NewHTTPUserDirectory(
			cfg.UserDirectoryURI, httpClient, cfg.CollaboratorTimeout(), breaker)
		if err != nil {
			return nil, nil, err
		}
		directory = httpDirectory
	}

	mediaStore, err := clients.NewHTTPMediaStore(cfg.MediaStoreURI, httpClient, cfg.CollaboratorTimeout(), breaker)
	if err != nil {
		return nil, nil, err
	}

	return directory, mediaStore, nil
}

// setupChatBusiness wires repositories, media resolution and routing behind the chat surface.
func setupChatBusiness(
	cfg *aconfig.RealtimeConfig,
	dbPool pool.Pool,
	rawCache cache.RawCache,
	directory business.UserDirectory,
	mediaStore business.MediaStore,
	presence *business.PresenceTracker,
	sender business.FrameSender,
) business.ChatBusiness {
	conversationRepo := repository.NewConversationRepository(dbPool)
	messageRepo := repository.NewMessageRepository(dbPool)
	deliveryRepo := repository.NewDeliveryRepository(dbPool)
	readMarkerRepo := repository.NewReadMarkerRepository(dbPool)

	media := business.NewMediaResolver(mediaStore, conversationRepo, rawCache, cfg.MediaCacheTTL())
	router := business.NewMessageRouter(messageRepo, deliveryRepo, presence, sender, cfg.FanoutConcurrency)

	return business.NewChatBusiness(
		cfg,
		conversationRepo,
		messageRepo,
		deliveryRepo,
		readMarkerRepo,
		directory,
		media,
		router,
		presence,
		sender,
	)
}

// setupHealthChecks registers the database, cache and connection capacity checks.
func setupHealthChecks(
	dbPool pool.Pool,
	rawCache cache.RawCache,
	connectionManager gateway.ConnectionManager,
) *health.Handler {
	handler := health.NewHandler()

	handler.AddChecker(health.NewDatabaseChecker(dbPool, healthCheckTimeout))
	handler.AddChecker(health.NewCacheChecker(rawCache, healthCheckTimeout))
	handler.AddChecker(health.NewCapacityChecker("connections", func() (int, int) {
		return int(connectionManager.ActiveConnections()), int(connectionManager.Capacity())
	}, connectionWarnPercent))
	handler.AddChecker(health.NewPingChecker("accepting_connections", func(context.Context) error {
		if connectionManager.Draining() {
			return errDraining
		}
		return nil
	}, healthCheckTimeout))

	return handler
}
