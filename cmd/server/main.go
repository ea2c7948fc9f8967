package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ComUnity/attribution-pixel/internal/capi"
	"github.com/ComUnity/attribution-pixel/internal/client"
	"github.com/ComUnity/attribution-pixel/internal/config"
	"github.com/ComUnity/attribution-pixel/internal/handler"
	"github.com/ComUnity/attribution-pixel/internal/metrics"
	"github.com/ComUnity/attribution-pixel/internal/middleware"
	"github.com/ComUnity/attribution-pixel/internal/repository"
	"github.com/ComUnity/attribution-pixel/internal/service"
	"github.com/ComUnity/attribution-pixel/internal/telemetry"
	"github.com/ComUnity/attribution-pixel/internal/util/logger"
)

var version = "development"

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/app-config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		panic(fmt.Errorf("failed to load config: %w", err))
	}

	logger.ReplaceGlobal(&cfg.Logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.NewAWSSecretResolver().ResolveAccounts(ctx, cfg); err != nil {
		logger.Fatal("Secret resolution failed: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	repo, err := openRepository(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Event store init failed: %v", err)
	}
	defer repo.Close()

	checkers := []handler.HealthChecker{
		&handler.DatabaseHealthChecker{DB: repo, Driver: cfg.Database.Driver},
	}

	// Redis is optional: dedup and rate limiting fall back to process memory.
	var (
		rcli  *client.RedisClient
		dedup service.Deduper = service.NewMemoryDeduper(cfg.Pipeline.DedupTTL)
	)
	if cfg.Redis.Enabled {
		rcli, err = client.NewRedisClient(ctx, client.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			CircuitBreaker: client.CircuitBreakerConfig{
				Enabled:      cfg.Redis.CircuitBreaker.Enabled,
				FailureRatio: cfg.Redis.CircuitBreaker.FailureRatio,
				RecoveryTime: cfg.Redis.CircuitBreaker.RecoveryTime,
				MinRequests:  cfg.Redis.CircuitBreaker.MinRequests,
			},
			Observe: m.ObserveRedis,
		})
		if err != nil {
			logger.Warn("Redis unavailable, using in-process dedup: %v", err)
			rcli = nil
		} else {
			defer rcli.Close()
			dedup = service.NewRedisDeduper(rcli, cfg.Pipeline.DedupTTL)
			checkers = append(checkers, &handler.RedisHealthChecker{Client: rcli})
		}
	}

	var (
		pub     service.EventPublisher
		auditMW = middleware.NewRequestAuditMW(nil, []byte(cfg.Server.AuditPepper))
		shipper *telemetry.KafkaShipper
	)
	if cfg.Kafka.Enabled {
		shipper, err = telemetry.NewKafkaShipper(cfg.Kafka)
		if err != nil {
			logger.Fatal("Kafka shipper init failed: %v", err)
		}
		shipper.OnDrop = m.Dropped
		shipper.Start()
		pub = shipper
		auditMW.Shipper = shipper
	}

	// In-process Kafka -> ES sink (consumer group)
	var k2es *telemetry.KafkaToES
	if cfg.Kafka.Enabled && cfg.Elastic.Enabled {
		k2es = telemetry.NewKafkaToES(cfg.Kafka, cfg.Elastic)
		k2es.Start(ctx)
	}

	forwarders, err := buildForwarders(cfg.Accounts)
	if err != nil {
		logger.Fatal("Forwarder init failed: %v", err)
	}
	conv := service.NewConversionDispatcher(forwarders, cfg.Pipeline.ConversionWorkers, cfg.Pipeline.ConversionQueue, m)
	conv.Start(ctx)

	ingest := service.NewIngestService(repo, dedup, pub, conv, m, service.IngestConfig{
		DropThreshold:  cfg.Pipeline.DropThreshold,
		MaxBatchEvents: cfg.Pipeline.MaxBatchEvents,
	})

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		lc := middleware.LimiterConfig{
			RatePerInterval: cfg.RateLimit.RatePerInterval,
			Interval:        cfg.RateLimit.Interval,
			Burst:           cfg.RateLimit.Burst,
		}
		if cfg.RateLimit.UseRedis {
			lc.Redis = rcli
		}
		limiter = middleware.NewRateLimiter(lc)
	}

	router := handler.NewRouter(handler.RouterDeps{
		Events: handler.NewEventsHandler(ingest, cfg.Server.MaxBodyBytes),
		Health: handler.NewHealthHandler(cfg, version, checkers...),
		ClientIP: middleware.ClientIPConfig{
			TrustedProxyIPHeaders: cfg.Server.ProxyIPHeaders,
			TrustedProxyCIDRs:     cfg.Server.TrustedProxyCIDRs,
		},
		Security: middleware.SecurityHeadersConfig{
			HSTSMaxAge:        cfg.Server.HSTSMaxAge,
			IncludeSubdomains: true,
			TrustProxyHeader:  cfg.Server.TrustForwardProto,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Audit:          auditMW,
		Limiter:        limiter,
		Metrics:        reg,
		RequestTimeout: cfg.Server.WriteTimeout,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	logger.Info("Starting collector %s on %s (env=%s, store=%s, accounts=%d)",
		version, addr, cfg.Env, cfg.Database.Driver, len(forwarders))

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done() // wait for termination signal

	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error: %v", err)
	}
	conv.Stop(shutdownCtx)
	if shipper != nil {
		shipper.Stop(shutdownCtx)
	}
	if k2es != nil {
		k2es.Stop(shutdownCtx)
	}
	logger.Info("Server exited cleanly")
}

func openRepository(ctx context.Context, db config.DatabaseConfig) (repository.EventRepository, error) {
	switch db.Driver {
	case "postgres":
		return repository.NewPostgresEventRepository(ctx, db.DSN, repository.PoolConfig{
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
		})
	case "sqlite":
		return repository.NewSQLiteEventRepository(ctx, db.DSN)
	default:
		logger.Warn("Using in-memory event store; events are lost on restart")
		return repository.NewMemoryEventRepository(), nil
	}
}

// buildForwarders skips accounts without ad-platform credentials so they
// still collect events.
func buildForwarders(accounts []config.AccountConfig) (map[string]service.Submitter, error) {
	out := make(map[string]service.Submitter, len(accounts))
	for _, a := range accounts {
		if a.PixelID == "" || a.AccessToken == "" {
			logger.Warn("Account %s has no pixel credentials, conversions will not be forwarded", a.ID)
			continue
		}
		f, err := capi.NewForwarder(capi.Config{
			PixelID:       a.PixelID,
			AccessToken:   a.AccessToken,
			APIVersion:    a.APIVersion,
			BaseURL:       a.BaseURL,
			TestEventCode: a.TestEventCode,
			Timeout:       a.Timeout,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", a.ID, err)
		}
		out[a.ID] = f
		logger.Info("Forwarding conversions for account %s to pixel %s", a.ID, a.PixelID)
	}
	return out, nil
}
