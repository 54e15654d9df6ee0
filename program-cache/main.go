package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heliosforge/progcache/internal/artifactstore"
	"github.com/heliosforge/progcache/internal/compiler"
	"github.com/heliosforge/progcache/internal/lock"
	"github.com/heliosforge/progcache/internal/platform/auditlog"
	"github.com/heliosforge/progcache/internal/platform/auth"
	"github.com/heliosforge/progcache/internal/platform/config"
	"github.com/heliosforge/progcache/internal/platform/httpserver"
	"github.com/heliosforge/progcache/internal/platform/objectstore"
	"github.com/heliosforge/progcache/internal/platform/postgres"
	platformredis "github.com/heliosforge/progcache/internal/platform/redis"
	"github.com/heliosforge/progcache/internal/service/programcache"
	"github.com/heliosforge/progcache/internal/service/retention"
	"github.com/heliosforge/progcache/internal/storage/memory"
	storageobjectstore "github.com/heliosforge/progcache/internal/storage/objectstore"
	storagepostgres "github.com/heliosforge/progcache/internal/storage/postgres"
	"github.com/heliosforge/progcache/internal/storage/redisstore"
	"github.com/heliosforge/progcache/internal/storage/sqlite"
	goredis "github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("invalid config", "error", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("program cache failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	// One redis client serves both the backend and the lock when both use it.
	var redisClient *goredis.Client
	openRedis := func() (*goredis.Client, error) {
		if redisClient != nil {
			return redisClient, nil
		}
		redisCfg, err := platformredis.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("invalid redis config: %w", err)
		}
		client, err := platformredis.Open(ctx, redisCfg)
		if err != nil {
			return nil, fmt.Errorf("redis unavailable: %w", err)
		}
		closers = append(closers, client.Close)
		redisClient = client
		return client, nil
	}

	var (
		db    *sql.DB
		dbCfg postgres.Config
	)
	openPostgres := func() (*sql.DB, postgres.Config, error) {
		if db != nil {
			return db, dbCfg, nil
		}
		c, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, postgres.Config{}, fmt.Errorf("invalid database config: %w", err)
		}
		handle, err := postgres.Open(ctx, c)
		if err != nil {
			return nil, postgres.Config{}, fmt.Errorf("database unavailable: %w", err)
		}
		closers = append(closers, handle.Close)
		db, dbCfg = handle, c
		return db, dbCfg, nil
	}

	backend, checks, err := openBackend(ctx, logger, cfg, openRedis, openPostgres, &closers)
	if err != nil {
		return err
	}

	policy, err := artifactstore.ParseConflictPolicy(cfg.ConflictPolicy)
	if err != nil {
		return err
	}
	store, err := artifactstore.New(backend, policy)
	if err != nil {
		return err
	}

	local := lock.NewLocal(cfg.Lock.WaitTimeout)
	var coordinator lock.Coordinator = local
	var locks lockLister = local
	if cfg.Lock.Mode == config.LockRedis {
		client, err := openRedis()
		if err != nil {
			return err
		}
		redisLock, err := lock.NewRedis(client, local, lock.RedisConfig{
			Expiry:     cfg.Lock.Expiry,
			Tries:      cfg.Lock.Tries,
			RetryDelay: cfg.Lock.RetryDelay,
		}, logger)
		if err != nil {
			return err
		}
		coordinator, locks = redisLock, redisLock
	}

	cache, err := programcache.New(store, coordinator, logger)
	if err != nil {
		return err
	}
	journal, err := openAudit(ctx, logger, cfg, openPostgres)
	if err != nil {
		return err
	}
	if journal != nil {
		cache.SetAuditRecorder(journal)
	}

	comp, err := compiler.NewExec(compiler.ExecConfig{
		Command: cfg.Compiler.Command,
		Args:    cfg.Compiler.Args,
		Timeout: cfg.Compiler.Timeout,
		Output:  compiler.OutputEncoding(cfg.Compiler.Output),
		Dir:     cfg.Compiler.Dir,
	})
	if err != nil {
		return fmt.Errorf("invalid compiler config: %w", err)
	}

	var sweeper *retention.Sweeper
	if cfg.Retention.Schedule != "" {
		pruner, ok := store.Backend().(artifactstore.Pruner)
		if !ok {
			logger.Warn("retention schedule ignored; backend cannot prune", "backend", cfg.Backend)
		} else {
			sweeper, err = retention.NewSweeper(pruner, cfg.Retention.Schedule, cfg.Retention.MaxAge, logger)
			if err != nil {
				return err
			}
			if err := sweeper.Start(); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = sweeper.Stop(stopCtx)
			}()
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(cfg.Service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(cfg.Service, 750*time.Millisecond, checks...))
	newProgramCacheAPI(logger, cache, comp, locks, sweeper).register(mux)

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid auth config: %w", err)
	}
	var authn *auth.TokenAuthenticator
	if authCfg.Mode == auth.ModeToken {
		if authn, err = auth.NewTokenAuthenticator(authCfg.Tokens); err != nil {
			return err
		}
	}
	guard := auth.Middleware{
		Logger:        logger,
		Authenticator: authn,
		WriteError: func(w http.ResponseWriter, r *http.Request, status int, code string) {
			httpserver.WriteError(w, r, status, code, "")
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}
	if journal != nil {
		guard.OnDeny = auditlog.DenyHook(journal, cfg.Service, logger)
	}
	handler := guard.Wrap(mux)

	logger.Info("program cache configured",
		"backend", cfg.Backend,
		"conflict_policy", store.Policy(),
		"lock", cfg.Lock.Mode,
		"compiler", cfg.Compiler.Command,
		"auth", authCfg.Mode,
		"audit", cfg.Audit.Sink,
	)

	serverCfg := httpserver.Config{
		Service:         cfg.Service,
		Addr:            cfg.HTTP.Addr,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
	}
	if err := httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, cfg.Service, handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func openAudit(ctx context.Context, logger *slog.Logger, cfg config.Config, openPostgres func() (*sql.DB, postgres.Config, error)) (auditlog.Recorder, error) {
	switch cfg.Audit.Sink {
	case config.AuditLog:
		return auditlog.LogRecorder{Logger: logger}, nil
	case config.AuditPostgres:
		db, _, err := openPostgres()
		if err != nil {
			return nil, err
		}
		rec, err := auditlog.NewSQLRecorder(db, cfg.Audit.Table)
		if err != nil {
			return nil, err
		}
		if err := rec.Migrate(ctx); err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, nil
}

func openBackend(ctx context.Context, logger *slog.Logger, cfg config.Config, openRedis func() (*goredis.Client, error), openPostgres func() (*sql.DB, postgres.Config, error), closers *[]func() error) (artifactstore.Backend, []httpserver.ReadinessCheck, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		b, err := memory.New(cfg.Memory.MaxEntries)
		return b, nil, err

	case config.BackendRedis:
		client, err := openRedis()
		if err != nil {
			return nil, nil, err
		}
		b, err := redisstore.New(client, cfg.Redis.TTL)
		if err != nil {
			return nil, nil, err
		}
		return b, []httpserver.ReadinessCheck{{Name: "redis", Check: b.HealthCheck}}, nil

	case config.BackendPostgres:
		db, dbCfg, err := openPostgres()
		if err != nil {
			return nil, nil, err
		}
		b, err := storagepostgres.NewBackend(db, dbCfg.Table)
		if err != nil {
			return nil, nil, err
		}
		if err := b.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return b, []httpserver.ReadinessCheck{{Name: "postgres", Check: db.PingContext}}, nil

	case config.BackendSQLite:
		b, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		*closers = append(*closers, b.Close)
		return b, []httpserver.ReadinessCheck{{Name: "sqlite", Check: b.HealthCheck}}, nil

	case config.BackendMinIO:
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("invalid object store config: %w", err)
		}
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("object store client init failed: %w", err)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := objectstore.EnsureBucket(startupCtx, client, storeCfg); err != nil {
			return nil, nil, fmt.Errorf("object store unavailable: %w", err)
		}
		objects, err := storageobjectstore.NewMinioStoreWithClient(client)
		if err != nil {
			return nil, nil, err
		}
		b, err := storageobjectstore.NewBackend(objects, storeCfg.Bucket, storeCfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("object store ready", "endpoint", storeCfg.Endpoint, "bucket", storeCfg.Bucket)
		return b, []httpserver.ReadinessCheck{{
			Name: "minio",
			Check: func(ctx context.Context) error {
				return objectstore.CheckBucket(ctx, client, storeCfg)
			},
		}}, nil
	}
	return nil, nil, fmt.Errorf("backend %q is not supported", cfg.Backend)
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}
