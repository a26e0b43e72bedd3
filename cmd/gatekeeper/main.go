package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/gatekeeper"
	"github.com/oarkflow/gatekeeper/logger"
	"github.com/oarkflow/gatekeeper/stores"
)

func main() {
	var (
		listen     = flag.String("listen", ":8600", "admin API listen address")
		configPath = flag.String("config", "", "config file (.yaml, .json, .dsl, .bin)")
		sqlitePath = flag.String("sqlite", "", "sqlite database path for rules and permissions")
		redisAddr  = flag.String("redis", "", "redis address for permissions and invalidation fan-out")
		strict     = flag.Bool("strict", false, "reject contradictory rules instead of warning")
	)
	flag.Parse()

	log := logger.NewPhusluLogger()

	registryOpts := []gatekeeper.RegistryOption{gatekeeper.WithRegistryLogger(log)}
	if *strict {
		registryOpts = append(registryOpts, gatekeeper.WithStrictValidation())
	}
	registry := gatekeeper.NewRegistry(registryOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		source    gatekeeper.PermissionSource
		ruleStore gatekeeper.RuleStore
		bus       gatekeeper.InvalidationBus
	)
	switch {
	case *sqlitePath != "":
		sqlDB, err := sql.Open("sqlite", *sqlitePath)
		if err != nil {
			log.Error("open sqlite", "path", *sqlitePath, "error", err)
			os.Exit(1)
		}
		db := squealx.NewDb(sqlDB, "sqlite", "gatekeeper")
		if err := stores.Migrate(db); err != nil {
			log.Error("migrate", "error", err)
			os.Exit(1)
		}
		source = stores.NewSQLPermissionSource(db)
		ruleStore = stores.NewSQLRuleStore(db)
	case *redisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		source = stores.NewRedisPermissionSource(client)
		bus = stores.NewRedisInvalidationBus(client, "")
	default:
		source = stores.NewMemoryPermissionSource()
	}

	resolver, err := gatekeeper.NewResolver(source, gatekeeper.WithResolverLogger(log))
	if err != nil {
		log.Error("create resolver", "error", err)
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	metrics := gatekeeper.NewMetrics(promRegistry)
	auditStore := gatekeeper.NewMemoryAuditStore(0)

	engine, err := gatekeeper.NewEngine(registry, resolver,
		gatekeeper.WithLogger(log),
		gatekeeper.WithMetrics(metrics),
		gatekeeper.WithAuditStore(auditStore),
	)
	if err != nil {
		log.Error("create engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if ruleStore != nil {
		if err := registry.LoadFrom(ctx, ruleStore); err != nil {
			log.Error("load rules", "error", err)
			os.Exit(1)
		}
	}
	if *configPath != "" {
		cfg, err := loadConfigFile(*configPath)
		if err != nil {
			log.Error("load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		if err := engine.ApplyConfig(ctx, cfg); err != nil {
			log.Error("apply config", "error", err)
			os.Exit(1)
		}
	}

	coordOpts := []gatekeeper.InvalidationCoordinatorOption{gatekeeper.WithCoordinatorLogger(log)}
	if bus != nil {
		coordOpts = append(coordOpts, gatekeeper.WithInvalidationBus(bus))
	}
	coordinator, err := gatekeeper.NewInvalidationCoordinator(resolver, coordOpts...)
	if err != nil {
		log.Error("create coordinator", "error", err)
		os.Exit(1)
	}
	coordinator.Start(ctx)

	admin := gatekeeper.NewAdminServer(engine,
		gatekeeper.WithAdminLogger(log),
		gatekeeper.WithAdminCoordinator(coordinator),
		gatekeeper.WithAdminAuditStore(auditStore),
		gatekeeper.WithPrometheusRegistry(promRegistry),
	)

	server := &http.Server{
		Addr:              *listen,
		Handler:           admin.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("admin API listening", "addr", *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = coordinator.Stop(shutdownCtx)
}

func loadConfigFile(path string) (*gatekeeper.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	loader := gatekeeper.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dsl", ".gk":
		return gatekeeper.NewDSLParser().Parse(data)
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	case ".bin":
		return loader.LoadBinary(data)
	default:
		return nil, errors.New("unsupported config format: " + filepath.Ext(path))
	}
}
