// ubl-node runs the UBL core: the REST+SSE surface and the JSON-RPC tool
// server over one shared service layer. DATABASE_URL selects Postgres for
// the index store; without it everything runs on embedded SQLite.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ubl-labs/ubl-core/pkg/api"
	"github.com/ubl-labs/ubl-core/pkg/config"
	"github.com/ubl-labs/ubl-core/pkg/llm"
	"github.com/ubl-labs/ubl-core/pkg/mcp"
	"github.com/ubl-labs/ubl-core/pkg/observability"
	"github.com/ubl-labs/ubl-core/pkg/policy"
	"github.com/ubl-labs/ubl-core/pkg/service"
	"github.com/ubl-labs/ubl-core/pkg/store"
)

func main() {
	cfg := config.Load()
	logger := observability.SetupLogging(cfg.LogLevel)

	ctx := context.Background()

	sqliteDB, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer sqliteDB.Close()

	kv, err := store.NewSQLiteKV(sqliteDB)
	if err != nil {
		log.Fatalf("init keyed store: %v", err)
	}

	var idx store.Index
	if cfg.DatabaseURL != "" {
		pgDB, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer pgDB.Close()
		if err := pgDB.PingContext(ctx); err != nil {
			log.Fatalf("postgres ping: %v", err)
		}
		idx, err = store.NewPostgresIndex(pgDB)
		if err != nil {
			log.Fatalf("init postgres index: %v", err)
		}
		logger.Info("index store ready", "backend", "postgres")
	} else {
		idx, err = store.NewSQLiteIndex(sqliteDB)
		if err != nil {
			log.Fatalf("init sqlite index: %v", err)
		}
		logger.Info("index store ready", "backend", "sqlite", "path", cfg.SQLitePath)
	}

	var evaluator policy.Evaluator
	if cfg.PolicyFile != "" {
		engine, err := policy.NewEngine()
		if err != nil {
			log.Fatalf("init policy engine: %v", err)
		}
		if err := engine.LoadFile(cfg.PolicyFile); err != nil {
			log.Fatalf("load policy file %s: %v", cfg.PolicyFile, err)
		}
		evaluator = engine
		logger.Info("policy enforcement on", "file", cfg.PolicyFile, "policies", engine.PolicyCount())
	}

	var limiter api.Allower
	if cfg.RedisAddr != "" {
		limiter = api.NewRedisLimiter(cfg.RedisAddr, cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiter ready", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		limiter = api.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiter ready", "backend", "local")
	}

	svc := service.New(cfg, kv, idx, evaluator, llm.StubCompleter{})

	restSrv := api.NewServer(svc, cfg)
	rpcSrv, err := mcp.NewServer(svc, cfg)
	if err != nil {
		log.Fatalf("init tool server: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", rpcSrv.Routes(limiter))
	mux.Handle("/", restSrv.Routes(limiter))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ubl-node listening", "addr", cfg.ListenAddr, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
