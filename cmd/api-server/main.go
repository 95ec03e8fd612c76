// Package main API Server 入口
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agents-exec/internal/apiserver/server"
	"agents-exec/internal/config"
	"agents-exec/internal/dispatcher"
	"agents-exec/internal/engine"
	"agents-exec/internal/lifecycle"
	"agents-exec/internal/provider"
	"agents-exec/internal/registry"
	"agents-exec/internal/shared/eventbus"
	eventbusredis "agents-exec/internal/shared/eventbus/redis"
	"agents-exec/internal/shared/objstore"
	"agents-exec/internal/shared/storage/dbutil"
	postgresdriver "agents-exec/internal/shared/storage/driver/postgres"
	sqlitedriver "agents-exec/internal/shared/storage/driver/sqlite"
	"agents-exec/internal/shared/storage/repository"
)

// openDatabase 按配置选择驱动并迁移 schema
func openDatabase(cfg config.DatabaseConfig) (*sql.DB, dbutil.Dialect, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgresdriver.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		dialect := postgresdriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, dialect, nil
	case "sqlite":
		db, err := sqlitedriver.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		dialect := sqlitedriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, dialect, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换 configs/{env}.yaml）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	db, dialect, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	store := repository.NewStore(db, dialect)
	defer store.Close()
	log.Printf("Connected to database [driver=%s]", cfg.Database.Driver)

	// Agent/MCP 注册表
	reg, err := registry.New(cfg.Registry.AgentsFile, cfg.Registry.McpServersFile)
	if err != nil {
		log.Fatalf("Failed to load agent registry: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := provider.NewRegistryFromConfig(ctx, cfg.Providers)
	if err != nil {
		log.Fatalf("Failed to init providers: %v", err)
	}

	broadcaster := eventbus.NewUserBroadcaster()
	disp := dispatcher.New(reg)

	engineOpts := []engine.Option{engine.WithBroadcaster(broadcaster)}

	// Redis 事件回放流（可选）
	var replay eventbus.ReplayBus
	if cfg.Redis.Addr != "" {
		rs, err := eventbusredis.NewStore(cfg.Redis.Addr, "", cfg.Redis.DB)
		if err != nil {
			log.Printf("Redis unavailable, event replay disabled: %v", err)
		} else {
			defer rs.Close()
			replay = rs
			engineOpts = append(engineOpts, engine.WithReplayBus(rs))
			log.Printf("Connected to Redis [addr=%s]", cfg.Redis.Addr)
		}
	}

	eng := engine.New(store, disp, engineOpts...)
	srv := server.New(cfg, store, eng, providers, reg, disp, broadcaster)
	if replay != nil {
		srv.SetReplayBus(replay)
	}

	// MinIO 对象存储（可选）
	if cfg.MinIO.Endpoint != "" {
		oc, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			log.Printf("MinIO unavailable, blob endpoints disabled: %v", err)
		} else if err := oc.EnsureBucket(ctx); err != nil {
			log.Printf("MinIO bucket check failed, blob endpoints disabled: %v", err)
		} else {
			srv.SetObjectStore(oc)
			log.Printf("Connected to MinIO [endpoint=%s]", cfg.MinIO.Endpoint)
		}
	}

	// MCP 服务生命周期管理与健康协调循环
	runner := lifecycle.OSRunner{}
	specs := lifecycle.NewRegistrySpecs(reg)
	manager := lifecycle.NewManager(store, specs, runner, cfg.Lifecycle)
	health := lifecycle.NewHealthLoop(manager, store, specs, runner, cfg.Lifecycle)
	go health.Run(ctx)

	httpSrv := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     srv.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// SSE/WebSocket 长连接，不设写超时
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}
