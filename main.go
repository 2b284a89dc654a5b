package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"tilespace/config"
	"tilespace/directory"
	"tilespace/server"
	"tilespace/store"
	"tilespace/world"
)

// tilespace 入口：加载配置，组装目录、存储、空间注册表，启动 WebSocket 服务
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var seed bool
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "server listen address, e.g. :8080")
	flag.BoolVar(&seed, "seed", false, "insert a demo space and users into the directory")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := server.InitLogger(server.LogOptions{FilePath: cfg.LogFile, Level: cfg.Level(), Stderr: cfg.LogStderr}); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, seed); err != nil {
		server.Log.Errorw("exiting", "error", err)
		server.SyncLogger()
		os.Exit(1)
	}
	server.Log.Info("exiting")
}

func run(ctx context.Context, cfg *config.Config, seed bool) error {
	dir, err := directory.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening directory: %w", err)
	}
	defer dir.Close()

	if seed {
		if err := seedDemo(ctx, dir); err != nil {
			return err
		}
	}

	nc, closeNats, err := connectNats(cfg)
	if err != nil {
		return err
	}
	defer closeNats()

	kv, err := store.OpenKV(ctx, nc, cfg.KVBucket, cfg.StoreTimeout, server.Log.Named("store"))
	if err != nil {
		return err
	}

	loader := world.NewLoader(dir, os.DirFS(cfg.MapsDir), server.Log.Named("world"))
	registry := server.NewRegistry(loader, kv)
	registry.StartSweeper(ctx, cfg.SweepInterval, cfg.IdleTTL)

	auth := server.NewAuthenticator(cfg.JWTSecret)
	if seed {
		if tok, err := auth.Issue("demo-admin", 24*time.Hour); err == nil {
			server.Log.Infow("demo token issued", "user", "demo-admin", "token", tok)
		}
	}
	ws := server.NewHandler(ctx, registry, dir, auth, cfg.AllowedOrigins)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	// 管理与监控接口
	mux.HandleFunc("/admin/spaces", registry.HandleSpaces)
	mux.HandleFunc("/metrics", registry.MetricsHandler(ws.Metrics()))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		server.Log.Infof("tilespace listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 优雅退出（Ctrl+C）
	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	server.Log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// connectNats 连接外部 NATS；未配置时启动内嵌服务
func connectNats(cfg *config.Config) (*nats.Conn, func(), error) {
	url := cfg.NatsURL
	var embedded *store.EmbeddedServer
	if url == "" {
		var err error
		embedded, err = store.NewEmbeddedServer(
			store.WithStoreDir(cfg.NatsStoreDir),
			store.WithHost(cfg.NatsHost),
			store.WithPort(cfg.NatsPort),
			store.WithLogger(server.Log.Named("nats")),
		)
		if err != nil {
			return nil, nil, err
		}
		if err := embedded.Start(); err != nil {
			return nil, nil, err
		}
		url = embedded.ClientURL()
	}

	nc, err := nats.Connect(url, nats.Name("tilespace"), nats.Timeout(cfg.StoreTimeout))
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return nc, func() {
		nc.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
	}, nil
}

func seedDemo(ctx context.Context, dir *directory.Store) error {
	steps := []func() error{
		func() error { return dir.PutUser(ctx, "demo-admin", "adam") },
		func() error { return dir.PutUser(ctx, "demo-guest", "amelia") },
		func() error { return dir.PutSpace(ctx, "demo", "Demo Office", "office", "demo-admin") },
		func() error { return dir.AddParticipant(ctx, "demo", "demo-guest") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("seeding demo data: %w", err)
		}
	}
	server.Log.Infow("demo data seeded", "space", "demo")
	return nil
}
