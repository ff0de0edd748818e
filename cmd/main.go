/*
Package main is the entry point of the chatty server.

It loads the configuration file given with -f, initializes the global logger, opens
the blob store and the optional statistics database, and runs the chat multiplexer
next to the optional admin HTTP surface. SIGINT, SIGTERM and SIGQUIT stop the server
in the configured shutdown mode; SIGUSR1 appends the counters to the statistics file.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chatty/internal/app/chat"
	"chatty/internal/app/db"
	"chatty/internal/app/stats"
	"chatty/internal/app/storage"
	"chatty/internal/configs"
	"chatty/internal/handler"
	"chatty/internal/pkg/logx"
)

func main() {
	confPath := flag.String("f", "chatty.conf", "path of the configuration file")
	flag.Parse()

	cfg, err := configs.LoadConfig(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logx.InitGlobalLogger(cfg.IsDevelopment())
	network, address := cfg.ListenAddr()
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Str("network", network).
		Str("address", address).
		Int("threads", cfg.ThreadsInPool).
		Int("queue_capacity", cfg.QueueCapacity).
		Int("max_connections", cfg.MaxConnections).
		Str("shutdown_mode", cfg.ShutdownMode).
		Str("blob_backend", cfg.BlobBackend).
		Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logx.Fatal(err, "Server stopped with an error")
	}

	logx.Info("Server gracefully stopped.")
}

func run(ctx context.Context, cfg *configs.AppConfig) error {
	blobs, err := storage.NewBlobStore(ctx, storage.ServiceConfig{
		Backend:           cfg.BlobBackend,
		DirName:           cfg.DirName,
		S3BucketName:      cfg.S3BucketName,
		S3Endpoint:        cfg.S3Endpoint,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		S3Region:          cfg.S3Region,
	})
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	var sink *db.StatsSink
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open stats database: %w", err)
		}
		sink = db.NewStatsSink(pool)
		defer sink.Close()
	}

	srv, err := chat.NewServer(cfg, blobs, stats.New())
	if err != nil {
		return err
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})

	g.Go(func() error {
		dumpOnSignal(gctx, srv)
		return nil
	})

	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			recordStats(gctx, cfg.StatsInterval, srv, sink)
			return nil
		})
	}

	if cfg.AdminAddr != "" {
		g.Go(func() error {
			return serveAdmin(gctx, cfg, srv)
		})
	}

	return g.Wait()
}

// listen binds the chat listener. A stale UNIX socket file left by a previous run
// is removed first.
func listen(cfg *configs.AppConfig) (net.Listener, error) {
	network, address := cfg.ListenAddr()

	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", address, err)
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s %s: %w", network, address, err)
	}

	logx.Info("Chat listener bound", "network", network, "address", ln.Addr().String())
	return ln, nil
}

func dumpOnSignal(ctx context.Context, srv *chat.Server) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			if err := srv.DumpStats(); err != nil {
				logx.Error(err, "Statistics dump failed")
			}
		}
	}
}

// recordStats appends a statistics line every interval and, when a database is
// configured, stores the same snapshot there.
func recordStats(ctx context.Context, interval time.Duration, srv *chat.Server, sink *db.StatsSink) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := srv.DumpStats(); err != nil {
				logx.Error(err, "Periodic statistics dump failed")
			}
			if sink == nil {
				continue
			}
			if err := sink.InsertSnapshot(ctx, srv.Stats().Snapshot(), now); err != nil && ctx.Err() == nil {
				logx.Error(err, "Storing statistics snapshot failed")
			}
		}
	}
}

func serveAdmin(ctx context.Context, cfg *configs.AppConfig, srv *chat.Server) error {
	router := handler.Router(&handler.AppDeps{
		Chat:   srv,
		Config: cfg,
		Done:   ctx.Done(),
	})

	server := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Info(fmt.Sprintf("Admin server starting on http://%s", cfg.AdminAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}
