//go:build linux

// Command httpcored wires configuration, logging, the epoll reactor, the
// worker pool, and a demo application handler into a runnable HTTP/1.x
// server, accepting connections with an optional token-bucket throttle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/waitress-go/httpcore/internal/config"
	"github.com/waitress-go/httpcore/internal/logging"
	"github.com/waitress-go/httpcore/internal/metrics"
	"github.com/waitress-go/httpcore/internal/objectstore"
	"github.com/waitress-go/httpcore/internal/reactor"
	"github.com/waitress-go/httpcore/internal/task"
	"github.com/waitress-go/httpcore/internal/workpool"
)

const (
	defaultPoolSize   = 16
	defaultQueueDepth = 256
)

func main() {
	configPath := flag.String("config", "/etc/httpcored/httpcore.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	r, err := reactor.New(reactor.Config{
		IdleTimeout: cfg.IdleTimeoutDuration(),
		SweepCron:   cfg.SweepCron,
	}, logger)
	if err != nil {
		return fmt.Errorf("starting reactor: %w", err)
	}

	pool := workpool.New(defaultPoolSize, defaultQueueDepth, logger)

	handler, err := buildHandler(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building handler: %w", err)
	}
	appFactory := task.NewAppTaskFactory(handler, task.Config{
		CompressionMinSize: cfg.Compression.MinSize,
		CompressionLevel:   cfg.Compression.LevelInt(),
	})
	errFactory := task.NewErrorTaskFactory()

	chCfg := cfg.Adj.Channel()

	reporter := metrics.New(r, pool, logger, 30*time.Second)
	reporter.Start()
	defer reporter.Stop()

	reactorCtx, stopReactor := context.WithCancel(ctx)
	defer stopReactor()
	go func() {
		if err := r.Run(reactorCtx); err != nil && ctx.Err() == nil {
			logger.Error("reactor loop exited", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	logger.Info("server listening", "address", cfg.Listen)

	var limiter *rate.Limiter
	if cfg.RateLimit.ConnectionsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.ConnectionsPerSecond), cfg.RateLimit.Burst)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		ln.Close()
		r.Shutdown()
		pool.Shutdown()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("server shutdown complete")
				return nil
			default:
				consecutiveErrors++
				logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0

		if limiter != nil && !limiter.Allow() {
			conn.Close()
			continue
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		if _, err := r.RegisterConn(tcpConn, chCfg, appFactory, errFactory, pool.Submit); err != nil {
			logger.Error("registering connection", "error", err)
			conn.Close()
		}
	}
}

func buildHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if cfg.ObjectStore.Enabled {
		store, err := objectstore.New(ctx, objectstore.Config{
			Bucket:       cfg.ObjectStore.Bucket,
			Region:       cfg.ObjectStore.Region,
			Endpoint:     cfg.ObjectStore.Endpoint,
			UsePathStyle: cfg.ObjectStore.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("configuring object store: %w", err)
		}
		mux.HandleFunc("/objects/", func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Path[len("/objects/"):]
			fs, err := store.Open(r.Context(), key)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			defer fs.Close()

			streamer, ok := w.(task.FileStreamer)
			if !ok {
				http.Error(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}
			if err := streamer.ServeFileStream(fs); err != nil {
				logger.Error("streaming object", "key", key, "error", err)
			}
		})
	}

	return mux, nil
}
