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

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/tcprelay/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (defaults to environment variables)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := server.NewLogger(cfg.Log, os.Stdout)
	logger.Info("starting GoChat relay",
		"tcp_addr", cfg.TCPAddr,
		"http_addr", cfg.HTTPAddr,
		"queue_capacity", cfg.QueueCapacity,
		"broadcast_capacity", cfg.BroadcastCapacity,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(*cfg, logger.With("component", "hub"))
	listener := server.NewListener(hub, *cfg, logger.With("component", "tcp"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run()
		return nil
	})

	g.Go(func() error {
		if err := listener.ListenAndServe(); err != nil && !errors.Is(err, server.ErrListenerClosed) {
			return err
		}
		return nil
	})

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		gateway := server.NewGateway(hub, *cfg, logger.With("component", "gateway"))
		httpServer = server.CreateServer(cfg.HTTPAddr, server.SetupRoutes(gateway))
		g.Go(func() error {
			return server.StartServer(httpServer, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := listener.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tcp listener: %w", err))
		}
		if httpServer != nil {
			if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("hub: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay stopped with error", "error", err)
		return err
	}
	logger.Info("relay stopped")
	return nil
}

func loadConfig(path string) (*server.Config, error) {
	if path != "" {
		return server.LoadConfig(path)
	}
	cfg := server.NewConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
