package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/storefront-core/internal/api"
	"github.com/fairyhunter13/storefront-core/internal/bus"
	"github.com/fairyhunter13/storefront-core/internal/cart"
	"github.com/fairyhunter13/storefront-core/internal/checkout"
	"github.com/fairyhunter13/storefront-core/internal/config"
	httpapi "github.com/fairyhunter13/storefront-core/internal/http"
	"github.com/fairyhunter13/storefront-core/internal/hub"
	"github.com/fairyhunter13/storefront-core/internal/obs"
	"github.com/fairyhunter13/storefront-core/internal/realtime"
	"github.com/fairyhunter13/storefront-core/internal/session"
	"github.com/fairyhunter13/storefront-core/internal/storage"
)

func serve(ctx context.Context, cfg config.Config) error {
	obs.InitLogger()
	obs.SetLevel(cfg.LogLevel)
	obs.Logger.Info("service_starting", "version", version, "storage", cfg.StorageBackend)

	shutdownTracer, err := obs.InitTracer(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return err
	}

	kv, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer kv.Close()

	c := cart.Open(kv, cfg.CartKey)
	b := bus.New()
	busCtx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()
	b.Start(busCtx, cfg.BusHighWatermark)

	client := api.New(cfg.APIBaseURL, cfg.APITimeout)
	conn := realtime.NewManager(realtime.Options{
		URL:              cfg.HubURL,
		Backoff:          cfg.ReconnectBackoff,
		MaxAttempts:      cfg.MaxReconnectAttempts,
		HandshakeTimeout: cfg.HandshakeTimeout,
		InvokeTimeout:    cfg.InvokeTimeout,
	}, dialHub(cfg.PingInterval), b)
	sess := session.New(kv, client, conn)
	client.UseTokens(sess, sess)

	app := httpapi.NewApp(cfg, c, checkout.New(c, client), conn, b, sess, client)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		obs.Logger.Info("http_listen", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if !sess.Restore(gctx) {
			obs.Logger.Info("session_absent", "hint", "POST /session to sign in")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		obs.Logger.Info("shutdown_begin", "backlog_size", b.BacklogSize())
		app.StartShutdown()

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		b.Close()
		if drained := b.DrainUntil(sctx); !drained {
			obs.Logger.Warn("shutdown_drain_timeout")
		}
		if err := srv.Shutdown(sctx); err != nil {
			obs.Logger.Error("http_shutdown_error", "error", err)
		}
		conn.Close()
		if err := shutdownTracer(sctx); err != nil {
			obs.Logger.Warn("tracer_shutdown_error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	obs.Logger.Info("service_stopped")
	return err
}

func dialHub(ping time.Duration) realtime.DialFunc {
	return func(url, token string) (realtime.Transport, error) {
		return hub.New(url, token, hub.WithPingInterval(ping)), nil
	}
}
