package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/example/courier-dispatch/internal/config"
	"github.com/example/courier-dispatch/internal/courier"
	"github.com/example/courier-dispatch/internal/eta"
	"github.com/example/courier-dispatch/internal/gateway"
	"github.com/example/courier-dispatch/internal/location"
	"github.com/example/courier-dispatch/internal/logging"
	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/ride"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadCourierConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("courier-runtime", cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("courier runtime stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.CourierConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := gateway.NewClient(cfg.GatewayURL, cfg.CourierID, cfg.GatewayToken, cfg.GatewayTimeout)

	var ch notify.Channel
	switch cfg.NotifyTransport {
	case "amqp":
		ch = notify.NewAMQPChannel(cfg.AMQPURL, cfg.AMQPExchange, cfg.CourierID, logger)
	default:
		ch = notify.NewWSChannel(cfg.NotifyURL, cfg.CourierID, cfg.GatewayToken, logger)
	}

	est := &eta.Estimator{Cache: eta.NewCache(30 * time.Second), SpeedMps: cfg.SpeedMps}
	if cfg.OSRMURL != "" {
		est.Provider = eta.NewOSRMClient(cfg.OSRMURL)
	}

	session := courier.NewSession(courier.Config{
		CourierID:  cfg.CourierID,
		OfferTick:  cfg.OfferTick,
		Thresholds: ride.Thresholds{StoreMeters: cfg.StoreRadiusM, CustomerMeters: cfg.CustomerRadiusM},
		Retry:      ride.RetryPolicy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay},
		Location: location.Config{
			Cadence: location.CadencePolicy{
				Idle:   cfg.CadenceIdle,
				Active: cfg.CadenceActive,
				Near:   cfg.CadenceNear,
			},
			ServerEvery:    cfg.ServerUpdateInterval,
			ForwardTimeout: cfg.GatewayTimeout,
		},
	}, courier.Deps{
		Gateway:   gw,
		Channel:   ch,
		Estimator: est,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              cfg.LocalAddr,
		Handler:           courier.NewAPI(session, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error {
		logger.Info("courier api listening", "addr", cfg.LocalAddr, "courier_id", cfg.CourierID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
