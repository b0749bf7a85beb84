package main // Entry point package

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/ticket-inventory/internal/app"
	"github.com/iliyamo/ticket-inventory/internal/config"
	"github.com/iliyamo/ticket-inventory/internal/handler"
	"github.com/iliyamo/ticket-inventory/internal/log"
	"github.com/iliyamo/ticket-inventory/internal/middleware"
	"github.com/iliyamo/ticket-inventory/internal/queue"
	"github.com/iliyamo/ticket-inventory/internal/router"
	"github.com/iliyamo/ticket-inventory/internal/sweeper"
)

func main() {
	cfg := config.Load()
	log.Init(cfg.Env, cfg.LogLevel)
	if err := run(cfg); err != nil {
		logrus.WithError(err).Fatal("server stopped")
	}
}

func run(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logrus.WithError(err).Warn("shutdown incomplete")
		}
	}()

	var scripter redis.Scripter
	if a.Redis != nil {
		scripter = a.Redis
	}
	e := router.New()
	router.RegisterRoutes(e, a.Store, promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	router.RegisterInventory(e, handler.NewInventoryHandler(a.Manager))
	router.RegisterReservations(e, handler.NewReservationHandler(a.Manager), cfg.JWTSecret,
		middleware.HoldLimiter(cfg.HoldLimit, scripter))

	sw := sweeper.New(a.Store, a.Manager, sweeper.Config{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
	})
	auditor := queue.Auditor{Logger: logrus.WithField("component", "audit")}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sw.Run(ctx) })
	g.Go(func() error { return auditor.Run(ctx, cfg.EventsTransport, cfg.RabbitMQURL, a.Redis) })
	g.Go(func() error {
		addr := ":" + cfg.Port
		logrus.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env}).Info("Server starting")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
