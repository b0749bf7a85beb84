// Command sweeper runs the expiration sweeper outside the API server.
// Any number of instances may run against the same database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/iliyamo/ticket-inventory/internal/app"
	"github.com/iliyamo/ticket-inventory/internal/config"
	"github.com/iliyamo/ticket-inventory/internal/log"
	"github.com/iliyamo/ticket-inventory/internal/sweeper"
)

func main() {
	cfg := config.Load()
	interval := flag.Duration("interval", cfg.SweepInterval, "time between sweeps")
	batch := flag.Int("batch-size", cfg.SweepBatchSize, "reservations expired per batch")
	once := flag.Bool("once", false, "sweep once and exit")
	flag.Parse()

	log.Init(cfg.Env, cfg.LogLevel)
	if err := run(cfg, sweeper.Config{Interval: *interval, BatchSize: *batch}, *once); err != nil {
		logrus.WithError(err).Fatal("sweeper stopped")
	}
}

func run(cfg config.Config, swCfg sweeper.Config, once bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg.HoldLimit.Enabled = false
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	sw := sweeper.New(a.Store, a.Manager, swCfg)
	if once {
		res, err := sw.SweepOnce(ctx)
		logrus.WithFields(logrus.Fields{
			"expired": res.Expired,
			"skipped": res.Skipped,
			"failed":  res.Failed,
		}).Info("Sweep done")
		return err
	}
	return sw.Run(ctx)
}
