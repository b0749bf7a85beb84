// Package sweeper reclaims reservations whose deadline has passed.  Any
// number of sweepers may run against the same database: each reservation
// leaves ACTIVE through one conditional UPDATE, so it is expired once no
// matter how many sweepers see it.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/log"
	"github.com/iliyamo/ticket-inventory/internal/metrics"
)

// Lister finds expired ACTIVE reservations.
type Lister interface {
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Expirer drives one reservation to EXPIRED and returns its inventory.
type Expirer interface {
	Expire(ctx context.Context, reservationID string) error
}

// Config holds the scan cadence.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Result summarizes one batch.
type Result struct {
	Expired int
	Skipped int // lost to a concurrent confirm, cancel or sweeper
	Failed  int
}

// Sweeper periodically expires overdue reservations.
type Sweeper struct {
	lister  Lister
	expirer Expirer
	cfg     Config
	now     func() time.Time
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithClock replaces time.Now when choosing which deadlines have passed.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New returns a Sweeper.  Zero config values fall back to 15s and 100.
func New(lister Lister, expirer Expirer, cfg Config, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	s := &Sweeper{lister: lister, expirer: expirer, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := log.FromContext(ctx).WithField("component", "sweeper")
	logger.WithFields(logrus.Fields{
		"interval":   s.cfg.Interval,
		"batch_size": s.cfg.BatchSize,
	}).Info("Expiration sweeper started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Sweep failed")
		}
		select {
		case <-ctx.Done():
			logger.Info("Expiration sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce expires overdue reservations until a batch comes back short.
// Each reservation is its own transaction; one failure never stops the
// batch.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	logger := log.FromContext(ctx).WithField("component", "sweeper")
	var total Result
	for {
		ids, err := s.lister.ExpiredReservations(ctx, s.now().UTC(), s.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		batch := s.expireAll(ctx, logger, ids)
		total.Expired += batch.Expired
		total.Skipped += batch.Skipped
		total.Failed += batch.Failed

		// A batch made only of failures would be listed again forever.
		if len(ids) < s.cfg.BatchSize || batch.Expired == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	if total.Expired+total.Failed > 0 {
		logger.WithFields(logrus.Fields{
			"expired": total.Expired,
			"skipped": total.Skipped,
			"failed":  total.Failed,
		}).Info("Sweep finished")
	}
	return total, nil
}

func (s *Sweeper) expireAll(ctx context.Context, logger *logrus.Entry, ids []string) Result {
	var res Result
	for _, id := range ids {
		err := s.expirer.Expire(ctx, id)
		switch {
		case err == nil:
			res.Expired++
			metrics.SweptReservations.WithLabelValues("expired").Inc()
		case errors.Is(err, inventory.ErrInvalidState), errors.Is(err, inventory.ErrEntityNotFound):
			res.Skipped++
			metrics.SweptReservations.WithLabelValues("skipped").Inc()
			logger.WithField("reservation_id", id).Debug("Reservation already left ACTIVE")
		default:
			res.Failed++
			metrics.SweptReservations.WithLabelValues("failed").Inc()
			logger.WithError(err).WithField("reservation_id", id).Warn("Could not expire reservation")
		}
	}
	return res
}
