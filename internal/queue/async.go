package queue

import (
    "context"
    "sync"
    "time"

    "github.com/sirupsen/logrus"

    "github.com/iliyamo/ticket-inventory/internal/log"
    "github.com/iliyamo/ticket-inventory/internal/metrics"
)

// Defaults for NewAsync.
const (
    DefaultBuffer         = 1024
    DefaultPublishTimeout = 10 * time.Second
)

type queued struct {
    ctx context.Context
    ev  ReservationEvent
}

// Async hands events to a wrapped Publisher from a single goroutine so a
// slow or unreachable broker never holds up the caller.  When the buffer
// is full the event is dropped and logged.
type Async struct {
    next    Publisher
    timeout time.Duration
    events  chan queued
    done    chan struct{}

    mu     sync.RWMutex
    closed bool
}

// NewAsync starts the drain goroutine.  buffer and timeout fall back to
// DefaultBuffer and DefaultPublishTimeout when not positive.
func NewAsync(next Publisher, buffer int, timeout time.Duration) *Async {
    if buffer <= 0 {
        buffer = DefaultBuffer
    }
    if timeout <= 0 {
        timeout = DefaultPublishTimeout
    }
    a := &Async{
        next:    next,
        timeout: timeout,
        events:  make(chan queued, buffer),
        done:    make(chan struct{}),
    }
    go a.drain()
    return a
}

// Publish enqueues ev and returns at once.  The request context is kept
// for its log fields but its cancellation is not.
func (a *Async) Publish(ctx context.Context, ev ReservationEvent) error {
    a.mu.RLock()
    defer a.mu.RUnlock()
    if a.closed {
        return nil
    }
    select {
    case a.events <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
    default:
        metrics.EventsPublished.WithLabelValues("dropped").Inc()
        log.FromContext(ctx).WithFields(logrus.Fields{
            "reservation_id": ev.ReservationID,
            "event":          ev.Name,
        }).Warn("Event buffer full; dropping reservation event")
    }
    return nil
}

func (a *Async) drain() {
    defer close(a.done)
    for q := range a.events {
        ctx, cancel := context.WithTimeout(q.ctx, a.timeout)
        err := a.next.Publish(ctx, q.ev)
        cancel()
        if err != nil {
            metrics.EventsPublished.WithLabelValues("failed").Inc()
            log.FromContext(q.ctx).WithError(err).WithFields(logrus.Fields{
                "reservation_id": q.ev.ReservationID,
                "event":          q.ev.Name,
            }).Warn("Failed to publish reservation event")
            continue
        }
        metrics.EventsPublished.WithLabelValues("sent").Inc()
    }
}

// Close stops accepting events, sends what is buffered and closes the
// wrapped publisher.
func (a *Async) Close() error {
    a.mu.Lock()
    if a.closed {
        a.mu.Unlock()
        return nil
    }
    a.closed = true
    close(a.events)
    a.mu.Unlock()
    <-a.done
    return a.next.Close()
}
