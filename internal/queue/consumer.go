// Package queue carries reservation lifecycle events between the inventory
// core and its downstream consumers, over RabbitMQ or Redis streams.
package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "github.com/ThreeDotsLabs/watermill/message"
    amqp "github.com/rabbitmq/amqp091-go"
    "github.com/sirupsen/logrus"
    "golang.org/x/sync/errgroup"
)

// AuditQueueName is the durable queue the audit consumer binds to every
// reservation event.
const AuditQueueName = "reservation.audit"

// EventNames lists every lifecycle event, in the order a reservation can
// go through them.
var EventNames = []string{
    EventReservationCreated,
    EventReservationConfirmed,
    EventReservationCancelled,
    EventReservationExpired,
    EventReservationReleased,
}

// Auditor writes one structured log line per reservation event.
type Auditor struct {
    Logger *logrus.Entry
}

// Handle decodes body and logs it.  A body that does not decode is an
// error so the caller can reject the message.
func (a Auditor) Handle(body []byte) error {
    var ev ReservationEvent
    if err := json.Unmarshal(body, &ev); err != nil {
        return fmt.Errorf("unmarshal: %w", err)
    }
    if ev.Name == "" || ev.ReservationID == "" {
        return errors.New("event without name or reservation id")
    }
    var units uint32
    for _, it := range ev.Items {
        units += it.Quantity
    }
    a.Logger.WithFields(logrus.Fields{
        "event":              ev.Name,
        "reservation_id":     ev.ReservationID,
        "event_id":           ev.EventID,
        "holder_id":          ev.HolderID,
        "status":             ev.Status,
        "units":              units,
        "total_amount_cents": ev.TotalAmountCents,
        "currency":           ev.Currency,
        "reason":             ev.Reason,
        "occurred_at":        ev.OccurredAt,
        "correlation_id":     ev.CorrelationID,
    }).Info("Reservation event")
    return nil
}

// ConsumeAMQP binds the audit queue to the reservations exchange and feeds
// deliveries to the auditor.  It reconnects with exponential backoff and
// returns only when ctx is done.
func (a Auditor) ConsumeAMQP(ctx context.Context, url string) error {
    backoff := time.Second
    for {
        conn, err := amqp.Dial(url)
        if err != nil {
            a.Logger.WithError(err).Warnf("audit consumer: failed to dial broker; retrying in %s", backoff)
            if !sleep(ctx, backoff) {
                return nil
            }
            if backoff < 30*time.Second {
                backoff *= 2
            }
            continue
        }
        backoff = time.Second // reset after successful connect

        err = a.consumeLoop(ctx, conn)
        _ = conn.Close()
        if ctx.Err() != nil {
            return nil
        }
        a.Logger.WithError(err).Warn("audit consumer: consume loop ended; reconnecting")
        if !sleep(ctx, 2*time.Second) {
            return nil
        }
    }
}

func (a Auditor) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(50, 0, false); err != nil {
        a.Logger.WithError(err).Warn("audit consumer: set QoS failed")
    }
    if err := declareExchange(ch); err != nil {
        return err
    }
    if _, err := ch.QueueDeclare(AuditQueueName, true, false, false, false, nil); err != nil {
        return fmt.Errorf("queue declare: %w", err)
    }
    if err := ch.QueueBind(AuditQueueName, "reservation.#", ExchangeName, false, nil); err != nil {
        return fmt.Errorf("queue bind: %w", err)
    }
    msgs, err := ch.ConsumeWithContext(ctx, AuditQueueName, "", false, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue consume: %w", err)
    }

    for d := range msgs {
        if err := a.Handle(d.Body); err != nil {
            a.Logger.WithError(err).Warn("audit consumer: handle message failed")
            _ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
            continue
        }
        _ = d.Ack(false)
    }
    return errors.New("deliveries channel closed")
}

// ConsumeStream subscribes to every event topic of sub and feeds the
// messages to the auditor until ctx is done.
func (a Auditor) ConsumeStream(ctx context.Context, sub message.Subscriber) error {
    g, ctx := errgroup.WithContext(ctx)
    for _, topic := range EventNames {
        msgs, err := sub.Subscribe(ctx, topic)
        if err != nil {
            return fmt.Errorf("subscribe %s: %w", topic, err)
        }
        g.Go(func() error {
            for msg := range msgs {
                if err := a.Handle(msg.Payload); err != nil {
                    a.Logger.WithError(err).WithField("message_uuid", msg.UUID).Warn("audit consumer: dropping message")
                }
                // Undecodable messages are acked too; redelivery cannot fix them.
                msg.Ack()
            }
            return nil
        })
    }
    return g.Wait()
}

// sleep waits for d or until ctx is done and reports whether it slept the
// full duration.
func sleep(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}
