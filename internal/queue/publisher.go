package queue

import (
    "context"
    "encoding/json"
    "fmt"
    "sync"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeName is the durable topic exchange every lifecycle event is
// published to, routed by event name.
const ExchangeName = "reservations"

// Broker dial limits.  After a failed dial the publisher fails fast
// until redialBackoff has passed.
const (
    dialTimeout   = 5 * time.Second
    redialBackoff = 2 * time.Second
)

// AMQPPublisher publishes ReservationEvents to RabbitMQ.  The connection is
// dialed on first use and re-dialed after a failure.  Messages are marked
// as persistent.  Publish blocks on the broker; wrap it in Async on a
// request path.
type AMQPPublisher struct {
    url string

    mu      sync.Mutex
    conn    *amqp.Connection
    ch      *amqp.Channel
    retryAt time.Time
    lastErr error
}

// NewAMQPPublisher returns a publisher for the broker at url.  Nothing is
// dialed until the first Publish.
func NewAMQPPublisher(url string) *AMQPPublisher {
    return &AMQPPublisher{url: url}
}

// Publish sends ev with its name as routing key.  Errors are returned so
// the caller can log them; the reservation itself has already committed.
func (p *AMQPPublisher) Publish(ctx context.Context, ev ReservationEvent) error {
    body, err := json.Marshal(ev)
    if err != nil {
        return fmt.Errorf("marshal %s: %w", ev.Name, err)
    }

    p.mu.Lock()
    defer p.mu.Unlock()
    ch, err := p.channel()
    if err != nil {
        return err
    }
    pub := amqp.Publishing{
        ContentType:   "application/json",
        DeliveryMode:  amqp.Persistent, // store on disk
        Timestamp:     time.Now().UTC(),
        MessageId:     ev.ReservationID + ":" + ev.Name,
        CorrelationId: ev.CorrelationID,
        Type:          ev.Name,
        Body:          body,
    }
    if err := ch.PublishWithContext(ctx, ExchangeName, ev.Name, false, false, pub); err != nil {
        p.reset()
        return fmt.Errorf("publish %s: %w", ev.Name, err)
    }
    return nil
}

// channel returns the open channel, dialing and declaring the exchange
// when needed.  p.mu must be held.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
    if p.ch != nil && !p.ch.IsClosed() {
        return p.ch, nil
    }
    p.reset()
    if time.Now().Before(p.retryAt) {
        return nil, fmt.Errorf("rabbitmq dial backing off: %w", p.lastErr)
    }
    conn, err := amqp.DialConfig(p.url, amqp.Config{
        Dial:      amqp.DefaultDial(dialTimeout),
        Heartbeat: 10 * time.Second,
        Locale:    "en_US",
    })
    if err != nil {
        p.retryAt, p.lastErr = time.Now().Add(redialBackoff), err
        return nil, fmt.Errorf("rabbitmq dial: %w", err)
    }
    ch, err := conn.Channel()
    if err != nil {
        _ = conn.Close()
        return nil, fmt.Errorf("rabbitmq channel open: %w", err)
    }
    if err := declareExchange(ch); err != nil {
        _ = ch.Close()
        _ = conn.Close()
        return nil, err
    }
    p.conn, p.ch = conn, ch
    return ch, nil
}

func (p *AMQPPublisher) reset() {
    if p.ch != nil {
        _ = p.ch.Close()
    }
    if p.conn != nil {
        _ = p.conn.Close()
    }
    p.conn, p.ch = nil, nil
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
    p.mu.Lock()
    defer p.mu.Unlock()
    p.reset()
    return nil
}

// declareExchange is idempotent.  Durable so bindings survive broker
// restarts.
func declareExchange(ch *amqp.Channel) error {
    if err := ch.ExchangeDeclare(ExchangeName, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
        return fmt.Errorf("exchange declare: %w", err)
    }
    return nil
}

// Noop discards every event.  Used when EVENTS_TRANSPORT=none.
type Noop struct{}

func (Noop) Publish(context.Context, ReservationEvent) error { return nil }

func (Noop) Close() error { return nil }
