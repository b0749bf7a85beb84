package queue

import (
    "context"
    "errors"
    "fmt"

    "github.com/redis/go-redis/v9"
    "github.com/sirupsen/logrus"
)

// Transports accepted by EVENTS_TRANSPORT.
const (
    TransportAMQP  = "amqp"
    TransportRedis = "redis"
    TransportNone  = "none"
)

// AuditConsumerGroup is the Redis stream consumer group of the auditor.
const AuditConsumerGroup = "reservation-audit"

var errNoRedis = errors.New("redis transport selected but redis is unavailable")

// Publisher is a ReservationEvent sink that owns a connection.
type Publisher interface {
    Publish(ctx context.Context, ev ReservationEvent) error
    Close() error
}

// NewPublisher builds the publisher for transport.  rdb may be nil unless
// transport is redis.  Broker-backed publishers are wrapped in Async.
func NewPublisher(transport, amqpURL string, rdb *redis.Client, logger *logrus.Entry) (Publisher, error) {
    switch transport {
    case TransportAMQP:
        return NewAsync(NewAMQPPublisher(amqpURL), DefaultBuffer, DefaultPublishTimeout), nil
    case TransportRedis:
        if rdb == nil {
            return nil, errNoRedis
        }
        p, err := NewRedisStreamPublisher(rdb, NewWatermillLogger(logger))
        if err != nil {
            return nil, err
        }
        return NewAsync(p, DefaultBuffer, DefaultPublishTimeout), nil
    case TransportNone, "":
        return Noop{}, nil
    }
    return nil, fmt.Errorf("unknown events transport %q", transport)
}

// Run consumes events from transport until ctx is done.  With no
// transport there is nothing to consume and Run returns at once.
func (a Auditor) Run(ctx context.Context, transport, amqpURL string, rdb *redis.Client) error {
    switch transport {
    case TransportAMQP:
        return a.ConsumeAMQP(ctx, amqpURL)
    case TransportRedis:
        if rdb == nil {
            return errNoRedis
        }
        sub, err := NewRedisStreamSubscriber(rdb, AuditConsumerGroup, NewWatermillLogger(a.Logger))
        if err != nil {
            return err
        }
        defer func() { _ = sub.Close() }()
        return a.ConsumeStream(ctx, sub)
    }
    return nil
}
