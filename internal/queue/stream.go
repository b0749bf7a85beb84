package queue

import (
    "context"
    "encoding/json"
    "fmt"

    "github.com/ThreeDotsLabs/watermill"
    "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
    "github.com/ThreeDotsLabs/watermill/message"
    "github.com/redis/go-redis/v9"
    "github.com/sirupsen/logrus"
)

const correlationIDKey = "correlation_id"

// StreamPublisher publishes ReservationEvents as watermill messages, one
// topic per event name.  With Redis the topics are streams.
type StreamPublisher struct {
    pub message.Publisher
}

// NewStreamPublisher wraps any watermill publisher.
func NewStreamPublisher(pub message.Publisher) *StreamPublisher {
    return &StreamPublisher{pub: pub}
}

// NewRedisStreamPublisher publishes to Redis streams through rdb.
func NewRedisStreamPublisher(rdb redis.UniversalClient, logger watermill.LoggerAdapter) (*StreamPublisher, error) {
    pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: rdb}, logger)
    if err != nil {
        return nil, fmt.Errorf("redis stream publisher: %w", err)
    }
    return NewStreamPublisher(pub), nil
}

// NewRedisStreamSubscriber reads the streams within consumerGroup.
func NewRedisStreamSubscriber(rdb redis.UniversalClient, consumerGroup string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
    sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
        Client:        rdb,
        ConsumerGroup: consumerGroup,
    }, logger)
    if err != nil {
        return nil, fmt.Errorf("redis stream subscriber: %w", err)
    }
    return sub, nil
}

func (p *StreamPublisher) Publish(ctx context.Context, ev ReservationEvent) error {
    body, err := json.Marshal(ev)
    if err != nil {
        return fmt.Errorf("marshal %s: %w", ev.Name, err)
    }
    msg := message.NewMessage(watermill.NewUUID(), body)
    msg.SetContext(ctx)
    if ev.CorrelationID != "" {
        msg.Metadata.Set(correlationIDKey, ev.CorrelationID)
    }
    if err := p.pub.Publish(ev.Name, msg); err != nil {
        return fmt.Errorf("publish %s: %w", ev.Name, err)
    }
    return nil
}

// Close closes the underlying publisher.
func (p *StreamPublisher) Close() error { return p.pub.Close() }

// logrusAdapter lets watermill log through logrus.
type logrusAdapter struct {
    entry *logrus.Entry
}

// NewWatermillLogger returns a watermill.LoggerAdapter writing to entry.
func NewWatermillLogger(entry *logrus.Entry) watermill.LoggerAdapter {
    return logrusAdapter{entry: entry}
}

func (l logrusAdapter) with(fields watermill.LogFields) *logrus.Entry {
    return l.entry.WithFields(logrus.Fields(fields))
}

func (l logrusAdapter) Error(msg string, err error, fields watermill.LogFields) {
    l.with(fields).WithError(err).Error(msg)
}

func (l logrusAdapter) Info(msg string, fields watermill.LogFields) { l.with(fields).Info(msg) }

func (l logrusAdapter) Debug(msg string, fields watermill.LogFields) { l.with(fields).Debug(msg) }

func (l logrusAdapter) Trace(msg string, fields watermill.LogFields) { l.with(fields).Trace(msg) }

func (l logrusAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
    return logrusAdapter{entry: l.with(fields)}
}
