package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config controls the Redis connection for the push channel.
type Config struct {
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
	PingTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// Open initializes a Redis client and validates connectivity via PING.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("push: redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("push: redis ping failed: %w", err)
	}
	return rdb, nil
}

// Handler consumes decoded push messages.
type Handler interface {
	HandleIncomingPush(msg Message)
	HandleCancelPush(callID string)
	HandleStatusPush(msg Message)
}

// Subscriber listens on an identity's push channel and dispatches
// notifications. The go-redis PubSub reconnects on its own; the subscriber
// only has to keep draining messages.
type Subscriber struct {
	rdb     *redis.Client
	handler Handler
	logger  *slog.Logger
}

// NewSubscriber creates a push subscriber.
func NewSubscriber(rdb *redis.Client, handler Handler, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		rdb:     rdb,
		handler: handler,
		logger:  logger.With("subsystem", "push"),
	}
}

// Run subscribes to the identity's channel and dispatches messages until
// ctx is canceled.
func (s *Subscriber) Run(ctx context.Context, identity string) error {
	channel := ChannelFor(identity)
	sub := s.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	// Force the subscription before reporting started.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("push: subscribing to %s: %w", channel, err)
	}
	s.logger.Info("push channel subscribed", "channel", channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("push: subscription to %s closed", channel)
			}
			s.dispatch(m.Payload)
		}
	}
}

func (s *Subscriber) dispatch(payload string) {
	msg, err := DecodeMessage([]byte(payload))
	if err != nil {
		s.logger.Warn("dropping malformed push message", "error", err)
		return
	}

	switch msg.Type {
	case TypeIncoming:
		s.logger.Debug("incoming call push", "call_id", msg.CallID, "from", msg.From)
		s.handler.HandleIncomingPush(msg)
	case TypeCancel:
		s.logger.Debug("cancel push", "call_id", msg.CallID)
		s.handler.HandleCancelPush(msg.CallID)
	case TypeStatusUpdate:
		s.logger.Debug("call status push", "call_id", msg.CallID)
		s.handler.HandleStatusPush(msg)
	}
}
