package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rillchat/internal/infrastructure/signal"
	"rillchat/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannel = "rillchat:signal"

// envelope is what travels over the Redis channel.
type envelope struct {
	InstanceID string         `json:"instance_id"`
	SentAt     time.Time      `json:"sent_at"`
	Message    signal.Message `json:"message"`
}

// SignalBus relays signaling messages between server instances that share
// one Redis identity registry. Every instance receives every message and
// keeps only those addressed to its own connections.
type SignalBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger
}

var _ signal.Relay = (*SignalBus)(nil)

func NewSignalBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *SignalBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	b := &SignalBus{
		client:     client,
		instanceID: instanceID,
		channel:    defaultChannel,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		logger:     logger,
	}
	b.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		b.logger.Warnw("signal relay breaker changed state", "from", from.String(), "to", to.String())
	})
	return b
}

// Forward publishes msg for the instance that holds msg.TargetPeer. While
// Redis keeps failing the breaker rejects publishes without a round trip.
func (b *SignalBus) Forward(ctx context.Context, msg signal.Message) error {
	data, err := json.Marshal(envelope{
		InstanceID: b.instanceID,
		SentAt:     time.Now(),
		Message:    msg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	err = b.breaker.Execute(ctx, func() error {
		return b.client.Publish(ctx, b.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	return nil
}

// Run subscribes to the channel and passes every foreign message to
// deliver until ctx is done.
func (b *SignalBus) Run(ctx context.Context, deliver func(signal.Message) bool) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so Forward calls made
	// after Run starts are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.logger.Infow("signal bus subscribed", "channel", b.channel, "instance_id", b.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("signal bus subscription closed")
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warnw("failed to unmarshal relayed signal", "error", err)
				continue
			}
			if env.InstanceID == b.instanceID {
				continue
			}
			if deliver(env.Message) {
				b.logger.Debugw("delivered relayed signal",
					"type", env.Message.Type,
					"to_peer", env.Message.TargetPeer,
					"from_instance", env.InstanceID,
					"lag", time.Since(env.SentAt),
				)
			}
		}
	}
}
