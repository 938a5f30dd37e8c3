package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// channelPrefix namespaces bus traffic so a shared redis can also host the
// roster keys without collisions.
const channelPrefix = "meetpoint:"

// RedisBus fans events out over redis pub/sub. Every coordination process
// publishes to and subscribes from the same five channels; local echo is
// filtered by the subscriber where needed, not here.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(ctx context.Context, opt *redis.Options) (*RedisBus, error) {
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisBus{client: client}, nil
}

func (b *RedisBus) Publish(ctx context.Context, p Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", p.Channel(), err)
	}
	return b.client.Publish(ctx, channelPrefix+string(p.Channel()), data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...Channel) (<-chan Payload, error) {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = channelPrefix + string(ch)
	}
	sub := b.client.Subscribe(ctx, names...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Payload, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				ch := Channel(msg.Channel[len(channelPrefix):])
				p, err := Decode(ch, []byte(msg.Payload))
				if err != nil {
					log.Warn().Err(err).
						Str("module", "fanout.redis").
						Str("channel", msg.Channel).
						Msg("dropping malformed event")
					continue
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Close() error { return b.client.Close() }
