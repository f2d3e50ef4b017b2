package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/microbook/quote-engine/internal/model"
)

// ChannelPrefix prefixes the per-market Redis channel: market:{id}.
const ChannelPrefix = "market:"

// RedisPublisher publishes events on the market's Redis channel.
type RedisPublisher struct {
	rdb redis.Cmdable
}

func NewRedisPublisher(rdb redis.Cmdable) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, marketID string, e model.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, ChannelPrefix+marketID, b).Err(); err != nil {
		return fmt.Errorf("notify: redis publish %s: %w", marketID, err)
	}
	return nil
}

// RelayToHub subscribes to every market channel and forwards payloads to the
// hub, so clients connected to any instance see events from all of them.
// It blocks until ctx is cancelled.
func RelayToHub(ctx context.Context, rdb *redis.Client, hub *WSHub) error {
	sub := rdb.PSubscribe(ctx, ChannelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !json.Valid([]byte(msg.Payload)) {
				slog.Warn("relay: dropping malformed event",
					"market", strings.TrimPrefix(msg.Channel, ChannelPrefix))
				continue
			}
			hub.send([]byte(msg.Payload))
		}
	}
}
