// Package eventbus wires the watermill transport carrying exchange events
// between the reconciliation engine and the output emitters. The default
// transport is in-process (gochannel); Redis Streams can be enabled so several
// webtap processes share one event plane.
package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-webtap/webtap/pkg/stream"
)

// Settings holds event transport configuration.
type Settings struct {
	RedisEnabled bool   `mapstructure:"redis-enabled"`
	RedisAddr    string `mapstructure:"redis-addr"`
	Group        string `mapstructure:"redis-group"`
	Consumer     string `mapstructure:"redis-consumer"`
}

func (s Settings) withDefaults() Settings {
	if s.RedisAddr == "" {
		s.RedisAddr = "localhost:6379"
	}
	if s.Group == "" {
		s.Group = "webtap-ui"
	}
	if s.Consumer == "" {
		s.Consumer = "emitter-1"
	}
	return s
}

// Bus owns the publisher side of the exchange event plane and constructs
// per-exchange subscribers.
type Bus struct {
	settings Settings
	channel  *gochannel.GoChannel
	redisPub message.Publisher
}

// New builds an in-memory bus, or a Redis Streams bus when enabled.
func New(s Settings) (*Bus, error) {
	s = s.withDefaults()
	b := &Bus{settings: s}
	if !s.RedisEnabled {
		b.channel = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, NewWatermillLogger(log.Logger))
		return b, nil
	}
	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "build redis stream publisher")
	}
	b.redisPub = pub
	return b, nil
}

func (b *Bus) Publisher() message.Publisher {
	if b == nil {
		return nil
	}
	if b.redisPub != nil {
		return b.redisPub
	}
	return b.channel
}

// Subscriber returns a subscriber for one exchange topic and whether the
// caller owns it (and must close it when the exchange ends). The in-memory
// channel is shared and must not be closed per exchange.
func (b *Bus) Subscriber(ctx context.Context, exchangeID string) (message.Subscriber, bool, error) {
	if b == nil {
		return nil, false, errors.New("event bus is not initialized")
	}
	if exchangeID == "" {
		return nil, false, errors.New("exchange id is empty")
	}
	if !b.settings.RedisEnabled {
		return b.channel, false, nil
	}
	topic := stream.TopicForExchange(exchangeID)
	if err := ensureGroupAtTail(ctx, b.settings.RedisAddr, topic, b.settings.Group); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("ensure redis consumer group")
	}
	client := redis.NewClient(&redis.Options{Addr: b.settings.RedisAddr})
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: b.settings.Group,
		Consumer:      b.settings.Consumer + ":" + exchangeID,
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, false, errors.Wrap(err, "build redis stream subscriber")
	}
	return sub, true, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	if b.redisPub != nil {
		return b.redisPub.Close()
	}
	if b.channel != nil {
		return b.channel.Close()
	}
	return nil
}

// ensureGroupAtTail creates the consumer group at $ so a fresh subscriber does
// not replay the stream's history.
func ensureGroupAtTail(ctx context.Context, addr, topic, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	return nil
}
