package stream

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TopicForExchange computes the event topic for one exchange.
func TopicForExchange(exchangeID string) string { return "exchange:" + exchangeID }

// WatermillSink publishes exchange events to the exchange's topic.
type WatermillSink struct {
	pub        message.Publisher
	exchangeID string
	topic      string
}

var _ Sink = &WatermillSink{}

func NewWatermillSink(pub message.Publisher, exchangeID string) (*WatermillSink, error) {
	if pub == nil {
		return nil, errors.New("watermill sink: publisher is nil")
	}
	if exchangeID == "" {
		return nil, errors.New("watermill sink: exchange id is empty")
	}
	return &WatermillSink{
		pub:        pub,
		exchangeID: exchangeID,
		topic:      TopicForExchange(exchangeID),
	}, nil
}

func (s *WatermillSink) Emit(_ context.Context, ev Event) error {
	ev.ExchangeID = s.exchangeID
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal stream event")
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	if err := s.pub.Publish(s.topic, msg); err != nil {
		log.Debug().Err(err).Str("topic", s.topic).Msg("publish to closed exchange topic")
		return errors.Wrap(ErrSinkClosed, err.Error())
	}
	return nil
}
