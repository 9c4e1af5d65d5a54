package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// Channel identifies which text stream of an exchange a fragment belongs to.
// A fragment keeps its channel for its whole lifetime.
type Channel string

const (
	// ChannelResponse carries the assistant's final answer text.
	ChannelResponse Channel = "response"
	// ChannelReasoning carries intermediate "thinking" text.
	ChannelReasoning Channel = "reasoning"
)

// EventType enumerates the ordered events an exchange produces.
type EventType string

const (
	// EventChunk appends an unseen text delta to a channel.
	EventChunk EventType = "chunk"
	// EventReplace supersedes all prior response chunks with the
	// authoritative final text. Only emitted for ChannelResponse.
	EventReplace EventType = "replace"
	// EventMarker carries the durable conversation handle so a caller can
	// resume the same conversation in a later turn.
	EventMarker EventType = "conversation_marker"
	// EventDone terminates the exchange stream.
	EventDone EventType = "done"
)

// Event is one element of an exchange's ordered output stream.
type Event struct {
	Type       EventType `json:"type"`
	ExchangeID string    `json:"exchange_id,omitempty"`
	Channel    Channel   `json:"channel,omitempty"`
	Text       string    `json:"text,omitempty"`
	Handle     string    `json:"handle,omitempty"`
}

func Chunk(ch Channel, text string) Event {
	return Event{Type: EventChunk, Channel: ch, Text: text}
}

func Replace(text string) Event {
	return Event{Type: EventReplace, Channel: ChannelResponse, Text: text}
}

func Marker(handle string) Event {
	return Event{Type: EventMarker, Handle: handle}
}

func Done() Event {
	return Event{Type: EventDone}
}

// DecodeEvent parses a serialized event as published on the exchange topic.
func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, errors.Wrap(err, "decode stream event")
	}
	if ev.Type == "" {
		return Event{}, errors.New("stream event has no type")
	}
	return ev, nil
}

// Sink receives exchange events in the exact order they are detected.
// An Emit error means the consumer is gone; producers stop immediately.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// ErrSinkClosed is returned by sinks whose consumer has gone away.
var ErrSinkClosed = errors.New("stream: sink closed")

// CollectSink buffers events in memory. Test helper and aggregation sink for
// non-streaming callers.
type CollectSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func NewCollectSink() *CollectSink {
	return &CollectSink{}
}

func (s *CollectSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.events = append(s.events, ev)
	return nil
}

// Close makes subsequent Emit calls fail with ErrSinkClosed.
func (s *CollectSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *CollectSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Text joins the chunk deltas collected for one channel, honoring a trailing
// replace event.
func (s *CollectSink) Text(ch Channel) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out string
	for _, ev := range s.events {
		switch {
		case ev.Type == EventChunk && ev.Channel == ch:
			out += ev.Text
		case ev.Type == EventReplace && ev.Channel == ch:
			out = ev.Text
		}
	}
	return out
}
