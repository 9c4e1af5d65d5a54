// Package httpapi is the outward wire surface: it starts exchanges, re-emits
// their event streams over SSE or websocket, and exposes the login flow.
package httpapi

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-webtap/webtap/pkg/accounts"
	"github.com/go-webtap/webtap/pkg/browser"
	"github.com/go-webtap/webtap/pkg/eventbus"
	"github.com/go-webtap/webtap/pkg/provider"
	"github.com/go-webtap/webtap/pkg/reconcile"
	"github.com/go-webtap/webtap/pkg/stream"
)

// ServiceConfig wires the exchange service.
type ServiceConfig struct {
	BaseCtx   context.Context
	Pool      *browser.Pool
	Store     accounts.Store
	Providers *provider.Registry
	Bus       *eventbus.Bus
	Monitor   reconcile.Options
}

// Service runs exchanges: one page, one monitor goroutine and one event topic
// per in-flight request. Sessions are shared per identity underneath.
type Service struct {
	baseCtx   context.Context
	pool      *browser.Pool
	store     accounts.Store
	providers *provider.Registry
	bus       *eventbus.Bus
	monitor   reconcile.Options
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("exchange service: base context is nil")
	}
	if cfg.Pool == nil {
		return nil, errors.New("exchange service: pool is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("exchange service: store is nil")
	}
	if cfg.Providers == nil {
		return nil, errors.New("exchange service: provider registry is nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("exchange service: event bus is nil")
	}
	return &Service{
		baseCtx:   cfg.BaseCtx,
		pool:      cfg.Pool,
		store:     cfg.Store,
		providers: cfg.Providers,
		bus:       cfg.Bus,
		monitor:   cfg.Monitor,
	}, nil
}

// ExchangeRequest submits one message into a new or resumed conversation.
type ExchangeRequest struct {
	Identity         accounts.Identity
	Handle           string
	Message          string
	WantReasoning    bool
	HeadlessOverride *bool
}

// Exchange is one in-flight request/response cycle. Events is closed after
// the Done event (or on Close).
type Exchange struct {
	ID     string
	Events <-chan stream.Event

	cancel context.CancelFunc
}

// Close stops the monitor loop. Idempotent; no further events are delivered.
func (e *Exchange) Close() {
	if e != nil && e.cancel != nil {
		e.cancel()
	}
}

// Start acquires the identity's session, opens a page, submits the message
// and runs the reconciliation loop in the background. The returned exchange
// delivers events in detection order.
func (s *Service) Start(ctx context.Context, req ExchangeRequest) (*Exchange, error) {
	if err := req.Identity.Validate(); err != nil {
		return nil, err
	}
	prof, err := s.providers.Get(req.Identity.Provider)
	if err != nil {
		return nil, err
	}
	drv, err := provider.NewDriver(prof)
	if err != nil {
		return nil, err
	}
	sess, err := s.pool.Acquire(ctx, req.Identity, browser.AcquireOptions{
		HeadlessOverride: req.HeadlessOverride,
	})
	if err != nil {
		return nil, err
	}
	page, err := drv.OpenConversation(ctx, sess, req.Handle)
	if err != nil {
		return nil, err
	}

	exchangeID := uuid.NewString()
	runCtx, cancel := context.WithCancel(s.baseCtx)

	// Subscribe before submitting so the first chunk cannot be missed.
	events, err := s.attach(runCtx, exchangeID, req.WantReasoning)
	if err != nil {
		cancel()
		_ = page.Close()
		return nil, err
	}
	sink, err := stream.NewWatermillSink(s.bus.Publisher(), exchangeID)
	if err != nil {
		cancel()
		_ = page.Close()
		return nil, err
	}
	mon, err := reconcile.New(drv.Feed(page), sink, s.monitor)
	if err != nil {
		cancel()
		_ = page.Close()
		return nil, err
	}

	if err := drv.Submit(ctx, page, req.Message); err != nil {
		cancel()
		_ = page.Close()
		return nil, errors.Wrap(err, "submit message")
	}

	go func() {
		// The page is per-exchange; the session stays in the pool. The
		// exchange context is canceled by the caller's Close so buffered
		// events are not cut off between Done and delivery.
		defer func() { _ = page.Close() }()
		res, err := mon.Run(runCtx)
		ev := log.Info()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("exchange_id", exchangeID).
			Str("identity", req.Identity.Key()).
			Str("reason", string(res.Reason)).
			Int("chunks", res.Chunks).
			Bool("corrected", res.Corrected).
			Msg("exchange finished")
	}()

	return &Exchange{ID: exchangeID, Events: events, cancel: cancel}, nil
}

// attach subscribes to the exchange topic and decodes its events onto a
// channel, dropping reasoning chunks when the caller did not ask for them.
func (s *Service) attach(ctx context.Context, exchangeID string, wantReasoning bool) (<-chan stream.Event, error) {
	sub, owned, err := s.bus.Subscriber(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	msgs, err := sub.Subscribe(ctx, stream.TopicForExchange(exchangeID))
	if err != nil {
		if owned {
			_ = sub.Close()
		}
		return nil, errors.Wrap(err, "subscribe to exchange topic")
	}
	out := make(chan stream.Event, 64)
	go func() {
		defer close(out)
		if owned {
			defer func() { _ = sub.Close() }()
		}
		for msg := range msgs {
			ev, err := stream.DecodeEvent(msg.Payload)
			msg.Ack()
			if err != nil {
				log.Warn().Err(err).Str("exchange_id", exchangeID).Msg("dropping undecodable event")
				continue
			}
			if !wantReasoning && ev.Channel == stream.ChannelReasoning {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == stream.EventDone {
				return
			}
		}
	}()
	return out, nil
}
