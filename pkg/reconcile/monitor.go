// Package reconcile merges the two observation channels of an automated chat
// exchange, the destructively consumed replay buffer and the cumulative live
// feed, into one ordered, deduplicated stream of output events.
package reconcile

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-webtap/webtap/pkg/browser"
	"github.com/go-webtap/webtap/pkg/stream"
)

// Phase is the externally visible monitor state. Transitions only move
// forward; the internal transient-retry loop does not change the phase.
type Phase int

const (
	PhaseWaitingFirstData Phase = iota
	PhaseStreaming
	PhaseDoneDetected
	PhaseCorrecting
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitingFirstData:
		return "waiting_first_data"
	case PhaseStreaming:
		return "streaming"
	case PhaseDoneDetected:
		return "done_detected"
	case PhaseCorrecting:
		return "correcting"
	case PhaseTerminal:
		return "terminal"
	}
	return "unknown"
}

// CompleteReason records which signal ended the exchange.
type CompleteReason string

const (
	CompleteMarker  CompleteReason = "marker"
	CompleteIdle    CompleteReason = "idle"
	CompleteSettled CompleteReason = "settled"
	CompleteTimeout CompleteReason = "timeout"
	CompleteDegrade CompleteReason = "degraded"
)

// UnrecoverableError is a non-transient automation failure with zero collected
// text. With partial text the monitor degrades to best-effort completion
// instead.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string { return "upstream unrecoverable: " + e.Err.Error() }

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// Feed is the provider-supplied capability set the monitor polls. The
// reconciliation algorithm itself stays provider-agnostic.
type Feed struct {
	// DrainReplay consumes newly intercepted protocol frames. Destructive:
	// drained fragments are never redelivered.
	DrainReplay func(ctx context.Context) ([]Fragment, error)
	// ReadLive reads the authoritative rendered response text. Cumulative
	// and non-destructive.
	ReadLive func(ctx context.Context) (string, error)
	// Classify assigns a channel to a fragment. Called once per source
	// index; the result is cached for the index's lifetime.
	Classify func(Fragment) stream.Channel
	// IsDone reports whether a fragment is the explicit end-of-stream
	// marker.
	IsDone func(Fragment) bool
	// Settled reports whether the page's UI has stopped indicating an
	// in-progress reply. Optional.
	Settled func(ctx context.Context) (bool, error)
	// Handle returns the conversation's durable handle for the terminal
	// marker event. Optional.
	Handle func(ctx context.Context) (string, error)
	// PageClosed reports that the underlying page is gone and the loop
	// must stop without emitting further events. Optional.
	PageClosed func() bool
}

func (f Feed) validate() error {
	if f.DrainReplay == nil {
		return errors.New("reconcile: feed needs a replay reader")
	}
	if f.ReadLive == nil {
		return errors.New("reconcile: feed needs a live feed reader")
	}
	if f.Classify == nil {
		return errors.New("reconcile: feed needs a fragment classifier")
	}
	if f.IsDone == nil {
		return errors.New("reconcile: feed needs a completion predicate")
	}
	return nil
}

// Options tune the poll loop. Zero values fall back to defaults.
type Options struct {
	// PollInterval between reads of the two channels.
	PollInterval time.Duration
	// Grace keeps the loop draining after a completion marker; any new
	// data restarts the countdown.
	Grace time.Duration
	// IdleCutoff completes the exchange when the replay buffer stays empty
	// this long after first data without a completion marker.
	IdleCutoff time.Duration
	// HardTimeout is the wall-clock ceiling for the whole exchange.
	HardTimeout time.Duration
	// SettleConfirmations is how many consecutive settled probes are
	// required, guarding against UI flicker.
	SettleConfirmations int
	// TransientRetries bounds consecutive in-place retries of transient
	// automation errors.
	TransientRetries int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.Grace <= 0 {
		o.Grace = 1500 * time.Millisecond
	}
	if o.IdleCutoff <= 0 {
		o.IdleCutoff = 20 * time.Second
	}
	if o.HardTimeout <= 0 {
		o.HardTimeout = 120 * time.Second
	}
	if o.SettleConfirmations <= 0 {
		o.SettleConfirmations = 2
	}
	if o.TransientRetries <= 0 {
		o.TransientRetries = 5
	}
	return o
}

// Result summarizes a finished exchange.
type Result struct {
	Response  string
	Reasoning string
	Handle    string
	Reason    CompleteReason
	Corrected bool
	Chunks    int
}

// Monitor runs one exchange's reconciliation loop.
type Monitor struct {
	feed Feed
	sink stream.Sink
	opts Options

	phase      Phase
	channelAcc map[stream.Channel]string
	idxChannel map[int]stream.Channel
	idxAcc     map[int]string
	chunks     int
}

func New(feed Feed, sink stream.Sink, opts Options) (*Monitor, error) {
	if err := feed.validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("reconcile: sink is nil")
	}
	return &Monitor{
		feed:       feed,
		sink:       sink,
		opts:       opts.withDefaults(),
		phase:      PhaseWaitingFirstData,
		channelAcc: map[stream.Channel]string{},
		idxChannel: map[int]stream.Channel{},
		idxAcc:     map[int]string{},
	}, nil
}

// Run polls both channels until completion, the hard ceiling, cancellation or
// an unrecoverable failure. Events reach the sink in detection order.
func (m *Monitor) Run(ctx context.Context) (*Result, error) {
	deadline := time.Now().Add(m.opts.HardTimeout)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	retryBackoff := backoff.NewExponentialBackOff()
	retryBackoff.InitialInterval = m.opts.PollInterval
	retryBackoff.MaxInterval = 2 * time.Second

	var (
		doneAt         time.Time
		idleSince      time.Time
		settleStreak   int
		transientCount int
	)

	for {
		select {
		case <-ctx.Done():
			// Cancellation: stop immediately, no further events.
			m.phase = PhaseTerminal
			return m.result(CompleteDegrade), ctx.Err()
		case <-ticker.C:
		}

		if m.feed.PageClosed != nil && m.feed.PageClosed() {
			log.Debug().Msg("page closed under monitor, stopping")
			m.phase = PhaseTerminal
			return m.result(CompleteDegrade), errors.New("reconcile: page closed")
		}

		if time.Now().After(deadline) {
			if m.collectedAny() {
				return m.finalize(ctx, CompleteTimeout)
			}
			m.phase = PhaseTerminal
			return m.result(CompleteTimeout), &UnrecoverableError{Err: errors.New("exchange timed out with no output")}
		}

		frags, err := m.feed.DrainReplay(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				m.phase = PhaseTerminal
				return m.result(CompleteDegrade), err
			}
			if browser.IsTransient(err) && transientCount < m.opts.TransientRetries {
				transientCount++
				wait := retryBackoff.NextBackOff()
				log.Debug().Err(err).Int("retry", transientCount).Dur("backoff", wait).
					Msg("transient automation error, retrying in place")
				sleepCtx(ctx, wait)
				continue
			}
			if m.collectedAny() {
				log.Warn().Err(err).Msg("non-recoverable mid-stream error, finalizing best-effort")
				return m.finalize(ctx, CompleteDegrade)
			}
			m.phase = PhaseTerminal
			return m.result(CompleteDegrade), &UnrecoverableError{Err: err}
		}
		transientCount = 0
		retryBackoff.Reset()

		sawData, sawMarker, err := m.consume(ctx, frags)
		if err != nil {
			// Sink gone: stop immediately.
			m.phase = PhaseTerminal
			return m.result(CompleteDegrade), err
		}

		now := time.Now()
		if sawData {
			idleSince = now
			if !doneAt.IsZero() {
				// Trailing data after the marker restarts the grace
				// countdown.
				doneAt = now
			}
		} else if idleSince.IsZero() && m.phase != PhaseWaitingFirstData {
			idleSince = now
		}
		if sawMarker && doneAt.IsZero() {
			doneAt = now
			m.advance(PhaseDoneDetected)
			log.Debug().Msg("completion marker observed, draining grace window")
		}

		if !doneAt.IsZero() && now.Sub(doneAt) >= m.opts.Grace {
			return m.finalize(ctx, CompleteMarker)
		}
		if doneAt.IsZero() && m.phase == PhaseStreaming && !idleSince.IsZero() &&
			now.Sub(idleSince) >= m.opts.IdleCutoff {
			log.Debug().Msg("replay buffer idle past cutoff, treating exchange as complete")
			return m.finalize(ctx, CompleteIdle)
		}

		if doneAt.IsZero() && m.feed.Settled != nil && m.phase == PhaseStreaming {
			settled, serr := m.feed.Settled(ctx)
			if serr == nil && settled {
				settleStreak++
			} else {
				settleStreak = 0
			}
			if settleStreak >= m.opts.SettleConfirmations {
				log.Debug().Msg("live feed settled, treating exchange as complete")
				return m.finalize(ctx, CompleteSettled)
			}
		}
	}
}

// consume classifies and diffs drained fragments, emitting a chunk per
// non-empty delta in arrival order.
func (m *Monitor) consume(ctx context.Context, frags []Fragment) (sawData, sawMarker bool, err error) {
	for _, frag := range frags {
		if m.feed.IsDone(frag) {
			sawMarker = true
			if frag.Text == "" {
				continue
			}
		}
		ch, ok := m.idxChannel[frag.Index]
		if !ok {
			// First sight of this source index fixes its channel for
			// the rest of the exchange.
			ch = m.feed.Classify(frag)
			m.idxChannel[frag.Index] = ch
		}
		delta := unseenSuffix(m.idxAcc[frag.Index], frag.Text)
		if delta == "" {
			continue
		}
		m.idxAcc[frag.Index] += delta
		m.channelAcc[ch] += delta
		sawData = true
		m.advance(PhaseStreaming)
		m.chunks++
		if err := m.sink.Emit(ctx, stream.Chunk(ch, delta)); err != nil {
			return sawData, sawMarker, err
		}
	}
	return sawData, sawMarker, nil
}

// finalize runs the correction pass and the terminal events.
func (m *Monitor) finalize(ctx context.Context, reason CompleteReason) (*Result, error) {
	m.advance(PhaseCorrecting)
	corrected := false
	// Only the final answer is authoritative-checked; reasoning text is
	// never corrected.
	final, err := m.feed.ReadLive(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("authoritative live read failed, keeping accumulated text")
	} else if final != "" && final != m.channelAcc[stream.ChannelResponse] {
		m.channelAcc[stream.ChannelResponse] = final
		corrected = true
		if err := m.sink.Emit(ctx, stream.Replace(final)); err != nil {
			m.phase = PhaseTerminal
			return m.result(reason), err
		}
	}

	handle := ""
	if m.feed.Handle != nil {
		if h, err := m.feed.Handle(ctx); err == nil {
			handle = h
		} else {
			log.Debug().Err(err).Msg("reading conversation handle failed")
		}
	}
	if err := m.sink.Emit(ctx, stream.Marker(handle)); err != nil {
		m.phase = PhaseTerminal
		return m.result(reason), err
	}
	if err := m.sink.Emit(ctx, stream.Done()); err != nil {
		m.phase = PhaseTerminal
		return m.result(reason), err
	}
	m.phase = PhaseTerminal
	res := m.result(reason)
	res.Handle = handle
	res.Corrected = corrected
	return res, nil
}

func (m *Monitor) result(reason CompleteReason) *Result {
	return &Result{
		Response:  m.channelAcc[stream.ChannelResponse],
		Reasoning: m.channelAcc[stream.ChannelReasoning],
		Reason:    reason,
		Chunks:    m.chunks,
	}
}

func (m *Monitor) collectedAny() bool {
	return len(m.channelAcc[stream.ChannelResponse]) > 0 || len(m.channelAcc[stream.ChannelReasoning]) > 0
}

// advance moves the phase forward, never backward.
func (m *Monitor) advance(p Phase) {
	if p > m.phase {
		m.phase = p
	}
}

// Phase exposes the externally visible state, mainly for logging and tests.
func (m *Monitor) Phase() Phase { return m.phase }

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
