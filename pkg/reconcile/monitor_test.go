package reconcile

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-webtap/webtap/pkg/browser"
	"github.com/go-webtap/webtap/pkg/stream"
)

// scriptFeed replays a fixed sequence of drain results, one per poll tick.
// Once the script is exhausted every drain comes back empty.
type scriptFeed struct {
	mu         sync.Mutex
	steps      []scriptStep
	live       string
	handle     string
	settled    func() (bool, error)
	pageClosed func() bool
	classified map[int]int
}

type scriptStep struct {
	frags []Fragment
	err   error
}

func (f *scriptFeed) drain(context.Context) ([]Fragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.steps) == 0 {
		return nil, nil
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.frags, step.err
}

func (f *scriptFeed) feed() Feed {
	fd := Feed{
		DrainReplay: f.drain,
		ReadLive: func(context.Context) (string, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.live, nil
		},
		Classify: func(frag Fragment) stream.Channel {
			f.mu.Lock()
			if f.classified == nil {
				f.classified = map[int]int{}
			}
			f.classified[frag.Index]++
			f.mu.Unlock()
			if strings.HasPrefix(frag.Raw, "think:") {
				return stream.ChannelReasoning
			}
			return stream.ChannelResponse
		},
		IsDone: func(frag Fragment) bool { return frag.Raw == "[DONE]" },
		Handle: func(context.Context) (string, error) { return f.handle, nil },
	}
	if f.settled != nil {
		fd.Settled = func(context.Context) (bool, error) { return f.settled() }
	}
	if f.pageClosed != nil {
		fd.PageClosed = f.pageClosed
	}
	return fd
}

func data(idx int, text string) Fragment {
	return Fragment{Index: idx, Text: text, Raw: text}
}

func marker() Fragment {
	return Fragment{Raw: "[DONE]"}
}

func fastOpts() Options {
	return Options{
		PollInterval:        time.Millisecond,
		Grace:               5 * time.Millisecond,
		IdleCutoff:          200 * time.Millisecond,
		HardTimeout:         5 * time.Second,
		SettleConfirmations: 2,
		TransientRetries:    3,
	}
}

func eventTypes(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestMonitorIncrementalChunksThenMarker(t *testing.T) {
	f := &scriptFeed{
		steps: []scriptStep{
			{frags: []Fragment{data(0, "hel")}},
			{frags: []Fragment{data(0, "lo")}},
			{frags: []Fragment{marker()}},
		},
		live:   "hello",
		handle: "conv-1",
	}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, fastOpts())
	require.NoError(t, err)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, CompleteMarker, res.Reason)
	require.Equal(t, "hello", res.Response)
	require.Equal(t, "conv-1", res.Handle)
	require.False(t, res.Corrected)
	require.Equal(t, 2, res.Chunks)
	require.Equal(t, PhaseTerminal, m.Phase())

	events := sink.Events()
	require.Equal(t,
		[]stream.EventType{stream.EventChunk, stream.EventChunk, stream.EventMarker, stream.EventDone},
		eventTypes(events))
	require.Equal(t, "hel", events[0].Text)
	require.Equal(t, "lo", events[1].Text)
	require.Equal(t, "conv-1", events[2].Handle)
}

func TestMonitorCumulativeRedeliveryDedupes(t *testing.T) {
	f := &scriptFeed{
		steps: []scriptStep{
			{frags: []Fragment{data(0, "hel")}},
			{frags: []Fragment{data(0, "hel")}},
			{frags: []Fragment{data(0, "hello")}},
			{frags: []Fragment{marker()}},
		},
		live: "hello",
	}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, fastOpts())
	require.NoError(t, err)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello", res.Response)
	require.Equal(t, 2, res.Chunks)
	require.Equal(t, "hello", sink.Text(stream.ChannelResponse))
}

func TestMonitorAuthoritativeCorrection(t *testing.T) {
	f := &scriptFeed{
		steps: []scriptStep{
			{frags: []Fragment{data(0, "hel")}},
			{frags: []Fragment{data(0, "p!")}},
			{frags: []Fragment{marker()}},
		},
		live: "hello",
	}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, fastOpts())
	require.NoError(t, err)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Corrected)
	require.Equal(t, "hello", res.Response)

	events := sink.Events()
	require.Equal(t,
		[]stream.EventType{stream.EventChunk, stream.EventChunk, stream.EventReplace, stream.EventMarker, stream.EventDone},
		eventTypes(events))
	require.Equal(t, "hello", events[2].Text)
	require.Equal(t, stream.ChannelResponse, events[2].Channel)
	require.Equal(t, "hello", sink.Text(stream.ChannelResponse))
}

func TestMonitorChannelStickyPerIndex(t *testing.T) {
	f := &scriptFeed{
		steps: []scriptStep{
			{frags: []Fragment{{Index: 1, Text: "because ", Raw: "think: because "}}},
			// Same index, no reasoning marker: the first classification holds.
			{frags: []Fragment{{Index: 1, Text: "because therefore", Raw: "because therefore"}}},
			{frags: []Fragment{data(0, "42")}},
			{frags: []Fragment{marker()}},
		},
		live: "42",
	}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, fastOpts())
	require.NoError(t, err)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "because therefore", res.Reasoning)
	require.Equal(t, "42", res.Response)
	require.Equal(t, 1, f.classified[1])
	require.Equal(t, "because therefore", sink.Text(stream.ChannelReasoning))
}

func TestMonitorTrailingDataRestartsGrace(t *testing.T) {
	f := &scriptFeed{
		steps: []scriptStep{
			{frags: []Fragment{data(0, "hello")}},
			{frags: []Fragment{marker()}},
			{frags: []Fragment{data(0, "!")}},
		},
		live: "hello!",
	}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, fastOpts())
	require.NoError(t, err)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, CompleteMarker, res.Reason)
	require.Equal(t, "hello!", res.Response)
	require.False(t, res.Corrected)

	events := sink.Events()
	require.Equal(t,
		[]stream.EventType{stream.EventChunk, stream.EventChunk, stream.EventMarker, stream.EventDone},
		eventTypes(events))
	require.Equal(t, "!", events[1].Text)
}

func TestMonitorIdleCompletion(t *testing.T) {
	opts := fastOpts()
	opts.IdleCutoff = 20 * time.Millisecond
	f := &scriptFeed{
		steps: []scriptStep{
			{frags: []Fragment{data(0, "partial answer")}},
		},
		live: "partial answer",
	}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, opts)
	require.NoError(t, err)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, CompleteIdle, res.Reason)
	require.Equal(t, "partial answer", res.Response)
	require.Equal(t, stream.EventDone, sink.Events()[len(sink.Events())-1].Type)
}

func TestMonitorSettledCompletion(t *testing.T) {
	var probes int
	f := &scriptFeed{
		steps: []scriptStep{
			{frags: []Fragment{data(0, "done answer")}},
		},
		live: "done answer",
	}
	f.settled = func() (bool, error) {
		probes++
		return true, nil
	}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, fastOpts())
	require.NoError(t, err)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, CompleteSettled, res.Reason)
	// Two consecutive confirmations are required before completing.
	require.GreaterOrEqual(t, probes, 2)
}

func TestMonitorSettleStreakResetsOnFlicker(t *testing.T) {
	var probes int
	f := &scriptFeed{
		steps: []scriptStep{
			{frags: []Fragment{data(0, "answer")}},
		},
		live: "answer",
	}
	// settled, busy again, then settled twice: only the final streak counts.
	f.settled = func() (bool, error) {
		probes++
		return probes != 2, nil
	}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, fastOpts())
	require.NoError(t, err)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, CompleteSettled, res.Reason)
	require.Equal(t, 4, probes)
}

func TestMonitorTransientErrorsRetryInPlace(t *testing.T) {
	f := &scriptFeed{
		steps: []scriptStep{
			{frags: []Fragment{data(0, "hel")}},
			{err: browser.Transient("drain", errors.New("execution context was destroyed"))},
			{err: browser.Transient("drain", errors.New("execution context was destroyed"))},
			{frags: []Fragment{data(0, "lo")}},
			{frags: []Fragment{marker()}},
		},
		live: "hello",
	}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, fastOpts())
	require.NoError(t, err)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, CompleteMarker, res.Reason)
	require.Equal(t, "hello", res.Response)
}

func TestMonitorUnrecoverableWithoutOutput(t *testing.T) {
	f := &scriptFeed{
		steps: []scriptStep{
			{err: errors.New("page crashed")},
		},
	}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, fastOpts())
	require.NoError(t, err)

	_, err = m.Run(context.Background())
	var unrec *UnrecoverableError
	require.ErrorAs(t, err, &unrec)
	require.Empty(t, sink.Events())
}

func TestMonitorDegradesWithPartialOutput(t *testing.T) {
	f := &scriptFeed{
		steps: []scriptStep{
			{frags: []Fragment{data(0, "partial")}},
			{err: errors.New("page crashed")},
		},
		live: "partial",
	}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, fastOpts())
	require.NoError(t, err)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, CompleteDegrade, res.Reason)
	require.Equal(t, "partial", res.Response)
	require.Equal(t, stream.EventDone, sink.Events()[len(sink.Events())-1].Type)
}

func TestMonitorHardTimeoutWithPartialOutput(t *testing.T) {
	opts := fastOpts()
	opts.HardTimeout = 20 * time.Millisecond
	opts.IdleCutoff = time.Second
	f := &scriptFeed{
		steps: []scriptStep{
			{frags: []Fragment{data(0, "slow answer")}},
		},
		live: "slow answer",
	}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, opts)
	require.NoError(t, err)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, CompleteTimeout, res.Reason)
	require.Equal(t, "slow answer", res.Response)
}

func TestMonitorHardTimeoutWithoutOutputFails(t *testing.T) {
	opts := fastOpts()
	opts.HardTimeout = 15 * time.Millisecond
	opts.IdleCutoff = time.Second
	f := &scriptFeed{}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, opts)
	require.NoError(t, err)

	_, err = m.Run(context.Background())
	var unrec *UnrecoverableError
	require.ErrorAs(t, err, &unrec)
}

func TestMonitorStopsWhenPageCloses(t *testing.T) {
	var closed atomic.Bool
	f := &scriptFeed{
		steps: []scriptStep{
			{frags: []Fragment{data(0, "hel")}},
		},
		live: "hel",
	}
	f.pageClosed = closed.Load
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, fastOpts())
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		closed.Store(true)
	}()
	_, err = m.Run(context.Background())
	require.Error(t, err)
	// The chunk went out before the close; nothing terminal followed.
	for _, ev := range sink.Events() {
		require.Equal(t, stream.EventChunk, ev.Type)
	}
}

func TestMonitorCancellationStopsWithoutEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &scriptFeed{}
	sink := stream.NewCollectSink()
	m, err := New(f.feed(), sink, fastOpts())
	require.NoError(t, err)

	_, err = m.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, sink.Events())
}

func TestFeedValidation(t *testing.T) {
	sink := stream.NewCollectSink()
	_, err := New(Feed{}, sink, Options{})
	require.Error(t, err)

	f := &scriptFeed{}
	_, err = New(f.feed(), nil, Options{})
	require.Error(t, err)
}
