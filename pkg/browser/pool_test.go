package browser

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/go-webtap/webtap/pkg/accounts"
)

type fakeSession struct {
	id       accounts.Identity
	headless bool

	mu        sync.Mutex
	probeErrs []error
	closed    bool
}

func (s *fakeSession) Identity() accounts.Identity { return s.id }

func (s *fakeSession) Alive(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	if len(s.probeErrs) == 0 {
		return nil
	}
	err := s.probeErrs[0]
	s.probeErrs = s.probeErrs[1:]
	return err
}

func (s *fakeSession) OpenPage(context.Context, string) (Page, error) {
	return &fakePage{}, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type fakePage struct{ closed bool }

func (p *fakePage) Eval(context.Context, string, ...interface{}) (gjson.Result, error) {
	return gjson.Result{}, nil
}
func (p *fakePage) Has(context.Context, string) (bool, error)    { return false, nil }
func (p *fakePage) Text(context.Context, string) (string, error) { return "", nil }
func (p *fakePage) Input(context.Context, string, string) error  { return nil }
func (p *fakePage) Click(context.Context, string) error          { return nil }
func (p *fakePage) URL(context.Context) (string, error)          { return "", nil }
func (p *fakePage) Closed() bool                                 { return p.closed }
func (p *fakePage) Close() error                                 { p.closed = true; return nil }

type fakeEngine struct {
	mu          sync.Mutex
	startErr    error
	startErrs   []error
	healthErr   error
	sessionErrs []error
	probeScript []error
	creates     int32
	restarts    int
}

func (e *fakeEngine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restarts++
	if len(e.startErrs) > 0 {
		err := e.startErrs[0]
		e.startErrs = e.startErrs[1:]
		return err
	}
	return e.startErr
}

func (e *fakeEngine) Healthy(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthErr
}

func (e *fakeEngine) NewSession(_ context.Context, opts SessionOptions) (Session, error) {
	atomic.AddInt32(&e.creates, 1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessionErrs) > 0 {
		err := e.sessionErrs[0]
		e.sessionErrs = e.sessionErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := &fakeSession{id: opts.Identity, headless: opts.Headless}
	if len(e.probeScript) > 0 {
		s.probeErrs = []error{e.probeScript[0]}
		e.probeScript = e.probeScript[1:]
	}
	return s, nil
}

func (e *fakeEngine) Close() error { return nil }

func verifiedStore(t *testing.T, id accounts.Identity) accounts.Store {
	t.Helper()
	store := accounts.NewMemoryStore()
	require.NoError(t, store.PutRecord(context.Background(), &accounts.Record{
		Identity:      id,
		LoginVerified: true,
	}))
	return store
}

func newTestPool(t *testing.T, engine Engine, store accounts.Store) *Pool {
	t.Helper()
	pool, err := NewPool(PoolConfig{
		Engine:          engine,
		Store:           store,
		HeadlessDefault: true,
		EngineInitWait:  time.Second,
	})
	require.NoError(t, err)
	pool.StartEngine(context.Background())
	return pool
}

func TestPoolAcquireReusesSession(t *testing.T) {
	id := accounts.Identity{Provider: "glm", AccountID: "alice"}
	engine := &fakeEngine{}
	pool := newTestPool(t, engine, verifiedStore(t, id))

	s1, err := pool.Acquire(context.Background(), id, AcquireOptions{})
	require.NoError(t, err)
	s2, err := pool.Acquire(context.Background(), id, AcquireOptions{})
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, int32(1), atomic.LoadInt32(&engine.creates))
}

func TestPoolConcurrentAcquireConvergesOnOneSession(t *testing.T) {
	id := accounts.Identity{Provider: "glm", AccountID: "alice"}
	engine := &fakeEngine{}
	pool := newTestPool(t, engine, verifiedStore(t, id))

	const n = 16
	var wg sync.WaitGroup
	sessions := make([]Session, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := pool.Acquire(context.Background(), id, AcquireOptions{})
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, sessions[0], sessions[i])
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&engine.creates))
}

func TestPoolEvictsDeadSessionAndRecreates(t *testing.T) {
	id := accounts.Identity{Provider: "glm", AccountID: "alice"}
	engine := &fakeEngine{}
	pool := newTestPool(t, engine, verifiedStore(t, id))

	s1, err := pool.Acquire(context.Background(), id, AcquireOptions{})
	require.NoError(t, err)

	// Kill the cached session: the next acquire probes, evicts, recreates.
	require.NoError(t, s1.Close())
	s2, err := pool.Acquire(context.Background(), id, AcquireOptions{})
	require.NoError(t, err)
	require.NotSame(t, s1, s2)
	require.NoError(t, s2.Alive(context.Background()))
	require.Equal(t, int32(2), atomic.LoadInt32(&engine.creates))
}

func TestPoolRetriesCreationThenSucceeds(t *testing.T) {
	id := accounts.Identity{Provider: "glm", AccountID: "alice"}
	engine := &fakeEngine{
		sessionErrs: []error{
			errors.New("browser refused connection"),
			errors.New("browser refused connection"),
			nil,
		},
	}
	pool := newTestPool(t, engine, verifiedStore(t, id))

	s, err := pool.Acquire(context.Background(), id, AcquireOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Alive(context.Background()))
}

func TestPoolGivesUpAfterBoundedRetries(t *testing.T) {
	id := accounts.Identity{Provider: "glm", AccountID: "alice"}
	engine := &fakeEngine{
		sessionErrs: []error{
			errors.New("no browser"),
			errors.New("no browser"),
			errors.New("no browser"),
		},
	}
	pool := newTestPool(t, engine, verifiedStore(t, id))

	_, err := pool.Acquire(context.Background(), id, AcquireOptions{})
	require.True(t, IsSessionUnavailable(err))
	var su *SessionUnavailableError
	require.ErrorAs(t, err, &su)
	require.Equal(t, 3, su.Attempts)
}

func TestPoolLoginGate(t *testing.T) {
	id := accounts.Identity{Provider: "glm", AccountID: "alice"}
	engine := &fakeEngine{}
	store := accounts.NewMemoryStore()
	pool := newTestPool(t, engine, store)

	// Unknown identity: gated.
	_, err := pool.Acquire(context.Background(), id, AcquireOptions{})
	require.ErrorIs(t, err, ErrLoginRequired)

	// Known but unverified: still gated.
	require.NoError(t, store.PutRecord(context.Background(), &accounts.Record{Identity: id}))
	_, err = pool.Acquire(context.Background(), id, AcquireOptions{})
	require.ErrorIs(t, err, ErrLoginRequired)

	// The login flow itself bypasses the gate.
	_, err = pool.Acquire(context.Background(), id, AcquireOptions{ForLogin: true})
	require.NoError(t, err)
}

func TestPoolHeadlessPrecedence(t *testing.T) {
	id := accounts.Identity{Provider: "glm", AccountID: "alice"}
	engine := &fakeEngine{}
	store := accounts.NewMemoryStore()
	pref := false
	require.NoError(t, store.PutRecord(context.Background(), &accounts.Record{
		Identity:           id,
		LoginVerified:      true,
		HeadlessPreference: &pref,
	}))
	pool := newTestPool(t, engine, store)

	// Identity preference beats the global default.
	s, err := pool.Acquire(context.Background(), id, AcquireOptions{})
	require.NoError(t, err)
	require.False(t, s.(*fakeSession).headless)

	// An explicit override beats both; force recreation by killing the
	// cached session first.
	require.NoError(t, s.Close())
	override := true
	s, err = pool.Acquire(context.Background(), id, AcquireOptions{HeadlessOverride: &override})
	require.NoError(t, err)
	require.True(t, s.(*fakeSession).headless)
}

func TestPoolEngineInitFailurePropagates(t *testing.T) {
	id := accounts.Identity{Provider: "glm", AccountID: "alice"}
	engine := &fakeEngine{startErr: errors.New("no chromium binary")}
	pool := newTestPool(t, engine, verifiedStore(t, id))

	_, err := pool.Acquire(context.Background(), id, AcquireOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no chromium binary")
}

func TestPoolRetriesEngineInitAfterFailure(t *testing.T) {
	id := accounts.Identity{Provider: "glm", AccountID: "alice"}
	engine := &fakeEngine{startErrs: []error{errors.New("download interrupted")}}
	pool := newTestPool(t, engine, verifiedStore(t, id))

	// The first acquire sees the failed init and kicks off a fresh attempt.
	_, err := pool.Acquire(context.Background(), id, AcquireOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "download interrupted")

	require.Eventually(t, func() bool {
		_, err := pool.Acquire(context.Background(), id, AcquireOptions{})
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestPoolSweepRemovesOrphanedDirs(t *testing.T) {
	id := accounts.Identity{Provider: "glm", AccountID: "alice"}
	dataDir := t.TempDir()
	store := verifiedStore(t, id)
	pool, err := NewPool(PoolConfig{
		Engine:  &fakeEngine{},
		Store:   store,
		DataDir: dataDir,
	})
	require.NoError(t, err)

	owned := filepath.Join(dataDir, sanitizeKey(id.Key()))
	orphan := filepath.Join(dataDir, "glm_ghost")
	require.NoError(t, os.MkdirAll(owned, 0o755))
	require.NoError(t, os.MkdirAll(orphan, 0o755))

	require.NoError(t, pool.Sweep(context.Background()))

	_, err = os.Stat(owned)
	require.NoError(t, err)
	_, err = os.Stat(orphan)
	require.True(t, os.IsNotExist(err))
}

func TestClassifyAutomationError(t *testing.T) {
	require.True(t, IsTransient(classifyAutomationError("eval", errors.New("Execution context was destroyed"))))
	require.False(t, IsTransient(classifyAutomationError("eval", errors.New("page crashed"))))
	require.ErrorIs(t, classifyAutomationError("eval", context.Canceled), context.Canceled)
	require.NoError(t, classifyAutomationError("eval", nil))
}
