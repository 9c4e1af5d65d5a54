package browser

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-webtap/webtap/pkg/accounts"
)

const defaultCreateRetries = 3

// PoolConfig wires the pool's collaborators.
type PoolConfig struct {
	Engine Engine
	Store  accounts.Store
	// DataDir holds one user-data dir per identity.
	DataDir string
	// HeadlessDefault applies when neither an override nor an identity
	// preference is set.
	HeadlessDefault bool
	// EngineInitWait bounds how long Acquire blocks on engine startup.
	EngineInitWait time.Duration
	// CreateRetries bounds probe-evict-recreate cycles per Acquire.
	CreateRetries int
}

// AcquireOptions tune a single Acquire call.
type AcquireOptions struct {
	// HeadlessOverride wins over the identity preference and the global
	// default when set.
	HeadlessOverride *bool
	// ForLogin skips the login-verified gate so the login flow can drive
	// its own pages.
	ForLogin bool
}

// Pool keeps at most one live session per identity. Sessions are created
// lazily, validated with a liveness probe before reuse, and evicted when the
// probe fails. Callers never release sessions.
type Pool struct {
	engine        Engine
	store         accounts.Store
	dataDir       string
	headless      bool
	initWait      time.Duration
	createRetries int

	initMu      sync.Mutex
	initDone    chan struct{}
	initErr     error
	initRunning bool

	mu       sync.Mutex
	sessions map[string]Session

	creating singleflight.Group
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Engine == nil {
		return nil, errors.New("pool: engine is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("pool: accounts store is nil")
	}
	if cfg.EngineInitWait <= 0 {
		cfg.EngineInitWait = 30 * time.Second
	}
	if cfg.CreateRetries <= 0 {
		cfg.CreateRetries = defaultCreateRetries
	}
	return &Pool{
		engine:        cfg.Engine,
		store:         cfg.Store,
		dataDir:       cfg.DataDir,
		headless:      cfg.HeadlessDefault,
		initWait:      cfg.EngineInitWait,
		createRetries: cfg.CreateRetries,
		initDone:      make(chan struct{}),
		sessions:      map[string]Session{},
	}, nil
}

// StartEngine kicks off engine initialization off the request path. Acquire
// blocks until it completes or the wait budget runs out. A failed init is not
// latched: calling StartEngine again after a failure runs a fresh attempt, so
// a transient startup problem (an interrupted browser download, say) does not
// wedge the pool for the life of the process.
func (p *Pool) StartEngine(ctx context.Context) {
	p.initMu.Lock()
	if p.initRunning {
		p.initMu.Unlock()
		return
	}
	select {
	case <-p.initDone:
		if p.initErr == nil {
			p.initMu.Unlock()
			return
		}
		p.initDone = make(chan struct{})
	default:
	}
	p.initRunning = true
	done := p.initDone
	p.initMu.Unlock()

	go func() {
		err := p.engine.Start(ctx)
		if err != nil {
			log.Error().Err(err).Msg("automation engine init failed")
		}
		p.initMu.Lock()
		p.initErr = err
		p.initRunning = false
		p.initMu.Unlock()
		close(done)
	}()
}

func (p *Pool) waitEngine(ctx context.Context) error {
	p.initMu.Lock()
	done := p.initDone
	p.initMu.Unlock()

	timer := time.NewTimer(p.initWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return ErrEngineNotReady
	case <-ctx.Done():
		return ctx.Err()
	}

	p.initMu.Lock()
	err := p.initErr
	p.initMu.Unlock()
	if err != nil {
		// Line up a retry for the next caller. Detached from the request
		// context so an aborted request does not cancel the init.
		p.StartEngine(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

// Acquire returns the identity's live session, creating it if needed.
// Concurrent calls for the same identity serialize on creation and converge
// on the same session.
func (p *Pool) Acquire(ctx context.Context, id accounts.Identity, opts AcquireOptions) (Session, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := p.waitEngine(ctx); err != nil {
		return nil, err
	}

	rec, err := p.store.GetRecord(ctx, id)
	if err != nil && !errors.Is(err, accounts.ErrNotFound) {
		return nil, errors.Wrap(err, "load identity record")
	}
	if !opts.ForLogin && (rec == nil || !rec.LoginVerified) {
		return nil, errors.Wrapf(ErrLoginRequired, "identity %s", id.Key())
	}

	// Fast path: a cached session that passes the probe.
	if s := p.cached(id); s != nil {
		if err := s.Alive(ctx); err == nil {
			return s, nil
		} else {
			log.Warn().Err(err).Str("identity", id.Key()).Msg("cached session failed probe, evicting")
			p.evict(id, s)
		}
	}

	headless := accounts.ResolveHeadless(opts.HeadlessOverride, rec, p.headless)
	v, err, _ := p.creating.Do(id.Key(), func() (interface{}, error) {
		return p.createWithRetries(ctx, id, headless)
	})
	if err != nil {
		return nil, err
	}
	return v.(Session), nil
}

func (p *Pool) cached(id accounts.Identity) Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[id.Key()]
}

// evict atomically removes a session from the registry so late readers fall
// through to creation instead of observing a half-torn-down resource.
func (p *Pool) evict(id accounts.Identity, s Session) {
	p.mu.Lock()
	current, ok := p.sessions[id.Key()]
	if ok && current == s {
		delete(p.sessions, id.Key())
	}
	p.mu.Unlock()
	if ok && current == s {
		go func() {
			if err := s.Close(); err != nil {
				log.Debug().Err(err).Str("identity", id.Key()).Msg("closing evicted session")
			}
		}()
	}
}

func (p *Pool) createWithRetries(ctx context.Context, id accounts.Identity, headless bool) (Session, error) {
	// Another flight may have populated the registry while we queued.
	if s := p.cached(id); s != nil {
		if err := s.Alive(ctx); err == nil {
			return s, nil
		}
		p.evict(id, s)
	}

	var lastErr error
	for attempt := 1; attempt <= p.createRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := p.engine.NewSession(ctx, SessionOptions{
			Identity:    id,
			Headless:    headless,
			UserDataDir: p.userDataDir(id),
		})
		if err == nil {
			if probeErr := s.Alive(ctx); probeErr == nil {
				p.mu.Lock()
				p.sessions[id.Key()] = s
				p.mu.Unlock()
				return s, nil
			} else {
				err = probeErr
				_ = s.Close()
			}
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("identity", id.Key()).
			Int("attempt", attempt).
			Msg("session creation failed")
		// A dead engine connection needs an engine restart, not another
		// session attempt against it.
		if healthErr := p.engine.Healthy(ctx); healthErr != nil {
			log.Warn().Err(healthErr).Msg("automation engine unhealthy, restarting")
			if restartErr := p.engine.Start(ctx); restartErr != nil {
				lastErr = restartErr
			}
		}
	}
	return nil, &SessionUnavailableError{Identity: id, Attempts: p.createRetries, Err: lastErr}
}

func (p *Pool) userDataDir(id accounts.Identity) string {
	if p.dataDir == "" {
		return ""
	}
	return filepath.Join(p.dataDir, sanitizeKey(id.Key()))
}

func sanitizeKey(key string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(key)
}

// Sweep deletes user-data dirs that no known identity owns. One-shot startup
// garbage collection, not on the request path.
func (p *Pool) Sweep(ctx context.Context) error {
	if p.dataDir == "" {
		return nil
	}
	recs, err := p.store.ListRecords(ctx)
	if err != nil {
		return errors.Wrap(err, "sweep: list identities")
	}
	known := map[string]struct{}{}
	for _, rec := range recs {
		known[sanitizeKey(rec.Identity.Key())] = struct{}{}
	}
	entries, err := os.ReadDir(p.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "sweep: read data dir")
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := known[e.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.dataDir, e.Name())); err != nil {
			log.Warn().Err(err).Str("dir", e.Name()).Msg("sweep: removing orphaned session dir")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("swept orphaned session artifacts")
	}
	return nil
}

// Close tears down all sessions and the engine. Process shutdown only.
func (p *Pool) Close() error {
	p.mu.Lock()
	sessions := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = map[string]Session{}
	p.mu.Unlock()
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			log.Debug().Err(err).Str("identity", s.Identity().Key()).Msg("closing session on shutdown")
		}
	}
	return p.engine.Close()
}
