package browser

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/go-webtap/webtap/pkg/accounts"
)

// RodEngine drives Chromium through the DevTools protocol via rod. Each
// session launches its own browser process with its own user-data dir so login
// cookies persist per identity.
type RodEngine struct {
	mu      sync.Mutex
	started bool
	binPath string
}

var _ Engine = &RodEngine{}

func NewRodEngine() *RodEngine {
	return &RodEngine{}
}

// Start resolves the browser binary, downloading it on first run. Idempotent.
func (e *RodEngine) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if bin, has := launcher.LookPath(); has {
		e.binPath = bin
		e.started = true
		log.Info().Str("bin", bin).Msg("using system browser binary")
		return nil
	}
	b := launcher.NewBrowser()
	bin, err := b.Get()
	if err != nil {
		return errors.Wrap(err, "fetch browser binary")
	}
	e.binPath = bin
	e.started = true
	log.Info().Str("bin", bin).Msg("fetched browser binary")
	return nil
}

func (e *RodEngine) Healthy(_ context.Context) error {
	e.mu.Lock()
	bin := e.binPath
	started := e.started
	e.mu.Unlock()
	if !started {
		return ErrEngineNotReady
	}
	if _, err := os.Stat(bin); err != nil {
		return errors.Wrap(err, "browser binary missing")
	}
	return nil
}

func (e *RodEngine) NewSession(ctx context.Context, opts SessionOptions) (Session, error) {
	e.mu.Lock()
	bin := e.binPath
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil, ErrEngineNotReady
	}

	l := launcher.New().
		Bin(bin).
		Headless(opts.Headless).
		Leakless(true)
	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}
	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, errors.Wrapf(err, "launch browser for %s", opts.Identity.Key())
	}
	br := rod.New().ControlURL(u).Context(ctx)
	if err := br.Connect(); err != nil {
		l.Kill()
		return nil, errors.Wrapf(err, "connect browser for %s", opts.Identity.Key())
	}
	log.Info().
		Str("identity", opts.Identity.Key()).
		Bool("headless", opts.Headless).
		Msg("browser session started")
	return &rodSession{identity: opts.Identity, browser: br, launcher: l}, nil
}

func (e *RodEngine) Close() error { return nil }

type rodSession struct {
	identity accounts.Identity
	browser  *rod.Browser
	launcher *launcher.Launcher
}

var _ Session = &rodSession{}

func (s *rodSession) Identity() accounts.Identity { return s.identity }

func (s *rodSession) Alive(ctx context.Context) error {
	_, err := proto.BrowserGetVersion{}.Call(s.browser.Context(ctx))
	if err != nil {
		return errors.Wrap(err, "session liveness probe")
	}
	return nil
}

func (s *rodSession) OpenPage(ctx context.Context, url string) (Page, error) {
	page, err := s.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, classifyAutomationError("open page", err)
	}
	if err := page.WaitLoad(); err != nil {
		// A slow load is not fatal; the poll loop copes with a page that
		// is still settling.
		log.Debug().Err(err).Str("url", url).Msg("page load wait ended early")
	}
	return &rodPage{page: page}, nil
}

func (s *rodSession) Close() error {
	err := s.browser.Close()
	s.launcher.Kill()
	return err
}

type rodPage struct {
	page   *rod.Page
	closed atomic.Bool
}

var _ Page = &rodPage{}

func (p *rodPage) Eval(ctx context.Context, js string, args ...interface{}) (gjson.Result, error) {
	obj, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return gjson.Result{}, p.classify("eval", err)
	}
	return gjson.Parse(obj.Value.JSON("", "")), nil
}

func (p *rodPage) Has(ctx context.Context, selector string) (bool, error) {
	has, _, err := p.page.Context(ctx).Has(selector)
	if err != nil {
		return false, p.classify("has "+selector, err)
	}
	return has, nil
}

func (p *rodPage) Text(ctx context.Context, selector string) (string, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return "", p.classify("element "+selector, err)
	}
	text, err := el.Text()
	if err != nil {
		return "", p.classify("text "+selector, err)
	}
	return text, nil
}

func (p *rodPage) Input(ctx context.Context, selector, text string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return p.classify("element "+selector, err)
	}
	if err := el.Input(text); err != nil {
		return p.classify("input "+selector, err)
	}
	return nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return p.classify("element "+selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return p.classify("click "+selector, err)
	}
	return nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", p.classify("page info", err)
	}
	return info.URL, nil
}

func (p *rodPage) Closed() bool { return p.closed.Load() }

func (p *rodPage) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.page.Close()
}

// classify folds the raw error into the taxonomy and records a closed target.
func (p *rodPage) classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "target closed") || strings.Contains(msg, "session closed") {
		p.closed.Store(true)
	}
	return classifyAutomationError(op, err)
}
