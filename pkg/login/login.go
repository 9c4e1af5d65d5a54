// Package login drives an identity's login flow to completion and gates
// session use on its outcome.
package login

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-webtap/webtap/pkg/accounts"
	"github.com/go-webtap/webtap/pkg/browser"
)

// SessionSource hands out the identity's live session. Satisfied by
// *browser.Pool.
type SessionSource interface {
	Acquire(ctx context.Context, id accounts.Identity, opts browser.AcquireOptions) (browser.Session, error)
}

// ProviderOps are the provider-specific login page operations. Satisfied by
// *provider.Driver.
type ProviderOps interface {
	OpenLogin(ctx context.Context, sess browser.Session) (browser.Page, error)
	AuthenticatedAccount(ctx context.Context, page browser.Page) (string, error)
	QRScanned(ctx context.Context, page browser.Page) (bool, error)
	SubmitCredentials(ctx context.Context, page browser.Page, account, secret string) error
}

// OpsResolver looks up the login operations for a provider name.
type OpsResolver func(provider string) (ProviderOps, error)

// Flow is the login state machine over persisted login records. At most one
// in-flight flow mutates a given (identity, conversation) key at a time;
// flows for distinct keys run concurrently.
type Flow struct {
	store    accounts.Store
	sessions SessionSource
	resolve  OpsResolver

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	pages map[string]browser.Page
}

func NewFlow(store accounts.Store, sessions SessionSource, resolve OpsResolver) (*Flow, error) {
	if store == nil {
		return nil, errors.New("login flow: store is nil")
	}
	if sessions == nil {
		return nil, errors.New("login flow: session source is nil")
	}
	if resolve == nil {
		return nil, errors.New("login flow: ops resolver is nil")
	}
	return &Flow{
		store:    store,
		sessions: sessions,
		resolve:  resolve,
		locks:    map[string]*sync.Mutex{},
		pages:    map[string]browser.Page{},
	}, nil
}

func flowKey(id accounts.Identity, conversation string) string {
	return id.Key() + "\x00" + conversation
}

// lock serializes one (identity, conversation) flow. A slow login, such as a
// verify waiting for the page to settle, never blocks other identities.
func (f *Flow) lock(key string) func() {
	f.mu.Lock()
	l, ok := f.locks[key]
	if !ok {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	f.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Start creates or resumes the login session for (identity, conversation).
// A fresh session lands in WAITING_LOGIN_METHOD; an in-flight or terminal one
// is returned as-is.
func (f *Flow) Start(ctx context.Context, id accounts.Identity, conversation string) (*accounts.LoginRecord, error) {
	defer f.lock(flowKey(id, conversation))()
	rec, err := f.store.GetLogin(ctx, id, conversation)
	if err != nil && !errors.Is(err, accounts.ErrNotFound) {
		return nil, errors.Wrap(err, "load login session")
	}
	if rec != nil && rec.State != accounts.LoginNotStarted && rec.State != accounts.LoginFailed {
		return rec, nil
	}
	rec = &accounts.LoginRecord{
		Identity:     id,
		Conversation: conversation,
		State:        accounts.LoginWaitingMethod,
	}
	if err := f.store.PutLogin(ctx, rec); err != nil {
		return nil, err
	}
	log.Info().Str("identity", id.Key()).Msg("login session started")
	return rec, nil
}

// SelectMethod picks how this login completes and advances the state machine:
// manual goes straight to LOGGING_IN (the human acts out-of-band), qrcode
// opens the login page and waits for the scan, credentials waits for the
// account name.
func (f *Flow) SelectMethod(ctx context.Context, id accounts.Identity, conversation string, method accounts.LoginMethod) (*accounts.LoginRecord, error) {
	defer f.lock(flowKey(id, conversation))()
	rec, err := f.load(ctx, id, conversation, accounts.LoginWaitingMethod)
	if err != nil {
		return nil, err
	}
	rec.Method = method
	switch method {
	case accounts.MethodManual:
		rec.State = accounts.LoginInProgress
	case accounts.MethodQRCode:
		if _, err := f.loginPage(ctx, id, conversation); err != nil {
			return nil, err
		}
		rec.State = accounts.LoginInProgress
	case accounts.MethodCredentials:
		rec.State = accounts.LoginWaitingAccount
	default:
		return nil, errors.Errorf("login flow: unknown method %q", method)
	}
	if err := f.store.PutLogin(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SubmitAccount records the account name for the credential method.
func (f *Flow) SubmitAccount(ctx context.Context, id accounts.Identity, conversation, account string) (*accounts.LoginRecord, error) {
	defer f.lock(flowKey(id, conversation))()
	rec, err := f.load(ctx, id, conversation, accounts.LoginWaitingAccount)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(account) == "" {
		return nil, errors.New("login flow: account is empty")
	}
	rec.Account = account
	rec.State = accounts.LoginWaitingSecret
	if err := f.store.PutLogin(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SubmitSecret completes the credential method. It transitions directly to
// LOGGED_IN or LOGIN_FAILED; no separate verify step.
func (f *Flow) SubmitSecret(ctx context.Context, id accounts.Identity, conversation, secret string) (*accounts.LoginRecord, error) {
	defer f.lock(flowKey(id, conversation))()
	rec, err := f.load(ctx, id, conversation, accounts.LoginWaitingSecret)
	if err != nil {
		return nil, err
	}
	rec.State = accounts.LoginInProgress
	if err := f.store.PutLogin(ctx, rec); err != nil {
		return nil, err
	}

	ops, page, err := f.opsAndPage(ctx, id, conversation)
	if err != nil {
		return f.fail(ctx, rec, err)
	}
	if err := ops.SubmitCredentials(ctx, page, rec.Account, secret); err != nil {
		return f.fail(ctx, rec, err)
	}
	actual, err := f.waitAuthenticated(ctx, ops, page)
	if err != nil {
		return f.fail(ctx, rec, err)
	}
	if err := f.adopt(ctx, id, actual); err != nil {
		return nil, err
	}
	rec.State = accounts.LoginSucceeded
	if err := f.store.PutLogin(ctx, rec); err != nil {
		return nil, err
	}
	f.closePage(id, conversation)
	return rec, nil
}

// QRState reports whether the scan-to-confirm affordance has flipped. The
// caller polls this, then calls Verify.
func (f *Flow) QRState(ctx context.Context, id accounts.Identity, conversation string) (bool, error) {
	defer f.lock(flowKey(id, conversation))()
	ops, page, err := f.opsAndPage(ctx, id, conversation)
	if err != nil {
		return false, err
	}
	return ops.QRScanned(ctx, page)
}

// Verify re-checks the live session's actual authenticated identity. On
// mismatch the actual account is adopted as correct and recorded; login can
// legitimately authenticate a different-but-valid account than the one named.
// Side effect: loginVerified=true and the corrected label are persisted.
func (f *Flow) Verify(ctx context.Context, id accounts.Identity, conversation string) (string, error) {
	defer f.lock(flowKey(id, conversation))()
	ops, page, err := f.opsAndPage(ctx, id, conversation)
	if err != nil {
		return "", err
	}
	actual, err := f.waitAuthenticated(ctx, ops, page)
	if err != nil {
		return "", err
	}
	if err := f.adopt(ctx, id, actual); err != nil {
		return "", err
	}
	rec, err := f.store.GetLogin(ctx, id, conversation)
	if err == nil && rec != nil {
		rec.State = accounts.LoginSucceeded
		_ = f.store.PutLogin(ctx, rec)
	}
	f.closePage(id, conversation)
	return actual, nil
}

func (f *Flow) load(ctx context.Context, id accounts.Identity, conversation string, want accounts.LoginState) (*accounts.LoginRecord, error) {
	rec, err := f.store.GetLogin(ctx, id, conversation)
	if err != nil {
		return nil, errors.Wrap(err, "load login session")
	}
	if rec.State != want {
		return nil, errors.Errorf("login flow: in state %s, want %s", rec.State, want)
	}
	return rec, nil
}

func (f *Flow) fail(ctx context.Context, rec *accounts.LoginRecord, cause error) (*accounts.LoginRecord, error) {
	rec.State = accounts.LoginFailed
	if err := f.store.PutLogin(ctx, rec); err != nil {
		log.Warn().Err(err).Str("identity", rec.Identity.Key()).Msg("persisting failed login state")
	}
	log.Warn().Err(cause).Str("identity", rec.Identity.Key()).Msg("login failed")
	return rec, errors.Wrap(cause, "login failed")
}

// adopt persists the identity as verified under whatever account the session
// actually authenticated as.
func (f *Flow) adopt(ctx context.Context, id accounts.Identity, actual string) error {
	if actual != "" && actual != id.AccountID {
		log.Info().
			Str("identity", id.Key()).
			Str("actual_account", actual).
			Msg("session authenticated as a different account, adopting it")
	}
	rec, err := f.store.GetRecord(ctx, id)
	if err != nil {
		if !errors.Is(err, accounts.ErrNotFound) {
			return errors.Wrap(err, "load identity record")
		}
		rec = &accounts.Record{Identity: id}
	}
	rec.LoginVerified = true
	if actual != "" {
		rec.AccountLabel = actual
	}
	return f.store.PutRecord(ctx, rec)
}

// waitAuthenticated polls the page for the authenticated account name; the
// name can lag the login action by a beat while the page settles.
func (f *Flow) waitAuthenticated(ctx context.Context, ops ProviderOps, page browser.Page) (string, error) {
	deadline := time.Now().Add(15 * time.Second)
	for {
		name, err := ops.AuthenticatedAccount(ctx, page)
		if err != nil && !browser.IsTransient(err) {
			return "", err
		}
		if name != "" {
			return name, nil
		}
		if time.Now().After(deadline) {
			return "", errors.New("login flow: session is not authenticated")
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (f *Flow) opsAndPage(ctx context.Context, id accounts.Identity, conversation string) (ProviderOps, browser.Page, error) {
	ops, err := f.resolve(id.Provider)
	if err != nil {
		return nil, nil, err
	}
	page, err := f.loginPage(ctx, id, conversation)
	if err != nil {
		return nil, nil, err
	}
	return ops, page, nil
}

// loginPage returns the flow's open login page for the key, opening one if
// needed. The login flow deliberately bypasses the verified gate.
func (f *Flow) loginPage(ctx context.Context, id accounts.Identity, conversation string) (browser.Page, error) {
	key := flowKey(id, conversation)
	f.mu.Lock()
	page, ok := f.pages[key]
	f.mu.Unlock()
	if ok && !page.Closed() {
		return page, nil
	}
	sess, err := f.sessions.Acquire(ctx, id, browser.AcquireOptions{ForLogin: true})
	if err != nil {
		return nil, err
	}
	ops, err := f.resolve(id.Provider)
	if err != nil {
		return nil, err
	}
	page, err = ops.OpenLogin(ctx, sess)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.pages[key] = page
	f.mu.Unlock()
	return page, nil
}

func (f *Flow) closePage(id accounts.Identity, conversation string) {
	key := flowKey(id, conversation)
	f.mu.Lock()
	page, ok := f.pages[key]
	delete(f.pages, key)
	f.mu.Unlock()
	if ok {
		_ = page.Close()
	}
}
