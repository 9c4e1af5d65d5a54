package provider

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-webtap/webtap/pkg/browser"
	"github.com/go-webtap/webtap/pkg/reconcile"
)

// Driver opens pages under a session, submits outbound messages and exposes
// the observation capabilities the reconciliation engine polls.
type Driver struct {
	profile *Profile
}

func NewDriver(p *Profile) (*Driver, error) {
	if p == nil {
		return nil, errors.New("driver: profile is nil")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Driver{profile: p}, nil
}

func (d *Driver) Profile() *Profile { return d.profile }

// OpenConversation opens a fresh page on the conversation identified by
// handle, or on a new chat when handle is empty, and installs the stream tap.
func (d *Driver) OpenConversation(ctx context.Context, sess browser.Session, handle string) (browser.Page, error) {
	url := d.profile.NewChatURL
	if strings.TrimSpace(handle) != "" {
		url = handle
	}
	page, err := sess.OpenPage(ctx, url)
	if err != nil {
		return nil, err
	}
	if _, err := page.Eval(ctx, tapScript(d.profile.StreamPaths)); err != nil {
		_ = page.Close()
		return nil, errors.Wrap(err, "install stream tap")
	}
	log.Debug().Str("provider", d.profile.Name).Str("url", url).Msg("conversation page opened")
	return page, nil
}

// Submit types the outbound message and triggers the send control.
func (d *Driver) Submit(ctx context.Context, page browser.Page, message string) error {
	if strings.TrimSpace(message) == "" {
		return errors.New("driver: message is empty")
	}
	if err := page.Input(ctx, d.profile.Selectors.Input, message); err != nil {
		return errors.Wrap(err, "type message")
	}
	if err := page.Click(ctx, d.profile.Selectors.Send); err != nil {
		return errors.Wrap(err, "click send")
	}
	return nil
}

// Feed builds the reconciliation engine's capability set for one page. The
// decoder is per exchange: its slot mapping lives exactly as long as the feed.
func (d *Driver) Feed(page browser.Page) reconcile.Feed {
	p := d.profile
	dec := p.NewDecoder()
	return reconcile.Feed{
		DrainReplay: func(ctx context.Context) ([]reconcile.Fragment, error) {
			res, err := page.Eval(ctx, drainJS)
			if err != nil {
				return nil, err
			}
			var frags []reconcile.Fragment
			for _, raw := range res.Array() {
				frag, ok := dec.DecodeFrame(raw.String())
				if !ok {
					continue
				}
				frags = append(frags, frag)
			}
			return frags, nil
		},
		ReadLive: func(ctx context.Context) (string, error) {
			return page.Text(ctx, p.Selectors.Answer)
		},
		Classify: p.ClassifyFragment,
		IsDone:   p.FragmentDone,
		Settled: func(ctx context.Context) (bool, error) {
			if p.Selectors.Busy == "" || p.Selectors.Ready == "" {
				return false, nil
			}
			busy, err := page.Has(ctx, p.Selectors.Busy)
			if err != nil {
				return false, err
			}
			if busy {
				return false, nil
			}
			ready, err := page.Has(ctx, p.Selectors.Ready)
			if err != nil {
				return false, err
			}
			return ready, nil
		},
		Handle: func(ctx context.Context) (string, error) {
			return page.URL(ctx)
		},
		PageClosed: page.Closed,
	}
}

// OpenLogin opens the provider's login page under a session.
func (d *Driver) OpenLogin(ctx context.Context, sess browser.Session) (browser.Page, error) {
	url := d.profile.LoginURL
	if url == "" {
		url = d.profile.BaseURL
	}
	return sess.OpenPage(ctx, url)
}

// AuthenticatedAccount reads the account name the session is actually logged
// in as, empty when unauthenticated.
func (d *Driver) AuthenticatedAccount(ctx context.Context, page browser.Page) (string, error) {
	sel := d.profile.Selectors.AccountName
	if sel == "" {
		return "", errors.New("driver: no account name selector")
	}
	has, err := page.Has(ctx, sel)
	if err != nil {
		return "", err
	}
	if !has {
		return "", nil
	}
	name, err := page.Text(ctx, sel)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(name), nil
}

// QRScanned reports whether the scan-to-confirm affordance has flipped.
func (d *Driver) QRScanned(ctx context.Context, page browser.Page) (bool, error) {
	if d.profile.Selectors.QRScanned == "" {
		return false, errors.New("driver: provider has no qr flow")
	}
	return page.Has(ctx, d.profile.Selectors.QRScanned)
}

// SubmitCredentials fills and submits the credential form.
func (d *Driver) SubmitCredentials(ctx context.Context, page browser.Page, account, secret string) error {
	sel := d.profile.Selectors
	if sel.AccountInput == "" || sel.PasswordInput == "" || sel.LoginSubmit == "" {
		return errors.New("driver: provider has no credential flow")
	}
	if err := page.Input(ctx, sel.AccountInput, account); err != nil {
		return errors.Wrap(err, "type account")
	}
	if err := page.Input(ctx, sel.PasswordInput, secret); err != nil {
		return errors.Wrap(err, "type password")
	}
	if err := page.Click(ctx, sel.LoginSubmit); err != nil {
		return errors.Wrap(err, "submit credentials")
	}
	return nil
}
