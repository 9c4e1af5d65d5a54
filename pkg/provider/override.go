package provider

import (
	"github.com/pkg/errors"
)

// Override patches a registered profile from the config file. Selector tables
// drift with upstream UI releases; deployments fix them without a rebuild.
// Empty fields keep the builtin value.
type Override struct {
	BaseURL     string            `mapstructure:"base-url"`
	NewChatURL  string            `mapstructure:"new-chat-url"`
	LoginURL    string            `mapstructure:"login-url"`
	StreamPaths []string          `mapstructure:"stream-paths"`
	Selectors   map[string]string `mapstructure:"selectors"`
}

// Override applies o to the named profile. The patched profile replaces the
// registered one only when it still validates.
func (r *Registry) Override(name string, o Override) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[name]
	if !ok {
		return errors.Errorf("unknown provider %q", name)
	}
	patched := *p
	if o.BaseURL != "" {
		patched.BaseURL = o.BaseURL
	}
	if o.NewChatURL != "" {
		patched.NewChatURL = o.NewChatURL
	}
	if o.LoginURL != "" {
		patched.LoginURL = o.LoginURL
	}
	if len(o.StreamPaths) > 0 {
		patched.StreamPaths = o.StreamPaths
	}
	for key, value := range o.Selectors {
		if err := patched.Selectors.set(key, value); err != nil {
			return errors.Wrapf(err, "provider %q", name)
		}
	}
	if err := patched.Validate(); err != nil {
		return errors.Wrapf(err, "provider %q override", name)
	}
	r.profiles[name] = &patched
	return nil
}

func (s *Selectors) set(key, value string) error {
	switch key {
	case "input":
		s.Input = value
	case "send":
		s.Send = value
	case "answer":
		s.Answer = value
	case "busy":
		s.Busy = value
	case "ready":
		s.Ready = value
	case "account-input":
		s.AccountInput = value
	case "password-input":
		s.PasswordInput = value
	case "login-submit":
		s.LoginSubmit = value
	case "account-name":
		s.AccountName = value
	case "qr-image":
		s.QRImage = value
	case "qr-scanned":
		s.QRScanned = value
	default:
		return errors.Errorf("unknown selector key %q", key)
	}
	return nil
}
