// Package accounts holds the durable identity and login records the session
// pool and login flow operate on.
package accounts

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Identity is a (provider, account) pair. It is the unit of session ownership
// and login state; the key is immutable.
type Identity struct {
	Provider  string `json:"provider"`
	AccountID string `json:"account_id"`
}

func (i Identity) Key() string { return i.Provider + "/" + i.AccountID }

func (i Identity) String() string { return i.Key() }

func (i Identity) Validate() error {
	if strings.TrimSpace(i.Provider) == "" {
		return errors.New("identity: provider is empty")
	}
	if strings.TrimSpace(i.AccountID) == "" {
		return errors.New("identity: account id is empty")
	}
	if strings.Contains(i.Provider, "/") {
		return errors.New("identity: provider must not contain '/'")
	}
	return nil
}

// ParseKey parses the "provider/account" form produced by Key.
func ParseKey(s string) (Identity, error) {
	provider, account, ok := strings.Cut(s, "/")
	if !ok {
		return Identity{}, errors.Errorf("identity key %q: want provider/account", s)
	}
	id := Identity{Provider: provider, AccountID: account}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Record is the durable per-identity state.
type Record struct {
	Identity      Identity
	LoginVerified bool
	// AccountLabel is the account name the live session actually
	// authenticated as. Login verification may correct it to an account
	// other than the one initially named.
	AccountLabel string
	// HeadlessPreference overrides the global headless default when set.
	HeadlessPreference *bool
	UpdatedAt          time.Time
}

// ResolveHeadless applies the headless precedence chain:
// explicit override > identity preference > global default.
func ResolveHeadless(override *bool, rec *Record, globalDefault bool) bool {
	if override != nil {
		return *override
	}
	if rec != nil && rec.HeadlessPreference != nil {
		return *rec.HeadlessPreference
	}
	return globalDefault
}
