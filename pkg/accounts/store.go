package accounts

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// LoginState enumerates the login session lifecycle. LOGGED_IN is terminal.
type LoginState string

const (
	LoginNotStarted     LoginState = "NOT_STARTED"
	LoginWaitingMethod  LoginState = "WAITING_LOGIN_METHOD"
	LoginWaitingAccount LoginState = "WAITING_ACCOUNT"
	LoginWaitingSecret  LoginState = "WAITING_PASSWORD"
	LoginInProgress     LoginState = "LOGGING_IN"
	LoginSucceeded      LoginState = "LOGGED_IN"
	LoginFailed         LoginState = "LOGIN_FAILED"
)

// LoginMethod selects how an identity completes login.
type LoginMethod string

const (
	// MethodManual: a human logs in out-of-band, then the caller verifies.
	MethodManual LoginMethod = "manual"
	// MethodCredentials: account+secret submitted programmatically; no
	// separate verify step.
	MethodCredentials LoginMethod = "credentials"
	// MethodQRCode: scan-to-confirm; the caller polls scan completion and
	// then verifies.
	MethodQRCode LoginMethod = "qrcode"
)

// LoginRecord is the durable login session, keyed per (identity, conversation).
type LoginRecord struct {
	Identity     Identity
	Conversation string
	State        LoginState
	Method       LoginMethod
	Account      string
	Secret       string
	UpdatedAt    time.Time
}

// ErrNotFound is returned by stores for absent records.
var ErrNotFound = errors.New("accounts: not found")

// Store persists identity records and login sessions.
type Store interface {
	GetRecord(ctx context.Context, id Identity) (*Record, error)
	PutRecord(ctx context.Context, rec *Record) error
	ListRecords(ctx context.Context) ([]*Record, error)

	GetLogin(ctx context.Context, id Identity, conversation string) (*LoginRecord, error)
	PutLogin(ctx context.Context, rec *LoginRecord) error

	Close() error
}
