package accounts

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore keeps identity and login records in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite accounts store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite accounts store: pragmas")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			provider TEXT NOT NULL,
			account_id TEXT NOT NULL,
			login_verified INTEGER NOT NULL DEFAULT 0,
			account_label TEXT NOT NULL DEFAULT '',
			headless INTEGER,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (provider, account_id)
		);`,
		`CREATE TABLE IF NOT EXISTS login_sessions (
			provider TEXT NOT NULL,
			account_id TEXT NOT NULL,
			conversation TEXT NOT NULL,
			state TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			account TEXT NOT NULL DEFAULT '',
			secret TEXT NOT NULL DEFAULT '',
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (provider, account_id, conversation)
		);`,
		`CREATE INDEX IF NOT EXISTS login_sessions_by_state ON login_sessions(state, updated_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite accounts store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id Identity) (*Record, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT login_verified, account_label, headless, updated_at_ms
		 FROM identities WHERE provider = ? AND account_id = ?`,
		id.Provider, id.AccountID)
	var (
		verified  int
		label     string
		headless  sql.NullInt64
		updatedMs int64
	)
	if err := row.Scan(&verified, &label, &headless, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "sqlite accounts store: get record")
	}
	rec := &Record{
		Identity:      id,
		LoginVerified: verified != 0,
		AccountLabel:  label,
		UpdatedAt:     time.UnixMilli(updatedMs),
	}
	if headless.Valid {
		v := headless.Int64 != 0
		rec.HeadlessPreference = &v
	}
	return rec, nil
}

func (s *SQLiteStore) PutRecord(ctx context.Context, rec *Record) error {
	if rec == nil {
		return errors.New("sqlite accounts store: record is nil")
	}
	if err := rec.Identity.Validate(); err != nil {
		return err
	}
	var headless sql.NullInt64
	if rec.HeadlessPreference != nil {
		headless.Valid = true
		if *rec.HeadlessPreference {
			headless.Int64 = 1
		}
	}
	verified := 0
	if rec.LoginVerified {
		verified = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (provider, account_id, login_verified, account_label, headless, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, account_id) DO UPDATE SET
			login_verified = excluded.login_verified,
			account_label = excluded.account_label,
			headless = excluded.headless,
			updated_at_ms = excluded.updated_at_ms`,
		rec.Identity.Provider, rec.Identity.AccountID, verified, rec.AccountLabel, headless,
		time.Now().UnixMilli())
	return errors.Wrap(err, "sqlite accounts store: put record")
}

func (s *SQLiteStore) ListRecords(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, account_id, login_verified, account_label, headless, updated_at_ms
		 FROM identities ORDER BY provider, account_id`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite accounts store: list records")
	}
	defer func() { _ = rows.Close() }()
	var out []*Record
	for rows.Next() {
		var (
			rec       Record
			verified  int
			headless  sql.NullInt64
			updatedMs int64
		)
		if err := rows.Scan(&rec.Identity.Provider, &rec.Identity.AccountID, &verified,
			&rec.AccountLabel, &headless, &updatedMs); err != nil {
			return nil, errors.Wrap(err, "sqlite accounts store: scan record")
		}
		rec.LoginVerified = verified != 0
		rec.UpdatedAt = time.UnixMilli(updatedMs)
		if headless.Valid {
			v := headless.Int64 != 0
			rec.HeadlessPreference = &v
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetLogin(ctx context.Context, id Identity, conversation string) (*LoginRecord, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT state, method, account, secret, updated_at_ms
		 FROM login_sessions WHERE provider = ? AND account_id = ? AND conversation = ?`,
		id.Provider, id.AccountID, conversation)
	rec := &LoginRecord{Identity: id, Conversation: conversation}
	var updatedMs int64
	if err := row.Scan(&rec.State, &rec.Method, &rec.Account, &rec.Secret, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "sqlite accounts store: get login")
	}
	rec.UpdatedAt = time.UnixMilli(updatedMs)
	return rec, nil
}

func (s *SQLiteStore) PutLogin(ctx context.Context, rec *LoginRecord) error {
	if rec == nil {
		return errors.New("sqlite accounts store: login record is nil")
	}
	if err := rec.Identity.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO login_sessions (provider, account_id, conversation, state, method, account, secret, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, account_id, conversation) DO UPDATE SET
			state = excluded.state,
			method = excluded.method,
			account = excluded.account,
			secret = excluded.secret,
			updated_at_ms = excluded.updated_at_ms`,
		rec.Identity.Provider, rec.Identity.AccountID, rec.Conversation,
		string(rec.State), string(rec.Method), rec.Account, rec.Secret,
		time.Now().UnixMilli())
	return errors.Wrap(err, "sqlite accounts store: put login")
}
