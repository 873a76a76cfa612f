package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"hubline/internal/domain"
	"hubline/internal/events"
)

// Repo is the sqlite-backed store.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	// RetryMaxElapsed bounds how long a busy database is retried before reporting Unavailable.
	RetryMaxElapsed time.Duration
}

var ErrNotFound = domain.ErrNotFound

type DecisionFilter struct {
	Status   domain.DecisionStatus
	Assignee string
	Offset   int
	// Limit <= 0 returns every match.
	Limit int
}

type JobFilter struct {
	Kind      domain.JobKind
	MeetingID string
	Status    domain.JobStatus
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

// tsLayout keeps lexical order equal to chronological order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t.UTC(), nil
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}

func parseNullTS(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const defaultRetryMaxElapsed = 3 * time.Second

func (r Repo) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = r.RetryMaxElapsed
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = defaultRetryMaxElapsed
	}
	return backoff.WithContext(bo, ctx)
}

// withRetry runs fn until it succeeds, fails permanently, or the database stays busy too long.
func (r Repo) withRetry(ctx context.Context, op string, fn func() error) error {
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.newBackOff(ctx))
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return domain.UnavailableError{Op: op, Err: err}
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, errGuardMiss) {
		return err
	}
	return errors.Wrap(err, op)
}

// errGuardMiss marks a compare-and-set that found a different stored state.
var errGuardMiss = errors.New("guard miss")

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// inTx runs fn inside a transaction, retrying the whole unit when sqlite reports contention.
func (r Repo) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return r.withRetry(ctx, op, func() error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Ping reports whether the database answers.
func (r Repo) Ping(ctx context.Context) error {
	return r.withRetry(ctx, "ping", func() error {
		return r.DB.PingContext(ctx)
	})
}
