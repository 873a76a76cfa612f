package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"hubline/internal/domain"
	"hubline/internal/events"
)

const jobColumns = `id,hub_id,COALESCE(meeting_id,''),kind,input_json,status,result_json,COALESCE(error,''),created_at,completed_at,expires_at,poll_interval_ms,COALESCE(created_by,'')`

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                        domain.Job
		kind, status             string
		input, result, completed sql.NullString
		created, expires         string
	)
	err := row.Scan(&j.ID, &j.HubID, &j.MeetingID, &kind, &input, &status, &result, &j.Error,
		&created, &completed, &expires, &j.PollIntervalHint, &j.CreatedBy)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Kind, j.Status = domain.JobKind(kind), domain.JobStatus(status)
	if input.Valid && input.String != "" {
		j.Input = json.RawMessage(input.String)
	}
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	if j.CreatedAt, err = parseTS(created); err != nil {
		return j, err
	}
	if j.ExpiresAt, err = parseTS(expires); err != nil {
		return j, err
	}
	if j.CompletedAt, err = parseNullTS(completed); err != nil {
		return j, err
	}
	return j, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (r Repo) CreateJob(ctx context.Context, j domain.Job, evt events.Record) error {
	return r.inTx(ctx, "create job", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,hub_id,meeting_id,kind,input_json,status,result_json,error,created_at,completed_at,expires_at,poll_interval_ms,created_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			j.ID, j.HubID, nullable(j.MeetingID), string(j.Kind), rawOrNil(j.Input), string(j.Status), rawOrNil(j.Result),
			nullable(j.Error), formatTS(j.CreatedAt), nullableTS(j.CompletedAt), formatTS(j.ExpiresAt), j.PollIntervalHint,
			nullable(j.CreatedBy)); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, evt)
	})
}

func (r Repo) GetJob(ctx context.Context, hubID, id string) (domain.Job, error) {
	var j domain.Job
	err := r.withRetry(ctx, "get job", func() error {
		var err error
		j, err = scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE hub_id=? AND id=?`, hubID, id))
		return err
	})
	return j, err
}

// ListJobs returns matching jobs in creation order; expiry is left to the caller.
func (r Repo) ListJobs(ctx context.Context, hubID string, f JobFilter) ([]domain.Job, error) {
	clauses := []string{"hub_id=?"}
	args := []any{hubID}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.MeetingID != "" {
		clauses = append(clauses, "meeting_id=?")
		args = append(args, f.MeetingID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	var res []domain.Job
	err := r.withRetry(ctx, "list jobs", func() error {
		res = nil
		rows, err := r.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			res = append(res, j)
		}
		return rows.Err()
	})
	return res, err
}

// CompleteJob records the terminal outcome if the job is still queued. It reports false when
// another completion already happened.
func (r Repo) CompleteJob(ctx context.Context, j domain.Job, evt events.Record) (bool, error) {
	if !j.Status.Terminal() {
		return false, errors.Errorf("complete job %s: status %s is not terminal", j.ID, j.Status)
	}
	err := r.inTx(ctx, "complete job", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, result_json=?, error=?, completed_at=? WHERE hub_id=? AND id=? AND status=?`,
			string(j.Status), rawOrNil(j.Result), nullable(j.Error), nullableTS(j.CompletedAt), j.HubID, j.ID, string(domain.JobQueued))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errGuardMiss
		}
		return r.Events.Append(ctx, tx, evt)
	})
	if errors.Is(err, errGuardMiss) {
		return false, nil
	}
	return err == nil, err
}

// DeleteExpiredJobs physically removes jobs whose expiry is before the cutoff.
func (r Repo) DeleteExpiredJobs(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.withRetry(ctx, "delete expired jobs", func() error {
		res, err := r.DB.ExecContext(ctx, `DELETE FROM jobs WHERE expires_at < ?`, formatTS(before))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
