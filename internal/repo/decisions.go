package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"hubline/internal/domain"
	"hubline/internal/events"
)

const decisionColumns = `id,hub_id,title,COALESCE(description,''),due_date,requested_by,requested_by_name,
COALESCE(assignee,''),COALESCE(assignee_name,''),status,related_kind,related_id,created_at,updated_at,COALESCE(updated_by,'')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (domain.DecisionItem, error) {
	var (
		d                        domain.DecisionItem
		due, relKind, relID      sql.NullString
		status, created, updated string
	)
	err := row.Scan(&d.ID, &d.HubID, &d.Title, &d.Description, &due, &d.RequestedBy, &d.RequestedByName,
		&d.Assignee, &d.AssigneeName, &status, &relKind, &relID, &created, &updated, &d.UpdatedBy)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Status = domain.DecisionStatus(status)
	if d.DueDate, err = parseNullTS(due); err != nil {
		return d, err
	}
	if relKind.Valid && relKind.String != "" {
		d.RelatedResource = &domain.ResourceRef{Kind: domain.ResourceKind(relKind.String), ID: relID.String}
	}
	if d.CreatedAt, err = parseTS(created); err != nil {
		return d, err
	}
	if d.UpdatedAt, err = parseTS(updated); err != nil {
		return d, err
	}
	return d, nil
}

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.DecisionItem) error {
	var relKind, relID any
	if d.RelatedResource != nil {
		relKind, relID = string(d.RelatedResource.Kind), d.RelatedResource.ID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO decision_items(id,hub_id,title,description,due_date,requested_by,requested_by_name,assignee,assignee_name,status,related_kind,related_id,created_at,updated_at,updated_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.HubID, d.Title, nullable(d.Description), nullableTS(d.DueDate), d.RequestedBy, d.RequestedByName,
		nullable(d.Assignee), nullable(d.AssigneeName), string(d.Status), relKind, relID,
		formatTS(d.CreatedAt), formatTS(d.UpdatedAt), nullable(d.UpdatedBy))
	return err
}

// CreateDecision inserts the item and its creation event in one transaction.
func (r Repo) CreateDecision(ctx context.Context, d domain.DecisionItem, evt events.Record) error {
	return r.inTx(ctx, "create decision", func(tx *sql.Tx) error {
		if err := r.InsertDecisionTx(ctx, tx, d); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, evt)
	})
}

func (r Repo) GetDecision(ctx context.Context, hubID, id string) (domain.DecisionItem, error) {
	var d domain.DecisionItem
	err := r.withRetry(ctx, "get decision", func() error {
		var err error
		d, err = scanDecision(r.DB.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decision_items WHERE hub_id=? AND id=?`, hubID, id))
		return err
	})
	return d, err
}

func decisionWhere(hubID string, f DecisionFilter) (string, []any) {
	clauses := []string{"hub_id=?"}
	args := []any{hubID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListDecisions returns one page of matching items ordered by creation, plus the total match count.
func (r Repo) ListDecisions(ctx context.Context, hubID string, f DecisionFilter) ([]domain.DecisionItem, int, error) {
	if f.Offset < 0 {
		return nil, 0, errors.Errorf("list decisions: negative offset %d", f.Offset)
	}
	where, args := decisionWhere(hubID, f)
	var (
		items []domain.DecisionItem
		total int
	)
	err := r.withRetry(ctx, "list decisions", func() error {
		items, total = nil, 0
		if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_items `+where, args...).Scan(&total); err != nil {
			return err
		}
		query := fmt.Sprintf(`SELECT %s FROM decision_items %s ORDER BY created_at ASC, id ASC`, decisionColumns, where)
		pageArgs := append([]any{}, args...)
		if f.Limit > 0 {
			query += ` LIMIT ? OFFSET ?`
			pageArgs = append(pageArgs, f.Limit, f.Offset)
		}
		rows, err := r.DB.QueryContext(ctx, query, pageArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scanDecision(rows)
			if err != nil {
				return err
			}
			items = append(items, d)
		}
		return rows.Err()
	})
	return items, total, err
}

// CommitTransition stores the updated item and its transition only if the stored status still
// equals expectedFrom. It reports false, without writing, when the guard does not hold.
func (r Repo) CommitTransition(ctx context.Context, item domain.DecisionItem, tr domain.DecisionTransition, expectedFrom domain.DecisionStatus, evt events.Record) (bool, error) {
	err := r.inTx(ctx, "commit decision transition", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE decision_items SET status=?, updated_at=?, updated_by=? WHERE hub_id=? AND id=? AND status=?`,
			string(item.Status), formatTS(item.UpdatedAt), nullable(item.UpdatedBy), item.HubID, item.ID, string(expectedFrom))
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
		if _, err := tx.ExecContext(ctx, `INSERT INTO decision_transitions(id,decision_id,from_status,to_status,reason,comment,changed_by,changed_by_name,changed_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			tr.ID, tr.DecisionID, string(tr.FromStatus), string(tr.ToStatus), nullable(tr.Reason), nullable(tr.Comment),
			tr.ChangedBy, tr.ChangedByName, formatTS(tr.ChangedAt)); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, evt)
	})
	if errors.Is(err, errGuardMiss) {
		return false, nil
	}
	return err == nil, err
}

// ListTransitions returns the audit history of a decision in commit order.
func (r Repo) ListTransitions(ctx context.Context, hubID, decisionID string) ([]domain.DecisionTransition, error) {
	var res []domain.DecisionTransition
	err := r.withRetry(ctx, "list decision transitions", func() error {
		res = nil
		rows, err := r.DB.QueryContext(ctx, `SELECT t.id,t.decision_id,t.from_status,t.to_status,COALESCE(t.reason,''),COALESCE(t.comment,''),t.changed_by,t.changed_by_name,t.changed_at
FROM decision_transitions t JOIN decision_items d ON d.id=t.decision_id
WHERE d.hub_id=? AND t.decision_id=? ORDER BY t.seq ASC`, hubID, decisionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				t              domain.DecisionTransition
				from, to, when string
			)
			if err := rows.Scan(&t.ID, &t.DecisionID, &from, &to, &t.Reason, &t.Comment, &t.ChangedBy, &t.ChangedByName, &when); err != nil {
				return err
			}
			t.FromStatus, t.ToStatus = domain.DecisionStatus(from), domain.DecisionStatus(to)
			if t.ChangedAt, err = parseTS(when); err != nil {
				return err
			}
			res = append(res, t)
		}
		return rows.Err()
	})
	return res, err
}
