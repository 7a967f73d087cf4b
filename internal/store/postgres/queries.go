package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/alfredjeanlab/maintgate/internal/model"
)

// executor is satisfied by both *sql.DB and *sql.Tx, so the query functions
// can be shared by direct and transactional callers.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryGetState(ctx context.Context, db executor) (*model.MaintenanceState, error) {
	row := db.QueryRowContext(ctx, `
		SELECT enabled, message, data, revision, updated_at, updated_by
		FROM maintenance_state WHERE id = 1`)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultState(), nil
	}
	return st, err
}

// queryBootstrap ensures the singleton row exists in its default state.
// Uses INSERT...ON CONFLICT DO NOTHING so existing state is never reset.
func queryBootstrap(ctx context.Context, db executor) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO maintenance_state (id, enabled, message, revision)
		VALUES (1, FALSE, $1, 0)
		ON CONFLICT (id) DO NOTHING`,
		model.DefaultMessage,
	)
	return err
}

// queryCompareAndSet writes st over the singleton row if its revision is
// still expected and returns the new revision. A stale revision yields
// model.ErrConflict.
func queryCompareAndSet(ctx context.Context, db executor, st *model.MaintenanceState, expected int64) (int64, error) {
	data, err := jsonbMap(st.Data)
	if err != nil {
		return 0, err
	}
	var rev int64
	err = db.QueryRowContext(ctx, `
		UPDATE maintenance_state
		SET enabled = $1, message = $2, data = $3, updated_at = $4, updated_by = $5,
		    revision = revision + 1
		WHERE id = 1 AND revision = $6
		RETURNING revision`,
		st.Enabled,
		st.Message,
		data,
		st.UpdatedAt,
		st.UpdatedBy,
		expected,
	).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, model.ErrConflict
	}
	if err != nil {
		return 0, model.Unavailable("update maintenance state", err)
	}
	return rev, nil
}

func queryInsertHistory(ctx context.Context, db executor, st *model.MaintenanceState) error {
	data, err := jsonbMap(st.Data)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO maintenance_history (revision, enabled, message, data, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		st.Revision,
		st.Enabled,
		st.Message,
		data,
		st.UpdatedAt,
		st.UpdatedBy,
	)
	return err
}

// queryHistory passes a NULL limit, which Postgres treats as no limit, when
// limit is not positive.
func queryHistory(ctx context.Context, db executor, limit int) ([]*model.Revision, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := db.QueryContext(ctx, `
		SELECT revision, enabled, message, data, updated_at, updated_by
		FROM maintenance_history
		ORDER BY revision DESC
		LIMIT $1`, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRevisions(rows)
}

