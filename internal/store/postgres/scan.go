package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/maintgate/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanState scans a single row into a model.MaintenanceState.
// Columns: enabled, message, data, revision, updated_at, updated_by.
func scanState(row scannable) (*model.MaintenanceState, error) {
	var (
		st   model.MaintenanceState
		data []byte
	)
	if err := row.Scan(&st.Enabled, &st.Message, &data, &st.Revision, &st.UpdatedAt, &st.UpdatedBy); err != nil {
		return nil, err
	}
	m, err := decodeJSONB(data)
	if err != nil {
		return nil, err
	}
	st.Data = m
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st.Normalize(), nil
}

func scanRevisions(rows *sql.Rows) ([]*model.Revision, error) {
	var revs []*model.Revision
	for rows.Next() {
		var (
			r    model.Revision
			data []byte
		)
		if err := rows.Scan(&r.Revision, &r.Enabled, &r.Message, &data, &r.UpdatedAt, &r.UpdatedBy); err != nil {
			return nil, err
		}
		m, err := decodeJSONB(data)
		if err != nil {
			return nil, err
		}
		r.Data = m
		r.UpdatedAt = r.UpdatedAt.UTC()
		revs = append(revs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return revs, nil
}

// jsonbMap encodes m for a JSONB column. A nil map is stored as NULL.
func jsonbMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	return b, nil
}

func decodeJSONB(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return m, nil
}
