package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"caseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict means a timeline write lost a read-modify-write race.
var ErrVersionConflict = errors.New("timeline version conflict")

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) GetTimeline(ctx context.Context, caseID string) (domain.Timeline, error) {
	return getTimeline(ctx, r.DB, caseID)
}

func (r Repo) GetTimelineTx(ctx context.Context, tx *sql.Tx, caseID string) (domain.Timeline, error) {
	return getTimeline(ctx, tx, caseID)
}

func getTimeline(ctx context.Context, q querier, caseID string) (domain.Timeline, error) {
	var t domain.Timeline
	err := q.QueryRowContext(ctx, `SELECT case_id,case_type,current_phase_order,version,created_at,updated_at FROM timelines WHERE case_id=?`, caseID).
		Scan(&t.CaseID, &t.CaseType, &t.CurrentPhaseOrder, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	rows, err := q.QueryContext(ctx, `SELECT phase_order,state FROM timeline_phases WHERE case_id=? ORDER BY phase_order ASC`, caseID)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.PhaseStatus
		var state string
		if err := rows.Scan(&p.Order, &state); err != nil {
			return t, err
		}
		p.State = domain.PhaseState(state)
		t.Phases = append(t.Phases, p)
	}
	return t, rows.Err()
}

// InsertTimeline writes a new timeline row plus one row per phase.
func (r Repo) InsertTimeline(ctx context.Context, tx *sql.Tx, t domain.Timeline) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO timelines(case_id,case_type,current_phase_order,version,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		t.CaseID, t.CaseType, t.CurrentPhaseOrder, t.Version, t.CreatedAt, t.UpdatedAt); err != nil {
		return err
	}
	for _, p := range t.Phases {
		if _, err := tx.ExecContext(ctx, `INSERT INTO timeline_phases(case_id,phase_order,state) VALUES (?,?,?)`,
			t.CaseID, p.Order, string(p.State)); err != nil {
			return err
		}
	}
	return nil
}

// UpdateTimeline persists a transition. The WHERE clause on the previous
// version makes a lost update surface as ErrVersionConflict instead of a
// silent overwrite. The caller passes the timeline with Version already
// incremented.
func (r Repo) UpdateTimeline(ctx context.Context, tx *sql.Tx, t domain.Timeline) error {
	res, err := tx.ExecContext(ctx, `UPDATE timelines SET current_phase_order=?, version=?, updated_at=? WHERE case_id=? AND version=?`,
		t.CurrentPhaseOrder, t.Version, t.UpdatedAt, t.CaseID, t.Version-1)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := getTimeline(ctx, tx, t.CaseID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	for _, p := range t.Phases {
		if _, err := tx.ExecContext(ctx, `UPDATE timeline_phases SET state=? WHERE case_id=? AND phase_order=?`,
			string(p.State), t.CaseID, p.Order); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTimeline removes a case timeline; phases and activities cascade.
func (r Repo) DeleteTimeline(ctx context.Context, caseID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM timelines WHERE case_id=?`, caseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ActivityFilters struct {
	CaseID          string
	ActivityType    string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListActivities returns activity entries newest-first with keyset pagination.
func (r Repo) ListActivities(ctx context.Context, f ActivityFilters) ([]domain.ActivityEntry, error) {
	clauses := []string{"case_id=?"}
	args := []any{f.CaseID}
	if f.ActivityType != "" {
		clauses = append(clauses, "activity_type=?")
		args = append(args, f.ActivityType)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,case_id,activity_type,reference_id,reference_type,description,user_id,created_at FROM activities ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		var a domain.ActivityEntry
		var refID, refType, desc, userID sql.NullString
		if err := rows.Scan(&a.ID, &a.CaseID, &a.ActivityType, &refID, &refType, &desc, &userID, &a.CreatedAt); err != nil {
			return nil, err
		}
		if refID.Valid {
			a.ReferenceID = &refID.String
		}
		if refType.Valid {
			a.ReferenceType = &refType.String
		}
		if desc.Valid {
			a.Description = desc.String
		}
		if userID.Valid {
			a.UserID = &userID.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountActivitiesByType is used by status reporting.
func (r Repo) CountActivitiesByType(ctx context.Context, caseID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT activity_type, count(*) FROM activities WHERE case_id=? GROUP BY activity_type`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		res[typ] = count
	}
	return res, rows.Err()
}

// GetCatalogYAML returns the persisted administrative catalog override.
func (r Repo) GetCatalogYAML(ctx context.Context) (string, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT catalog_yaml FROM template_catalogs WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return payload, err
}

// UpsertCatalogYAML stores the administrative catalog as a single row.
func (r Repo) UpsertCatalogYAML(ctx context.Context, catalogYAML, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO template_catalogs(id,catalog_yaml,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET catalog_yaml=excluded.catalog_yaml, updated_at=excluded.updated_at`, catalogYAML, updatedAt)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
