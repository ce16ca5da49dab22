package activity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
)

// legacyCodes maps historical single-letter activity codes to their canonical
// types. Any other value passes through unchanged.
var legacyCodes = map[string]string{
	"N": domain.ActivityNoteAdded,
	"U": domain.ActivityNoteUpdated,
	"D": domain.ActivityNoteDeleted,
}

// Normalize translates a legacy activity code to its canonical type.
func Normalize(activityType string) string {
	if canonical, ok := legacyCodes[activityType]; ok {
		return canonical
	}
	return activityType
}

// Recorder appends immutable activity entries. Entries are written inside the
// transaction of the transition that produced them, so an entry is durable
// before the operation reports success.
type Recorder struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append assigns an id and timestamp and inserts the entry. The entry's
// activity type must already be normalized; Append never rewrites it.
func (r Recorder) Append(ctx context.Context, tx *sql.Tx, e domain.ActivityEntry) (domain.ActivityEntry, error) {
	if e.CaseID == "" {
		return e, fmt.Errorf("activity case_id required")
	}
	if e.ActivityType == "" {
		return e, fmt.Errorf("activity type required")
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	e.ID = uuid.New().String()
	e.CreatedAt = now().UTC().Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `INSERT INTO activities(id,case_id,activity_type,reference_id,reference_type,description,user_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.CaseID, e.ActivityType, nullablePtr(e.ReferenceID), nullablePtr(e.ReferenceType), nullable(e.Description), nullablePtr(e.UserID), e.CreatedAt)
	if err != nil {
		return e, fmt.Errorf("append activity: %w", err)
	}
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
