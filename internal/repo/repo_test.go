package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"caseline/internal/activity"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/repo"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func insertTimeline(t *testing.T, r repo.Repo, caseID string) domain.Timeline {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	tl := domain.Timeline{
		CaseID:            caseID,
		CaseType:          "personal_injury",
		CurrentPhaseOrder: 1,
		Version:           1,
		Phases: []domain.PhaseStatus{
			{Order: 1, State: domain.PhaseActive},
			{Order: 2, State: domain.PhasePending},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.InsertTimeline(ctx, tx, tl); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return tl
}

func TestUpdateTimelineVersionConflict(t *testing.T) {
	conn := openTestDB(t)
	r := repo.Repo{DB: conn}
	tl := insertTimeline(t, r, "case-1")
	ctx := context.Background()

	// First writer wins.
	first := tl
	first.Version = 2
	first.CurrentPhaseOrder = 2
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.UpdateTimeline(ctx, tx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Second writer still holds version 1 and must lose.
	stale := tl
	stale.Version = 2
	tx, err = conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.UpdateTimeline(ctx, tx, stale); !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("stale update err = %v, want ErrVersionConflict", err)
	}
}

func TestUpdateTimelineMissingCase(t *testing.T) {
	conn := openTestDB(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = r.UpdateTimeline(ctx, tx, domain.Timeline{CaseID: "ghost", Version: 2})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteTimelineCascades(t *testing.T) {
	conn := openTestDB(t)
	r := repo.Repo{DB: conn}
	insertTimeline(t, r, "case-1")
	ctx := context.Background()

	rec := activity.Recorder{DB: conn}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := rec.Append(ctx, tx, domain.ActivityEntry{CaseID: "case-1", ActivityType: "NOTE_ADDED"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := r.DeleteTimeline(ctx, "case-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetTimeline(ctx, "case-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get err = %v, want ErrNotFound", err)
	}
	entries, err := r.ListActivities(ctx, repo.ActivityFilters{CaseID: "case-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("activities survived the cascade: %d", len(entries))
	}
}

func TestListActivitiesKeysetPagination(t *testing.T) {
	conn := openTestDB(t)
	r := repo.Repo{DB: conn}
	insertTimeline(t, r, "case-1")
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		rec := activity.Recorder{DB: conn, Now: func() time.Time { return ts }}
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if _, err := rec.Append(ctx, tx, domain.ActivityEntry{
			CaseID:       "case-1",
			ActivityType: "NOTE_ADDED",
			Description:  fmt.Sprintf("note %d", i),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	page1, err := r.ListActivities(ctx, repo.ActivityFilters{CaseID: "case-1", Limit: 2})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 2 || page1[0].Description != "note 4" || page1[1].Description != "note 3" {
		t.Fatalf("page 1 = %+v", page1)
	}

	last := page1[len(page1)-1]
	page2, err := r.ListActivities(ctx, repo.ActivityFilters{
		CaseID:          "case-1",
		Limit:           2,
		CursorCreatedAt: last.CreatedAt,
		CursorID:        last.ID,
	})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 2 || page2[0].Description != "note 2" || page2[1].Description != "note 1" {
		t.Fatalf("page 2 = %+v", page2)
	}
}

func TestCountActivitiesByType(t *testing.T) {
	conn := openTestDB(t)
	r := repo.Repo{DB: conn}
	insertTimeline(t, r, "case-1")
	ctx := context.Background()

	rec := activity.Recorder{DB: conn}
	for _, typ := range []string{"NOTE_ADDED", "NOTE_ADDED", "PHASE_COMPLETED"} {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if _, err := rec.Append(ctx, tx, domain.ActivityEntry{CaseID: "case-1", ActivityType: typ}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	counts, err := r.CountActivitiesByType(ctx, "case-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["NOTE_ADDED"] != 2 || counts["PHASE_COMPLETED"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}
