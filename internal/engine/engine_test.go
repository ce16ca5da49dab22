package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/templates"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func days(n int) *int { return &n }

func testCatalog() *templates.Catalog {
	return &templates.Catalog{CaseTypes: []templates.CaseTypeTemplate{
		{
			CaseType: "PI",
			Phases: []domain.PhaseDefinition{
				{Order: 1, Name: "Intake", ExpectedDurationDays: days(14)},
				{Order: 2, Name: "Treatment", ExpectedDurationDays: days(90)},
				{Order: 3, Name: "Settlement"},
			},
		},
		{
			CaseType: "litigation",
			Phases: []domain.PhaseDefinition{
				{Order: 1, Name: "Pleadings"},
				{Order: 2, Name: "Discovery"},
				{Order: 3, Name: "Trial"},
				{Order: 4, Name: "Resolution"},
			},
		},
	}}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	registry, err := templates.NewRegistry(testCatalog())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	eng := engine.New(conn, registry)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func mustInit(t *testing.T, env testEnv, caseID, caseType string) domain.Timeline {
	t.Helper()
	tl, err := env.Engine.Initialize(env.Ctx, caseID, caseType, "tester")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return tl
}

func phaseState(t *testing.T, tl domain.Timeline, order int) domain.PhaseState {
	t.Helper()
	p := tl.Phase(order)
	if p == nil {
		t.Fatalf("phase %d missing", order)
	}
	return p.State
}

func TestInitialize(t *testing.T) {
	env := newTestEnv(t)
	tl := mustInit(t, env, "case-1", "PI")
	if tl.CurrentPhaseOrder != 1 {
		t.Fatalf("current = %d, want 1", tl.CurrentPhaseOrder)
	}
	if got := phaseState(t, tl, 1); got != domain.PhaseActive {
		t.Fatalf("phase 1 = %s, want ACTIVE", got)
	}
	for _, order := range []int{2, 3} {
		if got := phaseState(t, tl, order); got != domain.PhasePending {
			t.Fatalf("phase %d = %s, want PENDING", order, got)
		}
	}
	if tl.Phase(1).Name != "Intake" {
		t.Fatalf("phase 1 name = %q, want Intake", tl.Phase(1).Name)
	}
	if tl.Terminal() {
		t.Fatal("fresh timeline should not be terminal")
	}
}

func TestInitializeIdempotent(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "PI")
	if _, err := env.Engine.CompletePhase(env.Ctx, "case-1", 1, "", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	tl, err := env.Engine.Initialize(env.Ctx, "case-1", "PI", "tester")
	if err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	if tl.CurrentPhaseOrder != 2 {
		t.Fatalf("re-initialize reset the timeline: current = %d, want 2", tl.CurrentPhaseOrder)
	}
	entries, err := env.Engine.ListActivities(env.Ctx, repo.ActivityFilters{CaseID: "case-1", ActivityType: domain.ActivityTimelineInitialized})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d TIMELINE_INITIALIZED entries, want 1", len(entries))
	}
}

func TestInitializeUnknownCaseType(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Initialize(env.Ctx, "case-1", "bogus", "tester")
	if !errors.Is(err, templates.ErrNotFound) {
		t.Fatalf("err = %v, want templates.ErrNotFound", err)
	}
}

func TestGetTimelineUnknownCase(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetTimeline(env.Ctx, "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want repo.ErrNotFound", err)
	}
}

func TestCompleteAdvances(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "PI")
	tl, err := env.Engine.CompletePhase(env.Ctx, "case-1", 1, "done intake", "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tl.CurrentPhaseOrder != 2 {
		t.Fatalf("current = %d, want 2", tl.CurrentPhaseOrder)
	}
	if got := phaseState(t, tl, 1); got != domain.PhaseCompleted {
		t.Fatalf("phase 1 = %s, want COMPLETED", got)
	}
	if got := phaseState(t, tl, 2); got != domain.PhaseActive {
		t.Fatalf("phase 2 = %s, want ACTIVE", got)
	}
}

func TestSkipMarksSkipped(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "PI")
	tl, err := env.Engine.SkipPhase(env.Ctx, "case-1", 1, "fast-tracked", "tester")
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if got := phaseState(t, tl, 1); got != domain.PhaseSkipped {
		t.Fatalf("phase 1 = %s, want SKIPPED", got)
	}
	if tl.CurrentPhaseOrder != 2 {
		t.Fatalf("current = %d, want 2", tl.CurrentPhaseOrder)
	}
}

func TestCompleteNonActivePhase(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "PI")
	if _, err := env.Engine.CompletePhase(env.Ctx, "case-1", 2, "", "tester"); !errors.Is(err, engine.ErrInvalidPhase) {
		t.Fatalf("err = %v, want ErrInvalidPhase", err)
	}
	if _, err := env.Engine.CompletePhase(env.Ctx, "case-1", 9, "", "tester"); !errors.Is(err, engine.ErrInvalidPhase) {
		t.Fatalf("out of range err = %v, want ErrInvalidPhase", err)
	}
	// Failed transition must not touch the timeline or the log.
	tl, err := env.Engine.GetTimeline(env.Ctx, "case-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tl.CurrentPhaseOrder != 1 || phaseState(t, tl, 1) != domain.PhaseActive {
		t.Fatalf("timeline changed after failed transition: %+v", tl)
	}
	entries, err := env.Engine.ListActivities(env.Ctx, repo.ActivityFilters{CaseID: "case-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries after failed transitions, want 1 (initialize only)", len(entries))
	}
}

func TestTerminalTimeline(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "PI")
	for order := 1; order <= 3; order++ {
		if _, err := env.Engine.CompletePhase(env.Ctx, "case-1", order, "", "tester"); err != nil {
			t.Fatalf("complete %d: %v", order, err)
		}
	}
	tl, err := env.Engine.GetTimeline(env.Ctx, "case-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !tl.Terminal() {
		t.Fatal("timeline should be terminal")
	}
	if tl.CurrentPhaseOrder != 3 {
		t.Fatalf("terminal current = %d, want 3", tl.CurrentPhaseOrder)
	}
	if _, err := env.Engine.CompletePhase(env.Ctx, "case-1", 3, "", "tester"); !errors.Is(err, engine.ErrInvalidPhase) {
		t.Fatalf("complete on terminal err = %v, want ErrInvalidPhase", err)
	}
}

func TestUpdateCurrentPhaseForward(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "litigation")
	tl, err := env.Engine.UpdateCurrentPhase(env.Ctx, "case-1", 3, "jumping to trial", "tester")
	if err != nil {
		t.Fatalf("set phase: %v", err)
	}
	if tl.CurrentPhaseOrder != 3 {
		t.Fatalf("current = %d, want 3", tl.CurrentPhaseOrder)
	}
	// Passed-over phases get closed, not left dangling.
	if got := phaseState(t, tl, 1); got != domain.PhaseCompleted {
		t.Fatalf("phase 1 = %s, want COMPLETED", got)
	}
	if got := phaseState(t, tl, 2); got != domain.PhaseCompleted {
		t.Fatalf("phase 2 = %s, want COMPLETED", got)
	}
	if got := phaseState(t, tl, 3); got != domain.PhaseActive {
		t.Fatalf("phase 3 = %s, want ACTIVE", got)
	}
}

func TestUpdateCurrentPhaseBackward(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "litigation")
	if _, err := env.Engine.UpdateCurrentPhase(env.Ctx, "case-1", 3, "", "tester"); err != nil {
		t.Fatalf("forward: %v", err)
	}
	tl, err := env.Engine.UpdateCurrentPhase(env.Ctx, "case-1", 1, "reopening pleadings", "tester")
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	if tl.CurrentPhaseOrder != 1 {
		t.Fatalf("current = %d, want 1", tl.CurrentPhaseOrder)
	}
	if got := phaseState(t, tl, 1); got != domain.PhaseActive {
		t.Fatalf("phase 1 = %s, want ACTIVE", got)
	}
	// Completed work above the target is not reverted.
	if got := phaseState(t, tl, 2); got != domain.PhaseCompleted {
		t.Fatalf("phase 2 = %s, want COMPLETED", got)
	}
	// The phase that was active before the move goes back to pending.
	if got := phaseState(t, tl, 3); got != domain.PhasePending {
		t.Fatalf("phase 3 = %s, want PENDING", got)
	}
}

func TestUpdateCurrentPhaseOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "PI")
	for _, target := range []int{0, -1, 4} {
		if _, err := env.Engine.UpdateCurrentPhase(env.Ctx, "case-1", target, "", "tester"); !errors.Is(err, engine.ErrInvalidPhase) {
			t.Fatalf("target %d: err = %v, want ErrInvalidPhase", target, err)
		}
	}
}

func TestAtMostOneActivePhase(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "litigation")
	moves := []func() (domain.Timeline, error){
		func() (domain.Timeline, error) {
			return env.Engine.UpdateCurrentPhase(env.Ctx, "case-1", 4, "", "tester")
		},
		func() (domain.Timeline, error) {
			return env.Engine.UpdateCurrentPhase(env.Ctx, "case-1", 2, "", "tester")
		},
		func() (domain.Timeline, error) {
			return env.Engine.CompletePhase(env.Ctx, "case-1", 2, "", "tester")
		},
	}
	for i, move := range moves {
		tl, err := move()
		if err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
		active := 0
		for _, p := range tl.Phases {
			if p.State == domain.PhaseActive {
				active++
			}
		}
		if active > 1 {
			t.Fatalf("move %d left %d active phases", i, active)
		}
	}
}

func TestTransitionActivityEntries(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "PI")
	if _, err := env.Engine.CompletePhase(env.Ctx, "case-1", 1, "done intake", "user-7"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.SkipPhase(env.Ctx, "case-1", 2, "not needed", "user-7"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	entries, err := env.Engine.ListActivities(env.Ctx, repo.ActivityFilters{CaseID: "case-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// newest first: skip, complete, initialize
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	wantTypes := []string{domain.ActivityPhaseSkipped, domain.ActivityPhaseCompleted, domain.ActivityTimelineInitialized}
	wantRefs := []string{"2", "1", "1"}
	for i, e := range entries {
		if e.ActivityType != wantTypes[i] {
			t.Fatalf("entry %d type = %s, want %s", i, e.ActivityType, wantTypes[i])
		}
		if e.ReferenceID == nil || *e.ReferenceID != wantRefs[i] {
			t.Fatalf("entry %d reference = %v, want %s", i, e.ReferenceID, wantRefs[i])
		}
		if e.ReferenceType == nil || *e.ReferenceType != domain.ReferenceTypePhase {
			t.Fatalf("entry %d reference type = %v, want phase", i, e.ReferenceType)
		}
	}
	if entries[0].Description != "not needed" {
		t.Fatalf("skip description = %q", entries[0].Description)
	}
	if entries[0].UserID == nil || *entries[0].UserID != "user-7" {
		t.Fatalf("skip user = %v, want user-7", entries[0].UserID)
	}
}

func TestLegacyActivityCodes(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "PI")
	cases := map[string]string{
		"N":           domain.ActivityNoteAdded,
		"U":           domain.ActivityNoteUpdated,
		"D":           domain.ActivityNoteDeleted,
		"CUSTOM_TYPE": "CUSTOM_TYPE",
	}
	for code, want := range cases {
		entry, err := env.Engine.RecordActivity(env.Ctx, engine.RecordActivityOptions{
			CaseID:       "case-1",
			ActivityType: code,
			Description:  "note",
		})
		if err != nil {
			t.Fatalf("record %q: %v", code, err)
		}
		if entry.ActivityType != want {
			t.Fatalf("record %q stored as %q, want %q", code, entry.ActivityType, want)
		}
	}
}

func TestRecordActivityUnknownCase(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordActivity(env.Ctx, engine.RecordActivityOptions{
		CaseID:       "missing",
		ActivityType: "N",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want repo.ErrNotFound", err)
	}
}

func TestConcurrentDoubleComplete(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "PI")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.CompletePhase(env.Ctx, "case-1", 1, "", "tester")
		}(i)
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, engine.ErrInvalidPhase) && !errors.Is(err, engine.ErrConcurrentModification) {
			t.Fatalf("unexpected failure: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("got %d successes, want exactly 1", success)
	}
	tl, err := env.Engine.GetTimeline(env.Ctx, "case-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tl.CurrentPhaseOrder != 2 {
		t.Fatalf("current = %d, want 2 (exactly one advance)", tl.CurrentPhaseOrder)
	}
}

func TestDeleteCase(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "PI")
	if err := env.Engine.DeleteCase(env.Ctx, "case-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetTimeline(env.Ctx, "case-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get after delete err = %v, want repo.ErrNotFound", err)
	}
	if err := env.Engine.DeleteCase(env.Ctx, "case-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("double delete err = %v, want repo.ErrNotFound", err)
	}
}

func TestImportCatalogSwap(t *testing.T) {
	env := newTestEnv(t)
	mustInit(t, env, "case-1", "PI")
	yaml := `case_types:
  - case_type: workers_comp
    phases:
      - order: 1
        name: Claim filed
      - order: 2
        name: Review
`
	if err := env.Engine.ImportCatalog(env.Ctx, []byte(yaml)); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := env.Engine.Registry.Get("workers_comp"); err != nil {
		t.Fatalf("new case type missing after import: %v", err)
	}
	if _, err := env.Engine.Registry.Get("PI"); !errors.Is(err, templates.ErrNotFound) {
		t.Fatalf("old catalog should be fully replaced, got %v", err)
	}
	// Running timelines keep their stored phase set even without a template.
	tl, err := env.Engine.GetTimeline(env.Ctx, "case-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(tl.Phases) != 3 {
		t.Fatalf("existing timeline lost phases: %d", len(tl.Phases))
	}
	// An invalid catalog must not replace the active one.
	bad := `case_types:
  - case_type: broken
    phases:
      - order: 2
        name: Oops
`
	if err := env.Engine.ImportCatalog(env.Ctx, []byte(bad)); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := env.Engine.Registry.Get("workers_comp"); err != nil {
		t.Fatalf("catalog replaced by invalid import: %v", err)
	}
}

func TestPersonalInjuryLifecycle(t *testing.T) {
	env := newTestEnv(t)
	tl := mustInit(t, env, "42", "PI")
	if tl.CurrentPhaseOrder != 1 || phaseState(t, tl, 1) != domain.PhaseActive {
		t.Fatalf("after initialize: %+v", tl)
	}

	tl, err := env.Engine.CompletePhase(env.Ctx, "42", 1, "done intake", "7")
	if err != nil {
		t.Fatalf("complete intake: %v", err)
	}
	if tl.CurrentPhaseOrder != 2 || phaseState(t, tl, 1) != domain.PhaseCompleted || phaseState(t, tl, 2) != domain.PhaseActive {
		t.Fatalf("after intake: %+v", tl)
	}
	entries, err := env.Engine.ListActivities(env.Ctx, repo.ActivityFilters{CaseID: "42", ActivityType: domain.ActivityPhaseCompleted})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].ReferenceID == nil || *entries[0].ReferenceID != "1" {
		t.Fatalf("PHASE_COMPLETED entries = %+v", entries)
	}

	tl, err = env.Engine.SkipPhase(env.Ctx, "42", 2, "not needed", "7")
	if err != nil {
		t.Fatalf("skip treatment: %v", err)
	}
	if tl.CurrentPhaseOrder != 3 || phaseState(t, tl, 2) != domain.PhaseSkipped || phaseState(t, tl, 3) != domain.PhaseActive {
		t.Fatalf("after skip: %+v", tl)
	}

	tl, err = env.Engine.CompletePhase(env.Ctx, "42", 3, "settled", "7")
	if err != nil {
		t.Fatalf("complete settlement: %v", err)
	}
	if !tl.Terminal() || phaseState(t, tl, 3) != domain.PhaseCompleted {
		t.Fatalf("after settlement: %+v", tl)
	}
	for _, p := range tl.Phases {
		if p.State == domain.PhaseActive {
			t.Fatalf("terminal timeline has active phase %d", p.Order)
		}
	}
}
