package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"caseline/internal/activity"
	"caseline/internal/domain"
	"caseline/internal/metrics"
	"caseline/internal/repo"
	"caseline/internal/templates"
)

var (
	// ErrInvalidPhase marks a phase order outside the template range or a
	// transition attempted on a phase that is not currently active.
	ErrInvalidPhase = errors.New("invalid phase")

	// ErrConcurrentModification surfaces after bounded retries on a
	// version conflict; the caller should retry the whole operation.
	ErrConcurrentModification = errors.New("concurrent timeline modification")
)

// maxTransitionRetries bounds internal retries on a version conflict before
// ErrConcurrentModification is surfaced.
const maxTransitionRetries = 3

// Engine validates and applies phase transitions against case timelines.
// Per-case serialization: a lock table keyed by case id guards each
// read-modify-write, and the timeline's version column catches any writer
// that bypasses the lock. Transitions on different cases never contend.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Activities activity.Recorder
	Registry   *templates.Registry
	Metrics    *metrics.Collector
	Now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB, registry *templates.Registry) *Engine {
	return &Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Activities: activity.Recorder{DB: db},
		Registry:   registry,
		Now:        time.Now,
		locks:      map[string]*sync.Mutex{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) lockCase(caseID string) func() {
	e.mu.Lock()
	l, ok := e.locks[caseID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[caseID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Initialize creates the timeline for a case with phase 1 active. It is
// idempotent: if the case already has a timeline it is returned unchanged.
func (e *Engine) Initialize(ctx context.Context, caseID, caseType, userID string) (domain.Timeline, error) {
	if caseID == "" {
		return domain.Timeline{}, errors.New("case id required")
	}
	if caseType == "" {
		return domain.Timeline{}, errors.New("case type required")
	}
	template, err := e.Registry.Get(caseType)
	if err != nil {
		return domain.Timeline{}, err
	}

	unlock := e.lockCase(caseID)
	defer unlock()

	existing, err := e.Repo.GetTimeline(ctx, caseID)
	if err == nil {
		e.enrich(&existing)
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Timeline{}, err
	}

	start := e.now()
	nowStr := start.UTC().Format(time.RFC3339)
	t := domain.Timeline{
		CaseID:            caseID,
		CaseType:          caseType,
		CurrentPhaseOrder: 1,
		Version:           1,
		CreatedAt:         nowStr,
		UpdatedAt:         nowStr,
	}
	for _, def := range template {
		state := domain.PhasePending
		if def.Order == 1 {
			state = domain.PhaseActive
		}
		t.Phases = append(t.Phases, domain.PhaseStatus{Order: def.Order, State: state})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Timeline{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTimeline(ctx, tx, t); err != nil {
		return domain.Timeline{}, fmt.Errorf("insert timeline: %w", err)
	}
	if _, err := e.Activities.Append(ctx, tx, domain.ActivityEntry{
		CaseID:        caseID,
		ActivityType:  domain.ActivityTimelineInitialized,
		ReferenceID:   phaseRef(1),
		ReferenceType: refTypePhase(),
		Description:   "timeline initialized for case type " + caseType,
		UserID:        optionalString(userID),
	}); err != nil {
		return domain.Timeline{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Timeline{}, err
	}
	e.Metrics.TransitionApplied(domain.ActivityTimelineInitialized, time.Since(start))
	e.enrich(&t)
	return t, nil
}

// GetTimeline returns the timeline enriched with template phase metadata.
func (e *Engine) GetTimeline(ctx context.Context, caseID string) (domain.Timeline, error) {
	t, err := e.Repo.GetTimeline(ctx, caseID)
	if err != nil {
		return t, err
	}
	e.enrich(&t)
	return t, nil
}

// UpdateCurrentPhase moves the current pointer directly to the target phase.
// Moving forward completes still-pending phases that were passed over; moving
// backward re-activates the target without reverting completed or skipped
// phases above it.
func (e *Engine) UpdateCurrentPhase(ctx context.Context, caseID string, targetPhaseOrder int, note string, userID string) (domain.Timeline, error) {
	return e.transition(ctx, caseID, func(t *domain.Timeline, template []domain.PhaseDefinition) (domain.ActivityEntry, error) {
		if targetPhaseOrder < 1 || targetPhaseOrder > len(template) {
			return domain.ActivityEntry{}, fmt.Errorf("target phase %d outside template range 1..%d: %w", targetPhaseOrder, len(template), ErrInvalidPhase)
		}
		old := t.CurrentPhaseOrder
		if targetPhaseOrder > old {
			for i := range t.Phases {
				p := &t.Phases[i]
				if p.Order >= targetPhaseOrder {
					continue
				}
				if p.Order == old && p.State == domain.PhaseActive {
					p.State = domain.PhaseCompleted
					continue
				}
				if p.Order > old && p.State == domain.PhasePending {
					p.State = domain.PhaseCompleted
				}
			}
		} else if targetPhaseOrder < old {
			if cur := t.Phase(old); cur != nil && cur.State == domain.PhaseActive {
				cur.State = domain.PhasePending
			}
		}
		target := t.Phase(targetPhaseOrder)
		if target == nil {
			return domain.ActivityEntry{}, fmt.Errorf("phase %d missing from timeline: %w", targetPhaseOrder, ErrInvalidPhase)
		}
		target.State = domain.PhaseActive
		t.CurrentPhaseOrder = targetPhaseOrder
		return domain.ActivityEntry{
			CaseID:        caseID,
			ActivityType:  domain.ActivityPhaseUpdated,
			ReferenceID:   phaseRef(targetPhaseOrder),
			ReferenceType: refTypePhase(),
			Description:   note,
			UserID:        optionalString(userID),
		}, nil
	})
}

// CompletePhase marks the active phase completed and advances to the next
// phase if one exists; otherwise the timeline becomes terminal.
func (e *Engine) CompletePhase(ctx context.Context, caseID string, phaseOrder int, note string, userID string) (domain.Timeline, error) {
	return e.transition(ctx, caseID, func(t *domain.Timeline, template []domain.PhaseDefinition) (domain.ActivityEntry, error) {
		if err := ensureActivePhase(t, template, phaseOrder); err != nil {
			return domain.ActivityEntry{}, err
		}
		t.Phase(phaseOrder).State = domain.PhaseCompleted
		advance(t, phaseOrder)
		return domain.ActivityEntry{
			CaseID:        caseID,
			ActivityType:  domain.ActivityPhaseCompleted,
			ReferenceID:   phaseRef(phaseOrder),
			ReferenceType: refTypePhase(),
			Description:   note,
			UserID:        optionalString(userID),
		}, nil
	})
}

// SkipPhase marks the active phase skipped (distinguishable from completed in
// reporting) and advances exactly like completion.
func (e *Engine) SkipPhase(ctx context.Context, caseID string, phaseOrder int, reason string, userID string) (domain.Timeline, error) {
	return e.transition(ctx, caseID, func(t *domain.Timeline, template []domain.PhaseDefinition) (domain.ActivityEntry, error) {
		if err := ensureActivePhase(t, template, phaseOrder); err != nil {
			return domain.ActivityEntry{}, err
		}
		t.Phase(phaseOrder).State = domain.PhaseSkipped
		advance(t, phaseOrder)
		return domain.ActivityEntry{
			CaseID:        caseID,
			ActivityType:  domain.ActivityPhaseSkipped,
			ReferenceID:   phaseRef(phaseOrder),
			ReferenceType: refTypePhase(),
			Description:   reason,
			UserID:        optionalString(userID),
		}, nil
	})
}

// ensureActivePhase enforces sequential progression: only the current active
// phase may be completed or skipped.
func ensureActivePhase(t *domain.Timeline, template []domain.PhaseDefinition, phaseOrder int) error {
	if phaseOrder < 1 || phaseOrder > len(template) {
		return fmt.Errorf("phase %d outside template range 1..%d: %w", phaseOrder, len(template), ErrInvalidPhase)
	}
	ph := t.Phase(phaseOrder)
	if ph == nil || phaseOrder != t.CurrentPhaseOrder || ph.State != domain.PhaseActive {
		return fmt.Errorf("phase %d is not the active phase of case %s: %w", phaseOrder, t.CaseID, ErrInvalidPhase)
	}
	return nil
}

// advance activates the next phase, or leaves the timeline terminal when the
// final phase was closed: current keeps pointing at it with nothing active.
func advance(t *domain.Timeline, phaseOrder int) {
	if next := t.Phase(phaseOrder + 1); next != nil {
		next.State = domain.PhaseActive
		t.CurrentPhaseOrder = phaseOrder + 1
	}
}

// transition runs one serialized read-modify-write on a case timeline. The
// mutation and its activity entry commit in a single transaction, so a failed
// transition leaves both exactly as they were.
func (e *Engine) transition(ctx context.Context, caseID string, fn func(*domain.Timeline, []domain.PhaseDefinition) (domain.ActivityEntry, error)) (domain.Timeline, error) {
	start := e.now()
	unlock := e.lockCase(caseID)
	defer unlock()

	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		t, err := e.Repo.GetTimeline(ctx, caseID)
		if err != nil {
			e.Metrics.TransitionFailed(failureReason(err))
			return domain.Timeline{}, err
		}
		template, err := e.Registry.Get(t.CaseType)
		if err != nil {
			e.Metrics.TransitionFailed(failureReason(err))
			return domain.Timeline{}, err
		}
		entry, err := fn(&t, template)
		if err != nil {
			e.Metrics.TransitionFailed(failureReason(err))
			return domain.Timeline{}, err
		}
		t.Version++
		t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Timeline{}, err
		}
		err = e.Repo.UpdateTimeline(ctx, tx, t)
		if errors.Is(err, repo.ErrVersionConflict) {
			tx.Rollback()
			continue
		}
		if err != nil {
			tx.Rollback()
			return domain.Timeline{}, err
		}
		if _, err := e.Activities.Append(ctx, tx, entry); err != nil {
			tx.Rollback()
			return domain.Timeline{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Timeline{}, err
		}
		e.Metrics.TransitionApplied(entry.ActivityType, time.Since(start))
		e.enrich(&t)
		return t, nil
	}
	e.Metrics.TransitionFailed(failureReason(ErrConcurrentModification))
	return domain.Timeline{}, ErrConcurrentModification
}

// RecordActivityOptions are parameters for a user-initiated activity entry.
type RecordActivityOptions struct {
	CaseID        string
	ActivityType  string
	ReferenceID   *string
	ReferenceType *string
	Description   string
	UserID        *string
}

// RecordActivity appends a user-initiated entry to the case activity log.
// Legacy single-letter codes are normalized here, before the entry reaches
// the recorder.
func (e *Engine) RecordActivity(ctx context.Context, opts RecordActivityOptions) (domain.ActivityEntry, error) {
	if opts.ActivityType == "" {
		return domain.ActivityEntry{}, errors.New("activity type required")
	}
	if _, err := e.Repo.GetTimeline(ctx, opts.CaseID); err != nil {
		return domain.ActivityEntry{}, err
	}
	entry := domain.ActivityEntry{
		CaseID:        opts.CaseID,
		ActivityType:  activity.Normalize(opts.ActivityType),
		ReferenceID:   opts.ReferenceID,
		ReferenceType: opts.ReferenceType,
		Description:   opts.Description,
		UserID:        opts.UserID,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	defer tx.Rollback()
	entry, err = e.Activities.Append(ctx, tx, entry)
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ActivityEntry{}, err
	}
	return entry, nil
}

// ListActivities returns the case audit trail newest-first.
func (e *Engine) ListActivities(ctx context.Context, f repo.ActivityFilters) ([]domain.ActivityEntry, error) {
	if _, err := e.Repo.GetTimeline(ctx, f.CaseID); err != nil {
		return nil, err
	}
	return e.Repo.ListActivities(ctx, f)
}

// DeleteCase removes the timeline and, through the cascade, its activity log.
func (e *Engine) DeleteCase(ctx context.Context, caseID string) error {
	unlock := e.lockCase(caseID)
	defer unlock()
	return e.Repo.DeleteTimeline(ctx, caseID)
}

// ImportCatalog persists a validated template catalog and swaps it into the
// registry atomically.
func (e *Engine) ImportCatalog(ctx context.Context, data []byte) error {
	catalog, err := templates.FromYAML(data)
	if err != nil {
		return err
	}
	if err := e.Repo.UpsertCatalogYAML(ctx, string(data), e.now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("persist catalog: %w", err)
	}
	return e.Registry.Swap(catalog)
}

// LoadCatalog installs the persisted catalog override if one exists.
func (e *Engine) LoadCatalog(ctx context.Context) error {
	raw, err := e.Repo.GetCatalogYAML(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	catalog, err := templates.FromYAML([]byte(raw))
	if err != nil {
		return fmt.Errorf("persisted catalog: %w", err)
	}
	return e.Registry.Swap(catalog)
}

// enrich fills phase names and expected durations from the template.
// Enrichment is best effort: a timeline stays readable even if its case type
// was removed from the catalog, though transitions on it will fail.
func (e *Engine) enrich(t *domain.Timeline) {
	template, err := e.Registry.Get(t.CaseType)
	if err != nil {
		return
	}
	byOrder := make(map[int]domain.PhaseDefinition, len(template))
	for _, def := range template {
		byOrder[def.Order] = def
	}
	for i := range t.Phases {
		if def, ok := byOrder[t.Phases[i].Order]; ok {
			t.Phases[i].Name = def.Name
			t.Phases[i].ExpectedDurationDays = def.ExpectedDurationDays
		}
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPhase):
		return "invalid_phase"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.Is(err, templates.ErrNotFound):
		return "template_not_found"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	default:
		return "error"
	}
}

func phaseRef(order int) *string {
	s := strconv.Itoa(order)
	return &s
}

func refTypePhase() *string {
	s := domain.ReferenceTypePhase
	return &s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
