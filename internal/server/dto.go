package server

import (
	"caseline/internal/domain"
)

// Request payloads

type InitializeTimelineRequest struct {
	CaseType string  `json:"case_type"`
	UserID   *string `json:"user_id,omitempty"`
}

type SetPhaseRequest struct {
	TargetPhaseOrder int     `json:"target_phase_order" minimum:"1"`
	Note             *string `json:"note,omitempty"`
	UserID           *string `json:"user_id,omitempty"`
}

type ClosePhaseRequest struct {
	Note   *string `json:"note,omitempty"`
	UserID *string `json:"user_id,omitempty"`
}

type RecordActivityRequest struct {
	ActivityType  string  `json:"activity_type"`
	ReferenceID   *string `json:"reference_id,omitempty"`
	ReferenceType *string `json:"reference_type,omitempty"`
	Description   *string `json:"description,omitempty"`
	UserID        *string `json:"user_id,omitempty"`
}

type ImportCatalogRequest struct {
	CatalogYAML string `json:"catalog_yaml"`
}

// Response payloads

type PhaseStatusResponse struct {
	Order                int    `json:"order"`
	Name                 string `json:"name,omitempty"`
	State                string `json:"state" enum:"PENDING,ACTIVE,COMPLETED,SKIPPED"`
	ExpectedDurationDays *int   `json:"expected_duration_days,omitempty"`
}

type TimelineResponse struct {
	CaseID            string                `json:"case_id"`
	CaseType          string                `json:"case_type"`
	CurrentPhaseOrder int                   `json:"current_phase_order"`
	Terminal          bool                  `json:"terminal"`
	Phases            []PhaseStatusResponse `json:"phases"`
	CreatedAt         string                `json:"created_at" format:"date-time"`
	UpdatedAt         string                `json:"updated_at" format:"date-time"`
}

type ActivityResponse struct {
	ID            string  `json:"id"`
	CaseID        string  `json:"case_id"`
	ActivityType  string  `json:"activity_type"`
	ReferenceID   *string `json:"reference_id,omitempty"`
	ReferenceType *string `json:"reference_type,omitempty"`
	Description   string  `json:"description,omitempty"`
	UserID        *string `json:"user_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type TemplateResponse struct {
	CaseType string                    `json:"case_type"`
	Phases   []PhaseDefinitionResponse `json:"phases"`
}

type PhaseDefinitionResponse struct {
	Order                int    `json:"order"`
	Name                 string `json:"name"`
	ExpectedDurationDays *int   `json:"expected_duration_days,omitempty"`
}

type paginatedActivities struct {
	Items      []ActivityResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

func timelineResponse(t domain.Timeline) TimelineResponse {
	resp := TimelineResponse{
		CaseID:            t.CaseID,
		CaseType:          t.CaseType,
		CurrentPhaseOrder: t.CurrentPhaseOrder,
		Terminal:          t.Terminal(),
		Phases:            []PhaseStatusResponse{},
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
	for _, p := range t.Phases {
		resp.Phases = append(resp.Phases, PhaseStatusResponse{
			Order:                p.Order,
			Name:                 p.Name,
			State:                string(p.State),
			ExpectedDurationDays: p.ExpectedDurationDays,
		})
	}
	return resp
}

func activityResponse(a domain.ActivityEntry) ActivityResponse {
	return ActivityResponse{
		ID:            a.ID,
		CaseID:        a.CaseID,
		ActivityType:  a.ActivityType,
		ReferenceID:   a.ReferenceID,
		ReferenceType: a.ReferenceType,
		Description:   a.Description,
		UserID:        a.UserID,
		CreatedAt:     a.CreatedAt,
	}
}

func templateResponse(caseType string, phases []domain.PhaseDefinition) TemplateResponse {
	resp := TemplateResponse{CaseType: caseType, Phases: []PhaseDefinitionResponse{}}
	for _, p := range phases {
		resp.Phases = append(resp.Phases, PhaseDefinitionResponse{
			Order:                p.Order,
			Name:                 p.Name,
			ExpectedDurationDays: p.ExpectedDurationDays,
		})
	}
	return resp
}

func mapActivities(items []domain.ActivityEntry) []ActivityResponse {
	res := make([]ActivityResponse, 0, len(items))
	for _, a := range items {
		res = append(res, activityResponse(a))
	}
	return res
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
