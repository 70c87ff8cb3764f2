package server

import (
	"opsdeck/internal/advisor"
	"opsdeck/internal/domain"
)

type CreateProjectRequest struct {
	Name        string  `json:"name" example:"falcon"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type CreateTaskRequest struct {
	Title              string   `json:"title"`
	Description        *string  `json:"description,omitempty"`
	Status             *string  `json:"status,omitempty" enum:"todo,in_progress,review,done"`
	Category           *string  `json:"category,omitempty"`
	Assignee           *string  `json:"assignee,omitempty"`
	AssigneeID         *string  `json:"assignee_id,omitempty"`
	Priority           *string  `json:"priority,omitempty" enum:"low,medium,high"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	EstimatedHours     *float64 `json:"estimated_hours,omitempty"`
	TechnicalPlan      *string  `json:"technical_plan,omitempty"`
}

type UpdateTaskRequest struct {
	Title              *string  `json:"title,omitempty"`
	Description        *string  `json:"description,omitempty"`
	Category           *string  `json:"category,omitempty"`
	Assignee           *string  `json:"assignee,omitempty"`
	AssigneeID         *string  `json:"assignee_id,omitempty"`
	Priority           *string  `json:"priority,omitempty" enum:"low,medium,high"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	EstimatedHours     *float64 `json:"estimated_hours,omitempty"`
	TechnicalPlan      *string  `json:"technical_plan,omitempty"`
}

type MoveTaskRequest struct {
	Status string `json:"status" enum:"todo,in_progress,review,done"`
}

type TaskResponse struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	Status             string   `json:"status" enum:"todo,in_progress,review,done"`
	Category           string   `json:"category,omitempty"`
	Assignee           string   `json:"assignee,omitempty"`
	AssigneeID         *string  `json:"assignee_id,omitempty"`
	Priority           string   `json:"priority" enum:"low,medium,high"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	EstimatedHours     float64  `json:"estimated_hours"`
	TechnicalPlan      *string  `json:"technical_plan,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// BoardTaskResponse is a task plus whether the calling user may move it.
type BoardTaskResponse struct {
	TaskResponse
	Draggable bool `json:"draggable"`
}

type BoardColumnResponse struct {
	Status string              `json:"status" enum:"todo,in_progress,review,done"`
	Tasks  []BoardTaskResponse `json:"tasks"`
}

type BoardResponse struct {
	ProjectID string                `json:"project_id"`
	Columns   []BoardColumnResponse `json:"columns"`
}

type MeetingResponse struct {
	ID           string   `json:"id"`
	HostID       string   `json:"host_id"`
	HostName     string   `json:"host_name"`
	Topic        string   `json:"topic"`
	StartTime    string   `json:"start_time" format:"date-time"`
	IsActive     bool     `json:"is_active"`
	Participants []string `json:"participants"`
}

// MeetingStateResponse is what pollers get: active flag plus the record
// when there is one.
type MeetingStateResponse struct {
	Active  bool             `json:"active"`
	Meeting *MeetingResponse `json:"meeting,omitempty"`
}

type StartMeetingRequest struct {
	Topic string `json:"topic" example:"Sprint Review"`
}

type StopMeetingRequest struct {
	Transcript []string `json:"transcript,omitempty"`
}

type SessionResponse struct {
	ID              string   `json:"id"`
	Date            string   `json:"date" format:"date-time"`
	DurationSeconds int64    `json:"duration_seconds"`
	Transcript      []string `json:"transcript"`
	Summary         string   `json:"summary,omitempty"`
	ActionItems     []string `json:"action_items"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type UpsertUserRequest struct {
	ID     *string `json:"id,omitempty"`
	Name   string  `json:"name"`
	Email  string  `json:"email,omitempty"`
	Role   string  `json:"role" enum:"admin,manager,employee"`
	Avatar string  `json:"avatar,omitempty"`
}

type UserResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role" enum:"admin,manager,employee"`
	Avatar    string `json:"avatar,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
	Source string `json:"source"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty" enum:"admin,manager,employee"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type CreateKeyRequest struct {
	Name string `json:"name"`
}

// KeyResponse carries the plaintext key exactly once, at creation.
type KeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DraftTaskRequest struct {
	Brief string `json:"brief" example:"protect the public api from bursts"`
}

type DraftTaskResponse struct {
	Draft    advisor.TaskDraft `json:"draft"`
	Degraded bool              `json:"degraded"`
}

type EstimateResponse struct {
	Estimate advisor.Estimate `json:"estimate"`
	Degraded bool             `json:"degraded"`
}

type InsightsResponse struct {
	Insights advisor.Insights `json:"insights"`
	Degraded bool             `json:"degraded"`
}

type AdviceResponse struct {
	Advice   string `json:"advice"`
	Degraded bool   `json:"degraded"`
}

type SummarizeResponse struct {
	Summary  advisor.MeetingSummary `json:"summary"`
	Degraded bool                   `json:"degraded"`
}

type ChatRequest struct {
	Messages []advisor.Message `json:"messages"`
}

type ChatResponse struct {
	Reply    string `json:"reply"`
	Degraded bool   `json:"degraded"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                 t.ID,
		ProjectID:          t.ProjectID,
		Title:              t.Title,
		Description:        t.Description,
		Status:             t.Status,
		Category:           t.Category,
		Assignee:           t.Assignee,
		AssigneeID:         t.AssigneeID,
		Priority:           t.Priority,
		AcceptanceCriteria: nonNilSlice(t.AcceptanceCriteria),
		EstimatedHours:     t.EstimatedHours,
		TechnicalPlan:      t.TechnicalPlan,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

func meetingResponse(m domain.LiveMeeting) MeetingResponse {
	return MeetingResponse{
		ID:           m.ID,
		HostID:       m.HostID,
		HostName:     m.HostName,
		Topic:        m.Topic,
		StartTime:    m.StartTime,
		IsActive:     m.IsActive,
		Participants: nonNilSlice(m.Participants),
	}
}

func sessionResponse(s domain.MeetingSession) SessionResponse {
	return SessionResponse{
		ID:              s.ID,
		Date:            s.Date,
		DurationSeconds: s.DurationSeconds,
		Transcript:      nonNilSlice(s.Transcript),
		Summary:         s.Summary,
		ActionItems:     nonNilSlice(s.ActionItems),
		CreatedAt:       s.CreatedAt,
	}
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		Avatar:    u.Avatar,
		CreatedAt: u.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapSessions(items []domain.MeetingSession) []SessionResponse {
	res := make([]SessionResponse, 0, len(items))
	for _, s := range items {
		res = append(res, sessionResponse(s))
	}
	return res
}

func mapUsers(items []domain.User) []UserResponse {
	res := make([]UserResponse, 0, len(items))
	for _, u := range items {
		res = append(res, userResponse(u))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
