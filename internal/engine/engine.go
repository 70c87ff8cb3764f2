package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opsdeck/internal/config"
	"opsdeck/internal/domain"
	"opsdeck/internal/events"
	"opsdeck/internal/policy"
	"opsdeck/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateProject creates a project and makes it the workspace's active
// project. Projects are immutable once created.
func (e Engine) CreateProject(ctx context.Context, name, description string, actor domain.User) (domain.Project, error) {
	if err := policy.Can(actor, policy.ActionCreateProject, nil); err != nil {
		return domain.Project{}, err
	}
	if name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	p := domain.Project{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, actor.ID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.SetActiveProject(ctx, p.ID); err != nil {
		return domain.Project{}, fmt.Errorf("set active project: %w", err)
	}
	return p, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID          string
	Title              string
	Description        string
	Status             string
	Category           string
	Assignee           string
	AssigneeID         string
	Priority           string
	AcceptanceCriteria []string
	EstimatedHours     float64
	TechnicalPlan      string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions, actor domain.User) (domain.Task, error) {
	if err := policy.Can(actor, policy.ActionCreateTask, nil); err != nil {
		return domain.Task{}, err
	}
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if opts.Status == "" {
		opts.Status = domain.StatusTodo
	}
	if !domain.ValidStatus(opts.Status) {
		return domain.Task{}, fmt.Errorf("invalid status %s", opts.Status)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(opts.Priority) {
		return domain.Task{}, fmt.Errorf("invalid priority %s", opts.Priority)
	}
	if opts.EstimatedHours < 0 {
		return domain.Task{}, errors.New("estimated hours must not be negative")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:                 uuid.New().String(),
		ProjectID:          opts.ProjectID,
		Title:              opts.Title,
		Description:        opts.Description,
		Status:             opts.Status,
		Category:           opts.Category,
		Assignee:           opts.Assignee,
		AssigneeID:         optionalString(opts.AssigneeID),
		Priority:           opts.Priority,
		AcceptanceCriteria: opts.AcceptanceCriteria,
		EstimatedHours:     opts.EstimatedHours,
		TechnicalPlan:      optionalString(opts.TechnicalPlan),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, actor.ID, events.EventPayload{"title": t.Title, "status": t.Status}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskPatch carries field updates. Nil fields are left untouched; ID,
// ProjectID and CreatedAt are never patched.
type TaskPatch struct {
	Title              *string
	Description        *string
	Category           *string
	Assignee           *string
	AssigneeID         *string
	Priority           *string
	AcceptanceCriteria []string
	CriteriaProvided   bool
	EstimatedHours     *float64
	TechnicalPlan      *string
}

func (e Engine) UpdateTask(ctx context.Context, id string, patch TaskPatch, actor domain.User) (domain.Task, error) {
	if err := policy.Can(actor, policy.ActionEditTask, nil); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if patch.Title != nil {
		if *patch.Title == "" {
			return t, errors.New("title is required")
		}
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Category != nil {
		t.Category = *patch.Category
	}
	if patch.Assignee != nil {
		t.Assignee = *patch.Assignee
	}
	if patch.AssigneeID != nil {
		t.AssigneeID = optionalString(*patch.AssigneeID)
	}
	if patch.Priority != nil {
		if !domain.ValidPriority(*patch.Priority) {
			return t, fmt.Errorf("invalid priority %s", *patch.Priority)
		}
		t.Priority = *patch.Priority
	}
	if patch.CriteriaProvided {
		t.AcceptanceCriteria = patch.AcceptanceCriteria
	}
	if patch.EstimatedHours != nil {
		if *patch.EstimatedHours < 0 {
			return t, errors.New("estimated hours must not be negative")
		}
		t.EstimatedHours = *patch.EstimatedHours
	}
	if patch.TechnicalPlan != nil {
		t.TechnicalPlan = optionalString(*patch.TechnicalPlan)
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", t.ProjectID, "task", t.ID, actor.ID, events.EventPayload{"title": t.Title}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// SetStatus overwrites the task status unconditionally once the actor is
// cleared to move the task. Any status is reachable from any status: the
// lifecycle is a free-form label, not a guarded workflow.
func (e Engine) SetStatus(ctx context.Context, id, status string, actor domain.User) (domain.Task, error) {
	if !domain.ValidStatus(status) {
		return domain.Task{}, fmt.Errorf("invalid status %s", status)
	}
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	if err := policy.Can(actor, policy.ActionMoveTask, &t); err != nil {
		return t, err
	}
	from := t.Status
	t.Status = status
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.moved", t.ProjectID, "task", t.ID, actor.ID, events.EventPayload{
		"from_status": from,
		"to_status":   status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, id string, actor domain.User) error {
	if err := policy.Can(actor, policy.ActionDeleteTask, nil); err != nil {
		return err
	}
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.deleted", t.ProjectID, "task", t.ID, actor.ID, events.EventPayload{"title": t.Title}); err != nil {
		return err
	}
	return tx.Commit()
}

// Board groups a project's tasks by status in column order.
func (e Engine) Board(ctx context.Context, projectID string) (map[string][]domain.Task, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	board := make(map[string][]domain.Task, len(domain.Statuses))
	for _, s := range domain.Statuses {
		board[s] = []domain.Task{}
	}
	for _, t := range tasks {
		board[t.Status] = append(board[t.Status], t)
	}
	return board, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
