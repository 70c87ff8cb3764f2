package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"opsdeck/internal/config"
	"opsdeck/internal/db"
	"opsdeck/internal/domain"
	"opsdeck/internal/engine"
	"opsdeck/internal/migrate"
	"opsdeck/internal/policy"
	"opsdeck/internal/repo"
)

var (
	admin    = domain.User{ID: "u-admin", Name: "Tom Admin", Role: domain.RoleAdmin}
	manager  = domain.User{ID: "u-mgr", Name: "Sarah Lead", Role: domain.RoleManager}
	employee = domain.User{ID: "u-emp", Name: "Mike Developer", Role: domain.RoleEmployee}
)

type testEnv struct {
	eng     engine.Engine
	project domain.Project
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(""))
	eng.Now = func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }
	p, err := eng.CreateProject(context.Background(), "Falcon", "ops dashboard rollout", admin)
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return testEnv{eng: eng, project: p}
}

func (env testEnv) addTask(t *testing.T, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = env.project.ID
	}
	task, err := env.eng.CreateTask(context.Background(), opts, manager)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateProjectSetsActive(t *testing.T) {
	env := newTestEnv(t)
	active, err := env.eng.Repo.ActiveProject(context.Background())
	if err != nil {
		t.Fatalf("active project: %v", err)
	}
	if active != env.project.ID {
		t.Fatalf("new project should become active, got %s", active)
	}
}

func TestCreateProjectDeniedForEmployee(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.eng.CreateProject(context.Background(), "Side Project", "", employee)
	var ce policy.ClearanceError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ClearanceError, got %v", err)
	}
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task := env.addTask(t, engine.TaskCreateOptions{Title: "Wire up auth"})
	if task.Status != domain.StatusTodo {
		t.Fatalf("default status should be todo, got %s", task.Status)
	}
	if task.Priority != domain.PriorityMedium {
		t.Fatalf("default priority should be medium, got %s", task.Priority)
	}
	if task.ProjectID != env.project.ID {
		t.Fatalf("task bound to wrong project: %s", task.ProjectID)
	}
	if task.CreatedAt == "" || task.CreatedAt != task.UpdatedAt {
		t.Fatalf("timestamps not set: %s / %s", task.CreatedAt, task.UpdatedAt)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.eng.CreateTask(ctx, engine.TaskCreateOptions{ProjectID: env.project.ID}, manager); err == nil {
		t.Fatalf("missing title should fail")
	}
	if _, err := env.eng.CreateTask(ctx, engine.TaskCreateOptions{ProjectID: env.project.ID, Title: "x", Status: "blocked"}, manager); err == nil {
		t.Fatalf("unknown status should fail")
	}
	if _, err := env.eng.CreateTask(ctx, engine.TaskCreateOptions{ProjectID: env.project.ID, Title: "x", EstimatedHours: -1}, manager); err == nil {
		t.Fatalf("negative estimate should fail")
	}
	if _, err := env.eng.CreateTask(ctx, engine.TaskCreateOptions{ProjectID: "nope", Title: "x"}, manager); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown project should be not found, got %v", err)
	}
}

func TestUpdateTaskMergesPatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.addTask(t, engine.TaskCreateOptions{
		Title:              "Harden API",
		Description:        "rate limits",
		AcceptanceCriteria: []string{"429 on burst"},
		EstimatedHours:     4,
	})

	title := "Harden public API"
	hours := 6.5
	plan := "add middleware"
	updated, err := env.eng.UpdateTask(ctx, task.ID, engine.TaskPatch{
		Title:          &title,
		EstimatedHours: &hours,
		TechnicalPlan:  &plan,
	}, manager)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != title || updated.EstimatedHours != hours {
		t.Fatalf("patched fields not applied: %+v", updated)
	}
	if updated.TechnicalPlan == nil || *updated.TechnicalPlan != plan {
		t.Fatalf("technical plan not applied")
	}
	// untouched fields survive
	if updated.Description != "rate limits" || len(updated.AcceptanceCriteria) != 1 {
		t.Fatalf("unpatched fields clobbered: %+v", updated)
	}
	if updated.ID != task.ID || updated.ProjectID != task.ProjectID || updated.CreatedAt != task.CreatedAt {
		t.Fatalf("identity fields must never change")
	}
}

func TestUpdateMissingTaskIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	title := "ghost"
	_, err := env.eng.UpdateTask(context.Background(), "no-such-id", engine.TaskPatch{Title: &title}, manager)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFreeStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.addTask(t, engine.TaskCreateOptions{Title: "Ship it", Status: domain.StatusDone})

	// any status is reachable from any other, including backwards
	for _, next := range []string{domain.StatusTodo, domain.StatusReview, domain.StatusInProgress, domain.StatusDone, domain.StatusTodo} {
		moved, err := env.eng.SetStatus(ctx, task.ID, next, manager)
		if err != nil {
			t.Fatalf("move to %s: %v", next, err)
		}
		if moved.Status != next {
			t.Fatalf("status not applied: want %s got %s", next, moved.Status)
		}
	}
	if _, err := env.eng.SetStatus(ctx, task.ID, "archived", manager); err == nil {
		t.Fatalf("unknown status should be rejected")
	}
}

func TestEmployeeMovesOnlyOwnTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mine := env.addTask(t, engine.TaskCreateOptions{Title: "Mine", Assignee: "Mike"})
	foreign := env.addTask(t, engine.TaskCreateOptions{Title: "Theirs", Assignee: "Sarah"})

	if _, err := env.eng.SetStatus(ctx, mine.ID, domain.StatusInProgress, employee); err != nil {
		t.Fatalf("employee should move fuzzy-matched task: %v", err)
	}
	_, err := env.eng.SetStatus(ctx, foreign.ID, domain.StatusInProgress, employee)
	var ce policy.ClearanceError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ClearanceError, got %v", err)
	}
	// denied move leaves the stored task untouched
	stored, err := env.eng.Repo.GetTask(ctx, foreign.ID)
	if err != nil || stored.Status != domain.StatusTodo {
		t.Fatalf("denied move must not change status: %+v %v", stored, err)
	}
}

func TestEmployeeDeleteDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.addTask(t, engine.TaskCreateOptions{Title: "Keep me", Assignee: "Mike"})

	err := env.eng.DeleteTask(ctx, task.ID, employee)
	var ce policy.ClearanceError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ClearanceError, got %v", err)
	}
	if _, err := env.eng.Repo.GetTask(ctx, task.ID); err != nil {
		t.Fatalf("task should survive a denied delete: %v", err)
	}
	if err := env.eng.DeleteTask(ctx, task.ID, admin); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if _, err := env.eng.Repo.GetTask(ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task should be gone, got %v", err)
	}
}

func TestBoardGroupsByStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addTask(t, engine.TaskCreateOptions{Title: "a", Status: domain.StatusTodo})
	env.addTask(t, engine.TaskCreateOptions{Title: "b", Status: domain.StatusInProgress})
	env.addTask(t, engine.TaskCreateOptions{Title: "c", Status: domain.StatusInProgress})

	board, err := env.eng.Board(ctx, env.project.ID)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	for _, s := range domain.Statuses {
		if _, ok := board[s]; !ok {
			t.Fatalf("board missing column %s", s)
		}
	}
	if len(board[domain.StatusTodo]) != 1 || len(board[domain.StatusInProgress]) != 2 {
		t.Fatalf("unexpected grouping: todo=%d in_progress=%d", len(board[domain.StatusTodo]), len(board[domain.StatusInProgress]))
	}
	if len(board[domain.StatusDone]) != 0 {
		t.Fatalf("empty columns should be present and empty")
	}
}

func TestEventsJournal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.addTask(t, engine.TaskCreateOptions{Title: "trace me"})
	if _, err := env.eng.SetStatus(ctx, task.ID, domain.StatusReview, manager); err != nil {
		t.Fatalf("move: %v", err)
	}
	evts, err := env.eng.Repo.LatestEvents(ctx, 10, "", "", "task", task.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected created+moved events, got %d", len(evts))
	}
	if evts[0].Type != "task.moved" {
		t.Fatalf("latest event should be the move, got %s", evts[0].Type)
	}
}
