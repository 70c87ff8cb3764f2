package policy_test

import (
	"errors"
	"testing"

	"opsdeck/internal/domain"
	"opsdeck/internal/policy"
)

func user(role, name string) domain.User {
	return domain.User{ID: "u-" + name, Name: name, Role: role}
}

func TestPrivilegedRolesCanDoEverything(t *testing.T) {
	task := domain.Task{ID: "t1", Assignee: "Somebody Else"}
	actions := []policy.Action{
		policy.ActionCreateProject,
		policy.ActionCreateTask,
		policy.ActionEditTask,
		policy.ActionDeleteTask,
		policy.ActionMoveTask,
	}
	for _, role := range []string{domain.RoleAdmin, domain.RoleManager} {
		for _, action := range actions {
			if err := policy.Can(user(role, "Boss"), action, &task); err != nil {
				t.Fatalf("%s should allow %s: %v", role, action, err)
			}
		}
	}
}

func TestEmployeeDeniedMutations(t *testing.T) {
	emp := user(domain.RoleEmployee, "Mike Developer")
	task := domain.Task{ID: "t1", Assignee: "Mike"}
	for _, action := range []policy.Action{
		policy.ActionCreateProject,
		policy.ActionCreateTask,
		policy.ActionEditTask,
		policy.ActionDeleteTask,
	} {
		err := policy.Can(emp, action, &task)
		if err == nil {
			t.Fatalf("employee should be denied %s", action)
		}
		var ce policy.ClearanceError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ClearanceError, got %T", err)
		}
		if ce.Action != action {
			t.Fatalf("denial names wrong action: %s", ce.Action)
		}
	}
}

func TestEmployeeMoveOwnTask(t *testing.T) {
	emp := user(domain.RoleEmployee, "Mike Developer")
	mine := domain.Task{ID: "t1", Assignee: "Mike"}
	theirs := domain.Task{ID: "t2", Assignee: "Sarah"}
	if err := policy.Can(emp, policy.ActionMoveTask, &mine); err != nil {
		t.Fatalf("employee should move own task: %v", err)
	}
	if err := policy.Can(emp, policy.ActionMoveTask, &theirs); err == nil {
		t.Fatalf("employee should not move someone else's task")
	}
	if !policy.Draggable(emp, mine) {
		t.Fatalf("own task should be draggable")
	}
	if policy.Draggable(emp, theirs) {
		t.Fatalf("foreign task should not be draggable")
	}
}

func TestFuzzyMatchBothDirections(t *testing.T) {
	// first name token substring of assignee
	if !policy.IsMine(user(domain.RoleEmployee, "Mike Developer"), domain.Task{Assignee: "Mike"}) {
		t.Fatalf("expected match: Mike Developer vs Mike")
	}
	// assignee substring of first name token
	if !policy.IsMine(user(domain.RoleEmployee, "Mike"), domain.Task{Assignee: "mike developer"}) {
		t.Fatalf("expected match: Mike vs mike developer")
	}
	if policy.IsMine(user(domain.RoleEmployee, "Mike Developer"), domain.Task{Assignee: "Sarah"}) {
		t.Fatalf("unexpected match: Mike vs Sarah")
	}
	if policy.IsMine(user(domain.RoleEmployee, "Mike"), domain.Task{Assignee: ""}) {
		t.Fatalf("empty assignee should not match")
	}
}

func TestStableIDWinsOverName(t *testing.T) {
	emp := domain.User{ID: "u-1", Name: "Mike Developer", Role: domain.RoleEmployee}
	other := "u-2"
	mine := "u-1"
	// id mismatch blocks even though the display name would match
	if policy.IsMine(emp, domain.Task{Assignee: "Mike", AssigneeID: &other}) {
		t.Fatalf("assignee id mismatch should not match")
	}
	// id match wins even though the display name is unrelated
	if !policy.IsMine(emp, domain.Task{Assignee: "M. D.", AssigneeID: &mine}) {
		t.Fatalf("assignee id match should win")
	}
}

func TestCanHost(t *testing.T) {
	if !policy.CanHost(user(domain.RoleManager, "Lead")) {
		t.Fatalf("manager should host")
	}
	if policy.CanHost(user(domain.RoleEmployee, "Dev")) {
		t.Fatalf("employee should not host")
	}
}
