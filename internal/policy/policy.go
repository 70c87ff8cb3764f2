// Package policy resolves role capabilities for mutating operations.
// It is a pure function of (user, action, task): no storage access, so
// callers can re-evaluate per task per render as roles and assignments
// change.
package policy

import (
	"fmt"
	"strings"

	"opsdeck/internal/domain"
)

type Action string

const (
	ActionCreateProject Action = "create_project"
	ActionCreateTask    Action = "create_task"
	ActionEditTask      Action = "edit_task"
	ActionDeleteTask    Action = "delete_task"
	ActionMoveTask      Action = "move_task"
	ActionHostMeeting   Action = "host_meeting"
)

// ClearanceError indicates the user's role does not allow the action.
// Non-fatal: callers surface it as a notice and abort the operation.
type ClearanceError struct {
	Action Action
	Role   string
}

func (e ClearanceError) Error() string {
	return fmt.Sprintf("clearance insufficient: role %s cannot %s", e.Role, e.Action)
}

// Can reports whether the user may perform the action. The task argument
// is required for move_task and ignored for project/task creation.
func Can(u domain.User, action Action, t *domain.Task) error {
	if privileged(u.Role) {
		return nil
	}
	if action == ActionMoveTask && t != nil && IsMine(u, *t) {
		return nil
	}
	return ClearanceError{Action: action, Role: u.Role}
}

// Draggable mirrors the move_task rule so the surface can mark items
// non-draggable up front instead of rejecting the drop afterwards.
func Draggable(u domain.User, t domain.Task) bool {
	return Can(u, ActionMoveTask, &t) == nil
}

// CanHost reports whether the user may start or stop a live meeting.
func CanHost(u domain.User) bool {
	return privileged(u.Role)
}

// IsMine associates a task with the user. A stable assignee id wins when
// both sides carry one; otherwise it falls back to the fuzzy display-name
// match. Name matching can collide on short first names, which is why the
// id path is checked first.
func IsMine(u domain.User, t domain.Task) bool {
	if t.AssigneeID != nil && *t.AssigneeID != "" {
		return *t.AssigneeID == u.ID
	}
	return nameMatches(u.Name, t.Assignee)
}

// nameMatches implements the fuzzy assignee rule: case-insensitive, the
// user's first name token is a substring of the assignee string or vice
// versa. Deliberately permissive to tolerate display-name variations.
func nameMatches(userName, assignee string) bool {
	first := firstToken(userName)
	other := strings.ToLower(strings.TrimSpace(assignee))
	if first == "" || other == "" {
		return false
	}
	return strings.Contains(other, first) || strings.Contains(first, other)
}

func firstToken(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func privileged(role string) bool {
	return role == domain.RoleAdmin || role == domain.RoleManager
}
