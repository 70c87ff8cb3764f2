package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	Status             string   `json:"status" enum:"todo,in_progress,review,done"`
	Category           string   `json:"category,omitempty"`
	Assignee           string   `json:"assignee,omitempty"`
	AssigneeID         *string  `json:"assignee_id,omitempty"`
	Priority           string   `json:"priority" enum:"low,medium,high"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	EstimatedHours     float64  `json:"estimated_hours"`
	TechnicalPlan      *string  `json:"technical_plan,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role" enum:"admin,manager,employee"`
	Avatar    string `json:"avatar,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// LiveMeeting is the single shared briefing record. At most one exists
// system-wide; the serialized form lives under a fixed key in the shared
// store and every local copy is an eventually-consistent cache of it.
type LiveMeeting struct {
	ID           string   `json:"id"`
	HostID       string   `json:"host_id"`
	HostName     string   `json:"host_name"`
	Topic        string   `json:"topic"`
	StartTime    string   `json:"start_time" format:"date-time"`
	IsActive     bool     `json:"is_active"`
	Participants []string `json:"participants"`
}

// MeetingSession is the archived record written when a live meeting ends.
type MeetingSession struct {
	ID              string   `json:"id"`
	Date            string   `json:"date" format:"date-time"`
	DurationSeconds int64    `json:"duration_seconds"`
	Transcript      []string `json:"transcript,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	ActionItems     []string `json:"action_items,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusDone       = "done"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleEmployee = "employee"
)

// Statuses lists the kanban columns in board order.
var Statuses = []string{StatusTodo, StatusInProgress, StatusReview, StatusDone}

func ValidStatus(s string) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

func ValidPriority(p string) bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

func ValidRole(r string) bool {
	return r == RoleAdmin || r == RoleManager || r == RoleEmployee
}
