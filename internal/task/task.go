package task

import "time"

// Mode distinguishes the two task shapes: a conversation task has exactly
// one node that runs until explicitly stopped; a workflow task is an
// ordered sequence of nodes.
type Mode string

const (
	ModeConversation Mode = "conversation"
	ModeWorkflow     Mode = "workflow"
)

// Status values are shared by tasks and nodes. A task's status is a
// derived aggregate recomputed from its nodes after every node mutation.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// ReviewReason says why a node sits in review.
type ReviewReason string

const (
	ReviewApproval ReviewReason = "approval"
	ReviewError    ReviewReason = "error"
	ReviewRejected ReviewReason = "rejected"
)

// Task owns one or more nodes in strict node_order.
type Task struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	Title     string    `json:"title"`
	Mode      Mode      `json:"mode"`
	Status    Status    `json:"status"`
	ToolID    string    `json:"tool_id,omitempty"`
	ConfigID  string    `json:"config_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is the unit a session acts on. SessionID is a back-reference used
// to route completion events, never ownership.
type Node struct {
	ID               string       `json:"id"`
	TaskID           string       `json:"task_id"`
	NodeOrder        int          `json:"node_order"`
	Status           Status       `json:"status"`
	ReviewReason     ReviewReason `json:"review_reason,omitempty"`
	SessionID        string       `json:"session_id,omitempty"`
	Prompt           string       `json:"prompt,omitempty"`
	RequiresApproval bool         `json:"requires_approval"`
	ContinueOnError  bool         `json:"continue_on_error"`
	ResultSummary    string       `json:"result_summary,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	Cost             float64      `json:"cost,omitempty"`
	DurationMS       int64        `json:"duration_ms,omitempty"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// AggregateStatus derives a task's status from its nodes:
// done when all nodes are done; in_progress when any node runs or the set
// mixes todo and done; in_review when any node awaits review; cancelled
// only when every node is cancelled; otherwise todo.
func AggregateStatus(nodes []*Node) Status {
	if len(nodes) == 0 {
		return StatusTodo
	}

	var anyInProgress, anyInReview, anyTodo, anyDone bool
	allDone, allCancelled := true, true
	for _, n := range nodes {
		switch n.Status {
		case StatusInProgress:
			anyInProgress = true
		case StatusInReview:
			anyInReview = true
		case StatusTodo:
			anyTodo = true
		case StatusDone:
			anyDone = true
		}
		if n.Status != StatusDone {
			allDone = false
		}
		if n.Status != StatusCancelled {
			allCancelled = false
		}
	}

	switch {
	case allDone:
		return StatusDone
	case anyInProgress:
		return StatusInProgress
	case anyTodo && anyDone:
		return StatusInProgress
	case anyInReview:
		return StatusInReview
	case allCancelled:
		return StatusCancelled
	default:
		return StatusTodo
	}
}
