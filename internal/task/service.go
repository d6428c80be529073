package task

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// NodeChange is the notification emitted after every node mutation, after
// the parent task's aggregate status has been recomputed. The UI and the
// automation scheduler both resolve their view of a run from these.
type NodeChange struct {
	Task *Task
	Node *Node
}

// CompleteRequest is the caller-supplied payload for CompleteTaskNode.
type CompleteRequest struct {
	Result NodeResult
	// ManualStop marks an explicit user stop of a conversation node.
	ManualStop bool
	// AllowCompletion lets a conversation node complete without a manual
	// stop (e.g. the scheduler finishing a one-shot conversation).
	AllowCompletion bool
}

// Service is the task execution state machine. Every operation is
// single-node and tolerant of concurrent repetition: a transition
// attempted from the wrong source state returns nil, not an error.
type Service struct {
	repo   *Repository
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]func(NodeChange)
}

// NewService creates the state machine over a repository.
func NewService(repo *Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		subs:   make(map[string]func(NodeChange)),
	}
}

// Repo exposes the repository for read-only callers (API listings).
func (s *Service) Repo() *Repository { return s.repo }

// SubscribeNodeChanges registers a node-status-change listener and returns
// its unsubscribe function.
func (s *Service) SubscribeNodeChanges(fn func(NodeChange)) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Service) notify(taskID string, node *Node) {
	if node == nil {
		return
	}
	t, err := s.repo.GetTask(taskID)
	if err != nil {
		s.logger.Error("failed to load task for notification", "task", taskID, "error", err)
		return
	}

	s.mu.Lock()
	fns := make([]func(NodeChange), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(NodeChange{Task: t, Node: node})
	}
}

// CreateTask creates a task and its nodes in order. Conversation tasks get
// exactly one node regardless of how many prompts are supplied.
func (s *Service) CreateTask(t *Task, nodes []*Node) (*Task, error) {
	if err := s.repo.CreateTask(t); err != nil {
		return nil, err
	}
	if t.Mode == ModeConversation && len(nodes) > 1 {
		nodes = nodes[:1]
	}
	for i, n := range nodes {
		n.TaskID = t.ID
		n.NodeOrder = i
		if err := s.repo.CreateNode(n); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// StartTaskExecution claims the next node for execution. When a node is
// already in_progress it is returned unchanged (idempotent); otherwise the
// lowest-node_order todo node is claimed through a conditional update so
// concurrent callers cannot both win.
func (s *Service) StartTaskExecution(taskID string) (*Node, error) {
	running, err := s.repo.InProgressNode(taskID)
	if err != nil {
		return nil, err
	}
	if running != nil {
		return running, nil
	}

	node, err := s.repo.ClaimNextTodoNode(taskID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		// A concurrent caller may have claimed between the check and the
		// claim; return the node it won so both callers see the same run.
		return s.repo.InProgressNode(taskID)
	}

	s.logger.Info("node started", "task", taskID, "node", node.ID, "order", node.NodeOrder)
	if err := s.syncTaskStatus(taskID); err != nil {
		return nil, err
	}
	s.notify(taskID, node)
	return node, nil
}

// CompleteTaskNode resolves an in_progress node. Conversation-mode nodes
// run indefinitely under continued input, so a completion call is ignored
// unless the request marks a manual stop or explicitly allows completion.
// A done result on a workflow task auto-advances to the next todo node.
func (s *Service) CompleteTaskNode(nodeID string, req CompleteRequest) (*Node, error) {
	node, err := s.repo.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("node not found: %s", nodeID)
	}

	t, err := s.repo.GetTask(node.TaskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task not found: %s", node.TaskID)
	}

	if t.Mode == ModeConversation && !req.ManualStop && !req.AllowCompletion {
		s.logger.Debug("ignoring completion for conversation node", "node", nodeID)
		return nil, nil
	}

	to := StatusDone
	reason := ReviewReason("")
	if node.RequiresApproval {
		to = StatusInReview
		reason = ReviewApproval
	}

	updated, err := s.repo.CompleteNode(nodeID, to, reason, req.Result)
	if err != nil || updated == nil {
		return updated, err
	}

	s.logger.Info("node completed", "task", t.ID, "node", nodeID, "status", updated.Status)

	if updated.Status == StatusDone && t.Mode == ModeWorkflow {
		if err := s.startNextTodoNode(t.ID); err != nil {
			return nil, err
		}
	}
	if err := s.syncTaskStatus(t.ID); err != nil {
		return nil, err
	}
	s.notify(t.ID, updated)
	return updated, nil
}

// startNextTodoNode auto-advances a workflow after a node reached done.
func (s *Service) startNextTodoNode(taskID string) error {
	node, err := s.repo.ClaimNextTodoNode(taskID)
	if err != nil {
		return err
	}
	if node != nil {
		s.logger.Info("workflow advanced", "task", taskID, "node", node.ID, "order", node.NodeOrder)
		s.notify(taskID, node)
	}
	return nil
}

// MarkTaskNodeErrorReview moves an in_progress node into error review with
// a human-readable message.
func (s *Service) MarkTaskNodeErrorReview(nodeID, errorMessage string) (*Node, error) {
	node, err := s.repo.MarkNodeErrorReview(nodeID, errorMessage)
	if err != nil || node == nil {
		return node, err
	}
	s.logger.Warn("node moved to error review", "node", nodeID, "error", errorMessage)
	if err := s.syncTaskStatus(node.TaskID); err != nil {
		return nil, err
	}
	s.notify(node.TaskID, node)
	return node, nil
}

// ApproveTaskNode resolves an in_review node to done and auto-advances the
// workflow.
func (s *Service) ApproveTaskNode(nodeID string) (*Node, error) {
	node, err := s.repo.ApproveNode(nodeID)
	if err != nil || node == nil {
		return node, err
	}

	t, err := s.repo.GetTask(node.TaskID)
	if err != nil {
		return nil, err
	}
	if t != nil && t.Mode == ModeWorkflow {
		if err := s.startNextTodoNode(t.ID); err != nil {
			return nil, err
		}
	}
	if err := s.syncTaskStatus(node.TaskID); err != nil {
		return nil, err
	}
	s.notify(node.TaskID, node)
	return node, nil
}

// RejectTaskNode keeps an in_review node in review with reason rejected.
func (s *Service) RejectTaskNode(nodeID string) (*Node, error) {
	node, err := s.repo.RejectNode(nodeID)
	if err != nil || node == nil {
		return node, err
	}
	if err := s.syncTaskStatus(node.TaskID); err != nil {
		return nil, err
	}
	s.notify(node.TaskID, node)
	return node, nil
}

// RetryTaskNode resets an in_review node to todo with cleared results.
func (s *Service) RetryTaskNode(nodeID string) (*Node, error) {
	node, err := s.repo.RetryNode(nodeID)
	if err != nil || node == nil {
		return node, err
	}
	if err := s.syncTaskStatus(node.TaskID); err != nil {
		return nil, err
	}
	s.notify(node.TaskID, node)
	return node, nil
}

// CancelTaskNode cancels a todo or in_progress node.
func (s *Service) CancelTaskNode(nodeID string) (*Node, error) {
	node, err := s.repo.CancelNode(nodeID)
	if err != nil || node == nil {
		return node, err
	}
	if err := s.syncTaskStatus(node.TaskID); err != nil {
		return nil, err
	}
	s.notify(node.TaskID, node)
	return node, nil
}

// LinkSession records the session back-reference used to route completion
// events to the node.
func (s *Service) LinkSession(nodeID, sessionID string) error {
	return s.repo.LinkSession(nodeID, sessionID)
}

// NodeBySession resolves the node linked to a session id.
func (s *Service) NodeBySession(sessionID string) (*Node, error) {
	return s.repo.GetNodeBySession(sessionID)
}

// syncTaskStatus recomputes and persists the parent task's aggregate
// status from its nodes.
func (s *Service) syncTaskStatus(taskID string) error {
	nodes, err := s.repo.ListNodes(taskID)
	if err != nil {
		return err
	}
	return s.repo.UpdateTaskStatus(taskID, AggregateStatus(nodes))
}
