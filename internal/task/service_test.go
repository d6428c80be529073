package task

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	r, err := NewRepository(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return NewService(r, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func createWorkflow(t *testing.T, s *Service, prompts ...string) (*Task, []*Node) {
	t.Helper()
	nodes := make([]*Node, len(prompts))
	for i, p := range prompts {
		nodes[i] = &Node{Prompt: p}
	}
	tk, err := s.CreateTask(&Task{Title: "wf", Mode: ModeWorkflow}, nodes)
	require.NoError(t, err)
	return tk, nodes
}

func taskStatus(t *testing.T, s *Service, taskID string) Status {
	t.Helper()
	tk, err := s.Repo().GetTask(taskID)
	require.NoError(t, err)
	require.NotNil(t, tk)
	return tk.Status
}

func TestCreateTaskConversationSingleNode(t *testing.T) {
	s := newTestService(t)

	tk, err := s.CreateTask(
		&Task{Title: "chat", Mode: ModeConversation},
		[]*Node{{Prompt: "a"}, {Prompt: "b"}, {Prompt: "c"}},
	)
	require.NoError(t, err)

	nodes, err := s.Repo().ListNodes(tk.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1, "conversation tasks carry exactly one node")
	assert.Equal(t, "a", nodes[0].Prompt)
}

func TestStartTaskExecutionIdempotent(t *testing.T) {
	s := newTestService(t)
	tk, _ := createWorkflow(t, s, "one", "two")

	first, err := s.StartTaskExecution(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, StatusInProgress, first.Status)
	assert.Equal(t, StatusInProgress, taskStatus(t, s, tk.ID))

	// A second start returns the running node without claiming another.
	again, err := s.StartTaskExecution(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)

	nodes, err := s.Repo().ListNodes(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTodo, nodes[1].Status)
}

func TestStartTaskExecutionConcurrent(t *testing.T) {
	s := newTestService(t)
	tk, _ := createWorkflow(t, s, "one", "two")

	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := make(map[string]int)
	var errs []error
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			node, err := s.StartTaskExecution(tk.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if node != nil {
				ids[node.ID]++
			}
		}()
	}
	wg.Wait()

	// Every caller resolves to the same claimed node; losers of the claim
	// race get the winner's node rather than an error.
	assert.Empty(t, errs)
	assert.Len(t, ids, 1)
	running, err := s.Repo().InProgressNode(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, running)
}

func TestWorkflowAutoAdvance(t *testing.T) {
	s := newTestService(t)
	tk, seeded := createWorkflow(t, s, "one", "two")

	started, err := s.StartTaskExecution(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, started)

	done, err := s.CompleteTaskNode(started.ID, CompleteRequest{Result: NodeResult{Summary: "ok"}})
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, StatusDone, done.Status)

	// Completing the first node claims the second.
	second, err := s.Repo().GetNode(seeded[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, second.Status)
	assert.Equal(t, StatusInProgress, taskStatus(t, s, tk.ID))

	_, err = s.CompleteTaskNode(second.ID, CompleteRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, taskStatus(t, s, tk.ID))
}

func TestConversationCompletionGuard(t *testing.T) {
	s := newTestService(t)
	tk, err := s.CreateTask(&Task{Title: "chat", Mode: ModeConversation}, []*Node{{Prompt: "hi"}})
	require.NoError(t, err)

	started, err := s.StartTaskExecution(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, started)

	// A plain completion (session ended on its own) is ignored.
	node, err := s.CompleteTaskNode(started.ID, CompleteRequest{})
	require.NoError(t, err)
	assert.Nil(t, node)
	assert.Equal(t, StatusInProgress, taskStatus(t, s, tk.ID))

	// A manual stop completes the conversation.
	node, err = s.CompleteTaskNode(started.ID, CompleteRequest{ManualStop: true})
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, StatusDone, node.Status)
	assert.Equal(t, StatusDone, taskStatus(t, s, tk.ID))
}

func TestConversationAllowCompletion(t *testing.T) {
	s := newTestService(t)
	tk, err := s.CreateTask(&Task{Title: "chat", Mode: ModeConversation}, []*Node{{Prompt: "hi"}})
	require.NoError(t, err)

	started, err := s.StartTaskExecution(tk.ID)
	require.NoError(t, err)

	node, err := s.CompleteTaskNode(started.ID, CompleteRequest{AllowCompletion: true})
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, StatusDone, node.Status)
}

func TestApprovalGate(t *testing.T) {
	s := newTestService(t)
	nodes := []*Node{{Prompt: "one", RequiresApproval: true}, {Prompt: "two"}}
	tk, err := s.CreateTask(&Task{Title: "gated", Mode: ModeWorkflow}, nodes)
	require.NoError(t, err)

	started, err := s.StartTaskExecution(tk.ID)
	require.NoError(t, err)

	// Completion lands in review instead of done; the workflow does not
	// advance.
	node, err := s.CompleteTaskNode(started.ID, CompleteRequest{})
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, StatusInReview, node.Status)
	assert.Equal(t, ReviewApproval, node.ReviewReason)
	assert.Equal(t, StatusInReview, taskStatus(t, s, tk.ID))

	second, err := s.Repo().GetNode(nodes[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTodo, second.Status)

	// Approval resolves the node and claims the next one.
	approved, err := s.ApproveTaskNode(node.ID)
	require.NoError(t, err)
	require.NotNil(t, approved)
	assert.Equal(t, StatusDone, approved.Status)
	assert.Empty(t, approved.ReviewReason)

	second, err = s.Repo().GetNode(nodes[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, second.Status)
}

func TestRejectThenRetry(t *testing.T) {
	s := newTestService(t)
	nodes := []*Node{{Prompt: "one", RequiresApproval: true}}
	tk, err := s.CreateTask(&Task{Title: "gated", Mode: ModeWorkflow}, nodes)
	require.NoError(t, err)

	started, err := s.StartTaskExecution(tk.ID)
	require.NoError(t, err)
	_, err = s.CompleteTaskNode(started.ID, CompleteRequest{Result: NodeResult{Summary: "draft"}})
	require.NoError(t, err)

	rejected, err := s.RejectTaskNode(started.ID)
	require.NoError(t, err)
	require.NotNil(t, rejected)
	assert.Equal(t, StatusInReview, rejected.Status)
	assert.Equal(t, ReviewRejected, rejected.ReviewReason)
	assert.Equal(t, StatusInReview, taskStatus(t, s, tk.ID))

	retried, err := s.RetryTaskNode(started.ID)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, StatusTodo, retried.Status)
	assert.Empty(t, retried.ResultSummary)
	assert.Equal(t, StatusTodo, taskStatus(t, s, tk.ID))
}

func TestErrorReviewFlow(t *testing.T) {
	s := newTestService(t)
	tk, _ := createWorkflow(t, s, "one")

	started, err := s.StartTaskExecution(tk.ID)
	require.NoError(t, err)

	node, err := s.MarkTaskNodeErrorReview(started.ID, "process exited with code 1")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, StatusInReview, node.Status)
	assert.Equal(t, ReviewError, node.ReviewReason)
	assert.Equal(t, StatusInReview, taskStatus(t, s, tk.ID))

	// Marking a node that is no longer in_progress is a silent no-op.
	node, err = s.MarkTaskNodeErrorReview(started.ID, "again")
	require.NoError(t, err)
	assert.Nil(t, node)
}

func TestCancelTaskNode(t *testing.T) {
	s := newTestService(t)
	tk, seeded := createWorkflow(t, s, "one", "two")

	_, err := s.CancelTaskNode(seeded[0].ID)
	require.NoError(t, err)
	_, err = s.CancelTaskNode(seeded[1].ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, taskStatus(t, s, tk.ID))
}

func TestSubscribeNodeChanges(t *testing.T) {
	s := newTestService(t)
	tk, _ := createWorkflow(t, s, "one")

	var changes []NodeChange
	unsub := s.SubscribeNodeChanges(func(c NodeChange) { changes = append(changes, c) })

	started, err := s.StartTaskExecution(tk.ID)
	require.NoError(t, err)

	require.Len(t, changes, 1)
	assert.Equal(t, started.ID, changes[0].Node.ID)
	assert.Equal(t, StatusInProgress, changes[0].Task.Status)

	unsub()
	_, err = s.CompleteTaskNode(started.ID, CompleteRequest{})
	require.NoError(t, err)
	assert.Len(t, changes, 1, "unsubscribed listener receives nothing")
}

func TestNodeBySessionRouting(t *testing.T) {
	s := newTestService(t)
	tk, _ := createWorkflow(t, s, "one")

	started, err := s.StartTaskExecution(tk.ID)
	require.NoError(t, err)
	require.NoError(t, s.LinkSession(started.ID, "sess-9"))

	node, err := s.NodeBySession("sess-9")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, started.ID, node.ID)
}

func TestAggregateStatus(t *testing.T) {
	mk := func(statuses ...Status) []*Node {
		nodes := make([]*Node, len(statuses))
		for i, st := range statuses {
			nodes[i] = &Node{Status: st}
		}
		return nodes
	}

	tests := []struct {
		name  string
		nodes []*Node
		want  Status
	}{
		{"empty", nil, StatusTodo},
		{"all todo", mk(StatusTodo, StatusTodo), StatusTodo},
		{"all done", mk(StatusDone, StatusDone), StatusDone},
		{"running", mk(StatusDone, StatusInProgress, StatusTodo), StatusInProgress},
		{"done and todo mix", mk(StatusDone, StatusTodo), StatusInProgress},
		{"in review", mk(StatusDone, StatusInReview), StatusInReview},
		{"all cancelled", mk(StatusCancelled, StatusCancelled), StatusCancelled},
		{"cancelled with todo", mk(StatusTodo, StatusCancelled), StatusTodo},
		{"cancelled with done", mk(StatusDone, StatusCancelled), StatusTodo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AggregateStatus(tt.nodes))
		})
	}
}
