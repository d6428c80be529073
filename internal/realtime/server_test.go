package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdeck/internal/adapter"
	"agentdeck/internal/config"
	"agentdeck/internal/msgstore"
	"agentdeck/internal/orchestrator"
	"agentdeck/internal/paths"
	"agentdeck/internal/task"
)

type shellAdapter struct {
	id     string
	script string
}

func (a *shellAdapter) ID() string { return a.id }

func (a *shellAdapter) BuildCommand(spec adapter.SpawnSpec) adapter.CommandSpec {
	return adapter.CommandSpec{Command: "sh", Args: []string{"-c", a.script}, Env: spec.Env}
}

func (a *shellAdapter) DetectCompletion(string) *adapter.Completion { return nil }

func (a *shellAdapter) Normalize(string) []msgstore.NormalizedEntry { return nil }

func testServer(t *testing.T, adapters ...adapter.Adapter) (*httptest.Server, *orchestrator.Service, *task.Service, *paths.Paths) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := paths.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, p.Initialize())

	cfgs, err := config.Load(p.ConfigFile(), logger)
	require.NoError(t, err)

	repo, err := task.NewRepository(p.DatabaseFile())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	tasks := task.NewService(repo, logger)

	reg := adapter.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	orch := orchestrator.NewService(reg, cfgs, tasks, p, logger)
	t.Cleanup(orch.StopAll)

	ts := httptest.NewServer(NewServer(orch, tasks, logger).Handler())
	t.Cleanup(ts.Close)
	return ts, orch, tasks, p
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestListToolsAndSessions(t *testing.T) {
	ts, _, _, _ := testServer(t, &shellAdapter{id: "shell", script: "sleep 1"})

	resp, err := http.Get(ts.URL + "/api/tools")
	require.NoError(t, err)
	var tools struct {
		Tools []string `json:"tools"`
	}
	decodeBody(t, resp, &tools)
	assert.Equal(t, []string{"shell"}, tools.Tools)

	resp, err = http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	var sessions struct {
		Sessions []orchestrator.SessionInfo `json:"sessions"`
	}
	decodeBody(t, resp, &sessions)
	assert.Empty(t, sessions.Sessions)
}

func TestStartSessionValidation(t *testing.T) {
	ts, _, _, _ := testServer(t)

	resp := postJSON(t, ts.URL+"/api/sessions", map[string]any{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/sessions", map[string]any{"tool_id": "nope"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionRoundTrip(t *testing.T) {
	ts, _, _, _ := testServer(t, &shellAdapter{id: "shell", script: "sleep 10"})

	resp := postJSON(t, ts.URL+"/api/sessions", map[string]any{
		"session_id": "s1",
		"tool_id":    "shell",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var info orchestrator.SessionInfo
	decodeBody(t, resp, &info)
	assert.Equal(t, "s1", info.ID)

	resp = postJSON(t, ts.URL+"/api/sessions", map[string]any{
		"session_id": "s1",
		"tool_id":    "shell",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/api/sessions/s1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/s1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/sessions/s1")
		if err != nil {
			return false
		}
		r.Body.Close()
		return r.StatusCode == http.StatusNotFound
	}, 5*time.Second, 50*time.Millisecond)
}

func TestTaskAPI(t *testing.T) {
	ts, _, _, _ := testServer(t)

	resp := postJSON(t, ts.URL+"/api/tasks", map[string]any{
		"title": "two steps",
		"mode":  "workflow",
		"nodes": []map[string]any{
			{"prompt": "first"},
			{"prompt": "second", "requires_approval": true},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created task.Task
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)

	resp = postJSON(t, ts.URL+"/api/tasks/"+created.ID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var node task.Node
	decodeBody(t, resp, &node)
	assert.Equal(t, task.StatusInProgress, node.Status)

	// Approving an in_progress node is a wrong-state transition.
	resp = postJSON(t, ts.URL+"/api/nodes/"+node.ID+"/approve", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/api/tasks/" + created.ID)
	require.NoError(t, err)
	var detail struct {
		Task  task.Task    `json:"task"`
		Nodes []*task.Node `json:"nodes"`
	}
	decodeBody(t, resp, &detail)
	assert.Equal(t, task.StatusInProgress, detail.Task.Status)
	assert.Len(t, detail.Nodes, 2)

	resp, err = http.Get(ts.URL + "/api/tasks/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/tasks", map[string]any{
		"title": "bad mode", "mode": "pipeline",
		"nodes": []map[string]any{{"prompt": "x"}},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamReplaysHistory(t *testing.T) {
	ts, orch, _, _ := testServer(t, &shellAdapter{id: "shell", script: "echo hello"})

	closed := make(chan struct{})
	unsub := orch.Subscribe(func(n orchestrator.Notice) {
		if n.Type == orchestrator.NoticeClosed {
			select {
			case <-closed:
			default:
				close(closed)
			}
		}
	})
	defer unsub()

	_, err := orch.StartSession(orchestrator.StartOptions{SessionID: "s1", ToolID: "shell"})
	require.NoError(t, err)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/s1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg streamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "history", msg.Type)
	assert.Equal(t, "s1", msg.SessionID)
	require.NotNil(t, msg.Event)
}

func TestStreamReplaysLongHistoryWithoutLoss(t *testing.T) {
	ts, _, _, p := testServer(t)

	// Seed a finished session's durable log with more events than the
	// stream's live-event buffer holds.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := msgstore.New(p.SessionLogFile("s9"), "s9", "", logger)
	require.NoError(t, err)
	const total = 300
	for i := 0; i < total; i++ {
		require.NoError(t, store.Push(msgstore.Event{
			Type:    msgstore.EventStdout,
			Content: fmt.Sprintf("line %d", i),
		}))
	}
	require.NoError(t, store.Close())

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/s9/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	for i := 0; i < total; i++ {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg streamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, "history", msg.Type)
		require.NotNil(t, msg.Event)
		require.Equal(t, fmt.Sprintf("line %d", i), msg.Event.Content)
	}
}
