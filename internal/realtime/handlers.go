package realtime

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentdeck/internal/orchestrator"
	"agentdeck/internal/task"
)

func (s *Server) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.orch.ToolIDs()})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.orch.GetAllSessions()})
}

type startSessionRequest struct {
	SessionID  string            `json:"session_id"`
	ToolID     string            `json:"tool_id" binding:"required"`
	Workdir    string            `json:"workdir"`
	Prompt     string            `json:"prompt"`
	Model      string            `json:"model"`
	Env        map[string]string `json:"env"`
	Config     map[string]any    `json:"config"`
	ConfigID   string            `json:"config_id"`
	ProjectID  string            `json:"project_id"`
	TaskID     string            `json:"task_id"`
	TaskNodeID string            `json:"task_node_id"`
}

func (s *Server) handleStartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := s.orch.StartSession(orchestrator.StartOptions{
		SessionID:  req.SessionID,
		ToolID:     req.ToolID,
		Workdir:    req.Workdir,
		Prompt:     req.Prompt,
		Model:      req.Model,
		Env:        req.Env,
		Config:     req.Config,
		ConfigID:   req.ConfigID,
		ProjectID:  req.ProjectID,
		TaskID:     req.TaskID,
		TaskNodeID: req.TaskNodeID,
	})
	switch {
	case errors.Is(err, orchestrator.ErrUnknownTool):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrSessionExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, info)
	}
}

func (s *Server) handleGetSession(c *gin.Context) {
	info, err := s.orch.GetSession(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleStopSession(c *gin.Context) {
	if err := s.orch.StopSession(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": c.Param("id")})
}

type sendInputRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handleSendInput(c *gin.Context) {
	var req sendInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.orch.SendInput(c.Param("id"), req.Text); err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

func (s *Server) handleHistory(c *gin.Context) {
	events, err := s.orch.History(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// --- Task API ---

type createTaskRequest struct {
	Title     string `json:"title" binding:"required"`
	Mode      string `json:"mode" binding:"required"`
	ToolID    string `json:"tool_id"`
	ConfigID  string `json:"config_id"`
	ProjectID string `json:"project_id"`
	Nodes     []struct {
		Prompt           string `json:"prompt"`
		RequiresApproval bool   `json:"requires_approval"`
		ContinueOnError  bool   `json:"continue_on_error"`
	} `json:"nodes" binding:"required,min=1"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mode := task.Mode(req.Mode)
	if mode != task.ModeConversation && mode != task.ModeWorkflow {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be conversation or workflow"})
		return
	}

	nodes := make([]*task.Node, len(req.Nodes))
	for i, n := range req.Nodes {
		nodes[i] = &task.Node{
			Prompt:           n.Prompt,
			RequiresApproval: n.RequiresApproval,
			ContinueOnError:  n.ContinueOnError,
		}
	}

	created, err := s.tasks.CreateTask(&task.Task{
		Title:     req.Title,
		Mode:      mode,
		ToolID:    req.ToolID,
		ConfigID:  req.ConfigID,
		ProjectID: req.ProjectID,
	}, nodes)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListTasks(c *gin.Context) {
	list, err := s.tasks.Repo().ListTasks()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": list})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id := c.Param("id")
	t, err := s.tasks.Repo().GetTask(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	nodes, err := s.tasks.Repo().ListNodes(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t, "nodes": nodes})
}

func (s *Server) handleStartTask(c *gin.Context) {
	node, err := s.tasks.StartTaskExecution(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if node == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no runnable node"})
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) tasksApprove(id string) (*task.Node, error) { return s.tasks.ApproveTaskNode(id) }
func (s *Server) tasksReject(id string) (*task.Node, error)  { return s.tasks.RejectTaskNode(id) }
func (s *Server) tasksRetry(id string) (*task.Node, error)   { return s.tasks.RetryTaskNode(id) }
func (s *Server) tasksCancel(id string) (*task.Node, error)  { return s.tasks.CancelTaskNode(id) }

// nodeTransition adapts a state machine transition to a handler. A nil
// node with no error means the node was not in a state the transition
// accepts, which the API reports as a conflict.
func (s *Server) nodeTransition(fn func(string) (*task.Node, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, err := fn(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if node == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "node not in a valid state for this transition"})
			return
		}
		c.JSON(http.StatusOK, node)
	}
}
