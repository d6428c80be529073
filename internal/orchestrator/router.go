package orchestrator

import (
	"time"

	"agentdeck/internal/session"
	"agentdeck/internal/task"
)

// routeNodeCompletion drives the task state machine when a session linked
// to a node terminates. A stopped session completes the node (subject to
// the conversation-mode guard); an errored session moves it to error
// review with the failure message.
func (s *Service) routeNodeCompletion(sessionID string, info session.CloseInfo, manualStop bool, startedAt time.Time) {
	if s.tasks == nil {
		return
	}

	node, err := s.tasks.NodeBySession(sessionID)
	if err != nil {
		s.logger.Error("failed to resolve node for session", "session", sessionID, "error", err)
		return
	}
	if node == nil {
		return
	}

	var durationMS int64
	if !startedAt.IsZero() {
		durationMS = time.Since(startedAt).Milliseconds()
	}

	switch info.Status {
	case session.StatusStopped:
		_, err = s.tasks.CompleteTaskNode(node.ID, task.CompleteRequest{
			Result:     task.NodeResult{DurationMS: durationMS},
			ManualStop: manualStop,
		})
	case session.StatusError:
		msg := info.ErrorMessage
		if msg == "" {
			msg = "session ended with an error"
		}
		_, err = s.tasks.MarkTaskNodeErrorReview(node.ID, msg)
	}
	if err != nil {
		s.logger.Error("failed to route node completion",
			"session", sessionID,
			"node", node.ID,
			"status", info.Status,
			"error", err)
	}
}
