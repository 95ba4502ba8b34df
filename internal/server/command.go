// ABOUTME: The POST /api/command envelope: typed requests dispatched by request_type
// ABOUTME: Unknown commands produce a structured error and change no state

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/2389/fleet-warden/internal/store"
)

// Command names accepted by the command endpoint.
const (
	CommandHealthCheck    = "health_check"
	CommandRestartAgent   = "restart_agent"
	CommandResetRecovery  = "reset_recovery"
	CommandCreateSnapshot = "create_snapshot"
	CommandRestore        = "restore_snapshot"
	CommandProactive      = "proactive_recommendation"
)

// commandRequest is the envelope for all commands. Older clients send the
// command under "action" and the recommendation target under "target" with a
// free-text "message"; both spellings are accepted alongside the current
// "target_agent"/"reason"/"severity" keys.
type commandRequest struct {
	RequestType    string `json:"request_type"`
	Action         string `json:"action"`
	AgentID        string `json:"agent_id"`
	Name           string `json:"name"`
	SnapshotID     string `json:"snapshot_id"`
	Recommendation string `json:"recommendation"`
	TargetAgent    string `json:"target_agent"`
	Target         string `json:"target"`
	Reason         string `json:"reason"`
	Message        string `json:"message"`
	Severity       string `json:"severity"`
}

func (c commandRequest) command() string {
	if c.RequestType != "" {
		return c.RequestType
	}
	return c.Action
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid command body: "+err.Error())
		return
	}

	switch req.command() {
	case CommandHealthCheck:
		s.commandHealthCheck(w, r)
	case CommandRestartAgent:
		s.commandRestartAgent(w, r, req)
	case CommandResetRecovery:
		s.commandResetRecovery(w, r, req)
	case CommandCreateSnapshot:
		s.commandCreateSnapshot(w, r, req)
	case CommandRestore:
		s.commandRestoreSnapshot(w, r, req)
	case CommandProactive:
		s.commandProactive(w, r, req)
	case "":
		writeError(w, http.StatusBadRequest, "missing request_type")
	default:
		writeError(w, http.StatusBadRequest, "unknown request_type: "+req.command())
	}
}

func (s *Server) commandHealthCheck(w http.ResponseWriter, r *http.Request) {
	counts := s.registry.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"health": map[string]any{
			"component": "fleet-warden",
			"timestamp": time.Now().UTC(),
			"agents":    counts,
		},
	})
}

// commandRestartAgent schedules a recovery and acknowledges immediately; the
// restart itself runs on the recovery worker.
func (s *Server) commandRestartAgent(w http.ResponseWriter, r *http.Request, req commandRequest) {
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "restart_agent requires agent_id")
		return
	}
	if _, ok := s.registry.Get(req.AgentID); !ok {
		writeError(w, http.StatusNotFound, "unknown agent: "+req.AgentID)
		return
	}

	s.recoverer.Enqueue(req.AgentID, "operator restart request")
	s.logger.Info("restart requested", "agent_id", req.AgentID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "ok",
		"message":  "restart scheduled",
		"agent_id": req.AgentID,
	})
}

// commandResetRecovery clears the attempt counter for an agent parked by an
// exhausted attempt budget.
func (s *Server) commandResetRecovery(w http.ResponseWriter, r *http.Request, req commandRequest) {
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "reset_recovery requires agent_id")
		return
	}
	if err := s.recoverer.ResetAttempts(r.Context(), req.AgentID); err != nil {
		writeError(w, http.StatusNotFound, "reset failed: "+err.Error())
		return
	}
	s.logger.Info("recovery attempts reset", "agent_id", req.AgentID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"message":  "recovery attempts reset",
		"agent_id": req.AgentID,
	})
}

func (s *Server) commandCreateSnapshot(w http.ResponseWriter, r *http.Request, req commandRequest) {
	name := req.Name
	if name == "" {
		name = "manual"
	}
	manifest, err := s.snapshots.Create(r.Context(), name)
	if err != nil {
		s.internalError(w, "creating snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"snapshot_id": manifest.ID,
		"snapshot":    manifest,
	})
}

func (s *Server) commandRestoreSnapshot(w http.ResponseWriter, r *http.Request, req commandRequest) {
	if req.SnapshotID == "" {
		writeError(w, http.StatusBadRequest, "restore_snapshot requires snapshot_id")
		return
	}
	if err := s.snapshots.Restore(r.Context(), req.SnapshotID); err != nil {
		s.logger.Error("snapshot restore failed", "snapshot_id", req.SnapshotID, "error", err)
		writeError(w, http.StatusBadRequest, "restore failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"message":     "snapshot restored",
		"snapshot_id": req.SnapshotID,
	})
}

// commandProactive records an external recommendation as a
// proactive_detection error. A proactive_restart recommendation for a
// registered agent also schedules a recovery.
func (s *Server) commandProactive(w http.ResponseWriter, r *http.Request, req commandRequest) {
	target := req.TargetAgent
	if target == "" {
		target = req.Target
	}
	if target == "" {
		target = req.AgentID
	}
	message := req.Reason
	if message == "" {
		message = req.Message
	}
	if message == "" {
		message = "proactive recommendation: " + req.Recommendation
	}
	severity := req.Severity
	if severity == "" {
		severity = store.SeverityWarning
	}

	record := &store.ErrorRecord{
		AgentID:   target,
		Message:   message,
		ErrorType: store.ErrorTypeProactive,
		Severity:  severity,
	}
	if err := s.store.SaveError(r.Context(), record); err != nil {
		s.internalError(w, "recording recommendation", err)
		return
	}

	actionTaken := "none"
	if req.Recommendation == "proactive_restart" {
		if _, ok := s.registry.Get(target); ok {
			s.recoverer.Enqueue(target, "proactive recommendation")
			actionTaken = "restart"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"error_id":     record.ID,
		"action_taken": actionTaken,
	})
}
