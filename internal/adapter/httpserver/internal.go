package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/testdock/internal/domain"
)

// InternalHandler serves the trusted broadcast surface workers post to. It is
// bound to the internal listener only and carries no tenant authentication;
// network isolation is the boundary.
type InternalHandler struct {
	Notifier domain.Notifier
}

// NewInternalHandler constructs the handler.
func NewInternalHandler(notifier domain.Notifier) *InternalHandler {
	return &InternalHandler{Notifier: notifier}
}

// PublishUpdate handles POST /executions/update: fan an execution state out
// to its organization's room.
func (h *InternalHandler) PublishUpdate(w http.ResponseWriter, r *http.Request) {
	var exec domain.Execution
	if err := json.NewDecoder(r.Body).Decode(&exec); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
		return
	}
	if exec.TaskID == "" {
		writeError(w, r, fmt.Errorf("%w: taskId is required", domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Notifier.PublishUpdate(r.Context(), exec); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type logBroadcast struct {
	TaskID         string `json:"taskId"`
	OrganizationID string `json:"organizationId"`
	Log            string `json:"log"`
}

// PublishLog handles POST /executions/log: fan a single log line out to the
// organization's room.
func (h *InternalHandler) PublishLog(w http.ResponseWriter, r *http.Request) {
	var msg logBroadcast
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
		return
	}
	if msg.TaskID == "" {
		writeError(w, r, fmt.Errorf("%w: taskId is required", domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Notifier.PublishLog(r.Context(), msg.OrganizationID, msg.TaskID, msg.Log); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
