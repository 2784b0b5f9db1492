package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/testdock/internal/domain"
	"github.com/fairyhunter13/testdock/internal/usecase"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ExecutionHandler exposes the tenant-facing execution API.
type ExecutionHandler struct {
	Svc *usecase.ExecutionService
}

// NewExecutionHandler constructs the handler.
func NewExecutionHandler(svc *usecase.ExecutionService) *ExecutionHandler {
	return &ExecutionHandler{Svc: svc}
}

// Submit handles POST /api/execution-request.
func (h *ExecutionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, fmt.Errorf("%w: no identity in context", domain.ErrUnauthorized), nil)
		return
	}

	var req usecase.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, validationSummary(err)), validationDetails(err))
		return
	}

	res, err := h.Svc.Submit(r.Context(), ident, req)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// List handles GET /api/executions.
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, fmt.Errorf("%w: no identity in context", domain.ErrUnauthorized), nil)
		return
	}
	execs, err := h.Svc.List(r.Context(), ident)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if execs == nil {
		execs = []domain.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// Get handles GET /api/executions/{taskId}.
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, fmt.Errorf("%w: no identity in context", domain.ErrUnauthorized), nil)
		return
	}
	exec, err := h.Svc.Get(r.Context(), ident, chi.URLParam(r, "taskId"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// Delete handles DELETE /api/executions/{taskId}. A task belonging to another
// organization reads as NOT_FOUND, never as forbidden.
func (h *ExecutionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, fmt.Errorf("%w: no identity in context", domain.ErrUnauthorized), nil)
		return
	}
	if err := h.Svc.Delete(r.Context(), ident, chi.URLParam(r, "taskId")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type meUser struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type meOrganization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type meResponse struct {
	User         meUser         `json:"user"`
	Organization meOrganization `json:"organization"`
}

// Me handles GET /api/auth/me and echoes the verified identity. The token
// carries no organization display name, so the id doubles as the name.
func (h *ExecutionHandler) Me(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, fmt.Errorf("%w: no identity in context", domain.ErrUnauthorized), nil)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:         meUser{ID: ident.UserID, Role: ident.Role},
		Organization: meOrganization{ID: ident.OrganizationID, Name: ident.OrganizationID},
	})
}

func validationSummary(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Sprintf("field %s failed on %s", verrs[0].Field(), verrs[0].Tag())
	}
	return "request validation failed"
}

func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Namespace()] = fe.Tag()
	}
	return out
}
