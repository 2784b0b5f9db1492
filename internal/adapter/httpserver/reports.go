package httpserver

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/testdock/internal/domain"
)

// ReportsHandler serves extracted artifacts from the org-partitioned root.
// The authenticated organization must match the path's organization segment;
// any mismatch reads as NOT_FOUND so tenants cannot probe each other's runs.
type ReportsHandler struct {
	Root string
}

// NewReportsHandler constructs the handler.
func NewReportsHandler(root string) *ReportsHandler {
	return &ReportsHandler{Root: root}
}

// Serve handles GET /reports/{organizationId}/{taskId}/*.
func (h *ReportsHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ident, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, fmt.Errorf("%w: no identity in context", domain.ErrUnauthorized), nil)
		return
	}
	orgID := chi.URLParam(r, "organizationId")
	taskID := chi.URLParam(r, "taskId")
	if orgID != ident.OrganizationID {
		writeError(w, r, fmt.Errorf("%w: no such artifact", domain.ErrNotFound), nil)
		return
	}

	rel := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if rel == "" {
		rel = "index.html"
	}
	base := filepath.Join(h.Root, orgID, taskID)
	target := filepath.Join(base, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, filepath.Clean(base)+string(os.PathSeparator)) {
		writeError(w, r, fmt.Errorf("%w: no such artifact", domain.ErrNotFound), nil)
		return
	}

	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		if err == nil && info.IsDir() {
			// Directory requests fall through to the report's index page.
			target = filepath.Join(target, "index.html")
			if _, err = os.Stat(target); err == nil {
				h.serveFile(w, r, target)
				return
			}
		}
		writeError(w, r, fmt.Errorf("%w: no such artifact", domain.ErrNotFound), nil)
		return
	}
	h.serveFile(w, r, target)
}

func (h *ReportsHandler) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	// Sniff the real content type instead of trusting the extension; report
	// bundles contain extension-less attachments.
	if mt, err := mimetype.DetectFile(path); err == nil {
		w.Header().Set("Content-Type", mt.String())
	}
	http.ServeFile(w, r, path)
}
