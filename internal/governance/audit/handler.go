package audit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/quotaengine/internal/api"
)

// Lister reads audit logs.
type Lister interface {
	List(ctx context.Context, params ListParams) ([]AuditLog, int64, error)
}

// Handler serves the admin audit log listing.
type Handler struct {
	repo Lister
}

// NewHandler creates a new audit Handler.
func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

// List returns paginated audit logs filtered by query parameters.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	params, err := parseListParams(r)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	logs, total, err := h.repo.List(r.Context(), params)
	if err != nil {
		slog.Error("listing audit logs", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if logs == nil {
		logs = []AuditLog{}
	}

	api.JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

func parseListParams(r *http.Request) (ListParams, error) {
	params := DefaultListParams()
	q := r.URL.Query()

	if u := q.Get("user_id"); u != "" {
		id, err := uuid.Parse(u)
		if err != nil {
			return params, api.ErrInvalidUserID
		}
		params.UserID = &id
	}
	params.EventType = q.Get("event_type")
	params.Severity = q.Get("severity")
	if p := q.Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := q.Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}

	return params, nil
}
