package reaper

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aiox-platform/quotaengine/internal/api"
)

type Handler struct {
	reaper *Reaper
}

func NewHandler(r *Reaper) *Handler {
	return &Handler{reaper: r}
}

// Run handles POST /admin/reaper/run.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	report, err := h.reaper.RunOnce(r.Context(), time.Now())
	if err != nil {
		slog.Error("running reaper", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, report)
}
