package provider

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aiox-platform/quotaengine/internal/api"
)

type Handler struct {
	tracker  *Tracker
	validate *validator.Validate
}

func NewHandler(tracker *Tracker) *Handler {
	return &Handler{
		tracker:  tracker,
		validate: validator.New(),
	}
}

type ExhaustedRequest struct {
	StatusCode int `json:"status_code" validate:"omitempty,min=100,max=599"`
}

// Status handles GET /providers/{provider}/models/{model}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	p, m := chi.URLParam(r, "provider"), chi.URLParam(r, "model")
	st, err := h.tracker.Status(r.Context(), p, m)
	if err != nil {
		handleTrackerError(w, err, "reading provider status", p, m)
		return
	}
	api.JSON(w, http.StatusOK, st)
}

// Check handles POST /providers/{provider}/models/{model}/check. An
// unavailable model answers 429 with Retry-After in whole seconds.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	p, m := chi.URLParam(r, "provider"), chi.URLParam(r, "model")
	d, err := h.tracker.Check(r.Context(), p, m)
	if err != nil {
		handleTrackerError(w, err, "checking provider", p, m)
		return
	}
	if !d.Available {
		secs := int64(math.Ceil(d.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		api.JSON(w, http.StatusTooManyRequests, d)
		return
	}
	api.JSON(w, http.StatusOK, d)
}

// Record handles POST /providers/{provider}/models/{model}/usage.
func (h *Handler) Record(w http.ResponseWriter, r *http.Request) {
	p, m := chi.URLParam(r, "provider"), chi.URLParam(r, "model")
	st, err := h.tracker.Record(r.Context(), p, m)
	if err != nil {
		handleTrackerError(w, err, "recording provider call", p, m)
		return
	}
	api.JSON(w, http.StatusOK, st)
}

// MarkExhausted handles POST /providers/{provider}/models/{model}/exhausted.
func (h *Handler) MarkExhausted(w http.ResponseWriter, r *http.Request) {
	p, m := chi.URLParam(r, "provider"), chi.URLParam(r, "model")

	var req ExhaustedRequest
	if r.ContentLength != 0 {
		if err := api.DecodeJSON(r, &req); err != nil {
			api.HandleError(w, err)
			return
		}
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	st, err := h.tracker.MarkExhausted(r.Context(), p, m, req.StatusCode)
	if err != nil {
		handleTrackerError(w, err, "marking provider exhausted", p, m)
		return
	}
	api.JSON(w, http.StatusOK, st)
}

func handleTrackerError(w http.ResponseWriter, err error, msg, provider, model string) {
	if errors.Is(err, ErrUnknownModel) {
		api.HandleError(w, api.NewNotFoundError("unknown provider or model"))
		return
	}
	slog.Error(msg, "error", err, "provider", provider, "model", model)
	api.HandleError(w, api.ErrServiceUnavailable)
}
