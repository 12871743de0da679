package quota

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aiox-platform/quotaengine/internal/api"
)

type Handler struct {
	engine   *Engine
	validate *validator.Validate
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{
		engine:   engine,
		validate: validator.New(),
	}
}

type AdmitRequest struct {
	UserID   uuid.UUID `json:"user_id" validate:"required"`
	Resource string    `json:"resource" validate:"required,max=64"`
	Messages int64     `json:"messages" validate:"gte=0"`
	Tokens   int64     `json:"tokens" validate:"gte=0"`
	// Text, when set and Tokens is zero, is used to estimate Tokens.
	Text string `json:"text,omitempty"`
}

// Admit handles POST /admit. An allowed request answers 200, a denied one
// 429 with Retry-After in whole seconds and an undecidable one 503.
func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	cost := Cost{Messages: req.Messages, Tokens: req.Tokens}
	if cost.Tokens == 0 && req.Text != "" {
		cost.Tokens = EstimateTokens(req.Text)
	}

	d, err := h.engine.Admit(r.Context(), req.UserID, req.Resource, time.Now(), cost)
	if err != nil {
		handleEngineError(w, err, "admitting request", "user_id", req.UserID, "resource", req.Resource)
		return
	}

	if !d.Allowed {
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(d.RetryAfter), 10))
		}
		api.JSON(w, http.StatusTooManyRequests, d)
		return
	}
	api.JSON(w, http.StatusOK, d)
}

// Usage handles GET /users/{userID}/usage.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, api.ErrInvalidUserID)
		return
	}

	usage, err := h.engine.Usage(r.Context(), userID, time.Now())
	if err != nil {
		handleEngineError(w, err, "reading usage", "user_id", userID)
		return
	}
	api.JSON(w, http.StatusOK, usage)
}

// handleEngineError maps caller mistakes to 400 and everything else to 503.
func handleEngineError(w http.ResponseWriter, err error, msg string, attrs ...any) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		api.HandleError(w, api.NewValidationError(verr.Error()))
		return
	}
	slog.Error(msg, append(attrs, "error", err)...)
	api.HandleError(w, api.ErrServiceUnavailable)
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}
