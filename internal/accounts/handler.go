package accounts

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aiox-platform/quotaengine/internal/api"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

// Initialize handles POST /accounts. It answers 201 for a new account and
// 200 when the account already existed.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	a, created, err := h.svc.Initialize(r.Context(), req.UserID, req.CreatedAt)
	if err != nil {
		if errors.Is(err, ErrInvalidAccount) {
			api.HandleError(w, api.NewValidationError(err.Error()))
			return
		}
		slog.Error("initializing account", "error", err, "user_id", req.UserID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.JSON(w, status, a)
}

// Get handles GET /accounts/{userID}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, api.ErrInvalidUserID)
		return
	}

	a, err := h.svc.Get(r.Context(), userID)
	if err != nil {
		slog.Error("reading account", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if a == nil {
		api.HandleError(w, api.NewNotFoundError("account not found"))
		return
	}
	api.JSON(w, http.StatusOK, a)
}
