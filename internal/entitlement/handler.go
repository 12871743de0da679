package entitlement

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

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

type GrantResponse struct {
	UserID    uuid.UUID  `json:"user_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type EntitlementResponse struct {
	UserID    uuid.UUID               `json:"user_id"`
	Tier      Tier                    `json:"tier"`
	ExpiresAt *time.Time              `json:"expires_at,omitempty"`
	Overrides map[string]ResourcePlan `json:"overrides,omitempty"`
	History   []GrantRecord           `json:"history"`
}

// Grant handles POST /admin/entitlements/grant.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req Grant
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	expiresAt, err := h.svc.GrantBonusDuration(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			api.HandleError(w, api.NewValidationError(err.Error()))
			return
		}
		slog.Error("granting entitlement", "error", err, "user_id", req.UserID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	resp := GrantResponse{UserID: req.UserID}
	if !expiresAt.IsZero() {
		resp.ExpiresAt = &expiresAt
	}
	api.JSON(w, http.StatusOK, resp)
}

// Expire handles POST /admin/entitlements/expire.
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ExpireStaleEntitlements(r.Context(), time.Now().UTC())
	if err != nil {
		slog.Error("expiring entitlements", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, map[string]int64{"expired": n})
}

// Cancel handles DELETE /admin/users/{userID}/entitlement.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, api.ErrInvalidUserID)
		return
	}

	cancelled, err := h.svc.Cancel(r.Context(), userID, r.URL.Query().Get("reason"))
	if err != nil {
		slog.Error("cancelling entitlement", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if !cancelled {
		api.HandleError(w, api.NewNotFoundError("no paid entitlement to cancel"))
		return
	}
	api.JSONMessage(w, http.StatusOK, "entitlement cancelled")
}

// SetOverrides handles PUT /admin/users/{userID}/overrides.
func (h *Handler) SetOverrides(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, api.ErrInvalidUserID)
		return
	}

	var req map[string]ResourcePlan
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	if err := h.svc.SetOverrides(r.Context(), userID, req); err != nil {
		if errors.Is(err, ErrInvalidOverride) {
			api.HandleError(w, api.NewValidationError(err.Error()))
			return
		}
		slog.Error("setting overrides", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONMessage(w, http.StatusOK, "overrides updated")
}

// Get handles GET /users/{userID}/entitlement.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, api.ErrInvalidUserID)
		return
	}

	e, err := h.svc.Resolve(r.Context(), userID)
	if err != nil {
		slog.Error("resolving entitlement", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("history"))
	history, err := h.svc.History(r.Context(), userID, limit)
	if err != nil {
		slog.Error("reading grant history", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if history == nil {
		history = []GrantRecord{}
	}

	api.JSON(w, http.StatusOK, EntitlementResponse{
		UserID:    e.UserID,
		Tier:      e.Tier,
		ExpiresAt: e.ExpiresAt,
		Overrides: e.Overrides,
		History:   history,
	})
}
