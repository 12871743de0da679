package referral

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aiox-platform/quotaengine/internal/api"
)

type Handler struct {
	ledger   *Ledger
	validate *validator.Validate
}

func NewHandler(ledger *Ledger) *Handler {
	return &Handler{
		ledger:   ledger,
		validate: validator.New(),
	}
}

type RedeemResponse struct {
	EventID uuid.UUID `json:"event_id"`
	Status  Status    `json:"status"`
}

type ValidateResponse struct {
	Code  string `json:"code"`
	Valid bool   `json:"valid"`
}

// Redeem handles POST /referrals/redeem.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	event, err := h.ledger.Redeem(r.Context(), req)
	if err != nil {
		var rejected *RejectedError
		switch {
		case errors.Is(err, ErrInvalidCodeFormat), errors.Is(err, ErrInvalidRequest):
			api.HandleError(w, api.NewValidationError(err.Error()))
		case errors.Is(err, ErrReferralAbuse):
			api.HandleError(w, &api.AppError{Code: http.StatusTooManyRequests, Message: err.Error(), Reason: ReasonAddressCooldown})
		case errors.As(err, &rejected):
			api.HandleError(w, api.NewUnprocessableError(err.Error(), rejected.Reason))
		default:
			slog.Error("redeeming referral", "error", err, "referred_id", req.ReferredID)
			api.HandleError(w, api.ErrInternalServer)
		}
		return
	}

	api.JSON(w, http.StatusOK, RedeemResponse{EventID: event.ID, Status: event.Status})
}

// Stats handles GET /users/{userID}/referral.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		api.HandleError(w, api.ErrInvalidUserID)
		return
	}

	stats, err := h.ledger.Stats(r.Context(), userID)
	if err != nil {
		slog.Error("loading referral stats", "error", err, "user_id", userID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, stats)
}

// Validate handles GET /referrals/validate/{code}.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	code := NormalizeCode(chi.URLParam(r, "code"))
	valid, err := h.ledger.ValidateCode(r.Context(), code)
	if err != nil {
		slog.Error("validating referral code", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, ValidateResponse{Code: code, Valid: valid})
}

// Leaderboard handles GET /referrals/leaderboard.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.ledger.Leaderboard(r.Context(), limit)
	if err != nil {
		slog.Error("loading referral leaderboard", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, entries)
}
