package membership

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Router mounts the membership HTTP surface. Attendance registration
// and subscription management share the service; the webhook endpoint
// feeds the reconciler.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/membership", membership.Router(svc, rec, logger))
func Router(svc *Service, rec *Reconciler, log *slog.Logger) chi.Router {
	if svc == nil {
		panic("membership: service is required")
	}
	if rec == nil {
		panic("membership: reconciler is required")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	h := &handlers{svc: svc, rec: rec, log: log}

	r := chi.NewRouter()
	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", h.createSubscription)
		r.Get("/{id}", h.getSubscription)
		r.Post("/{id}/activate", h.activateSubscription)
		r.Put("/{id}", h.updateSubscription)
	})
	r.Post("/attendance", h.registerAttendance)
	r.Route("/webhooks", func(r chi.Router) {
		// Gateways probe webhook URLs with GET before saving them.
		r.Get("/subscriptions", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Post("/subscriptions", h.gatewayWebhook)
	})
	return r
}

type handlers struct {
	svc *Service
	rec *Reconciler
	log *slog.Logger
}

type createSubscriptionRequest struct {
	UserID        uuid.UUID  `json:"user_id"`
	AcademyID     uuid.UUID  `json:"academy_id"`
	GroupID       *uuid.UUID `json:"group_id,omitempty"`
	PriceAmount   int64      `json:"price_amount"`
	PriceCurrency string     `json:"price_currency,omitempty"`
	PayerEmail    string     `json:"payer_email"`
	TrialEligible bool       `json:"trial_eligible"`
}

func (h *handlers) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Join(ErrInvalidInput, err))
		return
	}

	res, err := h.svc.Create(r.Context(), CreateSubscriptionInput{
		UserID:        req.UserID,
		AcademyID:     req.AcademyID,
		GroupID:       req.GroupID,
		Price:         Money{Amount: req.PriceAmount, Currency: req.PriceCurrency},
		PayerEmail:    req.PayerEmail,
		TrialEligible: req.TrialEligible,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

func (h *handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	details, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, details)
}

func (h *handlers) activateSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Activate(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type updateSubscriptionRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

func (h *handlers) updateSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req updateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Join(ErrInvalidInput, err))
		return
	}

	var sub *Subscription
	switch req.Action {
	case "pause":
		sub, err = h.svc.Pause(r.Context(), id)
	case "cancel":
		sub, err = h.svc.Cancel(r.Context(), id, req.Reason)
	default:
		h.writeError(w, r, errors.Join(ErrInvalidInput, errors.New("action must be pause or cancel")))
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

type registerAttendanceRequest struct {
	SubscriptionID uuid.UUID `json:"subscription_id,omitempty"`
	UserID         uuid.UUID `json:"user_id,omitempty"`
	AcademyID      uuid.UUID `json:"academy_id,omitempty"`
	GroupID        uuid.UUID `json:"group_id"`
	OccurredAt     time.Time `json:"occurred_at,omitempty"`
	RegisteredBy   uuid.UUID `json:"registered_by"`
}

func (h *handlers) registerAttendance(w http.ResponseWriter, r *http.Request) {
	var req registerAttendanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Join(ErrInvalidInput, err))
		return
	}

	res, err := h.svc.RegisterAttendance(r.Context(), RegisterAttendanceInput{
		SubscriptionID: req.SubscriptionID,
		UserID:         req.UserID,
		AcademyID:      req.AcademyID,
		GroupID:        req.GroupID,
		OccurredAt:     req.OccurredAt,
		RegisteredBy:   req.RegisteredBy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	h.writeJSON(w, status, res)
}

// gatewayWebhook acknowledges with 200 on every understood outcome so
// the gateway stops redelivering, and with 500 only on transient
// failures where a redelivery can succeed.
func (h *handlers) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, r, errors.Join(ErrInvalidInput, err))
		return
	}

	res, err := h.rec.HandleGatewayEvent(r.Context(), body)
	if err != nil {
		h.log.ErrorContext(r.Context(), "webhook processing failed", slog.Any("error", err))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(errorBody{Code: "retry_later", Message: "event could not be applied"})
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type responseBody struct {
	Data any `json:"data,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(responseBody{Data: data}); err != nil {
		h.log.Error("failed to encode response", slog.Any("error", err))
	}
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, ErrInvalidInput):
		status, code = http.StatusUnprocessableEntity, "invalid_input"
	case errors.Is(err, ErrSubscriptionNotFound):
		status, code = http.StatusNotFound, "subscription_not_found"
	case errors.Is(err, ErrAlreadySubscribed):
		status, code = http.StatusConflict, "already_subscribed"
	case errors.Is(err, ErrMembershipInactive):
		status, code = http.StatusConflict, "membership_inactive"
	case errors.Is(err, ErrActivationInProgress):
		status, code = http.StatusConflict, "activation_in_progress"
	case errors.Is(err, ErrConcurrencyConflict):
		status, code = http.StatusConflict, "concurrent_update"
	case IsIllegalTransition(err):
		status, code = http.StatusConflict, "illegal_transition"
	case errors.Is(err, ErrGatewayUnavailable):
		status, code = http.StatusBadGateway, "gateway_unavailable"
	}

	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "request failed", slog.Any("error", err))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(errorBody{Code: code, Message: err.Error()}); encErr != nil {
		h.log.Error("failed to encode error response", slog.Any("error", encErr))
	}
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, errors.Join(ErrInvalidInput, errors.New("id must be a uuid"))
	}
	return id, nil
}
