package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/booking"
	"github.com/hackgods/consultation-orchestrator/internal/consultation"
	"github.com/hackgods/consultation-orchestrator/internal/messaging"
	"github.com/hackgods/consultation-orchestrator/internal/protocol"
	"github.com/hackgods/consultation-orchestrator/internal/session"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

// SlotLister reads a doctor's bookable slots.
type SlotLister interface {
	ListOpenSlots(ctx context.Context, doctorID uuid.UUID, from time.Time, limit int) ([]store.Slot, error)
}

func bookConsultationHandler(svc *booking.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		var req BookConsultationRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		breq, err := req.toBooking(id.UserID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}

		c, err := svc.Book(r.Context(), breq)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, BookConsultationResponse{
			ConsultationID: c.ID,
			CreditsCharged: c.CreditsCharged,
			Status:         string(c.Status),
		})
	}
}

func listConsultationsHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		limit, offset := pagination(r)
		list, err := svc.ListForUser(r.Context(), id.UserID, limit, offset)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		out := make([]ConsultationResponse, 0, len(list))
		for i := range list {
			out = append(out, toConsultationResponse(&list[i]))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func getConsultationHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		consultationID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		c, _, err := svc.Get(r.Context(), consultationID, id.UserID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toConsultationResponse(c))
	}
}

func requestSessionHandler(svc *consultation.Service, rooms *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		consultationID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		c, err := svc.RequestSession(r.Context(), consultationID, id.UserID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		snap, live := rooms.Snapshot(r.Context(), *c.RoomID)
		writeJSON(w, http.StatusOK, SessionResponse{
			ConsultationID: c.ID,
			RoomID:         *c.RoomID,
			Phase:          phaseOf(snap, live),
		})
	}
}

type transitionFunc func(ctx context.Context, id, caller uuid.UUID) (*store.Consultation, error)

func transitionHandler(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		consultationID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		c, err := fn(r.Context(), consultationID, id.UserID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toConsultationResponse(c))
	}
}

// completeConsultationHandler completes the consultation and ends its live
// room, if any, so both seats receive call-ended and signaling stops.
func completeConsultationHandler(svc *consultation.Service, rooms *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		consultationID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		c, err := svc.Complete(r.Context(), consultationID, id.UserID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if c.RoomID != nil {
			rooms.End(r.Context(), *c.RoomID)
		}
		writeJSON(w, http.StatusOK, toConsultationResponse(c))
	}
}

func listNotesHandler(svc *messaging.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		consultationID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		notes, err := svc.ListNotes(r.Context(), consultationID, id.UserID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		out := make([]NoteResponse, 0, len(notes))
		for _, n := range notes {
			out = append(out, toNoteResponse(n))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func addNoteHandler(svc *messaging.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		consultationID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req TextRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		note, err := svc.AddNote(r.Context(), consultationID, id.UserID, req.Text)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toNoteResponse(*note))
	}
}

func listChatHandler(svc *messaging.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		consultationID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		msgs, err := svc.ListChat(r.Context(), consultationID, id.UserID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		out := make([]ChatMessageResponse, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, toChatResponse(m))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func sendChatHandler(svc *messaging.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		consultationID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req TextRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		msg, err := svc.SendChat(r.Context(), consultationID, id.UserID, req.Text)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toChatResponse(*msg))
	}
}

func markReadHandler(svc *messaging.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		messageID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		msg, err := svc.MarkRead(r.Context(), messageID, id.UserID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toChatResponse(*msg))
	}
}

func listSlotsHandler(slots SlotLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		limit, _ := pagination(r)
		list, err := slots.ListOpenSlots(r.Context(), doctorID, time.Now().UTC(), limit)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		out := make([]SlotResponse, 0, len(list))
		for i := range list {
			s := &list[i]
			out = append(out, SlotResponse{ID: s.ID, DoctorID: s.DoctorID, Date: s.Date(), StartsAt: s.StartsAt, EndsAt: s.EndsAt})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func getAccountHandler(ledger *booking.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		acct, err := ledger.Balance(r.Context(), id.UserID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, AccountResponse{UserID: acct.UserID, Credits: acct.Credits})
	}
}

func listTransactionsHandler(ledger *booking.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		limit, offset := pagination(r)
		list, err := ledger.Transactions(r.Context(), id.UserID, limit, offset)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		out := make([]TransactionResponse, 0, len(list))
		for _, t := range list {
			out = append(out, toTransactionResponse(t))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func purchaseHandler(ledger *booking.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		var req PurchaseRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		acct, tx, err := ledger.Purchase(r.Context(), id.UserID, req.Amount)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, PurchaseResponse{
			Account:     AccountResponse{UserID: acct.UserID, Credits: acct.Credits},
			Transaction: toTransactionResponse(*tx),
		})
	}
}

func pagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		offset = v
	}
	return limit, offset
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var short *booking.InsufficientCreditsError
	if errors.As(err, &short) {
		writeJSON(w, http.StatusPaymentRequired, InsufficientCreditsResponse{
			Error:     "insufficient_credits",
			Details:   err.Error(),
			Balance:   short.Balance,
			Fee:       short.Fee,
			Shortfall: short.Shortfall,
		})
		return
	}

	switch {
	case errors.Is(err, booking.ErrInvalidRequest),
		errors.Is(err, protocol.ErrInvalidMessage),
		errors.Is(err, booking.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, booking.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", "slot is no longer available")
	case errors.Is(err, booking.ErrSlotBusy):
		writeError(w, http.StatusConflict, "slot_busy", err.Error())
	case errors.Is(err, booking.ErrDoctorUnavailable):
		writeError(w, http.StatusConflict, "doctor_unavailable", err.Error())
	case errors.Is(err, booking.ErrNotPatient),
		errors.Is(err, booking.ErrPatientBlocked),
		errors.Is(err, consultation.ErrUserBlocked),
		errors.Is(err, consultation.ErrNotAuthorized),
		errors.Is(err, messaging.ErrNotRecipient):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, messaging.ErrChatLocked):
		writeError(w, http.StatusForbidden, "chat_locked", err.Error())
	case errors.Is(err, booking.ErrPatientNotFound),
		errors.Is(err, store.ErrConsultationNotFound),
		errors.Is(err, store.ErrMessageNotFound),
		errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrSlotNotFound),
		errors.Is(err, store.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, consultation.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, consultation.ErrNotVideo),
		errors.Is(err, consultation.ErrSessionClosed):
		writeError(w, http.StatusConflict, "session_unavailable", err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "concurrent update, retry the request")
	case errors.Is(err, store.ErrReconciliation):
		loggerFrom(r.Context()).Error("booking needs reconciliation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reconciliation_required", "booking could not be completed")
	default:
		loggerFrom(r.Context()).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
