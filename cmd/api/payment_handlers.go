package main

import (
	"errors"
	"io"
	"net/http"
	"time"

	"namcportal/auth"
	"namcportal/escrow"
	"namcportal/payments"
)

// handlePaymentsWebhook receives processor events. Signature failures are the
// caller's problem; events we cannot apply yet return 500 so the processor
// retries, and events that are not ours are acknowledged so it stops.
func (s *Server) handlePaymentsWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	event, err := payments.ParseWebhook(payload, r.Header.Get(payments.SignatureHeader), s.webhookSecret)
	if err != nil {
		if errors.Is(err, payments.ErrBadSignature) {
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		s.logError(r, "handlePaymentsWebhook", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if event.Type != payments.EventPaymentSucceeded {
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	err = s.escrowService.HandleFundingSucceeded(r.Context(), escrow.FundingSucceededParams{
		EventID:         event.ID,
		PaymentIntentID: event.IntentID,
	})
	switch {
	case err == nil:
	case errors.Is(err, escrow.ErrFundingNotFound):
		// An intent we never issued. Acknowledge so the processor stops
		// resending it.
	default:
		s.logError(r, "handlePaymentsWebhook", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handlePaymentsReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if userRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	q := r.URL.Query()
	filters := escrow.PaymentActivityFilters{EscrowID: q.Get("escrowId")}
	if raw := q.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date")
			return
		}
		filters.From = &parsed
	}
	if raw := q.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date")
			return
		}
		filters.To = &parsed
	}

	f, err := s.reportService.PaymentActivityWorkbook(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, r, "handlePaymentsReport", err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="payments.xlsx"`)
	if err := f.Write(w); err != nil {
		s.logError(r, "handlePaymentsReport", err)
	}
}
