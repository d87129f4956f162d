package services

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/batnet/ledger/protocol"
)

// ControlService is the chi-routed control API over a running ledger. It is
// the host-facing produced interface: browsers and local tooling drive the
// engine through it.
type ControlService struct {
	ledger *protocol.Ledger
	log    *slog.Logger
}

// NewControlService wires the control API over a ledger.
func NewControlService(ledger *protocol.Ledger, log *slog.Logger) *ControlService {
	return &ControlService{ledger: ledger, log: log}
}

// RegisterRoutes implements httpserver.RouteRegistrar.
func (c *ControlService) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
			AllowedMethods: []string{"GET", "POST", "DELETE"},
			AllowedHeaders: []string{"Content-Type"},
		}))

		r.Post("/visit", c.handleVisit)
		r.Get("/publishers", c.handlePublishers)
		r.Get("/balance", c.handleBalance)
		r.Get("/wallet", c.handleWallet)
		r.Post("/donate", c.handleDonate)
		r.Post("/contribute", c.handleContribute)
		r.Post("/adview", c.handleAdView)
		r.Get("/recurring", c.handleRecurringList)
		r.Post("/recurring", c.handleRecurringAdd)
		r.Delete("/recurring/{publisherID}", c.handleRecurringRemove)
		r.Get("/report", c.handleReport)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeEngineError maps the engine's sentinel errors onto HTTP statuses.
func (c *ControlService) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case protocol.IsPreconditionError(err):
		status = http.StatusConflict
	}
	c.log.Warn("control request failed", "err", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// VisitRequest reports one page visit. IgnoreMinTime marks media visits
// whose duration the trigger already vetted; they skip the minimum-duration
// filter.
type VisitRequest struct {
	PublisherID   string `json:"publisher_id"`
	DurationMS    uint64 `json:"duration_ms"`
	IgnoreMinTime bool   `json:"ignore_min_time"`
}

func (c *ControlService) handleVisit(w http.ResponseWriter, r *http.Request) {
	var req VisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	recorded, err := c.ledger.RecordVisit(req.PublisherID, time.Duration(req.DurationMS)*time.Millisecond, req.IgnoreMinTime)
	if err != nil {
		c.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": recorded})
}

func (c *ControlService) handlePublishers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.ledger.PublisherList())
}

func (c *ControlService) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		if _, err := c.ledger.RefreshBalance(r.Context()); err != nil {
			c.writeEngineError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]float64{"balance": c.ledger.Balance()})
}

func (c *ControlService) handleWallet(w http.ResponseWriter, r *http.Request) {
	wallet := c.ledger.Wallet()
	// Key material never leaves the process.
	writeJSON(w, http.StatusOK, map[string]any{
		"payment_id": wallet.PaymentID,
		"registered": wallet.Registered,
	})
}

// DonateRequest is a one-off donation.
type DonateRequest struct {
	Directions []protocol.Direction `json:"directions"`
}

func (c *ControlService) handleDonate(w http.ResponseWriter, r *http.Request) {
	var req DonateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := c.ledger.DirectDonate(r.Context(), req.Directions); err != nil {
		c.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "complete"})
}

func (c *ControlService) handleContribute(w http.ResponseWriter, r *http.Request) {
	if err := c.ledger.TriggerRecurringDonations(r.Context()); err != nil {
		c.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "complete"})
}

// AdViewRequest attests one ad view.
type AdViewRequest struct {
	CreativeID string `json:"creative_id"`
}

func (c *ControlService) handleAdView(w http.ResponseWriter, r *http.Request) {
	var req AdViewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := c.ledger.ConfirmAdView(r.Context(), req.CreativeID); err != nil {
		c.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (c *ControlService) handleRecurringList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.ledger.RecurringList())
}

// RecurringRequest adds or updates a recurring donation.
type RecurringRequest struct {
	PublisherID string  `json:"publisher_id"`
	Weight      float64 `json:"weight"`
}

func (c *ControlService) handleRecurringAdd(w http.ResponseWriter, r *http.Request) {
	var req RecurringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := c.ledger.AddRecurring(req.PublisherID, req.Weight); err != nil {
		c.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.ledger.RecurringList())
}

func (c *ControlService) handleRecurringRemove(w http.ResponseWriter, r *http.Request) {
	publisherID := chi.URLParam(r, "publisherID")
	if err := c.ledger.RemoveRecurring(publisherID); err != nil {
		c.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.ledger.RecurringList())
}

func (c *ControlService) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := c.ledger.BalanceReportFor(time.Now())
	if err != nil {
		c.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
