// Package server exposes the HTTP API: buyer checkout and order views,
// the processor webhook, catalog listings, and operator endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storagehub/checkout"
	"storagehub/errs"
	"storagehub/models"
	"storagehub/observability"
	"storagehub/orchestrator"
	"storagehub/payment"
	"storagehub/provider"
	"storagehub/report"
	"storagehub/store"
	"storagehub/webhook"
)

// Webhook body reads are capped; processor events are small.
const maxWebhookBody = 1 << 20

// Config captures the dependencies required to construct the server.
type Config struct {
	Store        *store.Store
	Checkout     *checkout.Initiator
	Ingestor     *webhook.Ingestor
	Orchestrator *orchestrator.Orchestrator
	Registry     *provider.Registry
	Exporter     *report.Exporter
	Metrics      *observability.Metrics
	Logger       *slog.Logger

	Env            string
	JWTSecret      []byte
	JWTIssuer      string
	RateLimitRPS   float64
	RateLimitBurst int
	PublishableKey string
	CORSOrigins    []string
}

// Server is the configured HTTP API.
type Server struct {
	store          *store.Store
	checkout       *checkout.Initiator
	ingestor       *webhook.Ingestor
	orchestrator   *orchestrator.Orchestrator
	registry       *provider.Registry
	exporter       *report.Exporter
	metrics        *observability.Metrics
	logger         *slog.Logger
	env            string
	publishableKey string

	router http.Handler
}

// New constructs the router with rate limiting on public endpoints and JWT
// auth on the operator surface.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Default()
	}
	srv := &Server{
		store:          cfg.Store,
		checkout:       cfg.Checkout,
		ingestor:       cfg.Ingestor,
		orchestrator:   cfg.Orchestrator,
		registry:       cfg.Registry,
		exporter:       cfg.Exporter,
		metrics:        metrics,
		logger:         logger,
		env:            cfg.Env,
		publishableKey: cfg.PublishableKey,
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(limiter.Middleware)
			public.Post("/payments/checkout", s.handleCheckout)
			public.Get("/payments/config", s.handlePaymentConfig)
			public.Get("/orders/{id}", s.handleGetOrder)
			public.Post("/orders/{id}/cancel", s.handleCancelOrder)
			public.Get("/users/{id}/orders", s.handleListUserOrders)
			public.Get("/providers", s.handleListProviders)
			public.Get("/plans", s.handleListPlans)
		})

		// The processor retries aggressively; its webhook is never rate
		// limited.
		api.Post("/payments/webhook", s.handleWebhook)

		api.Group(func(admin chi.Router) {
			admin.Use(operatorAuth(cfg.JWTSecret, cfg.JWTIssuer))
			admin.Get("/admin/stats", s.handleStats)
			admin.Post("/admin/orders/{id}/retry", s.handleRetry)
			admin.Post("/admin/orders/{id}/refund", s.handleRefund)
			admin.Post("/admin/sweep", s.handleSweep)
			admin.Post("/admin/reports", s.handleExportReport)
		})
	})
	return newCorsHandler(r, cfg.CORSOrigins)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type checkoutRequest struct {
	UserID         string `json:"userId"`
	PlanID         string `json:"planId"`
	SuccessURL     string `json:"successUrl"`
	CancelURL      string `json:"cancelUrl"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Wrap(errs.CodeValidation, "malformed request body", err))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		s.writeError(w, errs.New(errs.CodeValidation, "userId must be a UUID"))
		return
	}
	planID, err := s.resolvePlanID(r.Context(), req.PlanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	result, err := s.checkout.Checkout(r.Context(), checkout.Params{
		UserID:         userID,
		PlanID:         planID,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
		IdempotencyKey: key,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.OrdersCreated.Inc()
	writeJSON(w, http.StatusCreated, result)
}

// resolvePlanID accepts either a plan row id or the human-readable
// external plan id shown in the catalog.
func (s *Server) resolvePlanID(ctx context.Context, raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, errs.New(errs.CodeValidation, "planId is required")
	}
	if id, err := uuid.Parse(raw); err == nil {
		return id, nil
	}
	plan, err := s.store.PlanByExternalKey(ctx, raw)
	if err != nil {
		return uuid.Nil, err
	}
	return plan.ID, nil
}

// handlePaymentConfig exposes the processor publishable key a frontend
// needs to mount the hosted checkout.
func (s *Server) handlePaymentConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publishableKey": s.publishableKey})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, errs.Wrap(errs.CodeValidation, "unreadable body", err))
		return
	}
	if err := s.ingestor.Handle(r.Context(), body, r.Header.Get(payment.SignatureHeader)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

// orderView is the buyer-facing order detail: the order plus its latest
// payment and blockchain transaction.
type orderView struct {
	Order       *models.Order                 `json:"order"`
	Payment     *models.Payment               `json:"payment,omitempty"`
	Transaction *models.BlockchainTransaction `json:"transaction,omitempty"`
	ExplorerURL string                        `json:"explorerUrl,omitempty"`
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errs.New(errs.CodeValidation, "order id must be a UUID"))
		return
	}
	order, err := s.store.OrderByID(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view := orderView{Order: order}
	if pay, err := s.store.LatestPaymentForOrder(r.Context(), id); err == nil {
		view.Payment = pay
	}
	if tx, err := s.store.LatestTransactionForOrder(r.Context(), id); err == nil && tx != nil {
		view.Transaction = tx
		view.ExplorerURL = s.explorerURL(r, order.ProviderID, tx)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) explorerURL(r *http.Request, providerID uuid.UUID, tx *models.BlockchainTransaction) string {
	if tx.TxHash == nil || *tx.TxHash == "" {
		return ""
	}
	prov, err := s.store.ProviderByID(r.Context(), providerID)
	if err != nil {
		return ""
	}
	adapter, err := s.registry.Get(prov.Slug)
	if err != nil {
		return ""
	}
	return adapter.ExplorerURL(*tx.TxHash)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errs.New(errs.CodeValidation, "order id must be a UUID"))
		return
	}
	var cancelled *models.Order
	err = s.store.WithTx(r.Context(), func(tx *store.Store) error {
		order, err := tx.OrderByIDLocked(r.Context(), id)
		if err != nil {
			return err
		}
		// Once the buyer is mid-payment the webhook stream owns the
		// outcome; only unpaid orders can be cancelled here.
		if order.Status != models.OrderPendingPayment {
			return errs.Newf(errs.CodeInvalidOrderStatus,
				"order %s is %s and can no longer be cancelled", order.OrderNumber, order.Status)
		}
		if err := tx.AdvanceOrder(r.Context(), order.ID, order.Status, models.OrderCancelled,
			map[string]any{"status_message": "Cancelled by user"}); err != nil {
			return err
		}
		if pay, err := tx.LatestPaymentForOrder(r.Context(), order.ID); err == nil &&
			pay != nil && pay.Status.Live() && pay.Status != models.PaymentSucceeded {
			if err := tx.AdvancePayment(r.Context(), pay.ID, pay.Status, models.PaymentCancelled, nil); err != nil {
				return err
			}
		}
		cancelled = order
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"orderId": cancelled.ID.String(),
		"status":  string(models.OrderCancelled),
	})
}

func (s *Server) handleListUserOrders(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errs.New(errs.CodeValidation, "user id must be a UUID"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	orders, err := s.store.ListOrdersByUser(r.Context(), id, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.store.ListProviders(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	type providerView struct {
		models.Provider
		Degraded bool `json:"degraded"`
	}
	out := make([]providerView, 0, len(providers))
	for _, p := range providers {
		out = append(out, providerView{Provider: p, Degraded: s.registry.Degraded(p.Slug)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListAvailablePlans(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

// handleRetry re-runs the latest failed allocation for an order.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errs.New(errs.CodeValidation, "order id must be a UUID"))
		return
	}
	tx, err := s.store.LatestTransactionForOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tx == nil {
		s.writeError(w, errs.New(errs.CodeNotFound, "order has no allocation to retry"))
		return
	}
	s.logger.Info("operator retry requested",
		"order", id, "tx", tx.ID, "subject", SubjectFromContext(r.Context()))
	if err := s.orchestrator.RetryTransaction(r.Context(), tx.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"transactionId": tx.ID.String()})
}

// handleRefund marks a COMPLETED order refunded. The money movement
// itself happens processor-side; this records the outcome and closes the
// payment row.
func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errs.New(errs.CodeValidation, "order id must be a UUID"))
		return
	}
	var refunded *models.Order
	err = s.store.WithTx(r.Context(), func(tx *store.Store) error {
		order, err := tx.OrderByIDLocked(r.Context(), id)
		if err != nil {
			return err
		}
		if order.Status != models.OrderCompleted {
			return errs.Newf(errs.CodeInvalidOrderStatus,
				"order %s is %s, only COMPLETED orders can be refunded", order.OrderNumber, order.Status)
		}
		if err := tx.AdvanceOrder(r.Context(), order.ID, order.Status, models.OrderRefunded,
			map[string]any{"status_message": "Refunded by operator"}); err != nil {
			return err
		}
		pay, err := tx.LatestPaymentForOrder(r.Context(), order.ID)
		if err != nil {
			return err
		}
		if pay != nil && pay.Status == models.PaymentSucceeded {
			if err := tx.AdvancePayment(r.Context(), pay.ID, pay.Status, models.PaymentRefunded, nil); err != nil {
				return err
			}
		}
		refunded = order
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("operator refund recorded",
		"order", refunded.OrderNumber, "subject", SubjectFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{
		"orderId": refunded.ID.String(),
		"status":  string(models.OrderRefunded),
	})
}

// handleStats reports order counts by status and settled revenue over an
// optional from/to window (RFC3339, defaults to all time).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	from := time.Time{}
	to := time.Now().UTC()
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, errs.New(errs.CodeValidation, "from must be RFC3339"))
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, errs.New(errs.CodeValidation, "to must be RFC3339"))
			return
		}
		to = parsed
	}
	counts, err := s.store.CountOrdersByStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	revenue, err := s.store.RevenueCentsBetween(r.Context(), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders":       counts,
		"revenueCents": revenue,
	})
}

// handleSweep runs one recovery sweep immediately instead of waiting for
// the next scheduled pass.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("operator sweep requested", "subject", SubjectFromContext(r.Context()))
	if err := s.orchestrator.Sweep(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "swept"})
}

type reportRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) handleExportReport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		s.writeError(w, errs.New(errs.CodeInternal, "report exporter not configured"))
		return
	}
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Wrap(errs.CodeValidation, "malformed request body", err))
		return
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		s.writeError(w, errs.New(errs.CodeValidation, "start and end must form a window"))
		return
	}
	result, err := s.exporter.Export(r.Context(), req.Start, req.End)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details,omitempty"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	var payload errorPayload
	payload.Error.Code = string(code)
	payload.Error.Message = err.Error()
	if s.env == "development" {
		var e *errs.Error
		if errors.As(err, &e) && e.Details != "" {
			payload.Error.Details = e.Details
		}
	}
	if code == errs.CodeInternal {
		s.logger.Error("request failed", "error", err)
		payload.Error.Message = "internal error"
	}
	writeJSON(w, code.HTTPStatus(), payload)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
