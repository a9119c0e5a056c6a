package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"

	"github.com/mintapply/backend/internal/auth"
	"github.com/mintapply/backend/internal/service"
	"github.com/mintapply/backend/internal/store"
)

const defaultCheckoutTokens = 10

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mintapply_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mintapply_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "endpoint"})

	generationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mintapply_generations_total",
		Help: "Cover-letter generation outcomes",
	}, []string{"outcome"})
)

type Handler struct {
	ledger     *service.LedgerService
	generator  *service.GeneratorService
	settlement *service.SettlementService
	logger     *zap.Logger

	webhookSecret string
	checkoutURL   string
}

func NewHandler(ledger *service.LedgerService, generator *service.GeneratorService, settlement *service.SettlementService, logger *zap.Logger, webhookSecret, checkoutURL string) *Handler {
	return &Handler{
		ledger:        ledger,
		generator:     generator,
		settlement:    settlement,
		logger:        logger,
		webhookSecret: webhookSecret,
		checkoutURL:   checkoutURL,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

type generateRequest struct {
	Title string `json:"title"`
	JD    string `json:"jd"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, r.Method, "/health")
}

// CheckoutHandler redirects to the externally configured payment link.
// Token granting happens on the provider webhook, never here.
func (h *Handler) CheckoutHandler(w http.ResponseWriter, r *http.Request) {
	httpRequestsTotal.WithLabelValues(r.Method, "/checkout", "303").Inc()
	http.Redirect(w, r, h.checkoutURL, http.StatusSeeOther)
}

func (h *Handler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/auth/register"

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", r.Method, endpoint)
		return
	}

	account, token, err := h.ledger.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			h.respondError(w, http.StatusUnprocessableEntity, err.Error(), r.Method, endpoint)
		case errors.Is(err, store.ErrEmailTaken):
			h.respondError(w, http.StatusConflict, "Email already registered", r.Method, endpoint)
		case errors.Is(err, service.ErrRateLimited):
			h.respondError(w, http.StatusTooManyRequests, "Too many requests", r.Method, endpoint)
		default:
			h.logger.Error("register failed", zap.Error(err))
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", r.Method, endpoint)
		}
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]any{
		"account": account,
		"token":   token,
	}, r.Method, endpoint)
}

func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/auth/login"

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", r.Method, endpoint)
		return
	}

	account, token, err := h.ledger.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			h.respondError(w, http.StatusUnauthorized, "Invalid email or password", r.Method, endpoint)
		case errors.Is(err, service.ErrRateLimited):
			h.respondError(w, http.StatusTooManyRequests, "Too many requests", r.Method, endpoint)
		default:
			h.logger.Error("login failed", zap.Error(err))
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", r.Method, endpoint)
		}
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"token":   token,
	}, r.Method, endpoint)
}

func (h *Handler) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/balance"

	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Authentication required", r.Method, endpoint)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			h.respondError(w, http.StatusNotFound, "Account not found", r.Method, endpoint)
			return
		}
		h.logger.Error("balance lookup failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", r.Method, endpoint)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]int64{"tokens": balance}, r.Method, endpoint)
}

func (h *Handler) RedeemHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/redeem"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Authentication required", r.Method, endpoint)
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", r.Method, endpoint)
		return
	}

	rc, balance, err := h.ledger.Redeem(r.Context(), accountID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			h.respondError(w, http.StatusBadRequest, "Missing code", r.Method, endpoint)
		case errors.Is(err, store.ErrCodeNotFound):
			h.respondError(w, http.StatusNotFound, "Invalid code", r.Method, endpoint)
		case errors.Is(err, store.ErrCodeAlreadyUsed):
			h.respondError(w, http.StatusConflict, "Code already used", r.Method, endpoint)
		case errors.Is(err, store.ErrAccountNotFound):
			h.respondError(w, http.StatusNotFound, "Account not found", r.Method, endpoint)
		default:
			h.logger.Error("redeem failed", zap.Error(err))
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", r.Method, endpoint)
		}
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"tokens":   balance,
		"code":     rc.Code,
		"credited": rc.Tokens,
	}, r.Method, endpoint)
}

func (h *Handler) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/generate"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Authentication required", r.Method, endpoint)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", r.Method, endpoint)
		return
	}

	result, err := h.generator.Generate(r.Context(), accountID, req.Title, req.JD)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			generationOutcomes.WithLabelValues("invalid").Inc()
			h.respondError(w, http.StatusBadRequest, "Missing role title", r.Method, endpoint)
		case errors.Is(err, service.ErrNoTokens):
			generationOutcomes.WithLabelValues("no_tokens").Inc()
			h.respondError(w, http.StatusPaymentRequired, "No tokens available", r.Method, endpoint)
		case errors.Is(err, service.ErrGenerationFailed):
			generationOutcomes.WithLabelValues("provider_error").Inc()
			h.respondError(w, http.StatusBadGateway, "Generation failed, token refunded. Try again.", r.Method, endpoint)
		case errors.Is(err, store.ErrAccountNotFound):
			h.respondError(w, http.StatusNotFound, "Account not found", r.Method, endpoint)
		default:
			h.logger.Error("generate failed", zap.Error(err))
			h.respondError(w, http.StatusInternalServerError, "Internal Server Error", r.Method, endpoint)
		}
		return
	}

	generationOutcomes.WithLabelValues("success").Inc()
	h.respondJSON(w, http.StatusOK, result, r.Method, endpoint)
}

// StripeWebhookHandler consumes checkout.session.completed events. Signature
// verification gates everything; settlement is idempotent on the event id, so
// Stripe's at-least-once delivery credits each payment exactly once.
func (h *Handler) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/stripe/webhook"

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Stream read error", r.Method, endpoint)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		h.respondError(w, http.StatusBadRequest, "Webhook signature verification failed", r.Method, endpoint)
		return
	}

	if event.Type == "checkout.session.completed" {
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			h.respondError(w, http.StatusBadRequest, "Malformed event payload", r.Method, endpoint)
			return
		}

		email := ""
		if session.CustomerDetails != nil {
			email = session.CustomerDetails.Email
		}
		if email == "" {
			h.logger.Warn("checkout session without customer email", zap.String("event_id", event.ID))
			h.respondError(w, http.StatusBadRequest, "Missing customer email", r.Method, endpoint)
			return
		}

		tokens := int64(defaultCheckoutTokens)
		if raw, ok := session.Metadata["tokens"]; ok {
			if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
				tokens = parsed
			}
		}

		credited, err := h.settlement.SettleByEmail(r.Context(), event.ID, email, tokens)
		if err != nil {
			// Surfaced, not swallowed: a 5xx makes the provider redeliver,
			// which is safe because settlement is idempotent.
			h.logger.Error("settlement failed",
				zap.String("event_id", event.ID),
				zap.Error(err))
			h.respondError(w, http.StatusInternalServerError, "Settlement failed", r.Method, endpoint)
			return
		}
		if !credited {
			h.logger.Info("duplicate webhook delivery acknowledged", zap.String("event_id", event.ID))
		}
	}

	h.respondJSON(w, http.StatusOK, map[string]bool{"received": true}, r.Method, endpoint)
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": message}, method, endpoint)
}
