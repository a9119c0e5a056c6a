package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mintapply/backend/internal/auth"
	"github.com/mintapply/backend/internal/service"
	"github.com/mintapply/backend/internal/store"
)

const testWebhookSecret = "whsec_testsecret"

type scriptedCompleter struct {
	text string
	err  error
}

func (c *scriptedCompleter) Complete(context.Context, string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.text, nil
}

type fixture struct {
	router    *mux.Router
	store     *store.SQLiteStore
	completer *scriptedCompleter
}

// newFixture wires the full stack the way cmd/api does, over an in-memory
// store and a scripted completer.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := zap.NewNop()
	issuer := auth.NewTokenIssuer("test-secret", time.Hour)
	completer := &scriptedCompleter{text: "Dear Hiring Manager, ..."}

	ledger := service.NewLedgerService(s, issuer, logger)
	generator := service.NewGeneratorService(s, completer, logger)
	settlement := service.NewSettlementService(s, logger)
	handler := NewHandler(ledger, generator, settlement, logger, testWebhookSecret, "https://pay.example.com/link")

	r := mux.NewRouter()
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")
	r.HandleFunc("/checkout", handler.CheckoutHandler).Methods("GET")
	r.HandleFunc("/stripe/webhook", handler.StripeWebhookHandler).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/auth/register", handler.RegisterHandler).Methods("POST")
	apiV1.HandleFunc("/auth/login", handler.LoginHandler).Methods("POST")

	protected := apiV1.NewRoute().Subrouter()
	protected.Use(auth.Middleware(issuer))
	protected.HandleFunc("/balance", handler.BalanceHandler).Methods("GET")
	protected.HandleFunc("/redeem", handler.RedeemHandler).Methods("POST")
	protected.HandleFunc("/generate", handler.GenerateHandler).Methods("POST")

	return &fixture{router: r, store: s, completer: completer}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) register(t *testing.T, email string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email":    email,
		"name":     "Test User",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCheckoutRedirect(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/checkout", "", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://pay.example.com/link", rec.Header().Get("Location"))
}

func TestRegister_DuplicateEmail(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dup@example.com")

	rec := f.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email":    "dup@example.com",
		"name":     "Other",
		"password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLogin_WrongPassword(t *testing.T) {
	f := newFixture(t)
	f.register(t, "login@example.com")

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "login@example.com",
		"password": "not-the-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/balance"},
		{http.MethodPost, "/api/v1/redeem"},
		{http.MethodPost, "/api/v1/generate"},
	} {
		rec := f.do(t, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
	}
}

// The full user journey: register, redeem WELCOME10, burn through all ten
// tokens, then hit the paywall.
func TestRedeemAndGenerateJourney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateCode(ctx, "WELCOME10", 10))
	token := f.register(t, "journey@example.com")

	rec := f.do(t, http.MethodGet, "/api/v1/balance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tokens":0}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/redeem", token, map[string]string{"code": "welcome10"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var redeemResp struct {
		Tokens int64 `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &redeemResp))
	assert.Equal(t, int64(10), redeemResp.Tokens)

	for want := int64(9); want >= 0; want-- {
		rec = f.do(t, http.MethodPost, "/api/v1/generate", token, map[string]string{
			"title": "Software Engineer",
			"jd":    "Build things.",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var genResp struct {
			Text   string `json:"text"`
			Tokens int64  `json:"tokens"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &genResp))
		assert.NotEmpty(t, genResp.Text)
		assert.Equal(t, want, genResp.Tokens)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/generate", token, map[string]string{
		"title": "Software Engineer",
		"jd":    "Build things.",
	})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/balance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tokens":0}`, rec.Body.String())
}

func TestRedeem_UsedAndUnknownCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateCode(ctx, "MINT25", 25))

	tokenB := f.register(t, "b@example.com")
	tokenC := f.register(t, "c@example.com")

	rec := f.do(t, http.MethodPost, "/api/v1/redeem", tokenB, map[string]string{"code": "MINT25"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/redeem", tokenC, map[string]string{"code": "MINT25"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/balance", tokenC, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tokens":0}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/redeem", tokenC, map[string]string{"code": "NOSUCH"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/redeem", tokenC, map[string]string{"code": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerate_ProviderFailureIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateCode(ctx, "TEST5", 5))
	token := f.register(t, "fail@example.com")

	rec := f.do(t, http.MethodPost, "/api/v1/redeem", token, map[string]string{"code": "TEST5"})
	require.Equal(t, http.StatusOK, rec.Code)

	f.completer.err = errors.New("upstream on fire")
	rec = f.do(t, http.MethodPost, "/api/v1/generate", token, map[string]string{
		"title": "Role", "jd": "jd",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/balance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tokens":5}`, rec.Body.String(), "failed generation must cost nothing")
}

// signStripePayload builds a Stripe-Signature header the same way the
// provider does: v1 = HMAC-SHA256(secret, "<timestamp>.<payload>").
func signStripePayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func (f *fixture) postWebhook(t *testing.T, payload []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/stripe/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestStripeWebhook_SettlesOnce(t *testing.T) {
	f := newFixture(t)
	token := f.register(t, "buyer@example.com")

	payload := []byte(`{
		"id": "evt_test_1",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"customer_details": {"email": "buyer@example.com"},
				"metadata": {"tokens": "20"}
			}
		}
	}`)
	sig := signStripePayload(payload, testWebhookSecret)

	rec := f.postWebhook(t, payload, sig)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// At-least-once delivery: the retry is acknowledged without a second
	// credit.
	rec = f.postWebhook(t, payload, sig)
	require.Equal(t, http.StatusOK, rec.Code)

	balanceRec := f.do(t, http.MethodGet, "/api/v1/balance", token, nil)
	require.Equal(t, http.StatusOK, balanceRec.Code)
	assert.JSONEq(t, `{"tokens":20}`, balanceRec.Body.String())
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`{"id":"evt_test_2","type":"checkout.session.completed","data":{"object":{}}}`)
	rec := f.postWebhook(t, payload, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeWebhook_IgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`{"id":"evt_test_3","type":"invoice.paid","data":{"object":{}}}`)
	sig := signStripePayload(payload, testWebhookSecret)
	rec := f.postWebhook(t, payload, sig)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}
