package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/payhub/internal/auth"
	"github.com/terminal-bench/payhub/internal/balance"
	"github.com/terminal-bench/payhub/internal/engine"
	"github.com/terminal-bench/payhub/internal/gateway"
	"github.com/terminal-bench/payhub/internal/token"
)

const (
	custody = token.Address("engine-custody")
	admin   = token.Address("admin")
	company = token.Address("company")
	buyer   = token.Address("buyer")
	seller  = token.Address("seller")
	usdx    = token.Address("USDX")
)

type testEnv struct {
	gw      *gateway.Gateway
	bank    *token.Bank
	authsvc *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bank := token.NewBank(custody, token.NewMemoryNonceStore())
	eng, err := engine.New(engine.Config{Self: custody, Admin: admin, Payout: company},
		balance.NewMemoryStore(), bank, bank, nil)
	require.NoError(t, err)

	authsvc := auth.NewService("test-secret")
	gw := gateway.New(gateway.Config{RateLimitMax: 0}, eng, authsvc, nil)

	return &testEnv{gw: gw, bank: bank, authsvc: authsvc}
}

func (e *testEnv) request(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	e.gw.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) tokenFor(t *testing.T, addr token.Address, isAdmin bool) string {
	t.Helper()
	tok, err := e.authsvc.IssueToken(addr, isAdmin, time.Hour)
	require.NoError(t, err)
	return tok
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreatePayment(t *testing.T) {
	t.Run("should settle a payment and return the split", func(t *testing.T) {
		e := newTestEnv(t)
		e.bank.Mint(usdx, buyer, 1000)
		e.bank.Approve(usdx, buyer, custody, 1000)

		w := e.request(t, http.MethodPost, "/api/v1/payments", e.tokenFor(t, buyer, false), gin.H{
			"seller": string(seller), "token": string(usdx), "amount": "1000",
			"service_id": 7, "invoice_id": 42,
		})

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		body := decodeBody(t, w)
		assert.Equal(t, "950", body["seller_share"])
		assert.Equal(t, "50", body["company_share"])
	})

	t.Run("should settle a payment carrying a permit", func(t *testing.T) {
		e := newTestEnv(t)
		e.bank.Mint(usdx, buyer, 1000)
		e.bank.RegisterKey(buyer, []byte("buyer-key"))

		permit := token.Permit{
			Owner:    buyer,
			Spender:  custody,
			Token:    usdx,
			Value:    1000,
			Deadline: time.Now().Add(time.Hour),
		}
		sig, err := e.bank.SignPermit(context.Background(), permit)
		require.NoError(t, err)

		w := e.request(t, http.MethodPost, "/api/v1/payments", e.tokenFor(t, buyer, false), gin.H{
			"seller": string(seller), "token": string(usdx), "amount": "1000",
			"permit": gin.H{
				"owner":     string(permit.Owner),
				"spender":   string(permit.Spender),
				"token":     string(permit.Token),
				"value":     "1000",
				"deadline":  permit.Deadline,
				"signature": sig,
			},
		})

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, uint64(50), e.bank.BalanceOf(usdx, company))
	})

	t.Run("should require authentication", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.request(t, http.MethodPost, "/api/v1/payments", "", gin.H{
			"seller": string(seller), "token": string(usdx), "amount": "1000",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject a fractional amount", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.request(t, http.MethodPost, "/api/v1/payments", e.tokenFor(t, buyer, false), gin.H{
			"seller": string(seller), "token": string(usdx), "amount": "10.5",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_argument", decodeBody(t, w)["code"])
	})

	t.Run("should reject a negative amount", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.request(t, http.MethodPost, "/api/v1/payments", e.tokenFor(t, buyer, false), gin.H{
			"seller": string(seller), "token": string(usdx), "amount": "-5",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should map a failed pull to transfer_failed", func(t *testing.T) {
		e := newTestEnv(t)
		// No funds, no allowance.
		w := e.request(t, http.MethodPost, "/api/v1/payments", e.tokenFor(t, buyer, false), gin.H{
			"seller": string(seller), "token": string(usdx), "amount": "1000",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "transfer_failed", decodeBody(t, w)["code"])
	})
}

func TestCreateClaim(t *testing.T) {
	t.Run("should pay out the claimable balance", func(t *testing.T) {
		e := newTestEnv(t)
		e.bank.Mint(usdx, buyer, 1000)
		e.bank.Approve(usdx, buyer, custody, 1000)

		w := e.request(t, http.MethodPost, "/api/v1/payments", e.tokenFor(t, buyer, false), gin.H{
			"seller": string(seller), "token": string(usdx), "amount": "1000",
		})
		require.Equal(t, http.StatusCreated, w.Code)

		w = e.request(t, http.MethodPost, "/api/v1/claims", e.tokenFor(t, seller, false), gin.H{
			"token": string(usdx),
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "950", decodeBody(t, w)["amount"])
		assert.Equal(t, uint64(950), e.bank.BalanceOf(usdx, seller))
	})

	t.Run("should map an empty balance to nothing_to_claim", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.request(t, http.MethodPost, "/api/v1/claims", e.tokenFor(t, seller, false), gin.H{
			"token": string(usdx),
		})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "nothing_to_claim", decodeBody(t, w)["code"])
	})
}

func TestBalancesAndPolicy(t *testing.T) {
	t.Run("should expose balances without authentication", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.request(t, http.MethodGet, "/api/v1/balances/seller/USDX", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "0", decodeBody(t, w)["balance"])
	})

	t.Run("should expose the current policy", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.request(t, http.MethodGet, "/api/v1/policy", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, float64(500), body["commission_rate_bps"])
		assert.Equal(t, string(company), body["payout_address"])
	})
}

func TestPolicyAdministration(t *testing.T) {
	t.Run("should require an admin token", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.request(t, http.MethodPut, "/api/v1/policy/commission", e.tokenFor(t, buyer, false), gin.H{
			"rate_bps": 250,
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("should reject an admin token for the wrong address", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.request(t, http.MethodPut, "/api/v1/policy/commission", e.tokenFor(t, buyer, true), gin.H{
			"rate_bps": 250,
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "unauthorized", decodeBody(t, w)["code"])
	})

	t.Run("should update the commission rate", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.request(t, http.MethodPut, "/api/v1/policy/commission", e.tokenFor(t, admin, true), gin.H{
			"rate_bps": 250,
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = e.request(t, http.MethodGet, "/api/v1/policy", "", nil)
		assert.Equal(t, float64(250), decodeBody(t, w)["commission_rate_bps"])
	})

	t.Run("should map a rate above the cap to fee_too_high", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.request(t, http.MethodPut, "/api/v1/policy/commission", e.tokenFor(t, admin, true), gin.H{
			"rate_bps": 1001,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "fee_too_high", decodeBody(t, w)["code"])
	})

	t.Run("should accept a rate of zero", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.request(t, http.MethodPut, "/api/v1/policy/commission", e.tokenFor(t, admin, true), gin.H{
			"rate_bps": 0,
		})
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("should update the payout address", func(t *testing.T) {
		e := newTestEnv(t)
		w := e.request(t, http.MethodPut, "/api/v1/policy/payout", e.tokenFor(t, admin, true), gin.H{
			"address": "treasury-2",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = e.request(t, http.MethodGet, "/api/v1/policy", "", nil)
		assert.Equal(t, "treasury-2", decodeBody(t, w)["payout_address"])
	})
}
