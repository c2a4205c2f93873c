package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/optionclear/custody/internal/auth"
	"github.com/optionclear/custody/internal/engine"
	"github.com/optionclear/custody/internal/ledger/memory"
)

type testServer struct {
	srv   *httptest.Server
	store *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	eng := engine.New(store, zap.NewNop())
	authService := auth.New(store, "test-secret", time.Hour)
	handler := NewHandler(eng, authService, zap.NewNop())

	r := chi.NewRouter()
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/accounts", handler.InitializeAccount)
		r.Post("/escrow", handler.InitializeEscrow)
		r.Post("/escrow/deposit", handler.Deposit)
		r.Post("/escrow/withdraw", handler.Withdraw)
		r.Get("/escrow", handler.GetEscrow)
		r.Post("/contracts", handler.CreateContract)
		r.Get("/contracts", handler.ListContracts)
		r.Post("/contracts/{buyer}/{seller}/{seq}/exercise", handler.Exercise)
		r.Post("/contracts/{buyer}/{seller}/{seq}/settle", handler.Settle)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (ts *testServer) doList(t *testing.T, path, token string) (int, []map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out []map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// signup registers and logs a user in, credits their wallet and sets up both
// sub-accounts through the API.
func (ts *testServer) signup(t *testing.T, username string, wallet uint64) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "password"}
	status, _ := ts.do(t, http.MethodPost, "/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, status)

	status, body := ts.do(t, http.MethodPost, "/auth/login", "", creds)
	require.Equal(t, http.StatusOK, status)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	u, err := ts.store.GetUserByUsername(context.Background(), username)
	require.NoError(t, err)
	require.NoError(t, ts.store.CreditWallet(context.Background(), u.ID, wallet))

	status, _ = ts.do(t, http.MethodPost, "/accounts", token, nil)
	require.Equal(t, http.StatusCreated, status)
	status, _ = ts.do(t, http.MethodPost, "/escrow", token, nil)
	require.Equal(t, http.StatusCreated, status)
	return token
}

func TestAuthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "alice", "password": "password",
	})
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "alice", body["username"])

	status, body = ts.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid credentials", body["error"])

	status, _ = ts.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "", "password": "password",
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodPost, "/escrow/deposit", "", map[string]uint64{"amount": 1})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Authorization header required", body["error"])

	status, _ = ts.do(t, http.MethodPost, "/escrow/deposit", "not-a-token", map[string]uint64{"amount": 1})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestEscrowEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signup(t, "alice", 3_000_000_000)

	// Double initialization is rejected with the stable code.
	status, body := ts.do(t, http.MethodPost, "/escrow", token, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "ALREADY_INITIALIZED", body["code"])

	status, _ = ts.do(t, http.MethodPost, "/escrow/deposit", token, map[string]uint64{"amount": 2_500_000_000})
	assert.Equal(t, http.StatusOK, status)

	status, body = ts.do(t, http.MethodGet, "/escrow", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2_500_000_000), body["escrow_balance"])
	assert.Equal(t, "2.5", body["escrow_sol"])
	assert.Equal(t, float64(500_000_000), body["wallet_balance"])
	assert.Equal(t, "0.5", body["wallet_sol"])

	status, body = ts.do(t, http.MethodPost, "/escrow/deposit", token, map[string]uint64{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_DEPOSIT_AMOUNT", body["code"])

	status, body = ts.do(t, http.MethodPost, "/escrow/withdraw", token, map[string]uint64{"amount": 9_000_000_000})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INSUFFICIENT_BALANCE", body["code"])

	status, _ = ts.do(t, http.MethodPost, "/escrow/withdraw", token, map[string]uint64{"amount": 500_000_000})
	assert.Equal(t, http.StatusOK, status)
}

func TestContractLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	buyerToken := ts.signup(t, "buyer", 2_000_000_000)
	sellerToken := ts.signup(t, "seller", 4_000_000_000)

	status, _ := ts.do(t, http.MethodPost, "/escrow/deposit", buyerToken, map[string]uint64{"amount": 1_000_000_000})
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, http.MethodPost, "/escrow/deposit", sellerToken, map[string]uint64{"amount": 3_000_000_000})
	require.Equal(t, http.StatusOK, status)

	seller, err := ts.store.GetUserByUsername(context.Background(), "seller")
	require.NoError(t, err)

	create := map[string]interface{}{
		"seller_id":              seller.ID,
		"underlying_asset":       "TSLA",
		"num_units":              1,
		"strike_price":           100,
		"expiration_date":        time.Now().Add(time.Hour).Unix(),
		"option_type":            "call",
		"premium":                10,
		"margin_requirement_bps": 5000,
		"is_test":                true,
	}
	status, body := ts.do(t, http.MethodPost, "/contracts", buyerToken, create)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, float64(50), body["margin_amount"])

	ref := body["ref"].(map[string]interface{})
	base := fmt.Sprintf("/contracts/%.0f/%.0f/%.0f", ref["buyer"], ref["seller"], ref["seq"])

	// Both parties see the contract.
	status, contracts := ts.doList(t, "/contracts", sellerToken)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, contracts, 1)
	assert.Equal(t, "TSLA", contracts[0]["underlying_asset"])

	// Seller cannot exercise.
	prices := map[string]uint64{"underlying_price_usd": 150, "sol_price_usd": 50}
	status, body = ts.do(t, http.MethodPost, base+"/exercise", sellerToken, prices)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "UNAUTHORIZED_EXERCISE", body["code"])

	status, body = ts.do(t, http.MethodPost, base+"/exercise", buyerToken, prices)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "exercised", body["status"])
	assert.Equal(t, float64(1_000_000_000), body["seller_pending_balance"])
	assert.Equal(t, "1", body["pending_sol"])

	// Settlement is open to any authenticated caller.
	status, body = ts.do(t, http.MethodPost, base+"/settle", sellerToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "settled", body["status"])

	status, body = ts.do(t, http.MethodPost, base+"/settle", sellerToken, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NOT_EXERCISED", body["code"])
}

func TestContractErrorStatuses(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signup(t, "alice", 1_000_000_000)

	status, body := ts.do(t, http.MethodPost, "/contracts/1/2/999/exercise", token, map[string]uint64{
		"underlying_price_usd": 150, "sol_price_usd": 50,
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "CONTRACT_NOT_FOUND", body["code"])

	status, _ = ts.do(t, http.MethodPost, "/contracts/x/y/z/settle", token, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ts.do(t, http.MethodPost, "/contracts", token, map[string]interface{}{
		"seller_id":        42,
		"underlying_asset": "TSLA",
		"option_type":      "call",
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "ACCOUNT_NOT_FOUND", body["code"])
}
