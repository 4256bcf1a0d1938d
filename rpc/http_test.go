package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowledger/core"
	"escrowledger/core/events"
	"escrowledger/core/genesis"
	"escrowledger/crypto"
	"escrowledger/native/escrow"
	"escrowledger/native/fees"
	"escrowledger/storage"
	"escrowledger/storage/auditlog"
)

const testSecret = "unit-test-secret"

var (
	depositor   = crypto.DeriveAddress("test/depositor")
	beneficiary = crypto.DeriveAddress("test/beneficiary")
	arbiter     = crypto.DeriveAddress("test/arbiter")
	feeTreasury = crypto.DeriveAddress("test/treasury")
)

type testEnv struct {
	handler http.Handler
	node    *core.Node
	audit   *auditlog.Store
	hub     *events.Hub
	auth    AuthConfig
}

type rpcResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func newTestEnv(t *testing.T, limit RateLimitConfig) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	audit, err := auditlog.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	hub := events.NewHub(8)
	now := int64(1_700_000_000)
	node, err := core.NewNode(db,
		core.WithEmitter(events.Multi{audit, hub}),
		core.WithFeePolicy(fees.DefaultPolicy(feeTreasury)),
		core.WithClock(escrow.ClockFunc(func() int64 { return now })),
	)
	require.NoError(t, err)
	spec, err := genesis.NewGenesisSpec("2024-01-01T00:00:00Z", map[string]string{
		crypto.FromRaw(depositor).String(): "100000000",
	})
	require.NoError(t, err)
	_, err = node.ApplyGenesis(context.Background(), spec)
	require.NoError(t, err)

	auth := AuthConfig{HMACSecret: testSecret, Issuer: "escrowledger", Audience: "escrowd", MaxTTL: time.Hour}
	srv := NewServer(node, ServerConfig{Auth: auth, RateLimit: limit, AuditLog: audit, Events: hub})
	return &testEnv{handler: srv.Handler(), node: node, audit: audit, hub: hub, auth: auth}
}

func (e *testEnv) token(t *testing.T, caller [20]byte) string {
	t.Helper()
	tok, err := IssueToken(e.auth, caller, 10*time.Minute, time.Now())
	require.NoError(t, err)
	return tok
}

func (e *testEnv) call(t *testing.T, token, method string, params interface{}) (int, rpcResult) {
	t.Helper()
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 7, "method": method}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.raw(t, token, body)
}

func (e *testEnv) raw(t *testing.T, token string, body []byte) (int, rpcResult) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.RemoteAddr = "198.51.100.7:5555"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var out rpcResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func addr(raw [20]byte) string { return crypto.FromRaw(raw).String() }

func errorData(t *testing.T, res rpcResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, res.Error)
	data, ok := res.Error.Data.(map[string]interface{})
	require.True(t, ok, "error data: %#v", res.Error.Data)
	return data
}

func TestEscrowLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	depTok := env.token(t, depositor)

	status, res := env.call(t, depTok, "escrow_create", map[string]interface{}{
		"beneficiary": addr(beneficiary),
		"amount":      "10050000",
		"description": "logo design",
		"lockSeconds": 4200,
		"arbiter":     addr(arbiter),
	})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, res.Error)
	require.JSONEq(t, "7", string(res.ID))
	var created EscrowJSON
	require.NoError(t, json.Unmarshal(res.Result, &created))
	require.Equal(t, uint64(1), created.ID)
	require.Equal(t, "active", created.Status)
	require.Equal(t, addr(depositor), created.Depositor)
	require.NotNil(t, created.Arbiter)
	require.Equal(t, int64(1_700_004_200), created.TimelockUntil)

	_, res = env.call(t, "", "escrow_getCount", nil)
	require.JSONEq(t, "1", string(res.Result))
	_, res = env.call(t, "", "escrow_canRefund", map[string]interface{}{"id": 1})
	require.JSONEq(t, "false", string(res.Result))
	_, res = env.call(t, "", "escrow_getTimeUntilUnlock", map[string]interface{}{"id": 1})
	require.JSONEq(t, "4200", string(res.Result))

	status, res = env.call(t, depTok, "escrow_release", map[string]interface{}{"id": 1})
	require.Equal(t, http.StatusOK, status)
	var settled SettlementJSON
	require.NoError(t, json.Unmarshal(res.Result, &settled))
	require.Equal(t, Quantity(9_999_750), settled.Net)
	require.Equal(t, Quantity(50_250), settled.Fee)
	require.Equal(t, "released", settled.Escrow.Status)
	require.Equal(t, Quantity(0), settled.Escrow.Remaining)

	_, res = env.call(t, "", "bank_getBalance", map[string]interface{}{"address": addr(beneficiary)})
	require.JSONEq(t, `"9999750"`, string(res.Result))
	_, res = env.call(t, "", "bank_getBalance", map[string]interface{}{"address": addr(feeTreasury)})
	require.JSONEq(t, `"50250"`, string(res.Result))

	_, res = env.call(t, "", "escrow_getTotalStats", nil)
	var stats StatsJSON
	require.NoError(t, json.Unmarshal(res.Result, &stats))
	require.Equal(t, StatsJSON{TotalEscrows: 1, TotalVolume: 10_050_000, Completed: 1, FeesCollected: 50_250}, stats)

	status, res = env.call(t, depTok, "escrow_refund", map[string]interface{}{"id": 1})
	require.Equal(t, http.StatusConflict, status)
	data := errorData(t, res)
	require.EqualValues(t, escrow.CodeAlreadyReleased, data["code"])
	require.Equal(t, "already_released", data["reason"])
}

func TestDisputeOverRPC(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	depTok := env.token(t, depositor)
	_, res := env.call(t, depTok, "escrow_create", map[string]interface{}{
		"beneficiary": addr(beneficiary), "amount": 2_000_000, "arbiter": addr(arbiter),
	})
	require.Nil(t, res.Error)

	_, res = env.call(t, env.token(t, beneficiary), "escrow_raiseDispute", map[string]interface{}{"id": 1, "reason": "not delivered"})
	require.Nil(t, res.Error)
	var disputed EscrowJSON
	require.NoError(t, json.Unmarshal(res.Result, &disputed))
	require.Equal(t, "disputed", disputed.Status)
	require.Equal(t, "not delivered", disputed.DisputeReason)

	status, res := env.call(t, depTok, "escrow_resolveDispute", map[string]interface{}{"id": 1, "ruling": "mine", "favorBeneficiary": false})
	require.Equal(t, http.StatusForbidden, status)
	require.EqualValues(t, escrow.CodeUnauthorized, errorData(t, res)["code"])

	_, res = env.call(t, env.token(t, arbiter), "escrow_resolveDispute", map[string]interface{}{"id": 1, "ruling": "refund buyer", "favorBeneficiary": false})
	require.Nil(t, res.Error)
	var settled SettlementJSON
	require.NoError(t, json.Unmarshal(res.Result, &settled))
	require.Equal(t, "resolved", settled.Status)
	require.Equal(t, addr(depositor), settled.Recipient)
	require.NotNil(t, settled.Escrow.ResolvedFor)
	require.Equal(t, addr(depositor), *settled.Escrow.ResolvedFor)
}

func TestPartialReleaseAndListing(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	depTok := env.token(t, depositor)
	for i := 0; i < 3; i++ {
		_, res := env.call(t, depTok, "escrow_create", map[string]interface{}{"beneficiary": addr(beneficiary), "amount": "1000000"})
		require.Nil(t, res.Error)
	}
	_, res := env.call(t, depTok, "escrow_partialRelease", map[string]interface{}{"id": 2, "amount": "400000"})
	require.Nil(t, res.Error)
	_, res = env.call(t, "", "escrow_getRemaining", map[string]interface{}{"id": 2})
	require.JSONEq(t, `"600000"`, string(res.Result))

	status, res := env.call(t, depTok, "escrow_partialRelease", map[string]interface{}{"id": 2, "amount": "600001"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "insufficient_funds", errorData(t, res)["reason"])

	_, res = env.call(t, "", "escrow_list", map[string]interface{}{"offset": 1, "limit": 5})
	var page []EscrowJSON
	require.NoError(t, json.Unmarshal(res.Result, &page))
	require.Len(t, page, 2)
	require.Equal(t, uint64(2), page[0].ID)

	_, res = env.call(t, "", "escrow_list", map[string]interface{}{"party": addr(arbiter)})
	require.NoError(t, json.Unmarshal(res.Result, &page))
	require.Empty(t, page)

	_, res = env.call(t, "", "escrow_listEvents", map[string]interface{}{"escrowId": 2})
	require.Nil(t, res.Error)
	var events []auditlog.Record
	require.NoError(t, json.Unmarshal(res.Result, &events))
	require.Len(t, events, 2)
	require.Equal(t, escrow.EventTypeEscrowCreated, events[0].Type)
	require.Equal(t, escrow.EventTypeEscrowPartiallyReleased, events[1].Type)
}

func TestQueriesOnUnknownEscrow(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	status, res := env.call(t, "", "escrow_get", map[string]interface{}{"id": 99})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeEscrowError, res.Error.Code)
	require.Equal(t, "not_found", res.Error.Message)
}

func TestMutationsRequireToken(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	params := map[string]interface{}{"beneficiary": addr(beneficiary), "amount": "1"}

	status, res := env.call(t, "", "escrow_create", params)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, codeUnauthorized, res.Error.Code)

	status, _ = env.call(t, "not-a-jwt", "escrow_create", params)
	require.Equal(t, http.StatusUnauthorized, status)

	other := env.auth
	other.HMACSecret = "someone-else"
	forged, err := IssueToken(other, depositor, time.Minute, time.Now())
	require.NoError(t, err)
	status, _ = env.call(t, forged, "escrow_create", params)
	require.Equal(t, http.StatusUnauthorized, status)

	_, res = env.call(t, "", "escrow_getCount", nil)
	require.JSONEq(t, "0", string(res.Result))
}

func TestAuthenticatorClaims(t *testing.T) {
	cfg := AuthConfig{HMACSecret: testSecret, Issuer: "escrowledger", Audience: "escrowd", MaxTTL: time.Hour}
	auth := NewAuthenticator(cfg)
	issued := time.Unix(1_700_000_000, 0)
	auth.now = func() time.Time { return issued.Add(time.Minute) }

	request := func(token string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		return r
	}

	tok, err := IssueToken(cfg, depositor, 10*time.Minute, issued)
	require.NoError(t, err)
	caller, err := auth.Authenticate(request(tok))
	require.NoError(t, err)
	require.Equal(t, depositor, caller)

	long, err := IssueToken(cfg, depositor, 2*time.Hour, issued)
	require.NoError(t, err)
	_, err = auth.Authenticate(request(long))
	require.ErrorIs(t, err, errTokenLifetime)

	wrongIssuer := cfg
	wrongIssuer.Issuer = "someone"
	tok, err = IssueToken(wrongIssuer, depositor, time.Minute, issued)
	require.NoError(t, err)
	_, err = auth.Authenticate(request(tok))
	require.ErrorContains(t, err, "issuer")

	tok, err = IssueToken(cfg, depositor, time.Minute, issued.Add(-time.Hour))
	require.NoError(t, err)
	_, err = auth.Authenticate(request(tok))
	require.Error(t, err)

	_, err = auth.Authenticate(httptest.NewRequest(http.MethodPost, "/", nil))
	require.ErrorIs(t, err, errMissingToken)
}

func TestMalformedRequests(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	status, res := env.raw(t, "", []byte(`{not json`))
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeParseError, res.Error.Code)

	status, res = env.raw(t, "", []byte(`{"jsonrpc":"2.0","id":"abc","method":"escrow_nope"}`))
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeMethodNotFound, res.Error.Code)
	require.JSONEq(t, `"abc"`, string(res.ID))

	status, res = env.raw(t, "", []byte(`{"jsonrpc":"1.0","id":1,"method":"escrow_getCount"}`))
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeInvalidRequest, res.Error.Code)

	status, res = env.call(t, "", "escrow_get", map[string]interface{}{"id": 1, "extra": true})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeInvalidParams, res.Error.Code)

	status, res = env.call(t, "", "bank_getBalance", map[string]interface{}{"address": "esc1notvalid"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeInvalidParams, res.Error.Code)
}

func TestRateLimitRejectsBurst(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2})
	for i := 0; i < 2; i++ {
		status, _ := env.call(t, "", "escrow_getCount", nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, res := env.call(t, "", "escrow_getCount", nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, codeRateLimited, res.Error.Code)
}

func TestRequestIDAndRequestLog(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"escrow_getCount"}`))
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":2,"method":"escrow_getCount"}`)))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	n, err := env.audit.CountRequests(context.Background(), "escrow_getCount")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	env.call(t, "", "escrow_getCount", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "escrowledger_rpc_requests_total")
}

func TestQuantityAcceptsStringsAndNumbers(t *testing.T) {
	var q Quantity
	require.NoError(t, json.Unmarshal([]byte(`"18446744073709551615"`), &q))
	require.Equal(t, Quantity(^uint64(0)), q)
	require.NoError(t, json.Unmarshal([]byte(`42`), &q))
	require.Equal(t, Quantity(42), q)
	require.Error(t, json.Unmarshal([]byte(`"-1"`), &q))
	require.Error(t, json.Unmarshal([]byte(`""`), &q))

	out, err := json.Marshal(Quantity(5))
	require.NoError(t, err)
	require.Equal(t, `"5"`, string(out))
}
