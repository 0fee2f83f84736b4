/*
handlers_test.go - HTTP tests for the till API

Tests for:
- Full till lifecycle over HTTP (open, record, summary, close, reconciliation)
- Error kind to status mapping (400, 403, 404, 409)
- Strict request decoding
- Idempotency-Key handling
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/till-engine/observability/metrics"
	"github.com/warp/till-engine/till"
	"github.com/warp/till-engine/till/store"
	"github.com/warp/till-engine/till/tilltest"
)

type testServer struct {
	t       *testing.T
	router  *chi.Mux
	handler *Handler
	svc     *till.Service
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	clock := &tilltest.Clock{}
	svc := till.NewService(store.NewTxMemory(), till.WithClock(clock.Now))
	h := NewHandler(svc)
	router := NewRouter(h, RouterOptions{AllowedOrigins: []string{"http://localhost:5173"}, JWTSecret: secret})
	return &testServer{t: t, router: router, handler: h, svc: svc}
}

// identity is the dev-mode header set for a request.
type identity struct {
	tenant, user, role, terminal string
}

var (
	cashier = identity{tenant: "acme", user: "alice", role: "cashier", terminal: "T1"}
	manager = identity{tenant: "acme", user: "bob", role: "manager", terminal: "T1"}
)

func (ts *testServer) do(id identity, method, path string, body any, extra ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if id.tenant != "" {
		req.Header.Set(HeaderTenantID, id.tenant)
	}
	if id.user != "" {
		req.Header.Set(HeaderUserID, id.user)
	}
	if id.role != "" {
		req.Header.Set(HeaderRole, id.role)
	}
	if id.terminal != "" {
		req.Header.Set(HeaderTerminalID, id.terminal)
	}
	for i := 0; i+1 < len(extra); i += 2 {
		req.Header.Set(extra[i], extra[i+1])
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) registerTerminal(id identity) {
	ts.t.Helper()
	rec := ts.do(manager, http.MethodPost, "/api/terminals", RegisterTerminalRequest{ID: id.terminal, Name: "Counter"},
		HeaderTenantID, id.tenant)
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (ts *testServer) openTill(id identity, float string) TillDTO {
	ts.t.Helper()
	rec := ts.do(id, http.MethodPost, "/api/tills", map[string]any{"opening_float": float})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[TillDTO](ts.t, rec)
}

func (ts *testServer) record(id identity, tillID, kind, amount string, extra ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	return ts.do(id, http.MethodPost, "/api/tills/"+tillID+"/movements",
		map[string]any{"kind": kind, "amount": amount}, extra...)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestTillLifecycle_ExampleScenario(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerTerminal(cashier)

	// GIVEN: an open till with a 100.00 float
	opened := ts.openTill(cashier, "100.00")
	assert.Equal(t, "open", opened.Status)
	assert.Equal(t, "100.00", opened.OpeningFloat)
	assert.Equal(t, "alice", opened.OpenedByUserID)

	// WHEN: sale 50, refund 10, cash out 20
	for _, mv := range []struct{ kind, amount string }{
		{"sale", "50.00"}, {"refund", "10.00"}, {"cash_out", "20.00"},
	} {
		rec := ts.record(cashier, opened.ID, mv.kind, mv.amount)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	// THEN: the summary expects 120.00
	rec := ts.do(cashier, http.MethodGet, "/api/tills/"+opened.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[SummaryDTO](t, rec)
	assert.Equal(t, "120.00", sum.ExpectedCash)
	assert.Equal(t, "50.00", sum.Sales)
	assert.Equal(t, 3, sum.MovementCount)
	assert.Nil(t, sum.OverShort)

	// WHEN: closing with 125.00 counted
	rec = ts.do(cashier, http.MethodPost, "/api/tills/"+opened.ID+"/close",
		map[string]any{"closing_cash_actual": "125.00", "notes": "end of day"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closing := decode[CloseTillResponse](t, rec)

	// THEN: the till is closed 5.00 over
	assert.Equal(t, "closed", closing.Till.Status)
	require.NotNil(t, closing.Till.OverShort)
	assert.Equal(t, "5.00", *closing.Till.OverShort)
	require.NotNil(t, closing.Till.ExpectedCash)
	assert.Equal(t, "120.00", *closing.Till.ExpectedCash)
	assert.Equal(t, "end of day", closing.Till.ClosingNotes)
	assert.Equal(t, "over", closing.Summary.Result)

	// AND: the ledger replays to the stamped figures
	rec = ts.do(cashier, http.MethodGet, "/api/tills/"+opened.ID+"/reconciliation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decode[ReplayDTO](t, rec)
	assert.True(t, replay.Matches)
	assert.Equal(t, "120.00", replay.RecomputedExpected)

	// AND: the movements list in recording order
	rec = ts.do(cashier, http.MethodGet, "/api/tills/"+opened.ID+"/movements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	movements := decode[[]MovementDTO](t, rec)
	require.Len(t, movements, 3)
	assert.Equal(t, "sale", movements[0].Kind)
	assert.Equal(t, "cash_out", movements[2].Kind)
	assert.Less(t, movements[0].Seq, movements[2].Seq)
}

func TestOpenTill_ConflictCarriesExistingTill(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerTerminal(cashier)
	first := ts.openTill(cashier, "50.00")

	// WHEN: opening a second till on the same terminal
	rec := ts.do(cashier, http.MethodPost, "/api/tills", map[string]any{"opening_float": "10.00"})

	// THEN: 409 conflict naming the open till
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, till.CodeConflict, resp.Code)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, first.ID, details["existing_till_id"])
}

func TestRecordMovement_ClosedTill(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerTerminal(cashier)
	opened := ts.openTill(cashier, "20.00")
	rec := ts.do(cashier, http.MethodPost, "/api/tills/"+opened.ID+"/close", map[string]any{"closing_cash_actual": "20.00"})
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: recording after close
	rec = ts.record(cashier, opened.ID, "sale", "1.00")

	// THEN: 409 invalid_state
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, till.CodeInvalidState, decode[ErrorResponse](t, rec).Code)

	// AND: a second close is rejected the same way
	rec = ts.do(cashier, http.MethodPost, "/api/tills/"+opened.ID+"/close", map[string]any{"closing_cash_actual": "20.00"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetActiveTill(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerTerminal(cashier)

	rec := ts.do(cashier, http.MethodGet, "/api/tills/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ActiveTillResponse](t, rec).Active)

	opened := ts.openTill(cashier, "10.00")

	rec = ts.do(cashier, http.MethodGet, "/api/tills/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode[ActiveTillResponse](t, rec)
	assert.True(t, active.Active)
	require.NotNil(t, active.Till)
	assert.Equal(t, opened.ID, active.Till.ID)
}

func TestListTills_History(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerTerminal(cashier)
	first := ts.openTill(cashier, "10.00")
	ts.do(cashier, http.MethodPost, "/api/tills/"+first.ID+"/close", map[string]any{"closing_cash_actual": "10.00"})
	second := ts.openTill(cashier, "15.00")

	rec := ts.do(cashier, http.MethodGet, "/api/tills?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tills := decode[[]TillDTO](t, rec)
	require.Len(t, tills, 2)
	assert.Equal(t, second.ID, tills[0].ID, "newest first")

	rec = ts.do(cashier, http.MethodGet, "/api/tills?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestValidationErrors(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerTerminal(cashier)
	opened := ts.openTill(cashier, "10.00")
	movements := "/api/tills/" + opened.ID + "/movements"

	tests := []struct {
		name  string
		id    identity
		path  string
		body  any
		field string
	}{
		{"unknown field", cashier, movements, `{"kind":"sale","amount":"1.00","colour":"red"}`, "body"},
		{"trailing data", cashier, movements, `{"kind":"sale","amount":"1.00"} {}`, "body"},
		{"empty body", cashier, movements, ``, "body"},
		{"missing amount", cashier, movements, map[string]any{"kind": "sale"}, "amount"},
		{"unknown kind", cashier, movements, map[string]any{"kind": "tip", "amount": "1.00"}, "kind"},
		{"zero amount", cashier, movements, map[string]any{"kind": "sale", "amount": "0"}, "amount"},
		{"negative amount", cashier, movements, map[string]any{"kind": "sale", "amount": "-1.00"}, "amount"},
		{"sub-cent amount", cashier, movements, map[string]any{"kind": "sale", "amount": "0.001"}, "amount"},
		{"huge exponent", cashier, movements, `{"kind":"sale","amount":"1e2000000"}`, "amount"},
		{"tiny exponent", cashier, movements, `{"kind":"sale","amount":"1e-2000000"}`, "amount"},
		{"above maximum", cashier, movements, map[string]any{"kind": "sale", "amount": "10000000000000000.00"}, "amount"},
		{"missing float", identity{tenant: "acme", user: "alice", terminal: "T2"}, "/api/tills", map[string]any{}, "opening_float"},
		{"missing terminal", identity{tenant: "acme", user: "alice"}, "/api/tills", map[string]any{"opening_float": "1.00"}, ""},
		{"missing tenant", identity{user: "alice", terminal: "T1"}, "/api/tills", map[string]any{"opening_float": "1.00"}, ""},
		{"missing user", identity{tenant: "acme", terminal: "T1"}, "/api/tills", map[string]any{"opening_float": "1.00"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.id, http.MethodPost, tt.path, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, till.CodeValidation, resp.Code)
			if tt.field != "" {
				details, ok := resp.Details.(map[string]any)
				require.True(t, ok)
				assert.Equal(t, tt.field, details["field"])
			}
		})
	}

	// Nothing was recorded by the rejected requests.
	rec := ts.do(cashier, http.MethodGet, "/api/tills/"+opened.ID+"/summary", nil)
	assert.Equal(t, 0, decode[SummaryDTO](t, rec).MovementCount)
}

func TestNumericAmountsAreExact(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerTerminal(cashier)
	opened := ts.openTill(cashier, "0.00")

	// GIVEN: amounts sent as JSON numbers
	for i := 0; i < 3; i++ {
		rec := ts.do(cashier, http.MethodPost, "/api/tills/"+opened.ID+"/movements", `{"kind":"sale","amount":0.1}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	// THEN: they sum exactly
	rec := ts.do(cashier, http.MethodGet, "/api/tills/"+opened.ID+"/summary", nil)
	assert.Equal(t, "0.30", decode[SummaryDTO](t, rec).ExpectedCash)
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerTerminal(cashier)

	for _, path := range []string{"/api/tills/nope", "/api/tills/nope/summary", "/api/tills/nope/movements"} {
		rec := ts.do(cashier, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, till.CodeNotFound, decode[ErrorResponse](t, rec).Code)
	}

	// Opening on an unregistered terminal
	rec := ts.do(identity{tenant: "acme", user: "alice", terminal: "ghost"}, http.MethodPost, "/api/tills",
		map[string]any{"opening_float": "1.00"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScopeIsolation(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerTerminal(cashier)
	opened := ts.openTill(cashier, "10.00")

	intruder := identity{tenant: "globex", user: "mallory", terminal: "T1"}

	// WHEN: another tenant reads or writes the till
	rec := ts.do(intruder, http.MethodGet, "/api/tills/"+opened.ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.record(intruder, opened.ID, "sale", "5.00")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(intruder, http.MethodPost, "/api/tills/"+opened.ID+"/close", map[string]any{"closing_cash_actual": "0.00"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// THEN: the till is untouched
	rec = ts.do(cashier, http.MethodGet, "/api/tills/"+opened.ID+"/summary", nil)
	sum := decode[SummaryDTO](t, rec)
	assert.Equal(t, "open", sum.Status)
	assert.Equal(t, 0, sum.MovementCount)
}

func TestRegisterTerminal_RequiresManager(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(cashier, http.MethodPost, "/api/terminals", RegisterTerminalRequest{ID: "T9", Name: "Back"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(manager, http.MethodPost, "/api/terminals", RegisterTerminalRequest{ID: "T9", Name: "Back"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(manager, http.MethodPost, "/api/terminals", RegisterTerminalRequest{ID: "T9", Name: "Again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(cashier, http.MethodGet, "/api/terminals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	terminals := decode[[]TerminalDTO](t, rec)
	require.Len(t, terminals, 1)
	assert.Equal(t, "T9", terminals[0].ID)
}

func TestReconciliation_OpenTill(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerTerminal(cashier)
	opened := ts.openTill(cashier, "10.00")

	rec := ts.do(cashier, http.MethodGet, "/api/tills/"+opened.ID+"/reconciliation", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, till.CodeInvalidState, decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestRecordMovement_IdempotencyKey(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerTerminal(cashier)
	opened := ts.openTill(cashier, "0.00")

	// GIVEN: a movement recorded with a key
	rec := ts.record(cashier, opened.ID, "sale", "9.99", HeaderIdempotencyKey, "receipt-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "receipt-1", decode[RecordMovementResponse](t, rec).Movement.IdempotencyKey)

	// WHEN: the same key is retried
	rec = ts.record(cashier, opened.ID, "sale", "9.99", HeaderIdempotencyKey, "receipt-1")

	// THEN: conflict, and the ledger holds one movement
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = ts.do(cashier, http.MethodGet, "/api/tills/"+opened.ID+"/summary", nil)
	sum := decode[SummaryDTO](t, rec)
	assert.Equal(t, 1, sum.MovementCount)
	assert.Equal(t, "9.99", sum.ExpectedCash)

	// AND: header and body must agree
	rec = ts.do(cashier, http.MethodPost, "/api/tills/"+opened.ID+"/movements",
		map[string]any{"kind": "sale", "amount": "1.00", "idempotency_key": "receipt-2"},
		HeaderIdempotencyKey, "receipt-3")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(identity{}, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.handler.Ping = func(context.Context) error { return errors.New("db gone") }
	rec = ts.do(identity{}, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(identity{}, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics_EveryTillReadIsObserved(t *testing.T) {
	metrics.Init()
	ts := newTestServer(t, "")
	ts.registerTerminal(cashier)
	opened := ts.openTill(cashier, "10.00")

	// GIVEN: one call to each read endpoint, plus a rejected history query
	for _, path := range []string{
		"/api/tills/" + opened.ID,
		"/api/tills/" + opened.ID + "/movements",
		"/api/tills/" + opened.ID + "/reconciliation",
	} {
		ts.do(cashier, http.MethodGet, path, nil)
	}
	rec := ts.do(cashier, http.MethodGet, "/api/tills?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN: the metrics are scraped
	rec = ts.do(identity{}, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// THEN: each operation has a sample, including the validation failure
	body := rec.Body.String()
	assert.Contains(t, body, `operation="get_till"`)
	assert.Contains(t, body, `operation="list_movements"`)
	assert.Contains(t, body, `operation="replay_till"`)
	assert.Contains(t, body, `operation="list_tills",result="validation"`)
}
