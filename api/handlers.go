/*
handlers.go - HTTP API handlers for till sessions

PURPOSE:
  Exposes the till engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to till.Service.

ENDPOINTS:
  Terminals:
    GET    /api/terminals                 List the tenant's terminals
    POST   /api/terminals                 Register a terminal (manager+)

  Tills (terminal from X-Terminal-ID):
    POST   /api/tills                     Open a till on the terminal
    GET    /api/tills                     Session history, newest first (?limit=)
    GET    /api/tills/active              The terminal's open till, if any

  Till by id:
    GET    /api/tills/{id}                Session details
    GET    /api/tills/{id}/summary        Live or closed summary
    GET    /api/tills/{id}/movements      Ledger in recording order
    POST   /api/tills/{id}/movements      Record a movement (Idempotency-Key)
    POST   /api/tills/{id}/close          Close with the counted cash
    GET    /api/tills/{id}/reconciliation Replay a closed till's ledger

REQUEST FLOW:
  1. Build till.Scope from the request (scope.go)
  2. Decode and convert the body (dto.go)
  3. Call till.Service
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  Errors are returned as ErrorResponse with a machine-readable code:
  - 400 validation:     malformed input, missing identifiers
  - 403 forbidden:      terminal or till outside the caller's scope
  - 404 not_found:      unknown till or terminal
  - 409 conflict:       terminal already has an open till, duplicate key
  - 409 invalid_state:  movement or close against a closed till
  - 500 internal:       logged; details are not returned

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - till/service.go: Operations
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warp/till-engine/observability/metrics"
	"github.com/warp/till-engine/observability/tracing"
	"github.com/warp/till-engine/till"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Tills  *till.Service
	Logger *log.Logger

	// Ping reports store health for /healthz. Optional.
	Ping func(ctx context.Context) error
}

// NewHandler creates a new handler for the given service.
func NewHandler(svc *till.Service) *Handler {
	return &Handler{
		Tills:  svc,
		Logger: log.Default(),
	}
}

const defaultHistoryLimit = 50

// =============================================================================
// HEALTH
// =============================================================================

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			h.Logger.Printf("[API] health check failed: %v", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable", "store unavailable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// TERMINAL ENDPOINTS
// =============================================================================

// ListTerminals handles GET /api/terminals
func (h *Handler) ListTerminals(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	terminals, err := h.Tills.Terminals(r.Context(), ScopeFromRequest(r))
	h.observe("list_terminals", start, err)
	if err != nil {
		h.writeTillError(w, "list terminals", err)
		return
	}

	out := make([]TerminalDTO, 0, len(terminals))
	for _, t := range terminals {
		out = append(out, toTerminalDTO(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// RegisterTerminal handles POST /api/terminals
func (h *Handler) RegisterTerminal(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req RegisterTerminalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.observe("register_terminal", start, err)
		h.writeTillError(w, "register terminal", err)
		return
	}

	t, err := h.Tills.RegisterTerminal(r.Context(), ScopeFromRequest(r), till.TerminalID(strings.TrimSpace(req.ID)), req.Name)
	h.observe("register_terminal", start, err)
	if err != nil {
		h.writeTillError(w, "register terminal", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTerminalDTO(t))
}

// =============================================================================
// TILL ENDPOINTS
// =============================================================================

// OpenTill handles POST /api/tills
func (h *Handler) OpenTill(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sess, err := h.openTill(w, r)
	h.observe("open_till", start, err)
	if err != nil {
		h.writeTillError(w, "open till", err)
		return
	}
	tracing.Annotate(r.Context(), attribute.String("till.id", string(sess.ID)))
	writeJSON(w, http.StatusCreated, toTillDTO(sess))
}

func (h *Handler) openTill(w http.ResponseWriter, r *http.Request) (till.TillSession, error) {
	var req OpenTillRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return till.TillSession{}, err
	}
	openingFloat, err := requiredMoney("opening_float", req.OpeningFloat)
	if err != nil {
		return till.TillSession{}, err
	}
	return h.Tills.OpenTill(r.Context(), ScopeFromRequest(r), till.OpenInput{
		OpeningFloat: openingFloat,
		Notes:        req.Notes,
	})
}

// GetActiveTill handles GET /api/tills/active
func (h *Handler) GetActiveTill(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sess, ok, err := h.Tills.ActiveTill(r.Context(), ScopeFromRequest(r))
	h.observe("get_active_till", start, err)
	if err != nil {
		h.writeTillError(w, "get active till", err)
		return
	}

	resp := ActiveTillResponse{Active: ok}
	if ok {
		dto := toTillDTO(sess)
		resp.Till = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListTills handles GET /api/tills
func (h *Handler) ListTills(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessions, err := h.listTills(r)
	h.observe("list_tills", start, err)
	if err != nil {
		h.writeTillError(w, "list tills", err)
		return
	}
	writeJSON(w, http.StatusOK, toTillDTOs(sessions))
}

func (h *Handler) listTills(r *http.Request) ([]till.TillSession, error) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &till.ValidationError{Field: "limit", Reason: "must be an integer"}
		}
		limit = n
	}
	return h.Tills.TillHistory(r.Context(), ScopeFromRequest(r), limit)
}

// GetTill handles GET /api/tills/{id}
func (h *Handler) GetTill(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sess, err := h.Tills.GetTill(r.Context(), ScopeFromRequest(r), tillID(r))
	h.observe("get_till", start, err)
	if err != nil {
		h.writeTillError(w, "get till", err)
		return
	}
	writeJSON(w, http.StatusOK, toTillDTO(sess))
}

// GetSummary handles GET /api/tills/{id}/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sum, err := h.Tills.Summary(r.Context(), ScopeFromRequest(r), tillID(r))
	h.observe("get_till_summary", start, err)
	if err != nil {
		h.writeTillError(w, "get till summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(sum))
}

// ListMovements handles GET /api/tills/{id}/movements
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	movements, err := h.Tills.Movements(r.Context(), ScopeFromRequest(r), tillID(r))
	h.observe("list_movements", start, err)
	if err != nil {
		h.writeTillError(w, "list movements", err)
		return
	}

	out := make([]MovementDTO, 0, len(movements))
	for _, m := range movements {
		out = append(out, toMovementDTO(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// RecordMovement handles POST /api/tills/{id}/movements
//
// The idempotency key may come from the Idempotency-Key header or the body;
// when both are present they must agree.
func (h *Handler) RecordMovement(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := tillID(r)
	tracing.Annotate(r.Context(), attribute.String("till.id", string(id)))

	var req RecordMovementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.observe("record_movement", start, err)
		h.writeTillError(w, "record movement", err)
		return
	}

	rec, err := h.recordMovement(r, id, req)
	h.observe("record_movement", start, err)
	metrics.IncMovement(kindLabel(req.Kind), resultOf(err))
	if err != nil {
		h.writeTillError(w, "record movement", err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordMovementResponse{
		Movement: toMovementDTO(rec.Movement),
		Summary:  toSummaryDTO(rec.Summary),
	})
}

func (h *Handler) recordMovement(r *http.Request, id till.TillID, req RecordMovementRequest) (till.Recorded, error) {
	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if req.IdempotencyKey != "" {
		if key != "" && key != req.IdempotencyKey {
			return till.Recorded{}, &till.ValidationError{Field: "idempotency_key", Reason: "header and body disagree"}
		}
		key = req.IdempotencyKey
	}
	amount, err := requiredMoney("amount", req.Amount)
	if err != nil {
		return till.Recorded{}, err
	}
	return h.Tills.RecordMovement(r.Context(), ScopeFromRequest(r), id, till.MovementInput{
		Kind:           till.Kind(req.Kind),
		Amount:         amount,
		Reference:      req.Reference,
		Notes:          req.Notes,
		IdempotencyKey: key,
	})
}

// CloseTill handles POST /api/tills/{id}/close
func (h *Handler) CloseTill(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := tillID(r)
	tracing.Annotate(r.Context(), attribute.String("till.id", string(id)))

	closing, err := h.closeTill(w, r, id)
	h.observe("close_till", start, err)
	if err != nil {
		h.writeTillError(w, "close till", err)
		return
	}

	if closing.Summary.OverShort != nil {
		metrics.ObserveOverShort(string(closing.Summary.Result), closing.Summary.OverShort.Float64())
	}
	writeJSON(w, http.StatusOK, CloseTillResponse{
		Till:    toTillDTO(closing.Session),
		Summary: toSummaryDTO(closing.Summary),
	})
}

func (h *Handler) closeTill(w http.ResponseWriter, r *http.Request, id till.TillID) (till.Closing, error) {
	var req CloseTillRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return till.Closing{}, err
	}
	counted, err := requiredMoney("closing_cash_actual", req.ClosingCashActual)
	if err != nil {
		return till.Closing{}, err
	}
	return h.Tills.CloseTill(r.Context(), ScopeFromRequest(r), id, till.CloseInput{
		ClosingCashActual: counted,
		Notes:             req.Notes,
	})
}

// GetReconciliation handles GET /api/tills/{id}/reconciliation
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	report, err := h.Tills.Replay(r.Context(), ScopeFromRequest(r), tillID(r))
	h.observe("replay_till", start, err)
	if err != nil {
		h.writeTillError(w, "replay till", err)
		return
	}
	if !report.Matches {
		h.Logger.Printf("[API] till %s replay mismatch: stored expected %s, recomputed %s",
			report.TillID, report.StoredExpected, report.Recomputed)
	}
	writeJSON(w, http.StatusOK, toReplayDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func tillID(r *http.Request) till.TillID {
	return till.TillID(chi.URLParam(r, "id"))
}

// kindLabel bounds metric label values to the known kinds.
func kindLabel(raw string) string {
	if k, ok := till.ParseKind(raw); ok {
		return string(k)
	}
	return "invalid"
}

func resultOf(err error) string {
	if err == nil {
		return metrics.ResultSuccess
	}
	return till.KindOf(err)
}

func (h *Handler) observe(op string, start time.Time, err error) {
	metrics.ObserveOperation(op, resultOf(err), time.Since(start))
}

// statusFor maps a till error kind to an HTTP status.
func statusFor(err error) int {
	switch till.KindOf(err) {
	case till.CodeValidation:
		return http.StatusBadRequest
	case till.CodeScope:
		return http.StatusForbidden
	case till.CodeNotFound:
		return http.StatusNotFound
	case till.CodeConflict, till.CodeInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorDetails exposes structured fields clients act on.
func errorDetails(err error) any {
	var conflict *till.ConflictError
	if errors.As(err, &conflict) && conflict.ExistingTillID != "" {
		return map[string]string{
			"terminal_id":      string(conflict.TerminalID),
			"existing_till_id": string(conflict.ExistingTillID),
		}
	}
	var invalid *till.InvalidStateError
	if errors.As(err, &invalid) {
		return map[string]string{
			"till_id": string(invalid.TillID),
			"status":  string(invalid.Status),
		}
	}
	var validation *till.ValidationError
	if errors.As(err, &validation) && validation.Field != "" {
		return map[string]string{"field": validation.Field}
	}
	return nil
}

func (h *Handler) writeTillError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Printf("[API] %s failed: %v", op, err)
		writeError(w, status, till.CodeInternal, "internal error", nil)
		return
	}
	writeError(w, status, till.KindOf(err), err.Error(), errorDetails(err))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
