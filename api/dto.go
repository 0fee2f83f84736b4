/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the till domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal strings with two places ("120.00") in responses.
  Requests accept either a JSON string or a JSON number; both are parsed
  as exact decimals, never through float64.

DECODING:
  Request bodies are decoded strictly: unknown fields and trailing data are
  validation errors.
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/till-engine/till"
)

// =============================================================================
// REQUESTS
// =============================================================================

type RegisterTerminalRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type OpenTillRequest struct {
	OpeningFloat *decimal.Decimal `json:"opening_float"`
	Notes        string           `json:"notes"`
}

type RecordMovementRequest struct {
	Kind           string           `json:"kind"`
	Amount         *decimal.Decimal `json:"amount"`
	Reference      string           `json:"reference"`
	Notes          string           `json:"notes"`
	IdempotencyKey string           `json:"idempotency_key"`
}

type CloseTillRequest struct {
	ClosingCashActual *decimal.Decimal `json:"closing_cash_actual"`
	Notes             string           `json:"notes"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type TerminalDTO struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type TillDTO struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	TerminalID     string    `json:"terminal_id"`
	Status         string    `json:"status"`
	OpenedByUserID string    `json:"opened_by_user_id"`
	OpenedAt       time.Time `json:"opened_at"`
	OpeningFloat   string    `json:"opening_float"`
	Notes          string    `json:"notes,omitempty"`

	ClosedByUserID    string     `json:"closed_by_user_id,omitempty"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	ClosingCashActual *string    `json:"closing_cash_actual,omitempty"`
	ExpectedCash      *string    `json:"expected_cash,omitempty"`
	OverShort         *string    `json:"over_short,omitempty"`
	ClosingNotes      string     `json:"closing_notes,omitempty"`
}

type MovementDTO struct {
	ID             string    `json:"id"`
	TillID         string    `json:"till_id"`
	Seq            int64     `json:"seq"`
	Kind           string    `json:"kind"`
	Amount         string    `json:"amount"`
	Reference      string    `json:"reference,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	RecordedBy     string    `json:"recorded_by"`
	RecordedAt     time.Time `json:"recorded_at"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

type SummaryDTO struct {
	TillID            string  `json:"till_id"`
	TerminalID        string  `json:"terminal_id"`
	Status            string  `json:"status"`
	OpeningFloat      string  `json:"opening_float"`
	Sales             string  `json:"sales"`
	Refunds           string  `json:"refunds"`
	CashIn            string  `json:"cash_in"`
	CashOut           string  `json:"cash_out"`
	Payouts           string  `json:"payouts"`
	ExpectedCash      string  `json:"expected_cash"`
	MovementCount     int     `json:"movement_count"`
	ClosingCashActual *string `json:"closing_cash_actual,omitempty"`
	OverShort         *string `json:"over_short,omitempty"`
	Result            string  `json:"result,omitempty"`
}

type ReplayDTO struct {
	TillID              string `json:"till_id"`
	RecomputedExpected  string `json:"recomputed_expected"`
	RecomputedOverShort string `json:"recomputed_over_short"`
	StoredExpected      string `json:"stored_expected"`
	StoredOverShort     string `json:"stored_over_short"`
	ClosingCashActual   string `json:"closing_cash_actual"`
	Matches             bool   `json:"matches"`
}

type ActiveTillResponse struct {
	Active bool     `json:"active"`
	Till   *TillDTO `json:"till,omitempty"`
}

type RecordMovementResponse struct {
	Movement MovementDTO `json:"movement"`
	Summary  SummaryDTO  `json:"summary"`
}

type CloseTillResponse struct {
	Till    TillDTO    `json:"till"`
	Summary SummaryDTO `json:"summary"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func moneyPtr(m *till.Money) *string {
	if m == nil {
		return nil
	}
	s := m.String()
	return &s
}

func toTerminalDTO(t till.Terminal) TerminalDTO {
	return TerminalDTO{
		ID:        string(t.ID),
		TenantID:  string(t.TenantID),
		Name:      t.Name,
		CreatedAt: t.CreatedAt,
	}
}

func toTillDTO(s till.TillSession) TillDTO {
	return TillDTO{
		ID:                string(s.ID),
		TenantID:          string(s.TenantID),
		TerminalID:        string(s.TerminalID),
		Status:            string(s.Status),
		OpenedByUserID:    string(s.OpenedByUserID),
		OpenedAt:          s.OpenedAt,
		OpeningFloat:      s.OpeningFloat.String(),
		Notes:             s.Notes,
		ClosedByUserID:    string(s.ClosedByUserID),
		ClosedAt:          s.ClosedAt,
		ClosingCashActual: moneyPtr(s.ClosingCashActual),
		ExpectedCash:      moneyPtr(s.ExpectedCash),
		OverShort:         moneyPtr(s.OverShort),
		ClosingNotes:      s.ClosingNotes,
	}
}

func toTillDTOs(sessions []till.TillSession) []TillDTO {
	out := make([]TillDTO, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toTillDTO(s))
	}
	return out
}

func toMovementDTO(m till.Movement) MovementDTO {
	return MovementDTO{
		ID:             string(m.ID),
		TillID:         string(m.TillID),
		Seq:            m.Seq,
		Kind:           string(m.Kind),
		Amount:         m.Amount.String(),
		Reference:      m.Reference,
		Notes:          m.Notes,
		RecordedBy:     string(m.RecordedBy),
		RecordedAt:     m.RecordedAt,
		IdempotencyKey: m.IdempotencyKey,
	}
}

func toSummaryDTO(s till.Summary) SummaryDTO {
	return SummaryDTO{
		TillID:            string(s.TillID),
		TerminalID:        string(s.TerminalID),
		Status:            string(s.Status),
		OpeningFloat:      s.OpeningFloat.String(),
		Sales:             s.Sales.String(),
		Refunds:           s.Refunds.String(),
		CashIn:            s.CashIn.String(),
		CashOut:           s.CashOut.String(),
		Payouts:           s.Payouts.String(),
		ExpectedCash:      s.ExpectedCash.String(),
		MovementCount:     s.MovementCount,
		ClosingCashActual: moneyPtr(s.ClosingCashActual),
		OverShort:         moneyPtr(s.OverShort),
		Result:            string(s.Result),
	}
}

func toReplayDTO(r till.ReplayReport) ReplayDTO {
	return ReplayDTO{
		TillID:              string(r.TillID),
		RecomputedExpected:  r.Recomputed.String(),
		RecomputedOverShort: r.RecomputedOver.String(),
		StoredExpected:      r.StoredExpected.String(),
		StoredOverShort:     r.StoredOverShort.String(),
		ClosingCashActual:   r.ClosingCashActual.String(),
		Matches:             r.Matches,
	}
}

// requiredMoney converts a decoded amount, rejecting an absent field.
func requiredMoney(field string, d *decimal.Decimal) (till.Money, error) {
	if d == nil {
		return till.Money{}, &till.ValidationError{Field: field, Reason: "is required"}
	}
	return till.NewMoney(*d), nil
}

// =============================================================================
// DECODING
// =============================================================================

const maxBodyBytes = 1 << 20

// decodeJSON strictly decodes the request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &till.ValidationError{Field: "body", Reason: "is empty"}
		}
		return &till.ValidationError{Field: "body", Reason: err.Error()}
	}
	if dec.More() {
		return &till.ValidationError{Field: "body", Reason: "must contain a single JSON object"}
	}
	return nil
}
