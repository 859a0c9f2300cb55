/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  validateRequest before touching the ledger; the ledger re-checks the
  amounts it cares about, so a bad value is rejected either way.

SEE ALSO:
  - handlers.go: Uses these types
  - validate.go: Tag validation
*/
package api

import (
	"time"

	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// TRANSACTIONS AND SPEND
// =============================================================================

// TransactionRequest records a signed transfer between a payer and a user.
type TransactionRequest struct {
	UserID    string    `json:"user_id" validate:"required"`
	PayerID   string    `json:"payer_id" validate:"required"`
	Points    int64     `json:"points" validate:"ne=0"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// TransactionDTO echoes an applied transaction.
type TransactionDTO struct {
	LotID     int64     `json:"lot_id"`
	UserID    string    `json:"user_id"`
	PayerID   string    `json:"payer_id"`
	Points    int64     `json:"points"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`

	UserBalance  int64 `json:"user_balance"`
	PayerBalance int64 `json:"payer_balance"`
}

// SpendRequest asks to redeem points from a user.
type SpendRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Points int64  `json:"points" validate:"gt=0"`
}

// SpendEntryDTO is one deduction. Points is negative: the amount left the user.
type SpendEntryDTO struct {
	Payer   string `json:"payer"`
	PayerID string `json:"payer_id"`
	LotID   int64  `json:"lot_id"`
	Points  int64  `json:"points"`
}

// SpendResponse lists deductions in consumption order, one per lot.
type SpendResponse struct {
	UserID  string          `json:"user_id"`
	Entries []SpendEntryDTO `json:"entries"`
	Balance int64           `json:"balance"`
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// UserDTO represents a user in API responses.
type UserDTO struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// CreateUserRequest creates a user with zero balance. ID is generated when
// empty.
type CreateUserRequest struct {
	ID   string `json:"id" validate:"max=64"`
	Name string `json:"name" validate:"required,max=128"`
}

// PayerDTO represents a payer in API responses.
type PayerDTO struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// CreatePayerRequest creates a payer with an initial allowance.
type CreatePayerRequest struct {
	ID      string `json:"id" validate:"max=64"`
	Name    string `json:"name" validate:"required,max=128"`
	Balance int64  `json:"balance" validate:"gte=0"`
}

// LotDTO represents a lot in a user's history.
type LotDTO struct {
	ID        int64     `json:"id"`
	PayerID   string    `json:"payer_id"`
	Points    int64     `json:"points"`
	Timestamp time.Time `json:"timestamp"`
	Expired   bool      `json:"expired"`
	Kind      string    `json:"kind"`
}

// =============================================================================
// ADMIN AND SCENARIOS
// =============================================================================

// AuditDTO reports the result of an invariant check.
type AuditDTO struct {
	OK         bool     `json:"ok"`
	Violations []string `json:"violations,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toTransactionDTO(r *ledger.TransferResult) TransactionDTO {
	return TransactionDTO{
		LotID:        int64(r.Lot.ID),
		UserID:       string(r.Lot.UserID),
		PayerID:      string(r.Lot.PayerID),
		Points:       r.Lot.Points,
		Timestamp:    r.Lot.Timestamp,
		Kind:         string(r.Lot.Kind),
		UserBalance:  r.User.Balance,
		PayerBalance: r.Payer.Balance,
	}
}

func toSpendResponse(r *ledger.SpendResult) SpendResponse {
	entries := make([]SpendEntryDTO, len(r.Deductions))
	for i, d := range r.Deductions {
		entries[i] = SpendEntryDTO{
			Payer:   d.PayerName,
			PayerID: string(d.PayerID),
			LotID:   int64(d.LotID),
			Points:  -d.Points,
		}
	}
	return SpendResponse{UserID: string(r.UserID), Entries: entries, Balance: r.Balance}
}

func toUserDTO(u ledger.User) UserDTO {
	return UserDTO{ID: string(u.ID), Name: u.Name, Balance: u.Balance}
}

func toPayerDTO(p ledger.Payer) PayerDTO {
	return PayerDTO{ID: string(p.ID), Name: p.Name, Balance: p.Balance}
}

func toLotDTOs(lots []ledger.Lot) []LotDTO {
	out := make([]LotDTO, len(lots))
	for i, l := range lots {
		out[i] = LotDTO{
			ID:        int64(l.ID),
			PayerID:   string(l.PayerID),
			Points:    l.Points,
			Timestamp: l.Timestamp,
			Expired:   l.Expired,
			Kind:      string(l.Kind),
		}
	}
	return out
}
