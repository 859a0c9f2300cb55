/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the ledger package.

ENDPOINTS:
  Points:
    POST   /api/transactions           Signed transfer between payer and user
    POST   /api/spend                  Spend points, oldest lots first
    GET    /api/points/balance         Remaining allowance per payer name

  Users:
    GET    /api/users                  List users
    POST   /api/users                  Create user
    GET    /api/users/{id}             Get user with balance
    GET    /api/users/{id}/lots        Lot history (?active=true for spendable only)

  Payers:
    GET    /api/payers                 List payers
    POST   /api/payers                 Create payer with allowance
    GET    /api/payers/{id}            Get payer

  Admin:
    GET    /api/admin/audit            Check ledger invariants

REQUEST FLOW:
  1. Decode JSON body
  2. Validate struct tags
  3. Call the ledger
  4. Serialize response
  5. Map errors to status + ledger.Code

ERROR HANDLING:
  Errors are returned as JSON {error, code, details}:
  - 400: VALIDATION_FAILED
  - 404: NOT_FOUND, NO_PAYERS_FOUND
  - 409: CONFLICT (duplicate id)
  - 422: USER_NOT_ENOUGH, PAYER_NOT_ENOUGH, NOT_ENOUGH_USER_POINTS
  - 500: INTERNAL

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/logging"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    ledger.Backend
	Accounts *ledger.Accounts
	Engine   *ledger.Engine
	Balances *ledger.Balances

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler with the given store.
func NewHandler(store ledger.Backend) *Handler {
	return &Handler{
		Store:    store,
		Accounts: ledger.NewAccounts(store),
		Engine:   ledger.NewEngine(store),
		Balances: ledger.NewBalances(store),
	}
}

// =============================================================================
// POINTS HANDLERS
// =============================================================================

// CreateTransaction applies a signed transfer.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.Accounts.Transfer(r.Context(), ledger.TransferRequest{
		UserID:    ledger.UserID(req.UserID),
		PayerID:   ledger.PayerID(req.PayerID),
		Points:    req.Points,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		writeLedgerError(w, r, ledger.OpTransfer, err)
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionDTO(result))
}

// Spend redeems points from a user.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	var req SpendRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.Engine.Spend(r.Context(), ledger.UserID(req.UserID), req.Points)
	if err != nil {
		writeLedgerError(w, r, ledger.OpSpend, err)
		return
	}

	writeJSON(w, http.StatusOK, toSpendResponse(result))
}

// GetPayerBalances returns {payer name: remaining allowance}.
func (h *Handler) GetPayerBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Balances.PayerBalances(r.Context())
	if err != nil {
		writeLedgerError(w, r, ledger.OpPayerBalances, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUsers returns all users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeLedgerError(w, r, ledger.OpLookup, err)
		return
	}

	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateUser creates a user with zero balance.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	user := ledger.User{ID: ledger.UserID(req.ID), Name: req.Name}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		writeLedgerError(w, r, ledger.OpLookup, err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

// GetUser returns a single user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := ledger.UserID(chi.URLParam(r, "id"))

	user, err := h.Balances.User(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, ledger.OpLookup, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(user))
}

// GetUserLots returns the user's lot history in consumption order.
func (h *Handler) GetUserLots(w http.ResponseWriter, r *http.Request) {
	id := ledger.UserID(chi.URLParam(r, "id"))

	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, ledger.CodeValidation, "Invalid active flag", err)
			return
		}
		activeOnly = b
	}

	lots, err := h.Balances.Lots(r.Context(), id, activeOnly)
	if err != nil {
		writeLedgerError(w, r, ledger.OpLookup, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTOs(lots))
}

// =============================================================================
// PAYER HANDLERS
// =============================================================================

// ListPayers returns all payers in creation order.
func (h *Handler) ListPayers(w http.ResponseWriter, r *http.Request) {
	payers, err := h.Store.ListPayers(r.Context())
	if err != nil {
		writeLedgerError(w, r, ledger.OpLookup, err)
		return
	}

	dtos := make([]PayerDTO, len(payers))
	for i, p := range payers {
		dtos[i] = toPayerDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePayer creates a payer with an initial allowance.
func (h *Handler) CreatePayer(w http.ResponseWriter, r *http.Request) {
	var req CreatePayerRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	payer := ledger.Payer{ID: ledger.PayerID(req.ID), Name: req.Name, Balance: req.Balance}
	if err := h.Store.CreatePayer(r.Context(), payer); err != nil {
		writeLedgerError(w, r, ledger.OpLookup, err)
		return
	}

	writeJSON(w, http.StatusCreated, toPayerDTO(payer))
}

// GetPayer returns a single payer.
func (h *Handler) GetPayer(w http.ResponseWriter, r *http.Request) {
	id := ledger.PayerID(chi.URLParam(r, "id"))

	payer, err := h.Balances.Payer(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, ledger.OpLookup, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayerDTO(payer))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Audit checks every ledger invariant against one consistent snapshot.
// Violations are reported with 200 and ok=false; only store faults are 500.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	err := h.Store.WithTx(ctx, func(s ledger.Store) error {
		users, ok := s.(ledger.UserLister)
		if !ok {
			return fmt.Errorf("audit: %T cannot list users", s)
		}
		return ledger.Audit(ctx, s, users)
	})

	var violation *ledger.InvariantViolationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, AuditDTO{OK: true})
	case errors.As(err, &violation):
		logging.FromContext(ctx).Error().
			Strs("violations", violation.Violations).
			Msg("ledger audit failed")
		writeJSON(w, http.StatusOK, AuditDTO{OK: false, Violations: violation.Violations})
	default:
		writeLedgerError(w, r, ledger.OpLookup, err)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code ledger.Code, message string, details any) {
	resp := ErrorResponse{Error: message, Code: string(code)}
	if err, ok := details.(error); ok {
		resp.Details = err.Error()
	} else if details != nil {
		resp.Details = details
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps a ledger error to its status and code.
func writeLedgerError(w http.ResponseWriter, r *http.Request, op ledger.Operation, err error) {
	code := ledger.CodeFor(op, err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error().Err(err).
			Str("code", string(code)).
			Msg("request failed")
	}
	writeError(w, status, code, code.Message(), err)
}

func statusFor(code ledger.Code) int {
	switch code {
	case ledger.CodeValidation:
		return http.StatusBadRequest
	case ledger.CodeNotFound, ledger.CodeNoPayersFound:
		return http.StatusNotFound
	case ledger.CodeConflict:
		return http.StatusConflict
	case ledger.CodeUserNotEnough, ledger.CodePayerNotEnough, ledger.CodeNotEnoughUserPoints:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeAndValidate reads the JSON body into dst and checks its tags. On
// failure it writes a 400 and returns false.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, ledger.CodeValidation, "Invalid request body", err)
		return false
	}
	if fields := validateRequest(dst); fields != nil {
		writeError(w, http.StatusBadRequest, ledger.CodeValidation, "Validation failed", fields)
		return false
	}
	return true
}
