/*
handlers.go - HTTP API handlers for the local ledger client

PURPOSE:
  Exposes the local ledger and the sync engine to the UI process.
  Handles HTTP request/response, JSON serialization, and delegates to
  the Writer/Queue/Orchestrator. This surface is local: every write is
  optimistic and returns as soon as the local store commits.

ENDPOINTS:
  Accounts:
    GET    /api/accounts               List accounts
    POST   /api/accounts               Create account (queued for push)
    GET    /api/accounts/{id}          Get account
    PUT    /api/accounts/{id}          Update account (queued for push)
    DELETE /api/accounts/{id}          Delete account (queued for push)

  Transactions:
    GET    /api/transactions           List transactions with postings
    POST   /api/transactions           Create transaction (queued)
    GET    /api/transactions/{id}      Get transaction
    PUT    /api/transactions/{id}      Update transaction (queued)
    DELETE /api/transactions/{id}      Delete transaction (queued)

  Units / reference data:
    GET/POST /api/units, GET/PUT/DELETE /api/units/{id}
    GET    /api/tags                   Pull-only
    GET    /api/prices                 Pull-only

  Sync:
    GET    /api/sync/status            Queue counts + last cycle
    POST   /api/sync/refresh           Trigger a cycle now
    GET    /api/sync/failed            Frozen mutations awaiting action
    POST   /api/sync/failed/{id}/retry Reset a frozen mutation
    DELETE /api/sync/failed/{id}       Discard a frozen mutation

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unbalanced transactions, invalid input
  - 404: Entity or record not found
  - 409: Retry/discard requested for a record that is not frozen
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - sync/writer.go: The atomic write path behind every mutation
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tallybook/ledger-client/ledger"
	"github.com/tallybook/ledger-client/sync"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        sync.Storage
	Writer       *sync.Writer
	Queue        *sync.Queue
	Orchestrator *sync.Orchestrator
}

// NewHandler creates a handler over an already-wired sync engine.
func NewHandler(store sync.Storage, writer *sync.Writer, queue *sync.Queue, orch *sync.Orchestrator) *Handler {
	return &Handler{
		Store:        store,
		Writer:       writer,
		Queue:        queue,
		Orchestrator: orch,
	}
}

// nudge requests a sync cycle after a successful local mutation. The
// write has already committed; this only shortens the wait.
func (h *Handler) nudge() {
	if h.Orchestrator != nil {
		h.Orchestrator.TriggerNow()
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// ListAccounts returns all local accounts with their sync state.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list accounts", err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAccount returns a single account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	a, err := h.Store.GetAccount(r.Context(), id)
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*a))
}

// CreateAccount writes the account locally and queues the create.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req SaveAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Account name is required", nil)
		return
	}

	a, err := h.Writer.CreateAccount(r.Context(), ledger.Account{
		ID:   ledger.AccountID(req.ID),
		Name: req.Name,
		Type: ledger.AccountType(req.Type),
		Unit: ledger.UnitID(req.Unit),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account", err)
		return
	}

	h.nudge()
	writeJSON(w, http.StatusCreated, toAccountDTO(a))
}

// UpdateAccount writes the changed account locally and queues the update.
func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req SaveAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	a, err := h.Writer.UpdateAccount(r.Context(), ledger.Account{
		ID:   id,
		Name: req.Name,
		Type: ledger.AccountType(req.Type),
		Unit: ledger.UnitID(req.Unit),
	})
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update account", err)
		return
	}

	h.nudge()
	writeJSON(w, http.StatusOK, toAccountDTO(a))
}

// DeleteAccount removes the account locally. A delete is queued unless
// the account's own create was still unsent, in which case the whole
// chain cancels.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	err := h.Writer.DeleteAccount(r.Context(), id)
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete account", err)
		return
	}

	h.nudge()
	writeJSON(w, http.StatusOK, map[string]any{"deleted": string(id)})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions returns all local transactions with postings.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Store.ListTransactions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTransaction returns a single transaction with postings.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	t, err := h.Store.GetTransaction(r.Context(), id)
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*t))
}

// CreateTransaction validates (zero-sum postings), writes locally, and
// queues the create.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	t, ok := h.decodeTransaction(w, r, "")
	if !ok {
		return
	}

	created, err := h.Writer.CreateTransaction(r.Context(), t)
	if isValidationError(err) {
		writeError(w, http.StatusBadRequest, "Invalid transaction", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create transaction", err)
		return
	}

	h.nudge()
	writeJSON(w, http.StatusCreated, toTransactionDTO(created))
}

// UpdateTransaction replaces the transaction (full posting list) and
// queues the update.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, ok := h.decodeTransaction(w, r, id)
	if !ok {
		return
	}

	updated, err := h.Writer.UpdateTransaction(r.Context(), t)
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}
	if isValidationError(err) {
		writeError(w, http.StatusBadRequest, "Invalid transaction", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update transaction", err)
		return
	}

	h.nudge()
	writeJSON(w, http.StatusOK, toTransactionDTO(updated))
}

// DeleteTransaction removes the transaction and its postings locally.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	err := h.Writer.DeleteTransaction(r.Context(), id)
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete transaction", err)
		return
	}

	h.nudge()
	writeJSON(w, http.StatusOK, map[string]any{"deleted": string(id)})
}

// decodeTransaction parses and converts a SaveTransactionRequest.
// pathID, when set, overrides any id in the body.
func (h *Handler) decodeTransaction(w http.ResponseWriter, r *http.Request, pathID string) (ledger.Transaction, bool) {
	var req SaveTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return ledger.Transaction{}, false
	}

	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return ledger.Transaction{}, false
	}

	id := req.ID
	if pathID != "" {
		id = pathID
	}

	t := ledger.Transaction{
		ID:    ledger.TransactionID(id),
		Date:  date,
		Payee: req.Payee,
		Memo:  req.Memo,
	}
	for _, pd := range req.Postings {
		value, err := decimal.NewFromString(pd.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid posting amount (use a decimal string)", err)
			return ledger.Transaction{}, false
		}
		p := ledger.Posting{
			ID:        ledger.PostingID(pd.ID),
			AccountID: ledger.AccountID(pd.AccountID),
			Amount:    ledger.Amount{Value: value, Unit: ledger.UnitID(pd.Unit)},
		}
		for _, tag := range pd.Tags {
			p.TagIDs = append(p.TagIDs, ledger.TagID(tag))
		}
		t.Postings = append(t.Postings, p)
	}
	return t, true
}

// isValidationError groups the rejections that are the caller's fault.
func isValidationError(err error) bool {
	if err == nil {
		return false
	}
	var unbalanced *ledger.UnbalancedTransactionError
	return errors.Is(err, ledger.ErrNoPostings) ||
		errors.Is(err, ledger.ErrMissingID) ||
		errors.As(err, &unbalanced)
}

// =============================================================================
// UNIT HANDLERS
// =============================================================================

func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.Store.ListUnits(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list units", err)
		return
	}

	dtos := make([]UnitDTO, len(units))
	for i, u := range units {
		dtos[i] = toUnitDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	id := ledger.UnitID(chi.URLParam(r, "id"))

	u, err := h.Store.GetUnit(r.Context(), id)
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Unit not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get unit", err)
		return
	}
	writeJSON(w, http.StatusOK, toUnitDTO(*u))
}

func (h *Handler) CreateUnit(w http.ResponseWriter, r *http.Request) {
	var req SaveUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "Unit code is required", nil)
		return
	}

	u, err := h.Writer.CreateUnit(r.Context(), ledger.Unit{
		ID:        ledger.UnitID(req.ID),
		Code:      req.Code,
		Name:      req.Name,
		Precision: req.Precision,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create unit", err)
		return
	}

	h.nudge()
	writeJSON(w, http.StatusCreated, toUnitDTO(u))
}

func (h *Handler) UpdateUnit(w http.ResponseWriter, r *http.Request) {
	id := ledger.UnitID(chi.URLParam(r, "id"))

	var req SaveUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	u, err := h.Writer.UpdateUnit(r.Context(), ledger.Unit{
		ID:        id,
		Code:      req.Code,
		Name:      req.Name,
		Precision: req.Precision,
	})
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Unit not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update unit", err)
		return
	}

	h.nudge()
	writeJSON(w, http.StatusOK, toUnitDTO(u))
}

func (h *Handler) DeleteUnit(w http.ResponseWriter, r *http.Request) {
	id := ledger.UnitID(chi.URLParam(r, "id"))

	err := h.Writer.DeleteUnit(r.Context(), id)
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Unit not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete unit", err)
		return
	}

	h.nudge()
	writeJSON(w, http.StatusOK, map[string]any{"deleted": string(id)})
}

// =============================================================================
// REFERENCE DATA (pull-only)
// =============================================================================

func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.Store.ListTags(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tags", err)
		return
	}

	dtos := make([]TagDTO, len(tags))
	for i, t := range tags {
		dtos[i] = TagDTO{ID: string(t.ID), Name: t.Name}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := h.Store.ListPrices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list prices", err)
		return
	}

	dtos := make([]PriceDTO, len(prices))
	for i, p := range prices {
		dtos[i] = PriceDTO{
			ID:        string(p.ID),
			Unit:      string(p.Unit),
			QuoteUnit: string(p.QuoteUnit),
			Rate:      p.Rate.String(),
			AsOf:      p.AsOf.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SYNC HANDLERS
// =============================================================================

// GetSyncStatus returns queue counts and the last cycle report.
func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Queue.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count queue", err)
		return
	}

	status := SyncStatusDTO{
		Pending:  counts.Pending,
		Retrying: counts.Retrying,
		Failed:   counts.Failed,
	}
	if report, at, ok := h.Orchestrator.LastReport(); ok {
		cycle := toCycleDTO(report)
		status.LastCycle = &cycle
		status.LastCycleAt = at.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, status)
}

// TriggerRefresh requests an immediate sync cycle. Returns before the
// cycle completes; poll /api/sync/status for the outcome.
func (h *Handler) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	h.Orchestrator.TriggerNow()
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
}

// ListFailedMutations returns the frozen records awaiting user action.
func (h *Handler) ListFailedMutations(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Queue.ListFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list failed mutations", err)
		return
	}

	dtos := make([]FailedMutationDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toFailedMutationDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RetryFailedMutation resets a frozen record to pending with a fresh
// retry budget and triggers a cycle.
func (h *Handler) RetryFailedMutation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.Queue.RetryFailed(r.Context(), id)
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Mutation not found", nil)
		return
	}
	if errors.Is(err, sync.ErrRecordNotFailed) {
		writeError(w, http.StatusConflict, "Mutation is not in failed state", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retry mutation", err)
		return
	}

	h.nudge()
	writeJSON(w, http.StatusOK, map[string]any{"retried": id})
}

// DiscardFailedMutation drops a frozen record without sending it.
func (h *Handler) DiscardFailedMutation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.Queue.Discard(r.Context(), id)
	if ledger.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "Mutation not found", nil)
		return
	}
	if errors.Is(err, sync.ErrRecordNotFailed) {
		writeError(w, http.StatusConflict, "Mutation is not in failed state", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to discard mutation", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"discarded": id})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
