/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Accounts:     AccountDTO, SaveAccountRequest
  Transactions: TransactionDTO, PostingDTO, SaveTransactionRequest
  Units:        UnitDTO, SaveUnitRequest
  Reference:    TagDTO, PriceDTO
  Sync:         SyncStatusDTO, CycleDTO, FailedMutationDTO

AMOUNTS:
  Amounts travel as decimal strings on the wire. float64 never touches
  money anywhere in this package.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: The domain model these project
*/
package api

import (
	"time"

	"github.com/tallybook/ledger-client/ledger"
	"github.com/tallybook/ledger-client/sync"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Unit      string `json:"unit,omitempty"`
	SyncState string `json:"sync_state"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:        string(a.ID),
		Name:      a.Name,
		Type:      string(a.Type),
		Unit:      string(a.Unit),
		SyncState: string(a.SyncState),
		UpdatedAt: formatTime(a.UpdatedAt),
	}
}

// SaveAccountRequest is the body for account create/update. ID is
// optional on create (one is generated); on update the path wins.
type SaveAccountRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Type string `json:"type"`
	Unit string `json:"unit,omitempty"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// PostingDTO is one line of a transaction. Amount is a decimal string.
type PostingDTO struct {
	ID        string   `json:"id,omitempty"`
	AccountID string   `json:"account_id"`
	Amount    string   `json:"amount"`
	Unit      string   `json:"unit"`
	Tags      []string `json:"tags,omitempty"`
}

// TransactionDTO represents a transaction with its full posting list.
type TransactionDTO struct {
	ID        string       `json:"id"`
	Date      string       `json:"date"`
	Payee     string       `json:"payee"`
	Memo      string       `json:"memo,omitempty"`
	Postings  []PostingDTO `json:"postings"`
	SyncState string       `json:"sync_state"`
	UpdatedAt string       `json:"updated_at,omitempty"`
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:        string(t.ID),
		Date:      t.Date.UTC().Format("2006-01-02"),
		Payee:     t.Payee,
		Memo:      t.Memo,
		Postings:  make([]PostingDTO, 0, len(t.Postings)),
		SyncState: string(t.SyncState),
		UpdatedAt: formatTime(t.UpdatedAt),
	}
	for _, p := range t.Postings {
		pd := PostingDTO{
			ID:        string(p.ID),
			AccountID: string(p.AccountID),
			Amount:    p.Amount.Value.String(),
			Unit:      string(p.Amount.Unit),
		}
		for _, tag := range p.TagIDs {
			pd.Tags = append(pd.Tags, string(tag))
		}
		dto.Postings = append(dto.Postings, pd)
	}
	return dto
}

// SaveTransactionRequest is the body for transaction create/update.
// The posting list is the complete new list; partial posting edits do
// not exist.
type SaveTransactionRequest struct {
	ID       string       `json:"id,omitempty"`
	Date     string       `json:"date"` // YYYY-MM-DD
	Payee    string       `json:"payee"`
	Memo     string       `json:"memo,omitempty"`
	Postings []PostingDTO `json:"postings"`
}

// =============================================================================
// UNITS / TAGS / PRICES
// =============================================================================

// UnitDTO represents a currency or commodity.
type UnitDTO struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	Precision int32  `json:"precision"`
	SyncState string `json:"sync_state"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func toUnitDTO(u ledger.Unit) UnitDTO {
	return UnitDTO{
		ID:        string(u.ID),
		Code:      u.Code,
		Name:      u.Name,
		Precision: u.Precision,
		SyncState: string(u.SyncState),
		UpdatedAt: formatTime(u.UpdatedAt),
	}
}

// SaveUnitRequest is the body for unit create/update.
type SaveUnitRequest struct {
	ID        string `json:"id,omitempty"`
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	Precision int32  `json:"precision"`
}

// TagDTO represents a shared label (pull-only).
type TagDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PriceDTO represents a market quote (pull-only). Rate is a decimal
// string.
type PriceDTO struct {
	ID        string `json:"id"`
	Unit      string `json:"unit"`
	QuoteUnit string `json:"quote_unit"`
	Rate      string `json:"rate"`
	AsOf      string `json:"as_of"`
}

// =============================================================================
// SYNC SURFACE
// =============================================================================

// SyncStatusDTO is the queue summary plus the last cycle outcome.
type SyncStatusDTO struct {
	Pending     int       `json:"pending"`
	Retrying    int       `json:"retrying"`
	Failed      int       `json:"failed"`
	LastCycleAt string    `json:"last_cycle_at,omitempty"`
	LastCycle   *CycleDTO `json:"last_cycle,omitempty"`
}

// CycleDTO summarizes one push-then-pull cycle.
type CycleDTO struct {
	Attempted   int  `json:"attempted"`
	Succeeded   int  `json:"succeeded"`
	Permanent   int  `json:"permanent"`
	Transient   int  `json:"transient"`
	PullSkipped bool `json:"pull_skipped"`
	Applied     int  `json:"applied"`
	Deleted     int  `json:"deleted"`
	Protected   int  `json:"protected"`
	PullErrors  int  `json:"pull_errors"`
}

func toCycleDTO(r sync.CycleReport) CycleDTO {
	return CycleDTO{
		Attempted:   r.Push.Attempted,
		Succeeded:   r.Push.Succeeded,
		Permanent:   r.Push.Permanent,
		Transient:   r.Push.Transient,
		PullSkipped: r.PullSkipped,
		Applied:     r.Applied,
		Deleted:     r.Deleted,
		Protected:   r.Protected,
		PullErrors:  r.PullErrors,
	}
}

// FailedMutationDTO is a frozen queue record awaiting user action
// (retry or discard).
type FailedMutationDTO struct {
	ID            string `json:"id"`
	Op            string `json:"op"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id"`
	RetryCount    int    `json:"retry_count"`
	Reason        string `json:"reason"`
	CreatedAt     string `json:"created_at"`
	LastAttemptAt string `json:"last_attempt_at,omitempty"`
}

func toFailedMutationDTO(rec sync.MutationRecord) FailedMutationDTO {
	// A record freezes either by spending its retry budget or by a
	// permanent rejection; the retry count tells the two apart.
	reason := "rejected by server"
	if rec.RetryCount > sync.DefaultMaxRetries {
		reason = sync.ErrRetriesExhausted.Error()
	}
	dto := FailedMutationDTO{
		ID:         rec.ID,
		Op:         string(rec.Op),
		EntityKind: string(rec.EntityKind),
		EntityID:   rec.EntityID,
		RetryCount: rec.RetryCount,
		Reason:     reason,
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.LastAttemptAt != nil {
		dto.LastAttemptAt = rec.LastAttemptAt.UTC().Format(time.RFC3339)
	}
	return dto
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
