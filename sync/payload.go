/*
payload.go - Wire payload snapshots for queued mutations

PURPOSE:
  Builds the opaque payload bytes stored on a MutationRecord. Each
  operation type has exactly one payload shape (a closed set of tagged
  variants), serialized through encoding/json. There are no dynamic
  dictionaries: a shape mismatch is a compile error, not a runtime one.

SNAPSHOT SEMANTICS:
  Payloads are built at enqueue time from the entity value being
  persisted, not from a live reference. The entity may change again
  before the record is dispatched; the bytes on the record do not.

OPTIONAL FIELDS:
  Optional fields (memo, posting tags) are emitted only when present.

WIRE SHAPE:
  A transaction document embeds its full posting list. Postings are
  never sent independently of their parent transaction.
*/
package sync

import (
	"encoding/json"
	"time"

	"github.com/tallybook/ledger-client/ledger"
)

// =============================================================================
// PAYLOAD VARIANTS - One shape per entity kind
// =============================================================================

// TransactionPayload is the atomic wire document for a transaction,
// including its full posting list.
type TransactionPayload struct {
	ID       string           `json:"id"`
	Date     string           `json:"date"`
	Payee    string           `json:"payee"`
	Memo     string           `json:"memo,omitempty"`
	Postings []PostingPayload `json:"postings"`
}

type PostingPayload struct {
	ID        string   `json:"id"`
	AccountID string   `json:"account_id"`
	Amount    string   `json:"amount"`
	Unit      string   `json:"unit"`
	Tags      []string `json:"tags,omitempty"`
}

type AccountPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Unit string `json:"unit,omitempty"`
}

type UnitPayload struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	Precision int32  `json:"precision"`
}

// =============================================================================
// PAYLOAD BUILDERS
// =============================================================================

func buildTransactionPayload(t ledger.Transaction) ([]byte, error) {
	postings := make([]PostingPayload, 0, len(t.Postings))
	for _, p := range t.Postings {
		pp := PostingPayload{
			ID:        string(p.ID),
			AccountID: string(p.AccountID),
			Amount:    p.Amount.Value.String(),
			Unit:      string(p.Amount.Unit),
		}
		for _, tag := range p.TagIDs {
			pp.Tags = append(pp.Tags, string(tag))
		}
		postings = append(postings, pp)
	}

	return json.Marshal(TransactionPayload{
		ID:       string(t.ID),
		Date:     t.Date.UTC().Format(time.RFC3339),
		Payee:    t.Payee,
		Memo:     t.Memo,
		Postings: postings,
	})
}

func buildAccountPayload(a ledger.Account) ([]byte, error) {
	return json.Marshal(AccountPayload{
		ID:   string(a.ID),
		Name: a.Name,
		Type: string(a.Type),
		Unit: string(a.Unit),
	})
}

func buildUnitPayload(u ledger.Unit) ([]byte, error) {
	return json.Marshal(UnitPayload{
		ID:        string(u.ID),
		Code:      u.Code,
		Name:      u.Name,
		Precision: u.Precision,
	})
}

// =============================================================================
// ENDPOINT ROUTING
// =============================================================================

func collectionFor(kind ledger.EntityKind) string {
	switch kind {
	case ledger.KindTransaction:
		return "/transactions"
	case ledger.KindAccount:
		return "/accounts"
	case ledger.KindUnit:
		return "/units"
	}
	return ""
}

// endpointFor returns the remote endpoint and HTTP method for an
// operation. Creates post to the collection; updates and deletes
// address the entity by its client-generated id, which is what makes
// resends after a crash idempotent.
func endpointFor(op OperationType, kind ledger.EntityKind, id string) (endpoint, method string) {
	base := collectionFor(kind)
	switch {
	case op.IsCreate():
		return base, "POST"
	case op == OpDeleteTransaction || op == OpDeleteAccount || op == OpDeleteUnit:
		return base + "/" + id, "DELETE"
	default:
		return base + "/" + id, "PUT"
	}
}
