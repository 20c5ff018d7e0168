/*
remote.go - Contract with the remote ledger service

PURPOSE:
  The remote service is an external collaborator: only its wire
  contract matters here. Send dispatches one queued mutation; the Fetch
  methods pull authoritative entity snapshots for the merge phase.

ERROR CONTRACT:
  Send returns nil on acknowledgement, *PermanentError for 4xx
  validation/conflict responses, and a transient error (anything else)
  for network failures, 5xx responses, and timeouts.

IMPLEMENTATIONS:
  - remote/: HTTP client against the envelope protocol
  - sync tests use an in-memory fake
*/
package sync

import (
	"context"

	"github.com/tallybook/ledger-client/ledger"
)

// RemoteClient is the outbound contract with the authoritative ledger
// service.
type RemoteClient interface {
	// Send dispatches one mutation record and returns nil once the
	// remote acknowledged it. Implementations must classify failures
	// per the error contract above.
	Send(ctx context.Context, rec MutationRecord) error

	// Pull endpoints: full authoritative snapshots per entity type.
	// Each entity type syncs independently.
	FetchAccounts(ctx context.Context) ([]ledger.Account, error)
	FetchTransactions(ctx context.Context) ([]ledger.Transaction, error)
	FetchUnits(ctx context.Context) ([]ledger.Unit, error)
	FetchTags(ctx context.Context) ([]ledger.Tag, error)
	FetchPrices(ctx context.Context) ([]ledger.Price, error)
}
