/*
types_test.go - Double-entry invariants and sync state semantics
*/
package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTransaction() Transaction {
	return Transaction{
		ID:    "txn-1",
		Date:  time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		Payee: "Gas Station",
		Postings: []Posting{
			{ID: "p1", TransactionID: "txn-1", AccountID: "checking", Amount: NewAmount(-55.20, "usd")},
			{ID: "p2", TransactionID: "txn-1", AccountID: "auto", Amount: NewAmount(55.20, "usd")},
		},
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestTransaction_Validate(t *testing.T) {
	t.Run("balanced transaction passes", func(t *testing.T) {
		assert.NoError(t, validTransaction().Validate())
	})

	t.Run("missing id rejected", func(t *testing.T) {
		tx := validTransaction()
		tx.ID = ""
		assert.ErrorIs(t, tx.Validate(), ErrMissingID)
	})

	t.Run("empty posting list rejected", func(t *testing.T) {
		tx := validTransaction()
		tx.Postings = nil
		assert.ErrorIs(t, tx.Validate(), ErrNoPostings)
	})

	t.Run("unbalanced postings rejected with sum", func(t *testing.T) {
		tx := validTransaction()
		tx.Postings[1].Amount = NewAmount(50.00, "usd")

		err := tx.Validate()
		require.ErrorIs(t, err, ErrUnbalancedTransaction)

		var unbalanced *UnbalancedTransactionError
		require.ErrorAs(t, err, &unbalanced)
		assert.Equal(t, "-5.2", unbalanced.Sum.String())
		assert.Equal(t, TransactionID("txn-1"), unbalanced.TransactionID)
	})

	t.Run("multi posting split balances", func(t *testing.T) {
		tx := validTransaction()
		tx.Postings = []Posting{
			{ID: "p1", AccountID: "checking", Amount: NewAmount(-100, "usd")},
			{ID: "p2", AccountID: "groceries", Amount: NewAmount(61.37, "usd")},
			{ID: "p3", AccountID: "household", Amount: NewAmount(38.63, "usd")},
		}
		assert.NoError(t, tx.Validate())
	})
}

func TestTransaction_Balanced_DecimalExactness(t *testing.T) {
	// 0.1 + 0.2 - 0.3 must be exactly zero; this is why amounts are
	// decimals, not floats.
	tx := Transaction{
		ID: "txn-1",
		Postings: []Posting{
			{Amount: NewAmount(0.1, "usd")},
			{Amount: NewAmount(0.2, "usd")},
			{Amount: NewAmount(-0.3, "usd")},
		},
	}
	assert.True(t, tx.Balanced())
	assert.True(t, tx.PostingSum().Equal(decimal.Zero))
}

// =============================================================================
// SYNC STATE
// =============================================================================

func TestSyncState_Protected(t *testing.T) {
	assert.False(t, SyncClean.Protected(), "clean entities may be overwritten by pulls")
	assert.True(t, SyncDirty.Protected())
	assert.True(t, SyncInFlight.Protected())
	assert.True(t, SyncConflictFailed.Protected())
}

// =============================================================================
// AMOUNTS
// =============================================================================

func TestAmount_Arithmetic(t *testing.T) {
	a := NewAmount(10.50, "usd")
	b := NewAmount(4.25, "usd")

	assert.Equal(t, "14.75", a.Add(b).Value.String())
	assert.Equal(t, "-10.5", a.Neg().Value.String())
	assert.True(t, a.Add(a.Neg()).IsZero())
	assert.True(t, a.Neg().IsNegative())
}

func TestNewAmountFromString(t *testing.T) {
	a, err := NewAmountFromString("1234.5678", "btc")
	require.NoError(t, err)
	assert.Equal(t, "1234.5678", a.Value.String())
	assert.Equal(t, UnitID("btc"), a.Unit)

	_, err = NewAmountFromString("12,34", "usd")
	assert.Error(t, err)
}
