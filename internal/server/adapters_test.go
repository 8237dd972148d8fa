package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/refunddesk/internal/ledger"
	"github.com/mbd888/refunddesk/internal/refund"
)

func TestLedgerAdapter_ReverseDebitErrors(t *testing.T) {
	ctx := context.Background()
	a := &ledgerAdapter{ledger.New(ledger.NewMemoryStore(), nil)}

	assert.ErrorIs(t, a.ReverseDebit(ctx, "rr_none"), refund.ErrNoDebit)

	require.NoError(t, a.Debit(ctx, "seller-1", "10.00", "BRL", "rr_1"))
	require.NoError(t, a.ReverseDebit(ctx, "rr_1"))
	assert.ErrorIs(t, a.ReverseDebit(ctx, "rr_1"), refund.ErrDebitAlreadyApplied)
}
