package balance

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/store"
)

func TestCredit(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	mem.AffiliatePut(model.Affiliate{ID: "a1", Status: model.AffiliateStatusActive, Balance: decimal.NewFromInt(10)})
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	b := NewBalance(mem, func() time.Time { return now })

	err := mem.InTx(ctx, func(tx store.Tx) error {
		entry, err := b.Credit(ctx, tx, Credit{
			AffiliateID: "a1",
			Amount:      decimal.RequireFromString("4.005"),
			Type:        model.LedgerTypeCommissionApproved,
			ReferenceID: "r1",
		})
		if err != nil {
			return err
		}
		require.True(t, entry.Amount.Equal(decimal.RequireFromString("4.01")))
		require.True(t, entry.BalanceBefore.Equal(decimal.NewFromInt(10)))
		require.True(t, entry.BalanceAfter.Equal(decimal.RequireFromString("14.01")))
		return nil
	})
	require.NoError(t, err)

	affiliate, err := b.Get(ctx, "a1")
	require.NoError(t, err)
	require.True(t, affiliate.Balance.Equal(decimal.RequireFromString("14.01")))

	history, err := b.GetHistory(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "r1", history[0].ReferenceID)
	require.Equal(t, now, history[0].CreatedAt)

	// нулевая сумма не зачисляется
	err = mem.InTx(ctx, func(tx store.Tx) error {
		_, err := b.Credit(ctx, tx, Credit{AffiliateID: "a1", Amount: decimal.RequireFromString("0.001")})
		return err
	})
	require.ErrorIs(t, err, store.ErrAmountInvalid)
}
