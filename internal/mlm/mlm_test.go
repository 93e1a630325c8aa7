package mlm

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/affiliate/internal/balance"
	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/store"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// a4 -> a3 -> a2 -> a1 -> root
func seedTree(mem *store.MemStore) {
	mem.AffiliatePut(model.Affiliate{ID: "root", Status: model.AffiliateStatusActive})
	mem.AffiliatePut(model.Affiliate{ID: "a1", Status: model.AffiliateStatusActive, ParentID: "root"})
	mem.AffiliatePut(model.Affiliate{ID: "a2", Status: model.AffiliateStatusActive, ParentID: "a1"})
	mem.AffiliatePut(model.Affiliate{ID: "a3", Status: model.AffiliateStatusActive, ParentID: "a2"})
	mem.AffiliatePut(model.Affiliate{ID: "a4", Status: model.AffiliateStatusActive, ParentID: "a3"})
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	seedTree(mem)

	origin, err := mem.AffiliateGet(ctx, "a4")
	require.NoError(t, err)

	chain, err := Chain(ctx, mem, origin, 3)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, "a3", chain[0].Affiliate.ID)
	require.Equal(t, 1, chain[0].Level)
	require.Equal(t, "a1", chain[2].Affiliate.ID)
	require.Equal(t, 3, chain[2].Level)

	// корень достигнут раньше предела
	origin, err = mem.AffiliateGet(ctx, "a1")
	require.NoError(t, err)
	chain, err = Chain(ctx, mem, origin, 3)
	require.NoError(t, err)
	require.Len(t, chain, 1)

	// цикл в дереве
	mem.AffiliatePut(model.Affiliate{ID: "c1", ParentID: "c2"})
	mem.AffiliatePut(model.Affiliate{ID: "c2", ParentID: "c1"})
	chain, err = Chain(ctx, mem, model.Affiliate{ID: "c1", ParentID: "c2"}, 10)
	require.NoError(t, err)
	require.Len(t, chain, 1)

	// родитель не найден
	chain, err = Chain(ctx, mem, model.Affiliate{ID: "x", ParentID: "missing"}, 3)
	require.NoError(t, err)
	require.Empty(t, chain)
}

func newTestDistributor(mem *store.MemStore) Distributor {
	now := func() time.Time { return testNow }
	return NewDistributor(balance.NewBalance(mem, now), zap.NewNop(), now)
}

func TestDistributeDecay(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	seedTree(mem)
	d := newTestDistributor(mem)

	origin, err := mem.AffiliateGet(ctx, "a4")
	require.NoError(t, err)
	program := model.Program{MlmLevelRates: []decimal.Decimal{dec("10"), dec("5"), dec("2")}}.WithDefaults()
	sale := Sale{OrderID: "o1", Origin: origin, TotalAmount: dec("1100"), NetAmount: dec("1000")}

	var rewards []model.Referral
	err = mem.InTx(ctx, func(tx store.Tx) error {
		rewards, err = d.Distribute(ctx, tx, sale, program)
		return err
	})
	require.NoError(t, err)
	require.Len(t, rewards, 3)

	sum := decimal.Zero
	for _, r := range rewards {
		sum = sum.Add(r.CommissionAmount)
		require.True(t, r.IsMlmReward)
		require.Equal(t, model.ReferralStatusApproved, r.Status)
	}
	require.True(t, sum.Equal(dec("170")), sum.String())
	require.Empty(t, rewards[0].FromDownlineID)
	require.Equal(t, "a4", rewards[1].FromDownlineID)
	require.Equal(t, "a4", rewards[2].FromDownlineID)

	// вознаграждение зачислено сразу, с записью в журнал
	a3, err := mem.AffiliateGet(ctx, "a3")
	require.NoError(t, err)
	require.True(t, a3.Balance.Equal(dec("100")))
	ledger, err := mem.LedgerGet(ctx, "a3")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, model.LedgerTypeMlmReward, ledger[0].Type)

	// уровень выше предела глубины не получает ничего
	root, err := mem.AffiliateGet(ctx, "root")
	require.NoError(t, err)
	require.True(t, root.Balance.IsZero())
}

func TestDistributeSkipsLevels(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	seedTree(mem)
	d := newTestDistributor(mem)

	// цепочка короче числа ставок, второй уровень без ставки
	origin, err := mem.AffiliateGet(ctx, "a2")
	require.NoError(t, err)
	program := model.Program{MlmLevelRates: []decimal.Decimal{dec("10"), dec("0"), dec("2")}}.WithDefaults()
	sale := Sale{OrderID: "o2", Origin: origin, TotalAmount: dec("100"), NetAmount: dec("100")}

	var rewards []model.Referral
	err = mem.InTx(ctx, func(tx store.Tx) error {
		rewards, err = d.Distribute(ctx, tx, sale, program)
		return err
	})
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	require.Equal(t, "a1", rewards[0].AffiliateID)
	require.True(t, rewards[0].CommissionAmount.Equal(dec("10")))

	// ставки не настроены
	err = mem.InTx(ctx, func(tx store.Tx) error {
		rewards, err = d.Distribute(ctx, tx, sale, model.Program{}.WithDefaults())
		return err
	})
	require.NoError(t, err)
	require.Empty(t, rewards)
}
