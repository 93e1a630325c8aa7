package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/reconcile/config"
	"github.com/iurnickita/affiliate/internal/service/notifyclient"
	"github.com/iurnickita/affiliate/internal/store"
)

var testNow = time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testSender struct {
	mu   sync.Mutex
	sent []notifyclient.Notification
}

func (s *testSender) Send(_ context.Context, n notifyclient.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *testSender) Close() error { return nil }

func (s *testSender) triggers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var triggers []string
	for _, n := range s.sent {
		triggers = append(triggers, n.Trigger)
	}
	return triggers
}

func newTestReconciler(mem *store.MemStore) (Reconciler, *testSender) {
	sender := &testSender{}
	return NewReconciler(config.Config{}, Deps{
		Store:  mem,
		Notify: sender,
		Zaplog: zap.NewNop(),
		Now:    func() time.Time { return testNow },
	}), sender
}

func newObservedReconciler(st store.Store) (Reconciler, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return NewReconciler(config.Config{}, Deps{
		Store:  st,
		Notify: &testSender{},
		Zaplog: zap.New(core),
		Now:    func() time.Time { return testNow },
	}), logs
}

func severityEntries(logs *observer.ObservedLogs, severity string) []observer.LoggedEntry {
	return logs.Filter(func(e observer.LoggedEntry) bool {
		return e.ContextMap()["severity"] == severity
	}).All()
}

func pending(id, affiliateID string, amount string, availableAt time.Time) model.Referral {
	return model.Referral{
		ID:               id,
		AffiliateID:      affiliateID,
		OrderID:          "order-" + id,
		CommissionAmount: dec(amount),
		Status:           model.ReferralStatusPending,
		AvailableAt:      availableAt,
		CreatedAt:        availableAt.Add(-30 * 24 * time.Hour),
	}
}

func TestReleaseMatured(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	mem.AffiliatePut(model.Affiliate{ID: "a1", UserID: "u1", Status: model.AffiliateStatusActive, Balance: dec("5")})
	mem.ReferralPut(pending("r1", "a1", "90", testNow.Add(-time.Hour)))
	mem.ReferralPut(pending("r2", "a1", "10", testNow.Add(time.Hour)))
	r, sender := newTestReconciler(mem)

	require.NoError(t, r.ReleaseMatured(ctx))

	referrals, err := mem.ReferralGetByAffiliate(ctx, "a1")
	require.NoError(t, err)
	statuses := map[string]string{}
	for _, referral := range referrals {
		statuses[referral.ID] = referral.Status
	}
	require.Equal(t, model.ReferralStatusApproved, statuses["r1"])
	// еще не созрел
	require.Equal(t, model.ReferralStatusPending, statuses["r2"])

	affiliate, err := mem.AffiliateGet(ctx, "a1")
	require.NoError(t, err)
	require.True(t, affiliate.Balance.Equal(dec("95")))
	require.True(t, affiliate.TotalEarnings.Equal(dec("90")))

	ledger, err := mem.LedgerGet(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, model.LedgerTypeCommissionApproved, ledger[0].Type)
	require.Equal(t, "r1", ledger[0].ReferenceID)
	require.True(t, ledger[0].BalanceAfter.Sub(ledger[0].BalanceBefore).Equal(dec("90")))

	require.Equal(t, []string{notifyclient.TriggerCommissionApproved}, sender.triggers())

	// повторный запуск ничего не меняет
	require.NoError(t, r.ReleaseMatured(ctx))
	ledger, err = mem.LedgerGet(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
}

func TestReleaseMaturedIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	mem.AffiliatePut(model.Affiliate{ID: "a1", Status: model.AffiliateStatusActive})
	// партнер удален - зачисление невозможно
	mem.ReferralPut(pending("r-bad", "ghost", "10", testNow.Add(-2*time.Hour)))
	mem.ReferralPut(pending("r-ok", "a1", "20", testNow.Add(-time.Hour)))
	// нулевое начисление подтверждается без записи в журнал
	mem.ReferralPut(pending("r-zero", "a1", "0", testNow.Add(-time.Hour)))
	r, logs := newObservedReconciler(mem)

	// сбой одного реферала не делает задание неуспешным
	require.NoError(t, r.ReleaseMatured(ctx))

	failures := severityEntries(logs, "error")
	require.Len(t, failures, 1)
	require.Equal(t, "r-bad", failures[0].ContextMap()["referral"])
	require.Equal(t, zapcore.ErrorLevel, failures[0].Level)

	affiliate, err := mem.AffiliateGet(ctx, "a1")
	require.NoError(t, err)
	require.True(t, affiliate.Balance.Equal(dec("20")))

	ledger, err := mem.LedgerGet(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, ledger, 1)

	referrals, err := mem.ReferralGetByAffiliate(ctx, "a1")
	require.NoError(t, err)
	for _, referral := range referrals {
		require.Equal(t, model.ReferralStatusApproved, referral.Status)
	}
}

func TestReleaseMaturedBatch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	mem.AffiliatePut(model.Affiliate{ID: "a1", Status: model.AffiliateStatusActive})
	for i := 0; i < 3; i++ {
		mem.ReferralPut(pending(string(rune('a'+i)), "a1", "1", testNow.Add(-time.Duration(i+1)*time.Hour)))
	}
	r := NewReconciler(config.Config{ReleaseBatch: 2}, Deps{
		Store:  mem,
		Notify: &testSender{},
		Zaplog: zap.NewNop(),
		Now:    func() time.Time { return testNow },
	})

	require.NoError(t, r.ReleaseMatured(ctx))
	matured, err := mem.ReferralGetMatured(ctx, testNow, 10)
	require.NoError(t, err)
	require.Len(t, matured, 1)

	require.NoError(t, r.ReleaseMatured(ctx))
	matured, err = mem.ReferralGetMatured(ctx, testNow, 10)
	require.NoError(t, err)
	require.Empty(t, matured)
}

func seedTiers(mem *store.MemStore) {
	mem.TierPut(model.Tier{ID: "bronze", Name: "Bronze", MinSalesAmount: dec("0"), MinSalesCount: 0})
	mem.TierPut(model.Tier{ID: "silver", Name: "Silver", MinSalesAmount: dec("100"), MinSalesCount: 1})
	mem.TierPut(model.Tier{ID: "gold", Name: "Gold", MinSalesAmount: dec("1000"), MinSalesCount: 2})
}

func TestUpgradeTiers(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	seedTiers(mem)
	// выполнены пороги silver
	mem.AffiliatePut(model.Affiliate{ID: "a1", Status: model.AffiliateStatusActive, TierID: "bronze", TotalEarnings: dec("150")})
	mem.ReferralPut(model.Referral{ID: "p1", AffiliateID: "a1", OrderID: "o1", Status: model.ReferralStatusPaid})
	// уже gold, выполняет только пороги silver
	mem.AffiliatePut(model.Affiliate{ID: "a2", Status: model.AffiliateStatusActive, TierID: "gold", TotalEarnings: dec("150")})
	mem.ReferralPut(model.Referral{ID: "p2", AffiliateID: "a2", OrderID: "o2", Status: model.ReferralStatusPaid})
	// заработок достаточный, но оплаченных рефералов нет
	mem.AffiliatePut(model.Affiliate{ID: "a3", Status: model.AffiliateStatusActive, TotalEarnings: dec("5000")})
	// неактивный партнер не рассматривается
	mem.AffiliatePut(model.Affiliate{ID: "a4", Status: model.AffiliateStatusSuspended, TotalEarnings: dec("5000")})
	r, sender := newTestReconciler(mem)

	require.NoError(t, r.UpgradeTiers(ctx))

	expected := map[string]string{"a1": "silver", "a2": "gold", "a3": "bronze", "a4": ""}
	for id, tier := range expected {
		affiliate, err := mem.AffiliateGet(ctx, id)
		require.NoError(t, err)
		require.Equal(t, tier, affiliate.TierID, id)
	}
	require.Equal(t, []string{notifyclient.TriggerTierUpgraded, notifyclient.TriggerTierUpgraded}, sender.triggers())

	// повторный запуск ничего не меняет
	require.NoError(t, r.UpgradeTiers(ctx))
	require.Len(t, sender.triggers(), 2)
}

func TestRescoreFraud(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	mem.AffiliatePut(model.Affiliate{ID: "a1", Status: model.AffiliateStatusActive})
	mem.AffiliatePut(model.Affiliate{ID: "a2", Status: model.AffiliateStatusActive, RiskScore: 33})
	mem.ClickPost(model.Click{AffiliateID: "a1", CreatedAt: testNow.Add(-time.Hour)})
	// клик вне окна
	mem.ClickPost(model.Click{AffiliateID: "a2", CreatedAt: testNow.Add(-48 * time.Hour)})
	mem.ReferralPut(model.Referral{ID: "f1", AffiliateID: "a1", OrderID: "o1", IsFlagged: true, CreatedAt: testNow.Add(-time.Hour)})
	r, _ := newTestReconciler(mem)

	require.NoError(t, r.RescoreFraud(ctx))

	// 1 реферал на 1 клик - 70, плюс 10 за помеченный
	a1, err := mem.AffiliateGet(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 80, a1.RiskScore)

	a2, err := mem.AffiliateGet(ctx, "a2")
	require.NoError(t, err)
	require.Equal(t, 33, a2.RiskScore)
}

func TestProcessDailyJobs(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	seedTiers(mem)
	mem.AffiliatePut(model.Affiliate{ID: "a1", UserID: "u1", Status: model.AffiliateStatusActive})
	mem.ReferralPut(pending("r1", "a1", "150", testNow.Add(-time.Hour)))
	mem.ReferralPut(pending("r-bad", "ghost", "1", testNow.Add(-time.Hour)))
	r, logs := newObservedReconciler(mem)

	// ошибка по отдельному рефералу пишется как ERROR, сверка завершается успешно
	require.NoError(t, r.ProcessDailyJobs(ctx))
	require.Empty(t, severityEntries(logs, "critical"))
	require.Len(t, severityEntries(logs, "error"), 1)

	affiliate, err := mem.AffiliateGet(ctx, "a1")
	require.NoError(t, err)
	require.True(t, affiliate.Balance.Equal(dec("150")))
	require.NotEmpty(t, affiliate.TierID)
}

// хранилище, у которого не работает выборка созревших начислений
type brokenMaturedStore struct {
	*store.MemStore
}

var errStoreDown = errors.New("connection refused")

func (s brokenMaturedStore) ReferralGetMatured(context.Context, time.Time, int) ([]model.Referral, error) {
	return nil, errStoreDown
}

func TestProcessDailyJobsSystemicFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	seedTiers(mem)
	mem.AffiliatePut(model.Affiliate{ID: "a1", Status: model.AffiliateStatusActive})
	r, logs := newObservedReconciler(brokenMaturedStore{MemStore: mem})

	err := r.ProcessDailyJobs(ctx)
	require.ErrorIs(t, err, errStoreDown)
	require.Contains(t, err.Error(), JobRelease)

	critical := severityEntries(logs, "critical")
	require.Len(t, critical, 1)
	require.Equal(t, "daily jobs failed", critical[0].Message)

	// остальные задания отработали
	affiliate, err := mem.AffiliateGet(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "bronze", affiliate.TierID)
}

func TestNextTierSameAmount(t *testing.T) {
	// порядок как у TierGetAll
	tiers := []model.Tier{
		{ID: "gold", MinSalesAmount: dec("100"), MinSalesCount: 5},
		{ID: "silver", MinSalesAmount: dec("100"), MinSalesCount: 1},
		{ID: "bronze", MinSalesAmount: dec("0")},
	}
	affiliate := model.Affiliate{ID: "a1", TierID: "silver", TotalEarnings: dec("150")}

	next, ok := nextTier(tiers, affiliate, 5)
	require.True(t, ok)
	require.Equal(t, "gold", next.ID)

	_, ok = nextTier(tiers, affiliate, 2)
	require.False(t, ok)

	// понижения нет
	affiliate.TierID = "gold"
	_, ok = nextTier(tiers, affiliate, 1)
	require.False(t, ok)
}

// отправка, которая не завершается до отмены контекста
type hangingSender struct {
	mu   sync.Mutex
	errs []error
}

func (s *hangingSender) Send(ctx context.Context, _ notifyclient.Notification) error {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, ctx.Err())
	return ctx.Err()
}

func (s *hangingSender) Close() error { return nil }

func TestReleaseMaturedNotifyTimeout(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	mem.AffiliatePut(model.Affiliate{ID: "a1", Status: model.AffiliateStatusActive})
	mem.ReferralPut(pending("r1", "a1", "10", testNow.Add(-2*time.Hour)))
	mem.ReferralPut(pending("r2", "a1", "20", testNow.Add(-time.Hour)))
	sender := &hangingSender{}
	r := NewReconciler(config.Config{NotifyTimeout: 20 * time.Millisecond}, Deps{
		Store:  mem,
		Notify: sender,
		Zaplog: zap.NewNop(),
		Now:    func() time.Time { return testNow },
	})

	start := time.Now()
	require.NoError(t, r.ReleaseMatured(ctx))
	require.Less(t, time.Since(start), 5*time.Second)

	require.Len(t, sender.errs, 2)
	for _, err := range sender.errs {
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	affiliate, err := mem.AffiliateGet(ctx, "a1")
	require.NoError(t, err)
	require.True(t, affiliate.Balance.Equal(dec("30")))
}
