// Package reconcile - ежедневные задания: подтверждение созревших начислений,
// повышение уровней партнеров и пересчет оценки риска.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/affiliate/internal/balance"
	"github.com/iurnickita/affiliate/internal/fraud"
	"github.com/iurnickita/affiliate/internal/logger"
	"github.com/iurnickita/affiliate/internal/metrics"
	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/money"
	"github.com/iurnickita/affiliate/internal/reconcile/config"
	"github.com/iurnickita/affiliate/internal/service/notifyclient"
	"github.com/iurnickita/affiliate/internal/store"
)

const (
	defaultReleaseBatch  = 100
	defaultFraudWindow   = 24 * time.Hour
	defaultNotifyTimeout = 5 * time.Second

	component = "reconcile"

	JobRelease = "release"
	JobTiers   = "tiers"
	JobFraud   = "fraud"
)

// errSkip - реферал уже не в статусе PENDING, пропускается без ошибки
var errSkip = errors.New("referral skipped")

type Reconciler interface {
	// ProcessDailyJobs запускает задания параллельно. Ошибка одного задания не прерывает остальные,
	// ошибки заданий объединяются в результат.
	ProcessDailyJobs(ctx context.Context) error
	// Задания возвращают ошибку только при сбое выборки. Сбой по отдельному рефералу
	// или партнеру пишется в журнал, обработка продолжается.
	ReleaseMatured(ctx context.Context) error
	UpgradeTiers(ctx context.Context) error
	RescoreFraud(ctx context.Context) error
}

type Deps struct {
	Store  store.Store
	Notify notifyclient.Sender
	Zaplog *zap.Logger
	Now    func() time.Time
}

type reconciler struct {
	cfg     config.Config
	store   store.Store
	balance balance.Balance
	gate    fraud.Gate
	notify  notifyclient.Sender
	audit   *logger.Audit
	zaplog  *zap.Logger
	now     func() time.Time
}

func NewReconciler(cfg config.Config, deps Deps) Reconciler {
	if cfg.ReleaseBatch <= 0 {
		cfg.ReleaseBatch = defaultReleaseBatch
	}
	if cfg.FraudWindow <= 0 {
		cfg.FraudWindow = defaultFraudWindow
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &reconciler{
		cfg:     cfg,
		store:   deps.Store,
		balance: balance.NewBalance(deps.Store, now),
		gate:    fraud.NewGate(deps.Store, now),
		notify:  deps.Notify,
		audit:   logger.NewAudit(deps.Zaplog),
		zaplog:  deps.Zaplog,
		now:     now,
	}
}

func (r *reconciler) ProcessDailyJobs(ctx context.Context) error {
	jobs := []struct {
		name string
		run  func(context.Context) error
	}{
		{JobRelease, r.ReleaseMatured},
		{JobTiers, r.UpgradeTiers},
		{JobFraud, r.RescoreFraud},
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, job := range jobs {
		g.Go(func() error {
			start := time.Now()
			err := job.run(ctx)
			metrics.ObserveJob(job.name, start, err)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", job.name, err))
				mu.Unlock()
			}
			// задания не отменяют друг друга
			return nil
		})
	}
	_ = g.Wait()

	if errs != nil {
		r.audit.Critical(component, "daily jobs failed", map[string]any{
			"failed": len(multierr.Errors(errs)),
			"error":  errs.Error(),
		})
		return errs
	}
	r.zaplog.Info("daily jobs done")
	return nil
}

// itemFailed - сбой по одной записи: ERROR в журнал и счетчик, без ошибки задания
func (r *reconciler) itemFailed(job string, message string, fields map[string]any, err error) {
	fields["error"] = err.Error()
	r.audit.Error(component, message, fields)
	metrics.JobItemFailures.WithLabelValues(job).Inc()
}

// ReleaseMatured подтверждает созревшие начисления, каждое в своей транзакции
func (r *reconciler) ReleaseMatured(ctx context.Context) error {
	referrals, err := r.store.ReferralGetMatured(ctx, r.now(), r.cfg.ReleaseBatch)
	if err != nil {
		return err
	}

	for _, referral := range referrals {
		err := r.release(ctx, referral.ID)
		switch {
		case err == nil:
			metrics.ReferralsReleased.WithLabelValues("ok").Inc()
			r.notifyAffiliate(ctx, referral.AffiliateID, notifyclient.TriggerCommissionApproved, map[string]string{
				"referral_id": referral.ID,
				"order_id":    referral.OrderID,
				"amount":      referral.CommissionAmount.StringFixed(money.Scale),
			})
		case errors.Is(err, errSkip):
		default:
			metrics.ReferralsReleased.WithLabelValues("fail").Inc()
			r.itemFailed(JobRelease, "referral release failed", map[string]any{
				"referral":  referral.ID,
				"affiliate": referral.AffiliateID,
			}, err)
		}
	}
	return nil
}

func (r *reconciler) release(ctx context.Context, referralID string) error {
	return r.store.InTx(ctx, func(tx store.Tx) error {
		referral, err := tx.ReferralGet(ctx, referralID)
		if err != nil {
			return err
		}
		if referral.Status != model.ReferralStatusPending {
			return errSkip
		}
		if err := tx.ReferralApprove(ctx, referral.ID); err != nil {
			return err
		}
		// нулевое начисление подтверждается без движения по балансу
		if money.Round2(referral.CommissionAmount).IsZero() {
			return nil
		}
		_, err = r.balance.Credit(ctx, tx, balance.Credit{
			AffiliateID: referral.AffiliateID,
			Amount:      referral.CommissionAmount,
			Type:        model.LedgerTypeCommissionApproved,
			Description: fmt.Sprintf("Commission for order %s released", referral.OrderID),
			ReferenceID: referral.ID,
		})
		return err
	})
}

// UpgradeTiers повышает уровень партнера до наивысшего доступного. Понижения нет.
func (r *reconciler) UpgradeTiers(ctx context.Context) error {
	tiers, err := r.store.TierGetAll(ctx)
	if err != nil {
		return err
	}
	if len(tiers) == 0 {
		return nil
	}
	affiliates, err := r.store.AffiliateGetActive(ctx)
	if err != nil {
		return err
	}

	for _, affiliate := range affiliates {
		paid, err := r.store.ReferralCountPaid(ctx, affiliate.ID)
		if err != nil {
			r.itemFailed(JobTiers, "paid referrals count failed", map[string]any{"affiliate": affiliate.ID}, err)
			continue
		}
		next, ok := nextTier(tiers, affiliate, paid)
		if !ok {
			continue
		}
		if err := r.store.AffiliateSetTier(ctx, affiliate.ID, next.ID); err != nil {
			r.itemFailed(JobTiers, "tier upgrade failed", map[string]any{
				"affiliate": affiliate.ID,
				"tier":      next.ID,
			}, err)
			continue
		}
		r.audit.Log(logger.SeverityInfo, component, "tier upgraded", map[string]any{
			"affiliate": affiliate.ID,
			"from":      affiliate.TierID,
			"to":        next.ID,
		})
		r.notifyAffiliate(ctx, affiliate.ID, notifyclient.TriggerTierUpgraded, map[string]string{
			"tier_id":   next.ID,
			"tier_name": next.Name,
		})
	}
	return nil
}

// tierAbove - a выше b: сначала по MinSalesAmount, затем по MinSalesCount,
// в том же порядке, в котором хранилище отдает уровни
func tierAbove(a, b model.Tier) bool {
	if c := a.MinSalesAmount.Cmp(b.MinSalesAmount); c != 0 {
		return c > 0
	}
	return a.MinSalesCount > b.MinSalesCount
}

// nextTier - наивысший уровень, пороги которого выполнены, если он строго выше текущего.
// tiers упорядочены по убыванию (MinSalesAmount, MinSalesCount).
func nextTier(tiers []model.Tier, affiliate model.Affiliate, paid int) (model.Tier, bool) {
	var eligible *model.Tier
	for i := range tiers {
		if affiliate.TotalEarnings.GreaterThanOrEqual(tiers[i].MinSalesAmount) && paid >= tiers[i].MinSalesCount {
			eligible = &tiers[i]
			break
		}
	}
	if eligible == nil || eligible.ID == affiliate.TierID {
		return model.Tier{}, false
	}
	for _, current := range tiers {
		if current.ID == affiliate.TierID && !tierAbove(*eligible, current) {
			return model.Tier{}, false
		}
	}
	return *eligible, true
}

// RescoreFraud пересчитывает оценку риска партнеров с кликами за окно
func (r *reconciler) RescoreFraud(ctx context.Context) error {
	ids, err := r.store.AffiliateGetClickedSince(ctx, r.now().Add(-r.cfg.FraudWindow))
	if err != nil {
		return err
	}

	for _, id := range ids {
		score, err := r.gate.RiskScore(ctx, id)
		if err != nil {
			r.itemFailed(JobFraud, "risk scoring failed", map[string]any{"affiliate": id}, err)
			continue
		}
		r.zaplog.Debug("risk score", zap.String("affiliate", id), zap.Int("score", score))
	}
	return nil
}

// notifyAffiliate не влияет на результат задания и не ждет дольше NotifyTimeout
func (r *reconciler) notifyAffiliate(ctx context.Context, affiliateID string, trigger string, data map[string]string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.NotifyTimeout)
	defer cancel()

	affiliate, err := r.store.AffiliateGet(ctx, affiliateID)
	if err == nil {
		err = r.notify.Send(ctx, notifyclient.Notification{
			Trigger: trigger,
			Email:   affiliate.Email,
			UserID:  affiliate.UserID,
			Data:    data,
		})
	}
	if err != nil {
		r.zaplog.Warn("notification failed",
			zap.String("trigger", trigger),
			zap.String("affiliate", affiliateID),
			zap.Error(err))
	}
}
