package fraud

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/store"
)

// Store - данные, нужные проверкам
type Store interface {
	ClickGetLast(ctx context.Context, affiliateID string) (model.Click, error)
	ClickCount(ctx context.Context, affiliateID string, since time.Time) (int, error)
	ReferralCount(ctx context.Context, affiliateID string, since time.Time) (int, error)
	ReferralCountFlagged(ctx context.Context, affiliateID string) (int, error)
	AffiliateSetRiskScore(ctx context.Context, affiliateID string, score int) error
}

type Gate interface {
	// SelfReferral - покупатель совпадает с партнером по email или IP последнего клика
	SelfReferral(ctx context.Context, order model.Order, affiliate model.Affiliate) (bool, error)
	// Velocity - слишком высокая конверсия кликов в заказы за окно
	Velocity(ctx context.Context, affiliateID string, policy model.VelocityPolicy) (bool, error)
	// RiskScore пересчитывает и сохраняет оценку риска 0..100
	RiskScore(ctx context.Context, affiliateID string) (int, error)
}

const (
	riskWindow       = 30 * 24 * time.Hour
	riskMinReferrals = 5
	riskOutlierMax   = 70
	riskFlagPenalty  = 10
	riskScoreMax     = 100
)

// Пороги конверсии (рефералы / клики) и баллы за них, от большего к меньшему
var riskOutliers = []struct {
	ratio decimal.Decimal
	score int
}{
	{decimal.RequireFromString("0.5"), riskOutlierMax},
	{decimal.RequireFromString("0.3"), 40},
	{decimal.RequireFromString("0.15"), 20},
}

type gate struct {
	store Store
	now   func() time.Time
}

func NewGate(store Store, now func() time.Time) Gate {
	if now == nil {
		now = time.Now
	}
	return &gate{store: store, now: now}
}

func (g *gate) SelfReferral(ctx context.Context, order model.Order, affiliate model.Affiliate) (bool, error) {
	buyer := strings.TrimSpace(order.Email)
	if buyer != "" && strings.EqualFold(buyer, strings.TrimSpace(affiliate.Email)) {
		return true, nil
	}

	if order.IPAddress == "" {
		return false, nil
	}
	click, err := g.store.ClickGetLast(ctx, affiliate.ID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return click.IPAddress != "" && click.IPAddress == order.IPAddress, nil
}

func (g *gate) Velocity(ctx context.Context, affiliateID string, policy model.VelocityPolicy) (bool, error) {
	since := g.now().Add(-policy.Window)

	referrals, err := g.store.ReferralCount(ctx, affiliateID, since)
	if err != nil {
		return false, err
	}
	// текущий заказ тоже конверсия
	conversions := referrals + 1
	if conversions < policy.MinConversions {
		return false, nil
	}

	clicks, err := g.store.ClickCount(ctx, affiliateID, since)
	if err != nil {
		return false, err
	}
	percent := decimal.NewFromInt(int64(conversions)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(max(clicks, 1))))
	return percent.GreaterThan(policy.MaxConversionPercent), nil
}

func (g *gate) RiskScore(ctx context.Context, affiliateID string) (int, error) {
	since := g.now().Add(-riskWindow)

	referrals, err := g.store.ReferralCount(ctx, affiliateID, since)
	if err != nil {
		return 0, err
	}
	clicks, err := g.store.ClickCount(ctx, affiliateID, since)
	if err != nil {
		return 0, err
	}
	flagged, err := g.store.ReferralCountFlagged(ctx, affiliateID)
	if err != nil {
		return 0, err
	}

	score := outlierScore(referrals, clicks) + flagged*riskFlagPenalty
	score = min(score, riskScoreMax)

	if err := g.store.AffiliateSetRiskScore(ctx, affiliateID, score); err != nil {
		return 0, err
	}
	return score, nil
}

func outlierScore(referrals, clicks int) int {
	if referrals == 0 {
		return 0
	}
	if clicks == 0 {
		// продажи без трафика подозрительны, но не по единичным заказам
		if referrals >= riskMinReferrals {
			return riskOutlierMax
		}
		return 0
	}
	ratio := decimal.NewFromInt(int64(referrals)).Div(decimal.NewFromInt(int64(clicks)))
	for _, o := range riskOutliers {
		if ratio.GreaterThan(o.ratio) {
			return o.score
		}
	}
	return 0
}
