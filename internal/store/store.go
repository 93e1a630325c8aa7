package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/store/config"
)

// Store - транзакционное хранилище заказов, партнеров и начислений
type Store interface {
	OrderGet(ctx context.Context, orderID string) (model.Order, error)
	CustomerGet(ctx context.Context, customerID string) (model.Customer, error)

	AffiliateGet(ctx context.Context, affiliateID string) (model.Affiliate, error)
	AffiliateGetActive(ctx context.Context) ([]model.Affiliate, error)
	AffiliateGetClickedSince(ctx context.Context, since time.Time) ([]string, error)
	AffiliateSetTier(ctx context.Context, affiliateID string, tierID string) error
	AffiliateSetRiskScore(ctx context.Context, affiliateID string, score int) error

	GroupGet(ctx context.Context, groupID string) (model.Group, error)
	TierGet(ctx context.Context, tierID string) (model.Tier, error)
	TierGetAll(ctx context.Context) ([]model.Tier, error)
	ProductRateGetAffiliate(ctx context.Context, productID string, affiliateID string) (model.ProductRate, error)
	ProductRateGetGroup(ctx context.Context, productID string, groupID string) (model.ProductRate, error)

	ClickGetLast(ctx context.Context, affiliateID string) (model.Click, error)
	ClickCount(ctx context.Context, affiliateID string, since time.Time) (int, error)

	ReferralGetByOrder(ctx context.Context, orderID string) ([]model.Referral, error)
	ReferralGetByAffiliate(ctx context.Context, affiliateID string) ([]model.Referral, error)
	ReferralGetMatured(ctx context.Context, now time.Time, limit int) ([]model.Referral, error)
	ReferralCount(ctx context.Context, affiliateID string, since time.Time) (int, error)
	ReferralCountFlagged(ctx context.Context, affiliateID string) (int, error)
	ReferralCountPaid(ctx context.Context, affiliateID string) (int, error)

	LedgerGet(ctx context.Context, affiliateID string) ([]model.LedgerEntry, error)
	AnalyticsGet(ctx context.Context, affiliateID string, day time.Time) (model.AnalyticsSummary, error)

	ProgramGet(ctx context.Context) (model.Program, error)

	// InTx выполняет fn в одной транзакции. Ошибка fn откатывает все изменения.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx - операции внутри транзакции
type Tx interface {
	AffiliateGet(ctx context.Context, affiliateID string) (model.Affiliate, error)
	ReferralExists(ctx context.Context, orderID string) (bool, error)
	ReferralGet(ctx context.Context, referralID string) (model.Referral, error)
	ReferralPost(ctx context.Context, referral model.Referral) error
	ReferralApprove(ctx context.Context, referralID string) error
	// BalanceIncrease атомарно увеличивает баланс и общий заработок, возвращает баланс до и после
	BalanceIncrease(ctx context.Context, affiliateID string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error)
	LedgerPost(ctx context.Context, entry model.LedgerEntry) error
	// CustomerLink привязывает покупателя к партнеру, если привязки еще нет
	CustomerLink(ctx context.Context, customerID string, affiliateID string) (bool, error)
	AnalyticsIncrease(ctx context.Context, summary model.AnalyticsSummary) error
}

var (
	ErrNoRows        = errors.New("no rows")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotPending    = errors.New("referral is not pending")
	ErrAmountInvalid = errors.New("amount value is incorrect")
)

// NewStore - Postgres при заданном DSN, иначе хранилище в памяти
func NewStore(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemStore(), nil
	}
	return NewPgStore(ctx, cfg)
}

// Day - начало суток (UTC) для суточной сводки
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
