package balance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/money"
	"github.com/iurnickita/affiliate/internal/store"
)

// Balance - зачисления на баланс партнера с записью в журнал
type Balance interface {
	// Credit увеличивает баланс и общий заработок внутри транзакции tx
	// и добавляет строку журнала с балансом до и после
	Credit(ctx context.Context, tx store.Tx, credit Credit) (model.LedgerEntry, error)
	Get(ctx context.Context, affiliateID string) (model.Affiliate, error)
	GetHistory(ctx context.Context, affiliateID string) ([]model.LedgerEntry, error)
}

type Credit struct {
	AffiliateID string
	Amount      decimal.Decimal
	Type        string
	Description string
	ReferenceID string
}

type balance struct {
	store store.Store
	now   func() time.Time
}

func NewBalance(store store.Store, now func() time.Time) Balance {
	if now == nil {
		now = time.Now
	}
	balance := balance{store: store, now: now}
	return &balance
}

func (balance *balance) Get(ctx context.Context, affiliateID string) (model.Affiliate, error) {
	return balance.store.AffiliateGet(ctx, affiliateID)
}

func (balance *balance) GetHistory(ctx context.Context, affiliateID string) ([]model.LedgerEntry, error) {
	return balance.store.LedgerGet(ctx, affiliateID)
}

func (balance *balance) Credit(ctx context.Context, tx store.Tx, credit Credit) (model.LedgerEntry, error) {
	amount := money.Round2(credit.Amount)
	if !amount.IsPositive() {
		return model.LedgerEntry{}, store.ErrAmountInvalid
	}

	before, after, err := tx.BalanceIncrease(ctx, credit.AffiliateID, amount)
	if err != nil {
		return model.LedgerEntry{}, err
	}

	entry := model.LedgerEntry{
		ID:            uuid.NewString(),
		AffiliateID:   credit.AffiliateID,
		Type:          credit.Type,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   credit.Description,
		ReferenceID:   credit.ReferenceID,
		CreatedAt:     balance.now().UTC(),
	}
	if err := tx.LedgerPost(ctx, entry); err != nil {
		return model.LedgerEntry{}, err
	}
	return entry, nil
}
