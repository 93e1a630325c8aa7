// Package mlm распределяет часть продажи по цепочке вышестоящих партнеров.
package mlm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/affiliate/internal/balance"
	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/money"
	"github.com/iurnickita/affiliate/internal/store"
)

// Lookup - чтение партнера по id. Подходит и store.Store, и store.Tx.
type Lookup interface {
	AffiliateGet(ctx context.Context, affiliateID string) (model.Affiliate, error)
}

// Upline - вышестоящий партнер на уровне Level (с 1)
type Upline struct {
	Level     int
	Affiliate model.Affiliate
}

// Chain поднимается по ParentID не выше maxDepth уровней.
// Обход останавливается на корне, на отсутствующем родителе и на повторе (цикл в дереве).
func Chain(ctx context.Context, lookup Lookup, origin model.Affiliate, maxDepth int) ([]Upline, error) {
	var chain []Upline
	visited := map[string]bool{origin.ID: true}
	parentID := origin.ParentID
	for level := 1; level <= maxDepth && parentID != ""; level++ {
		if visited[parentID] {
			break
		}
		visited[parentID] = true

		parent, err := lookup.AffiliateGet(ctx, parentID)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				break
			}
			return nil, err
		}
		chain = append(chain, Upline{Level: level, Affiliate: parent})
		parentID = parent.ParentID
	}
	return chain, nil
}

// Sale - продажа, от которой считаются MLM вознаграждения
type Sale struct {
	OrderID     string
	Origin      model.Affiliate
	TotalAmount decimal.Decimal
	NetAmount   decimal.Decimal
}

type Distributor interface {
	// Distribute начисляет вознаграждения уровням внутри транзакции tx.
	// Вознаграждения подтверждаются сразу, без периода удержания.
	Distribute(ctx context.Context, tx store.Tx, sale Sale, program model.Program) ([]model.Referral, error)
}

type distributor struct {
	balance balance.Balance
	zaplog  *zap.Logger
	now     func() time.Time
}

func NewDistributor(balance balance.Balance, zaplog *zap.Logger, now func() time.Time) Distributor {
	if now == nil {
		now = time.Now
	}
	return &distributor{balance: balance, zaplog: zaplog, now: now}
}

func (d *distributor) Distribute(ctx context.Context, tx store.Tx, sale Sale, program model.Program) ([]model.Referral, error) {
	if len(program.MlmLevelRates) == 0 {
		return nil, nil
	}
	chain, err := Chain(ctx, tx, sale.Origin, program.MlmMaxDepth)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	var rewards []model.Referral
	for _, upline := range chain {
		rate := program.MlmRate(upline.Level)
		if !rate.IsPositive() {
			continue
		}
		commission := money.Round2(money.PercentOf(sale.NetAmount, rate))
		if !commission.IsPositive() {
			continue
		}

		referral := model.Referral{
			ID:               uuid.NewString(),
			AffiliateID:      upline.Affiliate.ID,
			OrderID:          sale.OrderID,
			TotalOrderAmount: sale.TotalAmount,
			NetOrderAmount:   sale.NetAmount,
			CommissionAmount: commission,
			Status:           model.ReferralStatusApproved,
			IsMlmReward:      true,
			Level:            upline.Level,
			AvailableAt:      now,
			CreatedAt:        now,
			Metadata: model.ReferralMetadata{
				MlmLevel: upline.Level,
				MlmRate:  rate.String(),
			},
		}
		if upline.Level > 1 {
			referral.FromDownlineID = sale.Origin.ID
		}

		_, err := d.balance.Credit(ctx, tx, balance.Credit{
			AffiliateID: upline.Affiliate.ID,
			Amount:      commission,
			Type:        model.LedgerTypeMlmReward,
			Description: fmt.Sprintf("MLM level %d reward for order %s", upline.Level, sale.OrderID),
			ReferenceID: referral.ID,
		})
		if err != nil {
			return nil, err
		}
		if err := tx.ReferralPost(ctx, referral); err != nil {
			return nil, err
		}

		d.zaplog.Debug("mlm reward",
			zap.String("order", sale.OrderID),
			zap.String("affiliate", upline.Affiliate.ID),
			zap.Int("level", upline.Level),
			zap.String("amount", commission.String()))
		rewards = append(rewards, referral)
	}
	return rewards, nil
}
