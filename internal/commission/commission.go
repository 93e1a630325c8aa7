package commission

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/money"
	"github.com/iurnickita/affiliate/internal/store"
)

// Store - справочники ставок
type Store interface {
	ProductRateGetAffiliate(ctx context.Context, productID string, affiliateID string) (model.ProductRate, error)
	ProductRateGetGroup(ctx context.Context, productID string, groupID string) (model.ProductRate, error)
	GroupGet(ctx context.Context, groupID string) (model.Group, error)
	TierGet(ctx context.Context, tierID string) (model.Tier, error)
}

type Engine interface {
	Calculate(ctx context.Context, order model.Order, affiliate model.Affiliate, customerType string, program model.Program) (Calculation, error)
}

// Результат расчета по заказу
type Calculation struct {
	Total     decimal.Decimal
	NetAmount decimal.Decimal
	Lines     []model.LineAudit
}

type engine struct {
	store  Store
	zaplog *zap.Logger
}

func NewEngine(store Store, zaplog *zap.Logger) Engine {
	return &engine{store: store, zaplog: zaplog}
}

// ставка, выбранная для строки
type resolution struct {
	source   string
	ruleID   string
	rate     decimal.Decimal
	rateType string
	excluded bool
}

// справочники партнера, читаются один раз на заказ
type affiliateRates struct {
	group *model.Group
	tier  *model.Tier
}

func (e *engine) Calculate(ctx context.Context, order model.Order, affiliate model.Affiliate, customerType string, program model.Program) (Calculation, error) {
	rates, err := e.affiliateRates(ctx, affiliate)
	if err != nil {
		return Calculation{}, err
	}

	calc := Calculation{Total: decimal.Zero, NetAmount: decimal.Zero}
	shipping := lineShipping(order)
	for i, item := range order.Items {
		base := money.FromOrderLine(item.Total, item.Tax, shipping[i], program.ExcludeTax, program.ExcludeShipping)
		calc.NetAmount = money.Add(calc.NetAmount, base)

		res, err := e.resolve(ctx, order, item, affiliate, rates, customerType, program)
		if err != nil {
			return Calculation{}, err
		}

		line := model.LineAudit{
			ProductID:  item.ProductID,
			Source:     res.source,
			RuleID:     res.ruleID,
			Rate:       res.rate,
			Type:       res.rateType,
			BasePrice:  base,
			Commission: decimal.Zero,
		}
		if res.excluded {
			e.zaplog.Info("order line excluded from commission",
				zap.String("order", order.ID),
				zap.String("product", item.ProductID),
				zap.String("affiliate", affiliate.ID))
			line.Rate = decimal.Zero
			calc.Lines = append(calc.Lines, line)
			continue
		}

		if res.rateType == model.CommissionTypeFixed {
			line.Commission = money.MulInt(res.rate, item.Quantity)
		} else {
			line.Commission = money.PercentOf(base, res.rate)
		}
		calc.Total = money.Add(calc.Total, line.Commission)
		calc.Lines = append(calc.Lines, line)
	}
	return calc, nil
}

func (e *engine) affiliateRates(ctx context.Context, affiliate model.Affiliate) (affiliateRates, error) {
	var rates affiliateRates
	if affiliate.GroupID != "" {
		group, err := e.store.GroupGet(ctx, affiliate.GroupID)
		switch {
		case err == nil:
			rates.group = &group
		case !errors.Is(err, store.ErrNoRows):
			return rates, err
		}
	}
	if affiliate.TierID != "" {
		tier, err := e.store.TierGet(ctx, affiliate.TierID)
		switch {
		case err == nil:
			rates.tier = &tier
		case !errors.Is(err, store.ErrNoRows):
			return rates, err
		}
	}
	return rates, nil
}

// resolve выбирает ставку строго по приоритету:
// товар+партнер, товар+группа, глобальное правило, группа, уровень, программа
func (e *engine) resolve(ctx context.Context, order model.Order, item model.OrderItem, affiliate model.Affiliate, rates affiliateRates, customerType string, program model.Program) (resolution, error) {
	override, err := e.store.ProductRateGetAffiliate(ctx, item.ProductID, affiliate.ID)
	if err == nil {
		return fromOverride(model.SourceAffiliateProduct, override), nil
	}
	if !errors.Is(err, store.ErrNoRows) {
		return resolution{}, err
	}

	if affiliate.GroupID != "" {
		override, err = e.store.ProductRateGetGroup(ctx, item.ProductID, affiliate.GroupID)
		if err == nil {
			return fromOverride(model.SourceGroupProduct, override), nil
		}
		if !errors.Is(err, store.ErrNoRows) {
			return resolution{}, err
		}
	}

	rc := model.RuleContext{
		OrderTotal:   order.Total,
		CategoryIDs:  item.CategoryIDs,
		CustomerType: customerType,
	}
	for _, rule := range program.Rules {
		// некорректные правила не срабатывают, в журнал они пишутся при загрузке программы
		if rule.Matches(rc) {
			return resolution{
				source:   model.SourceRule,
				ruleID:   rule.ID,
				rate:     rule.Action.Value,
				rateType: rule.Action.Type,
			}, nil
		}
	}

	if rates.group != nil {
		return resolution{
			source:   model.SourceGroup,
			rate:     rates.group.CommissionRate,
			rateType: model.CommissionTypePercentage,
		}, nil
	}
	if rates.tier != nil {
		return resolution{
			source:   model.SourceTier,
			rate:     rates.tier.CommissionRate,
			rateType: rateType(rates.tier.CommissionType),
		}, nil
	}
	return resolution{
		source:   model.SourceGlobal,
		rate:     program.CommissionRate,
		rateType: model.CommissionTypePercentage,
	}, nil
}

func fromOverride(source string, override model.ProductRate) resolution {
	if override.IsDisabled {
		return resolution{source: model.SourceExcluded, rateType: rateType(override.Type), excluded: true}
	}
	return resolution{source: source, rate: override.Rate, rateType: rateType(override.Type)}
}

func rateType(t string) string {
	if t == model.CommissionTypeFixed {
		return model.CommissionTypeFixed
	}
	return model.CommissionTypePercentage
}

// lineShipping - доставка по строкам. Если строки ее не содержат,
// доставка заказа распределяется пропорционально суммам строк.
func lineShipping(order model.Order) []decimal.Decimal {
	shipping := make([]decimal.Decimal, len(order.Items))
	weights := make([]decimal.Decimal, len(order.Items))
	perLine := false
	for i, item := range order.Items {
		shipping[i] = item.Shipping
		weights[i] = item.Total
		if !item.Shipping.IsZero() {
			perLine = true
		}
	}
	if perLine || order.Shipping.IsZero() || len(order.Items) == 0 {
		return shipping
	}
	return money.Allocate(order.Shipping, weights)
}
