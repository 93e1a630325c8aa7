package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Настройки партнерской программы. Редактируются администратором.
type Program struct {
	IsActive                 bool            `json:"is_active"`
	AllowSelfReferral        bool            `json:"allow_self_referral"`
	CommissionRate           decimal.Decimal `json:"commission_rate"`
	ExcludeTax               bool            `json:"exclude_tax"`
	ExcludeShipping          bool            `json:"exclude_shipping"`
	ZeroValueReferrals       bool            `json:"zero_value_referrals"`
	HoldingPeriodDays        int             `json:"holding_period"`
	IsLifetimeLinkOnPurchase bool            `json:"is_lifetime_link_on_purchase"`

	MlmMaxDepth   int               `json:"mlm_max_depth"`
	MlmLevelRates []decimal.Decimal `json:"mlm_level_rates,omitempty"`

	Velocity      VelocityPolicy `json:"velocity"`
	FlagRiskScore int            `json:"flag_risk_score"`

	Rules []CommissionRule `json:"rules,omitempty"`
}

type VelocityPolicy struct {
	Window               time.Duration   `json:"window"`
	MinConversions       int             `json:"min_conversions"`
	MaxConversionPercent decimal.Decimal `json:"max_conversion_percent"`
}

const (
	DefaultMlmMaxDepth          = 3
	DefaultVelocityWindow       = 24 * time.Hour
	DefaultVelocityMinConverted = 5
	DefaultFlagRiskScore        = 80
)

var DefaultMaxConversionPercent = decimal.NewFromInt(50)

// WithDefaults заполняет незаданные настройки значениями по умолчанию
func (p Program) WithDefaults() Program {
	if p.MlmMaxDepth <= 0 {
		p.MlmMaxDepth = DefaultMlmMaxDepth
	}
	if p.Velocity.Window <= 0 {
		p.Velocity.Window = DefaultVelocityWindow
	}
	if p.Velocity.MinConversions <= 0 {
		p.Velocity.MinConversions = DefaultVelocityMinConverted
	}
	if !p.Velocity.MaxConversionPercent.IsPositive() {
		p.Velocity.MaxConversionPercent = DefaultMaxConversionPercent
	}
	if p.FlagRiskScore <= 0 {
		p.FlagRiskScore = DefaultFlagRiskScore
	}
	return p
}

// HoldingPeriod - задержка между созданием начисления и его подтверждением
func (p Program) HoldingPeriod() time.Duration {
	return time.Duration(p.HoldingPeriodDays) * 24 * time.Hour
}

// MlmRate ставка уровня (с 1). Ноль, если уровень не настроен.
func (p Program) MlmRate(level int) decimal.Decimal {
	if level < 1 || level > len(p.MlmLevelRates) {
		return decimal.Zero
	}
	return p.MlmLevelRates[level-1]
}
