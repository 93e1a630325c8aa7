package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Заказы (внешний источник, только чтение)

type Order struct {
	ID          string
	Subtotal    decimal.Decimal
	Total       decimal.Decimal
	Tax         decimal.Decimal
	Shipping    decimal.Decimal
	Items       []OrderItem
	AffiliateID string // прямая атрибуция по клику, может быть пустой
	CustomerID  string // пусто для гостевого заказа
	IPAddress   string
	Email       string
	CreatedAt   time.Time
}

type OrderItem struct {
	ProductID   string
	CategoryIDs []string
	Quantity    int
	Total       decimal.Decimal
	Tax         decimal.Decimal
	Shipping    decimal.Decimal
}

type Customer struct {
	ID                    string
	Email                 string
	ReferredByAffiliateID string
	OrderCount            int
}

// Партнеры

const (
	AffiliateStatusActive    = "ACTIVE"
	AffiliateStatusSuspended = "SUSPENDED"
	AffiliateStatusPending   = "PENDING"
)

type Affiliate struct {
	ID            string
	UserID        string
	Email         string
	Status        string
	Balance       decimal.Decimal
	TotalEarnings decimal.Decimal
	RiskScore     int
	GroupID       string
	TierID        string
	ParentID      string
}

type Group struct {
	ID             string
	Name           string
	CommissionRate decimal.Decimal
}

type Tier struct {
	ID             string
	Name           string
	CommissionRate decimal.Decimal
	CommissionType string
	MinSalesAmount decimal.Decimal
	MinSalesCount  int
}

// Индивидуальная ставка по товару: ключ (товар, партнер) либо (товар, группа)
type ProductRate struct {
	ProductID   string
	AffiliateID string
	GroupID     string
	Rate        decimal.Decimal
	Type        string
	IsDisabled  bool
}

const (
	CommissionTypePercentage = "PERCENTAGE"
	CommissionTypeFixed      = "FIXED"
)

// Рефералы (начисления)

const (
	ReferralStatusPending  = "PENDING"
	ReferralStatusApproved = "APPROVED"
	ReferralStatusPaid     = "PAID"
)

type Referral struct {
	ID               string
	AffiliateID      string
	OrderID          string
	TotalOrderAmount decimal.Decimal
	NetOrderAmount   decimal.Decimal
	CommissionAmount decimal.Decimal
	Status           string
	IsFlagged        bool
	IsMlmReward      bool
	FromDownlineID   string
	Level            int
	AvailableAt      time.Time
	CreatedAt        time.Time
	Metadata         ReferralMetadata
}

const (
	AttributionDirectClick  = "DIRECT_CLICK"
	AttributionLifetimeLink = "LIFETIME_LINK"
)

// Журнал расчета, хранится вместе с рефералом
type ReferralMetadata struct {
	Attribution string      `json:"attribution,omitempty"`
	Lines       []LineAudit `json:"lines,omitempty"`
	MlmLevel    int         `json:"mlm_level,omitempty"`
	MlmRate     string      `json:"mlm_rate,omitempty"`
}

// Источник ставки для строки заказа
const (
	SourceAffiliateProduct = "AFFILIATE_PRODUCT"
	SourceGroupProduct     = "GROUP_PRODUCT"
	SourceRule             = "RULE"
	SourceGroup            = "GROUP"
	SourceTier             = "TIER"
	SourceGlobal           = "GLOBAL"
	SourceExcluded         = "EXCLUDED"
)

type LineAudit struct {
	ProductID  string          `json:"product_id"`
	Source     string          `json:"source"`
	RuleID     string          `json:"rule_id,omitempty"`
	Rate       decimal.Decimal `json:"rate"`
	Type       string          `json:"type"`
	BasePrice  decimal.Decimal `json:"base_price"`
	Commission decimal.Decimal `json:"commission"`
}

// Журнал баланса партнера

const (
	LedgerTypeCommissionApproved = "COMMISSION_APPROVED"
	LedgerTypeMlmReward          = "MLM_REWARD"
)

type LedgerEntry struct {
	ID            string
	AffiliateID   string
	Type          string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	ReferenceID   string
	CreatedAt     time.Time
}

type Click struct {
	AffiliateID string
	IPAddress   string
	CreatedAt   time.Time
}

// Суточная сводка по партнеру
type AnalyticsSummary struct {
	AffiliateID string
	Date        time.Time
	Conversions int
	Revenue     decimal.Decimal
	Commission  decimal.Decimal
}
