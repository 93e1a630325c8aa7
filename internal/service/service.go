package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/affiliate/internal/attribution"
	"github.com/iurnickita/affiliate/internal/balance"
	"github.com/iurnickita/affiliate/internal/commission"
	"github.com/iurnickita/affiliate/internal/fraud"
	"github.com/iurnickita/affiliate/internal/logger"
	"github.com/iurnickita/affiliate/internal/metrics"
	"github.com/iurnickita/affiliate/internal/mlm"
	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/money"
	"github.com/iurnickita/affiliate/internal/program"
	"github.com/iurnickita/affiliate/internal/service/config"
	"github.com/iurnickita/affiliate/internal/service/notifyclient"
	"github.com/iurnickita/affiliate/internal/store"
)

type Service interface {
	// ProcessOrder начисляет комиссию по завершенному заказу.
	// Отказ возвращается кодом в Result, ошибка - только при сбое хранилища.
	ProcessOrder(ctx context.Context, orderID string) (Result, error)
	GetBalance(ctx context.Context, affiliateID string) (model.Affiliate, error)
	GetLedger(ctx context.Context, affiliateID string) ([]model.LedgerEntry, error)
	GetReferrals(ctx context.Context, affiliateID string) ([]model.Referral, error)
	InvalidateProgram(ctx context.Context) error
}

// Коды результата обработки заказа
const (
	CodeOK                  = "OK"
	CodeOrderNotFound       = "ORDER_NOT_FOUND"
	CodeAlreadyProcessed    = "ALREADY_PROCESSED"
	CodeNoAffiliate         = "NO_AFFILIATE"
	CodeAffiliateInactive   = "AFFILIATE_INACTIVE"
	CodeProgramDisabled     = "PROGRAM_DISABLED"
	CodeSelfReferralBlocked = "SELF_REFERRAL_BLOCKED"
	CodeVelocityBlocked     = "VELOCITY_BLOCKED"
	CodeZeroCommission      = "ZERO_COMMISSION"
	CodeInternal            = "INTERNAL"
)

type Result struct {
	Success          bool            `json:"success"`
	Code             string          `json:"code"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	ReferralID       string          `json:"referral_id,omitempty"`
}

var (
	ErrInsufficientData = errors.New("insufficient data")
	errAlreadyProcessed = errors.New("order already processed")
)

const component = "settlement"

type service struct {
	cfg     config.Config
	store   store.Store
	program program.Provider
	gate    fraud.Gate
	engine  commission.Engine
	balance balance.Balance
	mlm     mlm.Distributor
	notify  notifyclient.Sender
	audit   *logger.Audit
	zaplog  *zap.Logger
	now     func() time.Time
}

type Deps struct {
	Store   store.Store
	Program program.Provider
	Notify  notifyclient.Sender
	Zaplog  *zap.Logger
	Now     func() time.Time
}

func NewService(cfg config.Config, deps Deps) Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	balance := balance.NewBalance(deps.Store, now)

	service := service{
		cfg:     cfg,
		store:   deps.Store,
		program: deps.Program,
		gate:    fraud.NewGate(deps.Store, now),
		engine:  commission.NewEngine(deps.Store, deps.Zaplog),
		balance: balance,
		mlm:     mlm.NewDistributor(balance, deps.Zaplog, now),
		notify:  deps.Notify,
		audit:   logger.NewAudit(deps.Zaplog),
		zaplog:  deps.Zaplog,
		now:     now,
	}
	return &service
}

func (service *service) ProcessOrder(ctx context.Context, orderID string) (Result, error) {
	result, err := service.processOrder(ctx, orderID)
	if err != nil {
		service.audit.Error(component, "order processing failed", map[string]any{
			"order": orderID,
			"error": err.Error(),
		})
		result = Result{Code: CodeInternal}
	}
	metrics.OrdersProcessed.WithLabelValues(result.Code).Inc()
	return result, err
}

func (service *service) processOrder(ctx context.Context, orderID string) (Result, error) {
	if orderID == "" {
		return Result{}, ErrInsufficientData
	}

	order, err := service.store.OrderGet(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return service.blocked(CodeOrderNotFound, orderID, "", nil), nil
		}
		return Result{}, err
	}

	existing, err := service.store.ReferralGetByOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if len(existing) > 0 {
		return service.blocked(CodeAlreadyProcessed, orderID, existing[0].AffiliateID, nil), nil
	}

	customer, err := service.customer(ctx, order)
	if err != nil {
		return Result{}, err
	}
	affiliateID, source := attribution.Resolve(order, customer)
	if affiliateID == "" {
		return service.blocked(CodeNoAffiliate, orderID, "", nil), nil
	}

	affiliate, err := service.store.AffiliateGet(ctx, affiliateID)
	switch {
	case errors.Is(err, store.ErrNoRows):
		return service.blocked(CodeAffiliateInactive, orderID, affiliateID, map[string]any{"reason": "not found"}), nil
	case err != nil:
		return Result{}, err
	case affiliate.Status != model.AffiliateStatusActive:
		return service.blocked(CodeAffiliateInactive, orderID, affiliateID, map[string]any{"status": affiliate.Status}), nil
	}

	program, err := service.program.Get(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return service.blocked(CodeProgramDisabled, orderID, affiliateID, nil), nil
		}
		return Result{}, err
	}
	if !program.IsActive {
		return service.blocked(CodeProgramDisabled, orderID, affiliateID, nil), nil
	}

	if !program.AllowSelfReferral {
		self, err := service.gate.SelfReferral(ctx, order, affiliate)
		if err != nil {
			return Result{}, err
		}
		if self {
			return service.blocked(CodeSelfReferralBlocked, orderID, affiliateID, nil), nil
		}
	}
	fast, err := service.gate.Velocity(ctx, affiliateID, program.Velocity)
	if err != nil {
		return Result{}, err
	}
	if fast {
		return service.blocked(CodeVelocityBlocked, orderID, affiliateID, nil), nil
	}

	calc, err := service.engine.Calculate(ctx, order, affiliate, customerType(customer), program)
	if err != nil {
		return Result{}, err
	}
	// сравнение с нулем после округления до сохраняемой точности
	amount := money.Round2(calc.Total)
	if amount.IsZero() && !program.ZeroValueReferrals {
		service.audit.Log(logger.SeverityInfo, component, "zero commission, referral skipped", map[string]any{
			"order":     orderID,
			"affiliate": affiliateID,
		})
		return Result{Success: true, Code: CodeZeroCommission, CommissionAmount: decimal.Zero}, nil
	}

	now := service.now().UTC()
	referral := model.Referral{
		ID:               uuid.NewString(),
		AffiliateID:      affiliateID,
		OrderID:          orderID,
		TotalOrderAmount: order.Total,
		NetOrderAmount:   calc.NetAmount,
		CommissionAmount: amount,
		Status:           model.ReferralStatusPending,
		IsFlagged:        affiliate.RiskScore >= program.FlagRiskScore,
		AvailableAt:      now.Add(program.HoldingPeriod()),
		CreatedAt:        now,
		Metadata: model.ReferralMetadata{
			Attribution: source,
			Lines:       calc.Lines,
		},
	}

	var rewards []model.Referral
	err = service.store.InTx(ctx, func(tx store.Tx) error {
		// повторная проверка внутри транзакции
		exists, err := tx.ReferralExists(ctx, orderID)
		if err != nil {
			return err
		}
		if exists {
			return errAlreadyProcessed
		}

		if err := tx.ReferralPost(ctx, referral); err != nil {
			return err
		}

		if program.IsLifetimeLinkOnPurchase && order.CustomerID != "" {
			if _, err := tx.CustomerLink(ctx, order.CustomerID, affiliateID); err != nil {
				return err
			}
		}

		rewards, err = service.mlm.Distribute(ctx, tx, mlm.Sale{
			OrderID:     orderID,
			Origin:      affiliate,
			TotalAmount: order.Total,
			NetAmount:   calc.NetAmount,
		}, program)
		if err != nil {
			return fmt.Errorf("mlm: %w", err)
		}

		return tx.AnalyticsIncrease(ctx, model.AnalyticsSummary{
			AffiliateID: affiliateID,
			Date:        now,
			Conversions: 1,
			Revenue:     order.Total,
			Commission:  referral.CommissionAmount,
		})
	})
	if err != nil {
		if errors.Is(err, errAlreadyProcessed) || errors.Is(err, store.ErrAlreadyExists) {
			return service.blocked(CodeAlreadyProcessed, orderID, affiliateID, nil), nil
		}
		return Result{}, err
	}

	metrics.AddCommission(metrics.CommissionPending, referral.CommissionAmount)
	for _, r := range rewards {
		metrics.MlmRewards.WithLabelValues(fmt.Sprint(r.Level)).Inc()
	}
	if referral.IsFlagged {
		service.audit.Warn(component, "referral flagged for review", map[string]any{
			"order":      orderID,
			"affiliate":  affiliateID,
			"risk_score": affiliate.RiskScore,
		})
	}

	service.sendNotification(ctx, affiliate, notifyclient.TriggerReferralPending, map[string]string{
		"order_id":    orderID,
		"referral_id": referral.ID,
		"amount":      referral.CommissionAmount.StringFixed(money.Scale),
	})

	return Result{
		Success:          true,
		Code:             CodeOK,
		CommissionAmount: referral.CommissionAmount,
		ReferralID:       referral.ID,
	}, nil
}

func (service *service) customer(ctx context.Context, order model.Order) (*model.Customer, error) {
	if order.CustomerID == "" {
		return nil, nil
	}
	customer, err := service.store.CustomerGet(ctx, order.CustomerID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

// Покупатель новый, если это его первый заказ. Гостевой заказ считается новым.
func customerType(customer *model.Customer) string {
	if customer == nil || customer.OrderCount <= 1 {
		return model.CustomerTypeNew
	}
	return model.CustomerTypeReturning
}

func (service *service) blocked(code string, orderID string, affiliateID string, extra map[string]any) Result {
	fields := map[string]any{"order": orderID, "code": code}
	if affiliateID != "" {
		fields["affiliate"] = affiliateID
	}
	for k, v := range extra {
		fields[k] = v
	}
	if blocking(code) {
		service.audit.Warn(component, "order blocked", fields)
	} else {
		service.audit.Log(logger.SeverityInfo, component, "order not attributed", fields)
	}
	return Result{Code: code, CommissionAmount: decimal.Zero}
}

// blocking - отказ проверки партнера или антифрода. Остальные коды - штатные исходы.
func blocking(code string) bool {
	switch code {
	case CodeAffiliateInactive, CodeSelfReferralBlocked, CodeVelocityBlocked:
		return true
	}
	return false
}

// sendNotification не влияет на результат: ошибка только логируется
func (service *service) sendNotification(ctx context.Context, affiliate model.Affiliate, trigger string, data map[string]string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), service.cfg.NotifyTimeout)
	defer cancel()

	err := service.notify.Send(ctx, notifyclient.Notification{
		Trigger: trigger,
		Email:   affiliate.Email,
		UserID:  affiliate.UserID,
		Data:    data,
	})
	if err != nil {
		service.zaplog.Warn("notification failed",
			zap.String("trigger", trigger),
			zap.String("affiliate", affiliate.ID),
			zap.Error(err))
	}
}

func (service *service) GetBalance(ctx context.Context, affiliateID string) (model.Affiliate, error) {
	if affiliateID == "" {
		return model.Affiliate{}, ErrInsufficientData
	}
	return service.balance.Get(ctx, affiliateID)
}

func (service *service) GetLedger(ctx context.Context, affiliateID string) ([]model.LedgerEntry, error) {
	if affiliateID == "" {
		return nil, ErrInsufficientData
	}
	return service.balance.GetHistory(ctx, affiliateID)
}

func (service *service) GetReferrals(ctx context.Context, affiliateID string) ([]model.Referral, error) {
	if affiliateID == "" {
		return nil, ErrInsufficientData
	}
	return service.store.ReferralGetByAffiliate(ctx, affiliateID)
}

func (service *service) InvalidateProgram(ctx context.Context) error {
	return service.program.Invalidate(ctx)
}
