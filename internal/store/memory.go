package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/affiliate/internal/model"
)

var _ Store = (*MemStore)(nil)

// MemStore - хранилище в памяти для тестов и локального запуска.
// Транзакции выполняются последовательно над копией данных.
type MemStore struct {
	mu   sync.RWMutex
	data memData
}

type memData struct {
	orders       map[string]model.Order
	customers    map[string]model.Customer
	affiliates   map[string]model.Affiliate
	groups       map[string]model.Group
	tiers        map[string]model.Tier
	productRates map[string]model.ProductRate
	clicks       []model.Click
	referrals    []model.Referral
	ledger       []model.LedgerEntry
	analytics    map[string]model.AnalyticsSummary
	program      *model.Program
}

func NewMemStore() *MemStore {
	return &MemStore{data: memData{
		orders:       make(map[string]model.Order),
		customers:    make(map[string]model.Customer),
		affiliates:   make(map[string]model.Affiliate),
		groups:       make(map[string]model.Group),
		tiers:        make(map[string]model.Tier),
		productRates: make(map[string]model.ProductRate),
		analytics:    make(map[string]model.AnalyticsSummary),
	}}
}

func (d memData) clone() memData {
	c := memData{
		orders:       maps.Clone(d.orders),
		customers:    maps.Clone(d.customers),
		affiliates:   maps.Clone(d.affiliates),
		groups:       maps.Clone(d.groups),
		tiers:        maps.Clone(d.tiers),
		productRates: maps.Clone(d.productRates),
		clicks:       slices.Clone(d.clicks),
		referrals:    slices.Clone(d.referrals),
		ledger:       slices.Clone(d.ledger),
		analytics:    maps.Clone(d.analytics),
		program:      d.program,
	}
	return c
}

func rateKey(productID, affiliateID, groupID string) string {
	return productID + "|" + affiliateID + "|" + groupID
}

func analyticsKey(affiliateID string, day time.Time) string {
	return affiliateID + "|" + Day(day).Format(time.DateOnly)
}

// Наполнение данными

func (s *MemStore) OrderPut(order model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.orders[order.ID] = order
}

func (s *MemStore) CustomerPut(customer model.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.customers[customer.ID] = customer
}

func (s *MemStore) AffiliatePut(affiliate model.Affiliate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.affiliates[affiliate.ID] = affiliate
}

func (s *MemStore) GroupPut(group model.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.groups[group.ID] = group
}

func (s *MemStore) TierPut(tier model.Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.tiers[tier.ID] = tier
}

func (s *MemStore) ProductRatePut(rate model.ProductRate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.productRates[rateKey(rate.ProductID, rate.AffiliateID, rate.GroupID)] = rate
}

func (s *MemStore) ClickPost(click model.Click) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.clicks = append(s.data.clicks, click)
}

func (s *MemStore) ReferralPut(referral model.Referral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.data.referrals {
		if r.ID == referral.ID {
			s.data.referrals[i] = referral
			return
		}
	}
	s.data.referrals = append(s.data.referrals, referral)
}

func (s *MemStore) ProgramPut(program model.Program) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.program = &program
}

// Чтение

func (s *MemStore) OrderGet(_ context.Context, orderID string) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.data.orders[orderID]
	if !ok {
		return model.Order{}, ErrNoRows
	}
	return order, nil
}

func (s *MemStore) CustomerGet(_ context.Context, customerID string) (model.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	customer, ok := s.data.customers[customerID]
	if !ok {
		return model.Customer{}, ErrNoRows
	}
	if customer.OrderCount == 0 {
		for _, order := range s.data.orders {
			if order.CustomerID == customerID {
				customer.OrderCount++
			}
		}
	}
	return customer, nil
}

func (s *MemStore) AffiliateGet(_ context.Context, affiliateID string) (model.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.affiliateGet(affiliateID)
}

func (d memData) affiliateGet(affiliateID string) (model.Affiliate, error) {
	affiliate, ok := d.affiliates[affiliateID]
	if !ok {
		return model.Affiliate{}, ErrNoRows
	}
	return affiliate, nil
}

func (s *MemStore) AffiliateGetActive(_ context.Context) ([]model.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var affiliates []model.Affiliate
	for _, affiliate := range s.data.affiliates {
		if affiliate.Status == model.AffiliateStatusActive {
			affiliates = append(affiliates, affiliate)
		}
	}
	sort.Slice(affiliates, func(i, j int) bool { return affiliates[i].ID < affiliates[j].ID })
	return affiliates, nil
}

func (s *MemStore) AffiliateGetClickedSince(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var ids []string
	for _, click := range s.data.clicks {
		if click.CreatedAt.Before(since) || seen[click.AffiliateID] {
			continue
		}
		seen[click.AffiliateID] = true
		ids = append(ids, click.AffiliateID)
	}
	return ids, nil
}

func (s *MemStore) AffiliateSetTier(_ context.Context, affiliateID string, tierID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	affiliate, err := s.data.affiliateGet(affiliateID)
	if err != nil {
		return err
	}
	affiliate.TierID = tierID
	s.data.affiliates[affiliateID] = affiliate
	return nil
}

func (s *MemStore) AffiliateSetRiskScore(_ context.Context, affiliateID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	affiliate, err := s.data.affiliateGet(affiliateID)
	if err != nil {
		return err
	}
	affiliate.RiskScore = score
	s.data.affiliates[affiliateID] = affiliate
	return nil
}

func (s *MemStore) GroupGet(_ context.Context, groupID string) (model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.data.groups[groupID]
	if !ok {
		return model.Group{}, ErrNoRows
	}
	return group, nil
}

func (s *MemStore) TierGet(_ context.Context, tierID string) (model.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tier, ok := s.data.tiers[tierID]
	if !ok {
		return model.Tier{}, ErrNoRows
	}
	return tier, nil
}

func (s *MemStore) TierGetAll(_ context.Context) ([]model.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tiers := slices.Collect(maps.Values(s.data.tiers))
	sort.Slice(tiers, func(i, j int) bool {
		if c := tiers[i].MinSalesAmount.Cmp(tiers[j].MinSalesAmount); c != 0 {
			return c > 0
		}
		return tiers[i].MinSalesCount > tiers[j].MinSalesCount
	})
	return tiers, nil
}

func (s *MemStore) ProductRateGetAffiliate(_ context.Context, productID string, affiliateID string) (model.ProductRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.data.productRates[rateKey(productID, affiliateID, "")]
	if !ok {
		return model.ProductRate{}, ErrNoRows
	}
	return rate, nil
}

func (s *MemStore) ProductRateGetGroup(_ context.Context, productID string, groupID string) (model.ProductRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.data.productRates[rateKey(productID, "", groupID)]
	if !ok {
		return model.ProductRate{}, ErrNoRows
	}
	return rate, nil
}

func (s *MemStore) ClickGetLast(_ context.Context, affiliateID string) (model.Click, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last model.Click
	found := false
	for _, click := range s.data.clicks {
		if click.AffiliateID == affiliateID && (!found || !click.CreatedAt.Before(last.CreatedAt)) {
			last = click
			found = true
		}
	}
	if !found {
		return model.Click{}, ErrNoRows
	}
	return last, nil
}

func (s *MemStore) ClickCount(_ context.Context, affiliateID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, click := range s.data.clicks {
		if click.AffiliateID == affiliateID && !click.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemStore) referralFilter(keep func(r model.Referral) bool) []model.Referral {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var referrals []model.Referral
	for _, r := range s.data.referrals {
		if keep(r) {
			referrals = append(referrals, r)
		}
	}
	return referrals
}

func (s *MemStore) ReferralGetByOrder(_ context.Context, orderID string) ([]model.Referral, error) {
	referrals := s.referralFilter(func(r model.Referral) bool { return r.OrderID == orderID })
	sort.SliceStable(referrals, func(i, j int) bool { return referrals[i].Level < referrals[j].Level })
	return referrals, nil
}

func (s *MemStore) ReferralGetByAffiliate(_ context.Context, affiliateID string) ([]model.Referral, error) {
	return s.referralFilter(func(r model.Referral) bool { return r.AffiliateID == affiliateID }), nil
}

func (s *MemStore) ReferralGetMatured(_ context.Context, now time.Time, limit int) ([]model.Referral, error) {
	referrals := s.referralFilter(func(r model.Referral) bool {
		return r.Status == model.ReferralStatusPending && !r.AvailableAt.After(now)
	})
	sort.SliceStable(referrals, func(i, j int) bool { return referrals[i].AvailableAt.Before(referrals[j].AvailableAt) })
	if len(referrals) > limit {
		referrals = referrals[:limit]
	}
	return referrals, nil
}

func (s *MemStore) ReferralCount(_ context.Context, affiliateID string, since time.Time) (int, error) {
	return len(s.referralFilter(func(r model.Referral) bool {
		return r.AffiliateID == affiliateID && !r.IsMlmReward && !r.CreatedAt.Before(since)
	})), nil
}

func (s *MemStore) ReferralCountFlagged(_ context.Context, affiliateID string) (int, error) {
	return len(s.referralFilter(func(r model.Referral) bool {
		return r.AffiliateID == affiliateID && r.IsFlagged
	})), nil
}

func (s *MemStore) ReferralCountPaid(_ context.Context, affiliateID string) (int, error) {
	return len(s.referralFilter(func(r model.Referral) bool {
		return r.AffiliateID == affiliateID && r.Status == model.ReferralStatusPaid
	})), nil
}

func (s *MemStore) LedgerGet(_ context.Context, affiliateID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []model.LedgerEntry
	for _, entry := range s.data.ledger {
		if entry.AffiliateID == affiliateID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *MemStore) AnalyticsGet(_ context.Context, affiliateID string, day time.Time) (model.AnalyticsSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.data.analytics[analyticsKey(affiliateID, day)]
	if !ok {
		return model.AnalyticsSummary{}, ErrNoRows
	}
	return summary, nil
}

func (s *MemStore) ProgramGet(_ context.Context) (model.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.program == nil {
		return model.Program{}, ErrNoRows
	}
	return s.data.program.WithDefaults(), nil
}

func (s *MemStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{data: s.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

func (s *MemStore) Close() {}

type memTx struct {
	data memData
}

func (t *memTx) AffiliateGet(_ context.Context, affiliateID string) (model.Affiliate, error) {
	return t.data.affiliateGet(affiliateID)
}

func (t *memTx) ReferralExists(_ context.Context, orderID string) (bool, error) {
	for _, r := range t.data.referrals {
		if r.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ReferralGet(_ context.Context, referralID string) (model.Referral, error) {
	for _, r := range t.data.referrals {
		if r.ID == referralID {
			return r, nil
		}
	}
	return model.Referral{}, ErrNoRows
}

func (t *memTx) ReferralPost(_ context.Context, referral model.Referral) error {
	for _, r := range t.data.referrals {
		if r.ID == referral.ID {
			return ErrAlreadyExists
		}
		// аналог уникального индекса по заказу для прямых начислений
		if !referral.IsMlmReward && !r.IsMlmReward && r.OrderID == referral.OrderID {
			return ErrAlreadyExists
		}
	}
	t.data.referrals = append(t.data.referrals, referral)
	return nil
}

func (t *memTx) ReferralApprove(_ context.Context, referralID string) error {
	for i, r := range t.data.referrals {
		if r.ID != referralID {
			continue
		}
		if r.Status != model.ReferralStatusPending {
			return ErrNotPending
		}
		t.data.referrals[i].Status = model.ReferralStatusApproved
		return nil
	}
	return ErrNoRows
}

func (t *memTx) BalanceIncrease(_ context.Context, affiliateID string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, decimal.Zero, ErrAmountInvalid
	}
	affiliate, err := t.data.affiliateGet(affiliateID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	before := affiliate.Balance
	affiliate.Balance = affiliate.Balance.Add(amount)
	affiliate.TotalEarnings = affiliate.TotalEarnings.Add(amount)
	t.data.affiliates[affiliateID] = affiliate
	return before, affiliate.Balance, nil
}

func (t *memTx) LedgerPost(_ context.Context, entry model.LedgerEntry) error {
	t.data.ledger = append(t.data.ledger, entry)
	return nil
}

func (t *memTx) CustomerLink(_ context.Context, customerID string, affiliateID string) (bool, error) {
	customer, ok := t.data.customers[customerID]
	if !ok || customer.ReferredByAffiliateID != "" {
		return false, nil
	}
	customer.ReferredByAffiliateID = affiliateID
	t.data.customers[customerID] = customer
	return true, nil
}

func (t *memTx) AnalyticsIncrease(_ context.Context, summary model.AnalyticsSummary) error {
	key := analyticsKey(summary.AffiliateID, summary.Date)
	current, ok := t.data.analytics[key]
	if !ok {
		current = model.AnalyticsSummary{
			AffiliateID: summary.AffiliateID,
			Date:        Day(summary.Date),
			Revenue:     decimal.Zero,
			Commission:  decimal.Zero,
		}
	}
	current.Conversions += summary.Conversions
	current.Revenue = current.Revenue.Add(summary.Revenue)
	current.Commission = current.Commission.Add(summary.Commission)
	t.data.analytics[key] = current
	return nil
}
