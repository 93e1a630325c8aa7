package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/affiliate/internal/model"
	"github.com/iurnickita/affiliate/internal/store/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var schema = []string{
	// Заказы и покупатели. Заполняются магазином, здесь только читаются
	"CREATE TABLE IF NOT EXISTS orders (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" customer_id VARCHAR (64)," +
		" affiliate_id VARCHAR (64)," +
		" subtotal NUMERIC NOT NULL," +
		" total NUMERIC NOT NULL," +
		" tax NUMERIC NOT NULL DEFAULT 0," +
		" shipping NUMERIC NOT NULL DEFAULT 0," +
		" ip_address VARCHAR (64)," +
		" email VARCHAR (255)," +
		" created_at TIMESTAMPTZ NOT NULL DEFAULT now()" +
		" );",
	"CREATE TABLE IF NOT EXISTS order_items (" +
		" order_id VARCHAR (64) NOT NULL," +
		" position INTEGER NOT NULL," +
		" product_id VARCHAR (64) NOT NULL," +
		" category_ids TEXT[] NOT NULL DEFAULT '{}'," +
		" quantity INTEGER NOT NULL," +
		" total NUMERIC NOT NULL," +
		" tax NUMERIC NOT NULL DEFAULT 0," +
		" shipping NUMERIC NOT NULL DEFAULT 0," +
		" PRIMARY KEY (order_id, position)" +
		" );",
	"CREATE TABLE IF NOT EXISTS customers (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" email VARCHAR (255)," +
		" referred_by_affiliate_id VARCHAR (64)" +
		" );",
	// Партнеры и справочники ставок
	"CREATE TABLE IF NOT EXISTS affiliates (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" user_id VARCHAR (64) NOT NULL," +
		" email VARCHAR (255)," +
		" status VARCHAR (10) NOT NULL," +
		" balance NUMERIC NOT NULL DEFAULT 0," +
		" total_earnings NUMERIC NOT NULL DEFAULT 0," +
		" risk_score INTEGER NOT NULL DEFAULT 0," +
		" group_id VARCHAR (64)," +
		" tier_id VARCHAR (64)," +
		" parent_id VARCHAR (64)" +
		" );",
	"CREATE TABLE IF NOT EXISTS affiliate_groups (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" name VARCHAR (100) NOT NULL," +
		" commission_rate NUMERIC NOT NULL" +
		" );",
	"CREATE TABLE IF NOT EXISTS affiliate_tiers (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" name VARCHAR (100) NOT NULL," +
		" commission_rate NUMERIC NOT NULL," +
		" commission_type VARCHAR (10) NOT NULL," +
		" min_sales_amount NUMERIC NOT NULL DEFAULT 0," +
		" min_sales_count INTEGER NOT NULL DEFAULT 0" +
		" );",
	"CREATE TABLE IF NOT EXISTS affiliate_product_rates (" +
		" product_id VARCHAR (64) NOT NULL," +
		" affiliate_id VARCHAR (64) NOT NULL DEFAULT ''," +
		" group_id VARCHAR (64) NOT NULL DEFAULT ''," +
		" rate NUMERIC NOT NULL," +
		" type VARCHAR (10) NOT NULL," +
		" is_disabled BOOLEAN NOT NULL DEFAULT false," +
		" PRIMARY KEY (product_id, affiliate_id, group_id)" +
		" );",
	"CREATE TABLE IF NOT EXISTS affiliate_clicks (" +
		" id BIGSERIAL PRIMARY KEY," +
		" affiliate_id VARCHAR (64) NOT NULL," +
		" ip_address VARCHAR (64)," +
		" created_at TIMESTAMPTZ NOT NULL" +
		" );",
	"CREATE INDEX IF NOT EXISTS affiliate_clicks_affiliate ON affiliate_clicks (affiliate_id, created_at);",
	// Начисления. Прямое начисление по заказу может быть только одно
	"CREATE TABLE IF NOT EXISTS referrals (" +
		" id UUID PRIMARY KEY," +
		" affiliate_id VARCHAR (64) NOT NULL," +
		" order_id VARCHAR (64) NOT NULL," +
		" total_order_amount NUMERIC NOT NULL," +
		" net_order_amount NUMERIC NOT NULL," +
		" commission_amount NUMERIC NOT NULL," +
		" status VARCHAR (10) NOT NULL," +
		" is_flagged BOOLEAN NOT NULL DEFAULT false," +
		" is_mlm_reward BOOLEAN NOT NULL DEFAULT false," +
		" from_downline_id VARCHAR (64)," +
		" level INTEGER NOT NULL DEFAULT 0," +
		" available_at TIMESTAMPTZ NOT NULL," +
		" created_at TIMESTAMPTZ NOT NULL," +
		" metadata JSONB" +
		" );",
	"CREATE UNIQUE INDEX IF NOT EXISTS referrals_direct_order ON referrals (order_id) WHERE NOT is_mlm_reward;",
	"CREATE INDEX IF NOT EXISTS referrals_pending ON referrals (available_at) WHERE status = 'PENDING';",
	// Журнал баланса. Только вставка
	"CREATE TABLE IF NOT EXISTS affiliate_ledger (" +
		" id UUID PRIMARY KEY," +
		" affiliate_id VARCHAR (64) NOT NULL," +
		" type VARCHAR (32) NOT NULL," +
		" amount NUMERIC NOT NULL," +
		" balance_before NUMERIC NOT NULL," +
		" balance_after NUMERIC NOT NULL," +
		" description TEXT," +
		" reference_id VARCHAR (64)," +
		" created_at TIMESTAMPTZ NOT NULL" +
		" );",
	"CREATE TABLE IF NOT EXISTS affiliate_analytics_summary (" +
		" affiliate_id VARCHAR (64) NOT NULL," +
		" date DATE NOT NULL," +
		" conversions INTEGER NOT NULL DEFAULT 0," +
		" revenue NUMERIC NOT NULL DEFAULT 0," +
		" commission NUMERIC NOT NULL DEFAULT 0," +
		" PRIMARY KEY (affiliate_id, date)" +
		" );",
	// Настройки программы (одна строка) и глобальные правила по порядку
	"CREATE TABLE IF NOT EXISTS affiliate_program (" +
		" id INTEGER PRIMARY KEY DEFAULT 1," +
		" settings JSONB NOT NULL" +
		" );",
	"CREATE TABLE IF NOT EXISTS commission_rules (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" position INTEGER NOT NULL," +
		" body JSONB NOT NULL" +
		" );",
}

type pgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, cfg config.Config) (Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	for _, stmt := range schema {
		if _, err = pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &pgStore{pool: pool}, nil
}

func (store *pgStore) Close() {
	store.pool.Close()
}

// querier - общее у пула и транзакции
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func noRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

func (store *pgStore) OrderGet(ctx context.Context, orderID string) (model.Order, error) {
	var order model.Order
	row := store.pool.QueryRow(ctx,
		"SELECT id, COALESCE(customer_id, ''), COALESCE(affiliate_id, ''),"+
			" subtotal::text, total::text, tax::text, shipping::text,"+
			" COALESCE(ip_address, ''), COALESCE(email, ''), created_at"+
			" FROM orders WHERE id = $1",
		orderID)
	err := row.Scan(&order.ID,
		&order.CustomerID,
		&order.AffiliateID,
		&order.Subtotal,
		&order.Total,
		&order.Tax,
		&order.Shipping,
		&order.IPAddress,
		&order.Email,
		&order.CreatedAt)
	if err != nil {
		return model.Order{}, noRows(err)
	}

	// Строки заказа
	rows, err := store.pool.Query(ctx,
		"SELECT product_id, category_ids, quantity, total::text, tax::text, shipping::text"+
			" FROM order_items WHERE order_id = $1 ORDER BY position",
		orderID)
	if err != nil {
		return model.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item model.OrderItem
		err := rows.Scan(&item.ProductID,
			&item.CategoryIDs,
			&item.Quantity,
			&item.Total,
			&item.Tax,
			&item.Shipping)
		if err != nil {
			return model.Order{}, err
		}
		order.Items = append(order.Items, item)
	}
	return order, rows.Err()
}

func (store *pgStore) CustomerGet(ctx context.Context, customerID string) (model.Customer, error) {
	var customer model.Customer
	row := store.pool.QueryRow(ctx,
		"SELECT c.id, COALESCE(c.email, ''), COALESCE(c.referred_by_affiliate_id, ''),"+
			" (SELECT count(*) FROM orders o WHERE o.customer_id = c.id)"+
			" FROM customers c WHERE c.id = $1",
		customerID)
	err := row.Scan(&customer.ID,
		&customer.Email,
		&customer.ReferredByAffiliateID,
		&customer.OrderCount)
	if err != nil {
		return model.Customer{}, noRows(err)
	}
	return customer, nil
}

const affiliateColumns = "id, user_id, COALESCE(email, ''), status, balance::text, total_earnings::text," +
	" risk_score, COALESCE(group_id, ''), COALESCE(tier_id, ''), COALESCE(parent_id, '')"

func scanAffiliate(row pgx.Row) (model.Affiliate, error) {
	var affiliate model.Affiliate
	err := row.Scan(&affiliate.ID,
		&affiliate.UserID,
		&affiliate.Email,
		&affiliate.Status,
		&affiliate.Balance,
		&affiliate.TotalEarnings,
		&affiliate.RiskScore,
		&affiliate.GroupID,
		&affiliate.TierID,
		&affiliate.ParentID)
	return affiliate, err
}

func affiliateGet(ctx context.Context, q querier, affiliateID string) (model.Affiliate, error) {
	row := q.QueryRow(ctx,
		"SELECT "+affiliateColumns+" FROM affiliates WHERE id = $1",
		affiliateID)
	affiliate, err := scanAffiliate(row)
	if err != nil {
		return model.Affiliate{}, noRows(err)
	}
	return affiliate, nil
}

func (store *pgStore) AffiliateGet(ctx context.Context, affiliateID string) (model.Affiliate, error) {
	return affiliateGet(ctx, store.pool, affiliateID)
}

func (store *pgStore) AffiliateGetActive(ctx context.Context) ([]model.Affiliate, error) {
	rows, err := store.pool.Query(ctx,
		"SELECT "+affiliateColumns+" FROM affiliates WHERE status = $1 ORDER BY id",
		model.AffiliateStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var affiliates []model.Affiliate
	for rows.Next() {
		affiliate, err := scanAffiliate(rows)
		if err != nil {
			return nil, err
		}
		affiliates = append(affiliates, affiliate)
	}
	return affiliates, rows.Err()
}

func (store *pgStore) AffiliateGetClickedSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := store.pool.Query(ctx,
		"SELECT DISTINCT affiliate_id FROM affiliate_clicks WHERE created_at >= $1",
		since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (store *pgStore) AffiliateSetTier(ctx context.Context, affiliateID string, tierID string) error {
	_, err := store.pool.Exec(ctx,
		"UPDATE affiliates SET tier_id = NULLIF($1, '') WHERE id = $2",
		tierID,
		affiliateID)
	return err
}

func (store *pgStore) AffiliateSetRiskScore(ctx context.Context, affiliateID string, score int) error {
	_, err := store.pool.Exec(ctx,
		"UPDATE affiliates SET risk_score = $1 WHERE id = $2",
		score,
		affiliateID)
	return err
}

func (store *pgStore) GroupGet(ctx context.Context, groupID string) (model.Group, error) {
	var group model.Group
	row := store.pool.QueryRow(ctx,
		"SELECT id, name, commission_rate::text FROM affiliate_groups WHERE id = $1",
		groupID)
	if err := row.Scan(&group.ID, &group.Name, &group.CommissionRate); err != nil {
		return model.Group{}, noRows(err)
	}
	return group, nil
}

const tierColumns = "id, name, commission_rate::text, commission_type, min_sales_amount::text, min_sales_count"

func scanTier(row pgx.Row) (model.Tier, error) {
	var tier model.Tier
	err := row.Scan(&tier.ID,
		&tier.Name,
		&tier.CommissionRate,
		&tier.CommissionType,
		&tier.MinSalesAmount,
		&tier.MinSalesCount)
	return tier, err
}

func (store *pgStore) TierGet(ctx context.Context, tierID string) (model.Tier, error) {
	row := store.pool.QueryRow(ctx,
		"SELECT "+tierColumns+" FROM affiliate_tiers WHERE id = $1",
		tierID)
	tier, err := scanTier(row)
	if err != nil {
		return model.Tier{}, noRows(err)
	}
	return tier, nil
}

func (store *pgStore) TierGetAll(ctx context.Context) ([]model.Tier, error) {
	rows, err := store.pool.Query(ctx,
		"SELECT "+tierColumns+" FROM affiliate_tiers ORDER BY min_sales_amount DESC, min_sales_count DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tiers []model.Tier
	for rows.Next() {
		tier, err := scanTier(rows)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	return tiers, rows.Err()
}

func (store *pgStore) productRateGet(ctx context.Context, productID, affiliateID, groupID string) (model.ProductRate, error) {
	var rate model.ProductRate
	row := store.pool.QueryRow(ctx,
		"SELECT product_id, affiliate_id, group_id, rate::text, type, is_disabled"+
			" FROM affiliate_product_rates"+
			" WHERE product_id = $1 AND affiliate_id = $2 AND group_id = $3",
		productID,
		affiliateID,
		groupID)
	err := row.Scan(&rate.ProductID,
		&rate.AffiliateID,
		&rate.GroupID,
		&rate.Rate,
		&rate.Type,
		&rate.IsDisabled)
	if err != nil {
		return model.ProductRate{}, noRows(err)
	}
	return rate, nil
}

func (store *pgStore) ProductRateGetAffiliate(ctx context.Context, productID string, affiliateID string) (model.ProductRate, error) {
	return store.productRateGet(ctx, productID, affiliateID, "")
}

func (store *pgStore) ProductRateGetGroup(ctx context.Context, productID string, groupID string) (model.ProductRate, error) {
	return store.productRateGet(ctx, productID, "", groupID)
}

func (store *pgStore) ClickGetLast(ctx context.Context, affiliateID string) (model.Click, error) {
	var click model.Click
	row := store.pool.QueryRow(ctx,
		"SELECT affiliate_id, COALESCE(ip_address, ''), created_at"+
			" FROM affiliate_clicks WHERE affiliate_id = $1"+
			" ORDER BY created_at DESC LIMIT 1",
		affiliateID)
	if err := row.Scan(&click.AffiliateID, &click.IPAddress, &click.CreatedAt); err != nil {
		return model.Click{}, noRows(err)
	}
	return click, nil
}

func (store *pgStore) ClickCount(ctx context.Context, affiliateID string, since time.Time) (int, error) {
	var count int
	err := store.pool.QueryRow(ctx,
		"SELECT count(*) FROM affiliate_clicks WHERE affiliate_id = $1 AND created_at >= $2",
		affiliateID,
		since).Scan(&count)
	return count, err
}

const referralColumns = "id::text, affiliate_id, order_id, total_order_amount::text, net_order_amount::text," +
	" commission_amount::text, status, is_flagged, is_mlm_reward, COALESCE(from_downline_id, ''), level," +
	" available_at, created_at, metadata"

func scanReferral(row pgx.Row) (model.Referral, error) {
	var referral model.Referral
	var metadata []byte
	err := row.Scan(&referral.ID,
		&referral.AffiliateID,
		&referral.OrderID,
		&referral.TotalOrderAmount,
		&referral.NetOrderAmount,
		&referral.CommissionAmount,
		&referral.Status,
		&referral.IsFlagged,
		&referral.IsMlmReward,
		&referral.FromDownlineID,
		&referral.Level,
		&referral.AvailableAt,
		&referral.CreatedAt,
		&metadata)
	if err != nil {
		return model.Referral{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &referral.Metadata); err != nil {
			return model.Referral{}, fmt.Errorf("referral %s metadata: %w", referral.ID, err)
		}
	}
	return referral, nil
}

func (store *pgStore) referralQuery(ctx context.Context, sql string, args ...any) ([]model.Referral, error) {
	rows, err := store.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var referrals []model.Referral
	for rows.Next() {
		referral, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		referrals = append(referrals, referral)
	}
	return referrals, rows.Err()
}

func (store *pgStore) ReferralGetByOrder(ctx context.Context, orderID string) ([]model.Referral, error) {
	return store.referralQuery(ctx,
		"SELECT "+referralColumns+" FROM referrals WHERE order_id = $1 ORDER BY level",
		orderID)
}

func (store *pgStore) ReferralGetByAffiliate(ctx context.Context, affiliateID string) ([]model.Referral, error) {
	return store.referralQuery(ctx,
		"SELECT "+referralColumns+" FROM referrals WHERE affiliate_id = $1 ORDER BY created_at",
		affiliateID)
}

func (store *pgStore) ReferralGetMatured(ctx context.Context, now time.Time, limit int) ([]model.Referral, error) {
	return store.referralQuery(ctx,
		"SELECT "+referralColumns+" FROM referrals"+
			" WHERE status = $1 AND available_at <= $2"+
			" ORDER BY available_at LIMIT $3",
		model.ReferralStatusPending,
		now,
		limit)
}

func (store *pgStore) count(ctx context.Context, sql string, args ...any) (int, error) {
	var count int
	err := store.pool.QueryRow(ctx, sql, args...).Scan(&count)
	return count, err
}

func (store *pgStore) ReferralCount(ctx context.Context, affiliateID string, since time.Time) (int, error) {
	return store.count(ctx,
		"SELECT count(*) FROM referrals"+
			" WHERE affiliate_id = $1 AND NOT is_mlm_reward AND created_at >= $2",
		affiliateID,
		since)
}

func (store *pgStore) ReferralCountFlagged(ctx context.Context, affiliateID string) (int, error) {
	return store.count(ctx,
		"SELECT count(*) FROM referrals WHERE affiliate_id = $1 AND is_flagged",
		affiliateID)
}

func (store *pgStore) ReferralCountPaid(ctx context.Context, affiliateID string) (int, error) {
	return store.count(ctx,
		"SELECT count(*) FROM referrals WHERE affiliate_id = $1 AND status = $2",
		affiliateID,
		model.ReferralStatusPaid)
}

func (store *pgStore) LedgerGet(ctx context.Context, affiliateID string) ([]model.LedgerEntry, error) {
	rows, err := store.pool.Query(ctx,
		"SELECT id::text, affiliate_id, type, amount::text, balance_before::text, balance_after::text,"+
			" COALESCE(description, ''), COALESCE(reference_id, ''), created_at"+
			" FROM affiliate_ledger WHERE affiliate_id = $1 ORDER BY created_at",
		affiliateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.LedgerEntry
	for rows.Next() {
		var entry model.LedgerEntry
		err := rows.Scan(&entry.ID,
			&entry.AffiliateID,
			&entry.Type,
			&entry.Amount,
			&entry.BalanceBefore,
			&entry.BalanceAfter,
			&entry.Description,
			&entry.ReferenceID,
			&entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (store *pgStore) AnalyticsGet(ctx context.Context, affiliateID string, day time.Time) (model.AnalyticsSummary, error) {
	var summary model.AnalyticsSummary
	row := store.pool.QueryRow(ctx,
		"SELECT affiliate_id, date, conversions, revenue::text, commission::text"+
			" FROM affiliate_analytics_summary WHERE affiliate_id = $1 AND date = $2",
		affiliateID,
		Day(day))
	err := row.Scan(&summary.AffiliateID,
		&summary.Date,
		&summary.Conversions,
		&summary.Revenue,
		&summary.Commission)
	if err != nil {
		return model.AnalyticsSummary{}, noRows(err)
	}
	return summary, nil
}

func (store *pgStore) ProgramGet(ctx context.Context) (model.Program, error) {
	var settings []byte
	err := store.pool.QueryRow(ctx, "SELECT settings FROM affiliate_program WHERE id = 1").Scan(&settings)
	if err != nil {
		return model.Program{}, noRows(err)
	}
	var program model.Program
	if err := json.Unmarshal(settings, &program); err != nil {
		return model.Program{}, fmt.Errorf("program settings: %w", err)
	}

	// Глобальные правила в порядке хранения
	rows, err := store.pool.Query(ctx, "SELECT body FROM commission_rules ORDER BY position, id")
	if err != nil {
		return model.Program{}, err
	}
	defer rows.Close()
	program.Rules = nil
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return model.Program{}, err
		}
		var rule model.CommissionRule
		if err := json.Unmarshal(body, &rule); err != nil {
			return model.Program{}, fmt.Errorf("commission rule: %w", err)
		}
		program.Rules = append(program.Rules, rule)
	}
	if err := rows.Err(); err != nil {
		return model.Program{}, err
	}
	return program.WithDefaults(), nil
}

func (store *pgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) AffiliateGet(ctx context.Context, affiliateID string) (model.Affiliate, error) {
	return affiliateGet(ctx, t.tx, affiliateID)
}

func (t *pgTx) ReferralExists(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM referrals WHERE order_id = $1)",
		orderID).Scan(&exists)
	return exists, err
}

func (t *pgTx) ReferralGet(ctx context.Context, referralID string) (model.Referral, error) {
	row := t.tx.QueryRow(ctx,
		"SELECT "+referralColumns+" FROM referrals WHERE id = $1 FOR UPDATE",
		referralID)
	referral, err := scanReferral(row)
	if err != nil {
		return model.Referral{}, noRows(err)
	}
	return referral, nil
}

func (t *pgTx) ReferralPost(ctx context.Context, referral model.Referral) error {
	metadata, err := json.Marshal(referral.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		"INSERT INTO referrals (id, affiliate_id, order_id, total_order_amount, net_order_amount,"+
			" commission_amount, status, is_flagged, is_mlm_reward, from_downline_id, level,"+
			" available_at, created_at, metadata)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14)",
		referral.ID,
		referral.AffiliateID,
		referral.OrderID,
		referral.TotalOrderAmount,
		referral.NetOrderAmount,
		referral.CommissionAmount,
		referral.Status,
		referral.IsFlagged,
		referral.IsMlmReward,
		referral.FromDownlineID,
		referral.Level,
		referral.AvailableAt,
		referral.CreatedAt,
		metadata)
	if err != nil {
		// Проверка: уже существует
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (t *pgTx) ReferralApprove(ctx context.Context, referralID string) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE referrals SET status = $1 WHERE id = $2 AND status = $3",
		model.ReferralStatusApproved,
		referralID,
		model.ReferralStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

func (t *pgTx) BalanceIncrease(ctx context.Context, affiliateID string, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, decimal.Zero, ErrAmountInvalid
	}
	// Инкремент в самой БД, без чтения-изменения-записи в приложении
	var after decimal.Decimal
	err := t.tx.QueryRow(ctx,
		"UPDATE affiliates"+
			" SET balance = balance + $1, total_earnings = total_earnings + $1"+
			" WHERE id = $2"+
			" RETURNING balance::text",
		amount,
		affiliateID).Scan(&after)
	if err != nil {
		return decimal.Zero, decimal.Zero, noRows(err)
	}
	return after.Sub(amount), after, nil
}

func (t *pgTx) LedgerPost(ctx context.Context, entry model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO affiliate_ledger (id, affiliate_id, type, amount, balance_before, balance_after,"+
			" description, reference_id, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		entry.ID,
		entry.AffiliateID,
		entry.Type,
		entry.Amount,
		entry.BalanceBefore,
		entry.BalanceAfter,
		entry.Description,
		entry.ReferenceID,
		entry.CreatedAt)
	return err
}

func (t *pgTx) CustomerLink(ctx context.Context, customerID string, affiliateID string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		"UPDATE customers SET referred_by_affiliate_id = $1"+
			" WHERE id = $2 AND referred_by_affiliate_id IS NULL",
		affiliateID,
		customerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) AnalyticsIncrease(ctx context.Context, summary model.AnalyticsSummary) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO affiliate_analytics_summary (affiliate_id, date, conversions, revenue, commission)"+
			" VALUES ($1, $2, $3, $4, $5)"+
			" ON CONFLICT (affiliate_id, date) DO UPDATE SET"+
			"   conversions = affiliate_analytics_summary.conversions + EXCLUDED.conversions,"+
			"   revenue = affiliate_analytics_summary.revenue + EXCLUDED.revenue,"+
			"   commission = affiliate_analytics_summary.commission + EXCLUDED.commission",
		summary.AffiliateID,
		Day(summary.Date),
		summary.Conversions,
		summary.Revenue,
		summary.Commission)
	return err
}
