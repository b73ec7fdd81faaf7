package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/dotsetgreg/shopkeeper/pkg/business"
)

var _ business.DataSource = (*SQLiteStore)(nil)

// cashHistoryWeeks bounds the weekly cash-flow history returned.
const cashHistoryWeeks = 12

const inventoryColumns = `sku, name, category, location, supplier, quantity, reorder_point, unit_cost, unit_price, turnover, stockouts_30d, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInventory(r rowScanner) (business.InventoryItem, error) {
	var it business.InventoryItem
	var updatedMS int64
	err := r.Scan(&it.SKU, &it.Name, &it.Category, &it.Location, &it.Supplier, &it.Quantity, &it.ReorderPoint,
		&it.UnitCost, &it.UnitPrice, &it.Turnover, &it.Stockouts, &updatedMS)
	it.UpdatedAt = time.UnixMilli(updatedMS)
	return it, err
}

func (s *SQLiteStore) ListInventory(ctx context.Context) ([]business.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+inventoryColumns+` FROM inventory_items ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	defer rows.Close()

	var out []business.InventoryItem
	for rows.Next() {
		it, err := scanInventory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inventory item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inventory: %w", err)
	}
	return out, nil
}

// FindInventoryItem matches a SKU first, then a product name, both
// case-insensitively.
func (s *SQLiteStore) FindInventoryItem(ctx context.Context, skuOrName string) (business.InventoryItem, error) {
	key := strings.TrimSpace(skuOrName)
	if key == "" {
		return business.InventoryItem{}, business.ErrUnknownProduct
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+inventoryColumns+` FROM inventory_items
WHERE sku = ? COLLATE NOCASE OR name = ? COLLATE NOCASE
ORDER BY CASE WHEN sku = ? COLLATE NOCASE THEN 0 ELSE 1 END
LIMIT 1`, key, key, key)
	it, err := scanInventory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return business.InventoryItem{}, fmt.Errorf("%q: %w", key, business.ErrUnknownProduct)
		}
		return business.InventoryItem{}, fmt.Errorf("find inventory item: %w", err)
	}
	return it, nil
}

func (s *SQLiteStore) UpsertInventoryItem(ctx context.Context, it business.InventoryItem) error {
	if strings.TrimSpace(it.SKU) == "" {
		return fmt.Errorf("upsert inventory item: empty sku")
	}
	updated := it.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO inventory_items(`+inventoryColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(sku) DO UPDATE SET
	name = excluded.name,
	category = excluded.category,
	location = excluded.location,
	supplier = excluded.supplier,
	quantity = excluded.quantity,
	reorder_point = excluded.reorder_point,
	unit_cost = excluded.unit_cost,
	unit_price = excluded.unit_price,
	turnover = excluded.turnover,
	stockouts_30d = excluded.stockouts_30d,
	updated_at_ms = excluded.updated_at_ms`,
		it.SKU, it.Name, it.Category, it.Location, it.Supplier, it.Quantity, it.ReorderPoint,
		it.UnitCost, it.UnitPrice, it.Turnover, it.Stockouts, updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert inventory item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSales(ctx context.Context, from, to time.Time) ([]business.SalesTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, sku, quantity, amount, location, sold_at_ms
FROM sales_transactions
WHERE sold_at_ms >= ? AND sold_at_ms < ?
ORDER BY sold_at_ms`, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	defer rows.Close()

	var out []business.SalesTransaction
	for rows.Next() {
		var tx business.SalesTransaction
		var soldMS int64
		if err := rows.Scan(&tx.ID, &tx.SKU, &tx.Quantity, &tx.Amount, &tx.Location, &soldMS); err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		tx.SoldAt = time.UnixMilli(soldMS)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sales: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) InsertSale(ctx context.Context, tx business.SalesTransaction) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sales_transactions(id, sku, quantity, amount, location, sold_at_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`, tx.ID, tx.SKU, tx.Quantity, tx.Amount, tx.Location, tx.SoldAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSupplierPerformance(ctx context.Context) ([]business.SupplierPerformance, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, contact, products_json, on_time_rate, quality_score, volume_share, lead_time_days
FROM suppliers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list suppliers: %w", err)
	}
	defer rows.Close()

	var out []business.SupplierPerformance
	for rows.Next() {
		var sp business.SupplierPerformance
		var products string
		if err := rows.Scan(&sp.Name, &sp.Contact, &products, &sp.OnTimeRate, &sp.QualityScore, &sp.VolumeShare, &sp.LeadTimeDays); err != nil {
			return nil, fmt.Errorf("scan supplier: %w", err)
		}
		if err := sonic.UnmarshalString(products, &sp.Products); err != nil {
			return nil, fmt.Errorf("decode supplier products: %w", err)
		}
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suppliers: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertSupplier(ctx context.Context, sp business.SupplierPerformance) error {
	products, err := sonic.MarshalString(nonNilStrings(sp.Products))
	if err != nil {
		return fmt.Errorf("encode supplier products: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO suppliers(name, contact, products_json, on_time_rate, quality_score, volume_share, lead_time_days)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	contact = excluded.contact,
	products_json = excluded.products_json,
	on_time_rate = excluded.on_time_rate,
	quality_score = excluded.quality_score,
	volume_share = excluded.volume_share,
	lead_time_days = excluded.lead_time_days`,
		sp.Name, sp.Contact, products, sp.OnTimeRate, sp.QualityScore, sp.VolumeShare, sp.LeadTimeDays)
	if err != nil {
		return fmt.Errorf("upsert supplier: %w", err)
	}
	return nil
}

// GetFinancialMetrics returns the latest cash balance and up to twelve
// weeks of net cash flow, oldest first.
func (s *SQLiteStore) GetFinancialMetrics(ctx context.Context) (business.FinancialMetrics, error) {
	var m business.FinancialMetrics
	var asOfMS int64
	err := s.db.QueryRowContext(ctx, `SELECT as_of_ms, balance FROM cash_balances ORDER BY as_of_ms DESC LIMIT 1`).Scan(&asOfMS, &m.CashBalance)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return m, fmt.Errorf("cash balance: %w", err)
	default:
		m.AsOf = time.UnixMilli(asOfMS)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT net_flow FROM (
	SELECT week_start_ms, net_flow FROM cash_flow ORDER BY week_start_ms DESC LIMIT ?
) ORDER BY week_start_ms`, cashHistoryWeeks)
	if err != nil {
		return m, fmt.Errorf("cash flow: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return m, fmt.Errorf("scan cash flow: %w", err)
		}
		m.WeeklyNetFlow = append(m.WeeklyNetFlow, v)
	}
	if err := rows.Err(); err != nil {
		return m, fmt.Errorf("iterate cash flow: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) SetCashBalance(ctx context.Context, asOf time.Time, balance float64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cash_balances(as_of_ms, balance) VALUES(?, ?)
ON CONFLICT(as_of_ms) DO UPDATE SET balance = excluded.balance`, asOf.UnixMilli(), balance)
	if err != nil {
		return fmt.Errorf("set cash balance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetWeeklyCashFlow(ctx context.Context, weekStart time.Time, net float64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cash_flow(week_start_ms, net_flow) VALUES(?, ?)
ON CONFLICT(week_start_ms) DO UPDATE SET net_flow = excluded.net_flow`, weekStart.UnixMilli(), net)
	if err != nil {
		return fmt.Errorf("set weekly cash flow: %w", err)
	}
	return nil
}
