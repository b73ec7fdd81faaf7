package business

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DataExecutor answers resolved intents from a DataSource. Orders are only
// drafted and acknowledged; nothing is submitted to suppliers.
type DataExecutor struct {
	data DataSource
	now  func() time.Time
}

func NewDataExecutor(data DataSource) *DataExecutor {
	return &DataExecutor{data: data, now: time.Now}
}

func (e *DataExecutor) Execute(ctx context.Context, intentType string, entities map[string]string) (Result, error) {
	switch intentType {
	case "check_inventory":
		return e.checkInventory(ctx, entities)
	case "low_stock":
		return e.lowStock(ctx)
	case "sales_report":
		return e.salesReport(ctx, entities)
	case "supplier_lookup":
		return e.supplierLookup(ctx, entities)
	case "place_order", "reorder":
		return e.draftOrder(ctx, intentType, entities)
	case "price_check":
		return e.priceCheck(ctx, entities)
	case "cash_flow":
		return e.cashFlow(ctx)
	default:
		return Result{}, nil
	}
}

func productKey(entities map[string]string) string {
	if sku := strings.TrimSpace(entities["sku"]); sku != "" {
		return sku
	}
	return strings.TrimSpace(entities["product"])
}

func (e *DataExecutor) checkInventory(ctx context.Context, entities map[string]string) (Result, error) {
	key := productKey(entities)
	if key == "" {
		items, err := e.data.ListInventory(ctx)
		if err != nil {
			return nil, fmt.Errorf("list inventory: %w", err)
		}
		low := 0
		units := 0.0
		for _, it := range items {
			units += it.Quantity
			if it.Low() {
				low++
			}
		}
		return Result{
			"product":     "all products",
			"quantity":    Qty(units),
			"item_count":  len(items),
			"low_count":   low,
			"status":      "SUMMARY",
			"stock_lines": stockLines(items, 5),
			VariantKey:    "summary",
		}, nil
	}

	item, err := e.data.FindInventoryItem(ctx, key)
	if err != nil {
		return nil, err
	}
	return Result{
		"product":       item.Name,
		"sku":           item.SKU,
		"quantity":      Qty(item.Quantity),
		"reorder_point": Qty(item.ReorderPoint),
		"status":        item.Status(),
		"location":      item.Location,
		"supplier":      item.Supplier,
		"stock_value":   Money(item.Quantity * item.UnitCost),
	}, nil
}

func (e *DataExecutor) lowStock(ctx context.Context) (Result, error) {
	items, err := e.data.ListInventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	var low []InventoryItem
	for _, it := range items {
		if it.Low() {
			low = append(low, it)
		}
	}
	sort.Slice(low, func(i, j int) bool {
		return low[i].Quantity-low[i].ReorderPoint < low[j].Quantity-low[j].ReorderPoint
	})
	lines := stockLines(low, 10)
	if lines == "" {
		lines = "Nothing is below its reorder point."
	}
	return Result{"count": len(low), "low_items": lines}, nil
}

func stockLines(items []InventoryItem, limit int) string {
	var b strings.Builder
	for i, it := range items {
		if i == limit {
			fmt.Fprintf(&b, "...and %d more\n", len(items)-limit)
			break
		}
		fmt.Fprintf(&b, "- %s (%s): %s on hand, reorder at %s\n", it.Name, it.SKU, Qty(it.Quantity), Qty(it.ReorderPoint))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *DataExecutor) salesReport(ctx context.Context, entities map[string]string) (Result, error) {
	r := ResolveDateRange(entities["date_range"], e.now())
	current, err := e.data.ListSales(ctx, r.From, r.To)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	prevRange := r.Previous()
	previous, err := e.data.ListSales(ctx, prevRange.From, prevRange.To)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}

	revenue, units, bySKU := summarizeSales(current)
	prevRevenue, _, _ := summarizeSales(previous)

	top := "none"
	best := 0.0
	for sku, amount := range bySKU {
		if amount > best || (amount == best && sku < top) {
			top, best = sku, amount
		}
	}

	trend, change := "flat", 0.0
	if prevRevenue > 0 {
		change = (revenue - prevRevenue) / prevRevenue
		switch {
		case change > 0.01:
			trend = "up"
		case change < -0.01:
			trend = "down"
		}
	}

	return Result{
		"date_range":   r.Label,
		"revenue":      Money(revenue),
		"units":        Qty(units),
		"transactions": len(current),
		"top_product":  top,
		"trend":        trend,
		"change_pct":   Percent(abs(change)),
		"prev_revenue": Money(prevRevenue),
	}, nil
}

func summarizeSales(tx []SalesTransaction) (revenue, units float64, bySKU map[string]float64) {
	bySKU = map[string]float64{}
	for _, t := range tx {
		revenue += t.Amount
		units += t.Quantity
		bySKU[t.SKU] += t.Amount
	}
	return revenue, units, bySKU
}

func (e *DataExecutor) supplierLookup(ctx context.Context, entities map[string]string) (Result, error) {
	suppliers, err := e.data.ListSupplierPerformance(ctx)
	if err != nil {
		return nil, fmt.Errorf("list suppliers: %w", err)
	}

	if name := strings.TrimSpace(entities["supplier"]); name != "" {
		for _, s := range suppliers {
			if strings.EqualFold(s.Name, name) {
				return supplierResult(s, ""), nil
			}
		}
	}

	if key := productKey(entities); key != "" {
		item, err := e.data.FindInventoryItem(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, s := range suppliers {
			if strings.EqualFold(s.Name, item.Supplier) {
				return supplierResult(s, item.Name), nil
			}
		}
		return Result{"product": item.Name, "supplier": item.Supplier, VariantKey: "basic"}, nil
	}

	var b strings.Builder
	for _, s := range suppliers {
		fmt.Fprintf(&b, "- %s: %s on time, quality %s\n", s.Name, Percent(s.OnTimeRate), Percent(s.QualityScore))
	}
	return Result{
		"supplier_count": len(suppliers),
		"supplier_lines": strings.TrimRight(b.String(), "\n"),
		VariantKey:       "list",
	}, nil
}

func supplierResult(s SupplierPerformance, product string) Result {
	out := Result{
		"supplier":  s.Name,
		"contact":   s.Contact,
		"on_time":   Percent(s.OnTimeRate),
		"quality":   Percent(s.QualityScore),
		"lead_time": Qty(s.LeadTimeDays) + " days",
	}
	if product != "" {
		out["product"] = product
	}
	return out
}

func (e *DataExecutor) draftOrder(ctx context.Context, intentType string, entities map[string]string) (Result, error) {
	key := productKey(entities)
	if key == "" {
		return nil, fmt.Errorf("%s: %w", intentType, ErrUnknownProduct)
	}
	item, err := e.data.FindInventoryItem(ctx, key)
	if err != nil {
		return nil, err
	}

	qty := strings.TrimSpace(entities["quantity"])
	if qty == "" {
		// top the item back up to twice its reorder point
		need := item.ReorderPoint*2 - item.Quantity
		if need < 1 {
			need = item.ReorderPoint
		}
		qty = Qty(need)
	}
	supplier := strings.TrimSpace(entities["supplier"])
	if supplier == "" {
		supplier = item.Supplier
	}

	return Result{
		"order_ref": strings.ToUpper(uuid.NewString()[:8]),
		"product":   item.Name,
		"sku":       item.SKU,
		"quantity":  qty,
		"supplier":  supplier,
		"status":    "DRAFTED",
		"unit_cost": Money(item.UnitCost),
	}, nil
}

func (e *DataExecutor) priceCheck(ctx context.Context, entities map[string]string) (Result, error) {
	item, err := e.data.FindInventoryItem(ctx, productKey(entities))
	if err != nil {
		return nil, err
	}
	margin := 0.0
	if item.UnitPrice > 0 {
		margin = (item.UnitPrice - item.UnitCost) / item.UnitPrice
	}
	return Result{
		"product":   item.Name,
		"sku":       item.SKU,
		"price":     Money(item.UnitPrice),
		"unit_cost": Money(item.UnitCost),
		"margin":    Percent(margin),
	}, nil
}

func (e *DataExecutor) cashFlow(ctx context.Context) (Result, error) {
	m, err := e.data.GetFinancialMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("financial metrics: %w", err)
	}
	trend := m.Trend()
	direction := "up"
	if trend < 0 {
		direction = "down"
	}
	out := Result{
		"balance":     Money(m.CashBalance),
		"weekly_flow": Money(trend),
		"trend":       direction,
		"runway":      "n/a",
	}
	if days, ok := RunwayDays(m); ok {
		out["runway"] = fmt.Sprintf("%d days", days)
	}
	return out, nil
}

// RunwayDays estimates days until the balance is exhausted at the current
// weekly burn. It reports false when cash flow is not negative.
func RunwayDays(m FinancialMetrics) (int, bool) {
	trend := m.Trend()
	if trend >= 0 {
		return 0, false
	}
	if m.CashBalance <= 0 {
		return 0, true
	}
	return int(m.CashBalance / (-trend / 7)), true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
