package business

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memData struct {
	items     []InventoryItem
	sales     []SalesTransaction
	suppliers []SupplierPerformance
	metrics   FinancialMetrics
}

func (m *memData) ListInventory(context.Context) ([]InventoryItem, error) { return m.items, nil }

func (m *memData) FindInventoryItem(_ context.Context, key string) (InventoryItem, error) {
	for _, it := range m.items {
		if strings.EqualFold(it.SKU, key) || strings.EqualFold(it.Name, key) {
			return it, nil
		}
	}
	return InventoryItem{}, ErrUnknownProduct
}

func (m *memData) ListSales(_ context.Context, from, to time.Time) ([]SalesTransaction, error) {
	var out []SalesTransaction
	for _, s := range m.sales {
		if !s.SoldAt.Before(from) && s.SoldAt.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memData) ListSupplierPerformance(context.Context) ([]SupplierPerformance, error) {
	return m.suppliers, nil
}

func (m *memData) GetFinancialMetrics(context.Context) (FinancialMetrics, error) { return m.metrics, nil }

var testNow = time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC) // a Wednesday

func newTestExecutor() (*DataExecutor, *memData) {
	data := &memData{
		items: []InventoryItem{
			{SKU: "ABC123", Name: "Arabica beans", Supplier: "Acme", Quantity: 40, ReorderPoint: 10, UnitCost: 8, UnitPrice: 14},
			{SKU: "FLR1", Name: "Flour", Supplier: "Millers", Quantity: 3, ReorderPoint: 12, UnitCost: 2, UnitPrice: 4},
		},
		suppliers: []SupplierPerformance{
			{Name: "Acme", Contact: "orders@acme.test", OnTimeRate: 0.95, QualityScore: 0.9, LeadTimeDays: 3},
		},
	}
	e := NewDataExecutor(data)
	e.now = func() time.Time { return testNow }
	return e, data
}

func TestExecute_CheckInventoryBySKU(t *testing.T) {
	e, _ := newTestExecutor()
	res, err := e.Execute(context.Background(), "check_inventory", map[string]string{"product": "ABC123", "sku": "ABC123"})
	require.NoError(t, err)
	assert.Equal(t, "40", res["quantity"])
	assert.Equal(t, "OK", res["status"])
	assert.Equal(t, "$320.00", res["stock_value"])
}

func TestExecute_UnknownProduct(t *testing.T) {
	e, _ := newTestExecutor()
	_, err := e.Execute(context.Background(), "check_inventory", map[string]string{"product": "unicorn"})
	assert.ErrorIs(t, err, ErrUnknownProduct)

	_, err = e.Execute(context.Background(), "place_order", map[string]string{})
	assert.ErrorIs(t, err, ErrUnknownProduct)
}

func TestExecute_LowStock(t *testing.T) {
	e, _ := newTestExecutor()
	res, err := e.Execute(context.Background(), "low_stock", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res["count"])
	assert.Contains(t, res["low_items"], "Flour (FLR1): 3 on hand")
}

func TestExecute_SalesReportTrend(t *testing.T) {
	e, data := newTestExecutor()
	data.sales = []SalesTransaction{
		{SKU: "ABC123", Quantity: 2, Amount: 28, SoldAt: testNow.AddDate(0, 0, -1)},
		{SKU: "FLR1", Quantity: 5, Amount: 20, SoldAt: testNow.AddDate(0, 0, -2)},
		{SKU: "ABC123", Quantity: 1, Amount: 24, SoldAt: testNow.AddDate(0, 0, -9)},
	}
	res, err := e.Execute(context.Background(), "sales_report", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "last 7 days", res["date_range"])
	assert.Equal(t, "$48.00", res["revenue"])
	assert.Equal(t, "up", res["trend"])
	assert.Equal(t, "100%", res["change_pct"])
	assert.Equal(t, "ABC123", res["top_product"])
}

func TestExecute_DraftOrderDefaults(t *testing.T) {
	e, _ := newTestExecutor()
	res, err := e.Execute(context.Background(), "reorder", map[string]string{"product": "flour"})
	require.NoError(t, err)
	assert.Equal(t, "21", res["quantity"])
	assert.Equal(t, "Millers", res["supplier"])
	assert.Equal(t, "DRAFTED", res["status"])
	assert.Len(t, res["order_ref"], 8)
}

func TestExecute_SupplierLookupByProduct(t *testing.T) {
	e, _ := newTestExecutor()
	res, err := e.Execute(context.Background(), "supplier_lookup", map[string]string{"product": "Arabica beans"})
	require.NoError(t, err)
	assert.Equal(t, "Acme", res["supplier"])
	assert.Equal(t, "95%", res["on_time"])
}

func TestExecute_CashFlowRunway(t *testing.T) {
	e, data := newTestExecutor()
	data.metrics = FinancialMetrics{CashBalance: 7000, WeeklyNetFlow: []float64{500, -700, -700, -700, -700}}
	res, err := e.Execute(context.Background(), "cash_flow", nil)
	require.NoError(t, err)
	assert.Equal(t, "down", res["trend"])
	assert.Equal(t, "70 days", res["runway"])
}

func TestResolveDateRange(t *testing.T) {
	r := ResolveDateRange("last week", testNow)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), r.From)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), r.To)

	r = ResolveDateRange("yesterday", testNow)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), r.From)

	r = ResolveDateRange("past 30 days", testNow)
	assert.Equal(t, testNow.AddDate(0, 0, -30), r.From)

	r = ResolveDateRange("whenever", testNow)
	assert.Equal(t, "last 7 days", r.Label)
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "$1,234.50", Money(1234.5))
	assert.Equal(t, "-$12.00", Money(-12))
	assert.Equal(t, "$1,000,000.00", Money(1e6))
	assert.Equal(t, "2.5", Qty(2.5))
}
