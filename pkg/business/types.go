// Package business holds the shop's domain records, the read-only data
// contracts behind them, and the executor that answers resolved intents.
package business

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownProduct is returned when a product or SKU has no inventory row.
var ErrUnknownProduct = errors.New("unknown product")

// Result is the display-ready outcome of a business action. Values are
// strings or numbers that templates substitute verbatim.
type Result map[string]any

// VariantKey marks a result shape that needs its own template, such as an
// inventory summary instead of a single item.
const VariantKey = "variant"

func (r Result) Variant() string {
	v, _ := r[VariantKey].(string)
	return v
}

type InventoryItem struct {
	SKU          string    `json:"sku"`
	Name         string    `json:"name"`
	Category     string    `json:"category"`
	Location     string    `json:"location"`
	Supplier     string    `json:"supplier"`
	Quantity     float64   `json:"quantity"`
	ReorderPoint float64   `json:"reorder_point"`
	UnitCost     float64   `json:"unit_cost"`
	UnitPrice    float64   `json:"unit_price"`
	// Turnover is units sold over the last 30 days divided by average stock.
	Turnover  float64   `json:"turnover"`
	Stockouts int       `json:"stockouts_30d"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (i InventoryItem) Low() bool { return i.Quantity <= i.ReorderPoint }

func (i InventoryItem) Status() string {
	switch {
	case i.Quantity <= 0:
		return "OUT"
	case i.Low():
		return "LOW"
	default:
		return "OK"
	}
}

type SalesTransaction struct {
	ID       string    `json:"id"`
	SKU      string    `json:"sku"`
	Quantity float64   `json:"quantity"`
	Amount   float64   `json:"amount"`
	Location string    `json:"location"`
	SoldAt   time.Time `json:"sold_at"`
}

type SupplierPerformance struct {
	Name         string   `json:"name"`
	Contact      string   `json:"contact"`
	Products     []string `json:"products"`
	OnTimeRate   float64  `json:"on_time_rate"`
	QualityScore float64  `json:"quality_score"`
	// VolumeShare is the supplier's fraction of total order volume.
	VolumeShare  float64 `json:"volume_share"`
	LeadTimeDays float64 `json:"lead_time_days"`
}

type FinancialMetrics struct {
	CashBalance float64 `json:"cash_balance"`
	// WeeklyNetFlow holds net cash movement per week, oldest first.
	WeeklyNetFlow []float64 `json:"weekly_net_flow"`
	AsOf          time.Time `json:"as_of"`
}

// Trend is the mean of the most recent weeks' net flow (up to four).
func (f FinancialMetrics) Trend() float64 {
	n := len(f.WeeklyNetFlow)
	if n == 0 {
		return 0
	}
	start := n - 4
	if start < 0 {
		start = 0
	}
	sum := 0.0
	for _, v := range f.WeeklyNetFlow[start:] {
		sum += v
	}
	return sum / float64(n-start)
}

// DataSource is the read-only business-data collaborator.
type DataSource interface {
	ListInventory(ctx context.Context) ([]InventoryItem, error)
	FindInventoryItem(ctx context.Context, skuOrName string) (InventoryItem, error)
	ListSales(ctx context.Context, from, to time.Time) ([]SalesTransaction, error)
	ListSupplierPerformance(ctx context.Context) ([]SupplierPerformance, error)
	GetFinancialMetrics(ctx context.Context) (FinancialMetrics, error)
}

// Executor carries out the business action behind a resolved intent.
type Executor interface {
	Execute(ctx context.Context, intentType string, entities map[string]string) (Result, error)
}
