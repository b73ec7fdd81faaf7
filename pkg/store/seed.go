package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dotsetgreg/shopkeeper/pkg/business"
)

// SeedSummary counts the rows written by SeedDemo.
type SeedSummary struct {
	Items     int
	Suppliers int
	Sales     int
	Weeks     int
}

var demoItems = []business.InventoryItem{
	{SKU: "ABC123", Name: "Espresso Beans 1kg", Category: "coffee", Location: "Main St", Supplier: "Acme Roasters", Quantity: 18, ReorderPoint: 20, UnitCost: 14, UnitPrice: 26, Turnover: 2.4, Stockouts: 2},
	{SKU: "MLK200", Name: "Oat Milk 1L", Category: "dairy", Location: "Main St", Supplier: "Green Valley", Quantity: 64, ReorderPoint: 24, UnitCost: 1.8, UnitPrice: 3.5, Turnover: 1.6},
	{SKU: "CUP350", Name: "Takeaway Cups 12oz", Category: "supplies", Location: "Main St", Supplier: "PackRight", Quantity: 1500, ReorderPoint: 300, UnitCost: 0.09, UnitPrice: 0, Turnover: 0.3},
	{SKU: "MUG010", Name: "Ceramic Mug", Category: "merch", Location: "Harbour", Supplier: "PackRight", Quantity: 140, ReorderPoint: 15, UnitCost: 6, UnitPrice: 18, Turnover: 0.1},
	{SKU: "SYR050", Name: "Vanilla Syrup", Category: "coffee", Location: "Harbour", Supplier: "Green Valley", Quantity: 0, ReorderPoint: 6, UnitCost: 4.5, UnitPrice: 9, Turnover: 3.1, Stockouts: 3},
	{SKU: "TEA100", Name: "Loose Leaf Tea", Category: "tea", Location: "Harbour", Supplier: "Leaf & Co", Quantity: 22, ReorderPoint: 10, UnitCost: 7, UnitPrice: 15, Turnover: 0.9},
}

var demoSuppliers = []business.SupplierPerformance{
	{Name: "Acme Roasters", Contact: "orders@acmeroasters.example", Products: []string{"ABC123"}, OnTimeRate: 0.96, QualityScore: 0.98, VolumeShare: 0.45, LeadTimeDays: 3},
	{Name: "Green Valley", Contact: "+1 555 0142", Products: []string{"MLK200", "SYR050"}, OnTimeRate: 0.72, QualityScore: 0.93, VolumeShare: 0.30, LeadTimeDays: 5},
	{Name: "PackRight", Contact: "sales@packright.example", Products: []string{"CUP350", "MUG010"}, OnTimeRate: 0.91, QualityScore: 0.95, VolumeShare: 0.15, LeadTimeDays: 7},
	{Name: "Leaf & Co", Contact: "hello@leafandco.example", Products: []string{"TEA100"}, OnTimeRate: 0.88, QualityScore: 0.86, VolumeShare: 0.10, LeadTimeDays: 10},
}

var demoWeeklyFlow = []float64{1200, 650, 300, -150, -420, -610, -780, -900}

// SeedDemo fills the business tables with a small coffee-shop data set
// covering the two weeks before now. Reseeding overwrites the same rows.
func (s *SQLiteStore) SeedDemo(ctx context.Context, now time.Time) (SeedSummary, error) {
	var sum SeedSummary
	for _, it := range demoItems {
		it.UpdatedAt = now
		if err := s.UpsertInventoryItem(ctx, it); err != nil {
			return sum, err
		}
		sum.Items++
	}
	for _, sp := range demoSuppliers {
		if err := s.UpsertSupplier(ctx, sp); err != nil {
			return sum, err
		}
		sum.Suppliers++
	}

	day := now.Truncate(24 * time.Hour)
	for d := 14; d >= 1; d-- {
		soldAt := day.AddDate(0, 0, -d).Add(10 * time.Hour)
		for i, it := range demoItems {
			if it.UnitPrice == 0 {
				continue
			}
			qty := float64((d*3+i*5)%7 + 1)
			tx := business.SalesTransaction{
				ID:       fmt.Sprintf("demo-%s-%02d", it.SKU, d),
				SKU:      it.SKU,
				Quantity: qty,
				Amount:   qty * it.UnitPrice,
				Location: it.Location,
				SoldAt:   soldAt.Add(time.Duration(i) * time.Hour),
			}
			if err := s.InsertSale(ctx, tx); err != nil {
				return sum, err
			}
			sum.Sales++
		}
	}

	week := business.ResolveDateRange("this week", now).From
	for i, net := range demoWeeklyFlow {
		start := week.AddDate(0, 0, -7*(len(demoWeeklyFlow)-i))
		if err := s.SetWeeklyCashFlow(ctx, start, net); err != nil {
			return sum, err
		}
		sum.Weeks++
	}
	if err := s.SetCashBalance(ctx, now, 8400); err != nil {
		return sum, err
	}
	return sum, nil
}
