package insights

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dotsetgreg/shopkeeper/pkg/business"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
)

// TurnDurationMetric is the per-turn latency sample the optimization
// detector reads back.
const TurnDurationMetric = "assistant.turn.duration_ms"

const (
	automateFrequency = 10
	patternLookback   = 7 * 24 * time.Hour

	overstockFactor  = 3.0
	slowTurnover     = 0.5
	fastTurnover     = 2.0
	repeatStockouts  = 2
	holdingCostRate  = 0.25
	stockoutLossDays = 3.0

	minOnTimeRate   = 0.85
	minQualityScore = 0.90
	lowCashBalance  = 10000.0
	criticalExpiry  = 24 * time.Hour

	longConversation = 50

	slowTurnMS      = 2000.0
	slowTurnRepeats = 3
	slowTurnWindow  = 24 * time.Hour
)

// DefaultDetectors returns the five built-in detectors.
func DefaultDetectors() []Detector {
	return []Detector{
		PatternDetector{},
		OpportunityDetector{},
		RiskDetector{},
		LearningDetector{},
		OptimizationDetector{},
	}
}

// PatternDetector looks for habits worth automating or anticipating.
type PatternDetector struct{}

func (PatternDetector) Name() string { return "pattern" }

func (PatternDetector) Detect(_ context.Context, in Input) ([]Insight, error) {
	var out []Insight
	lt := in.Context.LongTermMemory
	for _, q := range lt.CommonQueries {
		if q.Frequency < automateFrequency || in.Now.Sub(q.LastAsked) > patternLookback {
			continue
		}
		label := humanize(q.Query)
		out = append(out, Insight{
			Type:       TypePattern,
			Priority:   PriorityMedium,
			Confidence: math.Min(0.6+float64(q.Frequency)/100, 0.9),
			Title:      fmt.Sprintf("Automate your %s check", label),
			Message:    fmt.Sprintf("You've asked for %s %d times recently. I can send it to you on a schedule instead.", label, q.Frequency),
			Data:       map[string]any{"query": q.Query, "frequency": q.Frequency},
			SuggestedActions: []string{
				fmt.Sprintf("Set up a daily %s summary", label),
				"Keep asking as usual if you prefer",
			},
		})
	}
	for _, p := range lt.TypicalOrderPatterns {
		if p.CadenceDays <= 0 {
			continue
		}
		next := in.Now.Add(time.Duration(p.CadenceDays * float64(24*time.Hour)))
		priority := PriorityMedium
		if p.CadenceDays <= 2 {
			priority = PriorityHigh
		}
		out = append(out, Insight{
			Type:       TypePattern,
			Priority:   priority,
			Confidence: math.Min(0.5+0.1*float64(p.Orders), 0.9),
			Title:      fmt.Sprintf("%s reorder coming up", p.Product),
			Message: fmt.Sprintf("You usually order %s of %s every %.0f days. Next order expected around %s.",
				business.Qty(p.Quantity), p.Product, p.CadenceDays, next.Format("Mon Jan 2")),
			Data: map[string]any{
				"product":      p.Product,
				"quantity":     p.Quantity,
				"cadence_days": p.CadenceDays,
				"next_order":   next.Format(time.RFC3339),
			},
			SuggestedActions: []string{
				fmt.Sprintf("Reply \"reorder %s\" to draft it now", p.Product),
				"Check stock before the order date",
			},
		})
	}
	return out, nil
}

// OpportunityDetector finds cash tied up in slow stock and sales lost to
// stockouts. Each finding is aggregated into a single insight.
type OpportunityDetector struct{}

func (OpportunityDetector) Name() string { return "opportunity" }

func (OpportunityDetector) Detect(ctx context.Context, in Input) ([]Insight, error) {
	if in.Data == nil {
		return nil, nil
	}
	items, err := in.Data.ListInventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}

	var (
		over, fast         []string
		overValue, lostRev float64
	)
	for _, it := range items {
		if it.ReorderPoint > 0 && it.Quantity > overstockFactor*it.ReorderPoint && it.Turnover < slowTurnover {
			over = append(over, it.SKU)
			overValue += (it.Quantity - overstockFactor*it.ReorderPoint) * it.UnitCost
		}
		if it.Turnover >= fastTurnover && it.Stockouts >= repeatStockouts {
			fast = append(fast, it.SKU)
			dailyUnits := it.Turnover * math.Max(it.ReorderPoint, 1) / 30
			lostRev += dailyUnits * stockoutLossDays * float64(it.Stockouts) * (it.UnitPrice - it.UnitCost)
		}
	}

	var out []Insight
	if len(over) > 0 {
		savings := PotentialSavings(overValue)
		out = append(out, Insight{
			Type:       TypeOpportunity,
			Priority:   PriorityMedium,
			Confidence: 0.7,
			Title:      "Free up cash from slow stock",
			Message: fmt.Sprintf("%d items are overstocked and moving slowly, holding %s. Trimming them could save about %s.",
				len(over), business.Money(overValue), business.Money(savings)),
			Data: map[string]any{
				"items":            over,
				"overstock_value":  overValue,
				"potentialSavings": savings,
			},
			SuggestedActions: []string{
				"Run a promotion on the slowest items",
				"Pause reorders for these SKUs",
			},
		})
	}
	if len(fast) > 0 {
		out = append(out, Insight{
			Type:       TypeOpportunity,
			Priority:   PriorityHigh,
			Confidence: 0.65,
			Title:      "Best sellers keep running out",
			Message: fmt.Sprintf("%d fast movers sold out repeatedly this month. Higher reorder points could recover about %s in profit.",
				len(fast), business.Money(lostRev)),
			Data: map[string]any{
				"items":           fast,
				"estimatedUplift": lostRev,
			},
			SuggestedActions: []string{
				"Raise reorder points for these SKUs",
				"Ask suppliers about shorter lead times",
			},
		})
	}
	return out, nil
}

// PotentialSavings is the yearly holding cost of overstock worth value.
func PotentialSavings(value float64) float64 {
	return value * holdingCostRate
}

// RiskDetector flags unreliable suppliers and a shrinking cash runway.
type RiskDetector struct{}

func (RiskDetector) Name() string { return "risk" }

func (RiskDetector) Detect(ctx context.Context, in Input) ([]Insight, error) {
	if in.Data == nil {
		return nil, nil
	}
	suppliers, err := in.Data.ListSupplierPerformance(ctx)
	if err != nil {
		return nil, fmt.Errorf("list suppliers: %w", err)
	}

	var out []Insight
	for _, s := range suppliers {
		if s.OnTimeRate >= minOnTimeRate && s.QualityScore >= minQualityScore {
			continue
		}
		priority := PriorityMedium
		if s.VolumeShare >= 0.25 {
			priority = PriorityHigh
		}
		out = append(out, Insight{
			Type:       TypeRisk,
			Priority:   priority,
			Confidence: 0.75,
			Title:      fmt.Sprintf("%s is underperforming", s.Name),
			Message: fmt.Sprintf("%s delivers on time %s of the time with quality %s, and handles %s of your order volume.",
				s.Name, business.Percent(s.OnTimeRate), business.Percent(s.QualityScore), business.Percent(s.VolumeShare)),
			Data: map[string]any{
				"supplier":      s.Name,
				"on_time_rate":  s.OnTimeRate,
				"quality_score": s.QualityScore,
				"impact_pct":    s.VolumeShare * 100,
			},
			SuggestedActions: []string{
				fmt.Sprintf("Talk to %s about delivery performance", s.Name),
				"Get a quote from a backup supplier",
			},
		})
	}

	m, err := in.Data.GetFinancialMetrics(ctx)
	if err != nil {
		return out, fmt.Errorf("financial metrics: %w", err)
	}
	if m.Trend() < 0 && m.CashBalance < lowCashBalance {
		days, _ := business.RunwayDays(m)
		out = append(out, Insight{
			Type:       TypeRisk,
			Priority:   PriorityCritical,
			Confidence: 0.85,
			Title:      "Cash runway is short",
			Message: fmt.Sprintf("Cash is %s and falling about %s a week. At this rate it lasts roughly %d days.",
				business.Money(m.CashBalance), business.Money(-m.Trend()), days),
			Data: map[string]any{
				"cash_balance": m.CashBalance,
				"weekly_trend": m.Trend(),
				"runway_days":  days,
			},
			SuggestedActions: []string{
				"Delay non-essential purchase orders",
				"Chase outstanding invoices",
				"Review this week's largest expenses",
			},
			ExpiresAt: in.Now.Add(criticalExpiry),
		})
	}
	return out, nil
}

// featureTour is the order in which unused features are suggested.
var featureTour = []struct {
	intent  string
	example string
}{
	{"low_stock", "what's running low"},
	{"sales_report", "sales this week"},
	{"cash_flow", "cash flow"},
	{"supplier_lookup", "who supplies ABC123"},
	{"price_check", "price of ABC123"},
}

// LearningDetector helps users get more out of the assistant.
type LearningDetector struct{}

func (LearningDetector) Name() string { return "learning" }

func (LearningDetector) Detect(_ context.Context, in Input) ([]Insight, error) {
	c := in.Context
	var out []Insight

	if c.Persona == persona.LeastExperienced() {
		used := make(map[string]bool, len(c.LongTermMemory.CommonQueries))
		for _, q := range c.LongTermMemory.CommonQueries {
			used[q.Query] = true
		}
		for _, f := range featureTour {
			if used[f.intent] {
				continue
			}
			out = append(out, Insight{
				Type:       TypeLearning,
				Priority:   PriorityLow,
				Confidence: 0.65,
				Title:      fmt.Sprintf("Try: %s", f.example),
				Message:    fmt.Sprintf("Did you know you can ask \"%s\"? It's a quick way to keep on top of %s.", f.example, humanize(f.intent)),
				Data:       map[string]any{"feature": f.intent},
				SuggestedActions: []string{
					fmt.Sprintf("Send \"%s\"", f.example),
				},
			})
			break
		}
	}

	if c.TotalMessages >= longConversation {
		if q, ok := c.TopQuery(); ok {
			out = append(out, Insight{
				Type:       TypeLearning,
				Priority:   PriorityLow,
				Confidence: 0.6,
				Title:      "A shortcut for your favourite question",
				Message:    fmt.Sprintf("You ask about %s more than anything else. Just send \"%s\" and I'll know what you mean.", humanize(q.Query), shortcut(q.Query)),
				Data:       map[string]any{"query": q.Query, "messages": c.TotalMessages},
				SuggestedActions: []string{
					fmt.Sprintf("Send \"%s\"", shortcut(q.Query)),
				},
			})
		}
	}
	return out, nil
}

func shortcut(query string) string {
	for _, f := range featureTour {
		if f.intent == query {
			return f.example
		}
	}
	return humanize(query)
}

// OptimizationDetector watches turn latency.
type OptimizationDetector struct{}

func (OptimizationDetector) Name() string { return "optimization" }

func (OptimizationDetector) Detect(ctx context.Context, in Input) ([]Insight, error) {
	if in.Metrics == nil {
		return nil, nil
	}
	samples, err := in.Metrics.MetricSamples(ctx, in.Identity, TurnDurationMetric, in.Now.Add(-slowTurnWindow))
	if err != nil {
		return nil, fmt.Errorf("turn metrics: %w", err)
	}
	slow := 0
	worst := 0.0
	for _, ms := range samples {
		if ms > slowTurnMS {
			slow++
		}
		worst = math.Max(worst, ms)
	}
	if slow < slowTurnRepeats {
		return nil, nil
	}
	return []Insight{{
		Type:       TypeOptimization,
		Priority:   PriorityMedium,
		Confidence: 0.7,
		Title:      "Replies have been slow",
		Message:    fmt.Sprintf("%d of your last %d requests took over %.0f seconds (worst %.1fs).", slow, len(samples), slowTurnMS/1000, worst/1000),
		Data:       map[string]any{"slow_turns": slow, "samples": len(samples), "worst_ms": worst},
		SuggestedActions: []string{
			"Archive old sales data to speed up reports",
			"Ask for narrower date ranges",
		},
	}}, nil
}

func humanize(key string) string {
	return strings.ReplaceAll(key, "_", " ")
}
