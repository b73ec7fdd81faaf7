package insights

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotsetgreg/shopkeeper/pkg/business"
	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
)

var testNow = time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)

type fakeContexts map[string]*conversation.Context

func (f fakeContexts) Peek(_ context.Context, identity string) (*conversation.Context, error) {
	c, ok := f[identity]
	if !ok {
		return nil, conversation.ErrUnknownIdentity
	}
	return c.Clone(), nil
}

func (f fakeContexts) ActiveIdentities(context.Context, time.Time) ([]string, error) {
	ids := make([]string, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeData struct {
	items     []business.InventoryItem
	suppliers []business.SupplierPerformance
	metrics   business.FinancialMetrics
	err       error
}

func (f *fakeData) ListInventory(context.Context) ([]business.InventoryItem, error) {
	return f.items, f.err
}

func (f *fakeData) FindInventoryItem(context.Context, string) (business.InventoryItem, error) {
	return business.InventoryItem{}, business.ErrUnknownProduct
}

func (f *fakeData) ListSales(context.Context, time.Time, time.Time) ([]business.SalesTransaction, error) {
	return nil, nil
}

func (f *fakeData) ListSupplierPerformance(context.Context) ([]business.SupplierPerformance, error) {
	return f.suppliers, f.err
}

func (f *fakeData) GetFinancialMetrics(context.Context) (business.FinancialMetrics, error) {
	return f.metrics, f.err
}

type sentMessage struct {
	identity string
	body     string
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeMessenger) SendMessage(_ context.Context, identity, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{identity, body})
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	recorded []Insight
}

func (f *fakeRecorder) RecordInsight(_ context.Context, in Insight) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, in)
	return nil
}

func (f *fakeRecorder) RecentlySent(_ context.Context, identity string, t Type, title string, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, in := range f.recorded {
		if in.Identity == identity && in.Type == t && in.Title == title && !in.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

type fakeMetrics []float64

func (f fakeMetrics) MetricSamples(context.Context, string, string, time.Time) ([]float64, error) {
	return f, nil
}

type panicDetector struct{}

func (panicDetector) Name() string { return "panics" }

func (panicDetector) Detect(context.Context, Input) ([]Insight, error) {
	panic("boom")
}

type fixedDetector []Insight

func (fixedDetector) Name() string { return "fixed" }

func (f fixedDetector) Detect(context.Context, Input) ([]Insight, error) {
	return append([]Insight(nil), f...), nil
}

func input(c *conversation.Context, data business.DataSource) Input {
	return Input{Identity: "cli:u1", Context: c, Now: testNow, Data: data}
}

func TestOverstockAggregatesIntoOneOpportunity(t *testing.T) {
	data := &fakeData{}
	want := 0.0
	for i, sku := range []string{"A1", "B2", "C3", "D4"} {
		qty := float64(40 + i*10)
		data.items = append(data.items, business.InventoryItem{
			SKU: sku, Quantity: qty, ReorderPoint: 10, UnitCost: 5, Turnover: 0.2,
		})
		want += (qty - 30) * 5
	}
	data.items = append(data.items, business.InventoryItem{SKU: "FAST", Quantity: 100, ReorderPoint: 10, UnitCost: 5, Turnover: 4})

	out, err := OpportunityDetector{}.Detect(context.Background(), input(&conversation.Context{}, data))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, TypeOpportunity, out[0].Type)
	assert.Equal(t, 0.7, out[0].Confidence)
	assert.InDelta(t, PotentialSavings(want), out[0].Data["potentialSavings"], 1e-9)
	assert.Equal(t, []string{"A1", "B2", "C3", "D4"}, out[0].Data["items"])
}

func TestRepeatedStockoutsSuggestUplift(t *testing.T) {
	data := &fakeData{items: []business.InventoryItem{
		{SKU: "HOT", Quantity: 2, ReorderPoint: 10, UnitCost: 4, UnitPrice: 10, Turnover: 3, Stockouts: 3},
	}}
	out, err := OpportunityDetector{}.Detect(context.Background(), input(&conversation.Context{}, data))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, PriorityHigh, out[0].Priority)
	assert.Greater(t, out[0].Data["estimatedUplift"], 0.0)
}

func TestRiskFlagsSuppliersAndCriticalRunway(t *testing.T) {
	data := &fakeData{
		suppliers: []business.SupplierPerformance{
			{Name: "Acme", OnTimeRate: 0.95, QualityScore: 0.97, VolumeShare: 0.5},
			{Name: "SlowCo", OnTimeRate: 0.6, QualityScore: 0.95, VolumeShare: 0.3},
		},
		metrics: business.FinancialMetrics{CashBalance: 7000, WeeklyNetFlow: []float64{-700, -700, -700, -700}},
	}
	out, err := RiskDetector{}.Detect(context.Background(), input(&conversation.Context{}, data))
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "SlowCo is underperforming", out[0].Title)
	assert.Equal(t, PriorityHigh, out[0].Priority)
	assert.InDelta(t, 30.0, out[0].Data["impact_pct"], 1e-9)

	cash := out[1]
	assert.Equal(t, PriorityCritical, cash.Priority)
	assert.Equal(t, 0.85, cash.Confidence)
	assert.Equal(t, testNow.Add(24*time.Hour), cash.ExpiresAt)
	assert.Equal(t, 70, cash.Data["runway_days"])
}

func TestHealthyCashIsNotARisk(t *testing.T) {
	data := &fakeData{metrics: business.FinancialMetrics{CashBalance: 50000, WeeklyNetFlow: []float64{-100}}}
	out, err := RiskDetector{}.Detect(context.Background(), input(&conversation.Context{}, data))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestPatternDetector(t *testing.T) {
	c := &conversation.Context{LongTermMemory: conversation.LongTermMemory{
		CommonQueries: []conversation.CommonQuery{
			{Query: "sales_report", Frequency: 12, LastAsked: testNow.Add(-time.Hour)},
			{Query: "low_stock", Frequency: 11, LastAsked: testNow.Add(-10 * 24 * time.Hour)},
			{Query: "cash_flow", Frequency: 3, LastAsked: testNow},
		},
		TypicalOrderPatterns: []conversation.OrderPattern{
			{Product: "Widget", Quantity: 50, CadenceDays: 14, Orders: 3},
			{Product: "Gadget", Quantity: 5, Orders: 1},
		},
	}}
	out, err := PatternDetector{}.Detect(context.Background(), input(c, nil))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "Automate your sales report check", out[0].Title)
	assert.Equal(t, "Widget reorder coming up", out[1].Title)
	assert.Equal(t, testNow.Add(14*24*time.Hour).Format(time.RFC3339), out[1].Data["next_order"])
	assert.InDelta(t, 0.8, out[1].Confidence, 1e-9)
}

func TestLearningDetector(t *testing.T) {
	c := &conversation.Context{
		Persona:       persona.NewEntrepreneur,
		TotalMessages: 60,
		LongTermMemory: conversation.LongTermMemory{CommonQueries: []conversation.CommonQuery{
			{Query: "low_stock", Frequency: 20},
		}},
	}
	out, err := LearningDetector{}.Detect(context.Background(), input(c, nil))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "Try: sales this week", out[0].Title)
	assert.Contains(t, out[1].Message, "what's running low")

	c.Persona = persona.BusyOwner
	c.TotalMessages = 3
	out, err = LearningDetector{}.Detect(context.Background(), input(c, nil))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestOptimizationDetector(t *testing.T) {
	in := input(&conversation.Context{}, nil)
	in.Metrics = fakeMetrics{2500, 100, 3100, 2200}
	out, err := OptimizationDetector{}.Detect(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].Data["slow_turns"])

	in.Metrics = fakeMetrics{2500, 100}
	out, err = OptimizationDetector{}.Detect(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestGenerateFiltersSortsAndCaps(t *testing.T) {
	var fixed fixedDetector
	for i, conf := range []float64{0.5, 0.61, 0.9, 0.7, 0.65, 0.8, 0.95} {
		fixed = append(fixed, Insight{Type: TypePattern, Priority: PriorityLow, Confidence: conf, Title: string(rune('a' + i))})
	}
	fixed = append(fixed, Insight{Type: TypeRisk, Confidence: 0.99, ExpiresAt: testNow.Add(-time.Minute)})

	e := NewEngine(Options{
		Contexts:  fakeContexts{"cli:u1": {}},
		Detectors: []Detector{panicDetector{}, fixed},
		Now:       func() time.Time { return testNow },
	})
	out, err := e.GenerateForUser(context.Background(), "cli:u1")
	require.NoError(t, err)
	require.Len(t, out, DefaultMaxPerUser)

	var confs []float64
	for _, in := range out {
		confs = append(confs, in.Confidence)
		assert.Equal(t, "cli:u1", in.Identity)
		assert.NotEmpty(t, in.ID)
	}
	assert.Equal(t, []float64{0.95, 0.9, 0.8, 0.7, 0.65}, confs)
}

func TestGenerateUnknownIdentity(t *testing.T) {
	e := NewEngine(Options{Contexts: fakeContexts{}})
	_, err := e.GenerateForUser(context.Background(), "cli:ghost")
	assert.ErrorIs(t, err, conversation.ErrUnknownIdentity)
}

func TestFormatPerPersona(t *testing.T) {
	in := Insight{
		Type:             TypeRisk,
		Priority:         PriorityCritical,
		Confidence:       0.85,
		Title:            "Cash runway is short",
		Message:          "Cash is $7,000.00. It lasts 70 days.",
		Data:             map[string]any{"runway_days": 70},
		SuggestedActions: []string{"Delay orders", "Chase invoices"},
	}

	busy := Format(in, persona.BusyOwner)
	assert.True(t, strings.HasPrefix(busy, "🚨 Cash runway is short\nCash is $7,000.00.\n"), busy)
	assert.True(t, strings.HasSuffix(busy, "Suggested actions:\n1. Delay orders\n2. Chase invoices"), busy)

	analytical := Format(in, persona.AnalyticalManager)
	assert.Contains(t, analytical, "runway_days: 70")
	assert.Contains(t, analytical, "Confidence: 85%")

	ops := Format(in, persona.OperationsFocused)
	assert.True(t, strings.HasPrefix(ops, "type: risk\npriority: critical\n"), ops)

	assert.Contains(t, Format(in, persona.MultiLocation), "Across your network")
	assert.Contains(t, Format(in, persona.NewEntrepreneur), "easy to act on")
}

func urgentEngine(m *fakeMessenger, r Recorder, ids ...string) *Engine {
	contexts := fakeContexts{}
	for _, id := range ids {
		contexts[id] = &conversation.Context{Identity: id, Persona: persona.BusyOwner}
	}
	return NewEngine(Options{
		Contexts:  contexts,
		Messenger: m,
		Recorder:  r,
		Detectors: []Detector{fixedDetector{
			{Type: TypeRisk, Priority: PriorityCritical, Confidence: 0.85, Title: "Cash runway is short", Message: "m"},
			{Type: TypePattern, Priority: PriorityMedium, Confidence: 0.8, Title: "Automate", Message: "m"},
		}},
		Now: func() time.Time { return testNow },
	})
}

func TestRunOnceSendsOnlyUrgentAndDedups(t *testing.T) {
	m := &fakeMessenger{}
	r := &fakeRecorder{}
	s, err := NewScheduler(urgentEngine(m, r, "cli:a", "cli:b"), SchedulerOptions{Dedup: time.Hour, Concurrency: 2})
	require.NoError(t, err)

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleSummary{Identities: 2, Generated: 4, Sent: 2}, summary)
	require.Len(t, m.sent, 2)
	assert.Equal(t, "cli:a", m.sent[0].identity)
	assert.Len(t, r.recorded, 2)

	summary, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Deduped)
	assert.Equal(t, 0, summary.Sent)
}

func TestRunOnceDeliveryFailureIsCounted(t *testing.T) {
	m := &fakeMessenger{err: errors.New("offline")}
	s, err := NewScheduler(urgentEngine(m, nil, "cli:a"), SchedulerOptions{})
	require.NoError(t, err)

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Sent)
}

func TestRunOnceFailedSendIsNotRecorded(t *testing.T) {
	m := &fakeMessenger{err: errors.New("outbound full")}
	r := &fakeRecorder{}
	s, err := NewScheduler(urgentEngine(m, r, "discord:a"), SchedulerOptions{Dedup: time.Hour})
	require.NoError(t, err)

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, r.recorded)

	// the next cycle tries again instead of deduplicating
	m.mu.Lock()
	m.err = nil
	m.mu.Unlock()
	summary, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.Zero(t, summary.Deduped)
	assert.Len(t, r.recorded, 1)
}

func TestRunOnceSkipsUnreachableIdentities(t *testing.T) {
	m := &fakeMessenger{err: fmt.Errorf("send to cli:a: %w", ErrUnreachable)}
	r := &fakeRecorder{}
	s, err := NewScheduler(urgentEngine(m, r, "cli:a"), SchedulerOptions{})
	require.NoError(t, err)

	summary, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleSummary{Identities: 1, Generated: 2, Skipped: 1}, summary)
	assert.Empty(t, r.recorded)
}

func TestRunOnceStopsOnCancel(t *testing.T) {
	m := &fakeMessenger{}
	s, err := NewScheduler(urgentEngine(m, nil, "cli:a", "cli:b"), SchedulerOptions{SendDelay: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	summary, err := s.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Sent)
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler(NewEngine(Options{}), SchedulerOptions{Schedule: "every minute"})
	assert.Error(t, err)
}

func TestSchedulerNextRun(t *testing.T) {
	s, err := NewScheduler(NewEngine(Options{}), SchedulerOptions{})
	require.NoError(t, err)
	next, err := s.NextRun(time.Date(2026, 3, 11, 15, 7, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 15, 30, 0, 0, time.UTC), next)
}

func TestSchedulerStartStopNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, err := NewScheduler(urgentEngine(&fakeMessenger{}, nil), SchedulerOptions{})
	require.NoError(t, err)
	s.Start()
	s.Stop()
	s.Stop()
}
