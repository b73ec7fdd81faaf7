package intent

import (
	"fmt"
	"testing"
	"time"

	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func contextWithReference(items ...conversation.ReferencedItem) *conversation.Context {
	return &conversation.Context{
		Identity: "sms:+1",
		WorkingMemory: conversation.WorkingMemory{
			EntitiesMentioned:   map[string]string{},
			LastReferencedItems: items,
		},
	}
}

func TestEnrich_ReferenceResolvesFromStack(t *testing.T) {
	r := NewResolver(nil)
	c := contextWithReference(conversation.ReferencedItem{Type: "product", Value: "ABC123", Timestamp: time.Now()})

	e := r.EnrichWithContext("how much of it do we have", c)

	assert.True(t, e.Has(Reference))
	assert.Equal(t, map[string]string{"product": "ABC123"}, e.ContextualEntities)
	assert.False(t, r.NeedsClarification(e))
}

func TestEnrich_ReferenceWithoutHistoryNeedsClarification(t *testing.T) {
	r := NewResolver(nil)
	e := r.EnrichWithContext("how much of it do we have", contextWithReference())

	assert.True(t, r.NeedsClarification(e))
	p, ok := FirstUnresolved(e)
	require.True(t, ok)
	assert.Equal(t, Reference, p)
}

func TestEnrich_TimeExpressionsAreNotReferences(t *testing.T) {
	e := NewResolver(nil).EnrichWithContext("sales this week", contextWithReference())
	assert.False(t, e.Has(Reference))
	assert.True(t, e.Has(Temporal))
	assert.Equal(t, "this week", e.TemporalRef)
	assert.Empty(t, e.Unresolved())
}

func TestEnrich_VagueTimeNeedsClarification(t *testing.T) {
	e := NewResolver(nil).EnrichWithContext("what were sales back then", contextWithReference())
	assert.True(t, e.Has(Temporal))
	assert.Equal(t, []Phenomenon{Temporal}, e.Unresolved())
}

func TestEnrich_ClarificationPriority(t *testing.T) {
	// reference, temporal and comparison all unresolved: ask about the reference first
	e := NewResolver(nil).EnrichWithContext("is that similar to sales back then", contextWithReference())
	assert.Equal(t, []Phenomenon{Reference, Temporal, Comparison}, e.Unresolved())
	p, _ := FirstUnresolved(e)
	assert.Equal(t, Reference, p)
}

func TestEnrich_ComparisonUsesSecondToLastIntentMessage(t *testing.T) {
	c := contextWithReference()
	c.Window = []conversation.Message{
		{ID: "1", Body: "sales today", Intent: "sales_report", Entities: map[string]string{"date_range": "today"}},
		{ID: "2", Body: "thanks"},
		{ID: "3", Body: "check stock ABC123", Intent: "check_inventory", Entities: map[string]string{"product": "ABC123"}},
	}

	e := NewResolver(nil).EnrichWithContext("same as before", c)
	require.NotNil(t, e.Comparison)
	assert.Equal(t, "1", e.Comparison.MessageID)
	assert.Equal(t, SalesReport, e.Comparison.Type)

	similar := NewResolver(nil).EnrichWithContext("something similar", c)
	assert.Nil(t, similar.Comparison)
	assert.Equal(t, []Phenomenon{Comparison}, similar.Unresolved())
}

func TestResolve_UnknownAdoptsRepeatBaseline(t *testing.T) {
	c := contextWithReference()
	c.Window = []conversation.Message{
		{ID: "1", Body: "check stock ABC123", Intent: "check_inventory", Entities: map[string]string{"product": "ABC123"}},
	}
	e := NewResolver(nil).Resolve("again", c)
	assert.Equal(t, CheckInventory, e.Intent.Type)
	assert.Equal(t, "ABC123", e.Entities()["product"])
}

func TestResolve_OrderAgainFillsFromRepeatBaseline(t *testing.T) {
	c := contextWithReference()
	c.Window = []conversation.Message{
		{ID: "1", Body: "order 5 of widget", Intent: "place_order", Entities: map[string]string{"product": "widget", "quantity": "5"}},
	}
	r := NewResolver(nil)

	e := r.Resolve("order again", c)

	assert.Equal(t, Reorder, e.Intent.Type)
	assert.Equal(t, map[string]string{"product": "widget", "quantity": "5"}, e.Entities())
	assert.False(t, e.MissingProduct)
	assert.False(t, r.NeedsClarification(e))
}

func TestResolve_BareReorderUsesLatestOrderPattern(t *testing.T) {
	c := contextWithReference()
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c.LongTermMemory.TypicalOrderPatterns = []conversation.OrderPattern{
		{Product: "flour", Quantity: 12.4, LastOrderedAt: start.AddDate(0, 0, 3)},
		{Product: "sugar", Quantity: 3, LastOrderedAt: start},
	}

	e := NewResolver(nil).Resolve("reorder", c)

	assert.Equal(t, Reorder, e.Intent.Type)
	assert.Equal(t, "flour", e.Entities()["product"])
	assert.Equal(t, "12", e.Entities()["quantity"])
	assert.Empty(t, e.Unresolved())
}

func TestResolve_ProductIntentWithoutItemNeedsClarification(t *testing.T) {
	r := NewResolver(nil)
	for _, text := range []string{"reorder", "order again", "usual order"} {
		e := r.Resolve(text, contextWithReference())
		assert.True(t, e.MissingProduct, text)
		p, ok := FirstUnresolved(e)
		require.True(t, ok, text)
		assert.Equal(t, Reference, p, text)
	}

	// listing intents work without an item
	e := r.Resolve("check stock", contextWithReference())
	assert.False(t, e.MissingProduct)
	assert.Empty(t, e.Unresolved())
}

func TestEntities_ExplicitWinsOverContext(t *testing.T) {
	e := EnrichedIntent{
		Intent:             Intent{Type: CheckInventory, Entities: map[string]string{"product": "XYZ9"}},
		ContextualEntities: map[string]string{"product": "ABC123", "supplier": "Acme"},
		TemporalRef:        "today",
	}
	assert.Equal(t, map[string]string{"product": "XYZ9", "supplier": "Acme", "date_range": "today"}, e.Entities())
}

func TestContinue_FillsMissingField(t *testing.T) {
	r := NewResolver(nil)
	in := r.Continue(conversation.Clarification{
		Phenomenon: string(Reference),
		IntentType: string(CheckInventory),
		RawText:    "how much of it do we have",
	}, "ABC123")
	assert.Equal(t, CheckInventory, in.Type)
	assert.Equal(t, "ABC123", in.Entities["product"])
	assert.Equal(t, "ABC123", in.Entities["sku"])

	in = r.Continue(conversation.Clarification{
		Phenomenon: string(Temporal),
		IntentType: string(SalesReport),
	}, "last month please")
	assert.Equal(t, "last month", in.Entities["date_range"])
}

func TestProperty_ReferenceResolution(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		pronoun := rapid.SampledFrom([]string{"it", "that", "this", "them", "those"}).Draw(rt, "pronoun")
		text := rapid.SampledFrom([]string{
			"how much of %s do we have",
			"reorder %s",
			"who supplies %s",
			"is %s running low",
		}).Draw(rt, "template")
		msg := fmt.Sprintf(text, pronoun)
		r := NewResolver(nil)

		empty := r.EnrichWithContext(msg, contextWithReference())
		if !empty.Has(Reference) || !r.NeedsClarification(empty) {
			rt.Fatalf("%q with no history must need clarification", msg)
		}

		value := rapid.StringMatching(`[A-Z]{2,4}[0-9]{1,4}`).Draw(rt, "sku")
		full := r.EnrichWithContext(msg, contextWithReference(conversation.ReferencedItem{Type: "product", Value: value}))
		if full.ContextualEntities["product"] != value {
			rt.Fatalf("%q did not resolve to %s: %v", msg, value, full.ContextualEntities)
		}
		for _, p := range full.Unresolved() {
			if p == Reference {
				rt.Fatalf("%q reference unresolved despite history", msg)
			}
		}
	})
}
