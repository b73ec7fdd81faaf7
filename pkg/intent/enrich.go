package intent

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
)

type Phenomenon string

const (
	Reference  Phenomenon = "reference"
	Comparison Phenomenon = "comparison"
	Repetition Phenomenon = "repetition"
	Temporal   Phenomenon = "temporal"
)

// clarificationOrder decides which unresolved phenomenon is asked about
// when several are open at once.
var clarificationOrder = []Phenomenon{Reference, Temporal, Comparison}

// productIntents cannot be acted on without an item.
var productIntents = map[Type]bool{Reorder: true, PlaceOrder: true, PriceCheck: true}

// NeedsProduct reports whether t requires a product or sku entity.
func NeedsProduct(t Type) bool { return productIntents[t] }

func hasProduct(entities map[string]string) bool {
	return strings.TrimSpace(entities["product"]) != "" || strings.TrimSpace(entities["sku"]) != ""
}

// PhenomenonDetector flags cross-cutting conversational phenomena in text.
type PhenomenonDetector interface {
	Detect(text string) []Phenomenon
}

var (
	temporalPattern      = regexp.MustCompile(`(?i)\b(yesterday|today|tonight|tomorrow|(?:this|last|next)\s+(?:morning|afternoon|evening|night|week|weekend|month|quarter|year)|(?:last|past)\s+\d+\s+(?:days|weeks|months)|year\s+to\s+date|month\s+to\s+date)\b`)
	vagueTemporalPattern = regexp.MustCompile(`(?i)\b(then|that\s+(?:day|time|week|month)|recently|earlier|lately|back\s+then|the\s+other\s+day)\b`)
	referencePattern     = regexp.MustCompile(`(?i)\b(it|that|this|them|those)\b`)
	comparisonPattern    = regexp.MustCompile(`(?i)\b(same|similar)\b|\blike\s+(?:last|before|usual|that|this)\b`)
	sameAsPattern        = regexp.MustCompile(`(?i)\bsame\s+(?:\w+\s+)?as\b`)
	repetitionPattern    = regexp.MustCompile(`(?i)\b(again|more|another)\b`)
)

// RegexDetector is the keyword probe implementation of PhenomenonDetector.
type RegexDetector struct{}

func (RegexDetector) Detect(text string) []Phenomenon {
	var out []Phenomenon
	// "this week" and "that day" are time expressions, not references.
	withoutTime := vagueTemporalPattern.ReplaceAllString(temporalPattern.ReplaceAllString(text, " "), " ")
	if referencePattern.MatchString(withoutTime) {
		out = append(out, Reference)
	}
	if comparisonPattern.MatchString(text) {
		out = append(out, Comparison)
	}
	if repetitionPattern.MatchString(text) {
		out = append(out, Repetition)
	}
	if temporalPattern.MatchString(text) || vagueTemporalPattern.MatchString(text) {
		out = append(out, Temporal)
	}
	return out
}

// Baseline is an earlier request a comparison or repetition points at.
type Baseline struct {
	MessageID string            `json:"message_id"`
	Type      Type              `json:"type"`
	Entities  map[string]string `json:"entities,omitempty"`
}

// EnrichedIntent carries the extracted intent plus what the conversation
// context contributed.
type EnrichedIntent struct {
	Intent             Intent            `json:"intent"`
	Phenomena          []Phenomenon      `json:"phenomena"`
	ContextualEntities map[string]string `json:"contextual_entities,omitempty"`
	Comparison         *Baseline         `json:"comparison,omitempty"`
	Repeat             *Baseline         `json:"repeat,omitempty"`
	TemporalRef        string            `json:"temporal_ref,omitempty"`
	// MissingProduct is set when the intent needs an item and neither the
	// text nor the context supplied one.
	MissingProduct bool `json:"missing_product,omitempty"`
}

func (e EnrichedIntent) Has(p Phenomenon) bool {
	for _, got := range e.Phenomena {
		if got == p {
			return true
		}
	}
	return false
}

func (e EnrichedIntent) resolved(p Phenomenon) bool {
	switch p {
	case Reference:
		return len(e.ContextualEntities) > 0
	case Comparison:
		return e.Comparison != nil
	case Temporal:
		return e.TemporalRef != ""
	default:
		return true
	}
}

// Unresolved lists flagged phenomena still missing their resolution, in
// clarification order. A missing product is asked about as a reference.
func (e EnrichedIntent) Unresolved() []Phenomenon {
	var out []Phenomenon
	for _, p := range clarificationOrder {
		if (e.Has(p) && !e.resolved(p)) || (p == Reference && e.MissingProduct) {
			out = append(out, p)
		}
	}
	return out
}

// Entities merges contextual entities under the intent's own; explicit
// entities win.
func (e EnrichedIntent) Entities() map[string]string {
	out := make(map[string]string, len(e.Intent.Entities)+len(e.ContextualEntities)+1)
	for k, v := range e.ContextualEntities {
		out[k] = v
	}
	if e.Comparison != nil {
		for k, v := range e.Comparison.Entities {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	if e.TemporalRef != "" {
		out["date_range"] = e.TemporalRef
	}
	for k, v := range e.Intent.Entities {
		out[k] = v
	}
	return out
}

// Resolver wraps extraction, enrichment and the clarification decision.
type Resolver struct {
	detector PhenomenonDetector
}

func NewResolver(detector PhenomenonDetector) *Resolver {
	if detector == nil {
		detector = RegexDetector{}
	}
	return &Resolver{detector: detector}
}

func (r *Resolver) Extract(text string) Intent {
	return Extract(text)
}

// EnrichWithContext detects phenomena in text and resolves what it can
// from c. It does not look at the extracted intent.
func (r *Resolver) EnrichWithContext(text string, c *conversation.Context) EnrichedIntent {
	e := EnrichedIntent{Phenomena: r.detector.Detect(text)}
	if c == nil {
		return e
	}

	if e.Has(Reference) {
		if item, ok := c.MostRecentReference(); ok {
			e.ContextualEntities = map[string]string{item.Type: item.Value}
		}
	}

	if e.Has(Comparison) && sameAsPattern.MatchString(text) {
		prior := c.IntentMessages()
		if len(prior) >= 2 {
			m := prior[len(prior)-2]
			e.Comparison = &Baseline{MessageID: m.ID, Type: Type(m.Intent), Entities: copyEntities(m.Entities)}
		}
	}

	if e.Has(Repetition) {
		prior := c.IntentMessages()
		if len(prior) > 0 {
			m := prior[len(prior)-1]
			e.Repeat = &Baseline{MessageID: m.ID, Type: Type(m.Intent), Entities: copyEntities(m.Entities)}
		}
	}

	if e.Has(Temporal) {
		if phrase := findTemporal(text); phrase != "" {
			e.TemporalRef = phrase
		}
	}
	return e
}

// Resolve extracts the intent from text and enriches it. An unknown intent
// adopts the comparison or repetition baseline when one was found.
func (r *Resolver) Resolve(text string, c *conversation.Context) EnrichedIntent {
	e := r.EnrichWithContext(text, c)
	in := r.Extract(text)

	if !in.Known() {
		base := e.Comparison
		if base == nil {
			base = e.Repeat
		}
		if base != nil && base.Type != Unknown && base.Type != "" {
			in.Type = base.Type
			in.Confidence = 0.7
			for k, v := range base.Entities {
				if _, ok := in.Entities[k]; !ok {
					in.Entities[k] = v
				}
			}
		}
	}
	e.Intent = in

	if NeedsProduct(in.Type) && !hasProduct(e.Entities()) {
		fillFromHistory(&e, c)
		e.MissingProduct = !hasProduct(e.Entities())
	}
	return e
}

// fillFromHistory completes a product-less order or price request from the
// repeated request, or a reorder from the most recently ordered product.
func fillFromHistory(e *EnrichedIntent, c *conversation.Context) {
	if e.Intent.Entities == nil {
		e.Intent.Entities = map[string]string{}
	}
	if e.Repeat != nil && hasProduct(e.Repeat.Entities) {
		for _, k := range []string{"product", "sku", "quantity", "supplier"} {
			if v := e.Repeat.Entities[k]; v != "" && e.Intent.Entities[k] == "" {
				e.Intent.Entities[k] = v
			}
		}
		return
	}
	if e.Intent.Type != Reorder || c == nil {
		return
	}
	var last *conversation.OrderPattern
	for i := range c.LongTermMemory.TypicalOrderPatterns {
		p := &c.LongTermMemory.TypicalOrderPatterns[i]
		if last == nil || p.LastOrderedAt.After(last.LastOrderedAt) {
			last = p
		}
	}
	if last == nil || strings.TrimSpace(last.Product) == "" {
		return
	}
	e.Intent.Entities["product"] = last.Product
	if e.Intent.Entities["quantity"] == "" && last.Quantity > 0 {
		e.Intent.Entities["quantity"] = strconv.FormatFloat(math.Round(last.Quantity), 'f', 0, 64)
	}
}

// NeedsClarification reports whether any flagged phenomenon is still
// unresolved after enrichment.
func (r *Resolver) NeedsClarification(e EnrichedIntent) bool {
	return len(e.Unresolved()) > 0
}

// FirstUnresolved is the single phenomenon to ask about this turn.
func FirstUnresolved(e EnrichedIntent) (Phenomenon, bool) {
	u := e.Unresolved()
	if len(u) == 0 {
		return "", false
	}
	return u[0], true
}

// Question is the clarification prompt for p.
func Question(p Phenomenon) string {
	switch p {
	case Reference:
		return "Which item do you mean? Tell me the product name or SKU."
	case Temporal:
		return "Which time period do you mean? For example: today, yesterday, this week or last month."
	case Comparison:
		return "What should I compare it with? Name the product or the earlier request."
	default:
		return "Could you say a bit more about what you need?"
	}
}

// Continue treats answer as the reply to a pending clarification and
// rebuilds the suspended intent with the missing field filled in.
func (r *Resolver) Continue(cl conversation.Clarification, answer string) Intent {
	entities := copyEntities(cl.Entities)
	if entities == nil {
		entities = map[string]string{}
	}
	fromAnswer := Extract(answer)

	switch Phenomenon(cl.Phenomenon) {
	case Temporal:
		if phrase := findTemporal(answer); phrase != "" {
			entities["date_range"] = phrase
		} else {
			entities["date_range"] = strings.TrimSpace(answer)
		}
	default:
		if p := fromAnswer.Entities["product"]; p != "" {
			entities["product"] = p
			if sku := fromAnswer.Entities["sku"]; sku != "" {
				entities["sku"] = sku
			}
		} else if p := cleanProduct(answer); p != "" {
			entities["product"] = p
			if skuShape.MatchString(p) {
				entities["sku"] = strings.ToUpper(p)
			}
		}
	}
	for k, v := range fromAnswer.Entities {
		if _, ok := entities[k]; !ok {
			entities[k] = v
		}
	}

	t := Type(cl.IntentType)
	if t == "" {
		t = Unknown
	}
	return Intent{Type: t, Confidence: 0.8, Entities: entities, RawText: cl.RawText}
}

func findTemporal(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(temporalPattern.FindString(text)), " "))
}

func copyEntities(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
