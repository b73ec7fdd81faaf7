// Package intent turns free text into a structured Intent and enriches it
// with what the conversation already knows.
package intent

import (
	"regexp"
	"strings"
)

type Type string

const (
	Greeting       Type = "greeting"
	Help           Type = "help"
	CheckInventory Type = "check_inventory"
	LowStock       Type = "low_stock"
	SalesReport    Type = "sales_report"
	SupplierLookup Type = "supplier_lookup"
	Reorder        Type = "reorder"
	PlaceOrder     Type = "place_order"
	PriceCheck     Type = "price_check"
	CashFlow       Type = "cash_flow"
	Unknown        Type = "unknown"
)

const unknownConfidence = 0.1

type Intent struct {
	Type       Type              `json:"type"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities"`
	RawText    string            `json:"raw_text"`
}

func (i Intent) Known() bool { return i.Type != Unknown && i.Type != "" }

// rule is one row of the ordered pattern table. The first matching pattern
// of the first matching rule wins.
type rule struct {
	Type       Type
	Confidence float64
	Patterns   []*regexp.Regexp
	Entities   func(groups []string, text string) map[string]string
}

var (
	skuShape      = regexp.MustCompile(`^[A-Za-z]+[-_]?\d+[A-Za-z0-9]*$|^\d+[A-Za-z]+[A-Za-z0-9]*$`)
	quantityScan  = regexp.MustCompile(`(?:^|[\s,(])(\d+(?:\.\d+)?)(?:\s*(?:units?|pcs|pieces|cases?|boxes|bags|kg|lbs?|x))?(?:$|[\s,.!?)])`)
	trailingNoise = regexp.MustCompile(`(?i)\s+(?:please|pls|now|today|again|asap|for me|do we have|in stock|left)$`)
)

// productPhrase matches a product name: a sku-ish token or up to three words.
const (
	productPhrase      = `([A-Za-z0-9][\w\-]*(?:\s+[A-Za-z][\w\-]*){0,2})`
	orderProductPhrase = `([A-Za-z0-9][\w\-]*(?:\s+[A-Za-z][\w\-]*){0,3}?)`
	supplierPhrase     = `([A-Za-z][\w&\-]*(?:\s+[A-Za-z][\w&\-]*){0,2})`
	quantityPrefix     = `(?:\d+(?:\.\d+)?\s*(?:units?|pcs|pieces|cases?|boxes|bags|kg|lbs?|x)?\s+(?:of\s+)?)?`
)

var rules = []rule{
	{
		Type:       Greeting,
		Confidence: 0.95,
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^\s*(hi|hello|hey|good\s+(morning|afternoon|evening)|yo)\b[\s!.,]*$`),
		},
	},
	{
		Type:       Help,
		Confidence: 0.9,
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^\s*(help|menu|commands)\b`),
			regexp.MustCompile(`(?i)\bwhat can you do\b`),
		},
	},
	{
		Type:       CheckInventory,
		Confidence: 0.9,
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:check|show)\s+(?:stock|inventory)\s+(?:for\s+|of\s+|on\s+)?` + productPhrase),
			regexp.MustCompile(`(?i)\b(?:stock|inventory)\s+(?:level\s+)?(?:for|of|on)\s+` + productPhrase),
			regexp.MustCompile(`(?i)\bhow\s+(?:many|much)\s+(?:of\s+)?` + productPhrase + `\s+(?:do\s+we\s+have|in\s+stock|left)`),
			regexp.MustCompile(`(?i)\bhow\s+(?:many|much)\s+(?:of\s+(?:it|that|this|them|those)\s+)?(?:do\s+we\s+have|in\s+stock|left)\b`),
			regexp.MustCompile(`(?i)\b(?:check|show)\s+(?:stock|inventory)\b`),
		},
		Entities: productEntities,
	},
	{
		Type:       LowStock,
		Confidence: 0.85,
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(low\s+stock|running\s+(low|out)|out\s+of\s+stock|stock\s*outs?)\b`),
			regexp.MustCompile(`(?i)\bwhat\s+(?:do\s+i|should\s+i|do\s+we)\s+need\s+to\s+(?:re)?order\b`),
		},
	},
	{
		Type:       SalesReport,
		Confidence: 0.85,
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(sales|revenue|takings)\b(?:\s+(?:report|summary|numbers))?`),
			regexp.MustCompile(`(?i)\bhow\s+(?:much|many)\s+did\s+(?:we|i)\s+sell\b`),
			regexp.MustCompile(`(?i)\bbest\s+sell(?:ers|ing)\b`),
		},
		Entities: dateRangeEntities,
	},
	{
		Type:       SupplierLookup,
		Confidence: 0.85,
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bsupplier\s+(?:for|of)\s+` + productPhrase),
			regexp.MustCompile(`(?i)\bwho\s+(?:supplies|sells\s+us|do\s+we\s+buy)\s+` + productPhrase),
			regexp.MustCompile(`(?i)\b(?:supplier|vendor)s?\b`),
		},
		Entities: productEntities,
	},
	{
		Type:       Reorder,
		Confidence: 0.85,
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\breorder\s+` + productPhrase),
			regexp.MustCompile(`(?i)\border\s+(?:` + productPhrase + `\s+)?again\b`),
			regexp.MustCompile(`(?i)\b(?:reorder|same\s+order\s+as\s+last\s+time|usual\s+order)\b`),
		},
		Entities: orderEntities,
	},
	{
		Type:       PlaceOrder,
		Confidence: 0.85,
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:order|buy|purchase)\s+` + quantityPrefix + orderProductPhrase + `(?:\s+from\s+` + supplierPhrase + `)?\s*[.!?]*\s*$`),
		},
		Entities: orderEntities,
	},
	{
		Type:       PriceCheck,
		Confidence: 0.8,
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:price|cost)\s+(?:of|for)\s+` + productPhrase),
			regexp.MustCompile(`(?i)\bhow\s+much\s+(?:is|does|are)\s+` + productPhrase),
		},
		Entities: productEntities,
	},
	{
		Type:       CashFlow,
		Confidence: 0.8,
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(cash\s*flow|cash\s+position|bank\s+balance|runway|how\s+much\s+cash)\b`),
		},
		Entities: dateRangeEntities,
	},
}

// Extract matches text against the ordered rule table. It never fails: no
// match yields Unknown with low confidence.
func Extract(text string) Intent {
	trimmed := strings.TrimSpace(text)
	for _, r := range rules {
		for _, p := range r.Patterns {
			groups := p.FindStringSubmatch(trimmed)
			if groups == nil {
				continue
			}
			entities := map[string]string{}
			if r.Entities != nil {
				entities = r.Entities(groups, trimmed)
			}
			return Intent{Type: r.Type, Confidence: r.Confidence, Entities: entities, RawText: text}
		}
	}
	return Intent{Type: Unknown, Confidence: unknownConfidence, Entities: map[string]string{}, RawText: text}
}

// Types lists every known intent in priority order.
func Types() []Type {
	out := make([]Type, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Type)
	}
	return out
}

var pronouns = map[string]bool{
	"it": true, "that": true, "this": true, "them": true, "those": true, "these": true,
	"the": true, "a": true, "an": true, "some": true, "more": true, "again": true, "what": true,
}

func productEntities(groups []string, text string) map[string]string {
	out := map[string]string{}
	if len(groups) > 1 {
		if product := cleanProduct(groups[1]); product != "" {
			out["product"] = product
			if skuShape.MatchString(product) {
				out["sku"] = strings.ToUpper(product)
			}
		}
	}
	for k, v := range dateRangeEntities(groups, text) {
		out[k] = v
	}
	return out
}

func orderEntities(groups []string, text string) map[string]string {
	out := productEntities(groups, text)
	if len(groups) > 2 && strings.TrimSpace(groups[2]) != "" {
		out["supplier"] = strings.TrimSpace(groups[2])
	}
	if qty, ok := ScanQuantity(text); ok {
		out["quantity"] = qty
	}
	return out
}

func dateRangeEntities(_ []string, text string) map[string]string {
	out := map[string]string{}
	if phrase := findTemporal(text); phrase != "" {
		out["date_range"] = phrase
	}
	return out
}

// cleanProduct trims filler words and rejects bare pronouns.
func cleanProduct(raw string) string {
	p := strings.TrimSpace(raw)
	for {
		next := trailingNoise.ReplaceAllString(p, "")
		next = temporalPattern.ReplaceAllString(next, "")
		next = strings.TrimSpace(strings.TrimRight(next, "?!.,"))
		if next == p {
			break
		}
		p = next
	}
	words := strings.Fields(p)
	for len(words) > 0 && pronouns[strings.ToLower(words[0])] {
		words = words[1:]
	}
	for len(words) > 0 && pronouns[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// ScanQuantity finds the first standalone number in text. Digits embedded
// in tokens such as SKUs are ignored.
func ScanQuantity(text string) (string, bool) {
	m := quantityScan.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}
