package conversation

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// minLengthSamples is how many window messages are needed before a
	// length preference is inferred.
	minLengthSamples     = 3
	briefAverageChars    = 25
	detailedAverageChars = 120
)

var (
	visualPattern  = regexp.MustCompile(`(?i)\b(chart|graph|visual|visualize|plot|dashboard)\b`)
	politePattern  = regexp.MustCompile(`(?i)\b(please|thanks|thank you|kindly|appreciate)\b`)
	urgencyPattern = regexp.MustCompile(`(?i)\b(urgent|urgently|asap|immediately|emergency|right away)\b`)
)

// Language pattern tags inferred from message text.
const (
	TagInquisitive = "inquisitive"
	TagPolite      = "polite"
	TagUrgent      = "urgent"
)

// DayPart buckets the wall-clock hour of t.
func DayPart(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "morning"
	case h >= 12 && h < 17:
		return "afternoon"
	case h >= 17 && h < 22:
		return "evening"
	default:
		return "night"
	}
}

func learnFromMessage(c *Context, msg Message) {
	style := &c.LongTermMemory.CommunicationStyle

	if visualPattern.MatchString(msg.Body) {
		style.ResponseLength = LengthVisual
	} else if style.ResponseLength != LengthVisual && len(c.Window) >= minLengthSamples {
		switch avg := averageBodyLength(c.Window); {
		case avg > 0 && avg < briefAverageChars:
			style.ResponseLength = LengthBrief
		case avg > detailedAverageChars:
			style.ResponseLength = LengthDetailed
		}
	}

	if strings.Contains(msg.Body, "?") {
		style.LanguagePatterns = addTag(style.LanguagePatterns, TagInquisitive)
	}
	if politePattern.MatchString(msg.Body) {
		style.LanguagePatterns = addTag(style.LanguagePatterns, TagPolite)
	}
	if urgencyPattern.MatchString(msg.Body) {
		style.LanguagePatterns = addTag(style.LanguagePatterns, TagUrgent)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = c.LastActivityAt
	}
	style.PreferredTimes = addTag(style.PreferredTimes, DayPart(ts))

	if msg.Intent != "" && msg.Intent != "unknown" {
		c.LongTermMemory.CommonQueries = bumpQuery(c.LongTermMemory.CommonQueries, msg.Intent, ts)
	}

	if supplier := strings.TrimSpace(msg.Entities["supplier"]); supplier != "" {
		c.LongTermMemory.PreferredSuppliers = addTag(c.LongTermMemory.PreferredSuppliers, supplier)
	}

	if msg.Intent == "place_order" || msg.Intent == "reorder" {
		if product := strings.TrimSpace(msg.Entities["product"]); product != "" {
			c.LongTermMemory.TypicalOrderPatterns = observeOrder(c.LongTermMemory.TypicalOrderPatterns, product, msg.Entities["quantity"], ts)
		}
	}
}

func averageBodyLength(window []Message) int {
	if len(window) == 0 {
		return 0
	}
	total := 0
	for _, m := range window {
		total += len([]rune(m.Body))
	}
	return total / len(window)
}

// addTag inserts tag into a sorted set.
func addTag(set []string, tag string) []string {
	i := sort.SearchStrings(set, tag)
	if i < len(set) && set[i] == tag {
		return set
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = tag
	return set
}

func bumpQuery(queries []CommonQuery, query string, at time.Time) []CommonQuery {
	found := false
	for i := range queries {
		if queries[i].Query == query {
			queries[i].Frequency++
			queries[i].LastAsked = at
			found = true
			break
		}
	}
	if !found {
		queries = append(queries, CommonQuery{Query: query, Frequency: 1, LastAsked: at})
	}
	sort.SliceStable(queries, func(i, j int) bool {
		return queries[i].Frequency > queries[j].Frequency
	})
	return queries
}

// observeOrder folds one order into the product's pattern: quantity is a
// running average over orders that stated one, cadence a running average
// of the gaps between orders in days.
func observeOrder(patterns []OrderPattern, product, rawQty string, at time.Time) []OrderPattern {
	qty, qtyErr := strconv.ParseFloat(strings.TrimSpace(rawQty), 64)
	hasQty := qtyErr == nil && qty > 0

	for i := range patterns {
		p := &patterns[i]
		if !strings.EqualFold(p.Product, product) {
			continue
		}
		p.Orders++
		if hasQty {
			if p.Quantity <= 0 {
				p.Quantity = qty
			} else {
				p.Quantity += (qty - p.Quantity) / float64(p.Orders)
			}
		}
		if !p.LastOrderedAt.IsZero() && at.After(p.LastOrderedAt) {
			gap := at.Sub(p.LastOrderedAt).Hours() / 24
			intervals := float64(p.Orders - 1)
			p.CadenceDays += (gap - p.CadenceDays) / intervals
		}
		p.LastOrderedAt = at
		return patterns
	}

	p := OrderPattern{Product: product, Orders: 1, LastOrderedAt: at}
	if hasQty {
		p.Quantity = qty
	}
	return append(patterns, p)
}
