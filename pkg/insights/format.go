package insights

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/dotsetgreg/shopkeeper/pkg/persona"
)

// Format renders an insight in the register of the recipient's persona and
// appends the suggested actions as a numbered list.
func Format(in Insight, p persona.Persona) string {
	var b strings.Builder
	switch p {
	case persona.AnalyticalManager:
		fmt.Fprintf(&b, "📊 %s\n%s", in.Title, in.Message)
		if lines := dataLines(in.Data); lines != "" {
			b.WriteString("\n\n")
			b.WriteString(lines)
		}
		fmt.Fprintf(&b, "\nConfidence: %.0f%%", in.Confidence*100)
	case persona.NewEntrepreneur:
		fmt.Fprintf(&b, "🌱 %s\n%s\nThis comes up for lots of growing shops, and it's easy to act on.", in.Title, in.Message)
	case persona.MultiLocation:
		fmt.Fprintf(&b, "🏬 Across your network: %s\n%s", in.Title, in.Message)
	case persona.OperationsFocused:
		fmt.Fprintf(&b, "type: %s\npriority: %s\nitem: %s\ndetail: %s", in.Type, in.Priority, in.Title, in.Message)
	default:
		fmt.Fprintf(&b, "%s %s\n%s", priorityGlyph(in.Priority), in.Title, firstSentence(in.Message))
	}

	if len(in.SuggestedActions) > 0 {
		b.WriteString("\n\nSuggested actions:")
		for i, a := range in.SuggestedActions {
			fmt.Fprintf(&b, "\n%d. %s", i+1, a)
		}
	}
	return b.String()
}

func priorityGlyph(p Priority) string {
	switch p {
	case PriorityCritical:
		return "🚨"
	case PriorityHigh:
		return "⚡"
	default:
		return "💡"
	}
}

func firstSentence(s string) string {
	if i := strings.Index(s, ". "); i >= 0 {
		return s[:i+1]
	}
	return s
}

func dataLines(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, datum(data[k])))
	}
	return strings.Join(lines, "\n")
}

func datum(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(math.Round(t*100)/100, 'f', -1, 64)
	case []string:
		return strings.Join(t, ", ")
	default:
		return fmt.Sprint(t)
	}
}
