package response

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
)

const (
	briefLines    = 3
	briefMoreHint = "Reply MORE for details."
	urgentBanner  = "🚨 URGENT: "
	politePrefix  = "Happy to help! "
	warningGlyph  = "⚠️ "
	tipGlyph      = "💡 "
)

var (
	upWords      = regexp.MustCompile(`(?i)\b(up|increased?|increasing|growth|growing|rising|higher)\b`)
	downWords    = regexp.MustCompile(`(?i)\b(down|decreased?|decreasing|decline|declining|falling|lower)\b`)
	warningWords = regexp.MustCompile(`(?i)\b(low|critical|overdue|shortfall|negative|out of stock)\b|\bOUT\b`)
	politeWords  = regexp.MustCompile(`(?i)\b(please|thanks|thank you|happy to|glad to)\b`)
)

// ApplyStyle adapts a draft to the user's learned preferences: length
// first, then polite phrasing, then the urgent banner outermost.
func ApplyStyle(draft string, rc ResponseContext) string {
	out := draft
	switch rc.ResponseLength {
	case conversation.LengthBrief:
		out = truncateBrief(out)
	case conversation.LengthVisual:
		out = visualize(out)
	}
	if rc.HasTag("polite") && !politeWords.MatchString(out) {
		out = politePrefix + out
	}
	if rc.HasTag("urgent") || rc.Mood == MoodUrgent {
		out = urgentBanner + out
	}
	return out
}

func truncateBrief(s string) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= briefLines {
		return s
	}
	return strings.Join(lines[:briefLines], "\n") + "\n" + briefMoreHint
}

func visualize(s string) string {
	out := upWords.ReplaceAllString(s, "📈 $1")
	out = downWords.ReplaceAllString(out, "📉 $1")
	if warningWords.MatchString(s) {
		out = warningGlyph + out
	}
	return out
}

// Augment adds conversational extras around the styled body: a greeting on
// the first message, a reminder of the open task, and at most one tip.
func Augment(body string, rc ResponseContext) string {
	var b strings.Builder
	if rc.FirstMessage {
		b.WriteString(TimeGreeting(rc.TimeOfDay))
		b.WriteString("!\n")
	}
	b.WriteString(body)
	if rc.CurrentTask != "" && rc.CurrentTask != rc.IntentType {
		fmt.Fprintf(&b, "\n\nStill working on: %s", humanize(rc.CurrentTask))
	}
	if tip := suggestion(rc); tip != "" {
		b.WriteString("\n\n")
		b.WriteString(tipGlyph)
		b.WriteString(tip)
	}
	return b.String()
}

func suggestion(rc ResponseContext) string {
	if q := rc.TopQuery; q != nil && q.Frequency > 1 && q.Query != rc.IntentType {
		return fmt.Sprintf("Tip: you often ask about %s. I can send it to you proactively.", humanize(q.Query))
	}
	if o := rc.OrderPattern; o != nil && o.Product != "" {
		if o.CadenceDays >= 1 {
			return fmt.Sprintf("Tip: you usually reorder %s every %.0f days.", o.Product, o.CadenceDays)
		}
		return fmt.Sprintf("Tip: say \"reorder %s\" to repeat your last order.", o.Product)
	}
	return ""
}

func humanize(key string) string {
	return strings.ReplaceAll(key, "_", " ")
}
