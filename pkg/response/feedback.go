package response

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type Feedback string

const (
	FeedbackPositive Feedback = "positive"
	FeedbackNegative Feedback = "negative"
)

func ParseFeedback(s string) (Feedback, error) {
	switch Feedback(strings.ToLower(strings.TrimSpace(s))) {
	case FeedbackPositive, "+", "up", "good":
		return FeedbackPositive, nil
	case FeedbackNegative, "-", "down", "bad":
		return FeedbackNegative, nil
	}
	return "", fmt.Errorf("unknown feedback %q (want positive or negative)", s)
}

var (
	positiveFeedback = regexp.MustCompile(`^(?:(?:thanks|thank you|thx|ty|great|perfect|awesome|helpful|very helpful|that helps|that's helpful|good|nice|exactly|love it|spot on|👍|🙏)[\s,.!]*)+$`)
	negativeFeedback = regexp.MustCompile(`^(?:(?:wrong|that's wrong|not helpful|unhelpful|useless|bad|not what i asked|try again|that's not right|👎)[\s,.!]*)+$`)
)

// DetectFeedback reports whether a message is purely a reaction to the
// previous reply rather than a new request.
func DetectFeedback(text string) (Feedback, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return "", false
	}
	switch {
	case positiveFeedback.MatchString(t):
		return FeedbackPositive, true
	case negativeFeedback.MatchString(t):
		return FeedbackNegative, true
	}
	return "", false
}

// variableToken matches the parts of a reply that differ between turns:
// numbers (with optional currency and percent) and upper-case codes.
var variableToken = regexp.MustCompile(`\$?\b\d+(?:,\d{3})*(?:\.\d+)?%?|\b[A-Z][A-Z0-9_-]{2,}\b`)

// ExtractTemplate generalizes a concrete reply into a template. Tokens that
// equal one of values are named after that value's key; the rest become
// value_N for numbers and code_N for codes.
func ExtractTemplate(response string, values map[string]string) (string, []string) {
	byValue := make(map[string]string, len(values))
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := strings.TrimSpace(values[k])
		if v == "" {
			continue
		}
		if _, taken := byValue[v]; !taken {
			byValue[v] = k
		}
	}

	var vars []string
	seen := make(map[string]bool)
	numbers, codes := 0, 0
	tpl := variableToken.ReplaceAllStringFunc(response, func(tok string) string {
		name, ok := byValue[tok]
		if !ok {
			if tok[0] >= 'A' && tok[0] <= 'Z' {
				codes++
				name = fmt.Sprintf("code_%d", codes)
			} else {
				numbers++
				name = fmt.Sprintf("value_%d", numbers)
			}
		}
		if !seen[name] {
			seen[name] = true
			vars = append(vars, name)
		}
		return "{{" + name + "}}"
	})
	return tpl, vars
}

var greetingLine = regexp.MustCompile(`^(?:Good morning|Good afternoon|Good evening|Hello)!$`)

// StripAugmentation removes what styling and augmentation added so only the
// rendered draft remains.
func StripAugmentation(response string) string {
	lines := strings.Split(response, "\n")
	if len(lines) > 0 && greetingLine.MatchString(strings.TrimSpace(lines[0])) {
		lines = lines[1:]
	}
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == briefMoreHint ||
			strings.HasPrefix(trimmed, "Still working on:") ||
			strings.HasPrefix(trimmed, strings.TrimSpace(tipGlyph)) {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	out = strings.TrimPrefix(out, urgentBanner)
	out = strings.TrimPrefix(out, politePrefix)
	out = strings.TrimPrefix(out, warningGlyph)
	out = strings.ReplaceAll(out, "📈 ", "")
	out = strings.ReplaceAll(out, "📉 ", "")
	return out
}
