package response

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dotsetgreg/shopkeeper/pkg/business"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
)

//go:embed templates.yaml
var defaultTemplates []byte

const defaultRow = "default"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

type SourceKind string

const (
	SourceLearned SourceKind = "learned"
	SourceStatic  SourceKind = "static"
	SourceRawDump SourceKind = "raw"
)

// TemplateSource produces the draft text for a reply.
type TemplateSource interface {
	Kind() SourceKind
	Render(result business.Result, rc ResponseContext) string
}

type LearnedSource struct {
	Pattern Pattern
}

func (LearnedSource) Kind() SourceKind { return SourceLearned }

func (s LearnedSource) Render(result business.Result, rc ResponseContext) string {
	return RenderTemplate(s.Pattern.Template, result, rc)
}

type StaticSource struct {
	Template string
}

func (StaticSource) Kind() SourceKind { return SourceStatic }

func (s StaticSource) Render(result business.Result, rc ResponseContext) string {
	return RenderTemplate(s.Template, result, rc)
}

// RawDumpSource lists the result fields when no template applies.
type RawDumpSource struct{}

func (RawDumpSource) Kind() SourceKind { return SourceRawDump }

func (RawDumpSource) Render(result business.Result, _ ResponseContext) string {
	if len(result) == 0 {
		return "Done."
	}
	keys := make([]string, 0, len(result))
	for k := range result {
		if k == business.VariantKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, FormatValue(result[k])))
	}
	return strings.Join(lines, "\n")
}

// RenderTemplate substitutes {{name}} placeholders from builtins first, then
// the result. Unknown names render as [name].
func RenderTemplate(tpl string, result business.Result, rc ResponseContext) string {
	return placeholderPattern.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := builtin(name, rc); ok {
			return v
		}
		if v, ok := result[name]; ok {
			return FormatValue(v)
		}
		return "[" + name + "]"
	})
}

// Variables lists the distinct placeholder names in tpl, in order of first use.
func Variables(tpl string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(tpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return business.Qty(t)
	case float32:
		return business.Qty(float64(t))
	default:
		return fmt.Sprint(t)
	}
}

// StringValues flattens a result for storage alongside the reply.
func StringValues(result business.Result) map[string]string {
	out := make(map[string]string, len(result))
	for k, v := range result {
		out[k] = FormatValue(v)
	}
	return out
}

func builtin(name string, rc ResponseContext) (string, bool) {
	switch name {
	case "greeting":
		return TimeGreeting(rc.TimeOfDay), true
	case "emoji":
		return moodEmoji(rc.Mood), true
	case "signOff":
		return signOff(rc.Persona), true
	}
	return "", false
}

func TimeGreeting(dayPart string) string {
	switch dayPart {
	case "morning":
		return "Good morning"
	case "afternoon":
		return "Good afternoon"
	case "evening":
		return "Good evening"
	default:
		return "Hello"
	}
}

func moodEmoji(m Mood) string {
	switch m {
	case MoodUrgent:
		return "⚡"
	case MoodFrustrated:
		return "🙏"
	case MoodPositive:
		return "😊"
	default:
		return "👍"
	}
}

func signOff(p persona.Persona) string {
	switch p {
	case persona.NewEntrepreneur:
		return "You're doing great, just ask if anything is unclear."
	case persona.AnalyticalManager:
		return "Ask for a breakdown if you want the underlying numbers."
	case persona.MultiLocation:
		return "Name a location to drill in."
	case persona.OperationsFocused:
		return "Reply with a SKU to act on it."
	default:
		return "Anything else?"
	}
}

// Table holds the static templates, one row per persona plus a default row.
type Table struct {
	rows map[string]map[string]string
}

// LoadTable reads the built-in templates and, when path names an existing
// file, overlays its entries.
func LoadTable(path string) (*Table, error) {
	t, err := parseTable(defaultTemplates)
	if err != nil {
		return nil, fmt.Errorf("parse built-in templates: %w", err)
	}
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("read templates: %w", err)
	}
	override, err := parseTable(data)
	if err != nil {
		return nil, fmt.Errorf("parse templates %s: %w", path, err)
	}
	for row, entries := range override.rows {
		if t.rows[row] == nil {
			t.rows[row] = make(map[string]string)
		}
		for k, v := range entries {
			t.rows[row][k] = v
		}
	}
	return t, nil
}

// MustDefaultTable returns the built-in table.
func MustDefaultTable() *Table {
	t, err := parseTable(defaultTemplates)
	if err != nil {
		panic(err)
	}
	return t
}

func parseTable(data []byte) (*Table, error) {
	rows := make(map[string]map[string]string)
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	return &Table{rows: rows}, nil
}

// Lookup tries each key in turn against the persona row, then the default
// row, so an earlier key beats a persona override of a later one.
func (t *Table) Lookup(p persona.Persona, keys ...string) (string, bool) {
	for _, k := range keys {
		for _, row := range []string{string(p), defaultRow} {
			if tpl, ok := t.rows[row][k]; ok && tpl != "" {
				return tpl, true
			}
		}
	}
	return "", false
}
