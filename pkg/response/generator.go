package response

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/shopkeeper/pkg/business"
	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
	"github.com/dotsetgreg/shopkeeper/pkg/logger"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
)

var ErrEmptyTemplate = errors.New("response has no reusable content")

// ContextSource exposes the live conversation for an identity.
type ContextSource interface {
	Snapshot(identity string) (*conversation.Context, bool)
}

type Options struct {
	Registry *Registry
	Table    *Table
	Moods    MoodClassifier
	Contexts ContextSource
	Now      func() time.Time
}

// Reply is a composed response plus what is needed to learn from feedback
// on it later.
type Reply struct {
	Text       string
	Source     SourceKind
	ContextTag string
	Values     map[string]string
}

type Generator struct {
	registry *Registry
	table    *Table
	moods    MoodClassifier
	contexts ContextSource
	now      func() time.Time
}

func NewGenerator(opts Options) *Generator {
	g := &Generator{
		registry: opts.Registry,
		table:    opts.Table,
		moods:    opts.Moods,
		contexts: opts.Contexts,
		now:      opts.Now,
	}
	if g.registry == nil {
		g.registry = NewRegistry(nil, DefaultSuccessThreshold, DefaultDecayFactor)
	}
	if g.table == nil {
		g.table = MustDefaultTable()
	}
	if g.moods == nil {
		g.moods = KeywordMoodClassifier{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

func (g *Generator) Registry() *Registry { return g.registry }

// Compose renders a reply to text for result. c is the conversation as it
// stood before text arrived.
func (g *Generator) Compose(result business.Result, c *conversation.Context, intentType, text string) Reply {
	if intentType == "" {
		intentType = "unknown"
	}
	rc := NewResponseContext(c, intentType, text, g.now(), g.moods)
	return g.compose(result, rc)
}

// Generate is Compose without the inbound text.
func (g *Generator) Generate(result business.Result, c *conversation.Context, intentType string) string {
	return g.Compose(result, c, intentType, "").Text
}

// Expand re-renders the previous reply at full length.
func (g *Generator) Expand(c *conversation.Context) (Reply, bool) {
	last := c.WorkingMemory.LastReply
	if last.IntentType == "" || len(last.Values) == 0 {
		return Reply{}, false
	}
	result := make(business.Result, len(last.Values))
	for k, v := range last.Values {
		result[k] = v
	}
	rc := NewResponseContext(c, last.IntentType, "", g.now(), g.moods)
	rc.ResponseLength = conversation.LengthDetailed
	rc.FirstMessage = false
	return g.compose(result, rc), true
}

func (g *Generator) compose(result business.Result, rc ResponseContext) Reply {
	tag := contextTag(rc.Mood, result.Variant())
	src := g.selectSource(rc, tag, result)
	draft := src.Render(result, rc)
	text := Augment(ApplyStyle(draft, rc), rc)

	logger.DebugCF("response", "Composed reply", map[string]interface{}{
		"persona": string(rc.Persona),
		"intent":  rc.IntentType,
		"tag":     tag,
		"source":  string(src.Kind()),
		"length":  string(rc.ResponseLength),
	})
	return Reply{Text: text, Source: src.Kind(), ContextTag: tag, Values: StringValues(result)}
}

func contextTag(m Mood, variant string) string {
	if variant == "" {
		return string(m)
	}
	return string(m) + ":" + variant
}

func (g *Generator) selectSource(rc ResponseContext, tag string, result business.Result) TemplateSource {
	if p, ok := g.registry.Lookup(rc.Persona, rc.IntentType, tag); ok {
		return LearnedSource{Pattern: p}
	}
	keys := []string{rc.IntentType}
	if v := result.Variant(); v != "" {
		keys = []string{rc.IntentType + "." + v, rc.IntentType}
	}
	if tpl, ok := g.table.Lookup(rc.Persona, keys...); ok {
		return StaticSource{Template: tpl}
	}
	return RawDumpSource{}
}

// LearnFromFeedback adjusts the pattern for a reply. Positive feedback
// stores the reply as a template; negative feedback decays an existing one.
// The context tag and values come from the identity's last reply when it
// matches intentType.
func (g *Generator) LearnFromFeedback(ctx context.Context, identity, response string, fb Feedback, intentType string, p persona.Persona) error {
	if intentType == "" {
		return fmt.Errorf("learn from feedback: missing intent type")
	}
	if !p.Valid() {
		p = persona.Default
	}
	tag := string(MoodNeutral)
	var values map[string]string
	if g.contexts != nil {
		if c, ok := g.contexts.Snapshot(identity); ok {
			last := c.WorkingMemory.LastReply
			if last.IntentType == intentType {
				if last.ContextTag != "" {
					tag = last.ContextTag
				}
				values = last.Values
			}
		}
	}
	key := PatternKey{Persona: p, IntentType: intentType, ContextTag: tag}

	switch fb {
	case FeedbackPositive:
		tpl, vars := ExtractTemplate(StripAugmentation(response), values)
		if strings.TrimSpace(tpl) == "" {
			return ErrEmptyTemplate
		}
		g.registry.Reinforce(ctx, key, tpl, vars)
		logger.InfoCF("response", "Reinforced response pattern", map[string]interface{}{
			"identity":  identity,
			"persona":   string(p),
			"intent":    intentType,
			"tag":       tag,
			"variables": len(vars),
		})
	case FeedbackNegative:
		pat, ok := g.registry.Decay(ctx, key)
		if !ok {
			logger.DebugCF("response", "Negative feedback with no learned pattern", map[string]interface{}{
				"identity": identity,
				"intent":   intentType,
			})
			return nil
		}
		logger.InfoCF("response", "Decayed response pattern", map[string]interface{}{
			"identity":     identity,
			"intent":       intentType,
			"success_rate": pat.SuccessRate,
			"usage_count":  pat.UsageCount,
		})
	default:
		return fmt.Errorf("learn from feedback: unknown feedback %q", fb)
	}
	return nil
}
