package response

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dotsetgreg/shopkeeper/pkg/logger"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
)

const (
	DefaultSuccessThreshold = 0.7
	DefaultDecayFactor      = 0.9
)

// PatternKey identifies a learned response shape.
type PatternKey struct {
	Persona    persona.Persona
	IntentType string
	ContextTag string
}

// Pattern is a response template learned from positive feedback.
type Pattern struct {
	Persona     persona.Persona `json:"persona"`
	IntentType  string          `json:"intent_type"`
	ContextTag  string          `json:"context_tag"`
	Template    string          `json:"template"`
	SuccessRate float64         `json:"success_rate"`
	UsageCount  int             `json:"usage_count"`
	Variables   []string        `json:"variables"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (p Pattern) Key() PatternKey {
	return PatternKey{Persona: p.Persona, IntentType: p.IntentType, ContextTag: p.ContextTag}
}

// PatternStore persists learned patterns.
type PatternStore interface {
	LoadPatterns(ctx context.Context) ([]Pattern, error)
	SavePattern(ctx context.Context, p Pattern) error
}

// Registry holds learned patterns in memory with write-through persistence.
// A pattern is only selectable while its success rate is strictly above the
// threshold.
type Registry struct {
	mu        sync.RWMutex
	patterns  map[PatternKey]Pattern
	store     PatternStore
	threshold float64
	decay     float64
	now       func() time.Time
}

func NewRegistry(store PatternStore, threshold, decay float64) *Registry {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultSuccessThreshold
	}
	if decay <= 0 || decay >= 1 {
		decay = DefaultDecayFactor
	}
	return &Registry{
		patterns:  make(map[PatternKey]Pattern),
		store:     store,
		threshold: threshold,
		decay:     decay,
		now:       time.Now,
	}
}

func (r *Registry) Threshold() float64 { return r.threshold }

// Load replaces the in-memory set with what the store holds.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	list, err := r.store.LoadPatterns(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = make(map[PatternKey]Pattern, len(list))
	for _, p := range list {
		r.patterns[p.Key()] = p
	}
	logger.InfoCF("response", "Loaded learned patterns", map[string]interface{}{"count": len(list)})
	return nil
}

func (r *Registry) Get(key PatternKey) (Pattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patterns[key]
	return p, ok
}

// Lookup finds a learned pattern for a reply. An exact key match wins
// outright; otherwise the best-rated pattern for the persona and intent is
// used. Either way it must clear the threshold.
func (r *Registry) Lookup(p persona.Persona, intentType, contextTag string) (Pattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if exact, ok := r.patterns[PatternKey{Persona: p, IntentType: intentType, ContextTag: contextTag}]; ok {
		return exact, exact.SuccessRate > r.threshold
	}

	var best Pattern
	found := false
	for k, cand := range r.patterns {
		if k.Persona != p || k.IntentType != intentType || cand.SuccessRate <= r.threshold {
			continue
		}
		if !found || cand.SuccessRate > best.SuccessRate ||
			(cand.SuccessRate == best.SuccessRate && cand.ContextTag < best.ContextTag) {
			best = cand
			found = true
		}
	}
	return best, found
}

// Reinforce records a template the user liked. The pattern's rate resets to
// 1.0 and its usage count to zero.
func (r *Registry) Reinforce(ctx context.Context, key PatternKey, template string, variables []string) Pattern {
	p := Pattern{
		Persona:     key.Persona,
		IntentType:  key.IntentType,
		ContextTag:  key.ContextTag,
		Template:    template,
		SuccessRate: 1.0,
		UsageCount:  0,
		Variables:   append([]string(nil), variables...),
		UpdatedAt:   r.now(),
	}
	r.mu.Lock()
	r.patterns[key] = p
	r.mu.Unlock()
	r.persist(ctx, p)
	return p
}

// Decay lowers an existing pattern's rate after negative feedback and counts
// the use. Unknown keys are left alone.
func (r *Registry) Decay(ctx context.Context, key PatternKey) (Pattern, bool) {
	r.mu.Lock()
	p, ok := r.patterns[key]
	if !ok {
		r.mu.Unlock()
		return Pattern{}, false
	}
	p.SuccessRate *= r.decay
	p.UsageCount++
	p.UpdatedAt = r.now()
	r.patterns[key] = p
	r.mu.Unlock()

	r.persist(ctx, p)
	return p, true
}

// All returns every pattern ordered by key.
func (r *Registry) All() []Pattern {
	r.mu.RLock()
	out := make([]Pattern, 0, len(r.patterns))
	for _, p := range r.patterns {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Persona != b.Persona {
			return a.Persona < b.Persona
		}
		if a.IntentType != b.IntentType {
			return a.IntentType < b.IntentType
		}
		return a.ContextTag < b.ContextTag
	})
	return out
}

func (r *Registry) persist(ctx context.Context, p Pattern) {
	if r.store == nil {
		return
	}
	if err := r.store.SavePattern(ctx, p); err != nil {
		logger.WarnCF("response", "Failed to persist learned pattern", map[string]interface{}{
			"persona": string(p.Persona),
			"intent":  p.IntentType,
			"tag":     p.ContextTag,
			"error":   err.Error(),
		})
	}
}
