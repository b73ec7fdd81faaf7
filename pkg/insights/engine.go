package insights

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/shopkeeper/pkg/business"
	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
	"github.com/dotsetgreg/shopkeeper/pkg/logger"
)

const (
	DefaultMinConfidence = 0.6
	DefaultMaxPerUser    = 5
)

type Options struct {
	Contexts      ContextSource
	Data          business.DataSource
	Metrics       MetricsReader
	Messenger     Messenger
	Recorder      Recorder
	Detectors     []Detector
	MinConfidence float64
	MaxPerUser    int
	Now           func() time.Time
}

// Engine generates, formats and delivers proactive insights.
type Engine struct {
	contexts      ContextSource
	data          business.DataSource
	metrics       MetricsReader
	messenger     Messenger
	recorder      Recorder
	detectors     []Detector
	minConfidence float64
	maxPerUser    int
	now           func() time.Time
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		contexts:      opts.Contexts,
		data:          opts.Data,
		metrics:       opts.Metrics,
		messenger:     opts.Messenger,
		recorder:      opts.Recorder,
		detectors:     opts.Detectors,
		minConfidence: opts.MinConfidence,
		maxPerUser:    opts.MaxPerUser,
		now:           opts.Now,
	}
	if e.detectors == nil {
		e.detectors = DefaultDetectors()
	}
	if e.minConfidence <= 0 {
		e.minConfidence = DefaultMinConfidence
	}
	if e.maxPerUser <= 0 {
		e.maxPerUser = DefaultMaxPerUser
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// GenerateForUser runs every detector against the identity's context and
// returns the qualifying insights, most confident first.
func (e *Engine) GenerateForUser(ctx context.Context, identity string) ([]Insight, error) {
	_, out, err := e.generate(ctx, identity)
	return out, err
}

func (e *Engine) generate(ctx context.Context, identity string) (*conversation.Context, []Insight, error) {
	c, err := e.contexts.Peek(ctx, identity)
	if err != nil {
		return nil, nil, fmt.Errorf("load context %s: %w", identity, err)
	}
	now := e.now()
	in := Input{Identity: identity, Context: c, Now: now, Data: e.data, Metrics: e.metrics}

	var candidates []Insight
	for _, d := range e.detectors {
		candidates = append(candidates, e.runDetector(ctx, d, in)...)
	}
	return c, e.rank(identity, candidates, now), nil
}

// runDetector isolates a detector so a failure or panic only loses its own
// candidates.
func (e *Engine) runDetector(ctx context.Context, d Detector, in Input) (out []Insight) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("insights", "Detector panicked", map[string]interface{}{
				"detector": d.Name(),
				"identity": in.Identity,
				"panic":    fmt.Sprint(r),
			})
			out = nil
		}
	}()
	out, err := d.Detect(ctx, in)
	if err != nil {
		logger.WarnCF("insights", "Detector failed", map[string]interface{}{
			"detector": d.Name(),
			"identity": in.Identity,
			"error":    err.Error(),
		})
	}
	return out
}

func (e *Engine) rank(identity string, candidates []Insight, now time.Time) []Insight {
	kept := candidates[:0]
	for _, in := range candidates {
		if in.Confidence < e.minConfidence || in.Expired(now) {
			continue
		}
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		in.Identity = identity
		if in.CreatedAt.IsZero() {
			in.CreatedAt = now
		}
		kept = append(kept, in)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Confidence > kept[j].Confidence
	})
	if len(kept) > e.maxPerUser {
		kept = kept[:e.maxPerUser]
	}
	return kept
}

// Send formats an insight for the identity's persona, delivers it and
// records it.
func (e *Engine) Send(ctx context.Context, c *conversation.Context, in Insight) error {
	if e.messenger == nil {
		return fmt.Errorf("send insight: no messenger configured")
	}
	body := Format(in, c.Persona)
	if err := e.messenger.SendMessage(ctx, in.Identity, body); err != nil {
		return fmt.Errorf("send insight %s: %w", in.ID, err)
	}
	if e.recorder != nil {
		if err := e.recorder.RecordInsight(ctx, in); err != nil {
			logger.WarnCF("insights", "Failed to record sent insight", map[string]interface{}{
				"identity": in.Identity,
				"insight":  in.ID,
				"error":    err.Error(),
			})
		}
	}
	logger.InfoCF("insights", "Sent proactive insight", map[string]interface{}{
		"identity": in.Identity,
		"type":     string(in.Type),
		"priority": string(in.Priority),
		"title":    in.Title,
	})
	return nil
}

// recentlySent reports whether the same insight went out since the cutoff.
// Lookup failures count as not sent.
func (e *Engine) recentlySent(ctx context.Context, in Insight, since time.Time) bool {
	if e.recorder == nil {
		return false
	}
	sent, err := e.recorder.RecentlySent(ctx, in.Identity, in.Type, in.Title, since)
	if err != nil {
		logger.WarnCF("insights", "Dedup lookup failed", map[string]interface{}{
			"identity": in.Identity,
			"error":    err.Error(),
		})
		return false
	}
	return sent
}
