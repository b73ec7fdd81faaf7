package insights

import (
	"context"
	"errors"
	"time"

	"github.com/dotsetgreg/shopkeeper/pkg/business"
	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
)

type Type string

const (
	TypePattern      Type = "pattern"
	TypeOpportunity  Type = "opportunity"
	TypeRisk         Type = "risk"
	TypeLearning     Type = "learning"
	TypeOptimization Type = "optimization"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Urgent reports whether insights of this priority are pushed unprompted.
func (p Priority) Urgent() bool {
	return p == PriorityCritical || p == PriorityHigh
}

// Insight is a generated, unsolicited observation for one identity.
type Insight struct {
	ID               string         `json:"id"`
	Identity         string         `json:"identity"`
	Type             Type           `json:"type"`
	Priority         Priority       `json:"priority"`
	Confidence       float64        `json:"confidence"`
	Title            string         `json:"title"`
	Message          string         `json:"message"`
	Data             map[string]any `json:"data,omitempty"`
	SuggestedActions []string       `json:"suggested_actions,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ExpiresAt        time.Time      `json:"expires_at,omitempty"`
}

func (i Insight) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Input is what a detector sees for one identity.
type Input struct {
	Identity string
	Context  *conversation.Context
	Now      time.Time
	Data     business.DataSource
	Metrics  MetricsReader
}

// Detector produces candidate insights. Detectors are independent and may
// return any number of candidates.
type Detector interface {
	Name() string
	Detect(ctx context.Context, in Input) ([]Insight, error)
}

// ContextSource reads conversation state without disturbing the live cache.
type ContextSource interface {
	Peek(ctx context.Context, identity string) (*conversation.Context, error)
	ActiveIdentities(ctx context.Context, since time.Time) ([]string, error)
}

// ErrUnreachable is returned by a Messenger when nothing can deliver to the
// identity's channel right now. Such sends are skipped, not failed.
var ErrUnreachable = errors.New("identity unreachable")

// Messenger delivers an unsolicited message to an identity. A nil error
// means the message was handed to a delivery route.
type Messenger interface {
	SendMessage(ctx context.Context, identity, body string) error
}

// Recorder durably records sent insights.
type Recorder interface {
	RecordInsight(ctx context.Context, in Insight) error
	RecentlySent(ctx context.Context, identity string, t Type, title string, since time.Time) (bool, error)
}

// MetricsReader returns metric samples recorded for an identity since a time.
type MetricsReader interface {
	MetricSamples(ctx context.Context, identity, name string, since time.Time) ([]float64, error)
}
