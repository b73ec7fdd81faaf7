package conversation

import (
	"sync"
	"time"

	"github.com/dotsetgreg/shopkeeper/pkg/persona"
)

// Message is one inbound chat message, annotated by the resolver before it
// enters the window. Messages are never mutated after being appended.
type Message struct {
	ID         string            `json:"id"`
	From       string            `json:"from"`
	To         string            `json:"to,omitempty"`
	Body       string            `json:"body"`
	Timestamp  time.Time         `json:"timestamp"`
	Intent     string            `json:"intent,omitempty"`
	Entities   map[string]string `json:"entities,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
}

type ReferencedItem struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Clarification is an open question plus the suspended task it blocks.
type Clarification struct {
	ID         string            `json:"id"`
	Question   string            `json:"question"`
	Phenomenon string            `json:"phenomenon"`
	IntentType string            `json:"intent_type"`
	Entities   map[string]string `json:"entities,omitempty"`
	RawText    string            `json:"raw_text"`
	AskedAt    time.Time         `json:"asked_at"`
}

type WorkingMemory struct {
	CurrentTask           string            `json:"current_task,omitempty"`
	EntitiesMentioned     map[string]string `json:"entities_mentioned"`
	PendingClarifications []Clarification   `json:"pending_clarifications"`
	// LastReferencedItems is most-recent-first.
	LastReferencedItems []ReferencedItem `json:"last_referenced_items"`
	LastReply           LastReply        `json:"last_reply"`
}

// LastReply is the most recent assistant reply, kept so feedback arriving
// on the next turn can be attributed to it.
type LastReply struct {
	Response   string            `json:"response,omitempty"`
	IntentType string            `json:"intent_type,omitempty"`
	ContextTag string            `json:"context_tag,omitempty"`
	Values     map[string]string `json:"values,omitempty"`
	SentAt     time.Time         `json:"sent_at"`
}

type CommonQuery struct {
	Query     string    `json:"query"`
	Frequency int       `json:"frequency"`
	LastAsked time.Time `json:"last_asked"`
}

type OrderPattern struct {
	Product       string    `json:"product"`
	Quantity      float64   `json:"quantity"`
	CadenceDays   float64   `json:"cadence_days"`
	Orders        int       `json:"orders"`
	LastOrderedAt time.Time `json:"last_ordered_at"`
}

type ResponseLength string

const (
	LengthBrief    ResponseLength = "brief"
	LengthDetailed ResponseLength = "detailed"
	LengthVisual   ResponseLength = "visual"
)

type CommunicationStyle struct {
	ResponseLength   ResponseLength `json:"response_length,omitempty"`
	LanguagePatterns []string       `json:"language_patterns,omitempty"`
	PreferredTimes   []string       `json:"preferred_times,omitempty"`
}

// Length returns the learned length preference, detailed when unset.
func (s CommunicationStyle) Length() ResponseLength {
	if s.ResponseLength == "" {
		return LengthDetailed
	}
	return s.ResponseLength
}

func (s CommunicationStyle) HasPattern(tag string) bool {
	for _, p := range s.LanguagePatterns {
		if p == tag {
			return true
		}
	}
	return false
}

type LongTermMemory struct {
	// CommonQueries is sorted by Frequency, highest first.
	CommonQueries        []CommonQuery      `json:"common_queries"`
	PreferredSuppliers   []string           `json:"preferred_suppliers"`
	TypicalOrderPatterns []OrderPattern     `json:"typical_order_patterns"`
	CommunicationStyle   CommunicationStyle `json:"communication_style"`
}

type Interaction struct {
	Pattern      string    `json:"pattern"`
	Response     string    `json:"response"`
	Satisfaction float64   `json:"satisfaction"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Context is everything remembered about one identity. The Store owns the
// live instance; callers receive clones.
type Context struct {
	mu sync.Mutex

	ThreadID               string          `json:"thread_id"`
	Identity               string          `json:"identity"`
	UserID                 string          `json:"user_id,omitempty"`
	Persona                persona.Persona `json:"persona"`
	StartedAt              time.Time       `json:"started_at"`
	LastActivityAt         time.Time       `json:"last_activity_at"`
	Window                 []Message       `json:"window"`
	WorkingMemory          WorkingMemory   `json:"working_memory"`
	LongTermMemory         LongTermMemory  `json:"long_term_memory"`
	SuccessfulInteractions []Interaction   `json:"successful_interactions"`
	TotalMessages          int             `json:"total_messages"`
}

// Clone returns a deep copy that shares nothing with c.
func (c *Context) Clone() *Context {
	out := &Context{
		ThreadID:       c.ThreadID,
		Identity:       c.Identity,
		UserID:         c.UserID,
		Persona:        c.Persona,
		StartedAt:      c.StartedAt,
		LastActivityAt: c.LastActivityAt,
		TotalMessages:  c.TotalMessages,
	}

	out.Window = make([]Message, len(c.Window))
	for i, m := range c.Window {
		m.Entities = cloneMap(m.Entities)
		out.Window[i] = m
	}

	wm := c.WorkingMemory
	out.WorkingMemory = WorkingMemory{
		CurrentTask:         wm.CurrentTask,
		EntitiesMentioned:   cloneMap(wm.EntitiesMentioned),
		LastReferencedItems: append([]ReferencedItem(nil), wm.LastReferencedItems...),
		LastReply:           wm.LastReply,
	}
	out.WorkingMemory.LastReply.Values = cloneMap(wm.LastReply.Values)
	for _, cl := range wm.PendingClarifications {
		cl.Entities = cloneMap(cl.Entities)
		out.WorkingMemory.PendingClarifications = append(out.WorkingMemory.PendingClarifications, cl)
	}

	lt := c.LongTermMemory
	out.LongTermMemory = LongTermMemory{
		CommonQueries:        append([]CommonQuery(nil), lt.CommonQueries...),
		PreferredSuppliers:   append([]string(nil), lt.PreferredSuppliers...),
		TypicalOrderPatterns: append([]OrderPattern(nil), lt.TypicalOrderPatterns...),
		CommunicationStyle: CommunicationStyle{
			ResponseLength:   lt.CommunicationStyle.ResponseLength,
			LanguagePatterns: append([]string(nil), lt.CommunicationStyle.LanguagePatterns...),
			PreferredTimes:   append([]string(nil), lt.CommunicationStyle.PreferredTimes...),
		},
	}
	out.SuccessfulInteractions = append([]Interaction(nil), c.SuccessfulInteractions...)
	return out
}

// IntentMessages returns window messages that carry an intent, oldest first.
func (c *Context) IntentMessages() []Message {
	var out []Message
	for _, m := range c.Window {
		if m.Intent != "" {
			out = append(out, m)
		}
	}
	return out
}

// TopQuery returns the most frequent query, if any.
func (c *Context) TopQuery() (CommonQuery, bool) {
	if len(c.LongTermMemory.CommonQueries) == 0 {
		return CommonQuery{}, false
	}
	return c.LongTermMemory.CommonQueries[0], true
}

// MostRecentReference returns the head of the referenced-items stack.
func (c *Context) MostRecentReference() (ReferencedItem, bool) {
	if len(c.WorkingMemory.LastReferencedItems) == 0 {
		return ReferencedItem{}, false
	}
	return c.WorkingMemory.LastReferencedItems[0], true
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
