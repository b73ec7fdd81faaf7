package response

import (
	"time"

	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
)

// ResponseContext is everything about the conversation that shapes a reply.
type ResponseContext struct {
	Persona        persona.Persona
	IntentType     string
	Mood           Mood
	TimeOfDay      string
	ResponseLength conversation.ResponseLength
	Tags           []string
	FirstMessage   bool
	CurrentTask    string
	TopQuery       *conversation.CommonQuery
	OrderPattern   *conversation.OrderPattern
}

// NewResponseContext builds the context for replying to text, given the
// conversation as it stood before text arrived.
func NewResponseContext(c *conversation.Context, intentType, text string, now time.Time, moods MoodClassifier) ResponseContext {
	style := c.LongTermMemory.CommunicationStyle
	recent := c.Window
	if text != "" {
		recent = append(append([]conversation.Message(nil), c.Window...), conversation.Message{Body: text})
	}
	rc := ResponseContext{
		Persona:        c.Persona,
		IntentType:     intentType,
		Mood:           DetectMood(moods, recent),
		TimeOfDay:      conversation.DayPart(now),
		ResponseLength: style.Length(),
		Tags:           append([]string(nil), style.LanguagePatterns...),
		FirstMessage:   len(c.Window) == 0,
		CurrentTask:    c.WorkingMemory.CurrentTask,
	}
	if !rc.Persona.Valid() {
		rc.Persona = persona.Default
	}
	if q, ok := c.TopQuery(); ok {
		rc.TopQuery = &q
	}
	if len(c.LongTermMemory.TypicalOrderPatterns) > 0 {
		p := c.LongTermMemory.TypicalOrderPatterns[0]
		rc.OrderPattern = &p
	}
	return rc
}

func (rc ResponseContext) HasTag(tag string) bool {
	for _, t := range rc.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
