package response

import (
	"regexp"
	"strings"

	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
)

type Mood string

const (
	MoodUrgent     Mood = "urgent"
	MoodFrustrated Mood = "frustrated"
	MoodPositive   Mood = "positive"
	MoodNeutral    Mood = "neutral"
)

// moodWindow is how many recent messages feed mood detection.
const moodWindow = 3

// MoodClassifier maps recent text to a mood.
type MoodClassifier interface {
	ClassifyMood(text string) Mood
}

var (
	urgentProbe     = regexp.MustCompile(`(?i)\b(urgent|urgently|asap|immediately|emergency|right now|hurry)\b|!!`)
	frustratedProbe = regexp.MustCompile(`(?i)\b(wrong|useless|annoying|frustrat\w*|ridiculous|not working|still not|doesn'?t work|ugh)\b|👎`)
	positiveProbe   = regexp.MustCompile(`(?i)\b(thanks|thank you|great|perfect|awesome|excellent|love it|nice)\b|👍|🙏`)
)

// KeywordMoodClassifier checks urgency, then frustration, then positivity;
// the first probe that matches wins.
type KeywordMoodClassifier struct{}

func (KeywordMoodClassifier) ClassifyMood(text string) Mood {
	switch {
	case urgentProbe.MatchString(text):
		return MoodUrgent
	case frustratedProbe.MatchString(text):
		return MoodFrustrated
	case positiveProbe.MatchString(text):
		return MoodPositive
	default:
		return MoodNeutral
	}
}

// DetectMood classifies the last few window messages together.
func DetectMood(classifier MoodClassifier, window []conversation.Message) Mood {
	if classifier == nil {
		classifier = KeywordMoodClassifier{}
	}
	start := len(window) - moodWindow
	if start < 0 {
		start = 0
	}
	parts := make([]string, 0, moodWindow)
	for _, m := range window[start:] {
		parts = append(parts, m.Body)
	}
	return classifier.ClassifyMood(strings.Join(parts, "\n"))
}
