package persona

import (
	"context"
	"errors"
	"strings"

	"github.com/dotsetgreg/shopkeeper/pkg/logger"
)

// Classifier assigns a persona to a resolved user. It is consulted only
// when a conversation context is first created.
type Classifier interface {
	Classify(ctx context.Context, userID string) (Persona, error)
}

// ErrUnassigned reports that no persona is recorded for a user.
var ErrUnassigned = errors.New("persona not assigned")

// AssignmentReader is the durable lookup behind StoreClassifier.
type AssignmentReader interface {
	GetPersonaAssignment(ctx context.Context, userID string) (string, error)
}

// StoreClassifier reads persona assignments from durable storage.
type StoreClassifier struct {
	reader AssignmentReader
}

func NewStoreClassifier(reader AssignmentReader) *StoreClassifier {
	return &StoreClassifier{reader: reader}
}

func (c *StoreClassifier) Classify(ctx context.Context, userID string) (Persona, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrUnassigned
	}
	raw, err := c.reader.GetPersonaAssignment(ctx, userID)
	if err != nil {
		return "", err
	}
	p, ok := Parse(raw)
	if !ok {
		return "", ErrUnassigned
	}
	return p, nil
}

// StaticClassifier returns the same persona for everyone.
type StaticClassifier Persona

func (s StaticClassifier) Classify(context.Context, string) (Persona, error) {
	return Persona(s), nil
}

// ClassifyOrDefault never fails: a nil classifier, an error, or an unknown
// result all fall back to Default.
func ClassifyOrDefault(ctx context.Context, c Classifier, userID string) Persona {
	if c == nil {
		return Default
	}
	p, err := c.Classify(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrUnassigned) {
			logger.WarnCF("persona", "Persona classification unavailable", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
		return Default
	}
	if !p.Valid() {
		return Default
	}
	return p
}
