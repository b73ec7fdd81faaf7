package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/dotsetgreg/shopkeeper/pkg/persona"
	"github.com/dotsetgreg/shopkeeper/pkg/response"
)

var _ response.PatternStore = (*SQLiteStore)(nil)

func (s *SQLiteStore) LoadPatterns(ctx context.Context) ([]response.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT persona, intent_type, context_tag, template, success_rate, usage_count, variables_json, updated_at_ms
FROM response_patterns
ORDER BY persona, intent_type, context_tag`)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	defer rows.Close()

	var out []response.Pattern
	for rows.Next() {
		var (
			p         response.Pattern
			personaID string
			varsRaw   string
			updatedMS int64
		)
		if err := rows.Scan(&personaID, &p.IntentType, &p.ContextTag, &p.Template, &p.SuccessRate, &p.UsageCount, &varsRaw, &updatedMS); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.Persona = persona.Persona(personaID)
		p.UpdatedAt = time.UnixMilli(updatedMS)
		if err := sonic.UnmarshalString(varsRaw, &p.Variables); err != nil {
			return nil, fmt.Errorf("decode pattern variables: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patterns: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SavePattern(ctx context.Context, p response.Pattern) error {
	vars, err := sonic.MarshalString(nonNilStrings(p.Variables))
	if err != nil {
		return fmt.Errorf("encode pattern variables: %w", err)
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO response_patterns(persona, intent_type, context_tag, template, success_rate, usage_count, variables_json, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(persona, intent_type, context_tag) DO UPDATE SET
	template = excluded.template,
	success_rate = excluded.success_rate,
	usage_count = excluded.usage_count,
	variables_json = excluded.variables_json,
	updated_at_ms = excluded.updated_at_ms`,
		string(p.Persona), p.IntentType, p.ContextTag, p.Template, p.SuccessRate, p.UsageCount, vars, updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("save pattern: %w", err)
	}
	return nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
