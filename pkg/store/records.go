package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/dotsetgreg/shopkeeper/pkg/insights"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
)

var (
	_ insights.Recorder        = (*SQLiteStore)(nil)
	_ insights.MetricsReader   = (*SQLiteStore)(nil)
	_ persona.AssignmentReader = (*SQLiteStore)(nil)
)

func (s *SQLiteStore) RecordInsight(ctx context.Context, in insights.Insight) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	data, err := sonic.MarshalString(in.Data)
	if err != nil {
		return fmt.Errorf("encode insight data: %w", err)
	}
	actions, err := sonic.MarshalString(nonNilStrings(in.SuggestedActions))
	if err != nil {
		return fmt.Errorf("encode insight actions: %w", err)
	}
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var expires int64
	if !in.ExpiresAt.IsZero() {
		expires = in.ExpiresAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO proactive_insights(id, identity, insight_type, priority, confidence, title, message, data_json, actions_json, created_at_ms, expires_at_ms, sent_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		in.ID, in.Identity, string(in.Type), string(in.Priority), in.Confidence, in.Title, in.Message,
		data, actions, created.UnixMilli(), expires, nowMS())
	if err != nil {
		return fmt.Errorf("record insight: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentlySent(ctx context.Context, identity string, t insights.Type, title string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM proactive_insights
WHERE identity = ? AND insight_type = ? AND title = ? AND sent_at_ms >= ?`,
		identity, string(t), title, since.UnixMilli()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("recently sent: %w", err)
	}
	return n > 0, nil
}

// ListInsights returns the most recently sent insights for an identity.
func (s *SQLiteStore) ListInsights(ctx context.Context, identity string, limit int) ([]insights.Insight, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, identity, insight_type, priority, confidence, title, message, data_json, actions_json, created_at_ms, expires_at_ms
FROM proactive_insights
WHERE identity = ?
ORDER BY sent_at_ms DESC
LIMIT ?`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var out []insights.Insight
	for rows.Next() {
		var (
			in                 insights.Insight
			typ, priority      string
			dataRaw, actRaw    string
			createdMS, expires int64
		)
		if err := rows.Scan(&in.ID, &in.Identity, &typ, &priority, &in.Confidence, &in.Title, &in.Message, &dataRaw, &actRaw, &createdMS, &expires); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		in.Type = insights.Type(typ)
		in.Priority = insights.Priority(priority)
		in.CreatedAt = time.UnixMilli(createdMS)
		if expires > 0 {
			in.ExpiresAt = time.UnixMilli(expires)
		}
		_ = sonic.UnmarshalString(dataRaw, &in.Data)
		_ = sonic.UnmarshalString(actRaw, &in.SuggestedActions)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate insights: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, identity, metric string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO metrics(identity, metric, value, created_at_ms)
VALUES(?, ?, ?, ?)`, identity, metric, value, nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MetricSamples(ctx context.Context, identity, metric string, since time.Time) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT value FROM metrics
WHERE identity = ? AND metric = ? AND created_at_ms >= ?
ORDER BY created_at_ms, id`, identity, metric, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("metric samples: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetPersonaAssignment(ctx context.Context, userID string) (string, error) {
	var p string
	err := s.db.QueryRowContext(ctx, `SELECT persona FROM persona_assignments WHERE user_id = ?`, userID).Scan(&p)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", persona.ErrUnassigned
		}
		return "", fmt.Errorf("get persona assignment: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) SetPersonaAssignment(ctx context.Context, userID string, p persona.Persona) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("set persona assignment: empty user_id")
	}
	if !p.Valid() {
		return fmt.Errorf("set persona assignment: unknown persona %q", p)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO persona_assignments(user_id, persona, updated_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	persona = excluded.persona,
	updated_at_ms = excluded.updated_at_ms`, userID, string(p), nowMS())
	if err != nil {
		return fmt.Errorf("set persona assignment: %w", err)
	}
	return nil
}
