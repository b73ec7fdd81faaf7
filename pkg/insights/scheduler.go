package insights

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
	"github.com/dotsetgreg/shopkeeper/pkg/logger"
)

const DefaultSchedule = "*/30 * * * *"

type SchedulerOptions struct {
	// Schedule is a cron expression.
	Schedule    string
	ActiveDays  int
	SendDelay   time.Duration
	Dedup       time.Duration
	Concurrency int
}

// CycleSummary counts what one insight cycle did.
type CycleSummary struct {
	Identities int
	Generated  int
	Sent       int
	Deduped    int
	Skipped    int
	Failed     int
}

// Scheduler runs insight cycles on a cron schedule. Each cycle generates
// insights for every recently active identity and pushes only the urgent
// ones, pausing between sends.
type Scheduler struct {
	engine      *Engine
	expr        string
	active      time.Duration
	delay       time.Duration
	dedup       time.Duration
	concurrency int

	cancel    context.CancelFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func NewScheduler(engine *Engine, opts SchedulerOptions) (*Scheduler, error) {
	expr := opts.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid insight schedule %q", expr)
	}
	days := opts.ActiveDays
	if days <= 0 {
		days = 7
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Scheduler{
		engine:      engine,
		expr:        expr,
		active:      time.Duration(days) * 24 * time.Hour,
		delay:       opts.SendDelay,
		dedup:       opts.Dedup,
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
	}, nil
}

// NextRun reports when the cycle after ref will start.
func (s *Scheduler) NextRun(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, ref, false)
}

func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.run(ctx)
		logger.InfoCF("insights", "Insight scheduler started", map[string]interface{}{"schedule": s.expr})
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		now := s.engine.now()
		next, err := s.NextRun(now)
		if err != nil {
			logger.ErrorCF("insights", "Cannot compute next insight cycle", map[string]interface{}{
				"schedule": s.expr,
				"error":    err.Error(),
			})
			return
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		summary, err := s.RunOnce(ctx)
		fields := map[string]interface{}{
			"identities": summary.Identities,
			"generated":  summary.Generated,
			"sent":       summary.Sent,
			"deduped":    summary.Deduped,
			"failed":     summary.Failed,
		}
		if err != nil {
			fields["error"] = err.Error()
			logger.WarnCF("insights", "Insight cycle incomplete", fields)
			continue
		}
		logger.InfoCF("insights", "Insight cycle finished", fields)
	}
}

// Stop cancels an in-flight cycle and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.stopCh)
		s.wg.Wait()
	})
}

type userBatch struct {
	context  *conversation.Context
	insights []Insight
}

// RunOnce performs a single cycle. Per-identity failures are logged and
// counted; only a failure to list identities or cancellation is returned.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleSummary, error) {
	var summary CycleSummary
	now := s.engine.now()
	ids, err := s.engine.contexts.ActiveIdentities(ctx, now.Add(-s.active))
	if err != nil {
		return summary, fmt.Errorf("list active identities: %w", err)
	}
	summary.Identities = len(ids)

	batches := make([]userBatch, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			c, list, err := s.engine.generate(gctx, id)
			if err != nil {
				logger.WarnCF("insights", "Insight generation failed", map[string]interface{}{
					"identity": id,
					"error":    err.Error(),
				})
				return nil
			}
			batches[i] = userBatch{context: c, insights: list}
			return nil
		})
	}
	_ = g.Wait()

	sentAny := false
	for _, b := range batches {
		if b.context == nil {
			summary.Failed++
			continue
		}
		summary.Generated += len(b.insights)
		for _, in := range b.insights {
			if !in.Priority.Urgent() {
				continue
			}
			if s.dedup > 0 && s.engine.recentlySent(ctx, in, now.Add(-s.dedup)) {
				summary.Deduped++
				continue
			}
			if sentAny {
				if err := sleepContext(ctx, s.delay); err != nil {
					return summary, err
				}
			}
			if err := s.engine.Send(ctx, b.context, in); err != nil {
				if errors.Is(err, ErrUnreachable) {
					logger.DebugCF("insights", "Skipped insight for unreachable identity", map[string]interface{}{
						"identity": in.Identity,
						"title":    in.Title,
					})
					summary.Skipped++
					continue
				}
				logger.WarnCF("insights", "Insight delivery failed", map[string]interface{}{
					"identity": in.Identity,
					"error":    err.Error(),
				})
				summary.Failed++
				continue
			}
			sentAny = true
			summary.Sent++
		}
	}
	return summary, ctx.Err()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
