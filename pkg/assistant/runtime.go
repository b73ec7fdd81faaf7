package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/shopkeeper/pkg/bus"
	"github.com/dotsetgreg/shopkeeper/pkg/business"
	"github.com/dotsetgreg/shopkeeper/pkg/config"
	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
	"github.com/dotsetgreg/shopkeeper/pkg/insights"
	"github.com/dotsetgreg/shopkeeper/pkg/intent"
	"github.com/dotsetgreg/shopkeeper/pkg/logger"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
	"github.com/dotsetgreg/shopkeeper/pkg/response"
	"github.com/dotsetgreg/shopkeeper/pkg/store"
)

// Runtime owns every long-lived component of a running assistant.
type Runtime struct {
	Config       *config.Config
	Bus          *bus.MessageBus
	Store        *store.SQLiteStore
	Redis        *store.RedisSnapshotStore
	Contexts     *conversation.Store
	Generator    *response.Generator
	Messenger    *BusMessenger
	Engine       *insights.Engine
	Scheduler    *insights.Scheduler
	Persister    *conversation.Persister
	Orchestrator *Orchestrator
}

// NewRuntime opens storage and wires the assistant from cfg. Nothing runs
// in the background until Start.
func NewRuntime(ctx context.Context, cfg *config.Config, mb *bus.MessageBus) (*Runtime, error) {
	db, err := store.NewSQLiteStore(cfg.StoragePath())
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Bus: mb, Store: db}

	var snapshots conversation.SnapshotStore = db
	switch backend := strings.ToLower(strings.TrimSpace(cfg.Storage.Backend)); backend {
	case "", "sqlite":
	case "redis":
		rdb, err := store.NewRedisSnapshotStore(ctx, cfg.Storage.RedisURL, cfg.RedisTTL())
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		rt.Redis = rdb
		snapshots = rdb
	default:
		_ = db.Close()
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}

	rt.Contexts = conversation.NewStore(conversation.Options{
		Limits: conversation.Limits{
			Window:                 cfg.Conversation.WindowSize,
			ReferencedItems:        cfg.Conversation.ReferencedItems,
			SuccessfulInteractions: cfg.Conversation.SuccessfulInteractions,
		},
		Classifier: persona.NewStoreClassifier(db),
		Snapshots:  snapshots,
	})

	registry := response.NewRegistry(db, cfg.Response.LearningThreshold, cfg.Response.DecayFactor)
	if err := registry.Load(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	table, err := response.LoadTable(cfg.TemplatesPath())
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	rt.Generator = response.NewGenerator(response.Options{
		Registry: registry,
		Table:    table,
		Contexts: rt.Contexts,
	})

	rt.Messenger = NewBusMessenger(mb)
	rt.Engine = insights.NewEngine(insights.Options{
		Contexts:      rt.Contexts,
		Data:          db,
		Metrics:       db,
		Messenger:     rt.Messenger,
		Recorder:      db,
		MinConfidence: cfg.Insights.MinConfidence,
		MaxPerUser:    cfg.Insights.MaxPerUser,
	})
	if cfg.Insights.Enabled {
		rt.Scheduler, err = insights.NewScheduler(rt.Engine, insights.SchedulerOptions{
			Schedule:    cfg.Insights.Schedule,
			ActiveDays:  cfg.Insights.ActiveDays,
			SendDelay:   cfg.SendDelay(),
			Dedup:       cfg.DedupWindow(),
			Concurrency: cfg.Insights.Concurrency,
		})
		if err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
	}

	rt.Persister = conversation.NewPersister(rt.Contexts, cfg.PersistInterval(), cfg.InactiveThreshold())
	rt.Orchestrator, err = NewOrchestrator(Options{
		Contexts:  rt.Contexts,
		Resolver:  intent.NewResolver(nil),
		Executor:  business.NewDataExecutor(db),
		Generator: rt.Generator,
		Metrics:   db,
	})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	logger.InfoCF("assistant", "Runtime ready", map[string]interface{}{
		"storage":  cfg.Storage.Backend,
		"patterns": len(registry.All()),
		"insights": cfg.Insights.Enabled,
	})
	return rt, nil
}

// Start launches the snapshot persister and, when enabled, the insight
// scheduler.
func (r *Runtime) Start() {
	if r.Persister != nil {
		r.Persister.Start()
	}
	if r.Scheduler != nil {
		r.Scheduler.Start()
	}
}

// Close stops the background workers, flushes live contexts and closes
// storage. It is safe on a partially built runtime.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.Orchestrator != nil {
		r.Orchestrator.Stop()
	}
	if r.Scheduler != nil {
		r.Scheduler.Stop()
	}
	if r.Persister != nil {
		if err := r.Persister.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush contexts: %w", err))
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sqlite: %w", err))
		}
	}
	return errors.Join(errs...)
}
