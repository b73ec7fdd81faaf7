package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/dotsetgreg/shopkeeper/pkg/logger"
)

const persistTimeout = 30 * time.Second

// Persister snapshots live contexts on an interval and evicts idle ones.
// Stop performs one final flush.
type Persister struct {
	store    *Store
	interval time.Duration
	inactive time.Duration

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func NewPersister(store *Store, interval, inactive time.Duration) *Persister {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if inactive <= 0 {
		inactive = time.Hour
	}
	return &Persister{
		store:    store,
		interval: interval,
		inactive: inactive,
		stopCh:   make(chan struct{}),
	}
}

func (p *Persister) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run()
	})
}

func (p *Persister) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Persister) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	saved, err := p.store.PersistAll(ctx)
	if err != nil {
		logger.WarnCF("conversation", "Periodic persist incomplete", map[string]interface{}{
			"saved": saved,
			"error": err.Error(),
		})
	} else if saved > 0 {
		logger.DebugCF("conversation", "Contexts persisted", map[string]interface{}{"saved": saved})
	}

	if _, err := p.store.ClearInactive(ctx, p.inactive); err != nil {
		logger.WarnCF("conversation", "Inactive eviction incomplete", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Stop halts the loop and flushes every live context once more.
func (p *Persister) Stop(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		_, err = p.store.PersistAll(ctx)
	})
	return err
}
