package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/shopkeeper/pkg/logger"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
	"github.com/google/uuid"
)

// Limits bounds the per-context collections.
type Limits struct {
	Window                 int
	ReferencedItems        int
	SuccessfulInteractions int
}

func DefaultLimits() Limits {
	return Limits{Window: 10, ReferencedItems: 5, SuccessfulInteractions: 20}
}

type Options struct {
	Limits     Limits
	Classifier persona.Classifier
	Snapshots  SnapshotStore
	Now        func() time.Time
}

// TaskIntents are the intents allowed to become the working-memory task.
var TaskIntents = map[string]bool{
	"check_inventory": true,
	"sales_report":    true,
	"supplier_lookup": true,
	"place_order":     true,
	"reorder":         true,
}

// entityPriority orders entity pushes onto the referenced-items stack; the
// first entry ends up on top.
var entityPriority = []string{"product", "sku", "supplier", "category", "location", "date_range", "quantity"}

// Store owns the live Context for every identity seen by this process.
// The in-memory map is authoritative; snapshots are written on an interval.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*Context

	turns      *keyedMutex
	limits     Limits
	classifier persona.Classifier
	snapshots  SnapshotStore
	now        func() time.Time
}

func NewStore(opts Options) *Store {
	def := DefaultLimits()
	if opts.Limits.Window <= 0 {
		opts.Limits.Window = def.Window
	}
	if opts.Limits.ReferencedItems <= 0 {
		opts.Limits.ReferencedItems = def.ReferencedItems
	}
	if opts.Limits.SuccessfulInteractions <= 0 {
		opts.Limits.SuccessfulInteractions = def.SuccessfulInteractions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		contexts:   make(map[string]*Context),
		turns:      newKeyedMutex(),
		limits:     opts.Limits,
		classifier: opts.Classifier,
		snapshots:  opts.Snapshots,
		now:        opts.Now,
	}
}

func (s *Store) Limits() Limits { return s.limits }

// LockIdentity serializes whole turns for one identity. Hold it from
// GetOrCreate until the turn's last mutation.
func (s *Store) LockIdentity(identity string) (unlock func()) {
	return s.turns.Lock(identity)
}

// GetOrCreate returns the identity's context, loading its snapshot or
// creating a fresh one on first sight. It always refreshes LastActivityAt.
func (s *Store) GetOrCreate(ctx context.Context, identity, userID string) (*Context, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("identity is required")
	}

	if c, ok := s.cached(identity); ok {
		return s.touch(c, userID), nil
	}

	loaded, err := s.load(ctx, identity, userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	c, ok := s.contexts[identity]
	if !ok {
		c = loaded
		s.contexts[identity] = c
	}
	s.mu.Unlock()

	return s.touch(c, userID), nil
}

func (s *Store) load(ctx context.Context, identity, userID string) (*Context, error) {
	if s.snapshots != nil {
		snap, err := s.snapshots.LoadSnapshot(ctx, identity)
		switch {
		case err == nil:
			normalize(snap)
			if snap.Persona == "" {
				snap.Persona = persona.ClassifyOrDefault(ctx, s.classifier, firstNonEmpty(snap.UserID, userID))
			}
			logger.DebugCF("conversation", "Context restored from snapshot", map[string]interface{}{
				"identity": identity,
				"messages": len(snap.Window),
			})
			return snap, nil
		case errors.Is(err, ErrSnapshotNotFound):
		default:
			return nil, fmt.Errorf("load snapshot %s: %w", identity, err)
		}
	}

	now := s.now()
	c := &Context{
		ThreadID:       uuid.NewString(),
		Identity:       identity,
		UserID:         userID,
		Persona:        persona.ClassifyOrDefault(ctx, s.classifier, userID),
		StartedAt:      now,
		LastActivityAt: now,
		WorkingMemory: WorkingMemory{
			EntitiesMentioned: map[string]string{},
		},
	}
	logger.InfoCF("conversation", "Context created", map[string]interface{}{
		"identity": identity,
		"persona":  string(c.Persona),
	})
	return c, nil
}

func (s *Store) cached(identity string) (*Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[identity]
	return c, ok
}

func (s *Store) touch(c *Context, userID string) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastActivityAt = s.now()
	if c.UserID == "" && userID != "" {
		c.UserID = userID
	}
	return c.Clone()
}

// mutate runs fn under the context's lock and returns a clone of the result.
func (s *Store) mutate(identity string, fn func(c *Context) error) (*Context, error) {
	c, ok := s.cached(identity)
	if !ok {
		return nil, fmt.Errorf("%s: %w", identity, ErrUnknownIdentity)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := fn(c); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// AppendMessage annotates msg, pushes it onto the window and folds its
// entities into working memory.
func (s *Store) AppendMessage(ctx context.Context, identity string, msg Message, intentType string, entities map[string]string) (*Context, error) {
	return s.mutate(identity, func(c *Context) error {
		now := s.now()
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		if intentType != "" {
			msg.Intent = intentType
		}
		if entities != nil {
			msg.Entities = cloneMap(entities)
		}

		c.Window = append(c.Window, msg)
		if over := len(c.Window) - s.limits.Window; over > 0 {
			c.Window = append([]Message(nil), c.Window[over:]...)
		}

		if c.WorkingMemory.EntitiesMentioned == nil {
			c.WorkingMemory.EntitiesMentioned = map[string]string{}
		}
		for k, v := range msg.Entities {
			c.WorkingMemory.EntitiesMentioned[k] = v
		}
		for _, key := range pushOrder(msg.Entities) {
			c.pushReference(ReferencedItem{Type: key, Value: msg.Entities[key], Timestamp: msg.Timestamp}, s.limits.ReferencedItems)
		}

		if TaskIntents[msg.Intent] {
			c.WorkingMemory.CurrentTask = msg.Intent
		}
		c.TotalMessages++
		c.LastActivityAt = now
		return nil
	})
}

func (c *Context) pushReference(item ReferencedItem, capacity int) {
	if strings.TrimSpace(item.Value) == "" {
		return
	}
	items := make([]ReferencedItem, 0, capacity)
	items = append(items, item)
	for _, existing := range c.WorkingMemory.LastReferencedItems {
		if existing.Type == item.Type && strings.EqualFold(existing.Value, item.Value) {
			continue
		}
		items = append(items, existing)
	}
	if len(items) > capacity {
		items = items[:capacity]
	}
	c.WorkingMemory.LastReferencedItems = items
}

// pushOrder returns entity keys lowest priority first so the highest
// priority key is pushed last and lands on top of the stack.
func pushOrder(entities map[string]string) []string {
	rank := make(map[string]int, len(entityPriority))
	for i, k := range entityPriority {
		rank[k] = i
	}
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, iok := rank[keys[i]]
		rj, jok := rank[keys[j]]
		switch {
		case iok && jok:
			return ri > rj
		case iok != jok:
			return !iok
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}

// RecordLearning updates long-term memory from msg, which should already
// be in the window.
func (s *Store) RecordLearning(ctx context.Context, identity string, msg Message) error {
	_, err := s.mutate(identity, func(c *Context) error {
		learnFromMessage(c, msg)
		return nil
	})
	return err
}

func (s *Store) AddClarificationNeeded(ctx context.Context, identity string, cl Clarification) (*Context, error) {
	return s.mutate(identity, func(c *Context) error {
		if cl.ID == "" {
			cl.ID = uuid.NewString()
		}
		if cl.AskedAt.IsZero() {
			cl.AskedAt = s.now()
		}
		cl.Entities = cloneMap(cl.Entities)
		c.WorkingMemory.PendingClarifications = append(c.WorkingMemory.PendingClarifications, cl)
		logger.InfoCF("conversation", "Clarification requested", map[string]interface{}{
			"identity":   identity,
			"phenomenon": cl.Phenomenon,
			"pending":    len(c.WorkingMemory.PendingClarifications),
		})
		return nil
	})
}

// ResolveClarification removes and returns the oldest open question.
func (s *Store) ResolveClarification(ctx context.Context, identity string) (Clarification, bool, error) {
	var (
		out Clarification
		ok  bool
	)
	_, err := s.mutate(identity, func(c *Context) error {
		q := c.WorkingMemory.PendingClarifications
		if len(q) == 0 {
			return nil
		}
		out, ok = q[0], true
		c.WorkingMemory.PendingClarifications = append([]Clarification(nil), q[1:]...)
		return nil
	})
	return out, ok, err
}

func (s *Store) MarkInteractionSuccess(ctx context.Context, identity string, in Interaction) error {
	_, err := s.mutate(identity, func(c *Context) error {
		if in.RecordedAt.IsZero() {
			in.RecordedAt = s.now()
		}
		c.SuccessfulInteractions = append(c.SuccessfulInteractions, in)
		if over := len(c.SuccessfulInteractions) - s.limits.SuccessfulInteractions; over > 0 {
			c.SuccessfulInteractions = append([]Interaction(nil), c.SuccessfulInteractions[over:]...)
		}
		return nil
	})
	return err
}

// SetLastReply remembers the reply so later feedback can be attributed.
func (s *Store) SetLastReply(ctx context.Context, identity string, reply LastReply) error {
	_, err := s.mutate(identity, func(c *Context) error {
		if reply.SentAt.IsZero() {
			reply.SentAt = s.now()
		}
		reply.Values = cloneMap(reply.Values)
		c.WorkingMemory.LastReply = reply
		return nil
	})
	return err
}

// Snapshot returns a clone of the live context without touching it.
func (s *Store) Snapshot(identity string) (*Context, bool) {
	c, ok := s.cached(identity)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Clone(), true
}

// Peek reads an identity's context from memory or, failing that, from its
// durable snapshot. Nothing is cached.
func (s *Store) Peek(ctx context.Context, identity string) (*Context, error) {
	if c, ok := s.Snapshot(identity); ok {
		return c, nil
	}
	if s.snapshots == nil {
		return nil, fmt.Errorf("%s: %w", identity, ErrSnapshotNotFound)
	}
	snap, err := s.snapshots.LoadSnapshot(ctx, identity)
	if err != nil {
		return nil, err
	}
	normalize(snap)
	return snap, nil
}

// ActiveIdentities lists identities active since the given time, live and
// persisted, sorted.
func (s *Store) ActiveIdentities(ctx context.Context, since time.Time) ([]string, error) {
	seen := map[string]bool{}
	s.mu.RLock()
	live := make([]*Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		live = append(live, c)
	}
	s.mu.RUnlock()
	for _, c := range live {
		c.mu.Lock()
		if !c.LastActivityAt.Before(since) {
			seen[c.Identity] = true
		}
		c.mu.Unlock()
	}

	if idx, ok := s.snapshots.(ActivityIndex); ok {
		persisted, err := idx.ListActiveIdentities(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("list active identities: %w", err)
		}
		for _, id := range persisted {
			seen[id] = true
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// PersistAll snapshots every live context. A failure for one identity does
// not stop the rest; all failures are joined.
func (s *Store) PersistAll(ctx context.Context) (int, error) {
	if s.snapshots == nil {
		return 0, nil
	}
	s.mu.RLock()
	live := make([]*Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		live = append(live, c)
	}
	s.mu.RUnlock()

	var errs []error
	saved := 0
	for _, c := range live {
		c.mu.Lock()
		snap := c.Clone()
		c.mu.Unlock()
		if err := s.snapshots.SaveSnapshot(ctx, snap); err != nil {
			logger.ErrorCF("conversation", "Snapshot persist failed", map[string]interface{}{
				"identity": snap.Identity,
				"error":    err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", snap.Identity, err))
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// ClearInactive persists and evicts contexts idle for longer than threshold.
// Contexts with a turn in flight, or whose snapshot fails, stay cached.
func (s *Store) ClearInactive(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := s.now().Add(-threshold)

	s.mu.RLock()
	var candidates []string
	for id, c := range s.contexts {
		c.mu.Lock()
		if c.LastActivityAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
		c.mu.Unlock()
	}
	s.mu.RUnlock()

	var errs []error
	evicted := 0
	for _, id := range candidates {
		unlock, ok := s.turns.TryLock(id)
		if !ok {
			continue
		}
		c, ok := s.cached(id)
		if !ok {
			unlock()
			continue
		}
		c.mu.Lock()
		snap := c.Clone()
		c.mu.Unlock()
		if !snap.LastActivityAt.Before(cutoff) {
			unlock()
			continue
		}
		if s.snapshots != nil {
			if err := s.snapshots.SaveSnapshot(ctx, snap); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				unlock()
				continue
			}
		}
		s.mu.Lock()
		delete(s.contexts, id)
		s.mu.Unlock()
		unlock()
		evicted++
	}

	if evicted > 0 {
		logger.InfoCF("conversation", "Evicted inactive contexts", map[string]interface{}{
			"evicted":   evicted,
			"threshold": threshold.String(),
		})
	}
	return evicted, errors.Join(errs...)
}

// Len reports how many contexts are live in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
