package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotsetgreg/shopkeeper/pkg/bus"
	"github.com/dotsetgreg/shopkeeper/pkg/business"
	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
	"github.com/dotsetgreg/shopkeeper/pkg/insights"
	"github.com/dotsetgreg/shopkeeper/pkg/intent"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
	"github.com/dotsetgreg/shopkeeper/pkg/response"
)

var turnTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const widgetReply = "Widget: 7 left (OK). Reorder at 20."

type executorCall struct {
	intentType string
	entities   map[string]string
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []executorCall
	fail  map[string]error
}

func (f *fakeExecutor) Execute(_ context.Context, intentType string, entities map[string]string) (business.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, executorCall{intentType: intentType, entities: entities})
	if err := f.fail[intentType]; err != nil {
		return nil, err
	}
	if (intentType == "place_order" || intentType == "reorder") && entities["product"] == "" && entities["sku"] == "" {
		return nil, fmt.Errorf("%s: %w", intentType, business.ErrUnknownProduct)
	}
	if intentType != "check_inventory" {
		return business.Result{}, nil
	}
	if p := entities["product"]; strings.EqualFold(p, "ghost") {
		return nil, fmt.Errorf("find %s: %w", p, business.ErrUnknownProduct)
	}
	return business.Result{"product": "Widget", "quantity": "7", "status": "OK", "reorder_point": "20"}, nil
}

func (f *fakeExecutor) Calls() []executorCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executorCall(nil), f.calls...)
}

type metricSample struct {
	identity string
	metric   string
	value    float64
}

type fakeMetrics struct {
	mu      sync.Mutex
	samples []metricSample
}

func (f *fakeMetrics) AddMetric(_ context.Context, identity, metric string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, metricSample{identity, metric, value})
	return nil
}

type brokenSnapshots struct{}

func (brokenSnapshots) LoadSnapshot(context.Context, string) (*conversation.Context, error) {
	return nil, errors.New("database is locked")
}

func (brokenSnapshots) SaveSnapshot(context.Context, *conversation.Context) error {
	return errors.New("database is locked")
}

type harness struct {
	orch     *Orchestrator
	contexts *conversation.Store
	exec     *fakeExecutor
	metrics  *fakeMetrics
	registry *response.Registry
}

func newHarness(t *testing.T, snapshots conversation.SnapshotStore) *harness {
	t.Helper()
	now := func() time.Time { return turnTime }
	contexts := conversation.NewStore(conversation.Options{
		Classifier: persona.StaticClassifier(persona.BusyOwner),
		Snapshots:  snapshots,
		Now:        now,
	})
	registry := response.NewRegistry(nil, response.DefaultSuccessThreshold, response.DefaultDecayFactor)
	gen := response.NewGenerator(response.Options{Registry: registry, Contexts: contexts, Now: now})
	exec := &fakeExecutor{fail: map[string]error{}}
	metrics := &fakeMetrics{}
	orch, err := NewOrchestrator(Options{
		Contexts:  contexts,
		Executor:  exec,
		Generator: gen,
		Metrics:   metrics,
		Now:       now,
	})
	require.NoError(t, err)
	return &harness{orch: orch, contexts: contexts, exec: exec, metrics: metrics, registry: registry}
}

func (h *harness) say(sender, text string) string {
	return h.orch.HandleMessage(context.Background(), bus.InboundMessage{
		Channel:  "cli",
		SenderID: sender,
		ChatID:   "direct",
		Content:  text,
	})
}

func (h *harness) snapshot(t *testing.T, sender string) *conversation.Context {
	t.Helper()
	c, ok := h.contexts.Snapshot("cli:" + sender)
	require.True(t, ok)
	return c
}

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(Options{Executor: &fakeExecutor{}})
	assert.Error(t, err)
	_, err = NewOrchestrator(Options{Contexts: conversation.NewStore(conversation.Options{})})
	assert.Error(t, err)
}

func TestHandleMessage_FirstTurnGreetsAndRecords(t *testing.T) {
	h := newHarness(t, nil)

	reply := h.say("alice", "check stock for widget")

	assert.Equal(t, "Good morning!\n"+widgetReply, reply)
	calls := h.exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "check_inventory", calls[0].intentType)
	assert.Equal(t, map[string]string{"product": "widget"}, calls[0].entities)

	c := h.snapshot(t, "alice")
	require.Len(t, c.Window, 1)
	assert.Equal(t, "check_inventory", c.Window[0].Intent)
	assert.Equal(t, 0.9, c.Window[0].Confidence)
	assert.Equal(t, "check_inventory", c.WorkingMemory.CurrentTask)
	assert.Equal(t, reply, c.WorkingMemory.LastReply.Response)
	assert.Equal(t, "neutral", c.WorkingMemory.LastReply.ContextTag)
	require.Len(t, c.LongTermMemory.CommonQueries, 1)
	assert.Equal(t, "check_inventory", c.LongTermMemory.CommonQueries[0].Query)
}

func TestHandleMessage_ReferenceResolvedFromPreviousTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.say("alice", "check stock for widget")

	reply := h.say("alice", "how much of it do we have")

	assert.Equal(t, widgetReply, reply)
	calls := h.exec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, map[string]string{"product": "widget"}, calls[1].entities)
}

func TestHandleMessage_ClarificationSuspendsAndContinues(t *testing.T) {
	h := newHarness(t, nil)

	question := h.say("bob", "how much of it do we have")

	assert.Equal(t, "Which item do you mean? Tell me the product name or SKU.", question)
	assert.Empty(t, h.exec.Calls())
	c := h.snapshot(t, "bob")
	require.Len(t, c.WorkingMemory.PendingClarifications, 1)
	assert.Equal(t, "check_inventory", c.WorkingMemory.PendingClarifications[0].IntentType)

	reply := h.say("bob", "ABC123")

	assert.Equal(t, widgetReply, reply)
	calls := h.exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "check_inventory", calls[0].intentType)
	assert.Equal(t, "ABC123", calls[0].entities["sku"])
	c = h.snapshot(t, "bob")
	assert.Empty(t, c.WorkingMemory.PendingClarifications)
	assert.Len(t, c.Window, 2)
}

func TestHandleMessage_FeedbackWhilePendingIsAnAnswer(t *testing.T) {
	h := newHarness(t, nil)
	h.say("bob", "check stock for widget")
	h.say("bob", "what were sales back then")

	h.say("bob", "thanks")

	assert.Empty(t, h.registry.All())
	c := h.snapshot(t, "bob")
	assert.Empty(t, c.WorkingMemory.PendingClarifications)
	assert.Empty(t, c.SuccessfulInteractions)
}

func TestHandleMessage_PositiveFeedbackLearnsPattern(t *testing.T) {
	h := newHarness(t, nil)
	h.say("alice", "check stock for widget")

	ack := h.say("alice", "thanks!")

	assert.Equal(t, positiveAck, ack)
	key := response.PatternKey{Persona: persona.BusyOwner, IntentType: "check_inventory", ContextTag: "neutral"}
	p, ok := h.registry.Get(key)
	require.True(t, ok)
	assert.Equal(t, "Widget: {{quantity}} left (OK). Reorder at {{reorder_point}}.", p.Template)
	assert.Equal(t, 1.0, p.SuccessRate)

	c := h.snapshot(t, "alice")
	require.Len(t, c.SuccessfulInteractions, 1)
	assert.Equal(t, "check_inventory", c.SuccessfulInteractions[0].Pattern)
	assert.Empty(t, c.WorkingMemory.LastReply.Response)
	assert.Len(t, c.Window, 2)
	assert.Len(t, h.exec.Calls(), 1)

	// the reply was consumed; a second reaction is an ordinary message
	h.say("alice", "thanks!")
	p, _ = h.registry.Get(key)
	assert.Equal(t, 0, p.UsageCount)
	assert.Len(t, h.snapshot(t, "alice").SuccessfulInteractions, 1)
}

func TestHandleMessage_NegativeFeedbackDecaysPattern(t *testing.T) {
	h := newHarness(t, nil)
	key := response.PatternKey{Persona: persona.BusyOwner, IntentType: "check_inventory", ContextTag: "neutral"}
	h.registry.Reinforce(context.Background(), key, "{{product}}: {{quantity}} left.", []string{"product", "quantity"})

	reply := h.say("alice", "check stock for widget")
	require.Equal(t, "Good morning!\nWidget: 7 left.", reply)

	ack := h.say("alice", "wrong")

	assert.Equal(t, negativeAck, ack)
	p, ok := h.registry.Get(key)
	require.True(t, ok)
	assert.InDelta(t, 0.9, p.SuccessRate, 1e-9)
	assert.Equal(t, 1, p.UsageCount)
	assert.Empty(t, h.snapshot(t, "alice").SuccessfulInteractions)
}

func TestHandleMessage_MoreExpandsLastReply(t *testing.T) {
	h := newHarness(t, nil)
	h.say("alice", "check stock for widget")

	reply := h.say("alice", "more")

	assert.Equal(t, widgetReply, reply)
	assert.Len(t, h.exec.Calls(), 1)
	c := h.snapshot(t, "alice")
	assert.Equal(t, widgetReply, c.WorkingMemory.LastReply.Response)
	assert.Equal(t, "check_inventory", c.WorkingMemory.LastReply.IntentType)
}

func TestHandleMessage_UnknownProduct(t *testing.T) {
	h := newHarness(t, nil)

	reply := h.say("alice", "check stock for ghost")

	assert.Equal(t, `I couldn't find "ghost" in your inventory. Check the name or SKU and try again.`, reply)
	c := h.snapshot(t, "alice")
	assert.Len(t, c.Window, 1)
	assert.Empty(t, c.WorkingMemory.LastReply.IntentType)

	// fallback text is never learned from
	h.say("alice", "thanks")
	assert.Empty(t, h.registry.All())
}

func TestHandleMessage_OrderAgainRepeatsPreviousOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.say("alice", "order 5 of widget")

	h.say("alice", "order again")

	calls := h.exec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "place_order", calls[0].intentType)
	assert.Equal(t, "reorder", calls[1].intentType)
	assert.Equal(t, "widget", calls[1].entities["product"])
	assert.Equal(t, "5", calls[1].entities["quantity"])
	assert.Empty(t, h.snapshot(t, "alice").WorkingMemory.PendingClarifications)
}

func TestHandleMessage_BareReorderUsesOrderHistory(t *testing.T) {
	h := newHarness(t, nil)
	h.say("alice", "order 5 of widget")

	h.say("alice", "reorder")

	calls := h.exec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "reorder", calls[1].intentType)
	assert.Equal(t, "widget", calls[1].entities["product"])
	assert.Equal(t, "5", calls[1].entities["quantity"])
}

func TestHandleMessage_BareReorderWithoutHistoryAsksForItem(t *testing.T) {
	h := newHarness(t, nil)

	question := h.say("bob", "reorder")

	assert.Equal(t, intent.Question(intent.Reference), question)
	assert.Empty(t, h.exec.Calls())
	c := h.snapshot(t, "bob")
	require.Len(t, c.WorkingMemory.PendingClarifications, 1)
	assert.Equal(t, "reorder", c.WorkingMemory.PendingClarifications[0].IntentType)

	h.say("bob", "widget")

	calls := h.exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "reorder", calls[0].intentType)
	assert.Equal(t, "widget", calls[0].entities["product"])
	assert.Empty(t, h.snapshot(t, "bob").WorkingMemory.PendingClarifications)
}

func TestHandleMessage_ExecutorFailureApologizes(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.fail["cash_flow"] = errors.New("db locked")

	reply := h.say("alice", "how is our cash flow")

	assert.Equal(t, apologyReply, reply)
	assert.Empty(t, h.snapshot(t, "alice").Window)
}

func TestHandleMessage_SnapshotFailureApologizes(t *testing.T) {
	h := newHarness(t, brokenSnapshots{})

	assert.Equal(t, apologyReply, h.say("alice", "check stock for widget"))
	assert.Empty(t, h.exec.Calls())
}

func TestHandleMessage_RejectsMissingSender(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, apologyReply, h.say("", "hello"))
	assert.Equal(t, 0, h.contexts.Len())
}

func TestHandleMessage_UnknownIntentStillReplies(t *testing.T) {
	h := newHarness(t, nil)

	reply := h.say("alice", "the weather is nice")

	assert.NotEmpty(t, reply)
	calls := h.exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "unknown", calls[0].intentType)
	c := h.snapshot(t, "alice")
	assert.Empty(t, c.LongTermMemory.CommonQueries)
}

func TestHandleMessage_RecordsTurnDuration(t *testing.T) {
	h := newHarness(t, nil)
	h.say("alice", "check stock for widget")

	require.Len(t, h.metrics.samples, 1)
	assert.Equal(t, "cli:alice", h.metrics.samples[0].identity)
	assert.Equal(t, insights.TurnDurationMetric, h.metrics.samples[0].metric)
}

func TestHandleMessage_Commands(t *testing.T) {
	h := newHarness(t, nil)
	h.say("alice", "check stock for widget")

	assert.Equal(t, "Current persona: busy_owner", h.say("alice", "/persona"))
	status := h.say("alice", "/context")
	assert.Contains(t, status, "Messages: 1 (window 1)")
	assert.Contains(t, status, "Current task: check_inventory")
	assert.Len(t, h.snapshot(t, "alice").Window, 1)
}

func TestHandleMessage_SerializesTurnsPerIdentity(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.say("alice", "check stock for widget")
		}()
	}
	wg.Wait()

	c := h.snapshot(t, "alice")
	assert.Equal(t, 20, c.TotalMessages)
	assert.Len(t, c.Window, conversation.DefaultLimits().Window)
	require.Len(t, c.LongTermMemory.CommonQueries, 1)
	assert.Equal(t, 20, c.LongTermMemory.CommonQueries[0].Frequency)
}

func TestRun_PublishesReplies(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, nil)
	mb := bus.NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, mb) }()

	mb.PublishInbound(bus.InboundMessage{Channel: "discord", SenderID: "42", ChatID: "c1", Content: "check stock for widget"})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	out, ok := mb.SubscribeOutbound(waitCtx)
	require.True(t, ok)
	assert.Equal(t, "discord", out.Channel)
	assert.Equal(t, "c1", out.ChatID)
	assert.Contains(t, out.Content, widgetReply)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_ReturnsWhenBusCloses(t *testing.T) {
	h := newHarness(t, nil)
	mb := bus.NewMessageBus()
	mb.Close()

	assert.NoError(t, h.orch.Run(context.Background(), mb))
}
