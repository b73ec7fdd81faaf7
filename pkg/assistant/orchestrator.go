// Shopkeeper - conversational business assistant
// Message loop adapted from DotAgent (https://github.com/dotsetgreg/dotagent)
// License: MIT
//
// Copyright (c) 2026 Shopkeeper contributors

// Package assistant runs one conversational turn end to end: context,
// intent, business action, reply, memory.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/shopkeeper/pkg/bus"
	"github.com/dotsetgreg/shopkeeper/pkg/business"
	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
	"github.com/dotsetgreg/shopkeeper/pkg/insights"
	"github.com/dotsetgreg/shopkeeper/pkg/intent"
	"github.com/dotsetgreg/shopkeeper/pkg/logger"
	"github.com/dotsetgreg/shopkeeper/pkg/response"
)

const (
	apologyReply       = "Sorry, something went wrong on my side. Please try again in a moment."
	unknownProductText = "I couldn't find %q in your inventory. Check the name or SKU and try again."
	positiveAck        = "Glad that helped! I'll keep answering like that."
	negativeAck        = "Sorry that missed. I'll adjust how I answer that next time."
	expandCommand      = "more"
)

// MetricsWriter records per-identity numeric samples.
type MetricsWriter interface {
	AddMetric(ctx context.Context, identity, metric string, value float64) error
}

type Options struct {
	Contexts  *conversation.Store
	Resolver  *intent.Resolver
	Executor  business.Executor
	Generator *response.Generator
	Metrics   MetricsWriter
	Now       func() time.Time
}

// Orchestrator composes the context store, resolver, executor and response
// generator for each inbound message.
type Orchestrator struct {
	contexts  *conversation.Store
	resolver  *intent.Resolver
	executor  business.Executor
	generator *response.Generator
	metrics   MetricsWriter
	now       func() time.Time
	running   atomic.Bool
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Contexts == nil {
		return nil, fmt.Errorf("orchestrator: context store is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("orchestrator: executor is required")
	}
	o := &Orchestrator{
		contexts:  opts.Contexts,
		resolver:  opts.Resolver,
		executor:  opts.Executor,
		generator: opts.Generator,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if o.resolver == nil {
		o.resolver = intent.NewResolver(nil)
	}
	if o.generator == nil {
		o.generator = response.NewGenerator(response.Options{Contexts: opts.Contexts})
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Run consumes inbound messages until ctx is cancelled, the bus is closed
// or Stop is called, publishing one reply per message.
func (o *Orchestrator) Run(ctx context.Context, mb *bus.MessageBus) error {
	o.running.Store(true)

	for o.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
			msg, ok := mb.ConsumeInbound(ctx)
			if !ok {
				return nil
			}

			reply := o.HandleMessage(ctx, msg)
			if reply != "" {
				mb.PublishOutbound(bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: reply,
				})
			}
		}
	}

	return nil
}

func (o *Orchestrator) Stop() {
	o.running.Store(false)
}

// HandleMessage runs one turn and returns the reply text. Failures are
// logged and answered with an apology; they never escape.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg bus.InboundMessage) string {
	start := o.now()
	id := Identity{Channel: msg.Channel, SenderID: msg.SenderID}
	if err := id.Validate(); err != nil {
		logger.WarnCF("assistant", "Rejected inbound message", map[string]interface{}{
			"channel": msg.Channel,
			"error":   err.Error(),
		})
		return apologyReply
	}
	identity := id.String()
	text := strings.TrimSpace(msg.Content)

	unlock := o.contexts.LockIdentity(identity)
	defer unlock()
	defer o.recordTurn(ctx, identity, start)

	c, err := o.contexts.GetOrCreate(ctx, identity, msg.SenderID)
	if err != nil {
		return o.fail(identity, "load context", err)
	}
	incoming := conversation.Message{ID: msg.MessageID, From: identity, To: msg.ChatID, Body: text, Timestamp: start}

	if reply, handled := o.handleCommand(c, text); handled {
		return reply
	}

	pending := len(c.WorkingMemory.PendingClarifications) > 0
	if !pending {
		if reply, handled := o.handleExpand(ctx, c, incoming); handled {
			return reply
		}
		if reply, handled := o.handleFeedback(ctx, c, incoming); handled {
			return reply
		}
	}

	var resolved intent.Intent
	var entities map[string]string
	if pending {
		cl, ok, err := o.contexts.ResolveClarification(ctx, identity)
		if err != nil {
			return o.fail(identity, "resolve clarification", err)
		}
		if ok {
			resolved = o.resolver.Continue(cl, text)
			entities = resolved.Entities
			logger.InfoCF("assistant", "Clarification answered", map[string]interface{}{
				"identity":   identity,
				"phenomenon": cl.Phenomenon,
				"intent":     string(resolved.Type),
			})
		}
	}
	if resolved.Type == "" {
		enriched := o.resolver.Resolve(text, c)
		resolved = enriched.Intent
		entities = enriched.Entities()
		if resolved.Known() {
			if p, ok := intent.FirstUnresolved(enriched); ok {
				return o.askClarification(ctx, identity, incoming, resolved, entities, p)
			}
		}
	}

	intentType := string(resolved.Type)
	result, err := o.executor.Execute(ctx, intentType, entities)
	if err != nil {
		if errors.Is(err, business.ErrUnknownProduct) {
			if productOf(entities) == "" {
				return o.askClarification(ctx, identity, incoming, resolved, entities, intent.Reference)
			}
			return o.record(ctx, c, incoming, resolved, entities, fmt.Sprintf(unknownProductText, productOf(entities)), nil)
		}
		return o.fail(identity, "execute "+intentType, err)
	}

	reply := o.generator.Compose(result, c, intentType, text)
	return o.record(ctx, c, incoming, resolved, entities, reply.Text, &reply)
}

// record appends the turn to the window, updates long-term memory and
// remembers the reply for feedback attribution.
func (o *Orchestrator) record(ctx context.Context, c *conversation.Context, msg conversation.Message, in intent.Intent, entities map[string]string, text string, reply *response.Reply) string {
	identity := c.Identity
	msg.Confidence = in.Confidence
	intentType := string(in.Type)
	if intentType == "" {
		intentType = string(intent.Unknown)
	}
	appended, err := o.contexts.AppendMessage(ctx, identity, msg, intentType, entities)
	if err != nil {
		return o.fail(identity, "append message", err)
	}
	if n := len(appended.Window); n > 0 {
		msg = appended.Window[n-1]
	}
	if err := o.contexts.RecordLearning(ctx, identity, msg); err != nil {
		logger.WarnCF("assistant", "Failed to record learning", map[string]interface{}{
			"identity": identity,
			"error":    err.Error(),
		})
	}

	// Fallback texts carry no intent so feedback cannot be learned from them.
	last := conversation.LastReply{Response: text, SentAt: o.now()}
	if reply != nil {
		last.IntentType = intentType
		last.ContextTag = reply.ContextTag
		last.Values = reply.Values
	}
	if err := o.contexts.SetLastReply(ctx, identity, last); err != nil {
		logger.WarnCF("assistant", "Failed to remember reply", map[string]interface{}{
			"identity": identity,
			"error":    err.Error(),
		})
	}

	fields := map[string]interface{}{
		"identity":   identity,
		"intent":     intentType,
		"confidence": in.Confidence,
		"entities":   len(entities),
	}
	if reply != nil {
		fields["source"] = string(reply.Source)
		fields["tag"] = reply.ContextTag
	}
	logger.InfoCF("assistant", "Turn completed", fields)
	return text
}

func (o *Orchestrator) askClarification(ctx context.Context, identity string, msg conversation.Message, in intent.Intent, entities map[string]string, p intent.Phenomenon) string {
	question := intent.Question(p)
	msg.Confidence = in.Confidence
	if _, err := o.contexts.AppendMessage(ctx, identity, msg, string(in.Type), entities); err != nil {
		return o.fail(identity, "append message", err)
	}
	_, err := o.contexts.AddClarificationNeeded(ctx, identity, conversation.Clarification{
		Question:   question,
		Phenomenon: string(p),
		IntentType: string(in.Type),
		Entities:   entities,
		RawText:    msg.Body,
	})
	if err != nil {
		return o.fail(identity, "suspend task", err)
	}
	return question
}

// handleExpand answers "more" with the previous reply at full length.
func (o *Orchestrator) handleExpand(ctx context.Context, c *conversation.Context, msg conversation.Message) (string, bool) {
	if !strings.EqualFold(strings.TrimRight(msg.Body, ".!"), expandCommand) {
		return "", false
	}
	reply, ok := o.generator.Expand(c)
	if !ok {
		return "", false
	}
	if _, err := o.contexts.AppendMessage(ctx, c.Identity, msg, "", nil); err != nil {
		return o.fail(c.Identity, "append message", err)
	}
	last := c.WorkingMemory.LastReply
	last.Response = reply.Text
	last.ContextTag = reply.ContextTag
	last.SentAt = o.now()
	if err := o.contexts.SetLastReply(ctx, c.Identity, last); err != nil {
		logger.WarnCF("assistant", "Failed to remember reply", map[string]interface{}{
			"identity": c.Identity,
			"error":    err.Error(),
		})
	}
	return reply.Text, true
}

// handleFeedback treats a bare reaction to the last reply as feedback on it.
func (o *Orchestrator) handleFeedback(ctx context.Context, c *conversation.Context, msg conversation.Message) (string, bool) {
	last := c.WorkingMemory.LastReply
	if last.Response == "" || last.IntentType == "" {
		return "", false
	}
	fb, ok := response.DetectFeedback(msg.Body)
	if !ok {
		return "", false
	}
	if err := o.ApplyFeedback(ctx, c.Identity, fb); err != nil {
		return o.fail(c.Identity, "apply feedback", err)
	}
	if _, err := o.contexts.AppendMessage(ctx, c.Identity, msg, "", nil); err != nil {
		return o.fail(c.Identity, "append message", err)
	}
	if fb == response.FeedbackPositive {
		return positiveAck, true
	}
	return negativeAck, true
}

// ApplyFeedback attributes fb to the identity's last reply. The reply is
// consumed so repeated reactions are not counted twice.
func (o *Orchestrator) ApplyFeedback(ctx context.Context, identity string, fb response.Feedback) error {
	c, ok := o.contexts.Snapshot(identity)
	if !ok {
		return fmt.Errorf("%s: %w", identity, conversation.ErrUnknownIdentity)
	}
	last := c.WorkingMemory.LastReply
	if last.Response == "" || last.IntentType == "" {
		return fmt.Errorf("%s: no reply to rate", identity)
	}

	err := o.generator.LearnFromFeedback(ctx, identity, last.Response, fb, last.IntentType, c.Persona)
	if err != nil && !errors.Is(err, response.ErrEmptyTemplate) {
		return err
	}
	if fb == response.FeedbackPositive {
		if err := o.contexts.MarkInteractionSuccess(ctx, identity, conversation.Interaction{
			Pattern:      last.IntentType,
			Response:     last.Response,
			Satisfaction: 1,
		}); err != nil {
			return err
		}
	}
	return o.contexts.SetLastReply(ctx, identity, conversation.LastReply{})
}

func (o *Orchestrator) handleCommand(c *conversation.Context, text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", false
	}

	switch parts[0] {
	case "/persona":
		return fmt.Sprintf("Current persona: %s", c.Persona), true
	case "/context":
		task := c.WorkingMemory.CurrentTask
		if task == "" {
			task = "none"
		}
		return fmt.Sprintf("Messages: %d (window %d)\nCurrent task: %s\nPending questions: %d\nPreferred length: %s",
			c.TotalMessages,
			len(c.Window),
			task,
			len(c.WorkingMemory.PendingClarifications),
			c.LongTermMemory.CommunicationStyle.Length(),
		), true
	default:
		return "", false
	}
}

func (o *Orchestrator) recordTurn(ctx context.Context, identity string, start time.Time) {
	if o.metrics == nil {
		return
	}
	ms := float64(o.now().Sub(start).Milliseconds())
	if err := o.metrics.AddMetric(ctx, identity, insights.TurnDurationMetric, ms); err != nil {
		logger.DebugCF("assistant", "Failed to record turn metric", map[string]interface{}{
			"identity": identity,
			"error":    err.Error(),
		})
	}
}

func (o *Orchestrator) fail(identity, op string, err error) string {
	logger.ErrorCF("assistant", "Turn failed", map[string]interface{}{
		"identity": identity,
		"op":       op,
		"error":    err.Error(),
	})
	return apologyReply
}

func productOf(entities map[string]string) string {
	if sku := entities["sku"]; sku != "" {
		return sku
	}
	return entities["product"]
}
