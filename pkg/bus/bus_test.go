package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBusWithCapacity(4)
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		mb.PublishInbound(InboundMessage{Channel: "cli", SenderID: "owner", ChatID: "c", Content: "check stock"})
	}

	mb.PublishInbound(InboundMessage{Channel: "cli", SenderID: "owner", ChatID: "c", Content: "overflow"})
	assert.Equal(t, uint64(1), mb.DroppedInbound())
	assert.Equal(t, 4, mb.Stats().InboundQueued)
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBusWithCapacity(2)
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		assert.True(t, mb.PublishOutbound(OutboundMessage{Channel: "cli", ChatID: "c", Content: "reply"}))
	}

	assert.False(t, mb.PublishOutbound(OutboundMessage{Channel: "cli", ChatID: "c", Content: "overflow"}))
	assert.Equal(t, uint64(1), mb.DroppedOutbound())
	assert.Equal(t, uint64(1), mb.Stats().DroppedOutbound)
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	_, ok := mb.ConsumeInbound(context.Background())
	assert.False(t, ok)
	_, ok = mb.SubscribeOutbound(context.Background())
	assert.False(t, ok)

	// publishing after close is a no-op
	mb.PublishInbound(InboundMessage{Content: "late"})
	assert.Zero(t, mb.DroppedInbound())
	assert.False(t, mb.PublishOutbound(OutboundMessage{Content: "late"}))
	assert.Zero(t, mb.DroppedOutbound())
}

func TestMessageBus_ConsumeHonoursContext(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := mb.ConsumeInbound(ctx)
	assert.False(t, ok)
}

func TestInboundMessage_Identity(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	mb.PublishInbound(InboundMessage{Channel: "discord", SenderID: "1234", ChatID: "dm", Content: "hi"})
	msg, ok := mb.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "discord:1234", msg.Identity())
}
