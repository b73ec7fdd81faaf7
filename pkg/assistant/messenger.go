package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/shopkeeper/pkg/bus"
	"github.com/dotsetgreg/shopkeeper/pkg/insights"
)

// ErrNotQueued reports that the outbound bus was closed or stayed full.
var ErrNotQueued = errors.New("outbound message not queued")

// BusMessenger delivers unsolicited messages through the outbound bus as
// direct messages to the identity's sender.
type BusMessenger struct {
	bus *bus.MessageBus

	mu     sync.RWMutex
	routes map[string]bool
}

var _ insights.Messenger = (*BusMessenger)(nil)

func NewBusMessenger(mb *bus.MessageBus) *BusMessenger {
	return &BusMessenger{bus: mb}
}

// Route limits delivery to the named channels, the ones something actually
// drains from the bus. With no routes every channel is accepted.
func (m *BusMessenger) Route(channels ...string) {
	routes := make(map[string]bool, len(channels))
	for _, ch := range channels {
		routes[strings.ToLower(strings.TrimSpace(ch))] = true
	}
	m.mu.Lock()
	m.routes = routes
	m.mu.Unlock()
}

func (m *BusMessenger) routed(channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.routes == nil || m.routes[channel]
}

func (m *BusMessenger) SendMessage(ctx context.Context, identity, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := ParseIdentity(identity)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	channel := strings.ToLower(strings.TrimSpace(id.Channel))
	if !m.routed(channel) {
		return fmt.Errorf("send message to %s: %w", identity, insights.ErrUnreachable)
	}
	ok := m.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  channel,
		Content:  body,
		Metadata: map[string]string{"user_id": id.SenderID},
	})
	if !ok {
		return fmt.Errorf("send message to %s: %w", identity, ErrNotQueued)
	}
	return nil
}
