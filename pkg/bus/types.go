package bus

// InboundMessage is a normalized chat message received on some channel.
// SenderID is the channel-local handle of the sender; the assistant keys
// conversation state on "<channel>:<sender>".
type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	MessageID string            `json:"message_id,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Identity is the stable conversation key for the sender.
func (m InboundMessage) Identity() string {
	return m.Channel + ":" + m.SenderID
}

// OutboundMessage is a reply or unsolicited push. An empty ChatID asks the
// channel to resolve a direct conversation with Metadata["user_id"].
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Stats is a point-in-time view of bus pressure.
type Stats struct {
	InboundQueued   int
	OutboundQueued  int
	DroppedInbound  uint64
	DroppedOutbound uint64
}
