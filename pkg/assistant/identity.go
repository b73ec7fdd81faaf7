package assistant

import (
	"fmt"
	"strings"
)

// Identity is the conversation key "<channel>:<sender>". Senders may
// themselves contain colons; the channel never does.
type Identity struct {
	Channel  string
	SenderID string
}

func (id Identity) Validate() error {
	if strings.TrimSpace(id.Channel) == "" {
		return fmt.Errorf("missing channel")
	}
	if strings.Contains(id.Channel, ":") {
		return fmt.Errorf("channel %q contains ':'", id.Channel)
	}
	if strings.TrimSpace(id.SenderID) == "" {
		return fmt.Errorf("missing sender id")
	}
	return nil
}

func (id Identity) String() string {
	return strings.ToLower(strings.TrimSpace(id.Channel)) + ":" + strings.TrimSpace(id.SenderID)
}

// ParseIdentity splits an identity key produced by Identity.String or
// bus.InboundMessage.Identity.
func ParseIdentity(key string) (Identity, error) {
	channel, sender, ok := strings.Cut(strings.TrimSpace(key), ":")
	id := Identity{Channel: channel, SenderID: sender}
	if !ok {
		return id, fmt.Errorf("parse identity %q: missing ':'", key)
	}
	if err := id.Validate(); err != nil {
		return id, fmt.Errorf("parse identity %q: %w", key, err)
	}
	return id, nil
}
