package conversation

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
)

const snapshotVersion = 1

type snapshotEnvelope struct {
	Version int      `json:"version"`
	Context *Context `json:"context"`
}

// EncodeSnapshot serializes a context for durable storage.
func EncodeSnapshot(c *Context) ([]byte, error) {
	data, err := sonic.Marshal(snapshotEnvelope{Version: snapshotVersion, Context: c})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", c.Identity, err)
	}
	return data, nil
}

func DecodeSnapshot(data []byte) (*Context, error) {
	var env snapshotEnvelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Version != snapshotVersion {
		return nil, fmt.Errorf("decode snapshot: unsupported version %d", env.Version)
	}
	if env.Context == nil || env.Context.Identity == "" {
		return nil, fmt.Errorf("decode snapshot: missing context")
	}
	normalize(env.Context)
	return env.Context, nil
}

// normalize restores non-nil collections after decoding.
func normalize(c *Context) {
	if c.WorkingMemory.EntitiesMentioned == nil {
		c.WorkingMemory.EntitiesMentioned = map[string]string{}
	}
	if !c.Persona.Valid() {
		c.Persona = persona.Default
	}
}
