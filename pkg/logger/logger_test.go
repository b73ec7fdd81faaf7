package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_WritesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Configure("debug", "json", &buf))
	t.Cleanup(func() { _ = Configure("info", "json", nil) })

	InfoCF("conversation", "context created", map[string]interface{}{"identity": "cli:alice"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "conversation", entry["component"])
	assert.Equal(t, "cli:alice", entry["identity"])
	assert.Equal(t, "context created", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Configure("warn", "json", &buf))
	t.Cleanup(func() { _ = Configure("info", "json", nil) })

	InfoC("insights", "should be dropped")
	WarnC("insights", "kept")

	out := buf.String()
	assert.NotContains(t, out, "should be dropped")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, WARN, lvl)

	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}
