package assistant

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/shopkeeper/pkg/bus"
	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
	"github.com/dotsetgreg/shopkeeper/pkg/insights"
	"github.com/dotsetgreg/shopkeeper/pkg/persona"
	"github.com/dotsetgreg/shopkeeper/pkg/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "shopkeeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestParseIdentity(t *testing.T) {
	cases := []struct {
		key     string
		want    Identity
		wantErr bool
	}{
		{key: "discord:123", want: Identity{Channel: "discord", SenderID: "123"}},
		{key: "sms:+15550100", want: Identity{Channel: "sms", SenderID: "+15550100"}},
		{key: "cli:team:owner", want: Identity{Channel: "cli", SenderID: "team:owner"}},
		{key: "discord", wantErr: true},
		{key: ":123", wantErr: true},
		{key: "discord:", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			got, err := ParseIdentity(tc.key)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIdentity_RoundTripsWithInboundKey(t *testing.T) {
	msg := bus.InboundMessage{Channel: "discord", SenderID: "42"}
	id := Identity{Channel: msg.Channel, SenderID: msg.SenderID}

	assert.Equal(t, msg.Identity(), id.String())
	parsed, err := ParseIdentity(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestBusMessenger_PublishesDirectMessage(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	m := NewBusMessenger(mb)

	require.NoError(t, m.SendMessage(context.Background(), "discord:42", "🚨 Cash runway is short"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, ok := mb.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, bus.OutboundMessage{
		Channel:  "discord",
		Content:  "🚨 Cash runway is short",
		Metadata: map[string]string{"user_id": "42"},
	}, out)
}

func TestBusMessenger_RejectsMalformedIdentity(t *testing.T) {
	m := NewBusMessenger(bus.NewMessageBus())
	assert.Error(t, m.SendMessage(context.Background(), "nobody", "hi"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.SendMessage(ctx, "discord:42", "hi"), context.Canceled)
}

func TestBusMessenger_ReportsMessagesThatWereNotQueued(t *testing.T) {
	mb := bus.NewMessageBusWithCapacity(1)
	m := NewBusMessenger(mb)

	require.NoError(t, m.SendMessage(context.Background(), "discord:42", "first"))
	assert.ErrorIs(t, m.SendMessage(context.Background(), "discord:42", "overflow"), ErrNotQueued)

	mb.Close()
	assert.ErrorIs(t, m.SendMessage(context.Background(), "discord:42", "late"), ErrNotQueued)
}

func TestBusMessenger_RouteRejectsUndrainedChannels(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	m := NewBusMessenger(mb)
	m.Route("discord")

	assert.ErrorIs(t, m.SendMessage(context.Background(), "cli:owner", "hi"), insights.ErrUnreachable)
	assert.Zero(t, mb.Stats().OutboundQueued)
	require.NoError(t, m.SendMessage(context.Background(), "Discord:42", "hi"))
	assert.Equal(t, 1, mb.Stats().OutboundQueued)
}

func TestEngineSend_DoesNotRecordUndeliveredInsight(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	mb := bus.NewMessageBus()
	mb.Close()
	engine := insights.NewEngine(insights.Options{Messenger: NewBusMessenger(mb), Recorder: db})
	c := &conversation.Context{Identity: "discord:42", Persona: persona.BusyOwner}
	in := insights.Insight{ID: "i1", Identity: "discord:42", Type: insights.TypeRisk, Priority: insights.PriorityCritical, Confidence: 0.9, Title: "Cash runway is short", Message: "m", CreatedAt: time.Now()}

	err := engine.Send(ctx, c, in)

	assert.ErrorIs(t, err, ErrNotQueued)
	sent, err := db.ListInsights(ctx, "discord:42", 10)
	require.NoError(t, err)
	assert.Empty(t, sent)
}
