package substrate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/mail"
)

func testSubstrate(t *testing.T) *Substrate {
	t.Helper()
	cfg := &config.Config{
		StateDir:                 t.TempDir(),
		RateLimitDisabled:        true,
		ReservationSweepInterval: time.Minute,
		SubscriberBuffer:         16,
	}
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenWiresAndCaches(t *testing.T) {
	s := testSubstrate(t)

	p, err := s.Open("/home/dev/webapp")
	require.NoError(t, err)
	require.NotNil(t, p.Mail)
	require.NotNil(t, p.Hive)
	require.NotNil(t, p.Memory)
	require.NotNil(t, p.Events)

	again, err := s.Open("/home/dev/webapp")
	require.NoError(t, err)
	assert.Same(t, p, again)

	other, err := s.Open("/home/dev/otherapp")
	require.NoError(t, err)
	assert.NotSame(t, p, other)
}

func TestEventStoreResolver(t *testing.T) {
	s := testSubstrate(t)

	store, err := s.EventStore(context.Background(), "/home/dev/webapp")
	require.NoError(t, err)

	p, err := s.Open("/home/dev/webapp")
	require.NoError(t, err)
	assert.Same(t, p.Events, store)
}

func TestRebuildReplaysProjections(t *testing.T) {
	s := testSubstrate(t)
	ctx := context.Background()

	p, err := s.Open("/home/dev/webapp")
	require.NoError(t, err)

	register := func(name string) {
		_, err := p.Mail.RegisterAgent(ctx, name, "test", "", "")
		require.NoError(t, err)
	}
	register("alice")
	register("bob")
	_, err = p.Mail.Send(ctx, mail.SendRequest{From: "alice", To: []string{"bob"}, Subject: "hi", Body: "hello"})
	require.NoError(t, err)

	mem, err := p.Memory.Stats(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Rebuild(ctx, "/home/dev/webapp"))

	agents, err := p.Mail.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2, "agents reappear after replay")

	inbox, err := p.Mail.Inbox(ctx, "bob", mail.InboxOptions{Limit: mail.InboxCap})
	require.NoError(t, err)
	assert.Len(t, inbox, 1, "messages reappear after replay")

	memAfter, err := p.Memory.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, mem.Total, memAfter.Total, "memory tables are untouched by rebuild")
}
