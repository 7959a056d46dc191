package mail

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/eventstore"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/types"
)

func testService(t *testing.T) *Service {
	t.Helper()
	mgr := storage.NewManager(t.TempDir(), zerolog.Nop())
	t.Cleanup(func() { _ = mgr.Close() })

	db, err := mgr.Get("/tmp/mail-test")
	require.NoError(t, err)

	events := eventstore.New(db, zerolog.Nop(), 16)
	limiter := NewLimiter(db, true) // rate limiting off unless a test opts in
	return NewService(db, events, limiter, nil, zerolog.Nop())
}

func register(t *testing.T, s *Service, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := s.RegisterAgent(context.Background(), name, "test", "", "")
		require.NoError(t, err)
	}
}

func TestRegisterAgentGeneratesName(t *testing.T) {
	s := testService(t)

	agent, err := s.RegisterAgent(context.Background(), "", "claude", "opus", "reviewing")
	require.NoError(t, err)
	assert.NotEmpty(t, agent.Name)

	got, err := s.GetAgent(context.Background(), agent.Name)
	require.NoError(t, err)
	assert.Equal(t, "claude", got.Program)
	assert.Equal(t, "reviewing", got.TaskDescription)
}

func TestRegisterAgentRejectsReservedName(t *testing.T) {
	s := testService(t)

	_, err := s.RegisterAgent(context.Background(), "broadcast", "", "", "")
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestSendRequiresRegisteredSender(t *testing.T) {
	s := testService(t)
	register(t, s, "bob")

	_, err := s.Send(context.Background(), SendRequest{
		From: "nobody", To: []string{"bob"}, Subject: "hello",
	})
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestSendToUnregisteredRecipientIsStored(t *testing.T) {
	s := testService(t)
	register(t, s, "alice")
	ctx := context.Background()

	// Only the sender must exist; the message waits for "ghost".
	sent, err := s.Send(ctx, SendRequest{
		From: "alice", To: []string{"ghost"}, Subject: "welcome aboard",
	})
	require.NoError(t, err)

	items, err := s.Inbox(ctx, "ghost", InboxOptions{Limit: InboxCap})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, sent.ID, items[0].MessageID)

	// Registering later changes nothing about the delivery.
	register(t, s, "ghost")
	msg, err := s.ReadMessage(ctx, "ghost", sent.ID)
	require.NoError(t, err)
	assert.Equal(t, "welcome aboard", msg.Subject)
}

func TestSendAndReadMessage(t *testing.T) {
	s := testService(t)
	register(t, s, "alice", "bob")
	ctx := context.Background()

	sent, err := s.Send(ctx, SendRequest{
		From: "alice", To: []string{"bob"},
		Subject: "build broken", Body: "main is red. See CI run 42.",
	})
	require.NoError(t, err)

	msg, err := s.ReadMessage(ctx, "bob", sent.ID)
	require.NoError(t, err)
	assert.Equal(t, "main is red. See CI run 42.", msg.Body)
	assert.Equal(t, []string{"bob"}, msg.ToAgents)

	// Reading removed it from the inbox; re-reading stays fine.
	items, err := s.Inbox(ctx, "bob", InboxOptions{Limit: InboxCap})
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = s.ReadMessage(ctx, "bob", sent.ID)
	require.NoError(t, err)
}

func TestInboxCapAndOrdering(t *testing.T) {
	s := testService(t)
	register(t, s, "alice", "bob")
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := s.Send(ctx, SendRequest{
			From: "alice", To: []string{"bob"},
			Subject: fmt.Sprintf("normal %d", i),
		})
		require.NoError(t, err)
	}
	_, err := s.Send(ctx, SendRequest{
		From: "alice", To: []string{"bob"},
		Subject: "everything is on fire", Importance: types.ImportanceUrgent,
	})
	require.NoError(t, err)

	items, err := s.Inbox(ctx, "bob", InboxOptions{Limit: 100})
	require.NoError(t, err)
	require.Len(t, items, 5, "inbox is capped")
	assert.Equal(t, types.ImportanceUrgent, items[0].Importance, "urgent sorts first")
}

func TestInboxOptions(t *testing.T) {
	s := testService(t)
	register(t, s, "alice", "bob")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Send(ctx, SendRequest{
			From: "alice", To: []string{"bob"}, Subject: fmt.Sprintf("note %d", i),
		})
		require.NoError(t, err)
	}
	_, err := s.Send(ctx, SendRequest{
		From: "alice", To: []string{"bob"},
		Subject: "prod is down", Importance: types.ImportanceUrgent,
	})
	require.NoError(t, err)

	// Limit zero is a valid, empty page.
	items, err := s.Inbox(ctx, "bob", InboxOptions{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, items)

	// A negative limit is the caller's bug.
	_, err = s.Inbox(ctx, "bob", InboxOptions{Limit: -1})
	assert.True(t, errs.IsValidation(err))

	items, err = s.Inbox(ctx, "bob", InboxOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = s.Inbox(ctx, "bob", InboxOptions{Limit: InboxCap, UrgentOnly: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "prod is down", items[0].Subject)

	// Since in the future filters everything out; in the past, nothing.
	items, err = s.Inbox(ctx, "bob", InboxOptions{Limit: InboxCap, Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = s.Inbox(ctx, "bob", InboxOptions{Limit: InboxCap, Since: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Len(t, items, 4)
}

func TestAckIsIdempotent(t *testing.T) {
	s := testService(t)
	register(t, s, "alice", "bob")
	ctx := context.Background()

	sent, err := s.Send(ctx, SendRequest{
		From: "alice", To: []string{"bob"},
		Subject: "please confirm", AckRequired: true,
	})
	require.NoError(t, err)

	require.NoError(t, s.Ack(ctx, "bob", sent.ID))
	require.NoError(t, s.Ack(ctx, "bob", sent.ID))

	// Only one ack event landed.
	events, err := s.events.Read(ctx, eventstore.Filter{Types: []string{types.EventMessageAcked}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAckMarksMessageRead(t *testing.T) {
	s := testService(t)
	register(t, s, "alice", "bob")
	ctx := context.Background()

	sent, err := s.Send(ctx, SendRequest{
		From: "alice", To: []string{"bob"},
		Subject: "sign off on the release", AckRequired: true,
	})
	require.NoError(t, err)

	// Acking without a prior read counts as reading.
	require.NoError(t, s.Ack(ctx, "bob", sent.ID))

	items, err := s.Inbox(ctx, "bob", InboxOptions{Limit: InboxCap})
	require.NoError(t, err)
	assert.Empty(t, items, "acked messages leave the inbox")

	summary, err := s.Summary(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, summary.Unread)
	assert.Zero(t, summary.PendingAcks)
}

func TestAckRejectsNonRecipient(t *testing.T) {
	s := testService(t)
	register(t, s, "alice", "bob", "carol")
	ctx := context.Background()

	sent, err := s.Send(ctx, SendRequest{From: "alice", To: []string{"bob"}, Subject: "x"})
	require.NoError(t, err)

	err = s.Ack(ctx, "carol", sent.ID)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestThreadsCreateListSummarize(t *testing.T) {
	s := testService(t)
	register(t, s, "alice", "bob")
	ctx := context.Background()

	threadID := s.NewThreadID()
	_, err := s.Send(ctx, SendRequest{
		From: "alice", To: []string{"bob"}, ThreadID: threadID,
		Subject: "api design", Body: "Proposal: split the handler. Details below.",
	})
	require.NoError(t, err)
	_, err = s.Send(ctx, SendRequest{
		From: "bob", To: []string{"alice"}, ThreadID: threadID,
		Subject: "re: api design", Body: "Agreed, but keep the old route alive.",
	})
	require.NoError(t, err)

	threads, err := s.ListThreads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, 2, threads[0].MessageCount)
	assert.ElementsMatch(t, []string{"alice", "bob"}, threads[0].Participants)

	// No analyzer wired: heuristic summary kicks in.
	summary, err := s.SummarizeThread(ctx, "alice", threadID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalMessages)
	assert.Contains(t, summary.KeyPoints[0], "split the handler")
}

func TestSearchFindsMessagesByContent(t *testing.T) {
	s := testService(t)
	register(t, s, "alice", "bob")
	ctx := context.Background()

	_, err := s.Send(ctx, SendRequest{
		From: "alice", To: []string{"bob"},
		Subject: "deploy window", Body: "The staging rollout happens at noon.",
	})
	require.NoError(t, err)
	_, err = s.Send(ctx, SendRequest{
		From: "alice", To: []string{"bob"},
		Subject: "lunch", Body: "Tacos?",
	})
	require.NoError(t, err)

	results, err := s.Search(ctx, "staging rollout", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "deploy window", results[0].Subject)
}

func TestRateLimitExhaustion(t *testing.T) {
	mgr := storage.NewManager(t.TempDir(), zerolog.Nop())
	t.Cleanup(func() { _ = mgr.Close() })
	db, err := mgr.Get("/tmp/rate-test")
	require.NoError(t, err)

	events := eventstore.New(db, zerolog.Nop(), 16)
	s := NewService(db, events, NewLimiter(db, false), nil, zerolog.Nop())
	register(t, s, "alice", "bob")
	ctx := context.Background()

	var limited bool
	for i := 0; i < 35; i++ {
		_, err := s.Send(ctx, SendRequest{
			From: "alice", To: []string{"bob"}, Subject: fmt.Sprintf("m%d", i),
		})
		if err != nil {
			require.True(t, errs.IsRateLimit(err), "unexpected error: %v", err)
			var rl *errs.RateLimitError
			require.ErrorAs(t, err, &rl)
			assert.Equal(t, "send", rl.Endpoint)
			limited = true
			break
		}
	}
	assert.True(t, limited, "send budget of 30/min should exhaust within 35 sends")
}

func TestHeuristicSummaryFirstSentences(t *testing.T) {
	messages := []*types.Message{
		{FromAgent: "alice", Body: "First point here. Then noise."},
		{FromAgent: "bob", Body: "Second point!\nMore noise."},
		{FromAgent: "alice", Body: ""},
	}
	summary := heuristicSummary("thr_x", messages)
	assert.Equal(t, []string{"alice", "bob"}, summary.Participants)
	assert.Equal(t, []string{"First point here.", "Second point!"}, summary.KeyPoints)
	assert.Equal(t, 3, summary.TotalMessages)
}
