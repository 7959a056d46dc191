package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	mgr := storage.NewManager(t.TempDir(), zerolog.Nop())
	t.Cleanup(func() { _ = mgr.Close() })

	db, err := mgr.Get("/tmp/test-project")
	require.NoError(t, err)
	return New(db, zerolog.Nop(), 16)
}

// countingProjector records agent_registered names into the agents table so
// tests can observe same-transaction projection.
type countingProjector struct {
	fail bool
}

func (p *countingProjector) EventTypes() []string { return []string{types.EventAgentRegistered} }

func (p *countingProjector) Apply(tx *sql.Tx, evt *types.Event) error {
	if p.fail {
		return errors.New("projector exploded")
	}
	var payload types.AgentRegisteredPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return err
	}
	_, err := tx.Exec(`
		INSERT INTO agents (project_key, name, registered_at, last_active_at)
		VALUES (?, ?, ?, ?)`,
		evt.ProjectKey, payload.Name, evt.TimestampMS, evt.TimestampMS)
	return err
}

func TestAppendAssignsGapFreeSequence(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		evt, err := store.Append(ctx, &types.AgentActivePayload{Name: fmt.Sprintf("agent-%d", i)}, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i), evt.Sequence)
	}

	last, err := store.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
}

func TestAppendRejectsUnknownType(t *testing.T) {
	store := testStore(t)

	_, err := store.AppendRaw(context.Background(), "not_a_real_event", json.RawMessage(`{}`), nil)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestAppendRejectsInvalidPayload(t *testing.T) {
	store := testStore(t)

	_, err := store.Append(context.Background(), &types.MessageSentPayload{
		MessageID:  "msg_x",
		From:       "alice",
		Importance: types.ImportanceNormal,
		// no recipients
	}, nil)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestProjectionRunsInSameTransaction(t *testing.T) {
	store := testStore(t)
	store.Register(&countingProjector{})
	ctx := context.Background()

	_, err := store.Append(ctx, &types.AgentRegisteredPayload{Name: "BlueHeron"}, nil)
	require.NoError(t, err)

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM agents").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestProjectionFailureRollsBackAppend(t *testing.T) {
	store := testStore(t)
	store.Register(&countingProjector{fail: true})
	ctx := context.Background()

	_, err := store.Append(ctx, &types.AgentRegisteredPayload{Name: "BlueHeron"}, nil)
	require.Error(t, err)
	var perr *errs.ProjectionError
	assert.True(t, errors.As(err, &perr))

	// Neither the event nor the projection row survived.
	last, err := store.LastSequence(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM agents").Scan(&count))
	assert.Zero(t, count)
}

func TestReadFilters(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, &types.AgentActivePayload{Name: "alice"}, nil)
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, &types.AgentRegisteredPayload{Name: "bob"}, nil)
	require.NoError(t, err)

	// Since is exclusive, Until inclusive.
	events, err := store.Read(ctx, Filter{Since: 1, Until: 3})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, int64(3), events[1].Sequence)

	// Type filter.
	events, err = store.Read(ctx, Filter{Types: []string{types.EventAgentRegistered}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(4), events[0].Sequence)

	// Limit.
	events, err = store.Read(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSubscribeReplaysBacklogThenStreamsLive(t *testing.T) {
	store := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.Append(ctx, &types.AgentActivePayload{Name: "alice"}, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, &types.AgentActivePayload{Name: "bob"}, nil)
	require.NoError(t, err)

	sub, err := store.Subscribe(ctx, 1, nil)
	require.NoError(t, err)
	defer sub.Close()

	// Backlog: only sequence 2 (after=1 is exclusive).
	evt := receiveEvent(t, sub)
	assert.Equal(t, int64(2), evt.Sequence)

	// Live event.
	_, err = store.Append(ctx, &types.AgentActivePayload{Name: "carol"}, nil)
	require.NoError(t, err)

	evt = receiveEvent(t, sub)
	assert.Equal(t, int64(3), evt.Sequence)
	assert.False(t, sub.Lagged())
	assert.Equal(t, int64(3), sub.LastSequence())
}

func TestSubscribeTypeFilter(t *testing.T) {
	store := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := store.Subscribe(ctx, 0, []string{types.EventAgentRegistered})
	require.NoError(t, err)
	defer sub.Close()

	_, err = store.Append(ctx, &types.AgentActivePayload{Name: "alice"}, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, &types.AgentRegisteredPayload{Name: "bob"}, nil)
	require.NoError(t, err)

	evt := receiveEvent(t, sub)
	assert.Equal(t, types.EventAgentRegistered, evt.Type)
	assert.Equal(t, int64(2), evt.Sequence)
}

func TestSubscribeBuffersLiveEventsDuringReplay(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, &types.AgentActivePayload{Name: "alice"}, nil)
	require.NoError(t, err)

	// Mirror Subscribe's internal order: the live side registers first, an
	// append lands before the backlog read, then the backlog is replayed.
	// The live event must not overtake the unreplayed backlog.
	sub := store.broadcaster.subscribe(nil)
	t.Cleanup(sub.Close)

	_, err = store.Append(ctx, &types.AgentActivePayload{Name: "bob"}, nil)
	require.NoError(t, err)

	backlog, err := store.Read(ctx, Filter{})
	require.NoError(t, err)
	sub.replay(backlog)

	var got []int64
drain:
	for {
		select {
		case evt := <-sub.Events():
			got = append(got, evt.Sequence)
		default:
			break drain
		}
	}
	assert.Equal(t, []int64{1, 2}, got, "no gap, no duplicate")
	assert.False(t, sub.Lagged())
}

func TestSlowSubscriberLagsInsteadOfBlocking(t *testing.T) {
	store := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Buffer of 16: overfill without consuming.
	sub, err := store.Subscribe(ctx, 0, nil)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 20; i++ {
		_, err := store.Append(ctx, &types.AgentActivePayload{Name: "alice"}, nil)
		require.NoError(t, err)
	}

	assert.True(t, sub.Lagged())
	// Queue still holds the first 16 in order.
	evt := receiveEvent(t, sub)
	assert.Equal(t, int64(1), evt.Sequence)
}

func TestRebuildReplaysLog(t *testing.T) {
	store := testStore(t)
	store.Register(&countingProjector{})
	ctx := context.Background()

	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := store.Append(ctx, &types.AgentRegisteredPayload{Name: name}, nil)
		require.NoError(t, err)
	}

	err := store.Rebuild(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM agents")
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM agents").Scan(&count))
	assert.Equal(t, 3, count)
}

func TestFoldDecodesPayloads(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, &types.AgentRegisteredPayload{Name: "alice", Model: "m1"}, nil)
	require.NoError(t, err)

	var seen []string
	err = store.Fold(ctx, Filter{}, func(evt *types.Event, payload any) error {
		p, ok := payload.(*types.AgentRegisteredPayload)
		require.True(t, ok)
		seen = append(seen, p.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, seen)
}

func receiveEvent(t *testing.T, sub *Subscription) *types.Event {
	t.Helper()
	select {
	case evt, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestReadPageReportsMoreAvailable(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := store.Append(ctx, &types.AgentActivePayload{Name: "alice"}, nil)
		require.NoError(t, err)
	}

	page, more, err := store.ReadPage(ctx, Filter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.True(t, more)
	assert.Equal(t, int64(3), page[2].Sequence)

	page, more, err = store.ReadPage(ctx, Filter{Since: page[2].Sequence, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.False(t, more)
	assert.Equal(t, int64(7), page[3].Sequence)
}
