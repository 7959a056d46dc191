package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/eventstore"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/types"
)

func testRelay(t *testing.T) (*eventstore.Store, *httptest.Server) {
	t.Helper()
	mgr := storage.NewManager(t.TempDir(), zerolog.Nop())
	t.Cleanup(func() { _ = mgr.Close() })

	db, err := mgr.Get("/tmp/stream-test")
	require.NoError(t, err)
	store := eventstore.New(db, zerolog.Nop(), 16)

	server := NewServer("127.0.0.1:0", func(_ context.Context, projectKey string) (*eventstore.Store, error) {
		return store, nil
	}, zerolog.Nop())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return store, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestRelayStreamsBacklogAndLiveEvents(t *testing.T) {
	store, ts := testRelay(t)
	ctx := context.Background()

	_, err := store.Append(ctx, &types.AgentActivePayload{Name: "alice"}, nil)
	require.NoError(t, err)

	conn := dial(t, ts, "project=/tmp/stream-test")

	frame := readFrame(t, conn)
	assert.Equal(t, "event", frame.Kind)
	require.NotNil(t, frame.Event)
	assert.Equal(t, int64(1), frame.Event.Sequence)
	assert.Equal(t, types.EventAgentActive, frame.Event.Type)

	_, err = store.Append(ctx, &types.AgentActivePayload{Name: "bob"}, nil)
	require.NoError(t, err)

	frame = readFrame(t, conn)
	assert.Equal(t, int64(2), frame.Event.Sequence)
}

func TestRelayResumesAfterSequence(t *testing.T) {
	store, ts := testRelay(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, &types.AgentActivePayload{Name: "alice"}, nil)
		require.NoError(t, err)
	}

	conn := dial(t, ts, "project=/tmp/stream-test&after=2")
	frame := readFrame(t, conn)
	assert.Equal(t, int64(3), frame.Event.Sequence, "resume skips acknowledged events")
}

func TestRelayTypeFilter(t *testing.T) {
	store, ts := testRelay(t)
	ctx := context.Background()

	_, err := store.Append(ctx, &types.AgentRegisteredPayload{Name: "alice"}, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, &types.AgentActivePayload{Name: "alice"}, nil)
	require.NoError(t, err)

	conn := dial(t, ts, "project=/tmp/stream-test&types="+types.EventAgentActive)
	frame := readFrame(t, conn)
	assert.Equal(t, types.EventAgentActive, frame.Event.Type)
}

func TestRelayRejectsBadRequests(t *testing.T) {
	_, ts := testRelay(t)

	resp, err := ts.Client().Get(ts.URL + "/events")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode, "project is required")

	resp, err = ts.Client().Get(ts.URL + "/events?project=x&after=-3")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}
