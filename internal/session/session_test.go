package session

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkroom/internal/auth"
	inet "inkroom/internal/net"
	"inkroom/internal/presence"
	"inkroom/internal/state"
)

// fakeHub is just enough hub to exercise the session: one room, one
// handshake, deltas merged into a server-side store.
type fakeHub struct {
	t        *testing.T
	upgrader websocket.Upgrader
	store    *state.Store
	role     string
	received chan state.Delta

	mu   sync.Mutex
	conn *websocket.Conn

	srv *httptest.Server
}

func newFakeHub(t *testing.T, role string) *fakeHub {
	h := &fakeHub{
		t:        t,
		store:    state.NewStore("server", nil),
		role:     role,
		received: make(chan state.Delta, 16),
	}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	env, err := inet.DecodeEnvelope(data)
	if err != nil || env.Type != inet.TypeHello {
		return
	}
	var hello inet.Hello
	require.NoError(h.t, decode(env.Payload, &hello))

	welcome, _ := inet.Encode(inet.TypeWelcome, inet.Welcome{
		ActorID:     "client-actor",
		DisplayName: "Tester",
		Role:        h.role,
		Vector:      h.store.Vector(),
		Missing:     h.store.DeltasSince(hello.Vector),
	})
	conn.WriteMessage(websocket.TextMessage, welcome)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := inet.DecodeEnvelope(data)
		if err != nil {
			continue
		}
		if env.Type == inet.TypeDelta {
			d, err := state.DecodeDelta(env.Payload)
			if err != nil {
				continue
			}
			h.store.ApplyRemote(d)
			h.received <- d
		}
	}
}

// push sends a frame to the connected client.
func (h *fakeHub) push(msgType string, payload any) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	require.NotNil(h.t, conn)
	data, err := inet.Encode(msgType, payload)
	require.NoError(h.t, err)
	require.NoError(h.t, conn.WriteMessage(websocket.TextMessage, data))
}

func newTestSession(t *testing.T, hub *fakeHub, opts Options) (*state.Store, *presence.Tracker, *Session) {
	t.Helper()
	store := state.NewStore("client", nil)
	tracker := presence.NewTracker(0, nil)
	opts.URL = hub.wsURL()
	if opts.RoomID == "" {
		opts.RoomID = "room1"
	}
	if opts.Token == "" {
		opts.Token = "test-token"
	}
	s := New(store, tracker, opts)
	t.Cleanup(s.Close)
	return store, tracker, s
}

func waitLive(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == Live },
		5*time.Second, 10*time.Millisecond)
}

func TestSessionSyncToLive(t *testing.T) {
	hub := newFakeHub(t, "editor")
	hub.store.ApplyLocal(state.Transaction{
		state.Put("existing", state.KindPath, map[state.Field]any{state.FieldX: 7.0}),
	}, "server")

	store, _, s := newTestSession(t, hub, Options{})
	s.Connect()
	waitLive(t, s)

	// The welcome's missing deltas land in the local store.
	v, ok := store.Get("existing")
	require.True(t, ok)
	assert.Equal(t, 7.0, v.Value(state.FieldX))
	assert.Equal(t, auth.RoleEditor, s.Role())
	assert.False(t, s.ReadOnly())
}

func TestSessionWelcomePointsArriveTyped(t *testing.T) {
	hub := newFakeHub(t, "editor")
	hub.store.ApplyLocal(state.Transaction{
		state.Put("stroke", state.KindPath, map[state.Field]any{state.FieldPoints: []float64{1, 2, 3, 4}}),
	}, "server")

	store, _, s := newTestSession(t, hub, Options{})
	s.Connect()
	waitLive(t, s)

	// Point slices delivered inside the welcome must land store-typed, the
	// same as ones delivered as standalone deltas.
	v, ok := store.Get("stroke")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3, 4}, v.Value(state.FieldPoints))
}

func TestSessionConcurrentEditsAllReplicate(t *testing.T) {
	hub := newFakeHub(t, "editor")
	_, _, s := newTestSession(t, hub, Options{})
	s.Connect()
	waitLive(t, s)

	// Keep the fake hub's receive channel drained.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-hub.received:
			case <-done:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				id := fmt.Sprintf("p%d-%d", g, i)
				assert.NoError(t, s.Apply(state.Transaction{
					state.Put(id, state.KindPath, map[state.Field]any{state.FieldX: float64(i)}),
				}))
			}
		}(g)
	}
	wg.Wait()

	// Racing flushes may duplicate a send but must never discard one.
	require.Eventually(t, func() bool {
		return len(hub.store.Snapshot()) == 20
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.QueuedDeltas() == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestSessionOfflineEditsReplayOnConnect(t *testing.T) {
	hub := newFakeHub(t, "editor")
	store, _, s := newTestSession(t, hub, Options{})

	// Edits before any connection apply locally and queue.
	require.NoError(t, s.Apply(state.Transaction{
		state.Put("p1", state.KindPath, map[state.Field]any{state.FieldX: 1.0}),
	}))
	require.NoError(t, s.Apply(state.Transaction{
		state.Set("p1", state.FieldX, 2.0),
	}))
	_, ok := store.Get("p1")
	require.True(t, ok)
	assert.Equal(t, 2, s.QueuedDeltas())

	s.Connect()
	waitLive(t, s)

	require.Eventually(t, func() bool {
		v, ok := hub.store.Get("p1")
		return ok && v.Value(state.FieldX) == 2.0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.QueuedDeltas())
}

func TestSessionLiveEditReachesHub(t *testing.T) {
	hub := newFakeHub(t, "editor")
	_, _, s := newTestSession(t, hub, Options{})
	s.Connect()
	waitLive(t, s)

	require.NoError(t, s.Apply(state.Transaction{
		state.Put("p1", state.KindPath, nil),
	}))

	select {
	case d := <-hub.received:
		require.NotEmpty(t, d.Ops)
		assert.Equal(t, "p1", d.Ops[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("hub never received the delta")
	}
}

func TestSessionRemoteDeltaApplies(t *testing.T) {
	hub := newFakeHub(t, "editor")
	store, _, s := newTestSession(t, hub, Options{})
	s.Connect()
	waitLive(t, s)

	d, _ := hub.store.ApplyLocal(state.Transaction{
		state.Put("remote", state.KindText, map[state.Field]any{state.FieldText: "hi"}),
	}, "server")
	hub.push(inet.TypeDelta, d)

	require.Eventually(t, func() bool {
		_, ok := store.Get("remote")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionViewerIsReadOnly(t *testing.T) {
	hub := newFakeHub(t, "viewer")
	store, _, s := newTestSession(t, hub, Options{})
	s.Connect()
	waitLive(t, s)

	assert.True(t, s.ReadOnly())
	err := s.Apply(state.Transaction{state.Put("p1", state.KindPath, nil)})
	assert.ErrorIs(t, err, ErrReadOnly)
	_, ok := store.Get("p1")
	assert.False(t, ok, "read-only edits must not touch the store")
}

func TestSessionRoleChangePush(t *testing.T) {
	hub := newFakeHub(t, "editor")
	roles := make(chan auth.Role, 4)
	_, _, s := newTestSession(t, hub, Options{OnRole: func(r auth.Role) { roles <- r }})
	s.Connect()
	waitLive(t, s)
	require.Equal(t, auth.RoleEditor, <-roles)

	hub.push(inet.TypeRole, inet.RoleChange{Role: "viewer"})
	select {
	case r := <-roles:
		assert.Equal(t, auth.RoleViewer, r)
	case <-time.After(5 * time.Second):
		t.Fatal("role change never arrived")
	}
	assert.True(t, s.ReadOnly())
}

func TestSessionPresenceTracked(t *testing.T) {
	hub := newFakeHub(t, "editor")
	_, tracker, s := newTestSession(t, hub, Options{})
	s.Connect()
	waitLive(t, s)

	hub.push(inet.TypePresence, presence.Record{ActorID: "bob", Cursor: presence.Position{X: 3}})
	require.Eventually(t, func() bool { return len(tracker.List()) == 1 },
		5*time.Second, 10*time.Millisecond)

	hub.push(inet.TypeLeave, inet.Leave{ActorID: "bob"})
	require.Eventually(t, func() bool { return len(tracker.List()) == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestSessionCredentialRejectedIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := state.NewStore("client", nil)
	tracker := presence.NewTracker(0, nil)
	s := New(store, tracker, Options{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		RoomID: "room1",
		Token:  "bad",
	})
	defer s.Close()
	s.Connect()

	require.Eventually(t, func() bool {
		return s.State() == Disconnected && s.LastError() != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.LastError(), ErrCredentialRejected)

	// No retry loop: the state stays terminal.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Disconnected, s.State())
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "syncing", Syncing.String())
	assert.Equal(t, "live", Live.String())
}
