package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkroom/internal/auth"
	"inkroom/internal/presence"
	"inkroom/internal/session"
	"inkroom/internal/state"
)

const testSecret = "0123456789abcdef"

type testHub struct {
	hub   *Hub
	perms *auth.StaticPermissions
	srv   *httptest.Server
}

func startHub(t *testing.T, mutate func(*Options)) *testHub {
	t.Helper()
	perms := auth.NewStaticPermissions(auth.RoleNone)
	opts := Options{
		Secret:      testSecret,
		Permissions: perms,
		AllowGuests: true,
		Registry:    prometheus.NewRegistry(),
		RoleRecheck: time.Hour,
		IdleTimeout: time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h := NewHub(opts)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return &testHub{hub: h, perms: perms, srv: srv}
}

func (th *testHub) wsURL() string {
	return "ws" + strings.TrimPrefix(th.srv.URL, "http")
}

func mint(t *testing.T, actor, name string, guest bool) string {
	t.Helper()
	token, err := auth.MintToken(testSecret, actor, name, guest, time.Hour)
	require.NoError(t, err)
	return token
}

func connect(t *testing.T, th *testHub, actor string, guest bool) (*state.Store, *session.Session) {
	t.Helper()
	store := state.NewStore(actor, nil)
	tracker := presence.NewTracker(0, nil)
	s := session.New(store, tracker, session.Options{
		URL:    th.wsURL(),
		RoomID: "room1",
		Token:  mint(t, actor, actor, guest),
	})
	t.Cleanup(s.Close)
	s.Connect()
	require.Eventually(t, func() bool { return s.State() == session.Live },
		5*time.Second, 10*time.Millisecond)
	return store, s
}

func TestTwoClientConvergence(t *testing.T) {
	th := startHub(t, nil)

	aliceStore, alice := connect(t, th, "alice", true)
	bobStore, _ := connect(t, th, "bob", true)

	require.NoError(t, alice.Apply(state.Transaction{
		state.Put("p1", state.KindPath, map[state.Field]any{
			state.FieldPoints: []float64{0, 0, 10, 10},
			state.FieldColor:  "#ffffff",
		}),
	}))

	require.Eventually(t, func() bool {
		v, ok := bobStore.Get("p1")
		return ok && v.Value(state.FieldColor) == "#ffffff"
	}, 5*time.Second, 10*time.Millisecond)

	av, _ := aliceStore.Get("p1")
	bv, _ := bobStore.Get("p1")
	assert.Equal(t, av.Fields, bv.Fields)
}

func TestLateJoinerCatchesUp(t *testing.T) {
	th := startHub(t, nil)

	_, alice := connect(t, th, "alice", true)
	require.NoError(t, alice.Apply(state.Transaction{
		state.Put("p1", state.KindPath, map[state.Field]any{state.FieldX: 5.0}),
	}))
	time.Sleep(100 * time.Millisecond)

	bobStore, _ := connect(t, th, "bob", true)
	require.Eventually(t, func() bool {
		v, ok := bobStore.Get("p1")
		return ok && v.Value(state.FieldX) == 5.0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRejectsBadToken(t *testing.T) {
	th := startHub(t, nil)

	resp, err := http.Get(th.srv.URL + "/rooms/room1/ws?token=garbage")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestForbidsNonMemberWhenGuestsDisallowed(t *testing.T) {
	th := startHub(t, func(o *Options) { o.AllowGuests = false })

	resp, err := http.Get(th.srv.URL + "/rooms/room1/ws?token=" + mint(t, "stranger", "Stranger", true))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestViewerDeltasDropped(t *testing.T) {
	th := startHub(t, nil)
	th.perms.Grant("room1", "viewer1", auth.RoleViewer)
	th.perms.Grant("room1", "editor1", auth.RoleEditor)

	viewerStore, viewer := connect(t, th, "viewer1", false)
	editorStore, _ := connect(t, th, "editor1", false)

	assert.True(t, viewer.ReadOnly())
	err := viewer.Apply(state.Transaction{state.Put("p1", state.KindPath, nil)})
	assert.ErrorIs(t, err, session.ErrReadOnly)

	// The viewer's store never changed, so nothing replicated.
	time.Sleep(100 * time.Millisecond)
	_, ok := editorStore.Get("p1")
	assert.False(t, ok)
	_, ok = viewerStore.Get("p1")
	assert.False(t, ok)
}

func TestSnapshotRestoreAcrossHubRestart(t *testing.T) {
	snaps := NewMemorySnapshots()

	th1 := startHub(t, func(o *Options) { o.Snapshots = snaps })
	_, alice := connect(t, th1, "alice", true)
	require.NoError(t, alice.Apply(state.Transaction{
		state.Put("kept", state.KindText, map[state.Field]any{state.FieldText: "still here"}),
	}))
	time.Sleep(100 * time.Millisecond)
	alice.Close()
	th1.hub.Close()
	th1.srv.Close()

	th2 := startHub(t, func(o *Options) { o.Snapshots = snaps })
	bobStore, _ := connect(t, th2, "bob", true)
	require.Eventually(t, func() bool {
		v, ok := bobStore.Get("kept")
		return ok && v.Value(state.FieldText) == "still here"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseStopsRooms(t *testing.T) {
	snaps := NewMemorySnapshots()
	th := startHub(t, func(o *Options) { o.Snapshots = snaps })

	_, alice := connect(t, th, "alice", true)
	require.NoError(t, alice.Apply(state.Transaction{
		state.Put("p1", state.KindPath, map[state.Field]any{state.FieldX: 1.0}),
	}))
	time.Sleep(100 * time.Millisecond)

	th.hub.mu.Lock()
	rm := th.hub.rooms["room1"]
	th.hub.mu.Unlock()
	require.NotNil(t, rm)

	th.hub.Close()

	// Close waits for the room goroutine to exit and snapshot exactly once.
	select {
	case <-rm.done:
	default:
		t.Fatal("room goroutine still running after Close")
	}
	d, ok, err := snaps.Load(context.Background(), "room1")
	require.NoError(t, err)
	require.True(t, ok, "close must snapshot the room")
	assert.False(t, d.Empty())
}

func TestHealthz(t *testing.T) {
	th := startHub(t, nil)
	resp, err := http.Get(th.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	th := startHub(t, nil)
	resp, err := http.Get(th.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPresenceFanout(t *testing.T) {
	th := startHub(t, nil)

	_, alice := connect(t, th, "alice", true)

	bobStore := state.NewStore("bob", nil)
	seen := make(chan []presence.Record, 16)
	bobTracker := presence.NewTracker(0, func(r []presence.Record) { seen <- r })
	bob := session.New(bobStore, bobTracker, session.Options{
		URL:    th.wsURL(),
		RoomID: "room1",
		Token:  mint(t, "bob", "bob", true),
	})
	t.Cleanup(bob.Close)
	bob.Connect()
	require.Eventually(t, func() bool { return bob.State() == session.Live },
		5*time.Second, 10*time.Millisecond)

	alice.PublishCursor(12, 34)

	require.Eventually(t, func() bool {
		for _, rec := range bobTracker.List() {
			if rec.ActorID == "alice" && rec.Cursor.X == 12 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}
