package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"inkroom/internal/auth"
)

// Options configures a Hub.
type Options struct {
	// Secret signs and verifies the access tokens clients present.
	Secret string

	// Permissions resolves an actor's role in a room.
	Permissions auth.PermissionSource

	// AllowGuests lets tokens marked as guest join as editors even when
	// Permissions knows nothing about them.
	AllowGuests bool

	// Broker fans traffic out to other hub instances. Nil means
	// single-instance.
	Broker Broker

	// Snapshots persists room replicas across restarts. Nil disables
	// persistence; NewHub defaults to in-memory.
	Snapshots SnapshotStore

	// Registry receives hub metrics. Defaults to the prometheus default
	// registry.
	Registry prometheus.Registerer

	// RoleRecheck is how often live connections have their role
	// re-resolved.
	RoleRecheck time.Duration

	// IdleTimeout is how long an empty room keeps its replica warm.
	IdleTimeout time.Duration

	Logger *zap.Logger
}

// Hub terminates websockets, authenticates actors and routes them into
// per-room replicas.
type Hub struct {
	opts       Options
	instanceID string
	metrics    *Metrics
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Permissions == nil {
		opts.Permissions = auth.NewStaticPermissions(auth.RoleEditor)
	}
	if opts.Snapshots == nil {
		opts.Snapshots = NewMemorySnapshots()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.DefaultRegisterer
	}
	if opts.RoleRecheck <= 0 {
		opts.RoleRecheck = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	return &Hub{
		opts:       opts,
		instanceID: uuid.NewString(),
		metrics:    NewMetrics(opts.Registry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Rooms are joined by capability token, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: opts.Logger,
		rooms:  make(map[string]*room),
	}
}

// Router exposes the hub's HTTP surface.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/rooms/{room}/ws", h.ServeWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ServeWS authenticates the request and hands the connection to the room.
// Credential failures are rejected before the upgrade so clients see a
// plain 401/403 and know not to retry.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	token := r.URL.Query().Get("token")
	claims, err := auth.VerifyToken(h.opts.Secret, token)
	if err != nil {
		h.logger.Info("rejecting connection", zap.String("room", roomID), zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	actor := claims.Subject
	role, err := h.opts.Permissions.Role(r.Context(), roomID, actor)
	if err != nil {
		h.logger.Warn("permission lookup failed", zap.String("actor", actor), zap.Error(err))
		http.Error(w, "permission lookup failed", http.StatusInternalServerError)
		return
	}
	if role == auth.RoleNone {
		if !(claims.Guest && h.opts.AllowGuests) {
			http.Error(w, "no access to room", http.StatusForbidden)
			return
		}
		role = auth.RoleEditor
	}

	rm, err := h.room(roomID)
	if err != nil {
		h.logger.Error("room unavailable", zap.String("room", roomID), zap.Error(err))
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := newClient(conn, actor, claims.DisplayName, claims.Guest, role, h.logger)
	go c.writePump()
	c.readPump(rm)
}

// room returns the live replica for roomID, creating and restoring it on
// first use.
func (h *Hub) room(id string) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[id]; ok {
		return rm, nil
	}
	rm := newRoom(h, id)
	rm.restore(context.Background())
	if h.opts.Broker != nil {
		stop, err := h.opts.Broker.Subscribe(context.Background(), id, func(frame Frame) {
			select {
			case rm.fromBroker <- frame:
			case <-rm.done:
			}
		})
		if err != nil {
			return nil, err
		}
		rm.unsubscribe = stop
	}
	h.rooms[id] = rm
	go rm.run()
	return rm, nil
}

func (h *Hub) removeRoom(id string) {
	h.mu.Lock()
	delete(h.rooms, id)
	h.mu.Unlock()
}

// Close stops every open room and waits for each to snapshot and exit.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, rm := range h.rooms {
		rooms = append(rooms, rm)
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()
	for _, rm := range rooms {
		close(rm.quit)
		<-rm.done
	}
}

func decode(payload json.RawMessage, v any) error {
	return json.Unmarshal(payload, v)
}
