// Package session maintains one room's replication connection. Local edits
// always apply immediately to the local store; the session's job is to get
// the resulting deltas to the hub eventually, survive disconnects, and
// merge whatever the hub sends back.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"inkroom/internal/auth"
	inet "inkroom/internal/net"
	"inkroom/internal/presence"
	"inkroom/internal/state"
)

// State is the session's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Syncing
	Live
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Syncing:
		return "syncing"
	case Live:
		return "live"
	default:
		return "disconnected"
	}
}

// ErrReadOnly is returned when a mutating transaction is attempted with a
// viewer or none role. Nothing is transmitted; the edit is a local no-op.
var ErrReadOnly = errors.New("session role is read-only")

// ErrCredentialRejected means the hub refused the bearer credential. The
// session stops retrying; the caller must re-authenticate.
var ErrCredentialRejected = errors.New("credential rejected")

const (
	defaultDialTimeout = 10 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	writeWait          = 10 * time.Second
	welcomeWait        = 15 * time.Second
)

// Options configures a session.
type Options struct {
	URL         string // hub base, e.g. ws://host:port
	RoomID      string
	Token       string
	Guest       bool   // remember this room in the guest-room cache
	Cache       *Cache // optional local cache, may be nil
	OnState     func(State)
	OnRole      func(auth.Role)
	DialTimeout time.Duration
	MaxBackoff  time.Duration
	Logger      *zap.Logger
}

// Session replicates one local store with a room hub.
type Session struct {
	opts      Options
	store     *state.Store
	tracker   *presence.Tracker
	publisher *presence.Publisher
	logger    *zap.Logger

	mu          sync.Mutex
	st          State
	role        auth.Role // empty until the hub assigns one
	displayName string
	queue       []state.Delta
	conn        *websocket.Conn
	cancel      context.CancelFunc
	lastErr     error

	writeMu sync.Mutex
}

// New creates a session for store. Remote presence lands in tracker.
func New(store *state.Store, tracker *presence.Tracker, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	s := &Session{
		opts:    opts,
		store:   store,
		tracker: tracker,
		logger:  opts.Logger.With(zap.String("room", opts.RoomID)),
	}
	s.publisher = presence.NewPublisher(presence.DefaultMinInterval, s.sendPresence)
	return s
}

// Connect starts (or restarts) the connection loop. A previous in-flight
// connect or reconnect attempt is cancelled and superseded.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(ctx)
}

// Disconnect tears the connection down. Local edits keep applying and
// queueing; a later Connect replays them.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.setState(Disconnected)
}

// Close releases the session's resources.
func (s *Session) Close() {
	s.Disconnect()
	s.publisher.Close()
	s.tracker.Clear()
}

func (s *Session) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = s.opts.MaxBackoff
	bo.MaxElapsedTime = 0

	for {
		err := s.connectOnce(ctx, bo)
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return
		}
		if errors.Is(err, ErrCredentialRejected) {
			s.logger.Error("credential rejected; giving up", zap.Error(err))
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			s.setState(Disconnected)
			return
		}
		s.setState(Disconnected)
		wait := bo.NextBackOff()
		s.logger.Warn("connection lost; retrying", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) connectOnce(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	s.setState(Connecting)

	dialer := websocket.Dialer{HandshakeTimeout: s.opts.DialTimeout}
	url := fmt.Sprintf("%s/rooms/%s/ws?token=%s", s.opts.URL, s.opts.RoomID, s.opts.Token)
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return ErrCredentialRejected
		}
		return fmt.Errorf("dial: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	// Unblock the read loop when a newer Connect/Disconnect supersedes us.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := s.sync(conn, bo); err != nil {
		return err
	}
	return s.readLoop(conn)
}

// sync performs the state-vector exchange: we tell the hub what we know, it
// answers with what we are missing, and we send back what it is missing.
// Queued offline edits are replayed afterwards; replays are idempotent.
func (s *Session) sync(conn *websocket.Conn, bo *backoff.ExponentialBackOff) error {
	s.setState(Syncing)

	if err := s.write(inet.TypeHello, inet.Hello{Token: s.opts.Token, Vector: s.store.Vector()}); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(welcomeWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("awaiting welcome: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	env, err := inet.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	switch env.Type {
	case inet.TypeError:
		var msg inet.ErrorMsg
		if jsonErr := decode(env.Payload, &msg); jsonErr == nil &&
			(msg.Code == inet.CodeUnauthorized || msg.Code == inet.CodeForbidden) {
			return ErrCredentialRejected
		}
		return fmt.Errorf("hub refused session: %s", data)
	case inet.TypeWelcome:
	default:
		return fmt.Errorf("expected welcome, got %q", env.Type)
	}

	var welcome inet.Welcome
	if err := decode(env.Payload, &welcome); err != nil {
		return err
	}

	role := auth.ParseRole(welcome.Role)
	s.mu.Lock()
	s.role = role
	s.displayName = welcome.DisplayName
	s.mu.Unlock()
	if s.opts.OnRole != nil {
		s.opts.OnRole(role)
	}
	if s.opts.Cache != nil && s.opts.Guest {
		if err := s.opts.Cache.AddGuestRoom(GuestRoom{RoomID: s.opts.RoomID, ActorID: welcome.ActorID, Role: welcome.Role}); err != nil {
			s.logger.Warn("guest room not cached", zap.Error(err))
		}
	}

	if !welcome.Missing.Empty() {
		s.store.ApplyRemote(welcome.Missing)
	}
	if theirs := s.store.DeltasSince(welcome.Vector); !theirs.Empty() {
		if err := s.write(inet.TypeDelta, theirs); err != nil {
			return err
		}
	}
	if err := s.flushQueue(); err != nil {
		return err
	}

	s.setState(Live)
	bo.Reset()
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		env, err := inet.DecodeEnvelope(data)
		if err != nil {
			s.logger.Warn("dropping frame", zap.Error(err))
			continue
		}
		switch env.Type {
		case inet.TypeDelta:
			d, err := state.DecodeDelta(env.Payload)
			if err != nil {
				s.logger.Warn("dropping malformed delta", zap.Error(err))
				continue
			}
			s.store.ApplyRemote(d)
		case inet.TypePresence:
			rec, err := inet.DecodePresence(env.Payload)
			if err != nil {
				s.logger.Warn("dropping malformed presence", zap.Error(err))
				continue
			}
			s.tracker.Apply(rec)
		case inet.TypeLeave:
			var leave inet.Leave
			if err := decode(env.Payload, &leave); err != nil {
				s.logger.Warn("dropping malformed leave", zap.Error(err))
				continue
			}
			s.tracker.Remove(leave.ActorID)
		case inet.TypeRole:
			var rc inet.RoleChange
			if err := decode(env.Payload, &rc); err != nil {
				s.logger.Warn("dropping malformed role change", zap.Error(err))
				continue
			}
			role := auth.ParseRole(rc.Role)
			s.mu.Lock()
			s.role = role
			s.mu.Unlock()
			s.logger.Info("role changed", zap.String("role", string(role)))
			if s.opts.OnRole != nil {
				s.opts.OnRole(role)
			}
		case inet.TypeError:
			var msg inet.ErrorMsg
			if err := decode(env.Payload, &msg); err == nil && msg.Code == inet.CodeUnauthorized {
				return ErrCredentialRejected
			}
			s.logger.Warn("hub error", zap.ByteString("payload", env.Payload))
		default:
			s.logger.Warn("dropping frame with unknown type", zap.String("type", env.Type))
		}
	}
}

// Apply writes a transaction locally and stages the delta for replication.
// With a read-only role nothing is applied or transmitted.
func (s *Session) Apply(tx state.Transaction) error {
	s.mu.Lock()
	role := s.role
	s.mu.Unlock()
	if role != "" && !role.CanEdit() {
		return ErrReadOnly
	}

	delta, err := s.store.ApplyLocal(tx, s.store.Actor())
	if err != nil {
		return err
	}
	if delta.Empty() {
		return nil
	}

	s.mu.Lock()
	s.queue = append(s.queue, delta)
	s.mu.Unlock()
	if err := s.flushQueue(); err != nil {
		// The edit is safely applied and queued; replication catches up on
		// reconnect.
		s.logger.Debug("delta queued for replay", zap.Error(err))
	}
	return nil
}

func (s *Session) flushQueue() error {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.conn == nil {
			s.mu.Unlock()
			return nil
		}
		d := s.queue[0]
		s.mu.Unlock()

		if err := s.write(inet.TypeDelta, d); err != nil {
			return err
		}

		// Concurrent flushes race on the head. Only pop if it is still the
		// delta just written; a duplicate send is idempotent, a delta popped
		// unsent would be lost.
		s.mu.Lock()
		if len(s.queue) > 0 && &s.queue[0].Ops[0] == &d.Ops[0] {
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()
	}
}

// PublishCursor stages a rate-limited presence publish for the local actor.
func (s *Session) PublishCursor(x, y float64) {
	s.mu.Lock()
	name, role := s.displayName, s.role
	s.mu.Unlock()
	s.publisher.Publish(presence.Record{
		ActorID:     s.store.Actor(),
		DisplayName: name,
		Cursor:      presence.Position{X: x, Y: y},
		Role:        string(role),
	})
}

func (s *Session) sendPresence(rec presence.Record) {
	if s.State() != Live {
		return // presence is lossy; nothing to replay
	}
	if err := s.write(inet.TypePresence, rec); err != nil {
		s.logger.Debug("presence publish dropped", zap.Error(err))
	}
}

func (s *Session) write(msgType string, payload any) error {
	data, err := inet.Encode(msgType, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Role returns the hub-assigned role, or none before the first welcome.
func (s *Session) Role() auth.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == "" {
		return auth.RoleNone
	}
	return s.role
}

// ReadOnly reports whether mutations are currently refused. Before the
// first welcome the session is optimistic: edits apply locally and queue.
func (s *Session) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role != "" && !s.role.CanEdit()
}

// LastError returns the error that drove the session to a terminal
// Disconnected state, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// QueuedDeltas reports how many deltas await replication.
func (s *Session) QueuedDeltas() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func decode(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unparseable payload: %w", err)
	}
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.st == st {
		s.mu.Unlock()
		return
	}
	s.st = st
	cb := s.opts.OnState
	s.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}
