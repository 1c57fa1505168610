package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"inkroom/internal/auth"
	inet "inkroom/internal/net"
	"inkroom/internal/presence"
	"inkroom/internal/state"
)

type joinRequest struct {
	c      *client
	vector state.Vector
}

type inboundMsg struct {
	c   *client
	env inet.Envelope
}

// room owns one document replica and the clients attached to it. All room
// state is touched only by the run goroutine; clients talk to it over
// channels (and never the other way around while holding anything).
type room struct {
	id     string
	hub    *Hub
	store  *state.Store
	logger *zap.Logger

	clients map[*client]struct{}
	cursors map[string]presence.Record

	join       chan joinRequest
	leave      chan *client
	inbound    chan inboundMsg
	fromBroker chan Frame
	quit       chan struct{}
	done       chan struct{}

	unsubscribe func()
	emptySince  time.Time
}

func newRoom(h *Hub, id string) *room {
	return &room{
		id:         id,
		hub:        h,
		store:      state.NewStore("server", h.logger.Named("store")),
		logger:     h.logger.With(zap.String("room", id)),
		clients:    make(map[*client]struct{}),
		cursors:    make(map[string]presence.Record),
		join:       make(chan joinRequest),
		leave:      make(chan *client),
		inbound:    make(chan inboundMsg, 64),
		fromBroker: make(chan Frame, 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		emptySince: time.Now(),
	}
}

// restore rebuilds the replica from a persisted snapshot before any client
// joins.
func (r *room) restore(ctx context.Context) {
	if r.hub.opts.Snapshots == nil {
		return
	}
	d, ok, err := r.hub.opts.Snapshots.Load(ctx, r.id)
	if err != nil {
		r.logger.Warn("snapshot not restored", zap.Error(err))
		return
	}
	if ok {
		r.store.ApplyRemote(d)
		r.logger.Info("room restored from snapshot", zap.Int("ops", len(d.Ops)))
	}
}

func (r *room) run() {
	recheck := time.NewTicker(r.hub.opts.RoleRecheck)
	idle := time.NewTicker(r.hub.opts.IdleTimeout / 2)
	defer func() {
		recheck.Stop()
		idle.Stop()
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		r.persist()
		r.hub.metrics.RoomsOpen.Dec()
		close(r.done)
	}()
	r.hub.metrics.RoomsOpen.Inc()

	for {
		select {
		case jr := <-r.join:
			r.handleJoin(jr)
		case c := <-r.leave:
			r.handleLeave(c)
		case msg := <-r.inbound:
			r.handleInbound(msg.c, msg.env)
		case frame := <-r.fromBroker:
			r.handleBrokerFrame(frame)
		case <-r.quit:
			for c := range r.clients {
				c.conn.Close()
				close(c.send)
			}
			r.logger.Info("room closed")
			return
		case <-recheck.C:
			r.recheckRoles()
		case <-idle.C:
			if len(r.clients) == 0 && time.Since(r.emptySince) >= r.hub.opts.IdleTimeout {
				r.logger.Info("room idle, shutting down")
				r.hub.removeRoom(r.id)
				return
			}
		}
	}
}

func (r *room) handleJoin(jr joinRequest) {
	c := jr.c
	r.clients[c] = struct{}{}
	r.hub.metrics.Connections.Inc()

	c.sendEnvelope(inet.TypeWelcome, inet.Welcome{
		ActorID:     c.actor,
		DisplayName: c.name,
		Role:        string(c.role),
		Vector:      r.store.Vector(),
		Missing:     r.store.DeltasSince(jr.vector),
	})
	// Bring the newcomer up to date on who is already here.
	for _, rec := range r.cursors {
		c.sendEnvelope(inet.TypePresence, rec)
	}
	r.logger.Info("client joined", zap.String("actor", c.actor), zap.String("role", string(c.role)))
}

func (r *room) handleLeave(c *client) {
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		r.hub.metrics.Connections.Dec()
		delete(r.cursors, c.actor)
		r.broadcastEnvelope(inet.TypeLeave, inet.Leave{ActorID: c.actor}, c)
		r.logger.Info("client left", zap.String("actor", c.actor))
	}
	close(c.send)
	if len(r.clients) == 0 {
		r.emptySince = time.Now()
	}
}

func (r *room) handleInbound(c *client, env inet.Envelope) {
	switch env.Type {
	case inet.TypeDelta:
		if !c.role.CanEdit() {
			// The client-side gate is advisory only; the authority is here.
			r.hub.metrics.DeltasDropped.Inc()
			r.logger.Warn("dropping delta from read-only client", zap.String("actor", c.actor))
			return
		}
		d, err := state.DecodeDelta(env.Payload)
		if err != nil {
			r.hub.metrics.DeltasDropped.Inc()
			r.logger.Warn("dropping malformed delta", zap.String("actor", c.actor), zap.Error(err))
			return
		}
		r.store.ApplyRemote(d)
		r.hub.metrics.DeltasApplied.Inc()
		r.fanout(inet.TypeDelta, d, c)
	case inet.TypePresence:
		rec, err := inet.DecodePresence(env.Payload)
		if err != nil {
			r.logger.Warn("dropping malformed presence", zap.String("actor", c.actor), zap.Error(err))
			return
		}
		// Identity comes from the credential, not the payload.
		rec.ActorID = c.actor
		rec.Role = string(c.role)
		r.cursors[c.actor] = rec
		r.hub.metrics.PresenceMessages.Inc()
		r.fanout(inet.TypePresence, rec, c)
	default:
		r.logger.Warn("dropping frame with unexpected type",
			zap.String("actor", c.actor), zap.String("type", env.Type))
	}
}

// fanout sends to every other local client and, when a broker is
// configured, to the other hub instances.
func (r *room) fanout(msgType string, payload any, exclude *client) {
	data, err := inet.Encode(msgType, payload)
	if err != nil {
		r.logger.Error("encode failed", zap.Error(err))
		return
	}
	r.broadcastRaw(data, exclude)
	if r.hub.opts.Broker != nil {
		frame := Frame{Src: r.hub.instanceID, Data: data}
		if err := r.hub.opts.Broker.Publish(context.Background(), r.id, frame); err != nil {
			r.logger.Warn("broker publish failed", zap.Error(err))
		}
	}
}

func (r *room) handleBrokerFrame(frame Frame) {
	if frame.Src == r.hub.instanceID {
		return
	}
	env, err := inet.DecodeEnvelope(frame.Data)
	if err != nil {
		r.logger.Warn("dropping broker frame", zap.Error(err))
		return
	}
	if env.Type == inet.TypeDelta {
		d, err := state.DecodeDelta(env.Payload)
		if err != nil {
			r.logger.Warn("dropping malformed broker delta", zap.Error(err))
			return
		}
		r.store.ApplyRemote(d)
	}
	r.broadcastRaw(frame.Data, nil)
}

func (r *room) recheckRoles() {
	for c := range r.clients {
		role, err := r.hub.opts.Permissions.Role(context.Background(), r.id, c.actor)
		if err != nil {
			r.logger.Warn("role re-check failed", zap.String("actor", c.actor), zap.Error(err))
			continue
		}
		if role == auth.RoleNone && c.guest && r.hub.opts.AllowGuests {
			continue // guests keep their granted role
		}
		if role != c.role {
			c.role = role
			c.sendEnvelope(inet.TypeRole, inet.RoleChange{Role: string(role)})
			r.logger.Info("role updated", zap.String("actor", c.actor), zap.String("role", string(role)))
		}
	}
}

func (r *room) broadcastEnvelope(msgType string, payload any, exclude *client) {
	data, err := inet.Encode(msgType, payload)
	if err != nil {
		r.logger.Error("encode failed", zap.Error(err))
		return
	}
	r.broadcastRaw(data, exclude)
}

func (r *room) broadcastRaw(data []byte, exclude *client) {
	for c := range r.clients {
		if c != exclude {
			c.sendRaw(data)
		}
	}
}

func (r *room) persist() {
	if r.hub.opts.Snapshots == nil {
		return
	}
	full := r.store.DeltasSince(nil)
	if full.Empty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.hub.opts.Snapshots.Save(ctx, r.id, full); err != nil {
		r.logger.Warn("snapshot not saved", zap.Error(err))
	}
}
