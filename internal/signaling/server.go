package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/confmesh/confmesh/internal/config"
	"github.com/confmesh/confmesh/internal/mediaengine"
	"github.com/confmesh/confmesh/internal/metrics"
	"github.com/confmesh/confmesh/internal/room"
)

const (
	wsWriteWait = 1 * time.Second

	// engineCleanupTimeout bounds the best-effort engine teardown that runs
	// after a connection is already gone.
	engineCleanupTimeout = 5 * time.Second

	// watcherTransportTTL bounds how long a non-member transport survives
	// without a keepalive. Watcher sessions refresh once per poll cycle.
	watcherTransportTTL = 30 * time.Second
)

// Server owns the signaling surface: the per-room WebSocket hub plus the
// HTTP control API in http.go. Room bookkeeping stays in room.State; this
// layer translates state transitions into broadcasts and engine calls.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	rooms   *room.Registry
	engine  mediaengine.Engine
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]map[string]*peer // room id -> socket id -> peer

	// watchers tracks transports owned by connections that were never
	// admitted; they have no disconnect path and expire instead.
	watcherMu  sync.Mutex
	watcherTTL time.Duration
	watchers   map[string]time.Time // transport id -> last keepalive
}

func NewServer(cfg config.Config, logger *slog.Logger, rooms *room.Registry, engine mediaengine.Engine, m *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		log:     logger,
		rooms:   rooms,
		engine:  engine,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:      make(map[string]map[string]*peer),
		watcherTTL: watcherTransportTTL,
		watchers:   make(map[string]time.Time),
	}
}

// RegisterRoutes attaches the WebSocket endpoint and the HTTP control API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	s.registerHTTPRoutes(mux)
}

type peer struct {
	socketID string
	roomID   string
	conn     *websocket.Conn

	// mu guards closed so that concurrent broadcasters never send on a
	// closed channel.
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue hands an encoded event to the write pump. A peer that cannot keep
// up with broadcasts is disconnected rather than blocking the room.
func (p *peer) enqueue(payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- payload:
		return true
	default:
		p.closeLocked()
		return false
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *peer) closeLocked() {
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	name := r.URL.Query().Get("name")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if !s.rooms.Valid(roomID) {
		s.metrics.Inc(metrics.EventJoinInvalidRoom)
		rejectConn(conn, ServerEvent{Event: EventInvalidRoom, Data: RoomRefData{RoomID: roomID}})
		return
	}
	st, err := s.rooms.Get(roomID)
	if err != nil {
		rejectConn(conn, ServerEvent{Event: EventInvalidRoom, Data: RoomRefData{RoomID: roomID}})
		return
	}

	profile := s.cfg.ProfileFor(roomID)
	if name == "" {
		name = profile.DefaultName
	}

	socketID := uuid.NewString()
	user, err := st.Join(socketID, name)
	if err != nil {
		s.metrics.Inc(metrics.EventJoinRoomFull)
		rejectConn(conn, ServerEvent{Event: EventRoomFull, Data: RoomRefData{RoomID: roomID}})
		return
	}
	s.metrics.Inc(metrics.EventJoinAccepted)

	p := &peer{
		socketID: socketID,
		roomID:   roomID,
		conn:     conn,
		send:     make(chan []byte, s.cfg.SignalingSendQueueLength),
	}
	s.register(p)
	defer s.disconnect(p, st)

	go s.writePump(p)

	s.sendTo(p, ServerEvent{Event: EventInit, Data: InitData{
		RoomID:    roomID,
		Profile:   profile,
		User:      user,
		Users:     st.Users(socketID),
		Producers: st.Producers(),
		Status:    st.Snapshot(),
	}})
	s.broadcast(roomID, socketID, ServerEvent{Event: EventUserJoined, Data: user})
	s.broadcast(roomID, "", ServerEvent{Event: EventRoomStatus, Data: st.Snapshot()})

	s.log.Info("peer joined",
		"room", roomID,
		"socket_id", socketID,
		"user_index", user.UserIndex,
		"remote_addr", r.RemoteAddr,
	)

	s.readPump(p, st)
}

func (s *Server) readPump(p *peer, st *room.State) {
	conn := p.conn
	conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	})

	limiter := newRateLimiter(s.cfg.MaxSignalingMessagesPerSecond)

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow(time.Now()) {
			s.metrics.Inc(metrics.EventRateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := io.ReadAll(msgReader)
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))

		cmd, err := ParseClientCommand(msg)
		if err != nil {
			writeClose(conn, websocket.CloseUnsupportedData, "invalid command")
			return
		}
		s.handleCommand(p, st, cmd)
	}
}

func (s *Server) handleCommand(p *peer, st *room.State, cmd ClientCommand) {
	switch cmd.Action {
	case ActionSetName:
		user, ok := st.SetName(p.socketID, cmd.Name)
		if !ok {
			return
		}
		s.broadcast(p.roomID, p.socketID, ServerEvent{Event: EventUserUpdated, Data: user})
		s.broadcast(p.roomID, "", ServerEvent{Event: EventRoomStatus, Data: st.Snapshot()})

	case ActionToggleVideo:
		if !st.SetVideo(p.socketID, *cmd.Enabled) {
			return
		}
		s.broadcast(p.roomID, p.socketID, ServerEvent{Event: EventUserVideoToggled, Data: ToggleData{
			SocketID: p.socketID,
			Enabled:  *cmd.Enabled,
		}})

	case ActionToggleAudio:
		if !st.SetAudio(p.socketID, *cmd.Enabled) {
			return
		}
		s.broadcast(p.roomID, p.socketID, ServerEvent{Event: EventUserAudioToggled, Data: ToggleData{
			SocketID: p.socketID,
			Enabled:  *cmd.Enabled,
		}})

	case ActionStopScreenShare:
		shares := st.RemoveScreenShares(p.socketID)
		s.endScreenShares(p.roomID, p.socketID, shares)
		if len(shares) > 0 {
			s.broadcast(p.roomID, "", ServerEvent{Event: EventRoomStatus, Data: st.Snapshot()})
		}
	}
}

// endScreenShares closes the given screen producers on the engine and
// announces each ending. Shares arrive ordered by presentation index from
// room.State, so the announcement order is deterministic.
func (s *Server) endScreenShares(roomID, socketID string, shares []room.ScreenShare) {
	if len(shares) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), engineCleanupTimeout)
	defer cancel()

	for _, sh := range shares {
		if err := s.engine.CloseProducer(ctx, sh.ProducerID); err != nil && !errors.Is(err, mediaengine.ErrNotFound) {
			s.log.Warn("close screen producer", "room", roomID, "producer_id", sh.ProducerID, "err", err)
		}
		s.broadcast(roomID, "", ServerEvent{Event: EventPresentationEnded, Data: PresentationEndedData{
			ProducerID:        sh.ProducerID,
			SocketID:          socketID,
			PresentationIndex: sh.PresentationIndex,
		}})
	}
}

// disconnect is the single teardown path for both graceful leave and abrupt
// drop. Ordering matters to clients: user-left first, then one
// presentation-ended per screen producer, then the final room-status.
func (s *Server) disconnect(p *peer, st *room.State) {
	s.unregister(p)
	p.close()

	cl := st.CleanupUser(p.socketID)
	if !cl.Removed {
		return
	}
	s.metrics.Inc(metrics.EventDisconnect)

	ctx, cancel := context.WithTimeout(context.Background(), engineCleanupTimeout)
	defer cancel()
	for _, id := range cl.ProducerIDs {
		if err := s.engine.CloseProducer(ctx, id); err != nil && !errors.Is(err, mediaengine.ErrNotFound) {
			s.log.Warn("close producer", "room", p.roomID, "producer_id", id, "err", err)
		}
	}
	for _, id := range cl.TransportIDs {
		if err := s.engine.CloseTransport(ctx, id); err != nil && !errors.Is(err, mediaengine.ErrNotFound) {
			s.log.Warn("close transport", "room", p.roomID, "transport_id", id, "err", err)
		}
	}

	s.broadcast(p.roomID, "", ServerEvent{Event: EventUserLeft, Data: UserLeftData{
		SocketID:  p.socketID,
		UserIndex: cl.User.UserIndex,
	}})
	for _, sh := range cl.ScreenShares {
		s.broadcast(p.roomID, "", ServerEvent{Event: EventPresentationEnded, Data: PresentationEndedData{
			ProducerID:        sh.ProducerID,
			SocketID:          p.socketID,
			PresentationIndex: sh.PresentationIndex,
		}})
	}
	s.broadcast(p.roomID, "", ServerEvent{Event: EventRoomStatus, Data: st.Snapshot()})

	s.log.Info("peer left", "room", p.roomID, "socket_id", p.socketID, "user_index", cl.User.UserIndex)
	st.LogState(s.log)
}

func (s *Server) writePump(p *peer) {
	ticker := time.NewTicker(s.cfg.SignalingWSPingInterval)
	defer ticker.Stop()
	defer p.conn.Close()

	for {
		select {
		case payload, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) register(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRoom, ok := s.peers[p.roomID]
	if !ok {
		byRoom = make(map[string]*peer)
		s.peers[p.roomID] = byRoom
	}
	byRoom[p.socketID] = p
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byRoom, ok := s.peers[p.roomID]; ok {
		delete(byRoom, p.socketID)
		if len(byRoom) == 0 {
			delete(s.peers, p.roomID)
		}
	}
}

// broadcast encodes the event once and fans it out to every peer in the
// room, optionally excluding one connection.
func (s *Server) broadcast(roomID, exclude string, ev ServerEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("encode event", "event", ev.Event, "err", err)
		return
	}

	s.mu.Lock()
	targets := make([]*peer, 0, len(s.peers[roomID]))
	for id, p := range s.peers[roomID] {
		if id == exclude {
			continue
		}
		targets = append(targets, p)
	}
	s.mu.Unlock()

	for _, p := range targets {
		if !p.enqueue(payload) {
			s.metrics.Inc(metrics.EventSignalingDropped)
			s.log.Warn("peer send queue full, dropping connection",
				"room", roomID, "socket_id", p.socketID, "event", ev.Event)
		}
	}
}

func (s *Server) sendTo(p *peer, ev ServerEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("encode event", "event", ev.Event, "err", err)
		return
	}
	if !p.enqueue(payload) {
		s.metrics.Inc(metrics.EventSignalingDropped)
	}
}

// peerFor resolves the live connection for a socket id, for events addressed
// to a single participant from the HTTP surface.
func (s *Server) peerFor(roomID, socketID string) (*peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[roomID][socketID]
	return p, ok
}

// trackWatcherTransport registers a transport owned by a connection that was
// never admitted. Admitted peers get cleaned up on disconnect; these expire
// unless the owner keeps them alive.
func (s *Server) trackWatcherTransport(id string) {
	s.watcherMu.Lock()
	s.watchers[id] = time.Now()
	s.watcherMu.Unlock()
}

// touchWatcherTransport refreshes the transport's expiry and reports whether
// it is still tracked.
func (s *Server) touchWatcherTransport(id string) bool {
	s.watcherMu.Lock()
	defer s.watcherMu.Unlock()
	if _, ok := s.watchers[id]; !ok {
		return false
	}
	s.watchers[id] = time.Now()
	return true
}

// sweepWatcherTransports drops expired watcher transports and releases their
// engine handles in the background.
func (s *Server) sweepWatcherTransports(now time.Time) {
	s.watcherMu.Lock()
	var expired []string
	for id, seen := range s.watchers {
		if now.Sub(seen) > s.watcherTTL {
			expired = append(expired, id)
			delete(s.watchers, id)
		}
	}
	s.watcherMu.Unlock()
	if len(expired) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), engineCleanupTimeout)
		defer cancel()
		for _, id := range expired {
			if err := s.engine.CloseTransport(ctx, id); err != nil && !errors.Is(err, mediaengine.ErrNotFound) {
				s.log.Warn("close watcher transport", "transport_id", id, "err", err)
				continue
			}
			s.log.Info("watcher transport expired", "transport_id", id)
		}
	}()
}

// rejectConn delivers a final event on a connection that was never admitted,
// then closes with a policy violation. The event goes out synchronously;
// there is no write pump for rejected connections.
func rejectConn(conn *websocket.Conn, ev ServerEvent) {
	payload, err := json.Marshal(ev)
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
	writeClose(conn, websocket.ClosePolicyViolation, ev.Event)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

type rateLimiter struct {
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

func newRateLimiter(messagesPerSecond int) *rateLimiter {
	rate := float64(messagesPerSecond)
	return &rateLimiter{
		rate:     rate,
		capacity: rate,
		tokens:   rate,
		last:     time.Now(),
	}
}

func (rl *rateLimiter) Allow(now time.Time) bool {
	elapsed := now.Sub(rl.last).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}
	rl.last = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
