package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/confmesh/confmesh/internal/httpserver"
	"github.com/confmesh/confmesh/internal/mediaengine"
	"github.com/confmesh/confmesh/internal/metrics"
	"github.com/confmesh/confmesh/internal/room"
)

// HTTP control API. Transport negotiation runs over plain request/response
// because every operation is client-initiated; the WebSocket carries only
// server-pushed room events.
//
//	GET  /router-rtp-capabilities
//	POST /create-transport
//	POST /connect-transport
//	POST /produce
//	POST /consume
//	POST /transport-keepalive
//	GET  /room-state/{roomID}
//	GET  /all-rooms-state
//	GET  /producers/{roomID}
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /router-rtp-capabilities", s.requireEngine(s.handleCapabilities))
	mux.HandleFunc("POST /create-transport", s.requireEngine(s.handleCreateTransport))
	mux.HandleFunc("POST /connect-transport", s.requireEngine(s.handleConnectTransport))
	mux.HandleFunc("POST /produce", s.requireEngine(s.handleProduce))
	mux.HandleFunc("POST /consume", s.requireEngine(s.handleConsume))
	mux.HandleFunc("POST /transport-keepalive", s.handleTransportKeepalive)
	mux.HandleFunc("GET /room-state/{roomID}", s.handleRoomState)
	mux.HandleFunc("GET /all-rooms-state", s.handleAllRoomsState)
	mux.HandleFunc("GET /producers/{roomID}", s.handleProducers)
}

// requireEngine rejects media-plane requests uniformly until the engine
// probe has completed.
func (s *Server) requireEngine(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.engine.Ready() {
			httpserver.WriteError(w, http.StatusServiceUnavailable, "media engine not ready")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.engine.Capabilities(r.Context())
	if err != nil {
		s.engineFailure(w, "", "", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"rtpCapabilities": caps})
}

type createTransportRequest struct {
	RoomID    string `json:"roomId"`
	SocketID  string `json:"socketId"`
	Direction string `json:"direction"`
}

func (s *Server) handleCreateTransport(w http.ResponseWriter, r *http.Request) {
	var req createTransportRequest
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	dir := room.Direction(req.Direction)
	if dir != room.DirectionSend && dir != room.DirectionRecv {
		httpserver.WriteError(w, http.StatusBadRequest, "direction must be send or recv")
		return
	}

	st, err := s.rooms.Get(req.RoomID)
	if err != nil {
		httpserver.WriteError(w, http.StatusNotFound, "unknown room")
		return
	}

	// Send transports are reserved for admitted participants. Receive
	// transports are allowed for non-members so a client bounced by a full
	// room can still watch; this is the receive-only downgrade path.
	if dir == room.DirectionSend && !st.Member(req.SocketID) {
		if st.IsFull() {
			httpserver.WriteError(w, http.StatusForbidden, "room full")
			return
		}
		httpserver.WriteError(w, http.StatusForbidden, "not a participant")
		return
	}

	desc, err := s.engine.CreateTransport(r.Context(), mediaengine.TransportRequest{Direction: req.Direction})
	if err != nil {
		s.engineFailure(w, req.RoomID, req.SocketID, err)
		return
	}
	if st.Member(req.SocketID) {
		st.AddTransport(desc.ID, req.SocketID, dir)
	} else {
		// Non-member transports never see CleanupUser; they live in the
		// watcher table and expire without keepalives.
		s.sweepWatcherTransports(time.Now())
		s.trackWatcherTransport(desc.ID)
	}

	httpserver.WriteJSON(w, http.StatusOK, desc)
}

type connectTransportRequest struct {
	RoomID         string          `json:"roomId"`
	TransportID    string          `json:"transportId"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

func (s *Server) handleConnectTransport(w http.ResponseWriter, r *http.Request) {
	var req connectTransportRequest
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := s.rooms.Get(req.RoomID)
	if err != nil {
		httpserver.WriteError(w, http.StatusNotFound, "unknown room")
		return
	}
	if _, ok := st.Transport(req.TransportID); !ok && !s.touchWatcherTransport(req.TransportID) {
		httpserver.WriteError(w, http.StatusNotFound, "unknown transport")
		return
	}

	if err := s.engine.ConnectTransport(r.Context(), req.TransportID, req.DTLSParameters); err != nil {
		s.engineFailure(w, req.RoomID, "", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"connected": true})
}

type produceRequest struct {
	RoomID        string          `json:"roomId"`
	SocketID      string          `json:"socketId"`
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	Source        string          `json:"source"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

func (s *Server) handleProduce(w http.ResponseWriter, r *http.Request) {
	var req produceRequest
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind := room.MediaKind(req.Kind)
	if kind != room.KindAudio && kind != room.KindVideo {
		httpserver.WriteError(w, http.StatusBadRequest, "kind must be audio or video")
		return
	}
	source := room.Source(req.Source)
	if source == "" {
		source = room.SourceCamera
	}
	if source != room.SourceCamera && source != room.SourceScreen {
		httpserver.WriteError(w, http.StatusBadRequest, "source must be camera or screen")
		return
	}

	st, err := s.rooms.Get(req.RoomID)
	if err != nil {
		httpserver.WriteError(w, http.StatusNotFound, "unknown room")
		return
	}
	if !st.Member(req.SocketID) {
		httpserver.WriteError(w, http.StatusForbidden, "not a participant")
		return
	}
	tr, ok := st.Transport(req.TransportID)
	if !ok || tr.SocketID != req.SocketID || tr.Direction != room.DirectionSend {
		httpserver.WriteError(w, http.StatusNotFound, "unknown transport")
		return
	}

	// Screen shares hold a presentation slot. The slot is reserved before
	// the engine call and rolled back if it fails, so a failed produce never
	// leaks capacity.
	presentationIndex := 0
	if source == room.SourceScreen {
		presentationIndex, err = st.ReservePresentation()
		if err != nil {
			s.metrics.Inc(metrics.EventProduceScreenLimit)
			httpserver.WriteError(w, http.StatusForbidden, "screen share limit reached")
			return
		}
	}

	producerID, err := s.engine.Produce(r.Context(), mediaengine.ProduceRequest{
		TransportID:   req.TransportID,
		Kind:          req.Kind,
		RTPParameters: req.RTPParameters,
	})
	if err != nil {
		if source == room.SourceScreen {
			st.CancelPresentation(presentationIndex)
		}
		s.engineFailure(w, req.RoomID, req.SocketID, err)
		return
	}
	st.AddProducer(producerID, req.SocketID, kind, source, presentationIndex)

	var announced room.Producer
	for _, p := range st.Producers() {
		if p.ID == producerID {
			announced = p
			break
		}
	}

	if source == room.SourceScreen {
		s.metrics.Inc(metrics.EventProduceScreen)
		// A presentation is announced to the whole room, presenter included:
		// the presenter renders their own share like everyone else.
		s.broadcast(req.RoomID, "", ServerEvent{Event: EventNewPresentation, Data: announced})
		s.broadcast(req.RoomID, "", ServerEvent{Event: EventRoomStatus, Data: st.Snapshot()})
	} else {
		s.metrics.Inc(metrics.EventProduceCamera)
		s.broadcast(req.RoomID, req.SocketID, ServerEvent{Event: EventNewProducer, Data: announced})
	}

	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"id": producerID})
}

type consumeRequest struct {
	RoomID          string          `json:"roomId"`
	SocketID        string          `json:"socketId"`
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := s.rooms.Get(req.RoomID)
	if err != nil {
		httpserver.WriteError(w, http.StatusNotFound, "unknown room")
		return
	}
	if !st.HasProducer(req.ProducerID) {
		httpserver.WriteError(w, http.StatusNotFound, "unknown producer")
		return
	}
	if _, ok := st.Transport(req.TransportID); !ok && !s.touchWatcherTransport(req.TransportID) {
		httpserver.WriteError(w, http.StatusNotFound, "unknown transport")
		return
	}

	ok, err := s.engine.CanConsume(r.Context(), req.ProducerID, req.RTPCapabilities)
	if err != nil {
		s.engineFailure(w, req.RoomID, req.SocketID, err)
		return
	}
	if !ok {
		httpserver.WriteError(w, http.StatusBadRequest, "cannot consume producer with given capabilities")
		return
	}

	desc, err := s.engine.Consume(r.Context(), mediaengine.ConsumeRequest{
		TransportID:     req.TransportID,
		ProducerID:      req.ProducerID,
		RTPCapabilities: req.RTPCapabilities,
	})
	if err != nil {
		s.engineFailure(w, req.RoomID, req.SocketID, err)
		return
	}
	s.metrics.Inc(metrics.EventConsume)

	httpserver.WriteJSON(w, http.StatusOK, desc)
}

type keepaliveRequest struct {
	TransportID string `json:"transportId"`
}

// handleTransportKeepalive refreshes a watcher transport's expiry. A 404
// means the transport already expired; the owner must create a new one.
func (s *Server) handleTransportKeepalive(w http.ResponseWriter, r *http.Request) {
	var req keepaliveRequest
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sweepWatcherTransports(time.Now())
	if !s.touchWatcherTransport(req.TransportID) {
		httpserver.WriteError(w, http.StatusNotFound, "unknown transport")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"active": true})
}

func (s *Server) handleRoomState(w http.ResponseWriter, r *http.Request) {
	st, err := s.rooms.Get(r.PathValue("roomID"))
	if err != nil {
		httpserver.WriteError(w, http.StatusNotFound, "unknown room")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, st.Full())
}

func (s *Server) handleAllRoomsState(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]room.FullState)
	for _, id := range s.rooms.IDs() {
		st, err := s.rooms.Get(id)
		if err != nil {
			continue
		}
		out[id] = st.Full()
	}
	httpserver.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleProducers(w http.ResponseWriter, r *http.Request) {
	st, err := s.rooms.Get(r.PathValue("roomID"))
	if err != nil {
		httpserver.WriteError(w, http.StatusNotFound, "unknown room")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"producers": st.Producers()})
}

// engineFailure maps an engine error to the HTTP response and, when the
// failing request belongs to a connected participant, pushes a
// media-server-error event so the client surfaces it immediately.
func (s *Server) engineFailure(w http.ResponseWriter, roomID, socketID string, err error) {
	switch {
	case errors.Is(err, mediaengine.ErrNotReady):
		httpserver.WriteError(w, http.StatusServiceUnavailable, "media engine not ready")
		return
	case errors.Is(err, mediaengine.ErrNotFound):
		httpserver.WriteError(w, http.StatusNotFound, "stale media engine handle")
		return
	}

	s.metrics.Inc(metrics.EventEngineError)
	s.log.Error("media engine request failed", "room", roomID, "socket_id", socketID, "err", err)
	if roomID != "" && socketID != "" {
		if p, ok := s.peerFor(roomID, socketID); ok {
			s.sendTo(p, ServerEvent{Event: EventMediaServerError, Data: ErrorData{Message: "media server error"}})
		}
	}
	httpserver.WriteError(w, http.StatusBadGateway, "media server error")
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}
