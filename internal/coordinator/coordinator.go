// Package coordinator drives one client session: the signaling connection,
// the negotiation device and the transports, plus the bookkeeping that keeps
// consumed producers in sync with room events. Producers announced before the
// device finishes loading are buffered and drained exactly once.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/confmesh/confmesh/internal/room"
	"github.com/confmesh/confmesh/internal/signaling"
)

var (
	// ErrRoomFull is returned by Connect when the room rejects the join and
	// the session is not configured to fall back to watching.
	ErrRoomFull = errors.New("room full")

	// ErrInvalidRoom is returned for room ids the server does not serve.
	ErrInvalidRoom = errors.New("invalid room")

	// ErrReceiveOnly is returned by Produce in a session without a send
	// transport.
	ErrReceiveOnly = errors.New("session is receive-only")
)

// Phase is the session lifecycle stage.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnected
	PhaseDeviceLoading
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnected:
		return "connected"
	case PhaseDeviceLoading:
		return "device-loading"
	case PhaseActive:
		return "active"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ConsumerView is one remote producer the session is consuming.
type ConsumerView struct {
	ConsumerID string
	Producer   room.Producer
}

// Snapshot is a point-in-time view of the session for rendering.
type Snapshot struct {
	Phase       Phase
	ReceiveOnly bool
	RoomID      string
	Self        room.User
	Users       []room.User
	Consumers   []ConsumerView
	Status      room.Status
}

// Options configures one session.
type Options struct {
	ServerURL string
	RoomID    string
	Name      string

	// WatchOnFull switches to a receive-only watcher session instead of
	// failing when the room rejects the join.
	WatchOnFull bool

	// WatchPollInterval is how often a watcher session refreshes the
	// producer list; watchers have no event stream.
	WatchPollInterval time.Duration

	RequestTimeout time.Duration
	Logger         *slog.Logger

	// OnEvent observes raw signaling events after internal handling.
	OnEvent func(Event)
}

type Coordinator struct {
	opts   Options
	log    *slog.Logger
	api    *ControlClient
	device *Device
	client *Client

	mu          sync.Mutex
	phase       Phase
	receiveOnly bool
	socketID    string
	self        room.User
	users       map[string]room.User
	status      room.Status
	consumers   map[string]ConsumerView // by producer id
	pending     []room.Producer
	drained     bool

	recvTransportID string
	sendTransportID string
}

func New(opts Options) (*Coordinator, error) {
	if opts.RoomID == "" {
		return nil, fmt.Errorf("room id required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.WatchPollInterval <= 0 {
		opts.WatchPollInterval = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	api, err := NewControlClient(opts.ServerURL, opts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		opts:      opts,
		log:       opts.Logger,
		api:       api,
		device:    &Device{},
		phase:     PhaseIdle,
		users:     make(map[string]room.User),
		consumers: make(map[string]ConsumerView),
	}, nil
}

// Connect joins the room and brings the session to the active phase: init
// received, device loaded, transports created, and every producer announced
// so far consumed.
func (co *Coordinator) Connect(ctx context.Context) error {
	client, err := DialSignaling(ctx, co.opts.ServerURL, co.opts.RoomID, co.opts.Name)
	if err != nil {
		return err
	}

	ev, err := co.awaitFirstEvent(ctx, client)
	if err != nil {
		client.Close()
		return err
	}

	switch ev.Event {
	case signaling.EventInit:
		var init signaling.InitData
		if err := json.Unmarshal(ev.Data, &init); err != nil {
			client.Close()
			return fmt.Errorf("decode init: %w", err)
		}
		co.client = client
		co.applyInit(init)
		return co.activate(ctx)

	case signaling.EventRoomFull:
		client.Close()
		if !co.opts.WatchOnFull {
			return ErrRoomFull
		}
		co.log.Info("room full, entering watch mode", "room", co.opts.RoomID)
		return co.activateWatcher(ctx)

	case signaling.EventInvalidRoom:
		client.Close()
		return fmt.Errorf("%w: %s", ErrInvalidRoom, co.opts.RoomID)

	default:
		client.Close()
		return fmt.Errorf("unexpected first event %q", ev.Event)
	}
}

func (co *Coordinator) awaitFirstEvent(ctx context.Context, client *Client) (Event, error) {
	select {
	case ev, ok := <-client.Events():
		if !ok {
			return Event{}, fmt.Errorf("signaling connection closed during join")
		}
		return ev, nil
	case <-time.After(co.opts.RequestTimeout):
		return Event{}, fmt.Errorf("timed out waiting for join response")
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (co *Coordinator) applyInit(init signaling.InitData) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.phase = PhaseConnected
	co.socketID = init.User.SocketID
	co.self = init.User
	co.status = init.Status
	for _, u := range init.Users {
		co.users[u.SocketID] = u
	}
	co.pending = append(co.pending, init.Producers...)
}

// activate loads the device and provisions transports, then drains the
// producers buffered since init. The drain happens exactly once; any
// producer announced afterwards is consumed directly.
func (co *Coordinator) activate(ctx context.Context) error {
	co.setPhase(PhaseDeviceLoading)

	caps, err := co.api.RouterCapabilities(ctx)
	if err != nil {
		return fmt.Errorf("fetch capabilities: %w", err)
	}
	if err := co.device.Load(caps); err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	recv, err := co.api.CreateTransport(ctx, co.opts.RoomID, co.socketID, string(room.DirectionRecv))
	if err != nil {
		return fmt.Errorf("create recv transport: %w", err)
	}
	if err := co.api.ConnectTransport(ctx, co.opts.RoomID, recv.ID, recv.DTLSParameters); err != nil {
		return fmt.Errorf("connect recv transport: %w", err)
	}

	co.mu.Lock()
	co.recvTransportID = recv.ID
	receiveOnly := co.receiveOnly
	co.mu.Unlock()

	if !receiveOnly {
		send, err := co.api.CreateTransport(ctx, co.opts.RoomID, co.socketID, string(room.DirectionSend))
		switch {
		case errors.Is(err, ErrCapacity):
			co.log.Warn("send transport refused, downgrading to receive-only", "room", co.opts.RoomID)
			co.mu.Lock()
			co.receiveOnly = true
			co.mu.Unlock()
		case err != nil:
			return fmt.Errorf("create send transport: %w", err)
		default:
			if err := co.api.ConnectTransport(ctx, co.opts.RoomID, send.ID, send.DTLSParameters); err != nil {
				return fmt.Errorf("connect send transport: %w", err)
			}
			co.mu.Lock()
			co.sendTransportID = send.ID
			co.mu.Unlock()
		}
	}

	co.setPhase(PhaseActive)
	co.drainPending(ctx)
	return nil
}

// activateWatcher builds a receive-only session without a signaling
// connection: a synthetic socket id, a recv transport, and the current
// producer list fetched over HTTP.
func (co *Coordinator) activateWatcher(ctx context.Context) error {
	co.mu.Lock()
	co.receiveOnly = true
	co.socketID = "viewer-" + uuid.NewString()
	co.mu.Unlock()

	full, err := co.api.RoomState(ctx, co.opts.RoomID)
	if err != nil {
		return fmt.Errorf("fetch room state: %w", err)
	}
	co.mu.Lock()
	co.status = full.Status
	for _, u := range full.Users {
		co.users[u.SocketID] = u
	}
	co.pending = append(co.pending, full.Producers...)
	co.mu.Unlock()

	return co.activate(ctx)
}

func (co *Coordinator) drainPending(ctx context.Context) {
	co.mu.Lock()
	if co.drained {
		co.mu.Unlock()
		return
	}
	co.drained = true
	pending := co.pending
	co.pending = nil
	co.mu.Unlock()

	for _, p := range pending {
		co.consume(ctx, p)
	}
}

// consume subscribes to one producer. Own producers and producers already
// consumed are skipped; a stale producer that disappeared server-side fails
// only this subscription.
func (co *Coordinator) consume(ctx context.Context, p room.Producer) {
	co.mu.Lock()
	if p.SocketID == co.socketID {
		co.mu.Unlock()
		return
	}
	if _, ok := co.consumers[p.ID]; ok {
		co.mu.Unlock()
		return
	}
	recvID := co.recvTransportID
	socketID := co.socketID
	co.mu.Unlock()

	desc, err := co.api.Consume(ctx, co.opts.RoomID, socketID, recvID, p.ID, co.device.RTPCapabilities())
	if err != nil {
		co.log.Warn("consume failed", "producer_id", p.ID, "err", err)
		return
	}

	co.mu.Lock()
	co.consumers[p.ID] = ConsumerView{ConsumerID: desc.ID, Producer: p}
	co.mu.Unlock()
	co.log.Info("consuming producer",
		"producer_id", p.ID, "consumer_id", desc.ID, "kind", p.Kind, "peer", p.PeerName, "screen", p.IsScreen)
}

// removeConsumer drops the consumer for a producer id. Removing an unknown
// id is a no-op; endings can race with cleanup.
func (co *Coordinator) removeConsumer(producerID string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	delete(co.consumers, producerID)
}

func (co *Coordinator) removeConsumersOf(socketID string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	for id, cv := range co.consumers {
		if cv.Producer.SocketID == socketID {
			delete(co.consumers, id)
		}
	}
}

// Run processes room events until the context ends or the connection drops.
// Watcher sessions have no event stream and instead refresh the producer
// list periodically.
func (co *Coordinator) Run(ctx context.Context) error {
	if co.client == nil {
		return co.runWatcher(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-co.client.Events():
			if !ok {
				return fmt.Errorf("signaling connection lost")
			}
			co.handleEvent(ctx, ev)
			if co.opts.OnEvent != nil {
				co.opts.OnEvent(ev)
			}
		}
	}
}

func (co *Coordinator) runWatcher(ctx context.Context) error {
	ticker := time.NewTicker(co.opts.WatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			co.mu.Lock()
			recvID := co.recvTransportID
			co.mu.Unlock()
			if recvID != "" {
				if err := co.api.TransportKeepalive(ctx, recvID); err != nil {
					co.log.Warn("transport keepalive failed", "transport_id", recvID, "err", err)
				}
			}

			full, err := co.api.RoomState(ctx, co.opts.RoomID)
			if err != nil {
				co.log.Warn("room state refresh failed", "err", err)
				continue
			}
			co.mu.Lock()
			co.status = full.Status
			co.users = make(map[string]room.User, len(full.Users))
			for _, u := range full.Users {
				co.users[u.SocketID] = u
			}
			live := make(map[string]bool, len(full.Producers))
			for _, p := range full.Producers {
				live[p.ID] = true
			}
			for id := range co.consumers {
				if !live[id] {
					delete(co.consumers, id)
				}
			}
			co.mu.Unlock()
			for _, p := range full.Producers {
				co.consume(ctx, p)
			}
		}
	}
}

func (co *Coordinator) handleEvent(ctx context.Context, ev Event) {
	switch ev.Event {
	case signaling.EventUserJoined, signaling.EventUserUpdated:
		var u room.User
		if json.Unmarshal(ev.Data, &u) == nil {
			co.mu.Lock()
			co.users[u.SocketID] = u
			co.mu.Unlock()
		}

	case signaling.EventUserLeft:
		var left signaling.UserLeftData
		if json.Unmarshal(ev.Data, &left) == nil {
			co.mu.Lock()
			delete(co.users, left.SocketID)
			co.mu.Unlock()
			co.removeConsumersOf(left.SocketID)
		}

	case signaling.EventUserVideoToggled, signaling.EventUserAudioToggled:
		var toggle signaling.ToggleData
		if json.Unmarshal(ev.Data, &toggle) != nil {
			return
		}
		co.mu.Lock()
		if u, ok := co.users[toggle.SocketID]; ok {
			if ev.Event == signaling.EventUserVideoToggled {
				u.VideoEnabled = toggle.Enabled
			} else {
				u.AudioEnabled = toggle.Enabled
			}
			co.users[toggle.SocketID] = u
		}
		co.mu.Unlock()

	case signaling.EventNewProducer, signaling.EventNewPresentation:
		var p room.Producer
		if json.Unmarshal(ev.Data, &p) != nil {
			return
		}
		co.mu.Lock()
		active := co.phase == PhaseActive && co.drained
		if !active {
			co.pending = append(co.pending, p)
		}
		co.mu.Unlock()
		if active {
			co.consume(ctx, p)
		}

	case signaling.EventPresentationEnded:
		var ended signaling.PresentationEndedData
		if json.Unmarshal(ev.Data, &ended) == nil {
			co.removeConsumer(ended.ProducerID)
		}

	case signaling.EventRoomStatus:
		var status room.Status
		if json.Unmarshal(ev.Data, &status) == nil {
			co.mu.Lock()
			co.status = status
			co.mu.Unlock()
		}

	case signaling.EventMediaServerError:
		var e signaling.ErrorData
		_ = json.Unmarshal(ev.Data, &e)
		co.log.Warn("media server error", "message", e.Message)
	}
}

// Produce publishes one outbound track over the send transport.
func (co *Coordinator) Produce(ctx context.Context, kind room.MediaKind, source room.Source, rtpParameters json.RawMessage) (string, error) {
	co.mu.Lock()
	sendID := co.sendTransportID
	socketID := co.socketID
	receiveOnly := co.receiveOnly
	co.mu.Unlock()

	if receiveOnly || sendID == "" {
		return "", ErrReceiveOnly
	}
	return co.api.Produce(ctx, co.opts.RoomID, socketID, sendID, string(kind), string(source), rtpParameters)
}

// SetName renames the session's participant. The server announces the rename
// to the rest of the room only, so the local view updates here.
func (co *Coordinator) SetName(name string) error {
	if err := co.send(signaling.ClientCommand{Action: signaling.ActionSetName, Name: name}); err != nil {
		return err
	}
	co.mu.Lock()
	co.self.Name = name
	co.mu.Unlock()
	return nil
}

func (co *Coordinator) ToggleVideo(enabled bool) error {
	return co.send(signaling.ClientCommand{Action: signaling.ActionToggleVideo, Enabled: &enabled})
}

func (co *Coordinator) ToggleAudio(enabled bool) error {
	return co.send(signaling.ClientCommand{Action: signaling.ActionToggleAudio, Enabled: &enabled})
}

func (co *Coordinator) StopScreenShare() error {
	return co.send(signaling.ClientCommand{Action: signaling.ActionStopScreenShare})
}

func (co *Coordinator) send(cmd signaling.ClientCommand) error {
	if co.client == nil {
		return ErrReceiveOnly
	}
	return co.client.Send(cmd)
}

func (co *Coordinator) setPhase(p Phase) {
	co.mu.Lock()
	co.phase = p
	co.mu.Unlock()
}

func (co *Coordinator) Phase() Phase {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.phase
}

// Snapshot returns a copy of the session state for rendering.
func (co *Coordinator) Snapshot() Snapshot {
	co.mu.Lock()
	defer co.mu.Unlock()

	users := make([]room.User, 0, len(co.users))
	for _, u := range co.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserIndex < users[j].UserIndex })

	consumers := make([]ConsumerView, 0, len(co.consumers))
	for _, cv := range co.consumers {
		consumers = append(consumers, cv)
	}
	sort.Slice(consumers, func(i, j int) bool { return consumers[i].Producer.ID < consumers[j].Producer.ID })
	return Snapshot{
		Phase:       co.phase,
		ReceiveOnly: co.receiveOnly,
		RoomID:      co.opts.RoomID,
		Self:        co.self,
		Users:       users,
		Consumers:   consumers,
		Status:      co.status,
	}
}

// Close tears the session down.
func (co *Coordinator) Close() error {
	if co.client != nil {
		return co.client.Close()
	}
	return nil
}
