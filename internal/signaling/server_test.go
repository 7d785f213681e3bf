package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/confmesh/confmesh/internal/config"
	"github.com/confmesh/confmesh/internal/mediaengine"
	"github.com/confmesh/confmesh/internal/metrics"
	"github.com/confmesh/confmesh/internal/room"
)

// fakeEngine is an in-memory Engine with programmable failures.
type fakeEngine struct {
	mu           sync.Mutex
	ready        bool
	nextID       int
	produceErr   error
	canConsume   bool
	closedProds  []string
	closedTrans  []string
	producedKind []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{ready: true, canConsume: true}
}

func (f *fakeEngine) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeEngine) Capabilities(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"codecs":["opus","vp8"]}`), nil
}

func (f *fakeEngine) CreateTransport(ctx context.Context, req mediaengine.TransportRequest) (mediaengine.TransportDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return mediaengine.TransportDescriptor{
		ID:             fmt.Sprintf("tr-%d", f.nextID),
		ICEParameters:  json.RawMessage(`{}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{}`),
	}, nil
}

func (f *fakeEngine) ConnectTransport(ctx context.Context, transportID string, dtls json.RawMessage) error {
	return nil
}

func (f *fakeEngine) Produce(ctx context.Context, req mediaengine.ProduceRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.produceErr != nil {
		return "", f.produceErr
	}
	f.nextID++
	f.producedKind = append(f.producedKind, req.Kind)
	return fmt.Sprintf("prod-%d", f.nextID), nil
}

func (f *fakeEngine) Consume(ctx context.Context, req mediaengine.ConsumeRequest) (mediaengine.ConsumerDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return mediaengine.ConsumerDescriptor{
		ID:            fmt.Sprintf("cons-%d", f.nextID),
		ProducerID:    req.ProducerID,
		Kind:          "video",
		RTPParameters: json.RawMessage(`{}`),
	}, nil
}

func (f *fakeEngine) CanConsume(ctx context.Context, producerID string, caps json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canConsume, nil
}

func (f *fakeEngine) CloseTransport(ctx context.Context, transportID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedTrans = append(f.closedTrans, transportID)
	return nil
}

func (f *fakeEngine) CloseProducer(ctx context.Context, producerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedProds = append(f.closedProds, producerID)
	return nil
}

func testCfg() config.Config {
	return config.Config{
		Rooms:           []string{"webcam1", "screen"},
		MaxUsers:        3,
		MaxScreenShares: 2,

		SignalingWSIdleTimeout:        10 * time.Second,
		SignalingWSPingInterval:       3 * time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 100,
		SignalingSendQueueLength:      64,
	}
}

type testEnv struct {
	srv    *httptest.Server
	sig    *Server
	engine *fakeEngine
	rooms  *room.Registry
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := newFakeEngine()
	rooms := room.NewRegistry(cfg.Rooms, cfg.MaxUsers, cfg.MaxScreenShares)
	sig := NewServer(cfg, log, rooms, engine, metrics.New())

	mux := http.NewServeMux()
	sig.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, sig: sig, engine: engine, rooms: rooms}
}

func (e *testEnv) dial(t *testing.T, roomID, name string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?room=" + roomID
	if name != "" {
		wsURL += "&name=" + name
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev wireEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

// readUntil drains events until the named one arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) wireEvent {
	t.Helper()
	for i := 0; i < 20; i++ {
		ev := readEvent(t, conn)
		if ev.Event == event {
			return ev
		}
	}
	t.Fatalf("event %q never arrived", event)
	return wireEvent{}
}

func initOf(t *testing.T, conn *websocket.Conn) InitData {
	t.Helper()
	ev := readEvent(t, conn)
	if ev.Event != EventInit {
		t.Fatalf("first event = %q, want init", ev.Event)
	}
	var data InitData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	return data
}

func postJSON(t *testing.T, baseURL, path string, body any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

// setupSendTransport joins nothing; it provisions a send transport for an
// already-admitted socket id.
func (e *testEnv) setupSendTransport(t *testing.T, roomID, socketID string) string {
	t.Helper()
	resp, body := postJSON(t, e.srv.URL, "/create-transport", map[string]any{
		"roomId":    roomID,
		"socketId":  socketID,
		"direction": "send",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create-transport: status %d: %s", resp.StatusCode, body)
	}
	var desc mediaengine.TransportDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		t.Fatalf("decode transport: %v", err)
	}
	return desc.ID
}

func TestWS_JoinInitAndUserJoinedBroadcast(t *testing.T) {
	env := newTestEnv(t, testCfg())

	connA := env.dial(t, "webcam1", "Alice")
	initA := initOf(t, connA)
	if initA.User.Name != "Alice" || initA.User.UserIndex != 0 {
		t.Fatalf("unexpected init user: %+v", initA.User)
	}
	if len(initA.Users) != 0 || initA.Status.UserCount != 1 {
		t.Fatalf("unexpected init snapshot: %+v", initA)
	}
	// Own join must produce a room-status but never a user-joined echo.
	if ev := readEvent(t, connA); ev.Event != EventRoomStatus {
		t.Fatalf("after init got %q, want room-status", ev.Event)
	}

	connB := env.dial(t, "webcam1", "Bob")
	initB := initOf(t, connB)
	if len(initB.Users) != 1 || initB.Users[0].Name != "Alice" {
		t.Fatalf("second init must list existing users: %+v", initB.Users)
	}

	ev := readEvent(t, connA)
	if ev.Event != EventUserJoined {
		t.Fatalf("got %q, want user-joined", ev.Event)
	}
	var joined room.User
	if err := json.Unmarshal(ev.Data, &joined); err != nil {
		t.Fatalf("decode user-joined: %v", err)
	}
	if joined.Name != "Bob" || joined.SocketID != initB.User.SocketID {
		t.Fatalf("unexpected user-joined payload: %+v", joined)
	}

	status := readUntil(t, connA, EventRoomStatus)
	var snap room.Status
	if err := json.Unmarshal(status.Data, &snap); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if snap.UserCount != 2 {
		t.Fatalf("status userCount=%d, want 2", snap.UserCount)
	}
}

func TestWS_RoomFullAndInvalidRoomRejections(t *testing.T) {
	cfg := testCfg()
	cfg.MaxUsers = 1
	env := newTestEnv(t, cfg)

	connA := env.dial(t, "webcam1", "Alice")
	initOf(t, connA)

	connB := env.dial(t, "webcam1", "Bob")
	if ev := readEvent(t, connB); ev.Event != EventRoomFull {
		t.Fatalf("got %q, want room-full", ev.Event)
	}
	_ = connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Fatalf("expected close after room-full")
	}

	connC := env.dial(t, "lobby", "Carol")
	if ev := readEvent(t, connC); ev.Event != EventInvalidRoom {
		t.Fatalf("got %q, want invalid-room", ev.Event)
	}
}

func TestWS_SetNameAndToggles(t *testing.T) {
	env := newTestEnv(t, testCfg())

	connA := env.dial(t, "webcam1", "Alice")
	initOf(t, connA)
	connB := env.dial(t, "webcam1", "Bob")
	initB := initOf(t, connB)

	// Drain both connections to a known point: A still holds its own join
	// status plus Bob's join events, B holds the status from its own join.
	readUntil(t, connA, EventUserJoined)
	readUntil(t, connA, EventRoomStatus)
	readUntil(t, connB, EventRoomStatus)

	if err := connB.WriteJSON(ClientCommand{Action: ActionSetName, Name: "Robert"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The rename reaches the rest of the room as user-updated followed by a
	// refreshed room-status.
	ev := readEvent(t, connA)
	if ev.Event != EventUserUpdated {
		t.Fatalf("got %q, want user-updated", ev.Event)
	}
	var updated room.User
	if err := json.Unmarshal(ev.Data, &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Name != "Robert" || updated.SocketID != initB.User.SocketID {
		t.Fatalf("unexpected user-updated: %+v", updated)
	}
	if ev := readEvent(t, connA); ev.Event != EventRoomStatus {
		t.Fatalf("after user-updated got %q, want room-status", ev.Event)
	}

	// The renaming peer gets the room-status but never its own
	// user-updated echo.
	if ev := readEvent(t, connB); ev.Event != EventRoomStatus {
		t.Fatalf("sender got %q, want room-status only", ev.Event)
	}

	enabled := false
	payload, _ := json.Marshal(map[string]any{"action": ActionToggleVideo, "enabled": enabled})
	if err := connB.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev = readEvent(t, connA)
	if ev.Event != EventUserVideoToggled {
		t.Fatalf("got %q, want user-video-toggled", ev.Event)
	}
	var toggle ToggleData
	if err := json.Unmarshal(ev.Data, &toggle); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if toggle.SocketID != initB.User.SocketID || toggle.Enabled {
		t.Fatalf("unexpected toggle: %+v", toggle)
	}
}

func TestWS_MalformedCommandClosesConnection(t *testing.T) {
	env := newTestEnv(t, testCfg())
	conn := env.dial(t, "webcam1", "Alice")
	initOf(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"rm -rf"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestHTTP_ProduceScreenBroadcastAndLimit(t *testing.T) {
	env := newTestEnv(t, testCfg())

	connA := env.dial(t, "screen", "Alice")
	initA := initOf(t, connA)
	connB := env.dial(t, "screen", "Bob")
	initB := initOf(t, connB)

	trA := env.setupSendTransport(t, "screen", initA.User.SocketID)

	resp, body := postJSON(t, env.srv.URL, "/produce", map[string]any{
		"roomId":        "screen",
		"socketId":      initA.User.SocketID,
		"transportId":   trA,
		"kind":          "video",
		"source":        "screen",
		"rtpParameters": map[string]any{},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("produce: status %d: %s", resp.StatusCode, body)
	}

	// Presentations are announced to everyone, the presenter included.
	evA := readUntil(t, connA, EventNewPresentation)
	evB := readUntil(t, connB, EventNewPresentation)
	var prodA, prodB room.Producer
	if err := json.Unmarshal(evA.Data, &prodA); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal(evB.Data, &prodB); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if prodA.ID != prodB.ID || !prodA.IsScreen || prodA.PresentationIndex == nil || *prodA.PresentationIndex != 0 {
		t.Fatalf("unexpected presentation: %+v / %+v", prodA, prodB)
	}

	// Fill the second slot from Bob, then verify the third is rejected
	// without consuming capacity.
	trB := env.setupSendTransport(t, "screen", initB.User.SocketID)
	resp, body = postJSON(t, env.srv.URL, "/produce", map[string]any{
		"roomId":        "screen",
		"socketId":      initB.User.SocketID,
		"transportId":   trB,
		"kind":          "video",
		"source":        "screen",
		"rtpParameters": map[string]any{},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second produce: status %d: %s", resp.StatusCode, body)
	}

	resp, _ = postJSON(t, env.srv.URL, "/produce", map[string]any{
		"roomId":        "screen",
		"socketId":      initB.User.SocketID,
		"transportId":   trB,
		"kind":          "video",
		"source":        "screen",
		"rtpParameters": map[string]any{},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("third screen produce: status %d, want 403", resp.StatusCode)
	}

	st, err := env.rooms.Get("screen")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if st.ScreenShareCount() != 2 {
		t.Fatalf("rejection mutated screen count: %d", st.ScreenShareCount())
	}
}

func TestHTTP_ProduceEngineFailureRollsBackSlot(t *testing.T) {
	env := newTestEnv(t, testCfg())

	conn := env.dial(t, "screen", "Alice")
	init := initOf(t, conn)
	tr := env.setupSendTransport(t, "screen", init.User.SocketID)

	env.engine.mu.Lock()
	env.engine.produceErr = fmt.Errorf("router died")
	env.engine.mu.Unlock()

	resp, _ := postJSON(t, env.srv.URL, "/produce", map[string]any{
		"roomId":        "screen",
		"socketId":      init.User.SocketID,
		"transportId":   tr,
		"kind":          "video",
		"source":        "screen",
		"rtpParameters": map[string]any{},
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d, want 502", resp.StatusCode)
	}
	if ev := readUntil(t, conn, EventMediaServerError); ev.Event != EventMediaServerError {
		t.Fatalf("expected media-server-error event")
	}

	// The reserved slot must be free again.
	env.engine.mu.Lock()
	env.engine.produceErr = nil
	env.engine.mu.Unlock()

	resp, _ = postJSON(t, env.srv.URL, "/produce", map[string]any{
		"roomId":        "screen",
		"socketId":      init.User.SocketID,
		"transportId":   tr,
		"kind":          "video",
		"source":        "screen",
		"rtpParameters": map[string]any{},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("produce after rollback: status %d", resp.StatusCode)
	}
	ev := readUntil(t, conn, EventNewPresentation)
	var prod room.Producer
	if err := json.Unmarshal(ev.Data, &prod); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if prod.PresentationIndex == nil || *prod.PresentationIndex != 0 {
		t.Fatalf("rollback did not free index 0: %+v", prod)
	}
}

func TestHTTP_CameraProducerExcludesSender(t *testing.T) {
	env := newTestEnv(t, testCfg())

	connA := env.dial(t, "webcam1", "Alice")
	initA := initOf(t, connA)
	connB := env.dial(t, "webcam1", "Bob")
	initOf(t, connB)

	tr := env.setupSendTransport(t, "webcam1", initA.User.SocketID)
	resp, _ := postJSON(t, env.srv.URL, "/produce", map[string]any{
		"roomId":        "webcam1",
		"socketId":      initA.User.SocketID,
		"transportId":   tr,
		"kind":          "video",
		"rtpParameters": map[string]any{},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("produce: status %d", resp.StatusCode)
	}

	ev := readUntil(t, connB, EventNewProducer)
	var prod room.Producer
	if err := json.Unmarshal(ev.Data, &prod); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if prod.SocketID != initA.User.SocketID || prod.IsScreen {
		t.Fatalf("unexpected producer: %+v", prod)
	}

	// The sender must not receive its own camera announcement. Trigger a
	// later broadcast and verify it is the next thing Alice sees.
	if err := connB.WriteJSON(ClientCommand{Action: ActionSetName, Name: "Bobby"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 20; i++ {
		got := readEvent(t, connA)
		if got.Event == EventNewProducer {
			t.Fatalf("sender received its own new-producer")
		}
		if got.Event == EventUserUpdated {
			return
		}
	}
	t.Fatalf("user-updated never arrived")
}

func TestWS_DisconnectOrderingWithScreenShare(t *testing.T) {
	env := newTestEnv(t, testCfg())

	connA := env.dial(t, "screen", "Alice")
	initOf(t, connA)
	connB := env.dial(t, "screen", "Bob")
	initB := initOf(t, connB)

	tr := env.setupSendTransport(t, "screen", initB.User.SocketID)
	resp, _ := postJSON(t, env.srv.URL, "/produce", map[string]any{
		"roomId":        "screen",
		"socketId":      initB.User.SocketID,
		"transportId":   tr,
		"kind":          "video",
		"source":        "screen",
		"rtpParameters": map[string]any{},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("produce: status %d", resp.StatusCode)
	}
	readUntil(t, connA, EventNewPresentation)

	connB.Close()

	// Removal ordering: user-left, then presentation-ended, then the final
	// room-status.
	left := readUntil(t, connA, EventUserLeft)
	var leftData UserLeftData
	if err := json.Unmarshal(left.Data, &leftData); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if leftData.SocketID != initB.User.SocketID {
		t.Fatalf("unexpected user-left: %+v", leftData)
	}

	ended := readEvent(t, connA)
	if ended.Event != EventPresentationEnded {
		t.Fatalf("after user-left got %q, want presentation-ended", ended.Event)
	}
	var endedData PresentationEndedData
	if err := json.Unmarshal(ended.Data, &endedData); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if endedData.SocketID != initB.User.SocketID || endedData.PresentationIndex != 0 {
		t.Fatalf("unexpected presentation-ended: %+v", endedData)
	}

	status := readEvent(t, connA)
	if status.Event != EventRoomStatus {
		t.Fatalf("after presentation-ended got %q, want room-status", status.Event)
	}
	var snap room.Status
	if err := json.Unmarshal(status.Data, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.UserCount != 1 || snap.ScreenShareCount != 0 {
		t.Fatalf("final status: %+v", snap)
	}

	// Engine-side handles must be released.
	deadline := time.Now().Add(2 * time.Second)
	for {
		env.engine.mu.Lock()
		prods, trans := len(env.engine.closedProds), len(env.engine.closedTrans)
		env.engine.mu.Unlock()
		if prods == 1 && trans == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("engine handles not closed: producers=%d transports=%d", prods, trans)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHTTP_CreateTransportCapacityAndConsumePaths(t *testing.T) {
	cfg := testCfg()
	cfg.MaxUsers = 1
	env := newTestEnv(t, cfg)

	conn := env.dial(t, "webcam1", "Alice")
	init := initOf(t, conn)

	// A non-member asking for a send transport in a full room gets the
	// capacity refusal; a recv transport is still granted.
	resp, _ := postJSON(t, env.srv.URL, "/create-transport", map[string]any{
		"roomId":    "webcam1",
		"socketId":  "outsider",
		"direction": "send",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("send transport for outsider: status %d, want 403", resp.StatusCode)
	}
	resp, _ = postJSON(t, env.srv.URL, "/create-transport", map[string]any{
		"roomId":    "webcam1",
		"socketId":  "outsider",
		"direction": "recv",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recv transport for outsider: status %d, want 200", resp.StatusCode)
	}

	stateResp, err := http.Get(env.srv.URL + "/room-state/webcam1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var fullRoom room.FullState
	if err := json.NewDecoder(stateResp.Body).Decode(&fullRoom); err != nil {
		t.Fatalf("decode: %v", err)
	}
	stateResp.Body.Close()
	if !fullRoom.IsFull {
		t.Fatalf("room at capacity must report isFull: %+v", fullRoom)
	}

	tr := env.setupSendTransport(t, "webcam1", init.User.SocketID)
	resp, body := postJSON(t, env.srv.URL, "/produce", map[string]any{
		"roomId":        "webcam1",
		"socketId":      init.User.SocketID,
		"transportId":   tr,
		"kind":          "video",
		"rtpParameters": map[string]any{},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("produce: status %d", resp.StatusCode)
	}
	var produced struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &produced); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, _ = postJSON(t, env.srv.URL, "/consume", map[string]any{
		"roomId":          "webcam1",
		"socketId":        "outsider",
		"transportId":     tr,
		"producerId":      "ghost",
		"rtpCapabilities": map[string]any{},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("consume unknown producer: status %d, want 404", resp.StatusCode)
	}

	env.engine.mu.Lock()
	env.engine.canConsume = false
	env.engine.mu.Unlock()
	resp, _ = postJSON(t, env.srv.URL, "/consume", map[string]any{
		"roomId":          "webcam1",
		"socketId":        "outsider",
		"transportId":     tr,
		"producerId":      produced.ID,
		"rtpCapabilities": map[string]any{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("incompatible consume: status %d, want 400", resp.StatusCode)
	}

	env.engine.mu.Lock()
	env.engine.canConsume = true
	env.engine.mu.Unlock()
	resp, body = postJSON(t, env.srv.URL, "/consume", map[string]any{
		"roomId":          "webcam1",
		"socketId":        "outsider",
		"transportId":     tr,
		"producerId":      produced.ID,
		"rtpCapabilities": map[string]any{},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("consume: status %d: %s", resp.StatusCode, body)
	}
	var desc mediaengine.ConsumerDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		t.Fatalf("decode consumer: %v", err)
	}
	if desc.ProducerID != produced.ID {
		t.Fatalf("consumer references %q, want %q", desc.ProducerID, produced.ID)
	}
}

func TestHTTP_WatcherTransportExpiry(t *testing.T) {
	env := newTestEnv(t, testCfg())
	env.sig.watcherTTL = 50 * time.Millisecond

	resp, body := postJSON(t, env.srv.URL, "/create-transport", map[string]any{
		"roomId":    "webcam1",
		"socketId":  "viewer-1",
		"direction": "recv",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recv transport: status %d: %s", resp.StatusCode, body)
	}
	var desc mediaengine.TransportDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		t.Fatalf("decode transport: %v", err)
	}

	// Keepalives within the TTL keep the transport usable.
	resp, _ = postJSON(t, env.srv.URL, "/transport-keepalive", map[string]any{
		"transportId": desc.ID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("keepalive: status %d, want 200", resp.StatusCode)
	}

	// Once the owner stops refreshing, the next sweep drops the transport
	// and releases the engine handle.
	time.Sleep(100 * time.Millisecond)
	resp, _ = postJSON(t, env.srv.URL, "/transport-keepalive", map[string]any{
		"transportId": desc.ID,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expired keepalive: status %d, want 404", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		env.engine.mu.Lock()
		closed := len(env.engine.closedTrans) == 1 && env.engine.closedTrans[0] == desc.ID
		env.engine.mu.Unlock()
		if closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher transport never closed engine-side")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHTTP_EngineGateAndStateEndpoints(t *testing.T) {
	env := newTestEnv(t, testCfg())

	env.engine.mu.Lock()
	env.engine.ready = false
	env.engine.mu.Unlock()

	resp, err := http.Get(env.srv.URL + "/router-rtp-capabilities")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("capabilities while unready: status %d, want 503", resp.StatusCode)
	}

	// State endpoints stay available regardless of engine readiness.
	conn := env.dial(t, "webcam1", "Alice")
	initOf(t, conn)

	resp, err = http.Get(env.srv.URL + "/room-state/webcam1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var full room.FullState
	if err := json.NewDecoder(resp.Body).Decode(&full); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if full.UserCount != 1 || len(full.Users) != 1 {
		t.Fatalf("room-state: %+v", full)
	}

	resp, err = http.Get(env.srv.URL + "/all-rooms-state")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var all map[string]room.FullState
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(all) != 2 || all["webcam1"].UserCount != 1 {
		t.Fatalf("all-rooms-state: %+v", all)
	}

	resp, err = http.Get(env.srv.URL + "/room-state/lobby")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown room state: status %d, want 404", resp.StatusCode)
	}
}
