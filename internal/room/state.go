package room

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrRoomFull is returned when a join would exceed the room's user
	// capacity, or when the user slot pool is exhausted (treated identically).
	ErrRoomFull = errors.New("room full")

	// ErrPresentationLimit is returned when a screen-share produce would
	// exceed the room's presentation capacity.
	ErrPresentationLimit = errors.New("presentation limit reached")

	// ErrUnknownRoom is returned for room ids outside the enumerated set.
	ErrUnknownRoom = errors.New("unknown room")
)

// MediaKind is the media type of a track ("audio" or "video").
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Source distinguishes camera-captured media from screen capture. Screen
// producers count against the presentation pool; camera producers do not.
type Source string

const (
	SourceCamera Source = "camera"
	SourceScreen Source = "screen"
)

// Direction tags a transport as sending media toward the engine or
// receiving media from it.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// User is the wire-visible view of a participant.
type User struct {
	SocketID     string `json:"socketId"`
	Name         string `json:"name"`
	UserIndex    int    `json:"userIndex"`
	VideoEnabled bool   `json:"videoEnabled"`
	AudioEnabled bool   `json:"audioEnabled"`
}

// Producer is the wire-visible view of an active media source. PeerName and
// UserIndex are joined live from the owning participant, never cached, so a
// rename is reflected immediately.
type Producer struct {
	ID                string    `json:"id"`
	SocketID          string    `json:"socketId"`
	Kind              MediaKind `json:"kind"`
	Source            Source    `json:"source"`
	PeerName          string    `json:"peerName"`
	IsScreen          bool      `json:"isScreen"`
	UserIndex         int       `json:"userIndex"`
	PresentationIndex *int      `json:"presentationIndex,omitempty"`
}

// Transport is a server-side transport handle owned by one connection.
type Transport struct {
	ID        string    `json:"id"`
	SocketID  string    `json:"socketId"`
	Direction Direction `json:"direction"`
}

// Status is the aggregate room-status payload broadcast to the room.
type Status struct {
	UserCount        int `json:"userCount"`
	MaxUsers         int `json:"maxUsers"`
	ScreenShareCount int `json:"screenShareCount"`
	MaxScreenShares  int `json:"maxScreenShares"`
}

// FullState is the room-state HTTP response: membership, producers and
// counters in one snapshot.
type FullState struct {
	Users     []User     `json:"users"`
	Producers []Producer `json:"producers"`
	IsFull    bool       `json:"isFull"`
	Status
}

// ScreenShare pairs a removed screen producer with the presentation index it
// held, so endings can be announced with the freed slot.
type ScreenShare struct {
	ProducerID        string
	PresentationIndex int
}

// Cleanup reports the resources removed by CleanupUser so the caller can
// close the corresponding engine handles and broadcast removals.
type Cleanup struct {
	Removed      bool
	User         User
	TransportIDs []string
	ProducerIDs  []string
	ScreenShares []ScreenShare
}

type participant struct {
	name         string
	userIndex    int
	videoEnabled bool
	audioEnabled bool
}

type producerRecord struct {
	socketID          string
	kind              MediaKind
	source            Source
	presentationIndex int // valid only when source == SourceScreen
}

type transportRecord struct {
	socketID  string
	direction Direction
}

// State is the authoritative per-room bookkeeping: participants, transports,
// producers and the two slot pools. All mutation is serialized behind one
// mutex; the check-capacity -> reserve-slot -> register sequence executes
// under a single lock acquisition, which is what makes joins and screen
// produces atomic with respect to each other.
type State struct {
	id              string
	maxUsers        int
	maxScreenShares int

	mu                sync.Mutex
	users             map[string]*participant
	transports        map[string]transportRecord
	producers         map[string]producerRecord
	userSlots         *SlotPool
	presentationSlots *SlotPool
}

func NewState(id string, maxUsers, maxScreenShares int) *State {
	return &State{
		id:                id,
		maxUsers:          maxUsers,
		maxScreenShares:   maxScreenShares,
		users:             make(map[string]*participant),
		transports:        make(map[string]transportRecord),
		producers:         make(map[string]producerRecord),
		userSlots:         NewSlotPool(maxUsers),
		presentationSlots: NewSlotPool(maxScreenShares),
	}
}

func (s *State) ID() string { return s.id }

// Join atomically checks capacity, reserves the lowest free user slot and
// registers the participant. Slot exhaustion is reported as ErrRoomFull.
func (s *State) Join(socketID, name string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.users) >= s.maxUsers {
		return User{}, ErrRoomFull
	}
	ix, ok := s.userSlots.Acquire()
	if !ok {
		return User{}, ErrRoomFull
	}
	s.users[socketID] = &participant{
		name:         name,
		userIndex:    ix,
		videoEnabled: true,
		audioEnabled: true,
	}
	return s.userLocked(socketID), nil
}

// SetName renames a participant. The second return value is false when the
// participant is unknown (already cleaned up).
func (s *State) SetName(socketID, name string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[socketID]
	if !ok {
		return User{}, false
	}
	p.name = name
	return s.userLocked(socketID), true
}

// SetVideo updates the participant's video flag.
func (s *State) SetVideo(socketID string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[socketID]
	if !ok {
		return false
	}
	p.videoEnabled = enabled
	return true
}

// SetAudio updates the participant's audio flag.
func (s *State) SetAudio(socketID string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[socketID]
	if !ok {
		return false
	}
	p.audioEnabled = enabled
	return true
}

// Member reports whether socketID is a registered participant.
func (s *State) Member(socketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[socketID]
	return ok
}

// AddTransport registers an engine transport handle under its owner.
func (s *State) AddTransport(id, socketID string, direction Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transports[id] = transportRecord{socketID: socketID, direction: direction}
}

// Transport looks up a transport handle by id.
func (s *State) Transport(id string) (Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.transports[id]
	if !ok {
		return Transport{}, false
	}
	return Transport{ID: id, SocketID: rec.socketID, Direction: rec.direction}, true
}

// ReservePresentation atomically checks presentation capacity and reserves
// the lowest free index. The caller must either commit the reservation via
// AddProducer or roll it back with CancelPresentation if the engine call
// fails. A rejection leaves the pool untouched.
func (s *State) ReservePresentation() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screenCountLocked() >= s.maxScreenShares {
		return 0, ErrPresentationLimit
	}
	ix, ok := s.presentationSlots.Acquire()
	if !ok {
		return 0, ErrPresentationLimit
	}
	return ix, nil
}

// CancelPresentation rolls back a reservation made by ReservePresentation.
func (s *State) CancelPresentation(ix int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presentationSlots.Release(ix)
}

// AddProducer registers a producer created by the engine. For screen
// producers presentationIndex must hold the index previously reserved via
// ReservePresentation; it is ignored for camera producers.
func (s *State) AddProducer(id, socketID string, kind MediaKind, source Source, presentationIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.producers[id] = producerRecord{
		socketID:          socketID,
		kind:              kind,
		source:            source,
		presentationIndex: presentationIndex,
	}
}

// HasProducer reports whether the producer id is active in this room.
func (s *State) HasProducer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.producers[id]
	return ok
}

// RemoveScreenShares removes every screen producer owned by socketID,
// releasing their presentation indices, and returns the removed shares
// ordered by presentation index.
func (s *State) RemoveScreenShares(socketID string) []ScreenShare {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeScreenSharesLocked(socketID)
}

func (s *State) removeScreenSharesLocked(socketID string) []ScreenShare {
	var removed []ScreenShare
	for id, rec := range s.producers {
		if rec.socketID != socketID || rec.source != SourceScreen {
			continue
		}
		s.presentationSlots.Release(rec.presentationIndex)
		delete(s.producers, id)
		removed = append(removed, ScreenShare{ProducerID: id, PresentationIndex: rec.presentationIndex})
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].PresentationIndex < removed[j].PresentationIndex })
	return removed
}

// CleanupUser removes the participant and everything it owns: user slot,
// transports, producers and held presentation slots. It is the sole removal
// path for both graceful leave and abrupt disconnect, and is idempotent:
// a second invocation observes no participant and removes nothing.
func (s *State) CleanupUser(socketID string) Cleanup {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Cleanup
	if p, ok := s.users[socketID]; ok {
		out.Removed = true
		out.User = User{
			SocketID:     socketID,
			Name:         p.name,
			UserIndex:    p.userIndex,
			VideoEnabled: p.videoEnabled,
			AudioEnabled: p.audioEnabled,
		}
		delete(s.users, socketID)
		s.userSlots.Release(p.userIndex)
	}

	out.ScreenShares = s.removeScreenSharesLocked(socketID)

	for id, rec := range s.producers {
		if rec.socketID != socketID {
			continue
		}
		delete(s.producers, id)
		out.ProducerIDs = append(out.ProducerIDs, id)
	}
	sort.Strings(out.ProducerIDs)
	for _, sh := range out.ScreenShares {
		out.ProducerIDs = append(out.ProducerIDs, sh.ProducerID)
	}

	for id, rec := range s.transports {
		if rec.socketID != socketID {
			continue
		}
		delete(s.transports, id)
		out.TransportIDs = append(out.TransportIDs, id)
	}
	sort.Strings(out.TransportIDs)

	return out
}

// Users returns the wire-visible membership, optionally excluding one
// connection, ordered by user index.
func (s *State) Users(exclude string) []User {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, 0, len(s.users))
	for id := range s.users {
		if id == exclude {
			continue
		}
		out = append(out, s.userLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserIndex < out[j].UserIndex })
	return out
}

// Producers joins producer records with their owning participants live and
// returns the result ordered by producer id.
func (s *State) Producers() []Producer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Producer, 0, len(s.producers))
	for id, rec := range s.producers {
		info := Producer{
			ID:       id,
			SocketID: rec.socketID,
			Kind:     rec.kind,
			Source:   rec.source,
			PeerName: "Unknown",
			IsScreen: rec.source == SourceScreen,
		}
		if p, ok := s.users[rec.socketID]; ok {
			info.PeerName = p.name
			info.UserIndex = p.userIndex
		}
		if info.IsScreen {
			ix := rec.presentationIndex
			info.PresentationIndex = &ix
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsFull reports whether membership has reached capacity.
func (s *State) IsFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users) >= s.maxUsers
}

// ScreenShareCount returns the number of active screen producers.
func (s *State) ScreenShareCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenCountLocked()
}

// Snapshot returns the aggregate counters for room-status broadcasts.
func (s *State) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		UserCount:        len(s.users),
		MaxUsers:         s.maxUsers,
		ScreenShareCount: s.screenCountLocked(),
		MaxScreenShares:  s.maxScreenShares,
	}
}

// Full returns the complete room-state view served over HTTP.
func (s *State) Full() FullState {
	return FullState{
		Users:     s.Users(""),
		Producers: s.Producers(),
		IsFull:    s.IsFull(),
		Status:    s.Snapshot(),
	}
}

// LogState writes a debug summary of the room's bookkeeping.
func (s *State) LogState(log *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Debug("room state",
		"room", s.id,
		"users", len(s.users),
		"max_users", s.maxUsers,
		"screen_shares", s.screenCountLocked(),
		"max_screen_shares", s.maxScreenShares,
		"transports", len(s.transports),
		"producers", len(s.producers),
	)
}

func (s *State) screenCountLocked() int {
	n := 0
	for _, rec := range s.producers {
		if rec.source == SourceScreen {
			n++
		}
	}
	return n
}

func (s *State) userLocked(socketID string) User {
	p := s.users[socketID]
	return User{
		SocketID:     socketID,
		Name:         p.name,
		UserIndex:    p.userIndex,
		VideoEnabled: p.videoEnabled,
		AudioEnabled: p.audioEnabled,
	}
}
