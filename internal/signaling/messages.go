package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/confmesh/confmesh/internal/config"
	"github.com/confmesh/confmesh/internal/room"
)

// Server -> client event names.
const (
	EventInit              = "init"
	EventUserJoined        = "user-joined"
	EventUserUpdated       = "user-updated"
	EventUserLeft          = "user-left"
	EventUserVideoToggled  = "user-video-toggled"
	EventUserAudioToggled  = "user-audio-toggled"
	EventNewProducer       = "new-producer"
	EventNewPresentation   = "new-presentation"
	EventPresentationEnded = "presentation-ended"
	EventRoomStatus        = "room-status"
	EventRoomFull          = "room-full"
	EventInvalidRoom       = "invalid-room"
	EventMediaServerError  = "media-server-error"
)

// Client -> server command names.
const (
	ActionSetName         = "set-name"
	ActionToggleVideo     = "toggle-video"
	ActionToggleAudio     = "toggle-audio"
	ActionStopScreenShare = "stop-screen-share"
)

// ServerEvent is the envelope for every server-to-client message.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// InitData is the first event after admission: the admitted user's own view
// plus everything already in the room.
type InitData struct {
	RoomID    string             `json:"roomId"`
	Profile   config.RoomProfile `json:"profile"`
	User      room.User          `json:"user"`
	Users     []room.User        `json:"users"`
	Producers []room.Producer    `json:"producers"`
	Status    room.Status        `json:"status"`
}

// UserLeftData identifies a departed participant. The index is included so
// clients can free layout slots without a membership lookup.
type UserLeftData struct {
	SocketID  string `json:"socketId"`
	UserIndex int    `json:"userIndex"`
}

type ToggleData struct {
	SocketID string `json:"socketId"`
	Enabled  bool   `json:"enabled"`
}

type PresentationEndedData struct {
	ProducerID        string `json:"producerId"`
	SocketID          string `json:"socketId"`
	PresentationIndex int    `json:"presentationIndex"`
}

type RoomRefData struct {
	RoomID string `json:"roomId"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// ClientCommand is the envelope for every client-to-server message.
type ClientCommand struct {
	Action  string `json:"action"`
	Name    string `json:"name,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// ParseClientCommand decodes and validates one inbound command. Unknown
// fields and trailing data are rejected outright; a malformed command is a
// protocol violation, not a recoverable request error.
func ParseClientCommand(data []byte) (ClientCommand, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cmd ClientCommand
	if err := dec.Decode(&cmd); err != nil {
		return ClientCommand{}, err
	}
	if err := cmd.validate(); err != nil {
		return ClientCommand{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientCommand{}, fmt.Errorf("unexpected trailing data")
	}
	return cmd, nil
}

func (c ClientCommand) validate() error {
	switch c.Action {
	case ActionSetName:
		if c.Name == "" {
			return fmt.Errorf("set-name command missing name")
		}
		if c.Enabled != nil {
			return fmt.Errorf("set-name command has unexpected fields")
		}
	case ActionToggleVideo, ActionToggleAudio:
		if c.Enabled == nil {
			return fmt.Errorf("%s command missing enabled", c.Action)
		}
		if c.Name != "" {
			return fmt.Errorf("%s command has unexpected fields", c.Action)
		}
	case ActionStopScreenShare:
		if c.Name != "" || c.Enabled != nil {
			return fmt.Errorf("stop-screen-share command has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported command %q", c.Action)
	}
	return nil
}
