package coordinator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Device is the client-side negotiation device. It is loaded once from the
// capabilities the server advertises; until then every consume request is
// buffered by the coordinator.
type Device struct {
	loaded atomic.Bool

	api  *webrtc.API
	caps json.RawMessage
}

type wireCodec struct {
	MimeType             string `json:"mimeType"`
	ClockRate            uint32 `json:"clockRate"`
	Channels             uint16 `json:"channels"`
	PreferredPayloadType uint8  `json:"preferredPayloadType"`
	SDPFmtpLine          string `json:"sdpFmtpLine"`
}

type wireCapabilities struct {
	Codecs []wireCodec `json:"codecs"`
}

// Load parses the advertised capabilities and builds the pion API with the
// matching codec set registered. Loading twice is a no-op.
func (d *Device) Load(caps json.RawMessage) error {
	if d.loaded.Load() {
		return nil
	}

	var parsed wireCapabilities
	if err := json.Unmarshal(caps, &parsed); err != nil {
		return fmt.Errorf("parse capabilities: %w", err)
	}
	if len(parsed.Codecs) == 0 {
		return fmt.Errorf("capabilities advertise no codecs")
	}

	me := &webrtc.MediaEngine{}
	for _, c := range parsed.Codecs {
		var kind webrtc.RTPCodecType
		switch {
		case strings.HasPrefix(c.MimeType, "audio/"):
			kind = webrtc.RTPCodecTypeAudio
		case strings.HasPrefix(c.MimeType, "video/"):
			kind = webrtc.RTPCodecTypeVideo
		default:
			return fmt.Errorf("codec %q: unsupported mime type", c.MimeType)
		}
		err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    c.MimeType,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				SDPFmtpLine: c.SDPFmtpLine,
			},
			PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
		}, kind)
		if err != nil {
			return fmt.Errorf("register codec %q: %w", c.MimeType, err)
		}
	}

	se := webrtc.SettingEngine{LoggerFactory: logging.NewDefaultLoggerFactory()}
	d.api = webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))
	d.caps = caps
	d.loaded.Store(true)
	return nil
}

func (d *Device) Loaded() bool { return d.loaded.Load() }

// RTPCapabilities echoes the capabilities the device was loaded with; they
// accompany every consume request.
func (d *Device) RTPCapabilities() json.RawMessage { return d.caps }

// API returns the configured pion API, nil before Load.
func (d *Device) API() *webrtc.API { return d.api }
