package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "CONFMESH_LISTEN_ADDR"
	envVarLogFormat       = "CONFMESH_LOG_FORMAT"
	envVarLogLevel        = "CONFMESH_LOG_LEVEL"
	envVarShutdownTimeout = "CONFMESH_SHUTDOWN_TIMEOUT"

	// Room topology.
	envVarRooms           = "CONFMESH_ROOMS"
	envVarMaxUsers        = "MAX_USERS"
	envVarMaxScreenShares = "MAX_SCREEN_SHARES"

	// Media engine collaborator.
	envVarMediaEngineURL          = "MEDIA_ENGINE_URL"
	envVarMediaEngineTimeout      = "MEDIA_ENGINE_TIMEOUT"
	envVarMediaEngineProbeTimeout = "MEDIA_ENGINE_PROBE_TIMEOUT"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueLength      = "SIGNALING_SEND_QUEUE_LENGTH"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultMaxUsers        = 3
	DefaultMaxScreenShares = 2

	DefaultMediaEngineURL          = "http://127.0.0.1:9200"
	DefaultMediaEngineTimeout      = 10 * time.Second
	DefaultMediaEngineProbeTimeout = 30 * time.Second

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueLength      = 64
)

// DefaultRooms is the enumerated room set. Rooms are created lazily on first
// reference and live for the process lifetime.
var DefaultRooms = []string{"webcam1", "webcam2", "webcam3", "screen"}

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// RoomProfile carries the per-room presentation defaults handed to clients
// in the init snapshot.
type RoomProfile struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	DefaultName  string `json:"defaultName"`
	RequestVideo bool   `json:"requestVideo"`
	RequestAudio bool   `json:"requestAudio"`
}

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	Rooms           []string
	MaxUsers        int
	MaxScreenShares int

	MediaEngineURL          string
	MediaEngineTimeout      time.Duration
	MediaEngineProbeTimeout time.Duration

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueLength      int
}

// ProfileFor returns the room's presentation profile. Screen-share rooms
// default to audio-only capture; webcam rooms capture both.
func (c Config) ProfileFor(roomID string) RoomProfile {
	if p, ok := roomProfiles[roomID]; ok {
		return p
	}
	return RoomProfile{
		Title:        "Conference Room " + roomID,
		Description:  "Video conference room",
		DefaultName:  "Guest",
		RequestVideo: true,
		RequestAudio: true,
	}
}

var roomProfiles = map[string]RoomProfile{
	"webcam1": {Title: "Webcam Room 1", Description: "Video conference with camera and audio", DefaultName: "User1", RequestVideo: true, RequestAudio: true},
	"webcam2": {Title: "Webcam Room 2", Description: "Video conference with camera and audio", DefaultName: "User2", RequestVideo: true, RequestAudio: true},
	"webcam3": {Title: "Webcam Room 3", Description: "Video conference with camera and audio", DefaultName: "User3", RequestVideo: true, RequestAudio: true},
	"screen":  {Title: "Screen Share Room", Description: "Share your screen and presentations", DefaultName: "Presenter", RequestAudio: true},
}

// MediaCodecs is the codec catalogue the server advertises; it mirrors the
// set the media engine's router is created with.
func MediaCodecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: 90000,
			},
			PayloadType: 96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			},
			PayloadType: 102,
		},
	}
}

// Load parses configuration from the environment with flag overrides.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		ShutdownTimeout: DefaultShutdownTimeout,

		Rooms:           DefaultRooms,
		MaxUsers:        DefaultMaxUsers,
		MaxScreenShares: DefaultMaxScreenShares,

		MediaEngineURL:          envOrDefault(lookup, envVarMediaEngineURL, DefaultMediaEngineURL),
		MediaEngineTimeout:      DefaultMediaEngineTimeout,
		MediaEngineProbeTimeout: DefaultMediaEngineProbeTimeout,

		SignalingWSIdleTimeout:        DefaultSignalingWSIdleTimeout,
		SignalingWSPingInterval:       DefaultSignalingWSPingInterval,
		MaxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,
		SignalingSendQueueLength:      DefaultSignalingSendQueueLength,
	}

	var err error
	if cfg.LogFormat, err = parseLogFormat(envOrDefault(lookup, envVarLogFormat, string(LogFormatText))); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(envOrDefault(lookup, envVarLogLevel, "info")); err != nil {
		return Config{}, err
	}

	if raw, ok := lookup(envVarRooms); ok {
		if cfg.Rooms, err = parseRooms(raw); err != nil {
			return Config{}, err
		}
	}
	if cfg.MaxUsers, err = envIntOrDefault(lookup, envVarMaxUsers, cfg.MaxUsers); err != nil {
		return Config{}, err
	}
	if cfg.MaxScreenShares, err = envIntOrDefault(lookup, envVarMaxScreenShares, cfg.MaxScreenShares); err != nil {
		return Config{}, err
	}

	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MediaEngineTimeout, err = envDurationOrDefault(lookup, envVarMediaEngineTimeout, cfg.MediaEngineTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MediaEngineProbeTimeout, err = envDurationOrDefault(lookup, envVarMediaEngineProbeTimeout, cfg.MediaEngineProbeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SignalingWSIdleTimeout, err = envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, cfg.SignalingWSIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SignalingWSPingInterval, err = envDurationOrDefault(lookup, envVarSignalingWSPingInterval, cfg.SignalingWSPingInterval); err != nil {
		return Config{}, err
	}

	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok {
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || n <= 0 {
			return Config{}, fmt.Errorf("%s: invalid value %q", envVarMaxSignalingMessageBytes, raw)
		}
		cfg.MaxSignalingMessageBytes = n
	}
	if cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, cfg.MaxSignalingMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.SignalingSendQueueLength, err = envIntOrDefault(lookup, envVarSignalingSendQueueLength, cfg.SignalingSendQueueLength); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("confmesh-server", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.MediaEngineURL, "engine-url", cfg.MediaEngineURL, "media engine control API base URL")
	fs.IntVar(&cfg.MaxUsers, "max-users", cfg.MaxUsers, "participant capacity per room")
	fs.IntVar(&cfg.MaxScreenShares, "max-screen-shares", cfg.MaxScreenShares, "concurrent screen shares per room")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxUsers <= 0 {
		return fmt.Errorf("max users must be positive, got %d", c.MaxUsers)
	}
	if c.MaxScreenShares < 0 {
		return fmt.Errorf("max screen shares must be non-negative, got %d", c.MaxScreenShares)
	}
	if len(c.Rooms) == 0 {
		return fmt.Errorf("room set must not be empty")
	}
	seen := make(map[string]bool, len(c.Rooms))
	for _, id := range c.Rooms {
		if id == "" {
			return fmt.Errorf("room id must not be empty")
		}
		if seen[id] {
			return fmt.Errorf("duplicate room id %q", id)
		}
		seen[id] = true
	}
	if c.SignalingWSPingInterval >= c.SignalingWSIdleTimeout {
		return fmt.Errorf("ping interval %v must be shorter than idle timeout %v", c.SignalingWSPingInterval, c.SignalingWSIdleTimeout)
	}
	return nil
}

// NewLogger builds the process slog.Logger from the configured format/level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive", key)
	}
	return d, nil
}

func parseRooms(raw string) ([]string, error) {
	var rooms []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			rooms = append(rooms, id)
		}
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("%s: no room ids in %q", envVarRooms, raw)
	}
	return rooms, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(raw) {
	case "text":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("%s: unsupported log format %q", envVarLogFormat, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%s: unsupported log level %q", envVarLogLevel, raw)
	}
}
