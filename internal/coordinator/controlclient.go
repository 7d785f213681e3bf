package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/confmesh/confmesh/internal/mediaengine"
	"github.com/confmesh/confmesh/internal/room"
)

// ErrCapacity marks a control-API refusal caused by room capacity. It is the
// trigger for the receive-only downgrade.
var ErrCapacity = errors.New("room at capacity")

// ControlClient talks to the server's HTTP control API on behalf of one
// session. It mirrors the request shapes the server decodes; parameter blobs
// stay opaque end to end.
type ControlClient struct {
	base   *url.URL
	client *http.Client
}

func NewControlClient(baseURL string, timeout time.Duration) (*ControlClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: unsupported scheme", baseURL)
	}
	return &ControlClient{
		base:   u,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (c *ControlClient) RouterCapabilities(ctx context.Context) (json.RawMessage, error) {
	var resp struct {
		RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := c.do(ctx, http.MethodGet, "/router-rtp-capabilities", nil, &resp); err != nil {
		return nil, err
	}
	return resp.RTPCapabilities, nil
}

func (c *ControlClient) CreateTransport(ctx context.Context, roomID, socketID, direction string) (mediaengine.TransportDescriptor, error) {
	body := map[string]string{
		"roomId":    roomID,
		"socketId":  socketID,
		"direction": direction,
	}
	var desc mediaengine.TransportDescriptor
	if err := c.do(ctx, http.MethodPost, "/create-transport", body, &desc); err != nil {
		return mediaengine.TransportDescriptor{}, err
	}
	return desc, nil
}

func (c *ControlClient) ConnectTransport(ctx context.Context, roomID, transportID string, dtlsParameters json.RawMessage) error {
	body := map[string]any{
		"roomId":         roomID,
		"transportId":    transportID,
		"dtlsParameters": dtlsParameters,
	}
	return c.do(ctx, http.MethodPost, "/connect-transport", body, nil)
}

func (c *ControlClient) Produce(ctx context.Context, roomID, socketID, transportID, kind, source string, rtpParameters json.RawMessage) (string, error) {
	body := map[string]any{
		"roomId":        roomID,
		"socketId":      socketID,
		"transportId":   transportID,
		"kind":          kind,
		"source":        source,
		"rtpParameters": rtpParameters,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/produce", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *ControlClient) Consume(ctx context.Context, roomID, socketID, transportID, producerID string, rtpCapabilities json.RawMessage) (mediaengine.ConsumerDescriptor, error) {
	body := map[string]any{
		"roomId":          roomID,
		"socketId":        socketID,
		"transportId":     transportID,
		"producerId":      producerID,
		"rtpCapabilities": rtpCapabilities,
	}
	var desc mediaengine.ConsumerDescriptor
	if err := c.do(ctx, http.MethodPost, "/consume", body, &desc); err != nil {
		return mediaengine.ConsumerDescriptor{}, err
	}
	return desc, nil
}

// TransportKeepalive refreshes the server-side expiry of a transport created
// outside an admitted session. A 404 means the transport already expired.
func (c *ControlClient) TransportKeepalive(ctx context.Context, transportID string) error {
	body := map[string]string{"transportId": transportID}
	return c.do(ctx, http.MethodPost, "/transport-keepalive", body, nil)
}

func (c *ControlClient) RoomState(ctx context.Context, roomID string) (room.FullState, error) {
	var out room.FullState
	if err := c.do(ctx, http.MethodGet, "/room-state/"+url.PathEscape(roomID), nil, &out); err != nil {
		return room.FullState{}, err
	}
	return out, nil
}

func (c *ControlClient) AllRoomsState(ctx context.Context) (map[string]room.FullState, error) {
	var out map[string]room.FullState
	if err := c.do(ctx, http.MethodGet, "/all-rooms-state", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ControlClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		msg := readErrorMessage(resp.Body)
		if strings.Contains(msg, "full") || strings.Contains(msg, "limit") {
			return fmt.Errorf("%w: %s", ErrCapacity, msg)
		}
		return fmt.Errorf("%s %s: forbidden: %s", method, path, msg)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, readErrorMessage(resp.Body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	var envelope struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(r, 512))
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(raw))
}
