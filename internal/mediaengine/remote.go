package mediaengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Remote talks to the engine's HTTP control API:
//
//	GET    /capabilities
//	POST   /transports                      -> TransportDescriptor
//	POST   /transports/{id}/connect
//	POST   /transports/{id}/producers      -> {"id": producerId}
//	POST   /transports/{id}/consumers      -> ConsumerDescriptor
//	POST   /can-consume                    -> {"canConsume": bool}
//	DELETE /transports/{id}
//	DELETE /producers/{id}
//
// Readiness is established once by Probe and remembered; the engine resets
// together with this process by deployment contract, so there is no
// un-ready transition at steady state.
type Remote struct {
	base   *url.URL
	client *http.Client

	ready atomic.Bool
}

func NewRemote(baseURL string, timeout time.Duration) (*Remote, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse media engine url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("media engine url %q: unsupported scheme", baseURL)
	}
	return &Remote{
		base:   u,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (r *Remote) Ready() bool { return r.ready.Load() }

// Probe fetches the engine capabilities once and flips readiness on success.
func (r *Remote) Probe(ctx context.Context) error {
	if _, err := r.capabilities(ctx); err != nil {
		return err
	}
	r.ready.Store(true)
	return nil
}

func (r *Remote) Capabilities(ctx context.Context) (json.RawMessage, error) {
	if !r.Ready() {
		return nil, ErrNotReady
	}
	return r.capabilities(ctx)
}

func (r *Remote) capabilities(ctx context.Context) (json.RawMessage, error) {
	var caps json.RawMessage
	if err := r.do(ctx, http.MethodGet, "/capabilities", nil, &caps); err != nil {
		return nil, err
	}
	return caps, nil
}

func (r *Remote) CreateTransport(ctx context.Context, req TransportRequest) (TransportDescriptor, error) {
	if !r.Ready() {
		return TransportDescriptor{}, ErrNotReady
	}
	var desc TransportDescriptor
	if err := r.do(ctx, http.MethodPost, "/transports", req, &desc); err != nil {
		return TransportDescriptor{}, err
	}
	return desc, nil
}

func (r *Remote) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	if !r.Ready() {
		return ErrNotReady
	}
	body := struct {
		DTLSParameters json.RawMessage `json:"dtlsParameters"`
	}{DTLSParameters: dtlsParameters}
	return r.do(ctx, http.MethodPost, "/transports/"+url.PathEscape(transportID)+"/connect", body, nil)
}

func (r *Remote) Produce(ctx context.Context, req ProduceRequest) (string, error) {
	if !r.Ready() {
		return "", ErrNotReady
	}
	body := struct {
		Kind          string          `json:"kind"`
		RTPParameters json.RawMessage `json:"rtpParameters"`
	}{Kind: req.Kind, RTPParameters: req.RTPParameters}

	var resp struct {
		ID string `json:"id"`
	}
	path := "/transports/" + url.PathEscape(req.TransportID) + "/producers"
	if err := r.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *Remote) Consume(ctx context.Context, req ConsumeRequest) (ConsumerDescriptor, error) {
	if !r.Ready() {
		return ConsumerDescriptor{}, ErrNotReady
	}
	body := struct {
		ProducerID      string          `json:"producerId"`
		RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
	}{ProducerID: req.ProducerID, RTPCapabilities: req.RTPCapabilities}

	var desc ConsumerDescriptor
	path := "/transports/" + url.PathEscape(req.TransportID) + "/consumers"
	if err := r.do(ctx, http.MethodPost, path, body, &desc); err != nil {
		return ConsumerDescriptor{}, err
	}
	return desc, nil
}

func (r *Remote) CanConsume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (bool, error) {
	if !r.Ready() {
		return false, ErrNotReady
	}
	body := struct {
		ProducerID      string          `json:"producerId"`
		RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
	}{ProducerID: producerID, RTPCapabilities: rtpCapabilities}

	var resp struct {
		CanConsume bool `json:"canConsume"`
	}
	if err := r.do(ctx, http.MethodPost, "/can-consume", body, &resp); err != nil {
		return false, err
	}
	return resp.CanConsume, nil
}

func (r *Remote) CloseTransport(ctx context.Context, transportID string) error {
	if !r.Ready() {
		return ErrNotReady
	}
	return r.do(ctx, http.MethodDelete, "/transports/"+url.PathEscape(transportID), nil, nil)
}

func (r *Remote) CloseProducer(ctx context.Context, producerID string) error {
	if !r.Ready() {
		return ErrNotReady
	}
	return r.do(ctx, http.MethodDelete, "/producers/"+url.PathEscape(producerID), nil, nil)
}

func (r *Remote) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("media engine: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	u := *r.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("media engine: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("media engine: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("media engine: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("media engine: decode %s %s response: %w", method, path, err)
	}
	return nil
}
