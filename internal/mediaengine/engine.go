// Package mediaengine is the request/response facade over the external
// media-forwarding engine (the SFU performing RTP routing, congestion
// control and ICE/DTLS). The signaling core treats every parameter payload
// as opaque JSON relayed verbatim between clients and the engine; only ids
// and the audio/video kind are interpreted here.
package mediaengine

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotReady is returned while the engine has not completed startup.
	// Callers reject requests uniformly until readiness; this is a startup
	// race, not steady state.
	ErrNotReady = errors.New("media engine not ready")

	// ErrNotFound is returned for stale transport/producer ids, typically
	// from a race with a disconnecting peer. It fails the single operation;
	// the connection survives.
	ErrNotFound = errors.New("media engine: not found")
)

// TransportRequest describes a transport to allocate on the engine.
type TransportRequest struct {
	Direction string `json:"direction"`
}

// TransportDescriptor carries the negotiation parameters the client needs to
// complete ICE/DTLS with the engine. All parameter blobs are opaque.
type TransportDescriptor struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// ProduceRequest asks the engine to accept an inbound media track.
type ProduceRequest struct {
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

// ConsumeRequest asks the engine to forward a producer's media over the
// given receive transport.
type ConsumeRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// ConsumerDescriptor describes the consumer the engine created.
type ConsumerDescriptor struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

// Engine is the collaborator interface implemented by Remote and by test
// fakes. All calls are fallible remote calls with no core-level retry; a
// fatal failure of the engine process is fatal to the whole server, since no
// useful work can continue without it.
type Engine interface {
	// Ready reports whether the engine finished startup. Requests made
	// before readiness fail with ErrNotReady.
	Ready() bool

	// Capabilities returns the router RTP capabilities clients load their
	// negotiation device from.
	Capabilities(ctx context.Context) (json.RawMessage, error)

	CreateTransport(ctx context.Context, req TransportRequest) (TransportDescriptor, error)
	ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, req ProduceRequest) (string, error)
	Consume(ctx context.Context, req ConsumeRequest) (ConsumerDescriptor, error)
	CanConsume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (bool, error)

	// CloseTransport and CloseProducer release engine-side resources during
	// cleanup. Best effort: cleanup proceeds even if the engine call fails.
	CloseTransport(ctx context.Context, transportID string) error
	CloseProducer(ctx context.Context, producerID string) error
}
