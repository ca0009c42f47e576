// Package bus defines the typed publish/subscribe contract the fabric
// runs on, plus an in-process transport. Delivery is at-least-once for
// broadcast and best-effort for targeted sends; correctness comes from
// idempotent handlers, request IDs, and reservation tokens, never from
// transactional delivery.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/haroldDOTsh/fulcrum/structs"
)

// ErrRequestTimeout is returned by Request when no correlated response
// arrives within the timeout.
var ErrRequestTimeout = errors.New("bus: request timed out")

// ErrShutdown is returned once the transport has been stopped.
var ErrShutdown = errors.New("bus: transport is shut down")

// Envelope wraps every payload on the wire with routing metadata.
type Envelope struct {
	SenderID      string          `json:"senderId"`
	MessageID     string          `json:"messageId"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Channel       string          `json:"channel"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

// Decode resolves the envelope payload into its concrete message type.
func (e *Envelope) Decode() (structs.Message, error) {
	return structs.DecodeMessage(e.Type, e.Payload)
}

// Handler consumes envelopes delivered to a subscription. Handlers run on
// the transport's dispatch goroutines and must not block for long; they
// must tolerate duplicate delivery.
type Handler func(env *Envelope)

// Bus is the messaging surface a single peer (registry, backend, proxy)
// holds. One peer identity per Bus value.
type Bus interface {
	// Broadcast fans the message out to every subscriber of the channel.
	Broadcast(channel string, msg structs.Message) error

	// Send delivers the message only to the peer identified by targetID,
	// using the targeted channel "<channel>:<targetID>".
	Send(targetID, channel string, msg structs.Message) error

	// Request sends to targetID and waits for a response correlated to the
	// request's message ID. Fails with ErrRequestTimeout after timeout.
	Request(ctx context.Context, targetID, channel string, msg structs.Message, timeout time.Duration) (*Envelope, error)

	// Reply publishes a response correlated to the given inbound envelope.
	Reply(orig *Envelope, channel string, msg structs.Message) error

	// Subscribe registers a handler for the channel and returns an
	// unsubscribe function.
	Subscribe(channel string, handler Handler) (unsubscribe func())

	// SenderID is the peer identity stamped on outbound envelopes.
	SenderID() string
}
