// Package transport defines the boundary to the messaging-network client:
// a Dialer that opens per-vendor connections and a Conn surfacing an event
// stream the supervisor consumes. The production implementation speaks the
// gateway WebSocket protocol; tests substitute fakes.
package transport

import (
	"context"

	"github.com/Sdiabate1337/Djula-ai/internal/msgproto"
)

// EventKind discriminates the events a [Conn] emits.
type EventKind int

const (
	// EventOpened means the connection is confirmed live.
	EventOpened EventKind = iota
	// EventClosed means the connection ended; Code classifies why.
	EventClosed
	// EventChallenge carries a pairing challenge to show the operator.
	EventChallenge
	// EventMessages carries a batch of fresh inbound messages.
	EventMessages
	// EventCredentials carries updated credential material to persist.
	EventCredentials
)

// Event is one occurrence on a vendor connection's stream. Exactly the
// fields relevant to its Kind are set.
type Event struct {
	Kind     EventKind
	Code     int
	QR       string
	Messages []msgproto.MessageItem
	Material []byte
}

// Conn is a live connection to the messaging network for one vendor.
// Events terminates with an [EventClosed] and then the channel is closed;
// after that the Conn is dead and must be discarded.
type Conn interface {
	// Events returns the connection's event stream. The stream is owned
	// by a single consumer; events arrive in network order.
	Events() <-chan Event

	// SelfJID returns the vendor's own network address once the
	// connection has opened, empty before that.
	SelfJID() string

	// Send delivers a text message to a normalized destination address.
	// It returns only after the gateway acknowledged (or rejected) it.
	Send(ctx context.Context, toJID, text string) error

	// Logout asks the network to revoke this device session.
	Logout(ctx context.Context) error

	// Close tears the connection down without revoking the session.
	Close() error
}

// Dialer opens connections. Implementations must be safe for concurrent
// use across vendors.
type Dialer interface {
	// Dial opens a connection for the given device, resuming with saved
	// credential material when present (nil material starts a fresh
	// pairing).
	Dial(ctx context.Context, deviceID string, material []byte) (Conn, error)
}
