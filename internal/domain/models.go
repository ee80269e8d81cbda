// Package domain defines the core data types shared across the djula
// registry, credential store, transport, and supervisor layers.
package domain

import "time"

// Vendor status constants track whether a vendor currently holds a live
// messaging connection.
const (
	VendorStatusActive   = "active"
	VendorStatusInactive = "inactive"
)

// Connection state constants describe the lifecycle of a vendor's link to
// the messaging network.
const (
	ConnStateUninitialized = "uninitialized"
	ConnStateConnecting    = "connecting"
	ConnStateAwaitingQR    = "awaiting_qr"
	ConnStateConnected     = "connected"
	ConnStateDisconnected  = "disconnected"
	ConnStateTerminated    = "terminated"
)

// Error kind constants classify the last recorded connection failure.
const (
	ErrorKindTransient = "transient"
	ErrorKindTerminal  = "terminal"
)

// Vendor represents a registered account whose messaging connection is
// managed independently of all others.
type Vendor struct {
	ID             string
	Login          string
	Name           string
	PhoneNumber    string
	Status         string
	CreatedAt      time.Time
	LastConnection *time.Time
}

// Session binds a vendor to its credential directory and device identity.
// One session exists per vendor; it is created lazily on the first
// connection attempt and reused across reconnects.
type Session struct {
	VendorID  string
	DeviceID  string
	AuthDir   string
	StartedAt time.Time
	IsActive  bool
}

// ErrorInfo is a classifiable record of a connection failure. Code carries
// the transport status code when one was reported, zero otherwise.
type ErrorInfo struct {
	Kind    string
	Code    int
	Message string
}

// ConnectionState is a point-in-time snapshot of a vendor's connection.
// The supervisor hands out copies only; callers never observe live state.
type ConnectionState struct {
	State       string
	IsConnected bool
	PendingQR   string
	LastError   *ErrorInfo
	RetryCount  int
	SelfJID     string
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// Message is the canonical inbound message record delivered to handlers.
// Participant is set only for group-originated messages and names the
// group member who authored it.
type Message struct {
	ID          string
	Text        string
	From        string
	To          string
	Timestamp   time.Time
	IsGroup     bool
	Participant string
}
