// Package msgproto defines the JSON wire protocol exchanged between a djula
// vendor connection and the messaging gateway over a WebSocket link.
package msgproto

import (
	"encoding/base64"
)

// Frame kinds identify the type of payload carried by a [Frame].
const (
	KindHello     = "hello"
	KindChallenge = "challenge"
	KindOpen      = "open"
	KindClose     = "close"
	KindCreds     = "creds"
	KindMessages  = "messages"
	KindSend      = "send"
	KindSendAck   = "send_ack"
	KindLogout    = "logout"
	KindPing      = "ping"
	KindPong      = "pong"
)

// Frame is the top-level envelope exchanged on the gateway WebSocket.
type Frame struct {
	Kind      string     `json:"kind"`
	Hello     *Hello     `json:"hello,omitempty"`
	Challenge *Challenge `json:"challenge,omitempty"`
	Open      *Open      `json:"open,omitempty"`
	Close     *Close     `json:"close,omitempty"`
	Creds     *Creds     `json:"creds,omitempty"`
	Messages  *Messages  `json:"messages,omitempty"`
	Send      *Send      `json:"send,omitempty"`
	SendAck   *SendAck   `json:"send_ack,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Hello opens a session: the device identity plus any previously saved
// credential material. An empty CredsB64 asks the gateway for a fresh
// pairing challenge.
type Hello struct {
	DeviceID string `json:"device_id"`
	CredsB64 string `json:"creds_b64,omitempty"`
}

// Challenge carries a pairing payload the vendor's operator must scan to
// authorize the device.
type Challenge struct {
	QR string `json:"qr"`
}

// Open confirms the session is live and reports the vendor's own address.
type Open struct {
	SelfJID string `json:"self_jid"`
}

// Close announces session termination with a classifiable status code.
type Close struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Creds pushes updated credential material the client must persist so the
// session can be resumed without re-pairing.
type Creds struct {
	MaterialB64 string `json:"material_b64"`
}

// Messages delivers a batch of inbound messages. Only batches of type
// "notify" represent fresh traffic; other types are history syncs.
type Messages struct {
	Type  string        `json:"type"`
	Items []MessageItem `json:"items"`
}

// MessageItem is one raw inbound message as the gateway reports it.
type MessageItem struct {
	ID          string `json:"id"`
	FromJID     string `json:"from_jid"`
	Participant string `json:"participant,omitempty"`
	Text        string `json:"text,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"` // unix seconds, network clock
	FromMe      bool   `json:"from_me,omitempty"`
}

// Send asks the gateway to deliver a text message.
type Send struct {
	ID    string `json:"id"`
	ToJID string `json:"to_jid"`
	Text  string `json:"text"`
}

// SendAck reports the outcome of a [Send].
type SendAck struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BatchTypeNotify marks message batches carrying fresh inbound traffic.
const BatchTypeNotify = "notify"

// Disconnect status codes reported in [Close] frames.
const (
	CodeLoggedOut        = 401
	CodeConnectionLost   = 408
	CodeConnectionClosed = 428
	CodeRestartRequired  = 515
)

// IsTerminal reports whether a close code means the session was revoked
// and must not be retried with the same credentials. Unknown codes are
// treated as transient.
func IsTerminal(code int) bool {
	return code == CodeLoggedOut
}

// EncodeMaterial base64-encodes credential material for JSON transport.
func EncodeMaterial(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeMaterial decodes base64-encoded credential material.
func DecodeMaterial(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
