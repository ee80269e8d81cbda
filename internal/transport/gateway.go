package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Sdiabate1337/Djula-ai/internal/msgproto"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 15 * time.Second
	wsReadLimit        = 8 * 1024 * 1024
	eventBufferSize    = 64
	sendAckTimeout     = 30 * time.Second
)

// GatewayDialer opens vendor connections to the messaging gateway over
// WebSocket.
type GatewayDialer struct {
	URL          string
	PingInterval time.Duration
	Log          *slog.Logger
}

// Dial connects to the gateway, announces the device identity and any
// saved credential material, and starts the read loop feeding the event
// stream.
func (d *GatewayDialer) Dial(ctx context.Context, deviceID string, material []byte) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway connect: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	g := &gatewayConn{
		conn:    conn,
		log:     d.Log,
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan msgproto.SendAck),
	}

	hello := msgproto.Frame{Kind: msgproto.KindHello, Hello: &msgproto.Hello{
		DeviceID: deviceID,
		CredsB64: msgproto.EncodeMaterial(material),
	}}
	if err := g.writeJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gateway hello: %w", err)
	}

	go g.readLoop()
	if d.PingInterval > 0 {
		go g.keepalive(d.PingInterval)
	}
	return g, nil
}

type gatewayConn struct {
	conn *websocket.Conn
	log  *slog.Logger

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	mu      sync.Mutex
	selfJID string
	pending map[string]chan msgproto.SendAck
}

func (g *gatewayConn) Events() <-chan Event {
	return g.events
}

func (g *gatewayConn) SelfJID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selfJID
}

// Send writes the message frame and waits for the gateway's ack, so a nil
// return means the message left the process boundary and was accepted.
func (g *gatewayConn) Send(ctx context.Context, toJID, text string) error {
	id := uuid.NewString()
	ack := make(chan msgproto.SendAck, 1)

	g.mu.Lock()
	g.pending[id] = ack
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	frame := msgproto.Frame{Kind: msgproto.KindSend, Send: &msgproto.Send{ID: id, ToJID: toJID, Text: text}}
	if err := g.writeJSON(frame); err != nil {
		return err
	}

	timer := time.NewTimer(sendAckTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return errors.New("connection closed while awaiting send ack")
	case <-timer.C:
		return errors.New("timed out awaiting send ack")
	case a := <-ack:
		if !a.OK {
			return fmt.Errorf("gateway rejected send: %s", a.Error)
		}
		return nil
	}
}

// Logout asks the gateway to revoke the device session, then closes.
func (g *gatewayConn) Logout(ctx context.Context) error {
	err := g.writeJSON(msgproto.Frame{Kind: msgproto.KindLogout})
	_ = g.Close()
	return err
}

func (g *gatewayConn) Close() error {
	g.closeOnce.Do(func() {
		close(g.done)
		_ = g.conn.Close()
	})
	return nil
}

func (g *gatewayConn) readLoop() {
	closeCode := msgproto.CodeConnectionLost
	defer func() {
		g.emit(Event{Kind: EventClosed, Code: closeCode})
		g.mu.Lock()
		for id, ch := range g.pending {
			delete(g.pending, id)
			close(ch)
		}
		g.mu.Unlock()
		close(g.events)
		_ = g.Close()
	}()

	for {
		var frame msgproto.Frame
		if err := g.conn.ReadJSON(&frame); err != nil {
			select {
			case <-g.done:
				// Locally torn down; the error is expected noise.
			default:
				if g.log != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					g.log.Warn("gateway read error", "err", err)
				}
			}
			return
		}

		switch frame.Kind {
		case msgproto.KindOpen:
			if frame.Open == nil {
				continue
			}
			g.mu.Lock()
			g.selfJID = frame.Open.SelfJID
			g.mu.Unlock()
			g.emit(Event{Kind: EventOpened})
		case msgproto.KindChallenge:
			if frame.Challenge == nil {
				continue
			}
			g.emit(Event{Kind: EventChallenge, QR: frame.Challenge.QR})
		case msgproto.KindClose:
			if frame.Close != nil {
				closeCode = frame.Close.Code
			}
			return
		case msgproto.KindCreds:
			if frame.Creds == nil {
				continue
			}
			material, err := msgproto.DecodeMaterial(frame.Creds.MaterialB64)
			if err != nil {
				if g.log != nil {
					g.log.Warn("dropping undecodable credential update", "err", err)
				}
				continue
			}
			g.emit(Event{Kind: EventCredentials, Material: material})
		case msgproto.KindMessages:
			if frame.Messages == nil || frame.Messages.Type != msgproto.BatchTypeNotify {
				continue
			}
			g.emit(Event{Kind: EventMessages, Messages: frame.Messages.Items})
		case msgproto.KindSendAck:
			if frame.SendAck == nil {
				continue
			}
			g.mu.Lock()
			ch, ok := g.pending[frame.SendAck.ID]
			g.mu.Unlock()
			if ok {
				select {
				case ch <- *frame.SendAck:
				default:
				}
			}
		case msgproto.KindPing:
			_ = g.writeJSON(msgproto.Frame{Kind: msgproto.KindPong})
		case msgproto.KindPong:
		}
	}
}

// emit delivers an event unless the connection was torn down locally, in
// which case nobody is listening anymore.
func (g *gatewayConn) emit(ev Event) {
	select {
	case g.events <- ev:
	case <-g.done:
	}
}

func (g *gatewayConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			if err := g.writeJSON(msgproto.Frame{Kind: msgproto.KindPing}); err != nil {
				return
			}
		}
	}
}

func (g *gatewayConn) writeJSON(frame msgproto.Frame) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		_ = g.conn.Close()
		return err
	}
	defer func() { _ = g.conn.SetWriteDeadline(time.Time{}) }()
	err := g.conn.WriteJSON(frame)
	if err != nil {
		_ = g.conn.Close()
	}
	return err
}
