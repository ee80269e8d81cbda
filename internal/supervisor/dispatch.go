package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Sdiabate1337/Djula-ai/internal/domain"
	"github.com/Sdiabate1337/Djula-ai/internal/msgproto"
	"github.com/Sdiabate1337/Djula-ai/internal/phone"
)

// dispatch normalizes a batch of raw inbound messages and delivers each to
// every handler registered at that moment. Messages authored by the
// vendor's own account are filtered out before any handler sees them.
// Handler failures (errors and panics alike) are logged and isolated: they
// affect neither sibling handlers nor connection state.
func (s *Supervisor) dispatch(rt *runtime, gen uint64, items []msgproto.MessageItem) {
	rt.mu.Lock()
	if rt.gen != gen {
		rt.mu.Unlock()
		return
	}
	selfJID := rt.selfJID
	type entry struct {
		name string
		h    Handler
	}
	handlers := make([]entry, 0, len(rt.handlers))
	for name, h := range rt.handlers {
		handlers = append(handlers, entry{name, h})
	}
	rt.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	ctx := context.Background()
	for _, item := range items {
		if item.FromMe || (selfJID != "" && item.FromJID == selfJID) {
			continue
		}
		msg := normalizeMessage(item, selfJID)
		for _, e := range handlers {
			s.invokeHandler(ctx, rt.vendorID, e.name, e.h, msg)
		}
	}
}

func (s *Supervisor) invokeHandler(ctx context.Context, vendorID, name string, h Handler, msg domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("message handler panicked",
				"vendor_id", vendorID, "handler", name, "message_id", msg.ID, "panic", r)
		}
	}()
	if err := h(ctx, msg); err != nil {
		s.log.Error("message handler failed",
			"vendor_id", vendorID, "handler", name, "message_id", msg.ID, "err", err)
	}
}

// normalizeMessage maps a raw transport item to the canonical record.
// Missing network timestamps fall back to local receipt time; missing ids
// get a generated one so downstream dedup always has a key.
func normalizeMessage(item msgproto.MessageItem, selfJID string) domain.Message {
	ts := time.Now().UTC()
	if item.Timestamp > 0 {
		ts = time.Unix(item.Timestamp, 0).UTC()
	}
	id := item.ID
	if id == "" {
		id = uuid.NewString()
	}
	msg := domain.Message{
		ID:        id,
		Text:      item.Text,
		From:      item.FromJID,
		To:        selfJID,
		Timestamp: ts,
		IsGroup:   phone.IsGroupJID(item.FromJID),
	}
	if msg.IsGroup {
		msg.Participant = item.Participant
	}
	return msg
}
