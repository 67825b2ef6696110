package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/brunodmn/inboxcache/internal/bus"
	"github.com/brunodmn/inboxcache/internal/cache"
	"github.com/brunodmn/inboxcache/internal/store"
)

// Engine keeps the cache coherent with the live event stream. It
// subscribes to "chat.*" events on the bus and applies them to the
// Cache Service in arrival order, bypassing the loader: overwrite-by-id
// semantics make replays and races resolve to last write wins.
type Engine struct {
	cache  *cache.Service
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// MessageUpdate is the payload of a chat.message_update event. Nil
// fields are left untouched; MediaURL covers media edits where the
// server reissues the asset under a new link.
type MessageUpdate struct {
	MsgID    string
	Body     *string
	Status   *string
	MediaURL *string
}

// NewEngine creates a new ingest engine.
func NewEngine(c *cache.Service, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cache:  c,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound chat events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("chat.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit, so no
// handler is still mutating the cache when the daemon tears it down.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "chat.message":
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.cache.AddMessage(msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.MsgID))
			return
		}
		e.bus.Publish(bus.Event{
			Kind: "cache.message_upserted",
			Payload: map[string]string{
				"conversation_id": msg.ConversationID,
				"msg_id":          msg.MsgID,
			},
		})

	case "chat.message_update":
		upd, ok := evt.Payload.(*MessageUpdate)
		if !ok {
			return
		}
		if err := e.cache.UpdateMessage(upd.MsgID, cache.MessageUpdate{
			Body:     upd.Body,
			Status:   upd.Status,
			MediaURL: upd.MediaURL,
		}); err != nil {
			e.logger.Error("failed to apply message update", zap.Error(err), zap.String("msg_id", upd.MsgID))
			return
		}
		e.bus.Publish(bus.Event{
			Kind:    "cache.message_updated",
			Payload: map[string]string{"msg_id": upd.MsgID},
		})

	case "chat.message_delete":
		msgID, ok := evt.Payload.(string)
		if !ok {
			return
		}
		if err := e.cache.RemoveMessage(msgID); err != nil {
			e.logger.Error("failed to remove message", zap.Error(err), zap.String("msg_id", msgID))
			return
		}
		e.bus.Publish(bus.Event{
			Kind:    "cache.message_removed",
			Payload: map[string]string{"msg_id": msgID},
		})

	case "chat.history_cleared":
		conversationID, ok := evt.Payload.(string)
		if !ok {
			return
		}
		if err := e.cache.InvalidateConversation(conversationID); err != nil {
			e.logger.Error("failed to invalidate conversation", zap.Error(err), zap.String("conversation_id", conversationID))
			return
		}
		e.logger.Info("conversation invalidated", zap.String("conversation_id", conversationID))
		e.bus.Publish(bus.Event{
			Kind:    "cache.conversation_invalidated",
			Payload: map[string]string{"conversation_id": conversationID},
		})
	}
}
