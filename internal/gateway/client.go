package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/open-codex/agentd/internal/orchestrator"
	"github.com/open-codex/agentd/internal/stream"
	"github.com/open-codex/agentd/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// Client is one WebSocket connection bound to a session. It forwards
// the session's bus events as frames and turns inbound frames into
// orchestrator calls.
type Client struct {
	id        string
	sessionID uuid.UUID
	conn      *websocket.Conn
	orch      *orchestrator.Orchestrator
	bus       *stream.Bus
	limiter   *rate.Limiter
	logger    *slog.Logger

	send        chan protocol.Outbound
	unsubscribe []func()
	done        chan struct{}

	// Replay gate: chunk events arriving while replay reads the buffer
	// are held, then flushed with indexes below the replay watermark
	// dropped, so a reconnecting client sees each chunk exactly once.
	replayMu    sync.Mutex
	replayDone  bool
	floorMsgID  string
	floor       int
	heldChunks  []stream.Event
}

func NewClient(conn *websocket.Conn, sessionID uuid.UUID, orch *orchestrator.Orchestrator,
	bus *stream.Bus, rateLimitRPM int, logger *slog.Logger) *Client {
	var limiter *rate.Limiter
	if rateLimitRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rateLimitRPM)/60.0), 5)
	}
	return &Client{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		orch:      orch,
		bus:       bus,
		limiter:   limiter,
		logger:    logger,
		send:      make(chan protocol.Outbound, sendBufferSize),
		done:      make(chan struct{}),
	}
}

// Run subscribes to bus events, replays any in-flight stream, and
// processes inbound frames until the connection drops.
func (c *Client) Run(ctx context.Context) {
	c.subscribeAll()
	go c.writePump()
	c.replay()
	c.readLoop(ctx)
}

// Close tears down subscriptions and the connection.
func (c *Client) Close() {
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	close(c.done)
	c.conn.Close()
}

// replay resumes an in-flight assistant stream from the buffer so a
// reconnecting client catches up from chunk zero. Live chunk events
// held while the buffer was read are flushed afterwards; anything the
// replay already covered is dropped by index.
func (c *Client) replay() {
	messageID, ok := c.orch.ActiveStream(c.sessionID)
	var next int
	if ok {
		c.enqueue(protocol.Outbound{Type: protocol.FrameStart, MessageID: messageID.String()})
		var chunks []string
		chunks, next = c.orch.Buffer().ChunksSince(messageID, 0)
		for _, chunk := range chunks {
			c.enqueue(protocol.Outbound{Type: protocol.FrameChunk, Content: chunk})
		}
	}

	c.replayMu.Lock()
	if ok {
		c.floorMsgID = messageID.String()
		c.floor = next
	}
	held := c.heldChunks
	c.heldChunks = nil
	c.replayDone = true
	c.replayMu.Unlock()

	for _, ev := range held {
		if !c.staleChunk(ev) {
			c.enqueue(chunkFrame(ev.Payload))
		}
	}
	if ok {
		c.logger.Debug("stream replayed", "session_id", c.sessionID, "chunks", next)
	}
}

// staleChunk reports whether a live chunk event was already covered by
// the replay for this connection.
func (c *Client) staleChunk(ev stream.Event) bool {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	if c.floorMsgID == "" || str(ev.Payload, "message_id") != c.floorMsgID {
		return false
	}
	return num(ev.Payload, "index") < c.floor
}

// deliverChunk routes a live chunk event through the replay gate.
func (c *Client) deliverChunk(ev stream.Event) {
	c.replayMu.Lock()
	if !c.replayDone {
		c.heldChunks = append(c.heldChunks, ev)
		c.replayMu.Unlock()
		return
	}
	c.replayMu.Unlock()

	if c.staleChunk(ev) {
		return
	}
	c.enqueue(chunkFrame(ev.Payload))
}

func chunkFrame(p map[string]any) protocol.Outbound {
	return protocol.Outbound{Type: protocol.FrameChunk, Content: str(p, "content"), Step: num(p, "step")}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var in protocol.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.enqueue(protocol.Outbound{Type: protocol.FrameError, Content: "malformed frame"})
			continue
		}

		switch in.Type {
		case protocol.InboundMessage:
			if in.Content == "" {
				c.enqueue(protocol.Outbound{Type: protocol.FrameError, Content: "message content is required"})
				continue
			}
			if c.limiter != nil && !c.limiter.Allow() {
				c.enqueue(protocol.Outbound{Type: protocol.FrameError, Content: "rate limit exceeded"})
				continue
			}
			// user_message_saved arrives via the bus, keeping it
			// ordered before the start frame.
			if _, _, err := c.orch.HandleMessage(ctx, c.sessionID, in.Content); err != nil {
				c.logger.Error("message handling failed", "session_id", c.sessionID, "error", err)
				c.enqueue(protocol.Outbound{Type: protocol.FrameError, Content: "failed to process message"})
				continue
			}

		case protocol.InboundCancel:
			c.orch.Cancel(c.sessionID)

		default:
			c.enqueue(protocol.Outbound{Type: protocol.FrameError, Content: "unknown frame type: " + in.Type})
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Debug("write failed", "session_id", c.sessionID, "error", err)
				return
			}
		}
	}
}

func (c *Client) enqueue(frame protocol.Outbound) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("send buffer full, dropping frame", "session_id", c.sessionID, "type", frame.Type)
	}
}

// subscribeAll attaches this connection to the bus events it forwards.
// Events for other sessions are filtered by payload session id.
func (c *Client) subscribeAll() {
	forward := func(kind stream.EventKind, build func(p map[string]any) protocol.Outbound) {
		unsub := c.bus.Subscribe(kind, 0, func(ev stream.Event) error {
			if sid, _ := ev.Payload["session_id"].(string); sid != c.sessionID.String() {
				return nil
			}
			c.enqueue(build(ev.Payload))
			return nil
		})
		c.unsubscribe = append(c.unsubscribe, unsub)
	}

	forward(stream.EventUserSaved, func(p map[string]any) protocol.Outbound {
		return protocol.Outbound{Type: protocol.FrameUserMessageSaved, MessageID: str(p, "message_id")}
	})
	forward(stream.EventStreamStart, func(p map[string]any) protocol.Outbound {
		return protocol.Outbound{Type: protocol.FrameStart, MessageID: str(p, "message_id")}
	})

	// Chunks go through the replay gate instead of straight to send.
	unsubChunk := c.bus.Subscribe(stream.EventStreamChunk, 0, func(ev stream.Event) error {
		if sid, _ := ev.Payload["session_id"].(string); sid != c.sessionID.String() {
			return nil
		}
		c.deliverChunk(ev)
		return nil
	})
	c.unsubscribe = append(c.unsubscribe, unsubChunk)

	forward(stream.EventStreamThought, func(p map[string]any) protocol.Outbound {
		return protocol.Outbound{Type: protocol.FrameThought, Content: str(p, "content"), Step: num(p, "step")}
	})
	forward(stream.EventActionStart, func(p map[string]any) protocol.Outbound {
		args, _ := p["args"].(map[string]any)
		return protocol.Outbound{Type: protocol.FrameAction, Tool: str(p, "tool"), Args: args, Step: num(p, "step")}
	})
	forward(stream.EventObservation, func(p map[string]any) protocol.Outbound {
		success, _ := p["success"].(bool)
		return protocol.Outbound{
			Type:    protocol.FrameObservation,
			Content: str(p, "content"),
			Success: protocol.Bool(success),
			Step:    num(p, "step"),
		}
	})
	forward(stream.EventCancelAck, func(p map[string]any) protocol.Outbound {
		return protocol.Outbound{Type: protocol.FrameCancelAck}
	})
	forward(stream.EventStreamCancelled, func(p map[string]any) protocol.Outbound {
		return protocol.Outbound{
			Type:           protocol.FrameCancelled,
			Content:        str(p, "content"),
			PartialContent: str(p, "partial_content"),
		}
	})
	forward(stream.EventStreamError, func(p map[string]any) protocol.Outbound {
		return protocol.Outbound{Type: protocol.FrameError, Content: str(p, "error")}
	})
	forward(stream.EventStreamEnd, func(p map[string]any) protocol.Outbound {
		cancelled, _ := p["cancelled"].(bool)
		isErr, _ := p["error"].(bool)
		return protocol.Outbound{
			Type:      protocol.FrameEnd,
			MessageID: str(p, "message_id"),
			Cancelled: cancelled,
			Error:     isErr,
		}
	})
}

func str(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func num(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
