// Package gateway is the websocket edge of the collaboration service. It
// verifies the caller's identity token, maps inbound channel events onto
// registry calls and fans registry broadcasts back out to the connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"atelier/api/internal/auth"
	"atelier/api/internal/collab"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendQueueSize  = 64
	maxMessageSize = 64 * 1024
)

type Server struct {
	registry *collab.Registry
	secret   []byte
	upgrader websocket.Upgrader
}

func NewServer(registry *collab.Registry, secret []byte) *Server {
	return &Server{
		registry: registry,
		secret:   secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// client is one websocket connection. Outbound frames go through send and
// are drained by a single writer goroutine.
type client struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	identity auth.Identity

	assetID     string // set after join
	unsubscribe func()
}

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.ParseIdentity(s.secret, r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed for %s: %v", identity.UserID, err)
		return
	}

	c := &client{
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		identity: identity,
	}

	go c.writeLoop()
	s.readLoop(r.Context(), c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	defer func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if c.assetID != "" {
			s.registry.Leave(c.assetID, c.identity.UserID)
		}
		close(c.done)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				log.Printf("gateway: read for %s: %v", c.identity.UserID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg frame
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("BAD_FRAME", "unparseable frame")
			continue
		}
		s.dispatch(ctx, c, msg)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, msg frame) {
	switch msg.Event {
	case eventJoin:
		var payload joinPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.AssetID == "" {
			c.sendError("BAD_FRAME", "join requires an asset id")
			return
		}
		s.handleJoin(ctx, c, payload.AssetID)

	case eventCursorMove:
		if c.assetID == "" {
			return
		}
		var point collab.Point
		if err := json.Unmarshal(msg.Data, &point); err != nil {
			return
		}
		s.registry.UpdateCursor(c.assetID, c.identity.UserID, point)

	case eventSelectionChange:
		if c.assetID == "" {
			return
		}
		var sel collab.Range
		if err := json.Unmarshal(msg.Data, &sel); err != nil {
			return
		}
		s.registry.UpdateSelection(c.assetID, c.identity.UserID, sel)

	case eventOperation:
		if c.assetID == "" {
			c.sendError("SESSION_NOT_FOUND", "join a session before submitting operations")
			return
		}
		var payload operationPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.sendError("BAD_FRAME", "unparseable operation")
			return
		}
		_, err := s.registry.SubmitOperation(ctx, c.assetID, c.identity.UserID, collab.Operation{
			Type:     payload.Type,
			Position: payload.Position,
			Length:   payload.Length,
			Content:  payload.Content,
			Path:     payload.Path,
			Target:   payload.Target,
		})
		if err != nil {
			c.sendRegistryError(err)
		}

	case eventRequestLock:
		if c.assetID == "" {
			c.sendError("SESSION_NOT_FOUND", "join a session before requesting the lock")
			return
		}
		if _, err := s.registry.RequestLock(ctx, c.assetID, c.identity.UserID); err != nil {
			c.sendRegistryError(err)
		}

	case eventReleaseLock:
		if c.assetID == "" {
			c.sendError("SESSION_NOT_FOUND", "join a session before releasing the lock")
			return
		}
		if err := s.registry.ReleaseLock(ctx, c.assetID, c.identity.UserID); err != nil {
			c.sendRegistryError(err)
		}

	default:
		c.sendError("BAD_FRAME", "unknown event")
	}
}

func (s *Server) handleJoin(ctx context.Context, c *client, assetID string) {
	if c.assetID != "" {
		c.sendError("ALREADY_JOINED", "connection is already in a session")
		return
	}

	// Subscribe before joining so the member list broadcast for later
	// joiners cannot slip past this connection.
	events, cancel := s.registry.Subscribe(assetID)
	state := s.registry.Join(ctx, assetID, collab.Member{
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
	})
	c.assetID = assetID
	c.unsubscribe = cancel

	go c.forwardLoop(events)
	c.sendFrame(eventSessionState, state)
}

// forwardLoop pushes registry broadcasts to this connection. Presence and
// operation events are not echoed back to their originator; lock state goes
// to everyone, it doubles as the success response for lock calls.
func (c *client) forwardLoop(events <-chan collab.Event) {
	for event := range events {
		if event.From == c.identity.UserID && event.Type != collab.EventLockState {
			continue
		}
		name, payload := outboundEvent(event)
		if name == "" {
			continue
		}
		c.sendFrame(name, payload)
	}
}

func (c *client) sendFrame(event string, payload any) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		log.Printf("gateway: encode %s: %v", event, err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("gateway: dropping %s for %s (slow consumer)", event, c.identity.UserID)
	}
}

func (c *client) sendError(code, message string) {
	c.sendFrame(eventError, errorPayload{Code: code, Message: message})
}

// sendRegistryError maps registry errors onto wire error codes without
// leaking internal detail.
func (c *client) sendRegistryError(err error) {
	switch {
	case errors.Is(err, collab.ErrLockConflict):
		c.sendError("LOCK_CONFLICT", "asset is locked by another user")
	case errors.Is(err, collab.ErrNotLockOwner):
		c.sendError("NOT_LOCK_OWNER", "you do not hold the lock")
	case errors.Is(err, collab.ErrSessionNotFound):
		c.sendError("SESSION_NOT_FOUND", "no active session for this asset")
	case errors.Is(err, collab.ErrPersistence):
		c.sendError("PERSISTENCE_FAILURE", "the change could not be saved")
	default:
		c.sendError("INTERNAL", "internal error")
	}
}

// writeLoop is the only goroutine that writes to the connection. It drains
// the send queue and keeps the connection alive with pings.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
