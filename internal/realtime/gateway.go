package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/sharedo/internal/auth"
	"github.com/Tyrowin/sharedo/internal/chat"
	"github.com/Tyrowin/sharedo/internal/models"
)

// TokenVerifier resolves a bearer credential to an identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// JoinGuard decides whether a user may subscribe to a room.
type JoinGuard interface {
	CanJoin(ctx context.Context, userID, roomID string) bool
}

// MessageSender runs a message through the pipeline.
type MessageSender interface {
	Send(ctx context.Context, sender auth.Identity, req chat.SendRequest) (models.Message, error)
}

// GatewayOptions tunes the gateway. StoreTimeout bounds every store call made
// on behalf of a frame.
type GatewayOptions struct {
	Limits       Limits
	StoreTimeout time.Duration
}

// Gateway authenticates websocket handshakes, registers connections with the
// hub and dispatches their inbound frames.
type Gateway struct {
	hub      *Hub
	verifier TokenVerifier
	guard    JoinGuard
	sender   MessageSender
	upgrader websocket.Upgrader
	opts     GatewayOptions
	logger   zerolog.Logger
}

// NewGateway creates a gateway.
func NewGateway(hub *Hub, verifier TokenVerifier, guard JoinGuard, sender MessageSender, origins *OriginPolicy, opts GatewayOptions, logger zerolog.Logger) *Gateway {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Gateway{
		hub:      hub,
		verifier: verifier,
		guard:    guard,
		sender:   sender,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
			Subprotocols:    []string{auth.ProtocolBearer},
		},
		opts:   opts,
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

// ServeHTTP upgrades an authenticated GET request to a websocket. Requests
// without a valid credential are rejected with 401 before the upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	identity, err := g.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		g.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejected unauthenticated handshake")
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, g.hub, identity, r.RemoteAddr, g, g.opts.Limits)
	if !g.hub.Register(client) {
		_ = conn.Close()
	}
}

// HandleFrame dispatches one inbound frame. Failures are logged and never
// reported to the client, except through an ack the client asked for.
func (g *Gateway) HandleFrame(c *Client, frame Frame) {
	switch frame.Event {
	case EventRoomJoin:
		g.handleJoin(c, frame.Data)
	case EventRoomLeave:
		var req RoomRequest
		if decode(frame.Data, &req) && req.RoomID != "" {
			g.hub.Unsubscribe(c, req.RoomID)
		}
	case EventMessageSend:
		g.handleSend(c, frame.Data)
	default:
		c.logger.Debug().Str("event", frame.Event).Msg("ignoring unknown event")
	}
}

func (g *Gateway) handleJoin(c *Client, data json.RawMessage) {
	var req RoomRequest
	if !decode(data, &req) || req.RoomID == "" {
		return
	}

	ctx, cancel := g.operationContext()
	defer cancel()

	if !g.guard.CanJoin(ctx, c.identity.UserID, req.RoomID) {
		c.logger.Debug().Str("room_id", req.RoomID).Msg("join refused")
		return
	}
	g.hub.Subscribe(c, req.RoomID)
}

func (g *Gateway) handleSend(c *Client, data json.RawMessage) {
	var req chat.SendRequest
	if !decode(data, &req) {
		c.logger.Debug().Msg("malformed message.send payload")
		return
	}

	ctx, cancel := g.operationContext()
	defer cancel()

	msg, err := g.sender.Send(ctx, c.identity, req)
	if req.AckID == "" {
		return
	}

	ack := MessageAck{AckID: req.AckID, OK: err == nil}
	if err == nil {
		ack.MessageID = msg.ID
	}
	g.hub.Send(c, EventMessageAck, ack)
}

// operationContext derives from the hub so that a disconnect does not abort a
// message that was already received.
func (g *Gateway) operationContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(g.hub.Context(), g.opts.StoreTimeout)
}

func decode(data json.RawMessage, v interface{}) bool {
	if len(data) == 0 {
		return true
	}
	return json.Unmarshal(data, v) == nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
