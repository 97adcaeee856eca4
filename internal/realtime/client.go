package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/sharedo/internal/auth"
	"github.com/Tyrowin/sharedo/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// FrameHandler processes decoded inbound frames. Frames of one client are
// handled sequentially on that client's read goroutine.
type FrameHandler interface {
	HandleFrame(c *Client, frame Frame)
}

// Limits bounds the resources a single connection may use.
type Limits struct {
	MaxMessageSize int64
	SendQueueSize  int
	RateBurst      int
	RateInterval   time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = 16 * 1024
	}
	if l.SendQueueSize <= 0 {
		l.SendQueueSize = 256
	}
	if l.RateBurst <= 0 {
		l.RateBurst = 5
	}
	if l.RateInterval <= 0 {
		l.RateInterval = time.Second
	}
	return l
}

// Client is one authenticated websocket connection. Its rooms and closed flag
// belong to the hub and are guarded by the hub's mutex.
type Client struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	addr     string
	handler  FrameHandler
	limiter  *rate.Limiter
	limits   Limits
	logger   zerolog.Logger

	closed bool
	rooms  map[string]struct{}
}

// NewClient creates a client for an upgraded connection. conn may be nil, in
// which case no pumps are started and frames stay queued on the send channel.
func NewClient(conn *websocket.Conn, hub *Hub, identity auth.Identity, addr string, handler FrameHandler, limits Limits) *Client {
	limits = limits.withDefaults()
	if conn != nil {
		conn.SetReadLimit(limits.MaxMessageSize)
	}

	id := uuid.NewString()
	every := rate.Limit(float64(limits.RateBurst) / limits.RateInterval.Seconds())

	return &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, limits.SendQueueSize),
		hub:      hub,
		addr:     addr,
		handler:  handler,
		limiter:  rate.NewLimiter(every, limits.RateBurst),
		limits:   limits,
		logger: hub.logger.With().
			Str("connection_id", id).
			Str("user_id", identity.UserID).
			Str("remote_addr", addr).
			Logger(),
		rooms: make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Identity returns the authenticated identity of the connection.
func (c *Client) Identity() auth.Identity { return c.identity }

// SendChan exposes queued outbound frames.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Debug().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the error and reports whether the read loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("limit", c.limits.MaxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseMessageTooBig):
		c.logger.Warn().Err(err).Msg("unexpected websocket close")
	default:
		c.logger.Warn().Err(err).Msg("websocket read error")
	}
	return true
}

func (c *Client) checkRateLimit() bool {
	if c.limiter.Allow() {
		return true
	}
	metrics.MessagesDropped.WithLabelValues("rate_limited").Inc()
	c.logger.Debug().
		Int("burst", c.limits.RateBurst).
		Dur("interval", c.limits.RateInterval).
		Msg("rate limit exceeded; discarding frame")
	return false
}

func (c *Client) processFrame(raw []byte) bool {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		c.logger.Debug().Err(err).Msg("invalid frame")
		return false
	}

	if c.handler != nil {
		c.handler.HandleFrame(c, frame)
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("error closing connection in writePump")
	}
}

// handleFrame writes an outgoing frame and reports whether the pump should continue.
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Msg("error setting write deadline")
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug().Err(err).Msg("error writing close message")
		}
		return false
	}

	if !c.writeFrame(frame) {
		return false
	}
	return c.writeQueuedFrames()
}

// writeQueuedFrames drains frames that queued up while the previous write was
// in flight. Each frame is its own websocket message.
func (c *Client) writeQueuedFrames() bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		frame, ok := <-c.send
		if !ok {
			return c.handleFrame(nil, false)
		}
		if !c.writeFrame(frame) {
			return false
		}
	}
	return true
}

func (c *Client) writeFrame(frame []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug().Err(err).Msg("error writing frame")
		}
		return false
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug().Err(err).Msg("error writing ping")
		return false
	}
	return true
}
