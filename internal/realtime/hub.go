// Package realtime owns websocket connections and the room channel registry.
// All registry state is mutated by the Hub's Run loop.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/sharedo/internal/metrics"
)

// PresenceTracker is notified of every connection that joins or leaves the
// hub. The returned bool reports an online/offline transition.
type PresenceTracker interface {
	ConnectionOpened(userID string) bool
	ConnectionClosed(userID string) bool
}

// Broadcaster is the subscription and fan-out surface of the hub. A
// multi-process bus would implement it in place of Hub.
type Broadcaster interface {
	Subscribe(c *Client, roomID string) bool
	Unsubscribe(c *Client, roomID string)
	UnsubscribeAll(c *Client)
	CloseRoom(roomID string)
	BroadcastToRoom(roomID, event string, payload interface{})
	BroadcastToUser(userID, event string, payload interface{})
	BroadcastAll(event string, payload interface{})
}

var _ Broadcaster = (*Hub)(nil)

type targetKind int

const (
	targetAll targetKind = iota
	targetRoom
	targetUser
	targetClient
)

type outbound struct {
	kind   targetKind
	key    string
	client *Client
	event  string
	frame  []byte
}

type subOp int

const (
	opJoin subOp = iota
	opLeave
	opLeaveAll
)

type subscription struct {
	client *Client
	roomID string
	op     subOp
	done   chan bool
}

// Hub manages all websocket clients and their room subscriptions. Run is the
// only writer of its maps; the mutex lets other goroutines read snapshots.
type Hub struct {
	clients map[*Client]struct{}
	byUser  map[string]map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	broadcast  chan outbound
	closeRoom  chan string

	presence PresenceTracker
	logger   zerolog.Logger

	mutex  sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub. presence may be nil.
func NewHub(presence PresenceTracker, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]struct{}),
		byUser:     make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		broadcast:  make(chan outbound),
		closeRoom:  make(chan string),
		presence:   presence,
		logger:     logger.With().Str("component", "hub").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Context is cancelled when the hub shuts down. Work started on behalf of a
// connection derives from it so a client disconnect does not abort it.
func (h *Hub) Context() context.Context {
	return h.ctx
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Debug().Msg("received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client, "disconnected")

		case sub := <-h.subscribe:
			sub.done <- h.applySubscription(sub)

		case roomID := <-h.closeRoom:
			h.dropRoom(roomID)

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mutex.Lock()
	c.closed = false
	h.clients[c] = struct{}{}
	conns := h.byUser[c.identity.UserID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.byUser[c.identity.UserID] = conns
	}
	conns[c] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	metrics.Connections.Inc()
	c.logger.Info().Int("clients", clientCount).Msg("client registered")

	if c.conn != nil {
		h.wg.Add(2)
		go func() {
			defer h.wg.Done()
			c.writePump()
		}()
		go func() {
			defer h.wg.Done()
			c.readPump()
		}()
	}

	if h.presence != nil && h.presence.ConnectionOpened(c.identity.UserID) {
		h.announcePresence(c.identity.UserID, true)
	}
}

// removeClient drops a client from every index and closes its send channel.
// Removing an unknown client is a no-op.
func (h *Hub) removeClient(c *Client, reason string) {
	h.mutex.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c)
	if conns := h.byUser[c.identity.UserID]; conns != nil {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.byUser, c.identity.UserID)
		}
	}
	for roomID := range c.rooms {
		h.leaveLocked(c, roomID)
	}
	c.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(c.send)
	metrics.Connections.Dec()
	c.logger.Info().Str("reason", reason).Int("clients", clientCount).Msg("client unregistered")

	if h.presence != nil && h.presence.ConnectionClosed(c.identity.UserID) {
		h.announcePresence(c.identity.UserID, false)
	}
}

func (h *Hub) announcePresence(userID string, online bool) {
	frame, err := EncodeFrame(EventPresenceChanged, PresenceChanged{UserID: userID, Online: online})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode presence frame")
		return
	}
	h.handleBroadcast(outbound{kind: targetAll, event: EventPresenceChanged, frame: frame})
}

func (h *Hub) applySubscription(sub subscription) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	c := sub.client
	if _, ok := h.clients[c]; !ok {
		return false
	}

	switch sub.op {
	case opJoin:
		members := h.rooms[sub.roomID]
		if members == nil {
			members = make(map[*Client]struct{})
			h.rooms[sub.roomID] = members
		}
		members[c] = struct{}{}
		c.rooms[sub.roomID] = struct{}{}
	case opLeave:
		h.leaveLocked(c, sub.roomID)
	case opLeaveAll:
		for roomID := range c.rooms {
			h.leaveLocked(c, roomID)
		}
	}
	return true
}

// leaveLocked must be called with the write lock held.
func (h *Hub) leaveLocked(c *Client, roomID string) {
	delete(c.rooms, roomID)
	if members := h.rooms[roomID]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) dropRoom(roomID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for c := range h.rooms[roomID] {
		delete(c.rooms, roomID)
	}
	delete(h.rooms, roomID)
}

// handleBroadcast delivers a frame to its targets and evicts every client
// whose send buffer is full.
func (h *Hub) handleBroadcast(msg outbound) {
	targets := h.targets(msg)

	var slow []*Client
	for _, c := range targets {
		if !h.safeSend(c, msg.frame) {
			slow = append(slow, c)
			continue
		}
		metrics.Deliveries.WithLabelValues(msg.event).Inc()
	}

	for _, c := range slow {
		metrics.Evictions.Inc()
		c.logger.Warn().Str("event", msg.event).Msg("send buffer full, evicting client")
		h.removeClient(c, "slow consumer")
	}
}

func (h *Hub) targets(msg outbound) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var set map[*Client]struct{}
	switch msg.kind {
	case targetAll:
		set = h.clients
	case targetRoom:
		set = h.rooms[msg.key]
	case targetUser:
		set = h.byUser[msg.key]
	case targetClient:
		if _, ok := h.clients[msg.client]; ok {
			return []*Client{msg.client}
		}
		return nil
	}

	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// safeSend is only called from Run, which is also the only goroutine that
// closes send channels.
func (h *Hub) safeSend(c *Client, frame []byte) bool {
	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (h *Hub) enqueue(msg outbound) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	}
}

func (h *Hub) encode(event string, payload interface{}) ([]byte, bool) {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return nil, false
	}
	return frame, true
}

// Register adds a client to the hub and starts its pumps.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a client from every room and from presence. It is
// idempotent.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

func (h *Hub) changeSubscription(c *Client, roomID string, op subOp) bool {
	sub := subscription{client: c, roomID: roomID, op: op, done: make(chan bool, 1)}
	select {
	case h.subscribe <- sub:
	case <-h.ctx.Done():
		return false
	}
	select {
	case ok := <-sub.done:
		return ok
	case <-h.ctx.Done():
		return false
	}
}

// Subscribe adds the client to a room. It is idempotent and returns once the
// subscription is in effect. Callers check membership first.
func (h *Hub) Subscribe(c *Client, roomID string) bool {
	return h.changeSubscription(c, roomID, opJoin)
}

// Unsubscribe removes the client from a room. It is idempotent.
func (h *Hub) Unsubscribe(c *Client, roomID string) {
	h.changeSubscription(c, roomID, opLeave)
}

// UnsubscribeAll removes the client from every room it joined.
func (h *Hub) UnsubscribeAll(c *Client) {
	h.changeSubscription(c, "", opLeaveAll)
}

// CloseRoom drops every subscription to a room.
func (h *Hub) CloseRoom(roomID string) {
	select {
	case h.closeRoom <- roomID:
	case <-h.ctx.Done():
	}
}

// BroadcastToRoom delivers an event to the current subscribers of a room.
func (h *Hub) BroadcastToRoom(roomID, event string, payload interface{}) {
	if frame, ok := h.encode(event, payload); ok {
		h.enqueue(outbound{kind: targetRoom, key: roomID, event: event, frame: frame})
	}
}

// BroadcastToUser delivers an event to every connection of a user.
func (h *Hub) BroadcastToUser(userID, event string, payload interface{}) {
	if frame, ok := h.encode(event, payload); ok {
		h.enqueue(outbound{kind: targetUser, key: userID, event: event, frame: frame})
	}
}

// BroadcastAll delivers an event to every connection.
func (h *Hub) BroadcastAll(event string, payload interface{}) {
	if frame, ok := h.encode(event, payload); ok {
		h.enqueue(outbound{kind: targetAll, event: event, frame: frame})
	}
}

// Send delivers an event to a single connection.
func (h *Hub) Send(c *Client, event string, payload interface{}) {
	if frame, ok := h.encode(event, payload); ok {
		h.enqueue(outbound{kind: targetClient, client: c, event: event, frame: frame})
	}
}

// ConnectionCount returns the number of registered clients.
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// RoomSubscribers returns the number of clients subscribed to a room.
func (h *Hub) RoomSubscribers(roomID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms[roomID])
}

// Rooms returns the rooms a client is subscribed to.
func (h *Hub) Rooms(c *Client) []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	out := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		out = append(out, roomID)
	}
	return out
}

// shutdownClients closes every connection and send channel.
func (h *Hub) shutdownClients() {
	h.logger.Info().Msg("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
		c.rooms = make(map[string]struct{})
		c.closed = true
		close(c.send)
	}
	h.byUser = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.mutex.Unlock()

	for _, c := range clients {
		metrics.Connections.Dec()
		if h.presence != nil {
			h.presence.ConnectionClosed(c.identity.UserID)
		}
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				c.logger.Warn().Err(err).Msg("error closing client connection")
			}
		}
	}

	h.logger.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown stops the hub and waits for all client goroutines to complete, or
// until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
