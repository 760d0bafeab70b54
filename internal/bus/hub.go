package bus

import (
	"encoding/json"
	"net/http"
	"sync"

	"catwalk/internal/auth"
	"catwalk/internal/store"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenVerifier authenticates the bearer token presented at the websocket
// handshake.
type TokenVerifier interface {
	Verify(raw string) (auth.Identity, error)
}

// GameDirectory is the slice of the shared store the relay needs: join
// validation and authoritative snapshots.
type GameDirectory interface {
	GameByID(id string) (*store.Game, error)
	PlayersByGame(gameID string) ([]store.Player, error)
}

// Hub is the realtime relay. It owns every bus connection, associates each
// with an authenticated identity, and relays room-scoped events. Media never
// passes through it; signaling payloads are opaque.
type Hub struct {
	verifier TokenVerifier
	games    GameDirectory
	log      *zap.SugaredLogger

	mu    sync.Mutex
	rooms map[string]map[*wsClient]struct{}
}

type wsClient struct {
	hub      *Hub
	conn     *websocket.Conn
	identity auth.Identity

	writeMu sync.Mutex

	mu     sync.Mutex
	gameID string
}

func NewHub(verifier TokenVerifier, games GameDirectory, log *zap.SugaredLogger) *Hub {
	return &Hub{
		verifier: verifier,
		games:    games,
		log:      log,
		rooms:    make(map[string]map[*wsClient]struct{}),
	}
}

// HandleWS upgrades an authenticated request and serves the connection until
// it drops. Unauthenticated handshakes are rejected before the upgrade.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.Verify(auth.BearerFromRequest(r))
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{hub: h, conn: conn, identity: identity}
	h.log.Infow("bus connected", "user_id", identity.UserID, "remote", r.RemoteAddr)
	go client.readLoop()
}

func (c *wsClient) readLoop() {
	defer c.hub.dropClient(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.hub.log.Debugw("bus disconnected", "user_id", c.identity.UserID, "error", err)
			return
		}
		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.hub.log.Warnw("bus message unparseable", "user_id", c.identity.UserID, "error", err)
			continue
		}
		c.hub.dispatch(c, envelope)
	}
}

func (h *Hub) dispatch(c *wsClient, envelope Envelope) {
	switch envelope.Event {
	case EventJoinGame:
		h.handleJoin(c, envelope)
	case EventLeaveGame:
		h.handleLeave(c, envelope)
	case EventStreamStart:
		h.relayStream(c, envelope, EventStreamStarted)
	case EventStreamStop:
		h.relayStream(c, envelope, EventStreamStopped)
	case EventSignalOffer, EventSignalAnswer, EventSignalICE:
		h.relaySignal(c, envelope)
	case EventAnimation:
		h.relayAnimation(c, envelope)
	default:
		h.log.Warnw("bus event unknown", "event", envelope.Event, "user_id", c.identity.UserID)
	}
}

func (h *Hub) handleJoin(c *wsClient, envelope Envelope) {
	var payload JoinGamePayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil || payload.GameID == "" {
		c.ack(envelope.Seq, Ack{Status: StatusError, Reason: "gameId is required"})
		return
	}
	game, err := h.games.GameByID(payload.GameID)
	if err != nil {
		c.ack(envelope.Seq, Ack{Status: StatusError, Reason: "game not found"})
		return
	}
	players, err := h.games.PlayersByGame(game.ID)
	if err != nil {
		c.ack(envelope.Seq, Ack{Status: StatusError, Reason: "unable to load game"})
		return
	}
	if game.HostID != c.identity.UserID && !isMember(players, c.identity.UserID) {
		c.ack(envelope.Seq, Ack{Status: StatusError, Reason: "not a participant in this game"})
		return
	}

	h.moveToRoom(c, game.ID)
	h.broadcast(game.ID, EventPresenceJoined, Presence{
		UserID:      c.identity.UserID,
		DisplayName: displayName(c.identity, payload.DisplayName),
	}, c)
	h.log.Infow("bus joined room", "game_id", game.ID, "user_id", c.identity.UserID)
	c.ack(envelope.Seq, Ack{Status: StatusOK, State: &GameState{Game: *game, Players: players}})
}

func (h *Hub) handleLeave(c *wsClient, envelope Envelope) {
	gameID := c.room()
	if gameID == "" {
		c.ack(envelope.Seq, Ack{Status: StatusError, Reason: "not in game room"})
		return
	}
	h.moveToRoom(c, "")
	h.broadcast(gameID, EventPresenceLeft, Presence{UserID: c.identity.UserID}, c)
	c.ack(envelope.Seq, Ack{Status: StatusOK})
}

func (h *Hub) relayStream(c *wsClient, envelope Envelope, relayed Event) {
	gameID := c.room()
	if gameID == "" {
		c.ack(envelope.Seq, Ack{Status: StatusError, Reason: "not in game room"})
		return
	}
	var request StreamRequest
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &request); err != nil {
			c.ack(envelope.Seq, Ack{Status: StatusError, Reason: "invalid payload"})
			return
		}
	}
	streamID := request.StreamID
	if streamID == "" {
		streamID = c.identity.UserID
	}
	h.broadcast(gameID, relayed, StreamEvent{
		StreamID: streamID,
		UserID:   c.identity.UserID,
		GameID:   gameID,
		Metadata: request.Metadata,
	}, c)
	c.ack(envelope.Seq, Ack{Status: StatusOK})
}

func (h *Hub) relaySignal(c *wsClient, envelope Envelope) {
	gameID := c.room()
	if gameID == "" {
		c.ack(envelope.Seq, Ack{Status: StatusError, Reason: "not in game room"})
		return
	}
	var signal Signal
	if err := json.Unmarshal(envelope.Payload, &signal); err != nil {
		c.ack(envelope.Seq, Ack{Status: StatusError, Reason: "invalid payload"})
		return
	}
	signal.GameID = gameID
	signal.FromUserID = c.identity.UserID
	h.broadcast(gameID, envelope.Event, signal, c)
	c.ack(envelope.Seq, Ack{Status: StatusOK})
}

func (h *Hub) relayAnimation(c *wsClient, envelope Envelope) {
	gameID := c.room()
	if gameID == "" {
		c.ack(envelope.Seq, Ack{Status: StatusError, Reason: "not in game room"})
		return
	}
	var command AnimationCommand
	if err := json.Unmarshal(envelope.Payload, &command); err != nil {
		c.ack(envelope.Seq, Ack{Status: StatusError, Reason: "invalid payload"})
		return
	}
	command.GameID = gameID
	command.UserID = c.identity.UserID
	h.broadcast(gameID, EventAnimation, command, c)
	c.ack(envelope.Seq, Ack{Status: StatusOK})
}

// BroadcastState pushes the authoritative snapshot to everyone in the room.
// Called by the HTTP layer after store mutations.
func (h *Hub) BroadcastState(gameID string) {
	game, err := h.games.GameByID(gameID)
	if err != nil {
		h.log.Warnw("state broadcast skipped", "game_id", gameID, "error", err)
		return
	}
	players, err := h.games.PlayersByGame(gameID)
	if err != nil {
		h.log.Warnw("state broadcast skipped", "game_id", gameID, "error", err)
		return
	}
	h.broadcast(gameID, EventGameSync, GameState{Game: *game, Players: players}, nil)
}

// BroadcastScoreboard relays final standings so peers that missed the store
// update still transition.
func (h *Hub) BroadcastScoreboard(board Scoreboard) {
	h.broadcast(board.GameID, EventScoreboard, board, nil)
}

func (h *Hub) broadcast(gameID string, event Event, payload any, skip *wsClient) {
	h.mu.Lock()
	members := make([]*wsClient, 0, len(h.rooms[gameID]))
	for member := range h.rooms[gameID] {
		if member != skip {
			members = append(members, member)
		}
	}
	h.mu.Unlock()

	data, err := encodeEnvelope(event, 0, payload)
	if err != nil {
		return
	}
	for _, member := range members {
		if err := member.write(data); err != nil {
			h.dropClient(member)
		}
	}
}

func (h *Hub) moveToRoom(c *wsClient, gameID string) {
	c.mu.Lock()
	previous := c.gameID
	c.gameID = gameID
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if previous != "" {
		if room, ok := h.rooms[previous]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, previous)
			}
		}
	}
	if gameID != "" {
		room := h.rooms[gameID]
		if room == nil {
			room = make(map[*wsClient]struct{})
			h.rooms[gameID] = room
		}
		room[c] = struct{}{}
	}
}

func (h *Hub) dropClient(c *wsClient) {
	gameID := c.room()
	h.moveToRoom(c, "")
	_ = c.conn.Close()
	if gameID != "" {
		h.broadcast(gameID, EventPresenceLeft, Presence{UserID: c.identity.UserID}, c)
	}
}

func (c *wsClient) room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gameID
}

func (c *wsClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) ack(seq int64, payload Ack) {
	if seq == 0 {
		return
	}
	data, err := encodeEnvelope(eventAck, seq, payload)
	if err != nil {
		return
	}
	_ = c.write(data)
}

func isMember(players []store.Player, userID string) bool {
	for i := range players {
		if players[i].UserID == userID {
			return true
		}
	}
	return false
}

func displayName(identity auth.Identity, override string) string {
	if override != "" {
		return override
	}
	if identity.DisplayName != "" {
		return identity.DisplayName
	}
	if identity.Email != "" {
		return identity.Email
	}
	return identity.UserID
}
