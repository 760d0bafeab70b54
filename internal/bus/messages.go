package bus

import (
	"encoding/json"

	"catwalk/internal/store"
)

// Event identifies a message kind on the wire. Clients and the relay share
// this enum; unknown events are dropped after a log line.
type Event string

const (
	EventJoinGame    Event = "join_game"
	EventLeaveGame   Event = "leave_game"
	EventStreamStart Event = "stream:start"
	EventStreamStop  Event = "stream:stop"

	EventStreamStarted  Event = "stream:started"
	EventStreamStopped  Event = "stream:stopped"
	EventSignalOffer    Event = "signaling:offer"
	EventSignalAnswer   Event = "signaling:answer"
	EventSignalICE      Event = "signaling:ice"
	EventAnimation      Event = "animation:command"
	EventGameSync       Event = "game:sync"
	EventScoreboard     Event = "scoreboard"
	EventPresenceJoined Event = "presence:joined"
	EventPresenceLeft   Event = "presence:left"

	eventAck Event = "ack"
)

// Envelope is the wire framing: one JSON object per websocket text message.
// Seq is non-zero on client requests that expect an acknowledgement; the
// relay answers with an "ack" envelope carrying the same Seq.
type Envelope struct {
	Event   Event           `json:"event"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeEnvelope(event Event, seq int64, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return json.Marshal(Envelope{Event: event, Seq: seq, Payload: raw})
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

type JoinGamePayload struct {
	GameID      string `json:"gameId"`
	DisplayName string `json:"displayName,omitempty"`
}

// GameState is the authoritative {game, players} snapshot pushed on
// game:sync and returned from a successful join.
type GameState struct {
	Game    store.Game     `json:"game"`
	Players []store.Player `json:"players"`
}

type Ack struct {
	Status string     `json:"status"`
	Reason string     `json:"reason,omitempty"`
	State  *GameState `json:"state,omitempty"`
}

type StreamRequest struct {
	StreamID string         `json:"streamId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StreamEvent is the relayed form of a stream lifecycle announcement; the
// relay stamps UserID from the connection's identity.
type StreamEvent struct {
	StreamID string         `json:"streamId"`
	UserID   string         `json:"userId"`
	GameID   string         `json:"gameId"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Signal carries one leg of the offer/answer/ICE handshake. Data is opaque
// to the relay. TargetUserID empty means broadcast; receivers filter.
type Signal struct {
	GameID       string          `json:"gameId,omitempty"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Data         json.RawMessage `json:"data"`
}

type AnimationCommand struct {
	GameID     string         `json:"gameId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type Standing struct {
	PlayerID string `json:"player_id"`
	UserID   string `json:"user_id"`
	Score    int    `json:"score"`
}

type Scoreboard struct {
	GameID    string     `json:"gameId"`
	Round     int        `json:"round"`
	Standings []Standing `json:"standings"`
}

type Presence struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}
