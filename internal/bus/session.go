package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Conn is a single established bus connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens bus connections. The websocket dialer lives in transport.go;
// tests inject a fake.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

var (
	ErrSessionClosed = errors.New("bus session closed")
	ErrNotConnected  = errors.New("bus session not connected")
)

const ackTimeout = 10 * time.Second

// Session is the client side of the bus: one authenticated connection, typed
// subscriptions with explicit unsubscribe, request/ack for room membership,
// and reconnection with automatic room rejoin.
type Session struct {
	dialer Dialer
	log    *zap.SugaredLogger

	mu          sync.Mutex
	conn        Conn
	seq         int64
	pending     map[int64]chan Ack
	handlers    map[Event]map[int]func(json.RawMessage)
	nextHandler int
	gameID      string
	displayName string
	closed      bool
}

func NewSession(dialer Dialer, log *zap.SugaredLogger) *Session {
	return &Session{
		dialer:   dialer,
		log:      log,
		pending:  make(map[int64]chan Ack),
		handlers: make(map[Event]map[int]func(json.RawMessage)),
	}
}

// Connect dials the relay and starts the read loop. Call once; reconnection
// after that is automatic.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()
	go s.readLoop(conn)
	return nil
}

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	for seq, ch := range s.pending {
		delete(s.pending, seq)
		close(ch)
	}
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Subscribe registers a raw handler for an event kind and returns its
// unsubscribe func. Multiple independent listeners per kind are supported.
func (s *Session) Subscribe(event Event, handler func(json.RawMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	group := s.handlers[event]
	if group == nil {
		group = make(map[int]func(json.RawMessage))
		s.handlers[event] = group
	}
	id := s.nextHandler
	s.nextHandler++
	group[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if group, ok := s.handlers[event]; ok {
			delete(group, id)
			if len(group) == 0 {
				delete(s.handlers, event)
			}
		}
	}
}

// JoinGame enters the game room and returns the authoritative snapshot the
// relay acked with, when present.
func (s *Session) JoinGame(ctx context.Context, gameID, displayName string) (*GameState, error) {
	ack, err := s.request(ctx, EventJoinGame, JoinGamePayload{GameID: gameID, DisplayName: displayName})
	if err != nil {
		return nil, err
	}
	if ack.Status != StatusOK {
		return nil, errors.New(ack.Reason)
	}
	s.mu.Lock()
	s.gameID = gameID
	s.displayName = displayName
	s.mu.Unlock()
	return ack.State, nil
}

func (s *Session) LeaveGame(ctx context.Context) error {
	s.mu.Lock()
	s.gameID = ""
	s.mu.Unlock()
	ack, err := s.request(ctx, EventLeaveGame, nil)
	if err != nil {
		return err
	}
	if ack.Status != StatusOK {
		return errors.New(ack.Reason)
	}
	return nil
}

func (s *Session) StreamStart(request StreamRequest) error {
	return s.emit(EventStreamStart, request)
}

func (s *Session) StreamStop() error {
	return s.emit(EventStreamStop, StreamRequest{})
}

func (s *Session) SendOffer(signal Signal) error {
	return s.emit(EventSignalOffer, signal)
}

func (s *Session) SendAnswer(signal Signal) error {
	return s.emit(EventSignalAnswer, signal)
}

func (s *Session) SendICE(signal Signal) error {
	return s.emit(EventSignalICE, signal)
}

func (s *Session) SendAnimation(command string, parameters map[string]any) error {
	return s.emit(EventAnimation, AnimationCommand{Command: command, Parameters: parameters})
}

func (s *Session) emit(event Event, payload any) error {
	data, err := encodeEnvelope(event, 0, payload)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *Session) request(ctx context.Context, event Event, payload any) (Ack, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Ack{}, ErrSessionClosed
	}
	s.seq++
	seq := s.seq
	ch := make(chan Ack, 1)
	s.pending[seq] = ch
	s.mu.Unlock()

	data, err := encodeEnvelope(event, seq, payload)
	if err == nil {
		err = s.write(data)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
		return Ack{}, err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return Ack{}, ErrSessionClosed
		}
		return ack, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
		return Ack{}, errors.New("bus request timed out")
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
		return Ack{}, ctx.Err()
	}
}

func (s *Session) write(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(data)
}

func (s *Session) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Warnw("bus read failed, reconnecting", "error", err)
				s.reconnect()
			}
			return
		}
		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			s.log.Warnw("bus message unparseable", "error", err)
			continue
		}
		if envelope.Event == eventAck {
			s.resolveAck(envelope)
			continue
		}
		s.dispatch(envelope)
	}
}

func (s *Session) resolveAck(envelope Envelope) {
	var ack Ack
	if err := json.Unmarshal(envelope.Payload, &ack); err != nil {
		s.log.Warnw("bus ack unparseable", "error", err)
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[envelope.Seq]
	if ok {
		delete(s.pending, envelope.Seq)
	}
	s.mu.Unlock()
	if ok {
		ch <- ack
	}
}

func (s *Session) dispatch(envelope Envelope) {
	s.mu.Lock()
	group := s.handlers[envelope.Event]
	handlers := make([]func(json.RawMessage), 0, len(group))
	for _, handler := range group {
		handlers = append(handlers, handler)
	}
	s.mu.Unlock()
	for _, handler := range handlers {
		handler(envelope.Payload)
	}
}

// reconnect redials with capped exponential backoff and rejoins the room the
// session was in, so a dropped connection is invisible to the engine beyond
// a gap in notifications.
func (s *Session) reconnect() {
	wait := time.Second
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		conn, err := s.dialer.Dial(ctx)
		cancel()
		if err != nil {
			s.log.Warnw("bus reconnect failed", "error", err, "retry_in", wait)
			time.Sleep(wait)
			if wait *= 2; wait > 30*time.Second {
				wait = 30 * time.Second
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		gameID := s.gameID
		displayName := s.displayName
		s.mu.Unlock()
		go s.readLoop(conn)

		if gameID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
			if _, err := s.JoinGame(ctx, gameID, displayName); err != nil {
				s.log.Warnw("bus rejoin failed", "game_id", gameID, "error", err)
			}
			cancel()
		}
		return
	}
}
