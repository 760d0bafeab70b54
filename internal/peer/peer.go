package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"catwalk/internal/bus"

	"go.uber.org/zap"
)

// RTCConn is one peer connection. The pion adapter in webrtc.go implements
// it; tests use a fake. Descriptions and candidates are opaque JSON so they
// travel through bus.Signal.Data untouched.
type RTCConn interface {
	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(description json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	AddTrack(track TrackSource) error
	OnICECandidate(fn func(candidate json.RawMessage))
	OnTrack(fn func(streamID, trackID string))
	Close() error
}

// TrackSource is a local media track that can be attached to connections.
type TrackSource interface {
	Close() error
}

// ConnFactory builds peer connections.
type ConnFactory interface {
	NewConn() (RTCConn, error)
}

// MediaSource opens the local capture track when publishing starts.
type MediaSource interface {
	OpenTrack() (TrackSource, error)
}

// Signaler is the bus surface the manager needs: typed subscriptions plus
// the stream lifecycle and signaling emits.
type Signaler interface {
	Subscribe(event bus.Event, handler func(json.RawMessage)) func()
	StreamStart(request bus.StreamRequest) error
	StreamStop() error
	SendOffer(signal bus.Signal) error
	SendAnswer(signal bus.Signal) error
	SendICE(signal bus.Signal) error
}

const (
	roleIdle      = "idle"
	rolePublisher = "publisher"
	roleViewer    = "viewer"
)

// Candidates arriving before their session exists are held for replay.
// Beyond the cap the oldest are dropped; ICE restarts recover the rest.
const maxBufferedCandidates = 32

type session struct {
	conn   RTCConn
	userID string
}

// Manager owns every peer connection for one game: the single local
// publishing session plus one session per remote stream being watched.
// Signaling legs arrive via the bus; candidates that outrun their session
// are buffered and replayed.
type Manager struct {
	factory  ConnFactory
	media    MediaSource
	signaler Signaler
	log      *zap.SugaredLogger
	userID   string

	mu        sync.Mutex
	role      string
	track     TrackSource
	sessions  map[string]*session
	iceBuffer map[string][]json.RawMessage
	onTrack   func(userID, streamID, trackID string)
	unsubs    []func()
	closed    bool
}

func NewManager(factory ConnFactory, media MediaSource, signaler Signaler, log *zap.SugaredLogger, userID string) *Manager {
	return &Manager{
		factory:   factory,
		media:     media,
		signaler:  signaler,
		log:       log,
		userID:    userID,
		role:      roleIdle,
		sessions:  make(map[string]*session),
		iceBuffer: make(map[string][]json.RawMessage),
	}
}

// OnRemoteTrack registers the callback fired when a watched stream's media
// arrives.
func (m *Manager) OnRemoteTrack(fn func(userID, streamID, trackID string)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

// Start wires the signaling subscriptions. Call once per joined game.
func (m *Manager) Start() {
	m.mu.Lock()
	m.unsubs = append(m.unsubs,
		m.signaler.Subscribe(bus.EventStreamStarted, m.handleStreamStarted),
		m.signaler.Subscribe(bus.EventStreamStopped, m.handleStreamStopped),
		m.signaler.Subscribe(bus.EventSignalOffer, m.handleOffer),
		m.signaler.Subscribe(bus.EventSignalAnswer, m.handleAnswer),
		m.signaler.Subscribe(bus.EventSignalICE, m.handleICE),
	)
	m.mu.Unlock()
}

// StartPublishing opens the capture track and announces the stream. At most
// one publishing session exists; a second call stops the first stream before
// starting over.
func (m *Manager) StartPublishing(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("peer manager closed")
	}
	if m.role == rolePublisher {
		m.mu.Unlock()
		if err := m.StopPublishing(); err != nil {
			return err
		}
		m.mu.Lock()
	}
	m.mu.Unlock()

	track, err := m.media.OpenTrack()
	if err != nil {
		return fmt.Errorf("open capture track: %w", err)
	}

	m.mu.Lock()
	m.role = rolePublisher
	m.track = track
	m.mu.Unlock()

	if err := m.signaler.StreamStart(bus.StreamRequest{StreamID: m.userID}); err != nil {
		m.teardownPublishing()
		return fmt.Errorf("announce stream: %w", err)
	}
	m.log.Infow("publishing started", "user_id", m.userID)
	return nil
}

// StopPublishing announces the stop, closes every viewer-facing session and
// releases the capture track.
func (m *Manager) StopPublishing() error {
	m.mu.Lock()
	if m.role != rolePublisher {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	err := m.signaler.StreamStop()
	m.teardownPublishing()
	m.log.Infow("publishing stopped", "user_id", m.userID)
	return err
}

func (m *Manager) teardownPublishing() {
	m.mu.Lock()
	track := m.track
	m.track = nil
	m.role = roleIdle
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.iceBuffer = make(map[string][]json.RawMessage)
	m.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
	if track != nil {
		_ = track.Close()
	}
}

// Close tears down every session and subscription. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsubs := m.unsubs
	m.unsubs = nil
	track := m.track
	m.track = nil
	m.role = roleIdle
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.iceBuffer = make(map[string][]json.RawMessage)
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
	if track != nil {
		_ = track.Close()
	}
}

// handleStreamStarted reacts to a remote publisher's announcement by opening
// a viewing session and sending it an offer.
func (m *Manager) handleStreamStarted(payload json.RawMessage) {
	var event bus.StreamEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		m.log.Warnw("stream started unparseable", "error", err)
		return
	}
	if event.UserID == "" || event.UserID == m.userID {
		return
	}

	m.mu.Lock()
	if m.closed || m.role == rolePublisher {
		m.mu.Unlock()
		return
	}
	if stale, ok := m.sessions[event.UserID]; ok {
		delete(m.sessions, event.UserID)
		m.mu.Unlock()
		_ = stale.conn.Close()
		m.mu.Lock()
	}
	m.role = roleViewer
	m.mu.Unlock()

	conn, err := m.factory.NewConn()
	if err != nil {
		m.log.Warnw("viewer connection failed", "publisher", event.UserID, "error", err)
		return
	}
	m.wireConn(conn, event.UserID, event.StreamID)

	offer, err := conn.CreateOffer()
	if err != nil {
		m.log.Warnw("offer failed", "publisher", event.UserID, "error", err)
		_ = conn.Close()
		return
	}

	m.mu.Lock()
	m.sessions[event.UserID] = &session{conn: conn, userID: event.UserID}
	m.mu.Unlock()

	if err := m.signaler.SendOffer(bus.Signal{TargetUserID: event.UserID, Data: offer}); err != nil {
		m.log.Warnw("offer send failed", "publisher", event.UserID, "error", err)
	}
	m.replayBuffered(event.UserID)
}

// handleStreamStopped tears down the session watching that publisher.
func (m *Manager) handleStreamStopped(payload json.RawMessage) {
	var event bus.StreamEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		m.log.Warnw("stream stopped unparseable", "error", err)
		return
	}
	m.dropSession(event.UserID)
}

func (m *Manager) dropSession(userID string) {
	m.mu.Lock()
	sess, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	delete(m.iceBuffer, userID)
	if m.role == roleViewer && len(m.sessions) == 0 {
		m.role = roleIdle
	}
	m.mu.Unlock()
	if ok {
		_ = sess.conn.Close()
	}
}

// handleOffer answers a viewer's offer with the capture track attached. Only
// the publisher answers; everyone else ignores stray offers.
func (m *Manager) handleOffer(payload json.RawMessage) {
	var signal bus.Signal
	if err := json.Unmarshal(payload, &signal); err != nil {
		m.log.Warnw("offer unparseable", "error", err)
		return
	}
	if signal.FromUserID == "" || signal.FromUserID == m.userID {
		return
	}
	if signal.TargetUserID != "" && signal.TargetUserID != m.userID {
		return
	}

	m.mu.Lock()
	if m.closed || m.role != rolePublisher || m.track == nil {
		m.mu.Unlock()
		return
	}
	track := m.track
	if stale, ok := m.sessions[signal.FromUserID]; ok {
		delete(m.sessions, signal.FromUserID)
		m.mu.Unlock()
		_ = stale.conn.Close()
		m.mu.Lock()
	}
	m.mu.Unlock()

	conn, err := m.factory.NewConn()
	if err != nil {
		m.log.Warnw("answer connection failed", "viewer", signal.FromUserID, "error", err)
		return
	}
	m.wireConn(conn, signal.FromUserID, "")

	if err := conn.AddTrack(track); err != nil {
		m.log.Warnw("track attach failed", "viewer", signal.FromUserID, "error", err)
		_ = conn.Close()
		return
	}
	if err := conn.SetRemoteDescription(signal.Data); err != nil {
		m.log.Warnw("offer apply failed", "viewer", signal.FromUserID, "error", err)
		_ = conn.Close()
		return
	}
	answer, err := conn.CreateAnswer()
	if err != nil {
		m.log.Warnw("answer failed", "viewer", signal.FromUserID, "error", err)
		_ = conn.Close()
		return
	}

	m.mu.Lock()
	m.sessions[signal.FromUserID] = &session{conn: conn, userID: signal.FromUserID}
	m.mu.Unlock()

	if err := m.signaler.SendAnswer(bus.Signal{TargetUserID: signal.FromUserID, Data: answer}); err != nil {
		m.log.Warnw("answer send failed", "viewer", signal.FromUserID, "error", err)
	}
	m.replayBuffered(signal.FromUserID)
}

// handleAnswer applies the publisher's answer to the outstanding viewing
// session. An answer with no matching session is dropped.
func (m *Manager) handleAnswer(payload json.RawMessage) {
	var signal bus.Signal
	if err := json.Unmarshal(payload, &signal); err != nil {
		m.log.Warnw("answer unparseable", "error", err)
		return
	}
	if signal.FromUserID == m.userID {
		return
	}
	if signal.TargetUserID != "" && signal.TargetUserID != m.userID {
		return
	}

	m.mu.Lock()
	sess, ok := m.sessions[signal.FromUserID]
	viewer := m.role == roleViewer
	m.mu.Unlock()
	if !ok || !viewer {
		m.log.Debugw("answer without session", "from", signal.FromUserID)
		return
	}
	if err := sess.conn.SetRemoteDescription(signal.Data); err != nil {
		m.log.Warnw("answer apply failed", "from", signal.FromUserID, "error", err)
	}
}

// handleICE feeds a candidate to its session, or buffers it until the
// session exists.
func (m *Manager) handleICE(payload json.RawMessage) {
	var signal bus.Signal
	if err := json.Unmarshal(payload, &signal); err != nil {
		m.log.Warnw("ice candidate unparseable", "error", err)
		return
	}
	if signal.FromUserID == "" || signal.FromUserID == m.userID {
		return
	}
	if signal.TargetUserID != "" && signal.TargetUserID != m.userID {
		return
	}

	m.mu.Lock()
	sess, ok := m.sessions[signal.FromUserID]
	if !ok {
		buffer := append(m.iceBuffer[signal.FromUserID], signal.Data)
		if len(buffer) > maxBufferedCandidates {
			buffer = buffer[len(buffer)-maxBufferedCandidates:]
		}
		m.iceBuffer[signal.FromUserID] = buffer
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := sess.conn.AddICECandidate(signal.Data); err != nil {
		m.log.Debugw("ice candidate rejected", "from", signal.FromUserID, "error", err)
	}
}

func (m *Manager) replayBuffered(userID string) {
	m.mu.Lock()
	buffered := m.iceBuffer[userID]
	delete(m.iceBuffer, userID)
	sess, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, candidate := range buffered {
		if err := sess.conn.AddICECandidate(candidate); err != nil {
			m.log.Debugw("buffered candidate rejected", "from", userID, "error", err)
		}
	}
}

func (m *Manager) wireConn(conn RTCConn, peerUserID, streamID string) {
	conn.OnICECandidate(func(candidate json.RawMessage) {
		if candidate == nil {
			return
		}
		if err := m.signaler.SendICE(bus.Signal{TargetUserID: peerUserID, Data: candidate}); err != nil {
			m.log.Debugw("ice send failed", "to", peerUserID, "error", err)
		}
	})
	conn.OnTrack(func(trackStreamID, trackID string) {
		m.mu.Lock()
		fn := m.onTrack
		m.mu.Unlock()
		if fn != nil {
			if streamID != "" {
				trackStreamID = streamID
			}
			fn(peerUserID, trackStreamID, trackID)
		}
	})
}

// Sessions reports how many peer sessions are live. Used by status handlers.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Publishing reports whether the local capture track is live.
func (m *Manager) Publishing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role == rolePublisher
}
