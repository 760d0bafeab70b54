package peer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"catwalk/internal/bus"
	"catwalk/internal/logger"
)

type fakeTrack struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeTrack) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTrack) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeMedia struct {
	tracks []*fakeTrack
}

func (f *fakeMedia) OpenTrack() (TrackSource, error) {
	track := &fakeTrack{}
	f.tracks = append(f.tracks, track)
	return track, nil
}

type fakeRTCConn struct {
	mu         sync.Mutex
	remoteSet  json.RawMessage
	candidates []json.RawMessage
	tracks     []TrackSource
	closed     bool
	onICE      func(json.RawMessage)
	onTrack    func(string, string)
}

func (f *fakeRTCConn) CreateOffer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer"}`), nil
}

func (f *fakeRTCConn) CreateAnswer() (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer"}`), nil
}

func (f *fakeRTCConn) SetRemoteDescription(description json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSet = description
	return nil
}

func (f *fakeRTCConn) AddICECandidate(candidate json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakeRTCConn) AddTrack(track TrackSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakeRTCConn) OnICECandidate(fn func(json.RawMessage)) { f.onICE = fn }
func (f *fakeRTCConn) OnTrack(fn func(string, string))         { f.onTrack = fn }

func (f *fakeRTCConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRTCConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeRTCConn) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeRTCConn
	err   error
}

func (f *fakeFactory) NewConn() (RTCConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	conn := &fakeRTCConn{}
	f.conns = append(f.conns, conn)
	return conn, nil
}

type fakeSignaler struct {
	mu       sync.Mutex
	handlers map[bus.Event][]func(json.RawMessage)
	started  []bus.StreamRequest
	stopped  int
	offers   []bus.Signal
	answers  []bus.Signal
	ice      []bus.Signal
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[bus.Event][]func(json.RawMessage))}
}

func (f *fakeSignaler) Subscribe(event bus.Event, handler func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
	return func() {}
}

func (f *fakeSignaler) StreamStart(request bus.StreamRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, request)
	return nil
}

func (f *fakeSignaler) StreamStop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeSignaler) SendOffer(signal bus.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, signal)
	return nil
}

func (f *fakeSignaler) SendAnswer(signal bus.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, signal)
	return nil
}

func (f *fakeSignaler) SendICE(signal bus.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ice = append(f.ice, signal)
	return nil
}

// deliver pushes an event payload through the subscribed handlers, the way
// the session dispatches relayed envelopes.
func (f *fakeSignaler) deliver(t *testing.T, event bus.Event, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.mu.Lock()
	handlers := append([]func(json.RawMessage){}, f.handlers[event]...)
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(data)
	}
}

func newTestManager(userID string) (*Manager, *fakeFactory, *fakeMedia, *fakeSignaler) {
	factory := &fakeFactory{}
	media := &fakeMedia{}
	signaler := newFakeSignaler()
	manager := NewManager(factory, media, signaler, logger.Nop(), userID)
	manager.Start()
	return manager, factory, media, signaler
}

func TestViewerOffersOnStreamStarted(t *testing.T) {
	manager, factory, _, signaler := newTestManager("viewer-1")

	signaler.deliver(t, bus.EventStreamStarted, bus.StreamEvent{
		StreamID: "pub-1", UserID: "pub-1", GameID: "g1",
	})

	if len(factory.conns) != 1 {
		t.Fatalf("expected one viewing connection, got %d", len(factory.conns))
	}
	if len(signaler.offers) != 1 || signaler.offers[0].TargetUserID != "pub-1" {
		t.Fatalf("expected targeted offer, got %+v", signaler.offers)
	}
	if manager.Sessions() != 1 {
		t.Fatalf("expected one live session")
	}
}

func TestOwnStreamStartedIgnored(t *testing.T) {
	manager, factory, _, signaler := newTestManager("pub-1")
	signaler.deliver(t, bus.EventStreamStarted, bus.StreamEvent{StreamID: "pub-1", UserID: "pub-1"})
	if len(factory.conns) != 0 || manager.Sessions() != 0 {
		t.Fatalf("own announcement must not open a session")
	}
}

func TestPublisherAnswersOffers(t *testing.T) {
	manager, factory, media, signaler := newTestManager("pub-1")
	if err := manager.StartPublishing(context.Background()); err != nil {
		t.Fatalf("start publishing: %v", err)
	}
	if len(signaler.started) != 1 || signaler.started[0].StreamID != "pub-1" {
		t.Fatalf("expected stream announcement, got %+v", signaler.started)
	}

	signaler.deliver(t, bus.EventSignalOffer, bus.Signal{
		FromUserID: "viewer-1", TargetUserID: "pub-1",
		Data: json.RawMessage(`{"type":"offer"}`),
	})

	if len(factory.conns) != 1 {
		t.Fatalf("expected one answering connection, got %d", len(factory.conns))
	}
	conn := factory.conns[0]
	if len(conn.tracks) != 1 {
		t.Fatalf("the capture track must be attached before answering")
	}
	if len(signaler.answers) != 1 || signaler.answers[0].TargetUserID != "viewer-1" {
		t.Fatalf("expected targeted answer, got %+v", signaler.answers)
	}
	if media.tracks[0].isClosed() {
		t.Fatalf("track must stay open while publishing")
	}
}

func TestNonPublisherIgnoresOffers(t *testing.T) {
	manager, factory, _, signaler := newTestManager("viewer-1")
	signaler.deliver(t, bus.EventSignalOffer, bus.Signal{
		FromUserID: "viewer-2", Data: json.RawMessage(`{"type":"offer"}`),
	})
	if len(factory.conns) != 0 || manager.Sessions() != 0 {
		t.Fatalf("only the publisher answers offers")
	}
}

func TestAnswerWithoutSessionDropped(t *testing.T) {
	_, factory, _, signaler := newTestManager("viewer-1")
	signaler.deliver(t, bus.EventSignalAnswer, bus.Signal{
		FromUserID: "pub-1", Data: json.RawMessage(`{"type":"answer"}`),
	})
	if len(factory.conns) != 0 {
		t.Fatalf("stray answer must not open a connection")
	}
}

func TestAnswerAppliedToViewingSession(t *testing.T) {
	_, factory, _, signaler := newTestManager("viewer-1")
	signaler.deliver(t, bus.EventStreamStarted, bus.StreamEvent{StreamID: "pub-1", UserID: "pub-1"})

	signaler.deliver(t, bus.EventSignalAnswer, bus.Signal{
		FromUserID: "pub-1", TargetUserID: "viewer-1",
		Data: json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	})
	conn := factory.conns[0]
	conn.mu.Lock()
	remote := string(conn.remoteSet)
	conn.mu.Unlock()
	if remote != `{"type":"answer","sdp":"v=0"}` {
		t.Fatalf("expected answer applied, got %s", remote)
	}
}

func TestICEBufferedUntilSessionExists(t *testing.T) {
	_, factory, _, signaler := newTestManager("viewer-1")

	// Candidates outrun the stream announcement.
	for i := 0; i < 3; i++ {
		signaler.deliver(t, bus.EventSignalICE, bus.Signal{
			FromUserID: "pub-1", Data: json.RawMessage(`{"candidate":"host"}`),
		})
	}
	if len(factory.conns) != 0 {
		t.Fatalf("buffered candidates must not open a connection")
	}

	signaler.deliver(t, bus.EventStreamStarted, bus.StreamEvent{StreamID: "pub-1", UserID: "pub-1"})
	conn := factory.conns[0]
	if got := conn.candidateCount(); got != 3 {
		t.Fatalf("expected 3 replayed candidates, got %d", got)
	}

	signaler.deliver(t, bus.EventSignalICE, bus.Signal{
		FromUserID: "pub-1", Data: json.RawMessage(`{"candidate":"srflx"}`),
	})
	if got := conn.candidateCount(); got != 4 {
		t.Fatalf("live candidate must apply directly, got %d", got)
	}
}

func TestICEBufferCapped(t *testing.T) {
	_, factory, _, signaler := newTestManager("viewer-1")
	for i := 0; i < maxBufferedCandidates+10; i++ {
		signaler.deliver(t, bus.EventSignalICE, bus.Signal{
			FromUserID: "pub-1", Data: json.RawMessage(`{"candidate":"host"}`),
		})
	}
	signaler.deliver(t, bus.EventStreamStarted, bus.StreamEvent{StreamID: "pub-1", UserID: "pub-1"})
	if got := factory.conns[0].candidateCount(); got != maxBufferedCandidates {
		t.Fatalf("expected buffer capped at %d, got %d", maxBufferedCandidates, got)
	}
}

func TestStreamStoppedTearsDownSession(t *testing.T) {
	manager, factory, _, signaler := newTestManager("viewer-1")
	signaler.deliver(t, bus.EventStreamStarted, bus.StreamEvent{StreamID: "pub-1", UserID: "pub-1"})
	conn := factory.conns[0]

	signaler.deliver(t, bus.EventStreamStopped, bus.StreamEvent{StreamID: "pub-1", UserID: "pub-1"})
	if !conn.isClosed() {
		t.Fatalf("expected connection closed on stream stop")
	}
	if manager.Sessions() != 0 {
		t.Fatalf("expected no sessions after stop")
	}
}

func TestStopPublishingReleasesEverything(t *testing.T) {
	manager, factory, media, signaler := newTestManager("pub-1")
	if err := manager.StartPublishing(context.Background()); err != nil {
		t.Fatalf("start publishing: %v", err)
	}
	signaler.deliver(t, bus.EventSignalOffer, bus.Signal{
		FromUserID: "viewer-1", Data: json.RawMessage(`{"type":"offer"}`),
	})

	if err := manager.StopPublishing(); err != nil {
		t.Fatalf("stop publishing: %v", err)
	}
	if signaler.stopped != 1 {
		t.Fatalf("expected stream stop announcement")
	}
	if !factory.conns[0].isClosed() {
		t.Fatalf("viewer-facing connection must close")
	}
	if !media.tracks[0].isClosed() {
		t.Fatalf("capture track must be released")
	}
	if manager.Publishing() {
		t.Fatalf("expected idle after stop")
	}
}

func TestRestartPublishingReplacesStream(t *testing.T) {
	manager, _, media, signaler := newTestManager("pub-1")
	if err := manager.StartPublishing(context.Background()); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := manager.StartPublishing(context.Background()); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if signaler.stopped != 1 || len(signaler.started) != 2 {
		t.Fatalf("restart must stop the first stream, got stops=%d starts=%d", signaler.stopped, len(signaler.started))
	}
	if !media.tracks[0].isClosed() || media.tracks[1].isClosed() {
		t.Fatalf("first track released, second live")
	}
}

func TestRemoteTrackCallback(t *testing.T) {
	manager, factory, _, signaler := newTestManager("viewer-1")
	var (
		mu     sync.Mutex
		gotPub string
		gotStr string
	)
	manager.OnRemoteTrack(func(userID, streamID, trackID string) {
		mu.Lock()
		defer mu.Unlock()
		gotPub, gotStr = userID, streamID
	})

	signaler.deliver(t, bus.EventStreamStarted, bus.StreamEvent{StreamID: "stream-9", UserID: "pub-1"})
	factory.conns[0].onTrack("ignored", "track-1")

	mu.Lock()
	defer mu.Unlock()
	if gotPub != "pub-1" || gotStr != "stream-9" {
		t.Fatalf("expected remote track from pub-1/stream-9, got %s/%s", gotPub, gotStr)
	}
}
