package peer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Factory builds pion peer connections sharing one ICE server config.
type Factory struct {
	config webrtc.Configuration
}

func NewFactory(stunServers []string) *Factory {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &Factory{config: config}
}

func (f *Factory) NewConn() (RTCConn, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer() (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (c *pionConn) CreateAnswer() (json.RawMessage, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (c *pionConn) SetRemoteDescription(description json.RawMessage) error {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(description, &sdp); err != nil {
		return fmt.Errorf("decode session description: %w", err)
	}
	return c.pc.SetRemoteDescription(sdp)
}

func (c *pionConn) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode ice candidate: %w", err)
	}
	return c.pc.AddICECandidate(init)
}

func (c *pionConn) AddTrack(track TrackSource) error {
	sample, ok := track.(*SampleTrack)
	if !ok {
		return errors.New("unsupported track source")
	}
	_, err := c.pc.AddTrack(sample.track)
	return err
}

func (c *pionConn) OnICECandidate(fn func(candidate json.RawMessage)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		encoded, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		fn(encoded)
	})
}

func (c *pionConn) OnTrack(fn func(streamID, trackID string)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track.StreamID(), track.ID())
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

// SampleTrack is a local video track fed by encoded samples. The capture
// layer above the manager writes frames into it; pion fans them out to every
// attached connection.
type SampleTrack struct {
	track *webrtc.TrackLocalStaticSample
}

func NewSampleTrack(mimeType, streamID string) (*SampleTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("new sample track: %w", err)
	}
	return &SampleTrack{track: track}, nil
}

func (t *SampleTrack) WriteSample(sample media.Sample) error {
	return t.track.WriteSample(sample)
}

func (t *SampleTrack) Close() error { return nil }

// SampleSource satisfies MediaSource with a fixed codec; each publish opens
// a fresh track keyed by the publisher's stream id.
type SampleSource struct {
	MimeType string
	StreamID string
}

func (s *SampleSource) OpenTrack() (TrackSource, error) {
	mime := s.MimeType
	if mime == "" {
		mime = webrtc.MimeTypeVP8
	}
	return NewSampleTrack(mime, s.StreamID)
}
