package rtc

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.cribnosh.com/utils"
)

// ConnectionState is the aggregate state of a session's transports.
type ConnectionState int

// The set of connection states.
const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func connectionStateFromPion(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateUnknown:
		return ConnectionStateNew
	default:
		return ConnectionStateNew
	}
}

// SessionHandlers are called from pion's goroutines and must not block.
type SessionHandlers struct {
	// OnLocalCandidate receives every locally gathered candidate, encoded.
	OnLocalCandidate func(candidate string)
	// OnConnectionStateChange receives every connection state change.
	OnConnectionStateChange func(state ConnectionState)
	// OnRemoteTrack is called once per remote track.
	OnRemoteTrack func(kind string)
}

// A Session is a single peer connection carrying one call's audio. It is never reused.
type Session struct {
	isCaller bool
	pc       *webrtc.PeerConnection
	handlers SessionHandlers
	logger   golog.Logger
	workers  *utils.StoppableWorkers

	mu                   sync.Mutex
	streams              []MediaStream
	remoteDescriptionSet bool
	pendingCandidates    []webrtc.ICECandidateInit
	remoteTracks         int
	closed               bool
}

// NewSession creates a session for the given side of a call.
func NewSession(isCaller bool, cfg SessionConfig, handlers SessionHandlers, logger golog.Logger) (*Session, error) {
	logger = utils.Sublogger(logger, "session")
	webAPI, err := newWebRTCAPI(isCaller, cfg, logger)
	if err != nil {
		return nil, err
	}
	pc, err := webAPI.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, errors.Wrap(err, "error creating peer connection")
	}

	s := &Session{
		isCaller: isCaller,
		pc:       pc,
		handlers: handlers,
		logger:   logger,
		workers:  utils.NewStoppableWorkers(context.Background()),
	}
	pc.OnICECandidate(s.onICECandidate)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debugw("connection state changed", "state", state.String())
		if s.handlers.OnConnectionStateChange != nil {
			s.handlers.OnConnectionStateChange(connectionStateFromPion(state))
		}
	})
	pc.OnTrack(s.onTrack)
	return s, nil
}

func (s *Session) onICECandidate(candidate *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if candidate == nil || s.handlers.OnLocalCandidate == nil {
		return
	}
	encoded, err := EncodeICECandidate(candidate.ToJSON())
	if err != nil {
		s.logger.Warnw("error encoding local ICE candidate", "error", err)
		return
	}
	s.handlers.OnLocalCandidate(encoded)
}

func (s *Session) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.mu.Lock()
	s.remoteTracks++
	s.mu.Unlock()
	s.logger.Debugw("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
	if s.handlers.OnRemoteTrack != nil {
		s.handlers.OnRemoteTrack(track.Kind().String())
	}
	// there is no playback device; drain packets so buffers do not fill up
	if err := s.workers.Add(func(ctx context.Context) {
		for ctx.Err() == nil {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}); err != nil {
		s.logger.Debugw("not reading remote track of closed session", "error", err)
	}
}

// AddStream attaches every track of the stream. The session owns the stream from now on and
// closes it along with itself, even if attaching fails.
func (s *Session) AddStream(stream MediaStream) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return multierr.Combine(errors.New("session closed"), stream.Close())
	}
	s.streams = append(s.streams, stream)
	s.mu.Unlock()

	for _, track := range stream.Tracks() {
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			return errors.Wrap(err, "error adding local track")
		}
		// RTCP has to be read for interceptors like NACK to work
		if err := s.workers.Add(func(ctx context.Context) {
			buf := make([]byte, 1500)
			for ctx.Err() == nil {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// CreateOffer creates the caller's offer, sets it as the local description and returns it
// encoded.
func (s *Session) CreateOffer() (string, error) {
	if !s.isCaller {
		return "", errors.New("only the caller creates an offer")
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", errors.Wrap(err, "error creating offer")
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", errors.Wrap(err, "error setting local description")
	}
	return EncodeSDP(s.pc.LocalDescription())
}

// CreateAnswer applies the caller's encoded offer, creates the answer, sets it as the local
// description and returns it encoded.
func (s *Session) CreateAnswer(offer string) (string, error) {
	if s.isCaller {
		return "", errors.New("only the receiver creates an answer")
	}
	desc, err := DecodeSDP(offer, webrtc.SDPTypeOffer)
	if err != nil {
		return "", err
	}
	if err := s.setRemoteDescription(desc); err != nil {
		return "", err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", errors.Wrap(err, "error creating answer")
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", errors.Wrap(err, "error setting local description")
	}
	return EncodeSDP(s.pc.LocalDescription())
}

// SetRemoteAnswer applies the receiver's encoded answer.
func (s *Session) SetRemoteAnswer(answer string) error {
	if !s.isCaller {
		return errors.New("only the caller applies an answer")
	}
	desc, err := DecodeSDP(answer, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	return s.setRemoteDescription(desc)
}

func (s *Session) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return errors.Wrap(err, "error setting remote description")
	}
	s.mu.Lock()
	s.remoteDescriptionSet = true
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	var err error
	for _, candidate := range pending {
		err = multierr.Combine(err, s.pc.AddICECandidate(candidate))
	}
	if err != nil {
		s.logger.Warnw("error adding queued ICE candidates", "error", err)
	}
	return nil
}

// AddRemoteCandidate adds the peer's encoded candidate. Candidates arriving before the remote
// description are queued until it is set.
func (s *Session) AddRemoteCandidate(candidate string) error {
	candInit, err := DecodeICECandidate(candidate)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if !s.remoteDescriptionSet {
		s.pendingCandidates = append(s.pendingCandidates, candInit)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if err := s.pc.AddICECandidate(candInit); err != nil {
		return errors.Wrap(err, "error adding ICE candidate")
	}
	return nil
}

// RemoteTrackCount returns how many remote tracks arrived.
func (s *Session) RemoteTrackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteTracks
}

// PendingCandidateCount returns how many remote candidates wait for the remote description.
func (s *Session) PendingCandidateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingCandidates)
}

// Close closes the peer connection and every local stream. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := s.streams
	s.streams = nil
	s.pendingCandidates = nil
	s.mu.Unlock()

	// closing the connection unblocks the packet readers
	err := s.pc.Close()
	s.workers.Stop()
	for _, stream := range streams {
		err = multierr.Combine(err, stream.Close())
	}
	return err
}
