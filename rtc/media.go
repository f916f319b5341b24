package rtc

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"

	"go.cribnosh.com/utils"
)

var (
	// ErrPermissionDenied is returned when access to the audio capture device is refused.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrNoInputDevice is returned when there is no audio capture device to use.
	ErrNoInputDevice = errors.New("no microphone found")
)

// A MediaStream is a set of local tracks acquired for one call.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal

	// Close stops every track and releases the capture device.
	Close() error
}

// A MediaSource acquires local audio.
type MediaSource interface {
	// CheckAvailable returns an error describing why no audio can be captured right now.
	CheckAvailable() error

	// Acquire captures local audio. Denied access results in ErrPermissionDenied.
	Acquire(ctx context.Context) (MediaStream, error)
}

// opus silence as a single 20ms frame.
var opusSilenceFrame = []byte{0xf8, 0xff, 0xfe}

const silenceFrameDuration = 20 * time.Millisecond

// SilentSource is a MediaSource without a capture device. Its streams carry a single Opus
// track of silence.
type SilentSource struct {
	StreamID string
}

// CheckAvailable always succeeds.
func (s SilentSource) CheckAvailable() error {
	return nil
}

// Acquire returns a stream producing silence until closed.
func (s SilentSource) Acquire(ctx context.Context) (MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = "silence"
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		return nil, err
	}
	stream := &silentStream{track: track, workers: utils.NewStoppableWorkers(context.Background())}
	if err := stream.workers.Add(stream.writeSilence); err != nil {
		return nil, err
	}
	return stream, nil
}

type silentStream struct {
	track   *webrtc.TrackLocalStaticSample
	workers *utils.StoppableWorkers
}

func (s *silentStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *silentStream) writeSilence(ctx context.Context) {
	ticker := time.NewTicker(silenceFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// unbound tracks drop samples, so errors here only mean nobody is listening yet
		utils.UncheckedError(s.track.WriteSample(media.Sample{Data: opusSilenceFrame, Duration: silenceFrameDuration}))
	}
}

func (s *silentStream) Close() error {
	s.workers.Stop()
	return nil
}
