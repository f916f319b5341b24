// Package microphone captures call audio from the host's microphone with pion/mediadevices.
package microphone

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	// registers the malgo backed audio driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.cribnosh.com/utils"
	"go.cribnosh.com/utils/rtc"
)

// Source is an rtc.MediaSource backed by the default microphone.
type Source struct {
	logger golog.Logger
}

// NewSource returns a microphone source.
func NewSource(logger golog.Logger) *Source {
	return &Source{logger: utils.Sublogger(logger, "microphone")}
}

// CheckAvailable checks that some audio input device is present.
func (s *Source) CheckAvailable() error {
	for _, device := range mediadevices.EnumerateDevices() {
		if device.Kind == mediadevices.AudioInput {
			return nil
		}
	}
	return rtc.ErrNoInputDevice
}

// Acquire opens the microphone and returns its Opus encoded track.
func (s *Source) Acquire(ctx context.Context) (rtc.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	codecSelector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: codecSelector,
	})
	if err != nil {
		return nil, mapCaptureError(err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, rtc.ErrNoInputDevice
	}
	captured := &capturedStream{tracks: make([]webrtc.TrackLocal, 0, len(tracks))}
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				s.logger.Warnw("microphone track ended", "error", err)
			}
		})
		captured.tracks = append(captured.tracks, track)
		captured.closers = append(captured.closers, track.Close)
	}
	s.logger.Debugw("microphone captured", "tracks", len(tracks))

	// the device may have been released while we were opening it
	if err := ctx.Err(); err != nil {
		return nil, multierr.Combine(err, captured.Close())
	}
	return captured, nil
}

func mapCaptureError(err error) error {
	if errors.Is(err, os.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return errors.Wrap(rtc.ErrPermissionDenied, err.Error())
	}
	return errors.Wrap(err, "error capturing microphone")
}

type capturedStream struct {
	tracks  []webrtc.TrackLocal
	closers []func() error

	closeOnce sync.Once
	closeErr  error
}

func (s *capturedStream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

func (s *capturedStream) Close() error {
	s.closeOnce.Do(func() {
		for _, closer := range s.closers {
			s.closeErr = multierr.Combine(s.closeErr, closer())
		}
	})
	return s.closeErr
}
