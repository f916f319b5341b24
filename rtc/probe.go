package rtc

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.cribnosh.com/utils"
)

// Capability is the result of probing for real-time transport.
type Capability struct {
	Available bool
	Message   string
}

// A Prober reports whether real-time transport is usable right now. Probe must never panic.
type Prober interface {
	Probe() Capability
}

// ProberFunc adapts a function to a Prober.
type ProberFunc func() Capability

// Probe calls f.
func (f ProberFunc) Probe() Capability {
	return f()
}

// NewProber returns a Prober that checks the WebRTC stack can be set up and that the
// media source can capture audio.
func NewProber(source MediaSource, logger golog.Logger) Prober {
	logger = utils.Sublogger(logger, "probe")
	return ProberFunc(func() Capability {
		var capability Capability
		err := utils.RecoverToError(func() error {
			if source == nil {
				return errors.New("no media source configured")
			}
			if _, err := newWebRTCAPI(true, SessionConfig{}, logger); err != nil {
				return errors.Wrap(err, "webrtc stack unavailable")
			}
			return source.CheckAvailable()
		})
		if err != nil {
			capability.Message = err.Error()
			logger.Debugw("real-time transport unavailable", "reason", capability.Message)
			return capability
		}
		capability.Available = true
		capability.Message = "webrtc available"
		return capability
	})
}
