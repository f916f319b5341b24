// Package rtc wraps a pion WebRTC peer connection into the audio session used for calls,
// along with the media and capability contracts around it.
package rtc

import (
	"github.com/edaniels/golog"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"go.cribnosh.com/utils"
)

// DefaultICEServers is the default set of ICE servers to use for session negotiation.
// There is no guarantee that the defaults here will remain usable.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
}

// SessionConfig configures how sessions are built.
type SessionConfig struct {
	ICEServers []webrtc.ICEServer

	// MulticastDNS lets the caller gather mDNS host candidates and both sides resolve
	// them. Off, raw host candidates are exchanged.
	MulticastDNS bool

	// IncludeLoopback gathers 127.0.0.1 as a candidate so two sessions on the same host
	// can connect without any network.
	IncludeLoopback bool
}

// DefaultSessionConfig is the standard configuration used for call sessions.
var DefaultSessionConfig = SessionConfig{
	ICEServers:   DefaultICEServers,
	MulticastDNS: true,
}

func newWebRTCAPI(isCaller bool, cfg SessionConfig, logger golog.Logger) (*webrtc.API, error) {
	m := webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(&m, &i); err != nil {
		return nil, err
	}

	var settingEngine webrtc.SettingEngine
	switch {
	case !cfg.MulticastDNS:
		settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	case isCaller:
		settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	default:
		settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryOnly)
	}
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	if utils.Debug {
		settingEngine.LoggerFactory = LoggerFactory{logger}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(&m),
		webrtc.WithInterceptorRegistry(&i),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
