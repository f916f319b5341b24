// Package config loads the YAML configuration shared by calling coordinators and the call
// simulator.
//
// A file only needs the values it changes; everything else keeps the value from Default.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"github.com/nyaruka/phonenumbers"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"go.cribnosh.com/utils/calling"
	"go.cribnosh.com/utils/dialer"
	"go.cribnosh.com/utils/rtc"
)

// Signaling backends.
const (
	SignalingMemory  = "memory"
	SignalingMongoDB = "mongodb"
)

// Config configures calling for one process.
type Config struct {
	Signaling SignalingConfig `yaml:"signaling"`
	Calling   CallingConfig   `yaml:"calling"`
	Dialer    DialerConfig    `yaml:"dialer"`
	RTC       RTCConfig       `yaml:"rtc"`
}

// SignalingConfig selects where call records are stored.
type SignalingConfig struct {
	// Backend is either "memory" or "mongodb".
	Backend string `yaml:"backend"`

	// MongoDBURI is required for the mongodb backend.
	MongoDBURI string `yaml:"mongodb_uri"`
}

// CallingConfig configures the coordinator.
type CallingConfig struct {
	// RingTimeout is how long an unanswered outgoing call rings before it is marked
	// missed. Written as a duration such as "45s"; "0s" disables it.
	RingTimeout time.Duration `yaml:"ring_timeout"`
}

// DialerConfig configures the phone dialer fallback.
type DialerConfig struct {
	// DefaultRegion is the ISO region used for numbers without an international prefix.
	DefaultRegion string `yaml:"default_region"`
}

// RTCConfig configures peer sessions.
type RTCConfig struct {
	ICEServers      []ICEServer `yaml:"ice_servers"`
	MulticastDNS    bool        `yaml:"multicast_dns"`
	IncludeLoopback bool        `yaml:"include_loopback"`
}

// ICEServer is a STUN or TURN server.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	servers := make([]ICEServer, 0, len(rtc.DefaultICEServers))
	for _, server := range rtc.DefaultICEServers {
		servers = append(servers, ICEServer{URLs: append([]string(nil), server.URLs...)})
	}
	return &Config{
		Signaling: SignalingConfig{Backend: SignalingMemory},
		Calling:   CallingConfig{RingTimeout: calling.DefaultRingTimeout},
		Dialer:    DialerConfig{DefaultRegion: dialer.DefaultRegion},
		RTC: RTCConfig{
			ICEServers:   servers,
			MulticastDNS: rtc.DefaultSessionConfig.MulticastDNS,
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config")
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every problem with the configuration.
func (c *Config) Validate() error {
	var err error
	switch c.Signaling.Backend {
	case SignalingMemory:
	case SignalingMongoDB:
		if c.Signaling.MongoDBURI == "" {
			err = multierr.Append(err, errors.New("signaling.mongodb_uri required for the mongodb backend"))
		}
	default:
		err = multierr.Append(err, errors.Errorf("unknown signaling.backend %q", c.Signaling.Backend))
	}
	if c.Calling.RingTimeout < 0 {
		err = multierr.Append(err, errors.Errorf("calling.ring_timeout must not be negative, got %s", c.Calling.RingTimeout))
	}
	if phonenumbers.GetCountryCodeForRegion(strings.ToUpper(c.Dialer.DefaultRegion)) == 0 {
		err = multierr.Append(err, errors.Errorf("unknown dialer.default_region %q", c.Dialer.DefaultRegion))
	}
	for i, server := range c.RTC.ICEServers {
		if len(server.URLs) == 0 {
			err = multierr.Append(err, errors.Errorf("rtc.ice_servers[%d] has no urls", i))
		}
		for _, url := range server.URLs {
			if !strings.HasPrefix(url, "stun:") && !strings.HasPrefix(url, "turn:") && !strings.HasPrefix(url, "turns:") {
				err = multierr.Append(err, errors.Errorf("rtc.ice_servers[%d] url %q is not a stun or turn url", i, url))
			}
		}
	}
	return err
}

// SessionConfig returns the peer session configuration.
func (c *Config) SessionConfig() rtc.SessionConfig {
	servers := make([]webrtc.ICEServer, 0, len(c.RTC.ICEServers))
	for _, server := range c.RTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return rtc.SessionConfig{
		ICEServers:      servers,
		MulticastDNS:    c.RTC.MulticastDNS,
		IncludeLoopback: c.RTC.IncludeLoopback,
	}
}

// CoordinatorOptions returns the coordinator options the configuration implies. The dialer
// opens numbers with the system handler.
func (c *Config) CoordinatorOptions(logger golog.Logger) []calling.Option {
	return []calling.Option{
		calling.WithRingTimeout(c.Calling.RingTimeout),
		calling.WithSessionConfig(c.SessionConfig()),
		calling.WithDialer(dialer.New(dialer.SystemOpener{}, c.Dialer.DefaultRegion, logger)),
	}
}
