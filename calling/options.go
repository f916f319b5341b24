package calling

import (
	"context"
	"time"

	"go.cribnosh.com/utils/rtc"
)

// DefaultRingTimeout is how long an unanswered outgoing call rings before it is marked missed.
const DefaultRingTimeout = 45 * time.Second

// A PeerSession is the peer connection of one call. *rtc.Session implements it.
type PeerSession interface {
	AddStream(stream rtc.MediaStream) error
	CreateOffer() (string, error)
	CreateAnswer(offer string) (string, error)
	SetRemoteAnswer(answer string) error
	AddRemoteCandidate(candidate string) error
	RemoteTrackCount() int
	Close() error
}

// A SessionFactory creates the peer session for one side of a call.
type SessionFactory func(isCaller bool, handlers rtc.SessionHandlers) (PeerSession, error)

// A Dialer hands a call over to the telephone application. *dialer.Dialer implements it.
type Dialer interface {
	OpenDialer(ctx context.Context, phoneNumber, displayName string) error
}

// coordinatorOptions configure a Coordinator.
type coordinatorOptions struct {
	prober         rtc.Prober
	mediaSource    rtc.MediaSource
	sessionFactory SessionFactory
	sessionConfig  rtc.SessionConfig
	dialer         Dialer
	ringTimeout    time.Duration
}

// Option configures how a Coordinator places and receives calls.
type Option interface {
	apply(*coordinatorOptions)
}

// funcOption wraps a function that modifies coordinatorOptions into an
// implementation of the Option interface.
type funcOption struct {
	f func(*coordinatorOptions)
}

func (fo *funcOption) apply(o *coordinatorOptions) {
	fo.f(o)
}

func newFuncOption(f func(*coordinatorOptions)) *funcOption {
	return &funcOption{
		f: f,
	}
}

// WithRingTimeout sets how long an outgoing call may ring before it is marked missed. Zero
// disables the timeout.
func WithRingTimeout(d time.Duration) Option {
	return newFuncOption(func(o *coordinatorOptions) {
		o.ringTimeout = d
	})
}

// WithProber sets how real-time transport availability is checked. By default the media
// source and the WebRTC stack are checked.
func WithProber(prober rtc.Prober) Option {
	return newFuncOption(func(o *coordinatorOptions) {
		o.prober = prober
	})
}

// WithMediaSource sets where local audio comes from. Defaults to silence.
func WithMediaSource(source rtc.MediaSource) Option {
	return newFuncOption(func(o *coordinatorOptions) {
		o.mediaSource = source
	})
}

// WithSessionConfig sets the configuration of the default peer sessions.
func WithSessionConfig(cfg rtc.SessionConfig) Option {
	return newFuncOption(func(o *coordinatorOptions) {
		o.sessionConfig = cfg
	})
}

// WithSessionFactory replaces how peer sessions are created.
func WithSessionFactory(factory SessionFactory) Option {
	return newFuncOption(func(o *coordinatorOptions) {
		o.sessionFactory = factory
	})
}

// WithDialer sets the telephone fallback. Defaults to the operating system's tel: handler.
func WithDialer(d Dialer) Option {
	return newFuncOption(func(o *coordinatorOptions) {
		o.dialer = d
	})
}
