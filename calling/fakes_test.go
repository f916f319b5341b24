package calling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.cribnosh.com/utils"
	"go.cribnosh.com/utils/rtc"
	"go.cribnosh.com/utils/signaling"
)

type fakeStream struct {
	closes atomic.Int32
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal {
	return nil
}

func (s *fakeStream) Close() error {
	s.closes.Inc()
	return nil
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	waiting chan struct{}
	streams []*fakeStream
}

func (m *fakeMedia) CheckAvailable() error {
	return nil
}

func (m *fakeMedia) Acquire(ctx context.Context) (rtc.MediaStream, error) {
	m.mu.Lock()
	gate, waiting, err := m.gate, m.waiting, m.err
	m.gate, m.waiting = nil, nil
	m.mu.Unlock()
	if gate != nil {
		close(waiting)
		<-gate
	}
	if err != nil {
		return nil, err
	}
	stream := &fakeStream{}
	m.mu.Lock()
	m.streams = append(m.streams, stream)
	m.mu.Unlock()
	return stream, nil
}

// block makes the next Acquire wait until the returned release function is called. The
// returned channel is closed once Acquire started waiting.
func (m *fakeMedia) block() (<-chan struct{}, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	m.waiting = make(chan struct{})
	return m.waiting, func() { close(m.gate) }
}

func (m *fakeMedia) stream(t *testing.T, idx int) *fakeStream {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	test.That(t, len(m.streams), test.ShouldBeGreaterThan, idx)
	return m.streams[idx]
}

type fakeSession struct {
	isCaller bool
	handlers rtc.SessionHandlers

	mu               sync.Mutex
	streams          []rtc.MediaStream
	offers           int
	remoteOffer      string
	remoteAnswers    int
	remoteAnswer     string
	remoteCandidates []string
	closes           int
}

func (s *fakeSession) AddStream(stream rtc.MediaStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, stream)
	return nil
}

func (s *fakeSession) CreateOffer() (string, error) {
	s.mu.Lock()
	s.offers++
	n := s.offers
	s.mu.Unlock()
	s.handlers.OnLocalCandidate(fmt.Sprintf("caller-candidate-%d", n))
	return "offer", nil
}

func (s *fakeSession) CreateAnswer(offer string) (string, error) {
	if offer == "malformed" {
		return "", errors.New("malformed session description")
	}
	s.mu.Lock()
	s.remoteOffer = offer
	s.mu.Unlock()
	s.handlers.OnLocalCandidate("receiver-candidate-1")
	return "answer", nil
}

func (s *fakeSession) SetRemoteAnswer(answer string) error {
	if answer == "malformed" {
		return errors.New("malformed session description")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteAnswers++
	s.remoteAnswer = answer
	return nil
}

func (s *fakeSession) AddRemoteCandidate(candidate string) error {
	if candidate == "malformed" {
		return errors.New("malformed ICE candidate")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteCandidates = append(s.remoteCandidates, candidate)
	return nil
}

func (s *fakeSession) RemoteTrackCount() int {
	return 0
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	first := s.closes == 1
	streams := s.streams
	s.mu.Unlock()
	if first {
		for _, stream := range streams {
			utils.UncheckedError(stream.Close())
		}
	}
	return nil
}

type sessionView struct {
	isCaller         bool
	offers           int
	remoteOffer      string
	remoteAnswers    int
	remoteAnswer     string
	remoteCandidates []string
	closes           int
}

func (s *fakeSession) view() sessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sessionView{
		isCaller:         s.isCaller,
		offers:           s.offers,
		remoteOffer:      s.remoteOffer,
		remoteAnswers:    s.remoteAnswers,
		remoteAnswer:     s.remoteAnswer,
		remoteCandidates: append([]string(nil), s.remoteCandidates...),
		closes:           s.closes,
	}
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (f *fakeSessions) factory(isCaller bool, handlers rtc.SessionHandlers) (PeerSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{isCaller: isCaller, handlers: handlers}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeSessions) session(t *testing.T, idx int) *fakeSession {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	test.That(t, len(f.sessions), test.ShouldBeGreaterThan, idx)
	return f.sessions[idx]
}

type fakeDialer struct {
	mu     sync.Mutex
	err    error
	dialed []string
}

func (d *fakeDialer) OpenDialer(ctx context.Context, phoneNumber, displayName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.dialed = append(d.dialed, phoneNumber)
	return nil
}

func (d *fakeDialer) numbers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

// countingChannel counts the writes made to a channel and can fail offers.
type countingChannel struct {
	signaling.Channel

	mu        sync.Mutex
	counts    map[string]int
	offerErr  error
	createErr error
}

func (c *countingChannel) inc(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[op]++
}

func (c *countingChannel) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[op]
}

func (c *countingChannel) CreateCall(ctx context.Context, req signaling.CreateCallRequest) (string, error) {
	c.inc("create")
	if c.createErr != nil {
		return "", c.createErr
	}
	return c.Channel.CreateCall(ctx, req)
}

func (c *countingChannel) SetCallerOffer(ctx context.Context, callID, offer string) error {
	c.inc("offer")
	if c.offerErr != nil {
		return c.offerErr
	}
	return c.Channel.SetCallerOffer(ctx, callID, offer)
}

func (c *countingChannel) SetReceiverAnswer(ctx context.Context, callID, answer string) error {
	c.inc("answer")
	return c.Channel.SetReceiverAnswer(ctx, callID, answer)
}

func (c *countingChannel) EndCall(ctx context.Context, callID, actingUserID string) error {
	c.inc("end")
	return c.Channel.EndCall(ctx, callID, actingUserID)
}

func (c *countingChannel) DeclineCall(ctx context.Context, callID, actingUserID string) error {
	c.inc("decline")
	return c.Channel.DeclineCall(ctx, callID, actingUserID)
}

func (c *countingChannel) MarkMissed(ctx context.Context, callID string) error {
	c.inc("missed")
	return c.Channel.MarkMissed(ctx, callID)
}

// party is one user's coordinator along with its fakes.
type party struct {
	coordinator *Coordinator
	channel     *countingChannel
	media       *fakeMedia
	sessions    *fakeSessions
	dialer      *fakeDialer
	states      *stateRecorder
	available   *atomic.Bool
}

const (
	driverID   = "driver-1"
	customerID = "customer-1"
	orderID    = "order-1"
)

func newParty(t *testing.T, userID string, channel signaling.Channel, opts ...Option) *party {
	t.Helper()
	p := &party{
		channel:   &countingChannel{Channel: channel, counts: map[string]int{}},
		media:     &fakeMedia{},
		sessions:  &fakeSessions{},
		dialer:    &fakeDialer{},
		available: atomic.NewBool(true),
	}
	prober := rtc.ProberFunc(func() rtc.Capability {
		if !p.available.Load() {
			return rtc.Capability{Message: "webrtc stack unavailable: no audio support"}
		}
		return rtc.Capability{Available: true, Message: "webrtc available"}
	})
	opts = append([]Option{
		WithProber(prober),
		WithMediaSource(p.media),
		WithSessionFactory(p.sessions.factory),
		WithDialer(p.dialer),
		WithRingTimeout(0),
	}, opts...)
	coordinator, err := NewCoordinator(userID, p.channel, golog.NewTestLogger(t).Named(userID), opts...)
	test.That(t, err, test.ShouldBeNil)
	p.coordinator = coordinator
	p.states = recordStates(coordinator)
	return p
}

func (p *party) close(t *testing.T) {
	t.Helper()
	test.That(t, p.coordinator.Close(), test.ShouldBeNil)
}

func (p *party) callDriverToCustomer(t *testing.T) string {
	t.Helper()
	res, err := p.coordinator.InitiateCall(context.Background(), InitiateCallRequest{
		OrderID:      orderID,
		ReceiverID:   customerID,
		ReceiverName: "Sam",
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.UsedFallback, test.ShouldBeFalse)
	test.That(t, res.CallID, test.ShouldNotBeEmpty)
	return res.CallID
}

type stateRecorder struct {
	mu     sync.Mutex
	states []CallState
	ch     chan CallState
}

func recordStates(c *Coordinator) *stateRecorder {
	r := &stateRecorder{ch: make(chan CallState, 256)}
	c.OnCallStateChange(func(state CallState) {
		r.mu.Lock()
		r.states = append(r.states, state)
		r.mu.Unlock()
		select {
		case r.ch <- state:
		default:
		}
	})
	return r
}

func (r *stateRecorder) all() []CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallState(nil), r.states...)
}

// statuses returns the distinct consecutive statuses notified so far.
func (r *stateRecorder) statuses() []signaling.Status {
	var out []signaling.Status
	for _, state := range r.all() {
		if len(out) == 0 || out[len(out)-1] != state.Status {
			out = append(out, state.Status)
		}
	}
	return out
}

func (r *stateRecorder) count(status signaling.Status) int {
	var n int
	for _, state := range r.all() {
		if state.Status == status {
			n++
		}
	}
	return n
}

func (r *stateRecorder) waitFor(t *testing.T, status signaling.Status) CallState {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case state := <-r.ch:
			if state.Status == status {
				return state
			}
		case <-timeout:
			t.Fatalf("timed out waiting for call status %s, saw %v", status, r.statuses())
			return CallState{}
		}
	}
}

func waitForRecord(
	t *testing.T,
	records <-chan *signaling.CallRecord,
	match func(rec *signaling.CallRecord) bool,
) *signaling.CallRecord {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case rec, ok := <-records:
			test.That(t, ok, test.ShouldBeTrue)
			if rec != nil && match(rec) {
				return rec
			}
		case <-timeout:
			t.Fatal("timed out waiting for call record")
			return nil
		}
	}
}
