// Package calling coordinates voice calls between a driver and a customer. A Coordinator owns
// the one call of the process and negotiates it over a signaling channel; a Monitor feeds it
// what the other party writes there.
package calling

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"go.cribnosh.com/utils"
	"go.cribnosh.com/utils/dialer"
	"go.cribnosh.com/utils/rtc"
	"go.cribnosh.com/utils/signaling"
)

const (
	candidateWriteAttempts = 3
	candidateRetryDelay    = 100 * time.Millisecond

	// bounds signaling writes made while tearing down after the caller's context is gone.
	signalingCleanupTimeout = 5 * time.Second
)

// CallState is a snapshot of the active call.
type CallState struct {
	// CallID is empty until the signaling channel assigned one.
	CallID         string
	OrderID        string
	Status         signaling.Status
	IsCaller       bool
	RemoteUserID   string
	RemoteUserName string

	// MediaAttached is set once local audio and a peer session are in place.
	MediaAttached bool
}

// InitiateCallRequest describes an outgoing call.
type InitiateCallRequest struct {
	OrderID string
	// CallerID defaults to the coordinator's user.
	CallerID     string
	ReceiverID   string
	ReceiverName string
	// ReceiverPhone enables falling back to the phone dialer.
	ReceiverPhone string
	// CallerType defaults to signaling.CallerTypeDriver.
	CallerType signaling.CallerType
}

func (req InitiateCallRequest) validate(userID string) error {
	switch {
	case req.OrderID == "":
		return errors.New("order id required")
	case req.ReceiverID == "":
		return errors.New("receiver id required")
	case req.CallerID != userID:
		return errors.Errorf("calls can only be placed by %q", userID)
	case req.ReceiverID == userID:
		return errors.New("cannot call yourself")
	}
	return nil
}

// InitiateResult is the outcome of a successful call initiation.
type InitiateResult struct {
	// CallID is empty when the phone dialer was used.
	CallID       string
	UsedFallback bool
}

type activeCall struct {
	state   CallState
	attempt uint64

	session              PeerSession
	answered             bool
	negotiating          bool
	remoteDescriptionSet bool

	// local candidates gathered before the call id was known
	pendingCandidates []string

	ringTimer *time.Timer
	startedAt time.Time
}

type outgoingCandidate struct {
	callID    string
	candidate string
	side      signaling.Side
}

type stateHandler struct {
	id uint64
	f  func(CallState)
}

type candidateHandler struct {
	id uint64
	f  func(string)
}

// teardown holds what a finished call leaves to release outside the lock.
type teardown struct {
	session PeerSession
}

func (td *teardown) release() error {
	if td == nil || td.session == nil {
		return nil
	}
	return td.session.Close()
}

// A Coordinator places, answers and tears down the calls of one user. At most one call is
// active at a time. All methods are safe for concurrent use.
type Coordinator struct {
	userID  string
	channel signaling.Channel
	opts    coordinatorOptions
	logger  golog.Logger

	// workers run the notification dispatcher and the candidate outbox; tasks run work
	// started by timers and peer connection events.
	workers     *utils.StoppableWorkers
	tasks       *utils.StoppableWorkers
	notifyReady chan struct{}
	outboxReady chan struct{}

	mu                sync.Mutex
	closed            bool
	call              *activeCall
	attempt           uint64
	// finished holds the ids of calls that ended here. Records of them are never adopted again.
	finished          utils.StringSet
	notifications     []CallState
	outbox            []outgoingCandidate
	nextHandlerID     uint64
	stateHandlers     []stateHandler
	candidateHandlers []candidateHandler
}

// NewCoordinator returns a coordinator for the given user talking over the given channel.
func NewCoordinator(userID string, channel signaling.Channel, logger golog.Logger, opts ...Option) (*Coordinator, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if channel == nil {
		return nil, errors.New("signaling channel required")
	}
	logger = utils.Sublogger(logger, "calling")

	o := coordinatorOptions{
		ringTimeout:   DefaultRingTimeout,
		sessionConfig: rtc.DefaultSessionConfig,
	}
	for _, opt := range opts {
		opt.apply(&o)
	}
	if o.ringTimeout < 0 {
		return nil, errors.Errorf("ring timeout must not be negative, got %s", o.ringTimeout)
	}
	if o.mediaSource == nil {
		o.mediaSource = rtc.SilentSource{}
	}
	if o.prober == nil {
		o.prober = rtc.NewProber(o.mediaSource, logger)
	}
	if o.sessionFactory == nil {
		cfg := o.sessionConfig
		o.sessionFactory = func(isCaller bool, handlers rtc.SessionHandlers) (PeerSession, error) {
			return rtc.NewSession(isCaller, cfg, handlers, logger)
		}
	}
	if o.dialer == nil {
		o.dialer = dialer.New(dialer.SystemOpener{}, "", logger)
	}

	c := &Coordinator{
		userID:      userID,
		channel:     channel,
		opts:        o,
		logger:      logger,
		workers:     utils.NewStoppableWorkers(context.Background()),
		tasks:       utils.NewStoppableWorkers(context.Background()),
		notifyReady: make(chan struct{}, 1),
		outboxReady: make(chan struct{}, 1),
		finished:    utils.NewStringSet(),
	}
	if err := multierr.Combine(
		c.workers.Add(c.dispatchNotifications),
		c.workers.Add(c.sendCandidates),
	); err != nil {
		c.workers.Stop()
		return nil, err
	}
	return c, nil
}

// UserID returns the user this coordinator calls for.
func (c *Coordinator) UserID() string {
	return c.userID
}

// InitiateCall calls the receiver. When real-time transport or the microphone is unavailable
// and a phone number is given, the phone dialer is opened instead and the result reports
// UsedFallback. A failure after the call started releases everything it acquired.
func (c *Coordinator) InitiateCall(ctx context.Context, req InitiateCallRequest) (InitiateResult, error) {
	ctx, span := trace.StartSpan(ctx, "Coordinator::InitiateCall")
	defer span.End()

	if req.CallerID == "" {
		req.CallerID = c.userID
	}
	if req.CallerType == "" {
		req.CallerType = signaling.CallerTypeDriver
	}
	if err := req.validate(c.userID); err != nil {
		return InitiateResult{}, err
	}
	if err := c.checkIdle(); err != nil {
		return InitiateResult{}, err
	}

	capability := c.opts.prober.Probe()
	if !capability.Available {
		return c.fallback(ctx, req, "transport", errors.Wrap(ErrTransportUnavailable, capability.Message))
	}

	attempt, err := c.begin(CallState{
		OrderID:        req.OrderID,
		Status:         signaling.StatusInitiating,
		IsCaller:       true,
		RemoteUserID:   req.ReceiverID,
		RemoteUserName: req.ReceiverName,
	})
	if err != nil {
		return InitiateResult{}, err
	}
	recordCallStarted(ctx, true)

	stream, err := c.acquireMedia(ctx)
	if err != nil {
		if errors.Is(err, rtc.ErrPermissionDenied) || errors.Is(err, rtc.ErrNoInputDevice) {
			c.logFinish(attempt, c.finish(attempt, signaling.StatusEnded))
			return c.fallback(ctx, req, "microphone", err)
		}
		return InitiateResult{}, c.abort(ctx, attempt, "", errors.Wrap(err, "error acquiring microphone"))
	}
	session, err := c.attachMedia(attempt, true, stream)
	if err != nil {
		return InitiateResult{}, c.abort(ctx, attempt, "", err)
	}
	_, offerSpan := trace.StartSpan(ctx, "Coordinator::createOffer")
	offer, err := session.CreateOffer()
	offerSpan.End()
	if err != nil {
		return InitiateResult{}, c.abort(ctx, attempt, "", err)
	}

	callID, err := c.createCall(ctx, signaling.CreateCallRequest{
		OrderID:    req.OrderID,
		CallerID:   req.CallerID,
		ReceiverID: req.ReceiverID,
		CallerType: req.CallerType,
	})
	if err != nil {
		return InitiateResult{}, c.abort(ctx, attempt, "", errors.Wrap(err, "error creating call"))
	}
	if err := c.assignCallID(attempt, callID); err != nil {
		return InitiateResult{}, c.abort(ctx, attempt, callID, err)
	}
	if err := c.channel.SetCallerOffer(ctx, callID, offer); err != nil {
		return InitiateResult{}, c.abort(ctx, attempt, callID, errors.Wrap(err, "error sending offer"))
	}
	if !c.markRinging(attempt) {
		return InitiateResult{}, c.abort(ctx, attempt, callID, errCallInterrupted)
	}
	c.logger.Infow("calling", "call_id", callID, "order_id", req.OrderID, "receiver_id", req.ReceiverID)
	return InitiateResult{CallID: callID}, nil
}

func (c *Coordinator) acquireMedia(ctx context.Context) (rtc.MediaStream, error) {
	ctx, span := trace.StartSpan(ctx, "Coordinator::acquireMedia")
	defer span.End()
	return c.opts.mediaSource.Acquire(ctx)
}

func (c *Coordinator) createCall(ctx context.Context, req signaling.CreateCallRequest) (string, error) {
	ctx, span := trace.StartSpan(ctx, "Coordinator::createCall")
	defer span.End()
	return c.channel.CreateCall(ctx, req)
}

func (c *Coordinator) fallback(ctx context.Context, req InitiateCallRequest, reason string, cause error) (InitiateResult, error) {
	if req.ReceiverPhone == "" {
		c.logger.Warnw("cannot place call", "order_id", req.OrderID, "error", cause)
		return InitiateResult{}, cause
	}
	c.logger.Infow("falling back to phone dialer", "order_id", req.OrderID, "reason", cause)
	if err := c.opts.dialer.OpenDialer(ctx, req.ReceiverPhone, req.ReceiverName); err != nil {
		c.logger.Warnw("error opening phone dialer", "order_id", req.OrderID, "error", err)
		return InitiateResult{UsedFallback: true}, err
	}
	recordDialerFallback(ctx, reason)
	return InitiateResult{UsedFallback: true}, nil
}

// AnswerCall prepares local audio and a peer session for an incoming call. The caller's offer
// is applied separately once it has been observed.
func (c *Coordinator) AnswerCall(ctx context.Context, callID string) error {
	if callID == "" {
		return errors.New("call id required")
	}
	ctx, span := trace.StartSpan(ctx, "Coordinator::AnswerCall")
	defer span.End()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	if c.finished.Contains(callID) {
		c.mu.Unlock()
		return errors.Wrapf(signaling.ErrCallTerminated, "call %q", callID)
	}
	if c.call != nil && !c.answerableLocked(callID) {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.attempt++
	attempt := c.attempt
	if c.call == nil {
		c.call = &activeCall{state: CallState{CallID: callID, Status: signaling.StatusRinging}}
		c.notifyLocked(c.call.state)
	}
	c.call.attempt = attempt
	c.call.answered = true
	c.call.startedAt = time.Now()
	c.mu.Unlock()
	recordCallStarted(ctx, false)

	stream, err := c.acquireMedia(ctx)
	if err != nil {
		return c.abort(ctx, attempt, "", errors.Wrap(err, "error acquiring microphone"))
	}
	if _, err := c.attachMedia(attempt, false, stream); err != nil {
		return c.abort(ctx, attempt, "", err)
	}
	c.logger.Infow("answered call", "call_id", callID)
	return nil
}

// answerableLocked reports whether the active call is a ringing incoming call nobody
// answered yet, as left by a Monitor.
func (c *Coordinator) answerableLocked(callID string) bool {
	call := c.call
	return call.state.CallID == callID &&
		!call.state.IsCaller &&
		call.state.Status == signaling.StatusRinging &&
		call.session == nil &&
		!call.answered
}

// DeclineCall declines an incoming call. An empty call id does nothing. An already answered
// call is ended instead. Declining the user's own outgoing call returns ErrCallMismatch.
func (c *Coordinator) DeclineCall(ctx context.Context, callID, remoteUserID string) error {
	if callID == "" {
		return nil
	}
	c.mu.Lock()
	ownCall := c.call != nil && c.call.state.CallID == callID && c.call.state.IsCaller
	c.mu.Unlock()
	if ownCall {
		return errors.Wrapf(ErrCallMismatch, "call %q was placed by this user", callID)
	}
	status := signaling.StatusDeclined
	err := c.channel.DeclineCall(ctx, callID, c.userID)
	if errors.Is(err, signaling.ErrCallAnswered) {
		status = signaling.StatusEnded
		err = c.channel.EndCall(ctx, callID, c.userID)
	}
	if errors.Is(err, signaling.ErrCallTerminated) {
		err = nil
	}
	if err != nil {
		err = errors.Wrap(err, "error declining call")
	}

	c.mu.Lock()
	var td *teardown
	if c.call != nil && c.call.state.CallID == callID {
		td = c.cleanupLocked(c.call.attempt, status)
	}
	c.mu.Unlock()

	err = multierr.Combine(err, td.release())
	if err != nil {
		c.logger.Errorw("error declining call", "call_id", callID, "caller_id", remoteUserID, "error", err)
		return err
	}
	c.logger.Infow("declined call", "call_id", callID, "caller_id", remoteUserID)
	return nil
}

// EndCall hangs up the active call. It returns ErrNoActiveCall and changes nothing when no
// call has been assigned an id.
func (c *Coordinator) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if c.call == nil || c.call.state.CallID == "" {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	attempt, callID := c.call.attempt, c.call.state.CallID
	c.mu.Unlock()

	if err := c.end(ctx, attempt, callID); err != nil {
		c.logger.Errorw("error ending call", "call_id", callID, "error", err)
		return err
	}
	return nil
}

// end tells the other party the call is over and releases it locally.
func (c *Coordinator) end(ctx context.Context, attempt uint64, callID string) error {
	var err error
	if callID != "" {
		if endErr := c.channel.EndCall(ctx, callID, c.userID); endErr != nil &&
			!errors.Is(endErr, signaling.ErrCallTerminated) {
			err = errors.Wrap(endErr, "error ending call")
		}
	}
	return multierr.Combine(err, c.finish(attempt, signaling.StatusEnded))
}

// ProcessCallerOffer answers the caller's offer and sends the answer. It returns
// ErrNoPeerSession while the call has not been answered locally.
func (c *Coordinator) ProcessCallerOffer(ctx context.Context, callID, offer string) error {
	c.mu.Lock()
	call, err := c.remoteEventTargetLocked(callID, false)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if call.remoteDescriptionSet || call.negotiating {
		c.mu.Unlock()
		return nil
	}
	call.negotiating = true
	attempt, session := call.attempt, call.session
	c.mu.Unlock()

	answer, err := session.CreateAnswer(offer)
	applied := err == nil
	if err != nil {
		err = errors.Wrap(err, "error answering offer")
	} else if err = c.channel.SetReceiverAnswer(ctx, callID, answer); err != nil {
		err = errors.Wrap(err, "error sending answer")
	}

	c.mu.Lock()
	if call := c.currentLocked(attempt); call != nil {
		call.negotiating = false
		call.remoteDescriptionSet = applied
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Warnw("dropping caller offer", "call_id", callID, "error", err)
	}
	return err
}

// ProcessReceiverAnswer applies the receiver's answer. Applying it again is a no-op.
func (c *Coordinator) ProcessReceiverAnswer(ctx context.Context, callID, answer string) error {
	c.mu.Lock()
	call, err := c.remoteEventTargetLocked(callID, true)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if call.remoteDescriptionSet || call.negotiating {
		c.mu.Unlock()
		return nil
	}
	call.negotiating = true
	attempt, session := call.attempt, call.session
	c.mu.Unlock()

	err = session.SetRemoteAnswer(answer)

	c.mu.Lock()
	if call := c.currentLocked(attempt); call != nil {
		call.negotiating = false
		call.remoteDescriptionSet = err == nil
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Warnw("dropping receiver answer", "call_id", callID, "error", err)
		return err
	}
	return nil
}

// ProcessICECandidate adds a candidate gathered by the other party. Candidates of the local
// party's own side are rejected with ErrCallMismatch.
func (c *Coordinator) ProcessICECandidate(ctx context.Context, callID, candidate string, isFromCaller bool) error {
	c.mu.Lock()
	call, err := c.remoteEventTargetLocked(callID, !isFromCaller)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	session := call.session
	c.mu.Unlock()

	if err := session.AddRemoteCandidate(candidate); err != nil {
		c.logger.Debugw("dropping remote ICE candidate", "call_id", callID, "error", err)
		return err
	}
	return nil
}

// remoteEventTargetLocked returns the active call if an event for callID meant for the given
// role applies to it.
func (c *Coordinator) remoteEventTargetLocked(callID string, forCaller bool) (*activeCall, error) {
	call := c.call
	switch {
	case call == nil || call.session == nil:
		return nil, ErrNoPeerSession
	case call.state.CallID != callID:
		return nil, errors.Wrapf(ErrCallMismatch, "event for call %q", callID)
	case call.state.IsCaller != forCaller:
		return nil, errors.Wrapf(ErrCallMismatch, "event is not for the %s", roleName(call.state.IsCaller))
	}
	return call, nil
}

// ApplyRemoteRecord reconciles the active call with the status the signaling channel reports
// for it. It returns ErrCallMismatch for records of other calls.
func (c *Coordinator) ApplyRemoteRecord(ctx context.Context, rec *signaling.CallRecord) error {
	if rec == nil {
		return nil
	}
	c.mu.Lock()
	call := c.call
	if call == nil || call.state.CallID != rec.ID {
		c.mu.Unlock()
		return ErrCallMismatch
	}

	var td *teardown
	changed := c.fillFromRecordLocked(call, rec)
	switch rec.Status {
	case signaling.StatusConnected:
		if c.markConnectedLocked(call) {
			changed = false
		}
	case signaling.StatusEnded, signaling.StatusDeclined, signaling.StatusMissed:
		c.logger.Infow("call finished remotely", "call_id", rec.ID, "status", rec.Status, "ended_by", rec.EndedBy)
		td = c.cleanupLocked(call.attempt, rec.Status)
		changed = false
	case signaling.StatusIdle, signaling.StatusInitiating, signaling.StatusRinging:
	}
	if changed {
		c.notifyLocked(call.state)
	}
	c.mu.Unlock()
	return td.release()
}

// fillFromRecordLocked completes identity the local state was created without.
func (c *Coordinator) fillFromRecordLocked(call *activeCall, rec *signaling.CallRecord) bool {
	changed := false
	if call.state.OrderID == "" && rec.OrderID != "" {
		call.state.OrderID = rec.OrderID
		changed = true
	}
	if call.state.RemoteUserID == "" {
		remote := rec.CallerID
		if call.state.IsCaller {
			remote = rec.ReceiverID
		}
		if remote != "" {
			call.state.RemoteUserID = remote
			changed = true
		}
	}
	return changed
}

// syncFromRecord adopts a live call this coordinator has no state for, such as an incoming
// call that is ringing. It reports whether state was created.
func (c *Coordinator) syncFromRecord(rec *signaling.CallRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.call != nil || !rec.Involves(c.userID) || c.finished.Contains(rec.ID) {
		return false
	}
	isCaller := rec.CallerID == c.userID
	switch rec.Status {
	case signaling.StatusRinging, signaling.StatusConnected:
	case signaling.StatusInitiating:
		// receivers only learn about a call once it rings
		if !isCaller {
			return false
		}
	case signaling.StatusIdle, signaling.StatusEnded, signaling.StatusDeclined, signaling.StatusMissed:
		return false
	default:
		return false
	}
	c.attempt++
	c.call = &activeCall{
		attempt:   c.attempt,
		startedAt: time.Now(),
		state: CallState{
			CallID:   rec.ID,
			OrderID:  rec.OrderID,
			Status:   rec.Status,
			IsCaller: isCaller,
		},
	}
	c.fillFromRecordLocked(c.call, rec)
	c.notifyLocked(c.call.state)
	c.logger.Debugw("synced call from signaling", "call_id", rec.ID, "status", rec.Status)
	return true
}

// CallState returns the active call, or nil when there is none.
func (c *Coordinator) CallState() *CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return nil
	}
	state := c.call.state
	return &state
}

// OnCallStateChange registers a handler called after every change of the active call, in
// order, from a single goroutine. A finished call is reported with its terminal status after
// which CallState returns nil. Handlers may call back into the coordinator.
func (c *Coordinator) OnCallStateChange(handler func(CallState)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandlerID++
	id := c.nextHandlerID
	c.stateHandlers = append(c.stateHandlers, stateHandler{id: id, f: handler})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stateHandlers = slices.DeleteFunc(c.stateHandlers, func(h stateHandler) bool { return h.id == id })
	}
}

// OnICECandidate registers a handler for every locally gathered candidate of the active call,
// called just before the candidate is sent.
func (c *Coordinator) OnICECandidate(handler func(candidate string)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandlerID++
	id := c.nextHandlerID
	c.candidateHandlers = append(c.candidateHandlers, candidateHandler{id: id, f: handler})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.candidateHandlers = slices.DeleteFunc(c.candidateHandlers, func(h candidateHandler) bool { return h.id == id })
	}
}

// RemoteTrackCount returns how many tracks the other party sent on the active call.
func (c *Coordinator) RemoteTrackCount() int {
	c.mu.Lock()
	var session PeerSession
	if c.call != nil {
		session = c.call.session
	}
	c.mu.Unlock()
	if session == nil {
		return 0
	}
	return session.RemoteTrackCount()
}

// Close ends the active call, if any, and stops the coordinator. Pending notifications are
// delivered before it returns.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var (
		active  = c.call != nil
		attempt uint64
		callID  string
	)
	if active {
		attempt, callID = c.call.attempt, c.call.state.CallID
	}
	c.mu.Unlock()

	var err error
	if active {
		ctx, cancel := context.WithTimeout(context.Background(), signalingCleanupTimeout)
		err = c.end(ctx, attempt, callID)
		cancel()
	}
	c.tasks.Stop()
	c.workers.Stop()
	return err
}

func (c *Coordinator) checkIdle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if c.call != nil {
		return ErrCallInProgress
	}
	return nil
}

// begin creates the state of a new outgoing call and returns its attempt.
func (c *Coordinator) begin(state CallState) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errClosed
	}
	if c.call != nil {
		return 0, ErrCallInProgress
	}
	c.attempt++
	c.call = &activeCall{state: state, attempt: c.attempt, startedAt: time.Now()}
	c.notifyLocked(state)
	return c.attempt, nil
}

// currentLocked returns the active call if it still belongs to the given attempt.
func (c *Coordinator) currentLocked(attempt uint64) *activeCall {
	if c.call == nil || c.call.attempt != attempt {
		return nil
	}
	return c.call
}

// attachMedia creates the peer session for an attempt and hands it the stream. If the attempt
// is over by the time both exist, they are released instead of attached.
func (c *Coordinator) attachMedia(attempt uint64, isCaller bool, stream rtc.MediaStream) (PeerSession, error) {
	session, err := c.opts.sessionFactory(isCaller, c.sessionHandlers(attempt))
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "error creating peer session"), stream.Close())
	}
	if err := session.AddStream(stream); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "error attaching local audio"), session.Close())
	}

	c.mu.Lock()
	call := c.currentLocked(attempt)
	if call == nil {
		c.mu.Unlock()
		return nil, multierr.Combine(errCallInterrupted, session.Close())
	}
	call.session = session
	call.state.MediaAttached = true
	c.notifyLocked(call.state)
	c.mu.Unlock()
	return session, nil
}

func (c *Coordinator) sessionHandlers(attempt uint64) rtc.SessionHandlers {
	return rtc.SessionHandlers{
		OnLocalCandidate: func(candidate string) {
			c.onLocalCandidate(attempt, candidate)
		},
		OnConnectionStateChange: func(state rtc.ConnectionState) {
			c.onConnectionStateChange(attempt, state)
		},
		OnRemoteTrack: func(kind string) {
			c.logger.Debugw("receiving remote track", "kind", kind)
		},
	}
}

func (c *Coordinator) assignCallID(attempt uint64, callID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.currentLocked(attempt)
	if call == nil {
		return errCallInterrupted
	}
	call.state.CallID = callID
	for _, candidate := range call.pendingCandidates {
		c.queueCandidateLocked(call, candidate)
	}
	call.pendingCandidates = nil
	c.notifyLocked(call.state)
	return nil
}

// markRinging moves an initiating call to ringing and arms the ring timeout. It returns false
// if the attempt is over.
func (c *Coordinator) markRinging(attempt uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.currentLocked(attempt)
	if call == nil {
		return false
	}
	if call.state.Status == signaling.StatusInitiating {
		call.state.Status = signaling.StatusRinging
		c.notifyLocked(call.state)
	}
	if c.opts.ringTimeout > 0 && call.state.Status == signaling.StatusRinging && call.ringTimer == nil {
		call.ringTimer = time.AfterFunc(c.opts.ringTimeout, func() {
			c.runTask(func(ctx context.Context) {
				c.ringTimedOut(ctx, attempt)
			})
		})
	}
	return true
}

// markConnectedLocked is the single transition into connected, reached from the peer
// connection and from the signaling record alike. It reports whether anything changed.
func (c *Coordinator) markConnectedLocked(call *activeCall) bool {
	switch call.state.Status {
	case signaling.StatusInitiating, signaling.StatusRinging:
	case signaling.StatusIdle, signaling.StatusConnected,
		signaling.StatusEnded, signaling.StatusDeclined, signaling.StatusMissed:
		return false
	default:
		return false
	}
	call.state.Status = signaling.StatusConnected
	if call.ringTimer != nil {
		call.ringTimer.Stop()
		call.ringTimer = nil
	}
	c.notifyLocked(call.state)
	if call.session != nil {
		recordSetupLatency(call.state.IsCaller, time.Since(call.startedAt))
	}
	c.logger.Infow("call connected", "call_id", call.state.CallID)
	return true
}

func (c *Coordinator) ringTimedOut(ctx context.Context, attempt uint64) {
	c.mu.Lock()
	call := c.currentLocked(attempt)
	if call == nil || call.state.Status != signaling.StatusRinging {
		c.mu.Unlock()
		return
	}
	callID := call.state.CallID
	c.mu.Unlock()

	c.logger.Infow("call was not answered", "call_id", callID, "timeout", c.opts.ringTimeout)
	if err := c.channel.MarkMissed(ctx, callID); err != nil {
		if errors.Is(err, signaling.ErrCallAnswered) {
			return
		}
		if !errors.Is(err, signaling.ErrCallTerminated) {
			c.logger.Warnw("error marking call missed", "call_id", callID, "error", err)
		}
	}
	c.logFinish(attempt, c.finish(attempt, signaling.StatusMissed))
}

func (c *Coordinator) onConnectionStateChange(attempt uint64, state rtc.ConnectionState) {
	switch state {
	case rtc.ConnectionStateConnected:
		c.mu.Lock()
		if call := c.currentLocked(attempt); call != nil {
			c.markConnectedLocked(call)
		}
		c.mu.Unlock()
	case rtc.ConnectionStateDisconnected, rtc.ConnectionStateFailed:
		c.runTask(func(ctx context.Context) {
			c.endAfterTransportLoss(ctx, attempt, state)
		})
	case rtc.ConnectionStateNew, rtc.ConnectionStateConnecting, rtc.ConnectionStateClosed:
	}
}

func (c *Coordinator) endAfterTransportLoss(ctx context.Context, attempt uint64, state rtc.ConnectionState) {
	c.mu.Lock()
	call := c.currentLocked(attempt)
	if call == nil {
		c.mu.Unlock()
		return
	}
	callID := call.state.CallID
	c.mu.Unlock()

	c.logger.Warnw("peer connection lost", "call_id", callID, "state", state)
	c.logFinish(attempt, c.end(ctx, attempt, callID))
}

func (c *Coordinator) runTask(task func(ctx context.Context)) {
	if err := c.tasks.Add(task); err != nil {
		c.logger.Debugw("coordinator closed, dropping task", "error", err)
	}
}

// abort releases a call whose setup failed, withdrawing it from the signaling channel if it
// got that far, and returns the cause along with any release error.
func (c *Coordinator) abort(ctx context.Context, attempt uint64, callID string, cause error) error {
	err := c.finish(attempt, signaling.StatusEnded)
	if callID != "" {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), signalingCleanupTimeout)
		if endErr := c.channel.EndCall(cleanupCtx, callID, c.userID); endErr != nil &&
			!errors.Is(endErr, signaling.ErrCallTerminated) {
			err = multierr.Combine(err, errors.Wrap(endErr, "error withdrawing call"))
		}
		cancel()
	}
	if errors.Is(cause, errCallInterrupted) {
		c.logger.Infow("call setup interrupted", "call_id", callID)
	} else {
		c.logger.Errorw("call setup failed", "call_id", callID, "error", cause)
	}
	return multierr.Combine(cause, err)
}

// finish releases the call of the given attempt with a terminal status. It does nothing if
// the attempt is already over.
func (c *Coordinator) finish(attempt uint64, status signaling.Status) error {
	c.mu.Lock()
	td := c.cleanupLocked(attempt, status)
	c.mu.Unlock()
	return td.release()
}

func (c *Coordinator) logFinish(attempt uint64, err error) {
	if err != nil {
		c.logger.Warnw("error releasing call", "attempt", attempt, "error", err)
	}
}

// cleanupLocked is the one way a call ends: subscribers see the terminal status, the state is
// dropped and the returned teardown must be released once the lock is gone.
func (c *Coordinator) cleanupLocked(attempt uint64, status signaling.Status) *teardown {
	call := c.currentLocked(attempt)
	if call == nil {
		return nil
	}
	if call.ringTimer != nil {
		call.ringTimer.Stop()
		call.ringTimer = nil
	}
	call.state.Status = status
	c.notifyLocked(call.state)
	c.call = nil
	if call.state.CallID != "" {
		c.finished.Add(call.state.CallID)
	}
	recordCallOutcome(call.state.IsCaller, status)
	return &teardown{session: call.session}
}

func (c *Coordinator) notifyLocked(state CallState) {
	c.notifications = append(c.notifications, state)
	select {
	case c.notifyReady <- struct{}{}:
	default:
	}
}

func (c *Coordinator) dispatchNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.deliverNotifications()
			return
		case <-c.notifyReady:
		}
		c.deliverNotifications()
	}
}

func (c *Coordinator) deliverNotifications() {
	for {
		c.mu.Lock()
		if len(c.notifications) == 0 {
			c.mu.Unlock()
			return
		}
		state := c.notifications[0]
		c.notifications = c.notifications[1:]
		handlers := slices.Clone(c.stateHandlers)
		c.mu.Unlock()

		for _, h := range handlers {
			h.f(state)
		}
	}
}

func (c *Coordinator) onLocalCandidate(attempt uint64, candidate string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.currentLocked(attempt)
	if call == nil {
		return
	}
	if call.state.CallID == "" {
		call.pendingCandidates = append(call.pendingCandidates, candidate)
		return
	}
	c.queueCandidateLocked(call, candidate)
}

func (c *Coordinator) queueCandidateLocked(call *activeCall, candidate string) {
	side := signaling.SideReceiver
	if call.state.IsCaller {
		side = signaling.SideCaller
	}
	c.outbox = append(c.outbox, outgoingCandidate{callID: call.state.CallID, candidate: candidate, side: side})
	select {
	case c.outboxReady <- struct{}{}:
	default:
	}
}

// sendCandidates writes local candidates to the signaling channel in the order they were
// gathered.
func (c *Coordinator) sendCandidates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.outboxReady:
		}
		for ctx.Err() == nil {
			c.mu.Lock()
			if len(c.outbox) == 0 {
				c.mu.Unlock()
				break
			}
			next := c.outbox[0]
			c.outbox = c.outbox[1:]
			active := c.call != nil && c.call.state.CallID == next.callID
			handlers := slices.Clone(c.candidateHandlers)
			c.mu.Unlock()

			if !active {
				continue
			}
			for _, h := range handlers {
				h.f(next.candidate)
			}
			c.writeCandidate(ctx, next)
		}
	}
}

func (c *Coordinator) writeCandidate(ctx context.Context, next outgoingCandidate) {
	var gone bool
	_, err := utils.RetryNTimesWithSleep(ctx, func() (struct{}, error) {
		err := c.channel.AddICECandidate(ctx, next.callID, next.candidate, next.side)
		if errors.Is(err, signaling.ErrCallTerminated) || errors.Is(err, signaling.ErrCallNotFound) {
			gone = true
			return struct{}{}, nil
		}
		return struct{}{}, err
	}, candidateWriteAttempts, candidateRetryDelay)
	switch {
	case err != nil:
		c.logger.Warnw("error sending ICE candidate", "call_id", next.callID, "error", err)
	case gone:
		c.logger.Debugw("call is over, dropped ICE candidate", "call_id", next.callID)
	}
}
