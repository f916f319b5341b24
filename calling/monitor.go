package calling

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.cribnosh.com/utils"
	"go.cribnosh.com/utils/signaling"
)

// defaultResubscribeWait is how long a monitor waits before subscribing again after the
// signaling channel closed its subscription.
const defaultResubscribeWait = 2 * time.Second

// IncomingCall describes a call ringing for the monitored user.
type IncomingCall struct {
	CallID     string
	OrderID    string
	CallerID   string
	CallerType signaling.CallerType
}

type incomingHandler struct {
	id uint64
	f  func(IncomingCall)
}

// A Monitor watches the calls of one order for one user and feeds what the other party
// writes into a Coordinator: incoming calls, offers, answers, ICE candidates and status
// changes.
type Monitor struct {
	coordinator *Coordinator
	channel     signaling.Channel
	orderID     string
	userID      string
	logger      golog.Logger

	resubscribeWait time.Duration

	mu            sync.Mutex
	workers       *utils.StoppableWorkers
	closed        bool
	nextHandlerID uint64
	handlers      []incomingHandler

	// owned by the monitor goroutine
	seenIncoming utils.StringSet
	lastRecord   *signaling.CallRecord
	progress     callProgress
}

// callProgress tracks which parts of a call's record were applied.
type callProgress struct {
	callID           string
	offerApplied     bool
	answerApplied    bool
	remoteCandidates int
}

// NewMonitor returns a monitor for the user's calls on the order. The user must be the
// coordinator's.
func NewMonitor(coordinator *Coordinator, channel signaling.Channel, orderID, userID string, logger golog.Logger) *Monitor {
	return &Monitor{
		coordinator:  coordinator,
		channel:      channel,
		orderID:      orderID,
		userID:       userID,
		logger:       utils.Sublogger(logger, "monitor"),
		seenIncoming: utils.NewStringSet(),

		resubscribeWait: defaultResubscribeWait,
	}
}

// Start subscribes to the order's calls and processes them in the background until ctx is
// done or the monitor is closed.
func (m *Monitor) Start(ctx context.Context) error {
	switch {
	case m.orderID == "":
		return errors.New("order id required")
	case m.userID != m.coordinator.UserID():
		return errors.Errorf("monitor user %q does not match coordinator user %q", m.userID, m.coordinator.UserID())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("monitor closed")
	}
	if m.workers != nil {
		return errors.New("monitor already started")
	}

	workers := utils.NewStoppableWorkers(ctx)
	records, err := m.channel.Subscribe(workers.Context(), m.orderID, m.userID)
	if err != nil {
		workers.Stop()
		return errors.Wrap(err, "error subscribing to calls")
	}
	stateChanged := make(chan struct{}, 1)
	unsubscribe := m.coordinator.OnCallStateChange(func(CallState) {
		select {
		case stateChanged <- struct{}{}:
		default:
		}
	})
	if err := workers.Add(func(ctx context.Context) {
		defer unsubscribe()
		m.run(ctx, records, stateChanged)
	}); err != nil {
		unsubscribe()
		return err
	}
	m.workers = workers
	m.logger.Debugw("monitoring calls", "order_id", m.orderID, "user_id", m.userID)
	return nil
}

// OnIncomingCall registers a handler called once per distinct call that rings for the user.
// Handlers run on the monitor's goroutine and must not call Close.
func (m *Monitor) OnIncomingCall(handler func(IncomingCall)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandlerID++
	id := m.nextHandlerID
	m.handlers = append(m.handlers, incomingHandler{id: id, f: handler})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers = slices.DeleteFunc(m.handlers, func(h incomingHandler) bool { return h.id == id })
	}
}

// Close stops monitoring and waits for the monitor goroutine to return.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	workers := m.workers
	m.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
}

func (m *Monitor) run(ctx context.Context, records <-chan *signaling.CallRecord, stateChanged <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				if records = m.resubscribe(ctx); records == nil {
					return
				}
				continue
			}
			m.lastRecord = rec
		case <-stateChanged:
		}
		// a state change can make a record seen earlier applicable, such as an offer that
		// arrived before the call was answered
		m.handleRecord(ctx, m.lastRecord)
	}
}

// resubscribe replaces a subscription the signaling channel closed, retrying until it
// succeeds. It returns nil once ctx is done.
func (m *Monitor) resubscribe(ctx context.Context) <-chan *signaling.CallRecord {
	if ctx.Err() != nil {
		return nil
	}
	m.logger.Warnw("call subscription closed, resubscribing", "order_id", m.orderID, "wait", m.resubscribeWait)
	for utils.SelectContextOrWait(ctx, m.resubscribeWait) {
		records, err := m.channel.Subscribe(ctx, m.orderID, m.userID)
		if err == nil {
			m.logger.Infow("resubscribed to calls", "order_id", m.orderID)
			return records
		}
		m.logger.Warnw("error resubscribing to calls", "order_id", m.orderID, "error", err)
	}
	return nil
}

func (m *Monitor) handleRecord(ctx context.Context, rec *signaling.CallRecord) {
	if rec == nil || !rec.Involves(m.userID) {
		return
	}

	if !rec.Status.IsTerminal() {
		if state := m.coordinator.CallState(); state == nil || state.CallID != rec.ID {
			m.coordinator.syncFromRecord(rec)
		}
	}
	if rec.Status == signaling.StatusRinging && rec.ReceiverID == m.userID && !m.seenIncoming.Contains(rec.ID) {
		m.seenIncoming.Add(rec.ID)
		m.logger.Infow("incoming call", "call_id", rec.ID, "caller_id", rec.CallerID)
		m.notifyIncoming(IncomingCall{
			CallID:     rec.ID,
			OrderID:    rec.OrderID,
			CallerID:   rec.CallerID,
			CallerType: rec.CallerType,
		})
	}

	state := m.coordinator.CallState()
	if state == nil || state.CallID != rec.ID {
		return
	}
	m.applyToCall(ctx, *state, rec)
}

func (m *Monitor) notifyIncoming(call IncomingCall) {
	m.mu.Lock()
	handlers := slices.Clone(m.handlers)
	m.mu.Unlock()
	for _, h := range handlers {
		h.f(call)
	}
}

func (m *Monitor) applyToCall(ctx context.Context, state CallState, rec *signaling.CallRecord) {
	// nothing is applied without a session, and a new session needs everything again
	if m.progress.callID != rec.ID || !state.MediaAttached {
		m.progress = callProgress{callID: rec.ID}
	}

	remoteSide := signaling.SideCaller
	if state.IsCaller {
		remoteSide = signaling.SideReceiver
		if rec.ReceiverAnswer != "" && !m.progress.answerApplied {
			err := m.coordinator.ProcessReceiverAnswer(ctx, rec.ID, rec.ReceiverAnswer)
			m.progress.answerApplied = m.done(err, rec.ID, "receiver answer")
		}
	} else if rec.CallerOffer != "" && !m.progress.offerApplied {
		err := m.coordinator.ProcessCallerOffer(ctx, rec.ID, rec.CallerOffer)
		m.progress.offerApplied = m.done(err, rec.ID, "caller offer")
	}

	remote := rec.ICECandidates(remoteSide)
	for m.progress.remoteCandidates < len(remote) {
		err := m.coordinator.ProcessICECandidate(ctx, rec.ID, remote[m.progress.remoteCandidates], !state.IsCaller)
		if !m.done(err, rec.ID, "ICE candidate") {
			break
		}
		m.progress.remoteCandidates++
	}

	switch rec.Status {
	case signaling.StatusConnected, signaling.StatusEnded, signaling.StatusDeclined, signaling.StatusMissed:
		if err := m.coordinator.ApplyRemoteRecord(ctx, rec); err != nil && !errors.Is(err, ErrCallMismatch) {
			m.logger.Warnw("error applying call status", "call_id", rec.ID, "status", rec.Status, "error", err)
		}
	case signaling.StatusIdle, signaling.StatusInitiating, signaling.StatusRinging:
	}
}

// done reports whether a remote event is finished with, either applied or impossible to
// apply. Events that need a session or state not there yet are retried later.
func (m *Monitor) done(err error, callID, what string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrNoPeerSession), errors.Is(err, ErrCallMismatch):
		return false
	default:
		m.logger.Warnw("dropping remote "+what, "call_id", callID, "error", err)
		return true
	}
}
