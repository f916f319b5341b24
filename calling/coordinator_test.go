package calling

import (
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.cribnosh.com/utils/dialer"
	"go.cribnosh.com/utils/rtc"
	"go.cribnosh.com/utils/signaling"
	"go.cribnosh.com/utils/testutils"
)

func newMemoryChannel(t *testing.T) *signaling.MemoryChannel {
	t.Helper()
	mem := signaling.NewMemoryChannel(golog.NewTestLogger(t))
	t.Cleanup(func() {
		test.That(t, mem.Close(), test.ShouldBeNil)
	})
	return mem
}

func TestNewCoordinator(t *testing.T) {
	logger := golog.NewTestLogger(t)
	mem := newMemoryChannel(t)

	_, err := NewCoordinator("", mem, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewCoordinator(driverID, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewCoordinator(driverID, mem, logger, WithRingTimeout(-time.Second))
	test.That(t, err, test.ShouldNotBeNil)

	c, err := NewCoordinator(driverID, mem, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.UserID(), test.ShouldEqual, driverID)
	test.That(t, c.CallState(), test.ShouldBeNil)
	test.That(t, c.Close(), test.ShouldBeNil)
	test.That(t, c.Close(), test.ShouldBeNil)
}

func TestInitiateCall(t *testing.T) {
	ctx := context.Background()

	t.Run("rings the receiver", func(t *testing.T) {
		mem := newMemoryChannel(t)
		records, err := mem.Subscribe(ctx, orderID, customerID)
		test.That(t, err, test.ShouldBeNil)
		driver := newParty(t, driverID, mem)
		defer driver.close(t)

		callID := driver.callDriverToCustomer(t)
		driver.states.waitFor(t, signaling.StatusRinging)
		test.That(t, driver.states.statuses(), test.ShouldResemble,
			[]signaling.Status{signaling.StatusInitiating, signaling.StatusRinging})

		state := driver.coordinator.CallState()
		test.That(t, state, test.ShouldNotBeNil)
		test.That(t, *state, test.ShouldResemble, CallState{
			CallID:         callID,
			OrderID:        orderID,
			Status:         signaling.StatusRinging,
			IsCaller:       true,
			RemoteUserID:   customerID,
			RemoteUserName: "Sam",
			MediaAttached:  true,
		})

		test.That(t, driver.channel.count("create"), test.ShouldEqual, 1)
		test.That(t, driver.channel.count("offer"), test.ShouldEqual, 1)
		test.That(t, driver.sessions.count(), test.ShouldEqual, 1)
		session := driver.sessions.session(t, 0).view()
		test.That(t, session.isCaller, test.ShouldBeTrue)
		test.That(t, session.offers, test.ShouldEqual, 1)

		// the candidate gathered while creating the offer waited for the call id
		rec := waitForRecord(t, records, func(rec *signaling.CallRecord) bool {
			return len(rec.CallerICECandidates) == 1
		})
		test.That(t, rec.ID, test.ShouldEqual, callID)
		test.That(t, rec.Status, test.ShouldEqual, signaling.StatusRinging)
		test.That(t, rec.CallerOffer, test.ShouldEqual, "offer")
		test.That(t, rec.CallerType, test.ShouldEqual, signaling.CallerTypeDriver)
		test.That(t, rec.CallerICECandidates, test.ShouldResemble, []string{"caller-candidate-1"})
	})

	t.Run("validates", func(t *testing.T) {
		driver := newParty(t, driverID, newMemoryChannel(t))
		defer driver.close(t)

		_, err := driver.coordinator.InitiateCall(ctx, InitiateCallRequest{ReceiverID: customerID})
		test.That(t, err, test.ShouldNotBeNil)
		_, err = driver.coordinator.InitiateCall(ctx, InitiateCallRequest{OrderID: orderID})
		test.That(t, err, test.ShouldNotBeNil)
		_, err = driver.coordinator.InitiateCall(ctx, InitiateCallRequest{
			OrderID: orderID, CallerID: "someone-else", ReceiverID: customerID,
		})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, driver.channel.count("create"), test.ShouldEqual, 0)
	})

	t.Run("falls back to the dialer when unavailable", func(t *testing.T) {
		driver := newParty(t, driverID, newMemoryChannel(t))
		driver.available.Store(false)

		res, err := driver.coordinator.InitiateCall(ctx, InitiateCallRequest{
			OrderID:       orderID,
			ReceiverID:    customerID,
			ReceiverName:  "Sam",
			ReceiverPhone: "+44 20 7946 0958",
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res, test.ShouldResemble, InitiateResult{UsedFallback: true})
		test.That(t, driver.dialer.numbers(), test.ShouldResemble, []string{"+44 20 7946 0958"})
		test.That(t, driver.sessions.count(), test.ShouldEqual, 0)
		test.That(t, driver.channel.count("create"), test.ShouldEqual, 0)
		test.That(t, driver.coordinator.CallState(), test.ShouldBeNil)

		driver.close(t)
		test.That(t, driver.states.all(), test.ShouldBeEmpty)
	})

	t.Run("dialer errors are returned", func(t *testing.T) {
		driver := newParty(t, driverID, newMemoryChannel(t))
		defer driver.close(t)
		driver.available.Store(false)
		driver.dialer.err = dialer.ErrCallsUnsupported

		res, err := driver.coordinator.InitiateCall(ctx, InitiateCallRequest{
			OrderID: orderID, ReceiverID: customerID, ReceiverPhone: "+44 20 7946 0958",
		})
		test.That(t, errors.Is(err, dialer.ErrCallsUnsupported), test.ShouldBeTrue)
		test.That(t, res.UsedFallback, test.ShouldBeTrue)
		test.That(t, driver.coordinator.CallState(), test.ShouldBeNil)
	})

	t.Run("unavailable without a phone number", func(t *testing.T) {
		driver := newParty(t, driverID, newMemoryChannel(t))
		driver.available.Store(false)

		res, err := driver.coordinator.InitiateCall(ctx, InitiateCallRequest{OrderID: orderID, ReceiverID: customerID})
		test.That(t, errors.Is(err, ErrTransportUnavailable), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "no audio support")
		test.That(t, res.UsedFallback, test.ShouldBeFalse)
		test.That(t, driver.dialer.numbers(), test.ShouldBeEmpty)
		test.That(t, driver.coordinator.CallState(), test.ShouldBeNil)

		driver.close(t)
		test.That(t, driver.states.all(), test.ShouldBeEmpty)
	})

	t.Run("microphone denied falls back", func(t *testing.T) {
		driver := newParty(t, driverID, newMemoryChannel(t))
		driver.media.err = errors.Wrap(rtc.ErrPermissionDenied, "user said no")

		res, err := driver.coordinator.InitiateCall(ctx, InitiateCallRequest{
			OrderID: orderID, ReceiverID: customerID, ReceiverPhone: "07946 095800",
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.UsedFallback, test.ShouldBeTrue)
		test.That(t, driver.sessions.count(), test.ShouldEqual, 0)
		test.That(t, driver.coordinator.CallState(), test.ShouldBeNil)

		driver.close(t)
		test.That(t, driver.states.statuses(), test.ShouldResemble,
			[]signaling.Status{signaling.StatusInitiating, signaling.StatusEnded})
	})

	t.Run("microphone denied without a phone number", func(t *testing.T) {
		driver := newParty(t, driverID, newMemoryChannel(t))
		defer driver.close(t)
		driver.media.err = rtc.ErrPermissionDenied

		_, err := driver.coordinator.InitiateCall(ctx, InitiateCallRequest{OrderID: orderID, ReceiverID: customerID})
		test.That(t, errors.Is(err, rtc.ErrPermissionDenied), test.ShouldBeTrue)
		test.That(t, driver.coordinator.CallState(), test.ShouldBeNil)
		test.That(t, driver.channel.count("create"), test.ShouldEqual, 0)
	})

	t.Run("signaling failure releases everything", func(t *testing.T) {
		mem := newMemoryChannel(t)
		records, err := mem.Subscribe(ctx, orderID, customerID)
		test.That(t, err, test.ShouldBeNil)
		driver := newParty(t, driverID, mem)
		driver.channel.offerErr = errors.New("network down")

		_, err = driver.coordinator.InitiateCall(ctx, InitiateCallRequest{OrderID: orderID, ReceiverID: customerID})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "network down")
		test.That(t, driver.coordinator.CallState(), test.ShouldBeNil)
		test.That(t, driver.sessions.session(t, 0).view().closes, test.ShouldEqual, 1)
		test.That(t, driver.media.stream(t, 0).closes.Load(), test.ShouldEqual, int32(1))

		// the half created call is withdrawn
		test.That(t, driver.channel.count("end"), test.ShouldEqual, 1)
		waitForRecord(t, records, func(rec *signaling.CallRecord) bool {
			return rec.Status == signaling.StatusEnded
		})

		driver.close(t)
		test.That(t, driver.states.statuses(), test.ShouldResemble,
			[]signaling.Status{signaling.StatusInitiating, signaling.StatusEnded})
	})

	t.Run("one call at a time", func(t *testing.T) {
		driver := newParty(t, driverID, newMemoryChannel(t))
		defer driver.close(t)
		driver.callDriverToCustomer(t)

		_, err := driver.coordinator.InitiateCall(ctx, InitiateCallRequest{OrderID: orderID, ReceiverID: "customer-2"})
		test.That(t, err, test.ShouldEqual, ErrCallInProgress)
		test.That(t, driver.coordinator.AnswerCall(ctx, "another-call"), test.ShouldEqual, ErrCallInProgress)

		// even the fallback is refused
		driver.available.Store(false)
		_, err = driver.coordinator.InitiateCall(ctx, InitiateCallRequest{
			OrderID: orderID, ReceiverID: "customer-2", ReceiverPhone: "+44 20 7946 0958",
		})
		test.That(t, err, test.ShouldEqual, ErrCallInProgress)
		test.That(t, driver.dialer.numbers(), test.ShouldBeEmpty)
		test.That(t, driver.sessions.count(), test.ShouldEqual, 1)
		test.That(t, driver.channel.count("create"), test.ShouldEqual, 1)
	})

	t.Run("closed while acquiring media", func(t *testing.T) {
		driver := newParty(t, driverID, newMemoryChannel(t))
		waiting, release := driver.media.block()

		errCh := make(chan error, 1)
		go func() {
			_, err := driver.coordinator.InitiateCall(ctx, InitiateCallRequest{OrderID: orderID, ReceiverID: customerID})
			errCh <- err
		}()
		<-waiting
		driver.close(t)
		test.That(t, driver.coordinator.CallState(), test.ShouldBeNil)
		release()

		err := <-errCh
		test.That(t, errors.Is(err, errCallInterrupted), test.ShouldBeTrue)
		// the late stream and its session are released instead of attached
		test.That(t, driver.sessions.session(t, 0).view().closes, test.ShouldEqual, 1)
		test.That(t, driver.media.stream(t, 0).closes.Load(), test.ShouldEqual, int32(1))
		test.That(t, driver.channel.count("create"), test.ShouldEqual, 0)
		test.That(t, driver.states.statuses(), test.ShouldResemble,
			[]signaling.Status{signaling.StatusInitiating, signaling.StatusEnded})
	})
}

func TestEndCall(t *testing.T) {
	ctx := context.Background()

	t.Run("without a call", func(t *testing.T) {
		driver := newParty(t, driverID, newMemoryChannel(t))
		test.That(t, driver.coordinator.EndCall(ctx), test.ShouldEqual, ErrNoActiveCall)
		test.That(t, driver.channel.count("end"), test.ShouldEqual, 0)
		driver.close(t)
		test.That(t, driver.states.all(), test.ShouldBeEmpty)
	})

	t.Run("before the call has an id", func(t *testing.T) {
		driver := newParty(t, driverID, newMemoryChannel(t))
		defer driver.close(t)
		waiting, release := driver.media.block()

		errCh := make(chan error, 1)
		go func() {
			_, err := driver.coordinator.InitiateCall(ctx, InitiateCallRequest{OrderID: orderID, ReceiverID: customerID})
			errCh <- err
		}()
		<-waiting
		before := driver.coordinator.CallState()
		test.That(t, before, test.ShouldNotBeNil)
		test.That(t, driver.coordinator.EndCall(ctx), test.ShouldEqual, ErrNoActiveCall)
		test.That(t, driver.coordinator.CallState(), test.ShouldResemble, before)

		release()
		test.That(t, <-errCh, test.ShouldBeNil)
	})

	t.Run("ends and releases", func(t *testing.T) {
		mem := newMemoryChannel(t)
		records, err := mem.Subscribe(ctx, orderID, customerID)
		test.That(t, err, test.ShouldBeNil)
		driver := newParty(t, driverID, mem)
		defer driver.close(t)
		callID := driver.callDriverToCustomer(t)

		test.That(t, driver.coordinator.EndCall(ctx), test.ShouldBeNil)
		test.That(t, driver.coordinator.CallState(), test.ShouldBeNil)
		test.That(t, driver.sessions.session(t, 0).view().closes, test.ShouldEqual, 1)
		test.That(t, driver.media.stream(t, 0).closes.Load(), test.ShouldEqual, int32(1))

		ended := driver.states.waitFor(t, signaling.StatusEnded)
		test.That(t, ended.CallID, test.ShouldEqual, callID)

		rec := waitForRecord(t, records, func(rec *signaling.CallRecord) bool {
			return rec.Status == signaling.StatusEnded
		})
		test.That(t, rec.EndedBy, test.ShouldEqual, driverID)

		// ending again changes nothing
		test.That(t, driver.coordinator.EndCall(ctx), test.ShouldEqual, ErrNoActiveCall)
		test.That(t, driver.sessions.session(t, 0).view().closes, test.ShouldEqual, 1)
		test.That(t, driver.states.count(signaling.StatusEnded), test.ShouldEqual, 1)
	})

	t.Run("close ends the active call", func(t *testing.T) {
		mem := newMemoryChannel(t)
		driver := newParty(t, driverID, mem)
		driver.callDriverToCustomer(t)

		driver.close(t)
		test.That(t, driver.coordinator.CallState(), test.ShouldBeNil)
		test.That(t, driver.channel.count("end"), test.ShouldEqual, 1)
		test.That(t, driver.states.count(signaling.StatusEnded), test.ShouldEqual, 1)

		_, err := driver.coordinator.InitiateCall(ctx, InitiateCallRequest{OrderID: orderID, ReceiverID: customerID})
		test.That(t, err, test.ShouldEqual, errClosed)
	})
}

func TestDeclineCall(t *testing.T) {
	ctx := context.Background()

	t.Run("without a call id", func(t *testing.T) {
		customer := newParty(t, customerID, newMemoryChannel(t))
		test.That(t, customer.coordinator.DeclineCall(ctx, "", driverID), test.ShouldBeNil)
		test.That(t, customer.channel.count("decline"), test.ShouldEqual, 0)
		customer.close(t)
		test.That(t, customer.states.all(), test.ShouldBeEmpty)
	})

	t.Run("declines an incoming call", func(t *testing.T) {
		mem := newMemoryChannel(t)
		records, err := mem.Subscribe(ctx, orderID, driverID)
		test.That(t, err, test.ShouldBeNil)
		driver := newParty(t, driverID, mem)
		defer driver.close(t)
		customer := newParty(t, customerID, mem)
		defer customer.close(t)

		callID := driver.callDriverToCustomer(t)
		test.That(t, customer.coordinator.DeclineCall(ctx, callID, driverID), test.ShouldBeNil)
		test.That(t, customer.channel.count("decline"), test.ShouldEqual, 1)

		rec := waitForRecord(t, records, func(rec *signaling.CallRecord) bool {
			return rec.Status == signaling.StatusDeclined
		})
		test.That(t, rec.EndedBy, test.ShouldEqual, customerID)

		test.That(t, driver.coordinator.ApplyRemoteRecord(ctx, rec), test.ShouldBeNil)
		test.That(t, driver.coordinator.CallState(), test.ShouldBeNil)
		test.That(t, driver.states.waitFor(t, signaling.StatusDeclined).CallID, test.ShouldEqual, callID)
		test.That(t, driver.sessions.session(t, 0).view().closes, test.ShouldEqual, 1)

		// already over
		test.That(t, customer.coordinator.DeclineCall(ctx, callID, driverID), test.ShouldBeNil)
	})

	t.Run("the caller cannot decline its own call", func(t *testing.T) {
		mem := newMemoryChannel(t)
		driver := newParty(t, driverID, mem)
		defer driver.close(t)

		callID := driver.callDriverToCustomer(t)
		err := driver.coordinator.DeclineCall(ctx, callID, customerID)
		test.That(t, errors.Is(err, ErrCallMismatch), test.ShouldBeTrue)
		test.That(t, driver.channel.count("decline"), test.ShouldEqual, 0)
		test.That(t, driver.channel.count("end"), test.ShouldEqual, 0)
		state := driver.coordinator.CallState()
		test.That(t, state, test.ShouldNotBeNil)
		test.That(t, state.Status, test.ShouldEqual, signaling.StatusRinging)
	})

	t.Run("an answered call is ended instead", func(t *testing.T) {
		mem := newMemoryChannel(t)
		driver := newParty(t, driverID, mem)
		defer driver.close(t)
		customer := newParty(t, customerID, mem)
		defer customer.close(t)

		callID := driver.callDriverToCustomer(t)
		test.That(t, customer.coordinator.AnswerCall(ctx, callID), test.ShouldBeNil)
		test.That(t, customer.coordinator.ProcessCallerOffer(ctx, callID, "offer"), test.ShouldBeNil)

		test.That(t, customer.coordinator.DeclineCall(ctx, callID, driverID), test.ShouldBeNil)
		test.That(t, customer.channel.count("end"), test.ShouldEqual, 1)
		test.That(t, customer.coordinator.CallState(), test.ShouldBeNil)
		test.That(t, customer.states.waitFor(t, signaling.StatusEnded).CallID, test.ShouldEqual, callID)
	})
}

func TestAnswerCall(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryChannel(t)
	records, err := mem.Subscribe(ctx, orderID, customerID)
	test.That(t, err, test.ShouldBeNil)
	driver := newParty(t, driverID, mem)
	defer driver.close(t)
	customer := newParty(t, customerID, mem)
	defer customer.close(t)

	test.That(t, customer.coordinator.AnswerCall(ctx, ""), test.ShouldNotBeNil)

	callID := driver.callDriverToCustomer(t)
	test.That(t, customer.coordinator.AnswerCall(ctx, callID), test.ShouldBeNil)
	state := customer.coordinator.CallState()
	test.That(t, state, test.ShouldNotBeNil)
	test.That(t, state.CallID, test.ShouldEqual, callID)
	test.That(t, state.Status, test.ShouldEqual, signaling.StatusRinging)
	test.That(t, state.IsCaller, test.ShouldBeFalse)
	test.That(t, state.MediaAttached, test.ShouldBeTrue)
	test.That(t, customer.coordinator.AnswerCall(ctx, callID), test.ShouldEqual, ErrCallInProgress)

	// the offer is applied separately and answered once
	test.That(t, customer.coordinator.ProcessCallerOffer(ctx, callID, "offer"), test.ShouldBeNil)
	test.That(t, customer.coordinator.ProcessCallerOffer(ctx, callID, "offer"), test.ShouldBeNil)
	test.That(t, customer.sessions.session(t, 0).view().remoteOffer, test.ShouldEqual, "offer")
	test.That(t, customer.channel.count("answer"), test.ShouldEqual, 1)

	rec := waitForRecord(t, records, func(rec *signaling.CallRecord) bool {
		return rec.Status == signaling.StatusConnected && len(rec.ReceiverICECandidates) == 1
	})
	test.That(t, rec.ReceiverAnswer, test.ShouldEqual, "answer")
	test.That(t, rec.ReceiverICECandidates, test.ShouldResemble, []string{"receiver-candidate-1"})

	test.That(t, customer.coordinator.ApplyRemoteRecord(ctx, rec), test.ShouldBeNil)
	test.That(t, customer.coordinator.CallState().Status, test.ShouldEqual, signaling.StatusConnected)
	test.That(t, customer.coordinator.CallState().RemoteUserID, test.ShouldEqual, driverID)
	test.That(t, customer.coordinator.CallState().OrderID, test.ShouldEqual, orderID)
}

func TestRemoteEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("without a session", func(t *testing.T) {
		customer := newParty(t, customerID, newMemoryChannel(t))
		defer customer.close(t)

		test.That(t, customer.coordinator.ProcessICECandidate(ctx, "call", "candidate", true), test.ShouldEqual, ErrNoPeerSession)
		test.That(t, customer.coordinator.ProcessCallerOffer(ctx, "call", "offer"), test.ShouldEqual, ErrNoPeerSession)
		test.That(t, customer.coordinator.ProcessReceiverAnswer(ctx, "call", "answer"), test.ShouldEqual, ErrNoPeerSession)
		test.That(t, errors.Is(customer.coordinator.ApplyRemoteRecord(ctx, &signaling.CallRecord{ID: "call"}), ErrCallMismatch),
			test.ShouldBeTrue)
		test.That(t, customer.coordinator.ApplyRemoteRecord(ctx, nil), test.ShouldBeNil)
		test.That(t, customer.coordinator.CallState(), test.ShouldBeNil)
	})

	t.Run("checks call and role", func(t *testing.T) {
		driver := newParty(t, driverID, newMemoryChannel(t))
		defer driver.close(t)
		callID := driver.callDriverToCustomer(t)
		c := driver.coordinator

		test.That(t, errors.Is(c.ProcessICECandidate(ctx, "other", "r1", false), ErrCallMismatch), test.ShouldBeTrue)
		// a caller never applies caller candidates
		test.That(t, errors.Is(c.ProcessICECandidate(ctx, callID, "c1", true), ErrCallMismatch), test.ShouldBeTrue)
		test.That(t, errors.Is(c.ProcessCallerOffer(ctx, callID, "offer"), ErrCallMismatch), test.ShouldBeTrue)

		test.That(t, c.ProcessICECandidate(ctx, callID, "r1", false), test.ShouldBeNil)
		test.That(t, c.ProcessICECandidate(ctx, callID, "malformed", false), test.ShouldNotBeNil)
		test.That(t, c.ProcessReceiverAnswer(ctx, callID, "malformed"), test.ShouldNotBeNil)
		test.That(t, c.ProcessReceiverAnswer(ctx, callID, "answer"), test.ShouldBeNil)
		test.That(t, c.ProcessReceiverAnswer(ctx, callID, "answer"), test.ShouldBeNil)

		session := driver.sessions.session(t, 0).view()
		test.That(t, session.remoteCandidates, test.ShouldResemble, []string{"r1"})
		test.That(t, session.remoteAnswers, test.ShouldEqual, 1)
		// negotiation errors leave the call alone
		test.That(t, c.CallState().Status, test.ShouldEqual, signaling.StatusRinging)
		test.That(t, session.closes, test.ShouldEqual, 0)
	})
}

func TestConnected(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryChannel(t)
	driver := newParty(t, driverID, mem)
	callID := driver.callDriverToCustomer(t)
	session := driver.sessions.session(t, 0)

	session.handlers.OnConnectionStateChange(rtc.ConnectionStateConnecting)
	session.handlers.OnConnectionStateChange(rtc.ConnectionStateConnected)
	session.handlers.OnConnectionStateChange(rtc.ConnectionStateConnected)
	test.That(t, driver.coordinator.CallState().Status, test.ShouldEqual, signaling.StatusConnected)

	test.That(t, mem.SetReceiverAnswer(ctx, callID, "answer"), test.ShouldBeNil)
	test.That(t, driver.coordinator.ApplyRemoteRecord(ctx, &signaling.CallRecord{
		ID: callID, Status: signaling.StatusConnected,
	}), test.ShouldBeNil)

	driver.close(t)
	test.That(t, driver.states.count(signaling.StatusConnected), test.ShouldEqual, 1)
	test.That(t, driver.states.statuses(), test.ShouldResemble, []signaling.Status{
		signaling.StatusInitiating, signaling.StatusRinging, signaling.StatusConnected, signaling.StatusEnded,
	})
}

func TestPeerConnectionFailure(t *testing.T) {
	ctx := context.Background()
	for _, state := range []rtc.ConnectionState{rtc.ConnectionStateFailed, rtc.ConnectionStateDisconnected} {
		t.Run(state.String(), func(t *testing.T) {
			mem := newMemoryChannel(t)
			records, err := mem.Subscribe(ctx, orderID, customerID)
			test.That(t, err, test.ShouldBeNil)
			driver := newParty(t, driverID, mem)
			defer driver.close(t)

			var terminalSeenWithState *CallState
			terminal := make(chan struct{})
			driver.coordinator.OnCallStateChange(func(s CallState) {
				if s.Status.IsTerminal() {
					terminalSeenWithState = driver.coordinator.CallState()
					close(terminal)
				}
			})

			callID := driver.callDriverToCustomer(t)
			session := driver.sessions.session(t, 0)
			session.handlers.OnConnectionStateChange(state)

			ended := driver.states.waitFor(t, signaling.StatusEnded)
			test.That(t, ended.CallID, test.ShouldEqual, callID)
			<-terminal
			test.That(t, terminalSeenWithState, test.ShouldBeNil)
			test.That(t, driver.coordinator.CallState(), test.ShouldBeNil)
			testutils.WaitForAssertion(t, func(tb testing.TB) {
				tb.Helper()
				test.That(tb, session.view().closes, test.ShouldEqual, 1)
			})
			waitForRecord(t, records, func(rec *signaling.CallRecord) bool {
				return rec.Status == signaling.StatusEnded
			})

			// late events from the dead session change nothing
			session.handlers.OnConnectionStateChange(rtc.ConnectionStateConnected)
			session.handlers.OnLocalCandidate("late")
			test.That(t, driver.coordinator.CallState(), test.ShouldBeNil)
		})
	}
}

func TestRingTimeout(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryChannel(t)
	records, err := mem.Subscribe(ctx, orderID, customerID)
	test.That(t, err, test.ShouldBeNil)
	driver := newParty(t, driverID, mem, WithRingTimeout(50*time.Millisecond))
	defer driver.close(t)

	callID := driver.callDriverToCustomer(t)
	missed := driver.states.waitFor(t, signaling.StatusMissed)
	test.That(t, missed.CallID, test.ShouldEqual, callID)
	test.That(t, driver.channel.count("missed"), test.ShouldEqual, 1)
	waitForRecord(t, records, func(rec *signaling.CallRecord) bool {
		return rec.Status == signaling.StatusMissed
	})
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, driver.coordinator.CallState(), test.ShouldBeNil)
		test.That(tb, driver.sessions.session(t, 0).view().closes, test.ShouldEqual, 1)
	})

	t.Run("not once connected", func(t *testing.T) {
		driver := newParty(t, driverID, newMemoryChannel(t), WithRingTimeout(50*time.Millisecond))
		defer driver.close(t)
		driver.callDriverToCustomer(t)
		driver.sessions.session(t, 0).handlers.OnConnectionStateChange(rtc.ConnectionStateConnected)

		time.Sleep(150 * time.Millisecond)
		test.That(t, driver.channel.count("missed"), test.ShouldEqual, 0)
		test.That(t, driver.coordinator.CallState().Status, test.ShouldEqual, signaling.StatusConnected)
	})
}

func TestOnICECandidate(t *testing.T) {
	driver := newParty(t, driverID, newMemoryChannel(t))
	defer driver.close(t)

	candidates := make(chan string, 10)
	unsubscribe := driver.coordinator.OnICECandidate(func(candidate string) {
		candidates <- candidate
	})
	driver.callDriverToCustomer(t)
	select {
	case candidate := <-candidates:
		test.That(t, candidate, test.ShouldEqual, "caller-candidate-1")
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for local candidate")
	}

	unsubscribe()
	driver.sessions.session(t, 0).handlers.OnLocalCandidate("caller-candidate-2")
	time.Sleep(50 * time.Millisecond)
	test.That(t, candidates, test.ShouldBeEmpty)
}

func TestOnCallStateChangeUnsubscribe(t *testing.T) {
	driver := newParty(t, driverID, newMemoryChannel(t))
	var calls int
	unsubscribe := driver.coordinator.OnCallStateChange(func(CallState) {
		calls++
	})
	unsubscribe()
	driver.callDriverToCustomer(t)
	driver.close(t)
	test.That(t, calls, test.ShouldEqual, 0)
	test.That(t, driver.states.all(), test.ShouldNotBeEmpty)
}
