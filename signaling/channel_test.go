package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.cribnosh.com/utils"
)

// testChannel runs the behavior every Channel implementation must share. The setup
// function returns a fresh channel and a teardown.
func testChannel(t *testing.T, setup func(t *testing.T) (Channel, func())) {
	t.Helper()
	ctx := context.Background()
	newReq := func() CreateCallRequest {
		return CreateCallRequest{
			OrderID:    "order-" + utils.RandomAlphaString(8),
			CallerID:   "driver-1",
			ReceiverID: "customer-1",
			CallerType: CallerTypeDriver,
		}
	}

	t.Run("create call validates", func(t *testing.T) {
		ch, teardown := setup(t)
		defer teardown()

		_, err := ch.CreateCall(ctx, CreateCallRequest{CallerID: "a", ReceiverID: "b"})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "order id")

		_, err = ch.CreateCall(ctx, CreateCallRequest{OrderID: "o", CallerID: "a", ReceiverID: "a"})
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("lifecycle through connected and ended", func(t *testing.T) {
		ch, teardown := setup(t)
		defer teardown()

		req := newReq()
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		records, err := ch.Subscribe(subCtx, req.OrderID, req.ReceiverID)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, <-records, test.ShouldBeNil)

		callID, err := ch.CreateCall(ctx, req)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, callID, test.ShouldNotBeEmpty)

		test.That(t, ch.SetCallerOffer(ctx, callID, "offer"), test.ShouldBeNil)
		rec := waitForRecord(t, records, func(rec *CallRecord) bool {
			return rec.Status == StatusRinging
		})
		test.That(t, rec.ID, test.ShouldEqual, callID)
		test.That(t, rec.CallerOffer, test.ShouldEqual, "offer")
		test.That(t, rec.CallerType, test.ShouldEqual, CallerTypeDriver)

		test.That(t, ch.AddICECandidate(ctx, callID, "c1", SideCaller), test.ShouldBeNil)
		test.That(t, ch.AddICECandidate(ctx, callID, "c2", SideCaller), test.ShouldBeNil)
		test.That(t, ch.AddICECandidate(ctx, callID, "r1", SideReceiver), test.ShouldBeNil)
		rec = waitForRecord(t, records, func(rec *CallRecord) bool {
			return len(rec.CallerICECandidates) == 2 && len(rec.ReceiverICECandidates) == 1
		})
		test.That(t, rec.ICECandidates(SideCaller), test.ShouldResemble, []string{"c1", "c2"})
		test.That(t, rec.ICECandidates(SideReceiver), test.ShouldResemble, []string{"r1"})

		test.That(t, ch.SetReceiverAnswer(ctx, callID, "answer"), test.ShouldBeNil)
		rec = waitForRecord(t, records, func(rec *CallRecord) bool {
			return rec.Status == StatusConnected
		})
		test.That(t, rec.ReceiverAnswer, test.ShouldEqual, "answer")

		// answered calls can neither be declined nor missed
		test.That(t, errors.Is(ch.DeclineCall(ctx, callID, req.ReceiverID), ErrCallAnswered), test.ShouldBeTrue)
		test.That(t, errors.Is(ch.MarkMissed(ctx, callID), ErrCallAnswered), test.ShouldBeTrue)

		test.That(t, ch.EndCall(ctx, callID, req.ReceiverID), test.ShouldBeNil)
		rec = waitForRecord(t, records, func(rec *CallRecord) bool {
			return rec.Status == StatusEnded
		})
		test.That(t, rec.EndedBy, test.ShouldEqual, req.ReceiverID)

		// terminal records reject every write
		test.That(t, errors.Is(ch.EndCall(ctx, callID, req.CallerID), ErrCallTerminated), test.ShouldBeTrue)
		test.That(t, errors.Is(ch.AddICECandidate(ctx, callID, "c3", SideCaller), ErrCallTerminated), test.ShouldBeTrue)
		test.That(t, errors.Is(ch.SetCallerOffer(ctx, callID, "again"), ErrCallTerminated), test.ShouldBeTrue)
	})

	t.Run("decline and missed", func(t *testing.T) {
		ch, teardown := setup(t)
		defer teardown()

		req := newReq()
		callID, err := ch.CreateCall(ctx, req)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ch.SetCallerOffer(ctx, callID, "offer"), test.ShouldBeNil)
		test.That(t, ch.DeclineCall(ctx, callID, req.ReceiverID), test.ShouldBeNil)
		test.That(t, errors.Is(ch.SetReceiverAnswer(ctx, callID, "answer"), ErrCallTerminated), test.ShouldBeTrue)

		callID, err = ch.CreateCall(ctx, req)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ch.MarkMissed(ctx, callID), test.ShouldBeNil)
		test.That(t, errors.Is(ch.MarkMissed(ctx, callID), ErrCallTerminated), test.ShouldBeTrue)
	})

	t.Run("unknown call", func(t *testing.T) {
		ch, teardown := setup(t)
		defer teardown()

		err := ch.SetCallerOffer(ctx, "does-not-exist", "offer")
		test.That(t, errors.Is(err, ErrCallNotFound), test.ShouldBeTrue)
		err = ch.EndCall(ctx, "does-not-exist", "someone")
		test.That(t, errors.Is(err, ErrCallNotFound), test.ShouldBeTrue)
	})

	t.Run("subscribe starts at the latest call and filters by user", func(t *testing.T) {
		ch, teardown := setup(t)
		defer teardown()

		req := newReq()
		first, err := ch.CreateCall(ctx, req)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ch.EndCall(ctx, first, req.CallerID), test.ShouldBeNil)
		// stored creation times only have millisecond precision
		time.Sleep(5 * time.Millisecond)
		second, err := ch.CreateCall(ctx, req)
		test.That(t, err, test.ShouldBeNil)

		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		records, err := ch.Subscribe(subCtx, req.OrderID, req.CallerID)
		test.That(t, err, test.ShouldBeNil)
		rec := <-records
		test.That(t, rec, test.ShouldNotBeNil)
		test.That(t, rec.ID, test.ShouldEqual, second)

		strangerRecords, err := ch.Subscribe(subCtx, req.OrderID, "stranger")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, <-strangerRecords, test.ShouldBeNil)

		test.That(t, ch.SetCallerOffer(ctx, second, "offer"), test.ShouldBeNil)
		waitForRecord(t, records, func(rec *CallRecord) bool {
			return rec.ID == second && rec.Status == StatusRinging
		})
		select {
		case rec := <-strangerRecords:
			t.Fatalf("stranger should not see call %v", rec)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("subscription closes with its context", func(t *testing.T) {
		ch, teardown := setup(t)
		defer teardown()

		subCtx, cancel := context.WithCancel(ctx)
		records, err := ch.Subscribe(subCtx, "order-closing", "driver-1")
		test.That(t, err, test.ShouldBeNil)
		cancel()
		for range records {
		}
	})

	t.Run("subscription closes with the channel", func(t *testing.T) {
		ch, teardown := setup(t)
		defer teardown()

		records, err := ch.Subscribe(ctx, "order-closing", "driver-1")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ch.Close(), test.ShouldBeNil)
		for range records {
		}
	})
}

func waitForRecord(t *testing.T, records <-chan *CallRecord, cond func(rec *CallRecord) bool) *CallRecord {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case rec, ok := <-records:
			test.That(t, ok, test.ShouldBeTrue)
			if rec != nil && cond(rec) {
				return rec
			}
		case <-timeout:
			t.Fatal("timed out waiting for call record")
			return nil
		}
	}
}
