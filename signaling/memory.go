package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.cribnosh.com/utils"
)

// A MemoryChannel is an in-memory implementation of a Channel. It is meant for a single
// process hosting both parties (tests and the call simulator).
type MemoryChannel struct {
	mu      sync.Mutex
	calls   map[string]*CallRecord
	byOrder map[string][]string
	subs    map[*memorySubscriber]struct{}

	uuidDeterministic        bool
	uuidDeterministicCounter int64

	workers *utils.StoppableWorkers
	logger  golog.Logger
}

type memorySubscriber struct {
	orderID string
	userID  string
	ch      chan *CallRecord
}

// NewMemoryChannel returns a new, empty in-memory channel.
func NewMemoryChannel(logger golog.Logger) *MemoryChannel {
	return newMemoryChannel(false, logger)
}

// newMemoryChannelTest makes call ids predictable.
func newMemoryChannelTest(logger golog.Logger) *MemoryChannel {
	return newMemoryChannel(true, logger)
}

func newMemoryChannel(uuidDeterministic bool, logger golog.Logger) *MemoryChannel {
	return &MemoryChannel{
		calls:             map[string]*CallRecord{},
		byOrder:           map[string][]string{},
		subs:              map[*memorySubscriber]struct{}{},
		uuidDeterministic: uuidDeterministic,
		workers:           utils.NewStoppableWorkers(context.Background()),
		logger:            utils.Sublogger(logger, "signaling"),
	}
}

// CreateCall creates a new initiating call.
func (mc *MemoryChannel) CreateCall(ctx context.Context, req CreateCallRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := mc.workers.Context().Err(); err != nil {
		return "", errors.Wrap(err, "signaling channel closed")
	}

	var callID string
	if mc.uuidDeterministic {
		mc.uuidDeterministicCounter++
		callID = fmt.Sprintf("insecure-uuid-%d", mc.uuidDeterministicCounter)
	} else {
		callID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec := &CallRecord{
		ID:                    callID,
		OrderID:               req.OrderID,
		CallerID:              req.CallerID,
		ReceiverID:            req.ReceiverID,
		CallerType:            req.CallerType,
		CallerICECandidates:   []string{},
		ReceiverICECandidates: []string{},
		Status:                StatusInitiating,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	mc.calls[callID] = rec
	mc.byOrder[req.OrderID] = append(mc.byOrder[req.OrderID], callID)
	mc.publishLocked(rec)
	mc.logger.Debugw("call created", "call_id", callID, "order_id", req.OrderID)
	return callID, nil
}

// update applies mutate to the call if its status is one of allowed and publishes the result.
func (mc *MemoryChannel) update(callID string, allowed []Status, mutate func(rec *CallRecord)) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	rec, ok := mc.calls[callID]
	if !ok {
		return errors.Wrap(ErrCallNotFound, callID)
	}
	if err := transitionErr(rec.Status, allowed...); err != nil {
		return err
	}
	mutate(rec)
	rec.UpdatedAt = time.Now().UTC()
	mc.publishLocked(rec)
	return nil
}

// SetCallerOffer stores the offer and moves the call to ringing.
func (mc *MemoryChannel) SetCallerOffer(ctx context.Context, callID, offer string) error {
	return mc.update(callID, beforeAnswerStatuses, func(rec *CallRecord) {
		rec.CallerOffer = offer
		rec.Status = StatusRinging
	})
}

// SetReceiverAnswer stores the answer and moves the call to connected.
func (mc *MemoryChannel) SetReceiverAnswer(ctx context.Context, callID, answer string) error {
	return mc.update(callID, beforeAnswerStatuses, func(rec *CallRecord) {
		rec.ReceiverAnswer = answer
		rec.Status = StatusConnected
	})
}

// AddICECandidate appends a candidate for the given side.
func (mc *MemoryChannel) AddICECandidate(ctx context.Context, callID, candidate string, side Side) error {
	return mc.update(callID, activeStatuses, func(rec *CallRecord) {
		if side == SideCaller {
			rec.CallerICECandidates = append(rec.CallerICECandidates, candidate)
		} else {
			rec.ReceiverICECandidates = append(rec.ReceiverICECandidates, candidate)
		}
	})
}

// EndCall ends an active call.
func (mc *MemoryChannel) EndCall(ctx context.Context, callID, actingUserID string) error {
	return mc.update(callID, activeStatuses, func(rec *CallRecord) {
		rec.Status = StatusEnded
		rec.EndedBy = actingUserID
	})
}

// DeclineCall declines an unanswered call.
func (mc *MemoryChannel) DeclineCall(ctx context.Context, callID, actingUserID string) error {
	return mc.update(callID, beforeAnswerStatuses, func(rec *CallRecord) {
		rec.Status = StatusDeclined
		rec.EndedBy = actingUserID
	})
}

// MarkMissed marks an unanswered call as missed.
func (mc *MemoryChannel) MarkMissed(ctx context.Context, callID string) error {
	return mc.update(callID, beforeAnswerStatuses, func(rec *CallRecord) {
		rec.Status = StatusMissed
	})
}

// Subscribe observes the calls of an order involving userID.
func (mc *MemoryChannel) Subscribe(ctx context.Context, orderID, userID string) (<-chan *CallRecord, error) {
	sub := &memorySubscriber{orderID: orderID, userID: userID, ch: make(chan *CallRecord, 1)}

	mc.mu.Lock()
	if err := mc.workers.Context().Err(); err != nil {
		mc.mu.Unlock()
		return nil, errors.Wrap(err, "signaling channel closed")
	}
	var current *CallRecord
	ids := mc.byOrder[orderID]
	for i := len(ids) - 1; i >= 0; i-- {
		if rec := mc.calls[ids[i]]; rec.Involves(userID) {
			current = rec.clone()
			break
		}
	}
	sub.ch <- current
	mc.subs[sub] = struct{}{}
	mc.mu.Unlock()

	if err := mc.workers.Add(func(closeCtx context.Context) {
		select {
		case <-ctx.Done():
		case <-closeCtx.Done():
		}
		mc.mu.Lock()
		delete(mc.subs, sub)
		close(sub.ch)
		mc.mu.Unlock()
	}); err != nil {
		mc.mu.Lock()
		delete(mc.subs, sub)
		mc.mu.Unlock()
		return nil, err
	}
	return sub.ch, nil
}

func (mc *MemoryChannel) publishLocked(rec *CallRecord) {
	for sub := range mc.subs {
		if sub.orderID != rec.OrderID || !rec.Involves(sub.userID) {
			continue
		}
		sendLatest(sub.ch, rec.clone())
	}
}

// Close closes every subscription.
func (mc *MemoryChannel) Close() error {
	mc.workers.Stop()
	return nil
}
