// Package signaling contains the out-of-band channel that two parties use to exchange
// call records (offer, answer, ICE candidates and status) before and during a call.
package signaling

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCallNotFound is returned when writing to a call that does not exist.
	ErrCallNotFound = errors.New("call not found")
	// ErrCallTerminated is returned when writing to a call that already ended, was declined or
	// was missed.
	ErrCallTerminated = errors.New("call already terminated")
	// ErrCallAnswered is returned when a write is only valid before the receiver answered.
	ErrCallAnswered = errors.New("call already answered")
)

// CallerType identifies which kind of user started a call.
type CallerType string

// Known caller types.
const (
	CallerTypeDriver   = CallerType("driver")
	CallerTypeCustomer = CallerType("customer")
)

// Side is a party of a call.
type Side int

// The two sides of a call.
const (
	SideCaller Side = iota
	SideReceiver
)

func (s Side) String() string {
	if s == SideCaller {
		return "caller"
	}
	return "receiver"
}

// A CallRecord is the shared view of a single call. Both ICE candidate lists are append only.
type CallRecord struct {
	ID                    string     `bson:"_id" json:"id"`
	OrderID               string     `bson:"order_id" json:"order_id"`
	CallerID              string     `bson:"caller_id" json:"caller_id"`
	ReceiverID            string     `bson:"receiver_id" json:"receiver_id"`
	CallerType            CallerType `bson:"caller_type" json:"caller_type"`
	CallerOffer           string     `bson:"caller_offer,omitempty" json:"caller_offer,omitempty"`
	ReceiverAnswer        string     `bson:"receiver_answer,omitempty" json:"receiver_answer,omitempty"`
	CallerICECandidates   []string   `bson:"caller_ice_candidates" json:"caller_ice_candidates"`
	ReceiverICECandidates []string   `bson:"receiver_ice_candidates" json:"receiver_ice_candidates"`
	Status                Status     `bson:"status" json:"status"`
	EndedBy               string     `bson:"ended_by,omitempty" json:"ended_by,omitempty"`
	CreatedAt             time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `bson:"updated_at" json:"updated_at"`
}

// Involves returns whether the given user is either party of the call.
func (r *CallRecord) Involves(userID string) bool {
	return r.CallerID == userID || r.ReceiverID == userID
}

// ICECandidates returns the candidates gathered by the given side.
func (r *CallRecord) ICECandidates(side Side) []string {
	if side == SideCaller {
		return r.CallerICECandidates
	}
	return r.ReceiverICECandidates
}

func (r *CallRecord) clone() *CallRecord {
	cp := *r
	cp.CallerICECandidates = append([]string(nil), r.CallerICECandidates...)
	cp.ReceiverICECandidates = append([]string(nil), r.ReceiverICECandidates...)
	return &cp
}

// CreateCallRequest describes a new call.
type CreateCallRequest struct {
	OrderID    string
	CallerID   string
	ReceiverID string
	CallerType CallerType
}

func (req CreateCallRequest) validate() error {
	switch {
	case req.OrderID == "":
		return errors.New("order id required")
	case req.CallerID == "":
		return errors.New("caller id required")
	case req.ReceiverID == "":
		return errors.New("receiver id required")
	case req.CallerID == req.ReceiverID:
		return errors.New("caller and receiver must differ")
	}
	return nil
}

// A Channel is where call records are created, mutated and observed by both parties.
//
// Status changes follow the call lifecycle: a call is created initiating, becomes ringing once
// the caller's offer is set and connected once the receiver's answer is set. Any non-terminal
// call can be ended. Declining and marking missed are only valid before the call connected.
type Channel interface {
	// CreateCall creates a new call record and returns its id.
	CreateCall(ctx context.Context, req CreateCallRequest) (string, error)

	// SetCallerOffer stores the caller's session description and moves the call to ringing.
	SetCallerOffer(ctx context.Context, callID, offer string) error

	// SetReceiverAnswer stores the receiver's session description and moves the call to connected.
	SetReceiverAnswer(ctx context.Context, callID, answer string) error

	// AddICECandidate appends a candidate gathered by the given side.
	AddICECandidate(ctx context.Context, callID, candidate string, side Side) error

	// EndCall ends the call on behalf of the acting user.
	EndCall(ctx context.Context, callID, actingUserID string) error

	// DeclineCall declines the call on behalf of the acting user.
	DeclineCall(ctx context.Context, callID, actingUserID string) error

	// MarkMissed marks an unanswered call as missed.
	MarkMissed(ctx context.Context, callID string) error

	// Subscribe observes the calls of an order that involve the given user. The current latest
	// record (or nil when there is none) is delivered first, followed by every change. When
	// records change faster than they are received only the latest is kept. The channel is
	// closed once ctx is done or the Channel is closed.
	Subscribe(ctx context.Context, orderID, userID string) (<-chan *CallRecord, error)

	// Close stops all subscriptions.
	Close() error
}

// transitionErr returns the error for a write that needs the call to be in one of the
// allowed statuses, or nil if it is.
func transitionErr(current Status, allowed ...Status) error {
	for _, s := range allowed {
		if current == s {
			return nil
		}
	}
	switch current {
	case StatusEnded, StatusDeclined, StatusMissed:
		return ErrCallTerminated
	case StatusConnected:
		return ErrCallAnswered
	case StatusIdle, StatusInitiating, StatusRinging:
		return errors.Errorf("unexpected call status %s", current)
	default:
		return errors.Errorf("unexpected call status %s", current)
	}
}

var (
	beforeAnswerStatuses = []Status{StatusInitiating, StatusRinging}
	activeStatuses       = []Status{StatusInitiating, StatusRinging, StatusConnected}
)

// sendLatest delivers rec on a buffered channel of capacity one, replacing an undelivered
// record. Only one goroutine may send on ch at a time.
func sendLatest(ch chan *CallRecord, rec *CallRecord) {
	select {
	case ch <- rec:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- rec
}
