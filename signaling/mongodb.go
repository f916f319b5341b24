package signaling

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.cribnosh.com/utils"
	mongoutils "go.cribnosh.com/utils/mongo"
)

func init() {
	mongoutils.MustRegisterNamespace(&mongodbCallsDBName, &mongodbCallsCollName)
}

var (
	mongodbCallsDBName   = "calling"
	mongodbCallsCollName = "calls"

	// call records are kept around for a day for support lookups.
	mongodbCallExpireAfter = 24 * time.Hour
)

const (
	callFieldID                    = "_id"
	callFieldOrderID               = "order_id"
	callFieldCallerID              = "caller_id"
	callFieldReceiverID            = "receiver_id"
	callFieldCallerOffer           = "caller_offer"
	callFieldReceiverAnswer        = "receiver_answer"
	callFieldCallerICECandidates   = "caller_ice_candidates"
	callFieldReceiverICECandidates = "receiver_ice_candidates"
	callFieldStatus                = "status"
	callFieldEndedBy               = "ended_by"
	callFieldCreatedAt             = "created_at"
	callFieldUpdatedAt             = "updated_at"
)

// A MongoDBChannel is a MongoDB backed Channel. Any number of processes can share the
// same collection; subscriptions are driven by change streams, so the deployment must
// be a replica set.
type MongoDBChannel struct {
	callsColl *mongo.Collection
	workers   *utils.StoppableWorkers
	logger    golog.Logger
}

// NewMongoDBChannel returns a new MongoDB based channel. The client is not owned by the
// channel and is not disconnected on Close.
func NewMongoDBChannel(ctx context.Context, client *mongo.Client, logger golog.Logger) (*MongoDBChannel, error) {
	callsColl := client.Database(mongodbCallsDBName).Collection(mongodbCallsCollName)
	if err := mongoutils.EnsureIndexes(ctx, callsColl,
		mongo.IndexModel{
			Keys: bson.D{{callFieldOrderID, 1}, {callFieldCreatedAt, -1}},
		},
		mongo.IndexModel{
			Keys:    bson.D{{callFieldUpdatedAt, 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(mongodbCallExpireAfter.Seconds())),
		},
	); err != nil {
		return nil, err
	}
	return &MongoDBChannel{
		callsColl: callsColl,
		workers:   utils.NewStoppableWorkers(context.Background()),
		logger:    utils.Sublogger(logger, "signaling"),
	}, nil
}

// CreateCall inserts a new initiating call.
func (mc *MongoDBChannel) CreateCall(ctx context.Context, req CreateCallRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	rec := CallRecord{
		ID:                    uuid.NewString(),
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
	if _, err := mc.callsColl.InsertOne(ctx, rec); err != nil {
		return "", errors.Wrap(err, "error creating call")
	}
	mc.logger.Debugw("call created", "call_id", rec.ID, "order_id", rec.OrderID)
	return rec.ID, nil
}

func statusNames(statuses []Status) bson.A {
	names := make(bson.A, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, s.String())
	}
	return names
}

// update applies the update document to the call if its status is one of allowed.
func (mc *MongoDBChannel) update(ctx context.Context, callID string, allowed []Status, set, push bson.D) error {
	set = append(set, bson.E{callFieldUpdatedAt, time.Now().UTC()})
	updateDoc := bson.D{{"$set", set}}
	if len(push) > 0 {
		updateDoc = append(updateDoc, bson.E{"$push", push})
	}
	result, err := mc.callsColl.UpdateOne(ctx, bson.D{
		{callFieldID, callID},
		{callFieldStatus, bson.D{{"$in", statusNames(allowed)}}},
	}, updateDoc)
	if err != nil {
		return errors.Wrapf(err, "error updating call %q", callID)
	}
	if result.MatchedCount == 1 {
		return nil
	}

	// nothing matched; find out why
	var rec CallRecord
	if err := mc.callsColl.FindOne(ctx, bson.D{{callFieldID, callID}}).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return errors.Wrap(ErrCallNotFound, callID)
		}
		return errors.Wrapf(err, "error finding call %q", callID)
	}
	if err := transitionErr(rec.Status, allowed...); err != nil {
		return err
	}
	// the status changed back into an allowed one between both queries; callers retry on
	// conflicts like this one.
	return errors.Errorf("concurrent update of call %q", callID)
}

// SetCallerOffer stores the offer and moves the call to ringing.
func (mc *MongoDBChannel) SetCallerOffer(ctx context.Context, callID, offer string) error {
	return mc.update(ctx, callID, beforeAnswerStatuses, bson.D{
		{callFieldCallerOffer, offer},
		{callFieldStatus, StatusRinging},
	}, nil)
}

// SetReceiverAnswer stores the answer and moves the call to connected.
func (mc *MongoDBChannel) SetReceiverAnswer(ctx context.Context, callID, answer string) error {
	return mc.update(ctx, callID, beforeAnswerStatuses, bson.D{
		{callFieldReceiverAnswer, answer},
		{callFieldStatus, StatusConnected},
	}, nil)
}

// AddICECandidate appends a candidate for the given side.
func (mc *MongoDBChannel) AddICECandidate(ctx context.Context, callID, candidate string, side Side) error {
	field := callFieldCallerICECandidates
	if side == SideReceiver {
		field = callFieldReceiverICECandidates
	}
	return mc.update(ctx, callID, activeStatuses, nil, bson.D{{field, candidate}})
}

// EndCall ends an active call.
func (mc *MongoDBChannel) EndCall(ctx context.Context, callID, actingUserID string) error {
	return mc.update(ctx, callID, activeStatuses, bson.D{
		{callFieldStatus, StatusEnded},
		{callFieldEndedBy, actingUserID},
	}, nil)
}

// DeclineCall declines an unanswered call.
func (mc *MongoDBChannel) DeclineCall(ctx context.Context, callID, actingUserID string) error {
	return mc.update(ctx, callID, beforeAnswerStatuses, bson.D{
		{callFieldStatus, StatusDeclined},
		{callFieldEndedBy, actingUserID},
	}, nil)
}

// MarkMissed marks an unanswered call as missed.
func (mc *MongoDBChannel) MarkMissed(ctx context.Context, callID string) error {
	return mc.update(ctx, callID, beforeAnswerStatuses, bson.D{
		{callFieldStatus, StatusMissed},
	}, nil)
}

func involvesFilter(prefix, orderID, userID string) bson.D {
	return bson.D{
		{prefix + callFieldOrderID, orderID},
		{"$or", bson.A{
			bson.D{{prefix + callFieldCallerID, userID}},
			bson.D{{prefix + callFieldReceiverID, userID}},
		}},
	}
}

// Subscribe observes the calls of an order involving userID via a change stream.
func (mc *MongoDBChannel) Subscribe(ctx context.Context, orderID, userID string) (<-chan *CallRecord, error) {
	// watch before reading the current record so no change can slip in between
	cs, err := mc.callsColl.Watch(ctx, mongo.Pipeline{
		{{"$match", append(involvesFilter("fullDocument.", orderID, userID), bson.E{
			"operationType", bson.D{{"$in", bson.A{
				mongoutils.ChangeEventOperationTypeInsert,
				mongoutils.ChangeEventOperationTypeUpdate,
				mongoutils.ChangeEventOperationTypeReplace,
			}}},
		})}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, errors.Wrap(err, "error watching calls")
	}
	closeStream := func() {
		utils.UncheckedError(cs.Close(context.Background()))
	}

	var current *CallRecord
	var rec CallRecord
	err = mc.callsColl.FindOne(ctx, involvesFilter("", orderID, userID),
		options.FindOne().SetSort(bson.D{{callFieldCreatedAt, -1}})).Decode(&rec)
	switch {
	case err == nil:
		current = &rec
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		closeStream()
		return nil, errors.Wrap(err, "error finding current call")
	}

	out := make(chan *CallRecord, 1)
	out <- current
	if err := mc.workers.Add(func(closeCtx context.Context) {
		defer close(out)
		defer closeStream()

		streamCtx, cancel := context.WithCancel(closeCtx)
		defer cancel()
		utils.PanicCapturingGo(func() {
			select {
			case <-ctx.Done():
			case <-streamCtx.Done():
			}
			cancel()
		})

		results := mongoutils.ChangeStreamBackground(streamCtx, cs)
		for result := range results {
			if result.Error != nil {
				if streamCtx.Err() == nil {
					mc.logger.Errorw("call change stream failed", "order_id", orderID, "error", result.Error)
				}
				// drain so the background reader can exit
				for range results {
				}
				return
			}
			if result.Event.FullDocument.Type != bsontype.EmbeddedDocument {
				continue
			}
			var changed CallRecord
			if err := result.Event.FullDocument.Unmarshal(&changed); err != nil {
				mc.logger.Warnw("dropping undecodable call record", "error", err)
				continue
			}
			sendLatest(out, &changed)
		}
	}); err != nil {
		closeStream()
		return nil, errors.Wrap(err, "signaling channel closed")
	}
	return out, nil
}

// Close stops every subscription.
func (mc *MongoDBChannel) Close() error {
	mc.workers.Stop()
	return nil
}
