package mongoutils

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"go.cribnosh.com/utils"
)

// A ChangeEvent is the subset of a change stream response document that callers
// here care about.
type ChangeEvent struct {
	ID            bson.RawValue            `bson:"_id"`
	OperationType ChangeEventOperationType `bson:"operationType"`
	FullDocument  bson.RawValue            `bson:"fullDocument"`
	DocumentKey   bson.D                   `bson:"documentKey"`
}

// ChangeEventOperationType is the type of operation that occurred.
type ChangeEventOperationType string

// ChangeEvent operation types.
const (
	ChangeEventOperationTypeInsert     = ChangeEventOperationType("insert")
	ChangeEventOperationTypeDelete     = ChangeEventOperationType("delete")
	ChangeEventOperationTypeReplace    = ChangeEventOperationType("replace")
	ChangeEventOperationTypeUpdate     = ChangeEventOperationType("update")
	ChangeEventOperationTypeInvalidate = ChangeEventOperationType("invalidate")
)

// ChangeEventResult represents either an event happening or an error that happened
// along the way.
type ChangeEventResult struct {
	Event *ChangeEvent
	Error error
}

// ChangeStreamBackground calls Next in the background and returns once at least one attempt has
// been made, so that writes issued after it returns are observed. Results are delivered until the
// given context is done or the stream fails; the channel is closed afterwards. The caller still
// owns closing the stream.
func ChangeStreamBackground(ctx context.Context, cs *mongo.ChangeStream) <-chan ChangeEventResult {
	results := make(chan ChangeEventResult, 1)
	csStarted := make(chan struct{})
	sendResult := func(result ChangeEventResult) bool {
		select {
		case <-ctx.Done():
			// try once more
			select {
			case results <- result:
			default:
			}
			return false
		case results <- result:
			return true
		}
	}
	utils.PanicCapturingGo(func() {
		defer close(results)

		started := false
		markStarted := func() {
			if !started {
				started = true
				close(csStarted)
			}
		}
		defer markStarted()

		for ctx.Err() == nil {
			// TryNext makes the first round trip without blocking so csStarted can
			// be signaled as soon as the server has the cursor open.
			next := cs.TryNext(ctx)
			markStarted()
			if !next {
				next = cs.Next(ctx)
			}
			if !next {
				sendResult(ChangeEventResult{Error: cs.Err()})
				return
			}
			var ce ChangeEvent
			if err := cs.Decode(&ce); err != nil {
				sendResult(ChangeEventResult{Error: err})
				return
			}
			if !sendResult(ChangeEventResult{Event: &ce}) {
				return
			}
		}
	})
	<-csStarted
	return results
}
