package utils

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// PanicCapturingGo spawns a goroutine to run the given function and recovers
// any panic it raises, logging it instead of crashing the process.
func PanicCapturingGo(f func()) {
	PanicCapturingGoWithCallback(f, nil)
}

// PanicCapturingGoWithCallback is like PanicCapturingGo but calls the given
// callback with the recovered value.
func PanicCapturingGoWithCallback(f func(), callback func(err interface{})) {
	go func() {
		defer func() {
			if err := recover(); err != nil {
				Logger.Errorw("panic while running function", "error", err, "stack", string(debug.Stack()))
				if callback != nil {
					callback(err)
				}
			}
		}()
		f()
	}()
}

// RecoverToError runs f and converts a panic into an error. It is used at API
// boundaries that promise never to panic.
func RecoverToError(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	return f()
}

// SelectContextOrWait either terminates because the given context is done
// or the given duration elapses. It returns true if the duration elapsed.
func SelectContextOrWait(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	return ctx.Err() == nil
}

// UncheckedError logs the given error when it is not nil. Use it only where an
// error genuinely cannot be acted upon.
func UncheckedError(err error) {
	if err != nil {
		Logger.Debugw("unchecked error", "error", err)
	}
}

