package calling

import "github.com/pkg/errors"

var (
	// ErrTransportUnavailable is returned when real-time calling cannot be used and there is no
	// phone number to fall back to.
	ErrTransportUnavailable = errors.New("in-app calling is unavailable")

	// ErrCallInProgress is returned when starting or answering a call while another is active.
	ErrCallInProgress = errors.New("a call is already in progress")

	// ErrNoActiveCall is returned when ending a call that has not been assigned an id.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNoPeerSession is returned by remote event handlers when there is no peer session yet.
	// The event can be retried once the session exists.
	ErrNoPeerSession = errors.New("no peer session")

	// ErrCallMismatch is returned by remote event handlers for events that belong to another
	// call or to the other side of this one.
	ErrCallMismatch = errors.New("event does not match the active call")

	errClosed          = errors.New("calling coordinator closed")
	errCallInterrupted = errors.New("call ended while it was being set up")
)
