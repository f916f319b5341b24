package signaling

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Status is the lifecycle status of a call. It is shared by the signaling record and
// the local call state.
type Status int

// The set of call statuses.
const (
	StatusIdle Status = iota
	StatusInitiating
	StatusRinging
	StatusConnected
	StatusEnded
	StatusDeclined
	StatusMissed
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInitiating:
		return "initiating"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	case StatusDeclined:
		return "declined"
	case StatusMissed:
		return "missed"
	default:
		return "unknown"
	}
}

// IsTerminal returns whether no further transition can happen from the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusDeclined, StatusMissed:
		return true
	case StatusIdle, StatusInitiating, StatusRinging, StatusConnected:
		return false
	default:
		return false
	}
}

// ParseStatus parses the wire name of a status.
func ParseStatus(str string) (Status, error) {
	switch str {
	case "idle":
		return StatusIdle, nil
	case "initiating":
		return StatusInitiating, nil
	case "ringing":
		return StatusRinging, nil
	case "connected":
		return StatusConnected, nil
	case "ended":
		return StatusEnded, nil
	case "declined":
		return StatusDeclined, nil
	case "missed":
		return StatusMissed, nil
	default:
		return StatusIdle, errors.Errorf("unknown call status %q", str)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if _, err := ParseStatus(s.String()); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalBSONValue stores the status as its wire name.
func (s Status) MarshalBSONValue() (bsontype.Type, []byte, error) {
	text, err := s.MarshalText()
	if err != nil {
		return 0, nil, err
	}
	return bson.MarshalValue(string(text))
}

// UnmarshalBSONValue reads a status stored as its wire name.
func (s *Status) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	str, ok := bson.RawValue{Type: t, Value: data}.StringValueOK()
	if !ok {
		return errors.Errorf("expected call status to be a string but got %s", t)
	}
	return s.UnmarshalText([]byte(str))
}
