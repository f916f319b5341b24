// Package dialer hands a call over to the platform's telephone application.
package dialer

import (
	"context"
	"strings"

	"github.com/edaniels/golog"
	"github.com/nyaruka/phonenumbers"
	"github.com/pkg/errors"

	"go.cribnosh.com/utils"
)

var (
	// ErrInvalidNumber is returned for a phone number that cannot be dialed.
	ErrInvalidNumber = errors.New("invalid phone number")
	// ErrCallsUnsupported is returned when the platform has no way to place calls.
	ErrCallsUnsupported = errors.New("phone calls are not supported on this device")
	// ErrDialerOpenFailed is returned when the platform refused to open the dialer.
	ErrDialerOpenFailed = errors.New("failed to open phone dialer")
)

// DefaultRegion is used to validate numbers given without an international prefix.
const DefaultRegion = "GB"

// A URLOpener opens URLs with whatever application the platform associates with them.
type URLOpener interface {
	CanOpenURL(url string) bool
	OpenURL(url string) error
}

// A Dialer opens the telephone application for a number.
type Dialer struct {
	opener        URLOpener
	defaultRegion string
	logger        golog.Logger
}

// New returns a Dialer using the given opener. An empty region means DefaultRegion.
func New(opener URLOpener, defaultRegion string, logger golog.Logger) *Dialer {
	if defaultRegion == "" {
		defaultRegion = DefaultRegion
	}
	return &Dialer{
		opener:        opener,
		defaultRegion: strings.ToUpper(defaultRegion),
		logger:        utils.Sublogger(logger, "dialer"),
	}
}

// OpenDialer opens the telephone application with the given number filled in. The display
// name is only used for logging.
func (d *Dialer) OpenDialer(ctx context.Context, phoneNumber, displayName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	number, err := NormalizeNumber(phoneNumber, d.defaultRegion)
	if err != nil {
		return err
	}
	url := "tel:" + number
	if !d.opener.CanOpenURL(url) {
		return ErrCallsUnsupported
	}
	if err := d.opener.OpenURL(url); err != nil {
		d.logger.Warnw("error opening dialer", "name", displayName, "error", err)
		return errors.Wrap(ErrDialerOpenFailed, err.Error())
	}
	d.logger.Infow("opened dialer", "name", displayName)
	return nil
}

// NormalizeNumber strips formatting from a phone number, keeping a leading international
// prefix (+ or 00, which becomes +), and checks that the result is a possible number.
func NormalizeNumber(phoneNumber, defaultRegion string) (string, error) {
	trimmed := strings.TrimSpace(phoneNumber)
	var b strings.Builder
	for i, c := range trimmed {
		switch {
		case c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '+' && i == 0:
			b.WriteRune(c)
		case c == ' ', c == '-', c == '.', c == '(', c == ')', c == '/':
		default:
			return "", errors.Wrapf(ErrInvalidNumber, "unexpected character %q", c)
		}
	}
	number := b.String()
	if strings.HasPrefix(number, "00") {
		number = "+" + number[2:]
	}
	if strings.TrimPrefix(number, "+") == "" {
		return "", errors.Wrap(ErrInvalidNumber, "no digits")
	}

	parsed, err := phonenumbers.Parse(number, defaultRegion)
	if err != nil {
		return "", errors.Wrap(ErrInvalidNumber, err.Error())
	}
	if !phonenumbers.IsPossibleNumber(parsed) {
		return "", errors.Wrapf(ErrInvalidNumber, "%s is not a possible number", number)
	}
	return number, nil
}
