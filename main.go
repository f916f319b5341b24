package utils

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// ContextualMain calls a main entry point function with a cancellable
// context that is cancelled on SIGINT/SIGTERM. A returned error is logged and
// turned into a non-zero exit.
func ContextualMain(main func(ctx context.Context, args []string, logger golog.Logger) error, logger golog.Logger) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := main(ctx, os.Args, logger)
	cancel()
	if Debug {
		if leakErr := FindGoroutineLeaks(); leakErr != nil {
			logger.Warnw("goroutine leaks found at exit", "error", leakErr)
		}
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	logger.Errorw("fatal error", "error", err)
	UncheckedError(logger.Sync())
	os.Exit(1)
}
