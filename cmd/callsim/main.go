// Package main runs a driver and a customer calling coordinator against each other over one
// signaling channel. The customer answers automatically and the driver hangs up after the
// configured duration.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"go.cribnosh.com/utils"
	"go.cribnosh.com/utils/calling"
	"go.cribnosh.com/utils/config"
	"go.cribnosh.com/utils/perf"
	"go.cribnosh.com/utils/rtc/microphone"
	"go.cribnosh.com/utils/signaling"
)

const (
	driverUserID   = "callsim-driver"
	customerUserID = "callsim-customer"
)

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

var logger = golog.Global().Named("callsim")

// arguments for the command.
type arguments struct {
	ConfigPath string
	Signaling  string
	MongoDBURI string
	OrderID    string
	Duration   time.Duration
	Microphone bool
	Phone      string
	Debug      bool
}

func parseArgs(args []string) (arguments, *pflag.FlagSet, error) {
	var parsed arguments
	flagSet := pflag.NewFlagSet("callsim", pflag.ContinueOnError)
	flagSet.StringVar(&parsed.ConfigPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&parsed.Signaling, "signaling", "", "signaling backend, memory or mongodb (overrides the config)")
	flagSet.StringVar(&parsed.MongoDBURI, "mongodb_uri", "", "MongoDB URI for the mongodb backend (overrides the config)")
	flagSet.StringVar(&parsed.OrderID, "order", "", "order id to call about (random by default)")
	flagSet.DurationVar(&parsed.Duration, "duration", 10*time.Second, "how long the driver stays on the call")
	flagSet.BoolVar(&parsed.Microphone, "microphone", false, "capture the driver's audio from the microphone instead of silence")
	flagSet.StringVar(&parsed.Phone, "phone", "", "customer phone number for the dialer fallback")
	flagSet.BoolVar(&parsed.Debug, "debug", false, "log debug output including the WebRTC stack")
	if err := flagSet.Parse(args); err != nil {
		return arguments{}, flagSet, err
	}
	if flagSet.NArg() > 0 {
		return arguments{}, flagSet, errors.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	if parsed.Duration <= 0 {
		return arguments{}, flagSet, errors.New("duration must be positive")
	}
	if parsed.OrderID == "" {
		parsed.OrderID = "callsim-" + utils.RandomAlphaString(8)
	}
	return parsed, flagSet, nil
}

// loadConfig reads the config file if any and applies flag overrides.
func loadConfig(parsed arguments) (*config.Config, error) {
	cfg := config.Default()
	if parsed.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(parsed.ConfigPath); err != nil {
			return nil, err
		}
	}
	if parsed.Signaling != "" {
		cfg.Signaling.Backend = parsed.Signaling
	}
	if parsed.MongoDBURI != "" {
		cfg.Signaling.MongoDBURI = parsed.MongoDBURI
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	parsed, flagSet, err := parseArgs(args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		fmt.Fprintln(os.Stderr, flagSet.FlagUsages())
		return err
	}
	if parsed.Debug {
		utils.Debug = true
		logger = golog.NewDebugLogger("callsim")
	}
	cfg, err := loadConfig(parsed)
	if err != nil {
		return err
	}

	exporter := perf.NewDevelopmentExporter(logger, calling.Views)
	if err := exporter.Start(); err != nil {
		return err
	}
	defer exporter.Stop()

	channel, closeChannel, err := openChannel(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, closeChannel())
	}()

	driverOpts := cfg.CoordinatorOptions(logger)
	if parsed.Microphone {
		driverOpts = append(driverOpts, calling.WithMediaSource(microphone.NewSource(logger)))
	}
	return simulate(ctx, simulation{
		channel:      channel,
		orderID:      parsed.OrderID,
		duration:     parsed.Duration,
		phone:        parsed.Phone,
		driverOpts:   driverOpts,
		customerOpts: cfg.CoordinatorOptions(logger),
	}, logger)
}

func openChannel(ctx context.Context, cfg *config.Config, logger golog.Logger) (signaling.Channel, func() error, error) {
	if cfg.Signaling.Backend == config.SignalingMemory {
		channel := signaling.NewMemoryChannel(logger)
		return channel, channel.Close, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Signaling.MongoDBURI))
	if err != nil {
		return nil, nil, errors.Wrap(err, "error connecting to MongoDB")
	}
	disconnect := func() error {
		return client.Disconnect(context.Background())
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, nil, multierr.Combine(errors.Wrap(err, "error connecting to MongoDB"), disconnect())
	}
	channel, err := signaling.NewMongoDBChannel(ctx, client, logger)
	if err != nil {
		return nil, nil, multierr.Combine(err, disconnect())
	}
	return channel, func() error {
		return multierr.Combine(channel.Close(), disconnect())
	}, nil
}

type simulation struct {
	channel      signaling.Channel
	orderID      string
	duration     time.Duration
	phone        string
	driverOpts   []calling.Option
	customerOpts []calling.Option
}

// simulate places one call from the driver to the customer and hangs it up after the
// simulation's duration.
func simulate(ctx context.Context, sim simulation, logger golog.Logger) (err error) {
	driver, err := calling.NewCoordinator(driverUserID, sim.channel, logger.Named("driver"), sim.driverOpts...)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, driver.Close())
	}()
	customer, err := calling.NewCoordinator(customerUserID, sim.channel, logger.Named("customer"), sim.customerOpts...)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, customer.Close())
	}()

	driverMonitor := calling.NewMonitor(driver, sim.channel, sim.orderID, driverUserID, logger.Named("driver"))
	if err := driverMonitor.Start(ctx); err != nil {
		return err
	}
	defer driverMonitor.Close()
	customerMonitor := calling.NewMonitor(customer, sim.channel, sim.orderID, customerUserID, logger.Named("customer"))
	if err := customerMonitor.Start(ctx); err != nil {
		return err
	}
	defer customerMonitor.Close()

	customer.OnCallStateChange(func(state calling.CallState) {
		logger.Infow("customer call state", "call_id", state.CallID, "status", state.Status)
	})
	customerMonitor.OnIncomingCall(func(call calling.IncomingCall) {
		logger.Infow("customer answering", "call_id", call.CallID, "caller_id", call.CallerID)
		if err := customer.AnswerCall(ctx, call.CallID); err != nil {
			logger.Errorw("customer failed to answer", "call_id", call.CallID, "error", err)
		}
	})

	connected := make(chan struct{})
	ended := make(chan signaling.Status, 1)
	var connectedOnce, endedOnce sync.Once
	driver.OnCallStateChange(func(state calling.CallState) {
		logger.Infow("driver call state", "call_id", state.CallID, "status", state.Status)
		switch {
		case state.Status == signaling.StatusConnected:
			connectedOnce.Do(func() { close(connected) })
		case state.Status.IsTerminal():
			endedOnce.Do(func() { ended <- state.Status })
		}
	})

	res, err := driver.InitiateCall(ctx, calling.InitiateCallRequest{
		OrderID:       sim.orderID,
		ReceiverID:    customerUserID,
		ReceiverName:  "Customer",
		ReceiverPhone: sim.phone,
	})
	if err != nil {
		return err
	}
	if res.UsedFallback {
		logger.Infow("in-app calling unavailable, handed the call to the phone dialer", "phone", sim.phone)
		return nil
	}

	select {
	case <-connected:
	case status := <-ended:
		return errors.Errorf("call %s before it connected", status)
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Infow("call connected", "call_id", res.CallID, "duration", sim.duration)

	if !utils.SelectContextOrWait(ctx, sim.duration) {
		logger.Info("interrupted, hanging up")
	}
	logger.Infow("call audio", "driver_tracks", driver.RemoteTrackCount(), "customer_tracks", customer.RemoteTrackCount())

	hangupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := driver.EndCall(hangupCtx); err != nil && !errors.Is(err, calling.ErrNoActiveCall) {
		return err
	}
	return nil
}

