package calling

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"go.cribnosh.com/utils"
	"go.cribnosh.com/utils/signaling"
)

var (
	callsStarted = stats.Int64(
		"cribnosh/calling/calls_started",
		"Number of calls placed or answered over real-time transport",
		stats.UnitDimensionless)
	callOutcomes = stats.Int64(
		"cribnosh/calling/call_outcomes",
		"Number of calls by terminal status",
		stats.UnitDimensionless)
	dialerFallbacks = stats.Int64(
		"cribnosh/calling/dialer_fallbacks",
		"Number of calls handed over to the phone dialer",
		stats.UnitDimensionless)
	setupLatency = stats.Float64(
		"cribnosh/calling/setup_latency",
		"Time from starting a call until it connected",
		stats.UnitMilliseconds)

	keyRole   = tag.MustNewKey("role")
	keyStatus = tag.MustNewKey("status")
	keyReason = tag.MustNewKey("reason")
)

// Views are the views over the coordinator's measurements.
var Views = []*view.View{
	{
		Name:        "cribnosh/calling/calls_started",
		Description: "calls started by role",
		Measure:     callsStarted,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{keyRole},
	},
	{
		Name:        "cribnosh/calling/call_outcomes",
		Description: "calls by role and terminal status",
		Measure:     callOutcomes,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{keyRole, keyStatus},
	},
	{
		Name:        "cribnosh/calling/dialer_fallbacks",
		Description: "calls handed over to the phone dialer by reason",
		Measure:     dialerFallbacks,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{keyReason},
	},
	{
		Name:        "cribnosh/calling/setup_latency",
		Description: "distribution of call setup latency in milliseconds",
		Measure:     setupLatency,
		Aggregation: view.Distribution(50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000),
		TagKeys:     []tag.Key{keyRole},
	},
}

func roleName(isCaller bool) string {
	if isCaller {
		return "caller"
	}
	return "receiver"
}

func recordCallStarted(ctx context.Context, isCaller bool) {
	utils.UncheckedError(stats.RecordWithTags(ctx,
		[]tag.Mutator{tag.Upsert(keyRole, roleName(isCaller))},
		callsStarted.M(1)))
}

func recordCallOutcome(isCaller bool, status signaling.Status) {
	utils.UncheckedError(stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(keyRole, roleName(isCaller)), tag.Upsert(keyStatus, status.String())},
		callOutcomes.M(1)))
}

func recordDialerFallback(ctx context.Context, reason string) {
	utils.UncheckedError(stats.RecordWithTags(ctx,
		[]tag.Mutator{tag.Upsert(keyReason, reason)},
		dialerFallbacks.M(1)))
}

func recordSetupLatency(isCaller bool, elapsed time.Duration) {
	utils.UncheckedError(stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(keyRole, roleName(isCaller))},
		setupLatency.M(float64(elapsed)/float64(time.Millisecond))))
}
