package perf

// based on "go.opencensus.io/examples/exporter"

import (
	"context"
	"encoding/hex"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"go.opencensus.io/metric/metricdata"
	"go.opencensus.io/metric/metricexport"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"

	"go.cribnosh.com/utils"
)

// developmentExporter logs metrics and span timings.
type developmentExporter struct {
	logger golog.Logger
	views  [][]*view.View
	o      DevelopmentExporterOptions

	mu       sync.Mutex
	children map[string][]spanInfo
	ir       *metricexport.IntervalReader

	// For testing. Keeps spans in children after they were reported so they can be walked
	// again.
	deleteDisabled bool
}

// DevelopmentExporterOptions provides options for DevelopmentExporter.
type DevelopmentExporterOptions struct {
	// ReportingInterval is a time interval between two successive metrics
	// export.
	ReportingInterval time.Duration

	// MetricsDisabled determines if metrics reporting is disabled or not.
	MetricsDisabled bool

	// TracesDisabled determines if trace reporting is disabled or not.
	TracesDisabled bool
}

type spanInfo struct {
	id   string
	data *trace.SpanData
}

var reZero = regexp.MustCompile(`^0+$`)

// NewDevelopmentExporter returns an exporter logging the given views every 10 seconds along
// with the timing of every finished trace.
func NewDevelopmentExporter(logger golog.Logger, views ...[]*view.View) Exporter {
	return NewDevelopmentExporterWithOptions(logger, DevelopmentExporterOptions{
		ReportingInterval: 10 * time.Second,
	}, views...)
}

// NewDevelopmentExporterWithOptions creates a new log exporter with the given options.
func NewDevelopmentExporterWithOptions(
	logger golog.Logger,
	options DevelopmentExporterOptions,
	views ...[]*view.View,
) Exporter {
	return &developmentExporter{
		logger:   utils.Sublogger(logger, "perf"),
		views:    views,
		o:        options,
		children: map[string][]spanInfo{},
	}
}

// Start starts the metric and span data exporter.
func (e *developmentExporter) Start() error {
	if err := RegisterViews(e.views...); err != nil {
		return err
	}
	if !e.o.TracesDisabled {
		trace.RegisterExporter(e)
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	}
	if e.o.MetricsDisabled {
		return nil
	}
	ir, err := metricexport.NewIntervalReader(metricexport.NewReader(), e)
	if err != nil {
		return err
	}
	if e.o.ReportingInterval > 0 {
		ir.ReportingInterval = e.o.ReportingInterval
	}
	if err := ir.Start(); err != nil {
		return err
	}
	e.mu.Lock()
	e.ir = ir
	e.mu.Unlock()
	return nil
}

// Stop stops the metric and span data exporter.
func (e *developmentExporter) Stop() {
	if !e.o.TracesDisabled {
		trace.UnregisterExporter(e)
	}
	e.mu.Lock()
	ir := e.ir
	e.ir = nil
	e.mu.Unlock()
	if ir != nil {
		ir.Stop()
	}
	UnregisterViews(e.views...)
}

// ExportMetrics logs the latest point of every time series.
func (e *developmentExporter) ExportMetrics(ctx context.Context, metrics []*metricdata.Metric) error {
	if transformed := transformMetrics(metrics); len(transformed) != 0 {
		e.logger.Infow("metrics", "metrics", transformed)
	}
	return nil
}

func transformMetrics(metrics []*metricdata.Metric) map[string]interface{} {
	metricsTransform := make(map[string]interface{}, len(metrics))

	transformPoint := func(point metricdata.Point) interface{} {
		switch v := point.Value.(type) {
		case *metricdata.Distribution:
			return map[string]interface{}{
				"count":      v.Count,
				"sum":        v.Sum,
				"sum_sq_dev": v.SumOfSquaredDeviation,
			}
		default:
			return point.Value
		}
	}

	for _, metric := range metrics {
		if len(metric.TimeSeries) == 0 {
			continue
		}
		if len(metric.Descriptor.LabelKeys) == 0 {
			if len(metric.TimeSeries[0].Points) == 0 {
				continue
			}
			metricsTransform[metric.Descriptor.Name] = transformPoint(metric.TimeSeries[0].Points[0])
			continue
		}

		var pointVals []interface{}
		for _, ts := range metric.TimeSeries {
			if len(ts.Points) == 0 {
				continue
			}
			labels := make([]string, 0, len(metric.Descriptor.LabelKeys))
			for idx, key := range metric.Descriptor.LabelKeys {
				labels = append(labels, key.Key+":"+ts.LabelValues[idx].Value)
			}
			pointVals = append(pointVals, map[string]interface{}{
				strings.Join(labels, ","): transformPoint(ts.Points[0]),
			})
		}
		metricsTransform[metric.Descriptor.Name] = pointVals
	}
	return metricsTransform
}

// walkData accumulates all of the sub-spans when walking a completed span.
type walkData struct {
	paths []spanPath
}

// get is called with `parents(currSpan), currSpan`. So if span `A` calls span `B` calls span `C`:
//
//	caller: ["A", "B"]
//	callee: "C"
func (wd *walkData) get(caller []string, callee string) *spanPath {
	for idx, path := range wd.paths {
		if len(caller)+1 == len(path.spanChain) && slices.Equal(caller, path.spanChain[:len(caller)]) &&
			path.spanChain[len(caller)] == callee {
			return &wd.paths[idx]
		}
	}

	pathCopy := make([]string, len(caller)+1)
	copy(pathCopy, caller)
	pathCopy[len(caller)] = callee
	wd.paths = append(wd.paths, spanPath{spanChain: pathCopy})
	return &wd.paths[len(wd.paths)-1]
}

// spanPath is one chain of spans from the root span. If A calls B calls C, the chain for C
// is [A, B, C].
type spanPath struct {
	spanChain []string
	count     int64
	timeNanos int64
}

func (sp *spanPath) funcName() string {
	return sp.spanChain[len(sp.spanChain)-1]
}

func (sp *spanPath) totalTime() time.Duration {
	return time.Duration(sp.timeNanos)
}

func (sp *spanPath) averageTime() time.Duration {
	// `sp.count` must be at least "1".
	return time.Duration(sp.timeNanos / sp.count)
}

// lines renders one row per path, indented by call depth.
func (wd *walkData) lines() []string {
	maxLength := 0
	for _, spanPath := range wd.paths {
		// two spaces per level plus the trailing colon
		thisLength := 2*len(spanPath.spanChain) + len(spanPath.funcName()) + 1
		maxLength = max(maxLength, thisLength)
	}

	out := make([]string, 0, len(wd.paths))
	for _, spanPath := range wd.paths {
		indentedName := fmt.Sprintf("%v%v:", strings.Repeat("  ", len(spanPath.spanChain)-1), spanPath.funcName())
		trailingSpaces := strings.Repeat(" ", maxLength-len(indentedName))
		out = append(out, fmt.Sprintf("%v%v\tCalls: %5d\tTotal time: %-13v\tAverage time: %v",
			indentedName, trailingSpaces,
			spanPath.count, spanPath.totalTime(), spanPath.averageTime()))
	}
	return out
}

func (e *developmentExporter) recurse(currSpan *spanInfo, callerPath []string, wd *walkData) {
	myPath := wd.get(callerPath, currSpan.data.Name)
	myPath.count++
	myPath.timeNanos += currSpan.data.EndTime.UnixNano() - currSpan.data.StartTime.UnixNano()

	children := e.children[currSpan.id]
	for idx := range children {
		e.recurse(&children[idx], myPath.spanChain, wd)
	}

	if !e.deleteDisabled {
		delete(e.children, currSpan.id)
	}
}

// ExportSpan holds on to child spans until their root span finishes and then logs the
// timing of the whole tree.
func (e *developmentExporter) ExportSpan(sd *trace.SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()

	spanID := hex.EncodeToString(sd.SpanID[:])
	parentSpanID := hex.EncodeToString(sd.ParentSpanID[:])

	if !reZero.MatchString(parentSpanID) {
		e.children[parentSpanID] = append(e.children[parentSpanID], spanInfo{spanID, sd})
		return
	}

	var wd walkData
	e.recurse(&spanInfo{spanID, sd}, nil, &wd)
	e.logger.Infow("span timing", "span", sd.Name, "report", "\n"+strings.Join(wd.lines(), "\n"))
}
