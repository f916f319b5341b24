// Package perf registers opencensus views and exports what they collect, along with trace
// spans, to a logger.
package perf

import (
	"go.opencensus.io/stats/view"
	"go.uber.org/multierr"
)

// Exporter exports collected metrics and spans until stopped.
type Exporter interface {
	// Start registers the exporter's views and begins exporting.
	Start() error

	// Stop flushes pending metrics and unregisters everything Start registered.
	Stop()
}

// RegisterViews registers each group of views, such as calling.Views.
func RegisterViews(groups ...[]*view.View) error {
	var err error
	for _, views := range groups {
		err = multierr.Append(err, view.Register(views...))
	}
	return err
}

// UnregisterViews unregisters each group of views.
func UnregisterViews(groups ...[]*view.View) {
	for _, views := range groups {
		view.Unregister(views...)
	}
}
