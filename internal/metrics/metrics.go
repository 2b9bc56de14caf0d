// Package metrics holds the process-wide prometheus collectors. They are
// registered on the default registry so the monitoring endpoint only needs
// promhttp.Handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depotsync_pages_fetched_total",
		Help: "Feed pages fetched, labelled by feed.",
	}, []string{"feed"})

	EventsCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depotsync_events_collected_total",
		Help: "Events accepted into the working set.",
	})

	DetailsRequested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depotsync_details_requested_total",
		Help: "Detail documents requested for monetary events.",
	})

	DetailsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depotsync_details_received_total",
		Help: "Detail documents successfully attached.",
	})

	ExportBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depotsync_export_batches_total",
		Help: "Event batches handed to an exporter, labelled by exporter.",
	}, []string{"exporter"})
)
