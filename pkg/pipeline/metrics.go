package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the counters SPEC_FULL.md's pipeline expansion calls for:
// envelopes processed/dropped and the current in-flight fetch count.
// client_golang is already the teacher pack's exposition library (the
// slowdrip miner's internal/api/server.go wires promhttp.Handler); this is
// the first package in this module to register its own collectors rather
// than just serving the default registry.
var (
	EnvelopesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attestmesh_envelopes_processed_total",
		Help: "Envelopes accepted by the envelope processor, by peer.",
	}, []string{"peer"})

	EnvelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attestmesh_envelopes_dropped_total",
		Help: "Envelopes dropped by the envelope processor, by peer and reason.",
	}, []string{"peer", "reason"})

	InFlightFetches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attestmesh_inflight_fetches",
		Help: "Hashes currently leased by the missing-envelope fetcher.",
	})
)
