// Package metrics exposes Prometheus metrics for the discovery node.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	BeaconsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dtnbeacon",
		Subsystem: "discovery",
		Name:      "beacons_sent_total",
		Help:      "Number of beacon datagrams sent.",
	})

	SendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dtnbeacon",
		Subsystem: "discovery",
		Name:      "send_errors_total",
		Help:      "Number of beacon datagrams that could not be sent.",
	})

	// BeaconsReceived is labelled by outcome: accepted, malformed, replayed or self.
	BeaconsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dtnbeacon",
		Subsystem: "discovery",
		Name:      "beacons_received_total",
		Help:      "Number of beacon datagrams received, by outcome.",
	}, []string{"outcome"})

	UnknownServices = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dtnbeacon",
		Subsystem: "discovery",
		Name:      "unknown_services_total",
		Help:      "Number of services with an unrecognized tag, by tag.",
	}, []string{"tag"})

	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dtnbeacon",
		Subsystem: "store",
		Name:      "active_peers",
		Help:      "Number of peers seen within their staleness window.",
	})
)

// Outcome label values for BeaconsReceived.
const (
	OutcomeAccepted  = "accepted"
	OutcomeMalformed = "malformed"
	OutcomeReplayed  = "replayed"
	OutcomeSelf      = "self"
)

func init() {
	// Present the outcome series even before the first beacon arrives.
	for _, o := range []string{OutcomeAccepted, OutcomeMalformed, OutcomeReplayed, OutcomeSelf} {
		BeaconsReceived.WithLabelValues(o)
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("listen", addr).Msg("Metrics server started")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
