// Package metrics exposes the daemon's Prometheus instrumentation on a
// dedicated HTTP endpoint, independent of the inverter and control ports.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// LinkState is 1 while an inverter is connected, 0 while waiting.
	LinkState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "inverter_bridge",
		Name:      "link_state",
		Help:      "1 when the inverter link is connected, 0 when waiting.",
	})

	// PollTicks counts every Poll Scheduler tick, labeled by tick kind.
	PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inverter_bridge",
		Name:      "poll_ticks_total",
		Help:      "Poll Scheduler ticks by kind (sensor, fault, settings).",
	}, []string{"kind"})

	// SensorFailures counts consecutive-failure increments (sensor reads only).
	SensorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inverter_bridge",
		Name:      "sensor_read_failures_total",
		Help:      "Sensor-block read failures that counted toward the offline threshold.",
	})

	// ControlCommands counts control-port commands by outcome.
	ControlCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inverter_bridge",
		Name:      "control_commands_total",
		Help:      "Control port requests by reply (OK, BUSY, OFFLINE, json).",
	}, []string{"reply"})

	// EnergySaveFailures counts failed atomic persists of the energy store.
	EnergySaveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inverter_bridge",
		Name:      "energy_save_failures_total",
		Help:      "Failed attempts to persist the energy totals file.",
	})
)

// Serve runs the /metrics HTTP endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
