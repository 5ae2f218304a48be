// Package instrument exposes prometheus counters for session establishment.
//
// The counters are always updated. They are only visible once Init has
// registered them, which the CLI does when a metrics address is configured.
package instrument

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asciichat_handshakes_total",
			Help: "Number of finished handshakes by role and outcome",
		},
		[]string{"role", "outcome"},
	)
	hostDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asciichat_known_hosts_decisions_total",
			Help: "Number of known-hosts verifications by result",
		},
		[]string{"result"},
	)
	rekeys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asciichat_rekeys_total",
			Help: "Number of committed session key rotations by role",
		},
		[]string{"role"},
	)
	securityViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "asciichat_security_violations_total",
			Help: "Number of unencrypted packets seen on encrypted sessions",
		},
	)
)

var registerOnce sync.Once

// Init registers the counters with the default prometheus registry. It is
// safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(handshakes)
		prometheus.MustRegister(hostDecisions)
		prometheus.MustRegister(rekeys)
		prometheus.MustRegister(securityViolations)
	})
}

// Handshake counts one finished handshake. outcome is "ready" or the
// failure kind.
func Handshake(role, outcome string) {
	handshakes.WithLabelValues(role, outcome).Inc()
}

// HostDecision counts one known-hosts verification.
func HostDecision(result string) {
	hostDecisions.WithLabelValues(result).Inc()
}

// Rekey counts one committed key rotation.
func Rekey(role string) {
	rekeys.WithLabelValues(role).Inc()
}

// SecurityViolation counts one rejected unencrypted packet.
func SecurityViolation() {
	securityViolations.Inc()
}

// Serve registers the counters and serves /metrics on addr until ctx is
// cancelled.
func Serve(ctx context.Context, addr string) error {
	Init()

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
		_ = srv.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"addr":     addr,
	}).Info("Serving metrics")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
