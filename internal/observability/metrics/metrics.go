package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relayd"

var (
	// Registry holds the relayer's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		},
		[]string{"handler", "method", "code"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"handler", "method"},
	)

	rpcAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "attempts_total",
			Help:      "Remote call attempts made by the resilient executor.",
		},
		[]string{"label", "outcome"},
	)

	rpcExecutions = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "execution_attempts",
			Help:      "Number of attempts consumed per resilient execution.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"label", "outcome"},
	)

	leases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "leases_total",
			Help:      "Worker wallet lease attempts by result.",
		},
		[]string{"result"},
	)

	poolWallets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "wallets",
			Help:      "Worker wallets by lease state.",
		},
		[]string{"state"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "settlements_total",
			Help:      "Settled on-chain operations by kind and status.",
		},
		[]string{"kind", "status"},
	)

	topUps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "topups_total",
			Help:      "Worker wallet top-up transfers sent by the operator.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		rpcAttempts,
		rpcExecutions,
		leases,
		poolWallets,
		settlements,
		topUps,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveAttempt counts a single executor attempt.
func ObserveAttempt(label, outcome string) {
	rpcAttempts.WithLabelValues(label, outcome).Inc()
}

// ObserveExecution records how many attempts a resilient execution consumed.
func ObserveExecution(label, outcome string, attempts int) {
	rpcExecutions.WithLabelValues(label, outcome).Observe(float64(attempts))
}

// ObserveLease counts lease outcomes ("acquired", "busy").
func ObserveLease(result string) {
	leases.WithLabelValues(result).Inc()
}

// SetPoolState publishes the current wallet pool breakdown.
func SetPoolState(available, pending, busy int) {
	poolWallets.WithLabelValues("available").Set(float64(available))
	poolWallets.WithLabelValues("pending").Set(float64(pending))
	poolWallets.WithLabelValues("busy").Set(float64(busy))
}

// ObserveSettlement counts a settled operation.
func ObserveSettlement(kind, status string) {
	settlements.WithLabelValues(kind, status).Inc()
}

// ObserveTopUp counts an operator top-up transfer.
func ObserveTopUp() {
	topUps.Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
