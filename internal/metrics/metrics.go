// Package metrics exposes Prometheus counters/gauges for the cache server
// and a background sampler that reports process RSS via gopsutil.
package metrics

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Registry holds every metric the server reports. A *Registry is safe for
// concurrent use since prometheus collectors already are. Only
// ProcessRSSBytes and Goroutines are updated (by RunSampler); nothing in the
// module updates the other collectors, so they stay at zero.
type Registry struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	TellsTotal          prometheus.Counter
	AsksTotal           prometheus.Counter
	UpdatesBroadcast    prometheus.Counter
	SubscriptionsActive prometheus.Gauge
	StoreErrorsTotal    prometheus.Counter
	ProcessRSSBytes     prometheus.Gauge
	Goroutines          prometheus.Gauge

	proc *process.Process
}

// New constructs and registers every metric against the default Prometheus
// registry.
func New() *Registry {
	r := &Registry{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cachesrv_connections_active",
			Help: "Current number of open TCP/UDP sessions.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachesrv_connections_total",
			Help: "Total number of sessions accepted since start.",
		}),
		TellsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachesrv_tells_total",
			Help: "Total number of tell (write) operations processed.",
		}),
		AsksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachesrv_asks_total",
			Help: "Total number of ask (read) operations processed.",
		}),
		UpdatesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachesrv_updates_broadcast_total",
			Help: "Total number of updates fanned out to subscribers.",
		}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cachesrv_subscriptions_active",
			Help: "Current number of active subscriptions across all clients.",
		}),
		StoreErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachesrv_store_errors_total",
			Help: "Total number of durable-store operation failures.",
		}),
		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cachesrv_process_rss_bytes",
			Help: "Resident set size of the server process.",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cachesrv_goroutines",
			Help: "Current number of goroutines.",
		}),
	}

	prometheus.MustRegister(
		r.ConnectionsActive,
		r.ConnectionsTotal,
		r.TellsTotal,
		r.AsksTotal,
		r.UpdatesBroadcast,
		r.SubscriptionsActive,
		r.StoreErrorsTotal,
		r.ProcessRSSBytes,
		r.Goroutines,
	)

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = p
	}

	return r
}

// Handler serves the Prometheus exposition format for /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// RunSampler periodically refreshes process-level gauges until ctx is
// cancelled.
func (r *Registry) RunSampler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sample()
		}
	}
}

func (r *Registry) sample() {
	r.Goroutines.Set(float64(runtime.NumGoroutine()))
	if r.proc == nil {
		return
	}
	if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
		r.ProcessRSSBytes.Set(float64(mem.RSS))
	}
}
