package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leaselock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// ContendedCounter tracks acquisition attempts rejected because another
	// owner held the lock.
	ContendedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leaselock_contended_total",
		Help: "Total number of acquisition attempts that found the lock held",
	})
	// ReleaseCounter tracks release operations accepted by the store.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leaselock_release_total",
		Help: "Total number of release operations accepted by the store",
	})
	// RenewCounter tracks successful lease renewals.
	RenewCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leaselock_renew_total",
		Help: "Total number of successful lease renewals",
	})
	// LostCounter tracks leases detected as lost.
	LostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leaselock_lost_total",
		Help: "Total number of leases detected as lost",
	})
	// QuorumFailureCounter tracks multi-endpoint acquisitions that missed quorum.
	QuorumFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leaselock_quorum_failure_total",
		Help: "Total number of acquisitions that failed to reach quorum",
	})
	// WatchdogGauge reports the number of armed renewal watchdogs.
	WatchdogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "leaselock_watchdogs",
		Help: "Current number of armed renewal watchdogs",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the lock library's metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		ContendedCounter,
		ReleaseCounter,
		RenewCounter,
		LostCounter,
		QuorumFailureCounter,
		WatchdogGauge,
	)
}
