// Package metrics exposes a prometheus registry mirroring the kernel's
// memory, scheduler, SYPAS, and Raft state; the kernel refreshes it on
// every tick. No HTTP /metrics endpoint serves it, and `cell0 status`
// prints the kernel's Snapshot rather than these metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the kernel harness updates each tick.
type Metrics struct {
	Registry *prometheus.Registry

	HeapUsedBytes  prometheus.Gauge
	HeapFreeBytes  prometheus.Gauge
	HeapCorruption prometheus.Counter
	FramesFree     prometheus.Gauge
	FramesTotal    prometheus.Gauge

	ReadyQueueDepth *prometheus.GaugeVec
	ContextSwitches prometheus.Counter
	ZombieCount     prometheus.Gauge

	SypasAuditLogSize prometheus.Gauge
	SypasDenials      prometheus.Counter

	RaftRole        prometheus.Gauge
	RaftTerm        prometheus.Gauge
	RaftCommitIndex prometheus.Gauge
	RaftLogLength   prometheus.Gauge
}

// New constructs a Metrics bound to a fresh registry; nothing is
// registered with the global default registry so multiple Kernel
// instances (as in tests) never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		HeapUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cell0", Subsystem: "heap", Name: "used_bytes",
			Help: "Bytes currently allocated from the kernel heap.",
		}),
		HeapFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cell0", Subsystem: "heap", Name: "free_bytes",
			Help: "Bytes currently free in the kernel heap.",
		}),
		HeapCorruption: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cell0", Subsystem: "heap", Name: "corruption_events_total",
			Help: "Canary or block-header corruption events detected by the heap.",
		}),
		FramesFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cell0", Subsystem: "frames", Name: "free",
			Help: "Free page frames.",
		}),
		FramesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cell0", Subsystem: "frames", Name: "total",
			Help: "Total page frames tracked by the allocator.",
		}),
		ReadyQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cell0", Subsystem: "scheduler", Name: "ready_queue_depth",
			Help: "Processes waiting in each priority's ready queue.",
		}, []string{"priority"}),
		ContextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cell0", Subsystem: "scheduler", Name: "context_switches_total",
			Help: "Context switches performed by the scheduler.",
		}),
		ZombieCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cell0", Subsystem: "scheduler", Name: "zombie_count",
			Help: "Processes awaiting reap by their parent.",
		}),
		SypasAuditLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cell0", Subsystem: "sypas", Name: "audit_log_size",
			Help: "Entries recorded in the SYPAS audit log.",
		}),
		SypasDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cell0", Subsystem: "sypas", Name: "denials_total",
			Help: "CheckAccess calls that were denied, across every mode.",
		}),
		RaftRole: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cell0", Subsystem: "raft", Name: "role",
			Help: "Current Raft role (0=follower, 1=candidate, 2=leader).",
		}),
		RaftTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cell0", Subsystem: "raft", Name: "term",
			Help: "Current Raft term.",
		}),
		RaftCommitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cell0", Subsystem: "raft", Name: "commit_index",
			Help: "Highest log index known committed.",
		}),
		RaftLogLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cell0", Subsystem: "raft", Name: "log_length",
			Help: "Number of entries in the Raft log.",
		}),
	}

	reg.MustRegister(
		m.HeapUsedBytes, m.HeapFreeBytes, m.HeapCorruption,
		m.FramesFree, m.FramesTotal,
		m.ReadyQueueDepth, m.ContextSwitches, m.ZombieCount,
		m.SypasAuditLogSize, m.SypasDenials,
		m.RaftRole, m.RaftTerm, m.RaftCommitIndex, m.RaftLogLength,
	)

	return m
}
