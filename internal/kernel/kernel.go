// Package kernel owns and wires every core subsystem behind one value:
// the page allocator, heap, process table, SYPAS authorizer, IPC space,
// and Raft node (§4.9). There are no package-level globals anywhere in
// the core; a Kernel is the one thing a harness process constructs.
package kernel

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/YigremTamiru/cell0-os/internal/capability"
	"github.com/YigremTamiru/cell0-os/internal/config"
	"github.com/YigremTamiru/cell0-os/internal/ipc"
	"github.com/YigremTamiru/cell0-os/internal/memory"
	"github.com/YigremTamiru/cell0-os/internal/metrics"
	"github.com/YigremTamiru/cell0-os/internal/process"
	"github.com/YigremTamiru/cell0-os/internal/raft"
	"github.com/YigremTamiru/cell0-os/internal/sypas"
)

// Kernel is the owning struct for the whole core: every subsystem is a
// field here rather than a package-level variable, per the
// re-architecture the design notes call for.
type Kernel struct {
	Config  config.Config
	Logger  *logrus.Logger
	Metrics *metrics.Metrics

	Frames     *memory.PageFrameAllocator
	Heap       *memory.Heap
	Processes  *process.Table
	Authorizer *sypas.Authorizer
	IPC        *ipc.Space

	Raft      *raft.Engine
	RaftStore *raft.Store
	Transport *raft.LoopbackTransport

	tick atomic.Uint64

	// Cumulative counters observed on the last refreshMetrics call, so
	// prometheus.Counter fields (which only support Add, not Set) can be
	// advanced by the delta against subsystems that report running
	// totals rather than already-incremental counts.
	lastCorruptionEvents uint64
	lastContextSwitches  uint64
	lastAuditLen         int
}

// registerDefaultIPCPolicies installs the baseline policies that let
// IPC's channel creation/join consult SYPAS (§2) without every caller
// having to configure them first: holding the matching right is both
// required and sufficient.
func registerDefaultIPCPolicies(auth *sypas.Authorizer) {
	auth.AddPolicy(sypas.Policy{
		ResourceType:   ipc.ResourceChannelCreate,
		RequiredRights: []capability.Right{capability.IpcCreate},
		DefaultRights:  capability.New().Set(capability.IpcCreate),
	})
	auth.AddPolicy(sypas.Policy{
		ResourceType:   ipc.ResourceChannelJoin,
		RequiredRights: []capability.Right{capability.IpcJoin},
		DefaultRights:  capability.New().Set(capability.IpcJoin),
	})
}

func sypasMode(s string) sypas.Mode {
	switch s {
	case "permissive":
		return sypas.Permissive
	case "auditing":
		return sypas.Auditing
	default:
		return sypas.Enforcing
	}
}

// New constructs a Kernel from cfg: it allocates the memory subsystems,
// initializes the process table's kernel process, opens the Raft store
// on disk, and builds a Raft engine seeded from this node's name,
// restoring any persisted Raft state found in the store.
func New(cfg config.Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logrus.New()

	k := &Kernel{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics.New(),
		Frames:     memory.NewPageFrameAllocator(cfg.Memory.NumFrames),
		Heap:       memory.NewHeap(cfg.Memory.HeapSize),
		Processes:  process.NewTable(),
		Authorizer: sypas.NewAuthorizer(sypasMode(cfg.SYPAS.Mode)),
		IPC:        ipc.NewSpace(),
		Transport:  raft.NewLoopbackTransport(),
	}
	k.Processes.Init()
	registerDefaultIPCPolicies(k.Authorizer)

	storePath := filepath.Join(cfg.Cluster.DataDir, fmt.Sprintf("%s-raft.db", cfg.Cluster.Self))
	store, err := raft.OpenStore(storePath)
	if err != nil {
		return nil, fmt.Errorf("kernel: opening raft store: %w", err)
	}
	k.RaftStore = store

	peers := make([]raft.NodeID, 0, len(cfg.Cluster.Peers))
	for _, p := range cfg.Cluster.Peers {
		peers = append(peers, raft.NodeID(p))
	}
	raftCfg := raft.Config{
		Self:                 raft.NodeID(cfg.Cluster.Self),
		Peers:                peers,
		MaxEntriesPerAppend:  64,
		ElectionTimeoutMinMs: cfg.Timer.ElectionTimeoutMinMs,
		ElectionTimeoutMaxMs: cfg.Timer.ElectionTimeoutMaxMs,
		HeartbeatIntervalMs:  cfg.Timer.HeartbeatIntervalMs,
	}
	engine := raft.NewEngine(raftCfg, nodeSeed(cfg.Cluster.Self))

	if snap, err := store.Load(); err == nil && snap.CurrentTerm > 0 {
		engine.Restore(snap)
		k.logger("raft").WithField("term", snap.CurrentTerm).Info("restored raft state from disk")
	}
	k.Raft = engine

	k.logger("kernel").WithFields(logrus.Fields{
		"self":  cfg.Cluster.Self,
		"peers": cfg.Cluster.Peers,
	}).Info("kernel initialized")

	return k, nil
}

// nodeSeed derives a deterministic election-timeout RNG seed from the
// node name, so nodes with different names get different jitter instead
// of all defaulting to seed 0. The same name always yields the same seed.
func nodeSeed(name string) int64 {
	var h uint64 = 14695981039346656037 // FNV offset basis
	for _, c := range name {
		h ^= uint64(c)
		h *= 1099511628211 // FNV prime
	}
	return int64(h)
}

func (k *Kernel) logger(component string) *logrus.Entry {
	return k.Logger.WithField("component", component)
}

// Tick advances the monotonic tick counter by one and runs the
// per-tick housekeeping: waking sleepers, driving preemption, and
// refreshing metrics. It is the only place tick advances; everything
// else reads CurrentTick.
func (k *Kernel) Tick() uint64 {
	now := k.tick.Add(1)
	k.Processes.WakeSleepers(now)
	k.drivePreemption()
	k.refreshMetrics()
	return now
}

// drivePreemption decrements the Running process's time slice and, once
// it is exhausted, asks the scheduler for the next ready process and
// performs the context switch, keeping "exactly one process is Running"
// true across every tick (§4.4, §8).
func (k *Kernel) drivePreemption() {
	_, expired := k.Processes.TickTimeSlice()
	if !expired {
		return
	}

	next, ok := k.Processes.Schedule()
	if !ok {
		// nothing else is ready; the current process keeps the CPU for
		// another quantum.
		k.Processes.ResetCurrentTimeSlice()
		return
	}
	if err := k.Processes.ContextSwitch(next); err != nil {
		k.logger("scheduler").WithError(err).Warn("context switch failed")
	}
}

// CurrentTick returns the tick counter without advancing it.
func (k *Kernel) CurrentTick() uint64 {
	return k.tick.Load()
}

func (k *Kernel) refreshMetrics() {
	freeBytes := k.Heap.FreeBytes()
	k.Metrics.HeapUsedBytes.Set(float64(k.Heap.Capacity() - freeBytes))
	k.Metrics.HeapFreeBytes.Set(float64(freeBytes))

	heapStats := k.Heap.Stats()
	if heapStats.CorruptionEvents > k.lastCorruptionEvents {
		k.Metrics.HeapCorruption.Add(float64(heapStats.CorruptionEvents - k.lastCorruptionEvents))
		k.lastCorruptionEvents = heapStats.CorruptionEvents
	}

	frameStats := k.Frames.Stats()
	k.Metrics.FramesFree.Set(float64(frameStats.FreeFrames))
	k.Metrics.FramesTotal.Set(float64(frameStats.TotalFrames))

	var totalSwitches uint64
	zombies := 0
	depths := make(map[process.Priority]int)
	for _, pid := range k.Processes.AllPids() {
		proc, ok := k.Processes.Get(pid)
		if !ok {
			continue
		}
		totalSwitches += proc.Stats.ContextSwitches
		if proc.State == process.Zombie {
			zombies++
		}
		if proc.State == process.Ready {
			depths[proc.Priority]++
		}
	}
	if totalSwitches > k.lastContextSwitches {
		k.Metrics.ContextSwitches.Add(float64(totalSwitches - k.lastContextSwitches))
		k.lastContextSwitches = totalSwitches
	}
	k.Metrics.ZombieCount.Set(float64(zombies))
	for pr := process.Priority(0); int(pr) < process.NumPriorities; pr++ {
		k.Metrics.ReadyQueueDepth.WithLabelValues(pr.String()).Set(float64(depths[pr]))
	}

	auditLen := len(k.Authorizer.AuditLog())
	k.Metrics.SypasAuditLogSize.Set(float64(auditLen))
	if auditLen > k.lastAuditLen {
		denied := 0
		for _, entry := range k.Authorizer.AuditLog()[k.lastAuditLen:] {
			if !entry.Allowed {
				denied++
			}
		}
		if denied > 0 {
			k.Metrics.SypasDenials.Add(float64(denied))
		}
		k.lastAuditLen = auditLen
	}

	k.Metrics.RaftRole.Set(float64(k.Raft.Role()))
	k.Metrics.RaftTerm.Set(float64(k.Raft.CurrentTerm()))
	k.Metrics.RaftCommitIndex.Set(float64(k.Raft.CommitIndex()))
	k.Metrics.RaftLogLength.Set(float64(k.Raft.LogLength()))
}

// PersistRaftState saves the engine's current snapshot to the store;
// callers invoke this whenever the engine returns a PersistState event.
func (k *Kernel) PersistRaftState() error {
	return k.RaftStore.Save(k.Raft.Snapshot())
}

// Close releases resources the Kernel owns that need explicit cleanup.
func (k *Kernel) Close() error {
	if k.RaftStore != nil {
		return k.RaftStore.Close()
	}
	return nil
}

// Status is a point-in-time snapshot suitable for JSON serialization by
// `cell0 status`.
type Status struct {
	Tick        uint64            `json:"tick"`
	Heap        memory.Stats      `json:"heap"`
	Frames      memory.FrameStats `json:"frames"`
	ProcessPids []process.Pid     `json:"process_pids"`
	RaftRole    string            `json:"raft_role"`
	RaftTerm    uint64            `json:"raft_term"`
	CommitIndex uint64            `json:"commit_index"`
	AuditLogLen int               `json:"audit_log_len"`
}

// Snapshot builds a Status for the harness's status command.
func (k *Kernel) Snapshot() Status {
	return Status{
		Tick:        k.CurrentTick(),
		Heap:        k.Heap.Stats(),
		Frames:      k.Frames.Stats(),
		ProcessPids: k.Processes.AllPids(),
		RaftRole:    k.Raft.Role().String(),
		RaftTerm:    uint64(k.Raft.CurrentTerm()),
		CommitIndex: uint64(k.Raft.CommitIndex()),
		AuditLogLen: len(k.Authorizer.AuditLog()),
	}
}
