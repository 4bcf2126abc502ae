package kernel

import (
	"testing"

	"github.com/YigremTamiru/cell0-os/internal/config"
	"github.com/YigremTamiru/cell0-os/internal/process"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Cluster.DataDir = t.TempDir()
	cfg.Memory.NumFrames = 16
	cfg.Memory.HeapSize = 4096
	return cfg
}

func TestNewWiresEverySubsystem(t *testing.T) {
	k, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Close()

	if _, ok := k.Processes.Get(0); !ok {
		t.Fatal("expected kernel process (pid 0) to exist after Init")
	}
	if k.Raft.Role().String() != "Follower" {
		t.Fatalf("fresh engine role = %v, want Follower", k.Raft.Role())
	}
}

func TestTickAdvancesMonotonically(t *testing.T) {
	k, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Close()

	if got := k.Tick(); got != 1 {
		t.Fatalf("first tick = %d, want 1", got)
	}
	if got := k.Tick(); got != 2 {
		t.Fatalf("second tick = %d, want 2", got)
	}
	if k.CurrentTick() != 2 {
		t.Fatalf("CurrentTick = %d, want 2", k.CurrentTick())
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	k, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Close()

	k.Tick()
	snap := k.Snapshot()
	if snap.Tick != 1 {
		t.Fatalf("snapshot tick = %d, want 1", snap.Tick)
	}
	if len(snap.ProcessPids) != 1 {
		t.Fatalf("expected 1 process pid, got %v", snap.ProcessPids)
	}
}

func TestTickPreemptsAtTimeSliceExpiry(t *testing.T) {
	k, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Close()

	childPid, err := k.Processes.Spawn(process.KernelPid, process.Normal, k.CurrentTick())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// The kernel process runs at Kernel priority (1ms quantum), so its
	// very first tick exhausts the slice and the child, sitting ready at
	// Normal priority, should be scheduled in.
	k.Tick()

	cur, ok := k.Processes.CurrentPid()
	if !ok || cur != childPid {
		t.Fatalf("current pid after preemption = %v (ok=%v), want %v", cur, ok, childPid)
	}
	proc, _ := k.Processes.Get(childPid)
	if proc.State != process.Running {
		t.Fatalf("child state = %v, want Running", proc.State)
	}
}

func TestPersistRaftStateRoundTrips(t *testing.T) {
	k, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Close()

	if err := k.PersistRaftState(); err != nil {
		t.Fatalf("PersistRaftState: %v", err)
	}
	snap, err := k.RaftStore.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.CurrentTerm != k.Raft.CurrentTerm() {
		t.Fatalf("persisted term = %v, want %v", snap.CurrentTerm, k.Raft.CurrentTerm())
	}
}
