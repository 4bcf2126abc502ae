package process

import (
	"testing"

	"github.com/YigremTamiru/cell0-os/internal/capability"
)

func newInitializedTable(t *testing.T) *Table {
	t.Helper()
	tbl := NewTable()
	tbl.Init()
	return tbl
}

func grantSpawn(t *testing.T, tbl *Table, pid Pid) {
	t.Helper()
	proc, ok := tbl.Get(pid)
	if !ok {
		t.Fatalf("process %d not found", pid)
	}
	proc.Caps = proc.Caps.Set(capability.ProcessSpawn)
	tbl.processes[pid].Caps = proc.Caps
}

func TestSpawnRequiresCapability(t *testing.T) {
	tbl := newInitializedTable(t)

	// The kernel process holds Admin, so spawn from one of its children:
	// a child inherits only the default inheritable set, which lacks
	// ProcessSpawn.
	child, err := tbl.Spawn(KernelPid, Normal, 0)
	if err != nil {
		t.Fatalf("Spawn child of kernel: %v", err)
	}
	_, err = tbl.Spawn(child, Normal, 0)
	if err != ErrPermissionDenied {
		t.Fatalf("Spawn without ProcessSpawn = %v, want ErrPermissionDenied", err)
	}
}

func TestSpawnDerivesAttenuatedCapabilities(t *testing.T) {
	tbl := newInitializedTable(t)
	grantSpawn(t, tbl, KernelPid)

	child, err := tbl.Spawn(KernelPid, Normal, 0)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	proc, _ := tbl.Get(child)
	if !proc.Caps.Has(capability.FileRead) {
		t.Fatal("child should inherit FileRead via default inheritable set")
	}
	if proc.Caps.Has(capability.LoadModule) {
		t.Fatal("child should not inherit rights outside the default inheritable set")
	}
	if proc.State != Ready {
		t.Fatalf("new child state = %v, want Ready", proc.State)
	}
}

func TestSpawnRespectsChildLimit(t *testing.T) {
	tbl := newInitializedTable(t)
	grantSpawn(t, tbl, KernelPid)

	proc := tbl.processes[KernelPid]
	proc.Limits.MaxChildren = 1

	if _, err := tbl.Spawn(KernelPid, Normal, 0); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	if _, err := tbl.Spawn(KernelPid, Normal, 0); err != ErrResourceLimit {
		t.Fatalf("second Spawn = %v, want ErrResourceLimit", err)
	}
}

func TestScheduleRoundRobinWithinPriority(t *testing.T) {
	tbl := newInitializedTable(t)
	grantSpawn(t, tbl, KernelPid)

	a, _ := tbl.Spawn(KernelPid, Normal, 0)
	b, _ := tbl.Spawn(KernelPid, Normal, 0)

	first, ok := tbl.Schedule()
	if !ok || first != a {
		t.Fatalf("first Schedule = %v, want %v", first, a)
	}
	second, ok := tbl.Schedule()
	if !ok || second != b {
		t.Fatalf("second Schedule = %v, want %v", second, b)
	}
	third, ok := tbl.Schedule()
	if !ok || third != a {
		t.Fatalf("third Schedule = %v, want %v (round robin wrap)", third, a)
	}
}

func TestScheduleRespectsPriorityOrder(t *testing.T) {
	tbl := newInitializedTable(t)
	grantSpawn(t, tbl, KernelPid)

	low, _ := tbl.Spawn(KernelPid, Low, 0)
	_ = low
	high, _ := tbl.Spawn(KernelPid, Realtime, 0)

	pid, ok := tbl.Schedule()
	if !ok || pid != high {
		t.Fatalf("Schedule = %v, want the Realtime process %v", pid, high)
	}
}

func TestContextSwitchResetsTimeSlice(t *testing.T) {
	tbl := newInitializedTable(t)
	grantSpawn(t, tbl, KernelPid)
	child, _ := tbl.Spawn(KernelPid, Normal, 0)

	if err := tbl.ContextSwitch(child); err != nil {
		t.Fatalf("ContextSwitch: %v", err)
	}

	proc, _ := tbl.Get(child)
	if proc.State != Running {
		t.Fatalf("state after context switch = %v, want Running", proc.State)
	}
	if proc.TimeSliceRemaining != Normal.TimeSliceMs() {
		t.Fatalf("TimeSliceRemaining = %d, want %d", proc.TimeSliceRemaining, Normal.TimeSliceMs())
	}

	kernel, _ := tbl.Get(KernelPid)
	if kernel.State != Ready {
		t.Fatalf("previous running process state = %v, want Ready", kernel.State)
	}
}

func TestTerminateWakesWaitingParent(t *testing.T) {
	tbl := newInitializedTable(t)
	grantSpawn(t, tbl, KernelPid)
	child, _ := tbl.Spawn(KernelPid, Normal, 0)

	if _, err := tbl.WaitPid(KernelPid, child); err != ErrInvalidState {
		t.Fatalf("WaitPid on live child = %v, want ErrInvalidState (blocked)", err)
	}
	kernel, _ := tbl.Get(KernelPid)
	if kernel.State != Blocked {
		t.Fatalf("parent state after WaitPid = %v, want Blocked", kernel.State)
	}

	if err := tbl.Terminate(child, 7); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	kernel, _ = tbl.Get(KernelPid)
	if kernel.State != Ready {
		t.Fatalf("parent state after child terminates = %v, want Ready", kernel.State)
	}

	exit, err := tbl.WaitPid(KernelPid, child)
	if err != nil {
		t.Fatalf("WaitPid after terminate: %v", err)
	}
	if exit.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", exit.ExitCode)
	}
}

func TestSleepAndWake(t *testing.T) {
	tbl := newInitializedTable(t)
	grantSpawn(t, tbl, KernelPid)
	child, _ := tbl.Spawn(KernelPid, Normal, 0)

	if err := tbl.Sleep(child, 100); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	proc, _ := tbl.Get(child)
	if proc.State != Sleeping {
		t.Fatalf("state after Sleep = %v, want Sleeping", proc.State)
	}

	tbl.WakeSleepers(50)
	proc, _ = tbl.Get(child)
	if proc.State != Sleeping {
		t.Fatal("process woke before its sleep_until tick")
	}

	tbl.WakeSleepers(100)
	proc, _ = tbl.Get(child)
	if proc.State != Ready {
		t.Fatalf("state after wake = %v, want Ready", proc.State)
	}
}

func TestSendSignalRequiresChildOrAdmin(t *testing.T) {
	tbl := newInitializedTable(t)
	grantSpawn(t, tbl, KernelPid)
	a, _ := tbl.Spawn(KernelPid, Normal, 0)
	b, _ := tbl.Spawn(KernelPid, Normal, 0)

	procA := tbl.processes[a]
	procA.Caps = procA.Caps.Set(capability.SignalSend)

	if err := tbl.SendSignal(a, b, SigTerminate); err != ErrPermissionDenied {
		t.Fatalf("SendSignal to unrelated process = %v, want ErrPermissionDenied", err)
	}

	if err := tbl.SendSignal(KernelPid, a, SigStop); err != nil {
		t.Fatalf("SendSignal from admin: %v", err)
	}
	proc, _ := tbl.Get(a)
	if proc.State != Stopped {
		t.Fatalf("state after Stop signal = %v, want Stopped", proc.State)
	}

	if err := tbl.SendSignal(KernelPid, a, SigContinue); err != nil {
		t.Fatalf("SendSignal continue: %v", err)
	}
	proc, _ = tbl.Get(a)
	if proc.State != Ready {
		t.Fatalf("state after Continue signal = %v, want Ready", proc.State)
	}
}

func TestReapZombiesOnlyReturnsWaitedFor(t *testing.T) {
	tbl := newInitializedTable(t)
	grantSpawn(t, tbl, KernelPid)
	other, _ := tbl.Spawn(KernelPid, Normal, 0)
	child, _ := tbl.Spawn(KernelPid, Normal, 0)

	tbl.Terminate(other, 5)
	if reaped := tbl.ReapZombies(); len(reaped) != 0 {
		t.Fatalf("ReapZombies without a waiting parent = %v, want none", reaped)
	}

	// WaitPid on a child that is already a zombie reaps it directly, so
	// the parent declares the wait while child is still alive.
	tbl.WaitPid(KernelPid, child)
	tbl.Terminate(child, 3)
	reaped := tbl.ReapZombies()
	if len(reaped) != 1 || reaped[0].Pid != child || reaped[0].ExitCode != 3 {
		t.Fatalf("ReapZombies = %v, want one entry for %v with code 3", reaped, child)
	}
}
