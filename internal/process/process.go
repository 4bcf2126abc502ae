// Package process implements the process table and priority preemptive
// scheduler (§3.4, §4.4): process lifecycle, per-priority ready queues,
// sleep/wake, signal delivery, and zombie reaping.
package process

import (
	"errors"
	"sync"

	"github.com/YigremTamiru/cell0-os/internal/capability"
)

// Pid identifies a process. Pid 0 is always the kernel process.
type Pid int64

// NoPid is the zero-value sentinel for "no parent" / "no target".
const NoPid Pid = -1

// KernelPid is the process id assigned to the kernel process at Init.
const KernelPid Pid = 0

// NumPriorities is the number of distinct ready queues.
const NumPriorities = 8

// Priority orders processes for scheduling, lower value preempts higher.
type Priority uint8

const (
	Realtime Priority = iota
	High
	AboveNormal
	Normal
	BelowNormal
	Low
	Idle
	Kernel
)

// TimeSliceMs returns the quantum, in milliseconds, a process at this
// priority is given on each context switch.
func (p Priority) TimeSliceMs() uint64 {
	switch p {
	case Realtime:
		return 1
	case High:
		return 5
	case AboveNormal:
		return 8
	case Normal:
		return 10
	case BelowNormal:
		return 20
	case Low:
		return 50
	case Idle:
		return 100
	case Kernel:
		return 1
	default:
		return 10
	}
}

func (p Priority) String() string {
	switch p {
	case Realtime:
		return "Realtime"
	case High:
		return "High"
	case AboveNormal:
		return "AboveNormal"
	case Normal:
		return "Normal"
	case BelowNormal:
		return "BelowNormal"
	case Low:
		return "Low"
	case Idle:
		return "Idle"
	case Kernel:
		return "Kernel"
	default:
		return "Unknown"
	}
}

// State is the lifecycle state of a process.
type State uint8

const (
	Ready State = iota
	Running
	Blocked
	Sleeping
	Zombie
	Stopped
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Sleeping:
		return "Sleeping"
	case Zombie:
		return "Zombie"
	case Stopped:
		return "Stopped"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Signal is a best-effort process signal (§4.4).
type Signal uint8

const (
	SigHangup Signal = iota + 1
	SigInterrupt
	SigQuit
	SigIllegal
	SigTrap
	SigAbort
	SigBus
	SigFloatingPoint
	SigKill
	SigUser1
	SigSegfault
	SigUser2
	SigPipe
	SigAlarm
	SigTerminate
	_ // 16: unused, matches the gap in the original signal numbering
	SigChild
	SigContinue
	SigStop
	SigTerminalStop
)

var (
	ErrProcessNotFound  = errors.New("process: not found")
	ErrParentNotFound   = errors.New("process: parent not found")
	ErrPermissionDenied = errors.New("process: permission denied")
	ErrResourceLimit    = errors.New("process: resource limit exceeded")
	ErrInvalidState     = errors.New("process: invalid state for operation")
)

// ResourceLimits bounds what a process may consume.
type ResourceLimits struct {
	MaxMemory    uint64
	MaxCPUTimeMs uint64
	MaxOpenFiles uint32
	MaxChildren  uint32
}

// DefaultResourceLimits mirrors the original crate's per-process defaults.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemory:    256 * 1024 * 1024,
		MaxCPUTimeMs: ^uint64(0),
		MaxOpenFiles: 1024,
		MaxChildren:  32,
	}
}

// Stats accumulates per-process runtime counters.
type Stats struct {
	CPUTimeMs       uint64
	ContextSwitches uint64
	MemoryUsed      uint64
	PeakMemory      uint64
	Syscalls        uint64
	PageFaults      uint64
	CreatedAtTick   uint64
}

// Process is one process control block. Callers receive copies from the
// table's accessor methods; mutation always goes through Table
// methods so the ready queues and the table stay consistent.
type Process struct {
	Pid                Pid
	Parent             Pid // NoPid if none
	State              State
	Priority           Priority
	Caps               capability.Set
	Limits             ResourceLimits
	Stats              Stats
	ExitCode           int32
	HasExitCode        bool
	TimeSliceRemaining uint64
	SleepUntil         uint64
	HasSleepUntil      bool
	Children           []Pid
	WaitingFor         Pid // NoPid if not waiting
}

func newProcess(pid, parent Pid, priority Priority, createdAt uint64) *Process {
	return &Process{
		Pid:                pid,
		Parent:             parent,
		State:              Ready,
		Priority:           priority,
		Limits:             DefaultResourceLimits(),
		Stats:              Stats{CreatedAtTick: createdAt},
		WaitingFor:         NoPid,
		TimeSliceRemaining: priority.TimeSliceMs(),
	}
}

func (p *Process) hasChild(pid Pid) bool {
	for _, c := range p.Children {
		if c == pid {
			return true
		}
	}
	return false
}

// ReapedExit is one entry returned by ReapZombies.
type ReapedExit struct {
	Pid      Pid
	ExitCode int32
}

// Table is the process table plus scheduler (§4.4). All mutation is
// serialized by a single mutex standing in for the "only one executing
// context at a time" rule of §5: there is no real SMP here, so a mutex
// does the job interrupt-disable does in the original.
type Table struct {
	mu           sync.Mutex
	processes    map[Pid]*Process
	nextPid      Pid
	readyQueues  [NumPriorities][]Pid
	currentPid   Pid
	hasCurrent   bool
	zombies      []Pid
}

// NewTable constructs an empty table. Call Init before spawning.
func NewTable() *Table {
	return &Table{
		processes: make(map[Pid]*Process),
		nextPid:   KernelPid + 1,
		currentPid: NoPid,
	}
}

// Init installs the kernel process (pid 0, Admin, Running) as the root of
// the process tree.
func (t *Table) Init() {
	t.mu.Lock()
	defer t.mu.Unlock()

	kernel := newProcess(KernelPid, NoPid, Kernel, 0)
	kernel.Caps = kernel.Caps.GrantAll()
	kernel.State = Running
	t.processes[KernelPid] = kernel
	t.currentPid = KernelPid
	t.hasCurrent = true
}

// Spawn creates a child of parentPid at priority, requiring the parent
// hold ProcessSpawn and have spare child capacity. The child's capability
// set is derived from the parent's via the fixed inheritable list.
func (t *Table) Spawn(parentPid Pid, priority Priority, now uint64) (Pid, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.processes[parentPid]
	if !ok {
		return NoPid, ErrParentNotFound
	}
	if !parent.Caps.Has(capability.ProcessSpawn) {
		return NoPid, ErrPermissionDenied
	}
	if uint32(len(parent.Children)) >= parent.Limits.MaxChildren {
		return NoPid, ErrResourceLimit
	}

	pid := t.nextPid
	t.nextPid++

	child := newProcess(pid, parentPid, priority, now)
	child.Caps = parent.Caps.Derive(capability.DefaultInheritable)

	t.processes[pid] = child
	parent.Children = append(parent.Children, pid)
	t.readyQueues[priority] = append(t.readyQueues[priority], pid)

	return pid, nil
}

// Terminate transitions pid to Zombie, removing it from every ready
// queue and waking its parent if the parent is blocked in waitpid on it.
// The parent's WaitingFor is left set, so ReapZombies can collect pid.
func (t *Table) Terminate(pid Pid, exitCode int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	proc, ok := t.processes[pid]
	if !ok {
		return ErrProcessNotFound
	}

	proc.State = Zombie
	proc.ExitCode = exitCode
	proc.HasExitCode = true

	for pr := range t.readyQueues {
		t.readyQueues[pr] = removePid(t.readyQueues[pr], pid)
	}
	t.zombies = append(t.zombies, pid)

	if proc.Parent != NoPid {
		if parent, ok := t.processes[proc.Parent]; ok && parent.WaitingFor == pid && parent.State == Blocked {
			parent.State = Ready
			t.readyQueues[parent.Priority] = append(t.readyQueues[parent.Priority], parent.Pid)
		}
	}

	return nil
}

func removePid(queue []Pid, pid Pid) []Pid {
	out := queue[:0]
	for _, p := range queue {
		if p != pid {
			out = append(out, p)
		}
	}
	return out
}

// Schedule returns the pid at the head of the highest-priority non-empty
// ready queue, rotating it to the tail for round-robin fairness within
// the level. It does not itself perform the context switch.
func (t *Table) Schedule() (Pid, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for pr := 0; pr < NumPriorities; pr++ {
		q := t.readyQueues[pr]
		if len(q) == 0 {
			continue
		}
		pid := q[0]
		t.readyQueues[pr] = append(q[1:], pid)
		return pid, true
	}
	return NoPid, false
}

// ContextSwitch marks the current Running process Ready (unless it has
// since become non-runnable), makes newPid Running, and resets its time
// slice.
func (t *Table) ContextSwitch(newPid Pid) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasCurrent {
		if cur, ok := t.processes[t.currentPid]; ok && cur.State == Running {
			cur.State = Ready
			cur.Stats.ContextSwitches++
		}
	}

	next, ok := t.processes[newPid]
	if !ok {
		return ErrProcessNotFound
	}
	next.State = Running
	next.TimeSliceRemaining = next.Priority.TimeSliceMs()

	t.currentPid = newPid
	t.hasCurrent = true
	return nil
}

// TickTimeSlice decrements the Running process's time slice by one tick
// and reports its pid and whether the slice has reached zero, meaning
// the caller must invoke Schedule/ContextSwitch to preempt it (§4.4).
func (t *Table) TickTimeSlice() (Pid, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasCurrent {
		return NoPid, false
	}
	cur, ok := t.processes[t.currentPid]
	if !ok || cur.State != Running {
		return NoPid, false
	}
	if cur.TimeSliceRemaining > 0 {
		cur.TimeSliceRemaining--
	}
	return cur.Pid, cur.TimeSliceRemaining == 0
}

// ResetCurrentTimeSlice refills the Running process's quantum without a
// context switch, for the case where it preempted itself because no
// other process was ready to take the CPU.
func (t *Table) ResetCurrentTimeSlice() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasCurrent {
		return
	}
	if cur, ok := t.processes[t.currentPid]; ok && cur.State == Running {
		cur.TimeSliceRemaining = cur.Priority.TimeSliceMs()
	}
}

// Block transitions a Running process to Blocked.
func (t *Table) Block(pid Pid) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	proc, ok := t.processes[pid]
	if !ok {
		return ErrProcessNotFound
	}
	if proc.State == Running {
		proc.State = Blocked
	}
	return nil
}

// Unblock transitions a Blocked process back to Ready and re-enqueues it.
func (t *Table) Unblock(pid Pid) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	proc, ok := t.processes[pid]
	if !ok {
		return ErrProcessNotFound
	}
	if proc.State == Blocked {
		proc.State = Ready
		t.readyQueues[proc.Priority] = append(t.readyQueues[proc.Priority], pid)
	}
	return nil
}

// Sleep puts pid to sleep until the given tick.
func (t *Table) Sleep(pid Pid, untilTick uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	proc, ok := t.processes[pid]
	if !ok {
		return ErrProcessNotFound
	}
	proc.State = Sleeping
	proc.SleepUntil = untilTick
	proc.HasSleepUntil = true
	return nil
}

// WakeSleepers transitions every Sleeping process whose sleep_until has
// arrived back to Ready, re-enqueuing it. Called once per timer tick.
func (t *Table) WakeSleepers(now uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for pid, proc := range t.processes {
		if proc.State == Sleeping && proc.HasSleepUntil && now >= proc.SleepUntil {
			proc.State = Ready
			proc.HasSleepUntil = false
			t.readyQueues[proc.Priority] = append(t.readyQueues[proc.Priority], pid)
		}
	}
}

// CurrentPid returns the pid currently marked Running, if any.
func (t *Table) CurrentPid() (Pid, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentPid, t.hasCurrent
}

// Get returns a copy of the process control block for pid.
func (t *Table) Get(pid Pid) (Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	proc, ok := t.processes[pid]
	if !ok {
		return Process{}, false
	}
	return *proc, true
}

// AllPids returns every pid currently in the table, in no particular
// order.
func (t *Table) AllPids() []Pid {
	t.mu.Lock()
	defer t.mu.Unlock()

	pids := make([]Pid, 0, len(t.processes))
	for pid := range t.processes {
		pids = append(pids, pid)
	}
	return pids
}

// ReapZombies returns and removes every zombie whose parent has declared
// waiting_for == pid.
func (t *Table) ReapZombies() []ReapedExit {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reaped []ReapedExit
	remaining := t.zombies[:0]
	for _, pid := range t.zombies {
		proc, ok := t.processes[pid]
		if !ok {
			continue
		}
		parent, hasParent := t.processes[proc.Parent]
		if hasParent && parent.WaitingFor == pid && proc.HasExitCode {
			reaped = append(reaped, ReapedExit{Pid: pid, ExitCode: proc.ExitCode})
			parent.WaitingFor = NoPid
			delete(t.processes, pid)
			continue
		}
		remaining = append(remaining, pid)
	}
	t.zombies = remaining
	return reaped
}

// SendSignal requires from hold SignalSend and either hold Admin or have
// to as a child. Terminate/Stop/Continue carry their scheduling effect;
// every other signal is delivered as a best-effort no-op at this layer.
func (t *Table) SendSignal(from, to Pid, sig Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sender, ok := t.processes[from]
	if !ok {
		return ErrProcessNotFound
	}
	if !sender.Caps.Has(capability.SignalSend) {
		return ErrPermissionDenied
	}
	if !sender.Caps.HasAdmin() && !sender.hasChild(to) {
		return ErrPermissionDenied
	}

	target, ok := t.processes[to]
	if !ok {
		return ErrProcessNotFound
	}

	switch sig {
	case SigTerminate:
		target.State = Terminated
	case SigStop:
		target.State = Stopped
		for pr := range t.readyQueues {
			t.readyQueues[pr] = removePid(t.readyQueues[pr], to)
		}
	case SigContinue:
		if target.State == Stopped {
			target.State = Ready
			t.readyQueues[target.Priority] = append(t.readyQueues[target.Priority], to)
		}
	}
	return nil
}

// WaitPid implements the waitpid() suspension point (§5). If the child
// is already a zombie it is reaped immediately; otherwise the caller is
// marked Blocked and the caller must retry once woken (by Terminate's
// parent wake-up path).
func (t *Table) WaitPid(caller, child Pid) (ReapedExit, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	callerProc, ok := t.processes[caller]
	if !ok {
		return ReapedExit{}, ErrProcessNotFound
	}
	if !callerProc.hasChild(child) {
		return ReapedExit{}, ErrPermissionDenied
	}

	childProc, ok := t.processes[child]
	if ok && childProc.State == Zombie && childProc.HasExitCode {
		delete(t.processes, child)
		t.zombies = removePid(t.zombies, child)
		callerProc.WaitingFor = NoPid
		return ReapedExit{Pid: child, ExitCode: childProc.ExitCode}, nil
	}

	callerProc.WaitingFor = child
	callerProc.State = Blocked
	return ReapedExit{}, ErrInvalidState
}
