// Package raft implements the replicated-log engine as a pure
// input-to-(state, events) transducer (§3.7, §4.7): it never performs
// network I/O or disk persistence itself. Callers feed it timer ticks,
// incoming RPCs, and local proposals, and drain the event queue it
// returns to drive the actual transport and storage layers.
package raft

import (
	"errors"
	"math/rand"
)

// NodeID identifies one member of the cluster.
type NodeID string

// Term is a monotonically increasing leadership epoch.
type Term uint64

// LogIndex is a one-based position in the replicated log.
type LogIndex uint64

// EntryType distinguishes ordinary commands from bookkeeping entries.
type EntryType uint8

const (
	Command EntryType = iota
	ConfigChange
	NoOp
)

// Role is a node's current position in the Raft state machine.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// LogEntry is one record in the replicated log.
type LogEntry struct {
	Term      Term
	Index     LogIndex
	Command   []byte
	EntryType EntryType
}

// ErrNotLeader is returned by Propose when the engine is not Leader.
var ErrNotLeader = errors.New("raft: not leader")

// RequestVoteArgs is the RequestVote RPC payload.
type RequestVoteArgs struct {
	Term         Term
	CandidateID  NodeID
	LastLogIndex LogIndex
	LastLogTerm  Term
}

// RequestVoteReply is the RequestVote RPC reply payload.
type RequestVoteReply struct {
	Term        Term
	VoteGranted bool
}

// AppendEntriesArgs is the AppendEntries RPC payload.
type AppendEntriesArgs struct {
	Term         Term
	LeaderID     NodeID
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	Entries      []LogEntry
	LeaderCommit LogIndex
}

// AppendEntriesReply is the AppendEntries RPC reply payload, carrying
// the conflict-backoff hints used to fast-forward a lagging follower.
type AppendEntriesReply struct {
	Term          Term
	Success       bool
	ConflictIndex LogIndex
	ConflictTerm  Term
}

// EventKind tags the variant of an outbound Event.
type EventKind uint8

const (
	BecameLeader EventKind = iota
	SteppedDown
	Committed
	SendRequestVote
	SendAppendEntries
	PersistState
	ResetElectionTimer
	SendHeartbeats
)

func (k EventKind) String() string {
	switch k {
	case BecameLeader:
		return "BecameLeader"
	case SteppedDown:
		return "SteppedDown"
	case Committed:
		return "Committed"
	case SendRequestVote:
		return "SendRequestVote"
	case SendAppendEntries:
		return "SendAppendEntries"
	case PersistState:
		return "PersistState"
	case ResetElectionTimer:
		return "ResetElectionTimer"
	case SendHeartbeats:
		return "SendHeartbeats"
	default:
		return "Unknown"
	}
}

// Event is one outbound effect the surrounding I/O layer must carry out.
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind        EventKind
	Term        Term
	Entries     []LogEntry
	Peer        NodeID
	VoteArgs    *RequestVoteArgs
	AppendArgs  *AppendEntriesArgs
}

// Config is the static, immutable-after-construction cluster shape.
type Config struct {
	Self                 NodeID
	Peers                []NodeID // every other member, excluding Self
	MaxEntriesPerAppend  int
	ElectionTimeoutMinMs uint64
	ElectionTimeoutMaxMs uint64
	HeartbeatIntervalMs  uint64
}

func (c Config) clusterSize() int { return len(c.Peers) + 1 }

func (c Config) quorum() int { return c.clusterSize()/2 + 1 }

// persistentState is the subset of Engine state that must survive a
// restart (§3.7). It is exposed via snapshot/restore so the I/O layer
// can persist and reload it without reaching into Engine internals.
type persistentState struct {
	CurrentTerm Term
	VotedFor    NodeID
	HasVoted    bool
	Log         []LogEntry
}

func (p *persistentState) lastIndex() LogIndex {
	return LogIndex(len(p.Log))
}

func (p *persistentState) lastTerm() Term {
	if len(p.Log) == 0 {
		return 0
	}
	return p.Log[len(p.Log)-1].Term
}

func (p *persistentState) termAt(index LogIndex) Term {
	if index == 0 || index > p.lastIndex() {
		return 0
	}
	return p.Log[index-1].Term
}

func (p *persistentState) truncateFrom(index LogIndex) {
	if index > 0 && index <= p.lastIndex() {
		p.Log = p.Log[:index-1]
	}
}

func (p *persistentState) entriesFrom(start LogIndex) []LogEntry {
	if start == 0 || start > p.lastIndex() {
		return nil
	}
	return p.Log[start-1:]
}

// Snapshot is an exported, serialization-friendly copy of persistent
// state, used by the bbolt-backed store.
type Snapshot struct {
	CurrentTerm Term
	VotedFor    NodeID
	HasVoted    bool
	Log         []LogEntry
}

// Engine is the Raft state machine. Every public method is a pure
// transition: given the current state and an input, it returns the new
// state (mutated in place) plus the events the caller must act on.
type Engine struct {
	cfg Config

	persistent persistentState
	commitIndex,
	lastApplied LogIndex
	role Role

	votesReceived map[NodeID]bool
	nextIndex     map[NodeID]LogIndex
	matchIndex    map[NodeID]LogIndex

	rng *rand.Rand
}

// NewEngine constructs an Engine starting as Follower with an empty log.
// seed parameterizes the election-timeout jitter so runs are
// reproducible: the same seed and input sequence yield the same timeouts.
func NewEngine(cfg Config, seed int64) *Engine {
	return &Engine{
		cfg:           cfg,
		role:          Follower,
		votesReceived: make(map[NodeID]bool),
		nextIndex:     make(map[NodeID]LogIndex),
		matchIndex:    make(map[NodeID]LogIndex),
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Role returns the engine's current role.
func (e *Engine) Role() Role { return e.role }

// Self returns this engine's own node id, as configured.
func (e *Engine) Self() NodeID { return e.cfg.Self }

// CurrentTerm returns the engine's current term.
func (e *Engine) CurrentTerm() Term { return e.persistent.CurrentTerm }

// CommitIndex returns the highest index known committed.
func (e *Engine) CommitIndex() LogIndex { return e.commitIndex }

// LastApplied returns the highest index applied to the state machine.
func (e *Engine) LastApplied() LogIndex { return e.lastApplied }

// LogLength returns the number of entries in the log.
func (e *Engine) LogLength() LogIndex { return e.persistent.lastIndex() }

// ElectionTimeoutMs draws a randomized timeout in
// [ElectionTimeoutMinMs, ElectionTimeoutMaxMs], per §4.7 timing rules.
func (e *Engine) ElectionTimeoutMs() uint64 {
	span := e.cfg.ElectionTimeoutMaxMs - e.cfg.ElectionTimeoutMinMs
	if span == 0 {
		return e.cfg.ElectionTimeoutMinMs
	}
	return e.cfg.ElectionTimeoutMinMs + uint64(e.rng.Int63n(int64(span)+1))
}

// Snapshot returns a serialization-friendly copy of the persistent state.
func (e *Engine) Snapshot() Snapshot {
	logCopy := make([]LogEntry, len(e.persistent.Log))
	copy(logCopy, e.persistent.Log)
	return Snapshot{
		CurrentTerm: e.persistent.CurrentTerm,
		VotedFor:    e.persistent.VotedFor,
		HasVoted:    e.persistent.HasVoted,
		Log:         logCopy,
	}
}

// Restore loads persistent state recovered from stable storage. Must be
// called before the engine processes any input.
func (e *Engine) Restore(s Snapshot) {
	logCopy := make([]LogEntry, len(s.Log))
	copy(logCopy, s.Log)
	e.persistent = persistentState{
		CurrentTerm: s.CurrentTerm,
		VotedFor:    s.VotedFor,
		HasVoted:    s.HasVoted,
		Log:         logCopy,
	}
}

func (e *Engine) stepDown(term Term) []Event {
	e.role = Follower
	e.persistent.CurrentTerm = term
	e.persistent.VotedFor = ""
	e.persistent.HasVoted = false
	e.votesReceived = make(map[NodeID]bool)
	return []Event{
		{Kind: SteppedDown, Term: term},
		{Kind: PersistState},
	}
}

// OnElectionTimeout starts a new election (Follower or Candidate only;
// a Leader ignores its own election timer).
func (e *Engine) OnElectionTimeout() []Event {
	if e.role == Leader {
		return nil
	}

	e.persistent.CurrentTerm++
	e.role = Candidate
	e.persistent.VotedFor = e.cfg.Self
	e.persistent.HasVoted = true
	e.votesReceived = map[NodeID]bool{e.cfg.Self: true}

	events := []Event{
		{Kind: PersistState},
		{Kind: ResetElectionTimer},
	}

	if len(e.votesReceived) >= e.cfg.quorum() {
		events = append(events, e.becomeLeader()...)
		return events
	}

	args := &RequestVoteArgs{
		Term:         e.persistent.CurrentTerm,
		CandidateID:  e.cfg.Self,
		LastLogIndex: e.persistent.lastIndex(),
		LastLogTerm:  e.persistent.lastTerm(),
	}
	for _, peer := range e.cfg.Peers {
		events = append(events, Event{Kind: SendRequestVote, Peer: peer, VoteArgs: args})
	}
	return events
}

func (e *Engine) becomeLeader() []Event {
	e.role = Leader
	last := e.persistent.lastIndex()
	for _, peer := range e.cfg.Peers {
		e.nextIndex[peer] = last + 1
		e.matchIndex[peer] = 0
	}
	events := []Event{{Kind: BecameLeader}}
	events = append(events, e.heartbeatEvents()...)
	return events
}

func (e *Engine) heartbeatEvents() []Event {
	events := []Event{{Kind: SendHeartbeats}}
	for _, peer := range e.cfg.Peers {
		events = append(events, e.appendEntriesEventFor(peer))
	}
	return events
}

func (e *Engine) appendEntriesEventFor(peer NodeID) Event {
	next := e.nextIndex[peer]
	if next == 0 {
		next = e.persistent.lastIndex() + 1
	}
	prevIndex := next - 1
	prevTerm := e.persistent.termAt(prevIndex)

	entries := e.persistent.entriesFrom(next)
	if max := e.cfg.MaxEntriesPerAppend; max > 0 && len(entries) > max {
		entries = entries[:max]
	}
	entriesCopy := make([]LogEntry, len(entries))
	copy(entriesCopy, entries)

	args := &AppendEntriesArgs{
		Term:         e.persistent.CurrentTerm,
		LeaderID:     e.cfg.Self,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entriesCopy,
		LeaderCommit: e.commitIndex,
	}
	return Event{Kind: SendAppendEntries, Peer: peer, AppendArgs: args}
}

// OnRequestVote handles an incoming RequestVote RPC.
func (e *Engine) OnRequestVote(args RequestVoteArgs) (RequestVoteReply, []Event) {
	var events []Event

	if args.Term > e.persistent.CurrentTerm {
		events = append(events, e.stepDown(args.Term)...)
	}
	if args.Term < e.persistent.CurrentTerm {
		return RequestVoteReply{Term: e.persistent.CurrentTerm, VoteGranted: false}, events
	}

	canVote := !e.persistent.HasVoted || e.persistent.VotedFor == args.CandidateID
	logUpToDate := args.LastLogTerm > e.persistent.lastTerm() ||
		(args.LastLogTerm == e.persistent.lastTerm() && args.LastLogIndex >= e.persistent.lastIndex())

	granted := canVote && logUpToDate
	if granted {
		e.persistent.VotedFor = args.CandidateID
		e.persistent.HasVoted = true
		events = append(events, Event{Kind: PersistState})
	}

	return RequestVoteReply{Term: e.persistent.CurrentTerm, VoteGranted: granted}, events
}

// OnRequestVoteReply handles a RequestVote RPC reply from from.
func (e *Engine) OnRequestVoteReply(from NodeID, reply RequestVoteReply) []Event {
	if reply.Term > e.persistent.CurrentTerm {
		return e.stepDown(reply.Term)
	}
	if e.role != Candidate || reply.Term < e.persistent.CurrentTerm {
		return nil
	}
	if !reply.VoteGranted {
		return nil
	}

	e.votesReceived[from] = true
	if len(e.votesReceived) >= e.cfg.quorum() {
		return e.becomeLeader()
	}
	return nil
}

// OnAppendEntries handles an incoming AppendEntries RPC.
func (e *Engine) OnAppendEntries(args AppendEntriesArgs) (AppendEntriesReply, []Event) {
	var events []Event

	if args.Term < e.persistent.CurrentTerm {
		return AppendEntriesReply{Term: e.persistent.CurrentTerm, Success: false}, events
	}

	if args.Term > e.persistent.CurrentTerm || e.role != Follower {
		events = append(events, e.stepDown(args.Term)...)
	}
	events = append(events, Event{Kind: ResetElectionTimer})

	if args.PrevLogIndex > e.persistent.lastIndex() {
		return AppendEntriesReply{
			Term:          e.persistent.CurrentTerm,
			Success:       false,
			ConflictIndex: e.persistent.lastIndex() + 1,
			ConflictTerm:  0,
		}, events
	}

	if args.PrevLogIndex > 0 && e.persistent.termAt(args.PrevLogIndex) != args.PrevLogTerm {
		conflictTerm := e.persistent.termAt(args.PrevLogIndex)
		conflictIndex := args.PrevLogIndex
		for conflictIndex > 1 && e.persistent.termAt(conflictIndex-1) == conflictTerm {
			conflictIndex--
		}
		return AppendEntriesReply{
			Term:          e.persistent.CurrentTerm,
			Success:       false,
			ConflictIndex: conflictIndex,
			ConflictTerm:  conflictTerm,
		}, events
	}

	for i, entry := range args.Entries {
		idx := args.PrevLogIndex + 1 + LogIndex(i)
		if idx <= e.persistent.lastIndex() {
			if e.persistent.termAt(idx) != entry.Term {
				e.persistent.truncateFrom(idx)
				e.persistent.Log = append(e.persistent.Log, entry)
			}
		} else {
			e.persistent.Log = append(e.persistent.Log, entry)
		}
	}
	if len(args.Entries) > 0 {
		events = append(events, Event{Kind: PersistState})
	}

	if args.LeaderCommit > e.commitIndex {
		last := e.persistent.lastIndex()
		newCommit := args.LeaderCommit
		if last < newCommit {
			newCommit = last
		}
		e.commitIndex = newCommit
	}
	events = append(events, e.applyCommittedEvents()...)

	return AppendEntriesReply{Term: e.persistent.CurrentTerm, Success: true}, events
}

// OnAppendEntriesReply handles an AppendEntries RPC reply from peer.
// sentPrevLogIndex and sentCount describe the request this reply
// answers, since the reply itself does not echo them.
func (e *Engine) OnAppendEntriesReply(peer NodeID, sentPrevLogIndex LogIndex, sentCount int, reply AppendEntriesReply) []Event {
	if reply.Term > e.persistent.CurrentTerm {
		return e.stepDown(reply.Term)
	}
	if e.role != Leader || reply.Term != e.persistent.CurrentTerm {
		return nil
	}

	if reply.Success {
		e.matchIndex[peer] = sentPrevLogIndex + LogIndex(sentCount)
		e.nextIndex[peer] = e.matchIndex[peer] + 1
		return e.advanceCommit()
	}

	next := reply.ConflictIndex
	if reply.ConflictTerm != 0 {
		for idx := e.persistent.lastIndex(); idx >= 1; idx-- {
			if e.persistent.termAt(idx) == reply.ConflictTerm {
				next = idx + 1
				break
			}
		}
	}
	if next < 1 {
		next = 1
	}
	e.nextIndex[peer] = next

	return []Event{e.appendEntriesEventFor(peer)}
}

// advanceCommit implements the Leader-only commit-advance rule: an
// index only counts toward commit if it holds an entry from the
// current term, preventing the Figure-8 anomaly where an old-term entry
// could be committed purely by replica count.
func (e *Engine) advanceCommit() []Event {
	quorum := e.cfg.quorum()
	for n := e.persistent.lastIndex(); n > e.commitIndex; n-- {
		if e.persistent.termAt(n) != e.persistent.CurrentTerm {
			continue
		}
		count := 1 // self
		for _, peer := range e.cfg.Peers {
			if e.matchIndex[peer] >= n {
				count++
			}
		}
		if count >= quorum {
			e.commitIndex = n
			break
		}
	}
	return e.applyCommittedEvents()
}

func (e *Engine) applyCommittedEvents() []Event {
	if e.commitIndex <= e.lastApplied {
		return nil
	}
	entries := e.persistent.entriesFrom(e.lastApplied + 1)
	upto := e.commitIndex - e.lastApplied
	if LogIndex(len(entries)) > upto {
		entries = entries[:upto]
	}
	applied := make([]LogEntry, len(entries))
	copy(applied, entries)
	e.lastApplied = e.commitIndex
	return []Event{{Kind: Committed, Entries: applied}}
}

// Propose appends a new Command entry, valid only as Leader.
func (e *Engine) Propose(cmd []byte) (LogEntry, []Event, error) {
	if e.role != Leader {
		return LogEntry{}, nil, ErrNotLeader
	}

	entry := LogEntry{
		Term:      e.persistent.CurrentTerm,
		Index:     e.persistent.lastIndex() + 1,
		Command:   cmd,
		EntryType: Command,
	}
	e.persistent.Log = append(e.persistent.Log, entry)

	events := []Event{{Kind: PersistState}}
	for _, peer := range e.cfg.Peers {
		events = append(events, e.appendEntriesEventFor(peer))
	}
	return entry, events, nil
}
