package raft

import (
	"fmt"
	"sync"
)

// rpcEnvelope carries one RPC between loopback nodes, tagged by kind so
// a single inbox channel can multiplex both RPC types and their
// replies.
type rpcEnvelope struct {
	from NodeID

	voteArgs    *RequestVoteArgs
	voteReply   *RequestVoteReply
	appendArgs  *AppendEntriesArgs
	appendReply *appendEntriesReplyEnvelope
}

// appendEntriesReplyEnvelope threads back the request parameters a
// reply answers, since AppendEntriesReply itself does not echo them
// (OnAppendEntriesReply needs sentPrevLogIndex/sentCount).
type appendEntriesReplyEnvelope struct {
	reply            AppendEntriesReply
	sentPrevLogIndex LogIndex
	sentCount        int
}

// LoopbackTransport is an in-process stand-in for a real network
// transport: a registry of per-node inboxes. It exists so the engine's
// SendRequestVote/SendAppendEntries events have somewhere to go in
// tests and in a single-process multi-node simulation, mirroring the
// shape of a pluggable Transport interface without adopting one.
type LoopbackTransport struct {
	mu      sync.Mutex
	inboxes map[NodeID]chan rpcEnvelope
}

// NewLoopbackTransport constructs an empty transport.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{inboxes: make(map[NodeID]chan rpcEnvelope)}
}

// Register creates a buffered inbox for id, returning it so the owning
// node's driver loop can range over it.
func (t *LoopbackTransport) Register(id NodeID, buffer int) <-chan rpcEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan rpcEnvelope, buffer)
	t.inboxes[id] = ch
	return ch
}

func (t *LoopbackTransport) send(to NodeID, env rpcEnvelope) error {
	t.mu.Lock()
	ch, ok := t.inboxes[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("raft: no registered inbox for node %q", to)
	}
	select {
	case ch <- env:
		return nil
	default:
		return fmt.Errorf("raft: inbox for node %q is full", to)
	}
}

// SendRequestVote delivers a RequestVote RPC to peer.
func (t *LoopbackTransport) SendRequestVote(from, peer NodeID, args *RequestVoteArgs) error {
	return t.send(peer, rpcEnvelope{from: from, voteArgs: args})
}

// SendRequestVoteReply delivers a RequestVote reply back to the
// original candidate.
func (t *LoopbackTransport) SendRequestVoteReply(from, to NodeID, reply RequestVoteReply) error {
	return t.send(to, rpcEnvelope{from: from, voteReply: &reply})
}

// SendAppendEntries delivers an AppendEntries RPC to peer.
func (t *LoopbackTransport) SendAppendEntries(from, peer NodeID, args *AppendEntriesArgs) error {
	return t.send(peer, rpcEnvelope{from: from, appendArgs: args})
}

// SendAppendEntriesReply delivers an AppendEntries reply back to the
// leader, along with the request parameters it answers.
func (t *LoopbackTransport) SendAppendEntriesReply(from, to NodeID, reply AppendEntriesReply, sentPrevLogIndex LogIndex, sentCount int) error {
	return t.send(to, rpcEnvelope{
		from: from,
		appendReply: &appendEntriesReplyEnvelope{
			reply:            reply,
			sentPrevLogIndex: sentPrevLogIndex,
			sentCount:        sentCount,
		},
	})
}

// Drive applies one inbound envelope to engine, running the matching
// Engine handler and re-sending any reply or follow-up RPC the engine's
// events call for. It is the glue a node's driver loop uses to turn raw
// channel traffic into engine transitions without the engine itself
// knowing about the transport.
func (t *LoopbackTransport) Drive(self NodeID, engine *Engine, env rpcEnvelope) []Event {
	switch {
	case env.voteArgs != nil:
		reply, events := engine.OnRequestVote(*env.voteArgs)
		t.SendRequestVoteReply(self, env.from, reply)
		return events

	case env.voteReply != nil:
		return engine.OnRequestVoteReply(env.from, *env.voteReply)

	case env.appendArgs != nil:
		reply, events := engine.OnAppendEntries(*env.appendArgs)
		sentCount := len(env.appendArgs.Entries)
		t.SendAppendEntriesReply(self, env.from, reply, env.appendArgs.PrevLogIndex, sentCount)
		return events

	case env.appendReply != nil:
		return engine.OnAppendEntriesReply(env.from, env.appendReply.sentPrevLogIndex, env.appendReply.sentCount, env.appendReply.reply)
	}
	return nil
}

// DispatchEvents sends every SendRequestVote/SendAppendEntries event in
// events out over the transport; events of other kinds are left for the
// caller to handle (PersistState against a Store, Committed against the
// state machine, and so on).
func (t *LoopbackTransport) DispatchEvents(self NodeID, events []Event) error {
	for _, ev := range events {
		switch ev.Kind {
		case SendRequestVote:
			if err := t.SendRequestVote(self, ev.Peer, ev.VoteArgs); err != nil {
				return err
			}
		case SendAppendEntries:
			if err := t.SendAppendEntries(self, ev.Peer, ev.AppendArgs); err != nil {
				return err
			}
		}
	}
	return nil
}
