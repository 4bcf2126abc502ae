// Package ipc implements inter-process channels and shared memory
// regions (§3.6, §4.6): bounded FIFO message passing with a ring-drop
// overflow policy, and permission-immutable shared region mapping.
package ipc

import (
	"errors"
	"sync"

	"github.com/YigremTamiru/cell0-os/internal/capability"
	"github.com/YigremTamiru/cell0-os/internal/process"
	"github.com/YigremTamiru/cell0-os/internal/sypas"
)

// ResourceChannelCreate and ResourceChannelJoin are the SYPAS resource
// types CreateChannel/Connect consult before admitting a caller: IPC (H)
// consults SYPAS (G) for channel creation/join (§2, §4.5/§4.6).
const (
	ResourceChannelCreate sypas.ResourceType = "ipc_channel_create"
	ResourceChannelJoin   sypas.ResourceType = "ipc_channel_join"
)

// MMAX is the default maximum payload size, in bytes, for one message.
const MMAX = 4096

// ChannelType distinguishes how a channel's peers are addressed.
type ChannelType uint8

const (
	Unidirectional ChannelType = iota
	Bidirectional
	Broadcast
)

// ChannelState is a channel's connection lifecycle stage.
type ChannelState uint8

const (
	Connecting ChannelState = iota
	Connected
	Closing
	Closed
)

var (
	ErrMessageTooLarge = errors.New("ipc: message exceeds MMAX")
	ErrWouldBlock      = errors.New("ipc: would block")
	ErrChannelClosed   = errors.New("ipc: channel closed")
	ErrNoMessage       = errors.New("ipc: no message available")
	ErrChannelNotFound = errors.New("ipc: channel not found")
	ErrNotConnected    = errors.New("ipc: channel not connected")
	ErrRegionNotFound  = errors.New("ipc: shared region not found")
)

// ChannelID identifies a channel.
type ChannelID int64

// Message is one unit of data moving through a channel.
type Message struct {
	Source        process.Pid
	Dest          process.Pid
	TypeTag       uint32
	Flags         uint32
	TimestampTick uint64
	Payload       []byte
}

// Channel is a bounded FIFO between an owner and an optional peer.
type Channel struct {
	ID           ChannelID
	Type         ChannelType
	State        ChannelState
	Owner        process.Pid
	Peer         process.Pid
	HasPeer      bool
	queue        []Message
	MaxQueue     int
	BlockingSend bool
	BlockingRecv bool
}

// RegionID identifies a shared memory region.
type RegionID int64

// Permissions are fixed for a shared region's lifetime once created.
type Permissions struct {
	Read, Write, Execute bool
}

// SharedRegion is a block of memory multiple processes can map into
// their own address space.
type SharedRegion struct {
	ID       RegionID
	Owner    process.Pid
	Size     uint64
	BaseAddr uint64
	Perms    Permissions
	mapped   map[process.Pid]bool
}

// Space owns every channel and shared region in the kernel.
type Space struct {
	mu            sync.Mutex
	channels      map[ChannelID]*Channel
	regions       map[RegionID]*SharedRegion
	nextChannelID ChannelID
	nextRegionID  RegionID
}

// NewSpace constructs an empty IPC space.
func NewSpace() *Space {
	return &Space{
		channels: make(map[ChannelID]*Channel),
		regions:  make(map[RegionID]*SharedRegion),
	}
}

// CreateChannel checks owner against auth for ResourceChannelCreate, and
// only on success registers a new channel in the Connecting state. auth
// may be nil to skip the check (tests exercising the queue/ring-drop
// mechanics in isolation).
func (s *Space) CreateChannel(auth *sypas.Authorizer, owner process.Pid, caps capability.Set, now uint64, typ ChannelType, maxQueue int, blockingSend, blockingRecv bool) (ChannelID, error) {
	if auth != nil {
		requested := capability.New().Set(capability.IpcCreate)
		if err := auth.CheckAccess(owner, caps, sypas.Resource{Type: ResourceChannelCreate}, requested, now); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextChannelID
	s.nextChannelID++
	s.channels[id] = &Channel{
		ID:           id,
		Type:         typ,
		State:        Connecting,
		Owner:        owner,
		MaxQueue:     maxQueue,
		BlockingSend: blockingSend,
		BlockingRecv: blockingRecv,
	}
	return id, nil
}

// Connect checks peer against auth for ResourceChannelJoin, and only on
// success transitions the channel to Connected with that peer. auth may
// be nil to skip the check.
func (s *Space) Connect(auth *sypas.Authorizer, id ChannelID, peer process.Pid, caps capability.Set, now uint64) error {
	if auth != nil {
		requested := capability.New().Set(capability.IpcJoin)
		if err := auth.CheckAccess(peer, caps, sypas.Resource{Type: ResourceChannelJoin}, requested, now); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	ch.Peer = peer
	ch.HasPeer = true
	ch.State = Connected
	return nil
}

// Close transitions a channel to Closed. Its queue is discarded.
func (s *Space) Close(id ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	ch.State = Closed
	ch.queue = nil
	return nil
}

// Send enqueues msg on a Connected channel. If the queue is at MaxQueue,
// a blocking channel returns ErrWouldBlock; a non-blocking one drops the
// oldest queued message to make room (ring-drop policy).
func (s *Space) Send(id ChannelID, msg Message) error {
	if len(msg.Payload) > MMAX {
		return ErrMessageTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	if ch.State != Connected {
		return ErrNotConnected
	}

	if ch.MaxQueue > 0 && len(ch.queue) >= ch.MaxQueue {
		if ch.BlockingSend {
			return ErrWouldBlock
		}
		ch.queue = ch.queue[1:]
	}
	ch.queue = append(ch.queue, msg)
	return nil
}

// Recv pops the head message. On an empty queue: a Closed channel
// reports ErrChannelClosed, a blocking channel reports ErrWouldBlock,
// otherwise ErrNoMessage.
func (s *Space) Recv(id ChannelID) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return Message{}, ErrChannelNotFound
	}

	if len(ch.queue) == 0 {
		switch {
		case ch.State == Closed:
			return Message{}, ErrChannelClosed
		case ch.BlockingRecv:
			return Message{}, ErrWouldBlock
		default:
			return Message{}, ErrNoMessage
		}
	}

	msg := ch.queue[0]
	ch.queue = ch.queue[1:]
	return msg, nil
}

// Get returns a copy of the channel's metadata, without its queue.
func (s *Space) Get(id ChannelID) (Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return Channel{}, false
	}
	snap := *ch
	snap.queue = nil
	return snap, true
}

// QueueLen reports how many messages are currently queued on a channel.
func (s *Space) QueueLen(id ChannelID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return 0
	}
	return len(ch.queue)
}

// CreateSharedRegion registers a new region with fixed permissions.
func (s *Space) CreateSharedRegion(owner process.Pid, size, baseAddr uint64, perms Permissions) RegionID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextRegionID
	s.nextRegionID++
	s.regions[id] = &SharedRegion{
		ID:       id,
		Owner:    owner,
		Size:     size,
		BaseAddr: baseAddr,
		Perms:    perms,
		mapped:   make(map[process.Pid]bool),
	}
	return id
}

// Map adds pid to a region's mapped set, idempotently, and returns the
// region's base address.
func (s *Space) Map(id RegionID, pid process.Pid) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	region, ok := s.regions[id]
	if !ok {
		return 0, ErrRegionNotFound
	}
	region.mapped[pid] = true
	return region.BaseAddr, nil
}

// Unmap removes pid from a region's mapped set.
func (s *Space) Unmap(id RegionID, pid process.Pid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	region, ok := s.regions[id]
	if !ok {
		return ErrRegionNotFound
	}
	delete(region.mapped, pid)
	return nil
}

// IsMapped reports whether pid is currently mapped into a region.
func (s *Space) IsMapped(id RegionID, pid process.Pid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	region, ok := s.regions[id]
	if !ok {
		return false
	}
	return region.mapped[pid]
}

// OnProcessExit closes and removes every channel pid owns, and unmaps
// pid from every shared region (§4.6, process exit cleanup).
func (s *Space) OnProcessExit(pid process.Pid) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.channels {
		if ch.Owner == pid {
			delete(s.channels, id)
		}
	}
	for _, region := range s.regions {
		delete(region.mapped, pid)
	}
}
