// Package sypas implements process authorization: the check_access
// verifier with its three enforcement modes, an append-only audit log,
// and the capability delegation graph with cascading revocation (§3.5,
// §4.5).
package sypas

import (
	"errors"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/YigremTamiru/cell0-os/internal/capability"
	"github.com/YigremTamiru/cell0-os/internal/process"
)

// resCapabilityHandle classifies the synthetic Resource a
// capability_revocation audit entry is recorded against.
const resCapabilityHandle ResourceType = "capability_handle"

// Mode selects how CheckAccess treats a denied request.
type Mode uint8

const (
	// Permissive always returns Ok, regardless of policy.
	Permissive Mode = iota
	// Auditing computes the normal allow/deny decision but always
	// returns Ok; only the audit log records the real outcome.
	Auditing
	// Enforcing returns Ok only when the policy actually allows it.
	Enforcing
)

// ErrAccessDenied is returned by CheckAccess under Enforcing when the
// policy does not grant the request.
var ErrAccessDenied = errors.New("sypas: access denied")

// ErrHandleNotFound is returned when an operation names an unknown
// delegation handle.
var ErrHandleNotFound = errors.New("sypas: handle not found")

// ResourceType classifies a Resource for policy lookup.
type ResourceType string

// Resource is anything check_access reasons about.
type Resource struct {
	Type ResourceType
	Name string
}

// Policy binds a resource type to the rights a caller must already hold
// and the rights it may be granted.
type Policy struct {
	ResourceType   ResourceType
	RequiredRights []capability.Right
	DefaultRights  capability.Set
}

// AuditEntry is one append-only record of a CheckAccess call. ID is
// unique per entry so external log shippers can dedupe retried writes.
type AuditEntry struct {
	ID            uuid.UUID
	TimestampTick uint64
	Pid           process.Pid
	Action        string
	Resource      Resource
	Allowed       bool
	Reason        string
}

// Handle identifies a node in the delegation graph.
type Handle int64

// NoHandle is the sentinel for "no parent handle".
const NoHandle Handle = -1

type delegationNode struct {
	handle   Handle
	owner    process.Pid
	right    capability.Right
	parent   Handle
	children []Handle
	revoked  bool
}

// Authorizer is the SYPAS verifier: policy table, audit trail, and
// delegation graph, all guarded by one mutex.
type Authorizer struct {
	mu         sync.Mutex
	mode       Mode
	policies   []Policy
	audit      []AuditEntry
	handles    map[Handle]*delegationNode
	nextHandle Handle
}

// NewAuthorizer constructs an Authorizer in the given enforcement mode.
func NewAuthorizer(mode Mode) *Authorizer {
	return &Authorizer{
		mode:    mode,
		handles: make(map[Handle]*delegationNode),
	}
}

// SetMode changes the enforcement mode.
func (a *Authorizer) SetMode(mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
}

// AddPolicy appends a policy to the table. Lookup is first-match by
// resource type, so earlier entries take precedence over later ones.
func (a *Authorizer) AddPolicy(p Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policies = append(a.policies, p)
}

func (a *Authorizer) findPolicy(rt ResourceType) (Policy, bool) {
	for _, p := range a.policies {
		if p.ResourceType == rt {
			return p, true
		}
	}
	return Policy{}, false
}

// CheckAccess decides whether pid may exercise requested rights against
// resource, given its current capability set. An audit entry is always
// appended, independent of the enforcement mode or the outcome.
func (a *Authorizer) CheckAccess(pid process.Pid, caps capability.Set, resource Resource, requested capability.Set, now uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	allowed, reason := a.decide(caps, resource, requested)

	a.audit = append(a.audit, AuditEntry{
		ID:            uuid.New(),
		TimestampTick: now,
		Pid:           pid,
		Action:        "check_access",
		Resource:      resource,
		Allowed:       allowed,
		Reason:        reason,
	})

	switch a.mode {
	case Permissive:
		return nil
	case Auditing:
		return nil
	default: // Enforcing
		if allowed {
			return nil
		}
		return ErrAccessDenied
	}
}

func (a *Authorizer) decide(caps capability.Set, resource Resource, requested capability.Set) (bool, string) {
	policy, ok := a.findPolicy(resource.Type)
	if !ok {
		return false, "no policy for resource type"
	}
	for _, r := range policy.RequiredRights {
		if !caps.Has(r) {
			return false, "missing required right"
		}
	}
	if !requested.IsSubsetOf(policy.DefaultRights) {
		return false, "requested rights exceed policy default_rights"
	}
	return true, "policy satisfied"
}

// AuditLog returns a copy of every recorded entry, in recording order.
func (a *Authorizer) AuditLog() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEntry, len(a.audit))
	copy(out, a.audit)
	return out
}

// NewRootHandle registers a handle with no parent, representing a right
// granted directly rather than delegated.
func (a *Authorizer) NewRootHandle(owner process.Pid, right capability.Right) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.nextHandle
	a.nextHandle++
	a.handles[h] = &delegationNode{handle: h, owner: owner, right: right, parent: NoHandle}
	return h
}

// Delegate creates a new handle for toPid delegated from handle, for the
// same right. The parent handle's child list gains the new handle.
func (a *Authorizer) Delegate(handle Handle, toPid process.Pid) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	parent, ok := a.handles[handle]
	if !ok {
		return NoHandle, ErrHandleNotFound
	}
	if parent.revoked {
		return NoHandle, ErrAccessDenied
	}

	h := a.nextHandle
	a.nextHandle++
	node := &delegationNode{handle: h, owner: toPid, right: parent.right, parent: handle}
	a.handles[h] = node
	parent.children = append(parent.children, h)
	return h, nil
}

// Revoke marks handle revoked and recursively revokes every descendant
// in one operation, appending one capability_revocation audit entry per
// node revoked (§8, scenario S5).
func (a *Authorizer) Revoke(handle Handle, now uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	node, ok := a.handles[handle]
	if !ok {
		return ErrHandleNotFound
	}
	a.revokeSubtree(node, now)
	return nil
}

func (a *Authorizer) revokeSubtree(node *delegationNode, now uint64) {
	node.revoked = true
	a.audit = append(a.audit, AuditEntry{
		ID:            uuid.New(),
		TimestampTick: now,
		Pid:           node.owner,
		Action:        "capability_revocation",
		Resource:      Resource{Type: resCapabilityHandle, Name: strconv.FormatInt(int64(node.handle), 10)},
		Allowed:       true,
		Reason:        "cascading revoke",
	})
	for _, childHandle := range node.children {
		if child, ok := a.handles[childHandle]; ok {
			a.revokeSubtree(child, now)
		}
	}
}

// IsValid reports whether handle exists and has not been revoked.
func (a *Authorizer) IsValid(handle Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	node, ok := a.handles[handle]
	return ok && !node.revoked
}

// HandleRight returns the right a handle was granted, if it exists.
func (a *Authorizer) HandleRight(handle Handle) (capability.Right, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	node, ok := a.handles[handle]
	if !ok {
		return 0, false
	}
	return node.right, true
}
