package sypas

import (
	"testing"

	"github.com/YigremTamiru/cell0-os/internal/capability"
	"github.com/YigremTamiru/cell0-os/internal/process"
)

const resFile ResourceType = "file"

func filePolicy() Policy {
	return Policy{
		ResourceType:   resFile,
		RequiredRights: []capability.Right{capability.FileRead},
		DefaultRights:  capability.New().Set(capability.FileRead).Set(capability.FileWrite),
	}
}

func TestPermissiveAlwaysAllows(t *testing.T) {
	a := NewAuthorizer(Permissive)
	err := a.CheckAccess(process.Pid(1), capability.New(), Resource{Type: resFile}, capability.New().Set(capability.FileDelete), 0)
	if err != nil {
		t.Fatalf("Permissive CheckAccess = %v, want nil", err)
	}
}

func TestEnforcingDeniesWithoutPolicy(t *testing.T) {
	a := NewAuthorizer(Enforcing)
	err := a.CheckAccess(process.Pid(1), capability.New(), Resource{Type: "missing"}, capability.New(), 0)
	if err != ErrAccessDenied {
		t.Fatalf("CheckAccess with no policy = %v, want ErrAccessDenied", err)
	}
}

func TestEnforcingRequiresCapability(t *testing.T) {
	a := NewAuthorizer(Enforcing)
	a.AddPolicy(filePolicy())

	err := a.CheckAccess(process.Pid(1), capability.New(), Resource{Type: resFile}, capability.New().Set(capability.FileRead), 0)
	if err != ErrAccessDenied {
		t.Fatalf("CheckAccess without required right = %v, want ErrAccessDenied", err)
	}
}

func TestEnforcingAllowsWithinPolicy(t *testing.T) {
	a := NewAuthorizer(Enforcing)
	a.AddPolicy(filePolicy())

	caps := capability.New().Set(capability.FileRead)
	err := a.CheckAccess(process.Pid(1), caps, Resource{Type: resFile}, capability.New().Set(capability.FileRead), 0)
	if err != nil {
		t.Fatalf("CheckAccess within policy = %v, want nil", err)
	}
}

func TestEnforcingRejectsRequestBeyondDefaultRights(t *testing.T) {
	a := NewAuthorizer(Enforcing)
	a.AddPolicy(filePolicy())

	caps := capability.New().Set(capability.FileRead).Set(capability.FileDelete)
	err := a.CheckAccess(process.Pid(1), caps, Resource{Type: resFile}, capability.New().Set(capability.FileDelete), 0)
	if err != ErrAccessDenied {
		t.Fatalf("CheckAccess requesting rights beyond default_rights = %v, want ErrAccessDenied", err)
	}
}

func TestAuditingAlwaysAllowsButRecordsDenial(t *testing.T) {
	a := NewAuthorizer(Auditing)
	a.AddPolicy(filePolicy())

	err := a.CheckAccess(process.Pid(9), capability.New(), Resource{Type: resFile}, capability.New(), 5)
	if err != nil {
		t.Fatalf("Auditing CheckAccess = %v, want nil", err)
	}

	log := a.AuditLog()
	if len(log) != 1 {
		t.Fatalf("AuditLog length = %d, want 1", len(log))
	}
	if log[0].Allowed {
		t.Fatal("audit entry should record the real denial even though the call returned Ok")
	}
	if log[0].Pid != 9 || log[0].TimestampTick != 5 {
		t.Fatalf("audit entry = %+v, unexpected pid/timestamp", log[0])
	}
}

func TestDelegateAndRevokeCascades(t *testing.T) {
	a := NewAuthorizer(Enforcing)

	root := a.NewRootHandle(process.Pid(1), capability.FileRead)
	mid, err := a.Delegate(root, process.Pid(2))
	if err != nil {
		t.Fatalf("Delegate root->mid: %v", err)
	}
	leaf, err := a.Delegate(mid, process.Pid(3))
	if err != nil {
		t.Fatalf("Delegate mid->leaf: %v", err)
	}

	if !a.IsValid(root) || !a.IsValid(mid) || !a.IsValid(leaf) {
		t.Fatal("all handles should be valid before revocation")
	}

	if err := a.Revoke(mid, 0); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if !a.IsValid(root) {
		t.Fatal("revoking mid must not revoke its ancestor")
	}
	if a.IsValid(mid) || a.IsValid(leaf) {
		t.Fatal("revoking mid must cascade to its whole subtree, including leaf")
	}
}

// TestCascadingRevokeAudited mirrors spec scenario S5 literally: A holds
// handle H with right R, delegates to B as H1, B delegates to C as H2;
// revoking H must cascade to all three and record three
// capability_revocation audit entries.
func TestCascadingRevokeAudited(t *testing.T) {
	a := NewAuthorizer(Enforcing)

	h := a.NewRootHandle(process.Pid(1), capability.FileRead)
	h1, err := a.Delegate(h, process.Pid(2))
	if err != nil {
		t.Fatalf("Delegate H->H1: %v", err)
	}
	h2, err := a.Delegate(h1, process.Pid(3))
	if err != nil {
		t.Fatalf("Delegate H1->H2: %v", err)
	}

	if err := a.Revoke(h, 7); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if a.IsValid(h) || a.IsValid(h1) || a.IsValid(h2) {
		t.Fatal("H, H1, H2 must all be revoked")
	}

	var revocations int
	for _, entry := range a.AuditLog() {
		if entry.Action == "capability_revocation" {
			revocations++
			if entry.TimestampTick != 7 {
				t.Fatalf("revocation entry timestamp = %d, want 7", entry.TimestampTick)
			}
		}
	}
	if revocations != 3 {
		t.Fatalf("capability_revocation audit entries = %d, want 3", revocations)
	}
}

func TestDelegateFromRevokedHandleFails(t *testing.T) {
	a := NewAuthorizer(Enforcing)
	root := a.NewRootHandle(process.Pid(1), capability.Network)
	a.Revoke(root, 0)

	if _, err := a.Delegate(root, process.Pid(2)); err == nil {
		t.Fatal("Delegate from a revoked handle should fail")
	}
}
