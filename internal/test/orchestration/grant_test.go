package orchestration

import (
	"context"
	"strings"
	"testing"

	"github.com/princeton-orfe/vmdeploy/internal/infra"
)

func newGranter(auth *fakeAuthorizer, resolver *fakeResolver) *infra.AccessGranter {
	return &infra.AccessGranter{
		Auth:        auth,
		Resolver:    resolver,
		Propagation: instantPolicy(3),
		Assignment:  instantPolicy(3),
	}
}

func newAccessRequest() infra.AccessRequest {
	return infra.AccessRequest{
		SubscriptionID:    "sub1",
		VMName:            "vm1",
		VMID:              "/subscriptions/sub1/resourceGroups/rg1/providers/Microsoft.Compute/virtualMachines/vm1",
		StorageID:         "/subscriptions/sub1/resourceGroups/rg1/providers/Microsoft.Storage/storageAccounts/diagabc",
		AdminIdentities:   []string{"alice@example.edu"},
		ConsoleIdentities: []string{"bob@example.edu"},
	}
}

func TestGrantCreatesRoleAndAssignments(t *testing.T) {
	auth := &fakeAuthorizer{}
	resolver := &fakeResolver{principals: map[string]string{
		"alice@example.edu": "principal-alice",
		"bob@example.edu":   "principal-bob",
	}}
	granter := newGranter(auth, resolver)
	req := newAccessRequest()

	if err := granter.Grant(context.Background(), req); err != nil {
		t.Fatalf("Grant() = %v", err)
	}

	if auth.roleCreates != 1 {
		t.Errorf("role creates = %d, want 1", auth.roleCreates)
	}
	// one pre-check plus a single propagation poll entry once the role is visible
	if auth.existsChecks != 2 {
		t.Errorf("role existence checks = %d, want 2", auth.existsChecks)
	}
	if len(auth.assignments) != 3 {
		t.Fatalf("assignments = %d, want 3 (admin machine, console machine, console storage)", len(auth.assignments))
	}

	machineScoped, storageScoped := 0, 0
	for _, a := range auth.assignments {
		switch {
		case strings.HasPrefix(a, req.VMID+"|"):
			machineScoped++
		case strings.HasPrefix(a, req.StorageID+"|"):
			storageScoped++
		}
	}
	if machineScoped != 2 || storageScoped != 1 {
		t.Errorf("scopes: machine=%d storage=%d, want 2/1", machineScoped, storageScoped)
	}
}

func TestGrantIsIdempotent(t *testing.T) {
	auth := &fakeAuthorizer{}
	resolver := &fakeResolver{principals: map[string]string{
		"alice@example.edu": "principal-alice",
		"bob@example.edu":   "principal-bob",
	}}
	granter := newGranter(auth, resolver)
	req := newAccessRequest()

	if err := granter.Grant(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	// second run: role exists, every assignment already present
	auth.assignErr = infra.ErrAssignmentExists
	if err := granter.Grant(context.Background(), req); err != nil {
		t.Fatalf("second Grant() = %v, want nil", err)
	}
	if auth.roleCreates != 1 {
		t.Errorf("role creates = %d after rerun, want still 1", auth.roleCreates)
	}
	if len(auth.assignments) != 3 {
		t.Errorf("assignments = %d after rerun, want still 3", len(auth.assignments))
	}
}

func TestGrantSkipsUnresolvableIdentity(t *testing.T) {
	auth := &fakeAuthorizer{}
	resolver := &fakeResolver{principals: map[string]string{
		"bob@example.edu": "principal-bob",
	}}
	granter := newGranter(auth, resolver)
	req := newAccessRequest()
	req.AdminIdentities = []string{"ghost@example.edu"}

	if err := granter.Grant(context.Background(), req); err != nil {
		t.Fatalf("Grant() = %v, one bad identity must not abort the batch", err)
	}
	// only bob's two console assignments
	if len(auth.assignments) != 2 {
		t.Errorf("assignments = %d, want 2", len(auth.assignments))
	}
}

func TestGrantRetriesTransientAssignmentFailures(t *testing.T) {
	auth := &fakeAuthorizer{assignErr: errBoom, assignFailures: 2}
	resolver := &fakeResolver{principals: map[string]string{
		"alice@example.edu": "principal-alice",
	}}
	granter := newGranter(auth, resolver)
	req := newAccessRequest()
	req.ConsoleIdentities = nil

	if err := granter.Grant(context.Background(), req); err != nil {
		t.Fatalf("Grant() = %v", err)
	}
	if len(auth.assignments) != 1 {
		t.Errorf("assignments = %d, want 1 after retries", len(auth.assignments))
	}
}

func TestGrantExhaustedRetriesSkipIdentity(t *testing.T) {
	auth := &fakeAuthorizer{assignErr: errBoom}
	resolver := &fakeResolver{principals: map[string]string{
		"alice@example.edu": "principal-alice",
	}}
	granter := newGranter(auth, resolver)
	req := newAccessRequest()
	req.ConsoleIdentities = nil

	if err := granter.Grant(context.Background(), req); err != nil {
		t.Fatalf("Grant() = %v, exhausted retries must not abort the batch", err)
	}
	if len(auth.assignments) != 0 {
		t.Errorf("assignments = %d, want 0", len(auth.assignments))
	}
	if auth.assignErrReturned != 3 {
		t.Errorf("attempts = %d, want the full retry budget of 3", auth.assignErrReturned)
	}
}

func TestGrantWithoutConsoleIdentitiesSkipsRole(t *testing.T) {
	auth := &fakeAuthorizer{}
	resolver := &fakeResolver{principals: map[string]string{
		"alice@example.edu": "principal-alice",
	}}
	granter := newGranter(auth, resolver)
	req := newAccessRequest()
	req.ConsoleIdentities = nil

	if err := granter.Grant(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if auth.roleCreates != 0 {
		t.Errorf("role creates = %d, want 0 without console identities", auth.roleCreates)
	}
	if len(auth.assignments) != 1 {
		t.Errorf("assignments = %d, want 1", len(auth.assignments))
	}
}
