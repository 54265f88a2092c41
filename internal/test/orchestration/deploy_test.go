package orchestration

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/princeton-orfe/vmdeploy/internal/infra"
)

type testHarness struct {
	groups   *fakeGroups
	deployer *fakeDeployer
	features *fakeFeatures
	auth     *fakeAuthorizer
	resolver *fakeResolver
	purger   *fakePurger
	runner   *fakeRunner
	out      *bytes.Buffer
	orch     *infra.Orchestrator
}

func newHarness(input string) *testHarness {
	h := &testHarness{
		groups:   &fakeGroups{},
		deployer: &fakeDeployer{},
		features: &fakeFeatures{state: infra.FeatureStateRegistered},
		auth:     &fakeAuthorizer{},
		resolver: &fakeResolver{principals: map[string]string{
			"alice@example.edu": "principal-alice",
			"bob@example.edu":   "principal-bob",
		}},
		purger: &fakePurger{},
		runner: &fakeRunner{},
		out:    &bytes.Buffer{},
	}
	h.orch = &infra.Orchestrator{
		SubscriptionID: "sub1",
		Groups:         h.groups,
		Deployer:       h.deployer,
		Features:       h.features,
		Granter: &infra.AccessGranter{
			Auth:        h.auth,
			Resolver:    h.resolver,
			Propagation: instantPolicy(3),
			Assignment:  instantPolicy(3),
		},
		Purger:       h.purger,
		Runner:       h.runner,
		Registration: instantPolicy(10),
		Out:          h.out,
		In:           strings.NewReader(input),
	}
	return h
}

func newDeployConfig() infra.DeployConfig {
	return infra.DeployConfig{
		ResourceGroup: "rg1",
		VMName:        "vm1",
		AlertEmail:    "ops@example.edu",
		Location:      infra.DefaultLocation,
		VMSize:        infra.DefaultVMSize,
		DataDiskGB:    infra.DefaultDataDiskGB,
		AdminUsername: infra.DefaultAdminUser,
		Params:        infra.DefaultParams(),
		Yes:           true,
	}
}

func TestDeployDryRunMakesNoPlatformChanges(t *testing.T) {
	h := newHarness("")
	cfg := newDeployConfig()
	cfg.DryRun = true
	cfg.AdminIdentities = []string{"alice@example.edu"}

	if err := h.orch.Deploy(context.Background(), &cfg); err != nil {
		t.Fatalf("Deploy() = %v", err)
	}

	if !strings.Contains(h.out.String(), "CREATE resource group 'rg1'") {
		t.Errorf("plan missing resource group line:\n%s", h.out.String())
	}
	if h.groups.creates != 0 || h.deployer.submits != 0 || h.features.registers != 0 {
		t.Errorf("dry run mutated: creates=%d submits=%d registers=%d",
			h.groups.creates, h.deployer.submits, h.features.registers)
	}
	if len(h.auth.assignments) != 0 || h.auth.roleCreates != 0 {
		t.Error("dry run must not touch role assignments")
	}
	if len(h.runner.scripts) != 0 {
		t.Error("dry run must not run remote commands")
	}
}

func TestDeployCreateFlow(t *testing.T) {
	h := newHarness("")
	cfg := newDeployConfig()
	cfg.AdminIdentities = []string{"alice@example.edu"}
	cfg.ConsoleIdentities = []string{"bob@example.edu"}

	if err := h.orch.Deploy(context.Background(), &cfg); err != nil {
		t.Fatalf("Deploy() = %v", err)
	}

	if h.groups.creates != 1 {
		t.Errorf("group creates = %d, want 1", h.groups.creates)
	}
	if h.groups.state.Tags[infra.TagKeyProject] == "" {
		t.Error("created group missing project tag")
	}
	if h.deployer.submits != 1 {
		t.Fatalf("submits = %d, want 1", h.deployer.submits)
	}
	if got := h.deployer.lastParams["isUpdate"].Value; got != false {
		t.Errorf("isUpdate = %v, want false", got)
	}
	if _, ok := h.deployer.lastParams["adminPassword"]; !ok {
		t.Error("create submission missing adminPassword")
	}
	if len(h.runner.scripts) != 1 || !strings.Contains(h.runner.scripts[0], "cloud-init status --wait") {
		t.Errorf("bootstrap confirmation scripts = %v", h.runner.scripts)
	}
	if h.auth.roleCreates != 1 {
		t.Errorf("role definition creates = %d, want 1", h.auth.roleCreates)
	}
	// one admin grant at machine scope, console grants at machine and
	// storage scope
	if len(h.auth.assignments) != 3 {
		t.Errorf("assignments = %d, want 3", len(h.auth.assignments))
	}
	if !strings.Contains(h.out.String(), "203.0.113.7") {
		t.Errorf("summary missing public address:\n%s", h.out.String())
	}
}

func TestDeployUpdateFlow(t *testing.T) {
	h := newHarness("")
	h.groups.state = &infra.GroupState{Name: "rg1", ResourceCount: 9, VMNames: []string{"vm1"}}
	cfg := newDeployConfig()
	cfg.Update = true

	if err := h.orch.Deploy(context.Background(), &cfg); err != nil {
		t.Fatalf("Deploy() = %v", err)
	}

	if h.groups.creates != 0 || h.groups.deletes != 0 {
		t.Errorf("update touched the group: creates=%d deletes=%d", h.groups.creates, h.groups.deletes)
	}
	if h.deployer.submits != 1 {
		t.Fatalf("submits = %d, want 1", h.deployer.submits)
	}
	if got := h.deployer.lastParams["isUpdate"].Value; got != true {
		t.Errorf("isUpdate = %v, want true", got)
	}
	for _, name := range []string{"adminPassword", "customData", "dnsLabelPrefix"} {
		if _, ok := h.deployer.lastParams[name]; ok {
			t.Errorf("update submission must not carry %q", name)
		}
	}
	if len(h.runner.scripts) != 0 {
		t.Error("update must not rerun bootstrap confirmation")
	}
}

func TestDeployUpdateRequiresExistingGroup(t *testing.T) {
	h := newHarness("")
	cfg := newDeployConfig()
	cfg.Update = true

	if err := h.orch.Deploy(context.Background(), &cfg); err == nil {
		t.Error("Deploy() = nil, want error when updating a missing group")
	}
	if h.deployer.submits != 0 {
		t.Error("failed update must not submit")
	}
}

func TestDeployExistingGroupCancelled(t *testing.T) {
	h := newHarness("c\n")
	h.groups.state = &infra.GroupState{Name: "rg1", ResourceCount: 3}
	cfg := newDeployConfig()
	cfg.Yes = false

	if err := h.orch.Deploy(context.Background(), &cfg); err != nil {
		t.Fatalf("Deploy() = %v, cancel must exit cleanly", err)
	}
	if h.deployer.submits != 0 || h.groups.deletes != 0 {
		t.Error("cancelled deploy must not mutate")
	}
	if !strings.Contains(h.out.String(), "Cancelled") {
		t.Errorf("output missing cancellation notice:\n%s", h.out.String())
	}
}

func TestDeployRecreateFlow(t *testing.T) {
	h := newHarness("r\ny\n")
	h.groups.state = &infra.GroupState{Name: "rg1", ResourceCount: 3, VMNames: []string{"vm1"}}
	cfg := newDeployConfig()
	cfg.Yes = false

	if err := h.orch.Deploy(context.Background(), &cfg); err != nil {
		t.Fatalf("Deploy() = %v", err)
	}
	if h.groups.deletes != 1 {
		t.Errorf("deletes = %d, want 1", h.groups.deletes)
	}
	if h.groups.creates != 1 {
		t.Errorf("creates = %d, want 1", h.groups.creates)
	}
	if h.deployer.submits != 1 {
		t.Errorf("submits = %d, want 1", h.deployer.submits)
	}
	if got := h.deployer.lastParams["isUpdate"].Value; got != false {
		t.Errorf("recreate must submit a fresh creation, isUpdate = %v", got)
	}
}

func TestDeployRegistersEncryptionFeature(t *testing.T) {
	h := newHarness("")
	h.features.state = "NotRegistered"
	h.features.settleAfter = 3
	cfg := newDeployConfig()

	if err := h.orch.Deploy(context.Background(), &cfg); err != nil {
		t.Fatalf("Deploy() = %v", err)
	}
	if h.features.registers != 1 {
		t.Errorf("registers = %d, want 1", h.features.registers)
	}
	if h.deployer.submits != 1 {
		t.Error("deploy must proceed once the feature settles")
	}
}

func TestDeployUpdateChecksEncryptionFeature(t *testing.T) {
	h := newHarness("")
	h.groups.state = &infra.GroupState{Name: "rg1", ResourceCount: 9, VMNames: []string{"vm1"}}
	h.features.state = "NotRegistered"
	h.features.settleAfter = 3
	cfg := newDeployConfig()
	cfg.Update = true

	if err := h.orch.Deploy(context.Background(), &cfg); err != nil {
		t.Fatalf("Deploy() = %v", err)
	}
	// a group created with --no-encryption may be updated to encrypted,
	// so the update path must run the same precondition as creation
	if h.features.stateReads == 0 {
		t.Error("update with encryption enabled must check the feature state")
	}
	if h.features.registers != 1 {
		t.Errorf("registers = %d, want 1", h.features.registers)
	}
	if h.deployer.submits != 1 {
		t.Fatalf("submits = %d, want 1", h.deployer.submits)
	}
	if got := h.deployer.lastParams["enableEncryption"].Value; got != true {
		t.Errorf("enableEncryption = %v, want true", got)
	}
}

func TestDeployUpdateNoEncryptionSkipsFeatureCheck(t *testing.T) {
	h := newHarness("")
	h.groups.state = &infra.GroupState{Name: "rg1", ResourceCount: 9}
	h.features.state = "NotRegistered"
	cfg := newDeployConfig()
	cfg.Update = true
	cfg.NoEncryption = true

	if err := h.orch.Deploy(context.Background(), &cfg); err != nil {
		t.Fatalf("Deploy() = %v", err)
	}
	if h.features.stateReads != 0 || h.features.registers != 0 {
		t.Errorf("feature touched despite --no-encryption: reads=%d registers=%d",
			h.features.stateReads, h.features.registers)
	}
}

func TestDeployNoEncryptionSkipsFeatureCheck(t *testing.T) {
	h := newHarness("")
	h.features.state = "NotRegistered"
	cfg := newDeployConfig()
	cfg.NoEncryption = true

	if err := h.orch.Deploy(context.Background(), &cfg); err != nil {
		t.Fatalf("Deploy() = %v", err)
	}
	if h.features.stateReads != 0 || h.features.registers != 0 {
		t.Errorf("feature touched despite --no-encryption: reads=%d registers=%d",
			h.features.stateReads, h.features.registers)
	}
	if got := h.deployer.lastParams["enableEncryption"].Value; got != false {
		t.Errorf("enableEncryption = %v, want false", got)
	}
}

func TestDeployWithoutIdentitiesSkipsGrants(t *testing.T) {
	h := newHarness("")
	cfg := newDeployConfig()

	if err := h.orch.Deploy(context.Background(), &cfg); err != nil {
		t.Fatalf("Deploy() = %v", err)
	}
	if h.auth.roleCreates != 0 || len(h.auth.assignments) != 0 {
		t.Error("no identities were requested, nothing should be granted")
	}
}
