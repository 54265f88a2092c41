package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/princeton-orfe/vmdeploy/internal/infra"
)

// instantPolicy mirrors the production schedule but never sleeps
func instantPolicy(maxAttempts int) infra.RetryPolicy {
	return infra.RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     infra.FixedBackoff(0),
		Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
}

type fakeGroups struct {
	state   *infra.GroupState
	creates int
	deletes int
}

func (g *fakeGroups) Get(_ context.Context, _ string) (*infra.GroupState, error) {
	return g.state, nil
}

func (g *fakeGroups) Create(_ context.Context, name, location string, tags map[string]string) error {
	g.creates++
	g.state = &infra.GroupState{Name: name, Location: location, Tags: tags}
	return nil
}

func (g *fakeGroups) Delete(_ context.Context, _ string) error {
	g.deletes++
	g.state = nil
	return nil
}

type fakeDeployer struct {
	submits    int
	lastParams infra.DeploymentParameters
	outputs    *infra.DeploymentOutputs
}

func defaultOutputs() *infra.DeploymentOutputs {
	return &infra.DeploymentOutputs{
		PublicIPAddress:    "203.0.113.7",
		FQDN:               "vm1.eastus.cloudapp.azure.com",
		PrivateIPAddress:   "10.10.0.4",
		HasPublicIP:        true,
		VMResourceID:       "/subscriptions/sub1/resourceGroups/rg1/providers/Microsoft.Compute/virtualMachines/vm1",
		StorageAccountName: "diagabc123",
		SerialConsoleLink:  "https://portal.azure.com/#serial",
		AADLoginLink:       "https://portal.azure.com/#aad",
	}
}

func (d *fakeDeployer) Submit(_ context.Context, _, _ string, _ map[string]any, params infra.DeploymentParameters) (*infra.DeploymentOutputs, error) {
	d.submits++
	d.lastParams = params
	if d.outputs == nil {
		return defaultOutputs(), nil
	}
	return d.outputs, nil
}

type fakeFeatures struct {
	state      string
	stateReads int
	registers  int
	// settleAfter flips the state to registered after this many reads
	// past the Register call
	settleAfter int
}

func (f *fakeFeatures) State(context.Context, string, string) (string, error) {
	f.stateReads++
	if f.registers > 0 && f.stateReads > f.settleAfter {
		f.state = infra.FeatureStateRegistered
	}
	return f.state, nil
}

func (f *fakeFeatures) Register(context.Context, string, string) error {
	f.registers++
	return nil
}

type fakeAuthorizer struct {
	roles map[string]bool

	roleCreates       int
	existsChecks      int
	assignments       []string // "scope|roleDefID"
	assignErr         error
	assignFailures    int // fail this many calls before succeeding
	assignErrReturned int
}

func (a *fakeAuthorizer) RoleDefinitionExists(_ context.Context, _, roleName string) (bool, error) {
	a.existsChecks++
	return a.roles[roleName], nil
}

func (a *fakeAuthorizer) CreateRoleDefinition(_ context.Context, _, _ string, def infra.RoleDefinition) error {
	a.roleCreates++
	if a.roles == nil {
		a.roles = make(map[string]bool)
	}
	a.roles[def.Name] = true
	return nil
}

func (a *fakeAuthorizer) CreateAssignment(_ context.Context, scope, _, roleDefinitionID string) error {
	if a.assignErr != nil && (a.assignFailures == 0 || a.assignErrReturned < a.assignFailures) {
		a.assignErrReturned++
		return a.assignErr
	}
	a.assignments = append(a.assignments, scope+"|"+roleDefinitionID)
	return nil
}

type fakeResolver struct {
	principals map[string]string
	resolves   int
}

func (r *fakeResolver) Resolve(_ context.Context, identity string) (string, error) {
	r.resolves++
	principal, ok := r.principals[identity]
	if !ok {
		return "", fmt.Errorf("identity %s not found", identity)
	}
	return principal, nil
}

type fakePurger struct {
	vaults []infra.DeletedVault
	purged []string
}

func (p *fakePurger) ListDeleted(context.Context) ([]infra.DeletedVault, error) {
	return p.vaults, nil
}

func (p *fakePurger) Purge(_ context.Context, name, _ string) error {
	p.purged = append(p.purged, name)
	return nil
}

type fakeRunner struct {
	scripts []string
	err     error
}

func (r *fakeRunner) Run(ctx context.Context, _, _, script string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.err != nil {
		return "", r.err
	}
	r.scripts = append(r.scripts, script)
	return "ok", nil
}

type fakeStager struct {
	containers  int
	uploads     int
	signBatches int
	signedBlobs int
	deletes     int

	uploadErr  error
	deleteErr  error
	onUpload   func()
	cleanupCtx context.Context
}

func (s *fakeStager) CreateContainer(context.Context, string, string) error {
	s.containers++
	return nil
}

func (s *fakeStager) Upload(_ context.Context, _, _, _, _ string) error {
	if s.onUpload != nil {
		s.onUpload()
	}
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.uploads++
	return nil
}

func (s *fakeStager) SignBlobs(_ context.Context, account, container string, blobNames []string, _ time.Time) (map[string]string, error) {
	s.signBatches++
	s.signedBlobs += len(blobNames)
	urls := make(map[string]string, len(blobNames))
	for _, blobName := range blobNames {
		urls[blobName] = fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s?sig=fake", account, container, blobName)
	}
	return urls, nil
}

func (s *fakeStager) DeleteContainer(ctx context.Context, _, _ string) error {
	s.deletes++
	s.cleanupCtx = ctx
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return nil
}

type fakeLocator struct {
	account string
	err     error
}

func (l *fakeLocator) DiagnosticsAccount(context.Context, string, string) (string, error) {
	if l.err != nil {
		return "", l.err
	}
	return l.account, nil
}

var errBoom = errors.New("boom")
