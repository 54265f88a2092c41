package infra

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v7"
)

// Orchestrator drives the deploy, update and teardown flows. Every cloud
// surface it touches is an interface so behavior is testable without a
// subscription; NewOrchestrator wires the Azure-backed implementations.
type Orchestrator struct {
	SubscriptionID string

	Groups   Groups
	Deployer Deployer
	Features FeatureRegistrar
	Granter  *AccessGranter
	Purger   VaultPurger
	Runner   CommandRunner

	Registration RetryPolicy

	Out io.Writer
	In  io.Reader

	scanner *bufio.Scanner
}

// NewOrchestrator wires an orchestrator against a live subscription
func NewOrchestrator(clients *AzureClients, out io.Writer, in io.Reader) *Orchestrator {
	return &Orchestrator{
		SubscriptionID: clients.SubscriptionID,
		Groups:         NewGroups(clients),
		Deployer:       NewDeployer(clients),
		Features:       NewFeatureRegistrar(clients),
		Granter:        NewAccessGranter(NewAuthorizer(clients), NewPrincipalResolver()),
		Purger:         NewVaultPurger(clients),
		Runner:         NewCommandRunner(clients),
		Registration:   FeatureRegistrationPolicy(),
		Out:            out,
		In:             in,
	}
}

// Deploy provisions a new machine or reconciles an existing one. With an
// existing target and no --update flag, the operator chooses between
// update-in-place and delete-and-recreate.
func (o *Orchestrator) Deploy(ctx context.Context, cfg *DeployConfig) error {
	state, err := o.Groups.Get(ctx, cfg.ResourceGroup)
	if err != nil {
		return err
	}

	if state == nil {
		if cfg.Update {
			return fmt.Errorf("resource group %q does not exist; nothing to update", cfg.ResourceGroup)
		}
		return o.create(ctx, cfg)
	}

	fmt.Fprintf(o.Out, "Resource group '%s' exists (%d resources", cfg.ResourceGroup, state.ResourceCount)
	if len(state.VMNames) > 0 {
		fmt.Fprintf(o.Out, ", machines: %s", strings.Join(state.VMNames, ", "))
	}
	fmt.Fprintln(o.Out, ").")

	mode := "update"
	if !cfg.Update {
		if cfg.Yes {
			// non-interactive runs default to the non-destructive choice
			mode = "update"
		} else {
			mode, err = o.chooseDeployMode()
			if err != nil {
				return err
			}
		}
	}

	switch mode {
	case "cancel":
		fmt.Fprintln(o.Out, "Cancelled, nothing changed.")
		return nil
	case "recreate":
		if !cfg.Yes && !o.confirm(fmt.Sprintf("Irreversibly delete resource group '%s' and recreate?", cfg.ResourceGroup)) {
			fmt.Fprintln(o.Out, "Cancelled, nothing changed.")
			return nil
		}
		if cfg.DryRun {
			fmt.Fprintf(o.Out, "Plan:\n  DELETE resource group '%s' and purge its soft-deleted vaults\n", cfg.ResourceGroup)
			return o.create(ctx, cfg)
		}
		if err := o.teardown(ctx, cfg.ResourceGroup); err != nil {
			return err
		}
		return o.create(ctx, cfg)
	default:
		return o.update(ctx, cfg)
	}
}

func (o *Orchestrator) create(ctx context.Context, cfg *DeployConfig) error {
	rules := BuildSecurityRules(cfg.Params.InboundPorts, cfg.AllowSSH, cfg.SSHSourceCIDR)

	if cfg.DryRun {
		fmt.Fprintln(o.Out, "Plan:")
		fmt.Fprintf(o.Out, "  CREATE resource group '%s' in %s\n", cfg.ResourceGroup, cfg.Location)
		if !cfg.NoEncryption {
			fmt.Fprintf(o.Out, "  ENSURE feature %s/%s is registered\n", EncryptionFeatureProvider, EncryptionFeatureName)
		}
		fmt.Fprintf(o.Out, "  RENDER bootstrap configuration for machine '%s'\n", cfg.VMName)
		fmt.Fprintf(o.Out, "  SUBMIT template deployment: machine '%s', size %s, data disk %dGB, public IP %t, encryption %t\n",
			cfg.VMName, cfg.VMSize, cfg.DataDiskGB, !cfg.NoPublicIP, !cfg.NoEncryption)
		fmt.Fprintf(o.Out, "  APPLY inbound rules:\n%s", FormatSecurityRules(rules))
		o.printGrantPlan(cfg)
		fmt.Fprintln(o.Out, "Dry run: no platform calls made.")
		return nil
	}

	steps := 6
	fmt.Fprintf(o.Out, "Step 1/%d: creating resource group '%s' in %s\n", steps, cfg.ResourceGroup, cfg.Location)
	tags := map[string]string{
		TagKeyProject:   cfg.Params.ProjectName,
		TagKeyManagedBy: "vmdeploy",
	}
	if err := o.Groups.Create(ctx, cfg.ResourceGroup, cfg.Location, tags); err != nil {
		return err
	}

	fmt.Fprintf(o.Out, "Step 2/%d: checking encryption feature registration\n", steps)
	if err := o.ensureEncryptionFeature(ctx, cfg); err != nil {
		return err
	}

	fmt.Fprintf(o.Out, "Step 3/%d: rendering bootstrap configuration\n", steps)
	doc, err := LoadBootstrapDoc(cfg.InitFile)
	if err != nil {
		return err
	}
	rendered := RenderBootstrap(doc, BootstrapValues{
		AdminUser:   cfg.AdminUsername,
		ServiceUser: cfg.Params.ServiceUser,
		AlertEmail:  cfg.AlertEmail,
		SudoUsers:   cfg.OperatorIdentities,
	})
	customData := EncodeBootstrap(rendered)

	adminPassword, err := GenerateAdminPassword()
	if err != nil {
		return err
	}

	fmt.Fprintf(o.Out, "Step 4/%d: submitting infrastructure template\n", steps)
	outputs, err := o.submit(ctx, cfg, rules, customData, adminPassword, false)
	if err != nil {
		return err
	}

	fmt.Fprintf(o.Out, "Step 5/%d: waiting for bootstrap to complete\n", steps)
	if _, err := o.Runner.Run(ctx, cfg.ResourceGroup, cfg.VMName, "cloud-init status --wait"); err != nil {
		// the machine is up; a slow bootstrap should not fail the deploy
		slog.Warn("bootstrap confirmation failed", "vmName", cfg.VMName, "error", err)
	}

	fmt.Fprintf(o.Out, "Step 6/%d: granting access\n", steps)
	if err := o.grant(ctx, cfg, outputs); err != nil {
		return err
	}

	o.printSummary(cfg, outputs, adminPassword)
	return nil
}

func (o *Orchestrator) update(ctx context.Context, cfg *DeployConfig) error {
	rules := BuildSecurityRules(cfg.Params.InboundPorts, cfg.AllowSSH, cfg.SSHSourceCIDR)

	fmt.Fprintln(o.Out, "Update in place. Will change: machine size, inbound rules, alert wiring, access grants.")
	fmt.Fprintln(o.Out, "Will NOT change: public address, DNS name, data disk contents, admin credential, bootstrap configuration.")

	if cfg.DryRun {
		fmt.Fprintln(o.Out, "Plan:")
		if !cfg.NoEncryption {
			fmt.Fprintf(o.Out, "  ENSURE feature %s/%s is registered\n", EncryptionFeatureProvider, EncryptionFeatureName)
		}
		fmt.Fprintf(o.Out, "  SUBMIT template deployment (update): machine '%s', size %s\n", cfg.VMName, cfg.VMSize)
		fmt.Fprintf(o.Out, "  APPLY inbound rules:\n%s", FormatSecurityRules(rules))
		o.printGrantPlan(cfg)
		fmt.Fprintln(o.Out, "Dry run: no platform calls made.")
		return nil
	}

	// the encryption toggle is mutable across updates, so the feature
	// precondition applies here just as on creation
	steps := 3
	fmt.Fprintf(o.Out, "Step 1/%d: checking encryption feature registration\n", steps)
	if err := o.ensureEncryptionFeature(ctx, cfg); err != nil {
		return err
	}

	fmt.Fprintf(o.Out, "Step 2/%d: submitting infrastructure template (update)\n", steps)
	outputs, err := o.submit(ctx, cfg, rules, "", "", true)
	if err != nil {
		return err
	}

	fmt.Fprintf(o.Out, "Step 3/%d: granting access\n", steps)
	if err := o.grant(ctx, cfg, outputs); err != nil {
		return err
	}

	o.printSummary(cfg, outputs, "")
	return nil
}

func (o *Orchestrator) submit(ctx context.Context, cfg *DeployConfig, rules []*armnetwork.SecurityRule, customData, adminPassword string, update bool) (*DeploymentOutputs, error) {
	template, err := LoadTemplate(cfg.TemplateFile)
	if err != nil {
		return nil, err
	}
	params, err := BuildDeploymentParameters(cfg, rules, customData, adminPassword, update)
	if err != nil {
		return nil, err
	}
	namer := NewResourceNamer(cfg.VMName)
	return o.Deployer.Submit(ctx, cfg.ResourceGroup, namer.DeploymentName(), template, params)
}

// ensureEncryptionFeature checks the opt-in capability flag the template's
// encryption parameters require, offering to register it when absent.
func (o *Orchestrator) ensureEncryptionFeature(ctx context.Context, cfg *DeployConfig) error {
	if cfg.NoEncryption {
		fmt.Fprintln(o.Out, "  encryption disabled, skipping feature check")
		return nil
	}

	state, err := o.Features.State(ctx, EncryptionFeatureProvider, EncryptionFeatureName)
	if err != nil {
		return err
	}
	if state == FeatureStateRegistered {
		return nil
	}

	fmt.Fprintf(o.Out, "  feature %s/%s is %q, registration required for disk encryption\n",
		EncryptionFeatureProvider, EncryptionFeatureName, state)
	if !cfg.Yes && !o.confirm("Register the feature now? Registration can take several minutes") {
		return fmt.Errorf("encryption feature not registered; rerun with --no-encryption to deploy without it")
	}

	if err := o.Features.Register(ctx, EncryptionFeatureProvider, EncryptionFeatureName); err != nil {
		return err
	}
	fmt.Fprintln(o.Out, "  waiting for feature registration (no timeout; interrupt to abort)")
	return WaitForFeature(ctx, o.Features, o.Registration, EncryptionFeatureProvider, EncryptionFeatureName)
}

func (o *Orchestrator) grant(ctx context.Context, cfg *DeployConfig, outputs *DeploymentOutputs) error {
	if len(cfg.AdminIdentities)+len(cfg.ConsoleIdentities) == 0 {
		return nil
	}
	storageID := fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Storage/storageAccounts/%s",
		o.SubscriptionID, cfg.ResourceGroup, outputs.StorageAccountName)
	return o.Granter.Grant(ctx, AccessRequest{
		SubscriptionID:    o.SubscriptionID,
		VMName:            cfg.VMName,
		VMID:              outputs.VMResourceID,
		StorageID:         storageID,
		AdminIdentities:   cfg.AdminIdentities,
		ConsoleIdentities: cfg.ConsoleIdentities,
		RoleFile:          cfg.RoleFile,
	})
}

func (o *Orchestrator) printGrantPlan(cfg *DeployConfig) {
	for _, identity := range cfg.AdminIdentities {
		fmt.Fprintf(o.Out, "  GRANT administrator login to %s\n", identity)
	}
	for _, identity := range cfg.ConsoleIdentities {
		fmt.Fprintf(o.Out, "  GRANT serial console access to %s\n", identity)
	}
}

func (o *Orchestrator) printSummary(cfg *DeployConfig, outputs *DeploymentOutputs, adminPassword string) {
	fmt.Fprintln(o.Out, "\nDeployment complete.")
	fmt.Fprintf(o.Out, "  machine:         %s\n", outputs.VMResourceID)
	if outputs.HasPublicIP {
		fmt.Fprintf(o.Out, "  public address:  %s\n", outputs.PublicIPAddress)
		fmt.Fprintf(o.Out, "  dns name:        %s\n", outputs.FQDN)
	} else {
		fmt.Fprintln(o.Out, "  public address:  none (private only)")
	}
	fmt.Fprintf(o.Out, "  private address: %s\n", outputs.PrivateIPAddress)
	fmt.Fprintf(o.Out, "  diagnostics:     %s\n", outputs.StorageAccountName)
	if outputs.KeyVaultName != "" {
		fmt.Fprintf(o.Out, "  key vault:       %s\n", outputs.KeyVaultName)
		fmt.Fprintf(o.Out, "  encryption set:  %s\n", outputs.DiskEncryptionSetName)
	}
	fmt.Fprintf(o.Out, "  serial console:  %s\n", outputs.SerialConsoleLink)
	fmt.Fprintf(o.Out, "  aad login:       %s\n", outputs.AADLoginLink)
	if cfg.Params.ServicePorts != "" {
		fmt.Fprintf(o.Out, "  service ports:   %s\n", cfg.Params.ServicePorts)
	}
	if adminPassword != "" {
		fmt.Fprintf(o.Out, "  admin user:      %s\n", cfg.AdminUsername)
		fmt.Fprintf(o.Out, "  admin password:  %s (store it now; it is not kept anywhere)\n", adminPassword)
	}
}

// Destroy tears down the deployment target. Absent target is a no-op
// success, never an error.
func (o *Orchestrator) Destroy(ctx context.Context, cfg *DeployConfig) error {
	state, err := o.Groups.Get(ctx, cfg.ResourceGroup)
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Fprintf(o.Out, "Resource group '%s' does not exist, nothing to destroy.\n", cfg.ResourceGroup)
		return nil
	}

	fmt.Fprintf(o.Out, "Resource group '%s' contains %d resources", cfg.ResourceGroup, state.ResourceCount)
	if len(state.VMNames) > 0 {
		fmt.Fprintf(o.Out, " (machines: %s)", strings.Join(state.VMNames, ", "))
	}
	fmt.Fprintln(o.Out, ".")

	if cfg.DryRun {
		fmt.Fprintf(o.Out, "Plan:\n  DELETE resource group '%s'\n  PURGE soft-deleted key vaults from the group\n", cfg.ResourceGroup)
		fmt.Fprintln(o.Out, "Dry run: no platform calls made.")
		return nil
	}

	if !cfg.Yes && !o.confirm(fmt.Sprintf("Irreversibly delete resource group '%s' and everything in it?", cfg.ResourceGroup)) {
		fmt.Fprintln(o.Out, "Cancelled, nothing deleted.")
		return nil
	}
	return o.teardown(ctx, cfg.ResourceGroup)
}

// teardown deletes the group, then purges any soft-deleted vaults that
// lived in it so the same name can be redeployed.
func (o *Orchestrator) teardown(ctx context.Context, resourceGroup string) error {
	fmt.Fprintf(o.Out, "Deleting resource group '%s' (this may take a while)\n", resourceGroup)
	if err := o.Groups.Delete(ctx, resourceGroup); err != nil {
		return err
	}

	vaults, err := o.Purger.ListDeleted(ctx)
	if err != nil {
		slog.Warn("could not list soft-deleted vaults; a reserved vault name may block redeploy", "error", err)
		return nil
	}
	for _, vault := range vaults {
		if !strings.EqualFold(vault.ResourceGroup, resourceGroup) {
			continue
		}
		fmt.Fprintf(o.Out, "Purging soft-deleted key vault '%s'\n", vault.Name)
		if err := o.Purger.Purge(ctx, vault.Name, vault.Location); err != nil {
			slog.Warn("vault purge failed; purge it manually before redeploying the same name", "vault", vault.Name, "error", err)
		}
	}
	fmt.Fprintf(o.Out, "Resource group '%s' destroyed.\n", resourceGroup)
	return nil
}

// readLine shares one scanner across prompts so buffered input survives
// from one prompt to the next.
func (o *Orchestrator) readLine() (string, bool) {
	if o.scanner == nil {
		o.scanner = bufio.NewScanner(o.In)
	}
	if !o.scanner.Scan() {
		return "", false
	}
	return strings.ToLower(strings.TrimSpace(o.scanner.Text())), true
}

func (o *Orchestrator) chooseDeployMode() (string, error) {
	fmt.Fprint(o.Out, "Choose: [u]pdate in place, [r]ecreate from scratch, [c]ancel (default u): ")
	line, ok := o.readLine()
	if !ok {
		return "cancel", nil
	}
	switch line {
	case "", "u", "update":
		return "update", nil
	case "r", "recreate":
		return "recreate", nil
	case "c", "cancel":
		return "cancel", nil
	default:
		return "", fmt.Errorf("unrecognized choice %q", line)
	}
}

func (o *Orchestrator) confirm(prompt string) bool {
	fmt.Fprintf(o.Out, "%s [y/N]: ", prompt)
	line, ok := o.readLine()
	if !ok {
		return false
	}
	return line == "y" || line == "yes"
}
