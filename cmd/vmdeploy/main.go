package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/princeton-orfe/vmdeploy/internal/infra"
)

var cfg infra.DeployConfig

var rootCmd = &cobra.Command{
	Use:   "vmdeploy",
	Short: "Provision, update and tear down a single Linux machine on Azure",
	Long: `vmdeploy provisions one Linux machine with locked-down inbound rules,
identity-based console access, metric alerts and optional disk encryption.
Rerun against an existing resource group to update in place or recreate;
use --destroy to tear everything down.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cfg.ResourceGroup, "resource-group", "g", "", "resource group to deploy into (required)")
	flags.StringVarP(&cfg.VMName, "name", "n", "", "machine name (required for deploy)")
	flags.StringVarP(&cfg.AlertEmail, "email", "e", "", "notification address for metric alerts")
	flags.StringVarP(&cfg.Location, "location", "l", infra.DefaultLocation, "region to deploy into")
	flags.StringVar(&cfg.VMSize, "size", infra.DefaultVMSize, "machine size")
	flags.IntVar(&cfg.DataDiskGB, "disk-size", infra.DefaultDataDiskGB, "data disk size in GB")
	flags.StringVar(&cfg.AdminUsername, "admin-user", infra.DefaultAdminUser, "local administrator account name")
	flags.StringSliceVar(&cfg.AdminIdentities, "admins", nil, "identities granted administrator login (repeatable)")
	flags.StringSliceVar(&cfg.ConsoleIdentities, "users", nil, "identities granted serial console access (repeatable)")
	flags.StringSliceVar(&cfg.OperatorIdentities, "operators", nil, "identities written into the bootstrap sudo list (repeatable)")
	flags.BoolVar(&cfg.AllowSSH, "allow-ssh", false, "open network-level SSH from --ssh-source")
	flags.StringVar(&cfg.SSHSourceCIDR, "ssh-source", "*", "source range for the SSH rule when --allow-ssh is set")
	flags.BoolVar(&cfg.DryRun, "dry-run", false, "print the plan without making platform calls")
	flags.BoolVar(&cfg.Destroy, "destroy", false, "delete the resource group and purge its soft-deleted vaults")
	flags.BoolVar(&cfg.Update, "update", false, "update the existing deployment in place without prompting")
	flags.BoolVarP(&cfg.Yes, "yes", "y", false, "assume yes on every confirmation prompt")
	flags.BoolVar(&cfg.NoPublicIP, "no-public-ip", false, "deploy without a public address")
	flags.BoolVar(&cfg.NoEncryption, "no-encryption", false, "skip host and disk encryption")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "debug logging")
	flags.StringVar(&cfg.TemplateFile, "template-file", "", "override the embedded infrastructure template")
	flags.StringVar(&cfg.InitFile, "init-file", "", "override the embedded bootstrap document")
	flags.StringVar(&cfg.ParamsFile, "params-file", "", "project parameters file (ports, users)")
	flags.StringVar(&cfg.RoleFile, "role-file", "", "override the generated serial console role definition")
	_ = rootCmd.MarkFlagRequired("resource-group")
}

func run(ctx context.Context) error {
	infra.SetDefaultLogger(cfg.Verbose)

	params, err := infra.LoadParams(cfg.ParamsFile)
	if err != nil {
		return err
	}
	cfg.Params = params
	if err := cfg.Validate(); err != nil {
		return err
	}

	clients, err := infra.NewAzureClients(ctx)
	if err != nil {
		return err
	}
	orch := infra.NewOrchestrator(clients, os.Stdout, os.Stdin)

	if cfg.Destroy {
		return orch.Destroy(ctx, &cfg)
	}
	return orch.Deploy(ctx, &cfg)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		infra.FatalOnError(err, "deploy failed")
	}
}
