package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/princeton-orfe/vmdeploy/internal/infra"
)

var (
	resourceGroup string
	vmName        string
	paramsFile    string
	rawPairs      []string
	quick         bool
	dryRun        bool
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "vmtransfer",
	Short: "Copy local files onto a deployed machine",
	Long: `vmtransfer stages local files in a temporary storage container and
instructs the machine to fetch them over identity-scoped links. The
container is deleted when the transfer finishes, succeeds or not.
--quick sends a single small file inline, with no staging container.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&resourceGroup, "resource-group", "g", "", "resource group holding the machine (required)")
	flags.StringVarP(&vmName, "name", "n", "", "machine name (required)")
	flags.StringVar(&paramsFile, "params-file", "", "project parameters file (service user)")
	flags.StringSliceVarP(&rawPairs, "file", "f", nil, "local:remote transfer pair (repeatable)")
	flags.BoolVar(&quick, "quick", false, "inline a single small file instead of staging")
	flags.BoolVar(&dryRun, "dry-run", false, "print the plan without making platform calls")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	_ = rootCmd.MarkFlagRequired("resource-group")
	_ = rootCmd.MarkFlagRequired("name")
}

func parsePairs(raw []string) ([]infra.TransferPair, error) {
	pairs := make([]infra.TransferPair, 0, len(raw))
	for _, entry := range raw {
		local, remote, ok := strings.Cut(entry, ":")
		if !ok || local == "" || remote == "" {
			return nil, fmt.Errorf("transfer pair %q must be local:remote", entry)
		}
		pairs = append(pairs, infra.TransferPair{Local: local, Remote: remote})
	}
	return pairs, nil
}

func run(ctx context.Context) error {
	infra.SetDefaultLogger(verbose)

	pairs, err := parsePairs(rawPairs)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return fmt.Errorf("at least one --file local:remote pair is required")
	}

	params, err := infra.LoadParams(paramsFile)
	if err != nil {
		return err
	}

	clients, err := infra.NewAzureClients(ctx)
	if err != nil {
		return err
	}
	transferer := &infra.Transferer{
		Locator: infra.NewStorageLocator(clients),
		Stager:  infra.NewStager(clients),
		Runner:  infra.NewCommandRunner(clients),
		Out:     os.Stdout,
	}

	cfg := infra.TransferConfig{
		ResourceGroup: resourceGroup,
		VMName:        vmName,
		ServiceUser:   params.ServiceUser,
		Pairs:         pairs,
		DryRun:        dryRun,
	}
	if quick {
		return transferer.Quick(ctx, cfg)
	}
	return transferer.Run(ctx, cfg)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		infra.FatalOnError(err, "transfer failed")
	}
}
