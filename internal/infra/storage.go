package infra

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
)

type azureStager struct {
	clients *AzureClients
	blob    map[string]*azblob.Client
}

// NewStager returns the Azure-backed staging surface. Data-plane access
// uses the operator's credential directly; no account keys are read.
func NewStager(clients *AzureClients) Stager {
	return &azureStager{clients: clients, blob: make(map[string]*azblob.Client)}
}

func accountServiceURL(account string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net", account)
}

func (s *azureStager) client(account string) (*azblob.Client, error) {
	if client, ok := s.blob[account]; ok {
		return client, nil
	}
	client, err := azblob.NewClient(accountServiceURL(account), s.clients.Cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client for %s: %w", account, err)
	}
	s.blob[account] = client
	return client, nil
}

func (s *azureStager) CreateContainer(ctx context.Context, account, container string) error {
	client, err := s.client(account)
	if err != nil {
		return err
	}
	if _, err := client.CreateContainer(ctx, container, nil); err != nil {
		return fmt.Errorf("creating container %s: %w", container, err)
	}
	return nil
}

func (s *azureStager) Upload(ctx context.Context, account, container, blobName, localPath string) error {
	client, err := s.client(account)
	if err != nil {
		return err
	}
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer file.Close()

	if _, err := client.UploadFile(ctx, container, blobName, file, nil); err != nil {
		return fmt.Errorf("uploading %s: %w", blobName, err)
	}
	return nil
}

// SignBlobs mints short-lived read-only tokens for the staged blobs. One
// user delegation key, tied to the operator's identity, is requested per
// call and signs every blob in the batch.
func (s *azureStager) SignBlobs(ctx context.Context, account, container string, blobNames []string, expiry time.Time) (map[string]string, error) {
	client, err := s.client(account)
	if err != nil {
		return nil, err
	}

	start := time.Now().Add(-5 * time.Minute) // clock skew allowance
	delegationKey, err := client.ServiceClient().GetUserDelegationCredential(ctx, service.KeyInfo{
		Start:  to.Ptr(start.UTC().Format(sas.TimeFormat)),
		Expiry: to.Ptr(expiry.UTC().Format(sas.TimeFormat)),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("obtaining user delegation key: %w", err)
	}

	urls := make(map[string]string, len(blobNames))
	for _, blobName := range blobNames {
		values := sas.BlobSignatureValues{
			Protocol:      sas.ProtocolHTTPS,
			StartTime:     start.UTC(),
			ExpiryTime:    expiry.UTC(),
			Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
			ContainerName: container,
			BlobName:      blobName,
		}
		query, err := values.SignWithUserDelegation(delegationKey)
		if err != nil {
			return nil, fmt.Errorf("signing download token for %s: %w", blobName, err)
		}
		urls[blobName] = fmt.Sprintf("%s/%s/%s?%s", accountServiceURL(account), container, blobName, query.Encode())
	}
	return urls, nil
}

func (s *azureStager) DeleteContainer(ctx context.Context, account, container string) error {
	client, err := s.client(account)
	if err != nil {
		return err
	}
	if _, err := client.DeleteContainer(ctx, container, nil); err != nil {
		return fmt.Errorf("deleting container %s: %w", container, err)
	}
	return nil
}

type azureRunner struct {
	clients *AzureClients
}

// NewCommandRunner returns the Run Command surface of the compute platform
func NewCommandRunner(clients *AzureClients) CommandRunner {
	return &azureRunner{clients: clients}
}

func (r *azureRunner) Run(ctx context.Context, resourceGroup, vmName, script string) (string, error) {
	lines := make([]*string, 0)
	for _, line := range strings.Split(script, "\n") {
		lines = append(lines, to.Ptr(line))
	}

	poller, err := r.clients.ComputeClient.BeginRunCommand(ctx, resourceGroup, vmName, armcompute.RunCommandInput{
		CommandID: to.Ptr("RunShellScript"),
		Script:    lines,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("starting run command on %s: %w", vmName, err)
	}
	result, err := poller.PollUntilDone(ctx, &DefaultPollOptions)
	if err != nil {
		return "", fmt.Errorf("run command on %s: %w", vmName, err)
	}

	var output strings.Builder
	for _, status := range result.Value {
		if status.Message != nil {
			output.WriteString(*status.Message)
		}
	}
	return output.String(), nil
}

type azureStorageLocator struct {
	clients *AzureClients
}

// NewStorageLocator finds the diagnostics account through the machine's
// boot diagnostics configuration.
func NewStorageLocator(clients *AzureClients) StorageLocator {
	return &azureStorageLocator{clients: clients}
}

func (l *azureStorageLocator) DiagnosticsAccount(ctx context.Context, resourceGroup, vmName string) (string, error) {
	vm, err := l.clients.ComputeClient.Get(ctx, resourceGroup, vmName, nil)
	if err != nil {
		return "", fmt.Errorf("reading machine %s: %w", vmName, err)
	}
	if vm.Properties == nil || vm.Properties.DiagnosticsProfile == nil ||
		vm.Properties.DiagnosticsProfile.BootDiagnostics == nil ||
		vm.Properties.DiagnosticsProfile.BootDiagnostics.StorageURI == nil {
		return l.diagAccountInGroup(ctx, resourceGroup)
	}

	// https://<account>.blob.core.windows.net/
	uri := *vm.Properties.DiagnosticsProfile.BootDiagnostics.StorageURI
	host := strings.TrimPrefix(uri, "https://")
	account, _, found := strings.Cut(host, ".")
	if !found || account == "" {
		return "", fmt.Errorf("cannot parse storage account from %q", uri)
	}
	return account, nil
}

// diagAccountInGroup falls back to the deployment's naming convention when
// the machine carries no boot diagnostics URI (managed-storage diagnostics
// omit it).
func (l *azureStorageLocator) diagAccountInGroup(ctx context.Context, resourceGroup string) (string, error) {
	pager := l.clients.StorageClient.NewListByResourceGroupPager(resourceGroup, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("listing storage accounts in %s: %w", resourceGroup, err)
		}
		for _, acct := range page.Value {
			if acct.Name != nil && strings.HasPrefix(*acct.Name, "diag") {
				return *acct.Name, nil
			}
		}
	}
	return "", fmt.Errorf("no diagnostics storage account found in %s", resourceGroup)
}
