package infra

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/keyvault/armkeyvault"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armfeatures"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
)

// FatalOnError logs the error and exits. Only used from main-adjacent glue.
func FatalOnError(err error, message string) {
	if err != nil {
		slog.Error(message, "error", err)
		os.Exit(1)
	}
}

// AzureClients holds all the Azure SDK clients needed for the application
type AzureClients struct {
	Cred           azcore.TokenCredential
	SubscriptionID string

	GroupsClient      *armresources.ResourceGroupsClient
	ResourcesClient   *armresources.Client
	DeploymentsClient *armresources.DeploymentsClient
	FeaturesClient    *armfeatures.Client
	RoleDefsClient    *armauthorization.RoleDefinitionsClient
	RoleClient        *armauthorization.RoleAssignmentsClient
	ComputeClient     *armcompute.VirtualMachinesClient
	StorageClient     *armstorage.AccountsClient
	VaultsClient      *armkeyvault.VaultsClient
}

// discoverSubscriptionID finds the first subscription visible to the
// credential. Retried briefly because a freshly granted identity may not see
// its subscription immediately.
func discoverSubscriptionID(ctx context.Context, cred azcore.TokenCredential) (string, error) {
	var subscriptionID string
	policy := RetryPolicy{MaxAttempts: 5, Backoff: FixedBackoff(3 * time.Second)}
	err := policy.Do(ctx, "discover subscription", func(ctx context.Context) error {
		client, err := armsubscriptions.NewClient(cred, nil)
		if err != nil {
			return err
		}
		page, err := client.NewListPager(nil).NextPage(ctx)
		if err != nil {
			return err
		}
		if len(page.Value) == 0 {
			return fmt.Errorf("no subscriptions visible to this credential")
		}
		subscriptionID = *page.Value[0].SubscriptionID
		return nil
	})
	return subscriptionID, err
}

// NewAzureClients creates all Azure clients from the operator's CLI
// credential, discovering the subscription from the credential itself
func NewAzureClients(ctx context.Context) (*AzureClients, error) {
	cred, err := azidentity.NewAzureCLICredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure CLI credential: %w", err)
	}

	subscriptionID, err := discoverSubscriptionID(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("discovering subscription: %w", err)
	}

	clients := &AzureClients{
		Cred:           cred,
		SubscriptionID: subscriptionID,
	}

	clients.GroupsClient, err = armresources.NewResourceGroupsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating resource groups client: %w", err)
	}

	clients.ResourcesClient, err = armresources.NewClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating resources client: %w", err)
	}

	clients.DeploymentsClient, err = armresources.NewDeploymentsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating deployments client: %w", err)
	}

	clients.FeaturesClient, err = armfeatures.NewClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating features client: %w", err)
	}

	clients.RoleDefsClient, err = armauthorization.NewRoleDefinitionsClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating role definitions client: %w", err)
	}

	clients.RoleClient, err = armauthorization.NewRoleAssignmentsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating role assignments client: %w", err)
	}

	clients.ComputeClient, err = armcompute.NewVirtualMachinesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating compute client: %w", err)
	}

	clients.StorageClient, err = armstorage.NewAccountsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating storage accounts client: %w", err)
	}

	clients.VaultsClient, err = armkeyvault.NewVaultsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating key vaults client: %w", err)
	}

	return clients, nil
}
