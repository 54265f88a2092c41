package infra

import (
	"context"
	"fmt"
	"strings"
)

// DeletedVault is a soft-deleted key-vault-class resource. The platform
// reserves its name until purged, which would block a same-named redeploy.
type DeletedVault struct {
	Name          string
	Location      string
	ResourceGroup string
}

// VaultPurger lists and purges soft-deleted vaults
type VaultPurger interface {
	ListDeleted(ctx context.Context) ([]DeletedVault, error)
	Purge(ctx context.Context, name, location string) error
}

type azureVaultPurger struct {
	clients *AzureClients
}

// NewVaultPurger returns the Azure-backed soft-delete surface
func NewVaultPurger(clients *AzureClients) VaultPurger {
	return &azureVaultPurger{clients: clients}
}

func (p *azureVaultPurger) ListDeleted(ctx context.Context) ([]DeletedVault, error) {
	var vaults []DeletedVault
	pager := p.clients.VaultsClient.NewListDeletedPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing soft-deleted vaults: %w", err)
		}
		for _, vault := range page.Value {
			if vault.Name == nil || vault.Properties == nil {
				continue
			}
			deleted := DeletedVault{Name: *vault.Name}
			if vault.Properties.Location != nil {
				deleted.Location = *vault.Properties.Location
			}
			if vault.Properties.VaultID != nil {
				deleted.ResourceGroup = resourceGroupFromID(*vault.Properties.VaultID)
			}
			vaults = append(vaults, deleted)
		}
	}
	return vaults, nil
}

func (p *azureVaultPurger) Purge(ctx context.Context, name, location string) error {
	poller, err := p.clients.VaultsClient.BeginPurgeDeleted(ctx, name, location, nil)
	if err != nil {
		return fmt.Errorf("starting purge of vault %s: %w", name, err)
	}
	if _, err := poller.PollUntilDone(ctx, &DefaultPollOptions); err != nil {
		return fmt.Errorf("purging vault %s: %w", name, err)
	}
	return nil
}

// resourceGroupFromID extracts the resource group segment of a fully
// qualified resource identifier.
func resourceGroupFromID(resourceID string) string {
	parts := strings.Split(resourceID, "/")
	for i := 0; i < len(parts)-1; i++ {
		if strings.EqualFold(parts[i], "resourceGroups") {
			return parts[i+1]
		}
	}
	return ""
}
