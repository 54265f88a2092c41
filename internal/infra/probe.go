package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
)

// GroupState summarizes an existing deployment target. A nil *GroupState
// from a probe means the target does not exist.
type GroupState struct {
	Name          string
	Location      string
	Tags          map[string]string
	ResourceCount int
	VMNames       []string
}

// Groups is the surface the deploy and teardown orchestrators need from the
// resource group API.
type Groups interface {
	// Get returns nil (not an error) when the group does not exist
	Get(ctx context.Context, name string) (*GroupState, error)
	Create(ctx context.Context, name, location string, tags map[string]string) error
	Delete(ctx context.Context, name string) error
}

type azureGroups struct {
	clients *AzureClients
}

// NewGroups returns the Azure-backed resource group surface
func NewGroups(clients *AzureClients) Groups {
	return &azureGroups{clients: clients}
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func (g *azureGroups) Get(ctx context.Context, name string) (*GroupState, error) {
	group, err := g.clients.GroupsClient.Get(ctx, name, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("probing resource group %s: %w", name, err)
	}

	state := &GroupState{
		Name: name,
		Tags: make(map[string]string),
	}
	if group.Location != nil {
		state.Location = *group.Location
	}
	for key, value := range group.Tags {
		if value != nil {
			state.Tags[key] = *value
		}
	}

	// summarize group contents for operator narration
	pager := g.clients.ResourcesClient.NewListByResourceGroupPager(name, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing resources in group %s: %w", name, err)
		}
		for _, resource := range page.Value {
			state.ResourceCount++
			if resource.Type != nil && strings.EqualFold(*resource.Type, "Microsoft.Compute/virtualMachines") && resource.Name != nil {
				state.VMNames = append(state.VMNames, *resource.Name)
			}
		}
	}
	return state, nil
}

func (g *azureGroups) Create(ctx context.Context, name, location string, tags map[string]string) error {
	groupTags := make(map[string]*string, len(tags))
	for key, value := range tags {
		groupTags[key] = to.Ptr(value)
	}
	_, err := g.clients.GroupsClient.CreateOrUpdate(ctx, name, armresources.ResourceGroup{
		Location: to.Ptr(location),
		Tags:     groupTags,
	}, nil)
	if err != nil {
		return fmt.Errorf("creating resource group %s: %w", name, err)
	}
	return nil
}

func (g *azureGroups) Delete(ctx context.Context, name string) error {
	poller, err := g.clients.GroupsClient.BeginDelete(ctx, name, nil)
	if err != nil {
		return fmt.Errorf("starting resource group deletion: %w", err)
	}
	if _, err := poller.PollUntilDone(ctx, &DefaultPollOptions); err != nil {
		return fmt.Errorf("deleting resource group %s: %w", name, err)
	}
	return nil
}
