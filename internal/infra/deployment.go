package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
)

// Deployer submits one declarative template to the platform's deployment
// engine. Failures carry the platform's own diagnostic verbatim; no rollback
// is attempted, a failed deployment leaves the group for the operator (or
// teardown) to resolve.
type Deployer interface {
	Submit(ctx context.Context, resourceGroup, deploymentName string, template map[string]any, params DeploymentParameters) (*DeploymentOutputs, error)
}

// FeatureRegistrar checks and registers subscription-level opt-in
// capability flags.
type FeatureRegistrar interface {
	State(ctx context.Context, provider, feature string) (string, error)
	Register(ctx context.Context, provider, feature string) error
}

type azureDeployer struct {
	clients *AzureClients
}

// NewDeployer returns the Azure-backed deployment engine surface
func NewDeployer(clients *AzureClients) Deployer {
	return &azureDeployer{clients: clients}
}

func (d *azureDeployer) Submit(ctx context.Context, resourceGroup, deploymentName string, template map[string]any, params DeploymentParameters) (*DeploymentOutputs, error) {
	slog.Info("submitting deployment", "resourceGroup", resourceGroup, "deployment", deploymentName)

	poller, err := d.clients.DeploymentsClient.BeginCreateOrUpdate(ctx, resourceGroup, deploymentName, armresources.Deployment{
		Properties: &armresources.DeploymentProperties{
			Mode:       to.Ptr(armresources.DeploymentModeIncremental),
			Template:   template,
			Parameters: params,
		},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("submitting deployment: %w", err)
	}

	result, err := poller.PollUntilDone(ctx, &DefaultPollOptions)
	if err != nil {
		return nil, fmt.Errorf("deployment failed: %w", err)
	}
	if result.Properties == nil {
		return nil, fmt.Errorf("deployment %s: deployment returned no outputs", deploymentName)
	}

	outputs, err := ParseDeploymentOutputs(result.Properties.Outputs)
	if err != nil {
		return nil, fmt.Errorf("deployment %s: %w", deploymentName, err)
	}
	slog.Info("deployment completed", "deployment", deploymentName, "vm", outputs.VMResourceID)
	return outputs, nil
}

type azureFeatures struct {
	clients *AzureClients
}

// NewFeatureRegistrar returns the Azure-backed feature flag surface
func NewFeatureRegistrar(clients *AzureClients) FeatureRegistrar {
	return &azureFeatures{clients: clients}
}

func (f *azureFeatures) State(ctx context.Context, provider, feature string) (string, error) {
	result, err := f.clients.FeaturesClient.Get(ctx, provider, feature, nil)
	if err != nil {
		return "", fmt.Errorf("reading feature %s/%s: %w", provider, feature, err)
	}
	if result.Properties == nil || result.Properties.State == nil {
		return "", nil
	}
	return *result.Properties.State, nil
}

func (f *azureFeatures) Register(ctx context.Context, provider, feature string) error {
	if _, err := f.clients.FeaturesClient.Register(ctx, provider, feature, nil); err != nil {
		return fmt.Errorf("registering feature %s/%s: %w", provider, feature, err)
	}
	return nil
}

// WaitForFeature polls until the feature reports the registered state.
// The policy has no attempt cap; only context cancellation stops the loop.
func WaitForFeature(ctx context.Context, features FeatureRegistrar, policy RetryPolicy, provider, feature string) error {
	return policy.Do(ctx, fmt.Sprintf("feature %s/%s registration", provider, feature), func(ctx context.Context) error {
		state, err := features.State(ctx, provider, feature)
		if err != nil {
			return err
		}
		if state != FeatureStateRegistered {
			return fmt.Errorf("feature state is %q", state)
		}
		return nil
	})
}
