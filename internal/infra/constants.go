package infra

import (
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
)

// Deployment defaults
const (
	DefaultLocation   = "eastus"
	DefaultVMSize     = "Standard_B2s"
	DefaultDataDiskGB = 64
	DefaultAdminUser  = "azureuser"
)

// Parameter file defaults
const (
	DefaultServiceUser = "appuser"
	DefaultProjectName = "vm"
)

// Inbound rule constraints. Azure reserves priorities below 100 and above
// 4096; the SSH rule takes a fixed slot so user rules stay below it.
const (
	MinRulePriority = 100
	MaxRulePriority = 4000
	SSHRulePriority = 4010
)

// Built-in role definition IDs (GUIDs are fixed across all tenants)
const (
	AdminLoginRoleID = "1c0163c0-47e6-4577-8991-ea5c82e286e4" // Virtual Machine Administrator Login
)

// Encryption-at-host must be registered on the subscription before the
// template's encryption parameters are accepted.
const (
	EncryptionFeatureProvider = "Microsoft.Compute"
	EncryptionFeatureName     = "EncryptionAtHost"
	FeatureStateRegistered    = "Registered"
)

// Tag keys applied to the resource group
const (
	TagKeyProject   = "vmdeploy:project"
	TagKeyManagedBy = "vmdeploy:managedby"
)

// Transfer configuration
const (
	// QuickTransferMaxBytes bounds the inline variant; Run Command rejects
	// oversized script payloads.
	QuickTransferMaxBytes = 32 * 1024

	// TransferSASValidity is the lifetime of the per-blob download tokens
	TransferSASValidity = time.Hour
)

// Default polling options for Azure long-running operations
var DefaultPollOptions = runtime.PollUntilDoneOptions{
	Frequency: 2 * time.Second,
}
