package infra

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResourceNamer derives the names of resources that belong to one machine.
// Everything not generated by the deployment template itself is named
// deterministically from the machine name so that repeat runs find the same
// resources.
type ResourceNamer struct {
	vmName string
}

func NewResourceNamer(vmName string) *ResourceNamer {
	return &ResourceNamer{vmName: vmName}
}

// SerialConsoleRoleName returns the deterministic name of the per-machine
// custom role. At most one definition with this name may exist.
func (r *ResourceNamer) SerialConsoleRoleName() string {
	return "Serial Console User - " + r.vmName
}

// RoleDefinitionID returns a stable GUID for the custom role definition,
// derived from the role name so that re-creation attempts collide with the
// existing definition instead of duplicating it.
func (r *ResourceNamer) RoleDefinitionID() string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(r.SerialConsoleRoleName())).String()
}

// DeploymentName returns a unique name for one template submission
func (r *ResourceNamer) DeploymentName() string {
	return fmt.Sprintf("%s-%d", r.vmName, time.Now().Unix())
}

// TransferContainerName returns a fresh unique name for a staging container
func (r *ResourceNamer) TransferContainerName() string {
	return "transfer-" + uuid.New().String()
}

// DNSLabel returns a DNS-safe label for the machine's public address.
// Labels must be lowercase alphanumeric with interior hyphens.
func (r *ResourceNamer) DNSLabel() string {
	label := strings.ToLower(r.vmName)
	cleaned := make([]rune, 0, len(label))
	for _, char := range label {
		isLower := char >= 'a' && char <= 'z'
		isDigit := char >= '0' && char <= '9'
		if isLower || isDigit || char == '-' {
			cleaned = append(cleaned, char)
		}
	}
	label = strings.Trim(string(cleaned), "-")
	if len(label) > 63 {
		label = label[:63]
	}
	return label
}
