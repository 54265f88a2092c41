package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"
	"github.com/google/uuid"
)

// RoleDefinition is a typed custom role payload. The same shape is accepted
// from a caller-supplied role file; Name and AssignableScopes are rewritten
// to the machine at hand before submission.
type RoleDefinition struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Actions          []string `json:"actions"`
	DataActions      []string `json:"dataActions"`
	NotActions       []string `json:"notActions"`
	AssignableScopes []string `json:"assignableScopes"`
}

// DefaultConsoleRole is the built-in least-privilege role: enough to open
// the machine's serial console and read its boot diagnostics, nothing more.
func DefaultConsoleRole(roleName, vmID, storageID string) RoleDefinition {
	return RoleDefinition{
		Name:        roleName,
		Description: "Serial console access to a single machine and its diagnostics storage",
		Actions: []string{
			"Microsoft.Compute/virtualMachines/read",
			"Microsoft.Compute/virtualMachines/retrieveBootDiagnosticsData/action",
			"Microsoft.Storage/storageAccounts/read",
			"Microsoft.Resources/subscriptions/resourceGroups/read",
		},
		DataActions: []string{
			"Microsoft.SerialConsole/serialPorts/connect/action",
		},
		AssignableScopes: []string{vmID, storageID},
	}
}

// LoadConsoleRole returns the role definition to create: the file at path
// with name and scopes rewritten, or the built-in default when no file is
// supplied.
func LoadConsoleRole(path, roleName, vmID, storageID string) (RoleDefinition, error) {
	if path == "" {
		return DefaultConsoleRole(roleName, vmID, storageID), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RoleDefinition{}, fmt.Errorf("reading role definition file: %w", err)
	}
	var role RoleDefinition
	if err := json.Unmarshal(data, &role); err != nil {
		return RoleDefinition{}, fmt.Errorf("parsing role definition file %s: %w", path, err)
	}
	role.Name = roleName
	role.AssignableScopes = []string{vmID, storageID}
	return role, nil
}

// Authorizer is the surface the grant orchestrator needs from the identity
// platform.
type Authorizer interface {
	RoleDefinitionExists(ctx context.Context, scope, roleName string) (bool, error)
	CreateRoleDefinition(ctx context.Context, scope, roleID string, def RoleDefinition) error
	CreateAssignment(ctx context.Context, scope, principalID, roleDefinitionID string) error
}

// ErrAssignmentExists marks an already-existing identical assignment;
// callers treat it as success.
var ErrAssignmentExists = errors.New("role assignment already exists")

type azureAuthorizer struct {
	clients *AzureClients
}

// NewAuthorizer returns the Azure-backed identity platform surface
func NewAuthorizer(clients *AzureClients) Authorizer {
	return &azureAuthorizer{clients: clients}
}

func (a *azureAuthorizer) RoleDefinitionExists(ctx context.Context, scope, roleName string) (bool, error) {
	filter := fmt.Sprintf("roleName eq '%s'", roleName)
	pager := a.clients.RoleDefsClient.NewListPager(scope, &armauthorization.RoleDefinitionsClientListOptions{
		Filter: to.Ptr(filter),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return false, fmt.Errorf("listing role definitions: %w", err)
		}
		for _, def := range page.Value {
			if def.Properties != nil && def.Properties.RoleName != nil && *def.Properties.RoleName == roleName {
				return true, nil
			}
		}
	}
	return false, nil
}

func (a *azureAuthorizer) CreateRoleDefinition(ctx context.Context, scope, roleID string, def RoleDefinition) error {
	scopes := make([]*string, 0, len(def.AssignableScopes))
	for _, s := range def.AssignableScopes {
		scopes = append(scopes, to.Ptr(s))
	}
	permission := &armauthorization.Permission{
		Actions:     toPtrSlice(def.Actions),
		DataActions: toPtrSlice(def.DataActions),
		NotActions:  toPtrSlice(def.NotActions),
	}

	_, err := a.clients.RoleDefsClient.CreateOrUpdate(ctx, scope, roleID, armauthorization.RoleDefinition{
		Properties: &armauthorization.RoleDefinitionProperties{
			RoleName:         to.Ptr(def.Name),
			Description:      to.Ptr(def.Description),
			RoleType:         to.Ptr("CustomRole"),
			Permissions:      []*armauthorization.Permission{permission},
			AssignableScopes: scopes,
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("creating role definition %q: %w", def.Name, err)
	}
	return nil
}

func (a *azureAuthorizer) CreateAssignment(ctx context.Context, scope, principalID, roleDefinitionID string) error {
	_, err := a.clients.RoleClient.Create(ctx, scope, uuid.New().String(), armauthorization.RoleAssignmentCreateParameters{
		Properties: &armauthorization.RoleAssignmentProperties{
			PrincipalID:      to.Ptr(principalID),
			RoleDefinitionID: to.Ptr(roleDefinitionID),
		},
	}, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && (respErr.StatusCode == 409 || respErr.ErrorCode == "RoleAssignmentExists") {
			return ErrAssignmentExists
		}
		return fmt.Errorf("creating role assignment: %w", err)
	}
	return nil
}

func toPtrSlice(values []string) []*string {
	result := make([]*string, 0, len(values))
	for _, v := range values {
		result = append(result, to.Ptr(v))
	}
	return result
}

// AccessRequest is one grant batch for one machine
type AccessRequest struct {
	SubscriptionID string
	VMName         string
	VMID           string
	StorageID      string
	// AdminIdentities get the built-in administrator login role at machine
	// scope; ConsoleIdentities get the custom role at machine and storage
	// scope (boot diagnostics live in the storage account).
	AdminIdentities   []string
	ConsoleIdentities []string
	RoleFile          string
}

// AccessGranter translates identity/access-level pairs into platform role
// assignments. The whole operation is best-effort per identity: a failed
// resolution or exhausted retry skips that identity with a warning and the
// batch continues.
type AccessGranter struct {
	Auth     Authorizer
	Resolver PrincipalResolver

	Propagation RetryPolicy
	Assignment  RetryPolicy
}

// NewAccessGranter wires the granter with the platform's observed
// propagation and transient-failure characteristics.
func NewAccessGranter(auth Authorizer, resolver PrincipalResolver) *AccessGranter {
	return &AccessGranter{
		Auth:        auth,
		Resolver:    resolver,
		Propagation: RolePropagationPolicy(),
		Assignment:  AssignmentPolicy(),
	}
}

// Grant performs the full batch. It returns an error only when the custom
// role is needed and its existence can neither be confirmed nor created;
// individual identity failures never abort the run.
func (g *AccessGranter) Grant(ctx context.Context, req AccessRequest) error {
	namer := NewResourceNamer(req.VMName)
	roleName := namer.SerialConsoleRoleName()
	roleID := namer.RoleDefinitionID()
	customRoleDefID := fmt.Sprintf("/subscriptions/%s/providers/Microsoft.Authorization/roleDefinitions/%s", req.SubscriptionID, roleID)
	adminRoleDefID := fmt.Sprintf("/subscriptions/%s/providers/Microsoft.Authorization/roleDefinitions/%s", req.SubscriptionID, AdminLoginRoleID)

	if len(req.ConsoleIdentities) > 0 {
		if err := g.ensureConsoleRole(ctx, req, roleName, roleID); err != nil {
			return err
		}
	}

	for _, identity := range req.AdminIdentities {
		g.assignWithRetry(ctx, identity, "administrator login", req.VMID, adminRoleDefID)
	}
	for _, identity := range req.ConsoleIdentities {
		g.assignWithRetry(ctx, identity, "serial console (machine)", req.VMID, customRoleDefID)
		g.assignWithRetry(ctx, identity, "serial console (storage)", req.StorageID, customRoleDefID)
	}
	return nil
}

// ensureConsoleRole creates the custom role if absent, then polls until the
// identity platform can see it. Both the create (a lost race) and the poll
// (propagation lag) may fail without aborting the grant.
func (g *AccessGranter) ensureConsoleRole(ctx context.Context, req AccessRequest, roleName, roleID string) error {
	exists, err := g.Auth.RoleDefinitionExists(ctx, req.VMID, roleName)
	if err != nil {
		return fmt.Errorf("checking for role %q: %w", roleName, err)
	}

	if !exists {
		role, err := LoadConsoleRole(req.RoleFile, roleName, req.VMID, req.StorageID)
		if err != nil {
			return err
		}
		slog.Info("creating custom role definition", "roleName", roleName)
		if err := g.Auth.CreateRoleDefinition(ctx, req.VMID, roleID, role); err != nil {
			// an "already exists" race is fine; the poll below confirms
			slog.Warn("role definition creation failed, continuing", "roleName", roleName, "error", err)
		}
	} else {
		slog.Info("custom role definition already exists", "roleName", roleName)
	}

	err = g.Propagation.Do(ctx, "role definition propagation", func(ctx context.Context) error {
		found, err := g.Auth.RoleDefinitionExists(ctx, req.VMID, roleName)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("role %q not yet queryable", roleName)
		}
		return nil
	})
	if err != nil {
		// eventual consistency lag beyond the budget; assignments may
		// still succeed, so this is a warning rather than a failure
		slog.Warn("timed out waiting for role definition propagation", "roleName", roleName, "error", err)
	}
	return nil
}

// assignWithRetry resolves the identity and creates one assignment,
// retrying transient failures. Exhaustion skips the identity: the operator
// is informed per identity, not via an aggregate failure.
func (g *AccessGranter) assignWithRetry(ctx context.Context, identity, accessLevel, scope, roleDefinitionID string) {
	principalID, err := g.Resolver.Resolve(ctx, identity)
	if err != nil {
		slog.Warn("skipping identity, resolution failed", "identity", identity, "access", accessLevel, "error", err)
		return
	}

	err = g.Assignment.Do(ctx, fmt.Sprintf("assign %s to %s", accessLevel, identity), func(ctx context.Context) error {
		err := g.Auth.CreateAssignment(ctx, scope, principalID, roleDefinitionID)
		if errors.Is(err, ErrAssignmentExists) {
			return nil
		}
		return err
	})
	if err != nil {
		slog.Warn("skipping identity, assignment retries exhausted", "identity", identity, "access", accessLevel, "error", err)
		return
	}
	slog.Info("granted access", "identity", identity, "access", accessLevel, "scope", shortScope(scope))
}

func shortScope(scope string) string {
	parts := strings.Split(scope, "/")
	if len(parts) < 2 {
		return scope
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}
