package infra

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// PrincipalResolver turns an identity email into the directory object ID
// role assignments require.
type PrincipalResolver interface {
	Resolve(ctx context.Context, email string) (string, error)
}

type cliPrincipalResolver struct{}

// NewPrincipalResolver resolves identities through the operator's az CLI
// session; directory lookups are not part of the management-plane SDK
// surface this tool authenticates against.
func NewPrincipalResolver() PrincipalResolver {
	return cliPrincipalResolver{}
}

func (cliPrincipalResolver) Resolve(ctx context.Context, email string) (string, error) {
	out, err := exec.CommandContext(ctx, "az", "ad", "user", "show", "--id", email, "--query", "id", "-o", "tsv").Output()
	if err != nil {
		return "", fmt.Errorf("resolving identity %s: %w", email, err)
	}
	objectID := strings.TrimSpace(string(out))
	if objectID == "" {
		return "", fmt.Errorf("identity %s resolved to an empty object ID", email)
	}
	return objectID, nil
}
