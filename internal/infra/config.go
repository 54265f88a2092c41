package infra

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// DeployConfig is the full, immutable configuration for one run. It is
// built once during argument parsing and passed explicitly into each
// orchestrator; nothing mutates it afterwards.
type DeployConfig struct {
	ResourceGroup string
	VMName        string
	AlertEmail    string
	Location      string
	VMSize        string
	DataDiskGB    int
	AdminUsername string

	// AdminIdentities get the built-in administrator login role;
	// ConsoleIdentities get the per-machine serial console role;
	// OperatorIdentities are written into the bootstrap document.
	AdminIdentities    []string
	ConsoleIdentities  []string
	OperatorIdentities []string

	// AllowSSH opens network-level SSH from SSHSourceCIDR; independent of
	// the identity-based console login toggle.
	AllowSSH      bool
	SSHSourceCIDR string

	DryRun       bool
	Destroy      bool
	Update       bool
	Yes          bool
	NoPublicIP   bool
	NoEncryption bool
	Verbose      bool

	TemplateFile string
	InitFile     string
	ParamsFile   string
	RoleFile     string

	Params Params
}

// Validate fails fast on missing required inputs, before any cloud call
func (c *DeployConfig) Validate() error {
	if c.ResourceGroup == "" {
		return fmt.Errorf("resource group name is required")
	}
	if c.Destroy {
		return nil
	}
	if c.VMName == "" {
		return fmt.Errorf("machine name is required for deploy")
	}
	if c.AlertEmail == "" {
		return fmt.Errorf("notification email is required for deploy")
	}
	if !strings.Contains(c.AlertEmail, "@") {
		return fmt.Errorf("notification email %q is not an email address", c.AlertEmail)
	}
	if c.DataDiskGB <= 0 {
		return fmt.Errorf("data disk size must be positive, got %d", c.DataDiskGB)
	}
	for _, id := range append(append([]string{}, c.AdminIdentities...), c.ConsoleIdentities...) {
		if !strings.Contains(id, "@") {
			return fmt.Errorf("identity %q is not an email address", id)
		}
	}
	return nil
}

const (
	passwordLength  = 24
	passwordLower   = "abcdefghijkmnopqrstuvwxyz"
	passwordUpper   = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	passwordDigits  = "23456789"
	passwordSpecial = "!@#%^*-_+"
)

// GenerateAdminPassword produces a local-admin credential satisfying the
// platform's complexity rules (three of four character classes). The
// credential is set once at creation and never resubmitted on update.
func GenerateAdminPassword() (string, error) {
	classes := []string{passwordLower, passwordUpper, passwordDigits, passwordSpecial}
	all := strings.Join(classes, "")

	password := make([]byte, passwordLength)
	for i := range password {
		var pool string
		if i < len(classes) {
			// guarantee one character from every class
			pool = classes[i]
		} else {
			pool = all
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
		if err != nil {
			return "", fmt.Errorf("generating admin password: %w", err)
		}
		password[i] = pool[n.Int64()]
	}

	// shuffle so the guaranteed characters are not position-predictable
	for i := len(password) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", fmt.Errorf("generating admin password: %w", err)
		}
		j := n.Int64()
		password[i], password[j] = password[j], password[i]
	}
	return string(password), nil
}
