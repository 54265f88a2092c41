package infra

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v7"
)

//go:embed azuredeploy.json
var embeddedTemplate []byte

// ParameterValue wraps one deployment parameter the way the deployment
// engine expects it, {"value": ...}.
type ParameterValue struct {
	Value any `json:"value"`
}

// DeploymentParameters is the full typed parameter set for one submission
type DeploymentParameters map[string]ParameterValue

// LoadTemplate returns the declarative infrastructure template as the
// deployment engine wants it (a decoded JSON document). An empty path uses
// the embedded template.
func LoadTemplate(path string) (map[string]any, error) {
	data := embeddedTemplate
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading template file: %w", err)
		}
	}
	var template map[string]any
	if err := json.Unmarshal(data, &template); err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	return template, nil
}

// BuildDeploymentParameters resolves the parameter set for one submission.
//
// On update, adminPassword, customData and dnsLabelPrefix are deliberately
// absent: the platform must never be given the chance to issue a new
// credential, re-run bootstrap, or reassign the public address. Machine
// size, rules and toggles are resubmitted.
func BuildDeploymentParameters(cfg *DeployConfig, rules []*armnetwork.SecurityRule, customData, adminPassword string, update bool) (DeploymentParameters, error) {
	namer := NewResourceNamer(cfg.VMName)

	// the typed rules marshal into the exact shape the template's
	// securityRules copy expects
	ruleJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("encoding security rules: %w", err)
	}
	var ruleValues []any
	if err := json.Unmarshal(ruleJSON, &ruleValues); err != nil {
		return nil, fmt.Errorf("decoding security rules: %w", err)
	}

	params := DeploymentParameters{
		"vmName":           {Value: cfg.VMName},
		"location":         {Value: cfg.Location},
		"vmSize":           {Value: cfg.VMSize},
		"adminUsername":    {Value: cfg.AdminUsername},
		"dataDiskSizeGB":   {Value: cfg.DataDiskGB},
		"alertEmail":       {Value: cfg.AlertEmail},
		"projectName":      {Value: cfg.Params.ProjectName},
		"securityRules":    {Value: ruleValues},
		"createPublicIP":   {Value: !cfg.NoPublicIP},
		"enableEncryption": {Value: !cfg.NoEncryption},
		"enableAADLogin":   {Value: len(cfg.AdminIdentities)+len(cfg.ConsoleIdentities) > 0},
		"allowSSH":         {Value: cfg.AllowSSH},
		"sshSourceCIDR":    {Value: cfg.SSHSourceCIDR},
		"isUpdate":         {Value: update},
	}

	if !update {
		params["adminPassword"] = ParameterValue{Value: adminPassword}
		params["customData"] = ParameterValue{Value: customData}
		params["dnsLabelPrefix"] = ParameterValue{Value: namer.DNSLabel()}
	}
	return params, nil
}

// DeploymentOutputs is the structured output set extracted from a completed
// deployment. Optional fields are empty when the template skipped the
// corresponding resource.
type DeploymentOutputs struct {
	PublicIPAddress       string
	FQDN                  string
	PrivateIPAddress      string
	HasPublicIP           bool
	VMResourceID          string
	StorageAccountName    string
	KeyVaultName          string
	DiskEncryptionSetName string
	SerialConsoleLink     string
	AADLoginLink          string
	AADLoginEnabled       bool
	SSHAllowed            bool
}

// ParseDeploymentOutputs decodes the deployment engine's output map, which
// arrives as {"name": {"type": ..., "value": ...}, ...}.
func ParseDeploymentOutputs(raw any) (*DeploymentOutputs, error) {
	outputs, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("deployment returned no outputs")
	}

	get := func(name string) any {
		entry, ok := outputs[name].(map[string]any)
		if !ok {
			return nil
		}
		return entry["value"]
	}
	str := func(name string) string {
		s, _ := get(name).(string)
		return s
	}
	boolean := func(name string) bool {
		b, _ := get(name).(bool)
		return b
	}

	parsed := &DeploymentOutputs{
		PublicIPAddress:       str("publicIPAddress"),
		FQDN:                  str("fqdn"),
		PrivateIPAddress:      str("privateIPAddress"),
		HasPublicIP:           boolean("hasPublicIP"),
		VMResourceID:          str("vmResourceID"),
		StorageAccountName:    str("storageAccountName"),
		KeyVaultName:          str("keyVaultName"),
		DiskEncryptionSetName: str("diskEncryptionSetName"),
		SerialConsoleLink:     str("serialConsoleLink"),
		AADLoginLink:          str("aadLoginLink"),
		AADLoginEnabled:       boolean("aadLoginEnabled"),
		SSHAllowed:            boolean("sshAllowed"),
	}
	if parsed.VMResourceID == "" {
		return nil, fmt.Errorf("deployment outputs missing vmResourceID")
	}
	return parsed, nil
}
