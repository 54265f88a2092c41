package unit

import (
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v7"

	"github.com/princeton-orfe/vmdeploy/internal/infra"
)

func sshRulesIn(rules []*armnetwork.SecurityRule) []*armnetwork.SecurityRule {
	var matched []*armnetwork.SecurityRule
	for _, rule := range rules {
		if *rule.Name == infra.SSHRuleName {
			matched = append(matched, rule)
		}
	}
	return matched
}

func TestBuildSecurityRulesOnePerEntryPlusSSH(t *testing.T) {
	entries := []infra.PortRule{
		{Name: "https", Port: "443", SourceAddressPrefixes: []string{"*"}, Priority: 200},
		{Name: "app", Port: "8080-8090", SourceAddressPrefixes: []string{"10.0.0.0/8", "192.168.0.0/16"}, Priority: 210},
	}

	rules := infra.BuildSecurityRules(entries, false, "")
	if len(rules) != 3 {
		t.Fatalf("rules = %d, want 3", len(rules))
	}

	https := rules[0]
	if *https.Properties.DestinationPortRange != "443" || *https.Properties.Priority != 200 {
		t.Errorf("https rule = port %s priority %d", *https.Properties.DestinationPortRange, *https.Properties.Priority)
	}
	if *https.Properties.Access != armnetwork.SecurityRuleAccessAllow {
		t.Errorf("https access = %s, want Allow", *https.Properties.Access)
	}

	app := rules[1]
	if len(app.Properties.SourceAddressPrefixes) != 2 {
		t.Errorf("app source prefixes = %d, want 2", len(app.Properties.SourceAddressPrefixes))
	}
	if app.Properties.SourceAddressPrefix != nil {
		t.Error("multi-source rule must not set the singular prefix field")
	}
}

func TestSSHRuleAlwaysPresentExactlyOnce(t *testing.T) {
	testCases := []struct {
		name       string
		sshEnabled bool
		sourceCIDR string
		wantAccess armnetwork.SecurityRuleAccess
	}{
		{"disabled means deny", false, "", armnetwork.SecurityRuleAccessDeny},
		{"enabled without source means deny", true, "", armnetwork.SecurityRuleAccessDeny},
		{"enabled with source means allow", true, "10.8.0.0/16", armnetwork.SecurityRuleAccessAllow},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rules := infra.BuildSecurityRules(nil, tc.sshEnabled, tc.sourceCIDR)

			ssh := sshRulesIn(rules)
			if len(ssh) != 1 {
				t.Fatalf("ssh rules = %d, want exactly 1", len(ssh))
			}
			props := ssh[0].Properties
			if *props.Access != tc.wantAccess {
				t.Errorf("ssh access = %s, want %s", *props.Access, tc.wantAccess)
			}
			if *props.DestinationPortRange != "22" {
				t.Errorf("ssh port = %s, want 22", *props.DestinationPortRange)
			}
			if *props.Priority != infra.SSHRulePriority {
				t.Errorf("ssh priority = %d, want %d", *props.Priority, infra.SSHRulePriority)
			}
			if tc.wantAccess == armnetwork.SecurityRuleAccessAllow && *props.SourceAddressPrefix != tc.sourceCIDR {
				t.Errorf("ssh source = %s, want %s", *props.SourceAddressPrefix, tc.sourceCIDR)
			}
		})
	}
}

func TestSSHRulePriorityOutsideUserRange(t *testing.T) {
	if infra.SSHRulePriority <= infra.MaxRulePriority {
		t.Errorf("ssh priority %d must sit above the user range cap %d", infra.SSHRulePriority, infra.MaxRulePriority)
	}
}

func TestFormatSecurityRules(t *testing.T) {
	rules := infra.BuildSecurityRules([]infra.PortRule{
		{Name: "https", Port: "443", SourceAddressPrefixes: []string{"*"}, Priority: 200},
	}, true, "10.8.0.0/16")

	out := infra.FormatSecurityRules(rules)
	for _, want := range []string{"https", "443", "ssh", "10.8.0.0/16"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatted rules missing %q:\n%s", want, out)
		}
	}
}
