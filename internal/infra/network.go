package infra

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v7"
)

// SSHRuleName is the fixed name of the machine's SSH rule. The rendered
// rule set always contains exactly one rule with this name, allow or deny.
const SSHRuleName = "ssh"

// BuildSecurityRules renders the inbound rule set for the machine's network
// security group: one rule per parameter-file entry plus the SSH rule.
// SSH is allowed only when explicitly enabled with a non-empty source range;
// otherwise inbound SSH is denied outright.
func BuildSecurityRules(rules []PortRule, sshEnabled bool, sshSourceCIDR string) []*armnetwork.SecurityRule {
	rendered := make([]*armnetwork.SecurityRule, 0, len(rules)+1)

	for _, rule := range rules {
		properties := &armnetwork.SecurityRulePropertiesFormat{
			Protocol:                 to.Ptr(armnetwork.SecurityRuleProtocolTCP),
			SourcePortRange:          to.Ptr("*"),
			DestinationAddressPrefix: to.Ptr("*"),
			DestinationPortRange:     to.Ptr(rule.Port),
			Access:                   to.Ptr(armnetwork.SecurityRuleAccessAllow),
			Priority:                 to.Ptr(rule.Priority),
			Direction:                to.Ptr(armnetwork.SecurityRuleDirectionInbound),
		}
		if len(rule.SourceAddressPrefixes) == 1 {
			properties.SourceAddressPrefix = to.Ptr(rule.SourceAddressPrefixes[0])
		} else {
			prefixes := make([]*string, 0, len(rule.SourceAddressPrefixes))
			for _, prefix := range rule.SourceAddressPrefixes {
				prefixes = append(prefixes, to.Ptr(prefix))
			}
			properties.SourceAddressPrefixes = prefixes
		}
		rendered = append(rendered, &armnetwork.SecurityRule{
			Name:       to.Ptr(rule.Name),
			Properties: properties,
		})
	}

	rendered = append(rendered, buildSSHRule(sshEnabled, sshSourceCIDR))
	return rendered
}

func buildSSHRule(sshEnabled bool, sshSourceCIDR string) *armnetwork.SecurityRule {
	if sshEnabled && sshSourceCIDR != "" {
		return &armnetwork.SecurityRule{
			Name: to.Ptr(SSHRuleName),
			Properties: &armnetwork.SecurityRulePropertiesFormat{
				Protocol:                 to.Ptr(armnetwork.SecurityRuleProtocolTCP),
				SourceAddressPrefix:      to.Ptr(sshSourceCIDR),
				SourcePortRange:          to.Ptr("*"),
				DestinationAddressPrefix: to.Ptr("*"),
				DestinationPortRange:     to.Ptr("22"),
				Access:                   to.Ptr(armnetwork.SecurityRuleAccessAllow),
				Priority:                 to.Ptr(int32(SSHRulePriority)),
				Direction:                to.Ptr(armnetwork.SecurityRuleDirectionInbound),
			},
		}
	}
	return &armnetwork.SecurityRule{
		Name: to.Ptr(SSHRuleName),
		Properties: &armnetwork.SecurityRulePropertiesFormat{
			Protocol:                 to.Ptr(armnetwork.SecurityRuleProtocolAsterisk),
			SourceAddressPrefix:      to.Ptr("*"),
			SourcePortRange:          to.Ptr("*"),
			DestinationAddressPrefix: to.Ptr("*"),
			DestinationPortRange:     to.Ptr("22"),
			Access:                   to.Ptr(armnetwork.SecurityRuleAccessDeny),
			Priority:                 to.Ptr(int32(SSHRulePriority)),
			Direction:                to.Ptr(armnetwork.SecurityRuleDirectionInbound),
		},
	}
}

// FormatSecurityRules renders the rule set for operator-facing narration
func FormatSecurityRules(rules []*armnetwork.SecurityRule) string {
	var result string
	for _, rule := range rules {
		source := "*"
		if rule.Properties.SourceAddressPrefix != nil {
			source = *rule.Properties.SourceAddressPrefix
		} else if len(rule.Properties.SourceAddressPrefixes) > 0 {
			source = *rule.Properties.SourceAddressPrefixes[0]
			if len(rule.Properties.SourceAddressPrefixes) > 1 {
				source += fmt.Sprintf(" (+%d more)", len(rule.Properties.SourceAddressPrefixes)-1)
			}
		}
		result += fmt.Sprintf("    - %s: %s %s -> port %s (priority %d)\n",
			*rule.Name,
			*rule.Properties.Access,
			source,
			*rule.Properties.DestinationPortRange,
			*rule.Properties.Priority)
	}
	return result
}
