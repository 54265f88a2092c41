package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrConfigNotFound reports a parameter file path that does not exist.
// A missing file is only an error when the caller asked for one explicitly.
var ErrConfigNotFound = errors.New("parameter file not found")

// PortRule is one inbound network rule from the parameter file. Rules are
// translated 1:1 into security rules on the machine's network group.
type PortRule struct {
	Name                  string   `json:"name"`
	Port                  string   `json:"port"`
	SourceAddressPrefixes []string `json:"sourceAddressPrefixes"`
	Priority              int32    `json:"priority"`
}

// Params holds the values read from the parameter file. Every field has a
// default; only a missing file (when a path was given) is an error.
type Params struct {
	ProjectName  string     `json:"projectName"`
	ServiceUser  string     `json:"serviceUser"`
	ServicePorts string     `json:"servicePorts"`
	InboundPorts []PortRule `json:"inboundPorts"`
}

// DefaultParams returns the parameter set used when no file is supplied
func DefaultParams() Params {
	return Params{
		ProjectName: DefaultProjectName,
		ServiceUser: DefaultServiceUser,
	}
}

// LoadParams reads the parameter file at path. An empty path yields the
// defaults. Individual missing keys fall back to their defaults; the load
// never mutates anything.
func LoadParams(path string) (Params, error) {
	params := DefaultParams()
	if path == "" {
		return params, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Params{}, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return Params{}, fmt.Errorf("reading parameter file: %w", err)
	}

	if err := json.Unmarshal(data, &params); err != nil {
		return Params{}, fmt.Errorf("parsing parameter file %s: %w", path, err)
	}

	// json.Unmarshal leaves absent keys at the pre-set defaults, but an
	// explicit empty string should fall back too
	if params.ProjectName == "" {
		params.ProjectName = DefaultProjectName
	}
	if params.ServiceUser == "" {
		params.ServiceUser = DefaultServiceUser
	}

	if err := validatePortRules(params.InboundPorts); err != nil {
		return Params{}, fmt.Errorf("parameter file %s: %w", path, err)
	}
	return params, nil
}

// validatePortRules rejects rule sets the platform would refuse, before any
// cloud call is made. Names must be unique within the set and priorities
// must stay inside the range reserved for user rules.
func validatePortRules(rules []PortRule) error {
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if rule.Name == "" {
			return fmt.Errorf("inbound port rule with empty name")
		}
		if seen[rule.Name] {
			return fmt.Errorf("duplicate inbound port rule name %q", rule.Name)
		}
		seen[rule.Name] = true

		if rule.Port == "" {
			return fmt.Errorf("inbound port rule %q has no port", rule.Name)
		}
		if rule.Priority < MinRulePriority || rule.Priority > MaxRulePriority {
			return fmt.Errorf("inbound port rule %q priority %d outside [%d, %d]",
				rule.Name, rule.Priority, MinRulePriority, MaxRulePriority)
		}
		if len(rule.SourceAddressPrefixes) == 0 {
			return fmt.Errorf("inbound port rule %q has no source address prefixes", rule.Name)
		}
	}
	return nil
}
