// Package rules loads operator-supplied declarative detector rules from
// YAML files: extra dangerous words for the command-injection detector and
// extra regex rules for the PII-leak detector, supplementing (never
// replacing) each detector's built-in set.
//
// A rule file is a single YAML document read once at startup and
// unmarshalled into a small typed doc via gopkg.in/yaml.v3.
package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mcpsentinel/proxy/internal/journal"
)

// CommandWordlistDoc is the YAML shape for a command-injection word list
// file, e.g.:
//
//	words:
//	  - "/etc/shadow"
//	  - "shutdown -h"
type CommandWordlistDoc struct {
	Words []string `yaml:"words"`
}

// LoadCommandWordlist reads path and returns its word list. A missing or
// unreadable file is returned as an error; the server binary logs it and
// runs the command detector with only its built-in rules.
func LoadCommandWordlist(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read command wordlist %s: %w", path, err)
	}
	var doc CommandWordlistDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rules: parse command wordlist %s: %w", path, err)
	}
	return doc.Words, nil
}

// PIIRuleDoc is the YAML shape for a custom PII rule file, e.g.:
//
//	rules:
//	  - name: internal_employee_id
//	    category: PII
//	    pattern: "EMP-[0-9]{6}"
type PIIRuleDoc struct {
	Rules []PIIRuleEntry `yaml:"rules"`
}

// PIIRuleEntry is one declarative rule, shaped to map directly onto
// journal.CustomRule (the same representation the PII detector reads from
// the journal at runtime for rules registered through the dashboard).
type PIIRuleEntry struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Pattern  string `yaml:"pattern"`
	Enabled  *bool  `yaml:"enabled"`
}

// LoadPIIRules reads path and returns its rules as journal.CustomRule
// values, ready to seed the journal's custom_rules table at startup.
func LoadPIIRules(path string) ([]journal.CustomRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read PII rule file %s: %w", path, err)
	}
	var doc PIIRuleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rules: parse PII rule file %s: %w", path, err)
	}

	out := make([]journal.CustomRule, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		enabled := true
		if r.Enabled != nil {
			enabled = *r.Enabled
		}
		out = append(out, journal.CustomRule{
			EngineName: "pii-leak",
			RuleName:   r.Name,
			RuleBody:   r.Pattern,
			Category:   r.Category,
			Enabled:    enabled,
		})
	}
	return out, nil
}
