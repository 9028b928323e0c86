// Package pii implements the PII-leak detector. The original
// system compiles YARA rulesets; no YARA Go binding is present anywhere in
// the retrieval pack this proxy was assembled from; see DESIGN.md for why a
// small regex-based "rule" abstraction is used instead, modeled on the
// name/category/pattern shape YARA rules carry (rule name, meta.category,
// a single matching string).
package pii

import (
	"context"
	"regexp"
	"strings"

	"github.com/mcpsentinel/proxy/internal/journal"
	"github.com/mcpsentinel/proxy/internal/mcpevent"
	"github.com/mcpsentinel/proxy/internal/protocol"
)

// Name is the detector's journal/finding identifier.
const Name = "pii-leak"

// Category mirrors the original ruleset's meta.category values.
type Category string

const (
	CategoryPII          Category = "PII"
	CategoryFinancialPII Category = "Financial PII"
	CategoryMedicalPII   Category = "Medical PII"
	CategoryNetworkPII   Category = "Network PII"
	CategoryCustom       Category = "Custom"
)

// builtinRule is a compiled stand-in for one YARA rule: a name, a category,
// and a single regex standing in for the rule's $string condition.
type builtinRule struct {
	name     string
	category Category
	pattern  *regexp.Regexp
}

// builtinRules mirrors the embedded rule set the original engines compile
// at load: Korean RRN/passport/driver-license/mobile, generic email, IPv4,
// US SSN, credit card brands, Korean bank account formats, and a medical
// keyword bundle.
var builtinRules = []builtinRule{
	{"KR_ResidentRegistrationNumber", CategoryPII, regexp.MustCompile(`[0-9]{6}-[1-4][0-9]{6}`)},
	{"KR_DriverLicenseNumber", CategoryPII, regexp.MustCompile(`[0-9]{2}-[0-9]{2}-[0-9]{6}-[0-9]{2}`)},
	{"KR_MobilePhone", CategoryPII, regexp.MustCompile(`01[0-9]-[0-9]{3,4}-[0-9]{4}`)},
	{"Email_Address", CategoryPII, regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{"IPv4_Address", CategoryNetworkPII, regexp.MustCompile(`\b[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\b`)},
	{"US_SSN", CategoryPII, regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`)},
	{"Credit_Card_Number", CategoryFinancialPII, regexp.MustCompile(`\b4[0-9]{15}\b|\b4[0-9]{12}\b|\b5[1-5][0-9]{14}\b|\b3[47][0-9]{13}\b|\b6011[0-9]{12}\b|\b65[0-9]{14}\b`)},
	{"KR_BankAccount", CategoryFinancialPII, regexp.MustCompile(`\b[0-9]{3}-[0-9]{2,3}-[0-9]{6}\b|\b[0-9]{2}-[0-9]{6}-[0-9]\b`)},
	{"Medical_PHI", CategoryMedicalPII, regexp.MustCompile(`(?i)\b(patient|diagnosis|medical record|prescription|doctor|clinic)\b`)},
}

// Detector scans tools/call traffic for PII leaks. It only observes
// traffic and never rewrites it. Analyze does not read Redact, and nothing
// in the module sets it; RedactText is the standalone masking helper.
type Detector struct {
	journal journal.Journal
	Redact  bool
}

// New creates a PII-leak Detector that loads custom rules from j.
func New(j journal.Journal) *Detector {
	return &Detector{journal: j}
}

func (d *Detector) Name() string { return Name }

// Interested matches MCP-type events from local/remote producers that are
// either a tools/call request or any RECV carrying a result.
func (d *Detector) Interested(e *mcpevent.MCPEvent) bool {
	if e.EventType != mcpevent.KindMCP {
		return false
	}
	if e.Producer != mcpevent.ProducerLocal && e.Producer != mcpevent.ProducerRemote {
		return false
	}
	if e.Data.Message.Method == "tools/call" {
		return true
	}
	return e.Data.Task == mcpevent.TaskRecv && len(e.Data.Message.Result) > 0
}

func (d *Detector) Analyze(ctx context.Context, e *mcpevent.MCPEvent) (mcpevent.Finding, error) {
	text := extractText(e)
	if text == "" {
		return mcpevent.Finding{}, nil
	}

	var subFindings []mcpevent.SubFinding
	categories := make(map[Category]bool)

	for _, r := range builtinRules {
		if m := r.pattern.FindString(text); m != "" {
			subFindings = append(subFindings, mcpevent.SubFinding{
				Category: string(r.category),
				Match:    m,
				Reason:   r.name,
			})
			categories[r.category] = true
		}
	}

	hasCustom := false
	if d.journal != nil {
		rules, err := d.journal.CustomRules(ctx, Name)
		if err == nil {
			for name, rule := range rules {
				re, compileErr := regexp.Compile(rule.RuleBody)
				if compileErr != nil {
					continue
				}
				if m := re.FindString(text); m != "" {
					subFindings = append(subFindings, mcpevent.SubFinding{
						Category: "Custom",
						Match:    m,
						Reason:   name + " (custom)",
					})
					hasCustom = true
				}
			}
		}
	}

	if len(subFindings) == 0 {
		return mcpevent.Finding{}, nil
	}

	severity := mcpevent.SeverityLow
	if hasCustom || categories[CategoryFinancialPII] || categories[CategoryMedicalPII] {
		severity = mcpevent.SeverityHigh
	} else if categories[CategoryPII] || categories[CategoryNetworkPII] {
		severity = mcpevent.SeverityMedium
	}

	score := baseScore(severity) + min(len(subFindings)*5, 15)
	if score > 100 {
		score = 100
	}

	return mcpevent.Finding{
		Detector:    Name,
		Severity:    severity,
		Score:       score,
		SubFindings: subFindings,
	}, nil
}

func extractText(e *mcpevent.MCPEvent) string {
	var parts []string
	if p, ok := protocol.DecodeToolCallParams(e.Data.Message.Params); ok {
		for k, v := range p.Arguments {
			if s, ok := v.(string); ok {
				parts = append(parts, k+" "+s)
			}
		}
	}
	if r, ok := protocol.DecodeCallToolResult(e.Data.Message.Result); ok {
		if text := r.TextContent(); text != "" {
			parts = append(parts, text)
		}
		if len(r.StructuredResult) > 0 {
			parts = append(parts, string(r.StructuredResult))
		}
	}
	return strings.Join(parts, " ")
}

func baseScore(s mcpevent.Severity) int {
	switch s {
	case mcpevent.SeverityHigh:
		return 85
	case mcpevent.SeverityMedium:
		return 50
	case mcpevent.SeverityLow:
		return 20
	default:
		return 0
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// RedactText substitutes every builtin-rule match in text with a
// placeholder, implementing the opt-in PII_REDACT supplemented feature.
// Custom rules are intentionally not applied here: redaction only covers
// the vetted built-in patterns, not arbitrary user-supplied regexes that
// could be used to corrupt unrelated traffic.
func RedactText(text string) string {
	out := text
	for _, r := range builtinRules {
		out = r.pattern.ReplaceAllString(out, "[REDACTED:"+r.name+"]")
	}
	return out
}
