// Package command implements the command-injection pattern detector:
// tiered regex rule sets plus a dangerous-word list, run over the text of
// every tools/call exchange.
package command

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mcpsentinel/proxy/internal/mcpevent"
	"github.com/mcpsentinel/proxy/internal/protocol"
)

// Name is the detector's journal/finding identifier.
const Name = "command-injection"

// rule is one compiled regex bound to a severity tier.
type rule struct {
	category string
	severity mcpevent.Severity
	pattern  *regexp.Regexp
}

// criticalRules: destructive chaining, dynamic code execution, privilege
// escalation, netcat-style exfiltration.
var criticalRules = []rule{
	{"destructive-chaining", mcpevent.SeverityCritical, regexp.MustCompile(`(?i)rm\s+-rf|:\(\)\s*\{.*\}\s*;`)},
	{"dynamic-code-exec", mcpevent.SeverityCritical, regexp.MustCompile(`(?i)\beval\s*\(|\bexec\s*\(|os\.system\s*\(`)},
	{"shell-true", mcpevent.SeverityCritical, regexp.MustCompile(`(?i)shell\s*=\s*true`)},
	{"privilege-escalation", mcpevent.SeverityCritical, regexp.MustCompile(`(?i)\bsudo\b|\bsu\s+-|chmod\s+[4-7]777`)},
	{"netcat-exfil", mcpevent.SeverityCritical, regexp.MustCompile(`(?i)\bnc\s+-[a-z]*e\b|/dev/tcp/`)},
}

// highRules: command chaining with common binaries, env-var abuse,
// directory traversal, XSS event-handler injection.
var highRules = []rule{
	{"command-chaining", mcpevent.SeverityHigh, regexp.MustCompile(`[;&|]{1,2}\s*(curl|wget|bash|sh|python|perl|ruby)\b`)},
	{"env-var-abuse", mcpevent.SeverityHigh, regexp.MustCompile(`\$\{?(PATH|LD_PRELOAD|LD_LIBRARY_PATH)\}?\s*=`)},
	{"directory-traversal", mcpevent.SeverityHigh, regexp.MustCompile(`(\.\./){2,}|%2e%2e%2f`)},
	{"xss-handler", mcpevent.SeverityHigh, regexp.MustCompile(`(?i)on(error|load|click)\s*=`)},
}

// mediumRules: mere presence of a shell interpreter or a file-operation verb.
var mediumRules = []rule{
	{"shell-interpreter", mcpevent.SeverityMedium, regexp.MustCompile(`(?i)/bin/(sh|bash)\b|\b(cmd\.exe|powershell)\b`)},
	{"file-op-verb", mcpevent.SeverityMedium, regexp.MustCompile(`(?i)\b(unlink|delete|truncate|overwrite)\b`)},
}

// dangerousWords adds further medium-severity hits independent of the
// regex tiers above.
var dangerousWords = []string{"format", "del /f", "/etc/passwd", "/etc/shadow"}

// allTiers is walked in severity order so the first (highest) match found
// determines a scan's overall severity.
var allTiers = [][]rule{criticalRules, highRules, mediumRules}

// Detector scans tools/call traffic for command-injection patterns.
type Detector struct {
	// extraWords supplements dangerousWords with operator-supplied entries
	// loaded from a rule file (internal/rules), matched the same way.
	extraWords []string
}

// New creates a command-injection Detector with only the built-in rules.
func New() *Detector { return &Detector{} }

// NewWithWordlist creates a Detector that also matches against an
// operator-supplied dangerous-word list, loaded via internal/rules from a
// declarative YAML file rather than hardcoded here.
func NewWithWordlist(extraWords []string) *Detector {
	return &Detector{extraWords: extraWords}
}

func (d *Detector) Name() string { return Name }

// Interested matches tools/call MCP traffic from any producer.
func (d *Detector) Interested(e *mcpevent.MCPEvent) bool {
	return e.EventType == mcpevent.KindMCP && e.Data.Message.Method == "tools/call"
}

// Analyze builds the concatenated scan string (task, method, params.name,
// params.arguments, result.content[].text) and runs every tier in order.
func (d *Detector) Analyze(ctx context.Context, e *mcpevent.MCPEvent) (mcpevent.Finding, error) {
	text := buildScanText(e)

	var subFindings []mcpevent.SubFinding
	highest := mcpevent.SeverityNone

	for _, tier := range allTiers {
		for _, r := range tier {
			if loc := r.pattern.FindString(text); loc != "" {
				subFindings = append(subFindings, mcpevent.SubFinding{
					Category: r.category,
					Match:    loc,
					Reason:   "matched " + r.category + " pattern",
				})
				if severityRank(r.severity) > severityRank(highest) {
					highest = r.severity
				}
			}
		}
	}

	lowerText := strings.ToLower(text)
	for _, word := range dangerousWords {
		if strings.Contains(lowerText, word) {
			subFindings = append(subFindings, mcpevent.SubFinding{
				Category: "dangerous-word",
				Match:    word,
				Reason:   "matched dangerous command word list",
			})
			if severityRank(mcpevent.SeverityMedium) > severityRank(highest) {
				highest = mcpevent.SeverityMedium
			}
		}
	}
	for _, word := range d.extraWords {
		if strings.Contains(lowerText, strings.ToLower(word)) {
			subFindings = append(subFindings, mcpevent.SubFinding{
				Category: "dangerous-word-custom",
				Match:    word,
				Reason:   "matched operator-supplied dangerous word list",
			})
			if severityRank(mcpevent.SeverityMedium) > severityRank(highest) {
				highest = mcpevent.SeverityMedium
			}
		}
	}

	if highest == mcpevent.SeverityNone {
		return mcpevent.Finding{}, nil
	}

	score := baseScore(highest) + min(len(subFindings)*3, 15)
	if score > 100 {
		score = 100
	}

	// Spec-level severity for this detector collapses to {high, medium,
	// low, none}; critical regex hits report as high.
	reported := highest
	if reported == mcpevent.SeverityCritical {
		reported = mcpevent.SeverityHigh
	}

	return mcpevent.Finding{
		Detector:    Name,
		Severity:    reported,
		Score:       score,
		SubFindings: subFindings,
	}, nil
}

func buildScanText(e *mcpevent.MCPEvent) string {
	var b strings.Builder
	b.WriteString(string(e.Data.Task))
	b.WriteByte(' ')
	b.WriteString(e.Data.Message.Method)
	b.WriteByte(' ')

	if p, ok := protocol.DecodeToolCallParams(e.Data.Message.Params); ok {
		b.WriteString(p.Name)
		b.WriteByte(' ')
		if argsJSON, err := json.Marshal(p.Arguments); err == nil {
			b.Write(argsJSON)
			b.WriteByte(' ')
		}
	}

	if r, ok := protocol.DecodeCallToolResult(e.Data.Message.Result); ok {
		b.WriteString(r.TextContent())
	}

	return b.String()
}

func severityRank(s mcpevent.Severity) int {
	switch s {
	case mcpevent.SeverityCritical:
		return 4
	case mcpevent.SeverityHigh:
		return 3
	case mcpevent.SeverityMedium:
		return 2
	case mcpevent.SeverityLow:
		return 1
	default:
		return 0
	}
}

// baseScore maps the collapsed {high, medium, low, none} severity tier to
// its base score before the per-finding bonus
// regex hits collapse into "high" for scoring purposes, as the spec's final
// severity enum for this detector is {high, medium, low, none}.
func baseScore(s mcpevent.Severity) int {
	switch s {
	case mcpevent.SeverityCritical, mcpevent.SeverityHigh:
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
