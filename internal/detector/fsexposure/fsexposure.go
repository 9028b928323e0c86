// Package fsexposure implements the filesystem-exposure pattern detector:
// it extracts path-like argument values from tools/call requests and
// scores each one against system-path, keyword, extension, depth, and
// traversal checks.
package fsexposure

import (
	"context"
	"regexp"
	"strings"

	"github.com/mcpsentinel/proxy/internal/mcpevent"
	"github.com/mcpsentinel/proxy/internal/protocol"
)

// Name is the detector's journal/finding identifier.
const Name = "filesystem-exposure"

// pathArgumentKeys are the leaf key names walked out of params.arguments
// that are treated as candidate filesystem paths.
var pathArgumentKeys = map[string]bool{
	"path": true, "file": true, "filename": true, "dir": true,
	"directory": true, "folder": true, "location": true, "source": true,
	"destination": true, "target": true, "url": true, "uri": true,
	"endpoint": true,
}

var criticalSystemPath = regexp.MustCompile(`(?i)^(/etc/(passwd|shadow|sudoers)|/root/\.ssh|c:\\windows\\system32)`)

var systemKeywordTiers = []struct {
	score   int
	pattern *regexp.Regexp
}{
	{40, regexp.MustCompile(`(?i)\b(shadow|sudoers|private[_-]?key|id_rsa|system32)\b`)},
	{30, regexp.MustCompile(`(?i)\b(etc|root|boot|proc|sys)\b`)},
	{20, regexp.MustCompile(`(?i)\b(config|conf|env|credentials|home|tmp)\b`)},
}

var dangerousExtensionTiers = []struct {
	severity int
	suffixes []string
}{
	{55, []string{".pem", ".key", ".p12", ".pfx"}},
	{35, []string{".env", ".ini", ".cfg", ".conf"}},
	{15, []string{".log", ".bak", ".tmp"}},
}

// traversalPatterns carry per-pattern scores: deeper encodings score higher.
// Checked in order; the first match decides the path's traversal bonus.
var traversalPatterns = []struct {
	score   int
	reason  string
	pattern *regexp.Regexp
}{
	{30, "parent directory traversal", regexp.MustCompile(`\.\./`)},
	{30, "parent directory traversal (windows)", regexp.MustCompile(`\.\.\\`)},
	{35, "url encoded traversal", regexp.MustCompile(`(?i)%2e%2e%2f`)},
	{35, "url encoded traversal", regexp.MustCompile(`(?i)%2e%2e/`)},
	{35, "mixed encoded traversal", regexp.MustCompile(`(?i)\.\.%2f`)},
	{40, "double url encoded traversal", regexp.MustCompile(`(?i)%252e%252e%252f`)},
	{40, "double encoded backslash traversal", regexp.MustCompile(`(?i)\.\.%255c`)},
}

// Detector scans tools/call traffic for path-like arguments that expose
// sensitive filesystem locations.
type Detector struct{}

// New creates a filesystem-exposure Detector.
func New() *Detector { return &Detector{} }

func (d *Detector) Name() string { return Name }

func (d *Detector) Interested(e *mcpevent.MCPEvent) bool {
	return e.EventType == mcpevent.KindMCP && e.Data.Message.Method == "tools/call"
}

func (d *Detector) Analyze(ctx context.Context, e *mcpevent.MCPEvent) (mcpevent.Finding, error) {
	p, ok := protocol.DecodeToolCallParams(e.Data.Message.Params)
	if !ok {
		return mcpevent.Finding{}, nil
	}

	candidates := extractPaths(p.Arguments)
	if len(candidates) == 0 {
		return mcpevent.Finding{}, nil
	}

	var subFindings []mcpevent.SubFinding
	maxScore := 0
	for _, path := range candidates {
		score, reasons := scorePath(path)
		if score == 0 {
			continue
		}
		if score > maxScore {
			maxScore = score
		}
		for _, reason := range reasons {
			subFindings = append(subFindings, mcpevent.SubFinding{
				Category: "path-exposure",
				Match:    path,
				Reason:   reason,
			})
		}
	}

	if maxScore == 0 {
		return mcpevent.Finding{}, nil
	}

	severity := mcpevent.SeverityLow
	switch {
	case maxScore >= 70:
		severity = mcpevent.SeverityHigh
	case maxScore >= 40:
		severity = mcpevent.SeverityMedium
	}

	return mcpevent.Finding{
		Detector:    Name,
		Severity:    severity,
		Score:       min(maxScore, 100),
		SubFindings: subFindings,
	}, nil
}

// extractPaths walks arguments and returns every string leaf whose key is
// in pathArgumentKeys.
func extractPaths(args map[string]any) []string {
	var out []string
	var walk func(m map[string]any)
	walk = func(m map[string]any) {
		for k, v := range m {
			switch val := v.(type) {
			case string:
				if pathArgumentKeys[strings.ToLower(k)] {
					out = append(out, val)
				}
			case map[string]any:
				walk(val)
			}
		}
	}
	walk(args)
	return out
}

func scorePath(path string) (int, []string) {
	score := 0
	var reasons []string

	if criticalSystemPath.MatchString(path) {
		score += 50
		reasons = append(reasons, "matched critical system path pattern")
	}

	for _, tier := range systemKeywordTiers {
		if tier.pattern.MatchString(path) {
			score += tier.score
			reasons = append(reasons, "matched system keyword tier")
			break
		}
	}

	lower := strings.ToLower(path)
	for _, tier := range dangerousExtensionTiers {
		matched := false
		for _, suffix := range tier.suffixes {
			if strings.HasSuffix(lower, suffix) {
				matched = true
				break
			}
		}
		if matched {
			score += tier.severity
			reasons = append(reasons, "matched dangerous extension tier")
			break
		}
	}

	depth := pathDepth(path)
	if depth > 3 {
		bonus := 2 * (depth - 3)
		if bonus > 10 {
			bonus = 10
		}
		score += bonus
		reasons = append(reasons, "depth bonus")
	}

	for _, t := range traversalPatterns {
		if t.pattern.MatchString(path) {
			score += t.score
			reasons = append(reasons, "matched path-traversal pattern: "+t.reason)
			break
		}
	}

	return score, reasons
}

func pathDepth(path string) int {
	clean := strings.Trim(path, "/")
	if clean == "" {
		return 0
	}
	return len(strings.Split(clean, "/"))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
