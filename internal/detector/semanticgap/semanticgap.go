// Package semanticgap implements the LLM-backed tool-poisoning / semantic
// gap judge. It pairs a tools/call request with its
// response, juxtaposes the declared ToolDescriptor against what actually
// happened, and asks the chat-completion client to score the gap.
package semanticgap

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mcpsentinel/proxy/internal/journal"
	"github.com/mcpsentinel/proxy/internal/llmclient"
	"github.com/mcpsentinel/proxy/internal/mcpevent"
	"github.com/mcpsentinel/proxy/internal/protocol"
	"github.com/mcpsentinel/proxy/internal/state"
)

// Name is the detector's journal/finding identifier.
const Name = "semantic-gap"

// Mode selects the judge's response format: a bare integer score, or a JSON
// rubric with per-factor sub-scores.
type Mode string

const (
	ModeInt    Mode = "int"
	ModeDetail Mode = "detail"
)

// systemPromptInt defines the judge's four-factor rubric and hard
// caps/floors, answering with a single integer.
const systemPromptInt = `You are a security judge scoring whether a tool call's arguments and result are consistent with its declared specification.

Score using this rubric, each factor scored independently then summed:
- DomainMatch (0-40): does the operation belong to the tool's declared domain?
- OperationMatch (0-35): does the action performed match the tool's declared purpose?
- ArgumentSpecificity (0-15): are the arguments consistent with what the tool claims to need?
- Consistency (0-10): are the request and result mutually consistent?

Hard rules:
- If DomainMatch indicates a mismatch, the total score caps at 35.
- If the operation is a direct verb/noun match to the declared purpose, the pre-penalty sum floors at 85.
- Subtract 10 for every hallucinated mapping between unrelated concepts you identify.

Respond with a single integer from 1 to 100 and nothing else.`

// systemPromptDetail is the same rubric answering with a JSON object
// carrying the per-factor sub-scores, the penalties applied, and the final
// clipped score.
const systemPromptDetail = `You are a security judge scoring whether a tool call's arguments and result are consistent with its declared specification, returning a rubric with sub-scores and a final 0-100 integer.

Score using this rubric, each factor scored independently then summed:
- DomainMatch (0-40): does the operation belong to the tool's declared domain?
- OperationMatch (0-35): does the action performed match the tool's declared purpose?
- ArgumentSpecificity (0-15): are the arguments consistent with what the tool claims to need?
- Consistency (0-10): are the request and result mutually consistent?

Hard rules:
- If DomainMatch indicates a mismatch, the total score caps at 35.
- If the operation is a direct verb/noun match to the declared purpose, the pre-penalty sum floors at 85.
- Subtract 10 for every hallucinated mapping between unrelated concepts you identify.
- Clip the final score to [0,100].

Output format (JSON only, no extra text):
{
  "DomainMatch": <0-40>,
  "OperationMatch": <0-35>,
  "ArgumentSpecificity": <0-15>,
  "Consistency": <0-10>,
  "Penalties": [ "<short reason>", ... ],
  "Score": <0-100 integer>
}`

// pendingKey mirrors the journal's rpc_events correlation: (mcp_tag, id).
func pendingKey(mcpTag, id string) string { return mcpTag + "\x00" + id }

// Detector pairs SEND/RECV tools/call traffic and judges the gap between
// declared tool spec and observed behavior.
type Detector struct {
	llm     *llmclient.Client
	journal journal.Journal
	holder  *state.Holder
	mode    Mode

	mu      sync.Mutex
	pending map[string]*mcpevent.MCPEvent
}

// New creates a Detector in int mode. holder supplies the ToolsCatalog
// lookup and is also where newly scored tools get written into the
// DangerousToolSet.
func New(llm *llmclient.Client, j journal.Journal, holder *state.Holder) *Detector {
	return NewWithMode(llm, j, holder, ModeInt)
}

// NewWithMode creates a Detector with an explicit judge mode. ModeDetail
// asks the judge for the full JSON rubric and records the sub-scores and
// penalties on the Finding; ModeInt asks for a bare score.
func NewWithMode(llm *llmclient.Client, j journal.Journal, holder *state.Holder, mode Mode) *Detector {
	if mode != ModeDetail {
		mode = ModeInt
	}
	return &Detector{
		llm:     llm,
		journal: j,
		holder:  holder,
		mode:    mode,
		pending: make(map[string]*mcpevent.MCPEvent),
	}
}

func (d *Detector) systemPrompt() string {
	if d.mode == ModeDetail {
		return systemPromptDetail
	}
	return systemPromptInt
}

func (d *Detector) Name() string { return Name }

func (d *Detector) Interested(e *mcpevent.MCPEvent) bool {
	if e.EventType != mcpevent.KindMCP {
		return false
	}
	return e.Data.Message.Method == "tools/call" || e.Data.Task == mcpevent.TaskRecv
}

// Analyze stores SEND halves and judges once the matching RECV arrives. A
// SEND call returns no Finding of its own.
func (d *Detector) Analyze(ctx context.Context, e *mcpevent.MCPEvent) (mcpevent.Finding, error) {
	id := e.Data.Message.IDString()
	if id == "" {
		return mcpevent.Finding{}, nil
	}

	if e.Data.Task == mcpevent.TaskSend && e.Data.Message.Method == "tools/call" {
		d.mu.Lock()
		d.pending[pendingKey(e.MCPTag, id)] = e
		d.mu.Unlock()
		return mcpevent.Finding{}, nil
	}

	if e.Data.Task != mcpevent.TaskRecv {
		return mcpevent.Finding{}, nil
	}

	d.mu.Lock()
	req, ok := d.pending[pendingKey(e.MCPTag, id)]
	if ok {
		delete(d.pending, pendingKey(e.MCPTag, id))
	}
	d.mu.Unlock()
	if !ok {
		return mcpevent.Finding{}, nil
	}

	p, ok := protocol.DecodeToolCallParams(req.Data.Message.Params)
	if !ok {
		return mcpevent.Finding{}, nil
	}

	var descriptor protocol.ToolDescriptor
	if entry, ok := d.holder.CatalogByServer(e.MCPTag); ok {
		for _, t := range entry.Tools {
			if t.Name == p.Name {
				descriptor = t
				break
			}
		}
	}

	result, _ := protocol.DecodeCallToolResult(e.Data.Message.Result)

	prompt := buildPrompt(descriptor, p, result)
	raw, err := d.llm.Complete(ctx, d.systemPrompt(), prompt)
	if err != nil {
		// On final LLM failure this detector contributes no finding
		// for the event.
		return mcpevent.Finding{}, nil
	}

	var score int
	var rubric *Rubric
	if d.mode == ModeDetail {
		rubric = parseRubric(raw)
	}
	if rubric != nil {
		score = rubric.Score
	} else {
		score = parseScore(raw)
	}

	severity := mcpevent.SeverityLow
	tier := "safe"
	switch {
	case score >= 80:
		severity = mcpevent.SeverityCritical
		tier = "action-required"
	case score >= 40:
		severity = mcpevent.SeverityMedium
		tier = "action-recommended"
	}

	if d.journal != nil {
		_ = d.journal.UpsertToolSafety(ctx, e.MCPTag, string(e.Producer), p.Name, descriptor.Title, descriptor.Description, nil, descriptor.Annotations, tier)
	}
	if d.holder != nil && tier == "action-required" {
		d.holder.MarkDangerous(e.MCPTag, p.Name)
	}

	if severity == mcpevent.SeverityLow && score < 40 {
		return mcpevent.Finding{}, nil
	}

	subFindings := []mcpevent.SubFinding{
		{Category: "semantic-gap", Match: p.Name, Reason: fmt.Sprintf("safety tier %s", tier)},
	}
	if rubric != nil {
		subFindings = append(subFindings, mcpevent.SubFinding{
			Category: "rubric",
			Match:    p.Name,
			Reason: fmt.Sprintf("DomainMatch=%d OperationMatch=%d ArgumentSpecificity=%d Consistency=%d",
				rubric.DomainMatch, rubric.OperationMatch, rubric.ArgumentSpecificity, rubric.Consistency),
		})
		for _, penalty := range rubric.Penalties {
			subFindings = append(subFindings, mcpevent.SubFinding{
				Category: "penalty",
				Match:    p.Name,
				Reason:   penalty,
			})
		}
	}

	return mcpevent.Finding{
		Detector:    Name,
		Severity:    severity,
		Score:       score,
		SubFindings: subFindings,
	}, nil
}

// Rubric is the JSON shape the detail-mode judge answers with.
type Rubric struct {
	DomainMatch         int      `json:"DomainMatch"`
	OperationMatch      int      `json:"OperationMatch"`
	ArgumentSpecificity int      `json:"ArgumentSpecificity"`
	Consistency         int      `json:"Consistency"`
	Penalties           []string `json:"Penalties"`
	Score               int      `json:"Score"`
}

// parseRubric decodes a detail-mode response, tolerating surrounding prose
// or a markdown code fence. Returns nil if no JSON object parses, letting
// the caller fall back to the bare-integer parser.
func parseRubric(raw string) *Rubric {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil
	}
	var r Rubric
	if err := json.Unmarshal([]byte(raw[start:end+1]), &r); err != nil {
		return nil
	}
	if r.Score < 0 {
		r.Score = 0
	}
	if r.Score > 100 {
		r.Score = 100
	}
	return &r
}

func buildPrompt(t protocol.ToolDescriptor, call protocol.ToolCallParams, result protocol.CallToolResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Declared tool: name=%s title=%q description=%q\n", t.Name, t.Title, t.Description)
	fmt.Fprintf(&b, "Observed call: name=%s arguments=%v\n", call.Name, call.Arguments)
	fmt.Fprintf(&b, "Observed result text: %s\n", result.TextContent())
	return b.String()
}

// parseScore extracts the first integer from the model's response,
// defaulting to 0 (safe) if nothing parses — a malformed judge response
// must never be mistaken for a high-severity finding.
func parseScore(raw string) int {
	raw = strings.TrimSpace(raw)
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		} else if digits.Len() > 0 {
			break
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	if n > 100 {
		n = 100
	}
	return n
}
