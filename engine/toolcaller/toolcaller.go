// Package toolcaller implements the Tool Caller (spec.md §4.4): given
// active guidelines with tool associations, it decides which tools to
// invoke with what arguments via structured-output LLM requests, validates
// arguments (including int/float coercion and case-insensitive enum
// matching), guards against over-optimistic argument fabrication, and
// executes accepted calls with bounded concurrency.
//
// Grounded on runtime/agent/runtime/tool_calls.go's dispatch-then-collect
// shape (normalize each call, execute, synthesize an error result on
// failure rather than aborting the batch) and runtime/agent/toolerrors for
// the public/internal error split.
package toolcaller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"goa.design/goa-ai/engine/fanout"
	"goa.design/goa-ai/engine/model"
	"goa.design/goa-ai/engine/repo"
	"goa.design/goa-ai/engine/schemagen"
	"goa.design/goa-ai/engine/telemetry"
	"goa.design/goa-ai/engine/tool"
)

const (
	// DefaultParallelism bounds concurrent tool execution (spec.md §4.4 step 5).
	DefaultParallelism = 4
	// DefaultRatePerSecond bounds how fast new tool-decision/execution
	// requests start, independent of how many run concurrently (spec.md §5
	// "bounded fan-out").
	DefaultRatePerSecond = 10
)

type (
	// CandidateCall is one {should_call, arguments, rationale} entry the
	// model proposes for a tool (spec.md §4.4 step 2).
	candidateCall struct {
		ShouldCall bool           `json:"should_call" jsonschema:"required"`
		Arguments  map[string]any `json:"arguments"`
		Rationale  string         `json:"rationale" jsonschema:"required"`
	}

	toolDecisionResponse struct {
		Calls []candidateCall `json:"calls" jsonschema:"required,description=zero or more calls to make to this tool, each with its own argument set"`
	}

	// Skipped records a call the Tool Caller declined to make, with why
	// (spec.md §4.4 steps 3-4). Run returns these to its caller; the
	// controller stores them in the message event's "pending_info" field.
	// They are not passed to the Message Generator's Input.
	Skipped struct {
		ToolID tool.Ident
		Reason string
	}

	// Options configures a Caller.
	Options struct {
		Parallelism int
		// RatePerSecond bounds how fast new requests start; <= 0 takes
		// DefaultRatePerSecond.
		RatePerSecond float64
	}

	// Caller implements the Tool Caller contract.
	Caller struct {
		registry *tool.Registry
		client   model.Client
		logger   telemetry.Logger
		opts     Options
		limiter  *rate.Limiter
	}

	// GroundingSources bundles everything an argument value may be traced
	// to, for the over-optimism guard (spec.md §4.4 step 4).
	GroundingSources struct {
		ConversationLiterals []string
		ContextVariables     map[string]any
		PreviousToolResults  map[string]any
		// Now anchors relative-date derivations (spec.md §4.4 step 4 example:
		// "tomorrow" resolved against the current date). Zero disables
		// derivation matching entirely rather than falling back to wall-clock
		// time, so tests stay deterministic.
		Now time.Time
	}
)

// New constructs a Caller.
func New(registry *tool.Registry, client model.Client, logger telemetry.Logger, opts Options) *Caller {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = DefaultRatePerSecond
	}
	if logger == nil {
		logger, _, _ = telemetry.NewNoop()
	}
	limiter := rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Parallelism)
	return &Caller{registry: registry, client: client, logger: logger, opts: opts, limiter: limiter}
}

// GuidelineToolAssociation captures one active guideline's requirement of a
// tool, for step 1 of spec.md §4.4.
type GuidelineToolAssociation struct {
	GuidelineID string
	Rationale   string
}

// Run executes the full algorithm in spec.md §4.4: collect tool
// associations, decide per tool via structured output, validate and guard
// arguments, execute concurrently, and return the calls plus any skipped
// candidates.
func (c *Caller) Run(ctx context.Context, toolGuidelines map[tool.Ident][]GuidelineToolAssociation, conversation string, contextVars []repo.ContextVariable, glossaryTerms []repo.Term, sources GroundingSources) ([]tool.Call, []Skipped) {
	toolIDs := make([]tool.Ident, 0, len(toolGuidelines))
	for id := range toolGuidelines {
		toolIDs = append(toolIDs, id)
	}

	type outcome struct {
		calls   []tool.Call
		skipped []Skipped
	}
	outcomes, errs := fanout.Run(ctx, len(toolIDs), c.opts.Parallelism, c.limiter, func(ctx context.Context, i int) (outcome, error) {
		id := toolIDs[i]
		t, ok := c.registry.Lookup(id)
		if !ok {
			return outcome{skipped: []Skipped{{ToolID: id, Reason: "tool not registered"}}}, nil
		}

		decision, err := c.decideForTool(ctx, t, toolGuidelines[id], conversation, contextVars, glossaryTerms)
		if err != nil {
			c.logger.Warn(ctx, "tool caller: decision request failed", "tool_id", id, "error", err)
			return outcome{skipped: []Skipped{{ToolID: id, Reason: "decision request failed"}}}, nil
		}

		var calls []tool.Call
		var skipped []Skipped
		for _, candidate := range decision.Calls {
			if !candidate.ShouldCall {
				continue
			}
			args, err := validateArguments(t, candidate.Arguments)
			if err != nil {
				skipped = append(skipped, Skipped{ToolID: id, Reason: err.Error()})
				continue
			}
			if shortfall := overOptimismShortfall(args, sources); shortfall != "" {
				skipped = append(skipped, Skipped{ToolID: id, Reason: "pending info: " + shortfall})
				continue
			}
			call, runErr := c.execute(ctx, id, args)
			if runErr != nil {
				call.Result.Error = tool.FromError(runErr)
			}
			calls = append(calls, call)
		}
		return outcome{calls: calls, skipped: skipped}, nil
	})

	var allCalls []tool.Call
	var allSkipped []Skipped
	for i, o := range outcomes {
		if errs[i] != nil {
			continue
		}
		allCalls = append(allCalls, o.calls...)
		allSkipped = append(allSkipped, o.skipped...)
	}
	return allCalls, allSkipped
}

func (c *Caller) decideForTool(ctx context.Context, t tool.Tool, assocs []GuidelineToolAssociation, conversation string, contextVars []repo.ContextVariable, glossaryTerms []repo.Term) (*toolDecisionResponse, error) {
	schema, err := schemagen.For[toolDecisionResponse]()
	if err != nil {
		return nil, err
	}
	req := &model.Request{
		Messages:   []model.Message{{Role: model.RoleUser, Content: renderToolPrompt(t, assocs, conversation, contextVars, glossaryTerms)}},
		Schema:     schema,
		SchemaName: "tool_call_decision",
		ModelClass: model.ModelClassDefault,
	}
	resp, err := model.CompleteWithRetry(ctx, c.client, req, model.DefaultRetryOptions(c.logger))
	if err != nil {
		return nil, err
	}
	var out toolDecisionResponse
	if err := unmarshalJSON(resp.Structured, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Caller) execute(ctx context.Context, id tool.Ident, args map[string]any) (tool.Call, error) {
	res, err := c.registry.Invoke(ctx, id, args)
	call := tool.Call{ToolID: id, Arguments: args, Result: res}
	return call, err
}

// validateArguments implements spec.md §4.4 step 3: reject calls missing a
// required argument or failing schema validation, coerce numeric
// int/float mismatches, and match enum values case-insensitively without
// inventing values the model did not produce.
func validateArguments(t tool.Tool, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, param := range t.Parameters {
		v, present := out[param.Name]
		if !present {
			if param.Required {
				return nil, fmt.Errorf("missing required argument %q", param.Name)
			}
			continue
		}
		coerced, err := coerceValue(param, v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", param.Name, err)
		}
		if len(param.Schema) > 0 {
			encoded, err := json.Marshal(coerced)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", param.Name, err)
			}
			if err := model.ValidateStructured(param.Schema, encoded); err != nil {
				return nil, fmt.Errorf("argument %q: %w", param.Name, err)
			}
		}
		out[param.Name] = coerced
	}
	return out, nil
}

func coerceValue(param tool.Parameter, v any) (any, error) {
	enumValues := extractEnum(param.Schema)
	if len(enumValues) > 0 {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string enum value")
		}
		for _, allowed := range enumValues {
			if strings.EqualFold(s, allowed) {
				return allowed, nil
			}
		}
		return nil, fmt.Errorf("value %q is not one of the allowed enum values", s)
	}

	switch v.(type) {
	case float64, int, int64:
		return coerceNumeric(param.Schema, v), nil
	}
	return v, nil
}

// coerceNumeric tolerates int/float mismatches (spec.md §4.4 step 3); if
// the schema declares an integer type but the model emitted a float with no
// fractional part, it is truncated, and vice versa.
func coerceNumeric(schema []byte, v any) any {
	wantInt := strings.Contains(string(schema), `"type":"integer"`) || strings.Contains(string(schema), `"type": "integer"`)
	switch n := v.(type) {
	case float64:
		if wantInt && n == float64(int64(n)) {
			return int64(n)
		}
		return n
	case int:
		if !wantInt {
			return float64(n)
		}
		return n
	case int64:
		if !wantInt {
			return float64(n)
		}
		return n
	}
	return v
}

func extractEnum(schema []byte) []string {
	var decoded struct {
		Enum []string `json:"enum"`
	}
	if err := unmarshalJSON(schema, &decoded); err != nil {
		return nil
	}
	return decoded.Enum
}

// overOptimismShortfall implements spec.md §4.4 step 4: every argument value
// (required or optional) must trace to a literal in the conversation, a context
// variable, a previous tool result, or a deterministic derivation thereof.
// Returns a human-readable shortfall description, or "" if grounded.
func overOptimismShortfall(args map[string]any, sources GroundingSources) string {
	for key, v := range args {
		if isGrounded(v, sources) {
			continue
		}
		return fmt.Sprintf("argument %q could not be traced to the conversation, a context variable, or a prior tool result", key)
	}
	return ""
}

func isGrounded(v any, sources GroundingSources) bool {
	s := fmt.Sprintf("%v", v)
	for _, lit := range sources.ConversationLiterals {
		if strings.Contains(lit, s) {
			return true
		}
	}
	for _, cv := range sources.ContextVariables {
		if fmt.Sprintf("%v", cv) == s {
			return true
		}
	}
	for _, pr := range sources.PreviousToolResults {
		if fmt.Sprintf("%v", pr) == s {
			return true
		}
	}
	return isDeterministicDerivation(s, sources.Now)
}

// isDeterministicDerivation recognizes values produced by a deterministic
// rule rather than verbatim copying (spec.md §4.4 step 4 example: "tomorrow"
// resolved against the current date). It is deliberately narrow: it only
// matches an ISO-8601 date (yesterday, today, or tomorrow) computed from the
// supplied now, the one derivation spec.md names. A zero now disables
// derivation matching rather than defaulting to wall-clock time, so a
// hallucinated numeric argument (account number, quantity, amount) is never
// mistaken for a derivation just because it happens to parse as a number.
func isDeterministicDerivation(s string, now time.Time) bool {
	if now.IsZero() {
		return false
	}
	const isoDate = "2006-01-02"
	for _, offsetDays := range []int{-1, 0, 1} {
		if s == now.AddDate(0, 0, offsetDays).Format(isoDate) {
			return true
		}
	}
	return false
}

func renderToolPrompt(t tool.Tool, assocs []GuidelineToolAssociation, conversation string, contextVars []repo.ContextVariable, glossaryTerms []repo.Term) string {
	var b strings.Builder
	b.WriteString("Tool: ")
	b.WriteString(string(t.ID))
	b.WriteString("\nDescription: ")
	b.WriteString(t.Description)
	b.WriteString("\nParameters:\n")
	for _, p := range t.Parameters {
		b.WriteString("- ")
		b.WriteString(p.Name)
		if p.Required {
			b.WriteString(" (required)")
		}
		b.WriteString(": ")
		b.WriteString(p.Description)
		b.WriteString("\n")
	}
	b.WriteString("\nGuidelines requiring or benefiting from this tool:\n")
	for _, a := range assocs {
		b.WriteString("- ")
		b.WriteString(a.GuidelineID)
		b.WriteString(": ")
		b.WriteString(a.Rationale)
		b.WriteString("\n")
	}
	b.WriteString("\nConversation:\n")
	b.WriteString(conversation)
	b.WriteString("\n\nContext variables:\n")
	for _, v := range contextVars {
		fmt.Fprintf(&b, "- %s = %v\n", v.Name, v.Value)
	}
	b.WriteString("\nGlossary:\n")
	for _, term := range glossaryTerms {
		b.WriteString("- ")
		b.WriteString(term.Name)
		b.WriteString(": ")
		b.WriteString(term.Definition)
		b.WriteString("\n")
	}
	b.WriteString("\nDecide whether to call this tool, possibly multiple times with different arguments. Only use argument values you can justify from the conversation, context variables, or a deterministic derivation; do not invent values.")
	return b.String()
}

func unmarshalJSON(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("toolcaller: decode structured response: %w", err)
	}
	return nil
}
