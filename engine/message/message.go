// Package message implements the Message Generator (spec.md §4.5): the
// final per-turn stage that drafts zero or more customer-facing message
// events from the active guidelines, glossary, context variables, tool
// results, and the turn's composition mode.
//
// Grounded on runtime/agent/planner's structured-output response drafting
// shape, generalized from a single planner response to the spec's three
// composition modes and fragment-instantiation contract.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"goa.design/goa-ai/engine/guideline"
	"goa.design/goa-ai/engine/model"
	"goa.design/goa-ai/engine/repo"
	"goa.design/goa-ai/engine/schemagen"
	"goa.design/goa-ai/engine/telemetry"
)

// CompositionMode enumerates the three assembly policies (spec.md §4.5).
type CompositionMode string

const (
	ModeFluid         CompositionMode = "fluid"
	ModeFluidAssembly CompositionMode = "fluid-assembly"
	ModeStrictAssembly CompositionMode = "strict-assembly"
)

// Fragment is a parameterized text template with named slots (spec.md §3).
type Fragment struct {
	ID       string
	Template string
	Slots    []string
}

// UtteranceRequest is an optional proactive trigger with no customer
// prompt, e.g. a "buy time" filler or a scheduled follow-up (spec.md §4.5
// contract).
type UtteranceRequest struct {
	Kind   string
	Reason string
}

// ToolResult is the minimal shape the generator needs from a turn's tool
// calls, independent of the full engine/tool.Call type.
type ToolResult struct {
	ToolID string
	Data   any
	Error  string
}

// Input bundles everything the Message Generator's contract names
// (spec.md §4.5).
type Input struct {
	ConversationHistory  []string
	Active               []guideline.ActiveGuideline
	GlossaryTerms        []repo.Term
	ContextVariables     []repo.ContextVariable
	ToolResults          []ToolResult
	AgentDescription     string
	Mode                 CompositionMode
	Fragments            []Fragment
	Utterance            *UtteranceRequest
	// CustomerAskedToStop short-circuits generation (spec.md §4.5 "Output"
	// first bullet).
	CustomerAskedToStop bool
	// HasUnansweredCustomerMessage is true when the last source event is a
	// customer message awaiting a reply (spec.md §3 invariant 6 and §4.5
	// "Output" second bullet).
	HasUnansweredCustomerMessage bool
}

// Message is one generated message event body.
type Message struct {
	Text string
	// UnsatisfiedGuidelines names active guidelines the message could not
	// satisfy, with the rationale explaining why (spec.md §4.5
	// prioritization rule 3: "must not silently drop an active guideline").
	UnsatisfiedGuidelines map[string]string
}

type draftResponse struct {
	Messages []struct {
		Text string `json:"text" jsonschema:"required"`
	} `json:"messages"`
	UnsatisfiedGuidelines []struct {
		GuidelineID string `json:"guideline_id" jsonschema:"required"`
		Reason      string `json:"reason" jsonschema:"required"`
	} `json:"unsatisfied_guidelines"`
}

// Generator implements the Message Generator contract.
type Generator struct {
	client model.Client
	logger telemetry.Logger
}

// New constructs a Generator.
func New(client model.Client, logger telemetry.Logger) *Generator {
	if logger == nil {
		logger, _, _ = telemetry.NewNoop()
	}
	return &Generator{client: client, logger: logger}
}

// Generate returns zero or more messages per spec.md §4.5. It returns an
// empty slice (never an error for the "no message" cases) when the
// customer asked the agent to stop, there is no customer event to react to
// and no proactive guideline fires, or ctx is already cancelled.
func (g *Generator) Generate(ctx context.Context, in Input) ([]Message, error) {
	if in.CustomerAskedToStop {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, nil
	}
	if !in.HasUnansweredCustomerMessage && in.Utterance == nil && len(nonToolGuidelines(in.Active)) == 0 {
		return nil, nil
	}

	ordered := prioritize(in.Active)

	if in.Mode == ModeStrictAssembly {
		return g.generateStrictAssembly(ctx, in, ordered)
	}
	return g.generateFreeform(ctx, in, ordered)
}

// generateFreeform handles fluid and fluid-assembly: a single structured
// request drafting the message(s), with fragments offered as preferred
// building blocks under fluid-assembly (spec.md §4.5 mode descriptions).
func (g *Generator) generateFreeform(ctx context.Context, in Input, ordered []guideline.ActiveGuideline) ([]Message, error) {
	schema, err := schemagen.For[draftResponse]()
	if err != nil {
		return nil, err
	}
	req := &model.Request{
		Messages:   []model.Message{{Role: model.RoleUser, Content: renderDraftPrompt(in, ordered)}},
		Schema:     schema,
		SchemaName: "message_draft",
		ModelClass: model.ModelClassDefault,
	}
	resp, err := model.CompleteWithRetry(ctx, g.client, req, model.DefaultRetryOptions(g.logger))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, nil
	}

	var draft draftResponse
	if err := json.Unmarshal(resp.Structured, &draft); err != nil {
		return nil, fmt.Errorf("message: decode draft response: %w", err)
	}
	return toMessages(draft), nil
}

// generateStrictAssembly implements spec.md §4.5's strict-assembly mode: the
// model may only select and instantiate provided fragments; if it reports
// no viable combination, no message is emitted.
func (g *Generator) generateStrictAssembly(ctx context.Context, in Input, ordered []guideline.ActiveGuideline) ([]Message, error) {
	if len(in.Fragments) == 0 {
		return nil, nil
	}
	schema, err := schemagen.For[draftResponse]()
	if err != nil {
		return nil, err
	}
	req := &model.Request{
		Messages:   []model.Message{{Role: model.RoleUser, Content: renderStrictAssemblyPrompt(in, ordered)}},
		Schema:     schema,
		SchemaName: "message_draft_strict_assembly",
		ModelClass: model.ModelClassDefault,
	}
	resp, err := model.CompleteWithRetry(ctx, g.client, req, model.DefaultRetryOptions(g.logger))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, nil
	}

	var draft draftResponse
	if err := json.Unmarshal(resp.Structured, &draft); err != nil {
		return nil, fmt.Errorf("message: decode strict-assembly response: %w", err)
	}
	if len(draft.Messages) == 0 {
		return nil, nil
	}
	return toMessages(draft), nil
}

func toMessages(draft draftResponse) []Message {
	unsatisfied := make(map[string]string, len(draft.UnsatisfiedGuidelines))
	for _, u := range draft.UnsatisfiedGuidelines {
		unsatisfied[u.GuidelineID] = u.Reason
	}
	out := make([]Message, 0, len(draft.Messages))
	for _, m := range draft.Messages {
		out = append(out, Message{Text: m.Text, UnsatisfiedGuidelines: unsatisfied})
	}
	return out
}

func nonToolGuidelines(active []guideline.ActiveGuideline) []guideline.ActiveGuideline {
	var out []guideline.ActiveGuideline
	for _, a := range active {
		if len(a.Guideline.ToolIDs) == 0 {
			out = append(out, a)
		}
	}
	return out
}

// prioritize orders active guidelines by priority, highest first; ties keep
// the input order, which is the Guideline Proposer's output order (batch
// order, with connection-derived guidelines appended after). How recently a
// guideline was activated is not considered.
func prioritize(active []guideline.ActiveGuideline) []guideline.ActiveGuideline {
	ordered := append([]guideline.ActiveGuideline(nil), active...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})
	return ordered
}

func renderDraftPrompt(in Input, ordered []guideline.ActiveGuideline) string {
	var b strings.Builder
	b.WriteString("Agent description: ")
	b.WriteString(in.AgentDescription)
	b.WriteString("\n\nComposition mode: ")
	b.WriteString(string(in.Mode))
	if in.Mode == ModeFluidAssembly {
		b.WriteString("\nPrefer the following fragments where they fit, substituting slot values from tool results or context; free text is allowed when no fragment fits.\n")
		writeFragments(&b, in.Fragments)
	}
	b.WriteString("\n\nActive guidelines, highest priority first:\n")
	for _, a := range ordered {
		fmt.Fprintf(&b, "- [priority %d] %s -> %s (%s)\n", a.Priority, a.Guideline.Condition, a.Guideline.Action, a.Rationale)
	}
	writeSharedContext(&b, in)
	b.WriteString("\nDraft zero or more customer-facing messages satisfying as many active guidelines as possible given their priority. Never state facts not present in the tool results, context variables, glossary, or conversation. If a guideline cannot be satisfied, list it in unsatisfied_guidelines with a reason; never silently drop one.")
	return b.String()
}

func renderStrictAssemblyPrompt(in Input, ordered []guideline.ActiveGuideline) string {
	var b strings.Builder
	b.WriteString("Agent description: ")
	b.WriteString(in.AgentDescription)
	b.WriteString("\n\nComposition mode: strict-assembly. Only the following fragments may be used, each instantiated with ALL slots filled from tool results or context. If no combination of fragments expresses the required content, return zero messages.\n")
	writeFragments(&b, in.Fragments)
	b.WriteString("\nActive guidelines, highest priority first:\n")
	for _, a := range ordered {
		fmt.Fprintf(&b, "- [priority %d] %s -> %s (%s)\n", a.Priority, a.Guideline.Condition, a.Guideline.Action, a.Rationale)
	}
	writeSharedContext(&b, in)
	return b.String()
}

func writeFragments(b *strings.Builder, fragments []Fragment) {
	for _, f := range fragments {
		fmt.Fprintf(b, "- id=%s template=%q slots=%v\n", f.ID, f.Template, f.Slots)
	}
}

func writeSharedContext(b *strings.Builder, in Input) {
	b.WriteString("\nGlossary:\n")
	for _, t := range in.GlossaryTerms {
		fmt.Fprintf(b, "- %s: %s\n", t.Name, t.Definition)
	}
	b.WriteString("\nContext variables:\n")
	for _, v := range in.ContextVariables {
		fmt.Fprintf(b, "- %s = %v\n", v.Name, v.Value)
	}
	b.WriteString("\nTool results this turn:\n")
	for _, r := range in.ToolResults {
		if r.Error != "" {
			fmt.Fprintf(b, "- %s failed: %s\n", r.ToolID, r.Error)
		} else {
			fmt.Fprintf(b, "- %s = %v\n", r.ToolID, r.Data)
		}
	}
	b.WriteString("\nConversation history:\n")
	for _, line := range in.ConversationHistory {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if in.Utterance != nil {
		fmt.Fprintf(b, "\nProactive utterance requested: kind=%s reason=%s\n", in.Utterance.Kind, in.Utterance.Reason)
	}
}
