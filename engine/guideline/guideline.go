// Package guideline implements the Guideline Proposer (spec.md §4.3): it
// partitions an agent's guidelines into batches, asks an LLM per batch
// whether each candidate's condition currently holds, merges/deduplicates
// the results, closes the "entails" connection graph, and applies the
// partial-application guard.
//
// Grounded on runtime/agent/planner's structured-output-per-candidate
// request shape, generalized from tool-call planning to condition
// evaluation, and on the teacher's per-batch retry/skip handling in
// runtime/agent/runtime (failed batches are logged and skipped rather than
// aborting the turn).
package guideline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"goa.design/goa-ai/engine/fanout"
	"goa.design/goa-ai/engine/model"
	"goa.design/goa-ai/engine/repo"
	"goa.design/goa-ai/engine/schemagen"
	"goa.design/goa-ai/engine/telemetry"
)

const (
	// DefaultBatchSize is B in spec.md §4.3 step 1.
	DefaultBatchSize = 5
	// DefaultParallelism bounds concurrent batch evaluation (spec.md §4.3 step 3).
	DefaultParallelism = 4
	// DefaultRatePerSecond bounds how fast new batch evaluation requests
	// start, independent of how many run concurrently (spec.md §5 "bounded
	// fan-out").
	DefaultRatePerSecond = 10
)

type (
	// ActiveGuideline is the Guideline Proposer's output entry (spec.md §3).
	ActiveGuideline struct {
		Guideline repo.Guideline
		Priority  int
		Rationale string
		// Reapplied is true when the condition was previously applied and
		// is being re-applied to new information (spec.md §4.3 step 2d).
		Reapplied bool
	}

	// Options configures a Proposer.
	Options struct {
		BatchSize   int
		Parallelism int
		MaxRetries  int
		// RatePerSecond bounds how fast new batch evaluation requests start;
		// <= 0 takes DefaultRatePerSecond.
		RatePerSecond float64
	}

	// Proposer implements the Guideline Proposer contract.
	Proposer struct {
		guidelines  repo.Guidelines
		connections repo.GuidelineConnections
		client      model.Client
		logger      telemetry.Logger
		opts        Options
		limiter     *rate.Limiter
	}

	// candidateEvaluation is the structured-output schema one batch request
	// returns for each candidate guideline (spec.md §4.3 step 2).
	candidateEvaluation struct {
		GuidelineID string `json:"guideline_id" jsonschema:"required,description=id of the guideline being evaluated"`
		Holds       bool   `json:"holds" jsonschema:"required,description=whether the condition currently holds"`
		Priority    int    `json:"priority" jsonschema:"description=priority 1-10 if holds is true"`
		Rationale   string `json:"rationale" jsonschema:"required,description=free-text rationale for the decision"`
		Reapplied   bool   `json:"reapplied" jsonschema:"description=true if this condition was previously applied and is being re-applied to new information"`
	}

	batchResponse struct {
		Evaluations []candidateEvaluation `json:"evaluations" jsonschema:"required"`
	}
)

// ConditionText and ActionText satisfy glossary.ActiveGuideline, so the
// Guideline Proposer's output can feed the Glossary Retriever's
// always-include rule without an adapter type.
func (a ActiveGuideline) ConditionText() string { return a.Guideline.Condition }
func (a ActiveGuideline) ActionText() string    { return a.Guideline.Action }

// New constructs a Proposer. Zero-valued Options fields take spec.md
// defaults.
func New(guidelines repo.Guidelines, connections repo.GuidelineConnections, client model.Client, logger telemetry.Logger, opts Options) *Proposer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
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
	return &Proposer{guidelines: guidelines, connections: connections, client: client, logger: logger, opts: opts, limiter: limiter}
}

// ConversationContext bundles the inputs the proposer folds into every
// batch prompt (spec.md §4.3 contract).
type ConversationContext struct {
	AgentDescription  string
	GlossaryTerms     []repo.Term
	ContextVariables  []repo.ContextVariable
	RecentEvents      []string
	PriorToolResults  []string
	// PreviouslyApplied tracks guideline ids whose action was at least
	// partially fulfilled in an earlier iteration this turn, for the
	// partial-application guard (spec.md §4.3 step 6).
	PreviouslyApplied map[string]AppliedState
}

// AppliedState records which action clauses of a previously-active
// guideline have already been fulfilled.
type AppliedState struct {
	FulfilledClauses int
	TotalClauses     int
	HasContinuousClause bool
}

// Propose runs the full algorithm in spec.md §4.3: batch, evaluate
// concurrently, merge, close connections, and apply the partial-application
// guard.
func (p *Proposer) Propose(ctx context.Context, agentID string, cctx ConversationContext) ([]ActiveGuideline, error) {
	all, err := p.guidelines.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	batches := partitionBatches(all, p.opts.BatchSize)

	type batchOutcome struct {
		evaluations []candidateEvaluation
		skipped     bool
	}
	outcomes, errs := fanout.Run(ctx, len(batches), p.opts.Parallelism, p.limiter, func(ctx context.Context, i int) (batchOutcome, error) {
		evals, err := p.evaluateBatchWithRetry(ctx, batches[i], cctx)
		if err != nil {
			p.logger.Warn(ctx, "guideline proposer: batch exhausted retries, skipping", "batch_index", i, "error", err)
			return batchOutcome{skipped: true}, nil
		}
		return batchOutcome{evaluations: evals}, nil
	})
	for i, err := range errs {
		if err != nil {
			p.logger.Warn(ctx, "guideline proposer: batch evaluation error", "batch_index", i, "error", err)
		}
	}

	byID := make(map[string]repo.Guideline, len(all))
	for _, g := range all {
		byID[g.ID] = g
	}

	merged := make(map[string]ActiveGuideline)
	var order []string
	for _, outcome := range outcomes {
		if outcome.skipped {
			continue
		}
		for _, eval := range outcome.evaluations {
			if !eval.Holds {
				continue
			}
			g, ok := byID[eval.GuidelineID]
			if !ok {
				continue
			}
			if !p.passesPartialApplicationGuard(g, cctx) {
				continue
			}
			candidate := ActiveGuideline{Guideline: g, Priority: clampPriority(eval.Priority), Rationale: eval.Rationale, Reapplied: eval.Reapplied}
			if existing, dup := merged[g.ID]; dup {
				if candidate.Priority > existing.Priority {
					merged[g.ID] = candidate
				}
				continue
			}
			merged[g.ID] = candidate
			order = append(order, g.ID)
		}
	}

	active := make([]ActiveGuideline, 0, len(order))
	for _, id := range order {
		active = append(active, merged[id])
	}

	active, err = p.closeConnections(ctx, agentID, active, merged, cctx)
	if err != nil {
		return nil, err
	}
	return active, nil
}

// evaluateBatchWithRetry issues the structured-output request for one
// batch, retrying with backoff up to opts.MaxRetries (spec.md §4.3 "Failure
// semantics").
func (p *Proposer) evaluateBatchWithRetry(ctx context.Context, batch []repo.Guideline, cctx ConversationContext) ([]candidateEvaluation, error) {
	schema, err := schemagen.For[batchResponse]()
	if err != nil {
		return nil, err
	}
	req := &model.Request{
		Messages:   []model.Message{{Role: model.RoleUser, Content: renderBatchPrompt(batch, cctx)}},
		Schema:     schema,
		SchemaName: "guideline_batch_evaluation",
		ModelClass: model.ModelClassDefault,
	}
	resp, err := model.CompleteWithRetry(ctx, p.client, req, p.retryOptions())
	if err != nil {
		return nil, err
	}
	var out batchResponse
	if err := model.ValidateStructured(schema, resp.Structured); err != nil {
		return nil, err
	}
	if err := unmarshalResponse(resp.Structured, &out); err != nil {
		return nil, err
	}
	return out.Evaluations, nil
}

// passesPartialApplicationGuard implements spec.md §4.3 step 6: a guideline
// whose action has multiple clauses, some fulfilled previously, is
// reactivated only if at least one clause remains unfulfilled, or any
// clause is inherently continuous.
func (p *Proposer) passesPartialApplicationGuard(g repo.Guideline, cctx ConversationContext) bool {
	state, tracked := cctx.PreviouslyApplied[g.ID]
	if !tracked || state.TotalClauses == 0 {
		return true
	}
	if state.HasContinuousClause {
		return true
	}
	return state.FulfilledClauses < state.TotalClauses
}

// closeConnections implements spec.md §4.3 step 5: for every active
// guideline G and every "entails" connection to a not-yet-active G', a
// focused single-candidate evaluation assuming G's condition holds;
// activated targets inherit priority = source priority - 1, floored at 1.
func (p *Proposer) closeConnections(ctx context.Context, agentID string, active []ActiveGuideline, merged map[string]ActiveGuideline, cctx ConversationContext) ([]ActiveGuideline, error) {
	queue := append([]ActiveGuideline(nil), active...)
	for len(queue) > 0 {
		source := queue[0]
		queue = queue[1:]

		conns, err := p.connections.OutgoingFrom(ctx, source.Guideline.ID)
		if err != nil {
			p.logger.Warn(ctx, "guideline proposer: connection lookup failed", "guideline_id", source.Guideline.ID, "error", err)
			continue
		}
		for _, conn := range conns {
			if conn.Kind != repo.ConnectionEntails {
				continue
			}
			if _, already := merged[conn.TargetID]; already {
				continue
			}
			target, err := p.guidelines.Get(ctx, conn.TargetID)
			if err != nil {
				continue
			}
			holds, rationale, err := p.evaluateFocused(ctx, target, source, cctx)
			if err != nil {
				p.logger.Warn(ctx, "guideline proposer: focused connection evaluation failed", "guideline_id", target.ID, "error", err)
				continue
			}
			if !holds {
				continue
			}
			derived := ActiveGuideline{
				Guideline: target,
				Priority:  clampPriority(source.Priority - 1),
				Rationale: rationale,
			}
			merged[target.ID] = derived
			active = append(active, derived)
			queue = append(queue, derived)
		}
	}
	return active, nil
}

// evaluateFocused asks whether target's condition holds given that
// source's condition is assumed true, per spec.md §4.3 step 5.
func (p *Proposer) evaluateFocused(ctx context.Context, target repo.Guideline, source ActiveGuideline, cctx ConversationContext) (bool, string, error) {
	schema, err := schemagen.For[candidateEvaluation]()
	if err != nil {
		return false, "", err
	}
	req := &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: renderFocusedPrompt(target, source, cctx)}},
		Schema:     schema,
		SchemaName: "guideline_connection_evaluation",
		ModelClass: model.ModelClassDefault,
	}
	resp, err := model.CompleteWithRetry(ctx, p.client, req, p.retryOptions())
	if err != nil {
		return false, "", err
	}
	var eval candidateEvaluation
	if err := unmarshalResponse(resp.Structured, &eval); err != nil {
		return false, "", err
	}
	return eval.Holds, eval.Rationale, nil
}

func (p *Proposer) retryOptions() model.RetryOptions {
	opts := model.DefaultRetryOptions(p.logger)
	if p.opts.MaxRetries > 0 {
		opts.MaxAttempts = p.opts.MaxRetries
	}
	return opts
}

func partitionBatches(guidelines []repo.Guideline, size int) [][]repo.Guideline {
	var batches [][]repo.Guideline
	for i := 0; i < len(guidelines); i += size {
		end := i + size
		if end > len(guidelines) {
			end = len(guidelines)
		}
		batches = append(batches, guidelines[i:end])
	}
	return batches
}

func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

func renderBatchPrompt(batch []repo.Guideline, cctx ConversationContext) string {
	var b strings.Builder
	b.WriteString("Agent description: ")
	b.WriteString(cctx.AgentDescription)
	b.WriteString("\n\nGlossary terms:\n")
	for _, t := range cctx.GlossaryTerms {
		b.WriteString("- ")
		b.WriteString(t.Name)
		b.WriteString(": ")
		b.WriteString(t.Definition)
		b.WriteString("\n")
	}
	b.WriteString("\nContext variables:\n")
	for _, v := range cctx.ContextVariables {
		b.WriteString("- ")
		b.WriteString(v.Name)
		b.WriteString("\n")
	}
	b.WriteString("\nRecent conversation:\n")
	for _, e := range cctx.RecentEvents {
		b.WriteString(e)
		b.WriteString("\n")
	}
	b.WriteString("\nPrior iteration tool results:\n")
	for _, r := range cctx.PriorToolResults {
		b.WriteString(r)
		b.WriteString("\n")
	}
	b.WriteString("\nCandidate guidelines:\n")
	for _, g := range batch {
		b.WriteString("- id=")
		b.WriteString(g.ID)
		b.WriteString(" condition=\"")
		b.WriteString(g.Condition)
		b.WriteString("\" action=\"")
		b.WriteString(g.Action)
		b.WriteString("\"\n")
	}
	b.WriteString("\nFor each candidate, decide whether its condition holds now, assign a priority 1-10 if it holds, give a rationale, and note whether this is a re-application of a previously applied condition.")
	return b.String()
}

func renderFocusedPrompt(target repo.Guideline, source ActiveGuideline, cctx ConversationContext) string {
	var b strings.Builder
	b.WriteString("Agent description: ")
	b.WriteString(cctx.AgentDescription)
	b.WriteString("\n\nAssume the following guideline's condition currently holds: \"")
	b.WriteString(source.Guideline.Condition)
	b.WriteString("\"\n\nGiven that assumption, does this guideline's condition also hold?\nid=")
	b.WriteString(target.ID)
	b.WriteString(" condition=\"")
	b.WriteString(target.Condition)
	b.WriteString("\" action=\"")
	b.WriteString(target.Action)
	b.WriteString("\"\n")
	return b.String()
}

func unmarshalResponse(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("guideline: decode structured response: %w", err)
	}
	return nil
}
