// Package controller implements the Iteration Controller (spec.md §4.1):
// the per-turn fixpoint driver that re-runs the Glossary Retriever,
// Guideline Proposer, and Tool Caller stages until either a stage produces
// no new tool results or agent.max_iterations is reached, then hands off
// to the Message Generator.
//
// Grounded on runtime/agent/runtime.Runtime's per-run orchestration shape
// (per-id mutex, correlation-rooted ids, status-event emission around a
// suspendable stage loop) and runtime/agent/runtime/run_id.go's
// uuid-suffixed identifier pattern, adapted from a single durable workflow
// run to the spec's in-process cooperative iteration loop.
package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/goa-ai/engine/contextvar"
	"goa.design/goa-ai/engine/enginerr"
	"goa.design/goa-ai/engine/glossary"
	"goa.design/goa-ai/engine/guideline"
	"goa.design/goa-ai/engine/message"
	"goa.design/goa-ai/engine/repo"
	"goa.design/goa-ai/engine/sessionlog"
	"goa.design/goa-ai/engine/status"
	"goa.design/goa-ai/engine/telemetry"
	"goa.design/goa-ai/engine/tool"
	"goa.design/goa-ai/engine/toolcaller"
)

// TriggerKind distinguishes a turn started by a new session event from one
// started by an explicit proactive/utterance request (spec.md §4.1 contract,
// §6 utter).
type TriggerKind string

const (
	TriggerNewEvent  TriggerKind = "new_event"
	TriggerProactive TriggerKind = "proactive"
)

// Outcome classifies how a turn ended, used for logging/metrics; the
// returned error (if any) is always an *enginerr.Error of KindCancelled
// (with OutcomeCancelled) or of KindFatal.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExhausted Outcome = "exhausted"
)

// Result is what Process returns. Exhausted is returned with a nil error;
// Cancelled is returned together with an enginerr KindCancelled error.
type Result struct {
	Outcome       Outcome
	CorrelationID string
	Messages      []sessionlog.Event
}

// Deps bundles every repository, stage, and infrastructure component the
// controller coordinates (spec.md §9 "the engine receives them as
// dependencies, never accesses globals directly").
type Deps struct {
	Agents      repo.Agents
	Connections repo.GuidelineConnections
	ContextVars repo.ContextVariables
	EventLog    sessionlog.Store
	Glossary    *glossary.Retriever
	Guidelines  *guideline.Proposer
	ToolCaller  *toolcaller.Caller
	Generator   *message.Generator
	Tools       *tool.Registry
	Logger      telemetry.Logger
	// ContextRefresher is optional; when set, a tool's ControlHint
	// requesting RefreshContextVars triggers a tool-backed refresh before
	// the next iteration's Guideline Proposer call (spec.md §4.4 step 5,
	// SPEC_FULL.md §12 "Context variable freshness refresh via tool").
	ContextRefresher *contextvar.Refresher
	// Now anchors the Tool Caller's relative-date grounding derivation
	// (spec.md §4.4 step 4). Defaults to time.Now; tests may override it for
	// deterministic assertions.
	Now func() time.Time
}

// TurnConfig parameterizes a single call to Process beyond what Deps fixes
// process-wide.
type TurnConfig struct {
	Mode       message.CompositionMode
	Fragments  []message.Fragment
	Utterance  *message.UtteranceRequest
	MinOffset  int64
}

// Controller drives turns for many sessions, serializing turns within a
// session via a per-session mutex (spec.md §5 "at most one turn per session
// runs at a time").
type Controller struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// New constructs a Controller.
func New(deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger, _, _ = telemetry.NewNoop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Controller{deps: deps, sessions: make(map[string]*sync.Mutex)}
}

func (c *Controller) sessionLock(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.sessions[sessionID]
	if !ok {
		l = &sync.Mutex{}
		c.sessions[sessionID] = l
	}
	return l
}

// Process drives exactly one turn for sessionID (spec.md §6 process). ctx
// carries the turn's cancellation token; cancelling it at any point moves
// the state machine to CANCELLED (spec.md §4.1 state machine).
func (c *Controller) Process(ctx context.Context, sessionID, agentID string, trigger TriggerKind, cfg TurnConfig) (Result, error) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	root := newCorrelationRoot(sessionID)
	emitter := status.New(c.deps.EventLog)

	if ctx.Err() != nil {
		return c.cancel(ctx, sessionID, root, emitter)
	}

	agent, err := c.deps.Agents.Get(ctx, agentID)
	if err != nil {
		return c.fail(ctx, sessionID, root, emitter, fmt.Errorf("load agent %q: %w", agentID, err))
	}

	if _, err := emitter.Acknowledged(ctx, sessionID, root); err != nil {
		return c.fail(ctx, sessionID, root, emitter, err)
	}
	if ctx.Err() != nil {
		return c.cancel(ctx, sessionID, root, emitter)
	}
	if _, err := emitter.Processing(ctx, sessionID, root); err != nil {
		return c.fail(ctx, sessionID, root, emitter, err)
	}

	maxIterations := agent.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 3
	}

	var prevToolHashes map[string]struct{}
	var active []guideline.ActiveGuideline
	var toolResults []message.ToolResult
	var skipped []toolcaller.Skipped
	exhausted := false
	appliedState := make(map[string]guideline.AppliedState)

	for iter := 0; iter < maxIterations; iter++ {
		if ctx.Err() != nil {
			return c.cancel(ctx, sessionID, root, emitter)
		}

		conversation, recentEventTexts := c.loadConversation(ctx, sessionID, cfg.MinOffset)
		cvars, err := c.deps.ContextVars.ListForSession(ctx, agentID, customerIDFor(sessionID))
		if err != nil {
			c.deps.Logger.Warn(ctx, "controller: context variable lookup failed", "session_id", sessionID, "error", err)
		}

		var activeLenses []glossary.ActiveGuideline
		for _, a := range active {
			activeLenses = append(activeLenses, a)
		}
		terms := c.deps.Glossary.Retrieve(ctx, agentID, conversation, agent.Description, activeLenses)

		active, err = c.deps.Guidelines.Propose(ctx, agentID, guideline.ConversationContext{
			AgentDescription:  agent.Description,
			GlossaryTerms:     terms,
			ContextVariables:  cvars,
			RecentEvents:      recentEventTexts,
			PriorToolResults:  renderPriorResults(toolResults),
			PreviouslyApplied: appliedState,
		})
		if err != nil {
			return c.fail(ctx, sessionID, root, emitter, err)
		}
		if ctx.Err() != nil {
			return c.cancel(ctx, sessionID, root, emitter)
		}

		recordAppliedClauses(appliedState, active)

		toolAssocs := collectToolAssociations(active)
		if len(toolAssocs) == 0 {
			break
		}

		sub := fmt.Sprintf("%s.tools.%d", root, iter)
		calls, calledSkipped := c.deps.ToolCaller.Run(ctx, toolAssocs, conversation, cvars, terms, toolcaller.GroundingSources{
			ConversationLiterals: recentEventTexts,
			ContextVariables:     contextVarMap(cvars),
			PreviousToolResults:  toolResultMap(toolResults),
			Now:                  c.deps.Now(),
		})
		skipped = calledSkipped
		if ctx.Err() != nil {
			return c.cancel(ctx, sessionID, root, emitter)
		}

		if len(calls) > 0 {
			if _, err := c.appendToolEvent(ctx, sessionID, sub, calls); err != nil {
				return c.fail(ctx, sessionID, root, emitter, err)
			}
		}
		toolResults = toMessageToolResults(calls)

		if forceNames := controlHintRefreshNames(calls); len(forceNames) > 0 && c.deps.ContextRefresher != nil {
			c.deps.ContextRefresher.RefreshStale(ctx, agentID, customerIDFor(sessionID), cvars, nil, forceNames)
		}

		hashes := hashToolResults(calls)
		if prevToolHashes != nil && sameHashSet(hashes, prevToolHashes) {
			break
		}
		prevToolHashes = hashes

		if iter == maxIterations-1 {
			exhausted = true
		}
	}

	if ctx.Err() != nil {
		return c.cancel(ctx, sessionID, root, emitter)
	}
	if _, err := emitter.Typing(ctx, sessionID, root); err != nil {
		return c.fail(ctx, sessionID, root, emitter, err)
	}

	conversation, _ := c.loadConversation(ctx, sessionID, cfg.MinOffset)
	cvars, _ := c.deps.ContextVars.ListForSession(ctx, agentID, customerIDFor(sessionID))
	var activeLenses []glossary.ActiveGuideline
	for _, a := range active {
		activeLenses = append(activeLenses, a)
	}
	terms := c.deps.Glossary.Retrieve(ctx, agentID, conversation, agent.Description, activeLenses)

	messages, err := c.deps.Generator.Generate(ctx, message.Input{
		ConversationHistory:          strings.Split(conversation, "\n"),
		Active:                       active,
		GlossaryTerms:                terms,
		ContextVariables:             cvars,
		ToolResults:                  toolResults,
		AgentDescription:             agent.Description,
		Mode:                         cfg.Mode,
		Fragments:                    cfg.Fragments,
		Utterance:                    cfg.Utterance,
		HasUnansweredCustomerMessage: trigger == TriggerNewEvent,
	})
	if err != nil {
		return c.fail(ctx, sessionID, root, emitter, err)
	}
	if ctx.Err() != nil {
		return c.cancel(ctx, sessionID, root, emitter)
	}

	var appended []sessionlog.Event
	for _, m := range messages {
		evt, err := c.deps.EventLog.Append(ctx, sessionlog.Event{
			SessionID:     sessionID,
			Kind:          sessionlog.KindMessage,
			Source:        sessionlog.SourceAIAgent,
			CorrelationID: root,
			Data:          map[string]any{"text": m.Text, "unsatisfied_guidelines": m.UnsatisfiedGuidelines, "pending_info": skipped},
		})
		if err != nil {
			return c.fail(ctx, sessionID, root, emitter, err)
		}
		appended = append(appended, evt)
	}

	if _, err := emitter.Ready(ctx, sessionID, root); err != nil {
		return c.fail(ctx, sessionID, root, emitter, err)
	}

	outcome := OutcomeCompleted
	if exhausted {
		outcome = OutcomeExhausted
	}
	return Result{Outcome: outcome, CorrelationID: root, Messages: appended}, nil
}

func (c *Controller) cancel(ctx context.Context, sessionID, root string, emitter *status.Emitter) (Result, error) {
	bg := context.Background()
	if _, err := emitter.Cancelled(bg, sessionID, root); err != nil {
		c.deps.Logger.Warn(bg, "controller: failed to emit cancelled status", "session_id", sessionID, "error", err)
	}
	if _, err := emitter.Ready(bg, sessionID, root); err != nil {
		c.deps.Logger.Warn(bg, "controller: failed to emit ready status after cancel", "session_id", sessionID, "error", err)
	}
	return Result{Outcome: OutcomeCancelled, CorrelationID: root}, enginerr.Cancelled()
}

func (c *Controller) fail(ctx context.Context, sessionID, root string, emitter *status.Emitter, cause error) (Result, error) {
	bg := context.Background()
	if _, err := emitter.Error(bg, sessionID, root, cause.Error()); err != nil {
		c.deps.Logger.Warn(bg, "controller: failed to emit error status", "session_id", sessionID, "error", err)
	}
	if _, err := emitter.Ready(bg, sessionID, root); err != nil {
		c.deps.Logger.Warn(bg, "controller: failed to emit ready status after error", "session_id", sessionID, "error", err)
	}
	return Result{Outcome: "", CorrelationID: root}, enginerr.Fatal(cause)
}

func (c *Controller) loadConversation(ctx context.Context, sessionID string, minOffset int64) (string, []string) {
	events, err := c.deps.EventLog.List(ctx, sessionID, sessionlog.ListOptions{MinOffset: minOffset, Kinds: []sessionlog.Kind{sessionlog.KindMessage}})
	if err != nil {
		c.deps.Logger.Warn(ctx, "controller: failed to load conversation", "session_id", sessionID, "error", err)
		return "", nil
	}
	lines := make([]string, 0, len(events))
	for _, e := range events {
		if text, ok := e.Data["text"]; ok {
			lines = append(lines, fmt.Sprintf("%s: %v", e.Source, text))
		}
	}
	return strings.Join(lines, "\n"), lines
}

func (c *Controller) appendToolEvent(ctx context.Context, sessionID, correlationID string, calls []tool.Call) (sessionlog.Event, error) {
	serializable := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		entry := map[string]any{
			"tool_id":   string(call.ToolID),
			"arguments": call.Arguments,
			"data":      call.Result.Data,
			"metadata":  call.Result.Metadata,
		}
		if call.Result.Error != nil {
			entry["error"] = call.Result.Error.Error()
		}
		serializable = append(serializable, entry)
	}
	return c.deps.EventLog.Append(ctx, sessionlog.Event{
		SessionID:     sessionID,
		Kind:          sessionlog.KindTool,
		Source:        sessionlog.SourceSystem,
		CorrelationID: correlationID,
		Data:          map[string]any{"calls": serializable},
	})
}

func collectToolAssociations(active []guideline.ActiveGuideline) map[tool.Ident][]toolcaller.GuidelineToolAssociation {
	out := make(map[tool.Ident][]toolcaller.GuidelineToolAssociation)
	for _, a := range active {
		for _, toolID := range a.Guideline.ToolIDs {
			id := tool.Ident(toolID)
			out[id] = append(out[id], toolcaller.GuidelineToolAssociation{GuidelineID: a.Guideline.ID, Rationale: a.Rationale})
		}
	}
	return out
}

// recordAppliedClauses updates appliedState for every guideline active this
// iteration, so the next iteration's Propose call can apply the
// partial-application guard (spec.md §4.3 step 6): a guideline reappearing
// as active in the same turn counts as having addressed one more of its
// action's clauses.
func recordAppliedClauses(appliedState map[string]guideline.AppliedState, active []guideline.ActiveGuideline) {
	for _, a := range active {
		state, tracked := appliedState[a.Guideline.ID]
		if !tracked {
			state = guideline.AppliedState{
				TotalClauses:        countActionClauses(a.Guideline.Action),
				HasContinuousClause: actionHasContinuousClause(a.Guideline.Action),
			}
		}
		if state.FulfilledClauses < state.TotalClauses {
			state.FulfilledClauses++
		}
		appliedState[a.Guideline.ID] = state
	}
}

// countActionClauses splits a guideline's action text into the discrete
// steps it describes, the narrow signal the partial-application guard needs
// for "how many clauses remain" (spec.md §4.3 step 6's "explain policy, then
// offer refund" example: two clauses). Separators are "," and " then ",
// lowercase-matched; anything else is treated as a single-clause action.
func countActionClauses(action string) int {
	normalized := strings.ReplaceAll(strings.ToLower(action), " then ", ",")
	parts := strings.Split(normalized, ",")
	n := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// actionHasContinuousClause recognizes action text describing an ongoing
// obligation rather than a one-time step (spec.md §4.3 step 6's "continuous
// clause" exception), via a narrow, auditable keyword match.
func actionHasContinuousClause(action string) bool {
	lower := strings.ToLower(action)
	for _, kw := range []string{"always", "continuously", "continue to", "keep ", "ongoing", "every time", "each time"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// controlHintRefreshNames collects every context variable name any of calls'
// ControlHint asked to refresh (spec.md §4.4 step 5).
func controlHintRefreshNames(calls []tool.Call) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range calls {
		if c.Result.Control == nil {
			continue
		}
		for _, name := range c.Result.Control.RefreshContextVars {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

func toMessageToolResults(calls []tool.Call) []message.ToolResult {
	out := make([]message.ToolResult, 0, len(calls))
	for _, c := range calls {
		r := message.ToolResult{ToolID: string(c.ToolID), Data: c.Result.Data}
		if c.Result.Error != nil {
			r.Error = c.Result.Error.Error()
		}
		out = append(out, r)
	}
	return out
}

func renderPriorResults(results []message.ToolResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		if r.Error != "" {
			out = append(out, fmt.Sprintf("%s failed: %s", r.ToolID, r.Error))
		} else {
			out = append(out, fmt.Sprintf("%s = %v", r.ToolID, r.Data))
		}
	}
	return out
}

func contextVarMap(vars []repo.ContextVariable) map[string]any {
	out := make(map[string]any, len(vars))
	for _, v := range vars {
		out[v.Name] = v.Value
	}
	return out
}

func toolResultMap(results []message.ToolResult) map[string]any {
	out := make(map[string]any, len(results))
	for _, r := range results {
		out[r.ToolID] = r.Data
	}
	return out
}

// hashToolResults implements spec.md §4.1's convergence rule: the
// comparable state after a TOOLS stage is the set of tool-result hashes.
func hashToolResults(calls []tool.Call) map[string]struct{} {
	out := make(map[string]struct{}, len(calls))
	for _, c := range calls {
		h := sha256.New()
		h.Write([]byte(c.ToolID))
		if encoded, err := json.Marshal(c.Result.Data); err == nil {
			h.Write(encoded)
		}
		out[hex.EncodeToString(h.Sum(nil))] = struct{}{}
	}
	return out
}

func sameHashSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// newCorrelationRoot assigns a fresh correlation root per turn (spec.md
// §4.6 "Correlation"), grounded on runtime/agent/runtime/run_id.go's
// session-prefixed uuid pattern.
func newCorrelationRoot(sessionID string) string {
	prefix := strings.ReplaceAll(sessionID, ".", "-")
	return fmt.Sprintf("%s.%s", prefix, uuid.NewString())
}

// customerIDFor is a placeholder resolution point: it uses the session id
// as the customer id for context-variable lookups. The session record's
// CustomerID is not read.
func customerIDFor(sessionID string) string {
	return sessionID
}
