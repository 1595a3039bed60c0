// Package contextvar implements context-variable freshness evaluation and
// tool-triggered refresh (spec.md §3 "values may be refreshed via tools";
// SPEC_FULL.md §12 "Context variable freshness refresh via tool"). A
// ContextVariable with a FreshnessRule.MaxAgeSeconds becomes "stale" once
// that long has passed since it was last set; a ControlHint returned by a
// tool call can also name variables to refresh unconditionally regardless of
// age.
//
// Grounded on the teacher's scheduled-refresh helpers in
// features/stream/pulse (publish-then-refetch) generalized from cache
// invalidation to explicit per-variable tool-backed refresh.
package contextvar

import (
	"context"
	"fmt"
	"time"

	"goa.design/goa-ai/engine/repo"
	"goa.design/goa-ai/engine/telemetry"
	"goa.design/goa-ai/engine/tool"
)

// Refresher re-fetches stale or explicitly flagged context variables by
// invoking each variable's FreshnessRule.RefreshToolID through a
// tool.Registry, then writes the result back through a repo.ContextVariables.
type Refresher struct {
	vars     repo.ContextVariables
	registry *tool.Registry
	logger   telemetry.Logger
	now      func() int64
}

// New constructs a Refresher. now defaults to a wall-clock Unix-seconds
// source; tests may override it for deterministic staleness checks.
func New(vars repo.ContextVariables, registry *tool.Registry, logger telemetry.Logger, now func() int64) *Refresher {
	if logger == nil {
		logger, _, _ = telemetry.NewNoop()
	}
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &Refresher{vars: vars, registry: registry, logger: logger, now: now}
}

// IsStale reports whether v needs refreshing given lastRefreshUnix, the Unix
// timestamp v was last set (0 if never refreshed since this process started,
// treated as stale whenever a MaxAgeSeconds rule is declared).
func IsStale(v repo.ContextVariable, lastRefreshUnix, nowUnix int64) bool {
	if v.Rule.MaxAgeSeconds <= 0 {
		return false
	}
	if lastRefreshUnix == 0 {
		return true
	}
	return nowUnix-lastRefreshUnix >= v.Rule.MaxAgeSeconds
}

// RefreshStale re-fetches every variable in vars whose FreshnessRule marks it
// stale as of now, or whose name appears in forceNames (from a tool's
// ControlHint.RefreshContextVars), and writes the refreshed value back.
// Variables with no RefreshToolID are left untouched; SPEC_FULL.md's freshness
// contract only covers tool-backed refresh.
func (r *Refresher) RefreshStale(ctx context.Context, agentID, customerID string, vars []repo.ContextVariable, lastRefresh map[string]int64, forceNames []string) []repo.ContextVariable {
	nowUnix := r.now()
	force := make(map[string]struct{}, len(forceNames))
	for _, n := range forceNames {
		force[n] = struct{}{}
	}

	refreshed := make([]repo.ContextVariable, len(vars))
	copy(refreshed, vars)

	for i, v := range refreshed {
		_, forced := force[v.Name]
		if !forced && !IsStale(v, lastRefresh[v.Name], nowUnix) {
			continue
		}
		if v.Rule.RefreshToolID == "" {
			continue
		}
		updated, err := r.refreshOne(ctx, agentID, customerID, v)
		if err != nil {
			r.logger.Warn(ctx, "contextvar: refresh failed, keeping stale value", "name", v.Name, "tool_id", v.Rule.RefreshToolID, "error", err)
			continue
		}
		refreshed[i] = updated
	}
	return refreshed
}

func (r *Refresher) refreshOne(ctx context.Context, agentID, customerID string, v repo.ContextVariable) (repo.ContextVariable, error) {
	id := tool.Ident(v.Rule.RefreshToolID)
	res, err := r.registry.Invoke(ctx, id, map[string]any{"name": v.Name, "agent_id": agentID, "customer_id": customerID})
	if err != nil {
		return v, fmt.Errorf("contextvar: invoke refresh tool %q: %w", id, err)
	}
	if res.Error != nil {
		return v, fmt.Errorf("contextvar: refresh tool %q reported an error: %w", id, res.Error)
	}
	updated := v
	updated.Value = res.Data
	if err := r.vars.Set(ctx, agentID, customerID, updated); err != nil {
		return v, fmt.Errorf("contextvar: persist refreshed value for %q: %w", v.Name, err)
	}
	return updated, nil
}
