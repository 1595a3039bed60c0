// Package glossary implements the Glossary Retriever (spec.md §4.2): given
// the recent conversation text, agent description, and currently active
// guidelines, it returns a bounded set of terms (≤K) most relevant by
// lexical/vector search, always including terms named verbatim in an
// active guideline's condition or action. A missing index is never fatal;
// it degrades to an empty set plus a warning.
//
// Grounded on runtime/agent/engine's per-stage retriever shape (a small
// struct wrapping a repo interface and a telemetry.Logger, one exported
// Retrieve method), generalized from the teacher's tool/knowledge lookups.
package glossary

import (
	"context"
	"regexp"
	"strings"

	"goa.design/goa-ai/engine/repo"
	"goa.design/goa-ai/engine/telemetry"
)

// DefaultK is the default bound on retrieved terms (spec.md §4.2).
const DefaultK = 20

// ActiveGuideline is the minimal guideline shape the retriever needs: just
// enough to scan condition/action text for verbatim term names. The full
// guideline.ActiveGuideline (engine/guideline) satisfies this.
type ActiveGuideline interface {
	ConditionText() string
	ActionText() string
}

// Retriever implements the Glossary Retriever contract.
type Retriever struct {
	glossary repo.Glossary
	logger   telemetry.Logger
	k        int
}

// New constructs a Retriever. k<=0 uses DefaultK.
func New(glossaryRepo repo.Glossary, logger telemetry.Logger, k int) *Retriever {
	if k <= 0 {
		k = DefaultK
	}
	if logger == nil {
		logger, _, _ = telemetry.NewNoop()
	}
	return &Retriever{glossary: glossaryRepo, logger: logger, k: k}
}

// Retrieve returns at most r.k terms relevant to conversationText and
// agentDescription, always including any single-word term named verbatim in
// one of active's conditions/actions (see extractExactNames; multi-word term
// names are not matched this way). A missing or erroring index degrades to an
// empty result with a logged warning, never an error (spec.md §4.2
// "Failure").
func (r *Retriever) Retrieve(ctx context.Context, agentID, conversationText, agentDescription string, active []ActiveGuideline) []repo.Term {
	queryText := conversationText + "\n" + agentDescription

	searched, err := r.glossary.Search(ctx, agentID, queryText, r.k)
	if err != nil {
		r.logger.Warn(ctx, "glossary retriever: search failed, degrading to empty set", "agent_id", agentID, "error", err)
		searched = nil
	}

	exactNames := extractExactNames(active)
	var exact []repo.Term
	if len(exactNames) > 0 {
		exact, err = r.glossary.ByExactName(ctx, agentID, exactNames)
		if err != nil {
			r.logger.Warn(ctx, "glossary retriever: exact-name lookup failed", "agent_id", agentID, "error", err)
			exact = nil
		}
	}

	return mergeBounded(exact, searched, r.k)
}

// extractExactNames scans every active guideline's condition/action text for
// single-word tokens; term resolution against the glossary store determines
// which are real term names (the retriever itself does not know the term
// vocabulary in advance, so it over-collects candidate words and relies on
// ByExactName to filter to real terms). Multi-word phrases are not
// collected, so a term whose name has several words is never matched here.
func extractExactNames(active []ActiveGuideline) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, g := range active {
		for _, token := range wordTokens(g.ConditionText() + " " + g.ActionText()) {
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			names = append(names, token)
		}
	}
	return names
}

var tokenPattern = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_-]*`)

func wordTokens(text string) []string {
	return tokenPattern.FindAllString(text, -1)
}

// mergeBounded places exact matches first (spec.md §4.2 "always includes"),
// then fills remaining capacity with searched results, deduplicating by
// lowercased name and truncating to limit.
func mergeBounded(exact, searched []repo.Term, limit int) []repo.Term {
	seen := make(map[string]struct{})
	out := make([]repo.Term, 0, limit)
	add := func(t repo.Term) bool {
		key := strings.ToLower(t.Name)
		if _, ok := seen[key]; ok {
			return false
		}
		if limit > 0 && len(out) >= limit {
			return false
		}
		seen[key] = struct{}{}
		out = append(out, t)
		return true
	}
	for _, t := range exact {
		add(t)
	}
	for _, t := range searched {
		add(t)
	}
	return out
}
