package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/engine/repo"
)

func TestGuidelinesListByAgent(t *testing.T) {
	t.Parallel()
	g := NewGuidelines()
	g.Put("agent-1", repo.Guideline{ID: "g1", Condition: "customer is angry", Action: "apologize"})
	g.Put("agent-1", repo.Guideline{ID: "g2", Condition: "customer asks for refund", Action: "explain policy"})
	g.Put("agent-2", repo.Guideline{ID: "g3", Condition: "unrelated", Action: "noop"})

	out, err := g.ListByAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, out, 2)

	_, err = g.Get(context.Background(), "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestGlossarySearchPrefersExactAndLexicalMatches(t *testing.T) {
	t.Parallel()
	g := NewGlossary()
	g.Put("agent-1", repo.Term{Name: "SLA", Synonyms: []string{"service level agreement"}, Definition: "the contractual response time"})
	g.Put("agent-1", repo.Term{Name: "refund", Definition: "money returned to the customer"})

	out, err := g.Search(context.Background(), "agent-1", "what is our SLA for refund requests", 5)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	exact, err := g.ByExactName(context.Background(), "agent-1", []string{"SLA"})
	require.NoError(t, err)
	require.Len(t, exact, 1)
	require.Equal(t, "SLA", exact[0].Name)
}

func TestContextVariablesScoping(t *testing.T) {
	t.Parallel()
	cv := NewContextVariables()
	require.NoError(t, cv.Set(context.Background(), "agent-1", "cust-1", repo.ContextVariable{
		Name: "plan", Value: "pro", Scope: repo.ScopeCustomer,
	}))
	require.NoError(t, cv.Set(context.Background(), "agent-1", "", repo.ContextVariable{
		Name: "business_hours", Value: "9-5", Scope: repo.ScopeGlobal,
	}))

	v, err := cv.Get(context.Background(), "agent-1", "cust-1", "plan")
	require.NoError(t, err)
	require.Equal(t, "pro", v.Value)

	all, err := cv.ListForSession(context.Background(), "agent-1", "cust-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
}
