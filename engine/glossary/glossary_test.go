package glossary

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/engine/repo"
	repomemory "goa.design/goa-ai/engine/repo/memory"
)

type fakeActiveGuideline struct {
	condition string
	action    string
}

func (f fakeActiveGuideline) ConditionText() string { return f.condition }
func (f fakeActiveGuideline) ActionText() string    { return f.action }

func TestRetrieveAlwaysIncludesExactNameMatches(t *testing.T) {
	t.Parallel()
	store := repomemory.NewGlossary()
	store.Put("agent-1", repo.Term{Name: "SLA", Definition: "contractual response time"})
	store.Put("agent-1", repo.Term{Name: "refund", Definition: "money returned to the customer"})

	r := New(store, nil, 5)
	active := []ActiveGuideline{fakeActiveGuideline{condition: "customer mentions SLA", action: "explain the SLA"}}

	terms := r.Retrieve(context.Background(), "agent-1", "can you tell me about pricing", "billing agent", active)

	var names []string
	for _, term := range terms {
		names = append(names, term.Name)
	}
	require.Contains(t, names, "SLA")
}

func TestRetrieveBoundsToK(t *testing.T) {
	t.Parallel()
	store := repomemory.NewGlossary()
	for i := 0; i < 50; i++ {
		store.Put("agent-1", repo.Term{Name: "term", Definition: "refund policy details for term"})
	}
	r := New(store, nil, 3)
	terms := r.Retrieve(context.Background(), "agent-1", "refund policy", "agent", nil)
	require.LessOrEqual(t, len(terms), 3)
}

func TestRetrieveNeverFatalOnMissingIndex(t *testing.T) {
	t.Parallel()
	r := New(failingGlossary{}, nil, 5)
	terms := r.Retrieve(context.Background(), "agent-1", "hello", "agent", nil)
	require.Empty(t, terms)
}

type failingGlossary struct{}

func (failingGlossary) Search(context.Context, string, string, int) ([]repo.Term, error) {
	return nil, assertErr{}
}
func (failingGlossary) ByExactName(context.Context, string, []string) ([]repo.Term, error) {
	return nil, assertErr{}
}

type assertErr struct{}

func (assertErr) Error() string { return "index unavailable" }
