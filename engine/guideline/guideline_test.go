package guideline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/engine/repo"
	repomemory "goa.design/goa-ai/engine/repo/memory"
	"goa.design/goa-ai/engine/testkit"
)

func TestProposeMergesBatchEvaluations(t *testing.T) {
	t.Parallel()
	guidelines := repomemory.NewGuidelines()
	guidelines.Put("agent-1", repo.Guideline{ID: "g1", Condition: "customer is angry", Action: "apologize"})
	guidelines.Put("agent-1", repo.Guideline{ID: "g2", Condition: "customer asks for refund", Action: "explain policy, then offer refund"})
	connections := repomemory.NewConnections()

	client := testkit.New()
	client.AddFixture(testkit.Fixture{
		SchemaName: "guideline_batch_evaluation",
		Structured: mustJSON(t, batchResponse{Evaluations: []candidateEvaluation{
			{GuidelineID: "g1", Holds: true, Priority: 8, Rationale: "customer expressed anger"},
			{GuidelineID: "g2", Holds: true, Priority: 5, Rationale: "customer asked for a refund"},
		}}),
	})

	p := New(guidelines, connections, client, nil, Options{})
	active, err := p.Propose(context.Background(), "agent-1", ConversationContext{})
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestProposeAppliesPartialApplicationGuard(t *testing.T) {
	t.Parallel()
	guidelines := repomemory.NewGuidelines()
	guidelines.Put("agent-1", repo.Guideline{ID: "g1", Condition: "customer asks for refund", Action: "explain policy, then offer refund"})
	connections := repomemory.NewConnections()

	client := testkit.New()
	client.AddFixture(testkit.Fixture{
		SchemaName: "guideline_batch_evaluation",
		Structured: mustJSON(t, batchResponse{Evaluations: []candidateEvaluation{
			{GuidelineID: "g1", Holds: true, Priority: 5, Rationale: "still relevant"},
		}}),
	})

	p := New(guidelines, connections, client, nil, Options{})
	cctx := ConversationContext{
		PreviouslyApplied: map[string]AppliedState{
			"g1": {FulfilledClauses: 2, TotalClauses: 2, HasContinuousClause: false},
		},
	}
	active, err := p.Propose(context.Background(), "agent-1", cctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestProposeClosesEntailsConnections(t *testing.T) {
	t.Parallel()
	guidelines := repomemory.NewGuidelines()
	guidelines.Put("agent-1", repo.Guideline{ID: "g1", Condition: "customer mentions cancellation", Action: "ask why"})
	guidelines.Put("agent-1", repo.Guideline{ID: "g2", Condition: "customer wants to cancel and is a premium member", Action: "offer retention discount"})
	connections := repomemory.NewConnections()
	connections.Put(repo.GuidelineConnection{SourceID: "g1", TargetID: "g2", Kind: repo.ConnectionEntails})

	client := testkit.New()
	client.AddFixture(testkit.Fixture{
		SchemaName: "guideline_batch_evaluation",
		Structured: mustJSON(t, batchResponse{Evaluations: []candidateEvaluation{
			{GuidelineID: "g1", Holds: true, Priority: 7, Rationale: "mentioned cancellation"},
			{GuidelineID: "g2", Holds: false, Priority: 0, Rationale: "no direct evidence"},
		}}),
	})
	client.AddFixture(testkit.Fixture{
		SchemaName: "guideline_connection_evaluation",
		Structured: mustJSON(t, candidateEvaluation{GuidelineID: "g2", Holds: true, Priority: 6, Rationale: "premium member assumption holds"}),
	})

	p := New(guidelines, connections, client, nil, Options{})
	active, err := p.Propose(context.Background(), "agent-1", ConversationContext{})
	require.NoError(t, err)

	var ids []string
	for _, a := range active {
		ids = append(ids, a.Guideline.ID)
	}
	require.Contains(t, ids, "g1")
	require.Contains(t, ids, "g2")
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
