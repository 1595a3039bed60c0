package toolcaller

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/engine/testkit"
	"goa.design/goa-ai/engine/tool"
)

type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, toolName string, args map[string]any) (tool.Result, error) {
	return tool.Result{Data: args}, nil
}

func newRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	require.NoError(t, r.Register(tool.Tool{
		ID:          "billing:lookup_balance",
		Description: "looks up the customer's account balance",
		Parameters: []tool.Parameter{
			{Name: "account_id", Description: "the account id", Required: true},
			{Name: "currency", Description: "currency code", Required: true, Schema: json.RawMessage(`{"type":"string","enum":["usd","eur"]}`)},
		},
	}))
	r.RegisterRunner("billing", echoRunner{})
	return r
}

func TestRunExecutesGroundedCall(t *testing.T) {
	t.Parallel()
	registry := newRegistry(t)
	client := testkit.New()
	client.AddFixture(testkit.Fixture{
		SchemaName: "tool_call_decision",
		Structured: mustJSON(t, toolDecisionResponse{Calls: []candidateCall{
			{ShouldCall: true, Arguments: map[string]any{"account_id": "acct-42", "currency": "USD"}, Rationale: "balance requested"},
		}}),
	})

	caller := New(registry, client, nil, Options{})
	assoc := map[tool.Ident][]GuidelineToolAssociation{
		"billing:lookup_balance": {{GuidelineID: "g1", Rationale: "customer asked for balance"}},
	}
	sources := GroundingSources{ConversationLiterals: []string{"my account is acct-42", "please bill me in usd"}}

	calls, skipped := caller.Run(context.Background(), assoc, "customer: my account is acct-42, please bill me in usd", nil, nil, sources)
	require.Empty(t, skipped)
	require.Len(t, calls, 1)
	require.Equal(t, "usd", calls[0].Arguments["currency"])
}

func TestRunSkipsUngroundedArguments(t *testing.T) {
	t.Parallel()
	registry := newRegistry(t)
	client := testkit.New()
	client.AddFixture(testkit.Fixture{
		SchemaName: "tool_call_decision",
		Structured: mustJSON(t, toolDecisionResponse{Calls: []candidateCall{
			{ShouldCall: true, Arguments: map[string]any{"account_id": "acct-99", "currency": "usd"}, Rationale: "guessed"},
		}}),
	})

	caller := New(registry, client, nil, Options{})
	assoc := map[tool.Ident][]GuidelineToolAssociation{
		"billing:lookup_balance": {{GuidelineID: "g1", Rationale: "customer asked for balance"}},
	}

	calls, skipped := caller.Run(context.Background(), assoc, "customer: what's my balance", nil, nil, GroundingSources{})
	require.Empty(t, calls)
	require.Len(t, skipped, 1)
	require.Contains(t, skipped[0].Reason, "pending info")
}

func TestRunRejectsMissingRequiredArgument(t *testing.T) {
	t.Parallel()
	registry := newRegistry(t)
	client := testkit.New()
	client.AddFixture(testkit.Fixture{
		SchemaName: "tool_call_decision",
		Structured: mustJSON(t, toolDecisionResponse{Calls: []candidateCall{
			{ShouldCall: true, Arguments: map[string]any{"account_id": "acct-42"}, Rationale: "missing currency"},
		}}),
	})

	caller := New(registry, client, nil, Options{})
	assoc := map[tool.Ident][]GuidelineToolAssociation{
		"billing:lookup_balance": {{GuidelineID: "g1", Rationale: "x"}},
	}
	calls, skipped := caller.Run(context.Background(), assoc, "acct-42", nil, nil, GroundingSources{ConversationLiterals: []string{"acct-42"}})
	require.Empty(t, calls)
	require.Len(t, skipped, 1)
	require.Contains(t, skipped[0].Reason, "missing required argument")
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
