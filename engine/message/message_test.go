package message

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/engine/guideline"
	"goa.design/goa-ai/engine/repo"
	"goa.design/goa-ai/engine/testkit"
)

func TestGenerateReturnsEmptyWhenCustomerAskedToStop(t *testing.T) {
	t.Parallel()
	g := New(testkit.New(), nil)
	msgs, err := g.Generate(context.Background(), Input{CustomerAskedToStop: true})
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestGenerateReturnsEmptyWithNoTriggerAndNoGuidelines(t *testing.T) {
	t.Parallel()
	g := New(testkit.New(), nil)
	msgs, err := g.Generate(context.Background(), Input{})
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestGenerateFluidDraftsFromGuidelines(t *testing.T) {
	t.Parallel()
	client := testkit.New()
	client.AddFixture(testkit.Fixture{
		SchemaName: "message_draft",
		Structured: mustJSON(t, map[string]any{
			"messages": []map[string]any{{"text": "Sorry for the trouble, let's sort out your refund."}},
		}),
	})
	gen := New(client, nil)
	active := []guideline.ActiveGuideline{
		{Guideline: repo.Guideline{ID: "g1", Condition: "customer is upset", Action: "apologize"}, Priority: 8, Rationale: "customer upset"},
	}
	msgs, err := gen.Generate(context.Background(), Input{
		Active:                       active,
		Mode:                         ModeFluid,
		HasUnansweredCustomerMessage: true,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotEmpty(t, msgs[0].Text)
}

func TestGenerateStrictAssemblyEmitsNoMessageWithoutFragments(t *testing.T) {
	t.Parallel()
	gen := New(testkit.New(), nil)
	active := []guideline.ActiveGuideline{
		{Guideline: repo.Guideline{ID: "g1", Condition: "customer wants advice", Action: "give advice"}, Priority: 5},
	}
	msgs, err := gen.Generate(context.Background(), Input{
		Active:                       active,
		Mode:                         ModeStrictAssembly,
		HasUnansweredCustomerMessage: true,
	})
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
