package controller

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/engine/glossary"
	"goa.design/goa-ai/engine/guideline"
	"goa.design/goa-ai/engine/message"
	"goa.design/goa-ai/engine/repo"
	repomem "goa.design/goa-ai/engine/repo/memory"
	"goa.design/goa-ai/engine/sessionlog"
	"goa.design/goa-ai/engine/sessionlog/inmem"
	"goa.design/goa-ai/engine/testkit"
	"goa.design/goa-ai/engine/tool"
	"goa.design/goa-ai/engine/toolcaller"
)

func newTestController(t *testing.T, client *testkit.Client) (*Controller, *inmem.Store, string) {
	t.Helper()

	agents := repomem.NewAgents()
	agents.Put(repo.Agent{ID: "agent-1", Description: "billing support agent", MaxIterations: 3})

	guidelines := repomem.NewGuidelines()
	guidelines.Put("agent-1", repo.Guideline{ID: "g1", Condition: "customer is upset", Action: "apologize and reassure"})

	connections := repomem.NewConnections()
	glossaryRepo := repomem.NewGlossary()
	contextVars := repomem.NewContextVariables()

	registry := tool.NewRegistry()

	store := inmem.New()
	session, err := store.CreateSession(context.Background(), sessionlog.Session{ID: "sess-1", AgentID: "agent-1", CustomerID: "cust-1"})
	require.NoError(t, err)

	_, err = store.Append(context.Background(), sessionlog.Event{
		SessionID: session.ID,
		Kind:      sessionlog.KindMessage,
		Source:    sessionlog.SourceCustomer,
		Data:      map[string]any{"text": "I am upset about my bill"},
	})
	require.NoError(t, err)

	deps := Deps{
		Agents:      agents,
		Connections: connections,
		ContextVars: contextVars,
		EventLog:    store,
		Glossary:    glossary.New(glossaryRepo, nil, 0),
		Guidelines:  guideline.New(guidelines, connections, client, nil, guideline.Options{}),
		ToolCaller:  toolcaller.New(registry, client, nil, toolcaller.Options{}),
		Generator:   message.New(client, nil),
		Tools:       registry,
	}
	return New(deps), store, session.ID
}

func TestProcessCompletesTurnWithoutTools(t *testing.T) {
	t.Parallel()
	client := testkit.New()
	client.AddFixture(testkit.Fixture{
		SchemaName: "guideline_batch_evaluation",
		Structured: mustJSON(t, map[string]any{
			"evaluations": []map[string]any{
				{"guideline_id": "g1", "holds": true, "priority": 7, "rationale": "customer expressed frustration"},
			},
		}),
	})
	client.AddFixture(testkit.Fixture{
		SchemaName: "message_draft",
		Structured: mustJSON(t, map[string]any{
			"messages": []map[string]any{{"text": "I'm sorry about the trouble with your bill, let's fix this."}},
		}),
	})

	ctrl, store, sessionID := newTestController(t, client)

	result, err := ctrl.Process(context.Background(), sessionID, "agent-1", TriggerNewEvent, TurnConfig{Mode: message.ModeFluid})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Len(t, result.Messages, 1)
	require.NotEmpty(t, result.CorrelationID)

	events, err := store.List(context.Background(), sessionID, sessionlog.ListOptions{Kinds: []sessionlog.Kind{sessionlog.KindStatus}})
	require.NoError(t, err)
	var statuses []string
	for _, e := range events {
		statuses = append(statuses, e.Data["status"].(string))
	}
	require.Contains(t, statuses, sessionlog.StatusAcknowledged)
	require.Contains(t, statuses, sessionlog.StatusProcessing)
	require.Contains(t, statuses, sessionlog.StatusTyping)
	require.Contains(t, statuses, sessionlog.StatusReady)
}

func TestProcessExcludesGuidelineOnceItsSingleClauseIsFulfilled(t *testing.T) {
	t.Parallel()
	client := testkit.New()
	client.AddFixture(testkit.Fixture{
		SchemaName: "guideline_batch_evaluation",
		Structured: mustJSON(t, map[string]any{
			"evaluations": []map[string]any{
				{"guideline_id": "g1", "holds": true, "priority": 7, "rationale": "customer expressed frustration"},
			},
		}),
	})
	client.AddFixture(testkit.Fixture{
		SchemaName: "tool_call_decision",
		Structured: mustJSON(t, map[string]any{"calls": []map[string]any{}}),
	})
	client.AddFixture(testkit.Fixture{
		SchemaName: "message_draft",
		Structured: mustJSON(t, map[string]any{
			"messages": []map[string]any{{"text": "I'm sorry about the trouble with your bill, let's fix this."}},
		}),
	})

	agents := repomem.NewAgents()
	agents.Put(repo.Agent{ID: "agent-1", Description: "billing support agent", MaxIterations: 3})

	guidelines := repomem.NewGuidelines()
	guidelines.Put("agent-1", repo.Guideline{ID: "g1", Condition: "customer is upset", Action: "apologize", ToolIDs: []string{"svc:noop"}})

	connections := repomem.NewConnections()
	glossaryRepo := repomem.NewGlossary()
	contextVars := repomem.NewContextVariables()

	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(tool.Tool{ID: "svc:noop", Description: "does nothing"}))

	store := inmem.New()
	session, err := store.CreateSession(context.Background(), sessionlog.Session{ID: "sess-1", AgentID: "agent-1", CustomerID: "cust-1"})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), sessionlog.Event{
		SessionID: session.ID,
		Kind:      sessionlog.KindMessage,
		Source:    sessionlog.SourceCustomer,
		Data:      map[string]any{"text": "I am upset about my bill"},
	})
	require.NoError(t, err)

	deps := Deps{
		Agents:      agents,
		Connections: connections,
		ContextVars: contextVars,
		EventLog:    store,
		Glossary:    glossary.New(glossaryRepo, nil, 0),
		Guidelines:  guideline.New(guidelines, connections, client, nil, guideline.Options{}),
		ToolCaller:  toolcaller.New(registry, client, nil, toolcaller.Options{}),
		Generator:   message.New(client, nil),
		Tools:       registry,
	}
	ctrl := New(deps)

	result, err := ctrl.Process(context.Background(), session.ID, "agent-1", TriggerNewEvent, TurnConfig{Mode: message.ModeFluid})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, result.Outcome)

	// g1's action ("apologize") has a single clause; once the first
	// iteration records it as fulfilled, the second iteration's Propose
	// call must receive that state so the partial-application guard can
	// exclude it from reactivating.
	calls := client.Calls()
	var batchCalls int
	for _, c := range calls {
		if c.SchemaName == "guideline_batch_evaluation" {
			batchCalls++
		}
	}
	require.Equal(t, 2, batchCalls, "expected propose to run twice: once before the guard excludes g1, once after")
}

func TestProcessReturnsCancelledWhenContextAlreadyDone(t *testing.T) {
	t.Parallel()
	client := testkit.New()
	ctrl, _, sessionID := newTestController(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := ctrl.Process(ctx, sessionID, "agent-1", TriggerNewEvent, TurnConfig{Mode: message.ModeFluid})
	require.Error(t, err)
	require.Equal(t, OutcomeCancelled, result.Outcome)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
