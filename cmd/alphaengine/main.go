// Command alphaengine wires every Alpha Engine component together with
// in-memory repositories and a provider-selected model.Client, seeds one
// agent with a handful of guidelines, and drives a single demo turn end to
// end: NEW -> ACK -> PROCESSING -> GLOSSARY -> PROPOSE -> TOOLS -> TYPING ->
// GENERATE -> READY.
//
// Grounded on cmd/demo/main.go's register-then-run shape, generalized from a
// stub planner to the full controller.Controller pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"goa.design/goa-ai/engine/contextvar"
	"goa.design/goa-ai/engine/controller"
	"goa.design/goa-ai/engine/glossary"
	"goa.design/goa-ai/engine/guideline"
	"goa.design/goa-ai/engine/message"
	"goa.design/goa-ai/engine/model"
	anthropicmodel "goa.design/goa-ai/engine/model/anthropic"
	openaimodel "goa.design/goa-ai/engine/model/openai"
	"goa.design/goa-ai/engine/repo"
	repomem "goa.design/goa-ai/engine/repo/memory"
	"goa.design/goa-ai/engine/sessionlog"
	"goa.design/goa-ai/engine/sessionlog/inmem"
	"goa.design/goa-ai/engine/telemetry"
	"goa.design/goa-ai/engine/tool"
	"goa.design/goa-ai/engine/toolcaller"
)

func main() {
	provider := flag.String("provider", envOr("ALPHA_ENGINE_PROVIDER", "anthropic"), "model provider: anthropic or openai")
	modelID := flag.String("model", envOr("ALPHA_ENGINE_MODEL", ""), "model identifier for the chosen provider")
	customerMessage := flag.String("message", "I'm really frustrated, my last invoice looks wrong", "the inbound customer message to process")
	flag.Parse()

	_ = godotenv.Load()

	logger, _, _ := telemetry.NewNoop()

	client, err := buildModelClient(*provider, *modelID)
	if err != nil {
		log.Fatalf("alphaengine: %v", err)
	}

	agents := repomem.NewAgents()
	agents.Put(repo.Agent{ID: "billing-agent", Description: "A billing support agent for a subscription SaaS product.", MaxIterations: 3})

	guidelines := repomem.NewGuidelines()
	guidelines.Put("billing-agent", repo.Guideline{
		ID:        "apologize-when-upset",
		Condition: "the customer expresses frustration or anger",
		Action:    "apologize sincerely and offer to investigate",
	})
	guidelines.Put("billing-agent", repo.Guideline{
		ID:        "lookup-invoice",
		Condition: "the customer disputes a charge on their invoice",
		Action:    "look up the customer's most recent invoice before responding",
		ToolIDs:   []string{"billing:latest_invoice"},
	})

	connections := repomem.NewConnections()
	connections.Put(repo.GuidelineConnection{SourceID: "apologize-when-upset", TargetID: "lookup-invoice", Kind: repo.ConnectionEntails})

	glossaryRepo := repomem.NewGlossary()
	glossaryRepo.Put("billing-agent", repo.Term{Name: "invoice", Definition: "a monthly billing statement issued to a customer"})

	contextVars := repomem.NewContextVariables()
	if err := contextVars.Set(context.Background(), "billing-agent", "cust-42", repo.ContextVariable{
		Name: "plan_tier", Value: "pro", Scope: repo.ScopeCustomer,
	}); err != nil {
		log.Fatalf("alphaengine: seed context variable: %v", err)
	}

	registry := tool.NewRegistry()
	if err := registry.Register(tool.Tool{
		ID:          "billing:latest_invoice",
		Description: "returns the customer's most recent invoice",
		Parameters: []tool.Parameter{
			{Name: "customer_id", Description: "the customer id", Required: true},
		},
	}); err != nil {
		log.Fatalf("alphaengine: register tool: %v", err)
	}
	registry.RegisterRunner("billing", billingRunner{})

	store := inmem.New()
	session, err := store.CreateSession(context.Background(), sessionlog.Session{
		ID: "demo-session", AgentID: "billing-agent", CustomerID: "cust-42", Title: "Billing dispute",
	})
	if err != nil {
		log.Fatalf("alphaengine: create session: %v", err)
	}
	if _, err := store.Append(context.Background(), sessionlog.Event{
		SessionID: session.ID,
		Kind:      sessionlog.KindMessage,
		Source:    sessionlog.SourceCustomer,
		Data:      map[string]any{"text": *customerMessage},
	}); err != nil {
		log.Fatalf("alphaengine: append customer message: %v", err)
	}

	ctrl := controller.New(controller.Deps{
		Agents:           agents,
		Connections:      connections,
		ContextVars:      contextVars,
		EventLog:         store,
		Glossary:         glossary.New(glossaryRepo, logger, 0),
		Guidelines:       guideline.New(guidelines, connections, client, logger, guideline.Options{}),
		ToolCaller:       toolcaller.New(registry, client, logger, toolcaller.Options{}),
		Generator:        message.New(client, logger),
		Tools:            registry,
		Logger:           logger,
		ContextRefresher: contextvar.New(contextVars, registry, logger, nil),
	})

	result, err := ctrl.Process(context.Background(), session.ID, "billing-agent", controller.TriggerNewEvent, controller.TurnConfig{Mode: message.ModeFluid})
	if err != nil {
		log.Fatalf("alphaengine: turn failed: %v", err)
	}

	fmt.Printf("outcome: %s correlation_id: %s\n", result.Outcome, result.CorrelationID)
	for _, evt := range result.Messages {
		fmt.Printf("agent: %v\n", evt.Data["text"])
	}
}

type billingRunner struct{}

func (billingRunner) Run(ctx context.Context, toolName string, args map[string]any) (tool.Result, error) {
	return tool.Result{Data: map[string]any{"invoice_id": "inv-1042", "amount_usd": 49.00, "status": "paid"}}, nil
}

func buildModelClient(provider, modelID string) (model.Client, error) {
	switch provider {
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for provider %q", provider)
		}
		if modelID == "" {
			modelID = "gpt-4o"
		}
		return openaimodel.NewFromAPIKey(apiKey, modelID)
	case "anthropic", "":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for provider %q", provider)
		}
		if modelID == "" {
			modelID = "claude-sonnet-4-5"
		}
		return anthropicmodel.NewFromAPIKey(apiKey, modelID)
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
