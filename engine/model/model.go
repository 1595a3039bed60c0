// Package model defines the vendor-agnostic structured-output completion
// contract used by the Guideline Proposer, Tool Caller, and Message
// Generator. Grounded on runtime/agent/model, narrowed to the engine's
// single completion shape: a request with an optional response JSON schema,
// and a response whose Structured field is validated against it.
package model

import (
	"context"
	"encoding/json"
)

type (
	// Role identifies the speaker of a Message.
	Role string

	// Message is a single chat turn presented to the model.
	Message struct {
		Role    Role
		Content string
	}

	// ModelClass selects a model tier when Model is left empty, mirroring
	// runtime/agent/model.ModelClass (default/high-reasoning/small) so
	// callers can request a cheaper model for lexical glossary re-ranking
	// hints or a stronger model for guideline batch evaluation.
	ModelClass string

	// Request captures one structured-output completion call.
	Request struct {
		// RunID/SessionID/TurnID correlate the call to a turn for tracing.
		RunID     string
		SessionID string
		TurnID    string

		Model      string
		ModelClass ModelClass

		Messages []Message

		// Schema is the JSON Schema the Structured field of the Response
		// must validate against. Required: every Alpha Engine stage uses
		// structured output.
		Schema json.RawMessage
		// SchemaName labels Schema for logging and for the deterministic
		// test adapter's cache key.
		SchemaName string

		Temperature float32
		MaxTokens   int

		// Seed, when non-zero, is forwarded to providers that support
		// deterministic sampling and is part of the cache key used by the
		// deterministic test adapter (engine/testkit).
		Seed int64
	}

	// Response is the result of a structured-output completion call.
	Response struct {
		// Structured is the decoded JSON payload. CompleteWithRetry
		// validates it against Request.Schema.
		Structured json.RawMessage
		Usage      TokenUsage
		StopReason string
	}

	// TokenUsage tracks token consumption for a single call.
	TokenUsage struct {
		InputTokens      int
		OutputTokens     int
		TotalTokens      int
		CacheReadTokens  int
		CacheWriteTokens int
	}

	// Client is the abstract LLM completion adapter (spec.md §2, "LLM
	// Completion Adapter (abstract)"). Implementations return the
	// provider's structured payload as-is; schema validation and retries
	// with backoff (spec.md §4.3/§7) are applied by CompleteWithRetry.
	Client interface {
		Complete(ctx context.Context, req *Request) (*Response, error)
	}
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	ModelClassDefault       ModelClass = "default"
	ModelClassHighReasoning ModelClass = "high_reasoning"
	ModelClassSmall         ModelClass = "small"
)
