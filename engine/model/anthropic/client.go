// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API, forcing structured output by declaring a
// single "emit_result" tool whose input schema is the caller's requested
// response schema and requiring the model to call it.
//
// Grounded on features/model/anthropic/client.go from the teacher repo,
// narrowed to the engine's single structured-output completion shape.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/goa-ai/engine/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter so tests can substitute a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		DefaultModel string
		HighModel    string
		SmallModel   string
		MaxTokens    int
		Temperature  float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		highModel    string
		smallModel   string
		maxTok       int
		temp         float64
	}
)

const emitResultTool = "emit_result"

// New builds an Anthropic-backed model.Client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client,
// authenticated with apiKey.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete implements model.Client by forcing the model to call
// emit_result with arguments matching req.Schema.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := c.resolveModelID(req)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	msgs, system := encodeMessages(req.Messages)
	schema := req.Schema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	var schemaFields map[string]any
	if err := json.Unmarshal(schema, &schemaFields); err != nil {
		return nil, fmt.Errorf("anthropic: decode response schema: %w", err)
	}

	emitTool := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaFields}, emitResultTool)
	if emitTool.OfTool != nil {
		emitTool.OfTool.Description = sdk.String("Emit the final structured result for this request.")
	}
	params := sdk.MessageNewParams{
		MaxTokens:  int64(maxTokens),
		Messages:   msgs,
		Model:      sdk.Model(modelID),
		Tools:      []sdk.ToolUnionParam{emitTool},
		ToolChoice: sdk.ToolChoiceParamOfTool(emitResultTool),
	}
	if len(system) > 0 {
		params.System = system
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

func (c *Client) resolveModelID(req *model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case model.ModelClassHighReasoning:
		if c.highModel != "" {
			return c.highModel
		}
	case model.ModelClassSmall:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			system = append(system, sdk.TextBlockParam{Text: m.Content})
			continue
		}
		if m.Role == model.RoleAssistant {
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
			continue
		}
		conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
	}
	return conversation, system
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		if block.Name != emitResultTool {
			continue
		}
		return &model.Response{
			Structured: json.RawMessage(block.Input),
			StopReason: string(msg.StopReason),
			Usage: model.TokenUsage{
				InputTokens:  int(msg.Usage.InputTokens),
				OutputTokens: int(msg.Usage.OutputTokens),
				TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			},
		}, nil
	}
	return nil, errors.New("anthropic: model did not call emit_result")
}
