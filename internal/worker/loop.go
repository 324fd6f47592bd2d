package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// defaultMaxIterations bounds the number of API round trips per objective.
const defaultMaxIterations = 50

// defaultMaxTokens is the per-response output token limit.
const defaultMaxTokens = 8192

// Loop manages the API call and tool execution cycle for one objective.
type Loop struct {
	client  *Client
	tools   *Toolbox
	maxIter int
	maxTok  int64
	onEvent func(LoopEvent)
}

// LoopEvent reports progress during loop execution, for logging.
type LoopEvent struct {
	Type    string // "text", "tool_use", "tool_result", "done", "error"
	Tool    string
	Content string
	Input   json.RawMessage
}

// LoopResult contains the outcome of a loop execution.
type LoopResult struct {
	Output     string
	TokensIn   int64
	TokensOut  int64
	ToolCalls  int
	Iterations int
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Client        *Client
	WorkDir       string
	MaxIterations int   // max API calls before giving up (0 = default)
	MaxTokens     int64 // per-response output limit (0 = default)
}

// NewLoop creates an agent loop rooted at the configured working directory.
func NewLoop(cfg LoopConfig) *Loop {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	maxTok := cfg.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}

	return &Loop{
		client:  cfg.Client,
		tools:   NewToolbox(cfg.WorkDir),
		maxIter: maxIter,
		maxTok:  maxTok,
	}
}

// SetEventHandler sets a callback invoked for each progress event.
func (l *Loop) SetEventHandler(fn func(LoopEvent)) {
	l.onEvent = fn
}

func (l *Loop) emit(event LoopEvent) {
	if l.onEvent != nil {
		l.onEvent(event)
	}
}

// Run drives the conversation until the model stops requesting tools or the
// iteration limit is hit. Cancelling the context stops the loop between
// iterations and aborts any in-flight API call.
func (l *Loop) Run(ctx context.Context, systemPrompt, userPrompt string) (*LoopResult, error) {
	result := &LoopResult{}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
	}

	for result.Iterations < l.maxIter {
		result.Iterations++

		if err := ctx.Err(); err != nil {
			return result, err
		}

		resp, err := l.client.sdk().Messages.New(ctx, anthropic.MessageNewParams{
			Model:     l.client.Model(),
			MaxTokens: l.maxTok,
			System: []anthropic.TextBlockParam{
				{Text: systemPrompt},
			},
			Messages: messages,
			Tools:    ToolDefinitions(),
		})
		if err != nil {
			l.emit(LoopEvent{Type: "error", Content: err.Error()})
			return result, fmt.Errorf("API call failed: %w", err)
		}

		result.TokensIn += resp.Usage.InputTokens
		result.TokensOut += resp.Usage.OutputTokens
		l.client.Tracker().Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResultBlocks []anthropic.ContentBlockParamUnion
		var textOutput string

		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				textOutput += variant.Text
				l.emit(LoopEvent{Type: "text", Content: variant.Text})
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ToolUseBlock:
				result.ToolCalls++

				l.emit(LoopEvent{Type: "tool_use", Tool: variant.Name, Input: variant.Input})
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))

				toolResult := l.tools.Execute(ctx, variant.Name, variant.Input)
				l.emit(LoopEvent{
					Type:    "tool_result",
					Tool:    variant.Name,
					Content: truncateForLog(toolResult.Content),
				})

				toolResultBlocks = append(toolResultBlocks,
					anthropic.NewToolResultBlock(variant.ID, toolResult.Content, toolResult.IsError))
			}
		}

		if resp.StopReason == anthropic.StopReasonEndTurn {
			result.Output = textOutput
			l.emit(LoopEvent{Type: "done"})
			return result, nil
		}

		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))
		if len(toolResultBlocks) > 0 {
			messages = append(messages, anthropic.NewUserMessage(toolResultBlocks...))
		}
	}

	return result, fmt.Errorf("max iterations (%d) reached", l.maxIter)
}

func truncateForLog(s string) string {
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
