// Package oai provides an llm.Service backed by OpenAI-compatible chat
// completion APIs.
package oai

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"anvil.dev/llm"
)

const (
	DefaultMaxTokens = 8192

	OpenAIURL = "https://api.openai.com/v1"
)

type Model struct {
	UserName         string // provided by the user to identify this model (e.g. "gpt4.1")
	ModelName        string // provided to the service to specify which model to use
	URL              string
	IsReasoningModel bool // whether this model uses max_completion_tokens
}

var (
	DefaultModel = GPT41

	GPT41 = Model{
		UserName:  "gpt4.1",
		ModelName: "gpt-4.1-2025-04-14",
		URL:       OpenAIURL,
	}

	GPT41Mini = Model{
		UserName:  "gpt4.1-mini",
		ModelName: "gpt-4.1-mini-2025-04-14",
		URL:       OpenAIURL,
	}

	GPT5 = Model{
		UserName:         "gpt5",
		ModelName:        "gpt-5",
		URL:              OpenAIURL,
		IsReasoningModel: true,
	}

	O4Mini = Model{
		UserName:         "o4-mini",
		ModelName:        "o4-mini-2025-04-16",
		URL:              OpenAIURL,
		IsReasoningModel: true,
	}
)

// ModelsRegistry is a registry of all known models with their user-friendly names.
var ModelsRegistry = []Model{
	GPT41,
	GPT41Mini,
	GPT5,
	O4Mini,
}

// ModelByUserName returns a model by its user-friendly name.
// Returns the zero Model if no model with the given name is found.
func ModelByUserName(name string) Model {
	for _, model := range ModelsRegistry {
		if model.UserName == name {
			return model
		}
	}
	return Model{}
}

func (m Model) IsZero() bool {
	return m == Model{}
}

// Service provides chat completions.
// Fields should not be altered concurrently with calling any method on Service.
type Service struct {
	HTTPC     *http.Client // defaults to http.DefaultClient if nil
	APIKey    string       // must be non-empty
	Model     Model        // defaults to DefaultModel if zero value
	ModelURL  string       // optional, overrides Model.URL
	MaxTokens int          // defaults to DefaultMaxTokens if zero
}

var _ llm.Service = (*Service)(nil)

var (
	fromLLMRole = map[llm.MessageRole]string{
		llm.MessageRoleAssistant: "assistant",
		llm.MessageRoleUser:      "user",
	}
	fromLLMToolChoiceType = map[llm.ToolChoiceType]string{
		llm.ToolChoiceTypeAuto: "auto",
		llm.ToolChoiceTypeAny:  "any",
		llm.ToolChoiceTypeNone: "none",
		llm.ToolChoiceTypeTool: "function", // OpenAI uses "function" instead of "tool"
	}
	toLLMRole = map[string]llm.MessageRole{
		"assistant": llm.MessageRoleAssistant,
		"user":      llm.MessageRoleUser,
	}
	toLLMStopReason = map[string]llm.StopReason{
		"stop":           llm.StopReasonEndTurn,
		"length":         llm.StopReasonMaxTokens,
		"tool_calls":     llm.StopReasonToolUse,
		"function_call":  llm.StopReasonToolUse,
		"content_filter": llm.StopReasonStopSequence, // no direct equivalent
	}
)

// fromLLMMessage converts llm.Message to OpenAI ChatCompletionMessage format.
// Tool results become their own messages with role="tool".
func fromLLMMessage(msg llm.Message) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage

	var regularContent []llm.Content
	for _, c := range msg.Content {
		if c.Type != llm.ContentTypeToolResult {
			regularContent = append(regularContent, c)
			continue
		}
		// OpenAI has no explicit error field for tool results; fold it into the content.
		result := c.ToolResult
		if c.ToolError {
			result = cmp.Or("error: "+result, "error: tool execution failed")
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:       "tool",
			Content:    cmp.Or(result, " "), // single space avoids omitempty dropping the field
			ToolCallID: c.ToolUseID,
		})
	}

	if len(regularContent) > 0 {
		m := openai.ChatCompletionMessage{Role: fromLLMRole[msg.Role]}
		var toolCalls []openai.ToolCall
		var textContent string
		for _, c := range regularContent {
			switch c.Type {
			case llm.ContentTypeToolUse:
				toolCalls = append(toolCalls, openai.ToolCall{
					Type: openai.ToolTypeFunction,
					ID:   c.ID,
					Function: openai.FunctionCall{
						Name:      c.ToolName,
						Arguments: string(c.ToolInput),
					},
				})
			default:
				if c.Text != "" {
					if textContent != "" {
						textContent += "\n"
					}
					textContent += c.Text
				}
			}
		}
		m.Content = textContent
		m.ToolCalls = toolCalls
		messages = append(messages, m)
	}

	return messages
}

func fromLLMToolChoice(tc *llm.ToolChoice) any {
	if tc == nil {
		return nil
	}
	if tc.Type == llm.ToolChoiceTypeTool && tc.Name != "" {
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: tc.Name},
		}
	}
	return fromLLMToolChoiceType[tc.Type]
}

func fromLLMTool(t *llm.Tool) openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		},
	}
}

func fromLLMSystem(systemContent []llm.SystemContent) []openai.ChatCompletionMessage {
	var systemText string
	for _, content := range systemContent {
		if systemText != "" && content.Text != "" {
			systemText += "\n"
		}
		systemText += content.Text
	}
	if systemText == "" {
		return nil
	}
	return []openai.ChatCompletionMessage{{Role: "system", Content: systemText}}
}

func toLLMContents(msg openai.ChatCompletionMessage) []llm.Content {
	var contents []llm.Content
	if msg.Content != "" {
		contents = append(contents, llm.StringContent(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		id := cmp.Or(tc.ID, "tc_"+tc.Function.Name)
		contents = append(contents, llm.Content{
			ID:        id,
			Type:      llm.ContentTypeToolUse,
			ToolName:  tc.Function.Name,
			ToolInput: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(contents) == 0 {
		contents = append(contents, llm.StringContent(""))
	}
	return contents
}

func toLLMUsage(au openai.Usage) llm.Usage {
	var cached uint64
	if au.PromptTokensDetails != nil {
		cached = uint64(au.PromptTokensDetails.CachedTokens)
	}
	return llm.Usage{
		InputTokens:          uint64(au.PromptTokens),
		CacheReadInputTokens: cached,
		OutputTokens:         uint64(au.CompletionTokens),
	}
}

func toLLMResponse(r *openai.ChatCompletionResponse) *llm.Response {
	if len(r.Choices) == 0 {
		return &llm.Response{
			ID:    r.ID,
			Model: r.Model,
			Role:  llm.MessageRoleAssistant,
			Usage: toLLMUsage(r.Usage),
		}
	}
	choice := r.Choices[0]
	return &llm.Response{
		ID:         r.ID,
		Model:      r.Model,
		Role:       toRoleFromString(choice.Message.Role),
		Content:    toLLMContents(choice.Message),
		StopReason: toStopReason(string(choice.FinishReason)),
		Usage:      toLLMUsage(r.Usage),
	}
}

func toRoleFromString(role string) llm.MessageRole {
	if role == "tool" || role == "system" || role == "function" {
		return llm.MessageRoleAssistant
	}
	if mr, ok := toLLMRole[role]; ok {
		return mr
	}
	return llm.MessageRoleUser
}

func toStopReason(reason string) llm.StopReason {
	if sr, ok := toLLMStopReason[reason]; ok {
		return sr
	}
	return llm.StopReasonStopSequence
}

// Do sends a request to an OpenAI-compatible endpoint using go-openai.
func (s *Service) Do(ctx context.Context, ir *llm.Request) (*llm.Response, error) {
	httpc := cmp.Or(s.HTTPC, http.DefaultClient)
	model := s.Model
	if model.IsZero() {
		model = DefaultModel
	}

	config := openai.DefaultConfig(s.APIKey)
	if url := cmp.Or(s.ModelURL, model.URL); url != "" {
		config.BaseURL = url
	}
	config.HTTPClient = httpc
	client := openai.NewClientWithConfig(config)

	allMessages := fromLLMSystem(ir.System)
	for _, msg := range ir.Messages {
		allMessages = append(allMessages, fromLLMMessage(msg)...)
	}

	var tools []openai.Tool
	for _, t := range ir.Tools {
		tools = append(tools, fromLLMTool(t))
	}

	req := openai.ChatCompletionRequest{
		Model:      model.ModelName,
		Messages:   allMessages,
		Tools:      tools,
		ToolChoice: fromLLMToolChoice(ir.ToolChoice),
	}
	if model.IsReasoningModel {
		req.MaxCompletionTokens = cmp.Or(s.MaxTokens, DefaultMaxTokens)
	} else {
		req.MaxTokens = cmp.Or(s.MaxTokens, DefaultMaxTokens)
	}

	backoff := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second}

	var errs error // accumulated errors across all attempts
	for attempts := 0; ; attempts++ {
		if attempts > 10 {
			return nil, fmt.Errorf("openai request failed after %d attempts: %w", attempts, errs)
		}
		if attempts > 0 {
			sleep := backoff[min(attempts, len(backoff)-1)] + time.Duration(rand.Int64N(int64(time.Second)))
			slog.WarnContext(ctx, "openai request sleep before retry", "sleep", sleep, "attempts", attempts)
			select {
			case <-ctx.Done():
				return nil, errors.Join(errs, ctx.Err())
			case <-time.After(sleep):
			}
		}

		resp, err := client.CreateChatCompletion(ctx, req)
		if err == nil {
			return toLLMResponse(&resp), nil
		}

		// Transient TLS errors are worth retrying once.
		if strings.Contains(err.Error(), "tls: bad record MAC") && attempts == 0 {
			errs = errors.Join(errs, fmt.Errorf("TLS error (attempt %d): %w", attempts+1, err))
			continue
		}

		var apiErr *openai.APIError
		if ok := errors.As(err, &apiErr); !ok {
			return nil, errors.Join(errs, err)
		}

		switch {
		case apiErr.HTTPStatusCode >= 500, apiErr.HTTPStatusCode == 429:
			slog.WarnContext(ctx, "openai_request_failed", "error", apiErr.Error(), "status_code", apiErr.HTTPStatusCode)
			errs = errors.Join(errs, fmt.Errorf("status %d: %s", apiErr.HTTPStatusCode, apiErr.Error()))
			continue
		case apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500:
			// Client error, probably unrecoverable.
			return nil, errors.Join(errs, fmt.Errorf("status %d: %s", apiErr.HTTPStatusCode, apiErr.Error()))
		default:
			errs = errors.Join(errs, fmt.Errorf("status %d: %s", apiErr.HTTPStatusCode, apiErr.Error()))
			continue
		}
	}
}
