// Package conversation manages a tool-calling conversation with an LLM:
// appending messages sent and received, dispatching requested tool calls,
// and tracking usage.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/richardlehane/crock32"

	"anvil.dev/llm"
	"anvil.dev/scribe"
)

// Listener receives conversation events, for logging and transcript capture.
type Listener interface {
	OnToolCall(ctx context.Context, convo *Convo, toolCallID string, toolName string, toolInput json.RawMessage)
	OnToolResult(ctx context.Context, convo *Convo, toolCallID string, toolName string, toolInput json.RawMessage, content llm.Content)
	OnRequest(ctx context.Context, convo *Convo, requestID string, msg *llm.Message)
	OnResponse(ctx context.Context, convo *Convo, requestID string, msg *llm.Response)
}

type NoopListener struct{}

func (n *NoopListener) OnToolCall(ctx context.Context, convo *Convo, id, toolName string, toolInput json.RawMessage) {
}

func (n *NoopListener) OnToolResult(ctx context.Context, convo *Convo, id, toolName string, toolInput json.RawMessage, content llm.Content) {
}

func (n *NoopListener) OnRequest(ctx context.Context, convo *Convo, id string, msg *llm.Message) {}

func (n *NoopListener) OnResponse(ctx context.Context, convo *Convo, id string, msg *llm.Response) {
}

// A Convo is a managed conversation with an LLM.
//
// Exported fields must not be altered concurrently with calling any method
// on Convo. Typical usage is to configure a Convo once before using it.
type Convo struct {
	// ID is a unique ID for the conversation.
	ID string
	// Ctx is the context for the entire conversation.
	Ctx context.Context
	// Service is the LLM service to use.
	Service llm.Service
	// Tools are the tools available during the conversation.
	Tools []*llm.Tool
	// SystemPrompt is the system prompt for the conversation.
	SystemPrompt string
	// PromptCaching indicates whether to mark the system prompt and the
	// last message content for provider-side prompt caching. Default: true.
	PromptCaching bool
	// Listener receives conversation events.
	Listener Listener

	// messages tracks the messages so far in the conversation.
	messages []llm.Message

	toolUseCancelMu sync.Mutex
	toolUseCancel   map[string]context.CancelCauseFunc

	mu    sync.Mutex
	usage CumulativeUsage
}

// newConvoID generates a short random id. These are not global
// identifiers, just enough to distinguish convos in logs.
func newConvoID() string {
	s := crock32.Encode(uint64(rand.Uint32()))
	if len(s) < 7 {
		s += strings.Repeat("0", 7-len(s))
	}
	return s[:3] + "-" + s[3:]
}

// New creates a new conversation with sensible defaults.
// ctx is the context for the entire conversation.
func New(ctx context.Context, srv llm.Service) *Convo {
	id := newConvoID()
	return &Convo{
		ID:            id,
		Ctx:           scribe.ContextWithAttr(ctx, slog.String("convo_id", id)),
		Service:       srv,
		PromptCaching: true,
		Listener:      &NoopListener{},
		toolUseCancel: map[string]context.CancelCauseFunc{},
		usage:         CumulativeUsage{ToolUses: map[string]int{}, StartTime: time.Now()},
	}
}

// Seed installs prior history without sending anything.
func (c *Convo) Seed(messages []llm.Message) {
	c.messages = slices.Clone(messages)
}

// Messages returns a copy of the conversation history so far.
func (c *Convo) Messages() []llm.Message {
	return slices.Clone(c.messages)
}

// SendUserTextMessage sends a text message to the LLM in this conversation.
// otherContents contains additional contents to send with the message,
// usually tool results.
func (c *Convo) SendUserTextMessage(s string, otherContents ...llm.Content) (*llm.Response, error) {
	contents := slices.Clone(otherContents)
	if s != "" {
		contents = append(contents, llm.StringContent(s))
	}
	return c.SendMessage(llm.Message{
		Role:    llm.MessageRoleUser,
		Content: contents,
	})
}

func (c *Convo) messageRequest(msg llm.Message) *llm.Request {
	system := []llm.SystemContent{}
	if c.SystemPrompt != "" {
		d := llm.SystemContent{Type: "text", Text: c.SystemPrompt}
		if c.PromptCaching {
			d.Cache = true
		}
		system = []llm.SystemContent{d}
	}

	// Providers reject empty messages, which can occur when a response
	// carried no content. Filter them out.
	var nonEmptyMessages []llm.Message
	for _, m := range c.messages {
		if len(m.Content) > 0 {
			nonEmptyMessages = append(nonEmptyMessages, m)
		}
	}

	return &llm.Request{
		Messages: append(nonEmptyMessages, msg), // not yet committed to keeping msg
		System:   system,
		Tools:    c.Tools,
	}
}

// SendMessage sends a message to the LLM. The conversation records
// (internally) all messages successfully sent and received.
func (c *Convo) SendMessage(msg llm.Message) (*llm.Response, error) {
	id := ulid.Make().String()
	mr := c.messageRequest(msg)
	var lastMessage *llm.Message
	if c.PromptCaching {
		lastMessage = &mr.Messages[len(mr.Messages)-1]
		if len(lastMessage.Content) > 0 {
			lastMessage.Content[len(lastMessage.Content)-1].Cache = true
		}
	}
	defer func() {
		if lastMessage != nil && len(lastMessage.Content) > 0 {
			lastMessage.Content[len(lastMessage.Content)-1].Cache = false
		}
	}()
	c.Listener.OnRequest(c.Ctx, c, id, &msg)

	startTime := time.Now()
	resp, err := c.Service.Do(c.Ctx, mr)
	if resp != nil {
		resp.StartTime = &startTime
		endTime := time.Now()
		resp.EndTime = &endTime
	}
	if err != nil {
		c.Listener.OnResponse(c.Ctx, c, id, nil)
		return nil, err
	}
	c.messages = append(c.messages, msg, resp.ToMessage())
	c.mu.Lock()
	c.usage.Add(resp.Usage)
	c.mu.Unlock()
	c.Listener.OnResponse(c.Ctx, c, id, resp)
	return resp, nil
}

// CancelToolUse cancels a single in-flight tool call by id.
func (c *Convo) CancelToolUse(toolUseID string, cause error) error {
	c.toolUseCancelMu.Lock()
	defer c.toolUseCancelMu.Unlock()
	cancel, ok := c.toolUseCancel[toolUseID]
	if !ok {
		return fmt.Errorf("cannot cancel %s: no cancel function registered for this tool_use_id", toolUseID)
	}
	delete(c.toolUseCancel, toolUseID)
	cancel(cause)
	return nil
}

func (c *Convo) newToolUseContext(ctx context.Context, toolUseID string) (context.Context, context.CancelFunc) {
	c.toolUseCancelMu.Lock()
	defer c.toolUseCancelMu.Unlock()
	ctx, cancel := context.WithCancelCause(ctx)
	c.toolUseCancel[toolUseID] = cancel
	return ctx, func() { c.CancelToolUse(toolUseID, nil) }
}

func (c *Convo) findTool(name string) (*llm.Tool, error) {
	for _, tool := range c.Tools {
		if tool.Name == name {
			return tool, nil
		}
	}
	return nil, fmt.Errorf("tool %q not found", name)
}

// ToolResultContents runs all tool uses requested by the response and
// returns their results. Cancelling ctx cancels any running tool calls.
func (c *Convo) ToolResultContents(ctx context.Context, resp *llm.Response) ([]llm.Content, error) {
	if resp.StopReason != llm.StopReasonToolUse {
		return nil, nil
	}
	var wg sync.WaitGroup
	toolResultC := make(chan llm.Content, len(resp.Content))

	for _, part := range resp.Content {
		if part.Type != llm.ContentTypeToolUse {
			continue
		}
		c.incrementToolUse(part.ToolName)
		startTime := time.Now()
		c.Listener.OnToolCall(ctx, c, part.ID, part.ToolName, part.ToolInput)

		wg.Add(1)
		go func() {
			defer wg.Done()

			content := llm.Content{
				Type:             llm.ContentTypeToolResult,
				ToolUseID:        part.ID,
				ToolUseStartTime: &startTime,
			}
			send := func(result string, toolErr bool) {
				endTime := time.Now()
				content.ToolUseEndTime = &endTime
				content.ToolResult = result
				content.ToolError = toolErr
				c.Listener.OnToolResult(ctx, c, part.ID, part.ToolName, part.ToolInput, content)
				toolResultC <- content
			}

			tool, err := c.findTool(part.ToolName)
			if err != nil {
				send(err.Error(), true)
				return
			}
			toolUseCtx, cancel := c.newToolUseContext(ctx, part.ID)
			defer cancel()
			result, err := tool.Run(toolUseCtx, part.ToolInput)
			if toolUseCtx.Err() != nil {
				send(context.Cause(toolUseCtx).Error(), true)
				return
			}
			if err != nil {
				send(err.Error(), true)
				return
			}
			send(result, false)
		}()
	}
	wg.Wait()
	close(toolResultC)
	var toolResults []llm.Content
	for toolResult := range toolResultC {
		toolResults = append(toolResults, toolResult)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return toolResults, nil
}

// ToolResultCancelContents returns error tool results for every tool use in
// resp, for when the user cancels the turn before the tools run.
func (c *Convo) ToolResultCancelContents(resp *llm.Response) []llm.Content {
	if resp.StopReason != llm.StopReasonToolUse {
		return nil
	}
	var toolResults []llm.Content
	for _, part := range resp.Content {
		if part.Type != llm.ContentTypeToolUse {
			continue
		}
		c.incrementToolUse(part.ToolName)
		toolResults = append(toolResults, llm.Content{
			Type:       llm.ContentTypeToolResult,
			ToolUseID:  part.ID,
			ToolError:  true,
			ToolResult: "user canceled this tool call",
		})
	}
	return toolResults
}

func (c *Convo) incrementToolUse(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.ToolUses[name]++
}

// CumulativeUsage represents cumulative usage across a Convo.
type CumulativeUsage struct {
	StartTime                time.Time      `json:"start_time"`
	Responses                uint64         `json:"responses"`
	InputTokens              uint64         `json:"input_tokens"`
	OutputTokens             uint64         `json:"output_tokens"`
	CacheReadInputTokens     uint64         `json:"cache_read_input_tokens"`
	CacheCreationInputTokens uint64         `json:"cache_creation_input_tokens"`
	TotalCostUSD             float64        `json:"total_cost_usd"`
	ToolUses                 map[string]int `json:"tool_uses"` // tool name -> number of uses
}

func (u *CumulativeUsage) Add(usage llm.Usage) {
	u.Responses++
	u.InputTokens += usage.InputTokens
	u.OutputTokens += usage.OutputTokens
	u.CacheReadInputTokens += usage.CacheReadInputTokens
	u.CacheCreationInputTokens += usage.CacheCreationInputTokens
	u.TotalCostUSD += usage.CostUSD
}

func (u *CumulativeUsage) Clone() CumulativeUsage {
	v := *u
	v.ToolUses = maps.Clone(u.ToolUses)
	return v
}

// Attr returns the cumulative usage as a slog.Attr with key "usage".
func (u CumulativeUsage) Attr() slog.Attr {
	return slog.Group("usage",
		slog.Duration("wall_time", time.Since(u.StartTime)),
		slog.Uint64("responses", u.Responses),
		slog.Uint64("input_tokens", u.InputTokens),
		slog.Uint64("output_tokens", u.OutputTokens),
		slog.Uint64("cache_read_input_tokens", u.CacheReadInputTokens),
		slog.Uint64("cache_creation_input_tokens", u.CacheCreationInputTokens),
		slog.Any("tool_uses", maps.Clone(u.ToolUses)),
	)
}

func (c *Convo) CumulativeUsage() CumulativeUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage.Clone()
}
