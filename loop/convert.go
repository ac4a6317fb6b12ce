package loop

import (
	"github.com/google/uuid"

	"anvil.dev/llm"
	"anvil.dev/repostate"
)

// Stored transcripts keep a tool call and its result as sibling parts
// of one assistant message, which is what the web client renders.
// Providers instead want the tool results echoed back as a separate
// user message. These two functions convert between the shapes.

// toLLMMessages converts a stored transcript into provider messages,
// splitting off the final user message (the turn being answered).
func toLLMMessages(stored []repostate.Message) (history []llm.Message, userMsg llm.Message) {
	for _, m := range stored[:len(stored)-1] {
		history = append(history, storedToLLM(m)...)
	}
	last := stored[len(stored)-1]
	return history, llm.Message{
		Role:    llm.MessageRoleUser,
		Content: textContents(last),
	}
}

func storedToLLM(m repostate.Message) []llm.Message {
	if m.Role == "user" {
		return []llm.Message{{Role: llm.MessageRoleUser, Content: textContents(m)}}
	}

	var assistant []llm.Content
	var results []llm.Content
	for _, p := range m.Parts {
		switch p.Type {
		case "text":
			assistant = append(assistant, llm.StringContent(p.Text))
		case "tool-call":
			assistant = append(assistant, llm.Content{
				Type:      llm.ContentTypeToolUse,
				ID:        p.ToolCallID,
				ToolName:  p.ToolName,
				ToolInput: p.Input,
			})
		case "tool-result":
			results = append(results, llm.Content{
				Type:       llm.ContentTypeToolResult,
				ToolUseID:  p.ToolCallID,
				ToolResult: p.Output,
				ToolError:  p.IsError,
			})
		}
	}

	out := []llm.Message{{Role: llm.MessageRoleAssistant, Content: assistant}}
	if len(results) > 0 {
		out = append(out, llm.Message{Role: llm.MessageRoleUser, Content: results})
	}
	return out
}

func textContents(m repostate.Message) []llm.Content {
	var contents []llm.Content
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			contents = append(contents, llm.StringContent(p.Text))
		}
	}
	return contents
}

// toStoreMessages appends the turn's new provider messages to the
// stored transcript. canceled marks tool calls that never produced a
// result as canceled instead of dropping them.
func toStoreMessages(stored []repostate.Message, llmMsgs []llm.Message, canceled bool) []repostate.Message {
	// The first seeded messages reproduce the stored transcript; only
	// what follows is new.
	seedLen := 0
	for _, m := range stored[:len(stored)-1] {
		seedLen += len(storedToLLM(m))
	}
	seedLen++ // the user message that opened the turn

	out := append([]repostate.Message{}, stored...)
	var lastAssistant *repostate.Message

	for _, m := range llmMsgs[min(seedLen, len(llmMsgs)):] {
		switch m.Role {
		case llm.MessageRoleAssistant:
			msg := repostate.Message{ID: uuid.NewString(), Role: "assistant"}
			for _, c := range m.Content {
				switch c.Type {
				case llm.ContentTypeText:
					if c.Text != "" {
						msg.Parts = append(msg.Parts, repostate.Part{Type: "text", Text: c.Text})
					}
				case llm.ContentTypeToolUse:
					msg.Parts = append(msg.Parts, repostate.Part{
						Type:       "tool-call",
						ToolCallID: c.ID,
						ToolName:   c.ToolName,
						Input:      c.ToolInput,
					})
				}
			}
			out = append(out, msg)
			lastAssistant = &out[len(out)-1]

		case llm.MessageRoleUser:
			// Tool results fold back into the assistant message that
			// requested them.
			if lastAssistant == nil {
				continue
			}
			for _, c := range m.Content {
				if c.Type != llm.ContentTypeToolResult {
					continue
				}
				lastAssistant.Parts = append(lastAssistant.Parts, repostate.Part{
					Type:       "tool-result",
					ToolCallID: c.ToolUseID,
					Output:     c.ToolResult,
					IsError:    c.ToolError,
					State:      "done",
				})
			}
		}
	}

	if canceled && lastAssistant != nil {
		markUnresolvedCanceled(lastAssistant)
	}
	return out
}

// markUnresolvedCanceled adds a canceled result part for every tool
// call in msg that has no result part.
func markUnresolvedCanceled(msg *repostate.Message) {
	resolved := map[string]bool{}
	for _, p := range msg.Parts {
		if p.Type == "tool-result" {
			resolved[p.ToolCallID] = true
		}
	}
	for _, p := range msg.Parts {
		if p.Type == "tool-call" && !resolved[p.ToolCallID] {
			msg.Parts = append(msg.Parts, repostate.Part{
				Type:       "tool-result",
				ToolCallID: p.ToolCallID,
				Output:     "canceled",
				IsError:    true,
				State:      "canceled",
			})
		}
	}
}
