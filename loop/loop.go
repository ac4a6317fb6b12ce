// Package loop runs one agent turn: it authorizes the caller, persists
// the incoming messages, drives the LLM tool-calling loop against the
// repo's sandbox VM, and persists the resulting transcript.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"anvil.dev/llm"
	"anvil.dev/llm/conversation"
	"anvil.dev/repostate"
	"anvil.dev/vmtool"
)

var (
	// ErrNotAuthorized means the caller's identity has no grant on the repo.
	ErrNotAuthorized = errors.New("identity has no access to this repository")
	// ErrRepoNotInitialized means the repo has no metadata document yet.
	ErrRepoNotInitialized = errors.New("repository is not initialized")
)

// Identity lists the repositories an identity may touch.
type Identity interface {
	ListGitRepos(ctx context.Context, identityID string) ([]string, error)
}

// Agent holds the long-lived collaborators shared by all turns. Per-turn
// state (toolbox, conversation) is built fresh inside Run, so turns for
// different repos never share tool state.
type Agent struct {
	Service  llm.Service
	Store    *repostate.Store
	Identity Identity

	// Sandbox resolves a VM id from repo metadata to a live handle.
	Sandbox func(vmID string) vmtool.Sandbox

	// Deployer is handed to the toolbox for commit_and_push.
	Deployer vmtool.Deployer

	Workdir  string
	DevPort  int
	MaxSteps int
}

// TurnRequest is one chat request: the full transcript including the
// user's newest message, which must be last.
type TurnRequest struct {
	IdentityID     string
	RepoID         string
	ConversationID string
	Messages       []repostate.Message
}

// TurnResult is the transcript after the agent finished (or was
// cancelled), as persisted.
type TurnResult struct {
	Messages []repostate.Message
	Usage    conversation.CumulativeUsage
}

const systemPromptFormat = `You are Anvil, a coding agent that builds and deploys web apps for
non-programmers. You work on a Next.js project in the directory %s of a
remote VM; its dev server runs on port %d and the user sees it live.

Rules:
- Use the structured file tools instead of shell commands where possible.
- After making changes, run check_app and fix what it reports.
- When the app works, use commit_and_push; pushing deploys the app.
- Reply in plain language; the user does not read code.`

func (a *Agent) systemPrompt() string {
	return fmt.Sprintf(systemPromptFormat, a.Workdir, a.DevPort)
}

// Run executes one turn. A context cancellation mid-turn is not an
// error: in-flight tool calls are marked canceled and the partial
// transcript is still persisted and returned.
func (a *Agent) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.RepoID == "" || req.ConversationID == "" {
		return nil, fmt.Errorf("repo id and conversation id are required")
	}
	if len(req.Messages) == 0 || req.Messages[len(req.Messages)-1].Role != "user" {
		return nil, fmt.Errorf("last message must be from the user")
	}

	repos, err := a.Identity.ListGitRepos(ctx, req.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("list repo grants: %w", err)
	}
	if !slices.Contains(repos, req.RepoID) {
		return nil, ErrNotAuthorized
	}

	md, err := a.Store.ReadMetadata(ctx, req.RepoID)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	if md == nil || md.VM == nil {
		return nil, ErrRepoNotInitialized
	}

	// Persist the user's turn before touching the LLM, so a crash or
	// client disconnect mid-stream cannot lose it.
	if err := a.Store.SaveConversationMessages(ctx, req.RepoID, md, req.ConversationID, req.Messages); err != nil {
		return nil, fmt.Errorf("persist incoming messages: %w", err)
	}

	toolbox := &vmtool.Toolbox{
		VM:       a.Sandbox(md.VM.ID),
		RepoID:   req.RepoID,
		DevPort:  a.DevPort,
		Deployer: a.Deployer,
	}

	convo := conversation.New(ctx, a.Service)
	convo.SystemPrompt = a.systemPrompt()
	convo.Tools = toolbox.Tools()
	convo.Listener = &logListener{}

	history, userMsg := toLLMMessages(req.Messages)
	convo.Seed(history)

	canceled, llmErr := a.drive(ctx, convo, userMsg)

	final := toStoreMessages(req.Messages, convo.Messages(), canceled)

	// Persistence must survive the cancellation that ended the turn.
	pctx := context.WithoutCancel(ctx)
	freshMD, err := a.Store.ReadMetadata(pctx, req.RepoID)
	if err != nil || freshMD == nil {
		freshMD = md
	}
	if err := a.Store.SaveConversationMessages(pctx, req.RepoID, freshMD, req.ConversationID, final); err != nil {
		return nil, fmt.Errorf("persist final messages: %w", err)
	}
	if llmErr != nil {
		// The partial transcript is saved, but the turn itself failed.
		return nil, llmErr
	}

	usage := convo.CumulativeUsage()
	slog.InfoContext(pctx, "agent turn finished",
		slog.String("repo_id", req.RepoID),
		slog.String("conversation_id", req.ConversationID),
		slog.Bool("canceled", canceled),
		usage.Attr(),
	)
	return &TurnResult{Messages: final, Usage: usage}, nil
}

// drive runs the send/tool-dispatch loop until the model stops asking
// for tools, the step bound is hit, or ctx is cancelled. Reports
// whether the turn ended by cancellation; a provider failure on an
// uncancelled context is returned as an error.
func (a *Agent) drive(ctx context.Context, convo *conversation.Convo, userMsg llm.Message) (bool, error) {
	resp, err := convo.SendMessage(userMsg)
	if err != nil {
		return a.sendFailed(ctx, err)
	}

	for step := 0; step < a.MaxSteps; step++ {
		if resp.StopReason != llm.StopReasonToolUse {
			return false, nil
		}
		results, err := convo.ToolResultContents(ctx, resp)
		if err != nil {
			// Cancellation surfaces here; the results of tools that did
			// finish are already recorded by the listener, and the
			// transcript conversion marks the rest canceled.
			return true, nil
		}
		resp, err = convo.SendMessage(llm.Message{
			Role:    llm.MessageRoleUser,
			Content: results,
		})
		if err != nil {
			return a.sendFailed(ctx, err)
		}
	}
	slog.WarnContext(ctx, "agent turn hit step limit", slog.Int("max_steps", a.MaxSteps))
	return false, nil
}

func (a *Agent) sendFailed(ctx context.Context, err error) (bool, error) {
	slog.ErrorContext(ctx, "llm request failed", slog.String("error", err.Error()))
	if ctx.Err() != nil {
		return true, nil
	}
	return false, fmt.Errorf("llm request: %w", err)
}

// logListener traces tool activity through the structured logger.
type logListener struct {
	conversation.NoopListener
}

func (l *logListener) OnToolCall(ctx context.Context, convo *conversation.Convo, id, toolName string, toolInput json.RawMessage) {
	slog.InfoContext(ctx, "tool call",
		slog.String("tool", toolName),
		slog.String("tool_use_id", id),
		slog.String("input", truncateForLog(string(toolInput))),
	)
}

func (l *logListener) OnToolResult(ctx context.Context, convo *conversation.Convo, id, toolName string, toolInput json.RawMessage, content llm.Content) {
	slog.InfoContext(ctx, "tool result",
		slog.String("tool", toolName),
		slog.String("tool_use_id", id),
		slog.Bool("error", content.ToolError),
		slog.String("result", truncateForLog(content.ToolResult)),
	)
}

func truncateForLog(s string) string {
	const max = 512
	s = strings.ToValidUTF8(s, "")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
