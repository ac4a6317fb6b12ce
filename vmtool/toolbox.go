// Package vmtool exposes the fixed set of tools the agent may use to
// work inside a repository's sandbox VM. Every tool is scoped to one
// VM handle and, where relevant, one repository, so a toolbox built
// for one chat request can never touch another repo's state.
package vmtool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"

	"anvil.dev/llm"
	"anvil.dev/platform"
)

// Deployer triggers the deployment pipeline for a repository after a
// successful push. Implementations must be safe for concurrent use.
type Deployer interface {
	TriggerDeploy(ctx context.Context, repoID string) error
}

// Sandbox is the VM surface the tools need. *platform.VMHandle
// implements it.
type Sandbox interface {
	Exec(ctx context.Context, command string) (platform.ExecResult, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	DevServerLogs(ctx context.Context) ([]string, error)
}

var _ Sandbox = (*platform.VMHandle)(nil)

// Toolbox binds the tool set to a single sandbox VM and repository.
type Toolbox struct {
	VM     Sandbox
	RepoID string

	// DevPort is the port the app's dev server listens on inside the VM.
	DevPort int

	// Deployer, if set, is invoked in the background after commit_and_push
	// succeeds. A nil Deployer disables deployment triggering.
	Deployer Deployer
}

// Tools returns the full tool set in a fixed order. The returned slice
// is freshly allocated; callers may reorder or filter it.
func (tb *Toolbox) Tools() []*llm.Tool {
	return []*llm.Tool{
		tb.runCommandTool(),
		tb.readFileTool(),
		tb.writeFileTool(),
		tb.listFilesTool(),
		tb.searchFilesTool(),
		tb.replaceInFileTool(),
		tb.appendToFileTool(),
		tb.makeDirectoryTool(),
		tb.movePathTool(),
		tb.deletePathTool(),
		tb.commitAndPushTool(),
		tb.checkAppTool(),
		tb.devServerLogsTool(),
	}
}

// maxToolOutputBytes caps what a single tool call can feed back into
// the model's context.
const maxToolOutputBytes = 50 * 1024

// jsonResult marshals v for return to the model. Tool result payloads
// are built from our own types, so a marshal failure is a programming
// error.
func jsonResult(v any) string {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal tool result: %v", err))
	}
	return string(buf)
}

// errResult reports a tool-level failure to the model as a structured
// payload instead of a transport error, so the model can read it and
// correct course.
func errResult(format string, args ...any) string {
	return jsonResult(map[string]any{
		"ok":    false,
		"error": fmt.Sprintf(format, args...),
	})
}

// truncateOutput trims s to maxToolOutputBytes, appending a note with
// the original size so the model knows content is missing.
func truncateOutput(s string) string {
	if len(s) <= maxToolOutputBytes {
		return s
	}
	return s[:maxToolOutputBytes] + fmt.Sprintf("\n[output truncated, %s total]", humanize.Bytes(uint64(len(s))))
}
