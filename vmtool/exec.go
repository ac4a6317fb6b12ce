package vmtool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"anvil.dev/llm"
	"anvil.dev/vmtool/shellkit"
)

const (
	runCommandName        = "run_command"
	runCommandDescription = `
Runs a shell command in the app's sandbox VM, in the project working directory.
Returns stdout, stderr and the exit code. Use this for anything the structured
tools don't cover: installing packages, running scripts, inspecting processes.

The dev server is managed by the platform; do not start or stop it yourself.
`
	runCommandInputSchema = `
{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": {
      "type": "string",
      "description": "Shell command to execute"
    }
  }
}
`
)

type runCommandInput struct {
	Command string `json:"command"`
}

type runCommandResult struct {
	OK       bool   `json:"ok"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

func (tb *Toolbox) runCommandTool() *llm.Tool {
	return &llm.Tool{
		Name:        runCommandName,
		Description: strings.TrimSpace(runCommandDescription),
		InputSchema: llm.MustSchema(runCommandInputSchema),
		Run:         tb.runCommand,
	}
}

func (tb *Toolbox) runCommand(ctx context.Context, m json.RawMessage) (string, error) {
	var req runCommandInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal run_command input: %w", err)
	}
	if strings.TrimSpace(req.Command) == "" {
		return errResult("command must not be empty"), nil
	}
	if err := shellkit.Check(req.Command); err != nil {
		return errResult("command rejected: %v", err), nil
	}

	res, err := tb.VM.Exec(ctx, req.Command)
	if err != nil {
		return "", fmt.Errorf("sandbox exec: %w", err)
	}
	return jsonResult(runCommandResult{
		OK:       res.Ok(),
		Stdout:   truncateOutput(res.Stdout),
		Stderr:   truncateOutput(res.Stderr),
		ExitCode: res.ExitCode,
	}), nil
}
