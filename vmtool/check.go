package vmtool

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"anvil.dev/llm"
)

const (
	checkAppName        = "check_app"
	checkAppDescription = `
Checks that the app is healthy: probes the dev server over HTTP and scans
recent dev-server logs for known error signatures. Run this before
commit_and_push and before telling the user you are done.
`
	checkAppInputSchema = `
{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "URL path to probe (default \"/\")"
    }
  }
}
`

	devServerLogsName        = "dev_server_logs"
	devServerLogsDescription = `Returns the tail of the dev server's logs.`
	devServerLogsInputSchema = `
{
  "type": "object",
  "properties": {
    "maxLines": {
      "type": "integer",
      "description": "Maximum number of log lines to return, 1-2000 (default 200)"
    }
  }
}
`

	// scanWindow is how many trailing log lines check_app inspects.
	scanWindow = 200
	// maxIssueLines caps the issue lines reported back to the model.
	maxIssueLines = 20
)

// errorSignatures are the log substrings that mark a broken app even
// when the HTTP probe succeeds (dev servers happily serve error pages).
var errorSignatures = []string{
	"Failed to compile",
	"Module not found",
	"Unhandled Runtime Error",
	"ReferenceError",
	"TypeError:",
	"SyntaxError",
	"Cannot find module",
	"Error: Cannot resolve",
}

type checkAppInput struct {
	Path string `json:"path,omitempty"`
}

type checkAppResult struct {
	OK         bool     `json:"ok"`
	Status     int      `json:"status"`
	DurationMS int      `json:"durationMs"`
	Issues     []string `json:"issues"`
	Error      string   `json:"error,omitempty"`
}

type devServerLogsInput struct {
	MaxLines int `json:"maxLines,omitempty"`
}

func (i *devServerLogsInput) maxLines() int {
	switch {
	case i.MaxLines < 1:
		return 200
	case i.MaxLines > 2000:
		return 2000
	default:
		return i.MaxLines
	}
}

func (tb *Toolbox) checkAppTool() *llm.Tool {
	return &llm.Tool{
		Name:        checkAppName,
		Description: strings.TrimSpace(checkAppDescription),
		InputSchema: llm.MustSchema(checkAppInputSchema),
		Run:         tb.checkApp,
	}
}

func (tb *Toolbox) checkApp(ctx context.Context, m json.RawMessage) (string, error) {
	var req checkAppInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal check_app input: %w", err)
	}
	urlPath := req.Path
	if urlPath == "" {
		urlPath = "/"
	}
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}

	status, durationMS, err := tb.probeDevServer(ctx, urlPath)
	if err != nil {
		return "", err
	}

	issues, err := tb.scanDevServerLogs(ctx)
	if err != nil {
		return "", err
	}

	healthy := status >= 200 && status < 400 && len(issues) == 0
	result := checkAppResult{
		OK:         healthy,
		Status:     status,
		DurationMS: durationMS,
		Issues:     issues,
	}
	if !healthy {
		switch {
		case status == 0:
			result.Error = "dev server did not respond"
		case status < 200 || status >= 400:
			result.Error = fmt.Sprintf("dev server returned HTTP %d for %s", status, urlPath)
		default:
			result.Error = fmt.Sprintf("dev server logs contain %d error line(s)", len(issues))
		}
	}
	return jsonResult(result), nil
}

// probeDevServer curls the dev server from inside the VM, since the
// port is not reachable from here. Returns status 0 when the server is
// unreachable.
func (tb *Toolbox) probeDevServer(ctx context.Context, urlPath string) (status, durationMS int, err error) {
	command := fmt.Sprintf(
		"curl -s -o /dev/null --max-time 15 -w '%%{http_code} %%{time_total}' http://localhost:%d%s",
		tb.DevPort, urlPath)
	res, err := tb.VM.Exec(ctx, command)
	if err != nil {
		return 0, 0, fmt.Errorf("sandbox exec: %w", err)
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) != 2 {
		return 0, 0, nil
	}
	status, _ = strconv.Atoi(fields[0])
	if secs, perr := strconv.ParseFloat(fields[1], 64); perr == nil {
		durationMS = int(secs * 1000)
	}
	return status, durationMS, nil
}

// scanDevServerLogs returns the error-signature lines from the tail of
// the dev server logs, newest-last, capped at maxIssueLines.
func (tb *Toolbox) scanDevServerLogs(ctx context.Context) ([]string, error) {
	lines, err := tb.VM.DevServerLogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch dev server logs: %w", err)
	}
	if len(lines) > scanWindow {
		lines = lines[len(lines)-scanWindow:]
	}

	issues := []string{}
	for _, line := range lines {
		for _, sig := range errorSignatures {
			if strings.Contains(line, sig) {
				issues = append(issues, line)
				break
			}
		}
	}
	if len(issues) > maxIssueLines {
		issues = issues[len(issues)-maxIssueLines:]
	}
	return issues, nil
}

func (tb *Toolbox) devServerLogsTool() *llm.Tool {
	return &llm.Tool{
		Name:        devServerLogsName,
		Description: devServerLogsDescription,
		InputSchema: llm.MustSchema(devServerLogsInputSchema),
		Run:         tb.devServerLogs,
	}
}

func (tb *Toolbox) devServerLogs(ctx context.Context, m json.RawMessage) (string, error) {
	var req devServerLogsInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal dev_server_logs input: %w", err)
	}

	lines, err := tb.VM.DevServerLogs(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch dev server logs: %w", err)
	}
	total := len(lines)
	if max := req.maxLines(); len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	return jsonResult(map[string]any{
		"ok":         true,
		"totalLines": total,
		"lines":      lines,
	}), nil
}
