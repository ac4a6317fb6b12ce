package platform

import (
	"context"
	"fmt"
	"strings"
)

// VMInfo describes a provisioned VM and its user-facing URLs.
type VMInfo struct {
	ID               string `json:"id"`
	PreviewURL       string `json:"previewUrl"`
	DevTerminalURL   string `json:"devTerminalUrl"`
	ExtraTerminalURL string `json:"extraTerminalUrl"`
}

// ExecResult is the outcome of a command run inside a VM.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Ok reports whether the command exited successfully.
func (r ExecResult) Ok() bool { return r.ExitCode == 0 }

// CreateVM provisions a new VM bound to the given repository, cloning it
// into workdir and starting the dev server on devPort.
func (c *Client) CreateVM(ctx context.Context, repoID, workdir string, devPort int) (*VMInfo, error) {
	var out VMInfo
	in := map[string]any{
		"repoId":  repoID,
		"workdir": workdir,
		"devPort": devPort,
	}
	if err := c.do(ctx, "POST", "/vm/v1/instances", in, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("platform: create vm: empty vm id in response")
	}
	return &out, nil
}

// VM returns a handle for issuing operations against one VM instance.
func (c *Client) VM(id string) *VMHandle {
	return &VMHandle{client: c, id: id}
}

// VMHandle executes filesystem and shell operations against a single VM.
type VMHandle struct {
	client *Client
	id     string
}

// ID returns the VM's opaque identifier.
func (v *VMHandle) ID() string { return v.id }

// Exec runs a shell command inside the VM and returns its output.
// A non-zero exit is not an error at this layer; callers inspect ExitCode.
func (v *VMHandle) Exec(ctx context.Context, command string) (ExecResult, error) {
	var out ExecResult
	in := map[string]string{"command": command}
	err := v.client.do(ctx, "POST", "/vm/v1/instances/"+pathEscape(v.id)+"/exec", in, &out)
	return out, err
}

// ReadFile returns the content of a file inside the VM.
// A missing file is reported as ErrNotFound.
func (v *VMHandle) ReadFile(ctx context.Context, path string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	p := "/vm/v1/instances/" + pathEscape(v.id) + "/fs?path=" + pathEscape(path)
	if err := v.client.do(ctx, "GET", p, nil, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// WriteFile creates or overwrites a file inside the VM.
func (v *VMHandle) WriteFile(ctx context.Context, path, content string) error {
	in := map[string]string{"path": path, "content": content}
	return v.client.do(ctx, "POST", "/vm/v1/instances/"+pathEscape(v.id)+"/fs", in, nil)
}

// DevServerLogs returns the dev server's log lines, oldest first.
func (v *VMHandle) DevServerLogs(ctx context.Context) ([]string, error) {
	var out struct {
		Logs []string `json:"logs"`
		Raw  string   `json:"raw"`
	}
	p := "/vm/v1/instances/" + pathEscape(v.id) + "/dev-server/logs"
	if err := v.client.do(ctx, "GET", p, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Logs) > 0 {
		return out.Logs, nil
	}
	if out.Raw == "" {
		return nil, nil
	}
	return strings.Split(strings.TrimRight(out.Raw, "\n"), "\n"), nil
}
