package vmtool

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"anvil.dev/platform"
)

// fakeVM serves files from a map and lets tests script exec results
// and dev server logs.
type fakeVM struct {
	mu    sync.Mutex
	files map[string]string
	execs []string
	exec  func(command string) platform.ExecResult
	logs  []string
}

func newFakeVM() *fakeVM {
	return &fakeVM{files: map[string]string{}}
}

func (f *fakeVM) Exec(ctx context.Context, command string) (platform.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, command)
	if f.exec != nil {
		return f.exec(command), nil
	}
	return platform.ExecResult{}, nil
}

func (f *fakeVM) ReadFile(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return "", platform.ErrNotFound
	}
	return content, nil
}

func (f *fakeVM) WriteFile(ctx context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func (f *fakeVM) DevServerLogs(ctx context.Context) ([]string, error) {
	return f.logs, nil
}

func runTool(t *testing.T, tb *Toolbox, name, input string) map[string]any {
	t.Helper()
	for _, tool := range tb.Tools() {
		if tool.Name != name {
			continue
		}
		out, err := tool.Run(context.Background(), json.RawMessage(input))
		if err != nil {
			t.Fatalf("%s returned transport error: %v", name, err)
		}
		var result map[string]any
		if err := json.Unmarshal([]byte(out), &result); err != nil {
			t.Fatalf("%s returned non-JSON result %q: %v", name, out, err)
		}
		return result
	}
	t.Fatalf("no tool named %s", name)
	return nil
}

func TestReplaceInFileNoMatch(t *testing.T) {
	vm := newFakeVM()
	vm.files["app.js"] = "hello world"
	tb := &Toolbox{VM: vm}

	result := runTool(t, tb, "replace_in_file",
		`{"path":"app.js","search":"missing","replace":"x"}`)
	if result["ok"] != false {
		t.Errorf("ok = %v, want false", result["ok"])
	}
	if result["replacements"] != float64(0) {
		t.Errorf("replacements = %v, want 0", result["replacements"])
	}
	if vm.files["app.js"] != "hello world" {
		t.Errorf("file changed to %q on a no-match replace", vm.files["app.js"])
	}
}

func TestReplaceInFileAll(t *testing.T) {
	vm := newFakeVM()
	vm.files["app.js"] = "foo bar foo baz foo"
	tb := &Toolbox{VM: vm}

	result := runTool(t, tb, "replace_in_file",
		`{"path":"app.js","search":"foo","replace":"qux"}`)
	if result["ok"] != true {
		t.Fatalf("ok = %v, want true (%v)", result["ok"], result["error"])
	}
	if result["replacements"] != float64(3) {
		t.Errorf("replacements = %v, want 3", result["replacements"])
	}
	if got := vm.files["app.js"]; strings.Contains(got, "foo") {
		t.Errorf("content still contains search text: %q", got)
	}
}

func TestReplaceInFileFirstOnly(t *testing.T) {
	vm := newFakeVM()
	vm.files["app.js"] = "foo foo"
	tb := &Toolbox{VM: vm}

	result := runTool(t, tb, "replace_in_file",
		`{"path":"app.js","search":"foo","replace":"qux","all":false}`)
	if result["replacements"] != float64(1) {
		t.Errorf("replacements = %v, want 1", result["replacements"])
	}
	if vm.files["app.js"] != "qux foo" {
		t.Errorf("content = %q, want %q", vm.files["app.js"], "qux foo")
	}
}

func TestReadFilePathTraversalRejected(t *testing.T) {
	tb := &Toolbox{VM: newFakeVM()}
	for _, path := range []string{"../etc/passwd", "/etc/passwd", "a/../../b"} {
		result := runTool(t, tb, "read_file", `{"path":"`+path+`"}`)
		if result["ok"] != false {
			t.Errorf("read_file(%q) ok = %v, want false", path, result["ok"])
		}
	}
}

func TestReadFileMissing(t *testing.T) {
	tb := &Toolbox{VM: newFakeVM()}
	result := runTool(t, tb, "read_file", `{"path":"nope.txt"}`)
	if result["ok"] != false {
		t.Errorf("ok = %v, want false", result["ok"])
	}
}

func TestAppendToFileCreatesMissing(t *testing.T) {
	vm := newFakeVM()
	tb := &Toolbox{VM: vm}

	result := runTool(t, tb, "append_to_file", `{"path":"notes.md","content":"hello"}`)
	if result["ok"] != true {
		t.Fatalf("ok = %v (%v)", result["ok"], result["error"])
	}
	if result["appendedBytes"] != float64(5) {
		t.Errorf("appendedBytes = %v, want 5", result["appendedBytes"])
	}
	if vm.files["notes.md"] != "hello" {
		t.Errorf("content = %q", vm.files["notes.md"])
	}

	runTool(t, tb, "append_to_file", `{"path":"notes.md","content":" world"}`)
	if vm.files["notes.md"] != "hello world" {
		t.Errorf("content after second append = %q", vm.files["notes.md"])
	}
}

func TestRunCommandRejectsGitIdentityChange(t *testing.T) {
	tb := &Toolbox{VM: newFakeVM()}
	result := runTool(t, tb, "run_command",
		`{"command":"git config user.email evil@example.com"}`)
	if result["ok"] != false {
		t.Errorf("ok = %v, want false", result["ok"])
	}
}

func TestDeletePathRefusesWorkdir(t *testing.T) {
	tb := &Toolbox{VM: newFakeVM()}
	for _, input := range []string{`{"path":"."}`, `{"path":"./"}`, `{"path":""}`} {
		result := runTool(t, tb, "delete_path", input)
		if result["ok"] != false {
			t.Errorf("delete_path(%s) ok = %v, want false", input, result["ok"])
		}
	}
}

func TestCheckAppHealthy(t *testing.T) {
	vm := newFakeVM()
	vm.exec = func(command string) platform.ExecResult {
		return platform.ExecResult{Stdout: "200 0.042"}
	}
	vm.logs = []string{"ready in 1.2s", "compiled successfully"}
	tb := &Toolbox{VM: vm, DevPort: 3000}

	result := runTool(t, tb, "check_app", `{}`)
	if result["ok"] != true {
		t.Fatalf("ok = %v (%v)", result["ok"], result["error"])
	}
	if result["status"] != float64(200) {
		t.Errorf("status = %v, want 200", result["status"])
	}
	if result["durationMs"] != float64(42) {
		t.Errorf("durationMs = %v, want 42", result["durationMs"])
	}
}

func TestCheckAppLogIssuesFailEvenOn200(t *testing.T) {
	vm := newFakeVM()
	vm.exec = func(command string) platform.ExecResult {
		return platform.ExecResult{Stdout: "200 0.010"}
	}
	vm.logs = []string{
		"ready in 1.2s",
		"TypeError: Cannot read properties of undefined",
	}
	tb := &Toolbox{VM: vm, DevPort: 3000}

	result := runTool(t, tb, "check_app", `{}`)
	if result["ok"] != false {
		t.Errorf("ok = %v, want false when logs contain errors", result["ok"])
	}
	issues := result["issues"].([]any)
	if len(issues) != 1 || !strings.Contains(issues[0].(string), "TypeError") {
		t.Errorf("issues = %v", issues)
	}
}

func TestCheckAppUnreachable(t *testing.T) {
	vm := newFakeVM()
	vm.exec = func(command string) platform.ExecResult {
		return platform.ExecResult{Stdout: "000 0.000", ExitCode: 7}
	}
	tb := &Toolbox{VM: vm, DevPort: 3000}

	result := runTool(t, tb, "check_app", `{}`)
	if result["ok"] != false {
		t.Errorf("ok = %v, want false", result["ok"])
	}
	if result["error"] != "dev server did not respond" {
		t.Errorf("error = %v", result["error"])
	}
}

func TestDevServerLogsTail(t *testing.T) {
	vm := newFakeVM()
	for range [300]struct{}{} {
		vm.logs = append(vm.logs, "line")
	}
	tb := &Toolbox{VM: vm}

	result := runTool(t, tb, "dev_server_logs", `{}`)
	if result["totalLines"] != float64(300) {
		t.Errorf("totalLines = %v, want 300", result["totalLines"])
	}
	if lines := result["lines"].([]any); len(lines) != 200 {
		t.Errorf("returned %d lines, want default 200", len(lines))
	}
}

type recordingDeployer struct {
	mu      sync.Mutex
	repoIDs []string
	done    chan struct{}
}

func (d *recordingDeployer) TriggerDeploy(ctx context.Context, repoID string) error {
	d.mu.Lock()
	d.repoIDs = append(d.repoIDs, repoID)
	d.mu.Unlock()
	close(d.done)
	return nil
}

func TestCommitAndPushTriggersDeploy(t *testing.T) {
	vm := newFakeVM()
	vm.exec = func(command string) platform.ExecResult {
		if strings.HasPrefix(command, "git rev-parse") {
			return platform.ExecResult{Stdout: "abcdef1234567890\n"}
		}
		return platform.ExecResult{}
	}
	dep := &recordingDeployer{done: make(chan struct{})}
	tb := &Toolbox{VM: vm, RepoID: "repo-1", Deployer: dep}

	result := runTool(t, tb, "commit_and_push", `{"message":"add landing page"}`)
	if result["ok"] != true {
		t.Fatalf("ok = %v (%v)", result["ok"], result["error"])
	}
	if result["commitSha"] != "abcdef1234567890" {
		t.Errorf("commitSha = %v", result["commitSha"])
	}
	if result["deploymentQueued"] != true {
		t.Errorf("deploymentQueued = %v, want true", result["deploymentQueued"])
	}

	select {
	case <-dep.done:
	case <-time.After(5 * time.Second):
		t.Fatal("deploy trigger never fired")
	}
	if len(dep.repoIDs) != 1 || dep.repoIDs[0] != "repo-1" {
		t.Errorf("deploy triggered for %v", dep.repoIDs)
	}
}

func TestCommitAndPushNoDeployerSkipsQueue(t *testing.T) {
	vm := newFakeVM()
	vm.exec = func(command string) platform.ExecResult {
		if strings.HasPrefix(command, "git rev-parse") {
			return platform.ExecResult{Stdout: "abc\n"}
		}
		return platform.ExecResult{}
	}
	tb := &Toolbox{VM: vm}

	result := runTool(t, tb, "commit_and_push", `{"message":"x"}`)
	if result["deploymentQueued"] != false {
		t.Errorf("deploymentQueued = %v, want false", result["deploymentQueued"])
	}
}

func TestCommitAndPushFailureIsStructured(t *testing.T) {
	vm := newFakeVM()
	vm.exec = func(command string) platform.ExecResult {
		if strings.Contains(command, "git push") {
			return platform.ExecResult{Stderr: "remote rejected", ExitCode: 1}
		}
		return platform.ExecResult{}
	}
	tb := &Toolbox{VM: vm}

	result := runTool(t, tb, "commit_and_push", `{"message":"x"}`)
	if result["ok"] != false {
		t.Errorf("ok = %v, want false", result["ok"])
	}
	if !strings.Contains(result["error"].(string), "remote rejected") {
		t.Errorf("error = %v", result["error"])
	}
}

func TestSearchFilesNoMatchesIsOK(t *testing.T) {
	vm := newFakeVM()
	vm.exec = func(command string) platform.ExecResult {
		return platform.ExecResult{ExitCode: 1} // grep: no matches
	}
	tb := &Toolbox{VM: vm}

	result := runTool(t, tb, "search_files", `{"query":"needle"}`)
	if result["ok"] != true {
		t.Fatalf("ok = %v (%v)", result["ok"], result["error"])
	}
	if lines := result["matches"].([]any); len(lines) != 0 {
		t.Errorf("matches = %v, want empty", lines)
	}
}
