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
	listFilesName        = "list_files"
	listFilesDescription = `Lists files in a project directory, optionally recursing to a bounded depth.`
	listFilesInputSchema = `
{
  "type": "object",
  "properties": {
    "path": {
      "type": "string",
      "description": "Relative directory to list (default \".\")"
    },
    "recursive": {
      "type": "boolean",
      "description": "Recurse into subdirectories"
    },
    "maxDepth": {
      "type": "integer",
      "description": "Maximum recursion depth when recursive, 1-8 (default 3)"
    }
  }
}
`

	searchFilesName        = "search_files"
	searchFilesDescription = `
Searches file contents recursively for a literal text query, skipping dependency
and build directories. Returns matching lines in grep format (path:line:text).
`
	searchFilesInputSchema = `
{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {
      "type": "string",
      "description": "Literal text to search for"
    },
    "path": {
      "type": "string",
      "description": "Relative directory to search in (default \".\")"
    },
    "maxResults": {
      "type": "integer",
      "description": "Maximum number of matching lines, 1-500 (default 100)"
    }
  }
}
`

	makeDirectoryName        = "make_directory"
	makeDirectoryDescription = `Creates a directory, along with any missing parents. Succeeds if it already exists.`
	makeDirectoryInputSchema = `
{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {
      "type": "string",
      "description": "Relative path of the directory to create"
    }
  }
}
`

	movePathName        = "move_path"
	movePathDescription = `Moves or renames a file or directory.`
	movePathInputSchema = `
{
  "type": "object",
  "required": ["from", "to"],
  "properties": {
    "from": {
      "type": "string",
      "description": "Relative source path"
    },
    "to": {
      "type": "string",
      "description": "Relative destination path"
    }
  }
}
`

	deletePathName        = "delete_path"
	deletePathDescription = `Deletes a file or directory (recursively).`
	deletePathInputSchema = `
{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {
      "type": "string",
      "description": "Relative path to delete"
    }
  }
}
`
)

// Directories that never contain code worth searching or listing
// recursively.
var excludedDirs = []string{"node_modules", ".git", ".next", "dist", "build", ".turbo"}

type listFilesInput struct {
	Path      string `json:"path,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
	MaxDepth  int    `json:"maxDepth,omitempty"`
}

func (i *listFilesInput) maxDepth() int {
	switch {
	case i.MaxDepth < 1:
		return 3
	case i.MaxDepth > 8:
		return 8
	default:
		return i.MaxDepth
	}
}

type searchFilesInput struct {
	Query      string `json:"query"`
	Path       string `json:"path,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
}

func (i *searchFilesInput) maxResults() int {
	switch {
	case i.MaxResults < 1:
		return 100
	case i.MaxResults > 500:
		return 500
	default:
		return i.MaxResults
	}
}

type movePathInput struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (tb *Toolbox) listFilesTool() *llm.Tool {
	return &llm.Tool{
		Name:        listFilesName,
		Description: listFilesDescription,
		InputSchema: llm.MustSchema(listFilesInputSchema),
		Run:         tb.listFiles,
	}
}

func (tb *Toolbox) listFiles(ctx context.Context, m json.RawMessage) (string, error) {
	var req listFilesInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal list_files input: %w", err)
	}
	path, err := shellkit.NormalizeRelPath(req.Path)
	if err != nil {
		return errResult("invalid path %q: %v", req.Path, err), nil
	}

	var command string
	if req.Recursive {
		var prunes []string
		for _, d := range excludedDirs {
			prunes = append(prunes, fmt.Sprintf("-name %s", shellkit.Quote(d)))
		}
		command = fmt.Sprintf("find %s -maxdepth %d \\( %s \\) -prune -o -print",
			shellkit.Quote(path), req.maxDepth(), strings.Join(prunes, " -o "))
	} else {
		command = fmt.Sprintf("ls -la %s", shellkit.Quote(path))
	}

	res, err := tb.VM.Exec(ctx, command)
	if err != nil {
		return "", fmt.Errorf("sandbox exec: %w", err)
	}
	if !res.Ok() {
		return errResult("list failed: %s", strings.TrimSpace(res.Stderr)), nil
	}
	return jsonResult(map[string]any{
		"ok":        true,
		"path":      path,
		"recursive": req.Recursive,
		"maxDepth":  req.maxDepth(),
		"listing":   truncateOutput(res.Stdout),
	}), nil
}

func (tb *Toolbox) searchFilesTool() *llm.Tool {
	return &llm.Tool{
		Name:        searchFilesName,
		Description: strings.TrimSpace(searchFilesDescription),
		InputSchema: llm.MustSchema(searchFilesInputSchema),
		Run:         tb.searchFiles,
	}
}

func (tb *Toolbox) searchFiles(ctx context.Context, m json.RawMessage) (string, error) {
	var req searchFilesInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal search_files input: %w", err)
	}
	if req.Query == "" {
		return errResult("query must not be empty"), nil
	}
	path, err := shellkit.NormalizeRelPath(req.Path)
	if err != nil {
		return errResult("invalid path %q: %v", req.Path, err), nil
	}

	var excludes []string
	for _, d := range excludedDirs {
		excludes = append(excludes, "--exclude-dir="+shellkit.Quote(d))
	}
	command := fmt.Sprintf("grep -rnF %s -- %s %s",
		strings.Join(excludes, " "), shellkit.Quote(req.Query), shellkit.Quote(path))

	res, err := tb.VM.Exec(ctx, command)
	if err != nil {
		return "", fmt.Errorf("sandbox exec: %w", err)
	}
	// grep exits 1 on no matches, which is a valid empty result.
	if res.ExitCode > 1 {
		return errResult("search failed: %s", strings.TrimSpace(res.Stderr)), nil
	}

	lines := splitLines(res.Stdout)
	truncated := false
	if max := req.maxResults(); len(lines) > max {
		lines = lines[:max]
		truncated = true
	}
	return jsonResult(map[string]any{
		"ok":        true,
		"query":     req.Query,
		"path":      path,
		"matches":   lines,
		"truncated": truncated,
	}), nil
}

func (tb *Toolbox) makeDirectoryTool() *llm.Tool {
	return &llm.Tool{
		Name:        makeDirectoryName,
		Description: makeDirectoryDescription,
		InputSchema: llm.MustSchema(makeDirectoryInputSchema),
		Run:         tb.makeDirectory,
	}
}

func (tb *Toolbox) makeDirectory(ctx context.Context, m json.RawMessage) (string, error) {
	var req pathInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal make_directory input: %w", err)
	}
	path, err := shellkit.NormalizeRelPath(req.Path)
	if err != nil {
		return errResult("invalid path %q: %v", req.Path, err), nil
	}

	res, err := tb.VM.Exec(ctx, "mkdir -p "+shellkit.Quote(path))
	if err != nil {
		return "", fmt.Errorf("sandbox exec: %w", err)
	}
	if !res.Ok() {
		return errResult("mkdir failed: %s", strings.TrimSpace(res.Stderr)), nil
	}
	return jsonResult(map[string]any{"ok": true, "path": path}), nil
}

func (tb *Toolbox) movePathTool() *llm.Tool {
	return &llm.Tool{
		Name:        movePathName,
		Description: movePathDescription,
		InputSchema: llm.MustSchema(movePathInputSchema),
		Run:         tb.movePath,
	}
}

func (tb *Toolbox) movePath(ctx context.Context, m json.RawMessage) (string, error) {
	var req movePathInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal move_path input: %w", err)
	}
	from, err := shellkit.NormalizeRelPath(req.From)
	if err != nil {
		return errResult("invalid from path %q: %v", req.From, err), nil
	}
	to, err := shellkit.NormalizeRelPath(req.To)
	if err != nil {
		return errResult("invalid to path %q: %v", req.To, err), nil
	}

	res, err := tb.VM.Exec(ctx, fmt.Sprintf("mv %s %s", shellkit.Quote(from), shellkit.Quote(to)))
	if err != nil {
		return "", fmt.Errorf("sandbox exec: %w", err)
	}
	if !res.Ok() {
		return errResult("move failed: %s", strings.TrimSpace(res.Stderr)), nil
	}
	return jsonResult(map[string]any{"ok": true, "from": from, "to": to}), nil
}

func (tb *Toolbox) deletePathTool() *llm.Tool {
	return &llm.Tool{
		Name:        deletePathName,
		Description: deletePathDescription,
		InputSchema: llm.MustSchema(deletePathInputSchema),
		Run:         tb.deletePath,
	}
}

func (tb *Toolbox) deletePath(ctx context.Context, m json.RawMessage) (string, error) {
	var req pathInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal delete_path input: %w", err)
	}
	path, err := shellkit.NormalizeRelPath(req.Path)
	if err != nil {
		return errResult("invalid path %q: %v", req.Path, err), nil
	}
	if path == "." {
		return errResult("refusing to delete the working directory"), nil
	}

	res, err := tb.VM.Exec(ctx, "rm -rf -- "+shellkit.Quote(path))
	if err != nil {
		return "", fmt.Errorf("sandbox exec: %w", err)
	}
	if !res.Ok() {
		return errResult("delete failed: %s", strings.TrimSpace(res.Stderr)), nil
	}
	return jsonResult(map[string]any{"ok": true, "path": path}), nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}
