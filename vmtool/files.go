package vmtool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"anvil.dev/llm"
	"anvil.dev/platform"
	"anvil.dev/vmtool/shellkit"
)

const (
	readFileName        = "read_file"
	readFileDescription = `Reads a file from the project, given a path relative to the working directory.`
	readFileInputSchema = `
{
  "type": "object",
  "required": ["path"],
  "properties": {
    "path": {
      "type": "string",
      "description": "Relative path of the file to read"
    }
  }
}
`

	writeFileName        = "write_file"
	writeFileDescription = `Writes a file in the project, creating it if needed and overwriting any existing content.`
	writeFileInputSchema = `
{
  "type": "object",
  "required": ["path", "content"],
  "properties": {
    "path": {
      "type": "string",
      "description": "Relative path of the file to write"
    },
    "content": {
      "type": "string",
      "description": "Full new content of the file"
    }
  }
}
`

	appendToFileName        = "append_to_file"
	appendToFileDescription = `Appends content to the end of a file, creating the file if it does not exist.`
	appendToFileInputSchema = `
{
  "type": "object",
  "required": ["path", "content"],
  "properties": {
    "path": {
      "type": "string",
      "description": "Relative path of the file to append to"
    },
    "content": {
      "type": "string",
      "description": "Content to append"
    }
  }
}
`

	replaceInFileName        = "replace_in_file"
	replaceInFileDescription = `
Replaces occurrences of an exact text in a file. Prefer this over write_file
for targeted edits: it fails instead of silently writing when the text to
replace is not found.
`
	replaceInFileInputSchema = `
{
  "type": "object",
  "required": ["path", "search", "replace"],
  "properties": {
    "path": {
      "type": "string",
      "description": "Relative path of the file to edit"
    },
    "search": {
      "type": "string",
      "description": "Exact text to find"
    },
    "replace": {
      "type": "string",
      "description": "Replacement text"
    },
    "all": {
      "type": "boolean",
      "description": "Replace every occurrence (default true); if false, only the first"
    }
  }
}
`
)

type pathInput struct {
	Path string `json:"path"`
}

type pathContentInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type replaceInFileInput struct {
	Path    string `json:"path"`
	Search  string `json:"search"`
	Replace string `json:"replace"`
	All     *bool  `json:"all,omitempty"`
}

func (i *replaceInFileInput) all() bool {
	return i.All == nil || *i.All
}

func (tb *Toolbox) readFileTool() *llm.Tool {
	return &llm.Tool{
		Name:        readFileName,
		Description: readFileDescription,
		InputSchema: llm.MustSchema(readFileInputSchema),
		Run:         tb.readFile,
	}
}

func (tb *Toolbox) readFile(ctx context.Context, m json.RawMessage) (string, error) {
	var req pathInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal read_file input: %w", err)
	}
	path, err := shellkit.NormalizeRelPath(req.Path)
	if err != nil {
		return errResult("invalid path %q: %v", req.Path, err), nil
	}

	content, err := tb.VM.ReadFile(ctx, path)
	if errors.Is(err, platform.ErrNotFound) {
		return errResult("file not found: %s", path), nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return jsonResult(map[string]any{
		"ok":      true,
		"path":    path,
		"content": truncateOutput(content),
	}), nil
}

func (tb *Toolbox) writeFileTool() *llm.Tool {
	return &llm.Tool{
		Name:        writeFileName,
		Description: writeFileDescription,
		InputSchema: llm.MustSchema(writeFileInputSchema),
		Run:         tb.writeFile,
	}
}

func (tb *Toolbox) writeFile(ctx context.Context, m json.RawMessage) (string, error) {
	var req pathContentInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal write_file input: %w", err)
	}
	path, err := shellkit.NormalizeRelPath(req.Path)
	if err != nil {
		return errResult("invalid path %q: %v", req.Path, err), nil
	}

	if err := tb.VM.WriteFile(ctx, path, req.Content); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return jsonResult(map[string]any{
		"ok":    true,
		"path":  path,
		"bytes": len(req.Content),
	}), nil
}

func (tb *Toolbox) appendToFileTool() *llm.Tool {
	return &llm.Tool{
		Name:        appendToFileName,
		Description: appendToFileDescription,
		InputSchema: llm.MustSchema(appendToFileInputSchema),
		Run:         tb.appendToFile,
	}
}

func (tb *Toolbox) appendToFile(ctx context.Context, m json.RawMessage) (string, error) {
	var req pathContentInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal append_to_file input: %w", err)
	}
	path, err := shellkit.NormalizeRelPath(req.Path)
	if err != nil {
		return errResult("invalid path %q: %v", req.Path, err), nil
	}

	existing, err := tb.VM.ReadFile(ctx, path)
	if err != nil && !errors.Is(err, platform.ErrNotFound) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if err := tb.VM.WriteFile(ctx, path, existing+req.Content); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return jsonResult(map[string]any{
		"ok":            true,
		"path":          path,
		"appendedBytes": len(req.Content),
	}), nil
}

func (tb *Toolbox) replaceInFileTool() *llm.Tool {
	return &llm.Tool{
		Name:        replaceInFileName,
		Description: strings.TrimSpace(replaceInFileDescription),
		InputSchema: llm.MustSchema(replaceInFileInputSchema),
		Run:         tb.replaceInFile,
	}
}

func (tb *Toolbox) replaceInFile(ctx context.Context, m json.RawMessage) (string, error) {
	var req replaceInFileInput
	if err := json.Unmarshal(m, &req); err != nil {
		return "", fmt.Errorf("failed to unmarshal replace_in_file input: %w", err)
	}
	if req.Search == "" {
		return errResult("search must not be empty"), nil
	}
	path, err := shellkit.NormalizeRelPath(req.Path)
	if err != nil {
		return errResult("invalid path %q: %v", req.Path, err), nil
	}

	content, err := tb.VM.ReadFile(ctx, path)
	if errors.Is(err, platform.ErrNotFound) {
		return errResult("file not found: %s", path), nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	count := strings.Count(content, req.Search)
	if count == 0 {
		return jsonResult(map[string]any{
			"ok":           false,
			"replacements": 0,
			"error":        fmt.Sprintf("search text not found in %s", path),
		}), nil
	}

	var updated string
	if req.all() {
		updated = strings.ReplaceAll(content, req.Search, req.Replace)
	} else {
		updated = strings.Replace(content, req.Search, req.Replace, 1)
		count = 1
	}
	if err := tb.VM.WriteFile(ctx, path, updated); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return jsonResult(map[string]any{
		"ok":           true,
		"path":         path,
		"replacements": count,
		"diff":         diffSummary(content, updated),
	}), nil
}

// diffSummary reports how much of the file changed, as a short
// "+N/-M chars" figure for the model rather than a full patch.
func diffSummary(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	var added, removed int
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += len(d.Text)
		}
	}
	return fmt.Sprintf("+%d/-%d chars", added, removed)
}
