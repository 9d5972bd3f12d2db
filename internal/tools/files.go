package tools

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/open-codex/agentd/internal/sandbox"
)

const workspaceRoot = "/workspace"

// resolvePath validates a tool-supplied path and anchors it under the
// workspace. Relative paths resolve against /workspace; traversal out
// of the workspace is rejected.
func resolvePath(p string) (string, error) {
	if p == "" {
		return "", errors.New("path is required")
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(workspaceRoot, p)
	}
	cleaned := path.Clean(p)
	if cleaned != workspaceRoot && !strings.HasPrefix(cleaned, workspaceRoot+"/") {
		return "", fmt.Errorf("path escapes workspace: %s", p)
	}
	return cleaned, nil
}

// ReadFileTool reads a file from the session environment.
type ReadFileTool struct {
	sb sandbox.Sandbox
}

func NewReadFileTool(sb sandbox.Sandbox) *ReadFileTool { return &ReadFileTool{sb: sb} }

func (t *ReadFileTool) Name() string        { return "file_read" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }

func (t *ReadFileTool) Params() []Param {
	return []Param{
		{Name: "path", Type: "string", Description: "Path to the file, relative to /workspace", Required: true},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	p, err := resolvePath(stringArg(args, "path"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := t.sb.ReadFile(ctx, p)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Could not read file: %s", p)).WithError(err)
	}
	return NewResult(string(data))
}

// WriteFileTool writes a file in the session environment.
type WriteFileTool struct {
	sb sandbox.Sandbox
}

func NewWriteFileTool(sb sandbox.Sandbox) *WriteFileTool { return &WriteFileTool{sb: sb} }

func (t *WriteFileTool) Name() string { return "file_write" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating it if needed"
}

func (t *WriteFileTool) Params() []Param {
	return []Param{
		{Name: "path", Type: "string", Description: "Path to the file, relative to /workspace", Required: true},
		{Name: "content", Type: "string", Description: "Content to write", Required: true},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	p, err := resolvePath(stringArg(args, "path"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	content, ok := args["content"].(string)
	if !ok {
		return ErrorResult("content is required")
	}
	if err := t.sb.WriteFile(ctx, p, []byte(content)); err != nil {
		return ErrorResult(fmt.Sprintf("Could not write file: %s", p)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), p))
}

// EditFileTool replaces exactly one occurrence of a string in a file.
// Zero or multiple matches fail, which keeps retries idempotent.
type EditFileTool struct {
	sb sandbox.Sandbox
}

func NewEditFileTool(sb sandbox.Sandbox) *EditFileTool { return &EditFileTool{sb: sb} }

func (t *EditFileTool) Name() string { return "file_edit" }
func (t *EditFileTool) Description() string {
	return "Replace a unique occurrence of old_content with new_content in a file"
}

func (t *EditFileTool) Params() []Param {
	return []Param{
		{Name: "path", Type: "string", Description: "Path to the file, relative to /workspace", Required: true},
		{Name: "old_content", Type: "string", Description: "Exact content to replace; must occur exactly once", Required: true},
		{Name: "new_content", Type: "string", Description: "Replacement content", Required: true},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	p, err := resolvePath(stringArg(args, "path"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	oldContent, ok := args["old_content"].(string)
	if !ok || oldContent == "" {
		return ErrorResult("old_content is required")
	}
	newContent, ok := args["new_content"].(string)
	if !ok {
		return ErrorResult("new_content is required")
	}

	data, err := t.sb.ReadFile(ctx, p)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Could not read file: %s", p)).WithError(err)
	}
	content := string(data)

	switch n := strings.Count(content, oldContent); {
	case n == 0:
		return ErrorResult(fmt.Sprintf("Content to replace not found in file: %s", p))
	case n > 1:
		return ErrorResult(fmt.Sprintf("Content to replace appears %d times in file: %s; it must be unique", n, p))
	}

	updated := strings.Replace(content, oldContent, newContent, 1)
	if err := t.sb.WriteFile(ctx, p, []byte(updated)); err != nil {
		return ErrorResult(fmt.Sprintf("Could not write file: %s", p)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Edited %s", p))
}
