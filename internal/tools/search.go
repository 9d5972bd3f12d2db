package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/open-codex/agentd/internal/sandbox"
)

const searchResultCap = 200

// SearchTool runs content search over the workspace via grep inside the
// sandbox.
type SearchTool struct {
	sb sandbox.Sandbox
}

func NewSearchTool(sb sandbox.Sandbox) *SearchTool { return &SearchTool{sb: sb} }

func (t *SearchTool) Name() string { return "search" }
func (t *SearchTool) Description() string {
	return "Search file contents in the workspace by regular expression"
}

func (t *SearchTool) Params() []Param {
	return []Param{
		{Name: "pattern", Type: "string", Description: "Regular expression to search for", Required: true},
		{Name: "path", Type: "string", Description: "Directory to search, relative to /workspace", Default: "."},
		{Name: "glob", Type: "string", Description: "Optional filename glob filter, e.g. *.go"},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	pattern := stringArg(args, "pattern")
	if pattern == "" {
		return ErrorResult("pattern is required")
	}

	dir := stringArg(args, "path")
	if dir == "" {
		dir = "."
	}
	resolved, err := resolvePath(dir)
	if err != nil {
		return ErrorResult(err.Error())
	}

	cmd := []string{"grep", "-rn", "-E", "--binary-files=without-match"}
	if glob := stringArg(args, "glob"); glob != "" {
		cmd = append(cmd, "--include="+glob)
	}
	cmd = append(cmd, "--", pattern, resolved)

	res, err := t.sb.Exec(ctx, cmd, workspaceRoot, 30*time.Second)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search failed: %v", err)).WithError(err)
	}
	// grep exits 1 on no matches.
	if res.ExitCode == 1 && res.Stdout == "" {
		return NewResult("No matches found")
	}
	if res.ExitCode > 1 {
		return ErrorResult(fmt.Sprintf("search failed: %s", strings.TrimSpace(res.Stderr)))
	}

	lines := strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n")
	if len(lines) > searchResultCap {
		lines = append(lines[:searchResultCap],
			fmt.Sprintf("... truncated, %d more matches", len(lines)-searchResultCap))
	}
	return NewResult(strings.Join(lines, "\n"))
}
