package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/open-codex/agentd/internal/sandbox"
)

// Shortcut names expand to language-specific ast-grep patterns.
var patternShortcuts = map[string]map[string]string{
	"functions": {
		"python":     "def $NAME($$$)",
		"javascript": "function $NAME($$$)",
		"typescript": "function $NAME($$$)",
		"go":         "func $NAME($$$)",
		"rust":       "fn $NAME($$$)",
	},
	"classes": {
		"python":     "class $NAME",
		"javascript": "class $NAME",
		"typescript": "class $NAME",
		"go":         "type $NAME struct",
		"rust":       "struct $NAME",
	},
	"imports": {
		"python":     "import $$$",
		"javascript": "import $$$",
		"typescript": "import $$$",
		"go":         "import $$$",
		"rust":       "use $$$",
	},
	"tests": {
		"python":     "def test_$NAME($$$)",
		"javascript": "test($$$)",
		"typescript": "test($$$)",
		"go":         "func Test$NAME($$$)",
	},
}

var languageAliases = map[string]string{
	"py":  "python",
	"js":  "javascript",
	"ts":  "typescript",
	"tsx": "typescript",
	"jsx": "javascript",
	"rs":  "rust",
}

// AstSearchTool runs structural code search via ast-grep inside the
// session sandbox.
type AstSearchTool struct {
	sb sandbox.Sandbox
}

func NewAstSearchTool(sb sandbox.Sandbox) *AstSearchTool { return &AstSearchTool{sb: sb} }

func (t *AstSearchTool) Name() string { return "ast_search" }

func (t *AstSearchTool) Description() string {
	shortcuts := make([]string, 0, len(patternShortcuts))
	for name := range patternShortcuts {
		shortcuts = append(shortcuts, name)
	}
	return "AST-aware code search for finding code structures. " +
		"Use the 'search' tool instead for plain text. " +
		"Shortcuts: " + strings.Join(shortcuts, ", ") + ". " +
		"Pattern syntax: $NAME matches an identifier, $$$ matches multiple items."
}

func (t *AstSearchTool) Params() []Param {
	return []Param{
		{Name: "pattern", Type: "string", Description: "AST pattern or shortcut name (functions, classes, imports, tests)", Required: true},
		{Name: "language", Type: "string", Description: "Language to search in; auto-detected when omitted"},
		{Name: "path", Type: "string", Description: "Directory to search", Default: defaultBashWorkdir},
		{Name: "max_results", Type: "number", Description: "Maximum number of results", Default: 50},
	}
}

func (t *AstSearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	pattern := stringArg(args, "pattern")
	if pattern == "" {
		return ErrorResult("pattern is required")
	}

	dir := stringArg(args, "path")
	if dir == "" {
		dir = defaultBashWorkdir
	}
	resolved, err := resolvePath(dir)
	if err != nil {
		return ErrorResult(err.Error())
	}

	maxResults := 50
	if n, ok := args["max_results"].(float64); ok && n > 0 {
		maxResults = int(n)
	}

	lang := normalizeLanguage(stringArg(args, "language"))
	astPattern := resolveShortcut(pattern, lang)

	probe, err := t.sb.Exec(ctx, []string{"sh", "-c", "which ast-grep || which sg"}, workspaceRoot, 5*time.Second)
	if err != nil || probe.ExitCode != 0 {
		return ErrorResult("ast-grep is not installed in this environment; use the 'search' tool instead")
	}

	cmd := []string{"sg", "--pattern", astPattern, "--json=stream"}
	if lang != "" {
		cmd = append(cmd, "--lang", lang)
	}
	cmd = append(cmd, resolved)

	res, err := t.sb.Exec(ctx, cmd, workspaceRoot, 60*time.Second)
	if err != nil {
		return ErrorResult(fmt.Sprintf("ast search failed: %v", err)).WithError(err)
	}
	if res.ExitCode != 0 && res.Stdout == "" {
		if res.ExitCode == 1 {
			return NewResult(fmt.Sprintf("No matches found for pattern: %s", astPattern))
		}
		return ErrorResult(fmt.Sprintf("ast-grep search failed: %s", strings.TrimSpace(res.Stderr)))
	}

	matches := parseAstMatches(res.Stdout, maxResults)
	if len(matches) == 0 {
		return NewResult(fmt.Sprintf("No matches found for pattern: %s", astPattern))
	}
	return NewResult(formatAstMatches(matches, astPattern))
}

func resolveShortcut(pattern, lang string) string {
	shortcuts, ok := patternShortcuts[strings.ToLower(pattern)]
	if !ok {
		return pattern
	}
	if lang != "" {
		if p, ok := shortcuts[lang]; ok {
			return p
		}
	}
	if p, ok := shortcuts["python"]; ok {
		return p
	}
	for _, p := range shortcuts {
		return p
	}
	return pattern
}

func normalizeLanguage(lang string) string {
	if lang == "" {
		return ""
	}
	lang = strings.ToLower(lang)
	if alias, ok := languageAliases[lang]; ok {
		return alias
	}
	return lang
}

type astMatch struct {
	File string
	Line int
	Text string
}

// parseAstMatches reads the JSONL output of sg --json=stream.
func parseAstMatches(stdout string, maxResults int) []astMatch {
	var out []astMatch
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw struct {
			File  string `json:"file"`
			Text  string `json:"text"`
			Range struct {
				Start struct {
					Line int `json:"line"`
				} `json:"start"`
			} `json:"range"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		out = append(out, astMatch{File: raw.File, Line: raw.Range.Start.Line, Text: raw.Text})
		if len(out) >= maxResults {
			break
		}
	}
	return out
}

func formatAstMatches(matches []astMatch, pattern string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d match(es) for pattern '%s':\n", len(matches), pattern)

	byFile := map[string][]astMatch{}
	var order []string
	for _, m := range matches {
		if _, seen := byFile[m.File]; !seen {
			order = append(order, m.File)
		}
		byFile[m.File] = append(byFile[m.File], m)
	}

	for _, file := range order {
		fmt.Fprintf(&b, "\n%s\n", file)
		for _, m := range byFile[file] {
			text := strings.SplitN(strings.TrimSpace(m.Text), "\n", 2)[0]
			if len(text) > 100 {
				text = text[:100] + "..."
			}
			fmt.Fprintf(&b, "  line %d: %s\n", m.Line, text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
