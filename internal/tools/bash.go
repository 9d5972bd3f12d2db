package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/open-codex/agentd/internal/sandbox"
)

const (
	defaultBashWorkdir = "/workspace/out"
	defaultBashTimeout = 30 * time.Second
)

// Dangerous command patterns to deny by default. These complement
// container hardening; a sandbox is not a license to run anything.
var denyPatterns = []*regexp.Regexp{
	// Destructive file operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b.*\s/(\s|$)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// Remote code fetch-and-run
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),

	// Reverse shells
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bmkfifo\b`),

	// Privilege escalation / container escape
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(nsenter|unshare)\b`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`/var/run/docker\.sock|docker\.(sock|socket)`),
	regexp.MustCompile(`/proc/sys/(kernel|fs|net)/`),

	// Environment dumping (secrets leak through bare env)
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
	regexp.MustCompile(`\bprintenv\b`),
}

// BashTool runs shell commands inside the session sandbox.
type BashTool struct {
	sb      sandbox.Sandbox
	workdir string
	timeout time.Duration
}

func NewBashTool(sb sandbox.Sandbox) *BashTool {
	return &BashTool{
		sb:      sb,
		workdir: defaultBashWorkdir,
		timeout: defaultBashTimeout,
	}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Execute a bash command in the session environment and return its output"
}

func (t *BashTool) Params() []Param {
	return []Param{
		{Name: "command", Type: "string", Description: "The bash command to execute", Required: true},
		{Name: "working_dir", Type: "string", Description: "Optional working directory", Default: defaultBashWorkdir},
	}
}

func (t *BashTool) Execute(ctx context.Context, args map[string]any) *Result {
	command := stringArg(args, "command")
	if command == "" {
		return ErrorResult("command is required")
	}

	if pattern := Sanitize(command); pattern != "" {
		return ErrorResult(fmt.Sprintf("command denied by safety policy: matches pattern %s", pattern))
	}

	cwd := stringArg(args, "working_dir")
	if cwd == "" {
		cwd = t.workdir
	}

	res, err := t.sb.Exec(ctx, []string{"bash", "-c", command}, cwd, t.timeout)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || strings.Contains(err.Error(), "deadline") {
			return ErrorResult(fmt.Sprintf("command timed out after %s", t.timeout))
		}
		return ErrorResult(fmt.Sprintf("exec failed: %v", err)).WithError(err)
	}

	output := FormatOutput(res.Stdout, res.Stderr)
	if res.ExitCode != 0 {
		return ErrorResult(fmt.Sprintf("%s\n(exit code %d)", output, res.ExitCode))
	}
	return NewResult(output)
}

// Sanitize checks a command against the denylist. It returns the
// matching pattern, or empty when the command is allowed.
func Sanitize(command string) string {
	for _, pattern := range denyPatterns {
		if pattern.MatchString(command) {
			return pattern.String()
		}
	}
	return ""
}

// FormatOutput renders captured stdout and stderr in the fixed layout
// observations use.
func FormatOutput(stdout, stderr string) string {
	return fmt.Sprintf("[stdout]\n%s\n[stderr]\n%s", stdout, stderr)
}
