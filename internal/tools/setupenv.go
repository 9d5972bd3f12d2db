package tools

import (
	"context"
	"fmt"
	"strings"
)

// ProvisionFunc assigns an environment to the session and creates its
// sandbox. Supplied by the orchestrator at registration time.
type ProvisionFunc func(ctx context.Context, envType string, envConfig map[string]any) error

var knownEnvTypes = []string{"python", "node", "go", "rust", "generic"}

// SetupEnvironmentTool is the one-shot provisioner offered while a
// session has no environment. Once it succeeds the registry swaps it
// out for the operational tool set.
type SetupEnvironmentTool struct {
	provision ProvisionFunc
}

func NewSetupEnvironmentTool(provision ProvisionFunc) *SetupEnvironmentTool {
	return &SetupEnvironmentTool{provision: provision}
}

func (t *SetupEnvironmentTool) Name() string { return "setup_environment" }

func (t *SetupEnvironmentTool) Description() string {
	return "Provision the execution environment for this session. Must be called before any other tool. " +
		"Environment types: " + strings.Join(knownEnvTypes, ", ")
}

func (t *SetupEnvironmentTool) Params() []Param {
	return []Param{
		{Name: "environment_type", Type: "string", Description: "Type of environment to provision: " + strings.Join(knownEnvTypes, ", "), Required: true},
		{Name: "packages", Type: "string", Description: "Optional space-separated packages to preinstall"},
	}
}

func (t *SetupEnvironmentTool) Execute(ctx context.Context, args map[string]any) *Result {
	envType := strings.ToLower(stringArg(args, "environment_type"))
	if envType == "" {
		return ErrorResult("environment_type is required")
	}
	valid := false
	for _, known := range knownEnvTypes {
		if envType == known {
			valid = true
			break
		}
	}
	if !valid {
		return ErrorResult(fmt.Sprintf("unknown environment_type %q; choose one of: %s",
			envType, strings.Join(knownEnvTypes, ", ")))
	}

	envConfig := map[string]any{}
	if packages := stringArg(args, "packages"); packages != "" {
		envConfig["packages"] = strings.Fields(packages)
	}

	if err := t.provision(ctx, envType, envConfig); err != nil {
		return ErrorResult(fmt.Sprintf("environment setup failed: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Environment ready: %s", envType))
}
