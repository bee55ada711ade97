package provider

import (
	"context"
	"os"
	"path/filepath"

	"go.climref.org/infra/go/exec"
	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/ref/go/requirements"
)

// CommandLineDiagnostic runs an external program which writes CMEC bundles
// into the execution's output directory. Most third-party diagnostic
// packages plug in this way.
type CommandLineDiagnostic struct {
	DiagnosticSlug string
	Requirements   []requirements.DataRequirement
	FacetNames     []string
	// BuildCommand maps a definition to the command to run. The command's
	// working directory and stdout/stderr are managed by the diagnostic.
	BuildCommand func(definition *ExecutionDefinition) *exec.Command
}

// Slug implements Diagnostic.
func (c *CommandLineDiagnostic) Slug() string {
	return c.DiagnosticSlug
}

// DataRequirements implements Diagnostic.
func (c *CommandLineDiagnostic) DataRequirements() []requirements.DataRequirement {
	return c.Requirements
}

// Facets implements Diagnostic.
func (c *CommandLineDiagnostic) Facets() []string {
	return c.FacetNames
}

// Execute implements Diagnostic. The subprocess's combined output is
// appended to the execution log.
func (c *CommandLineDiagnostic) Execute(ctx context.Context, definition *ExecutionDefinition) error {
	if err := os.MkdirAll(definition.OutputDirectory, 0755); err != nil {
		return skerr.Wrap(err)
	}
	logFile, err := os.OpenFile(definition.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer func() {
		_ = logFile.Close()
	}()

	cmd := c.BuildCommand(definition)
	if cmd.Dir == "" {
		cmd.Dir = definition.ScratchDirectory
	}
	cmd.CombinedOutput = logFile
	if err := exec.Run(ctx, cmd); err != nil {
		return skerr.Wrapf(err, "running %s", filepath.Base(cmd.Name))
	}
	return nil
}

// BuildExecutionResult implements Diagnostic by reading the bundles the
// program wrote.
func (c *CommandLineDiagnostic) BuildExecutionResult(definition *ExecutionDefinition) (*ExecutionResult, error) {
	return ReadExecutionResult(definition)
}
