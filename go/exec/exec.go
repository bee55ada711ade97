// Package exec is a wrapper around os/exec which supports output capture,
// timeouts, and injecting a fake run function for testing.
//
// Example:
//
//	output := bytes.Buffer{}
//	err := exec.Run(ctx, &exec.Command{
//		Name:           "sbatch",
//		Args:           []string{scriptPath},
//		Dir:            workDir,
//		CombinedOutput: &output,
//		Timeout:        time.Minute,
//	})
//
// Tests inject a run function via NewContext:
//
//	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
//		ran = append(ran, cmd.Name)
//		return nil
//	})
package exec

import (
	"bytes"
	"context"
	"io"
	osexec "os/exec"
	"strings"
	"time"

	"go.climref.org/infra/go/skerr"
)

// Command describes a process to run.
type Command struct {
	// Name of the command; either a path to a binary or a name resolvable via
	// the PATH.
	Name string
	// Arguments, not including Name.
	Args []string
	// Environment of the process. If nil, the current process's environment
	// is used.
	Env []string
	// Working directory. If empty, the current directory is used.
	Dir string
	// Stdin for the process.
	Stdin io.Reader
	// Receives the process's stdout.
	Stdout io.Writer
	// Receives the process's stderr.
	Stderr io.Writer
	// Receives the combined stdout and stderr, in addition to Stdout/Stderr.
	CombinedOutput io.Writer
	// Time limit for the command. No limit if zero.
	Timeout time.Duration
}

// RunFn is the type of the function which actually executes a Command.
type RunFn func(ctx context.Context, cmd *Command) error

type contextKeyType string

const contextKey contextKeyType = "overwriteRun"

// NewContext returns a context which causes Run to use the given function
// instead of starting a real process. Used by tests.
func NewContext(ctx context.Context, fn RunFn) context.Context {
	return context.WithValue(ctx, contextKey, fn)
}

func squashWriters(writers ...io.Writer) io.Writer {
	nonNil := make([]io.Writer, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			nonNil = append(nonNil, w)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return io.MultiWriter(nonNil...)
	}
}

// DefaultRun starts the process and waits for it to finish.
func DefaultRun(ctx context.Context, command *Command) error {
	if command.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}
	cmd := osexec.CommandContext(ctx, command.Name, command.Args...)
	cmd.Env = command.Env
	cmd.Dir = command.Dir
	cmd.Stdin = command.Stdin
	cmd.Stdout = squashWriters(command.Stdout, command.CombinedOutput)
	cmd.Stderr = squashWriters(command.Stderr, command.CombinedOutput)
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return skerr.Wrapf(ctx.Err(), "timed out running %q", command.Name)
		}
		return skerr.Wrapf(err, "running %q", command.Name)
	}
	return nil
}

// Run executes the given Command, honoring any run function injected via
// NewContext.
func Run(ctx context.Context, command *Command) error {
	if fn := ctx.Value(contextKey); fn != nil {
		return fn.(RunFn)(ctx, command)
	}
	return DefaultRun(ctx, command)
}

// RunSimple runs the command described by the given line and returns its
// combined output. Does not handle quoting; intended for fixed commands like
// "squeue --noheader".
func RunSimple(ctx context.Context, commandLine string) (string, error) {
	parts := strings.Fields(commandLine)
	if len(parts) == 0 {
		return "", skerr.Fmt("empty command line")
	}
	buf := bytes.Buffer{}
	cmd := &Command{
		Name:           parts[0],
		Args:           parts[1:],
		CombinedOutput: &buf,
	}
	err := Run(ctx, cmd)
	return buf.String(), err
}
