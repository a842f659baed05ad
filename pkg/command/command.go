// Package command spawns external tools (dump utilities, mount, hooks) in
// their own process group so a cancelled run takes the whole tree down.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/paulschiretz/pgl-backitup/pkg/plog"
)

// stderrTail is the number of trailing stderr bytes kept for error messages.
const stderrTail = 2048

// ContextFunc creates commands. Tests swap it for a helper process.
type ContextFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

// Spec describes one invocation.
type Spec struct {
	Name string
	Args []string
	// Env is appended to the current environment.
	Env    []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
}

// Runner executes commands.
type Runner struct {
	commandContext ContextFunc
}

// NewRunner returns a Runner. A nil ContextFunc uses exec.CommandContext.
func NewRunner(commandContext ContextFunc) *Runner {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Runner{commandContext: commandContext}
}

// Run executes spec and waits for it. Output not captured by spec.Stdout is
// logged line by line at debug level. A non-zero exit returns an error that
// carries the tail of stderr.
func (r *Runner) Run(ctx context.Context, spec Spec) error {
	cmd := r.commandContext(ctx, spec.Name, spec.Args...)
	setProcessGroup(cmd)
	if len(spec.Env) > 0 {
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		cmd.Env = append(cmd.Env, spec.Env...)
	}
	cmd.Dir = spec.Dir
	cmd.Stdin = spec.Stdin

	stdoutLog := newLineLogger(spec.Name, "stdout")
	defer stdoutLog.Flush()
	if spec.Stdout != nil {
		cmd.Stdout = spec.Stdout
	} else {
		cmd.Stdout = stdoutLog
	}
	var stderr tailBuffer
	stderrLog := newLineLogger(spec.Name, "stderr")
	defer stderrLog.Flush()
	cmd.Stderr = io.MultiWriter(&stderr, stderrLog)

	plog.Debug("Executing command", "command", spec.Name, "args", redactArgs(spec.Args))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return fmt.Errorf("%s failed: %w: %s", spec.Name, err, tail)
		}
		return fmt.Errorf("%s failed: %w", spec.Name, err)
	}
	return nil
}

// Shell runs a command line through the platform shell.
func (r *Runner) Shell(ctx context.Context, commandLine string) error {
	name, args := shellCommand(commandLine)
	return r.Run(ctx, Spec{Name: name, Args: args, Stdout: newLineLogger("hook", "")})
}

// LookPath reports whether a tool is installed.
func LookPath(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return fmt.Errorf("%s is not installed: %w", name, execErr.Err)
		}
		return err
	}
	return nil
}

// redactArgs hides inline password arguments in debug logs.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "--password=") {
			a = "--password=****"
		}
		out[i] = a
	}
	return out
}

type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if over := t.buf.Len() - stderrTail; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return t.buf.String() }

// lineLogger forwards complete lines to plog so tool output reaches the
// progress channel.
type lineLogger struct {
	name    string
	stream  string
	partial []byte
}

func newLineLogger(name, stream string) *lineLogger {
	return &lineLogger{name: name, stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.partial = append(l.partial, p...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		l.log(string(l.partial[:i]))
		l.partial = l.partial[i+1:]
	}
	return len(p), nil
}

// Flush logs a trailing line without newline.
func (l *lineLogger) Flush() {
	if len(l.partial) > 0 {
		l.log(string(l.partial))
		l.partial = nil
	}
}

func (l *lineLogger) log(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	if l.stream == "" {
		plog.Info(line, "command", l.name)
		return
	}
	plog.Debug(line, "command", l.name, "stream", l.stream)
}
