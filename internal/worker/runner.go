package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/observability"
	"github.com/helixir/doicache/internal/pipeline"
)

// Runner processes one DOI in an isolated unit. Cancelling ctx must stop the
// unit without its cooperation where the isolation allows it.
type Runner interface {
	Run(ctx context.Context, doi string) error
}

// Processor runs the full resolution and pipeline for a DOI.
type Processor interface {
	Process(ctx context.Context, doi domain.DOI) (*pipeline.Result, error)
}

// InlineRunner processes DOIs in the calling process under a cancellable
// context. A unit that ignores cancellation cannot be forced to stop, so
// ExecRunner is preferred outside tests and debugging.
type InlineRunner struct {
	Processor Processor
}

// Run implements Runner.
func (r InlineRunner) Run(ctx context.Context, raw string) error {
	doi, err := domain.ParseDOI(raw)
	if err != nil {
		return err
	}
	_, err = r.Processor.Process(ctx, doi)
	return err
}

// DefaultKillDelay bounds how long ExecRunner waits for a killed child's
// output pipes to close.
const DefaultKillDelay = 5 * time.Second

// ExecRunner processes every DOI in a child process running
// "<Path> <Args...> process --doi <doi>". A zero exit status is success.
// Cancelling the context kills the child.
//
// The child logs to stderr and, before exiting, writes its metrics report
// as the last line of stdout.
type ExecRunner struct {
	// Path is the executable, normally the running binary.
	Path string
	// Args precede the process subcommand, e.g. a --config flag.
	Args []string
	// Env is the child environment; nil inherits the parent's.
	Env []string
	// Stderr receives the child's log output one whole line per write;
	// nil discards it.
	Stderr io.Writer
	// Metrics records the child's report. Nil ignores it.
	Metrics *observability.Metrics
	// KillDelay overrides DefaultKillDelay.
	KillDelay time.Duration
}

// Command builds the child command for doi.
func (r ExecRunner) Command(ctx context.Context, doi string) *exec.Cmd {
	args := make([]string, 0, len(r.Args)+3)
	args = append(args, r.Args...)
	args = append(args, "process", "--doi", doi)

	cmd := exec.CommandContext(ctx, r.Path, args...)
	cmd.Env = r.Env
	if r.Stderr != nil {
		cmd.Stderr = &lineWriter{w: r.Stderr}
	}
	cmd.WaitDelay = r.KillDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultKillDelay
	}
	return cmd
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, doi string) error {
	cmd := r.Command(ctx, doi)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	if lw, ok := cmd.Stderr.(*lineWriter); ok {
		lw.Flush()
	}
	if report, decodeErr := observability.DecodeReport(stdout.Bytes()); decodeErr == nil {
		report.Replay(r.Metrics)
	}

	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("child for %s killed: %w", doi, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{DOI: doi, Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("start child for %s: %w", doi, err)
}

// ExitError reports a child process that finished with a non-zero status.
type ExitError struct {
	DOI  string
	Code int
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	return fmt.Sprintf("processing %s exited with status %d", e.DOI, e.Code)
}

// lineWriter forwards complete lines so that a log writer that parses one
// event per write never sees a partial record. Errors from w are dropped:
// a line the log writer rejects must not fail the child.
type lineWriter struct {
	w   io.Writer
	buf []byte
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		_, _ = l.w.Write(l.buf[:i+1])
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

// Flush writes a trailing partial line.
func (l *lineWriter) Flush() {
	if len(l.buf) == 0 {
		return
	}
	_, _ = l.w.Write(append(l.buf, '\n'))
	l.buf = nil
}
