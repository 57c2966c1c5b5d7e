package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

// Output returns stdout and stderr joined and trimmed, for logs and step details.
func (r Result) Output() string {
	out := strings.TrimSpace(string(r.Stdout))
	if e := strings.TrimSpace(string(r.Stderr)); e != "" {
		if out != "" {
			out += "\n"
		}
		out += e
	}
	return out
}

var (
	ErrTimeout  = errors.New("command timed out")
	ErrNotFound = errors.New("tool not found")
)

// Runner runs external programs. Every adapter goes through a Runner so tests
// can substitute a scripted fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Exec is the Runner backed by os/exec.
type Exec struct {
	Timeout time.Duration
}

func (e Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if _, err := exec.LookPath(name); err != nil {
		return Result{Code: -1}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return Run(ctx, timeout, name, args...)
}

func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}
	if cctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	return res, err
}

// Check runs the command and turns a non-zero exit into an error carrying the output.
func Check(ctx context.Context, r Runner, name string, args ...string) (Result, error) {
	res, err := r.Run(ctx, name, args...)
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return res, err
		}
	}
	if res.Code != 0 {
		return res, &ExitError{Cmd: strings.TrimSpace(name + " " + strings.Join(args, " ")), Code: res.Code, Output: res.Output()}
	}
	return res, nil
}

// ExitError describes a command that ran and exited non-zero.
type ExitError struct {
	Cmd    string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.Code, e.Output)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
