package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// ProcessRunner 在 Bundle 目录下用本地解释器运行 Objective 文件
type ProcessRunner struct {
	Interpreter string
}

func NewProcessRunner(interpreter string) *ProcessRunner {
	return &ProcessRunner{Interpreter: interpreter}
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *process) Stdin() io.WriteCloser { return p.stdin }
func (p *process) Stdout() io.Reader     { return p.stdout }

func (p *process) Wait() error {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return err
}

func (r *ProcessRunner) Start(ctx context.Context, spec Spec, stderr io.Writer) (Process, error) {
	cmd := exec.CommandContext(ctx, r.Interpreter, spec.Study.ObjectiveFile)
	cmd.Dir = spec.BundleDir
	cmd.Env = append(os.Environ(), spec.Env()...)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s %s: %w", r.Interpreter, spec.Study.ObjectiveFile, err)
	}
	return &process{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}
