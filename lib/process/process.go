// Package process starts a child process whose stdin and stdout carry a
// message stream, and reports on its lifetime and resource use.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// ErrNotStarted is returned by Spawn when the command cannot be started.
var ErrNotStarted = errors.New("process not started")

// Spec describes the child to start.
type Spec struct {
	Path string
	Args []string

	// Dir is the working directory.
	Dir string

	// Env is the complete environment of the child. Nil means an empty
	// environment, never the parent's.
	Env []string

	// Stderr receives the child's stderr. Nil discards it.
	Stderr io.Writer
}

type Process struct {
	cmd *exec.Cmd

	stdin  *os.File
	stdout *os.File

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error

	stats statsHandle
}

// Spawn starts the child with fresh pipes on stdin and stdout.
func Spawn(spec Spec) (*Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.Stderr = spec.Stderr

	stdinReader, stdinWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutReader, stdoutWriter, err := os.Pipe()
	if err != nil {
		_ = stdinReader.Close()
		_ = stdinWriter.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stdin = stdinReader
	cmd.Stdout = stdoutWriter

	startErr := cmd.Start()

	// The child holds its own copies of these ends.
	_ = stdinReader.Close()
	_ = stdoutWriter.Close()

	if startErr != nil {
		_ = stdinWriter.Close()
		_ = stdoutReader.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrNotStarted, spec.Path, startErr)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdinWriter,
		stdout: stdoutReader,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Stdin() io.Writer {
	return p.stdin
}

func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits and returns its exit status.
func (p *Process) Wait() error {
	<-p.done
	if p.waitErr != nil {
		return fmt.Errorf("process exited with error: %w", p.waitErr)
	}
	return nil
}

// Kill terminates the process immediately. Killing an exited process is not an error.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}

// CloseStdin closes the child's stdin, which a well-behaved child treats as
// a request to exit.
func (p *Process) CloseStdin() error {
	if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("failed to close stdin writer: %w", err)
	}
	return nil
}

// Close closes the pipes, kills the process if it is still running and
// waits for it. It is safe to call more than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = errors.Join(p.CloseStdin(), p.Kill())
		<-p.done
		if err := p.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			p.closeErr = errors.Join(p.closeErr, fmt.Errorf("failed to close stdout reader: %w", err))
		}
	})
	return p.closeErr
}
