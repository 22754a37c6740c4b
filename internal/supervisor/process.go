package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Sink receives engine output one line at a time
type Sink interface {
	WriteLine(stream, text string)
}

type discardSink struct{}

func (discardSink) WriteLine(string, string) {}

// Process is a spawned engine process
type Process interface {
	Pid() int
	// Done is closed once the process has exited and its output is drained
	Done() <-chan struct{}
	// ExitCode returns the exit code and true once the process has exited
	ExitCode() (int, bool)
	// Kill sends a forceful termination signal
	Kill() error
}

// Spawner starts engine processes
type Spawner interface {
	Spawn(spec Spec, sink Sink) (Process, error)
}

// ExecSpawner spawns real processes with os/exec
type ExecSpawner struct{}

// Spawn implements Spawner.Spawn
func (ExecSpawner) Spawn(spec Spec, sink Sink) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = sysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrInterpreterNotFound, err)
		}
		return nil, err
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	var g errgroup.Group
	g.Go(func() error { return pumpLines(stdout, "stdout", sink) })
	g.Go(func() error { return pumpLines(stderr, "stderr", sink) })

	go func() {
		// Pipes must be drained before Wait closes them
		_ = g.Wait()
		_ = cmd.Wait()
		p.mu.Lock()
		p.exitCode = cmd.ProcessState.ExitCode()
		p.exited = true
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	mu       sync.Mutex
	exitCode int
	exited   bool
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

func (p *execProcess) Kill() error {
	err := killTree(p.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// maxLineLength bounds a forwarded line; the rest of a longer line is dropped
const maxLineLength = 1024 * 1024

// pumpLines forwards r to sink line by line until EOF. Lines longer than
// maxLineLength are truncated and reading continues, so the engine never
// blocks on a full pipe.
func pumpLines(r io.Reader, stream string, sink Sink) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	line := make([]byte, 0, 4096)

	for {
		chunk, isPrefix, err := reader.ReadLine()
		if room := maxLineLength - len(line); len(chunk) > room {
			chunk = chunk[:room]
		}
		line = append(line, chunk...)

		if err != nil {
			if len(line) > 0 {
				sink.WriteLine(stream, string(line))
			}
			if errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) {
				return nil
			}
			// Keep the pipe drained even if reading lines failed
			_, _ = io.Copy(io.Discard, r)
			return err
		}
		if isPrefix {
			continue
		}
		sink.WriteLine(stream, string(line))
		line = line[:0]
	}
}
