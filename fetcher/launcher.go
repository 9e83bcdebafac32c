package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// waitDelay bounds how long Wait blocks on output pipes held open by
// grandchildren after the fetcher itself has exited.
const waitDelay = 5 * time.Second

// Request describes one fetch job.
type Request struct {
	Domain    string
	ASIN      string
	Count     int
	OutputDir string
}

// Args renders the request as fetcher command line arguments.
func (r Request) Args() []string {
	return []string{
		"-d", r.Domain,
		"-m", strconv.Itoa(r.Count),
		"-o", r.OutputDir,
		r.ASIN,
	}
}

// Process is a running fetcher. Its completion is not used to decide whether a
// scrape converged; callers observe the document store instead.
type Process interface {
	Done() <-chan struct{}
	Err() error
	Stop() error
}

// Launcher starts the external fetcher command.
type Launcher struct {
	command []string
	stdout  io.Writer
	stderr  io.Writer
	logger  *slog.Logger
}

// NewLauncher builds a launcher for command, a program optionally followed by
// fixed arguments (e.g. "reviewfetch -v"). Nil writers discard the fetcher
// output.
func NewLauncher(command string, stdout, stderr io.Writer, logger *slog.Logger) (*Launcher, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, ErrFetcherUnavailable{Command: command, Err: errors.New("empty command")}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{command: fields, stdout: stdout, stderr: stderr, logger: logger}, nil
}

// Launch starts the fetcher for req. The process is not bound to ctx: it keeps
// running until it exits or Stop is called.
func (l *Launcher) Launch(ctx context.Context, req Request) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := exec.LookPath(l.command[0])
	if err != nil {
		return nil, ErrFetcherUnavailable{Command: l.command[0], Err: err}
	}

	args := append(append([]string{}, l.command[1:]...), req.Args()...)
	cmd := exec.Command(path, args...)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return nil, ErrFetcherUnavailable{Command: path, Err: err}
	}

	l.logger.Info("fetcher launched",
		slog.String("asin", req.ASIN),
		slog.Int("count", req.Count),
		slog.Int("pid", cmd.Process.Pid),
	)

	p := &process{cmd: cmd, done: make(chan struct{}), logger: l.logger}
	go p.wait()
	return p, nil
}

type process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	err     error
	stopped bool
}

func (p *process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	stopped := p.stopped
	p.mu.Unlock()
	close(p.done)

	if err != nil && !stopped {
		p.logger.Warn("fetcher exited with error",
			slog.Int("pid", p.cmd.Process.Pid),
			slog.Any("error", err),
		)
		return
	}
	p.logger.Debug("fetcher exited", slog.Int("pid", p.cmd.Process.Pid))
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop kills the process if it is still running and waits for it to exit.
func (p *process) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill fetcher: %w", err)
	}
	<-p.done
	return nil
}
