package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/topicexec/internal/config"
	"github.com/mattjoyce/topicexec/internal/log"
)

const (
	// maxStderrBytes caps the amount of stderr kept in the Outcome. The sink
	// still receives every line.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

var (
	// ErrStart means the process could not be started at all.
	ErrStart = errors.New("start process")
	// ErrTimeout means the configured command timeout elapsed.
	ErrTimeout = errors.New("command timed out")
	// ErrNonZeroExit is wrapped by *ExitError.
	ErrNonZeroExit = errors.New("command exited with non-zero status")
)

// ExitError reports a non-zero exit in strict mode.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return ErrNonZeroExit }

// ExitMode selects whether the exit status counts.
type ExitMode string

const (
	ExitStrict ExitMode = config.ExitStatusStrict
	ExitCompat ExitMode = config.ExitStatusCompat
)

// Command is the external executable template.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// CommandFromConfig converts the configured command.
func CommandFromConfig(c config.CommandConfig) Command {
	return Command{Path: c.Path, Args: append([]string(nil), c.Args...), Dir: c.Dir, Timeout: c.Timeout}
}

// Request is one dispatch: the connection identity, its target URL and the
// extracted value string.
type Request struct {
	List   string
	URL    string
	Values string
}

// Build returns the argument list with {list}, {values} and {url} substituted.
func (c Command) Build(req Request) []string {
	r := strings.NewReplacer("{list}", req.List, "{values}", req.Values, "{url}", req.URL)
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = r.Replace(a)
	}
	return args
}

// Outcome describes a completed process.
type Outcome struct {
	ExitCode    int
	StdoutLines int
	StderrLines int
	Stderr      string
	Duration    time.Duration
}

// Dispatcher spawns the external command. It holds no per-call state and is safe
// for concurrent use; each session calls it from its own worker.
type Dispatcher struct {
	cmd    Command
	mode   ExitMode
	logger *slog.Logger
}

// New creates a Dispatcher.
func New(cmd Command, mode ExitMode) *Dispatcher {
	if mode == "" {
		mode = ExitStrict
	}
	return &Dispatcher{
		cmd:    cmd,
		mode:   mode,
		logger: log.WithComponent("dispatch"),
	}
}

// Mode returns the configured exit mode.
func (d *Dispatcher) Mode() ExitMode { return d.mode }

// Dispatch runs the command for req and blocks until it exits. Output lines go to
// sink at INFO, stdout first then stderr.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, sink *slog.Logger) (Outcome, error) {
	args := d.cmd.Build(req)
	logger := d.logger.With("list", req.List)

	cmd := exec.Command(d.cmd.Path, args...)
	cmd.Dir = d.cmd.Dir
	// Own process group so termination reaches children of wrapper scripts.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("create stderr pipe: %w", err)
	}

	spool, err := newLineSpool()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrStart, err)
	}
	defer spool.Close()

	logger.Debug("spawning command", "path", d.cmd.Path, "args", args, "timeout", d.cmd.Timeout)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrStart, err)
	}
	_ = stdin.Close()

	done := make(chan struct{})
	reason := make(chan error, 1)
	go d.watch(ctx, cmd, done, reason, logger)

	// stderr is drained concurrently so a chatty stderr cannot stall stdout, and
	// replayed from the spool once stdout reaches EOF.
	var (
		stderrBuf cappedBuffer
		spoolErr  error
		wg        sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = readLines(stderr, func(line string) {
			stderrBuf.WriteLine(line)
			if spoolErr == nil {
				spoolErr = spool.WriteLine(line)
			}
		})
	}()

	var out Outcome
	if err := readLines(stdout, func(line string) {
		out.StdoutLines++
		sink.Info("Output: "+line, "stream", "stdout")
	}); err != nil {
		logger.Warn("reading stdout failed", "error", err)
	}

	wg.Wait()
	if stderrBuf.Full() {
		logger.Debug("stderr exceeded capture limit, journal copy truncated", "limit_bytes", maxStderrBytes)
	}
	if spoolErr != nil {
		logger.Error("spooling stderr failed, later lines lost", "error", spoolErr)
	}
	if err := spool.Replay(func(line string) {
		out.StderrLines++
		sink.Info("Output: "+line, "stream", "stderr")
	}); err != nil {
		logger.Error("replaying stderr failed", "error", err)
	}
	out.Stderr = stderrBuf.String()

	waitErr := cmd.Wait()
	close(done)
	out.Duration = time.Since(started)
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	// A timeout or cancellation only counts when it cut the run short; a process
	// that exited cleanly before the signal landed is a normal completion.
	if waitErr != nil {
		select {
		case r := <-reason:
			return out, r
		default:
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return out, fmt.Errorf("wait for process: %w", waitErr)
		}
		if d.mode == ExitStrict {
			return out, &ExitError{Code: out.ExitCode}
		}
		logger.Warn("command exited with non-zero status (compat mode)", "exit_code", out.ExitCode)
	}

	logger.Debug("command completed", "exit_code", out.ExitCode, "duration", out.Duration)
	return out, nil
}

// watch terminates the process group when the timeout elapses or ctx is cancelled.
func (d *Dispatcher) watch(ctx context.Context, cmd *exec.Cmd, done <-chan struct{}, reason chan<- error, logger *slog.Logger) {
	var timeoutC <-chan time.Time
	if d.cmd.Timeout > 0 {
		timer := time.NewTimer(d.cmd.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-done:
		return
	case <-timeoutC:
		reason <- fmt.Errorf("%w after %v", ErrTimeout, d.cmd.Timeout)
		logger.Warn("command timed out, sending SIGTERM", "timeout", d.cmd.Timeout)
	case <-ctx.Done():
		reason <- ctx.Err()
		logger.Warn("dispatch cancelled, sending SIGTERM")
	}

	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()
	select {
	case <-done:
		logger.Info("command exited after SIGTERM")
	case <-grace.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
	}
}

// readLines calls fn for every line of r, without the trailing newline, until EOF.
func readLines(r io.Reader, fn func(string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			fn(strings.TrimRight(line, "\r\n"))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// lineSpool holds lines in a temp file, removed on Close, until they are replayed.
type lineSpool struct {
	f *os.File
	w *bufio.Writer
}

func newLineSpool() (*lineSpool, error) {
	f, err := os.CreateTemp("", "topicexec-stderr-*")
	if err != nil {
		return nil, fmt.Errorf("create stderr spool: %w", err)
	}
	return &lineSpool{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *lineSpool) WriteLine(line string) error {
	if _, err := s.w.WriteString(line); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

// Replay flushes pending writes and calls fn for every spooled line in order.
func (s *lineSpool) Replay(fn func(string)) error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return readLines(s.f, fn)
}

func (s *lineSpool) Close() error {
	name := s.f.Name()
	err := s.f.Close()
	_ = os.Remove(name)
	return err
}

// cappedBuffer keeps at most maxStderrBytes of text.
type cappedBuffer struct {
	b    strings.Builder
	full bool
}

func (c *cappedBuffer) WriteLine(line string) {
	if c.full {
		return
	}
	if c.b.Len()+len(line)+1 > maxStderrBytes {
		c.full = true
		return
	}
	c.b.WriteString(line)
	c.b.WriteByte('\n')
}

func (c *cappedBuffer) Full() bool { return c.full }

func (c *cappedBuffer) String() string { return c.b.String() }
