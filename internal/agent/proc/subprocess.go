package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// clockTicksPerSecond is USER_HZ, fixed at 100 on Linux.
const clockTicksPerSecond = 100

// SubprocessLauncher runs jobs as child processes on the agent host.
// Each child gets its own process group so a kill takes out anything
// it spawned.
type SubprocessLauncher struct {
	logger zerolog.Logger
}

// NewSubprocessLauncher creates the host subprocess launcher.
func NewSubprocessLauncher(logger zerolog.Logger) *SubprocessLauncher {
	return &SubprocessLauncher{
		logger: logger.With().Str("launcher", "subprocess").Logger(),
	}
}

// Name returns the executor kind this launcher serves.
func (l *SubprocessLauncher) Name() string {
	return "subprocess"
}

// Launch starts the command and begins capturing its output. The spawn
// context does not bound the process; kills come from the manager.
func (l *SubprocessLauncher) Launch(ctx context.Context, spec Spec, output *Sink) (Handle, error) {
	if spec.Command == "" {
		return nil, errors.New("empty command")
	}
	if spec.WorkDir != "" {
		if _, err := os.Stat(spec.WorkDir); err != nil {
			return nil, fmt.Errorf("working directory %s: %w", spec.WorkDir, err)
		}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = buildEnv(spec.Env)

	// Own process group so Kill can address the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	h := &subprocessHandle{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	h.capture.Add(2)
	go l.captureOutput(stdout, StreamStdout, output, &h.capture)
	go l.captureOutput(stderr, StreamStderr, output, &h.capture)
	go h.reap()

	l.logger.Debug().
		Int("pid", h.pid).
		Str("command", spec.Command).
		Msg("Subprocess started")
	return h, nil
}

// captureOutput reads one pipe line-wise into the sink.
func (l *SubprocessLauncher) captureOutput(r io.Reader, stream string, output *Sink, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 64KB buffer, 1MB max line

	for scanner.Scan() {
		line := scanner.Bytes()
		data := make([]byte, len(line)+1)
		copy(data, line)
		data[len(line)] = '\n'
		output.Write(stream, data)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		l.logger.Debug().Err(err).Str("stream", stream).Msg("Scanner error")
	}
}

// buildEnv merges the job environment over the agent's own.
func buildEnv(env map[string]string) []string {
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}

// subprocessHandle supervises one child process.
type subprocessHandle struct {
	cmd     *exec.Cmd
	pid     int
	capture sync.WaitGroup

	done     chan struct{}
	exitCode int
	waitErr  error

	mu        sync.Mutex
	prevTicks uint64
	prevAt    time.Time
}

// reap drains output capture, then collects the exit status.
func (h *subprocessHandle) reap() {
	h.capture.Wait()

	err := h.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Nonzero or signal exit is an observed exit, not a wait failure.
			code, err = exitErr.ExitCode(), nil
		} else {
			code = -1
		}
	}
	h.exitCode, h.waitErr = code, err
	close(h.done)
}

// Wait blocks until the exit is observed.
func (h *subprocessHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.exitCode, h.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Kill terminates the whole process group.
func (h *subprocessHandle) Kill(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	// Negative pid addresses the process group.
	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process group %d: %w", h.pid, err)
	}
	return nil
}

// Usage samples memory and CPU for the child from /proc.
func (h *subprocessHandle) Usage(ctx context.Context) (Usage, error) {
	select {
	case <-h.done:
		return Usage{}, errors.New("process exited")
	default:
	}

	mem, err := readProcRSS(h.pid)
	if err != nil {
		return Usage{}, err
	}
	ticks, err := readProcCPUTicks(h.pid)
	if err != nil {
		return Usage{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	var cpu float64
	if !h.prevAt.IsZero() && ticks >= h.prevTicks {
		if elapsed := now.Sub(h.prevAt).Seconds(); elapsed > 0 {
			cpu = float64(ticks-h.prevTicks) / clockTicksPerSecond / elapsed * 100
		}
	}
	h.prevTicks, h.prevAt = ticks, now

	return Usage{MemoryBytes: mem, CPUPercent: cpu}, nil
}

// readProcRSS reads VmRSS from /proc/<pid>/status, in bytes.
func readProcRSS(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse VmRSS: %w", err)
		}
		return kb * 1024, nil
	}
	return 0, errors.New("VmRSS not found")
}

// readProcCPUTicks returns utime+stime from /proc/<pid>/stat.
func readProcCPUTicks(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}

	// The comm field may contain spaces; real fields start after the
	// closing paren.
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 > len(s) {
		return 0, errors.New("malformed stat line")
	}
	fields := strings.Fields(s[idx+2:])
	// utime and stime are fields 14 and 15 of the full line.
	if len(fields) < 13 {
		return 0, errors.New("short stat line")
	}

	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse stime: %w", err)
	}
	return utime + stime, nil
}

var _ Launcher = (*SubprocessLauncher)(nil)
