// Package supervisor launches agent bundles as child processes, captures
// their output into per-agent log files, and stops them on request.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"oxsets/internal/domain"
)

// Environment keys injected into every agent process.
const (
	EnvFreeMode  = "3OX_FREE_MODE"
	EnvAgentHome = "AGENT_HOME"
	EnvAgentID   = "AGENT_ID"
	EnvBrokerURL = "RABBITMQ_URL"
)

// NoLogsLine is returned by TailLogs when there is no log to read.
const NoLogsLine = "No logs available"

// DefaultTailLines is the number of lines TailLogs returns when unset.
const DefaultTailLines = 100

// timestampLayout renders log entry timestamps in UTC.
const timestampLayout = "2006-01-02 15:04:05"

// Config holds configuration for the Supervisor.
type Config struct {
	Interpreter string            // program that runs the entry script (default: ruby)
	LogDir      string            // per-agent log directory (default: logs)
	GracePeriod time.Duration     // wait between SIGTERM and SIGKILL (default: 5s)
	BrokerURL   string            // value of RABBITMQ_URL (default: amqp://localhost:5672)
	TailLines   int               // lines returned by TailLogs (default: 100)
	Env         map[string]string // extra variables; never override the fixed contract
}

// Signaler delivers signals to agent processes and probes their liveness.
type Signaler interface {
	Terminate(pid int) error
	Kill(pid int) error
	Alive(pid int) bool
}

// Supervisor runs agent processes. It does not deduplicate launches:
// callers that need one process per agent must enforce that themselves.
type Supervisor struct {
	cfg     Config
	signals Signaler
	bus     domain.EventBus
	logger  *slog.Logger

	wg sync.WaitGroup // reapers
}

// New creates a Supervisor that signals processes through the OS.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) *Supervisor {
	return NewWithSignaler(cfg, newOSSignaler(), bus, logger)
}

// NewWithSignaler creates a Supervisor with a custom Signaler.
func NewWithSignaler(cfg Config, signals Signaler, bus domain.EventBus, logger *slog.Logger) *Supervisor {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "ruby"
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "amqp://localhost:5672"
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	return &Supervisor{
		cfg:     cfg,
		signals: signals,
		bus:     bus,
		logger:  logger,
	}
}

// LogPath returns the log file used for an agent id.
func (s *Supervisor) LogPath(agentID string) string {
	return filepath.Join(s.cfg.LogDir, agentID+".log")
}

// GracePeriod returns the configured SIGTERM-to-SIGKILL wait.
func (s *Supervisor) GracePeriod() time.Duration {
	return s.cfg.GracePeriod
}

// Launch starts the agent's run script and returns without waiting for it.
// Stdout and stderr are drained line by line into the agent's log file.
func (s *Supervisor) Launch(ctx context.Context, m domain.AgentManifest) (*domain.ProcessHandle, error) {
	const op = "Supervisor.Launch"

	script := m.Files.RunScript
	if script == "" {
		return nil, domain.NewSubSystemError("process", op, domain.ErrMissingEntrypoint, m.ID)
	}
	if info, err := os.Stat(script); err != nil || !info.Mode().IsRegular() {
		return nil, domain.NewSubSystemError("process", op, domain.ErrMissingEntrypoint, m.ID)
	}

	home, err := filepath.Abs(m.Path)
	if err != nil {
		return nil, launchError(m.ID, "resolve bundle path", err)
	}
	entry, err := filepath.Rel(m.Path, script)
	if err != nil {
		entry, _ = filepath.Abs(script)
	}

	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		return nil, launchError(m.ID, "create log dir", err)
	}
	logPath := s.LogPath(m.ID)
	logw, err := openAppendWriter(logPath)
	if err != nil {
		return nil, launchError(m.ID, "open log", err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		logw.Close()
		return nil, launchError(m.ID, "stdout pipe", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		logw.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, launchError(m.ID, "stderr pipe", err)
	}

	cmd := exec.Command(s.cfg.Interpreter, entry)
	cmd.Dir = m.Path
	cmd.Env = s.environ(home, m.ID)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	setProcAttr(cmd)

	startErr := cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()
		logw.Close()
		return nil, launchError(m.ID, "start", startErr)
	}

	handle := &domain.ProcessHandle{
		AgentID:   m.ID,
		LaunchID:  newLaunchID(),
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		Status:    domain.RunStateRunning,
		LogPath:   logPath,
	}

	var drains sync.WaitGroup
	drains.Add(2)
	go func() {
		defer drains.Done()
		drain(stdoutR, logw, "")
	}()
	go func() {
		defer drains.Done()
		drain(stderrR, logw, "ERROR: ")
	}()

	s.wg.Add(1)
	go s.reap(cmd, *handle, &drains, logw)

	s.logger.Info("agent launched", "agent_id", m.ID, "pid", handle.PID, "launch_id", handle.LaunchID)
	return handle, nil
}

// Stop asks the process to terminate, waits the grace period, and kills it
// if it is still alive. Only a failed kill is reported as an error. Once
// started, the wait is not cut short by ctx.
func (s *Supervisor) Stop(ctx context.Context, pid int) error {
	const op = "Supervisor.Stop"

	if err := s.signals.Terminate(pid); err != nil {
		s.logger.Warn("failed to send SIGTERM", "pid", pid, "error", err)
	}

	time.Sleep(s.cfg.GracePeriod)

	if s.signals.Alive(pid) {
		s.logger.Warn("process did not stop gracefully, forcing kill", "pid", pid)
		if err := s.signals.Kill(pid); err != nil {
			if !s.signals.Alive(pid) {
				s.logger.Debug("process exited before SIGKILL", "pid", pid)
			} else {
				return domain.NewSubSystemError("process", op, domain.ErrStopFailed,
					fmt.Sprintf("kill pid %d: %v", pid, err))
			}
		}
	}

	s.logger.Info("agent process stopped", "pid", pid)
	return nil
}

// IsRunning reports whether pid is alive. Any probe failure reads as false.
func (s *Supervisor) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return s.signals.Alive(pid)
}

// Status maps IsRunning onto a RunState.
func (s *Supervisor) Status(pid int) domain.RunState {
	if s.IsRunning(pid) {
		return domain.RunStateRunning
	}
	return domain.RunStateStopped
}

// TailLogs returns the last lines of the agent's log, earliest first.
// A missing or unreadable log yields a single NoLogsLine entry.
func (s *Supervisor) TailLogs(m domain.AgentManifest) []string {
	f, err := os.Open(s.LogPath(m.ID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Debug("log unreadable", "agent_id", m.ID, "error", err)
		}
		return []string{NoLogsLine}
	}
	defer f.Close()

	ring := newLineRing(s.cfg.TailLines)
	if err := ring.ReadFrom(f); err != nil {
		s.logger.Debug("log read failed", "agent_id", m.ID, "error", err)
		return []string{NoLogsLine}
	}
	return ring.Lines()
}

// Wait blocks until every launched process has exited and its log drains
// have finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) environ(home, agentID string) []string {
	env := os.Environ()
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}
	return append(env,
		EnvFreeMode+"=true",
		EnvAgentHome+"="+home,
		EnvAgentID+"="+agentID,
		EnvBrokerURL+"="+s.cfg.BrokerURL,
	)
}

// reap collects the child as soon as it exits, then waits for both drains
// to reach EOF before closing the shared log writer.
func (s *Supervisor) reap(cmd *exec.Cmd, handle domain.ProcessHandle, drains *sync.WaitGroup, logw io.Closer) {
	defer s.wg.Done()

	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	drains.Wait()
	if cerr := logw.Close(); cerr != nil {
		s.logger.Warn("close agent log", "agent_id", handle.AgentID, "error", cerr)
	}

	s.logger.Info("agent process exited", "agent_id", handle.AgentID, "pid", handle.PID, "exit_code", exitCode)
	s.emitExited(handle, exitCode)
}

func (s *Supervisor) emitExited(handle domain.ProcessHandle, exitCode int) {
	if s.bus == nil {
		return
	}
	data, _ := json.Marshal(map[string]any{
		"pid":       handle.PID,
		"launch_id": handle.LaunchID,
		"exit_code": exitCode,
	})
	s.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventAgentExited,
		Timestamp: time.Now(),
		AgentID:   handle.AgentID,
		Payload:   data,
	})
}

// drain copies r into w line by line, stamping each line, until EOF.
func drain(r io.ReadCloser, w *appendWriter, prefix string) {
	defer r.Close()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			w.WriteEntry(time.Now(), prefix, trimEOL(line))
		}
		if err != nil {
			return
		}
	}
}

func trimEOL(line string) string {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
		if n > 0 && line[n-1] == '\r' {
			n--
		}
	}
	return line[:n]
}

func launchError(agentID, step string, err error) error {
	return domain.NewSubSystemError("process", "Supervisor.Launch", domain.ErrLaunchFailed,
		fmt.Sprintf("%s: %s: %v", agentID, step, err))
}

func newLaunchID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
