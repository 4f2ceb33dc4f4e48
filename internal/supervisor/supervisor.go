// Package supervisor implements the global supervisor: it owns the
// registry, launcher, reaper, clock, condition store and queue, and is the
// svc.Env the per-service state machine runs against. Everything hangs off
// one Supervisor value rather than package-level state, so tests can run
// several side by side.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kornnellio/gosv/internal/clock"
	"github.com/kornnellio/gosv/internal/cond"
	"github.com/kornnellio/gosv/internal/launcher"
	"github.com/kornnellio/gosv/internal/logx"
	"github.com/kornnellio/gosv/internal/procinfo"
	"github.com/kornnellio/gosv/internal/queue"
	"github.com/kornnellio/gosv/internal/reaper"
	"github.com/kornnellio/gosv/internal/registry"
	"github.com/kornnellio/gosv/internal/respawn"
	"github.com/kornnellio/gosv/internal/svc"
)

// Supervisor wires every component into one svc.Env and drives runlevel
// changes, config reloads and shutdown.
type Supervisor struct {
	Reg      *registry.Registry
	Launcher *launcher.Launcher
	Reaper   *reaper.Reaper
	Clock    *clock.Service
	Cond     *cond.Store
	Queue    *queue.Queue
	Hooks    HookRunner
	log      *logx.Logger

	// Reloader re-parses the on-disk config and returns fresh records for
	// ApplyReload. Set by cmd/gosv; nil means SIGHUP is a no-op.
	Reloader func() ([]*svc.Record, error)

	runlevel int
	teardown bool
	// pendingLevel is set while a runlevel change is draining stopped
	// services; nil when idle.
	pendingLevel *int

	haltMode         string // "", "poweroff", "halt", "reboot" — set by BeginShutdown
	shutdownDeadline *time.Timer
	shutdownDone     chan struct{}

	// RespawnCap/StableAfter are the respawn controller's overridable
	// parameters; New seeds the defaults, cmd/gosv applies
	// svccfg.Settings overrides on top.
	RespawnCap  int
	StableAfter time.Duration
}

// New assembles a Supervisor. reg/lnch/rp/clk/cs must already be
// constructed; hooks may be nil, in which case a no-op HookRunner is used.
func New(reg *registry.Registry, lnch *launcher.Launcher, rp *reaper.Reaper, clk *clock.Service, cs *cond.Store, q *queue.Queue, hooks HookRunner, log *logx.Logger) *Supervisor {
	if hooks == nil {
		hooks = NoopHookRunner{}
	}
	return &Supervisor{
		Reg: reg, Launcher: lnch, Reaper: rp, Clock: clk, Cond: cs, Queue: q, Hooks: hooks, log: log,
		runlevel:    1,
		RespawnCap:  respawn.DefaultCap,
		StableAfter: respawn.DefaultStableAfter,
	}
}

// RequestStep posts a coalesced step-all request, safe to call from outside
// the event-loop goroutine (e.g. a control-surface handler).
func (s *Supervisor) RequestStep() { s.Queue.Post() }

// Runlevel reports the currently active runlevel.
func (s *Supervisor) Runlevel() int { return s.runlevel }

// --- svc.Env ---

// Launch starts r's process via the launcher and installs the new
// pid in the registry's pid index so the Reaper can find the record again.
// A missing binary, env file or unusable tty device marks the record
// BlockMissing: surfaced to the operator, not retried.
func (s *Supervisor) Launch(r *svc.Record) error {
	if err := s.Launcher.Start(r); err != nil {
		var missingBin *launcher.MissingBinaryError
		var missingEnv *launcher.MissingEnvFileError
		var badTTY *launcher.TTYDeviceError
		if errors.As(err, &missingBin) || errors.As(err, &missingEnv) || errors.As(err, &badTTY) {
			r.Block = svc.BlockMissing
		}
		return err
	}
	if r.Pid > 1 {
		if err := s.Reg.IndexPid(r); err != nil {
			s.log.WARN("failed to index launched pid", "cmd", r.Command, "pid", r.Pid, "err", err)
		}
	}
	return nil
}

// SignalGroup sends sig to the process group headed by pid. Implementations
// must refuse pid <= 1.
func (s *Supervisor) SignalGroup(pid int, sig int) error {
	if pid <= 1 {
		return fmt.Errorf("supervisor: refusing to signal pid %d", pid)
	}
	return unix.Kill(-pid, syscall.Signal(sig))
}

// Suspend pauses a running group for condition FLUX.
func (s *Supervisor) Suspend(pid int) error {
	return s.SignalGroup(pid, int(syscall.SIGSTOP))
}

// Resume resumes a paused group.
func (s *Supervisor) Resume(pid int) error {
	return s.SignalGroup(pid, int(syscall.SIGCONT))
}

// ArmKillTimer arms the kill-escalation timer for r, cancelling any prior
// pending timer first.
func (s *Supervisor) ArmKillTimer(r *svc.Record, d time.Duration) {
	r.PendingTimer = svc.TimerKill
	s.Clock.Arm(r.ID, svc.TimerKill, d)
}

// ArmRetryTimer arms the respawn-backoff timer for r.
func (s *Supervisor) ArmRetryTimer(r *svc.Record, d time.Duration) {
	r.PendingTimer = svc.TimerRetry
	s.Clock.Arm(r.ID, svc.TimerRetry, d)
}

// CancelTimer disarms r's pending timer, if any.
func (s *Supervisor) CancelTimer(r *svc.Record) {
	s.Clock.Cancel(r.ID)
	r.PendingTimer = svc.TimerNone
}

// StopSysv runs r's synchronous "<cmd> stop" script.
func (s *Supervisor) StopSysv(r *svc.Record) error {
	return s.Launcher.Stop(r)
}

// Log returns the supervisor's logger.
func (s *Supervisor) Log() *logx.Logger { return s.log }

// InTeardown reports whether a runlevel change or shutdown is currently
// draining services; READY→RUNNING is blocked while true.
func (s *Supervisor) InTeardown() bool { return s.teardown }

// condName is the pid/<name> condition a running daemon implies.
func (s *Supervisor) condName(r *svc.Record) string {
	name := r.Key.Tag
	if name == "" {
		name = filepath.Base(r.Command)
	}
	return "pid/" + name
}

// AssertOwnCondition marks r's pid/<name> condition ON.
func (s *Supervisor) AssertOwnCondition(r *svc.Record) {
	if err := s.Cond.Set(s.condName(r)); err != nil {
		s.log.WARN("failed to assert condition", "cond", s.condName(r), "err", err)
	}
}

// ClearOwnCondition removes r's pid/<name> condition.
func (s *Supervisor) ClearOwnCondition(r *svc.Record) {
	if err := s.Cond.Clear(s.condName(r)); err != nil {
		s.log.WARN("failed to clear condition", "cond", s.condName(r), "err", err)
	}
}

// OnCrash engages the respawn controller: bump the counter, either
// block permanently (BlockCrashing) past the cap or arm a backoff retry.
func (s *Supervisor) OnCrash(r *svc.Record) {
	r.RestartCnt++
	if respawn.Exceeded(r.RestartCnt, s.RespawnCap) {
		r.Block = svc.BlockCrashing
		r.RestartCnt = 0
		s.log.WARN("Service keeps crashing, not restarting", "cmd", r.Command)
		return
	}
	s.ArmRetryTimer(r, respawn.NextDelay(r.RestartCnt, s.RespawnCap))
}

// OnStableRun resets the crash counter once a daemon has run long enough
// without crashing.
func (s *Supervisor) OnStableRun(r *svc.Record) {
	r.RestartCnt = 0
}

// AdoptPidfile reads a forking daemon's pidfile and takes ownership of the
// pid found there once the pre-daemonize fork has exited. A no-op while the file is absent or
// unparsable; the event loop retries on its next tick.
func (s *Supervisor) AdoptPidfile(r *svc.Record) {
	if !r.AwaitingPidfile || r.Launch.PidfileSpec == "" {
		return
	}
	data, err := os.ReadFile(r.Launch.PidfileSpec)
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 1 {
		return
	}
	if err := s.Reg.SetPid(r, pid); err != nil {
		s.log.WARN("failed to adopt pidfile pid", "cmd", r.Command, "pid", pid, "err", err)
		return
	}
	r.AwaitingPidfile = false
	s.log.INFO("adopted daemon pid from pidfile", "cmd", r.Command, "pid", pid)
	s.AssertOwnCondition(r)
}

// Introspect snapshots the /proc state of key's process group, for an
// operator control surface to render.
func (s *Supervisor) Introspect(key svc.ID) (*procinfo.Snapshot, error) {
	r, ok := s.Reg.ByKey(key)
	if !ok {
		return nil, fmt.Errorf("supervisor: no such service: %v", key)
	}
	if r.NoChild() {
		return nil, fmt.Errorf("supervisor: %v has no running process", key)
	}
	return procinfo.Capture(r.Pid)
}
