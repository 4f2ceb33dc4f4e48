// Package reaper drains SIGCHLD to quiescence, maps each reaped pid to its
// service record via the registry's pid index, and decides the right
// outcome (daemon vs. runtask vs. TTY, pre-daemonize fork vs. real exit).
package reaper

import (
	"golang.org/x/sys/unix"

	"github.com/kornnellio/gosv/internal/launcher"
	"github.com/kornnellio/gosv/internal/logx"
	"github.com/kornnellio/gosv/internal/registry"
	"github.com/kornnellio/gosv/internal/svc"
)

// Result describes one pid's reap outcome, for the caller (internal/
// supervisor) to fold into a svc.Input and call svc.Step.
type Result struct {
	Record *svc.Record
	ExitOK bool // WIFEXITED && WEXITSTATUS == 0
	// ForkPending is true when the exit was a forking daemon's
	// pre-daemonize fork: no state transition should happen, but the
	// supervisor should start polling for the pidfile.
	ForkPending bool
}

// TTYHandler lets the supervisor delegate TTY pids to the (external) TTY
// respawn collaborator.
type TTYHandler interface {
	HandleExit(pid int, exitOK bool) (handled bool)
}

// Reaper drains SIGCHLD against a registry.
type Reaper struct {
	reg *registry.Registry
	tty TTYHandler
	log *logx.Logger
}

// New returns a Reaper. tty may be nil if no TTY collaborator is wired.
func New(reg *registry.Registry, tty TTYHandler, log *logx.Logger) *Reaper {
	return &Reaper{reg: reg, tty: tty, log: log}
}

// DrainAll calls Wait4(-1, WNOHANG) until no more zombies remain, batching
// every simultaneous death into one slice of Results so the caller can
// step every affected service once.
func (r *Reaper) DrainAll() []Result {
	var out []Result
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			break
		}

		if r.tty != nil && r.tty.HandleExit(pid, ws.Exited() && ws.ExitStatus() == 0) {
			continue
		}

		rec, ok := r.reg.ByPid(pid)
		if !ok {
			r.log.DEBUG("reaped unknown pid", "pid", pid)
			continue
		}

		if rec.Launch.ForkingDaemon && rec.AwaitingPidfile {
			// Pre-daemonize fork: the exec'd process double-forked and
			// exited on purpose. The real daemon's pid will be
			// discovered via the pidfile; ignore this exit.
			_ = r.reg.SetPid(rec, 0)
			out = append(out, Result{Record: rec, ForkPending: true})
			continue
		}

		exitOK := ws.Exited() && ws.ExitStatus() == 0
		if rec.Kind.IsRunTask() {
			rec.Started = exitOK
		} else {
			launcher.RemovePidfile(rec)
		}

		// Sweep the whole process group in case the child leaked
		// grandchildren.
		if rec.Pid > 1 {
			_ = unix.Kill(-rec.Pid, unix.SIGKILL)
		}
		_ = r.reg.SetPid(rec, 0)

		out = append(out, Result{Record: rec, ExitOK: exitOK})
	}
	return out
}
