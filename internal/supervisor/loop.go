package supervisor

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kornnellio/gosv/internal/svc"
)

// Command is the minimal operator-command surface the supervisor exposes;
// the
// initctl wire protocol itself is out of scope, but something has to
// call Dispatch from a control surface.
type Command int

const (
	CmdStart Command = iota
	CmdStop
	CmdRestart
	CmdReload
	CmdHalt
)

// ShutdownDeadline bounds how long BeginShutdown waits for services to
// reach HALTED/DONE before FinishShutdown SIGKILLs survivors.
const ShutdownDeadline = 30 * time.Second

// stableTick is how often the loop checks whether a RUNNING daemon has
// crossed Supervisor.StableAfter and should have its crash counter reset.
const stableTick = 5 * time.Second

// Run is the main event loop: single-threaded and cooperative, every
// external stimulus (signal, timer fire, condition change, queued step
// request) is folded into synchronous state-machine steps here. It blocks
// until stop is closed or a fatal shutdown signal has fully drained.
func (s *Supervisor) Run(stop <-chan struct{}) {
	sigCh := make(chan os.Signal, 16)
	// SIGSTOP/SIGCONT cannot be intercepted by any process, by kernel
	// design — "pause/resume respawning" describes what an operator
	// sees from outside (the supervisor itself stops running), not a
	// handler we install.
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM,
		syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(stableTick)
	defer ticker.Stop()

	shuttingDown := false

	for {
		if shuttingDown && s.Quiescent() {
			s.FinishShutdown()
			return
		}

		select {
		case <-stop:
			if !shuttingDown {
				shuttingDown = true
				s.BeginShutdown("halt", ShutdownDeadline)
			}

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGCHLD:
				for _, res := range s.Reaper.DrainAll() {
					if res.ForkPending {
						// The daemon may already have written its pidfile
						// by the time the intermediate fork is reaped.
						s.AdoptPidfile(res.Record)
						continue
					}
					s.StepChildExited(res.Record, res.ExitOK)
				}
			case syscall.SIGHUP:
				if s.Reloader != nil {
					fresh, err := s.Reloader()
					if err != nil {
						s.log.WARN("reload failed, keeping current config", "err", err)
					} else {
						s.ApplyReload(fresh)
					}
				}
			case syscall.SIGINT, syscall.SIGTERM:
				if !shuttingDown {
					shuttingDown = true
					s.BeginShutdown("halt", ShutdownDeadline)
				}
			case syscall.SIGUSR1:
				if !shuttingDown {
					shuttingDown = true
					s.BeginShutdown("halt", ShutdownDeadline)
				}
			case syscall.SIGUSR2:
				if !shuttingDown {
					shuttingDown = true
					s.BeginShutdown("reboot", ShutdownDeadline)
				}
			}

		case fire := <-s.Clock.C:
			if r, ok := s.Reg.ByID(fire.ServiceID); ok {
				s.StepTimer(r, fire.Kind)
			}

		case name := <-s.Cond.Changes:
			s.StepCondChange(name)

		case <-s.Queue.C():
			// Coalesced cross-goroutine step request, e.g. from a control
			// surface calling RequestStep.
			s.StepAll()
			s.maybeFinishRunlevelChange()

		case <-s.shutdownDoneChan():
			if shuttingDown {
				s.FinishShutdown()
				return
			}

		case <-ticker.C:
			s.checkStableRuns()
			s.checkPidfiles()
		}
	}
}

// shutdownDoneChan returns s.shutdownDone, or a nil channel (which blocks
// forever in a select) if no shutdown is in progress yet.
func (s *Supervisor) shutdownDoneChan() <-chan struct{} {
	if s.shutdownDone == nil {
		return nil
	}
	return s.shutdownDone
}

// checkStableRuns resets the crash counter for any RUNNING daemon that has
// survived past s.StableAfter.
func (s *Supervisor) checkStableRuns() {
	now := time.Now()
	for _, r := range s.Reg.All() {
		if r.Pid > 1 && r.RestartCnt > 0 && now.Sub(r.StartTime) >= s.StableAfter {
			s.OnStableRun(r)
		}
	}
}

// checkPidfiles retries pidfile adoption for any forking daemon still
// awaiting one.
func (s *Supervisor) checkPidfiles() {
	for _, r := range s.Reg.All() {
		if r.AwaitingPidfile {
			s.AdoptPidfile(r)
		}
	}
}

// Dispatch applies an operator command to a single service by key. This is
// the minimal surface a control socket handler calls into; CmdHalt ignores
// key and acts globally, and CmdReload marks only key's record dirty.
func (s *Supervisor) Dispatch(cmd Command, key svc.ID) {
	if cmd == CmdHalt {
		s.BeginShutdown("halt", ShutdownDeadline)
		return
	}

	r, ok := s.Reg.ByKey(key)
	if !ok {
		s.log.WARN("command for unknown service", "cmd", cmd, "key", key)
		return
	}

	switch cmd {
	case CmdStart:
		// An explicit operator start is the only thing that may clear
		// BlockCrashing — stepHalted refuses to on its own.
		r.Block = svc.BlockNone
		r.Enabled = true
	case CmdStop:
		r.Enabled = false
	case CmdRestart:
		r.Enabled = false
		s.StepAll()
		r.Enabled = true
	case CmdReload:
		r.Dirty = true
	}
	s.StepAll()
}
