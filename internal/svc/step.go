package svc

import (
	"time"

	"github.com/kornnellio/gosv/internal/logx"
)

// Env is everything the state machine needs from the outside world. It is
// implemented by internal/supervisor, which owns the launcher, the
// condition store and the clock. Keeping this as a narrow interface lets
// tests drive Step with a fake.
type Env interface {
	// Launch starts r's process. On success it must have set r.Pid and
	// r.StartTime before returning; for a SYSV record the start script
	// has already exited, so only r.StartTime is set and r.Pid stays 0.
	Launch(r *Record) error
	// SignalGroup sends sig to the process group headed by pid (i.e.
	// kill(-pid, sig)). Implementations must refuse pid <= 1.
	SignalGroup(pid int, sig int) error
	// Suspend/Resume implement the WAITING state's SIGSTOP/SIGCONT pair.
	Suspend(pid int) error
	Resume(pid int) error

	// ArmKillTimer/ArmRetryTimer (re-)arm the record's single pending
	// timer, cancelling any previous one first.
	ArmKillTimer(r *Record, d time.Duration)
	ArmRetryTimer(r *Record, d time.Duration)
	CancelTimer(r *Record)

	// OnCrash is called when a daemon's pid drops to 0 unexpectedly; the
	// respawn controller decides the backoff and may set BlockCrashing.
	OnCrash(r *Record)
	// OnStableRun is called once a RUNNING record has survived long
	// enough that the crash counter should reset.
	OnStableRun(r *Record)

	// StopSysv runs the synchronous "<cmd> stop" script for a SYSV record
	// (SYSV is not directly monitored, so its shutdown can't go through
	// SignalGroup/ArmKillTimer like a real pid).
	StopSysv(r *Record) error

	// AssertOwnCondition/ClearOwnCondition maintain the pid/<name>
	// condition a running daemon implies.
	AssertOwnCondition(r *Record)
	ClearOwnCondition(r *Record)

	// InTeardown reports whether the global supervisor is draining
	// services for a
	// runlevel change or shutdown; READY→RUNNING is blocked while true.
	InTeardown() bool

	Log() *logx.Logger
}

// Event is one of the six per-service event kinds.
type Event int

const (
	EvEnable Event = iota
	EvDisable
	EvCondChange
	EvChildExited
	EvTimerFire
	EvConfigChanged
)

// Input bundles an Event with the data it carries. Whether a config change
// was textual, trivial or substantive is decided upstream by ApplyReload,
// which only raises Dirty for substantive changes — so the step functions
// need nothing beyond the record's own Dirty flag here.
type Input struct {
	Event  Event
	Cond   CondValue // valid for EvCondChange, and consulted for every pass
	ExitOK bool      // valid for EvChildExited: WIFEXITED && WEXITSTATUS==0
	Timer  TimerKind // valid for EvTimerFire
}

// Step evaluates one transition for r given in and env. It returns true if
// a transition occurred. The caller (the per-tick loop in
// internal/supervisor) re-invokes Step for every record until a full pass
// produces no transitions.
func Step(r *Record, in Input, env Env) (transitioned bool) {
	defer func() {
		if rec := recover(); rec != nil {
			env.Log().CRIT("internal invariant violation stepping service", "err", rec)
		}
	}()

	switch r.State {
	case StateHalted:
		return stepHalted(r, in, env)
	case StateReady:
		return stepReady(r, in, env)
	case StateRunning:
		return stepRunning(r, in, env)
	case StateStopping:
		return stepStopping(r, in, env)
	case StateWaiting:
		return stepWaiting(r, in, env)
	case StateDone:
		return stepDone(r, in, env)
	default:
		env.Log().CRIT("unknown service kind/state", "state", r.State)
		return false
	}
}

func stepHalted(r *Record, in Input, env Env) bool {
	switch r.Block {
	case BlockRestarting:
		if in.Event == EvTimerFire && in.Timer == TimerRetry {
			r.Block = BlockNone
		} else {
			return false
		}
	case BlockCrashing, BlockMissing, BlockManual:
		// No event clears these from in here: a crash-capped or
		// missing-binary service "requires explicit operator start to
		// resume" — Dispatch(CmdStart) resets Block to BlockNone
		// itself before the next sweep reaches this record; a config
		// reload that changes the record also clears BlockMissing.
		// manual:yes likewise waits for the operator.
		return false
	}
	if r.Enabled {
		r.State = StateReady
		return true
	}
	return false
}

func stepReady(r *Record, in Input, env Env) bool {
	if !r.Enabled {
		r.State = StateHalted
		return true
	}
	if in.Cond == CondOn && !env.InTeardown() {
		if err := env.Launch(r); err != nil {
			env.Log().WARN("failed to launch service", "cmd", r.Command, "err", err)
			if r.Block == BlockMissing {
				r.State = StateHalted
				return true
			}
			if r.Kind.IsDaemon() {
				// A failed fork/exec counts as a crash: same cap and
				// backoff as a runtime death, so a permanently broken
				// launch trips BlockCrashing instead of retrying forever.
				r.State = StateHalted
				r.Block = BlockRestarting
				env.OnCrash(r)
				return true
			}
			return false
		}
		r.Dirty = false // dirty means "changed since last start"
		if r.Kind == KindSysv {
			// SYSV is "not directly monitored": the "start"
			// script already ran to completion inside Launch, there is
			// no pid to track, and no reap will ever arrive for it. Go
			// straight to DONE instead of RUNNING, which would violate
			// the RUNNING⇒pid>1 invariant.
			r.Started = true
			env.Log().NOTICE("Starting", "cmd", r.Command)
			r.State = StateDone
			return true
		}
		env.Log().NOTICE("Starting", "cmd", r.Command, "pid", r.Pid)
		env.AssertOwnCondition(r)
		r.State = StateRunning
		return true
	}
	return false
}

func stepRunning(r *Record, in Input, env Env) bool {
	if !r.Enabled {
		return beginStop(r, env, "Stopping")
	}
	if r.Pid == 0 {
		if r.AwaitingPidfile {
			// Forking daemon between its pre-daemonize fork's exit and
			// pidfile discovery; not a crash.
			return false
		}
		if r.Kind.IsDaemon() {
			r.State = StateHalted
			env.ClearOwnCondition(r)
			r.Block = BlockRestarting
			env.OnCrash(r)
			return true
		}
		// runtask: synthetic transition through STOPPING into DONE.
		r.State = StateStopping
		return true
	}
	if in.Event == EvCondChange {
		switch in.Cond {
		case CondOff:
			return beginStop(r, env, "Stopping")
		case CondFlux:
			if err := env.Suspend(r.Pid); err != nil {
				env.Log().WARN("failed to suspend service", "cmd", r.Command, "err", err)
				return false
			}
			env.Log().NOTICE("Pausing on condition flux", "cmd", r.Command, "pid", r.Pid)
			r.State = StateWaiting
			return true
		}
	}
	if in.Event == EvConfigChanged && in.Cond == CondOn && r.Dirty {
		if r.SighupSupported {
			if err := env.SignalGroup(r.Pid, sigHUP); err != nil {
				env.Log().WARN("failed to SIGHUP service", "cmd", r.Command, "err", err)
				return false
			}
			env.Log().NOTICE("Restarting ... sending SIGHUP", "cmd", r.Command, "pid", r.Pid)
			r.Dirty = false
			return true
		}
		return beginStop(r, env, "Stopping for restart")
	}
	return false
}

func stepStopping(r *Record, in Input, env Env) bool {
	if in.Event == EvTimerFire && in.Timer == TimerKill {
		if !r.NoChild() {
			_ = env.SignalGroup(r.Pid, sigKILL)
			env.Log().WARN("Killing ... sending SIGKILL", "cmd", r.Command, "pid", r.Pid)
		}
		// Re-arm isn't needed: we stay in STOPPING awaiting the reap.
		return false
	}
	if r.Pid == 0 {
		env.CancelTimer(r)
		env.ClearOwnCondition(r)
		if r.Kind.IsRunTask() {
			// Only a real reap event carries the exit status; a generic
			// sweep reaching here after the synthetic RUNNING→STOPPING
			// hop must not clobber what the reaper recorded.
			if in.Event == EvChildExited {
				r.Started = in.ExitOK
			}
			if r.Started {
				env.Log().NOTICE("task completed", "cmd", r.Command)
			} else {
				env.Log().WARN("task exited non-zero", "cmd", r.Command)
			}
			r.State = StateDone
		} else {
			r.State = StateHalted
		}
		return true
	}
	return false
}

func stepWaiting(r *Record, in Input, env Env) bool {
	if r.Pid == 0 {
		r.RestartCnt++
		r.State = StateReady
		return true
	}
	if in.Event == EvCondChange {
		switch in.Cond {
		case CondOn:
			if err := env.Resume(r.Pid); err != nil {
				env.Log().WARN("failed to resume service", "cmd", r.Command, "err", err)
				return false
			}
			env.Log().NOTICE("Resuming", "cmd", r.Command, "pid", r.Pid)
			env.AssertOwnCondition(r)
			r.State = StateRunning
			return true
		case CondOff:
			_ = env.Resume(r.Pid)
			return beginStop(r, env, "Stopping")
		}
	}
	return false
}

func stepDone(r *Record, in Input, env Env) bool {
	if r.Kind == KindSysv && !r.Enabled {
		// A SYSV record reaches DONE right after its start script runs
		// (stepReady) and then just sits there looking "up" with no pid
		// to signal. Disabling it (runlevel change, operator stop, or
		// shutdown) is the only way out, and has to run "<cmd> stop"
		// synchronously instead of the normal SignalGroup/kill-timer path.
		if err := env.StopSysv(r); err != nil {
			env.Log().WARN("sysv stop script failed", "cmd", r.Command, "err", err)
		} else {
			env.Log().NOTICE("Stopping", "cmd", r.Command)
		}
		r.State = StateHalted
		return true
	}
	if in.Event == EvConfigChanged {
		r.State = StateHalted
		return true
	}
	return false
}

// beginStop sends sighalt to the process group and arms the kill-escalation
// timer.
func beginStop(r *Record, env Env, verb string) bool {
	if !r.NoChild() {
		sig := r.SigHalt
		if sig == 0 {
			sig = sigTERM
		}
		_ = env.SignalGroup(r.Pid, sig)
		env.Log().NOTICE(verb+" ... sending "+signalName(sig), "cmd", r.Command, "pid", r.Pid)
		d := time.Duration(r.KillDelayMs) * time.Millisecond
		if d <= 0 {
			d = time.Millisecond
		}
		env.ArmKillTimer(r, d)
	}
	r.State = StateStopping
	return true
}

// Signal numbers are duplicated here (rather than importing "syscall") so
// this package stays portable to non-unix build environments for testing;
// internal/supervisor maps these to real syscall.Signal values.
const (
	sigHUP  = 1
	sigTERM = 15
	sigKILL = 9
)

func signalName(sig int) string {
	switch sig {
	case sigHUP:
		return "SIGHUP"
	case sigTERM:
		return "SIGTERM"
	case sigKILL:
		return "SIGKILL"
	default:
		return "signal"
	}
}
