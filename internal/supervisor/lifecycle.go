package supervisor

import (
	"syscall"
	"time"

	"github.com/kornnellio/gosv/internal/svc"
)

// stepRecord re-resolves r's condition aggregate and drives one svc.Step
// call for it.
func (s *Supervisor) stepRecord(r *svc.Record, in svc.Input) bool {
	in.Cond = s.Cond.GetAgg(r.CondExpr)
	return svc.Step(r, in, s)
}

// StepAll sweeps every record until a full pass produces no transition, so
// the loop only regains control once the registry is quiescent. EvEnable is
// used as the neutral "re-evaluate" event for a general sweep; none of the
// per-state step functions special-case it, they simply re-check the
// record's own Enabled/Pid/Cond fields.
func (s *Supervisor) StepAll() {
	for {
		changed := false
		for _, r := range s.Reg.All() {
			if s.stepRecord(r, svc.Input{Event: svc.EvEnable}) {
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

// StepChildExited folds a Reaper result into the state machine and drives
// the rest of the registry to quiescence behind it, so simultaneous deaths
// batch into one pass.
func (s *Supervisor) StepChildExited(r *svc.Record, exitOK bool) {
	s.stepRecord(r, svc.Input{Event: svc.EvChildExited, ExitOK: exitOK})
	s.StepAll()
	s.sweepRemoved()
	s.maybeFinishRunlevelChange()
}

// StepTimer folds a clock.Fire into the state machine.
func (s *Supervisor) StepTimer(r *svc.Record, kind svc.TimerKind) {
	s.stepRecord(r, svc.Input{Event: svc.EvTimerFire, Timer: kind})
	s.StepAll()
}

// StepCondChange wakes every record whose condition expression references
// name and drives quiescence.
func (s *Supervisor) StepCondChange(name string) {
	for _, r := range s.Reg.DependentsOf(name) {
		s.stepRecord(r, svc.Input{Event: svc.EvCondChange})
	}
	s.StepAll()
}

// BeginRunlevelChange starts the runlevel transition sequence: hooks,
// recompute enabled, step-all. The rest (teardown wait, hooks-up, step
// again, networking) completes asynchronously via maybeFinishRunlevelChange
// as the event loop continues draining reaps and timers, since nothing here
// may block the single-threaded loop on child exits.
func (s *Supervisor) BeginRunlevelChange(newLevel int) {
	if s.pendingLevel != nil {
		s.log.WARN("runlevel change already in progress, ignoring request", "requested", newLevel)
		return
	}
	_ = s.Hooks.RunHook(HookRunlevelChange)
	for _, r := range s.Reg.All() {
		r.Enabled = r.AllowedRunlevels.Allows(newLevel) && r.Block == svc.BlockNone
	}
	s.teardown = true
	lvl := newLevel
	s.pendingLevel = &lvl
	s.StepAll()
	s.maybeFinishRunlevelChange()
}

// maybeFinishRunlevelChange completes steps 4-6 once every service that
// should stop has reached HALTED/DONE. Safe to call at any time; it is a
// no-op unless a runlevel change is in progress and teardown has drained.
func (s *Supervisor) maybeFinishRunlevelChange() {
	if s.pendingLevel == nil {
		return
	}
	for _, r := range s.Reg.All() {
		if !r.Enabled && r.State != svc.StateHalted && r.State != svc.StateDone {
			return
		}
	}

	old := s.runlevel
	newLevel := *s.pendingLevel
	s.teardown = false
	s.pendingLevel = nil

	_ = s.Hooks.RunHook(HookRunlevelUp)
	s.StepAll()

	s.runlevel = newLevel
	switch {
	case old <= 1 && newLevel > 1:
		_ = s.Cond.Set("net/up")
	case old > 1 && newLevel <= 1:
		_ = s.Cond.Clear("net/up")
	}
	s.bootstrapSweep(old, newLevel)
}

// bootstrapSweep handles the bootstrap special case: on the 1→>1
// transition, completed runlevel-S-only runtasks are removed rather than
// left around as DONE records.
func (s *Supervisor) bootstrapSweep(old, newLevel int) {
	if !(old <= 1 && newLevel > 1) {
		return
	}
	for _, r := range s.Reg.All() {
		onlyS := r.AllowedRunlevels == (1 << svc.BitS)
		if onlyS && r.Kind.IsRunTask() && r.State == svc.StateDone {
			s.CancelTimer(r)
			s.Reg.Remove(r)
		}
	}
}

// ApplyReload merges freshly parsed stanzas into the registry:
// mark-removed, refresh-or-create, unregister what vanished, propagate
// dirtiness, step everything. fresh holds one *svc.Record per current stanza,
// built by internal/config, with ID == 0 and not yet registered.
func (s *Supervisor) ApplyReload(fresh []*svc.Record) {
	s.Reg.MarkAllRemoved()

	dirtyConds := map[string]bool{}
	for _, nr := range fresh {
		if existing, ok := s.Reg.ByKey(nr.Key); ok {
			existing.Removed = false
			same := existing.Command == nr.Command &&
				argsEqual(existing.Args, nr.Args) &&
				existing.AllowedRunlevels == nr.AllowedRunlevels &&
				condExprEqual(existing.CondExpr, nr.CondExpr) &&
				existing.SigHalt == nr.SigHalt &&
				existing.KillDelayMs == nr.KillDelayMs &&
				existing.SighupSupported == nr.SighupSupported &&
				launchEqual(existing.Launch, nr.Launch)
			// Trivial fields (description, origin) refresh silently; a
			// substantive change raises Dirty.
			existing.Command = nr.Command
			existing.Args = nr.Args
			existing.AllowedRunlevels = nr.AllowedRunlevels
			existing.CondExpr = nr.CondExpr
			existing.Launch = nr.Launch
			existing.SigHalt = nr.SigHalt
			existing.KillDelayMs = nr.KillDelayMs
			existing.SighupSupported = nr.SighupSupported
			if !same {
				existing.Dirty = true
				dirtyConds[s.condName(existing)] = true
				if existing.Block == svc.BlockMissing {
					// The reload may have fixed the path; let the next
					// sweep try again.
					existing.Block = svc.BlockNone
				}
			}
		} else {
			s.Reg.Add(nr)
		}
	}

	for _, r := range s.Reg.All() {
		if r.Removed {
			r.Enabled = false
		}
	}
	s.StepAll()
	s.sweepRemoved()

	// Propagate dirtiness through the condition graph: if A's own
	// condition is produced by a record that just changed, A is dirty too.
	for name := range dirtyConds {
		for _, dep := range s.Reg.DependentsOf(name) {
			dep.Dirty = true
		}
	}

	for _, r := range s.Reg.All() {
		s.stepRecord(r, svc.Input{Event: svc.EvConfigChanged})
	}
	s.StepAll()
}

// sweepRemoved deletes any still-removed record that has finished draining.
// A record that was RUNNING when its stanza vanished from the config only
// reaches HALTED after its reap, so this runs again from StepChildExited,
// not just at the end of ApplyReload.
func (s *Supervisor) sweepRemoved() {
	for _, r := range s.Reg.All() {
		if r.Removed && (r.State == svc.StateHalted || r.State == svc.StateDone) {
			s.CancelTimer(r)
			s.Reg.Remove(r)
		}
	}
}

func argsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func condExprEqual(a, b []string) bool {
	return argsEqual(a, b)
}

// launchEqual compares the launch-relevant LaunchSpec fields. Description
// and OriginFile are excluded: changing only those must not restart a
// running service.
func launchEqual(a, b svc.LaunchSpec) bool {
	if a.User != b.User || a.Group != b.Group || a.EnvFile != b.EnvFile ||
		a.LogConfig != b.LogConfig || a.PidfileSpec != b.PidfileSpec ||
		a.ForkingDaemon != b.ForkingDaemon {
		return false
	}
	if len(a.Rlimits) != len(b.Rlimits) {
		return false
	}
	for k, v := range a.Rlimits {
		if b.Rlimits[k] != v {
			return false
		}
	}
	if (a.Cgroup == nil) != (b.Cgroup == nil) {
		return false
	}
	if a.Cgroup != nil {
		if a.Cgroup.Group != b.Cgroup.Group || len(a.Cgroup.Attrs) != len(b.Cgroup.Attrs) {
			return false
		}
		for k, v := range a.Cgroup.Attrs {
			if b.Cgroup.Attrs[k] != v {
				return false
			}
		}
	}
	return true
}

// BeginShutdown sets halt mode, runs shutdown hooks, and disables every
// service so StepAll drives them into STOPPING, arming deadline as the
// global cutoff after which FinishShutdown SIGKILLs survivors.
func (s *Supervisor) BeginShutdown(mode string, deadline time.Duration) {
	s.haltMode = mode
	_ = s.Hooks.RunHook(HookShutdown)
	for _, r := range s.Reg.All() {
		r.Enabled = false
	}
	s.teardown = true
	s.StepAll()

	s.shutdownDone = make(chan struct{})
	s.shutdownDeadline = time.AfterFunc(deadline, func() {
		close(s.shutdownDone)
	})
}

// Quiescent reports whether every record has reached HALTED or DONE.
func (s *Supervisor) Quiescent() bool {
	for _, r := range s.Reg.All() {
		if r.State != svc.StateHalted && r.State != svc.StateDone {
			return false
		}
	}
	return true
}

// FinishShutdown SIGKILLs any survivors past the deadline and stops the
// clock/condition watchers.
func (s *Supervisor) FinishShutdown() {
	if s.shutdownDeadline != nil {
		s.shutdownDeadline.Stop()
	}
	for _, r := range s.Reg.All() {
		if !r.NoChild() {
			_ = s.SignalGroup(r.Pid, int(syscall.SIGKILL))
		}
	}
	s.Clock.StopAll()
	_ = s.Cond.Close()
}

// HaltMode reports the mode passed to BeginShutdown ("poweroff", "halt",
// "reboot"), empty if no shutdown is in progress.
func (s *Supervisor) HaltMode() string { return s.haltMode }
