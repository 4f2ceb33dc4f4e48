package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kornnellio/gosv/internal/clock"
	"github.com/kornnellio/gosv/internal/cond"
	"github.com/kornnellio/gosv/internal/config"
	"github.com/kornnellio/gosv/internal/launcher"
	"github.com/kornnellio/gosv/internal/logx"
	"github.com/kornnellio/gosv/internal/queue"
	"github.com/kornnellio/gosv/internal/reaper"
	"github.com/kornnellio/gosv/internal/registry"
	"github.com/kornnellio/gosv/internal/svc"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	log := logx.New("test", nil)
	reg := registry.New()
	lnch := launcher.New(nil, log)
	rp := reaper.New(reg, nil, log)
	clk := clock.New()
	cs := cond.New(filepath.Join(t.TempDir(), "cond"))
	require.NoError(t, cs.MarkAvailable())
	s := New(reg, lnch, rp, clk, cs, queue.New(), nil, log)
	t.Cleanup(func() {
		clk.StopAll()
		_ = cs.Close()
	})
	return s
}

// gated returns a record that passes runlevel checks but whose condition
// expression stays OFF, so sweeps leave it in READY instead of forking a
// real process.
func gated(key string, kinds ...svc.Kind) *svc.Record {
	kind := svc.KindService
	if len(kinds) > 0 {
		kind = kinds[0]
	}
	return &svc.Record{
		Kind:             kind,
		Key:              svc.ID{Command: "/bin/" + key, Tag: key},
		Command:          "/bin/" + key,
		AllowedRunlevels: 0b1111111111,
		CondExpr:         []string{"gate/" + key},
	}
}

func TestLaunchMissingBinaryMarksBlockMissing(t *testing.T) {
	s := newTestSupervisor(t)
	r := s.Reg.Add(&svc.Record{
		Kind:             svc.KindService,
		Key:              svc.ID{Command: "/nonexistent/gosv-no-such-binary"},
		Command:          "/nonexistent/gosv-no-such-binary",
		AllowedRunlevels: 0b1111111111,
		State:            svc.StateReady,
		Enabled:          true,
	})

	s.StepAll()

	assert.Equal(t, svc.StateHalted, r.State)
	assert.Equal(t, svc.BlockMissing, r.Block)
}

func TestLaunchBadTTYDeviceMarksBlockMissing(t *testing.T) {
	s := newTestSupervisor(t)
	r := s.Reg.Add(&svc.Record{
		Kind:             svc.KindTTY,
		Key:              svc.ID{Command: "/bin/true", Tag: "tty1"},
		Command:          "/bin/true",
		TTY:              &svc.TTYSpec{Device: "/dev/gosv-no-such-tty"},
		AllowedRunlevels: 0b1111111111,
		State:            svc.StateReady,
		Enabled:          true,
	})

	s.StepAll()

	assert.Equal(t, svc.StateHalted, r.State)
	assert.Equal(t, svc.BlockMissing, r.Block)
}

// TestLaunchFailureWithoutMissingClassificationEngagesRespawn pins the
// other half of the launch-error taxonomy: an error that is not a missing
// binary/env-file/tty-device (here, an unwritable log target at stdio
// setup) counts as a crash — the record parks HALTED behind the retry
// block with the backoff timer armed, instead of sitting in READY with an
// unbounded counter.
func TestLaunchFailureWithoutMissingClassificationEngagesRespawn(t *testing.T) {
	s := newTestSupervisor(t)
	r := s.Reg.Add(&svc.Record{
		Kind:             svc.KindService,
		Key:              svc.ID{Command: "/bin/true"},
		Command:          "/bin/true",
		AllowedRunlevels: 0b1111111111,
		State:            svc.StateReady,
		Enabled:          true,
		Launch:           svc.LaunchSpec{LogConfig: "/nonexistent-dir/gosv-test.log"},
	})

	s.StepAll()

	assert.Equal(t, svc.StateHalted, r.State)
	assert.Equal(t, svc.BlockRestarting, r.Block)
	assert.Equal(t, 1, r.RestartCnt)
	assert.True(t, s.Clock.Pending(r.ID), "retry timer must be armed")
}

// TestParsedRecordOwnConditionUsesBasename drives the parse→condName path
// end-to-end: a stanza with no :id/name: must imply pid/sshd, not a
// condition name containing the full binary path.
func TestParsedRecordOwnConditionUsesBasename(t *testing.T) {
	s := newTestSupervisor(t)
	recs, err := config.ParseReader(strings.NewReader("service /usr/sbin/sshd -D -- SSH"), "test.gosv")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	r := s.Reg.Add(recs[0])

	s.AssertOwnCondition(r)
	assert.Equal(t, svc.CondOn, s.Cond.Get("pid/sshd"))

	s.ClearOwnCondition(r)
	assert.Equal(t, svc.CondOff, s.Cond.Get("pid/sshd"))
}

func TestSignalGroupRefusesUntrackablePids(t *testing.T) {
	s := newTestSupervisor(t)

	assert.Error(t, s.SignalGroup(1, 15))
	assert.Error(t, s.SignalGroup(0, 15))
	assert.Error(t, s.SignalGroup(-5, 15))
}

func TestOnCrashArmsRetryUntilCapThenBlocks(t *testing.T) {
	s := newTestSupervisor(t)
	r := s.Reg.Add(gated("crashy"))

	for i := 0; i < s.RespawnCap; i++ {
		s.OnCrash(r)
		assert.Equal(t, svc.BlockNone, r.Block, "crash %d must still retry", i+1)
		assert.True(t, s.Clock.Pending(r.ID), "crash %d must have armed the retry timer", i+1)
	}

	s.OnCrash(r)
	assert.Equal(t, svc.BlockCrashing, r.Block)
	assert.Equal(t, 0, r.RestartCnt, "counter resets once the cap trips")
}

func TestDispatchStartClearsCrashingBlock(t *testing.T) {
	s := newTestSupervisor(t)
	r := s.Reg.Add(gated("crashy"))
	r.State = svc.StateHalted
	r.Block = svc.BlockCrashing

	s.Dispatch(CmdStart, r.Key)

	assert.Equal(t, svc.BlockNone, r.Block)
	assert.True(t, r.Enabled)
	assert.Equal(t, svc.StateReady, r.State, "gate condition is OFF, so it parks in READY")
}

func TestDispatchStopDisables(t *testing.T) {
	s := newTestSupervisor(t)
	r := s.Reg.Add(gated("svc"))
	r.State = svc.StateReady
	r.Enabled = true

	s.Dispatch(CmdStop, r.Key)

	assert.False(t, r.Enabled)
	assert.Equal(t, svc.StateHalted, r.State)
}

func TestBeginRunlevelChangeRecomputesEnabled(t *testing.T) {
	s := newTestSupervisor(t)
	multi := s.Reg.Add(gated("multi"))
	multi.AllowedRunlevels = (1 << 2) | (1 << 3)
	single := s.Reg.Add(gated("single"))
	single.AllowedRunlevels = 1 << 1

	s.BeginRunlevelChange(3)

	assert.Equal(t, 3, s.Runlevel(), "nothing needed stopping, so the change completes in place")
	assert.True(t, multi.Enabled)
	assert.False(t, single.Enabled)
	assert.Equal(t, svc.StateReady, multi.State)
	assert.Equal(t, svc.StateHalted, single.State)
	assert.False(t, s.InTeardown())
}

func TestRunlevelChangeWaitsForStoppingServices(t *testing.T) {
	s := newTestSupervisor(t)
	r := s.Reg.Add(gated("old"))
	r.AllowedRunlevels = 1 << 3
	r.State = svc.StateRunning
	r.Enabled = true
	require.NoError(t, s.Reg.SetPid(r, 999999)) // no such process; signals are best-effort
	s.runlevel = 3

	s.BeginRunlevelChange(1)

	assert.Equal(t, svc.StateStopping, r.State)
	assert.Equal(t, 3, s.Runlevel(), "change must not complete while a service is draining")
	assert.True(t, s.InTeardown())

	// Reap arrives: the service is gone, teardown drains, the change lands.
	require.NoError(t, s.Reg.SetPid(r, 0))
	s.StepChildExited(r, false)

	assert.Equal(t, svc.StateHalted, r.State)
	assert.Equal(t, 1, s.Runlevel())
	assert.False(t, s.InTeardown())
}

func TestRunlevelChangeRefusedWhileOneIsPending(t *testing.T) {
	s := newTestSupervisor(t)
	r := s.Reg.Add(gated("old"))
	r.AllowedRunlevels = 1 << 3
	r.State = svc.StateRunning
	r.Enabled = true
	require.NoError(t, s.Reg.SetPid(r, 999999))
	s.runlevel = 3

	s.BeginRunlevelChange(1)
	s.BeginRunlevelChange(2) // ignored: previous change still draining

	require.NoError(t, s.Reg.SetPid(r, 0))
	s.StepChildExited(r, false)
	assert.Equal(t, 1, s.Runlevel())
}

func TestBootstrapTransitionAssertsNetworking(t *testing.T) {
	s := newTestSupervisor(t)
	s.runlevel = 1

	s.BeginRunlevelChange(2)
	assert.Equal(t, svc.CondOn, s.Cond.Get("net/up"))

	s.BeginRunlevelChange(1)
	assert.Equal(t, svc.CondOff, s.Cond.Get("net/up"))
}

func TestBootstrapSweepRemovesCompletedSOnlyTasks(t *testing.T) {
	s := newTestSupervisor(t)
	boot := s.Reg.Add(gated("mountfs", svc.KindRun))
	boot.AllowedRunlevels = 1 << svc.BitS
	boot.State = svc.StateDone
	s.runlevel = 1

	s.BeginRunlevelChange(2)

	_, ok := s.Reg.ByKey(boot.Key)
	assert.False(t, ok, "completed S-only runtasks are removed on the 1→>1 transition")
}

func TestApplyReloadIdenticalConfigKeepsClean(t *testing.T) {
	s := newTestSupervisor(t)
	orig := gated("svc")
	s.Reg.Add(orig)

	again := gated("svc")
	s.ApplyReload([]*svc.Record{again})

	got, ok := s.Reg.ByKey(orig.Key)
	require.True(t, ok)
	assert.Same(t, orig, got)
	assert.False(t, got.Dirty, "identical config must not mark the record dirty")
	assert.False(t, got.Removed)
}

func TestApplyReloadDescriptionOnlyChangeStaysClean(t *testing.T) {
	s := newTestSupervisor(t)
	orig := gated("svc")
	orig.Launch.Description = "old words"
	s.Reg.Add(orig)

	again := gated("svc")
	again.Launch.Description = "new words"
	s.ApplyReload([]*svc.Record{again})

	assert.False(t, orig.Dirty)
	assert.Equal(t, "new words", orig.Launch.Description, "trivial fields still refresh")
}

func TestApplyReloadSubstantiveChangeMarksDirty(t *testing.T) {
	s := newTestSupervisor(t)
	orig := gated("svc")
	s.Reg.Add(orig)

	again := gated("svc")
	again.Args = []string{"-v"}
	again.KillDelayMs = 9000
	s.ApplyReload([]*svc.Record{again})

	assert.True(t, orig.Dirty)
	assert.Equal(t, []string{"-v"}, orig.Args)
	assert.Equal(t, 9000, orig.KillDelayMs)
}

func TestApplyReloadUnregistersVanishedRecords(t *testing.T) {
	s := newTestSupervisor(t)
	old := gated("gone-soon")
	s.Reg.Add(old)

	s.ApplyReload(nil)

	_, ok := s.Reg.ByKey(old.Key)
	assert.False(t, ok)
}

// TestApplyReloadRemovesRunningRecordAfterDrain pins deferred deletion: a
// record whose stanza vanished while it was RUNNING first drains through
// STOPPING, and is unregistered once its reap arrives rather than leaking
// as a permanently disabled record.
func TestApplyReloadRemovesRunningRecordAfterDrain(t *testing.T) {
	s := newTestSupervisor(t)
	r := s.Reg.Add(gated("vanishing"))
	r.State = svc.StateRunning
	r.Enabled = true
	require.NoError(t, s.Reg.SetPid(r, 999999))

	s.ApplyReload(nil)

	assert.Equal(t, svc.StateStopping, r.State)
	_, ok := s.Reg.ByKey(r.Key)
	require.True(t, ok, "still draining, must not be deleted yet")

	require.NoError(t, s.Reg.SetPid(r, 0))
	s.StepChildExited(r, false)

	_, ok = s.Reg.ByKey(r.Key)
	assert.False(t, ok, "drained removed record must be unregistered")
}

func TestApplyReloadAddsNewRecords(t *testing.T) {
	s := newTestSupervisor(t)
	s.Reg.Add(gated("existing"))

	s.ApplyReload([]*svc.Record{gated("existing"), gated("brand-new")})

	_, ok := s.Reg.ByKey(svc.ID{Command: "/bin/brand-new", Tag: "brand-new"})
	assert.True(t, ok)
}

func TestApplyReloadClearsMissingBlockOnChange(t *testing.T) {
	s := newTestSupervisor(t)
	orig := gated("fixed")
	orig.Block = svc.BlockMissing
	s.Reg.Add(orig)

	again := gated("fixed")
	again.Command = "/usr/bin/fixed"
	s.ApplyReload([]*svc.Record{again})

	assert.Equal(t, svc.BlockNone, orig.Block)
}

func TestAdoptPidfile(t *testing.T) {
	s := newTestSupervisor(t)
	pidfile := filepath.Join(t.TempDir(), "daemon.pid")
	r := s.Reg.Add(gated("forker"))
	r.State = svc.StateRunning
	r.Enabled = true
	r.AwaitingPidfile = true
	r.Launch.ForkingDaemon = true
	r.Launch.PidfileSpec = pidfile

	// Pidfile not written yet: adoption is a retryable no-op.
	s.AdoptPidfile(r)
	assert.True(t, r.AwaitingPidfile)

	pid := os.Getpid()
	require.NoError(t, os.WriteFile(pidfile, []byte(strconv.Itoa(pid)+"\n"), 0644))
	s.AdoptPidfile(r)

	assert.False(t, r.AwaitingPidfile)
	assert.Equal(t, pid, r.Pid)
	got, ok := s.Reg.ByPid(pid)
	require.True(t, ok)
	assert.Same(t, r, got)
	assert.Equal(t, svc.CondOn, s.Cond.Get("pid/forker"))
}

func TestBeginShutdownDisablesEverything(t *testing.T) {
	s := newTestSupervisor(t)
	a := s.Reg.Add(gated("a"))
	a.State = svc.StateReady
	a.Enabled = true
	b := s.Reg.Add(gated("b", svc.KindTask))
	b.State = svc.StateDone

	s.BeginShutdown("reboot", time.Minute)

	assert.False(t, a.Enabled)
	assert.Equal(t, svc.StateHalted, a.State)
	assert.Equal(t, svc.StateDone, b.State)
	assert.True(t, s.Quiescent())
	assert.Equal(t, "reboot", s.HaltMode())

	s.FinishShutdown()
}

func TestOwnConditionFollowsLifecycle(t *testing.T) {
	s := newTestSupervisor(t)
	r := s.Reg.Add(gated("zebra"))

	s.AssertOwnCondition(r)
	assert.Equal(t, svc.CondOn, s.Cond.Get("pid/zebra"))

	s.ClearOwnCondition(r)
	assert.Equal(t, svc.CondOff, s.Cond.Get("pid/zebra"))
}

// recordingHooks captures hook invocations in order.
type recordingHooks struct{ ran []string }

func (h *recordingHooks) RunHook(name string) error {
	h.ran = append(h.ran, name)
	return nil
}

func TestRunlevelChangeRunsHooks(t *testing.T) {
	s := newTestSupervisor(t)
	hooks := &recordingHooks{}
	s.Hooks = hooks

	s.BeginRunlevelChange(3)

	assert.Equal(t, []string{HookRunlevelChange, HookRunlevelUp}, hooks.ran)
}

func TestShutdownRunsHook(t *testing.T) {
	s := newTestSupervisor(t)
	hooks := &recordingHooks{}
	s.Hooks = hooks

	s.BeginShutdown("halt", time.Minute)
	s.FinishShutdown()

	assert.Equal(t, []string{HookShutdown}, hooks.ran)
}
