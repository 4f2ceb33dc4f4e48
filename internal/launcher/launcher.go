// Package launcher starts and stops one service's process: fork+exec with
// credentials, rlimits, environment, process group, stdio redirection and
// cgroup/pidfile bookkeeping.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/subosito/gotenv"
	"golang.org/x/sys/unix"

	"github.com/kornnellio/gosv/internal/cgroup"
	"github.com/kornnellio/gosv/internal/logx"
	"github.com/kornnellio/gosv/internal/svc"
)

// sysexits-style codes used when launching fails synchronously: ExConfig
// for a bad TTY device path, ExOSFile for a device that exists but is not
// a character device, ExOK otherwise.
const (
	ExOK     = 0
	ExConfig = 78
	ExOSFile = 72
)

// TTYDeviceError reports an unusable tty device line, carrying the
// sysexits code the equivalent getty launch would exit with.
type TTYDeviceError struct {
	Path string
	Code int
	err  error
}

func (e *TTYDeviceError) Error() string {
	return fmt.Sprintf("launcher: tty device %s: %v (exit %d)", e.Path, e.err, e.Code)
}
func (e *TTYDeviceError) Unwrap() error { return e.err }

// checkTTYDevice validates a tty record's device node before any fork: the
// path must exist (ExConfig otherwise) and be a character device (ExOSFile
// otherwise). External-getty and notty lines carry no device to check.
func checkTTYDevice(tty *svc.TTYSpec) error {
	if tty == nil || tty.Device == "" {
		return nil
	}
	fi, err := os.Stat(tty.Device)
	if err != nil {
		return &TTYDeviceError{Path: tty.Device, Code: ExConfig, err: err}
	}
	if fi.Mode()&os.ModeCharDevice == 0 {
		return &TTYDeviceError{Path: tty.Device, Code: ExOSFile, err: fmt.Errorf("not a character device")}
	}
	return nil
}

// Launcher owns the mechanics of starting and stopping one service's
// process. It has no notion of the state machine above it; internal/svc's
// Env implementation (internal/supervisor) calls into it.
type Launcher struct {
	cg  *cgroup.Manager
	log *logx.Logger
}

// New returns a Launcher. cg may be nil if cgroup support is unavailable;
// failures to apply limits are then logged and ignored — resource limits
// are best effort, never a reason to refuse a start.
func New(cg *cgroup.Manager, log *logx.Logger) *Launcher {
	return &Launcher{cg: cg, log: log}
}

// MissingBinaryError marks a launch failure as "binary not found", which
// the caller maps to Block = BlockMissing.
type MissingBinaryError struct{ Path string }

func (e *MissingBinaryError) Error() string {
	return fmt.Sprintf("launcher: binary not found: %s", e.Path)
}

// Start launches r's process, setting r.Pid/r.StartTime on success. A SYSV
// record gets only r.StartTime: its start script has already exited.
func (l *Launcher) Start(r *svc.Record) error {
	if r.Kind == svc.KindTTY {
		if err := checkTTYDevice(r.TTY); err != nil {
			return err
		}
	}

	resolved, err := exec.LookPath(r.Command)
	if err != nil {
		return &MissingBinaryError{Path: r.Command}
	}

	if r.Kind == svc.KindSysv {
		return l.startSysv(r, resolved)
	}

	env, err := l.buildEnv(r)
	if err != nil {
		return fmt.Errorf("launcher: env file: %w", err)
	}

	args := expandArgv(r.Args, env)

	cmd := exec.Command(resolved, args...)
	cmd.Env = env
	if err := l.applyStdio(cmd, r); err != nil {
		return fmt.Errorf("launcher: stdio: %w", err)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // new session + process group, detaches the controlling tty
	}
	if err := applyCredentials(cmd, r.Launch.User, r.Launch.Group); err != nil {
		return fmt.Errorf("launcher: credentials: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launcher: start %s: %w", r.Command, err)
	}

	pid := cmd.Process.Pid
	r.Pid = pid
	r.StartTime = time.Now()
	r.Command = resolved
	if r.Launch.ForkingDaemon {
		r.AwaitingPidfile = true
	}

	applyRlimits(pid, r.Launch.Rlimits, l.log)
	l.applyCgroup(r, pid)
	if !r.Launch.ForkingDaemon {
		l.writePidfile(r, pid)
	}

	// We don't keep *exec.Cmd.Wait() running ourselves — the Reaper
	// drains SIGCHLD independently — but we must still release
	// the process handle so the runtime doesn't think we're tracking it
	// via Wait.
	go func() { _ = cmd.Process.Release() }()

	return nil
}

// startSysv runs "<cmd> start" to completion. A SYSV service is not
// directly monitored: by the time Run returns, the script has already exited and
// been reaped by the standard library, so there is no pid left to track —
// leaving r.Pid at 0 lets internal/svc take the service straight to DONE
// instead of a RUNNING state the Reaper could never close out.
func (l *Launcher) startSysv(r *svc.Record, resolved string) error {
	cmd := exec.Command(resolved, "start")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("launcher: sysv start %s: %w", r.Command, err)
	}
	r.Command = resolved
	r.StartTime = time.Now()
	return nil
}

// Stop runs "<cmd> stop" synchronously, bounded by the record's kill delay, for a
// SYSV service.
func (l *Launcher) Stop(r *svc.Record) error {
	if r.Kind != svc.KindSysv {
		return fmt.Errorf("launcher: Stop only applies to sysv services")
	}
	d := time.Duration(r.KillDelayMs) * time.Millisecond
	if d <= 0 {
		d = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Command, "stop")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (l *Launcher) buildEnv(r *svc.Record) ([]string, error) {
	env := os.Environ()
	if r.Launch.EnvFile != "" {
		pairs, err := gotenv.Read(r.Launch.EnvFile)
		if err != nil {
			return nil, &MissingEnvFileError{Path: r.Launch.EnvFile, err: err}
		}
		for k, v := range pairs {
			env = append(env, k+"="+v)
		}
	}
	if r.Launch.User != "" {
		if u, err := user.Lookup(r.Launch.User); err == nil {
			env = append(env, "HOME="+u.HomeDir)
			env = append(env, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
		}
	}
	return env, nil
}

// MissingEnvFileError marks a launch failure as "env file missing".
type MissingEnvFileError struct {
	Path string
	err  error
}

func (e *MissingEnvFileError) Error() string {
	return fmt.Sprintf("launcher: env file %s: %v", e.Path, e.err)
}
func (e *MissingEnvFileError) Unwrap() error { return e.err }

func (l *Launcher) applyStdio(cmd *exec.Cmd, r *svc.Record) error {
	switch r.Launch.LogConfig {
	case "", "console":
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	case "null":
		devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		cmd.Stdout = devnull
		cmd.Stderr = devnull
	default:
		// A bare path means "file"; a logger-sidecar-over-PTY spec
		// (e.g. "pty:name") is handled by the plugin loader, an
		// external collaborator — we fall back to a plain file
		// under the same name so the service still gets its output
		// captured somewhere.
		path := r.Launch.LogConfig
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		cmd.Stdout = f
		cmd.Stderr = f
	}
	return nil
}

func applyCredentials(cmd *exec.Cmd, userName, groupName string) error {
	if userName == "" {
		return nil
	}
	u, err := user.Lookup(userName)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return err
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return err
		}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	return nil
}

// applyRlimits applies rlimits to an already-started child via prlimit(2),
// logging failures rather than aborting. Using x/sys/unix.Prlimit targets another
// process's limits, which the stdlib syscall package doesn't expose
// portably.
func applyRlimits(pid int, limits map[string]string, log *logx.Logger) {
	for name, val := range limits {
		res, ok := rlimitResource(name)
		if !ok {
			log.WARN("unknown rlimit name", "name", name)
			continue
		}
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			log.WARN("bad rlimit value", "name", name, "value", val, "err", err)
			continue
		}
		rlim := unix.Rlimit{Cur: n, Max: n}
		if err := unix.Prlimit(pid, res, &rlim, nil); err != nil {
			log.WARN("failed to apply rlimit", "name", name, "pid", pid, "err", err)
		}
	}
}

func rlimitResource(name string) (int, bool) {
	switch name {
	case "nofile":
		return unix.RLIMIT_NOFILE, true
	case "nproc":
		return unix.RLIMIT_NPROC, true
	case "core":
		return unix.RLIMIT_CORE, true
	case "cpu":
		return unix.RLIMIT_CPU, true
	case "as":
		return unix.RLIMIT_AS, true
	case "memlock":
		return unix.RLIMIT_MEMLOCK, true
	default:
		return 0, false
	}
}

func (l *Launcher) applyCgroup(r *svc.Record, pid int) {
	if l.cg == nil || r.Launch.Cgroup == nil {
		return
	}
	name := r.Launch.Cgroup.Group
	if name == "" {
		name = filepath.Base(r.Command)
	}
	cg, err := l.cg.New(name)
	if err != nil {
		l.log.WARN("failed to create cgroup", "svc", r.Command, "err", err)
		return
	}
	if err := cg.SetAttrs(r.Launch.Cgroup.Attrs); err != nil {
		l.log.WARN("failed to set cgroup attrs", "svc", r.Command, "err", err)
	}
	if err := cg.AddProcess(pid); err != nil {
		l.log.WARN("failed to add process to cgroup", "svc", r.Command, "err", err)
	}
}

func (l *Launcher) writePidfile(r *svc.Record, pid int) {
	path := r.Launch.PidfileSpec
	if path == "" {
		return
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		l.log.WARN("failed to write pidfile", "path", path, "err", err)
	}
}

// RemovePidfile deletes the pidfile the Launcher wrote, called by the
// Reaper once the daemon has been reaped.
func RemovePidfile(r *svc.Record) {
	if r.Launch.PidfileSpec == "" {
		return
	}
	_ = os.Remove(r.Launch.PidfileSpec)
}
