// Package cgroup manages cgroup v2 resource limits for supervised
// processes.
//
// Unified-hierarchy discovery with a systemd delegation fallback, plus
// plain key-file writes. The cgroup[.GROUP]:key=val,... stanza is an
// open-ended key/value list, so SetAttrs is a generic writer with a
// couple of friendly aliases for the common keys.
package cgroup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kornnellio/gosv/internal/logx"
)

const cgroupRoot = "/sys/fs/cgroup"

// Manager discovers and owns the writable base path under which one
// sub-cgroup per service group is created.
type Manager struct {
	basePath string
	log      *logx.Logger
}

// NewManager returns a Manager that will lazily discover its base path on
// first EnsureControllers call.
func NewManager(log *logx.Logger) *Manager {
	return &Manager{log: log}
}

// Cgroup is one service (or service group)'s cgroup v2 directory.
type Cgroup struct {
	name string
	path string
}

func getSelfCgroup() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	parts := strings.SplitN(line, "::", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("unexpected cgroup format: %s", line)
	}
	return parts[1], nil
}

func hasCgroupDelegation() bool {
	selfCgroup, err := getSelfCgroup()
	if err != nil {
		return false
	}
	testPath := filepath.Join(cgroupRoot, selfCgroup, ".gosv-test")
	if err := os.Mkdir(testPath, 0755); err != nil {
		return false
	}
	defer os.Remove(testPath)

	parentPath := filepath.Join(cgroupRoot, selfCgroup)
	controlPath := filepath.Join(parentPath, "cgroup.subtree_control")
	return os.WriteFile(controlPath, []byte("+memory"), 0644) == nil
}

// RequestDelegation re-execs the current process under systemd-run with
// Delegate=yes when the current cgroup doesn't already allow us to create
// children. When a re-exec happens this process exits with the re-exec'd
// child's status and the call never returns; otherwise it returns false.
func RequestDelegation() bool {
	if hasCgroupDelegation() {
		return false
	}
	systemdRun, err := exec.LookPath("systemd-run")
	if err != nil {
		return false
	}
	if os.Getenv("GOSV_DELEGATED") == "1" {
		return false
	}

	args := []string{"--user", "--scope", "-p", "Delegate=yes", "--"}
	args = append(args, os.Args...)

	cmd := exec.Command(systemdRun, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "GOSV_DELEGATED=1")

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return false
	}
	os.Exit(0)
	return true
}

func findWritableCgroupBase() (string, error) {
	selfCgroup, err := getSelfCgroup()
	if err == nil && selfCgroup != "" {
		parentPath := filepath.Join(cgroupRoot, selfCgroup)

		supervisorPath := filepath.Join(parentPath, "supervisor")
		if err := os.MkdirAll(supervisorPath, 0755); err == nil {
			procsPath := filepath.Join(supervisorPath, "cgroup.procs")
			if err := os.WriteFile(procsPath, []byte(strconv.Itoa(os.Getpid())), 0644); err == nil {
				controlPath := filepath.Join(parentPath, "cgroup.subtree_control")
				if err := os.WriteFile(controlPath, []byte("+cpu +memory +pids"), 0644); err == nil {
					return parentPath, nil
				}
			}
		}

		path := filepath.Join(parentPath, "gosv")
		if err := os.MkdirAll(path, 0755); err == nil {
			return path, nil
		}
	}

	path := filepath.Join(cgroupRoot, "gosv")
	if err := os.MkdirAll(path, 0755); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("no writable cgroup location found - try running under: systemd-run --user --scope -p Delegate=yes")
}

// EnsureControllers discovers and enables the base cgroup path. Best
// effort: failures are logged, never fatal (cgroup wiring is an
// external collaborator concern).
func (m *Manager) EnsureControllers() error {
	path, err := findWritableCgroupBase()
	if err != nil {
		return err
	}
	m.basePath = path

	controlPath := filepath.Join(m.basePath, "cgroup.subtree_control")
	if err := os.WriteFile(controlPath, []byte("+cpu +memory +pids"), 0644); err != nil {
		m.log.WARN("could not enable all cgroup controllers", "err", err)
	}
	m.log.INFO("using cgroup path", "path", m.basePath)
	return nil
}

// New creates (or reuses) a named sub-cgroup under the manager's base path.
func (m *Manager) New(name string) (*Cgroup, error) {
	if m.basePath == "" {
		return nil, fmt.Errorf("cgroup: controllers not initialized")
	}
	path := filepath.Join(m.basePath, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cgroup: %w", err)
	}
	return &Cgroup{name: name, path: path}, nil
}

// AddProcess moves pid (and its threads) into the cgroup atomically.
func (c *Cgroup) AddProcess(pid int) error {
	return os.WriteFile(filepath.Join(c.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644)
}

// SetAttrs writes each key=value pair as a cgroupfs control file
// (memory.max, cpu.max, pids.max, ...), the general form of the stanza's
// cgroup[.GROUP]:key=val,... list. A couple of convenience keys translate
// to the files the kernel actually exposes:
//
//	memory_mb  -> memory.max (bytes)
//	cpu_pct    -> cpu.max ("quota period", 100ms period)
func (c *Cgroup) SetAttrs(attrs map[string]string) error {
	for key, val := range attrs {
		switch key {
		case "memory_mb":
			mb, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("cgroup: bad memory_mb %q: %w", val, err)
			}
			if err := c.writeFile("memory.max", strconv.FormatInt(mb*1024*1024, 10)); err != nil {
				return err
			}
		case "cpu_pct":
			pct, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("cgroup: bad cpu_pct %q: %w", val, err)
			}
			const period = 100000
			quota := (pct * period) / 100
			if err := c.writeFile("cpu.max", fmt.Sprintf("%d %d", quota, period)); err != nil {
				return err
			}
		default:
			if err := c.writeFile(key, val); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cgroup) writeFile(name, value string) error {
	return os.WriteFile(filepath.Join(c.path, name), []byte(value), 0644)
}

// MemoryUsage returns the current memory.current reading, in bytes.
func (c *Cgroup) MemoryUsage() (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.current"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// Destroy removes the (now-empty) cgroup directory.
func (c *Cgroup) Destroy() error {
	return os.Remove(c.path)
}
