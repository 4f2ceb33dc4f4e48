// Package procinfo inspects /proc for the operator dump: a snapshot of a
// supervised group leader plus whatever else is still alive in its process
// group. The group view matches how services are owned and signalled — by
// process group, not single pid — so a leaked grandchild shows up here
// before it shows up as a service stuck in STOPPING.
package procinfo

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Snapshot is one supervised process group's /proc state at a point in
// time.
type Snapshot struct {
	Pid     int
	Comm    string
	State   string
	PPid    int
	Pgrp    int
	Threads int
	VSizeKB int64
	RSSKB   int64
	OpenFDs int
	// Group holds every other live pid sharing the leader's process
	// group — the pids a stop would reach via kill(-pid).
	Group []int
}

// Capture reads the snapshot for the process group led by pid.
func Capture(pid int) (*Snapshot, error) {
	s, err := readStat(pid)
	if err != nil {
		return nil, fmt.Errorf("procinfo: pid %d: %w", pid, err)
	}
	s.OpenFDs = countFDs(pid)
	s.Group = groupMembers(s.Pgrp, pid)
	return s, nil
}

// readStat parses /proc/<pid>/stat. The comm field is parenthesized and
// may itself contain spaces or parens, so the line is split at the last
// ')' rather than tokenized from the front (man 5 proc).
func readStat(pid int) (*Snapshot, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return nil, err
	}
	line := strings.TrimSpace(string(data))
	start := strings.IndexByte(line, '(')
	end := strings.LastIndexByte(line, ')')
	if start < 0 || end < start {
		return nil, fmt.Errorf("malformed stat line")
	}
	// After ")": state ppid pgrp session tty_nr tpgid flags minflt
	// cminflt majflt cmajflt utime stime cutime cstime priority nice
	// num_threads itrealvalue starttime vsize rss ...
	fields := strings.Fields(line[end+1:])
	if len(fields) < 22 {
		return nil, fmt.Errorf("truncated stat line")
	}
	s := &Snapshot{Pid: pid, Comm: line[start+1 : end], State: fields[0]}
	s.PPid, _ = strconv.Atoi(fields[1])
	s.Pgrp, _ = strconv.Atoi(fields[2])
	s.Threads, _ = strconv.Atoi(fields[17])
	vsize, _ := strconv.ParseInt(fields[20], 10, 64)
	s.VSizeKB = vsize / 1024
	rssPages, _ := strconv.ParseInt(fields[21], 10, 64)
	s.RSSKB = rssPages * int64(os.Getpagesize()) / 1024
	return s, nil
}

// countFDs reports how many descriptors the process holds open. Zero when
// /proc/<pid>/fd is unreadable (the process died, or we lack permission).
func countFDs(pid int) int {
	entries, err := os.ReadDir("/proc/" + strconv.Itoa(pid) + "/fd")
	if err != nil {
		return 0
	}
	return len(entries)
}

// groupMembers scans /proc for other live pids in pgrp. A full scan is
// fine at operator-dump frequency; the kernel has no reverse index to
// offer anyway.
func groupMembers(pgrp, leader int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var out []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == leader {
			continue
		}
		m, err := readStat(pid)
		if err != nil || m.Pgrp != pgrp {
			continue
		}
		out = append(out, pid)
	}
	return out
}

// String renders the snapshot as one operator dump block.
func (s *Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid %d (%s) state=%s ppid=%d pgrp=%d threads=%d\n",
		s.Pid, s.Comm, s.State, s.PPid, s.Pgrp, s.Threads)
	fmt.Fprintf(&b, "  vsize=%dKB rss=%dKB fds=%d\n", s.VSizeKB, s.RSSKB, s.OpenFDs)
	if len(s.Group) > 0 {
		fmt.Fprintf(&b, "  group members: %v\n", s.Group)
	}
	return b.String()
}
