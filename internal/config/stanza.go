package config

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"

	"github.com/kornnellio/gosv/internal/svc"
)

// parseServiceLine handles every stanza kind except "tty":
//
//	<kind> [@user[:group]] [[!]runlevels] [<!cond[,cond]>] [:id]
//	       [log:...] [pid:[!]/path] [name:NAME] [manual:yes]
//	       [halt:SIGNAL] [kill:SECONDS] [env:/path]
//	       [cgroup[.GROUP]:key=val,...]
//	       /path/to/binary arg1 arg2 ... -- Description
func parseServiceLine(fields []string) (*svc.Record, error) {
	kind, err := parseKind(fields[0])
	if err != nil {
		return nil, err
	}

	r := &svc.Record{Kind: kind, SigHalt: int(syscall.SIGTERM)}

	i := 1
	for i < len(fields) {
		tok := fields[i]
		matched := true
		switch {
		case strings.HasPrefix(tok, "@"):
			parseUserGroup(r, tok[1:])
		case strings.HasPrefix(tok, "[") && strings.HasSuffix(tok, "]"):
			lvls, perr := parseRunlevels(tok)
			if perr != nil {
				return nil, perr
			}
			r.AllowedRunlevels = lvls
		case strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">"):
			r.CondExpr = parseCondExpr(tok)
		case strings.HasPrefix(tok, ":"):
			r.Key.Tag = tok[1:]
		case strings.HasPrefix(tok, "log:"):
			r.Launch.LogConfig = tok[len("log:"):]
		case strings.HasPrefix(tok, "pid:"):
			parsePid(r, tok[len("pid:"):])
		case strings.HasPrefix(tok, "name:"):
			r.Key.Tag = tok[len("name:"):]
		case strings.HasPrefix(tok, "manual:"):
			if tok[len("manual:"):] == "yes" {
				r.Block = svc.BlockManual
			}
		case strings.HasPrefix(tok, "halt:"):
			sig, perr := parseSignalName(tok[len("halt:"):])
			if perr != nil {
				return nil, perr
			}
			r.SigHalt = sig
		case strings.HasPrefix(tok, "kill:"):
			secs, perr := cast.ToIntE(tok[len("kill:"):])
			if perr != nil {
				return nil, fmt.Errorf("bad kill: value %q: %w", tok, perr)
			}
			r.KillDelayMs = secs * 1000
		case strings.HasPrefix(tok, "env:"):
			r.Launch.EnvFile = tok[len("env:"):]
		case strings.HasPrefix(tok, "cgroup"):
			spec, perr := parseCgroup(tok)
			if perr != nil {
				return nil, perr
			}
			r.Launch.Cgroup = spec
		default:
			matched = false
		}
		if !matched {
			break
		}
		i++
	}

	if i >= len(fields) {
		return nil, fmt.Errorf("stanza has no command")
	}
	r.Command = fields[i]
	i++

	var args []string
	for i < len(fields) {
		if fields[i] == "--" {
			i++
			r.Launch.Description = strings.Join(fields[i:], " ")
			break
		}
		args = append(args, fields[i])
		i++
	}
	r.Args = args
	return r, nil
}

func parseKind(s string) (svc.Kind, error) {
	switch s {
	case "service":
		return svc.KindService, nil
	case "task":
		return svc.KindTask, nil
	case "run":
		return svc.KindRun, nil
	case "sysv":
		return svc.KindSysv, nil
	default:
		return 0, fmt.Errorf("unknown service kind %q", s)
	}
}

func parseUserGroup(r *svc.Record, s string) {
	parts := strings.SplitN(s, ":", 2)
	r.Launch.User = parts[0]
	if len(parts) == 2 {
		r.Launch.Group = parts[1]
	}
}

// parseRunlevels decodes "[2345]" or "[!0-6]" (and the bootstrap letter S)
// into a bitset.
func parseRunlevels(tok string) (svc.Runlevels, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(tok, "["), "]")
	negate := strings.HasPrefix(inner, "!")
	inner = strings.TrimPrefix(inner, "!")

	var bits svc.Runlevels
	i := 0
	for i < len(inner) {
		c := inner[i]
		switch {
		case c == 'S':
			bits |= 1 << svc.BitS
			i++
		case i+2 < len(inner) && inner[i+1] == '-' && isDigit(c) && isDigit(inner[i+2]):
			lo := int(c - '0')
			hi := int(inner[i+2] - '0')
			for l := lo; l <= hi; l++ {
				bits |= 1 << uint(l)
			}
			i += 3
		case isDigit(c):
			bits |= 1 << uint(c-'0')
			i++
		default:
			return 0, fmt.Errorf("bad runlevel set %q", tok)
		}
	}
	if negate {
		bits = ^bits & ((1 << 11) - 1)
	}
	return bits, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// parseCondExpr decodes "<!cond1,cond2>" into a comma list, leading "!" on
// an individual name meaning "none of".
func parseCondExpr(tok string) []string {
	inner := strings.TrimSuffix(strings.TrimPrefix(tok, "<"), ">")
	if inner == "" {
		return nil
	}
	return strings.Split(inner, ",")
}

// parsePid decodes "pid:[!]/path"; a leading "!" marks a forking daemon
// whose real pid is learned from the pidfile.
func parsePid(r *svc.Record, rest string) {
	if strings.HasPrefix(rest, "!") {
		r.Launch.ForkingDaemon = true
		rest = rest[1:]
	}
	r.Launch.PidfileSpec = rest
}

var signalNames = map[string]int{
	"SIGHUP": int(syscall.SIGHUP), "SIGINT": int(syscall.SIGINT),
	"SIGTERM": int(syscall.SIGTERM), "SIGKILL": int(syscall.SIGKILL),
	"SIGQUIT": int(syscall.SIGQUIT), "SIGUSR1": int(syscall.SIGUSR1),
	"SIGUSR2": int(syscall.SIGUSR2),
}

func parseSignalName(s string) (int, error) {
	if n, ok := signalNames[s]; ok {
		return n, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

// parseCgroup decodes "cgroup[.GROUP]:key=val,key2=val2,..." into a
// CgroupSpec, going through mapstructure for the key/value sub-map like
// any other nested config decode.
func parseCgroup(tok string) (*svc.CgroupSpec, error) {
	rest := strings.TrimPrefix(tok, "cgroup")
	group := ""
	if strings.HasPrefix(rest, ".") {
		rest = rest[1:]
		idx := strings.Index(rest, ":")
		if idx < 0 {
			return nil, fmt.Errorf("bad cgroup stanza %q", tok)
		}
		group = rest[:idx]
		rest = rest[idx:]
	}
	rest = strings.TrimPrefix(rest, ":")

	raw := map[string]interface{}{}
	for _, kv := range strings.Split(rest, ",") {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad cgroup attribute %q", kv)
		}
		raw[parts[0]] = parts[1]
	}

	attrs := map[string]string{}
	if err := mapstructure.Decode(raw, &attrs); err != nil {
		return nil, fmt.Errorf("cgroup stanza: %w", err)
	}
	return &svc.CgroupSpec{Group: group, Attrs: attrs}, nil
}
