package config

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/kornnellio/gosv/internal/svc"
)

// parseTTYLine handles the degenerate "tty" kind:
//
//	tty [runlevels] (/dev/DEV [BAUD[,BAUD...]] [noclear] [nowait] [TERM]
//	               | /path/to/external-getty args [noclear] [nowait]
//	               | notty)
//
// It folds whichever form was used into an equivalent Command/Args pair so
// the Launcher never needs a TTY-specific branch; TTYSpec is kept alongside
// purely for introspection/display.
func parseTTYLine(fields []string) (*svc.Record, error) {
	i := 1
	r := &svc.Record{Kind: svc.KindTTY, TTY: &svc.TTYSpec{}}

	if i < len(fields) && strings.HasPrefix(fields[i], "[") {
		lvls, err := parseRunlevels(fields[i])
		if err != nil {
			return nil, err
		}
		r.AllowedRunlevels = lvls
		i++
	}
	if i >= len(fields) {
		return nil, fmt.Errorf("tty line missing device/getty spec")
	}

	switch {
	case fields[i] == "notty":
		r.TTY.NoTTY = true
		r.Command = "/bin/sh"
		i++

	case strings.HasPrefix(fields[i], "/dev/"):
		r.TTY.Device = fields[i]
		i++
		for i < len(fields) {
			switch {
			case fields[i] == "noclear":
				r.TTY.NoClear = true
			case fields[i] == "nowait":
				r.TTY.NoWait = true
			case isBaudRate(fields[i]):
				r.TTY.Baud = strings.Split(fields[i], ",")
			default:
				r.TTY.Term = fields[i]
			}
			i++
		}
		r.Command = "/sbin/agetty"
		if len(r.TTY.Baud) > 0 {
			r.Args = append(r.Args, strings.Join(r.TTY.Baud, ","))
		}
		r.Args = append(r.Args, r.TTY.Device)
		if r.TTY.Term != "" {
			r.Args = append(r.Args, r.TTY.Term)
		}

	default:
		r.TTY.ExternalGetty = fields[i]
		i++
		var extra []string
		for i < len(fields) {
			switch fields[i] {
			case "noclear":
				r.TTY.NoClear = true
			case "nowait":
				r.TTY.NoWait = true
			default:
				extra = append(extra, fields[i])
			}
			i++
		}
		r.TTY.ExternalArgs = extra
		r.Command = r.TTY.ExternalGetty
		r.Args = extra
	}

	r.SigHalt = int(syscall.SIGHUP) // getty convention: hang up the line
	return r, nil
}

func isBaudRate(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && c != ',' {
			return false
		}
	}
	return true
}
