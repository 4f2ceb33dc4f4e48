// Package config parses the declarative service stanza grammar into
// svc.Records: one line per service, a handful of prefixed option tokens,
// then the command and an optional trailing description. The supervisor's
// own settings file is handled separately by internal/svccfg.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kornnellio/gosv/internal/svc"
)

// ParseFile opens path and parses it as a stanza file. One record is
// produced per non-blank, non-comment line.
func ParseFile(path string) ([]*svc.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseReader(f, path)
}

// ParseReader parses stanza lines from r. origin is recorded on each record
// for diagnostics (LaunchSpec.OriginFile) and error messages.
//
// A malformed stanza refuses that record only: parsing continues with the
// remaining lines, every record that did parse is returned, and the refused
// lines' diagnostics come back joined as the error. Callers must therefore
// use the records even when err != nil.
func ParseReader(r io.Reader, origin string) ([]*svc.Record, error) {
	var out []*svc.Record
	var errs []error
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s:%d: %w", origin, lineNo, err))
			continue
		}
		if rec == nil {
			continue
		}
		rec.Launch.OriginFile = origin
		// The instance tag stays empty unless an explicit :id/name: was
		// given; the supervisor derives the pid/<name> condition from the
		// command basename in that case.
		rec.Key.Command = rec.Command
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", origin, err))
	}
	return out, errors.Join(errs...)
}

func parseLine(line string) (*svc.Record, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}
	if fields[0] == "tty" {
		return parseTTYLine(fields)
	}
	return parseServiceLine(fields)
}
