// Command gosv is process #1: it parses the global settings and the
// service stanza directory, assembles the supervision engine, and runs its
// event loop until told to shut down.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/kornnellio/gosv/internal/cgroup"
	"github.com/kornnellio/gosv/internal/clock"
	"github.com/kornnellio/gosv/internal/cond"
	"github.com/kornnellio/gosv/internal/config"
	"github.com/kornnellio/gosv/internal/launcher"
	"github.com/kornnellio/gosv/internal/logx"
	"github.com/kornnellio/gosv/internal/queue"
	"github.com/kornnellio/gosv/internal/reaper"
	"github.com/kornnellio/gosv/internal/registry"
	"github.com/kornnellio/gosv/internal/supervisor"
	"github.com/kornnellio/gosv/internal/svc"
	"github.com/kornnellio/gosv/internal/svccfg"
)

func main() {
	settingsPath := pflag.String("settings", "", "path to the global settings file (.yaml or .toml)")
	flagVals := svccfg.Defaults()
	svccfg.BindFlags(pflag.CommandLine, flagVals)
	pflag.Parse()

	settings := svccfg.Defaults()
	if *settingsPath != "" {
		loaded, err := svccfg.Load(*settingsPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gosv: %v\n", err)
			os.Exit(launcher.ExConfig)
		}
		settings = loaded
	}
	svccfg.ApplyFlags(pflag.CommandLine, flagVals, settings)

	logOut := os.Stderr
	if settings.LogTarget != "" && settings.LogTarget != "console" {
		f, err := os.OpenFile(settings.LogTarget, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gosv: cannot open log target %s: %v\n", settings.LogTarget, err)
		} else {
			logOut = f
		}
	}
	console := logx.NewConsoleHandler(logOut)
	if settings.DefaultRunlevel <= 1 {
		console.SetBootstrap(true)
	}
	log := logx.New("", logx.LvlFilterHandler(logx.INFO, console))

	cg := cgroup.NewManager(log)
	if err := cg.EnsureControllers(); err != nil {
		log.WARN("cgroup setup failed, continuing without resource limits", "err", err)
		cg = nil
	}

	reg := registry.New()
	lnch := launcher.New(cg, log)
	rp := reaper.New(reg, nil, log)
	clk := clock.New()
	cs := cond.New(settings.CondDir)
	if err := cs.MarkAvailable(); err != nil {
		log.WARN("condition store unavailable", "dir", settings.CondDir, "err", err)
	}
	q := queue.New()

	sup := supervisor.New(reg, lnch, rp, clk, cs, q, supervisor.NoopHookRunner{}, log)
	sup.RespawnCap = settings.RespawnCap
	sup.StableAfter = time.Duration(settings.StableAfterSec) * time.Second
	sup.Reloader = func() ([]*svc.Record, error) {
		return loadServiceDir(settings.ServiceDir, log)
	}

	fresh, err := loadServiceDir(settings.ServiceDir, log)
	if err != nil {
		log.WARN("no service directory loaded, running demo", "dir", settings.ServiceDir, "err", err)
		fresh = demoRecords()
	}
	for _, r := range fresh {
		reg.Add(r)
	}

	sup.BeginRunlevelChange(settings.DefaultRunlevel)

	stop := make(chan struct{})
	sigStop := make(chan os.Signal, 1)
	signal.Notify(sigStop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigStop
		close(stop)
	}()

	sup.Run(stop)
}

// loadServiceDir parses every .gosv file under dir. A malformed stanza (or
// a whole unreadable file) refuses only itself: siblings still load, with
// the diagnostics logged. Only an unreadable directory is an error.
func loadServiceDir(dir string, log *logx.Logger) ([]*svc.Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []*svc.Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gosv") {
			continue
		}
		recs, err := config.ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.WARN("refused malformed stanzas", "file", e.Name(), "err", err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

// demoRecords is a couple of toy services so the supervisor has something
// to do when no stanza directory exists.
func demoRecords() []*svc.Record {
	heartbeat := &svc.Record{
		Kind:             svc.KindService,
		Key:              svc.ID{Command: "/bin/sh", Tag: "heartbeat"},
		Command:          "/bin/sh",
		Args:             []string{"-c", "while true; do echo heartbeat alive; sleep 2; done"},
		AllowedRunlevels: 0b1111111111,
		SigHalt:          int(syscall.SIGTERM),
		KillDelayMs:      3000,
	}
	crasher := &svc.Record{
		Kind:             svc.KindService,
		Key:              svc.ID{Command: "/bin/sh", Tag: "crasher"},
		Command:          "/bin/sh",
		Args:             []string{"-c", "echo crasher starting; sleep 3; exit 1"},
		AllowedRunlevels: 0b1111111111,
		SigHalt:          int(syscall.SIGTERM),
		KillDelayMs:      3000,
	}
	return []*svc.Record{heartbeat, crasher}
}
