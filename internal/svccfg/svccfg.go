// Package svccfg loads the supervisor's own global settings: where the
// condition store lives, the default runlevel, respawn overrides, and the
// log target. This is the ambient configuration layer, as opposed to
// internal/config's per-service stanzas. Flags beat the file, the file
// beats the built-in defaults.
package svccfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml"
	"github.com/spf13/jwalterweatherman"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

// Settings holds the global daemon configuration — the concerns that sit
// above any one service record.
type Settings struct {
	CondDir         string `yaml:"cond_dir" toml:"cond_dir"`
	ServiceDir      string `yaml:"service_dir" toml:"service_dir"`
	DefaultRunlevel int    `yaml:"default_runlevel" toml:"default_runlevel"`
	RespawnCap      int    `yaml:"respawn_cap" toml:"respawn_cap"`
	StableAfterSec  int    `yaml:"stable_after_sec" toml:"stable_after_sec"`
	LogTarget       string `yaml:"log_target" toml:"log_target"`
}

// Defaults returns the built-in settings used when no file is given.
func Defaults() *Settings {
	return &Settings{
		CondDir:         "/run/gosv/cond",
		ServiceDir:      "/etc/gosv/services.d",
		DefaultRunlevel: 2,
		RespawnCap:      10,
		StableAfterSec:  60,
		LogTarget:       "console",
	}
}

// Load reads path, dispatching on its extension between YAML and TOML.
func Load(path string) (*Settings, error) {
	s := Defaults()
	if path == "" {
		return s, nil
	}
	jwalterweatherman.TRACE.Printf("svccfg: loading %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("svccfg: yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("svccfg: toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("svccfg: unrecognized config extension: %s", path)
	}

	jwalterweatherman.INFO.Printf("svccfg: loaded %s (runlevel=%d, cond_dir=%s)", path, s.DefaultRunlevel, s.CondDir)
	return s, nil
}

// BindFlags registers CLI override flags for every setting onto fs, bound
// to the fields of vals (typically a Defaults() copy). After fs.Parse,
// ApplyFlags copies only the flags the user actually set onto the loaded
// settings, giving flag > file > default precedence.
func BindFlags(fs *pflag.FlagSet, vals *Settings) {
	fs.StringVar(&vals.CondDir, "cond-dir", vals.CondDir, "condition store directory")
	fs.StringVar(&vals.ServiceDir, "service-dir", vals.ServiceDir, "directory of service stanza files")
	fs.IntVar(&vals.DefaultRunlevel, "runlevel", vals.DefaultRunlevel, "runlevel to enter after bootstrap")
	fs.IntVar(&vals.RespawnCap, "respawn-cap", vals.RespawnCap, "consecutive crashes before blocking a service")
	fs.IntVar(&vals.StableAfterSec, "stable-after", vals.StableAfterSec, "seconds of uptime before resetting a service's crash counter")
	fs.StringVar(&vals.LogTarget, "log-target", vals.LogTarget, "console or a file path")
}

// ApplyFlags copies every flag the user explicitly set from vals onto s.
func ApplyFlags(fs *pflag.FlagSet, vals, s *Settings) {
	if fs.Changed("cond-dir") {
		s.CondDir = vals.CondDir
	}
	if fs.Changed("service-dir") {
		s.ServiceDir = vals.ServiceDir
	}
	if fs.Changed("runlevel") {
		s.DefaultRunlevel = vals.DefaultRunlevel
	}
	if fs.Changed("respawn-cap") {
		s.RespawnCap = vals.RespawnCap
	}
	if fs.Changed("stable-after") {
		s.StableAfterSec = vals.StableAfterSec
	}
	if fs.Changed("log-target") {
		s.LogTarget = vals.LogTarget
	}
}
