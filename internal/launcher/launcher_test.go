package launcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kornnellio/gosv/internal/logx"
	"github.com/kornnellio/gosv/internal/svc"
)

func TestStartMissingBinary(t *testing.T) {
	l := New(nil, logx.New("test", nil))
	r := &svc.Record{Command: "/nonexistent/gosv-no-such-binary"}

	err := l.Start(r)

	require.Error(t, err)
	var missing *MissingBinaryError
	assert.True(t, errors.As(err, &missing))
	assert.Zero(t, r.Pid)
}

func TestBuildEnvReadsEnvFile(t *testing.T) {
	l := New(nil, logx.New("test", nil))
	envFile := filepath.Join(t.TempDir(), "svc.env")
	require.NoError(t, os.WriteFile(envFile, []byte("# comment\nFOO=bar\nQUOTED=\"spaced value\"\n"), 0644))
	r := &svc.Record{Launch: svc.LaunchSpec{EnvFile: envFile}}

	env, err := l.buildEnv(r)

	require.NoError(t, err)
	assert.Contains(t, env, "FOO=bar")
	assert.Contains(t, env, "QUOTED=spaced value")
}

func TestBuildEnvMissingFile(t *testing.T) {
	l := New(nil, logx.New("test", nil))
	r := &svc.Record{Launch: svc.LaunchSpec{EnvFile: "/nonexistent/svc.env"}}

	_, err := l.buildEnv(r)

	require.Error(t, err)
	var missing *MissingEnvFileError
	assert.True(t, errors.As(err, &missing))
}

func TestStartTTYMissingDeviceIsExConfig(t *testing.T) {
	l := New(nil, logx.New("test", nil))
	r := &svc.Record{
		Kind:    svc.KindTTY,
		Command: "/bin/true",
		TTY:     &svc.TTYSpec{Device: "/dev/gosv-no-such-tty"},
	}

	err := l.Start(r)

	var devErr *TTYDeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, ExConfig, devErr.Code)
	assert.Zero(t, r.Pid)
}

func TestStartTTYNonCharDeviceIsExOSFile(t *testing.T) {
	notATTY := filepath.Join(t.TempDir(), "not-a-tty")
	require.NoError(t, os.WriteFile(notATTY, nil, 0644))

	l := New(nil, logx.New("test", nil))
	r := &svc.Record{
		Kind:    svc.KindTTY,
		Command: "/bin/true",
		TTY:     &svc.TTYSpec{Device: notATTY},
	}

	err := l.Start(r)

	var devErr *TTYDeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, ExOSFile, devErr.Code)
}

func TestStartTTYExternalGettyHasNoDeviceCheck(t *testing.T) {
	// An external-getty or notty line carries no device node; validation
	// must not refuse it. The launch still fails on the missing binary.
	l := New(nil, logx.New("test", nil))
	r := &svc.Record{
		Kind:    svc.KindTTY,
		Command: "/nonexistent/gosv-getty",
		TTY:     &svc.TTYSpec{ExternalGetty: "/nonexistent/gosv-getty"},
	}

	err := l.Start(r)

	var missing *MissingBinaryError
	assert.True(t, errors.As(err, &missing))
}

func TestStopRejectsNonSysv(t *testing.T) {
	l := New(nil, logx.New("test", nil))
	r := &svc.Record{Kind: svc.KindService, Command: "/bin/true"}

	assert.Error(t, l.Stop(r))
}
