// Package reload tells the running OpenVPN server to re-read its
// revocation list after a certificate was revoked.
package reload

import (
	"context"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Reloader triggers a reload of the tunnel server
type Reloader interface {
	Reload(ctx context.Context) error
}

// Noop is used when no tunnel server runs on this host
type Noop struct{}

// Reload does nothing
func (Noop) Reload(context.Context) error { return nil }

// PIDFile signals the process whose id is stored in a pid file, the way
// OpenVPN's --writepid leaves it
type PIDFile struct {
	Path   string
	Signal syscall.Signal
}

// New returns a Reloader signalling the process in pidfile, or a Noop when
// pidfile is empty. signal is a name such as "SIGUSR1" or "HUP".
func New(pidfile, signal string) (Reloader, error) {
	if pidfile == "" {
		return Noop{}, nil
	}
	sig, err := ParseSignal(signal)
	if err != nil {
		return nil, err
	}
	return &PIDFile{Path: pidfile, Signal: sig}, nil
}

// Reload sends the signal to the process
func (p *PIDFile) Reload(ctx context.Context) error {
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return errors.Wrap(err, "reading pid file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return errors.Errorf("invalid pid in %s", p.Path)
	}
	if err := unix.Kill(pid, p.Signal); err != nil {
		return errors.Wrapf(err, "signalling pid %d", pid)
	}
	return nil
}

// ParseSignal resolves a signal name. An empty name is SIGUSR1, the signal
// that makes OpenVPN re-read crl-verify without dropping other clients.
func ParseSignal(name string) (syscall.Signal, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return unix.SIGUSR1, nil
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, errors.Errorf("unknown signal %q", name)
	}
	return sig, nil
}
