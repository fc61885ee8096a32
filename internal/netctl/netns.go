// Package netctl provides the named-network-namespace entry/exit guard the
// DHCP release emitter uses to reach the auth-side DHCP server (spec.md
// §4.4: "the send must be performed inside a specified network namespace
// ... Namespace entry is RAII: guaranteed exit even on send failure"),
// adapted from grimm-is-glacic's netns setup helper.
package netctl

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/vishvananda/netns"
)

// Guard holds an OS thread locked inside a target network namespace until
// Close restores the thread's original namespace and unlocks it. Guard
// must only be used from the goroutine that created it (netns operations
// are per-OS-thread).
type Guard struct {
	noop bool
	orig netns.NsHandle
	cur  netns.NsHandle
}

// Enter locks the calling goroutine to its OS thread and switches that
// thread into the named namespace, returning a Guard whose Close restores
// the original namespace. If name is empty, Enter is a no-op guard (the
// caller stays in its current namespace) — used when the configured
// namespace is the default one the process already runs in.
func Enter(name string) (*Guard, error) {
	if name == "" {
		return &Guard{noop: true}, nil
	}

	runtime.LockOSThread()

	orig, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "netctl: get current namespace")
	}

	target, err := netns.GetFromName(name)
	if err != nil {
		orig.Close()
		runtime.UnlockOSThread()
		return nil, errors.Wrapf(err, "netctl: namespace %q not found", name)
	}

	if err := netns.Set(target); err != nil {
		target.Close()
		orig.Close()
		runtime.UnlockOSThread()
		return nil, errors.Wrapf(err, "netctl: enter namespace %q", name)
	}

	return &Guard{orig: orig, cur: target}, nil
}

// Close restores the original namespace and unlocks the OS thread.
// Guaranteed to run even if the caller's send failed, since it is always
// invoked via defer immediately after a successful Enter.
func (g *Guard) Close() error {
	if g.noop {
		return nil
	}
	defer runtime.UnlockOSThread()
	defer g.cur.Close()
	defer g.orig.Close()
	if err := netns.Set(g.orig); err != nil {
		return errors.Wrap(err, "netctl: restore original namespace")
	}
	return nil
}
