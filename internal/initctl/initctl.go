// Package initctl reloads and restarts the downstream daemons the Deputy
// manages (dnsmasq, freeRADIUS) through the init system (spec.md §4.8),
// via systemd's D-Bus manager interface rather than shelling out to
// systemctl.
package initctl

import (
	"context"
	"time"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/pkg/errors"
)

// defaultTimeout bounds a single reload/restart job submission (spec.md
// §4.9: "IPC to the init system uses a 100ms default").
const defaultTimeout = 100 * time.Millisecond

// Conn wraps a systemd manager D-Bus connection.
type Conn struct {
	conn *sdbus.Conn
}

// Connect opens a connection to the system systemd manager.
func Connect(ctx context.Context) (*Conn, error) {
	c, err := sdbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "initctl: connect to systemd")
	}
	return &Conn{conn: c}, nil
}

// Close releases the D-Bus connection.
func (c *Conn) Close() {
	c.conn.Close()
}

// ReloadUnit asks systemd to reload unit (e.g. send dnsmasq SIGHUP),
// waiting up to defaultTimeout for the job to reach a terminal state.
func (c *Conn) ReloadUnit(ctx context.Context, unit string) error {
	return c.submit(ctx, unit, "reload", c.conn.ReloadUnitContext)
}

// RestartUnit asks systemd to restart unit.
func (c *Conn) RestartUnit(ctx context.Context, unit string) error {
	return c.submit(ctx, unit, "restart", c.conn.RestartUnitContext)
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (c *Conn) submit(ctx context.Context, unit, verb string, fn jobFunc) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result := make(chan string, 1)
	if _, err := fn(ctx, unit, "replace", result); err != nil {
		return errors.Wrapf(err, "initctl: %s unit %s", verb, unit)
	}

	select {
	case status := <-result:
		if status != "done" {
			return errors.Errorf("initctl: %s unit %s: job finished with status %q", verb, unit, status)
		}
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "initctl: %s unit %s timed out", verb, unit)
	}
}
