package rpctransport

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NotifyListener is a small local UNIX-socket front door for
// OnVRRPNotification: keepalived itself only knows how to run a notify
// script, so hades-radiusd-notify dials this socket, sends one
// newline-terminated JSON Notification, and reads back "OK" or "ERROR
// <message>". Unlike internal/leasescript's IPC server, there is no
// ancillary-data FD passing here — just a line of JSON — so a lighter
// accept loop suffices.
type NotifyListener struct {
	log      *zap.Logger
	listener *net.UnixListener
	wg       sync.WaitGroup
}

// ListenNotify binds path, removing any stale socket file left by a
// previous crashed process first.
func ListenNotify(path string, log *zap.Logger) (*NotifyListener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "rpctransport: remove stale socket %s", path)
	}
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "rpctransport: resolve socket address")
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "rpctransport: listen on %s", path)
	}
	return &NotifyListener{log: log, listener: ln}, nil
}

// Serve accepts connections until ctx is canceled, applying each decoded
// Notification to t. It returns once every in-flight handler has
// finished.
func (n *NotifyListener) Serve(ctx context.Context, t *Transport) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			n.listener.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		conn, err := n.listener.AcceptUnix()
		if err != nil {
			n.wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		n.wg.Add(1)
		go n.handle(ctx, conn, t)
	}
}

func (n *NotifyListener) handle(ctx context.Context, conn *net.UnixConn, t *Transport) {
	defer n.wg.Done()
	defer conn.Close()

	var note Notification
	if err := json.NewDecoder(conn).Decode(&note); err != nil {
		n.log.Warn("rpctransport: notify socket: bad request", zap.Error(err))
		writeNotifyReply(conn, err)
		return
	}

	err := t.OnVRRPNotification(note)
	writeNotifyReply(conn, err)
	if err != nil {
		n.log.Warn("rpctransport: notify socket: apply failed", zap.Error(err))
	}
}

func writeNotifyReply(conn *net.UnixConn, err error) {
	if err != nil {
		conn.Write([]byte("ERROR " + err.Error() + "\n"))
		return
	}
	conn.Write([]byte("OK\n"))
}
