// Package leasescript implements the UNIX-socket IPC server that replaces
// dnsmasq's per-event "exec a Python script" lease hook (spec.md §4.1):
// dnsmasq connects, passes a request frame (argv + filtered environment +
// stdin/stdout/stderr descriptors) over SCM_RIGHTS, and the server replies
// with a single status byte once the lease change has been applied.
package leasescript

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/agdsn/hades/internal/exitcode"
	"github.com/agdsn/hades/internal/frame"
	"github.com/agdsn/hades/internal/leasestore"
)

// Status is the single reply byte dnsmasq's dhcp-script convention expects:
// zero means "continue", non-zero aborts the lease change on dnsmasq's
// side.
type Status byte

const (
	StatusOK    Status = 0
	StatusError Status = 1
)

// Server accepts connections on a UNIX stream socket and dispatches each
// request frame to the lease store.
type Server struct {
	log   *zap.Logger
	store *leasestore.Store

	listener *net.UnixListener
}

// New builds a Server bound to store. Call Serve to start accepting.
func New(store *leasestore.Store, log *zap.Logger) *Server {
	return &Server{store: store, log: log}
}

// Listen binds the UNIX socket at path, or adopts an already-open listener
// fd passed by systemd socket activation, matching the
// activation.Files/LISTEN_FDS convention grounded in ajacques-cni-plugins'
// dhcp daemon (spec.md §4.1: "accept socket-activation: if exactly one
// listening FD is passed by the supervisor, adopt it; if zero, create and
// bind/listen; >1 is a usage error").
func (s *Server) Listen(path string) error {
	listeners, err := activation.Listeners()
	if err != nil {
		return errors.Wrap(err, "leasescript: query socket activation")
	}
	switch len(listeners) {
	case 0:
		os.Remove(path)
		addr, err := net.ResolveUnixAddr("unix", path)
		if err != nil {
			return errors.Wrap(err, "leasescript: resolve socket path")
		}
		l, err := net.ListenUnix("unix", addr)
		if err != nil {
			return errors.Wrap(err, "leasescript: listen")
		}
		s.listener = l
		return nil
	case 1:
		ul, ok := listeners[0].(*net.UnixListener)
		if !ok {
			return errors.New("leasescript: activation fd is not a unix socket")
		}
		s.listener = ul
		return nil
	default:
		return errors.Errorf("leasescript: socket activation passed %d listeners, want 0 or 1", len(listeners))
	}
}

// Serve runs the accept loop until ctx is canceled or a SIGINT/SIGTERM is
// received. Per spec.md §4.1's "single-threaded cooperative" invariant,
// the listener accepts one connection at a time and processes it to
// completion before looping back to accept the next — there is no
// goroutine-per-connection fan-out, so no locking is needed for the
// on-disk buffer or the lease store's size-1 DB pool.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("leasescript: Listen must be called before Serve")
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	var shuttingDown atomic.Bool
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case recv := <-sig:
			s.log.Info("received signal, draining", zap.String("signal", recv.String()))
		case <-stop:
			return
		}
		shuttingDown.Store(true)
		s.listener.Close()
	}()
	defer close(stop)

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if shuttingDown.Load() {
				return nil
			}
			return errors.Wrap(err, "leasescript: accept")
		}
		s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	logPeerCredentials(s.log, conn)

	req, err := frame.Receive(conn)
	if err != nil {
		s.log.Warn("bad request frame", zap.Error(err))
		s.reply(conn, statusFor(exitcode.Usage))
		return
	}
	defer req.Close()

	status := s.dispatch(ctx, req)
	s.reply(conn, status)
}

// reply sends the single status byte back over the IPC connection itself
// (spec.md §4.1: "Send a single status byte ... and close"), distinct from
// req.Stdout, which carries the forwarded process's real stdout (used by
// "init" to stream the leasefile).
func (s *Server) reply(conn *net.UnixConn, status Status) {
	if _, err := conn.Write([]byte{byte(status)}); err != nil {
		s.log.Warn("failed to write reply status", zap.Error(err))
	}
}

// logPeerCredentials logs SO_PEERCRED for audit purposes only; spec.md
// §4.1 treats the UID/GID as non-authoritative, since dnsmasq itself runs
// unprivileged and any process with socket access can connect.
func logPeerCredentials(log *zap.Logger, conn *net.UnixConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	var cred *syscall.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	})
	if err != nil || credErr != nil || cred == nil {
		return
	}
	log.Debug("accepted connection",
		zap.Int32("peer_pid", cred.Pid), zap.Uint32("peer_uid", cred.Uid), zap.Uint32("peer_gid", cred.Gid))
}
