package leasescript

import (
	"context"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agdsn/hades/internal/dbtest"
	"github.com/agdsn/hades/internal/frame"
	"github.com/agdsn/hades/internal/leasestore"
)

// dialRequest builds one dhcp-script-style request over a fresh
// socketpair, with dummy stdin/stdout/stderr pipes passed as SCM_RIGHTS,
// and returns the status byte the server replied with plus the bytes
// written to the simulated stdout.
func dialRequest(t *testing.T, srv *Server, argv []string, env map[string]string) (byte, []byte) {
	t.Helper()

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	clientFile := os.NewFile(uintptr(fds[0]), "client")
	serverFile := os.NewFile(uintptr(fds[1]), "server")

	clientConn, err := net.FileConn(clientFile)
	require.NoError(t, err)
	clientFile.Close()
	clientUnix := clientConn.(*net.UnixConn)

	serverConn, err := net.FileConn(serverFile)
	require.NoError(t, err)
	serverFile.Close()
	serverUnix := serverConn.(*net.UnixConn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handle(context.Background(), serverUnix)
	}()

	stdinR, stdinW, err := os.Pipe()
	require.NoError(t, err)
	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)
	stdinW.Close()
	defer stdoutR.Close()
	defer stderrR.Close()

	wire, err := frame.Encode(argv, env)
	require.NoError(t, err)

	rights := syscall.UnixRights(int(stdinR.Fd()), int(stdoutW.Fd()), int(stderrW.Fd()))
	_, _, err = clientUnix.WriteMsgUnix(wire, rights, nil)
	require.NoError(t, err)
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()
	clientUnix.CloseWrite()

	status := make([]byte, 1)
	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := clientConn.Read(status)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	clientConn.Close()

	<-done

	out := make([]byte, 4096)
	stdoutR.SetReadDeadline(time.Now().Add(time.Second))
	n, _ = stdoutR.Read(out)
	return status[0], out[:n]
}

func newTestServer(t *testing.T) *Server {
	db := dbtest.OpenLeaseDB(t, context.Background())
	store := leasestore.New(db, nil)
	return New(store, zap.NewNop())
}

func TestDispatchAddThenInit(t *testing.T) {
	srv := newTestServer(t)

	status, _ := dialRequest(t, srv,
		[]string{"add", "00:de:ad:be:ef:00", "141.76.121.2"},
		map[string]string{"DNSMASQ_LEASE_EXPIRES": "1508969413"})
	require.Equal(t, byte(0), status)

	status, out := dialRequest(t, srv, []string{"init"}, nil)
	require.Equal(t, byte(0), status)
	require.Equal(t, "1508969413 00:de:ad:be:ef:00 141.76.121.2 * *\n", string(out))
}

func TestDispatchUnknownCommand(t *testing.T) {
	srv := newTestServer(t)
	status, _ := dialRequest(t, srv, []string{"foo"}, nil)
	require.Equal(t, byte(0), status)
}

func TestDispatchDeleteUnknownLease(t *testing.T) {
	srv := newTestServer(t)
	status, _ := dialRequest(t, srv, []string{"del", "00:de:ad:be:ef:00", "10.9.9.9"}, nil)
	require.Equal(t, byte(0), status)
}
