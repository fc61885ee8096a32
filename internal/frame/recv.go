package frame

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// oobBufSize is sized for a single SCM_RIGHTS control message carrying
// three descriptors (CmsgSpace(3*sizeof(int))), rounded up generously.
const oobBufSize = 128

// Receive drives Parser against a UNIX stream connection, issuing repeated
// ReadMsgUnix calls (the Go equivalent of recvmsg) until the frame is fully
// decoded or an error/EOF occurs. It mirrors the ReadMsgUnix / control
// message parsing loop in grimm-is-glacic's internal/upgrade package,
// adapted to the per-connection request frame of spec.md §4.1 rather than
// a listener-handoff stream.
func Receive(conn *net.UnixConn) (*Request, error) {
	p := NewParser()
	buf := make([]byte, PageSize)
	oob := make([]byte, oobBufSize)
	var fds []int

	for !p.Done() || fds == nil {
		n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
		if err != nil {
			if errors.Is(err, io.EOF) && n == 0 {
				if err2 := p.Feed(nil, true); err2 != nil {
					p.CloseFDs()
					return nil, err2
				}
				break
			}
			p.CloseFDs()
			return nil, err
		}

		if flags&syscall.MSG_CTRUNC != 0 {
			p.CloseFDs()
			return nil, &ProtocolError{Kind: ErrTruncatedAncillary}
		}

		if oobn > 0 && fds == nil {
			scms, err := syscall.ParseSocketControlMessage(oob[:oobn])
			if err != nil {
				p.CloseFDs()
				return nil, &ProtocolError{Kind: ErrTruncatedAncillary}
			}
			for _, scm := range scms {
				rights, err := syscall.ParseUnixRights(&scm)
				if err != nil {
					p.CloseFDs()
					return nil, &ProtocolError{Kind: ErrTruncatedAncillary}
				}
				fds = append(fds, rights...)
			}
			if fds != nil {
				if err := p.RegisterFDs(fds); err != nil {
					p.CloseFDs()
					return nil, err
				}
			}
		}

		if n > 0 {
			if err := p.Feed(buf[:n], false); err != nil {
				p.CloseFDs()
				return nil, err
			}
		} else if oobn == 0 {
			// No payload and no ancillary data: the peer closed its end;
			// the parser reports whatever is still missing.
			if err := p.Feed(nil, true); err != nil {
				p.CloseFDs()
				return nil, err
			}
			break
		}
	}

	if fds == nil {
		p.CloseFDs()
		return nil, &ProtocolError{Kind: ErrTruncatedAncillary}
	}

	req, err := p.Result()
	if err != nil {
		p.CloseFDs()
		return nil, err
	}

	if err := CheckFDMode(int(req.Stdin.Fd()), WantRead, "stdin"); err != nil {
		req.Close()
		return nil, err
	}
	if err := CheckFDMode(int(req.Stdout.Fd()), WantWrite, "stdout"); err != nil {
		req.Close()
		return nil, err
	}
	if err := CheckFDMode(int(req.Stderr.Fd()), WantWrite, "stderr"); err != nil {
		req.Close()
		return nil, err
	}

	return req, nil
}
