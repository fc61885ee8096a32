package leasescript

import (
	"context"
	"net"
	"time"

	"github.com/guregu/null"
	"go.uber.org/zap"

	"github.com/agdsn/hades/internal/exitcode"
	"github.com/agdsn/hades/internal/frame"
	"github.com/agdsn/hades/internal/leasestore"
)

// dispatch runs the command-dispatch table of spec.md §4.2 against a
// received request, writing any "init" leasefile output to req.Stdout
// directly (streamed, not buffered) and returning the single status byte.
func (s *Server) dispatch(ctx context.Context, req *frame.Request) Status {
	if len(req.Argv) == 0 {
		s.log.Warn("request frame with empty argv")
		return statusFor(exitcode.Usage)
	}

	cmd := req.Argv[0]
	switch cmd {
	case "init":
		return s.doInit(ctx, req)
	case "add":
		return s.doAddOrUpdate(ctx, req, s.store.Add)
	case "old":
		return s.doAddOrUpdate(ctx, req, s.store.Update)
	case "del":
		return s.doDelete(ctx, req)
	default:
		s.log.Warn("unknown lease-script command", zap.String("command", cmd))
		return StatusOK
	}
}

func statusFor(code exitcode.Code) Status {
	if code == exitcode.OK {
		return StatusOK
	}
	return Status(byte(code))
}

func (s *Server) doInit(ctx context.Context, req *frame.Request) Status {
	it, err := s.store.ListAll(ctx)
	if err != nil {
		s.log.Error("init: list_all failed", zap.Error(err))
		return statusFor(exitcode.Software)
	}
	defer it.Close()

	for it.Next() {
		l, err := it.Lease()
		if err != nil {
			s.log.Error("init: decode row failed", zap.Error(err))
			return statusFor(exitcode.Software)
		}
		if err := leasestore.WriteLeaseFileLine(req.Stdout, l); err != nil {
			s.log.Error("init: write leasefile line failed", zap.Error(err))
			return statusFor(exitcode.Software)
		}
	}
	if err := it.Err(); err != nil {
		s.log.Error("init: iteration failed", zap.Error(err))
		return statusFor(exitcode.Software)
	}
	return StatusOK
}

type storeOp func(ctx context.Context, l leasestore.Lease) error

func (s *Server) doAddOrUpdate(ctx context.Context, req *frame.Request, op storeOp) Status {
	if len(req.Argv) < 3 {
		s.log.Warn("add/old: too few arguments", zap.Strings("argv", req.Argv))
		return statusFor(exitcode.Usage)
	}
	mac, err := net.ParseMAC(req.Argv[1])
	if err != nil {
		s.log.Warn("add/old: bad mac", zap.String("mac", req.Argv[1]), zap.Error(err))
		return statusFor(exitcode.Usage)
	}
	ip := net.ParseIP(req.Argv[2])
	if ip == nil {
		s.log.Warn("add/old: bad ip", zap.String("ip", req.Argv[2]))
		return statusFor(exitcode.Usage)
	}

	l, err := leasestore.FromEnv(req.Env, time.Now())
	if err != nil {
		s.log.Warn("add/old: bad environment", zap.Error(err))
		return statusFor(exitcode.Usage)
	}
	l.MAC = mac
	l.IPAddress = ip
	if len(req.Argv) > 3 {
		l.Hostname = null.StringFrom(req.Argv[3])
	}

	if err := op(ctx, l); err != nil {
		s.log.Error("add/old: store operation failed", zap.Error(err))
		return statusFor(exitcode.Software)
	}
	return StatusOK
}

func (s *Server) doDelete(ctx context.Context, req *frame.Request) Status {
	if len(req.Argv) < 3 {
		s.log.Warn("del: too few arguments", zap.Strings("argv", req.Argv))
		return statusFor(exitcode.Usage)
	}
	ip := net.ParseIP(req.Argv[2])
	if ip == nil {
		s.log.Warn("del: bad ip", zap.String("ip", req.Argv[2]))
		return statusFor(exitcode.Usage)
	}
	if err := s.store.Delete(ctx, ip); err != nil {
		s.log.Error("del: store operation failed", zap.Error(err))
		return statusFor(exitcode.Software)
	}
	return StatusOK
}
