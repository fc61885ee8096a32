// Package frame implements the dhcp-script wire frame codec described in
// spec.md §4.1: a resumable parser over a UNIX SOCK_STREAM connection that
// decodes argv/environ plus three SCM_RIGHTS file descriptors (stdin,
// stdout, stderr) passed by the forwarder client that dnsmasq's
// --dhcp-script execs per event.
//
// The control-message parsing follows the syscall.ParseSocketControlMessage
// / syscall.ParseUnixRights pattern used for fd handoff in
// grimm-is-glacic's internal/upgrade package, adapted from a listener
// handoff protocol to a one-shot per-connection request frame.
package frame

import (
	"fmt"
	"os"
)

// PageSize is the hard cap on frame size (spec.md §4.1: "at most one memory
// page minus one byte").
const PageSize = 4096

// MaxFrameSize is the largest frame this codec will accept.
const MaxFrameSize = PageSize - 1

// ErrorKind enumerates the ProtocolError kinds of spec.md §4.1.
type ErrorKind int

// Recognized protocol error kinds.
const (
	ErrBufferTooSmall ErrorKind = iota
	ErrUnexpectedEOF
	ErrTruncatedAncillary
	ErrBadEnviron
	ErrBadFDMode
)

// ProtocolError is returned for any malformed frame. It carries enough
// context to log the human-readable element name the spec requires.
type ProtocolError struct {
	Kind      ErrorKind
	Needed    int
	Available int
	Offset    int
	Element   string
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case ErrBufferTooSmall:
		return "frame: buffer too small"
	case ErrUnexpectedEOF:
		return fmt.Sprintf("frame: unexpected EOF reading %s (needed %d, available %d, offset %d)",
			e.Element, e.Needed, e.Available, e.Offset)
	case ErrTruncatedAncillary:
		return "frame: truncated ancillary data"
	case ErrBadEnviron:
		return fmt.Sprintf("frame: environment entry %q missing '='", e.Element)
	case ErrBadFDMode:
		return fmt.Sprintf("frame: fd %s has incompatible open mode", e.Element)
	default:
		return "frame: protocol error"
	}
}

// Request is a fully decoded dhcp-script invocation: the forwarder's argv,
// its filtered environment, and its three standard streams.
type Request struct {
	Argv  []string
	Env   map[string]string
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Close closes any file descriptors still held by the request. Safe to call
// multiple times.
func (r *Request) Close() {
	for _, f := range []*os.File{r.Stdin, r.Stdout, r.Stderr} {
		if f != nil {
			f.Close()
		}
	}
	r.Stdin, r.Stdout, r.Stderr = nil, nil, nil
}

// state enumerates the resumable parser's progress through the frame, the
// explicit state-machine replacement for the coroutine sketched in spec.md §9.
type state int

const (
	stateArgc state = iota
	stateArgv
	stateEnvc
	stateEnviron
	stateDone
)

// Parser incrementally decodes a single frame. Feed it bytes as they arrive
// from recvmsg; it reports how many more bytes it needs via Needed. The
// control message carrying the three file descriptors may arrive attached
// to any Feed call; RegisterFDs must be called exactly once before the
// parser is considered complete if fds haven't been consumed yet.
type Parser struct {
	st state

	buf []byte // raw bytes fed so far, not yet consumed

	argc     uint32
	argvLeft uint32
	argv     []string

	envc     uint32
	envLeft  uint32
	environ  map[string]string

	fds    []int
	closed bool
}

// NewParser returns a fresh resumable parser.
func NewParser() *Parser {
	return &Parser{st: stateArgc, environ: map[string]string{}}
}

// Needed reports the size in bytes of the element the parser reads next (4
// for a count, 1 otherwise), without subtracting input already buffered.
// It is informational only; Feed accepts
// any number of bytes and buffers partial input itself.
func (p *Parser) Needed() int {
	switch p.st {
	case stateArgc, stateEnvc:
		return 4
	default:
		return 1
	}
}

// Done reports whether argv/environ have been fully parsed. The caller must
// still supply fds via RegisterFDs before consuming Result.
func (p *Parser) Done() bool {
	return p.st == stateDone
}

// RegisterFDs attaches the three file descriptors extracted from a
// SCM_RIGHTS control message. Must be called with exactly three valid fds.
func (p *Parser) RegisterFDs(fds []int) error {
	if len(fds) != 3 {
		// The wire contract promises exactly stdin/stdout/stderr; any
		// other count means the peer sent the wrong number of rights.
		return &ProtocolError{Kind: ErrTruncatedAncillary}
	}
	p.fds = fds
	return nil
}

// Feed appends newly received bytes and advances the state machine as far
// as possible. eof indicates the peer half-closed its write side; if more
// input is required after that, Feed returns ErrUnexpectedEOF.
func (p *Parser) Feed(b []byte, eof bool) error {
	p.buf = append(p.buf, b...)

	for {
		switch p.st {
		case stateArgc:
			if len(p.buf) < 4 {
				if eof {
					return p.eofError("argc", 4, len(p.buf))
				}
				return nil
			}
			p.argc = nativeUint32(p.buf[:4])
			p.buf = p.buf[4:]
			p.argvLeft = p.argc
			if p.argvLeft == 0 {
				p.st = stateEnvc
			} else {
				p.st = stateArgv
			}

		case stateArgv:
			idx := indexNUL(p.buf)
			if idx < 0 {
				if len(p.buf) > MaxFrameSize {
					return &ProtocolError{Kind: ErrBufferTooSmall}
				}
				if eof {
					return p.eofError(fmt.Sprintf("argv[%d]", p.argc-p.argvLeft), 1, len(p.buf))
				}
				return nil
			}
			p.argv = append(p.argv, string(p.buf[:idx]))
			p.buf = p.buf[idx+1:]
			p.argvLeft--
			if p.argvLeft == 0 {
				p.st = stateEnvc
			}

		case stateEnvc:
			if len(p.buf) < 4 {
				if eof {
					return p.eofError("envc", 4, len(p.buf))
				}
				return nil
			}
			p.envc = nativeUint32(p.buf[:4])
			p.buf = p.buf[4:]
			p.envLeft = p.envc
			if p.envLeft == 0 {
				p.st = stateDone
				return nil
			}
			p.st = stateEnviron

		case stateEnviron:
			idx := indexNUL(p.buf)
			if idx < 0 {
				if len(p.buf) > MaxFrameSize {
					return &ProtocolError{Kind: ErrBufferTooSmall}
				}
				if eof {
					return p.eofError(fmt.Sprintf("environ[%d]", p.envc-p.envLeft), 1, len(p.buf))
				}
				return nil
			}
			entry := p.buf[:idx]
			p.buf = p.buf[idx+1:]
			key, val, ok := splitEnviron(entry)
			if !ok {
				return &ProtocolError{Kind: ErrBadEnviron, Element: string(entry)}
			}
			p.environ[key] = val
			p.envLeft--
			if p.envLeft == 0 {
				p.st = stateDone
				return nil
			}

		case stateDone:
			return nil
		}

		if len(p.buf) > MaxFrameSize {
			return &ProtocolError{Kind: ErrBufferTooSmall}
		}
	}
}

func (p *Parser) eofError(element string, needed, available int) error {
	return &ProtocolError{
		Kind:      ErrUnexpectedEOF,
		Needed:    needed,
		Available: available,
		Offset:    len(p.buf),
		Element:   element,
	}
}

// Result materializes the decoded Request. Must only be called once Done
// reports true and RegisterFDs has supplied exactly three descriptors.
func (p *Parser) Result() (*Request, error) {
	if !p.Done() {
		return nil, fmt.Errorf("frame: Result called before parse complete")
	}
	if len(p.fds) != 3 {
		return nil, fmt.Errorf("frame: Result called with %d fds, want 3", len(p.fds))
	}
	req := &Request{
		Argv:   p.argv,
		Env:    p.environ,
		Stdin:  os.NewFile(uintptr(p.fds[0]), "stdin"),
		Stdout: os.NewFile(uintptr(p.fds[1]), "stdout"),
		Stderr: os.NewFile(uintptr(p.fds[2]), "stderr"),
	}
	p.closed = true
	return req, nil
}

// CloseFDs closes any fds the parser has accumulated without having handed
// them off via Result, e.g. on a parse error (spec.md §4.1: "On any parse
// error all received file descriptors must be closed before the error is
// propagated").
func (p *Parser) CloseFDs() {
	if p.closed {
		return
	}
	for _, fd := range p.fds {
		if fd >= 0 {
			os.NewFile(uintptr(fd), "").Close()
		}
	}
	p.fds = nil
	p.closed = true
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func splitEnviron(entry []byte) (key, val string, ok bool) {
	for i, c := range entry {
		if c == '=' {
			return string(entry[:i]), string(entry[i+1:]), true
		}
	}
	return "", "", false
}

func nativeUint32(b []byte) uint32 {
	// uint32_native per spec.md §4.1: the forwarder and server always run
	// on the same host/architecture. Decoded as little-endian, which is the
	// native order only on little-endian hosts (appendUint32 matches).
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
