package frame

import "golang.org/x/sys/unix"

// Want describes the access mode a caller expects of a passed file
// descriptor: spec.md §4.1 requires stdin be readable and stdout/stderr be
// writable, with O_RDWR accepted wherever either is requested and
// O_RDONLY/O_WRONLY required to match exactly otherwise.
type Want int

// Recognized wanted access modes.
const (
	WantRead Want = iota
	WantWrite
)

// CheckFDMode validates that fd's open mode is compatible with want,
// closing fd and returning a ProtocolError if not. name is the human label
// used in the error ("stdin", "stdout", "stderr").
func CheckFDMode(fd int, want Want, name string) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return &ProtocolError{Kind: ErrBadFDMode, Element: name}
	}
	mode := flags & unix.O_ACCMODE
	switch want {
	case WantRead:
		if mode != unix.O_RDONLY && mode != unix.O_RDWR {
			return &ProtocolError{Kind: ErrBadFDMode, Element: name}
		}
	case WantWrite:
		if mode != unix.O_WRONLY && mode != unix.O_RDWR {
			return &ProtocolError{Kind: ErrBadFDMode, Element: name}
		}
	}
	return nil
}
