package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParserRoundTrip(t *testing.T) {
	argv := []string{"add", "00:de:ad:be:ef:00", "141.76.121.2"}
	env := map[string]string{"DNSMASQ_LEASE_EXPIRES": "1508969413"}

	wire, err := Encode(argv, env)
	require.NoError(t, err)

	p := NewParser()
	require.NoError(t, p.Feed(wire, false))
	require.True(t, p.Done())
	require.NoError(t, p.RegisterFDs([]int{0, 1, 2}))

	req, err := p.Result()
	require.NoError(t, err)
	require.Equal(t, argv, req.Argv)
	require.Equal(t, env, req.Env)
}

func TestParserPartialReadSafety(t *testing.T) {
	argv := []string{"old", "aa:bb:cc:dd:ee:ff", "10.0.0.5"}
	env := map[string]string{"DNSMASQ_TIME_REMAINING": "3600", "DNSMASQ_DOMAIN": "example.com"}
	wire, err := Encode(argv, env)
	require.NoError(t, err)

	// Reference parse: all at once.
	ref := NewParser()
	require.NoError(t, ref.Feed(wire, false))

	// Same bytes, fed one at a time.
	chunked := NewParser()
	for _, b := range wire {
		require.NoError(t, chunked.Feed([]byte{b}, false))
	}

	require.Equal(t, ref.Done(), chunked.Done())
	require.Equal(t, ref.argv, chunked.argv)
	require.Equal(t, ref.environ, chunked.environ)
}

func TestParserBufferTooSmall(t *testing.T) {
	huge := make([]byte, MaxFrameSize+100)
	p := NewParser()
	err := p.Feed(appendUint32(nil, 1), false)
	require.NoError(t, err)
	err = p.Feed(huge, false)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrBufferTooSmall, perr.Kind)
}

func TestParserUnexpectedEOF(t *testing.T) {
	p := NewParser()
	require.NoError(t, p.Feed(appendUint32(nil, 2), false))
	require.NoError(t, p.Feed([]byte("only-one-arg\x00"), false))
	err := p.Feed(nil, true)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrUnexpectedEOF, perr.Kind)
	require.Equal(t, "argv[1]", perr.Element)
}

func TestParserBadEnviron(t *testing.T) {
	p := NewParser()
	require.NoError(t, p.Feed(appendUint32(nil, 0), false))
	require.NoError(t, p.Feed(appendUint32(nil, 1), false))
	err := p.Feed([]byte("NOEQUALSSIGN\x00"), false)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrBadEnviron, perr.Kind)
}

func TestRegisterFDsWrongCount(t *testing.T) {
	p := NewParser()
	err := p.RegisterFDs([]int{0, 1, 2, 3})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrTruncatedAncillary, perr.Kind)

	err = p.RegisterFDs([]int{0, 1})
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrTruncatedAncillary, perr.Kind)
}
