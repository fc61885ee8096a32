package leasestore

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvLeaseExpires(t *testing.T) {
	env := map[string]string{
		"DNSMASQ_LEASE_EXPIRES":    "1508969413",
		"DNSMASQ_CLIENT_ID":        "01:50:7b:9d:87:76:4b",
		"DNSMASQ_SUPPLIED_HOSTNAME": "tholian-web",
		"DNSMASQ_TAGS":             "guest untrusted",
		"DNSMASQ_USER_CLASS0":      "MSFT 5.0",
		"DNSMASQ_USER_CLASS1":      "RAS",
		"DNSMASQ_REQUESTED_OPTIONS": "1,3,6,15",
	}
	l, err := FromEnv(env, time.Now())
	require.NoError(t, err)
	require.Equal(t, time.Unix(1508969413, 0).UTC(), l.ExpiresAt)
	require.Equal(t, []byte{0x01, 0x50, 0x7b, 0x9d, 0x87, 0x76, 0x4b}, l.ClientID)
	require.True(t, l.SuppliedHostname.Valid)
	require.Equal(t, "tholian-web", l.SuppliedHostname.String)
	require.Equal(t, []string{"guest", "untrusted"}, l.Tags)
	require.Equal(t, []string{"MSFT 5.0", "RAS"}, l.UserClasses)
	require.Equal(t, []int{1, 3, 6, 15}, l.RequestedOptions)
}

func TestFromEnvTimeRemainingFallback(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env := map[string]string{"DNSMASQ_TIME_REMAINING": "3600"}
	l, err := FromEnv(env, now)
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), l.ExpiresAt)
}

func TestFromEnvBadClientID(t *testing.T) {
	_, err := FromEnv(map[string]string{"DNSMASQ_CLIENT_ID": "zz"}, time.Now())
	require.Error(t, err)
}

func TestColonHexRoundTrip(t *testing.T) {
	b, err := decodeColonHex("01:50:7b:9d:87:76:4b")
	require.NoError(t, err)
	require.Equal(t, "01:50:7b:9d:87:76:4b", encodeColonHex(b))
}

func TestWriteLeaseFileLine(t *testing.T) {
	mac, _ := net.ParseMAC("00:de:ad:be:ef:00")
	l := Lease{
		IPAddress: net.ParseIP("141.76.121.2"),
		MAC:       mac,
		ExpiresAt: time.Unix(1508969413, 0),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteLeaseFileLine(&buf, l))
	require.Equal(t, "1508969413 00:de:ad:be:ef:00 141.76.121.2 * *\n", buf.String())
}
