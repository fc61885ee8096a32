// Package leasestore persists DHCP lease changes reported by the
// lease-script server into Postgres (spec.md §4.2), grounded in
// bg/cloud_models/appliancedb's DBX-interface-over-database/sql idiom and
// bg/cloud_models/appliancedb/cmdqueue.go's SELECT ... FOR UPDATE /
// RETURNING transaction shapes.
package leasestore

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null"
)

// Lease is the semantic entity of spec.md §3, identified by IPAddress.
type Lease struct {
	IPAddress        net.IP
	MAC              net.HardwareAddr
	ClientID         []byte
	ExpiresAt        time.Time
	Hostname         null.String
	SuppliedHostname null.String
	Tags             []string
	Domain           null.String
	CircuitID        []byte
	SubscriberID     []byte
	RemoteID         []byte
	VendorClass      null.String
	UserClasses      []string
	RelayIPAddress   net.IP
	RequestedOptions []int
	UpdatedAt        time.Time
}

// FromEnv builds the env-var-derived fields of a Lease from a dhcp-script
// invocation's filtered environment (spec.md §6). It does not set
// IPAddress, MAC or Hostname, which come from argv.
func FromEnv(env map[string]string, now time.Time) (Lease, error) {
	var l Lease

	expires, hasExpires := env["DNSMASQ_LEASE_EXPIRES"]
	remaining, hasRemaining := env["DNSMASQ_TIME_REMAINING"]
	switch {
	case hasExpires:
		secs, err := strconv.ParseUint(expires, 10, 32)
		if err != nil {
			return l, fmt.Errorf("leasestore: bad DNSMASQ_LEASE_EXPIRES %q: %w", expires, err)
		}
		l.ExpiresAt = time.Unix(int64(secs), 0).UTC()
	case hasRemaining:
		secs, err := strconv.ParseUint(remaining, 10, 32)
		if err != nil {
			return l, fmt.Errorf("leasestore: bad DNSMASQ_TIME_REMAINING %q: %w", remaining, err)
		}
		l.ExpiresAt = now.UTC().Add(time.Duration(secs) * time.Second)
	}

	if cid, ok := env["DNSMASQ_CLIENT_ID"]; ok {
		b, err := decodeColonHex(cid)
		if err != nil {
			return l, fmt.Errorf("leasestore: bad DNSMASQ_CLIENT_ID %q: %w", cid, err)
		}
		l.ClientID = b
	}

	if v, ok := env["DNSMASQ_SUPPLIED_HOSTNAME"]; ok {
		l.SuppliedHostname = null.StringFrom(toUTF8(v))
	}
	if v, ok := env["DNSMASQ_TAGS"]; ok && v != "" {
		l.Tags = strings.Fields(v)
	}
	if v, ok := env["DNSMASQ_DOMAIN"]; ok {
		l.Domain = null.StringFrom(toUTF8(v))
	}
	if v, ok := env["DNSMASQ_CIRCUIT_ID"]; ok {
		l.CircuitID = []byte(v)
	}
	if v, ok := env["DNSMASQ_SUBSCRIBER_ID"]; ok {
		l.SubscriberID = []byte(v)
	}
	if v, ok := env["DNSMASQ_REMOTE_ID"]; ok {
		l.RemoteID = []byte(v)
	}
	if v, ok := env["DNSMASQ_VENDOR_CLASS"]; ok {
		l.VendorClass = null.StringFrom(toUTF8(v))
	}
	for i := 0; ; i++ {
		key := fmt.Sprintf("DNSMASQ_USER_CLASS%d", i)
		v, ok := env[key]
		if !ok {
			break
		}
		l.UserClasses = append(l.UserClasses, toUTF8(v))
	}
	if v, ok := env["DNSMASQ_RELAY_ADDRESS"]; ok {
		l.RelayIPAddress = net.ParseIP(v)
	}
	if v, ok := env["DNSMASQ_REQUESTED_OPTIONS"]; ok && v != "" {
		for _, f := range strings.Split(v, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(f))
			if err == nil && n >= 0 {
				l.RequestedOptions = append(l.RequestedOptions, n)
			}
		}
	}

	return l, nil
}

// decodeColonHex decodes a colon-separated hex string such as
// "01:50:7b:9d:87:76:4b" into raw bytes. Invalid hex is a user error
// (spec.md §4.2: reported upstream as EX_USAGE).
func decodeColonHex(s string) ([]byte, error) {
	parts := strings.Split(s, ":")
	out := make([]byte, 0, len(parts))
	for _, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return nil, fmt.Errorf("invalid hex octet %q", p)
		}
		out = append(out, b[0])
	}
	return out, nil
}

// encodeColonHex is decodeColonHex's inverse, used for the leasefile format
// and client-id display.
func encodeColonHex(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = hex.EncodeToString([]byte{c})
	}
	return strings.Join(parts, ":")
}

// toUTF8 replaces invalid UTF-8 byte sequences the way spec.md §6 requires
// ("Textual values are UTF-8-decoded with replacement of invalid bytes").
func toUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}
