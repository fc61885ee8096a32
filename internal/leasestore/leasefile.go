package leasestore

import (
	"fmt"
	"io"
)

// WriteLeaseFileLine renders a lease as a dnsmasq-format leasefile line
// (spec.md §4.2's "init" dispatch: the server must be able to reproduce
// dnsmasq's own --leasefile-ro format so restarts stay consistent), using
// the same colon-hex client-id encoding dnsmasq itself emits.
func WriteLeaseFileLine(w io.Writer, l Lease) error {
	hostname := "*"
	if l.Hostname.Valid && l.Hostname.String != "" {
		hostname = l.Hostname.String
	}
	clientID := "*"
	if len(l.ClientID) > 0 {
		clientID = encodeColonHex(l.ClientID)
	}
	_, err := fmt.Fprintf(w, "%d %s %s %s %s\n",
		l.ExpiresAt.Unix(), l.MAC.String(), l.IPAddress.String(), hostname, clientID)
	return err
}
