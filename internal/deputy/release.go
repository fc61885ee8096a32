package deputy

import (
	"net"

	"github.com/pkg/errors"

	"github.com/agdsn/hades/internal/release"
	"github.com/agdsn/hades/internal/viewdiffer"
)

// buildReleaseFor turns one row removed from the dhcp_host view into a
// release.Request plus its serialized DHCPRELEASE payload, so the Deputy
// can tell the authoritative DHCP server the lease is gone (§4.8's
// "optional administrative DHCP RELEASE").
func buildReleaseFor(row viewdiffer.Row, serverIP string) (release.Request, []byte, error) {
	macStr, _ := row["mac"].(string)
	ipStr, _ := row["ip"].(string)

	mac, err := net.ParseMAC(macStr)
	if err != nil {
		return release.Request{}, nil, errors.Wrapf(err, "deputy: parse mac %q", macStr)
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return release.Request{}, nil, errors.Errorf("deputy: parse ip %q", ipStr)
	}
	server := net.ParseIP(serverIP)
	if server == nil {
		return release.Request{}, nil, errors.Errorf("deputy: parse server ip %q", serverIP)
	}

	req := release.Request{
		ClientIP: ip,
		MAC:      mac,
		ServerIP: server,
	}
	payload, err := release.Build(req)
	if err != nil {
		return release.Request{}, nil, err
	}
	return req, payload, nil
}

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}
