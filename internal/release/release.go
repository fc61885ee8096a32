// Package release builds and sends administrative DHCPRELEASE datagrams
// (spec.md §4.4), the third of "THE CORE" subsystems: the Deputy uses this
// to tell the authoritative DHCP server a lease is being withdrawn, from
// inside the network namespace where that server is actually reachable.
package release

import (
	"math/rand"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/krolaw/dhcp4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/agdsn/hades/internal/netctl"
)

// reasonRevoked is the message sent in option 56 (Message), matching
// spec.md §4.4's exact wording.
const reasonRevoked = "Lease revoked administratively"

// Request describes one administrative release.
type Request struct {
	ClientIP net.IP           // ciaddr
	MAC      net.HardwareAddr // chaddr
	ServerIP net.IP           // option 54, also the destination Send targets
	ClientID []byte           // optional option 61, up to 255 bytes
}

// Build serializes the 240-byte BOOTP header plus the options buffer of
// spec.md §4.4, in the exact option order the spec specifies: 53 (message
// type), 54 (server id), 56 (message), optionally 61 (client id), then the
// 255 terminator.
func Build(req Request) ([]byte, error) {
	if len(req.MAC) != 6 {
		return nil, errors.Errorf("release: chaddr must be 6 bytes, got %d", len(req.MAC))
	}

	opts := []layers.DHCPOption{
		layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeRelease)}),
		layers.NewDHCPOption(layers.DHCPOptServerID, req.ServerIP.To4()),
		layers.NewDHCPOption(layers.DHCPOptMessage, []byte(reasonRevoked)),
	}
	if len(req.ClientID) > 0 {
		if len(req.ClientID) > 255 {
			return nil, errors.New("release: client id exceeds 255 bytes")
		}
		opts = append(opts, layers.NewDHCPOption(layers.DHCPOpt(dhcp4.OptionClientIdentifier), req.ClientID))
	}
	opts = append(opts, layers.NewDHCPOption(layers.DHCPOptEnd, nil))

	pkt := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          rand.Uint32(),
		ClientIP:     req.ClientIP,
		ClientHWAddr: req.MAC,
		Options:      opts,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := pkt.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		return nil, errors.Wrap(err, "release: serialize DHCP packet")
	}
	return buf.Bytes(), nil
}

// SendOptions configures Send's UDP transport.
type SendOptions struct {
	// Namespace is entered (RAII) for the duration of the send; empty
	// means the caller's current namespace.
	Namespace string
	// Interface, if set, binds the send socket to this device
	// (SO_BINDTODEVICE) so it egresses on the namespace's internal link.
	Interface string
	// FromIP is the source address to bind; zero value binds "any".
	FromIP net.IP
}

const (
	clientPort = 68
	serverPort = 67
)

// Send transmits a built RELEASE datagram to req.ServerIP:67 from a UDP
// socket bound to (opts.FromIP, 68), entering opts.Namespace for the
// duration via internal/netctl's RAII guard so the exit always runs, even
// if the send itself fails.
func Send(req Request, payload []byte, opts SendOptions) error {
	guard, err := netctl.Enter(opts.Namespace)
	if err != nil {
		return errors.Wrap(err, "release: enter namespace")
	}
	defer guard.Close()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: opts.FromIP, Port: clientPort})
	if err != nil {
		return errors.Wrap(err, "release: bind send socket")
	}
	defer conn.Close()

	if opts.Interface != "" {
		if err := bindToDevice(conn, opts.Interface); err != nil {
			return errors.Wrap(err, "release: SO_BINDTODEVICE")
		}
	}

	dst := &net.UDPAddr{IP: req.ServerIP, Port: serverPort}
	n, err := conn.WriteToUDP(payload, dst)
	if err != nil {
		return errors.Wrap(err, "release: sendto")
	}
	if n != len(payload) {
		return errors.Errorf("release: partial send (%d of %d bytes)", n, len(payload))
	}
	return nil
}

func bindToDevice(conn *net.UDPConn, ifname string) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = unix.BindToDevice(int(fd), ifname)
	})
	if err != nil {
		return err
	}
	return opErr
}
