package release

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func TestBuildRoundTrip(t *testing.T) {
	mac, err := net.ParseMAC("00:de:ad:be:ef:00")
	require.NoError(t, err)

	req := Request{
		ClientIP: net.ParseIP("141.76.121.2"),
		MAC:      mac,
		ServerIP: net.ParseIP("141.76.121.1"),
		ClientID: []byte{0x01, 0x50, 0x7b, 0x9d, 0x87, 0x76, 0x4b},
	}

	raw, err := Build(req)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	pkt := gopacket.NewPacket(raw, layers.LayerTypeDHCPv4, gopacket.Default)
	dl := pkt.Layer(layers.LayerTypeDHCPv4)
	require.NotNil(t, dl)
	dhcp := dl.(*layers.DHCPv4)

	require.Equal(t, layers.DHCPOpRequest, dhcp.Operation)
	require.Equal(t, mac.String(), dhcp.ClientHWAddr.String())
	require.True(t, dhcp.ClientIP.Equal(req.ClientIP))

	var sawRelease, sawServerID, sawMessage, sawClientID bool
	for _, o := range dhcp.Options {
		switch o.Type {
		case layers.DHCPOptMessageType:
			sawRelease = len(o.Data) == 1 && o.Data[0] == byte(layers.DHCPMsgTypeRelease)
		case layers.DHCPOptServerID:
			sawServerID = net.IP(o.Data).Equal(req.ServerIP.To4())
		case layers.DHCPOptMessage:
			sawMessage = string(o.Data) == reasonRevoked
		case layers.DHCPOpt(61):
			sawClientID = true
			require.Equal(t, req.ClientID, o.Data)
		}
	}
	require.True(t, sawRelease)
	require.True(t, sawServerID)
	require.True(t, sawMessage)
	require.True(t, sawClientID)
}

func TestBuildRejectsShortMAC(t *testing.T) {
	_, err := Build(Request{MAC: net.HardwareAddr{0x01, 0x02}})
	require.Error(t, err)
}

func TestBuildRejectsOversizedClientID(t *testing.T) {
	mac, _ := net.ParseMAC("00:de:ad:be:ef:00")
	_, err := Build(Request{MAC: mac, ClientID: make([]byte, 256)})
	require.Error(t, err)
}
