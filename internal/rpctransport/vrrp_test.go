package rpctransport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTransport() *Transport {
	return New(Config{NodeKey: "node.1", SiteKey: "site.a"}, zap.NewNop())
}

func TestVRRPIgnoresOtherInstances(t *testing.T) {
	tr := newTestTransport()
	err := tr.OnVRRPNotification(Notification{Name: "auth", State: StateMaster})
	require.NoError(t, err)
	require.Equal(t, StateBackup, tr.siteMode)
}

func TestVRRPTracksStateBeforeConnect(t *testing.T) {
	tr := newTestTransport()
	require.NoError(t, tr.OnVRRPNotification(Notification{Name: radiusInstanceName, State: StateMaster}))
	require.Equal(t, StateMaster, tr.siteMode)

	require.NoError(t, tr.OnVRRPNotification(Notification{Name: radiusInstanceName, State: StateBackup}))
	require.Equal(t, StateBackup, tr.siteMode)
}

func TestVRRPNotificationIdempotentNoOp(t *testing.T) {
	tr := newTestTransport()
	require.NoError(t, tr.OnVRRPNotification(Notification{Name: radiusInstanceName, State: StateMaster}))
	require.NoError(t, tr.OnVRRPNotification(Notification{Name: radiusInstanceName, State: StateMaster}))
	require.Equal(t, StateMaster, tr.siteMode)
}

func TestRADIUSStateString(t *testing.T) {
	require.Equal(t, "MASTER", StateMaster.String())
	require.Equal(t, "BACKUP", StateBackup.String())
	require.Equal(t, "FAULT", StateFault.String())
}

func TestParseRADIUSState(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want RADIUSState
	}{
		{"MASTER", StateMaster},
		{"backup", StateBackup},
		{"FAULT", StateFault},
	} {
		got, err := ParseRADIUSState(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := ParseRADIUSState("SPLIT-BRAIN")
	require.Error(t, err)
}

func TestNotificationJSONRoundtrip(t *testing.T) {
	note := Notification{Type: "INSTANCE", Name: radiusInstanceName, State: StateMaster, Priority: 150}
	wire, err := json.Marshal(note)
	require.NoError(t, err)
	require.Contains(t, string(wire), `"MASTER"`)

	var decoded Notification
	require.NoError(t, json.Unmarshal(wire, &decoded))
	require.Equal(t, note, decoded)
}
