package rpctransport

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// RADIUSState is one of the three VRRP states a local RADIUS instance can
// report (spec.md §4.6).
type RADIUSState int

const (
	StateBackup RADIUSState = iota
	StateMaster
	StateFault
)

func (s RADIUSState) String() string {
	switch s {
	case StateBackup:
		return "BACKUP"
	case StateMaster:
		return "MASTER"
	case StateFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// ParseRADIUSState maps keepalived's notify-script state argument
// ("MASTER"/"BACKUP"/"FAULT", case-insensitively) to a RADIUSState.
func ParseRADIUSState(s string) (RADIUSState, error) {
	switch strings.ToUpper(s) {
	case "MASTER":
		return StateMaster, nil
	case "BACKUP":
		return StateBackup, nil
	case "FAULT":
		return StateFault, nil
	default:
		return 0, fmt.Errorf("rpctransport: unknown VRRP state %q", s)
	}
}

// MarshalJSON renders the state as its keepalived name rather than the
// bare underlying int, so the wire Notification JSON stays human-readable.
func (s RADIUSState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the keepalived state name produced by MarshalJSON.
func (s *RADIUSState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	state, err := ParseRADIUSState(name)
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// Notification is one VRRP transition report, as delivered by keepalived's
// notify script. Only Name == "hades-radius" drives binding changes; other
// instances (auth, unauth) are observed but otherwise inert here.
type Notification struct {
	Type     string
	Name     string
	State    RADIUSState
	Priority int
}

const radiusInstanceName = "hades-radius"

// OnVRRPNotification applies one notification to the binding state
// machine: entering MASTER adds the `rpc ↔ site_key` binding, leaving
// MASTER removes it. The handler is idempotent — replaying the same
// transition twice is a harmless no-op because QueueBind/QueueUnbind are
// themselves idempotent on the broker.
func (t *Transport) OnVRRPNotification(n Notification) error {
	if n.Name != radiusInstanceName {
		t.log.Debug("rpctransport: ignoring non-radius VRRP notification",
			zap.String("name", n.Name), zap.String("state", n.State.String()))
		return nil
	}

	t.mu.Lock()
	prev := t.siteMode
	ch := t.ch
	queueName := t.queueName
	t.siteMode = n.State
	t.mu.Unlock()

	if prev == n.State {
		return nil
	}

	if ch == nil {
		// Not connected yet; runOnce will assert the binding on connect if
		// we come up already in MASTER.
		return nil
	}

	switch {
	case n.State == StateMaster:
		t.log.Info("rpctransport: radius instance became MASTER, binding site key")
		return bindSiteKey(ch, queueName, t.cfg.SiteKey)
	case prev == StateMaster:
		t.log.Info("rpctransport: radius instance left MASTER, unbinding site key",
			zap.String("new_state", n.State.String()))
		return unbindSiteKey(ch, queueName, t.cfg.SiteKey)
	default:
		return nil
	}
}
