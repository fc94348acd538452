package connectivity

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	nmService   = "org.freedesktop.NetworkManager"
	nmPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface = "org.freedesktop.NetworkManager"

	// nmConnectedGlobal is NM_STATE_CONNECTED_GLOBAL. Local or site-only
	// connectivity cannot reach the server.
	nmConnectedGlobal uint32 = 70
)

func nmOnline(state uint32) bool {
	return state == nmConnectedGlobal
}

// NetworkManager reads connectivity from the system NetworkManager over D-Bus.
// It reports the current state once and then every StateChanged signal.
type NetworkManager struct{}

func (NetworkManager) Watch(ctx context.Context, report func(online bool)) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connecting to system bus: %w", err)
	}
	defer conn.Close()

	v, err := conn.Object(nmService, nmPath).GetProperty(nmInterface + ".State")
	if err != nil {
		return fmt.Errorf("reading NetworkManager state: %w", err)
	}
	state, ok := v.Value().(uint32)
	if !ok {
		return fmt.Errorf("unexpected NetworkManager state type %T", v.Value())
	}
	report(nmOnline(state))

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(nmInterface),
		dbus.WithMatchMember("StateChanged"),
	); err != nil {
		return fmt.Errorf("subscribing to StateChanged: %w", err)
	}
	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("system bus connection closed")
			}
			if s, ok := stateFromSignal(sig); ok {
				report(nmOnline(s))
			}
		}
	}
}

func stateFromSignal(sig *dbus.Signal) (uint32, bool) {
	if sig == nil || sig.Name != nmInterface+".StateChanged" || len(sig.Body) == 0 {
		return 0, false
	}
	s, ok := sig.Body[0].(uint32)
	return s, ok
}
