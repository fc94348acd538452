package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func TestHandlersFireOncePerTransition(t *testing.T) {
	m := NewMonitor(false, nil)
	var up, down int
	m.OnOnline(func(context.Context) { up++ })
	m.OnOffline(func(context.Context) { down++ })
	ctx := context.Background()

	readings := []bool{false, true, true, false, false, true}
	for _, r := range readings {
		m.Set(ctx, r)
	}
	if up != 2 || down != 1 {
		t.Errorf("online handlers = %d, offline handlers = %d; want 2 and 1", up, down)
	}
	if !m.Online() {
		t.Error("Online() = false after last reading true")
	}
}

func TestSetReportsTransition(t *testing.T) {
	m := NewMonitor(true, nil)
	if m.Set(context.Background(), true) {
		t.Error("Set(true) on an online monitor reported a transition")
	}
	if !m.Set(context.Background(), false) {
		t.Error("Set(false) on an online monitor reported no transition")
	}
}

func TestHandlersSeeNewState(t *testing.T) {
	m := NewMonitor(false, nil)
	var seen bool
	m.OnOnline(func(context.Context) { seen = m.Online() })
	m.Set(context.Background(), true)
	if !seen {
		t.Error("handler observed Online() = false")
	}
}

type stubChecker struct {
	fail atomic.Bool
}

func (s *stubChecker) Health(context.Context) error {
	if s.fail.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func TestProberReportsReadings(t *testing.T) {
	checker := &stubChecker{}
	checker.fail.Store(true)
	p := &Prober{Checker: checker, Interval: 5 * time.Millisecond}

	m := NewMonitor(true, nil)
	wentOnline := make(chan struct{}, 1)
	m.OnOnline(func(context.Context) {
		select {
		case wentOnline <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, p) }()

	deadline := time.Now().Add(2 * time.Second)
	for m.Online() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if m.Online() {
		t.Fatal("monitor never went offline")
	}

	checker.fail.Store(false)
	select {
	case <-wentOnline:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never came back online")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestNetworkManagerStateMapping(t *testing.T) {
	tests := []struct {
		state uint32
		want  bool
	}{
		{0, false},
		{20, false},
		{40, false},
		{50, false},
		{60, false},
		{70, true},
	}
	for _, tt := range tests {
		if got := nmOnline(tt.state); got != tt.want {
			t.Errorf("nmOnline(%d) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestStateFromSignal(t *testing.T) {
	good := &dbus.Signal{Name: "org.freedesktop.NetworkManager.StateChanged", Body: []interface{}{uint32(70)}}
	if s, ok := stateFromSignal(good); !ok || s != 70 {
		t.Errorf("stateFromSignal = %d, %v", s, ok)
	}
	for _, sig := range []*dbus.Signal{
		nil,
		{Name: "org.freedesktop.NetworkManager.PropertiesChanged", Body: []interface{}{uint32(70)}},
		{Name: "org.freedesktop.NetworkManager.StateChanged"},
		{Name: "org.freedesktop.NetworkManager.StateChanged", Body: []interface{}{"70"}},
	} {
		if _, ok := stateFromSignal(sig); ok {
			t.Errorf("stateFromSignal(%+v) accepted", sig)
		}
	}
}
