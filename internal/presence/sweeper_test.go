package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/easysmart/iot-core/internal/device"
)

type mockStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	stale   []device.Device
	err     error
}

func (m *mockStore) MarkStaleOffline(_ context.Context, before time.Time) ([]device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, before)
	if m.err != nil {
		return nil, m.err
	}
	return m.stale, nil
}

type statusChange struct {
	tenantID string
	deviceID string
	status   device.Status
	at       time.Time
}

type recordingNotifier struct {
	changes []statusChange
}

func (r *recordingNotifier) DeviceStatusChanged(d *device.Device, at time.Time) {
	r.changes = append(r.changes, statusChange{d.TenantID, d.ID, d.Status, at})
}

func (m *mockStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cutoffs)
}

func TestSweeper_Sweep(t *testing.T) {
	store := &mockStore{stale: []device.Device{
		{ID: "dev-1", TenantID: "t-a", Status: device.StatusOffline},
		{ID: "dev-2", TenantID: "t-b", Status: device.StatusOffline},
		{ID: "dev-3", TenantID: "t-a", Status: device.StatusOffline},
	}}
	s := New(store, "@every 1m", 5*time.Minute, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	notifier := &recordingNotifier{}
	s.SetNotifier(notifier)

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Sweep() = %d, want 3", n)
	}
	if want := now.Add(-5 * time.Minute); !store.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.cutoffs[0], want)
	}

	want := []statusChange{
		{"t-a", "dev-1", device.StatusOffline, now},
		{"t-b", "dev-2", device.StatusOffline, now},
		{"t-a", "dev-3", device.StatusOffline, now},
	}
	if len(notifier.changes) != len(want) {
		t.Fatalf("notifications = %+v, want %d", notifier.changes, len(want))
	}
	for i, w := range want {
		if notifier.changes[i] != w {
			t.Errorf("notification %d = %+v, want %+v", i, notifier.changes[i], w)
		}
	}
}

func TestSweeper_SweepNothingStale(t *testing.T) {
	s := New(&mockStore{}, "@every 1m", time.Minute, nil)
	notifier := &recordingNotifier{}
	s.SetNotifier(notifier)

	if n, err := s.Sweep(context.Background()); err != nil || n != 0 {
		t.Errorf("Sweep() = %d, %v; want 0, nil", n, err)
	}
	if len(notifier.changes) != 0 {
		t.Errorf("notifications = %+v, want none", notifier.changes)
	}
}

func TestSweeper_SweepError(t *testing.T) {
	boom := errors.New("disk on fire")
	s := New(&mockStore{err: boom}, "@every 1m", time.Minute, nil)
	if _, err := s.Sweep(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Sweep() error = %v, want %v", err, boom)
	}
}

func TestSweeper_Lifecycle(t *testing.T) {
	store := &mockStore{}
	s := New(store, "@every 1s", time.Minute, nil)

	if !s.NextRun().IsZero() {
		t.Error("NextRun() before Start should be zero")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if s.NextRun().IsZero() {
		t.Error("NextRun() after Start should be set")
	}

	deadline := time.Now().Add(3 * time.Second)
	for store.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if store.calls() == 0 {
		t.Error("scheduled sweep never ran")
	}

	s.Stop()
	s.Stop()
	if !s.NextRun().IsZero() {
		t.Error("NextRun() after Stop should be zero")
	}
}

func TestSweeper_BadSchedule(t *testing.T) {
	s := New(&mockStore{}, "every so often", time.Minute, nil)
	if err := s.Start(); err == nil {
		t.Error("Start() with invalid schedule succeeded")
		s.Stop()
	}
}
