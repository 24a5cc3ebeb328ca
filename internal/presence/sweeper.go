// Package presence marks devices offline when they stop reporting.
//
// A device is online while it keeps publishing. Sweeper runs on a cron
// schedule and flips every online device whose last_seen is older than
// the configured window back to offline, then tells the StatusNotifier
// about each device it changed.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/easysmart/iot-core/internal/device"
)

// ErrAlreadyRunning is returned by Start on a running sweeper.
var ErrAlreadyRunning = errors.New("presence: sweeper already running")

// DeviceStore is the part of the device repository the sweeper needs.
type DeviceStore interface {
	MarkStaleOffline(ctx context.Context, before time.Time) ([]device.Device, error)
}

// StatusNotifier is told about every device a sweep marked offline.
type StatusNotifier interface {
	DeviceStatusChanged(d *device.Device, at time.Time)
}

// Logger is the logging interface used by the sweeper.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// sweepTimeout bounds one sweep.
const sweepTimeout = 30 * time.Second

// Sweeper periodically marks silent devices offline.
type Sweeper struct {
	devices      DeviceStore
	schedule     string
	offlineAfter time.Duration
	logger       Logger
	now          func() time.Time

	mu       sync.Mutex
	notifier StatusNotifier
	cron     *cron.Cron
	entryID  cron.EntryID
	running  bool
}

// New creates a sweeper. schedule is a standard cron spec or a descriptor
// such as "@every 1m".
func New(devices DeviceStore, schedule string, offlineAfter time.Duration, logger Logger) *Sweeper {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Sweeper{
		devices:      devices,
		schedule:     schedule,
		offlineAfter: offlineAfter,
		logger:       logger,
		now:          time.Now,
		cron:         cron.New(),
	}
}

// SetNotifier installs the receiver of offline transitions.
func (s *Sweeper) SetNotifier(n StatusNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Start registers the sweep and starts the scheduler.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	id, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("presence sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling presence sweep %q: %w", s.schedule, err)
	}

	s.entryID = id
	s.cron.Start()
	s.running = true

	s.logger.Info("presence sweeper started", "schedule", s.schedule, "offline_after", s.offlineAfter)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cron.Remove(s.entryID)
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("presence sweeper stopped")
}

// NextRun returns when the next sweep is due, or the zero time when stopped.
func (s *Sweeper) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Sweep marks every device silent for longer than the window offline and
// returns how many changed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	now := s.now()
	cutoff := now.Add(-s.offlineAfter)
	changed, err := s.devices.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(changed) == 0 {
		s.logger.Debug("presence sweep found no stale devices")
		return 0, nil
	}

	s.mu.Lock()
	notifier := s.notifier
	s.mu.Unlock()
	if notifier != nil {
		for i := range changed {
			notifier.DeviceStatusChanged(&changed[i], now)
		}
	}
	s.logger.Info("devices marked offline", "count", len(changed), "silent_since", cutoff)
	return int64(len(changed)), nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
