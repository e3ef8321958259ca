package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"zk-bridge/internal/models"
	"zk-bridge/internal/repository"
)

// DefaultAutoSyncInterval is used when Start is called without an interval
const DefaultAutoSyncInterval = 300 * time.Second

// AlertNotifier defines the interface for admin notifications
type AlertNotifier interface {
	SendNotification(message string)
}

// SchedulerStatus is the reply of every scheduler control call
type SchedulerStatus struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	Running         bool   `json:"running"`
	IntervalSeconds int    `json:"intervalSeconds,omitempty"`
	StartedAt       string `json:"startedAt,omitempty"`
	LastRun         string `json:"lastRun,omitempty"`
}

// TickReport summarises one auto-sync tick
type TickReport struct {
	Devices       int
	Failed        int
	RecordsSynced int
}

// Scheduler periodically syncs every online device flagged for auto-sync.
// Devices are synced one after another so a small LAN is never flooded with connections.
type Scheduler struct {
	syncer   DeviceSyncer
	devices  repository.DeviceRepository
	notifier AlertNotifier
	logger   *zap.Logger

	mu        sync.Mutex
	cron      *cron.Cron
	interval  time.Duration
	startedAt time.Time
	lastRun   time.Time
}

// NewScheduler creates a stopped scheduler. notifier may be nil.
func NewScheduler(syncer DeviceSyncer, devices repository.DeviceRepository, notifier AlertNotifier, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		syncer:   syncer,
		devices:  devices,
		notifier: notifier,
		logger:   logger,
	}
}

// Start schedules the tick every interval. Starting a running scheduler is refused.
func (s *Scheduler) Start(interval time.Duration) SchedulerStatus {
	if interval <= 0 {
		interval = DefaultAutoSyncInterval
	}
	interval = interval.Truncate(time.Second)
	if interval < time.Second {
		interval = time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		st := s.statusLocked()
		st.Success = false
		st.Message = "Auto-sync already running"
		return st
	}

	cl := cronLogger{s.logger.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	schedule := fmt.Sprintf("@every %ds", int(interval.Seconds()))
	if _, err := c.AddFunc(schedule, s.tick); err != nil {
		return SchedulerStatus{Success: false, Message: fmt.Sprintf("Invalid auto-sync interval: %v", err)}
	}
	c.Start()

	s.cron = c
	s.interval = interval
	s.startedAt = time.Now()
	s.logger.Info("auto-sync started", zap.Duration("interval", interval))

	st := s.statusLocked()
	st.Success = true
	st.Message = fmt.Sprintf("Auto-sync started (every %d seconds)", int(interval.Seconds()))
	return st
}

// Stop cancels the timer. A tick already running finishes on its own.
func (s *Scheduler) Stop() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return SchedulerStatus{Success: false, Message: "Auto-sync not running"}
	}
	s.cron.Stop()
	s.cron = nil
	s.interval = 0
	s.startedAt = time.Time{}
	s.logger.Info("auto-sync stopped")

	return SchedulerStatus{Success: true, Message: "Auto-sync stopped"}
}

// Status reports whether the scheduler is running
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statusLocked()
	st.Success = true
	if st.Running {
		st.Message = "Auto-sync running"
	} else {
		st.Message = "Auto-sync not running"
	}
	return st
}

// Running reports whether a timer is scheduled
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// Timers is the number of scheduled timer entries; never more than one.
func (s *Scheduler) Timers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return 0
	}
	return len(s.cron.Entries())
}

func (s *Scheduler) statusLocked() SchedulerStatus {
	st := SchedulerStatus{Running: s.cron != nil}
	if st.Running {
		st.IntervalSeconds = int(s.interval.Seconds())
		st.StartedAt = s.startedAt.UTC().Format(time.RFC3339)
	}
	if !s.lastRun.IsZero() {
		st.LastRun = s.lastRun.UTC().Format(time.RFC3339)
	}
	return st
}

func (s *Scheduler) tick() {
	s.RunOnce(context.Background())
}

// RunOnce syncs every eligible device once. Failures are logged and reported per device
// and never stop the remaining devices.
func (s *Scheduler) RunOnce(ctx context.Context) TickReport {
	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	var report TickReport
	devices, err := s.devices.ListAutoSync(ctx)
	if err != nil {
		s.logger.Error("auto-sync: failed to list devices", zap.Error(err))
		return report
	}
	report.Devices = len(devices)

	for _, d := range devices {
		result, err := s.syncOne(ctx, d)
		if err != nil {
			report.Failed++
			s.logger.Warn("auto-sync: device failed",
				zap.String("device", d.Addr()),
				zap.String("device_id", d.ID),
				zap.Error(err))
			s.notify(fmt.Sprintf("Auto-sync failed for %s (%s): %s", d.Name, d.Addr(), result.Message))
			continue
		}
		report.RecordsSynced += result.RecordsSynced
	}

	s.logger.Info("auto-sync tick finished",
		zap.Int("devices", report.Devices),
		zap.Int("failed", report.Failed),
		zap.Int("records", report.RecordsSynced))
	return report
}

// syncOne supervises a single device sync, turning a panic into an error
func (s *Scheduler) syncOne(ctx context.Context, d models.Device) (result models.SyncResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("sync panicked: %v", r)
			result = models.SyncResult{Message: err.Error()}
		}
	}()
	return s.syncer.Sync(ctx, SyncRequest{
		DeviceID:   d.Name,
		DeviceDBID: d.ID,
		Addr:       d.Addr(),
		Protocol:   d.Protocol,
	})
}

// SetNotifier replaces the alert notifier
func (s *Scheduler) SetNotifier(n AlertNotifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

func (s *Scheduler) notify(message string) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n != nil {
		n.SendNotification(message)
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
