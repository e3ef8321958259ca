// Package services implements business logic for the application
package services

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"zk-bridge/internal/adapter"
	"zk-bridge/internal/device"
	"zk-bridge/internal/identity"
	"zk-bridge/internal/metrics"
	"zk-bridge/internal/models"
	"zk-bridge/internal/repository"
)

// simulatedSampleSize is how many store employees the simulator punches for
const simulatedSampleSize = 3

// SyncRequest addresses one device for an attendance sync
type SyncRequest struct {
	DeviceID   string // caller-facing device label
	DeviceDBID string // devices collection record id
	Addr       string
	Protocol   models.Protocol
}

// DeviceSyncer runs one sync cycle
type DeviceSyncer interface {
	Sync(ctx context.Context, req SyncRequest) (models.SyncResult, error)
}

// SyncOptions configure a SyncService
type SyncOptions struct {
	ConnectTimeout time.Duration
	// Window is how far back punches are synced. Stored logs from the same window are
	// loaded for deduplication; older device records are skipped.
	Window time.Duration
}

// SyncService pulls attendance logs from terminals into the store
type SyncService struct {
	pool       *device.Pool
	employees  repository.EmployeeRepository
	attendance repository.AttendanceRepository
	audits     repository.SyncAuditRepository
	devices    repository.DeviceRepository
	metrics    *metrics.Metrics
	logger     *zap.Logger
	opts       SyncOptions
	now        func() time.Time
}

var _ DeviceSyncer = (*SyncService)(nil)

// NewSyncService creates a new sync service
func NewSyncService(
	pool *device.Pool,
	employees repository.EmployeeRepository,
	attendance repository.AttendanceRepository,
	audits repository.SyncAuditRepository,
	devices repository.DeviceRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts SyncOptions,
) *SyncService {
	if opts.Window <= 0 {
		opts.Window = 30 * 24 * time.Hour
	}
	return &SyncService{
		pool:       pool,
		employees:  employees,
		attendance: attendance,
		audits:     audits,
		devices:    devices,
		metrics:    m,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// Sync runs one cycle for a device. The returned result is always populated; err carries
// the structured cause of a failed cycle.
func (s *SyncService) Sync(ctx context.Context, req SyncRequest) (models.SyncResult, error) {
	start := s.now()
	log := s.logger.With(
		zap.String("device", req.Addr),
		zap.String("device_id", req.DeviceID),
		zap.String("protocol", string(req.Protocol)))

	var (
		count int
		msg   string
		err   error
	)
	if adapter.Native(req.Protocol) {
		count, msg, err = s.syncDevice(ctx, req, log)
	} else {
		count, msg, err = s.syncSimulated(ctx, req, log)
	}

	result := models.SyncResult{
		Success:       err == nil,
		RecordsSynced: count,
		Message:       msg,
		Timestamp:     s.now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		result.RecordsSynced = 0
		result.Message = "Sync failed: " + device.Diagnose(err).Message
		log.Warn("attendance sync failed", zap.Error(err))
	} else {
		log.Info("attendance sync finished", zap.Int("records", count), zap.String("message", msg))
	}

	s.record(ctx, req, result, start, log)
	return result, err
}

func (s *SyncService) record(ctx context.Context, req SyncRequest, result models.SyncResult, start time.Time, log *zap.Logger) {
	if s.metrics != nil {
		outcome := "success"
		if !result.Success {
			outcome = "failure"
		}
		s.metrics.SyncTotal.WithLabelValues(outcome).Inc()
		s.metrics.RecordsSynced.WithLabelValues(req.DeviceID).Add(float64(result.RecordsSynced))
		s.metrics.SyncDuration.WithLabelValues(string(req.Protocol)).Observe(s.now().Sub(start).Seconds())
	}

	audit := &models.SyncAudit{
		DeviceID:      req.DeviceDBID,
		Success:       result.Success,
		RecordsSynced: result.RecordsSynced,
		Message:       result.Message,
		SyncedAt:      s.now(),
	}
	if err := s.audits.Create(ctx, audit); err != nil {
		log.Warn("failed to write sync audit", zap.Error(err))
	}

	if result.Success && req.DeviceDBID != "" {
		if err := s.devices.UpdateLastSync(ctx, req.DeviceDBID, s.now()); err != nil {
			log.Warn("failed to update device last sync", zap.Error(err))
		}
	}
}

func (s *SyncService) syncDevice(ctx context.Context, req SyncRequest, log *zap.Logger) (int, string, error) {
	sess, err := s.pool.Acquire(ctx, req.Addr, req.Protocol, s.opts.ConnectTimeout)
	s.updateStatus(ctx, req.DeviceDBID, err == nil, log)
	if err != nil {
		s.countDeviceError("sync", err)
		return 0, "", err
	}
	defer s.pool.Release(req.Addr)

	raw, err := sess.AttendanceRecords(ctx)
	if err != nil {
		s.countDeviceError("sync", err)
		return 0, "", errors.Wrap(err, "fetch attendance records")
	}
	if len(raw) == 0 {
		return 0, "No attendance records on device", nil
	}

	since := s.windowStart()
	existing, err := s.existingKeys(ctx, since)
	if err != nil {
		return 0, "", err
	}
	employees, err := identity.BuildEmployeeMap(ctx, s.employees)
	if err != nil {
		return 0, "", err
	}
	for _, c := range employees.Collisions() {
		log.Warn("device uid shared by several employees, records skipped",
			zap.Int("uid", c.DeviceUID), zap.Strings("employees", c.EmployeeIDs))
	}

	logs, stats := filterRecords(raw, since, existing, employees, req.DeviceDBID)
	log.Debug("filtered attendance records",
		zap.Int("raw", len(raw)),
		zap.Int("new", len(logs)),
		zap.Int("stale", stats.stale),
		zap.Int("unmapped", stats.unmapped),
		zap.Int("duplicates", stats.duplicates))

	return s.persist(ctx, logs, "")
}

func (s *SyncService) syncSimulated(ctx context.Context, req SyncRequest, log *zap.Logger) (int, string, error) {
	prefix := adapter.FallbackMessage(req.Protocol) + ": "
	s.updateStatus(ctx, req.DeviceDBID, true, log)

	employees, err := s.employees.ListIdentifiers(ctx)
	if err != nil {
		return 0, "", errors.Wrap(err, "list employees")
	}
	if len(employees) == 0 {
		return 0, prefix + "no employees to simulate", nil
	}
	sample := employees[:min(simulatedSampleSize, len(employees))]

	since := s.windowStart()
	existing, err := s.existingKeys(ctx, since)
	if err != nil {
		return 0, "", err
	}

	now := s.now().Truncate(time.Second)
	n := 2 + rand.IntN(4)
	logs := make([]models.AttendanceLog, 0, n)
	for range n {
		e := sample[rand.IntN(len(sample))]
		at := now.Add(-time.Duration(rand.Int64N(int64(8 * time.Hour)))).Truncate(time.Second)
		if at.Before(since) {
			continue
		}
		key := models.KeyOf(e.ID, at)
		if _, dup := existing[key]; dup {
			continue
		}
		existing[key] = struct{}{}

		score := 80 + rand.IntN(20)
		temperature := 36.0 + float64(rand.IntN(15))/10
		logs = append(logs, models.AttendanceLog{
			EmployeeID:         e.ID,
			DeviceID:           req.DeviceDBID,
			LogTime:            at,
			LogType:            models.LogTypeFromCheckType(rand.IntN(2)),
			VerificationMethod: models.VerificationFingerprint,
			MatchScore:         &score,
			Temperature:        &temperature,
		})
	}

	return s.persist(ctx, logs, prefix)
}

func (s *SyncService) persist(ctx context.Context, logs []models.AttendanceLog, prefix string) (int, string, error) {
	if len(logs) == 0 {
		return 0, prefix + "No new attendance records", nil
	}
	if err := s.attendance.CreateBatch(ctx, logs); err != nil {
		return 0, "", errors.Wrap(err, "insert attendance logs")
	}
	return len(logs), fmt.Sprintf("%sSynced %d new attendance records", prefix, len(logs)), nil
}

// windowStart is the oldest punch time a cycle considers, at the device's one second
// resolution so the store filter and the record filter agree on the boundary.
func (s *SyncService) windowStart() time.Time {
	return s.now().Add(-s.opts.Window).Truncate(time.Second)
}

func (s *SyncService) existingKeys(ctx context.Context, since time.Time) (map[models.AttendanceKey]struct{}, error) {
	keys, err := s.attendance.ExistingKeys(ctx, since)
	if err != nil {
		return nil, errors.Wrap(err, "load existing attendance")
	}
	set := make(map[models.AttendanceKey]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}

func (s *SyncService) updateStatus(ctx context.Context, deviceDBID string, online bool, log *zap.Logger) {
	if deviceDBID == "" {
		return
	}
	if err := s.devices.UpdateStatus(ctx, deviceDBID, online, s.now()); err != nil {
		log.Warn("failed to update device status", zap.Error(err))
	}
}

func (s *SyncService) countDeviceError(op string, err error) {
	if s.metrics != nil {
		s.metrics.DeviceErrors.WithLabelValues(op, device.Diagnose(err).Kind).Inc()
	}
}

type filterStats struct {
	stale      int
	unmapped   int
	duplicates int
}

// filterRecords resolves raw punches and drops ones older than since, unmapped ones and
// already stored ones. existing must hold every stored key from since onwards; it is
// extended with every emitted key so repeats within one dump are written once.
func filterRecords(
	raw []models.RawAttendanceRecord,
	since time.Time,
	existing map[models.AttendanceKey]struct{},
	employees *identity.EmployeeMap,
	deviceDBID string,
) ([]models.AttendanceLog, filterStats) {
	var (
		logs  []models.AttendanceLog
		stats filterStats
	)
	for _, r := range raw {
		if r.Timestamp.Before(since) {
			stats.stale++
			continue
		}
		employeeID, ok := employees.Resolve(r.DeviceUID)
		if !ok {
			stats.unmapped++
			continue
		}
		key := models.KeyOf(employeeID, r.Timestamp)
		if _, dup := existing[key]; dup {
			stats.duplicates++
			continue
		}
		existing[key] = struct{}{}

		logs = append(logs, models.AttendanceLog{
			EmployeeID:         employeeID,
			DeviceID:           deviceDBID,
			LogTime:            r.Timestamp,
			LogType:            models.LogTypeFromCheckType(r.CheckType),
			VerificationMethod: models.VerificationFingerprint,
		})
	}
	return logs, stats
}
