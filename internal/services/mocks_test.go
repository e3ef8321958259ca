package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"zk-bridge/internal/device"
	"zk-bridge/internal/models"
	"zk-bridge/internal/repository"
)

// mockDeviceRepository records status writes
type mockDeviceRepository struct {
	mu         sync.Mutex
	autoSync   []models.Device
	listErr    error
	statuses   map[string]bool
	lastSyncs  map[string]time.Time
	statusCall int
}

func (m *mockDeviceRepository) ListAutoSync(ctx context.Context) ([]models.Device, error) {
	return m.autoSync, m.listErr
}

func (m *mockDeviceRepository) UpdateStatus(ctx context.Context, deviceID string, online bool, heartbeat time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses == nil {
		m.statuses = make(map[string]bool)
	}
	m.statuses[deviceID] = online
	m.statusCall++
	return nil
}

func (m *mockDeviceRepository) UpdateLastSync(ctx context.Context, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSyncs == nil {
		m.lastSyncs = make(map[string]time.Time)
	}
	m.lastSyncs[deviceID] = at
	return nil
}

type mockEmployeeRepository struct {
	employees []models.Employee
	err       error
}

func (m *mockEmployeeRepository) ListIdentifiers(ctx context.Context) ([]models.Employee, error) {
	return m.employees, m.err
}

var errUniquePunch = errors.New("attendance_logs: value must be unique (employee_id, log_time)")

// mockAttendanceRepository behaves like a store with a unique (employee, time) index
type mockAttendanceRepository struct {
	mu        sync.Mutex
	stored    []models.AttendanceLog
	createErr error
	batches   int
	since     time.Time

	// unlisted rows are committed but missed by ExistingKeys, like a write that lands
	// after the keys were read
	unlisted []models.AttendanceLog
}

func (m *mockAttendanceRepository) ExistingKeys(ctx context.Context, since time.Time) ([]models.AttendanceKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.since = since
	var keys []models.AttendanceKey
	for _, l := range m.stored {
		if !l.LogTime.Before(since) {
			keys = append(keys, models.KeyOf(l.EmployeeID, l.LogTime))
		}
	}
	return keys, nil
}

func (m *mockAttendanceRepository) CreateBatch(ctx context.Context, logs []models.AttendanceLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	// the batch is transactional: one duplicate rejects every log in it
	seen := make(map[models.AttendanceKey]struct{}, len(m.stored)+len(m.unlisted)+len(logs))
	for _, rows := range [][]models.AttendanceLog{m.stored, m.unlisted} {
		for _, l := range rows {
			seen[models.KeyOf(l.EmployeeID, l.LogTime)] = struct{}{}
		}
	}
	for _, l := range logs {
		key := models.KeyOf(l.EmployeeID, l.LogTime)
		if _, dup := seen[key]; dup {
			return errUniquePunch
		}
		seen[key] = struct{}{}
	}
	m.batches++
	m.stored = append(m.stored, logs...)
	return nil
}

type mockSyncAuditRepository struct {
	mu     sync.Mutex
	audits []models.SyncAudit
}

func (m *mockSyncAuditRepository) Create(ctx context.Context, audit *models.SyncAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, *audit)
	return nil
}

type mockTemplateRepository struct {
	saved []models.FingerprintTemplate
}

func (m *mockTemplateRepository) Save(ctx context.Context, template *models.FingerprintTemplate) error {
	m.saved = append(m.saved, *template)
	return nil
}

// stubTerminal is a device.Terminal with canned answers
type stubTerminal struct {
	records    []models.RawAttendanceRecord
	recordsErr error
	template   []byte
	enrollErr  error

	mu          sync.Mutex
	closed      bool
	enrolledUID int
}

func (s *stubTerminal) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *stubTerminal) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubTerminal) DeviceInfo(ctx context.Context) (*models.DeviceInfo, error) {
	return &models.DeviceInfo{
		Model:        "iClock880",
		SerialNumber: "AF6C123456789",
		Firmware:     "Ver 6.60 Apr 28 2017",
		Platform:     "ZMM220_TFT",
		DeviceName:   "ZKTeco Inc.",
	}, nil
}

func (s *stubTerminal) UserCount(ctx context.Context) (int, error) { return 12, nil }

func (s *stubTerminal) AttendanceCount(ctx context.Context) (int, error) { return len(s.records), nil }

func (s *stubTerminal) AttendanceRecords(ctx context.Context) ([]models.RawAttendanceRecord, error) {
	return s.records, s.recordsErr
}

func (s *stubTerminal) Enroll(ctx context.Context, uid, fingerIndex int) ([]byte, error) {
	s.mu.Lock()
	s.enrolledUID = uid
	s.mu.Unlock()
	return s.template, s.enrollErr
}

// stubDialer hands out fresh copies of one terminal script and counts dials
type stubDialer struct {
	dials    atomic.Int32
	err      error
	terminal func() *stubTerminal
	last     *stubTerminal
}

func (d *stubDialer) dial(ctx context.Context, addr string, protocol models.Protocol, timeout time.Duration) (device.Terminal, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	t := &stubTerminal{}
	if d.terminal != nil {
		t = d.terminal()
	}
	d.last = t
	return t, nil
}

var (
	_ repository.DeviceRepository     = (*mockDeviceRepository)(nil)
	_ repository.EmployeeRepository   = (*mockEmployeeRepository)(nil)
	_ repository.AttendanceRepository = (*mockAttendanceRepository)(nil)
	_ repository.SyncAuditRepository  = (*mockSyncAuditRepository)(nil)
	_ repository.TemplateRepository   = (*mockTemplateRepository)(nil)
	_ device.Terminal                 = (*stubTerminal)(nil)
)
