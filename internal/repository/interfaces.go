// Package repository defines repository interfaces for data access
package repository

import (
	"context"
	"time"

	"zk-bridge/internal/models"
)

// DeviceRepository defines the interface for device data access
type DeviceRepository interface {
	// ListAutoSync returns devices flagged for auto-sync that are currently online
	ListAutoSync(ctx context.Context) ([]models.Device, error)
	// UpdateStatus records the online flag and heartbeat of a device
	UpdateStatus(ctx context.Context, deviceID string, online bool, heartbeat time.Time) error
	// UpdateLastSync records the time of the last successful sync
	UpdateLastSync(ctx context.Context, deviceID string, at time.Time) error
}

// EmployeeRepository defines the interface for employee data access
type EmployeeRepository interface {
	// ListIdentifiers returns the internal and external id of every employee
	ListIdentifiers(ctx context.Context) ([]models.Employee, error)
}

// AttendanceRepository defines the interface for attendance log data access
type AttendanceRepository interface {
	// ExistingKeys returns the dedup keys of logs stored at or after since
	ExistingKeys(ctx context.Context, since time.Time) ([]models.AttendanceKey, error)
	// CreateBatch inserts logs; a failure fails the whole batch
	CreateBatch(ctx context.Context, logs []models.AttendanceLog) error
}

// SyncAuditRepository defines the interface for sync audit data access
type SyncAuditRepository interface {
	// Create writes one audit row for a sync cycle
	Create(ctx context.Context, audit *models.SyncAudit) error
}

// TemplateRepository defines the interface for fingerprint template data access
type TemplateRepository interface {
	// Save stores an enrolled template against an employee
	Save(ctx context.Context, template *models.FingerprintTemplate) error
}
