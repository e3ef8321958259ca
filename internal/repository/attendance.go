package repository

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"time"

	"zk-bridge/internal/models"
)

// PocketBaseEmployeeRepository implements EmployeeRepository
type PocketBaseEmployeeRepository struct {
	client *Client
}

func NewPocketBaseEmployeeRepository(client *Client) *PocketBaseEmployeeRepository {
	return &PocketBaseEmployeeRepository{client: client}
}

func (r *PocketBaseEmployeeRepository) ListIdentifiers(ctx context.Context) ([]models.Employee, error) {
	q := url.Values{}
	q.Set("fields", "id,employee_id")
	q.Set("sort", "created")

	records, err := listAll[struct {
		ID         string `json:"id"`
		EmployeeID string `json:"employee_id"`
	}](ctx, r.client, "list employees", "employees", q)
	if err != nil {
		return nil, err
	}

	employees := make([]models.Employee, 0, len(records))
	for _, rec := range records {
		employees = append(employees, models.Employee{ID: rec.ID, EmployeeID: rec.EmployeeID})
	}
	return employees, nil
}

// PocketBaseAttendanceRepository implements AttendanceRepository
type PocketBaseAttendanceRepository struct {
	client    *Client
	batchSize int
}

// NewPocketBaseAttendanceRepository creates repository. batchSize bounds the number of
// records sent per /api/batch request and must not exceed the server's batch limit.
func NewPocketBaseAttendanceRepository(client *Client, batchSize int) *PocketBaseAttendanceRepository {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &PocketBaseAttendanceRepository{client: client, batchSize: batchSize}
}

func (r *PocketBaseAttendanceRepository) ExistingKeys(ctx context.Context, since time.Time) ([]models.AttendanceKey, error) {
	q := url.Values{}
	q.Set("filter", "log_time >= "+quote(formatTime(since)))
	q.Set("fields", "employee_id,log_time")

	records, err := listAll[struct {
		EmployeeID string `json:"employee_id"`
		LogTime    string `json:"log_time"`
	}](ctx, r.client, "list attendance keys", "attendance_logs", q)
	if err != nil {
		return nil, err
	}

	keys := make([]models.AttendanceKey, 0, len(records))
	for _, rec := range records {
		keys = append(keys, models.KeyOf(rec.EmployeeID, parseTime(rec.LogTime)))
	}
	return keys, nil
}

type batchRequest struct {
	Method string         `json:"method"`
	URL    string         `json:"url"`
	Body   map[string]any `json:"body"`
}

// CreateBatch inserts logs through the transactional batch endpoint
func (r *PocketBaseAttendanceRepository) CreateBatch(ctx context.Context, logs []models.AttendanceLog) error {
	for start := 0; start < len(logs); start += r.batchSize {
		end := min(start+r.batchSize, len(logs))

		requests := make([]batchRequest, 0, end-start)
		for _, l := range logs[start:end] {
			body := map[string]any{
				"employee_id":         l.EmployeeID,
				"device_id":           l.DeviceID,
				"log_time":            formatTime(l.LogTime),
				"log_type":            string(l.LogType),
				"verification_method": l.VerificationMethod,
			}
			if l.MatchScore != nil {
				body["match_score"] = *l.MatchScore
			}
			if l.Temperature != nil {
				body["temperature"] = *l.Temperature
			}
			requests = append(requests, batchRequest{
				Method: http.MethodPost,
				URL:    "/api/collections/attendance_logs/records",
				Body:   body,
			})
		}

		payload := map[string]any{"requests": requests}
		if err := r.client.do(ctx, "insert attendance logs", http.MethodPost, "/api/batch", payload, nil); err != nil {
			return err
		}
	}
	return nil
}

// PocketBaseSyncAuditRepository implements SyncAuditRepository
type PocketBaseSyncAuditRepository struct {
	client *Client
}

func NewPocketBaseSyncAuditRepository(client *Client) *PocketBaseSyncAuditRepository {
	return &PocketBaseSyncAuditRepository{client: client}
}

func (r *PocketBaseSyncAuditRepository) Create(ctx context.Context, audit *models.SyncAudit) error {
	data := map[string]any{
		"device_id":      audit.DeviceID,
		"success":        audit.Success,
		"records_synced": audit.RecordsSynced,
		"message":        audit.Message,
		"synced_at":      formatTime(audit.SyncedAt),
	}
	return r.client.do(ctx, "create sync audit", http.MethodPost, "/api/collections/device_sync_logs/records", data, nil)
}

// PocketBaseTemplateRepository implements TemplateRepository
type PocketBaseTemplateRepository struct {
	client *Client
}

func NewPocketBaseTemplateRepository(client *Client) *PocketBaseTemplateRepository {
	return &PocketBaseTemplateRepository{client: client}
}

func (r *PocketBaseTemplateRepository) Save(ctx context.Context, t *models.FingerprintTemplate) error {
	data := map[string]any{
		"employee_code":   t.EmployeeID,
		"device_id":       t.DeviceID,
		"finger_index":    t.FingerIndex,
		"finger_position": t.FingerPosition,
		"template_data":   base64.StdEncoding.EncodeToString(t.Template),
		"quality_score":   t.QualityScore,
	}
	return r.client.do(ctx, "save fingerprint template", http.MethodPost, "/api/collections/fingerprint_templates/records", data, nil)
}
