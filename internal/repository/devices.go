package repository

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"zk-bridge/internal/models"
)

// PocketBaseDeviceRepository implements DeviceRepository
type PocketBaseDeviceRepository struct {
	client *Client
}

// NewPocketBaseDeviceRepository creates repository
func NewPocketBaseDeviceRepository(client *Client) *PocketBaseDeviceRepository {
	return &PocketBaseDeviceRepository{client: client}
}

type deviceRecord struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	Protocol      string `json:"protocol"`
	IsOnline      bool   `json:"is_online"`
	AutoSync      bool   `json:"auto_sync"`
	LastHeartbeat string `json:"last_heartbeat"`
	LastSync      string `json:"last_sync"`
}

func (r deviceRecord) toModel() (models.Device, error) {
	protocol, err := models.ParseProtocol(r.Protocol)
	if err != nil {
		return models.Device{}, err
	}
	return models.Device{
		ID:            r.ID,
		Name:          r.Name,
		IP:            r.IP,
		Port:          r.Port,
		Protocol:      protocol,
		IsOnline:      r.IsOnline,
		AutoSync:      r.AutoSync,
		LastHeartbeat: parseTime(r.LastHeartbeat),
		LastSync:      parseTime(r.LastSync),
	}, nil
}

func (r *PocketBaseDeviceRepository) ListAutoSync(ctx context.Context) ([]models.Device, error) {
	q := url.Values{}
	q.Set("filter", "auto_sync=true && is_online=true")
	q.Set("sort", "name")

	records, err := listAll[deviceRecord](ctx, r.client, "list auto-sync devices", "devices", q)
	if err != nil {
		return nil, err
	}

	devices := make([]models.Device, 0, len(records))
	for _, rec := range records {
		d, err := rec.toModel()
		if err != nil {
			return nil, &StoreError{Op: "list auto-sync devices", Err: fmt.Errorf("device %s: %w", rec.ID, err)}
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func (r *PocketBaseDeviceRepository) UpdateStatus(ctx context.Context, deviceID string, online bool, heartbeat time.Time) error {
	data := map[string]any{
		"is_online":      online,
		"last_heartbeat": formatTime(heartbeat),
	}
	path := fmt.Sprintf("/api/collections/devices/records/%s", url.PathEscape(deviceID))
	return r.client.do(ctx, "update device status", http.MethodPatch, path, data, nil)
}

func (r *PocketBaseDeviceRepository) UpdateLastSync(ctx context.Context, deviceID string, at time.Time) error {
	data := map[string]any{
		"last_sync": formatTime(at),
	}
	path := fmt.Sprintf("/api/collections/devices/records/%s", url.PathEscape(deviceID))
	return r.client.do(ctx, "update device last sync", http.MethodPatch, path, data, nil)
}
