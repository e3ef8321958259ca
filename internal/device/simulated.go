package device

import (
	"context"
	"math/rand/v2"
	"sync"

	"zk-bridge/internal/models"
)

// simulatedTemplateSize matches the size of a typical ZKTeco finger template
const simulatedTemplateSize = 512

// Simulated is a terminal that fabricates plausible data instead of talking to hardware
type Simulated struct {
	Protocol models.Protocol

	mu     sync.Mutex
	closed bool
}

// NewSimulated returns a connected simulated terminal
func NewSimulated(protocol models.Protocol) *Simulated {
	return &Simulated{Protocol: protocol}
}

func (s *Simulated) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Simulated) DeviceInfo(ctx context.Context) (*models.DeviceInfo, error) {
	if !s.Connected() {
		return nil, ErrNotConnected
	}
	return &models.DeviceInfo{
		Model:        "Simulated " + string(s.Protocol),
		SerialNumber: "SIM-0000001",
		Firmware:     "Ver 6.60 (simulated)",
		Platform:     "simulator",
		DeviceName:   "Simulated Terminal",
	}, nil
}

func (s *Simulated) UserCount(ctx context.Context) (int, error) {
	if !s.Connected() {
		return 0, ErrNotConnected
	}
	return 0, nil
}

func (s *Simulated) AttendanceCount(ctx context.Context) (int, error) {
	if !s.Connected() {
		return 0, ErrNotConnected
	}
	return 0, nil
}

// AttendanceRecords is always empty; simulated syncs generate logs from store employees instead.
func (s *Simulated) AttendanceRecords(ctx context.Context) ([]models.RawAttendanceRecord, error) {
	if !s.Connected() {
		return nil, ErrNotConnected
	}
	return nil, nil
}

func (s *Simulated) Enroll(ctx context.Context, uid, fingerIndex int) ([]byte, error) {
	if err := ValidateFingerIndex(fingerIndex); err != nil {
		return nil, err
	}
	if !s.Connected() {
		return nil, ErrNotConnected
	}
	template := make([]byte, simulatedTemplateSize)
	for i := range template {
		template[i] = byte(rand.IntN(256))
	}
	return template, nil
}
