package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zk-bridge/internal/device"
	"zk-bridge/internal/models"
	"zk-bridge/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockDeviceOperator is a mock implementation for testing
type mockDeviceOperator struct {
	testCalled   bool
	enrollCalled bool
	lastTest     services.DeviceRequest
	lastEnroll   services.EnrollRequest
	info         *models.DeviceInfo
	enroll       *services.EnrollResult
	err          error
}

func (m *mockDeviceOperator) TestConnection(ctx context.Context, req services.DeviceRequest) (*models.DeviceInfo, error) {
	m.testCalled = true
	m.lastTest = req
	return m.info, m.err
}

func (m *mockDeviceOperator) Enroll(ctx context.Context, req services.EnrollRequest) (*services.EnrollResult, error) {
	m.enrollCalled = true
	m.lastEnroll = req
	if err := device.ValidateFingerIndex(req.FingerIndex); err != nil {
		return nil, err
	}
	return m.enroll, m.err
}

type mockSyncer struct {
	lastReq services.SyncRequest
	result  models.SyncResult
	err     error
}

func (m *mockSyncer) Sync(ctx context.Context, req services.SyncRequest) (models.SyncResult, error) {
	m.lastReq = req
	return m.result, m.err
}

type mockScheduler struct {
	running  bool
	interval time.Duration
}

func (m *mockScheduler) Start(interval time.Duration) services.SchedulerStatus {
	if m.running {
		return services.SchedulerStatus{Success: false, Message: "Auto-sync already running", Running: true}
	}
	m.running = true
	m.interval = interval
	return services.SchedulerStatus{Success: true, Message: "Auto-sync started", Running: true}
}

func (m *mockScheduler) Stop() services.SchedulerStatus {
	if !m.running {
		return services.SchedulerStatus{Success: false, Message: "Auto-sync not running"}
	}
	m.running = false
	return services.SchedulerStatus{Success: true, Message: "Auto-sync stopped"}
}

func (m *mockScheduler) Status() services.SchedulerStatus {
	return services.SchedulerStatus{Success: true, Running: m.running}
}

// fixedRegistry reports a canned set of sessions
type fixedRegistry []device.SessionInfo

func (r fixedRegistry) Active() int { return len(r) }

func (r fixedRegistry) Sessions() []device.SessionInfo { return r }

// Ensure mocks implement the interfaces
var (
	_ services.DeviceOperator = (*mockDeviceOperator)(nil)
	_ services.DeviceSyncer   = (*mockSyncer)(nil)
	_ AutoSyncController      = (*mockScheduler)(nil)
	_ SessionRegistry         = fixedRegistry(nil)
)

type handlerFixture struct {
	devices   *mockDeviceOperator
	syncer    *mockSyncer
	scheduler *mockScheduler
	router    *gin.Engine
}

func newHandlerFixture() *handlerFixture {
	f := &handlerFixture{
		devices:   &mockDeviceOperator{},
		syncer:    &mockSyncer{},
		scheduler: &mockScheduler{},
	}
	h := NewDeviceHandler(f.devices, f.syncer, f.scheduler, fixedRegistry{
		{Addr: "192.168.1.201:4370", Protocol: models.ProtocolZKTeco, OpenedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		{Addr: "192.168.1.202:4370", Protocol: models.ProtocolSimulated, OpenedAt: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)},
	}, "1.2.3", zap.NewNop())
	f.router = NewRouter(h, http.NotFoundHandler(), zap.NewNop())
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	var out map[string]any
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &out)
	}
	return rr, out
}

func TestHealth(t *testing.T) {
	f := newHandlerFixture()

	rr, body := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, float64(2), body["activeConnections"])
	connections, ok := body["connections"].([]any)
	require.True(t, ok)
	require.Len(t, connections, 2)
	first := connections[0].(map[string]any)
	assert.Equal(t, "192.168.1.201:4370", first["device"])
	assert.Equal(t, "zkteco", first["protocol"])
	assert.Equal(t, "2026-03-02T08:00:00Z", first["openedAt"])
	assert.NotEmpty(t, body["timestamp"])
	assert.NotEmpty(t, rr.Header().Get(requestIDHeader))
}

func TestTestDevice(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		err            error
		wantStatusCode int
		wantCalled     bool
		wantSuccess    bool
		wantOnline     bool
	}{
		{
			name:           "Reachable device",
			body:           map[string]any{"ip": "192.168.1.201", "port": 4370},
			wantStatusCode: http.StatusOK,
			wantCalled:     true,
			wantSuccess:    true,
			wantOnline:     true,
		},
		{
			name:           "Timed out device",
			body:           map[string]any{"ip": "192.168.1.201"},
			err:            device.NewConnectionError("192.168.1.201:4370", context.DeadlineExceeded),
			wantStatusCode: http.StatusOK,
			wantCalled:     true,
			wantSuccess:    false,
			wantOnline:     false,
		},
		{
			name:           "Device answered with a protocol error",
			body:           map[string]any{"ip": "192.168.1.201"},
			err:            device.NewProtocolError("device info", "firmware version missing"),
			wantStatusCode: http.StatusOK,
			wantCalled:     true,
			wantSuccess:    false,
			wantOnline:     true,
		},
		{
			name:           "Missing ip",
			body:           map[string]any{"port": 4370},
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name:           "Invalid JSON body",
			body:           "invalid json",
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name:           "Unknown protocol",
			body:           map[string]any{"ip": "192.168.1.201", "protocol": "hikvision"},
			wantStatusCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture()
			f.devices.err = tt.err
			if tt.err == nil {
				f.devices.info = &models.DeviceInfo{Model: "iClock880", SerialNumber: "AF6C123456789"}
			}

			rr, body := f.do(t, http.MethodPost, "/device/test", tt.body)

			assert.Equal(t, tt.wantStatusCode, rr.Code)
			assert.Equal(t, tt.wantCalled, f.devices.testCalled)
			if rr.Code != http.StatusOK {
				assert.Equal(t, false, body["success"])
				return
			}
			assert.Equal(t, tt.wantSuccess, body["success"])
			assert.Equal(t, tt.wantOnline, body["online"])
		})
	}
}

func TestTestDeviceTimeoutDiagnostic(t *testing.T) {
	f := newHandlerFixture()
	f.devices.err = device.NewConnectionError("192.168.1.201:4370", context.DeadlineExceeded)

	_, body := f.do(t, http.MethodPost, "/device/test", map[string]any{"ip": "192.168.1.201"})

	assert.Equal(t, "192.168.1.201:4370", f.devices.lastTest.Addr)
	assert.Equal(t, models.ProtocolZKTeco, f.devices.lastTest.Protocol)
	diag, ok := body["diagnostic"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "timeout", diag["kind"])
	assert.Contains(t, diag["causes"], "Device is powered off")
}

func TestEnrollFingerprint(t *testing.T) {
	f := newHandlerFixture()
	f.devices.enroll = &services.EnrollResult{
		UID:            123,
		FingerPosition: "right_index",
		Template:       []byte{0x01, 0x02, 0x03},
		QualityScore:   100,
	}

	rr, body := f.do(t, http.MethodPost, "/device/enroll", map[string]any{
		"ip":          "192.168.1.201",
		"deviceDbId":  "dev_1",
		"employeeId":  "EMP000123",
		"fingerIndex": 6,
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "AQID", body["templateData"])
	assert.Equal(t, float64(100), body["qualityScore"])
	assert.Equal(t, float64(123), body["uid"])
	assert.Equal(t, "right_index", body["fingerPosition"])
	assert.Equal(t, "EMP000123", f.devices.lastEnroll.EmployeeID)
	assert.Equal(t, "dev_1", f.devices.lastEnroll.DeviceDBID)
	assert.Equal(t, 6, f.devices.lastEnroll.FingerIndex)
}

func TestEnrollFingerprintRejectsRequests(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{
			name: "Finger index out of range",
			body: map[string]any{"ip": "192.168.1.201", "employeeId": "EMP000123", "fingerIndex": 11},
		},
		{
			name: "Missing finger index",
			body: map[string]any{"ip": "192.168.1.201", "employeeId": "EMP000123"},
		},
		{
			name: "Missing employee",
			body: map[string]any{"ip": "192.168.1.201", "fingerIndex": 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture()
			rr, body := f.do(t, http.MethodPost, "/device/enroll", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestEnrollFingerprintDeviceFailure(t *testing.T) {
	f := newHandlerFixture()
	f.devices.err = &device.EnrollmentError{UID: 123, Reason: "timed out waiting for finger scan"}

	rr, body := f.do(t, http.MethodPost, "/device/enroll", map[string]any{
		"ip": "192.168.1.201", "employeeId": "EMP000123", "fingerIndex": 0,
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "timed out waiting for finger scan")
	assert.NotContains(t, body, "templateData")
}

func TestSyncDevice(t *testing.T) {
	f := newHandlerFixture()
	f.syncer.result = models.SyncResult{
		Success:       true,
		RecordsSynced: 3,
		Message:       "Synced 3 new attendance records",
		Timestamp:     "2026-03-02T18:00:00Z",
	}

	rr, body := f.do(t, http.MethodPost, "/device/sync", map[string]any{
		"deviceId": "front-door", "deviceDbId": "dev_1", "ip": "192.168.1.201", "port": 4371, "protocol": "zkteco",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(3), body["recordsSynced"])
	assert.Equal(t, "Synced 3 new attendance records", body["message"])
	assert.Equal(t, "2026-03-02T18:00:00Z", body["timestamp"])
	assert.NotContains(t, body, "diagnostic")

	assert.Equal(t, services.SyncRequest{
		DeviceID:   "front-door",
		DeviceDBID: "dev_1",
		Addr:       "192.168.1.201:4371",
		Protocol:   models.ProtocolZKTeco,
	}, f.syncer.lastReq)
}

func TestSyncDeviceFailure(t *testing.T) {
	f := newHandlerFixture()
	f.syncer.result = models.SyncResult{Message: "Sync failed: Connection to 192.168.1.201:4370 was refused"}
	f.syncer.err = device.NewConnectionError("192.168.1.201:4370", context.Canceled)

	rr, body := f.do(t, http.MethodPost, "/device/sync", map[string]any{"ip": "192.168.1.201"})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, float64(0), body["recordsSynced"])
	assert.Contains(t, body, "diagnostic")
}

func TestAutoSyncControl(t *testing.T) {
	f := newHandlerFixture()

	rr, body := f.do(t, http.MethodPost, "/device/auto-sync/start", map[string]any{"intervalSeconds": 60})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, time.Minute, f.scheduler.interval)

	_, body = f.do(t, http.MethodPost, "/device/auto-sync/start", nil)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Auto-sync already running", body["message"])

	_, body = f.do(t, http.MethodGet, "/device/auto-sync/status", nil)
	assert.Equal(t, true, body["running"])

	_, body = f.do(t, http.MethodPost, "/device/auto-sync/stop", nil)
	assert.Equal(t, "Auto-sync stopped", body["message"])

	_, body = f.do(t, http.MethodPost, "/device/auto-sync/stop", nil)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Auto-sync not running", body["message"])
}

func TestStartAutoSyncWithoutBody(t *testing.T) {
	f := newHandlerFixture()

	rr, body := f.do(t, http.MethodPost, "/device/auto-sync/start", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, time.Duration(0), f.scheduler.interval)
}

func TestStartAutoSyncRejectsBadInterval(t *testing.T) {
	f := newHandlerFixture()

	rr, _ := f.do(t, http.MethodPost, "/device/auto-sync/start", map[string]any{"intervalSeconds": -5})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.False(t, f.scheduler.running)
}

func TestRecoveryMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(zap.NewNop()))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	f := newHandlerFixture()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	assert.Equal(t, "req-42", rr.Header().Get(requestIDHeader))
}
