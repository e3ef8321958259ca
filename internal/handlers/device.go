// Package handlers provides HTTP handlers for API endpoints
package handlers

import (
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"zk-bridge/internal/adapter"
	"zk-bridge/internal/device"
	"zk-bridge/internal/models"
	"zk-bridge/internal/services"
)

// defaultDevicePort is the ZKTeco factory TCP port
const defaultDevicePort = 4370

// AutoSyncController starts and stops the auto-sync scheduler
type AutoSyncController interface {
	Start(interval time.Duration) services.SchedulerStatus
	Stop() services.SchedulerStatus
	Status() services.SchedulerStatus
}

// SessionRegistry reports the live device sessions
type SessionRegistry interface {
	Active() int
	Sessions() []device.SessionInfo
}

// DeviceHandler handles device control requests
type DeviceHandler struct {
	devices   services.DeviceOperator
	syncer    services.DeviceSyncer
	scheduler AutoSyncController
	pool      SessionRegistry
	version   string
	startedAt time.Time
	logger    *zap.Logger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(
	devices services.DeviceOperator,
	syncer services.DeviceSyncer,
	scheduler AutoSyncController,
	pool SessionRegistry,
	version string,
	logger *zap.Logger,
) *DeviceHandler {
	return &DeviceHandler{
		devices:   devices,
		syncer:    syncer,
		scheduler: scheduler,
		pool:      pool,
		version:   version,
		startedAt: time.Now(),
		logger:    logger,
	}
}

type deviceAddress struct {
	DeviceID   string `json:"deviceId"`
	DeviceDBID string `json:"deviceDbId"`
	IP         string `json:"ip" binding:"required"`
	Port       int    `json:"port" binding:"omitempty,min=1,max=65535"`
	Protocol   string `json:"protocol"`
}

func (a deviceAddress) request() (services.DeviceRequest, error) {
	protocol, err := models.ParseProtocol(a.Protocol)
	if err != nil {
		return services.DeviceRequest{}, err
	}
	port := a.Port
	if port == 0 {
		port = defaultDevicePort
	}
	return services.DeviceRequest{
		DeviceID:   a.DeviceID,
		DeviceDBID: a.DeviceDBID,
		Addr:       net.JoinHostPort(a.IP, strconv.Itoa(port)),
		Protocol:   protocol,
	}, nil
}

type enrollBody struct {
	deviceAddress
	EmployeeID  string `json:"employeeId" binding:"required"`
	FingerIndex *int   `json:"fingerIndex" binding:"required"`
}

type autoSyncBody struct {
	IntervalSeconds int `json:"intervalSeconds" binding:"omitempty,min=1"`
}

type testResponse struct {
	Success    bool               `json:"success"`
	Message    string             `json:"message"`
	Online     bool               `json:"online"`
	DeviceInfo *models.DeviceInfo `json:"deviceInfo,omitempty"`
	Diagnostic *device.Diagnostic `json:"diagnostic,omitempty"`
}

type enrollResponse struct {
	Success        bool               `json:"success"`
	TemplateData   string             `json:"templateData,omitempty"`
	QualityScore   int                `json:"qualityScore,omitempty"`
	UID            int                `json:"uid,omitempty"`
	FingerPosition string             `json:"fingerPosition,omitempty"`
	Message        string             `json:"message"`
	Diagnostic     *device.Diagnostic `json:"diagnostic,omitempty"`
}

type syncResponse struct {
	models.SyncResult
	Diagnostic *device.Diagnostic `json:"diagnostic,omitempty"`
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
}

// Health reports liveness and the open device sessions
func (h *DeviceHandler) Health(c *gin.Context) {
	sessions := h.pool.Sessions()
	connections := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		connections = append(connections, gin.H{
			"device":   s.Addr,
			"protocol": s.Protocol,
			"openedAt": s.OpenedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"version":           h.version,
		"uptime":            int64(time.Since(h.startedAt).Seconds()),
		"activeConnections": h.pool.Active(),
		"connections":       connections,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

// TestDevice connects to a terminal and reports its metadata
func (h *DeviceHandler) TestDevice(c *gin.Context) {
	var body deviceAddress
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	req, err := body.request()
	if err != nil {
		badRequest(c, err)
		return
	}

	info, err := h.devices.TestConnection(c.Request.Context(), req)
	if err != nil {
		diag := device.Diagnose(err)
		var connErr *device.ConnectionError
		c.JSON(http.StatusOK, testResponse{
			Success:    false,
			Message:    diag.Message,
			Online:     !errors.As(err, &connErr),
			Diagnostic: &diag,
		})
		return
	}

	msg := fmt.Sprintf("Connected to %s (S/N %s)", info.Model, info.SerialNumber)
	if !adapter.Native(req.Protocol) {
		msg = adapter.FallbackMessage(req.Protocol)
	}
	c.JSON(http.StatusOK, testResponse{
		Success:    true,
		Message:    msg,
		Online:     true,
		DeviceInfo: info,
	})
}

// EnrollFingerprint captures a finger on the terminal and returns the template
func (h *DeviceHandler) EnrollFingerprint(c *gin.Context) {
	var body enrollBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	req, err := body.request()
	if err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.devices.Enroll(c.Request.Context(), services.EnrollRequest{
		DeviceRequest: req,
		EmployeeID:    body.EmployeeID,
		FingerIndex:   *body.FingerIndex,
	})
	if errors.Is(err, device.ErrInvalidFingerIndex) {
		badRequest(c, err)
		return
	}
	if err != nil {
		diag := device.Diagnose(err)
		c.JSON(http.StatusOK, enrollResponse{
			Success:    false,
			Message:    diag.Message,
			Diagnostic: &diag,
		})
		return
	}

	msg := fmt.Sprintf("Fingerprint enrolled (%s)", result.FingerPosition)
	if !adapter.Native(req.Protocol) {
		msg += ", " + adapter.FallbackMessage(req.Protocol)
	}
	c.JSON(http.StatusOK, enrollResponse{
		Success:        true,
		TemplateData:   base64.StdEncoding.EncodeToString(result.Template),
		QualityScore:   result.QualityScore,
		UID:            result.UID,
		FingerPosition: result.FingerPosition,
		Message:        msg,
	})
}

// SyncDevice pulls new attendance records from a terminal into the store
func (h *DeviceHandler) SyncDevice(c *gin.Context) {
	var body deviceAddress
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	req, err := body.request()
	if err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.syncer.Sync(c.Request.Context(), services.SyncRequest{
		DeviceID:   req.DeviceID,
		DeviceDBID: req.DeviceDBID,
		Addr:       req.Addr,
		Protocol:   req.Protocol,
	})
	resp := syncResponse{SyncResult: result}
	if err != nil {
		diag := device.Diagnose(err)
		resp.Diagnostic = &diag
	}
	c.JSON(http.StatusOK, resp)
}

// StartAutoSync starts the scheduler; the body is optional
func (h *DeviceHandler) StartAutoSync(c *gin.Context) {
	var body autoSyncBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, h.scheduler.Start(time.Duration(body.IntervalSeconds)*time.Second))
}

// StopAutoSync stops the scheduler
func (h *DeviceHandler) StopAutoSync(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Stop())
}

// AutoSyncStatus reports the scheduler state
func (h *DeviceHandler) AutoSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}
