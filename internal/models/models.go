// Package models contains data structures for the application
package models

import (
	"fmt"
	"strings"
	"time"
)

// Protocol identifies the wire protocol spoken by a terminal
type Protocol string

const (
	ProtocolZKTeco    Protocol = "zkteco"
	ProtocolADMS      Protocol = "adms"
	ProtocolAnviz     Protocol = "anviz"
	ProtocolSuprema   Protocol = "suprema"
	ProtocolSimulated Protocol = "simulated"
)

// ParseProtocol maps a request/store value onto the closed protocol set.
// An empty value means ZKTeco, the only vendor the bridge speaks natively.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "":
		return ProtocolZKTeco, nil
	case ProtocolZKTeco, ProtocolADMS, ProtocolAnviz, ProtocolSuprema, ProtocolSimulated:
		return p, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// LogType is the direction of a punch
type LogType string

const (
	LogTypeCheckIn  LogType = "check_in"
	LogTypeCheckOut LogType = "check_out"
)

// LogTypeFromCheckType maps the terminal's punch flag. Only 1 means check-out.
func LogTypeFromCheckType(checkType int) LogType {
	if checkType == 1 {
		return LogTypeCheckOut
	}
	return LogTypeCheckIn
}

// VerificationFingerprint is the only verification method the bridge records
const VerificationFingerprint = "fingerprint"

// FingerPositions maps the finger index used by the terminal to its name
var FingerPositions = [10]string{
	"left_thumb",
	"left_index",
	"left_middle",
	"left_ring",
	"left_pinky",
	"right_thumb",
	"right_index",
	"right_middle",
	"right_ring",
	"right_pinky",
}

// FingerPosition returns the name for a finger index, or false when out of range
func FingerPosition(index int) (string, bool) {
	if index < 0 || index >= len(FingerPositions) {
		return "", false
	}
	return FingerPositions[index], true
}

// Device represents a terminal row in the devices collection
type Device struct {
	ID            string
	Name          string
	IP            string
	Port          int
	Protocol      Protocol
	IsOnline      bool
	AutoSync      bool
	LastHeartbeat time.Time
	LastSync      time.Time
}

// Addr returns the host:port the device listens on
func (d *Device) Addr() string {
	return fmt.Sprintf("%s:%d", d.IP, d.Port)
}

// Employee represents an employee identity as seen by the bridge
type Employee struct {
	ID         string // internal record id
	EmployeeID string // external identifier, e.g. EMP000123
}

// RawAttendanceRecord is one punch as reported by the terminal
type RawAttendanceRecord struct {
	DeviceUID int
	Timestamp time.Time
	CheckType int
}

// AttendanceLog is a punch resolved to an employee, ready to store
type AttendanceLog struct {
	ID                 string
	EmployeeID         string
	DeviceID           string
	LogTime            time.Time
	LogType            LogType
	VerificationMethod string
	MatchScore         *int
	Temperature        *float64
}

// DeviceInfo is the terminal metadata reported by a connection test
type DeviceInfo struct {
	Model           string `json:"model"`
	SerialNumber    string `json:"serialNumber"`
	Firmware        string `json:"firmware"`
	Platform        string `json:"platform"`
	DeviceName      string `json:"deviceName"`
	UserCount       int    `json:"userCount"`
	AttendanceCount int    `json:"attendanceCount"`
}

// SyncResult is the outcome of one sync cycle
type SyncResult struct {
	Success       bool   `json:"success"`
	RecordsSynced int    `json:"recordsSynced"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp"`
}

// SyncAudit is the audit row written for every sync cycle
type SyncAudit struct {
	DeviceID      string
	Success       bool
	RecordsSynced int
	Message       string
	SyncedAt      time.Time
}

// FingerprintTemplate is an enrolled template to persist against an employee
type FingerprintTemplate struct {
	EmployeeID     string
	DeviceID       string
	FingerIndex    int
	FingerPosition string
	Template       []byte
	QualityScore   int
}

// AttendanceKey identifies a stored punch for deduplication
type AttendanceKey struct {
	EmployeeID string
	Millis     int64
}

// KeyOf returns the dedup key of a resolved log
func KeyOf(employeeID string, t time.Time) AttendanceKey {
	return AttendanceKey{EmployeeID: employeeID, Millis: t.UnixMilli()}
}
