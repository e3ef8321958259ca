// Package device owns terminal sessions and the protocol-independent device capabilities
package device

import (
	"context"
	"strconv"
	"strings"
	"time"

	"zk-bridge/internal/models"
)

// Terminal is the capability set every protocol implementation exposes
type Terminal interface {
	Connected() bool
	Close() error
	DeviceInfo(ctx context.Context) (*models.DeviceInfo, error)
	UserCount(ctx context.Context) (int, error)
	AttendanceCount(ctx context.Context) (int, error)
	AttendanceRecords(ctx context.Context) ([]models.RawAttendanceRecord, error)
	Enroll(ctx context.Context, uid, fingerIndex int) ([]byte, error)
}

// DialFunc opens a terminal session for the given protocol
type DialFunc func(ctx context.Context, addr string, protocol models.Protocol, timeout time.Duration) (Terminal, error)

// DefaultUID is used when an employee identifier carries no digits
const DefaultUID = 1000

// DeriveUID turns an employee identifier into the numeric uid stored on the terminal:
// non-digits are dropped and the last six digits are kept.
func DeriveUID(employeeID string) int {
	digits := DigitSuffix(employeeID)
	if digits == "" {
		return DefaultUID
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return DefaultUID
	}
	return n
}

// DigitSuffix returns at most the last six digits of s after removing non-digits
func DigitSuffix(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) > 6 {
		digits = digits[len(digits)-6:]
	}
	return digits
}

// ValidateFingerIndex rejects indexes outside the ten-finger table
func ValidateFingerIndex(index int) error {
	if _, ok := models.FingerPosition(index); !ok {
		return ErrInvalidFingerIndex
	}
	return nil
}
