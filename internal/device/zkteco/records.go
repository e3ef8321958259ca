package zkteco

import (
	"bytes"
	"context"
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"zk-bridge/internal/device"
	"zk-bridge/internal/models"
)

// AttendanceRecords downloads the full attendance log. An empty log is not an error.
func (c *Client) AttendanceRecords(ctx context.Context) ([]models.RawAttendanceRecord, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	sizes, err := c.readSizes(ctx)
	if err != nil {
		return nil, err
	}
	if sizes.records == 0 {
		return nil, nil
	}

	data, err := c.readBuffered(ctx, cmdAttLogRRQ, 0, 0)
	if err != nil {
		return nil, err
	}
	return decodeAttendance(data, sizes.records, c.opts.Location)
}

// decodeAttendance parses a log buffer: a uint32 byte count followed by fixed-size records
func decodeAttendance(data []byte, count int, loc *time.Location) ([]models.RawAttendanceRecord, error) {
	if len(data) < 4 {
		return nil, nil
	}
	total := int(binary.LittleEndian.Uint32(data[0:4]))
	data = data[4:]
	if total > len(data) {
		total = len(data)
	}
	data = data[:total]
	if total == 0 {
		return nil, nil
	}

	recordSize := recordSizeFor(total, count)

	var decode func([]byte) models.RawAttendanceRecord
	switch recordSize {
	case 8:
		decode = func(r []byte) models.RawAttendanceRecord {
			return models.RawAttendanceRecord{
				DeviceUID: int(binary.LittleEndian.Uint16(r[0:2])),
				Timestamp: decodeTime(binary.LittleEndian.Uint32(r[3:7]), loc),
				CheckType: int(r[7]),
			}
		}
	case 16:
		decode = func(r []byte) models.RawAttendanceRecord {
			return models.RawAttendanceRecord{
				DeviceUID: int(binary.LittleEndian.Uint32(r[0:4])),
				Timestamp: decodeTime(binary.LittleEndian.Uint32(r[4:8]), loc),
				CheckType: int(r[9]),
			}
		}
	case 40:
		decode = func(r []byte) models.RawAttendanceRecord {
			uid := int(binary.LittleEndian.Uint16(r[0:2]))
			userID := strings.TrimSpace(string(bytes.SplitN(r[2:26], []byte{0}, 2)[0]))
			if n, err := strconv.Atoi(userID); err == nil {
				uid = n
			}
			return models.RawAttendanceRecord{
				DeviceUID: uid,
				Timestamp: decodeTime(binary.LittleEndian.Uint32(r[27:31]), loc),
				CheckType: int(r[31]),
			}
		}
	default:
		return nil, device.NewProtocolError("attendance", "unsupported record size %d", recordSize)
	}

	records := make([]models.RawAttendanceRecord, 0, total/recordSize)
	for off := 0; off+recordSize <= total; off += recordSize {
		records = append(records, decode(data[off:off+recordSize]))
	}
	return records, nil
}

// recordSizes are the log layouts firmwares use, widest first
var recordSizes = []int{40, 16, 8}

// recordSizeFor derives the record layout from the buffer length and the log count read
// before the download. Punches taken in between make the count stale; the widest layout
// that divides the buffer into at least count records is used then.
func recordSizeFor(total, count int) int {
	if count <= 0 {
		count = 1
	}
	if total%count == 0 {
		size := total / count
		for _, known := range recordSizes {
			if size == known {
				return size
			}
		}
	}
	for _, size := range recordSizes {
		if total%size == 0 && total/size >= count {
			return size
		}
	}
	return total / count
}

// decodeTime unpacks the terminal's compact timestamp (31-day months from year 2000)
func decodeTime(t uint32, loc *time.Location) time.Time {
	v := int(t)
	second := v % 60
	v /= 60
	minute := v % 60
	v /= 60
	hour := v % 24
	v /= 24
	day := v%31 + 1
	v /= 31
	month := v%12 + 1
	v /= 12
	year := v + 2000
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
}
