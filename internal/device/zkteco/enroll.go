package zkteco

import (
	"context"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"zk-bridge/internal/device"
)

// Enrollment event status codes carried in REG_EVENT frames
const (
	enrollOK        = 0x00
	enrollFailed    = 0x04
	enrollDuplicate = 0x05
	enrollTimeout   = 0x06
	enrollNextScan  = 0x64
)

// requiredScans is how many times the terminal asks for the same finger
const requiredScans = 3

// userIndex is the 16-bit internal slot for uid. The full uid travels in the user id string.
func userIndex(uid int) uint16 {
	return uint16(uid % ushrtMax)
}

// Enroll writes the user, puts the terminal into enrollment mode and waits for the
// live finger scans. It returns the captured template.
func (c *Client) Enroll(ctx context.Context, uid, fingerIndex int) ([]byte, error) {
	if err := device.ValidateFingerIndex(fingerIndex); err != nil {
		return nil, err
	}
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	userID := strconv.Itoa(uid)
	if err := c.setUser(ctx, uid, userID); err != nil {
		return nil, err
	}
	if _, err := c.exchange(ctx, cmdCancelCapture, nil, c.opts.ResponseTimeout); err != nil {
		return nil, err
	}

	req := make([]byte, 26)
	copy(req[:24], userID)
	req[24] = byte(fingerIndex)
	req[25] = 1
	resp, err := c.exchange(ctx, cmdStartEnroll, req, c.opts.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	if resp.command != cmdAckOK {
		return nil, &device.EnrollmentError{UID: uid, Reason: "device did not enter enrollment mode"}
	}

	if err := c.awaitScans(ctx, uid, time.Now().Add(c.opts.EnrollTimeout)); err != nil {
		if c.connected {
			_, _ = c.exchange(ctx, cmdCancelCapture, nil, c.opts.ResponseTimeout)
		}
		return nil, err
	}
	if _, err := c.exchange(ctx, cmdCancelCapture, nil, c.opts.ResponseTimeout); err != nil {
		return nil, err
	}

	return c.userTemplate(ctx, uid, fingerIndex)
}

func (c *Client) setUser(ctx context.Context, uid int, userID string) error {
	rec := make([]byte, 72)
	binary.LittleEndian.PutUint16(rec[0:], userIndex(uid))
	copy(rec[11:35], userID) // name
	copy(rec[48:72], userID)

	if _, err := c.command(ctx, "set user", cmdUserWRQ, rec); err != nil {
		return err
	}
	_, err := c.command(ctx, "refresh data", cmdRefreshData, nil)
	return err
}

func (c *Client) awaitScans(ctx context.Context, uid int, deadline time.Time) error {
	scans := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &device.EnrollmentError{UID: uid, Reason: "timed out waiting for finger scan"}
		}

		p, err := c.recv(ctx, remaining)
		if err != nil {
			var connErr *device.ConnectionError
			if errors.As(err, &connErr) && connErr.Kind == device.ConnTimeout {
				return &device.EnrollmentError{UID: uid, Reason: "timed out waiting for finger scan"}
			}
			return err
		}
		if p.command != cmdRegEvent {
			continue
		}
		if err := c.ackEvent(ctx); err != nil {
			return err
		}

		status := -1
		if len(p.data) >= 2 {
			status = int(binary.LittleEndian.Uint16(p.data))
		}
		switch status {
		case enrollNextScan:
			scans++
		case enrollFailed, enrollTimeout:
			return &device.EnrollmentError{UID: uid, Reason: "finger capture failed or timed out"}
		case enrollDuplicate:
			return &device.EnrollmentError{UID: uid, Reason: "finger is already enrolled"}
		case enrollOK:
			if scans >= requiredScans {
				return nil
			}
			return &device.EnrollmentError{UID: uid, Reason: "no fingerprint data captured"}
		}
	}
}

// ackEvent acknowledges a pushed event. Acks carry a fixed reply id and do not advance the sequence.
func (c *Client) ackEvent(ctx context.Context) error {
	frame, _ := encodeFrame(cmdAckOK, c.sessionID, ushrtMax-1, nil)
	if err := c.conn.SetWriteDeadline(c.deadline(ctx, c.opts.ResponseTimeout)); err != nil {
		return c.ioError(err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return c.ioError(err)
	}
	return nil
}

func (c *Client) userTemplate(ctx context.Context, uid, fingerIndex int) ([]byte, error) {
	req := make([]byte, 3)
	binary.LittleEndian.PutUint16(req, userIndex(uid))
	req[2] = byte(fingerIndex)

	resp, err := c.exchange(ctx, cmdGetUserTemp, req, c.opts.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	if resp.command == cmdAckError {
		return nil, &device.EnrollmentError{UID: uid, Reason: "device holds no template for this finger"}
	}
	data, err := c.receiveChunk(ctx, resp)
	if err != nil {
		return nil, err
	}
	if n := len(data); n > 0 && data[n-1] == 0 {
		data = data[:n-1]
	}
	if len(data) == 0 {
		return nil, &device.EnrollmentError{UID: uid, Reason: "device returned an empty template"}
	}
	return data, nil
}
