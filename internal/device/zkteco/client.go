package zkteco

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"zk-bridge/internal/device"
	"zk-bridge/internal/models"
)

// Options tune a terminal connection
type Options struct {
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	EnrollTimeout   time.Duration
	// Location is the terminal clock's time zone. Defaults to time.Local.
	Location *time.Location
}

// DefaultOptions mirror the timeouts the terminals are usually comfortable with
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  10 * time.Second,
		ResponseTimeout: 5 * time.Second,
		EnrollTimeout:   60 * time.Second,
		Location:        time.Local,
	}
}

// Client is one authenticated session with a ZKTeco terminal
type Client struct {
	addr string
	opts Options

	mu        sync.Mutex
	conn      net.Conn
	sessionID uint16
	replyID   uint16
	connected bool
}

var _ device.Terminal = (*Client)(nil)

// Dial opens the TCP connection and performs the CONNECT handshake
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.Location == nil {
		opts.Location = time.Local
	}

	d := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, device.NewConnectionError(addr, err)
	}

	c := &Client{
		addr:    addr,
		opts:    opts,
		conn:    conn,
		replyID: ushrtMax - 1,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.exchange(ctx, cmdConnect, nil, opts.ResponseTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch resp.command {
	case cmdAckOK:
		c.sessionID = resp.session
		c.connected = true
		return c, nil
	case cmdAckUnauth:
		conn.Close()
		return nil, device.NewProtocolError("connect", "device requires a communication key")
	default:
		conn.Close()
		return nil, device.NewProtocolError("connect", "unexpected reply %d", resp.command)
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close ends the session with EXIT and closes the socket
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if c.connected {
		frame, next := encodeFrame(cmdExit, c.sessionID, c.replyID, nil)
		c.replyID = next
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.ResponseTimeout))
		_, _ = c.conn.Write(frame)
	}
	c.connected = false
	err := c.conn.Close()
	c.conn = nil
	return err
}

// send writes one command frame. Callers hold c.mu.
func (c *Client) send(ctx context.Context, command uint16, data []byte, timeout time.Duration) error {
	if c.conn == nil {
		return device.ErrNotConnected
	}
	if err := c.conn.SetDeadline(c.deadline(ctx, timeout)); err != nil {
		return c.ioError(err)
	}
	frame, next := encodeFrame(command, c.sessionID, c.replyID, data)
	c.replyID = next
	if _, err := c.conn.Write(frame); err != nil {
		return c.ioError(err)
	}
	return nil
}

// recv reads one frame. Callers hold c.mu.
func (c *Client) recv(ctx context.Context, timeout time.Duration) (*packet, error) {
	if c.conn == nil {
		return nil, device.ErrNotConnected
	}
	if err := c.conn.SetReadDeadline(c.deadline(ctx, timeout)); err != nil {
		return nil, c.ioError(err)
	}
	p, err := readPacket(c.conn)
	if err != nil {
		var protoErr *device.ProtocolError
		if errors.As(err, &protoErr) {
			return nil, err
		}
		return nil, c.ioError(err)
	}
	return p, nil
}

func (c *Client) exchange(ctx context.Context, command uint16, data []byte, timeout time.Duration) (*packet, error) {
	if err := c.send(ctx, command, data, timeout); err != nil {
		return nil, err
	}
	return c.recv(ctx, timeout)
}

func (c *Client) deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

// ioError marks the session dead; a broken socket cannot be resynchronised.
func (c *Client) ioError(err error) error {
	c.connected = false
	return device.NewConnectionError(c.addr, err)
}

// command runs a simple request expecting ACK_OK
func (c *Client) command(ctx context.Context, op string, command uint16, data []byte) (*packet, error) {
	resp, err := c.exchange(ctx, command, data, c.opts.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	if resp.command != cmdAckOK {
		return nil, device.NewProtocolError(op, "unexpected reply %d", resp.command)
	}
	return resp, nil
}

func (c *Client) lock() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return device.ErrNotConnected
	}
	return nil
}

func (c *Client) option(ctx context.Context, key string) (string, error) {
	resp, err := c.exchange(ctx, cmdOptionsRRQ, append([]byte(key), 0), c.opts.ResponseTimeout)
	if err != nil {
		return "", err
	}
	if resp.command != cmdAckOK {
		return "", nil
	}
	value := string(bytes.TrimRight(resp.data, "\x00"))
	_, v, ok := strings.Cut(value, "=")
	if !ok {
		return "", nil
	}
	return strings.TrimSpace(v), nil
}

// DeviceInfo reads model, serial number, platform, vendor and firmware
func (c *Client) DeviceInfo(ctx context.Context) (*models.DeviceInfo, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	info := &models.DeviceInfo{}
	fields := []struct {
		key string
		dst *string
	}{
		{"~DeviceName", &info.Model},
		{"~SerialNumber", &info.SerialNumber},
		{"~Platform", &info.Platform},
		{"~OEMVendor", &info.DeviceName},
	}
	for _, f := range fields {
		v, err := c.option(ctx, f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	resp, err := c.exchange(ctx, cmdGetVersion, nil, c.opts.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	if resp.command == cmdAckOK {
		info.Firmware = strings.TrimSpace(string(bytes.TrimRight(resp.data, "\x00")))
	}

	if info.Firmware == "" {
		return nil, device.NewProtocolError("device info", "firmware version missing")
	}
	if info.SerialNumber == "" {
		return nil, device.NewProtocolError("device info", "serial number missing")
	}
	if info.DeviceName == "" {
		info.DeviceName = info.Model
	}
	return info, nil
}

type freeSizes struct {
	users   int
	records int
}

func (c *Client) readSizes(ctx context.Context) (*freeSizes, error) {
	resp, err := c.command(ctx, "free sizes", cmdGetFreeSizes, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.data) < 80 {
		return nil, device.NewProtocolError("free sizes", "short reply of %d bytes", len(resp.data))
	}
	field := func(i int) int {
		return int(int32(binary.LittleEndian.Uint32(resp.data[i*4:])))
	}
	return &freeSizes{users: field(4), records: field(8)}, nil
}

// UserCount returns the number of users enrolled on the terminal
func (c *Client) UserCount(ctx context.Context) (int, error) {
	if err := c.lock(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	sizes, err := c.readSizes(ctx)
	if err != nil {
		return 0, err
	}
	return sizes.users, nil
}

// AttendanceCount returns the number of attendance entries stored on the terminal
func (c *Client) AttendanceCount(ctx context.Context) (int, error) {
	if err := c.lock(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	sizes, err := c.readSizes(ctx)
	if err != nil {
		return 0, err
	}
	return sizes.records, nil
}

// readBuffered fetches a table through the DATA_WRRQ / DATA_RDY buffer protocol
func (c *Client) readBuffered(ctx context.Context, command uint16, fct, ext int32) ([]byte, error) {
	req := make([]byte, 11)
	req[0] = 1
	binary.LittleEndian.PutUint16(req[1:], command)
	binary.LittleEndian.PutUint32(req[3:], uint32(fct))
	binary.LittleEndian.PutUint32(req[7:], uint32(ext))

	resp, err := c.exchange(ctx, cmdDataWRRQ, req, c.opts.ResponseTimeout)
	if err != nil {
		return nil, err
	}

	switch resp.command {
	case cmdData:
		return resp.data, nil
	case cmdAckOK:
	default:
		return nil, device.NewProtocolError("read buffer", "unexpected reply %d", resp.command)
	}

	if len(resp.data) < 5 {
		return nil, device.NewProtocolError("read buffer", "missing buffer size")
	}
	size := int(binary.LittleEndian.Uint32(resp.data[1:5]))
	if size == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, size)
	for start := 0; start < size; start += maxChunk {
		n := min(maxChunk, size-start)
		chunk, err := c.readChunk(ctx, start, n)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}

	if _, err := c.command(ctx, "free data", cmdFreeData, nil); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Client) readChunk(ctx context.Context, start, size int) ([]byte, error) {
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:], uint32(start))
	binary.LittleEndian.PutUint32(req[4:], uint32(size))

	resp, err := c.exchange(ctx, cmdDataRdy, req, c.opts.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	return c.receiveChunk(ctx, resp)
}

// receiveChunk collects a payload delivered either inline or as PREPARE_DATA + DATA... + ACK_OK
func (c *Client) receiveChunk(ctx context.Context, resp *packet) ([]byte, error) {
	switch resp.command {
	case cmdData:
		return resp.data, nil
	case cmdPrepareData:
	default:
		return nil, device.NewProtocolError("receive chunk", "unexpected reply %d", resp.command)
	}

	if len(resp.data) < 4 {
		return nil, device.NewProtocolError("receive chunk", "missing prepare size")
	}
	size := int(binary.LittleEndian.Uint32(resp.data[0:4]))
	data := make([]byte, 0, size)
	for len(data) < size {
		p, err := c.recv(ctx, c.opts.ResponseTimeout)
		if err != nil {
			return nil, err
		}
		if p.command != cmdData {
			return nil, device.NewProtocolError("receive chunk", "expected data, got %d", p.command)
		}
		data = append(data, p.data...)
	}

	ack, err := c.recv(ctx, c.opts.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	if ack.command != cmdAckOK {
		return nil, device.NewProtocolError("receive chunk", "expected ack, got %d", ack.command)
	}
	return data[:size], nil
}
