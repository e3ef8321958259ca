package zkteco

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zk-bridge/internal/device"
	"zk-bridge/internal/models"
)

const testSession uint16 = 0x1234

// fakeTerminal is a scripted ZKTeco terminal listening on loopback.
// handle returns the frames to write back for each request after CONNECT.
type fakeTerminal struct {
	ln     net.Listener
	handle func(p *packet) [][]byte

	mu       sync.Mutex
	received []*packet
}

func newFakeTerminal(t *testing.T, handle func(p *packet) [][]byte) *fakeTerminal {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeTerminal{ln: ln, handle: handle}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeTerminal) addr() string {
	return f.ln.Addr().String()
}

func (f *fakeTerminal) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		p, err := readPacket(conn)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, p)
		f.mu.Unlock()

		var frames [][]byte
		switch p.command {
		case cmdConnect:
			frames = [][]byte{reply(cmdAckOK, nil)}
		case cmdExit:
		default:
			if f.handle != nil {
				frames = f.handle(p)
			}
		}
		for _, fr := range frames {
			if _, err := conn.Write(fr); err != nil {
				return
			}
		}
	}
}

func (f *fakeTerminal) commands() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint16, 0, len(f.received))
	for _, p := range f.received {
		out = append(out, p.command)
	}
	return out
}

func reply(command uint16, data []byte) []byte {
	frame, _ := encodeFrame(command, testSession, 0, data)
	return frame
}

func sizesReply(users, records int) []byte {
	data := make([]byte, 80)
	binary.LittleEndian.PutUint32(data[4*4:], uint32(users))
	binary.LittleEndian.PutUint32(data[8*4:], uint32(records))
	return reply(cmdAckOK, data)
}

// encodeTime packs t the way the terminal stores punch times
func encodeTime(t time.Time) uint32 {
	days := ((t.Year()-2000)*12+int(t.Month())-1)*31 + t.Day() - 1
	return uint32(((days*24+t.Hour())*60+t.Minute())*60 + t.Second())
}

func testOptions() Options {
	return Options{
		ConnectTimeout:  time.Second,
		ResponseTimeout: 2 * time.Second,
		EnrollTimeout:   2 * time.Second,
		Location:        time.UTC,
	}
}

func dialFake(t *testing.T, f *fakeTerminal, opts Options) *Client {
	t.Helper()
	c, err := Dial(context.Background(), f.addr(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialHandshake(t *testing.T) {
	f := newFakeTerminal(t, func(p *packet) [][]byte {
		return [][]byte{sizesReply(3, 0)}
	})
	c := dialFake(t, f, testOptions())

	assert.True(t, c.Connected())
	assert.Equal(t, testSession, c.sessionID)

	_, err := c.UserCount(context.Background())
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.received, 2)
	assert.Equal(t, uint16(0), f.received[0].session)
	assert.Equal(t, uint16(0), f.received[0].reply)
	assert.Equal(t, testSession, f.received[1].session)
	assert.Equal(t, uint16(1), f.received[1].reply)
}

func TestDialUnauthorized(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := readPacket(conn); err == nil {
			conn.Write(reply(cmdAckUnauth, nil))
		}
		readPacket(conn)
	}()

	_, err = Dial(context.Background(), ln.Addr().String(), testOptions())
	var protoErr *device.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Reason, "communication key")
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, testOptions())
	var connErr *device.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, device.ConnRefused, connErr.Kind)
	assert.Equal(t, addr, connErr.Addr)
}

func TestDialTimeout(t *testing.T) {
	// a listener that accepts but never answers CONNECT
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(time.Second)
	}()

	opts := testOptions()
	opts.ResponseTimeout = 100 * time.Millisecond
	_, err = Dial(context.Background(), ln.Addr().String(), opts)

	var connErr *device.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, device.ConnTimeout, connErr.Kind)
	assert.Contains(t, device.Diagnose(err).Causes, "Device is powered off")
}

func optionReplies(values map[string]string, firmware string) func(p *packet) [][]byte {
	return func(p *packet) [][]byte {
		switch p.command {
		case cmdOptionsRRQ:
			key := strings.TrimRight(string(p.data), "\x00")
			v, ok := values[key]
			if !ok {
				return [][]byte{reply(cmdAckError, nil)}
			}
			return [][]byte{reply(cmdAckOK, []byte(key+"="+v+"\x00"))}
		case cmdGetVersion:
			if firmware == "" {
				return [][]byte{reply(cmdAckError, nil)}
			}
			return [][]byte{reply(cmdAckOK, []byte(firmware+"\x00"))}
		case cmdGetFreeSizes:
			return [][]byte{sizesReply(42, 1337)}
		}
		return [][]byte{reply(cmdAckError, nil)}
	}
}

func TestDeviceInfo(t *testing.T) {
	f := newFakeTerminal(t, optionReplies(map[string]string{
		"~DeviceName":   "iClock880",
		"~SerialNumber": "AF6C123456789",
		"~Platform":     "ZMM220_TFT",
		"~OEMVendor":    "ZKTeco Inc.",
	}, "Ver 6.60 Apr 28 2017"))
	c := dialFake(t, f, testOptions())
	ctx := context.Background()

	info, err := c.DeviceInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, &models.DeviceInfo{
		Model:        "iClock880",
		SerialNumber: "AF6C123456789",
		Firmware:     "Ver 6.60 Apr 28 2017",
		Platform:     "ZMM220_TFT",
		DeviceName:   "ZKTeco Inc.",
	}, info)

	users, err := c.UserCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, users)

	records, err := c.AttendanceCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1337, records)
}

func TestDeviceInfoWithoutVendorUsesModel(t *testing.T) {
	f := newFakeTerminal(t, optionReplies(map[string]string{
		"~DeviceName":   "K40",
		"~SerialNumber": "BOCK201260001",
	}, "Ver 6.4.1"))
	c := dialFake(t, f, testOptions())

	info, err := c.DeviceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "K40", info.DeviceName)
	assert.Empty(t, info.Platform)
}

func TestDeviceInfoMissingFirmware(t *testing.T) {
	f := newFakeTerminal(t, optionReplies(map[string]string{
		"~DeviceName":   "K40",
		"~SerialNumber": "BOCK201260001",
	}, ""))
	c := dialFake(t, f, testOptions())

	_, err := c.DeviceInfo(context.Background())
	var protoErr *device.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.Reason, "firmware")
	// a protocol failure leaves the session usable
	assert.True(t, c.Connected())
}

func TestCommandsAfterCloseFail(t *testing.T) {
	f := newFakeTerminal(t, nil)
	c := dialFake(t, f, testOptions())
	require.NoError(t, c.Close())

	assert.False(t, c.Connected())
	_, err := c.UserCount(context.Background())
	assert.ErrorIs(t, err, device.ErrNotConnected)
	// a second close is harmless
	assert.NoError(t, c.Close())
}

func TestLostConnectionMarksSessionDead(t *testing.T) {
	f := newFakeTerminal(t, func(p *packet) [][]byte {
		// a truncated frame that never completes
		return [][]byte{frameMagic[:]}
	})
	opts := testOptions()
	opts.ResponseTimeout = 200 * time.Millisecond
	c := dialFake(t, f, opts)

	_, err := c.UserCount(context.Background())
	require.Error(t, err)
	assert.False(t, c.Connected())
}
