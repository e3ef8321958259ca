// Package zkteco implements the ZKTeco terminal protocol over TCP
package zkteco

import (
	"encoding/binary"
	"io"

	"zk-bridge/internal/device"
)

// Command codes understood by the terminals
const (
	cmdConnect       uint16 = 1000
	cmdExit          uint16 = 1001
	cmdRefreshData   uint16 = 1013
	cmdAckOK         uint16 = 2000
	cmdAckError      uint16 = 2001
	cmdAckUnauth     uint16 = 2005
	cmdPrepareData   uint16 = 1500
	cmdData          uint16 = 1501
	cmdFreeData      uint16 = 1502
	cmdDataWRRQ      uint16 = 1503
	cmdDataRdy       uint16 = 1504
	cmdGetFreeSizes  uint16 = 50
	cmdOptionsRRQ    uint16 = 11
	cmdGetVersion    uint16 = 1100
	cmdUserWRQ       uint16 = 8
	cmdAttLogRRQ     uint16 = 13
	cmdStartEnroll   uint16 = 61
	cmdCancelCapture uint16 = 62
	cmdRegEvent      uint16 = 500
	cmdGetUserTemp   uint16 = 88
)

const (
	ushrtMax = 65535

	// maxChunk is the largest buffer a terminal hands out per DATA_RDY request over TCP
	maxChunk = 0xFFC0
	// maxFrame bounds a single TCP frame so a corrupt length cannot exhaust memory
	maxFrame = 1 << 20

	headerSize = 8
)

var frameMagic = [4]byte{0x50, 0x50, 0x82, 0x7d}

type packet struct {
	command uint16
	session uint16
	reply   uint16
	data    []byte
}

// checksum is the terminal's 16-bit sum over little-endian words
func checksum(p []byte) uint16 {
	sum := 0
	for i := 0; i < len(p); i += 2 {
		if i == len(p)-1 {
			sum += int(p[i])
		} else {
			sum += int(binary.LittleEndian.Uint16(p[i:]))
		}
		sum %= ushrtMax
	}
	return uint16(ushrtMax - sum - 1)
}

// encodeFrame builds a TCP frame. The checksum covers the header carrying replyID
// while the header on the wire carries the advanced reply id, as the terminals expect.
func encodeFrame(command, session, replyID uint16, data []byte) ([]byte, uint16) {
	buf := make([]byte, headerSize+len(data))
	binary.LittleEndian.PutUint16(buf[0:], command)
	binary.LittleEndian.PutUint16(buf[4:], session)
	binary.LittleEndian.PutUint16(buf[6:], replyID)
	copy(buf[headerSize:], data)
	binary.LittleEndian.PutUint16(buf[2:], checksum(buf))

	next := uint16((int(replyID) + 1) % ushrtMax)
	binary.LittleEndian.PutUint16(buf[6:], next)

	frame := make([]byte, 8+len(buf))
	copy(frame, frameMagic[:])
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(buf)))
	copy(frame[8:], buf)
	return frame, next
}

func readPacket(r io.Reader) (*packet, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	if [4]byte(prefix[:4]) != frameMagic {
		return nil, device.NewProtocolError("read", "bad frame prefix % x", prefix[:4])
	}
	n := binary.LittleEndian.Uint32(prefix[4:])
	if n < headerSize || n > maxFrame {
		return nil, device.NewProtocolError("read", "bad frame length %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &packet{
		command: binary.LittleEndian.Uint16(body[0:]),
		session: binary.LittleEndian.Uint16(body[4:]),
		reply:   binary.LittleEndian.Uint16(body[6:]),
		data:    body[headerSize:],
	}, nil
}
