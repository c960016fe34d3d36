package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// 帧头长度：操作码(2字节) + 数据长度(4字节)
	FrameHeaderSize = 6
	// 最大帧大小，单帧画面一般在几百 KB 以内
	MaxFrameSize = 4 * 1024 * 1024
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
)

// EncodeFrame 编码二进制帧
// 帧格式: | opcode(2字节) | length(4字节) | body(变长) |
func EncodeFrame(opcode uint16, body []byte) []byte {
	buf := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], opcode)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	copy(buf[FrameHeaderSize:], body)
	return buf
}

// DecodeFrame 解码二进制帧，body 与 raw 共享底层数组
func DecodeFrame(raw []byte) (opcode uint16, body []byte, err error) {
	if len(raw) < FrameHeaderSize {
		return 0, nil, ErrFrameTooSmall
	}
	if len(raw) > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}

	opcode = binary.BigEndian.Uint16(raw[0:2])
	bodyLength := binary.BigEndian.Uint32(raw[2:6])

	expected := FrameHeaderSize + int(bodyLength)
	if len(raw) != expected {
		return 0, nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidFrame, expected, len(raw))
	}

	return opcode, raw[FrameHeaderSize:], nil
}
