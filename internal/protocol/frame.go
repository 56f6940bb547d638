package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFrameTooLarge is returned when a payload exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrInvalidChannel is returned for channel numbers outside the data range
	ErrInvalidChannel = errors.New("invalid channel number")
)

// Frame is a federation frame exchanged between relay nodes.
// Header format (4 bytes):
//
//	ConnID [2 bytes] - Federation connection identifier (big-endian)
//	Length [2 bytes] - Payload length (big-endian)
type Frame struct {
	ConnID  uint16
	Payload []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], f.ConnID)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Payload)))
	copy(buf[FrameHeaderSize:], f.Payload)

	return buf, nil
}

// DecodeFrame deserializes a federation frame. The returned payload aliases buf.
// Trailing bytes past the declared length are ignored.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < FrameHeaderSize {
		return nil, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	connID := binary.BigEndian.Uint16(buf[0:2])
	length := int(binary.BigEndian.Uint16(buf[2:4]))

	if len(buf) < FrameHeaderSize+length {
		return nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	return &Frame{
		ConnID:  connID,
		Payload: buf[FrameHeaderSize : FrameHeaderSize+length],
	}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{ConnID=0x%04x, PayloadLen=%d}", f.ConnID, len(f.Payload))
}

// EncodeChannelData builds a ChannelData message. Stream transports require
// the message to be padded to a multiple of four bytes.
func EncodeChannelData(number uint16, payload []byte, pad bool) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	size := ChannelDataHeaderSize + len(payload)
	if pad {
		size = ChannelDataHeaderSize + paddedLen(len(payload))
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], number)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[ChannelDataHeaderSize:], payload)

	return buf, nil
}

// DecodeChannelData parses a ChannelData message. The returned payload aliases buf.
func DecodeChannelData(buf []byte) (number uint16, payload []byte, err error) {
	if len(buf) < ChannelDataHeaderSize {
		return 0, nil, fmt.Errorf("%w: channel data header too short", ErrInvalidFrame)
	}

	number = binary.BigEndian.Uint16(buf[0:2])
	if !IsValidChannelNumber(number) {
		return 0, nil, fmt.Errorf("%w: 0x%04x", ErrInvalidChannel, number)
	}

	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < ChannelDataHeaderSize+length {
		return 0, nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	return number, buf[ChannelDataHeaderSize : ChannelDataHeaderSize+length], nil
}

// StreamMessageLen returns the full length of the STUN or ChannelData
// message whose header starts buf, including ChannelData padding. It needs
// at least four bytes.
func StreamMessageLen(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	length := int(binary.BigEndian.Uint16(buf[2:4]))
	switch {
	case buf[0]&0xC0 == 0x40:
		return ChannelDataHeaderSize + paddedLen(length), nil
	case buf[0]&0xC0 == 0:
		return 20 + length, nil
	default:
		return 0, fmt.Errorf("%w: unknown message type 0x%02x", ErrInvalidFrame, buf[0])
	}
}

func paddedLen(n int) int {
	return (n + 3) &^ 3
}
