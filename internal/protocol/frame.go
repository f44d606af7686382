// Copyright (c) 2026 Ilya Maximets <i.maximets@ovn.org>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protocol implements the wire format of the socketpair broker:
// a fixed 1040-byte envelope carrying a request/response discriminator,
// a payload union, and out-of-band file descriptors passed alongside it
// over a Unix domain stream socket.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Request discriminates the kind of message carried by a Frame.
type Request uint32

const (
	RequestNone    Request = 0
	RequestGetPair Request = 1
	RequestSetPair Request = 2
)

func (r Request) String() string {
	switch r {
	case RequestNone:
		return "NONE"
	case RequestGetPair:
		return "GET_PAIR"
	case RequestSetPair:
		return "SET_PAIR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(r))
	}
}

// Mode is the role a peer declares in a GET_PAIR request.
type Mode uint16

const (
	ModeNone   Mode = 0
	ModeClient Mode = 1
	ModeServer Mode = 2
	modeMax    Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return "<unknown>"
	}
}

const (
	// ProtocolVersion is the only version this broker speaks.
	ProtocolVersion = 0x1
	versionMask     = 0xf

	// MaxKeyLength bounds a GET_PAIR key, matching SP_BROKER_MAX_KEY_LENGTH.
	MaxKeyLength = 1024

	// MaxFDs bounds the number of descriptors accompanying one frame.
	MaxFDs = 64

	headerSize  = 12   // request + flags + size
	payloadSize = 1028 // max(sizeof(u64), sizeof(getPairRequest))

	// EnvelopeSize is the fixed number of bytes transferred per message,
	// independent of the declared payload Size field.
	EnvelopeSize = headerSize + payloadSize

	// GetPairPayloadSize is the declared Size for a GET_PAIR request.
	GetPairPayloadSize = 4 + MaxKeyLength // mode(2) + key_len(2) + key(1024)
	// SetPairPayloadSize is the declared Size for a SET_PAIR request.
	SetPairPayloadSize = 8
)

// GetPairRequest is the GET_PAIR sub-record of the payload union.
type GetPairRequest struct {
	Mode   Mode
	KeyLen uint16
	Key    [MaxKeyLength]byte
}

// Frame is a decoded protocol envelope. Payload is the raw 1028-byte union;
// use GetPair or SetPairValue to interpret it according to Request.
type Frame struct {
	Request Request
	Flags   uint32
	Size    uint32
	Payload [payloadSize]byte
}

// GetPair interprets the payload union as a GET_PAIR sub-record.
func (f *Frame) GetPair() GetPairRequest {
	var req GetPairRequest
	req.Mode = Mode(binary.NativeEndian.Uint16(f.Payload[0:2]))
	req.KeyLen = binary.NativeEndian.Uint16(f.Payload[2:4])
	copy(req.Key[:], f.Payload[4:4+MaxKeyLength])
	return req
}

// SetGetPair serializes a GET_PAIR sub-record into the payload union.
func (f *Frame) SetGetPair(req GetPairRequest) {
	binary.NativeEndian.PutUint16(f.Payload[0:2], uint16(req.Mode))
	binary.NativeEndian.PutUint16(f.Payload[2:4], req.KeyLen)
	copy(f.Payload[4:4+MaxKeyLength], req.Key[:])
}

// SetPairValue interprets the payload union as the SET_PAIR scalar.
func (f *Frame) SetPairValue() uint64 {
	return binary.NativeEndian.Uint64(f.Payload[0:8])
}

// SetSetPairValue serializes the SET_PAIR scalar into the payload union.
func (f *Frame) SetSetPairValue(v uint64) {
	binary.NativeEndian.PutUint64(f.Payload[0:8], v)
}

// NewGetPair builds a validator-conformant GET_PAIR frame.
func NewGetPair(mode Mode, key []byte) (*Frame, error) {
	if len(key) < 1 || len(key) > MaxKeyLength {
		return nil, fmt.Errorf("protocol: key length %d out of range", len(key))
	}
	f := &Frame{
		Request: RequestGetPair,
		Flags:   ProtocolVersion,
		Size:    GetPairPayloadSize,
	}
	var req GetPairRequest
	req.Mode = mode
	req.KeyLen = uint16(len(key))
	copy(req.Key[:], key)
	f.SetGetPair(req)
	return f, nil
}

// NewSetPair builds a validator-conformant SET_PAIR frame. The accompanying
// descriptor is not part of the Frame value; it travels via Encode's fds.
func NewSetPair() *Frame {
	return &Frame{
		Request: RequestSetPair,
		Flags:   ProtocolVersion,
		Size:    SetPairPayloadSize,
	}
}

// ErrTruncated is returned when a receive observes a short data or ancillary
// transfer; the caller must treat the connection as dead.
var ErrTruncated = errors.New("protocol: truncated envelope or ancillary data")

// Encode sends frame as a single envelope, attaching fds on the ancillary
// channel. It fails with an error if len(fds) exceeds MaxFDs.
func Encode(conn *net.UnixConn, f *Frame, fds []int) error {
	if len(fds) > MaxFDs {
		return fmt.Errorf("protocol: %d fds exceeds max of %d", len(fds), MaxFDs)
	}

	buf := make([]byte, EnvelopeSize)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(f.Request))
	binary.NativeEndian.PutUint32(buf[4:8], f.Flags)
	binary.NativeEndian.PutUint32(buf[8:12], f.Size)
	copy(buf[headerSize:], f.Payload[:])

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	n, oobn, err := conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return err
	}
	if n != len(buf) || oobn != len(oob) {
		return ErrTruncated
	}
	return nil
}

// Decode receives exactly one envelope, draining up to MaxFDs ancillary
// descriptors into the returned slice. A clean end-of-stream (zero bytes
// read, no error) returns (nil, nil, nil). A short or truncated read closes
// every descriptor it did receive and returns ErrTruncated.
func Decode(conn *net.UnixConn) (*Frame, []int, error) {
	buf := make([]byte, EnvelopeSize)
	oob := make([]byte, unix.CmsgSpace(MaxFDs*4))

	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if n == 0 && (err == nil || errors.Is(err, io.EOF)) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	fds, parseErr := parseFDs(oob[:oobn])
	if flags&unix.MSG_TRUNC != 0 || flags&unix.MSG_CTRUNC != 0 || n != len(buf) || parseErr != nil {
		closeAll(fds)
		return nil, nil, ErrTruncated
	}

	f := &Frame{
		Request: Request(binary.NativeEndian.Uint32(buf[0:4])),
		Flags:   binary.NativeEndian.Uint32(buf[4:8]),
		Size:    binary.NativeEndian.Uint32(buf[8:12]),
	}
	copy(f.Payload[:], buf[headerSize:])
	return f, fds, nil
}

func parseFDs(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, m := range msgs {
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
