// Package wire defines the envelope and payload encodings exchanged between an
// isolation context host and its worker process.
//
// Every framed message carries a Header. The header payload is one of the
// protobuf-encoded messages in messages.go.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType represents the role of a message in the host/worker exchange.
type MessageType uint8

const (
	MessageTypeRequest  MessageType = 0x01 // Request message (expects response)
	MessageTypeResponse MessageType = 0x02 // Response to a request
	MessageTypeNotify   MessageType = 0x03 // Notification (no response expected)
	MessageTypeAck      MessageType = 0x04 // Acknowledgment of a control message
	MessageTypeError    MessageType = 0x05 // Infrastructure error answering a request
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeRequest:
		return "Request"
	case MessageTypeResponse:
		return "Response"
	case MessageTypeNotify:
		return "Notify"
	case MessageTypeAck:
		return "Ack"
	case MessageTypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Service and control message names.
const (
	NameExtractByName = "extract_by_name"
	NameExtractByPath = "extract_by_path"
	NameLoaded        = "loaded"

	NameReady            = "ready"
	NameRequestReady     = "request_ready"
	NameShutdown         = "shutdown"
	NameShutdownAck      = "shutdown_ack"
	NameForceShutdown    = "force_shutdown"
	NameForceShutdownAck = "force_shutdown_ack"
)

// maxNameLength bounds the service name so a corrupted length prefix cannot
// trigger a huge allocation.
const maxNameLength = 1 << 10

// Header is the envelope of every message: service name, error status, type and payload.
type Header struct {
	Name        string
	IsError     bool
	MessageType MessageType
	Payload     []byte
}

// MarshalBinary encodes the header as
// name length (u32) | name | is-error (u8) | type (u8) | payload length (u32) | payload.
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.Name) > maxNameLength {
		return nil, fmt.Errorf("name length %d exceeds maximum %d", len(h.Name), maxNameLength)
	}

	buf := make([]byte, 0, 4+len(h.Name)+2+4+len(h.Payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.Name)))
	buf = append(buf, h.Name...)

	var isErrorByte byte
	if h.IsError {
		isErrorByte = 1
	}
	buf = append(buf, isErrorByte, byte(h.MessageType))

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.Payload)))
	buf = append(buf, h.Payload...)

	return buf, nil
}

// UnmarshalBinary decodes a header produced by MarshalBinary.
func (h *Header) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	var nameLen uint32
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return fmt.Errorf("failed to read name length: %w", err)
	}
	if nameLen > maxNameLength {
		return fmt.Errorf("name length %d exceeds maximum %d", nameLen, maxNameLength)
	}

	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return fmt.Errorf("failed to read name: %w", err)
	}

	var flags [2]byte
	if _, err := io.ReadFull(r, flags[:]); err != nil {
		return fmt.Errorf("failed to read flags: %w", err)
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return fmt.Errorf("failed to read payload length: %w", err)
	}
	if int64(payloadLen) > int64(r.Len()) {
		return fmt.Errorf("payload length %d exceeds remaining %d bytes", payloadLen, r.Len())
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	h.Name = string(name)
	h.IsError = flags[0] == 1
	h.MessageType = MessageType(flags[1])
	h.Payload = payload
	return nil
}
