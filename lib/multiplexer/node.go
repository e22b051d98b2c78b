package multiplexer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Node frames messages over one reader/writer pair. Each message is written
// as a start frame, data frames of at most MessageChunkSize bytes and an end
// frame, all tagged with the same sequence so several messages can interleave.
type Node struct {
	reader io.Reader
	writer io.Writer

	writerLock sync.Mutex
	readerLock sync.RWMutex

	readBuffer map[uint32]*Message

	sequence atomic.Uint32

	maxMessageSize int
	metrics        nodeMetrics
}

type nodeMetrics struct {
	messagesWritten atomic.Uint64
	messagesRead    atomic.Uint64
	bytesWritten    atomic.Uint64
	bytesRead       atomic.Uint64
}

func NewNode(reader io.Reader, writer io.Writer) *Node {
	return NewNodeWithLimit(reader, writer, DefaultMaxMessageSize)
}

// NewNodeWithLimit creates a Node that rejects messages larger than maxMessageSize.
func NewNodeWithLimit(reader io.Reader, writer io.Writer, maxMessageSize int) *Node {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Node{
		reader:         reader,
		writer:         writer,
		readBuffer:     make(map[uint32]*Message),
		maxMessageSize: maxMessageSize,
	}
}

const (
	// 1 byte frame type, 4 bytes sequence, 4 bytes data length
	MessageHeaderSize         = 9
	MessageHeaderTypeStart    = uint8(0x01) // Start of a message
	MessageHeaderTypeEnd      = uint8(0x02) // End of a message
	MessageHeaderTypeData     = uint8(0x03) // Data part of a message
	MessageHeaderTypeError    = uint8(0x04) // Local read error, never sent on the wire
	MessageHeaderTypeComplete = uint8(0x05) // Complete message (all parts received)
	MessageHeaderTypeAbort    = uint8(0x06) // Sender gave up on a message
)

const (
	MessageChunkSize = 1024

	// DefaultMaxMessageSize caps one reassembled message.
	DefaultMaxMessageSize = 10 << 20
)

// ErrMessageTooLarge is returned when a message exceeds the size limit.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

type Message struct {
	ID   uint32
	Data []byte
	Type uint8
}

// ReadMessage starts reading frames and delivers complete, aborted and error
// messages on the returned channel. The channel closes when the stream ends,
// breaks, or ctx is done.
func (n *Node) ReadMessage(ctx context.Context) (<-chan *Message, error) {
	const defaultMaxBufferLength = 256
	ch := make(chan *Message, defaultMaxBufferLength)

	go func() {
		defer close(ch)

		emit := func(m *Message) bool {
			select {
			case ch <- m:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(format string, args ...any) bool {
			return emit(&Message{Type: MessageHeaderTypeError, Data: fmt.Appendf(nil, format, args...)})
		}

		header := make([]byte, MessageHeaderSize)
		chunk := make([]byte, MessageChunkSize)

		for {
			if ctx.Err() != nil {
				return
			}

			if _, err := io.ReadFull(n.reader, header); err != nil {
				if !errors.Is(err, io.EOF) {
					fail("read frame header: %v", err)
				}
				return
			}

			frameType := header[0]
			frameID := binary.BigEndian.Uint32(header[1:5])
			dataLength := binary.BigEndian.Uint32(header[5:9])

			if frameType != MessageHeaderTypeData && dataLength != 0 {
				// Only data frames carry a body; anything else means the stream is out of sync.
				fail("frame type %d for %d carries %d bytes", frameType, frameID, dataLength)
				return
			}
			if dataLength > MessageChunkSize {
				fail("frame %d: chunk of %d bytes exceeds %d", frameID, dataLength, MessageChunkSize)
				return
			}

			switch frameType {
			case MessageHeaderTypeStart:
				n.readerLock.Lock()
				_, exists := n.readBuffer[frameID]
				if !exists {
					n.readBuffer[frameID] = &Message{ID: frameID, Type: MessageHeaderTypeStart}
				}
				n.readerLock.Unlock()

				if exists && !fail("frame ID %d already exists", frameID) {
					return
				}

			case MessageHeaderTypeData:
				if _, err := io.ReadFull(n.reader, chunk[:dataLength]); err != nil {
					fail("read frame %d data: %v", frameID, err)
					return
				}
				n.metrics.bytesRead.Add(uint64(dataLength))

				n.readerLock.Lock()
				m, ok := n.readBuffer[frameID]
				tooLarge := ok && len(m.Data)+int(dataLength) > n.maxMessageSize
				switch {
				case tooLarge:
					delete(n.readBuffer, frameID)
				case ok:
					m.Data = append(m.Data, chunk[:dataLength]...)
				}
				n.readerLock.Unlock()

				if !ok && !fail("unknown frame ID: %d", frameID) {
					return
				}
				if tooLarge && !emit(&Message{ID: frameID, Type: MessageHeaderTypeError, Data: []byte(ErrMessageTooLarge.Error())}) {
					return
				}

			case MessageHeaderTypeEnd, MessageHeaderTypeAbort:
				n.readerLock.Lock()
				m, ok := n.readBuffer[frameID]
				if ok {
					delete(n.readBuffer, frameID)
				}
				n.readerLock.Unlock()

				if !ok {
					if !fail("unknown frame ID: %d", frameID) {
						return
					}
					continue
				}

				m.Type = MessageHeaderTypeAbort
				if frameType == MessageHeaderTypeEnd {
					m.Type = MessageHeaderTypeComplete
					n.metrics.messagesRead.Add(1)
				}
				if !emit(m) {
					return
				}

			default:
				fail("unknown frame type: %d", frameType)
				return
			}
		}
	}()

	return ch, nil
}

func (n *Node) writeFrame(frameType uint8, frameID uint32, data []byte) error {
	var header [MessageHeaderSize]byte
	header[0] = frameType
	binary.BigEndian.PutUint32(header[1:5], frameID)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(data)))

	if _, err := n.writer.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if len(data) > 0 {
		if _, err := n.writer.Write(data); err != nil {
			return fmt.Errorf("failed to write data: %w", err)
		}
	}
	return nil
}

// WriteMessageWithSequence writes data as one message tagged with seq. The
// frames of one message are written under a single lock so a concurrent writer
// cannot split them. If ctx ends midway an abort frame is written instead of
// the end frame.
func (n *Node) WriteMessageWithSequence(ctx context.Context, seq uint32, data []byte) error {
	if len(data) > n.maxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), n.maxMessageSize)
	}

	n.writerLock.Lock()
	defer n.writerLock.Unlock()

	if n.writer == nil {
		return fmt.Errorf("writer is nil")
	}

	if err := n.writeFrame(MessageHeaderTypeStart, seq, nil); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	for rest := data; len(rest) > 0; {
		if err := ctx.Err(); err != nil {
			if abortErr := n.writeFrame(MessageHeaderTypeAbort, seq, nil); abortErr != nil {
				return fmt.Errorf("failed to write abort message: %w", abortErr)
			}
			return err
		}

		size := min(len(rest), MessageChunkSize)
		if err := n.writeFrame(MessageHeaderTypeData, seq, rest[:size]); err != nil {
			return fmt.Errorf("failed to write data chunk: %w", err)
		}
		rest = rest[size:]
	}

	if err := n.writeFrame(MessageHeaderTypeEnd, seq, nil); err != nil {
		return fmt.Errorf("failed to write end message: %w", err)
	}

	n.metrics.messagesWritten.Add(1)
	n.metrics.bytesWritten.Add(uint64(len(data)))
	return nil
}

// WriteMessage sends a message with automatic sequence numbering.
func (n *Node) WriteMessage(ctx context.Context, data []byte) error {
	return n.WriteMessageWithSequence(ctx, n.NextSequence(), data)
}

// NextSequence returns a fresh non-zero sequence number.
func (n *Node) NextSequence() uint32 {
	for {
		if seq := n.sequence.Add(1); seq != 0 {
			return seq
		}
	}
}

// Close drops partially received messages.
func (n *Node) Close() error {
	n.readerLock.Lock()
	defer n.readerLock.Unlock()
	clear(n.readBuffer)
	return nil
}

// GetPendingMessageCount returns the number of pending incomplete messages
func (n *Node) GetPendingMessageCount() int {
	n.readerLock.RLock()
	defer n.readerLock.RUnlock()
	return len(n.readBuffer)
}

// GetMetrics returns a snapshot of the traffic counters.
func (n *Node) GetMetrics() Metrics {
	return Metrics{
		MessagesWritten: n.metrics.messagesWritten.Load(),
		MessagesRead:    n.metrics.messagesRead.Load(),
		BytesWritten:    n.metrics.bytesWritten.Load(),
		BytesRead:       n.metrics.bytesRead.Load(),
	}
}
