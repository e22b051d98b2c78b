// Package multiplexer carries whole messages over a byte stream, such as the
// stdin/stdout pipes of a child process, with several messages in flight at once.
package multiplexer

import (
	"context"
	"io"
)

// Multiplexer provides a unified interface for message multiplexing
type Multiplexer interface {
	// WriteMessage sends a message with automatic sequence numbering
	WriteMessage(ctx context.Context, data []byte) error

	// WriteMessageWithSequence sends a message with a specific sequence number
	WriteMessageWithSequence(ctx context.Context, seq uint32, data []byte) error

	// NextSequence reserves a sequence number for a request that expects a reply
	NextSequence() uint32

	// ReadMessage reads messages and returns a channel
	ReadMessage(ctx context.Context) (<-chan *APIMessage, error)

	// Close cleanly shuts down the multiplexer
	Close() error

	// GetPendingMessageCount returns the number of pending messages
	GetPendingMessageCount() int

	// GetMetrics returns traffic counters
	GetMetrics() Metrics
}

// APIMessage represents a received message for the API. Err is set instead
// of Data when the stream reported a problem; Aborted marks a message the
// sender gave up on.
type APIMessage struct {
	Sequence uint32
	Data     []byte
	Aborted  bool
	Err      string
}

// Metrics contains traffic information
type Metrics struct {
	MessagesWritten uint64
	MessagesRead    uint64
	BytesWritten    uint64
	BytesRead       uint64
}

// Config holds configuration options for the multiplexer
type Config struct {
	// MaxMessageSize sets the maximum allowed message size (default: 10MB)
	MaxMessageSize int
}

// nodeAdapter exposes a Node through the Multiplexer interface.
type nodeAdapter struct {
	*Node
}

func (a nodeAdapter) ReadMessage(ctx context.Context) (<-chan *APIMessage, error) {
	ch, err := a.Node.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}

	apiCh := make(chan *APIMessage, cap(ch))
	go func() {
		defer close(apiCh)
		for msg := range ch {
			out := &APIMessage{Sequence: msg.ID}
			switch msg.Type {
			case MessageHeaderTypeComplete:
				out.Data = msg.Data
			case MessageHeaderTypeAbort:
				out.Aborted = true
			default:
				out.Err = string(msg.Data)
			}
			select {
			case apiCh <- out:
			case <-ctx.Done():
				return
			}
		}
	}()

	return apiCh, nil
}

// New creates a new multiplexer with default limits.
func New(reader io.Reader, writer io.Writer) Multiplexer {
	return nodeAdapter{NewNode(reader, writer)}
}

// NewWithConfig creates a multiplexer with custom configuration
func NewWithConfig(reader io.Reader, writer io.Writer, config Config) Multiplexer {
	return nodeAdapter{NewNodeWithLimit(reader, writer, config.MaxMessageSize)}
}
