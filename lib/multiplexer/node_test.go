package multiplexer_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/snowmerak/asmprobe/lib/multiplexer"
)

func TestNode_WriteReadMessage(t *testing.T) {
	tests := []struct {
		name string
		seq  uint32
		data []byte
	}{
		{name: "empty data", seq: 1, data: []byte{}},
		{name: "small data", seq: 2, data: []byte("hello world")},
		{name: "exactly one chunk", seq: 3, data: bytes.Repeat([]byte{1}, multiplexer.MessageChunkSize)},
		{name: "several chunks", seq: 4, data: bytes.Repeat([]byte("abc"), 2048)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, writer := io.Pipe()
			defer reader.Close()

			node := multiplexer.NewNode(reader, writer)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				errCh <- node.WriteMessageWithSequence(ctx, tt.seq, tt.data)
			}()

			messageCh, err := node.ReadMessage(ctx)
			if err != nil {
				t.Fatalf("ReadMessage failed: %v", err)
			}

			select {
			case msg := <-messageCh:
				if msg.Type != multiplexer.MessageHeaderTypeComplete {
					t.Fatalf("expected complete message, got type %d (%s)", msg.Type, msg.Data)
				}
				if msg.ID != tt.seq {
					t.Errorf("expected sequence %d, got %d", tt.seq, msg.ID)
				}
				if !bytes.Equal(msg.Data, tt.data) {
					t.Errorf("data mismatch: expected %d bytes, got %d", len(tt.data), len(msg.Data))
				}
			case <-ctx.Done():
				t.Fatal("timeout waiting for message")
			}

			if err := <-errCh; err != nil {
				t.Errorf("WriteMessageWithSequence() error = %v", err)
			}
			if got := node.GetPendingMessageCount(); got != 0 {
				t.Errorf("expected no pending messages, got %d", got)
			}
		})
	}
}

func TestNode_InterleavedMessages(t *testing.T) {
	var stream bytes.Buffer
	frame := func(typ uint8, id uint32, data []byte) {
		var h [multiplexer.MessageHeaderSize]byte
		h[0] = typ
		binary.BigEndian.PutUint32(h[1:5], id)
		binary.BigEndian.PutUint32(h[5:9], uint32(len(data)))
		stream.Write(h[:])
		stream.Write(data)
	}

	frame(multiplexer.MessageHeaderTypeStart, 1, nil)
	frame(multiplexer.MessageHeaderTypeStart, 2, nil)
	frame(multiplexer.MessageHeaderTypeData, 1, []byte("one-"))
	frame(multiplexer.MessageHeaderTypeData, 2, []byte("two"))
	frame(multiplexer.MessageHeaderTypeData, 1, []byte("done"))
	frame(multiplexer.MessageHeaderTypeEnd, 2, nil)
	frame(multiplexer.MessageHeaderTypeAbort, 1, nil)

	node := multiplexer.NewNode(&stream, io.Discard)
	ch, err := node.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var got []*multiplexer.Message
	for msg := range ch {
		got = append(got, msg)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != 2 || got[0].Type != multiplexer.MessageHeaderTypeComplete || string(got[0].Data) != "two" {
		t.Errorf("unexpected first message: id=%d type=%d data=%q", got[0].ID, got[0].Type, got[0].Data)
	}
	if got[1].ID != 1 || got[1].Type != multiplexer.MessageHeaderTypeAbort {
		t.Errorf("unexpected second message: id=%d type=%d", got[1].ID, got[1].Type)
	}
}

func TestNode_CorruptStream(t *testing.T) {
	tests := []struct {
		name   string
		stream []byte
	}{
		{name: "unknown frame type", stream: []byte{0x7F, 0, 0, 0, 1, 0, 0, 0, 0}},
		{name: "oversized chunk", stream: []byte{multiplexer.MessageHeaderTypeData, 0, 0, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF}},
		{name: "body on start frame", stream: []byte{multiplexer.MessageHeaderTypeStart, 0, 0, 0, 1, 0, 0, 0, 4}},
		{name: "truncated header", stream: []byte{multiplexer.MessageHeaderTypeStart, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := multiplexer.NewNode(bytes.NewReader(tt.stream), io.Discard)
			ch, err := node.ReadMessage(context.Background())
			if err != nil {
				t.Fatalf("ReadMessage failed: %v", err)
			}

			msg, ok := <-ch
			if !ok {
				t.Fatal("expected an error message before the channel closed")
			}
			if msg.Type != multiplexer.MessageHeaderTypeError {
				t.Errorf("expected error message, got type %d", msg.Type)
			}
			if _, ok := <-ch; ok {
				t.Error("expected the channel to close after a corrupt frame")
			}
		})
	}
}

func TestNode_MessageTooLarge(t *testing.T) {
	node := multiplexer.NewNodeWithLimit(bytes.NewReader(nil), io.Discard, 16)

	err := node.WriteMessage(context.Background(), make([]byte, 17))
	if !errors.Is(err, multiplexer.ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestNode_ReassemblyLimit(t *testing.T) {
	var stream bytes.Buffer
	writer := multiplexer.NewNode(nil, &stream)
	if err := writer.WriteMessageWithSequence(context.Background(), 9, make([]byte, 3000)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reader := multiplexer.NewNodeWithLimit(&stream, io.Discard, 2048)
	ch, err := reader.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	msg := <-ch
	if msg.Type != multiplexer.MessageHeaderTypeError || msg.ID != 9 {
		t.Fatalf("expected size error for frame 9, got id=%d type=%d", msg.ID, msg.Type)
	}
}

func TestNode_CancelledWriteAborts(t *testing.T) {
	var stream bytes.Buffer
	node := multiplexer.NewNode(nil, &stream)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := node.WriteMessageWithSequence(ctx, 5, []byte("payload"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	reader := multiplexer.NewNode(&stream, io.Discard)
	ch, _ := reader.ReadMessage(context.Background())
	msg := <-ch
	if msg.Type != multiplexer.MessageHeaderTypeAbort || msg.ID != 5 {
		t.Fatalf("expected abort for 5, got id=%d type=%d", msg.ID, msg.Type)
	}
}

func TestNode_NextSequenceSkipsZero(t *testing.T) {
	node := multiplexer.NewNode(nil, io.Discard)
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		seq := node.NextSequence()
		if seq == 0 {
			t.Fatal("sequence 0 is reserved")
		}
		if seen[seq] {
			t.Fatalf("sequence %d reused", seq)
		}
		seen[seq] = true
	}
}
