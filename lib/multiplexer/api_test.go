package multiplexer

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// TestBasicAPIUsage exercises a full exchange over a pair of pipes, the way a
// host and its child process talk.
func TestBasicAPIUsage(t *testing.T) {
	hostIn, childOut := io.Pipe()
	childIn, hostOut := io.Pipe()
	defer hostIn.Close()
	defer childIn.Close()

	host := New(hostIn, hostOut)
	child := New(childIn, childOut)
	defer host.Close()
	defer child.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	childRecv, err := child.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("child ReadMessage failed: %v", err)
	}
	hostRecv, err := host.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("host ReadMessage failed: %v", err)
	}

	// Echo server.
	go func() {
		for msg := range childRecv {
			if msg.Err != "" || msg.Aborted {
				continue
			}
			_ = child.WriteMessageWithSequence(ctx, msg.Sequence, append([]byte("echo:"), msg.Data...))
		}
	}()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := host.WriteMessageWithSequence(ctx, host.NextSequence(), []byte("ping")); err != nil {
				t.Errorf("WriteMessage failed: %v", err)
			}
		}()
	}

	seen := make(map[uint32]bool)
	for len(seen) < n {
		select {
		case msg := <-hostRecv:
			if msg.Err != "" {
				t.Fatalf("unexpected stream error: %s", msg.Err)
			}
			if string(msg.Data) != "echo:ping" {
				t.Fatalf("unexpected payload %q", msg.Data)
			}
			seen[msg.Sequence] = true
		case <-ctx.Done():
			t.Fatalf("timeout after %d of %d replies", len(seen), n)
		}
	}
	wg.Wait()

	metrics := host.GetMetrics()
	if metrics.MessagesWritten != n || metrics.MessagesRead != n {
		t.Errorf("unexpected metrics: %+v", metrics)
	}
}

func TestNewWithConfig(t *testing.T) {
	mux := NewWithConfig(nil, io.Discard, Config{MaxMessageSize: 8})
	if err := mux.WriteMessage(context.Background(), make([]byte, 9)); err == nil {
		t.Fatal("expected size limit error")
	}
	if err := mux.WriteMessage(context.Background(), make([]byte, 8)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
