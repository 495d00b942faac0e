package transport

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newClosedConnection(t *testing.T) *Connection {
	t.Helper()
	var wg sync.WaitGroup
	conn := NewConnection(context.Background(), &wg, nil, ConnectionConfig{}, nil, nil, testLogger())
	conn.Close(nil)
	return conn
}

func TestSendAfterCloseIsNoop(t *testing.T) {
	conn := newClosedConnection(t)

	// A late fan-out to a torn-down connection must drop silently, never
	// panic the sending goroutine.
	conn.Send([]byte(`{"event":"user_offline"}`))
	conn.Send([]byte(`{"event":"user_offline"}`))

	if !conn.Closed() {
		t.Error("Closed() = false after Close")
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Done channel still open after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := newClosedConnection(t)
	conn.Close(nil)
	conn.Close(nil)
}

func TestCloseReleasesWaitGroup(t *testing.T) {
	var wg sync.WaitGroup
	conn := NewConnection(context.Background(), &wg, nil, ConnectionConfig{}, nil, nil, testLogger())

	// Closing a connection whose pumps never ran must still release the
	// shutdown waitgroup.
	conn.Close(nil)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	<-done
}

func TestSendBuffersBeforeRun(t *testing.T) {
	var wg sync.WaitGroup
	conn := NewConnection(context.Background(), &wg, nil, ConnectionConfig{SendBuffer: 2}, nil, nil, testLogger())
	defer conn.Close(nil)

	conn.Send([]byte("a"))
	conn.Send([]byte("b"))
	// Buffer full: the third send drops instead of blocking.
	conn.Send([]byte("c"))

	if got := len(conn.send); got != 2 {
		t.Errorf("buffered %d messages, want 2", got)
	}
}
