package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type captureSink struct {
	mu      sync.Mutex
	entries []RequestLog
}

func (s *captureSink) Flush(_ context.Context, batch []RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, batch...)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestLogger_CloseFlushesPending(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.SetSink(sink)

	for i := 0; i < 7; i++ {
		l.Log(RequestLog{
			ID:      uuid.New(),
			Backend: "mock-a",
			Model:   "gpt-test",
			Status:  200,
		})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := sink.count(); got != 7 {
		t.Fatalf("sink received %d entries, want 7", got)
	}
	if dropped := l.DroppedLogs(); dropped != 0 {
		t.Fatalf("DroppedLogs = %d, want 0", dropped)
	}
}

func TestLogger_PeriodicFlush(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.SetSink(sink)
	defer l.Close()

	l.Log(RequestLog{ID: uuid.New(), Backend: "mock-b", Status: 200})

	deadline := time.Now().Add(3 * time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("entry was not flushed within the flush interval")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLogger_NilContextRejected(t *testing.T) {
	//nolint:staticcheck
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil context")
	}
}
