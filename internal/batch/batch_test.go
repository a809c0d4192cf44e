package batch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/backends"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRequest(model, content string, maxTokens int) *backends.ChatRequest {
	return &backends.ChatRequest{
		Model:    model,
		Messages: []backends.Message{{Role: "user", Content: content}},
		Generation: backends.GenerationParams{
			MaxTokens:   maxTokens,
			Temperature: 1.0,
			TopP:        1.0,
		},
	}
}

func TestClassOf_Quantization(t *testing.T) {
	base := testRequest("m", "x", 256)

	same := testRequest("m", "y", 250) // rounds to the 256 bucket
	if ClassOf(base) != ClassOf(same) {
		t.Error("nearby max_tokens should share a class")
	}

	tempA := testRequest("m", "x", 256)
	tempA.Generation.Temperature = 0.701
	tempB := testRequest("m", "x", 256)
	tempB.Generation.Temperature = 0.699
	if ClassOf(tempA) != ClassOf(tempB) {
		t.Error("temperatures within a centi-bucket should share a class")
	}

	other := testRequest("other-model", "x", 256)
	if ClassOf(base) == ClassOf(other) {
		t.Error("different models must not share a class")
	}
	far := testRequest("m", "x", 512)
	if ClassOf(base) == ClassOf(far) {
		t.Error("distant max_tokens must not share a class")
	}
}

func TestBatcher_FlushAtMaxSize(t *testing.T) {
	const maxSize = 3

	var mu sync.Mutex
	var sizes []int
	dispatch := func(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
		return &backends.ChatResponse{Content: req.Messages[0].Content}, nil
	}
	b := New(maxSize, time.Second, dispatch, testLogger(), func(size int) {
		mu.Lock()
		sizes = append(sizes, size)
		mu.Unlock()
	})
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < maxSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := b.Execute(context.Background(), testRequest("m", "hi", 256))
			if err != nil || resp.Content != "hi" {
				t.Errorf("execute: resp=%+v err=%v", resp, err)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		// The wait deadline is 1s; finishing well before it proves the
		// size trigger fired.
		t.Fatal("full batch did not flush before the deadline")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 1 || sizes[0] != maxSize {
		t.Fatalf("flush sizes = %v, want [%d]", sizes, maxSize)
	}
}

func TestBatcher_FlushAtDeadline(t *testing.T) {
	dispatch := func(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
		return &backends.ChatResponse{Content: "ok"}, nil
	}
	b := New(8, 20*time.Millisecond, dispatch, testLogger(), nil)
	defer b.Close()

	start := time.Now()
	if _, err := b.Execute(context.Background(), testRequest("m", "solo", 256)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("lone request took %v, deadline flush did not fire", elapsed)
	}
}

func TestBatcher_ResponsesInEnqueueOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	dispatch := func(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
		mu.Lock()
		order = append(order, req.Messages[0].Content)
		mu.Unlock()
		return &backends.ChatResponse{}, nil
	}
	b := New(8, 50*time.Millisecond, dispatch, testLogger(), nil)
	defer b.Close()

	var wg sync.WaitGroup
	for _, content := range []string{"a", "b", "c"} {
		wg.Add(1)
		content := content
		go func() {
			defer wg.Done()
			b.Execute(context.Background(), testRequest("m", content, 256)) //nolint:errcheck
		}()
		// Stagger so enqueue order is deterministic.
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("dispatch order = %v, want [a b c]", order)
	}
}

func TestBatcher_ClassesFlushIndependently(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	dispatch := func(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
		return &backends.ChatResponse{}, nil
	}
	b := New(8, 20*time.Millisecond, dispatch, testLogger(), func(size int) {
		mu.Lock()
		sizes = append(sizes, size)
		mu.Unlock()
	})
	defer b.Close()

	var wg sync.WaitGroup
	for _, model := range []string{"model-a", "model-b"} {
		wg.Add(1)
		model := model
		go func() {
			defer wg.Done()
			b.Execute(context.Background(), testRequest(model, "x", 256)) //nolint:errcheck
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 2 {
		t.Fatalf("expected 2 independent flushes, got %v", sizes)
	}
}

func TestBatcher_IdleClassTornDown(t *testing.T) {
	dispatch := func(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
		return &backends.ChatResponse{}, nil
	}
	b := New(8, 10*time.Millisecond, dispatch, testLogger(), nil)
	defer b.Close()

	if _, err := b.Execute(context.Background(), testRequest("m", "x", 256)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Idle window is 5× the wait; poll until the worker retires.
	deadline := time.After(2 * time.Second)
	for {
		b.mu.Lock()
		n := len(b.classes)
		b.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("class worker still alive after idle window, %d classes", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBatcher_ExecuteRacingClose(t *testing.T) {
	dispatch := func(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
		return &backends.ChatResponse{Content: "ok"}, nil
	}

	// Requests arriving around Close must either join a worker that Close
	// still waits for or fall back to direct dispatch; every call returns.
	for i := 0; i < 50; i++ {
		b := New(8, time.Millisecond, dispatch, testLogger(), nil)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := b.Execute(context.Background(), testRequest("m", "x", 256))
				if err != nil || resp.Content != "ok" {
					t.Errorf("execute: resp=%+v err=%v", resp, err)
				}
			}()
		}
		b.Close()
		wg.Wait()
	}
}

func TestBatcher_DirectDispatchAfterClose(t *testing.T) {
	dispatch := func(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
		return &backends.ChatResponse{Content: "direct"}, nil
	}
	b := New(8, time.Second, dispatch, testLogger(), nil)
	b.Close()

	resp, err := b.Execute(context.Background(), testRequest("m", "x", 256))
	if err != nil || resp.Content != "direct" {
		t.Fatalf("resp=%+v err=%v, want direct dispatch", resp, err)
	}
}
