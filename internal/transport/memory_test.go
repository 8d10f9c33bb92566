package transport

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPipeRoundTrip(t *testing.T) {
	a, b := NewMemoryPipe()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func TestMemoryPipeCloseUnblocksReceive(t *testing.T) {
	a, b := NewMemoryPipe()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := a.Receive(ctx)
		done <- err
	}()

	b.Close()
	a.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock after close")
	}
}

func TestMemoryPipeSendRespectsContextCancellation(t *testing.T) {
	a, _ := NewMemoryPipe()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 64; i++ {
		if err := a.Send(context.Background(), []byte("fill")); err != nil {
			t.Fatalf("fill send %d: %v", i, err)
		}
	}
	if err := a.Send(ctx, []byte("overflow")); err != ctx.Err() {
		t.Fatalf("expected context error on a full, canceled send, got %v", err)
	}
}
