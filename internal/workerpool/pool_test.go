package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSubmitRunsAllTasks(t *testing.T) {
	p := New(2, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	if got := atomic.LoadInt64(&count); got != 10 {
		t.Fatalf("expected 10 tasks run, got %d", got)
	}
}

func TestSubmitBlocksWhenQueueFull(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	block := make(chan struct{})
	if err := p.Submit(func() { <-block }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Fill the one queue slot.
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	submitted := make(chan struct{})
	go func() {
		_ = p.Submit(func() {})
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatalf("expected Submit to block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatalf("expected the blocked Submit to complete once capacity freed")
	}
}

func TestRunRecoversFromPanic(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	_ = p.Submit(func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()
	time.Sleep(10 * time.Millisecond)
	p.Stop()

	if p.PanicCount() != 1 {
		t.Fatalf("expected 1 recorded panic, got %d", p.PanicCount())
	}
}

func TestSubmitAfterContextCancelReturnsError(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	block := make(chan struct{})
	if err := p.Submit(func() { <-block }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Fill the one queue slot so the worker is busy and the queue is full:
	// the next Submit's channel send cannot proceed, leaving ctx.Done() as
	// the only selectable case once cancelled.
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancel()

	err := p.Submit(func() {})
	if err == nil {
		t.Fatalf("expected an error submitting after context cancellation")
	}

	close(block)
	p.Stop()
}
