package streamutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFinishFiresOnFinishedOnce(t *testing.T) {
	s := New(context.Background())
	var finishedCount int
	s.OnFinished(func() { finishedCount++ })

	s.PushData([]byte("a"))
	s.Finish()
	s.Finish()
	s.PushData([]byte("b"))

	if finishedCount != 1 {
		t.Fatalf("expected OnFinished to fire exactly once, got %d", finishedCount)
	}
}

func TestFailFiresOnError(t *testing.T) {
	s := New(context.Background())
	var gotErr error
	s.OnError(func(err error) { gotErr = err })

	sentinel := errors.New("boom")
	s.Fail(sentinel)
	s.Finish()

	if gotErr != sentinel {
		t.Fatalf("expected OnError to receive the failure error, got %v", gotErr)
	}
}

func TestCancelFiresOnCancelled(t *testing.T) {
	s := New(context.Background())
	done := make(chan struct{})
	s.OnCancelled(func() { close(done) })

	s.Cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected OnCancelled to fire after Cancel")
	}
}

func TestLateSubscriberAfterFinishedReceivesImmediately(t *testing.T) {
	s := New(context.Background())
	s.Finish()

	called := false
	s.OnFinished(func() { called = true })
	if !called {
		t.Fatal("expected a late OnFinished subscriber to fire immediately")
	}
}

func TestLateSubscriberAfterFailedReceivesImmediately(t *testing.T) {
	s := New(context.Background())
	sentinel := errors.New("boom")
	s.Fail(sentinel)

	var got error
	s.OnError(func(err error) { got = err })
	if got != sentinel {
		t.Fatalf("expected a late OnError subscriber to receive %v, got %v", sentinel, got)
	}
}

func TestContextCancelledPropagatesToCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx)
	done := make(chan struct{})
	s.OnCancelled(func() { close(done) })

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected parent context cancellation to cancel the stream")
	}
}
