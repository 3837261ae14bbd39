package core

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestJobPoolRejectsBadArguments(t *testing.T) {
	if _, err := NewJobPool(0, 4); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("expected ErrNoWorkers, got %v", err)
	}
	if _, err := NewJobPool(2, -1); !errors.Is(err, ErrNegativeQueueSize) {
		t.Errorf("expected ErrNegativeQueueSize, got %v", err)
	}
}

func TestJobPoolRunsEveryJob(t *testing.T) {
	jp, err := NewJobPool(4, 8)
	if err != nil {
		t.Fatal(err)
	}

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		jp.Go(func() {
			defer wg.Done()
			ran.Add(1)
		})
	}
	wg.Wait()
	jp.Shutdown()

	if got := ran.Load(); got != 100 {
		t.Errorf("expected 100 jobs to run, got %d", got)
	}
}

func TestJobPoolReportsErrors(t *testing.T) {
	jp, err := NewJobPool(1, 0)
	if err != nil {
		t.Fatal(err)
	}

	sentinel := errors.New("boom")
	done := make(chan error, 1)
	jp.Submit(Job{
		Work:       func() error { return sentinel },
		OnComplete: func(err error) { done <- err },
	})
	if got := <-done; !errors.Is(got, sentinel) {
		t.Errorf("expected the work error, got %v", got)
	}
	jp.Shutdown()
}

func TestJobPoolShutdownWaitsForInFlight(t *testing.T) {
	jp, err := NewJobPool(2, 4)
	if err != nil {
		t.Fatal(err)
	}

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		jp.Go(func() { ran.Add(1) })
	}
	jp.Shutdown()
	if got := ran.Load(); got != 10 {
		t.Errorf("shutdown returned before all jobs ran: %d of 10", got)
	}
}
