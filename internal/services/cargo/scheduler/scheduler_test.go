package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewValidatesJobs(t *testing.T) {
	run := func(context.Context) error { return nil }
	cases := map[string]Job{
		"missing name": {Every: time.Second, Run: run},
		"zero every":   {Name: "a", Run: run},
		"missing run":  {Name: "a", Every: time.Second},
	}
	for name, job := range cases {
		if _, err := New(nil, job); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRunTicksUntilCanceled(t *testing.T) {
	var runs atomic.Int32
	ticked := make(chan struct{}, 16)
	s, err := New(zap.NewNop(), Job{
		Name:  "tick",
		Every: 5 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			select {
			case ticked <- struct{}{}:
			default:
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-ticked:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for tick %d", i+1)
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d, want at least 3", runs.Load())
	}
}

func TestImmediateJobRunsBeforeFirstTick(t *testing.T) {
	ran := make(chan struct{}, 1)
	s, err := New(nil, Job{
		Name:      "now",
		Every:     time.Hour,
		Immediate: true,
		Run: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate job did not run")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run error = %v", err)
	}
}

func TestJobErrorsAndPanicsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	calls := make(chan struct{}, 4)
	s, err := New(zap.New(core),
		Job{Name: "fails", Every: time.Hour, Immediate: true, Run: func(context.Context) error {
			calls <- struct{}{}
			return errors.New("boom")
		}},
		Job{Name: "panics", Every: time.Hour, Immediate: true, Run: func(context.Context) error {
			defer func() { calls <- struct{}{} }()
			panic("kaboom")
		}},
	)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs did not run")
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for logs.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run error = %v", err)
	}
	if logs.FilterMessage("job failed").Len() != 1 {
		t.Fatalf("expected one job failed log, got %v", logs.All())
	}
	if logs.FilterMessage("job panicked").Len() != 1 {
		t.Fatalf("expected one job panicked log, got %v", logs.All())
	}
}

func TestJobsListsNames(t *testing.T) {
	run := func(context.Context) error { return nil }
	s, err := New(nil, Job{Name: "a", Every: time.Second, Run: run}, Job{Name: "b", Every: time.Second, Run: run})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if got := s.Jobs(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Jobs() = %v", got)
	}
}
