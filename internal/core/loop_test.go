package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop(LoopConfig{Workers: 2, MailboxSize: 16})
	t.Cleanup(l.Close)
	return l
}

func TestLoopRunInlineOnLoop(t *testing.T) {
	l := newTestLoop(t)

	var sawInline bool
	err := l.Run(func() {
		// Run from the loop goroutine must not hand off again.
		inner := l.Run(func() { sawInline = true })
		if inner != nil {
			t.Errorf("nested Run returned %v", inner)
		}
	})
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if !sawInline {
		t.Error("nested Run did not execute inline")
	}
}

func TestLoopCallFromLoopFailsFast(t *testing.T) {
	l := newTestLoop(t)

	var callErr error
	if err := l.Run(func() {
		callErr = l.Call(func() {})
	}); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if !errors.Is(callErr, ErrCalledFromLoop) {
		t.Errorf("Call from loop returned %v, want ErrCalledFromLoop", callErr)
	}
}

func TestLoopSubmitFromLoopRunsAsMicrotask(t *testing.T) {
	l := newTestLoop(t)

	order := make(chan string, 2)
	if err := l.Call(func() {
		if err := l.Submit(func() { order <- "micro" }); err != nil {
			t.Errorf("Submit from loop returned %v", err)
		}
		order <- "outer"
	}); err != nil {
		t.Fatalf("Call returned %v", err)
	}

	// Flush the microtask.
	if err := l.Call(func() {}); err != nil {
		t.Fatalf("Call returned %v", err)
	}
	if got := []string{<-order, <-order}; got[0] != "outer" || got[1] != "micro" {
		t.Errorf("execution order %v, want [outer micro]", got)
	}
}

func TestLoopShutdownFailsFast(t *testing.T) {
	l := newTestLoop(t)
	l.Shutdown()

	if err := l.Submit(func() {}); !errors.Is(err, ErrLoopClosed) {
		t.Errorf("Submit after shutdown returned %v, want ErrLoopClosed", err)
	}
	if err := l.Call(func() {}); !errors.Is(err, ErrLoopClosed) {
		t.Errorf("Call after shutdown returned %v, want ErrLoopClosed", err)
	}
}

func TestRunJobCallbackInlineOnLoop(t *testing.T) {
	l := newTestLoop(t)

	job := NewCallbackJob("inline", func(context.Context, ...any) error {
		return nil
	})
	var task *Task
	var jobErr error
	if err := l.Call(func() {
		task, jobErr = l.RunJob(context.Background(), job)
	}); err != nil {
		t.Fatalf("Call returned %v", err)
	}
	if jobErr != nil {
		t.Fatalf("RunJob returned %v", jobErr)
	}
	if !task.Completed() {
		t.Error("callback dispatched from the loop should return a settled task")
	}
}

func TestRunJobKinds(t *testing.T) {
	l := newTestLoop(t)

	wantErr := errors.New("boom")
	tests := []struct {
		name string
		job  *Job
		err  error
	}{
		{"callback", NewCallbackJob("cb", func(context.Context, ...any) error { return nil }), nil},
		{"task", NewTaskJob("task", func(context.Context, ...any) error { return wantErr }), wantErr},
		{"blocking", NewBlockingJob("blk", func(context.Context, ...any) error { return nil }), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := l.RunJob(context.Background(), tt.job)
			if err != nil {
				t.Fatalf("RunJob returned %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := task.Wait(ctx); !errors.Is(err, tt.err) {
				t.Errorf("task error %v, want %v", err, tt.err)
			}
			if !task.Completed() {
				t.Error("task not settled after Wait")
			}
		})
	}
}

func TestRunJobRecoversPanic(t *testing.T) {
	l := newTestLoop(t)

	job := NewTaskJob("panics", func(context.Context, ...any) error {
		panic("kaboom")
	})
	task, err := l.RunJob(context.Background(), job)
	if err != nil {
		t.Fatalf("RunJob returned %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := task.Wait(ctx); err == nil {
		t.Error("panicking job should settle with an error")
	}
}

func TestBlockTillDoneDrainsPending(t *testing.T) {
	l := newTestLoop(t)
	l.TrackTasks()

	release := make(chan struct{})
	job := NewTaskJob("slow", func(context.Context, ...any) error {
		<-release
		return nil
	})
	if _, err := l.RunJob(context.Background(), job); err != nil {
		t.Fatalf("RunJob returned %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- l.BlockTillDone(ctx)
	}()

	select {
	case err := <-done:
		t.Fatalf("BlockTillDone returned %v before the task finished", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("BlockTillDone returned %v", err)
	}
}

func TestBlockTillDoneHonorsContext(t *testing.T) {
	l := newTestLoop(t)
	l.TrackTasks()

	job := NewTaskJob("stuck", func(ctx context.Context, _ ...any) error {
		<-ctx.Done()
		return ctx.Err()
	})
	jobCtx, jobCancel := context.WithCancel(context.Background())
	defer jobCancel()
	if _, err := l.RunJob(jobCtx, job); err != nil {
		t.Fatalf("RunJob returned %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := l.BlockTillDone(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("BlockTillDone returned %v, want deadline exceeded", err)
	}
}

func TestStopTrackTasksSkipsPendingSet(t *testing.T) {
	l := newTestLoop(t)
	l.StopTrackTasks()

	release := make(chan struct{})
	defer close(release)
	job := NewTaskJob("untracked", func(context.Context, ...any) error {
		<-release
		return nil
	})
	if _, err := l.RunJob(context.Background(), job); err != nil {
		t.Fatalf("RunJob returned %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.BlockTillDone(ctx); err != nil {
		t.Errorf("BlockTillDone should not wait on untracked tasks, got %v", err)
	}
}
