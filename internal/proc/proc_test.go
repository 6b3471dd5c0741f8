package proc

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunDispatchesOnSuccess(t *testing.T) {
	var success, failure atomic.Int32
	p := New([]string{"sh", "-c", "exit 0"}, Options{
		Name:      "ok",
		OnSuccess: func() { success.Add(1) },
		OnError:   func() { failure.Add(1) },
	})

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, "success callback", func() bool { return success.Load() == 1 })
	if failure.Load() != 0 {
		t.Errorf("OnError fired %d times, want 0", failure.Load())
	}
}

func TestRunDispatchesOnError(t *testing.T) {
	var success, failure atomic.Int32
	p := New([]string{"sh", "-c", "exit 3"}, Options{
		Name:      "bad",
		OnSuccess: func() { success.Add(1) },
		OnError:   func() { failure.Add(1) },
	})

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, "error callback", func() bool { return failure.Load() == 1 })
	if success.Load() != 0 {
		t.Errorf("OnSuccess fired %d times, want 0", success.Load())
	}
}

func TestCallbackFiresAtMostOncePerRun(t *testing.T) {
	var success atomic.Int32
	p := New([]string{"sh", "-c", "exit 0"}, Options{
		Name:      "twice",
		OnSuccess: func() { success.Add(1) },
	})

	for range 2 {
		if err := p.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	waitFor(t, "both callbacks", func() bool { return success.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := success.Load(); got != 2 {
		t.Errorf("OnSuccess fired %d times over two runs, want 2", got)
	}
}

func TestTerminateSuppressesCallbacks(t *testing.T) {
	var fired atomic.Int32
	p := New([]string{"sleep", "30"}, Options{
		Name:      "sleeper",
		OnSuccess: func() { fired.Add(1) },
		OnError:   func() { fired.Add(1) },
	})

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p.Terminate()
	if p.IsRunning() {
		t.Error("still running after Terminate")
	}
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("callbacks fired %d times after Terminate, want 0", got)
	}
}

func TestTerminateAndRunReplacesChild(t *testing.T) {
	var success atomic.Int32
	p := New([]string{"sleep", "30"}, Options{
		Name:      "replace",
		OnSuccess: func() { success.Add(1) },
	})

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p.Terminate()
	if err := p.RunWithCommand([]string{"sh", "-c", "exit 0"}); err != nil {
		t.Fatalf("RunWithCommand: %v", err)
	}

	// Only the replacement run's callback fires.
	waitFor(t, "replacement success", func() bool { return success.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := success.Load(); got != 1 {
		t.Errorf("OnSuccess fired %d times, want 1", got)
	}
}

func TestStreamSinksReceiveLines(t *testing.T) {
	outCh := make(chan string, 8)
	errCh := make(chan string, 8)
	p := New([]string{"sh", "-c", "echo out-line; echo err-line >&2"}, Options{
		Name:     "streams",
		OnStdout: func(line string) { outCh <- line },
		OnStderr: func(line string) { errCh <- line },
	})

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case line := <-outCh:
		if line != "out-line" {
			t.Errorf("stdout line = %q, want %q", line, "out-line")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no stdout line")
	}
	select {
	case line := <-errCh:
		if line != "err-line" {
			t.Errorf("stderr line = %q, want %q", line, "err-line")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no stderr line")
	}
}

func TestRunFromCallbackDoesNotDeadlock(t *testing.T) {
	var runs atomic.Int32
	var p *Process
	p = New([]string{"sh", "-c", "exit 0"}, Options{
		Name: "reentrant",
		OnSuccess: func() {
			if runs.Add(1) == 1 {
				if err := p.Run(); err != nil {
					t.Errorf("reentrant Run: %v", err)
				}
			}
		},
	})

	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, "second run", func() bool { return runs.Load() == 2 })
}
