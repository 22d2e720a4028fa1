package platform

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func recordingHook(name string, calls *[]string, startErr error) Hook {
	return Hook{
		Name: name,
		Start: func(context.Context) error {
			*calls = append(*calls, "start "+name)
			return startErr
		},
		Stop: func(context.Context) error {
			*calls = append(*calls, "stop "+name)
			return nil
		},
	}
}

func TestLifecycle_StartAndStop(t *testing.T) {
	lc := NewLifecycle(nil)

	var calls []string
	lc.Append(recordingHook("a", &calls, nil))
	lc.Append(recordingHook("b", &calls, nil))
	lc.Append(Hook{Name: "no-op"})

	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !lc.IsStarted() {
		t.Error("IsStarted() = false after Start()")
	}
	if err := lc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if lc.IsStarted() {
		t.Error("IsStarted() = true after Stop()")
	}

	want := []string{"start a", "start b", "stop b", "stop a"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestLifecycle_StartAlreadyStarted(t *testing.T) {
	lc := NewLifecycle(nil)
	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := lc.Start(context.Background()); err == nil {
		t.Error("Start() expected error for already started")
	}
}

func TestLifecycle_StopNotStarted(t *testing.T) {
	lc := NewLifecycle(nil)
	if err := lc.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v, expected nil for not started", err)
	}
}

func TestLifecycle_StartRollbackOnError(t *testing.T) {
	lc := NewLifecycle(nil)

	var calls []string
	lc.Append(recordingHook("a", &calls, nil))
	lc.Append(recordingHook("b", &calls, nil))
	lc.Append(recordingHook("c", &calls, errors.New("boom")))
	lc.Append(recordingHook("d", &calls, nil))

	err := lc.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "starting c: boom") {
		t.Fatalf("Start() error = %v, want starting c: boom", err)
	}
	if lc.IsStarted() {
		t.Error("IsStarted() = true after failed Start()")
	}

	want := []string{"start a", "start b", "start c", "stop b", "stop a"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}

	// A later Stop has nothing left to stop.
	calls = nil
	if err := lc.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("calls after Stop = %v, want none", calls)
	}
}

func TestLifecycle_StopCollectsErrors(t *testing.T) {
	lc := NewLifecycle(nil)

	errOne := errors.New("one")
	errTwo := errors.New("two")
	var stopped int
	lc.Append(Hook{Name: "first", Stop: func(context.Context) error { stopped++; return errOne }})
	lc.Append(Hook{Name: "second", Stop: func(context.Context) error { stopped++; return nil }})
	lc.Append(Hook{Name: "third", Stop: func(context.Context) error { stopped++; return errTwo }})

	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	err := lc.Stop(context.Background())
	if !errors.Is(err, errOne) || !errors.Is(err, errTwo) {
		t.Errorf("Stop() error = %v, want both hook errors", err)
	}
	if stopped != 3 {
		t.Errorf("stop hooks run = %d, want 3", stopped)
	}
}

func TestLifecycle_Restart(t *testing.T) {
	lc := NewLifecycle(nil)

	var calls []string
	lc.Append(recordingHook("a", &calls, nil))

	for range 2 {
		if err := lc.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := lc.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	}
	if len(calls) != 4 {
		t.Errorf("calls = %v, want two start/stop pairs", calls)
	}
}
