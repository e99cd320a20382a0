package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/logging"
)

type fakeRecorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *fakeRecorder) RecordEvent(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evt)
	return nil
}

type fakeEvaluator struct {
	mu    sync.Mutex
	calls []Category
}

func (e *fakeEvaluator) EvaluateEvent(category Category, _ Scope, _ map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, category)
}

func TestEmitPersistsEvaluatesAndDelivers(t *testing.T) {
	rec := &fakeRecorder{}
	eval := &fakeEvaluator{}
	bus := New(logging.New(false), rec, eval, nil)

	got := make(chan Event, 1)
	bus.Subscribe(TypeContainerDied, func(evt Event) { got <- evt })

	bus.Emit(context.Background(), Event{
		Type:  TypeContainerDied,
		Scope: Scope{HostID: "h1", ContainerName: "nginx"},
	})

	select {
	case evt := <-got:
		if evt.Scope.ContainerName != "nginx" {
			t.Errorf("ContainerName = %q, want %q", evt.Scope.ContainerName, "nginx")
		}
		if evt.Timestamp.IsZero() {
			t.Error("expected Emit to stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber delivery")
	}

	if len(rec.events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(rec.events))
	}
	if len(eval.calls) != 1 || eval.calls[0] != CategoryError {
		t.Errorf("evaluator calls = %v, want [error]", eval.calls)
	}
}

func TestEmitSurvivesRecorderFailure(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("disk full")}
	bus := New(logging.New(false), rec, nil, nil)

	delivered := false
	bus.Subscribe(TypeHostConnected, func(Event) { delivered = true })

	bus.Emit(context.Background(), Event{Type: TypeHostConnected})

	if !delivered {
		t.Error("subscriber not invoked after recorder failure")
	}
}

func TestEmitIsolatesPanickingSubscriber(t *testing.T) {
	bus := New(logging.New(false), nil, nil, nil)

	bus.Subscribe(TypeUpdateFailed, func(Event) { panic("boom") })
	second := false
	bus.Subscribe(TypeUpdateFailed, func(Event) { second = true })

	bus.Emit(context.Background(), Event{Type: TypeUpdateFailed})

	if !second {
		t.Error("second subscriber not invoked after first panicked")
	}
}

func TestSubscriberOnlySeesItsType(t *testing.T) {
	bus := New(logging.New(false), nil, nil, nil)

	var count int
	bus.Subscribe(TypeContainerStarted, func(Event) { count++ })

	bus.Emit(context.Background(), Event{Type: TypeContainerStopped})
	bus.Emit(context.Background(), Event{Type: TypeContainerStarted})

	if count != 1 {
		t.Errorf("handler invoked %d times, want 1", count)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New(logging.New(false), nil, nil, nil)

	var count int
	id := bus.Subscribe(TypeBatchJobCompleted, func(Event) { count++ })
	bus.Unsubscribe(TypeBatchJobCompleted, id)
	bus.Unsubscribe(TypeBatchJobCompleted, id)
	bus.Unsubscribe(TypeBatchJobCompleted, 9999)

	bus.Emit(context.Background(), Event{Type: TypeBatchJobCompleted})

	if count != 0 {
		t.Errorf("handler invoked %d times after unsubscribe, want 0", count)
	}
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	bus := New(logging.New(false), nil, nil, nil)

	var wg sync.WaitGroup
	for g := range 10 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for range 50 {
				sid := bus.Subscribe(TypeContainerStarted, func(Event) {})
				bus.Emit(context.Background(), Event{Type: TypeContainerStarted})
				bus.Unsubscribe(TypeContainerStarted, sid)
			}
		}(g)
	}
	wg.Wait()
}

func TestEmitStampsFromInjectedClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &fakeRecorder{}
	bus := New(logging.New(false), rec, nil, clock.NewFake(at))

	bus.Emit(context.Background(), Event{Type: TypeContainerStarted})

	if len(rec.events) != 1 {
		t.Fatalf("got %d recorded events, want 1", len(rec.events))
	}
	if !rec.events[0].Timestamp.Equal(at) {
		t.Errorf("Timestamp = %s, want %s", rec.events[0].Timestamp, at)
	}
}

func TestSuppressionPatternsDropMatchingEvents(t *testing.T) {
	rec := &fakeRecorder{}
	bus := New(logging.New(false), rec, nil, nil)
	bus.SetSuppressionPatterns([]string{"container_restart*", "noisy-*"})

	var delivered int
	bus.Subscribe(TypeContainerStarted, func(Event) { delivered++ })

	// type glob match
	bus.Emit(context.Background(), Event{Type: TypeContainerRestarted})
	// container name glob match
	bus.Emit(context.Background(), Event{
		Type:  TypeContainerStarted,
		Scope: Scope{ContainerName: "noisy-healthprobe"},
	})
	// neither matches
	bus.Emit(context.Background(), Event{
		Type:  TypeContainerStarted,
		Scope: Scope{ContainerName: "web"},
	})

	if len(rec.events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(rec.events))
	}
	if delivered != 1 {
		t.Errorf("delivered %d events, want 1", delivered)
	}

	bus.SetSuppressionPatterns(nil)
	bus.Emit(context.Background(), Event{Type: TypeContainerRestarted})
	if len(rec.events) != 2 {
		t.Errorf("recorded %d events after clearing patterns, want 2", len(rec.events))
	}
}

func TestGlobalLifecycle(t *testing.T) {
	log := logging.New(false)

	if Get() != nil {
		t.Fatal("expected nil bus before Init")
	}
	b := Init(log, nil, nil, nil)
	if Get() != b {
		t.Error("Get returned a different bus than Init")
	}
	Shutdown()
	if Get() != nil {
		t.Error("expected nil bus after Shutdown")
	}
	Shutdown() // second shutdown must not panic
}

func TestCategoryMapping(t *testing.T) {
	cases := []struct {
		typ  Type
		want Category
	}{
		{TypeContainerStarted, CategoryStateChange},
		{TypeUpdateCompleted, CategoryActionTaken},
		{TypeHostConnected, CategoryConnection},
		{TypeHostDisconnected, CategoryDisconnection},
		{TypeContainerDied, CategoryError},
		{TypeSystemStartup, CategoryInfo},
		{Type("something_new"), CategoryInfo},
	}
	for _, tc := range cases {
		if got := tc.typ.Category(); got != tc.want {
			t.Errorf("Category(%q) = %q, want %q", tc.typ, got, tc.want)
		}
	}
}
