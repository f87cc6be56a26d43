package events

import (
	"sync"
	"testing"
)

func TestBus_JobScopedDelivery(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var got []Event
	sub := bus.Subscribe("job-1", func(jobID string, ev Event) {
		got = append(got, ev)
	})
	defer sub.Unsubscribe()

	bus.Emit("job-1", Event{Type: TypeLog, Message: "line one"})
	bus.Emit("job-2", Event{Type: TypeLog, Message: "other job"})
	bus.Emit("job-1", Event{Type: TypeProgress, Data: ProgressData(30)})

	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	if got[0].Type != TypeLog || got[0].Message != "line one" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Type != TypeProgress || *got[1].Data.Progress != 30 {
		t.Errorf("second event = %+v", got[1])
	}
	if got[0].Timestamp.IsZero() {
		t.Error("Timestamp not set on emit")
	}
}

func TestBus_GlobalSeesAllJobs(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var jobIDs []string
	sub := bus.SubscribeAll(func(jobID string, ev Event) {
		jobIDs = append(jobIDs, jobID)
	})
	defer sub.Unsubscribe()

	bus.Emit("a", Event{Type: TypeLog})
	bus.Emit("b", Event{Type: TypeComplete})

	if len(jobIDs) != 2 || jobIDs[0] != "a" || jobIDs[1] != "b" {
		t.Errorf("global handler saw %v, want [a b]", jobIDs)
	}
}

func TestBus_ScopedBeforeGlobal(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var order []string
	s1 := bus.Subscribe("job-1", func(string, Event) { order = append(order, "scoped") })
	s2 := bus.SubscribeAll(func(string, Event) { order = append(order, "global") })
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	bus.Emit("job-1", Event{Type: TypeLog})

	if len(order) != 2 || order[0] != "scoped" || order[1] != "global" {
		t.Errorf("delivery order = %v, want [scoped global]", order)
	}
}

func TestBus_IndividualUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var a, b int
	subA := bus.Subscribe("job-1", func(string, Event) { a++ })
	subB := bus.Subscribe("job-1", func(string, Event) { b++ })

	bus.Emit("job-1", Event{Type: TypeLog})
	subA.Unsubscribe()
	bus.Emit("job-1", Event{Type: TypeLog})
	subA.Unsubscribe() // idempotent
	subB.Unsubscribe()
	bus.Emit("job-1", Event{Type: TypeLog})

	if a != 1 {
		t.Errorf("handler a called %d times, want 1", a)
	}
	if b != 2 {
		t.Errorf("handler b called %d times, want 2", b)
	}
}

func TestBus_ConcurrentEmitAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe("job-1", func(string, Event) {})
			bus.Emit("job-1", Event{Type: TypeLog})
			sub.Unsubscribe()
		}()
	}
	wg.Wait()
}

func TestType_Terminal(t *testing.T) {
	t.Parallel()

	if TypeLog.Terminal() || TypeProgress.Terminal() {
		t.Error("log/progress reported terminal")
	}
	if !TypeError.Terminal() || !TypeComplete.Terminal() {
		t.Error("error/complete not reported terminal")
	}
}
