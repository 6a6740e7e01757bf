package event

import (
	"context"
	"testing"
	"time"
)

func TestSequencerAssignsMonotonicIncreasingSeq(t *testing.T) {
	var seq Sequencer
	first := seq.Next(Event{Kind: KindStdout})
	second := seq.Next(Event{Kind: KindStdout})
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("Seq = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
}

func TestEventTerminalOnlyForExited(t *testing.T) {
	if (Event{Kind: KindStdout}).Terminal() {
		t.Error("Stdout event reported Terminal")
	}
	if !(Event{Kind: KindExited}).Terminal() {
		t.Error("Exited event did not report Terminal")
	}
}

func TestStreamNextReturnsEventsInOrder(t *testing.T) {
	ch := make(chan Event, 2)
	ch <- Event{Kind: KindStarted}
	ch <- Event{Kind: KindExited}
	close(ch)

	s := NewStream(ch)
	ctx := context.Background()

	e, ok, err := s.Next(ctx)
	if err != nil || !ok || e.Kind != KindStarted {
		t.Fatalf("first Next = %+v, %v, %v", e, ok, err)
	}
	e, ok, err = s.Next(ctx)
	if err != nil || !ok || e.Kind != KindExited {
		t.Fatalf("second Next = %+v, %v, %v", e, ok, err)
	}
	_, ok, err = s.Next(ctx)
	if err != nil || ok {
		t.Fatalf("third Next = ok=%v err=%v, want exhausted", ok, err)
	}
}

func TestStreamCollectGathersEveryEventUntilClose(t *testing.T) {
	ch := make(chan Event, 3)
	ch <- Event{Kind: KindStarted}
	ch <- Event{Kind: KindStdout, Line: "hello"}
	ch <- Event{Kind: KindExited}
	close(ch)

	events, err := NewStream(ch).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(events) != 3 || events[2].Kind != KindExited {
		t.Fatalf("Collect() = %+v, want 3 events ending in Exited", events)
	}
}

func TestMergeInterleavesSourcesAndClosesWhenAllExhausted(t *testing.T) {
	a := make(chan Event, 2)
	b := make(chan Event, 2)
	a <- Event{Kind: KindStdout, Line: "a1"}
	a <- Event{Kind: KindExited}
	close(a)
	b <- Event{Kind: KindHealthChanged, Healthy: true}
	close(b)

	seq := &Sequencer{}
	merged := Merge(context.Background(), seq, a, b)

	events, err := merged.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	seen := make(map[Kind]bool)
	for _, e := range events {
		seen[e.Kind] = true
		if e.Seq == 0 {
			t.Errorf("event %+v was not assigned a sequence number", e)
		}
	}
	if !seen[KindStdout] || !seen[KindExited] || !seen[KindHealthChanged] {
		t.Fatalf("events %+v missing an expected kind", events)
	}
}

func TestSharedEventStreamFansOutToEverySubscriber(t *testing.T) {
	src := make(chan Event)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shared := NewSharedEventStream(ctx, NewStream(src), 8)

	subACtx, subACancel := context.WithCancel(ctx)
	defer subACancel()
	subBCtx, subBCancel := context.WithCancel(ctx)
	defer subBCancel()

	subA := shared.Subscribe(subACtx)
	subB := shared.Subscribe(subBCtx)
	// Give both subscriptions time to register with the shared stream
	// before anything is published, so neither misses an event.
	time.Sleep(20 * time.Millisecond)

	src <- Event{Kind: KindStdout, Line: "one"}
	src <- Event{Kind: KindExited}
	close(src)

	for _, sub := range []*Stream{subA, subB} {
		events, err := sub.Collect(ctx)
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if len(events) != 2 || events[1].Kind != KindExited {
			t.Fatalf("subscriber events = %+v, want [Stdout, Exited]", events)
		}
	}
}

func TestSharedEventStreamLateSubscriberSeesOnlyClose(t *testing.T) {
	src := make(chan Event)
	close(src)

	ctx := context.Background()
	shared := NewSharedEventStream(ctx, NewStream(src), 4)

	// Give the pump goroutine time to observe the closed source and mark
	// the stream done before a late subscriber joins; bound the subscriber's
	// own context so a lost race (joining before closeAll runs) times out
	// instead of hanging the test forever.
	time.Sleep(50 * time.Millisecond)

	subCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	sub := shared.Subscribe(subCtx)
	events, err := sub.Collect(subCtx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("late subscriber got %+v, want no events", events)
	}
}

func TestSharedEventStreamOverflowProducesExactlyOneLaggedMarker(t *testing.T) {
	src := make(chan Event)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shared := NewSharedEventStream(ctx, NewStream(src), 2)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	sub := shared.Subscribe(subCtx)

	// Push more events than the subscriber's buffer (2) can hold before it
	// ever reads, forcing at least one drop.
	for i := 0; i < 5; i++ {
		src <- Event{Kind: KindStdout, Line: "x"}
	}
	close(src)

	events, err := sub.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	laggedCount := 0
	for _, e := range events {
		if e.Kind == KindLagged {
			laggedCount++
			if e.Lagged == 0 {
				t.Error("Lagged event carried a zero count")
			}
		}
	}
	if laggedCount != 1 {
		t.Fatalf("got %d Lagged markers, want exactly 1", laggedCount)
	}
}
