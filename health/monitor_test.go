package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"harness/event"
)

type fakeChecker struct {
	mu      sync.Mutex
	healthy bool
}

func (c *fakeChecker) setHealthy(h bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = h
}

func (c *fakeChecker) Check(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy {
		return errors.New("probe failed")
	}
	return nil
}

func TestMonitorTransitionsToUnhealthyAfterRetriesConsecutiveFailures(t *testing.T) {
	checker := &fakeChecker{healthy: false}
	var transitions []State
	var mu sync.Mutex

	m := &Monitor{
		Checker: checker,
		Config:  Config{Interval: 5 * time.Millisecond, Retries: 3},
		OnStateChange: func(to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || transitions[0] != StateUnhealthy {
		t.Fatalf("transitions = %v, want to start with Unhealthy", transitions)
	}
}

func TestMonitorRecoversAfterSuccessThresholdIsMet(t *testing.T) {
	checker := &fakeChecker{healthy: false}
	var transitions []State
	var mu sync.Mutex

	m := &Monitor{
		Checker: checker,
		Config:  Config{Interval: 5 * time.Millisecond, Retries: 1, SuccessThreshold: 2},
		OnStateChange: func(to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
			if to == StateUnhealthy {
				checker.setHealthy(true)
			}
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 2 {
		t.Fatalf("transitions = %v, want at least [Unhealthy, Healthy]", transitions)
	}
	if transitions[0] != StateUnhealthy {
		t.Fatalf("transitions[0] = %v, want Unhealthy", transitions[0])
	}
	sawRecovery := false
	for _, tr := range transitions[1:] {
		if tr == StateHealthy {
			sawRecovery = true
		}
	}
	if !sawRecovery {
		t.Fatalf("transitions = %v, want a recovery to Healthy", transitions)
	}
}

func TestMonitorTransitionsToHealthyOnTheFirstSuccessfulProbe(t *testing.T) {
	checker := &fakeChecker{healthy: true}
	var transitions []State
	var mu sync.Mutex

	m := &Monitor{
		Checker: checker,
		Config:  Config{Interval: 5 * time.Millisecond, Retries: 1, SuccessThreshold: 1},
		OnStateChange: func(to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || transitions[0] != StateHealthy {
		t.Fatalf("transitions = %v, want to start with Healthy on the very first probe", transitions)
	}
}

func TestMonitorIgnoresFailuresDuringStartPeriod(t *testing.T) {
	checker := &fakeChecker{healthy: false}
	var transitioned bool
	var mu sync.Mutex

	m := &Monitor{
		Checker: checker,
		Config:  Config{Interval: 5 * time.Millisecond, Retries: 1, StartPeriod: time.Hour},
		OnStateChange: func(to State) {
			mu.Lock()
			transitioned = true
			mu.Unlock()
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if transitioned {
		t.Fatal("expected no transition while inside an hour-long start period")
	}
}

func TestMonitorEmitsHealthChangedEventOnTransition(t *testing.T) {
	checker := &fakeChecker{healthy: false}
	events := make(chan event.Event, 4)

	m := &Monitor{
		Checker: checker,
		Config:  Config{Interval: 5 * time.Millisecond, Retries: 1},
		Events:  events,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	select {
	case e := <-events:
		if e.Kind != event.KindHealthChanged {
			t.Fatalf("event kind = %v, want HealthChanged", e.Kind)
		}
		if e.Healthy {
			t.Error("first transition should report Unhealthy (healthy=false)")
		}
	default:
		t.Fatal("expected a health_changed event on the sink")
	}
}
